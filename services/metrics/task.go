package metrics

import (
	"context"
	"encoding/json"
	"fmt"

	pkgasynq "eventops-engine/pkg/asynq"
	"eventops-engine/pkg/scope"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// HandleRefreshTask serves on-demand metrics:refresh kicks.
func (r *Refresher) HandleRefreshTask(ctx context.Context, t *asynq.Task) error {
	var payload pkgasynq.MetricsRefreshPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	sc, err := scope.Parse(payload.ScopeKey)
	if err != nil {
		zap.L().Error("metrics task carries bad scope key",
			zap.String("scope_key", payload.ScopeKey),
			zap.Error(err),
		)
		return err
	}

	w := Window{Kind: payload.WindowKind, Start: payload.WindowStart.In(r.loc)}
	if w.Kind != WindowDay && w.Kind != WindowHour {
		return fmt.Errorf("unknown window kind %q", w.Kind)
	}

	if _, err := r.Refresh(ctx, sc, w); err != nil {
		zap.L().Error("failed to refresh metrics",
			zap.String("scope", sc.Key()),
			zap.String("window", w.Key()),
			zap.Error(err),
		)
		return err
	}

	return nil
}
