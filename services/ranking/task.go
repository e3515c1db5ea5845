package ranking

import (
	"context"
	"encoding/json"
	"fmt"

	pkgasynq "eventops-engine/pkg/asynq"
	"eventops-engine/pkg/scope"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// HandleMaterializeTask serves on-demand ranking:materialize kicks. The
// materializer is idempotent and stale-safe, so at-least-once delivery
// needs no extra guarding here.
func (m *Materializer) HandleMaterializeTask(ctx context.Context, t *asynq.Task) error {
	var payload pkgasynq.MaterializePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	sc, err := scope.Parse(payload.ScopeKey)
	if err != nil {
		zap.L().Error("materialize task carries bad scope key",
			zap.String("scope_key", payload.ScopeKey),
			zap.Error(err),
		)
		return err
	}

	if _, err := m.Materialize(ctx, sc); err != nil {
		zap.L().Error("failed to materialize ranking",
			zap.String("scope", sc.Key()),
			zap.Error(err),
		)
		return err
	}

	return nil
}
