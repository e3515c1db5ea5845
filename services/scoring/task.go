package scoring

import (
	"context"
	"encoding/json"
	"fmt"

	pkgasynq "eventops-engine/pkg/asynq"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// HandleScoreDrainTask is the asynq handler behind the score:drain kick.
// Delivery is at-least-once; Drain is idempotent so redelivery is safe.
func (s *Service) HandleScoreDrainTask(ctx context.Context, t *asynq.Task) error {
	var payload pkgasynq.ScoreDrainPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	zapLog := zap.L().With(
		zap.String("task_type", t.Type()),
		zap.String("actor_id", payload.ActorID),
	)

	if err := s.Drain(ctx, payload.ActorID); err != nil {
		zapLog.Error("failed to drain actor events", zap.Error(err))
		return err
	}

	return nil
}
