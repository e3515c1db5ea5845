package stream

import (
	"context"
	"encoding/json"
	"time"

	pkgasynq "eventops-engine/pkg/asynq"
	"eventops-engine/pkg/errutil"
	"eventops-engine/pkg/taskname"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db    *gorm.DB
	node  *snowflake.Node
	asynq *asynq.Client
}

type ServiceParams struct {
	fx.In
	DB    *gorm.DB
	Node  *snowflake.Node
	Asynq *asynq.Client `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:    p.DB,
		node:  p.Node,
		asynq: p.Asynq,
	}
}

// Append inserts the event within the caller's transaction so the domain
// mutation and its event commit atomically. ID and CreatedAt are assigned
// here; OccurredAt is the producer's clock.
func (s *Service) Append(ctx context.Context, tx *gorm.DB, ev *StreamEvent) error {
	if ev.ID == 0 {
		ev.ID = s.node.Generate().Int64()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now()
	}

	return tx.WithContext(ctx).Create(ev).Error
}

// Replay returns the next ordered page of an actor's events strictly after
// afterID. Ids are assigned at append time, so id order is arrival order:
// an event delivered late with an older producer timestamp still lands
// after the cursor and is picked up by the next drain.
func (s *Service) Replay(ctx context.Context, actorID string, afterID int64, limit int) ([]StreamEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	var events []StreamEvent
	err := s.db.WithContext(ctx).
		Where("actor_id = ? AND id > ?", actorID, afterID).
		Order("id asc").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, err
	}

	return events, nil
}

// Kick signals the score accumulator that the actor has new events to
// drain. Delivery is at-least-once; the drain itself is idempotent.
func (s *Service) Kick(ctx context.Context, actorID string) {
	if s.asynq == nil {
		return
	}

	payload, err := json.Marshal(pkgasynq.ScoreDrainPayload{ActorID: actorID})
	if err != nil {
		zap.L().Error("failed to marshal drain payload", zap.Error(err))
		return
	}

	task := asynq.NewTask(taskname.ScoreDrain, payload, asynq.Queue("critical"))
	if _, err := s.asynq.EnqueueContext(ctx, task); err != nil {
		zap.L().Warn("failed to enqueue score drain",
			zap.String("actor_id", actorID),
			zap.Error(err),
		)
	}
}

// PublishSale is the entry point for the external PDV sales module. The
// sale event is appended durably and the actor's accumulator is kicked.
func (s *Service) PublishSale(ctx context.Context, sale SaleConfirmed) error {
	if sale.SourceEventID == "" {
		return errutil.BadRequest("source_event_id is required")
	}
	if sale.ActorID == "" {
		return errutil.BadRequest("actor_id is required")
	}

	payload, err := json.Marshal(sale)
	if err != nil {
		return errutil.Internal("failed to encode sale payload", errutil.WithErr(err))
	}

	ev := &StreamEvent{
		Type:       TypeSaleConfirmed,
		ActorID:    sale.ActorID,
		CompanyID:  sale.CompanyID,
		EventID:    sale.EventID,
		SourceID:   sale.SourceEventID,
		OccurredAt: sale.OccurredAt,
		Payload:    payload,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.Append(ctx, tx, ev)
	})
	if err != nil {
		// A replayed sale hits the unique source_id index; that is a
		// normal duplicate delivery, not a failure.
		var existing StreamEvent
		if lookupErr := s.db.WithContext(ctx).
			Where("source_id = ?", sale.SourceEventID).
			First(&existing).Error; lookupErr == nil {
			zap.L().Debug("duplicate sale event ignored", zap.String("source_id", sale.SourceEventID))
			return nil
		}
		return err
	}

	s.Kick(ctx, sale.ActorID)

	return nil
}
