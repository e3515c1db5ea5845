package checkin

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	pkgasynq "eventops-engine/pkg/asynq"
	"eventops-engine/pkg/config"
	"eventops-engine/pkg/errutil"
	"eventops-engine/pkg/scope"
	"eventops-engine/pkg/taskname"
	"eventops-engine/services/stream"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const maxIdempotencyKeyLen = 128

type Service struct {
	db     *gorm.DB
	node   *snowflake.Node
	stream *stream.Service
	asynq  *asynq.Client

	maxRetries int
	backoff    time.Duration
	loc        *time.Location
}

type ServiceParams struct {
	fx.In
	DB     *gorm.DB
	Node   *snowflake.Node
	Config *config.Config
	Stream *stream.Service
	Asynq  *asynq.Client `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	loc, err := time.LoadLocation(p.Config.Engine.Timezone)
	if err != nil {
		zap.L().Warn("invalid engine timezone, falling back to UTC", zap.String("timezone", p.Config.Engine.Timezone))
		loc = time.UTC
	}

	return &Service{
		db:         p.DB,
		node:       p.Node,
		stream:     p.Stream,
		asynq:      p.Asynq,
		maxRetries: p.Config.Engine.CheckinMaxRetries,
		backoff:    p.Config.Engine.CheckinRetryBackoff,
		loc:        loc,
	}
}

// Attempt consumes a ticket at most once. Replays of the same idempotency
// key return the stored outcome without touching the ticket; conflicts
// (already consumed, void) are normal REJECTED outcomes, not errors.
func (s *Service) Attempt(ctx context.Context, req AttemptRequest) (*AttemptResult, error) {
	span := trace.SpanFromContext(ctx)
	zapLog := zap.L().With(
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("idempotency_key", req.IdempotencyKey),
		zap.String("ticket_id", req.TicketID),
	)

	if req.IdempotencyKey == "" || len(req.IdempotencyKey) > maxIdempotencyKeyLen {
		return nil, errutil.BadRequest("idempotency_key must be 1..128 characters")
	}
	if req.TicketID == "" {
		return nil, errutil.BadRequest("ticket_id is required")
	}
	if req.ActorID == "" {
		return nil, errutil.BadRequest("actor_id is required")
	}
	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = time.Now()
	}

	// Idempotent replay: the outcome for a key is computed once.
	if att, err := s.findAttempt(ctx, req.IdempotencyKey); err != nil {
		return nil, err
	} else if att != nil {
		return resultFromAttempt(att), nil
	}

	var result *AttemptResult
	var lastErr error

	for try := 0; try <= s.maxRetries; try++ {
		if try > 0 {
			select {
			case <-ctx.Done():
				return nil, errutil.Timeout("check-in cancelled", errutil.WithErr(ctx.Err()))
			case <-time.After(s.backoff * time.Duration(try)):
			}
		}

		result, lastErr = s.attemptOnce(ctx, req)
		if lastErr == nil {
			break
		}

		// A concurrent request with the same key may have won the insert
		// race; its stored outcome is ours too.
		if att, err := s.findAttempt(ctx, req.IdempotencyKey); err == nil && att != nil {
			return resultFromAttempt(att), nil
		}

		var base errutil.BaseError
		if errors.As(lastErr, &base) {
			return nil, lastErr
		}

		zapLog.Warn("check-in transaction failed, retrying", zap.Int("try", try+1), zap.Error(lastErr))
	}

	if lastErr != nil {
		zapLog.Error("check-in failed after retries", zap.Error(lastErr))
		return nil, errutil.Unavailable("check-in temporarily unavailable", errutil.WithErr(lastErr))
	}

	if result.Confirmed() {
		s.afterConfirm(ctx, req)
	}

	return result, nil
}

func (s *Service) attemptOnce(ctx context.Context, req AttemptRequest) (*AttemptResult, error) {
	var result *AttemptResult

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ticket Ticket
		if err := tx.First(&ticket, "id = ?", req.TicketID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errutil.NotFound("ticket not found")
			}
			return err
		}

		// Compare-and-swap on the consumption state. This is the sole
		// serialization point: of any number of concurrent attempts on
		// one ticket, exactly one update matches state=ISSUED.
		res := tx.Model(&Ticket{}).
			Where("id = ? AND state = ?", req.TicketID, TicketIssued).
			Updates(map[string]any{
				"state":             TicketConsumed,
				"consumed_at":       req.SubmittedAt,
				"consuming_attempt": req.IdempotencyKey,
				"updated_at":        time.Now(),
			})
		if res.Error != nil {
			return res.Error
		}

		att := &CheckInAttempt{
			IdempotencyKey: req.IdempotencyKey,
			TicketID:       req.TicketID,
			ActorID:        req.ActorID,
			SubmittedAt:    req.SubmittedAt,
		}

		eventType := stream.TypeCheckInConfirmed
		if res.RowsAffected == 1 {
			att.Outcome = OutcomeConfirmed
		} else {
			att.Outcome = OutcomeRejected
			eventType = stream.TypeCheckInRejected

			// The first read may predate a concurrent void or consume;
			// re-read so the stored reason reflects the state that made
			// the compare-and-swap fail.
			if err := tx.First(&ticket, "id = ?", req.TicketID).Error; err != nil {
				return err
			}

			reason := ReasonAlreadyConsumed
			if ticket.State == TicketVoid {
				reason = ReasonVoidTicket
			}
			att.RejectReason = &reason
		}

		if err := tx.Create(att).Error; err != nil {
			return err
		}

		payload, err := json.Marshal(map[string]any{
			"ticket_id": req.TicketID,
			"actor_id":  req.ActorID,
			"holder_id": ticket.HolderID,
			"outcome":   att.Outcome,
			"reason":    att.RejectReason,
		})
		if err != nil {
			return err
		}

		if err := s.stream.Append(ctx, tx, &stream.StreamEvent{
			Type:       eventType,
			ActorID:    req.ActorID,
			CompanyID:  ticket.CompanyID,
			EventID:    ticket.EventID,
			SourceID:   "checkin:" + req.IdempotencyKey,
			OccurredAt: req.SubmittedAt,
			Payload:    payload,
		}); err != nil {
			return err
		}

		result = resultFromAttempt(att)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// afterConfirm kicks the score accumulator and requests an on-demand
// ranking refresh. Both are fire-and-forget: the check-in is already
// durable and the schedulers will catch up regardless.
func (s *Service) afterConfirm(ctx context.Context, req AttemptRequest) {
	s.stream.Kick(ctx, req.ActorID)

	if s.asynq == nil {
		return
	}

	var ticket Ticket
	if err := s.db.WithContext(ctx).First(&ticket, "id = ?", req.TicketID).Error; err != nil {
		return
	}

	sc := scope.ForCompanyMonth(ticket.CompanyID, req.SubmittedAt, s.loc)
	payload, err := json.Marshal(pkgasynq.MaterializePayload{ScopeKey: sc.Key()})
	if err != nil {
		return
	}

	task := asynq.NewTask(taskname.RankingMaterialize, payload, asynq.Queue("low"))
	if _, err := s.asynq.EnqueueContext(ctx, task); err != nil {
		zap.L().Warn("failed to enqueue ranking refresh", zap.String("scope", sc.Key()), zap.Error(err))
	}
}

func (s *Service) findAttempt(ctx context.Context, key string) (*CheckInAttempt, error) {
	var att CheckInAttempt
	err := s.db.WithContext(ctx).First(&att, "idempotency_key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &att, nil
}

// IssueTicket creates an ISSUED ticket; called by the ticketing module
// when a sale is confirmed. Re-issuing an existing ticket id is a no-op.
func (s *Service) IssueTicket(ctx context.Context, req IssueRequest) (*Ticket, error) {
	if req.IssuedAt.IsZero() {
		req.IssuedAt = time.Now()
	}

	ticket := &Ticket{
		ID:        req.TicketID,
		EventID:   req.EventID,
		CompanyID: req.CompanyID,
		HolderID:  req.HolderID,
		State:     TicketIssued,
		IssuedAt:  req.IssuedAt,
	}

	if err := s.db.WithContext(ctx).Create(ticket).Error; err != nil {
		var existing Ticket
		if lookupErr := s.db.WithContext(ctx).First(&existing, "id = ?", req.TicketID).Error; lookupErr == nil {
			return &existing, nil
		}
		return nil, err
	}

	return ticket, nil
}

// VoidTicket transitions ISSUED -> VOID; called by the ticketing module on
// refund. Voiding a consumed ticket is a conflict, voiding a void one is a
// no-op.
func (s *Service) VoidTicket(ctx context.Context, ticketID string) error {
	res := s.db.WithContext(ctx).Model(&Ticket{}).
		Where("id = ? AND state = ?", ticketID, TicketIssued).
		Updates(map[string]any{
			"state":      TicketVoid,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 1 {
		return nil
	}

	var ticket Ticket
	if err := s.db.WithContext(ctx).First(&ticket, "id = ?", ticketID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return errutil.NotFound("ticket not found")
		}
		return err
	}

	switch ticket.State {
	case TicketVoid:
		return nil
	default:
		return errutil.Conflict("ticket already consumed")
	}
}
