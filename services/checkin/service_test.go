package checkin

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"eventops-engine/pkg/config"
	"eventops-engine/pkg/errutil"
	"eventops-engine/services/stream"
	"eventops-engine/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()

	db := testutil.NewTestDB(t, &Ticket{}, &CheckInAttempt{}, &stream.StreamEvent{})

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Normalize()

	streamSvc := stream.NewService(stream.ServiceParams{DB: db, Node: node})
	svc := NewService(ServiceParams{DB: db, Node: node, Config: cfg, Stream: streamSvc})

	return svc, db
}

func issueTestTicket(t *testing.T, svc *Service, id string) {
	t.Helper()
	_, err := svc.IssueTicket(context.Background(), IssueRequest{
		TicketID:  id,
		EventID:   "event-1",
		CompanyID: "company-1",
		HolderID:  "holder-1",
	})
	require.NoError(t, err)
}

func TestAttemptConfirmsIssuedTicket(t *testing.T) {
	svc, db := newTestService(t)
	issueTestTicket(t, svc, "ticket-1")

	result, err := svc.Attempt(context.Background(), AttemptRequest{
		IdempotencyKey: "key-1",
		TicketID:       "ticket-1",
		ActorID:        "actor-1",
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeConfirmed, result.Outcome)

	var ticket Ticket
	require.NoError(t, db.First(&ticket, "id = ?", "ticket-1").Error)
	require.Equal(t, TicketConsumed, ticket.State)
	require.NotNil(t, ticket.ConsumedAt)
	require.NotNil(t, ticket.ConsumingAttempt)
	require.Equal(t, "key-1", *ticket.ConsumingAttempt)

	var events []stream.StreamEvent
	require.NoError(t, db.Find(&events).Error)
	require.Len(t, events, 1)
	require.Equal(t, stream.TypeCheckInConfirmed, events[0].Type)
	require.Equal(t, "checkin:key-1", events[0].SourceID)
}

func TestAttemptReplaySameKey(t *testing.T) {
	svc, db := newTestService(t)
	issueTestTicket(t, svc, "ticket-1")

	submitted := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)

	first, err := svc.Attempt(context.Background(), AttemptRequest{
		IdempotencyKey: "key-1",
		TicketID:       "ticket-1",
		ActorID:        "actor-1",
		SubmittedAt:    submitted,
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeConfirmed, first.Outcome)

	second, err := svc.Attempt(context.Background(), AttemptRequest{
		IdempotencyKey: "key-1",
		TicketID:       "ticket-1",
		ActorID:        "actor-1",
		SubmittedAt:    submitted.Add(time.Hour),
	})
	require.NoError(t, err)
	require.Equal(t, first.Outcome, second.Outcome)
	require.True(t, second.SubmittedAt.Equal(first.SubmittedAt))

	var attempts int64
	require.NoError(t, db.Model(&CheckInAttempt{}).Count(&attempts).Error)
	require.EqualValues(t, 1, attempts)

	var events int64
	require.NoError(t, db.Model(&stream.StreamEvent{}).Count(&events).Error)
	require.EqualValues(t, 1, events)
}

func TestAttemptSecondKeyRejected(t *testing.T) {
	svc, _ := newTestService(t)
	issueTestTicket(t, svc, "ticket-1")

	first, err := svc.Attempt(context.Background(), AttemptRequest{
		IdempotencyKey: "key-1",
		TicketID:       "ticket-1",
		ActorID:        "actor-1",
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeConfirmed, first.Outcome)

	second, err := svc.Attempt(context.Background(), AttemptRequest{
		IdempotencyKey: "key-2",
		TicketID:       "ticket-1",
		ActorID:        "actor-2",
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeRejected, second.Outcome)
	require.Equal(t, ReasonAlreadyConsumed, second.RejectReason)
}

func TestAttemptConcurrentDistinctKeys(t *testing.T) {
	svc, db := newTestService(t)
	issueTestTicket(t, svc, "ticket-1")

	const workers = 8

	var wg sync.WaitGroup
	results := make([]*AttemptResult, workers)
	errs := make([]error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.Attempt(context.Background(), AttemptRequest{
				IdempotencyKey: "key-" + string(rune('a'+i)),
				TicketID:       "ticket-1",
				ActorID:        "actor-1",
			})
		}(i)
	}
	wg.Wait()

	confirmed := 0
	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		if results[i].Confirmed() {
			confirmed++
		} else {
			require.Equal(t, ReasonAlreadyConsumed, results[i].RejectReason)
		}
	}
	require.Equal(t, 1, confirmed)

	var ticket Ticket
	require.NoError(t, db.First(&ticket, "id = ?", "ticket-1").Error)
	require.Equal(t, TicketConsumed, ticket.State)
}

func TestAttemptConcurrentSameKey(t *testing.T) {
	svc, db := newTestService(t)
	issueTestTicket(t, svc, "ticket-1")

	const workers = 8

	var wg sync.WaitGroup
	results := make([]*AttemptResult, workers)
	errs := make([]error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.Attempt(context.Background(), AttemptRequest{
				IdempotencyKey: "key-1",
				TicketID:       "ticket-1",
				ActorID:        "actor-1",
			})
		}(i)
	}
	wg.Wait()

	// every caller sees the winner's stored outcome
	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, OutcomeConfirmed, results[i].Outcome)
	}

	var attempts int64
	require.NoError(t, db.Model(&CheckInAttempt{}).Count(&attempts).Error)
	require.EqualValues(t, 1, attempts)

	var events int64
	require.NoError(t, db.Model(&stream.StreamEvent{}).Count(&events).Error)
	require.EqualValues(t, 1, events)

	var ticket Ticket
	require.NoError(t, db.First(&ticket, "id = ?", "ticket-1").Error)
	require.Equal(t, TicketConsumed, ticket.State)
	require.Equal(t, "key-1", *ticket.ConsumingAttempt)
}

func TestAttemptRejectReasonReflectsConcurrentVoid(t *testing.T) {
	svc, db := newTestService(t)
	issueTestTicket(t, svc, "ticket-1")

	// Void the ticket between the service's initial read and its state
	// update, like a refund landing mid-attempt. The stored reason must
	// reflect the state that made the update miss, not the stale read.
	fired := false
	err := db.Callback().Update().Before("gorm:update").Register("void_midway", func(tx *gorm.DB) {
		if fired {
			return
		}
		if _, ok := tx.Statement.Model.(*Ticket); !ok {
			return
		}
		fired = true
		tx.AddError(tx.Session(&gorm.Session{NewDB: true}).
			Exec("UPDATE tickets SET state = ? WHERE id = ?", TicketVoid, "ticket-1").Error)
	})
	require.NoError(t, err)

	result, err := svc.Attempt(context.Background(), AttemptRequest{
		IdempotencyKey: "key-1",
		TicketID:       "ticket-1",
		ActorID:        "actor-1",
	})
	require.NoError(t, err)
	require.True(t, fired)
	require.Equal(t, OutcomeRejected, result.Outcome)
	require.Equal(t, ReasonVoidTicket, result.RejectReason)
}

func TestAttemptVoidTicket(t *testing.T) {
	svc, _ := newTestService(t)
	issueTestTicket(t, svc, "ticket-1")
	require.NoError(t, svc.VoidTicket(context.Background(), "ticket-1"))

	result, err := svc.Attempt(context.Background(), AttemptRequest{
		IdempotencyKey: "key-1",
		TicketID:       "ticket-1",
		ActorID:        "actor-1",
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeRejected, result.Outcome)
	require.Equal(t, ReasonVoidTicket, result.RejectReason)
}

func TestAttemptUnknownTicket(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Attempt(context.Background(), AttemptRequest{
		IdempotencyKey: "key-1",
		TicketID:       "missing",
		ActorID:        "actor-1",
	})
	require.Error(t, err)

	var base errutil.BaseError
	require.True(t, errors.As(err, &base))
	require.Equal(t, errutil.StatusNotFound, base.Code)
}

func TestAttemptValidation(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Attempt(context.Background(), AttemptRequest{TicketID: "t", ActorID: "a"})
	require.Error(t, err)

	var base errutil.BaseError
	require.True(t, errors.As(err, &base))
	require.Equal(t, errutil.StatusBadRequest, base.Code)
}

func TestVoidTicketTransitions(t *testing.T) {
	svc, _ := newTestService(t)
	issueTestTicket(t, svc, "ticket-1")

	// voiding twice is a no-op
	require.NoError(t, svc.VoidTicket(context.Background(), "ticket-1"))
	require.NoError(t, svc.VoidTicket(context.Background(), "ticket-1"))

	issueTestTicket(t, svc, "ticket-2")
	_, err := svc.Attempt(context.Background(), AttemptRequest{
		IdempotencyKey: "key-2",
		TicketID:       "ticket-2",
		ActorID:        "actor-1",
	})
	require.NoError(t, err)

	err = svc.VoidTicket(context.Background(), "ticket-2")
	var base errutil.BaseError
	require.True(t, errors.As(err, &base))
	require.Equal(t, errutil.StatusConflict, base.Code)

	err = svc.VoidTicket(context.Background(), "missing")
	require.True(t, errors.As(err, &base))
	require.Equal(t, errutil.StatusNotFound, base.Code)
}

func TestIssueTicketIdempotent(t *testing.T) {
	svc, db := newTestService(t)
	issueTestTicket(t, svc, "ticket-1")
	issueTestTicket(t, svc, "ticket-1")

	var count int64
	require.NoError(t, db.Model(&Ticket{}).Count(&count).Error)
	require.EqualValues(t, 1, count)
}
