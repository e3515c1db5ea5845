package metrics

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"eventops-engine/pkg/config"
	"eventops-engine/pkg/scope"
	"eventops-engine/services/checkin"
	"eventops-engine/services/stream"
	"eventops-engine/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestRefresher(t *testing.T) (*Refresher, *gorm.DB) {
	t.Helper()

	db := testutil.NewTestDB(t, &checkin.Ticket{}, &stream.StreamEvent{}, &MetricSnapshot{})

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Normalize()

	return NewRefresher(RefresherParams{DB: db, Node: node, Config: cfg}), db
}

func seedTicket(t *testing.T, db *gorm.DB, id, companyID string, issuedAt time.Time) {
	t.Helper()
	require.NoError(t, db.Create(&checkin.Ticket{
		ID:        id,
		EventID:   "event-1",
		CompanyID: companyID,
		HolderID:  "holder-1",
		State:     checkin.TicketIssued,
		IssuedAt:  issuedAt,
	}).Error)
}

func seedEvent(t *testing.T, db *gorm.DB, id int64, eventType, companyID, sourceID string, at time.Time, payload []byte) {
	t.Helper()
	require.NoError(t, db.Create(&stream.StreamEvent{
		ID:         id,
		Type:       eventType,
		ActorID:    "actor-1",
		CompanyID:  companyID,
		SourceID:   sourceID,
		OccurredAt: at,
		Payload:    payload,
	}).Error)
}

func salePayload(t *testing.T, amount int64) []byte {
	t.Helper()
	raw, err := json.Marshal(stream.SaleConfirmed{Amount: amount})
	require.NoError(t, err)
	return raw
}

func TestRefreshComputesAggregates(t *testing.T) {
	ref, db := newTestRefresher(t)

	day := DayWindow(time.Now().AddDate(0, 0, -10), time.UTC).Start
	for i, id := range []string{"t1", "t2", "t3", "t4"} {
		seedTicket(t, db, id, "company-1", day.Add(time.Duration(i)*time.Hour))
	}
	seedEvent(t, db, 1, stream.TypeCheckInConfirmed, "company-1", "ci-1", day.Add(9*time.Hour), nil)
	seedEvent(t, db, 2, stream.TypeCheckInConfirmed, "company-1", "ci-2", day.Add(10*time.Hour), nil)
	seedEvent(t, db, 3, stream.TypeCheckInRejected, "company-1", "ci-3", day.Add(10*time.Hour+time.Minute), nil)
	seedEvent(t, db, 4, stream.TypeSaleConfirmed, "company-1", "sale-1", day.Add(11*time.Hour), salePayload(t, 120))
	seedEvent(t, db, 5, stream.TypeSaleConfirmed, "company-1", "sale-2", day.Add(12*time.Hour), salePayload(t, 30))

	// outside the window, must not count
	seedEvent(t, db, 6, stream.TypeCheckInConfirmed, "company-1", "ci-other", day.AddDate(0, 0, 1), nil)
	// other company, must not count
	seedEvent(t, db, 7, stream.TypeCheckInConfirmed, "company-2", "ci-c2", day.Add(9*time.Hour), nil)

	snap, err := ref.Refresh(context.Background(), scope.ForCompany("company-1"), DayWindow(day, time.UTC))
	require.NoError(t, err)
	require.True(t, snap.Published)

	var values MetricValues
	require.NoError(t, json.Unmarshal(snap.Values, &values))

	require.EqualValues(t, 4, values.IssuedTickets)
	require.EqualValues(t, 2, values.ConfirmedCheckins)
	require.EqualValues(t, 1, values.RejectedCheckins)
	require.InDelta(t, 0.5, values.AttendanceRate, 1e-9)
	require.EqualValues(t, 2, values.SaleCount)
	require.EqualValues(t, 150, values.RevenueSum)
	require.EqualValues(t, 1, values.HourDistribution[9])
	require.EqualValues(t, 1, values.HourDistribution[10])
}

func TestGracePeriodFinalization(t *testing.T) {
	ref, db := newTestRefresher(t)

	// well past the window end plus grace
	day := DayWindow(time.Now().AddDate(0, 0, -10), time.UTC).Start
	seedEvent(t, db, 1, stream.TypeCheckInConfirmed, "company-1", "ci-1", day.Add(9*time.Hour), nil)

	sc := scope.ForCompany("company-1")
	w := DayWindow(day, time.UTC)

	snap, err := ref.Refresh(context.Background(), sc, w)
	require.NoError(t, err)
	require.True(t, snap.Final)

	// a late event after finalization is never folded in
	seedEvent(t, db, 2, stream.TypeCheckInConfirmed, "company-1", "ci-late", day.Add(10*time.Hour), nil)

	again, err := ref.Refresh(context.Background(), sc, w)
	require.NoError(t, err)
	require.Equal(t, snap.ID, again.ID)
	require.Equal(t, snap.Generation, again.Generation)

	var values MetricValues
	require.NoError(t, json.Unmarshal(again.Values, &values))
	require.EqualValues(t, 1, values.ConfirmedCheckins)
}

func TestOpenWindowRepublishes(t *testing.T) {
	ref, db := newTestRefresher(t)

	now := time.Now()
	sc := scope.ForCompany("company-1")
	w := DayWindow(now, time.UTC)

	first, err := ref.Refresh(context.Background(), sc, w)
	require.NoError(t, err)
	require.False(t, first.Final)
	require.EqualValues(t, 1, first.Generation)

	seedEvent(t, db, 1, stream.TypeCheckInConfirmed, "company-1", "ci-1", now, nil)

	second, err := ref.Refresh(context.Background(), sc, w)
	require.NoError(t, err)
	require.EqualValues(t, 2, second.Generation)

	var values MetricValues
	require.NoError(t, json.Unmarshal(second.Values, &values))
	require.EqualValues(t, 1, values.ConfirmedCheckins)
}

func TestWindowBounds(t *testing.T) {
	at := time.Date(2026, 8, 10, 14, 35, 0, 0, time.UTC)

	day := DayWindow(at, time.UTC)
	require.Equal(t, time.Date(2026, 8, 10, 0, 0, 0, 0, time.UTC), day.Start)
	require.Equal(t, time.Date(2026, 8, 11, 0, 0, 0, 0, time.UTC), day.End())

	hour := HourWindow(at, time.UTC)
	require.Equal(t, time.Date(2026, 8, 10, 14, 0, 0, 0, time.UTC), hour.Start)
	require.Equal(t, time.Date(2026, 8, 10, 15, 0, 0, 0, time.UTC), hour.End())

	require.True(t, day.Closed(time.Date(2026, 8, 12, 0, 0, 1, 0, time.UTC), 24*time.Hour))
	require.False(t, day.Closed(time.Date(2026, 8, 11, 12, 0, 0, 0, time.UTC), 24*time.Hour))
}
