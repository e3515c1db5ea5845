package query

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"eventops-engine/pkg/config"
	"eventops-engine/pkg/scope"
	"eventops-engine/services/checkin"
	"eventops-engine/services/metrics"
	"eventops-engine/services/ranking"
	"eventops-engine/services/scoring"
	"eventops-engine/services/stream"
	"eventops-engine/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestQuery(t *testing.T) (*Service, *ranking.Materializer, *metrics.Refresher, *gorm.DB) {
	t.Helper()

	db := testutil.NewTestDB(t,
		&scoring.ActorScore{},
		&ranking.RankingSnapshot{},
		&ranking.RankingEntry{},
		&checkin.Ticket{},
		&stream.StreamEvent{},
		&metrics.MetricSnapshot{},
	)

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Normalize()

	mat := ranking.NewMaterializer(ranking.MaterializerParams{DB: db, Node: node, Config: cfg})
	ref := metrics.NewRefresher(metrics.RefresherParams{DB: db, Node: node, Config: cfg})
	svc := NewService(ServiceParams{Ranking: mat, Metrics: ref, Config: cfg})

	return svc, mat, ref, db
}

func TestGetRankingNotYetAvailable(t *testing.T) {
	svc, _, _, _ := newTestQuery(t)

	view, err := svc.GetRanking(context.Background(), scope.ForCompany("company-1"))
	require.NoError(t, err)
	require.False(t, view.Available)
	require.Empty(t, view.Entries)
	require.Zero(t, view.Generation)
}

func TestGetRankingServesPublishedSnapshot(t *testing.T) {
	svc, mat, _, db := newTestQuery(t)

	day := time.Date(2026, 8, 10, 0, 0, 0, 0, time.UTC)
	require.NoError(t, db.Create(&scoring.ActorScore{
		ID: 1, ActorID: "p1", CompanyID: "company-1", Month: "2026-08",
		TotalPoints: 120, LastActivityAt: day,
	}).Error)
	require.NoError(t, db.Create(&scoring.ActorScore{
		ID: 2, ActorID: "p2", CompanyID: "company-1", Month: "2026-08",
		TotalPoints: 80, LastActivityAt: day,
	}).Error)

	sc := scope.ForCompany("company-1")
	_, err := mat.Materialize(context.Background(), sc)
	require.NoError(t, err)

	view, err := svc.GetRanking(context.Background(), sc)
	require.NoError(t, err)
	require.True(t, view.Available)
	require.EqualValues(t, 1, view.Generation)
	require.GreaterOrEqual(t, view.StalenessSeconds, 0.0)
	require.Len(t, view.Entries, 2)
	require.Equal(t, "p1", view.Entries[0].ActorID)
	require.Equal(t, 1, view.Entries[0].Position)
}

func TestGetRankingReadsSnapshotNotLiveTables(t *testing.T) {
	svc, mat, _, db := newTestQuery(t)

	day := time.Date(2026, 8, 10, 0, 0, 0, 0, time.UTC)
	require.NoError(t, db.Create(&scoring.ActorScore{
		ID: 1, ActorID: "p1", CompanyID: "company-1", Month: "2026-08",
		TotalPoints: 120, LastActivityAt: day,
	}).Error)

	sc := scope.ForCompany("company-1")
	_, err := mat.Materialize(context.Background(), sc)
	require.NoError(t, err)

	// new live data without a new materialization must stay invisible
	require.NoError(t, db.Create(&scoring.ActorScore{
		ID: 2, ActorID: "p2", CompanyID: "company-1", Month: "2026-08",
		TotalPoints: 999, LastActivityAt: day,
	}).Error)

	view, err := svc.GetRanking(context.Background(), sc)
	require.NoError(t, err)
	require.Len(t, view.Entries, 1)
	require.Equal(t, "p1", view.Entries[0].ActorID)
}

func TestGetMetricsNotYetAvailable(t *testing.T) {
	svc, _, ref, _ := newTestQuery(t)

	w := metrics.DayWindow(time.Now(), ref.Location())
	view, err := svc.GetMetrics(context.Background(), scope.ForCompany("company-1"), w)
	require.NoError(t, err)
	require.False(t, view.Available)
	require.Nil(t, view.Values)
}

func TestGetMetricsServesPublishedSnapshot(t *testing.T) {
	svc, _, ref, db := newTestQuery(t)

	w := metrics.DayWindow(time.Now(), ref.Location())
	require.NoError(t, db.Create(&stream.StreamEvent{
		ID: 1, Type: stream.TypeCheckInConfirmed, ActorID: "actor-1",
		CompanyID: "company-1", SourceID: "ci-1", OccurredAt: w.Start.Add(time.Hour),
	}).Error)

	sc := scope.ForCompany("company-1")
	_, err := ref.Refresh(context.Background(), sc, w)
	require.NoError(t, err)

	view, err := svc.GetMetrics(context.Background(), sc, w)
	require.NoError(t, err)
	require.True(t, view.Available)
	require.False(t, view.Final)
	require.NotNil(t, view.Values)
	require.EqualValues(t, 1, view.Values.ConfirmedCheckins)
	require.GreaterOrEqual(t, view.StalenessSeconds, 0.0)
}
