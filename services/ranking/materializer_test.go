package ranking

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
	"eventops-engine/services/scoring"
	"eventops-engine/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestMaterializer(t *testing.T, retention int) (*Materializer, *gorm.DB) {
	t.Helper()

	db := testutil.NewTestDB(t, &scoring.ActorScore{}, &RankingSnapshot{}, &RankingEntry{})

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Normalize()
	cfg.Engine.SnapshotRetention = retention

	return NewMaterializer(MaterializerParams{DB: db, Node: node, Config: cfg}), db
}

func seedScore(t *testing.T, db *gorm.DB, id int64, actorID, companyID, month string, points int64, lastActivity time.Time) {
	t.Helper()
	require.NoError(t, db.Create(&scoring.ActorScore{
		ID:             id,
		ActorID:        actorID,
		CompanyID:      companyID,
		Month:          month,
		TotalPoints:    points,
		LastActivityAt: lastActivity,
	}).Error)
}

func TestMaterializeTieBreak(t *testing.T) {
	mat, db := newTestMaterializer(t, 5)

	day := time.Date(2026, 8, 10, 0, 0, 0, 0, time.UTC)
	seedScore(t, db, 1, "p1", "company-1", "2026-08", 100, day.Add(9*time.Hour))
	seedScore(t, db, 2, "p2", "company-1", "2026-08", 100, day.Add(8*time.Hour))
	seedScore(t, db, 3, "p3", "company-1", "2026-08", 90, day.Add(7*time.Hour))

	sc := scope.Scope{CompanyID: "company-1", Month: "2026-08"}
	snap, err := mat.Materialize(context.Background(), sc)
	require.NoError(t, err)
	require.True(t, snap.Published)
	require.EqualValues(t, 1, snap.Generation)

	_, entries, err := mat.Latest(context.Background(), sc.Key())
	require.NoError(t, err)
	require.Len(t, entries, 3)

	// equal points: the earlier last activity ranks higher
	require.Equal(t, "p2", entries[0].ActorID)
	require.Equal(t, 1, entries[0].Position)
	require.Equal(t, "p1", entries[1].ActorID)
	require.Equal(t, "p3", entries[2].ActorID)
}

func TestMaterializeDeterministic(t *testing.T) {
	mat, db := newTestMaterializer(t, 5)

	day := time.Date(2026, 8, 10, 0, 0, 0, 0, time.UTC)
	seedScore(t, db, 1, "p1", "company-1", "2026-08", 100, day)
	seedScore(t, db, 2, "p2", "company-1", "2026-08", 100, day)

	sc := scope.ForCompany("company-1")

	first, err := mat.Materialize(context.Background(), sc)
	require.NoError(t, err)
	_, firstEntries, err := mat.Latest(context.Background(), sc.Key())
	require.NoError(t, err)

	second, err := mat.Materialize(context.Background(), sc)
	require.NoError(t, err)
	_, secondEntries, err := mat.Latest(context.Background(), sc.Key())
	require.NoError(t, err)

	require.Equal(t, first.Generation+1, second.Generation)
	require.Len(t, secondEntries, len(firstEntries))
	for i := range firstEntries {
		// identical input, identical ordering; ties fall back to actor id
		require.Equal(t, firstEntries[i].ActorID, secondEntries[i].ActorID)
	}
	require.Equal(t, "p1", firstEntries[0].ActorID)
}

func TestMaterializeScopeFiltering(t *testing.T) {
	mat, db := newTestMaterializer(t, 5)

	day := time.Date(2026, 8, 10, 0, 0, 0, 0, time.UTC)
	seedScore(t, db, 1, "p1", "company-1", "2026-08", 100, day)
	seedScore(t, db, 2, "p1", "company-1", "2026-07", 40, day.AddDate(0, -1, 0))
	seedScore(t, db, 3, "p2", "company-2", "2026-08", 500, day)

	_, err := mat.Materialize(context.Background(), scope.ForCompany("company-1"))
	require.NoError(t, err)
	_, entries, err := mat.Latest(context.Background(), "company:company-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "p1", entries[0].ActorID)
	require.EqualValues(t, 140, entries[0].TotalPoints) // both months summed

	_, err = mat.Materialize(context.Background(), scope.Global())
	require.NoError(t, err)
	_, entries, err = mat.Latest(context.Background(), "global")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "p2", entries[0].ActorID)
}

func TestStaleRunDiscarded(t *testing.T) {
	mat, db := newTestMaterializer(t, 5)

	day := time.Date(2026, 8, 10, 0, 0, 0, 0, time.UTC)
	seedScore(t, db, 1, "p1", "company-1", "2026-08", 100, day)

	sc := scope.ForCompany("company-1")
	ctx := context.Background()

	// A slow run reserves generation 1 but a newer run publishes first.
	slow, err := mat.reserve(ctx, sc, []aggRow{{ActorID: "p1", TotalPoints: 100, LastActivityAt: day}})
	require.NoError(t, err)
	require.EqualValues(t, 1, slow.Generation)

	fresh, err := mat.Materialize(ctx, sc)
	require.NoError(t, err)
	require.EqualValues(t, 2, fresh.Generation)

	winner, err := mat.publish(ctx, slow)
	require.NoError(t, err)
	require.Equal(t, fresh.Generation, winner.Generation)

	// the discarded run left nothing behind
	var count int64
	require.NoError(t, db.Model(&RankingSnapshot{}).Where("id = ?", slow.ID).Count(&count).Error)
	require.Zero(t, count)
	require.NoError(t, db.Model(&RankingEntry{}).Where("snapshot_id = ?", slow.ID).Count(&count).Error)
	require.Zero(t, count)
}

func TestGCKeepsRetainedGenerations(t *testing.T) {
	mat, db := newTestMaterializer(t, 2)

	day := time.Date(2026, 8, 10, 0, 0, 0, 0, time.UTC)
	seedScore(t, db, 1, "p1", "company-1", "2026-08", 100, day)

	sc := scope.ForCompany("company-1")
	for i := 0; i < 4; i++ {
		_, err := mat.Materialize(context.Background(), sc)
		require.NoError(t, err)
	}

	var count int64
	require.NoError(t, db.Model(&RankingSnapshot{}).
		Where("scope_key = ?", sc.Key()).
		Count(&count).Error)
	require.EqualValues(t, 2, count)

	snap, _, err := mat.Latest(context.Background(), sc.Key())
	require.NoError(t, err)
	require.EqualValues(t, 4, snap.Generation)
}

func TestLatestWithoutSnapshot(t *testing.T) {
	mat, _ := newTestMaterializer(t, 5)

	snap, entries, err := mat.Latest(context.Background(), "global")
	require.NoError(t, err)
	require.Nil(t, snap)
	require.Nil(t, entries)
}
