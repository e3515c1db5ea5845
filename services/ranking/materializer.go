package ranking

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"eventops-engine/pkg/config"
	"eventops-engine/pkg/scope"
	"eventops-engine/services/scoring"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

var (
	materializeRuns     = prometheus.NewCounter(prometheus.CounterOpts{Name: "ranking_materialize_runs_total"})
	materializeFailures = prometheus.NewCounter(prometheus.CounterOpts{Name: "ranking_materialize_failures_total"})
	staleDiscards       = prometheus.NewCounter(prometheus.CounterOpts{Name: "ranking_materialize_stale_discards_total"})
)

func init() {
	prometheus.MustRegister(materializeRuns, materializeFailures, staleDiscards)
}

// unpublishedTTL is how long a reserved-but-never-published snapshot may
// linger (a crashed or cancelled run) before GC removes it.
const unpublishedTTL = time.Hour

type Materializer struct {
	db        *gorm.DB
	node      *snowflake.Node
	retention int

	group singleflight.Group
}

type MaterializerParams struct {
	fx.In
	DB     *gorm.DB
	Node   *snowflake.Node
	Config *config.Config
}

func NewMaterializer(p MaterializerParams) *Materializer {
	return &Materializer{
		db:        p.DB,
		node:      p.Node,
		retention: p.Config.Engine.SnapshotRetention,
	}
}

type aggRow struct {
	ActorID        string
	TotalPoints    int64
	LastActivityAt time.Time
}

// Materialize recomputes and publishes the scope's ranking snapshot.
// Runs for the same scope are single-flighted; a run that raced a newer
// publish discards itself and returns the newer snapshot instead. A
// failed run leaves the previously published snapshot untouched.
func (m *Materializer) Materialize(ctx context.Context, sc scope.Scope) (*RankingSnapshot, error) {
	v, err, _ := m.group.Do(sc.Key(), func() (any, error) {
		snap, err := m.materialize(ctx, sc)
		if err != nil {
			materializeFailures.Inc()
		}
		return snap, err
	})
	if err != nil {
		return nil, err
	}
	return v.(*RankingSnapshot), nil
}

func (m *Materializer) materialize(ctx context.Context, sc scope.Scope) (*RankingSnapshot, error) {
	materializeRuns.Inc()
	started := time.Now()

	rows, err := m.readScores(ctx, sc)
	if err != nil {
		return nil, err
	}

	sortRows(rows)

	snap, err := m.reserve(ctx, sc, rows)
	if err != nil {
		return nil, err
	}

	published, err := m.publish(ctx, snap)
	if err != nil {
		return nil, err
	}

	if published.ID == snap.ID {
		zap.L().Info("ranking snapshot published",
			zap.String("scope", sc.Key()),
			zap.Int64("generation", published.Generation),
			zap.Int("entries", len(rows)),
			zap.Duration("duration", time.Since(started)),
		)
		m.gc(ctx, sc.Key())
	}

	return published, nil
}

// readScores aggregates ActorScore rows for the scope in a single query,
// which gives the run a consistent basis without locking actor rows.
func (m *Materializer) readScores(ctx context.Context, sc scope.Scope) ([]aggRow, error) {
	q := m.db.WithContext(ctx).Model(&scoring.ActorScore{}).
		Select("actor_id, SUM(total_points) AS total_points, MAX(last_activity_at) AS last_activity_at").
		Group("actor_id")
	if sc.CompanyID != "" {
		q = q.Where("company_id = ?", sc.CompanyID)
	}
	if sc.Month != "" {
		q = q.Where("month = ?", sc.Month)
	}

	var rows []aggRow
	if err := q.Scan(&rows).Error; err != nil {
		return nil, err
	}

	return rows, nil
}

// sortRows orders by points descending, then earlier last activity (the
// steadier actor wins the tie), then actor id. A pure function of its
// input: the same scores always produce the same ordering.
func sortRows(rows []aggRow) {
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].TotalPoints != rows[j].TotalPoints {
			return rows[i].TotalPoints > rows[j].TotalPoints
		}
		if !rows[i].LastActivityAt.Equal(rows[j].LastActivityAt) {
			return rows[i].LastActivityAt.Before(rows[j].LastActivityAt)
		}
		return rows[i].ActorID < rows[j].ActorID
	})
}

func tieBreakKey(r aggRow) string {
	return fmt.Sprintf("%013d|%s", r.LastActivityAt.UnixMilli(), r.ActorID)
}

// reserve allocates the next generation for the scope and writes the
// snapshot header plus all entries, still unpublished. The unique
// (scope_key, generation) index rejects a concurrent run that reserved
// the same generation from another process.
func (m *Materializer) reserve(ctx context.Context, sc scope.Scope, rows []aggRow) (*RankingSnapshot, error) {
	snap := &RankingSnapshot{
		ID:          m.node.Generate().Int64(),
		ScopeKey:    sc.Key(),
		GeneratedAt: time.Now(),
	}

	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maxGen int64
		if err := tx.Model(&RankingSnapshot{}).
			Where("scope_key = ?", sc.Key()).
			Select("COALESCE(MAX(generation), 0)").
			Scan(&maxGen).Error; err != nil {
			return err
		}

		snap.Generation = maxGen + 1
		if err := tx.Create(snap).Error; err != nil {
			return err
		}

		entries := make([]RankingEntry, 0, len(rows))
		for i, r := range rows {
			entries = append(entries, RankingEntry{
				ID:             m.node.Generate().Int64(),
				SnapshotID:     snap.ID,
				Position:       i + 1,
				ActorID:        r.ActorID,
				TotalPoints:    r.TotalPoints,
				LastActivityAt: r.LastActivityAt,
				TieBreak:       tieBreakKey(r),
			})
		}

		if len(entries) > 0 {
			if err := tx.CreateInBatches(entries, 200).Error; err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return snap, nil
}

// publish flips the snapshot to published unless a newer generation got
// there first, in which case this run's work is discarded and the newer
// snapshot wins. Generations for a scope never regress.
func (m *Materializer) publish(ctx context.Context, snap *RankingSnapshot) (*RankingSnapshot, error) {
	var winner *RankingSnapshot

	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maxPub int64
		if err := tx.Model(&RankingSnapshot{}).
			Where("scope_key = ? AND published = ?", snap.ScopeKey, true).
			Select("COALESCE(MAX(generation), 0)").
			Scan(&maxPub).Error; err != nil {
			return err
		}

		if maxPub >= snap.Generation {
			staleDiscards.Inc()
			zap.L().Warn("discarding stale ranking run",
				zap.String("scope", snap.ScopeKey),
				zap.Int64("generation", snap.Generation),
				zap.Int64("published", maxPub),
			)
			if err := tx.Where("snapshot_id = ?", snap.ID).Delete(&RankingEntry{}).Error; err != nil {
				return err
			}
			if err := tx.Delete(&RankingSnapshot{}, "id = ?", snap.ID).Error; err != nil {
				return err
			}

			var current RankingSnapshot
			if err := tx.Where("scope_key = ? AND published = ?", snap.ScopeKey, true).
				Order("generation desc").
				First(&current).Error; err != nil {
				return err
			}
			winner = &current
			return nil
		}

		res := tx.Model(&RankingSnapshot{}).
			Where("id = ?", snap.ID).
			Update("published", true)
		if res.Error != nil {
			return res.Error
		}

		snap.Published = true
		winner = snap
		return nil
	})
	if err != nil {
		return nil, err
	}

	return winner, nil
}

// Latest returns the highest published snapshot for a scope key with its
// ordered entries, or (nil, nil, nil) when none has ever been published.
func (m *Materializer) Latest(ctx context.Context, scopeKey string) (*RankingSnapshot, []RankingEntry, error) {
	var snap RankingSnapshot
	err := m.db.WithContext(ctx).
		Where("scope_key = ? AND published = ?", scopeKey, true).
		Order("generation desc").
		First(&snap).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}

	var entries []RankingEntry
	if err := m.db.WithContext(ctx).
		Where("snapshot_id = ?", snap.ID).
		Order("position asc").
		Find(&entries).Error; err != nil {
		return nil, nil, err
	}

	return &snap, entries, nil
}

// gc trims superseded generations beyond the retention window and sweeps
// unpublished leftovers from crashed runs. Best effort: GC failure never
// fails the publish.
func (m *Materializer) gc(ctx context.Context, scopeKey string) {
	var stale []RankingSnapshot

	err := m.db.WithContext(ctx).
		Where("scope_key = ? AND published = ?", scopeKey, true).
		Order("generation desc").
		Limit(1000).
		Offset(m.retention).
		Find(&stale).Error
	if err != nil {
		zap.L().Warn("ranking snapshot gc failed", zap.String("scope", scopeKey), zap.Error(err))
		return
	}

	var orphans []RankingSnapshot
	if err := m.db.WithContext(ctx).
		Where("scope_key = ? AND published = ? AND created_at < ?", scopeKey, false, time.Now().Add(-unpublishedTTL)).
		Find(&orphans).Error; err == nil {
		stale = append(stale, orphans...)
	}

	for _, snap := range stale {
		if err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Where("snapshot_id = ?", snap.ID).Delete(&RankingEntry{}).Error; err != nil {
				return err
			}
			return tx.Delete(&RankingSnapshot{}, "id = ?", snap.ID).Error
		}); err != nil {
			zap.L().Warn("failed to delete stale snapshot", zap.Int64("snapshot_id", snap.ID), zap.Error(err))
		}
	}
}
