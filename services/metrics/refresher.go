package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"eventops-engine/pkg/config"
	"eventops-engine/pkg/scope"
	"eventops-engine/services/checkin"
	"eventops-engine/services/stream"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

var (
	refreshRuns     = prometheus.NewCounter(prometheus.CounterOpts{Name: "metrics_refresh_runs_total"})
	refreshFailures = prometheus.NewCounter(prometheus.CounterOpts{Name: "metrics_refresh_failures_total"})
	refreshStale    = prometheus.NewCounter(prometheus.CounterOpts{Name: "metrics_refresh_stale_discards_total"})
)

func init() {
	prometheus.MustRegister(refreshRuns, refreshFailures, refreshStale)
}

type Refresher struct {
	db        *gorm.DB
	node      *snowflake.Node
	loc       *time.Location
	grace     time.Duration
	retention int

	group singleflight.Group
}

type RefresherParams struct {
	fx.In
	DB     *gorm.DB
	Node   *snowflake.Node
	Config *config.Config
}

func NewRefresher(p RefresherParams) *Refresher {
	loc, err := time.LoadLocation(p.Config.Engine.Timezone)
	if err != nil {
		loc = time.UTC
	}

	return &Refresher{
		db:        p.DB,
		node:      p.Node,
		loc:       loc,
		grace:     p.Config.Engine.MetricGracePeriod,
		retention: p.Config.Engine.SnapshotRetention,
	}
}

func (r *Refresher) Location() *time.Location {
	return r.loc
}

// Refresh recomputes and publishes a scope's aggregates for one window.
// Once a window is final it is returned as-is; open windows republish a
// fresh generation each run, with the same stale-run discard rule as the
// ranking materializer.
func (r *Refresher) Refresh(ctx context.Context, sc scope.Scope, w Window) (*MetricSnapshot, error) {
	v, err, _ := r.group.Do(sc.Key()+"|"+w.Key(), func() (any, error) {
		snap, err := r.refresh(ctx, sc, w)
		if err != nil {
			refreshFailures.Inc()
		}
		return snap, err
	})
	if err != nil {
		return nil, err
	}
	return v.(*MetricSnapshot), nil
}

func (r *Refresher) refresh(ctx context.Context, sc scope.Scope, w Window) (*MetricSnapshot, error) {
	refreshRuns.Inc()

	if current, err := r.Latest(ctx, sc.Key(), w); err != nil {
		return nil, err
	} else if current != nil && current.Final {
		return current, nil
	}

	values, err := r.compute(ctx, sc, w)
	if err != nil {
		return nil, err
	}

	snap, err := r.reserve(ctx, sc, w, values)
	if err != nil {
		return nil, err
	}

	published, err := r.publish(ctx, snap)
	if err != nil {
		return nil, err
	}

	if published.ID == snap.ID {
		zap.L().Info("metric snapshot published",
			zap.String("scope", sc.Key()),
			zap.String("window", w.Key()),
			zap.Int64("generation", published.Generation),
			zap.Bool("final", published.Final),
		)
		r.gc(ctx, sc.Key(), w)
	}

	return published, nil
}

// compute aggregates the window from the event log and the ticket table.
// Sale amounts and the hour distribution need the raw rows; window sizes
// keep those reads small.
func (r *Refresher) compute(ctx context.Context, sc scope.Scope, w Window) (*MetricValues, error) {
	values := &MetricValues{HourDistribution: map[int]int64{}}
	start, end := w.Start, w.End()

	ticketQ := r.db.WithContext(ctx).Model(&checkin.Ticket{}).
		Where("issued_at >= ? AND issued_at < ?", start, end)
	if sc.CompanyID != "" {
		ticketQ = ticketQ.Where("company_id = ?", sc.CompanyID)
	}
	if err := ticketQ.Count(&values.IssuedTickets).Error; err != nil {
		return nil, err
	}

	eventQ := func(eventType string) *gorm.DB {
		q := r.db.WithContext(ctx).Model(&stream.StreamEvent{}).
			Where("type = ? AND occurred_at >= ? AND occurred_at < ?", eventType, start, end)
		if sc.CompanyID != "" {
			q = q.Where("company_id = ?", sc.CompanyID)
		}
		return q
	}

	var confirmed []stream.StreamEvent
	if err := eventQ(stream.TypeCheckInConfirmed).Find(&confirmed).Error; err != nil {
		return nil, err
	}
	values.ConfirmedCheckins = int64(len(confirmed))
	for _, ev := range confirmed {
		values.HourDistribution[ev.OccurredAt.In(r.loc).Hour()]++
	}

	if err := eventQ(stream.TypeCheckInRejected).Count(&values.RejectedCheckins).Error; err != nil {
		return nil, err
	}

	var sales []stream.StreamEvent
	if err := eventQ(stream.TypeSaleConfirmed).Find(&sales).Error; err != nil {
		return nil, err
	}
	values.SaleCount = int64(len(sales))
	for _, ev := range sales {
		var sale stream.SaleConfirmed
		if err := json.Unmarshal(ev.Payload, &sale); err != nil {
			zap.L().Warn("skipping unreadable sale payload", zap.String("source_id", ev.SourceID), zap.Error(err))
			continue
		}
		values.RevenueSum += sale.Amount
	}

	if values.IssuedTickets > 0 {
		values.AttendanceRate = float64(values.ConfirmedCheckins) / float64(values.IssuedTickets)
	}

	return values, nil
}

func (r *Refresher) reserve(ctx context.Context, sc scope.Scope, w Window, values *MetricValues) (*MetricSnapshot, error) {
	raw, err := json.Marshal(values)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	snap := &MetricSnapshot{
		ID:          r.node.Generate().Int64(),
		ScopeKey:    sc.Key(),
		WindowKind:  w.Kind,
		WindowStart: w.Start,
		Values:      raw,
		GeneratedAt: now,
		Final:       w.Closed(now, r.grace),
	}

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maxGen int64
		if err := tx.Model(&MetricSnapshot{}).
			Where("scope_key = ? AND window_kind = ? AND window_start = ?", snap.ScopeKey, snap.WindowKind, snap.WindowStart).
			Select("COALESCE(MAX(generation), 0)").
			Scan(&maxGen).Error; err != nil {
			return err
		}

		snap.Generation = maxGen + 1
		return tx.Create(snap).Error
	})
	if err != nil {
		return nil, err
	}

	return snap, nil
}

// publish flips the snapshot to published unless a newer generation or a
// final snapshot for the window beat it there; the loser deletes itself.
func (r *Refresher) publish(ctx context.Context, snap *MetricSnapshot) (*MetricSnapshot, error) {
	var winner *MetricSnapshot

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current MetricSnapshot
		err := tx.Where("scope_key = ? AND window_kind = ? AND window_start = ? AND published = ?",
			snap.ScopeKey, snap.WindowKind, snap.WindowStart, true).
			Order("generation desc").
			First(&current).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		if err == nil && (current.Final || current.Generation >= snap.Generation) {
			refreshStale.Inc()
			zap.L().Warn("discarding stale metrics run",
				zap.String("scope", snap.ScopeKey),
				zap.Int64("generation", snap.Generation),
				zap.Int64("published", current.Generation),
			)
			if err := tx.Delete(&MetricSnapshot{}, "id = ?", snap.ID).Error; err != nil {
				return err
			}
			winner = &current
			return nil
		}

		res := tx.Model(&MetricSnapshot{}).
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

// Latest returns the highest published snapshot for the window, or nil
// when none exists yet.
func (r *Refresher) Latest(ctx context.Context, scopeKey string, w Window) (*MetricSnapshot, error) {
	var snap MetricSnapshot
	err := r.db.WithContext(ctx).
		Where("scope_key = ? AND window_kind = ? AND window_start = ? AND published = ?",
			scopeKey, w.Kind, w.Start, true).
		Order("generation desc").
		First(&snap).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

func (r *Refresher) gc(ctx context.Context, scopeKey string, w Window) {
	var stale []MetricSnapshot
	err := r.db.WithContext(ctx).
		Where("scope_key = ? AND window_kind = ? AND window_start = ? AND published = ?", scopeKey, w.Kind, w.Start, true).
		Order("generation desc").
		Limit(1000).
		Offset(r.retention).
		Find(&stale).Error
	if err != nil {
		zap.L().Warn("metric snapshot gc failed", zap.String("scope", scopeKey), zap.Error(err))
		return
	}

	for _, snap := range stale {
		if err := r.db.WithContext(ctx).Delete(&MetricSnapshot{}, "id = ?", snap.ID).Error; err != nil {
			zap.L().Warn("failed to delete stale metric snapshot", zap.Int64("snapshot_id", snap.ID), zap.Error(err))
		}
	}
}
