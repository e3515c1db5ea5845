package query

import (
	"context"
	"encoding/json"
	"time"

	pkgasynq "eventops-engine/pkg/asynq"
	"eventops-engine/pkg/config"
	"eventops-engine/pkg/rediskey"
	"eventops-engine/pkg/scope"
	"eventops-engine/pkg/taskname"
	"eventops-engine/services/metrics"
	"eventops-engine/services/ranking"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const cacheTTL = 30 * time.Second

var (
	cacheHits   = prometheus.NewCounter(prometheus.CounterOpts{Name: "query_snapshot_cache_hits_total"})
	cacheMisses = prometheus.NewCounter(prometheus.CounterOpts{Name: "query_snapshot_cache_misses_total"})
)

func init() {
	prometheus.MustRegister(cacheHits, cacheMisses)
}

// Service is the read side of the engine. It serves only published
// snapshots, never the live score or event tables, so a reader always
// sees a consistent generation.
type Service struct {
	ranking   *ranking.Materializer
	metrics   *metrics.Refresher
	redis     *redis.Client
	tasks     *asynq.Client
	staleness time.Duration
}

type ServiceParams struct {
	fx.In
	Ranking *ranking.Materializer
	Metrics *metrics.Refresher
	Redis   *redis.Client `optional:"true"`
	Tasks   *asynq.Client `optional:"true"`
	Config  *config.Config
}

func NewService(p ServiceParams) *Service {
	return &Service{
		ranking:   p.Ranking,
		metrics:   p.Metrics,
		redis:     p.Redis,
		tasks:     p.Tasks,
		staleness: p.Config.Engine.StalenessThreshold,
	}
}

type RankingEntryView struct {
	Position       int       `json:"position"`
	ActorID        string    `json:"actor_id"`
	TotalPoints    int64     `json:"total_points"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

type RankingView struct {
	ScopeKey         string             `json:"scope_key"`
	Available        bool               `json:"available"`
	Generation       int64              `json:"generation,omitempty"`
	GeneratedAt      time.Time          `json:"generated_at,omitempty"`
	StalenessSeconds float64            `json:"staleness_seconds"`
	Entries          []RankingEntryView `json:"entries"`
}

type MetricsView struct {
	ScopeKey         string                `json:"scope_key"`
	WindowKind       string                `json:"window_kind"`
	WindowStart      time.Time             `json:"window_start"`
	Available        bool                  `json:"available"`
	Generation       int64                 `json:"generation,omitempty"`
	GeneratedAt      time.Time             `json:"generated_at,omitempty"`
	StalenessSeconds float64               `json:"staleness_seconds"`
	Final            bool                  `json:"final"`
	Values           *metrics.MetricValues `json:"values,omitempty"`
}

// cachedRanking is the redis value; staleness is computed per request, so
// only the snapshot itself is cached.
type cachedRanking struct {
	Generation  int64              `json:"generation"`
	GeneratedAt time.Time          `json:"generated_at"`
	Entries     []RankingEntryView `json:"entries"`
}

// GetRanking serves the latest published leaderboard for the scope. A
// scope that has never been materialized comes back Available=false with
// a nil error; "not yet" is an answer, not a failure.
func (s *Service) GetRanking(ctx context.Context, sc scope.Scope) (*RankingView, error) {
	key := rediskey.BuildRankingKey(sc.Key())

	if cached := s.cacheGet(ctx, key); cached != nil {
		var c cachedRanking
		if err := json.Unmarshal(cached, &c); err == nil {
			cacheHits.Inc()
			return s.rankingView(sc, &c), nil
		}
	}
	cacheMisses.Inc()

	snap, entries, err := s.ranking.Latest(ctx, sc.Key())
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return &RankingView{ScopeKey: sc.Key(), Available: false, Entries: []RankingEntryView{}}, nil
	}

	c := cachedRanking{
		Generation:  snap.Generation,
		GeneratedAt: snap.GeneratedAt,
		Entries:     make([]RankingEntryView, 0, len(entries)),
	}
	for _, e := range entries {
		c.Entries = append(c.Entries, RankingEntryView{
			Position:       e.Position,
			ActorID:        e.ActorID,
			TotalPoints:    e.TotalPoints,
			LastActivityAt: e.LastActivityAt,
		})
	}

	s.cacheSet(ctx, key, &c)

	return s.rankingView(sc, &c), nil
}

func (s *Service) rankingView(sc scope.Scope, c *cachedRanking) *RankingView {
	staleness := time.Since(c.GeneratedAt)
	if staleness > s.staleness {
		s.kickMaterialize(sc)
	}

	return &RankingView{
		ScopeKey:         sc.Key(),
		Available:        true,
		Generation:       c.Generation,
		GeneratedAt:      c.GeneratedAt,
		StalenessSeconds: staleness.Seconds(),
		Entries:          c.Entries,
	}
}

// GetMetrics serves the latest published aggregates for one window.
func (s *Service) GetMetrics(ctx context.Context, sc scope.Scope, w metrics.Window) (*MetricsView, error) {
	key := rediskey.BuildMetricKey(sc.Key(), w.Kind, w.Start.UTC().Format(time.RFC3339))

	if cached := s.cacheGet(ctx, key); cached != nil {
		var snap metrics.MetricSnapshot
		if err := json.Unmarshal(cached, &snap); err == nil {
			cacheHits.Inc()
			return s.metricsView(sc, w, &snap)
		}
	}
	cacheMisses.Inc()

	snap, err := s.metrics.Latest(ctx, sc.Key(), w)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return &MetricsView{
			ScopeKey:    sc.Key(),
			WindowKind:  w.Kind,
			WindowStart: w.Start,
			Available:   false,
		}, nil
	}

	s.cacheSet(ctx, key, snap)

	return s.metricsView(sc, w, snap)
}

func (s *Service) metricsView(sc scope.Scope, w metrics.Window, snap *metrics.MetricSnapshot) (*MetricsView, error) {
	var values metrics.MetricValues
	if err := json.Unmarshal(snap.Values, &values); err != nil {
		return nil, err
	}

	staleness := time.Since(snap.GeneratedAt)
	if !snap.Final && staleness > s.staleness {
		s.kickRefresh(sc, w)
	}

	return &MetricsView{
		ScopeKey:         sc.Key(),
		WindowKind:       snap.WindowKind,
		WindowStart:      snap.WindowStart,
		Available:        true,
		Generation:       snap.Generation,
		GeneratedAt:      snap.GeneratedAt,
		StalenessSeconds: staleness.Seconds(),
		Final:            snap.Final,
		Values:           &values,
	}, nil
}

func (s *Service) cacheGet(ctx context.Context, key string) []byte {
	if s.redis == nil {
		return nil
	}
	raw, err := s.redis.Get(ctx, key).Bytes()
	if err != nil {
		return nil
	}
	return raw
}

func (s *Service) cacheSet(ctx context.Context, key string, value any) {
	if s.redis == nil {
		return
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return
	}
	if err := s.redis.Set(ctx, key, raw, cacheTTL).Err(); err != nil {
		zap.L().Debug("snapshot cache write failed", zap.String("key", key), zap.Error(err))
	}
}

// kickMaterialize requests a fresh snapshot for a scope whose published
// one exceeded the staleness threshold. Fire and forget: the stale view
// is still served.
func (s *Service) kickMaterialize(sc scope.Scope) {
	if s.tasks == nil {
		return
	}

	payload, _ := json.Marshal(pkgasynq.MaterializePayload{ScopeKey: sc.Key()})
	_, err := s.tasks.Enqueue(
		asynq.NewTask(taskname.RankingMaterialize, payload),
		asynq.Queue("low"),
	)
	if err != nil {
		zap.L().Warn("failed to enqueue materialize for stale scope", zap.String("scope", sc.Key()), zap.Error(err))
	}
}

func (s *Service) kickRefresh(sc scope.Scope, w metrics.Window) {
	if s.tasks == nil {
		return
	}

	payload, _ := json.Marshal(pkgasynq.MetricsRefreshPayload{
		ScopeKey:    sc.Key(),
		WindowKind:  w.Kind,
		WindowStart: w.Start,
	})
	_, err := s.tasks.Enqueue(
		asynq.NewTask(taskname.MetricsRefresh, payload),
		asynq.Queue("low"),
	)
	if err != nil {
		zap.L().Warn("failed to enqueue refresh for stale window", zap.String("scope", sc.Key()), zap.Error(err))
	}
}
