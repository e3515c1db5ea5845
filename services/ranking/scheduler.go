package ranking

import (
	"context"
	"time"

	"eventops-engine/pkg/config"
	"eventops-engine/pkg/scope"
	"eventops-engine/services/scoring"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Scheduler re-materializes every active scope on a fixed interval so
// leaderboards converge even when nothing enqueues an on-demand refresh.
type Scheduler struct {
	db       *gorm.DB
	mat      *Materializer
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
}

type SchedulerParams struct {
	fx.In
	DB           *gorm.DB
	Materializer *Materializer
	Config       *config.Config
}

func NewScheduler(p SchedulerParams) *Scheduler {
	return &Scheduler{
		db:       p.DB,
		mat:      p.Materializer,
		interval: p.Config.Engine.MaterializeInterval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (s *Scheduler) Start() {
	go s.loop()
}

func (s *Scheduler) Stop() {
	close(s.stop)
	<-s.done
}

func (s *Scheduler) loop() {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.runOnce()
		}
	}
}

func (s *Scheduler) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), s.interval)
	defer cancel()

	scopes, err := s.ActiveScopes(ctx)
	if err != nil {
		zap.L().Error("failed to enumerate active scopes", zap.Error(err))
		return
	}

	for _, sc := range scopes {
		if _, err := s.mat.Materialize(ctx, sc); err != nil {
			zap.L().Error("scheduled materialize failed",
				zap.String("scope", sc.Key()),
				zap.Error(err),
			)
		}
	}
}

// ActiveScopes derives the scope set from the score rows that exist: each
// distinct (company, month) pair plus its wider company, month and global
// boards. No registration step; a scope becomes active with its first
// scored event.
func (s *Scheduler) ActiveScopes(ctx context.Context) ([]scope.Scope, error) {
	var pairs []struct {
		CompanyID string
		Month     string
	}
	err := s.db.WithContext(ctx).Model(&scoring.ActorScore{}).
		Distinct("company_id", "month").
		Find(&pairs).Error
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	var scopes []scope.Scope
	add := func(sc scope.Scope) {
		if !seen[sc.Key()] {
			seen[sc.Key()] = true
			scopes = append(scopes, sc)
		}
	}

	for _, p := range pairs {
		add(scope.Scope{CompanyID: p.CompanyID, Month: p.Month})
		add(scope.Scope{CompanyID: p.CompanyID})
		add(scope.Scope{Month: p.Month})
	}
	if len(pairs) > 0 {
		add(scope.Global())
	}

	return scopes, nil
}
