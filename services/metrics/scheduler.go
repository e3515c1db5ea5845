package metrics

import (
	"context"
	"time"

	"eventops-engine/pkg/config"
	"eventops-engine/pkg/scope"
	"eventops-engine/services/stream"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Scheduler republishes the open windows of every active company scope,
// plus the just-closed ones so they get their final computation after the
// grace period.
type Scheduler struct {
	db        *gorm.DB
	refresher *Refresher
	interval  time.Duration
	stop      chan struct{}
	done      chan struct{}
}

type SchedulerParams struct {
	fx.In
	DB        *gorm.DB
	Refresher *Refresher
	Config    *config.Config
}

func NewScheduler(p SchedulerParams) *Scheduler {
	return &Scheduler{
		db:        p.DB,
		refresher: p.Refresher,
		interval:  p.Config.Engine.MetricsInterval,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
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

	scopes, err := s.activeScopes(ctx)
	if err != nil {
		zap.L().Error("failed to enumerate metric scopes", zap.Error(err))
		return
	}

	loc := s.refresher.Location()
	now := time.Now()
	windows := []Window{
		DayWindow(now, loc),
		DayWindow(now.AddDate(0, 0, -1), loc),
		HourWindow(now, loc),
		HourWindow(now.Add(-time.Hour), loc),
	}

	for _, sc := range scopes {
		for _, w := range windows {
			if _, err := s.refresher.Refresh(ctx, sc, w); err != nil {
				zap.L().Error("scheduled metrics refresh failed",
					zap.String("scope", sc.Key()),
					zap.String("window", w.Key()),
					zap.Error(err),
				)
			}
		}
	}
}

// activeScopes is every company seen in the event log plus the global
// scope. Month scopes are skipped: day and hour windows already bound the
// time range.
func (s *Scheduler) activeScopes(ctx context.Context) ([]scope.Scope, error) {
	var companies []string
	err := s.db.WithContext(ctx).Model(&stream.StreamEvent{}).
		Distinct().
		Where("company_id <> ''").
		Pluck("company_id", &companies).Error
	if err != nil {
		return nil, err
	}

	scopes := []scope.Scope{scope.Global()}
	for _, id := range companies {
		scopes = append(scopes, scope.ForCompany(id))
	}

	return scopes, nil
}
