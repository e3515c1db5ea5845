package metrics

import (
	"context"

	"go.uber.org/fx"
)

var Module = fx.Module("metrics.service",
	fx.Provide(
		NewRefresher,
		NewScheduler,
	),
	fx.Invoke(runScheduler),
)

func runScheduler(lc fx.Lifecycle, s *Scheduler) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			s.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			s.Stop()
			return nil
		},
	})
}
