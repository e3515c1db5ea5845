package ranking

import (
	"context"

	"go.uber.org/fx"
)

var Module = fx.Module("ranking.service",
	fx.Provide(
		NewMaterializer,
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
