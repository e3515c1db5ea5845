package query

import (
	"go.uber.org/fx"
)

var Module = fx.Module("query.service",
	fx.Provide(
		NewService,
	),
	fx.Invoke(RegisterRoutes),
)
