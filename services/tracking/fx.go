package tracking

import "go.uber.org/fx"

var Module = fx.Module("tracking.service",
	fx.Provide(NewService),
)
