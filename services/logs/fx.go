package logs

import "go.uber.org/fx"

var Module = fx.Module("logs.service",
	fx.Provide(NewService),
)
