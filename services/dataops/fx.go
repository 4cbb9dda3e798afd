package dataops

import "go.uber.org/fx"

var Module = fx.Module("dataops.service",
	fx.Provide(NewService),
)
