package scheduler

import "go.uber.org/fx"

var Module = fx.Module("scheduler.service",
	fx.Provide(NewService),
)

// LoopModule starts the periodic Tick.
var LoopModule = fx.Module("scheduler.loop",
	fx.Invoke(StartLoop),
)
