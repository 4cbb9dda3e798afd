package survey

import "go.uber.org/fx"

var Module = fx.Module("survey.service",
	fx.Provide(NewService),
)
