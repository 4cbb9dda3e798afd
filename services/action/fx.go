package action

import (
	"go.uber.org/fx"

	"ontask/pkg/template"
)

var Module = fx.Module("action.service",
	fx.Provide(
		func() (*template.Cache, error) { return template.NewCache(256) },
		NewRenderer,
		NewRunner,
	),
)
