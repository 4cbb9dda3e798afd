package main

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"ontask/pkg/config"
	"ontask/pkg/db"
	"ontask/pkg/delivery"
	"ontask/pkg/featureflags"
	"ontask/pkg/gen"
	"ontask/pkg/lock"
	"ontask/pkg/logger"
	"ontask/pkg/otelcol"
	"ontask/pkg/redis"
	"ontask/pkg/task"
	"ontask/services/action"
	"ontask/services/dataops"
	"ontask/services/export"
	"ontask/services/logs"
	"ontask/services/scheduler"
	"ontask/services/survey"
	"ontask/services/tracking"
	"ontask/services/workflow"
)

func main() {
	root := &cobra.Command{
		Use:           "ontask",
		Short:         "OnTask data and action core",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&config.EnvFile, "env", "", "dotenv file loaded before the environment")
	root.AddCommand(serveCmd(), workerCmd(), migrateCmd(), runScheduledTaskCmd())

	if err := root.Execute(); err != nil {
		zap.L().Error("command failed", zap.Error(err))
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}
}

// fxLogger also forces the zap logger to be built, which installs it as
// the global logger.
var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})

// base is the infrastructure every command needs.
func base() []fx.Option {
	return []fx.Option{
		config.Module,
		logger.Module,
		db.Module,
		fxLogger,
	}
}

// core adds the services behind actions, surveys and schedules.
func core() []fx.Option {
	return append(base(),
		gen.Module,
		otelcol.Module,
		redis.Module,
		lock.Module,
		task.Client,
		featureflags.Module,
		delivery.Module,
		logs.Module,
		workflow.Module,
		tracking.Module,
		dataops.Module,
		export.Module,
		fx.Provide(func(s *export.Service) action.Exporter { return s }),
		action.Module,
		scheduler.Module,
		survey.Module,
	)
}

func validated(opts ...fx.Option) (*fx.App, error) {
	if err := fx.ValidateApp(opts...); err != nil {
		return nil, err
	}
	return fx.New(opts...), nil
}
