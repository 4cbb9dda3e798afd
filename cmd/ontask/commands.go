package main

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"ontask/pkg/health"
	pkghttpapi "ontask/pkg/httpapi"
	"ontask/pkg/server"
	"ontask/pkg/task"
	"ontask/services/action"
	"ontask/services/dataops"
	"ontask/services/httpapi"
	"ontask/services/model"
	"ontask/services/scheduler"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve tracking, survey and workflow routes over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := validated(append(core(),
				health.Module,
				pkghttpapi.Module,
				httpapi.Module,
				server.ProvideHTTPServer,
			)...)
			if err != nil {
				return err
			}
			app.Run()
			return nil
		},
	}
}

func registerHandlers(mux *asynq.ServeMux, r *action.Runner, s *scheduler.Service, ops *dataops.Service) {
	action.RegisterHandlers(mux, r)
	scheduler.RegisterHandlers(mux, s)
	dataops.RegisterHandlers(mux, ops)
}

func workerCmd() *cobra.Command {
	var loop bool
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Process queued action runs, uploads and scheduled operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := append(core(),
				task.Server,
				fx.Invoke(registerHandlers),
			)
			if loop {
				opts = append(opts, scheduler.LoopModule)
			}
			app, err := validated(opts...)
			if err != nil {
				return err
			}
			app.Run()
			return nil
		},
	}
	cmd.Flags().BoolVar(&loop, "scheduler", true, "enqueue due scheduled operations from this process")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Bring the metadata schema up to date",
		RunE: func(cmd *cobra.Command, args []string) error {
			var gdb *gorm.DB
			app, err := validated(append(base(), fx.Populate(&gdb))...)
			if err != nil {
				return err
			}
			return once(cmd.Context(), app, func(ctx context.Context) error {
				return model.Migrate(gdb.WithContext(ctx))
			})
		},
	}
}

func runScheduledTaskCmd() *cobra.Command {
	var (
		id    int64
		email string
	)
	cmd := &cobra.Command{
		Use:   "run_scheduled_task",
		Short: "Execute a scheduled operation now on behalf of a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			var sched *scheduler.Service
			app, err := validated(append(core(), fx.Populate(&sched))...)
			if err != nil {
				return err
			}
			return once(cmd.Context(), app, func(ctx context.Context) error {
				if err := sched.RunNow(ctx, id, email); err != nil {
					return err
				}
				zap.L().Info("[Scheduler] operation executed", zap.Int64("operation_id", id), zap.String("email", email))
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&id, "task", 0, "scheduled operation id")
	cmd.Flags().StringVar(&email, "email", "", "email of the user running the operation")
	_ = cmd.MarkFlagRequired("task")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

// once starts app, runs fn and stops app again.
func once(ctx context.Context, app *fx.App, fn func(ctx context.Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	startCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return err
	}
	runErr := fn(ctx)

	stopCtx, cancelStop := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelStop()
	if err := app.Stop(stopCtx); err != nil && runErr == nil {
		return err
	}
	return runErr
}
