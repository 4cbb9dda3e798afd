package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"ontask/pkg/errutil"
	"ontask/pkg/task"
	"ontask/pkg/taskname"
	"ontask/services/model"
)

type ExecutePayload struct {
	OperationID int64 `json:"operation_id"`
}

func NewExecuteTask(op *model.ScheduledOperation) (*asynq.Task, []asynq.Option, error) {
	payload, err := json.Marshal(ExecutePayload{OperationID: op.ID})
	if err != nil {
		return nil, nil, err
	}
	opts := []asynq.Option{
		asynq.Queue(task.QueueDefault),
		asynq.MaxRetry(0),
		asynq.TaskID(fmt.Sprintf("sched-%d-%d", op.ID, op.Execute.Unix())),
	}
	return asynq.NewTask(taskname.SchedulerExecute, payload), opts, nil
}

// Tick enqueues every operation due at now. An operation already enqueued
// for the same execution time is skipped.
func (s *Service) Tick(ctx context.Context, now time.Time) (int, error) {
	if s.enqueuer == nil {
		return 0, errutil.Internal("no task queue configured", nil)
	}
	var due []model.ScheduledOperation
	err := s.db.WithContext(ctx).
		Where("status = ? AND execute <= ?", model.StatusPending, now).
		Where("execute_until IS NULL OR execute_until >= ?", now).
		Order("execute").Find(&due).Error
	if err != nil {
		return 0, err
	}
	n := 0
	for i := range due {
		op := &due[i]
		t, opts, err := NewExecuteTask(op)
		if err != nil {
			return n, err
		}
		if _, err := s.enqueuer.Enqueue(ctx, t, opts...); err != nil {
			if errors.Is(err, asynq.ErrTaskIDConflict) {
				continue
			}
			zap.L().Error("[Scheduler] enqueue failed", zap.Int64("operation_id", op.ID), zap.Error(err))
			continue
		}
		n++
	}
	if n > 0 {
		zap.L().Info("[Scheduler] operations enqueued", zap.Int("count", n))
	}
	return n, nil
}

// Loop calls Tick every interval until ctx is done.
func (s *Service) Loop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := s.Tick(ctx, s.wf.Now()); err != nil {
			zap.L().Error("[Scheduler] tick failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Service) HandleExecute(ctx context.Context, t *asynq.Task) error {
	var p ExecutePayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("decode %s payload: %v: %w", t.Type(), err, asynq.SkipRetry)
	}
	if err := s.Execute(ctx, p.OperationID); err != nil {
		if errutil.Is(err, errutil.StatusSchedLocked) {
			zap.L().Info("[Scheduler] operation locked, skipping", zap.Int64("operation_id", p.OperationID))
			return nil
		}
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	return nil
}

func RegisterHandlers(mux *asynq.ServeMux, s *Service) {
	mux.HandleFunc(taskname.SchedulerExecute, s.HandleExecute)
}

// StartLoop runs Loop for the lifetime of the application.
func StartLoop(lc fx.Lifecycle, s *Service) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				s.Loop(ctx, s.cfg.Scheduler.Interval)
			}()
			zap.L().Info("[Scheduler] loop started", zap.Duration("interval", s.cfg.Scheduler.Interval))
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-stopCtx.Done():
			}
			return nil
		},
	})
}
