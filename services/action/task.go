package action

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"ontask/pkg/errutil"
	"ontask/pkg/task"
	"ontask/pkg/taskname"
	"ontask/services/model"
)

// ErrZipQueued rejects ZIP runs outside a request that can receive the archive.
var ErrZipQueued = errutil.BadRequest("ZIP archives are built on request and cannot run in the background", nil,
	errutil.WithField("operation_type", "invalid"))

func NewRunTask(req RunRequest) (*asynq.Task, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskname.ActionRun, payload,
		asynq.Queue(task.QueueDefault),
		asynq.MaxRetry(0)), nil
}

// EnqueueRun schedules req on the worker queue. ZIP runs hand the archive
// back to the caller, so they cannot be queued.
func (r *Runner) EnqueueRun(ctx context.Context, req RunRequest) (string, error) {
	if req.Operation == model.OpZip {
		return "", ErrZipQueued
	}
	if r.enqueuer == nil {
		return "", errutil.Internal("no task queue configured", nil)
	}
	t, err := NewRunTask(req)
	if err != nil {
		return "", err
	}
	info, err := r.enqueuer.Enqueue(ctx, t)
	if err != nil {
		return "", err
	}
	zap.L().Info("[Runner] run enqueued", zap.Int64("action_id", req.ActionID), zap.String("task_id", info.ID))
	return info.ID, nil
}

// HandleRun executes an enqueued run. Runs are never retried: a fatal error
// is already recorded in the run log.
func (r *Runner) HandleRun(ctx context.Context, t *asynq.Task) error {
	var req RunRequest
	if err := json.Unmarshal(t.Payload(), &req); err != nil {
		return fmt.Errorf("decode %s payload: %v: %w", t.Type(), err, asynq.SkipRetry)
	}
	if req.Operation == model.OpZip {
		return fmt.Errorf("%v: %w", ErrZipQueued, asynq.SkipRetry)
	}
	if _, err := r.Run(ctx, req); err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	return nil
}

func RegisterHandlers(mux *asynq.ServeMux, r *Runner) {
	mux.HandleFunc(taskname.ActionRun, r.HandleRun)
}
