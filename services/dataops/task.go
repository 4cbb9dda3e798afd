package dataops

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"ontask/pkg/errutil"
	"ontask/pkg/task"
	"ontask/pkg/taskname"
)

// UploadPayload asks a worker to load an external source into a workflow.
type UploadPayload struct {
	UserID     int64      `json:"user_id"`
	WorkflowID int64      `json:"workflow_id"`
	Source     SourceSpec `json:"source"`
}

func NewUploadTask(p UploadPayload) (*asynq.Task, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskname.DataopsUpload, payload,
		asynq.Queue(task.QueueLow),
		asynq.MaxRetry(0)), nil
}

// EnqueueUpload schedules a source upload on the worker queue.
func (s *Service) EnqueueUpload(ctx context.Context, p UploadPayload) (string, error) {
	if s.enqueuer == nil {
		return "", errutil.Internal("no task queue configured", nil)
	}
	t, err := NewUploadTask(p)
	if err != nil {
		return "", err
	}
	info, err := s.enqueuer.Enqueue(ctx, t)
	if err != nil {
		return "", err
	}
	zap.L().Info("[Merge] upload enqueued", zap.Int64("workflow_id", p.WorkflowID), zap.String("task_id", info.ID))
	return info.ID, nil
}

// RunUpload resolves the source of p and loads it.
func (s *Service) RunUpload(ctx context.Context, p UploadPayload) error {
	wf, err := s.wf.Get(ctx, p.WorkflowID)
	if err != nil {
		return err
	}
	if wf.UserID != p.UserID {
		return errutil.Forbidden("the workflow belongs to another user", nil)
	}
	src, err := s.Resolve(ctx, s.cfg, p.Source)
	if err != nil {
		return err
	}
	return s.UploadFromSource(ctx, p.UserID, wf, src, p.Source.Merge)
}

func (s *Service) HandleUpload(ctx context.Context, t *asynq.Task) error {
	var p UploadPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("decode %s payload: %v: %w", t.Type(), err, asynq.SkipRetry)
	}
	if err := s.RunUpload(ctx, p); err != nil {
		zap.L().Error("[Merge] upload failed", zap.Int64("workflow_id", p.WorkflowID), zap.Error(err))
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	return nil
}

func RegisterHandlers(mux *asynq.ServeMux, s *Service) {
	mux.HandleFunc(taskname.DataopsUpload, s.HandleUpload)
}
