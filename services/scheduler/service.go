// Package scheduler fires scheduled operations: action runs and data
// source uploads, once or on a cron frequency.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"ontask/pkg/config"
	"ontask/pkg/errutil"
	"ontask/pkg/lock"
	"ontask/pkg/metrics"
	"ontask/pkg/otelcol"
	"ontask/pkg/rediskey"
	"ontask/pkg/task"
	"ontask/services/action"
	"ontask/services/dataops"
	"ontask/services/logs"
	"ontask/services/model"
	"ontask/services/workflow"
)

// ActionRunner executes one action run.
type ActionRunner interface {
	Run(ctx context.Context, req action.RunRequest) (*action.RunResult, error)
}

type Service struct {
	db       *gorm.DB
	wf       *workflow.Service
	runner   ActionRunner
	dataops  *dataops.Service
	locker   lock.Locker
	enqueuer task.Enqueuer
	cfg      *config.Config
	lockTTL  time.Duration
	tracer   trace.Tracer
}

type ServiceParams struct {
	fx.In
	DB       *gorm.DB
	Workflow *workflow.Service
	Runner   *action.Runner
	Dataops  *dataops.Service
	Locker   lock.Locker
	Enqueuer task.Enqueuer `optional:"true"`
	Config   *config.Config
	Tracer   trace.Tracer `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	s := New(p.DB, p.Workflow, p.Runner, p.Dataops, p.Locker, p.Enqueuer, p.Config)
	s.tracer = otelcol.Tracer(p.Tracer)
	return s
}

func New(db *gorm.DB, wf *workflow.Service, runner ActionRunner, ops *dataops.Service, locker lock.Locker, enqueuer task.Enqueuer, cfg *config.Config) *Service {
	ttl := cfg.Scheduler.LockTTL
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Service{
		db:       db,
		wf:       wf,
		runner:   runner,
		dataops:  ops,
		locker:   locker,
		enqueuer: enqueuer,
		cfg:      cfg,
		lockTTL:  ttl,
		tracer:   otelcol.Tracer(nil),
	}
}

// Spec carries the editable fields of a scheduled operation.
type Spec struct {
	Name          string
	Description   string
	OperationType model.OperationType
	ActionID      *int64
	Execute       time.Time
	ExecuteUntil  *time.Time
	Frequency     string
	ItemColumn    string
	ExcludeValues []string
	Payload       map[string]any
}

func (s *Service) check(ctx context.Context, wf *model.Workflow, spec *Spec) error {
	spec.Name = strings.TrimSpace(spec.Name)
	if spec.Name == "" {
		return errutil.BadRequest("name is required", nil, errutil.WithField("name", "required"))
	}
	if spec.Execute.IsZero() {
		return errutil.BadRequest("execute is required", nil, errutil.WithField("execute", "required"))
	}
	if spec.ExecuteUntil != nil && !spec.ExecuteUntil.After(spec.Execute) {
		return errutil.BadRequest("execute_until must be after execute", nil, errutil.WithField("execute_until", "invalid"))
	}
	if spec.Frequency != "" {
		if _, err := cron.ParseStandard(spec.Frequency); err != nil {
			return errutil.BadRequest("invalid frequency", err, errutil.WithField("frequency", "invalid"))
		}
	}
	switch {
	case spec.OperationType == model.OpZip:
		return action.ErrZipQueued
	case spec.OperationType.IsActionRun():
		if spec.ActionID == nil {
			return errutil.BadRequest("an action is required", nil, errutil.WithField("action", "required"))
		}
		a, err := s.wf.Action(ctx, wf.ID, *spec.ActionID)
		if err != nil {
			return err
		}
		if !action.Compatible(spec.OperationType, a.ActionType) {
			return errutil.BadRequest(fmt.Sprintf("%s cannot run a %s action", spec.OperationType, a.ActionType), nil)
		}
		if spec.ItemColumn != "" {
			if _, err := s.wf.Column(ctx, wf.ID, spec.ItemColumn); err != nil {
				return err
			}
		}
	case spec.OperationType.IsUpload():
		spec.ActionID = nil
		if spec.Frequency != "" && spec.ExecuteUntil == nil {
			return errutil.BadRequest("recurring uploads need execute_until", nil)
		}
	default:
		return errutil.BadRequest(fmt.Sprintf("unknown operation type %q", spec.OperationType), nil)
	}
	return nil
}

func (s *Service) apply(op *model.ScheduledOperation, spec Spec) {
	op.Name = spec.Name
	op.Description = spec.Description
	op.OperationType = spec.OperationType
	op.ActionID = spec.ActionID
	op.Execute = spec.Execute.UTC()
	op.ExecuteUntil = spec.ExecuteUntil
	op.Frequency = spec.Frequency
	op.ItemColumn = spec.ItemColumn
	op.ExcludeValues = nil
	op.Exclude(spec.ExcludeValues...)
	if spec.Payload == nil {
		spec.Payload = map[string]any{}
	}
	op.Payload = model.MustJSON(spec.Payload)
}

func (s *Service) log(ctx context.Context, name string, op *model.ScheduledOperation, payload map[string]any) *model.Log {
	wfID := op.WorkflowID
	payload["name"] = op.Name
	payload["operation_type"] = string(op.OperationType)
	l, err := s.wf.Logs().Append(ctx, logs.Entry{Name: name, UserID: op.UserID, WorkflowID: &wfID, Payload: payload})
	if err != nil {
		zap.L().Warn("[Scheduler] failed to write log", zap.Int64("operation_id", op.ID), zap.Error(err))
		return nil
	}
	return l
}

func (s *Service) Create(ctx context.Context, userID int64, wf *model.Workflow, spec Spec) (*model.ScheduledOperation, error) {
	if err := s.check(ctx, wf, &spec); err != nil {
		return nil, err
	}
	now := s.wf.Now()
	op := &model.ScheduledOperation{
		ID:         s.wf.NewID(),
		UserID:     userID,
		WorkflowID: wf.ID,
		Status:     model.StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.apply(op, spec)
	if err := s.db.WithContext(ctx).Create(op).Error; err != nil {
		return nil, err
	}
	s.log(ctx, logs.ScheduleCreate, op, map[string]any{"execute": op.Execute, "frequency": op.Frequency})
	return op, nil
}

func (s *Service) Get(ctx context.Context, id int64) (*model.ScheduledOperation, error) {
	var op model.ScheduledOperation
	if err := s.db.WithContext(ctx).First(&op, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errutil.NotFound("scheduled operation not found", nil)
		}
		return nil, err
	}
	return &op, nil
}

// Update edits a pending operation.
func (s *Service) Update(ctx context.Context, userID int64, id int64, spec Spec) (*model.ScheduledOperation, error) {
	op, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if op.Status != model.StatusPending {
		return nil, errutil.Conflict(fmt.Sprintf("the operation is %s", op.Status), nil)
	}
	wf, err := s.wf.Get(ctx, op.WorkflowID)
	if err != nil {
		return nil, err
	}
	if err := s.check(ctx, wf, &spec); err != nil {
		return nil, err
	}
	s.apply(op, spec)
	op.UpdatedAt = s.wf.Now()
	if err := s.db.WithContext(ctx).Save(op).Error; err != nil {
		return nil, err
	}
	s.log(ctx, logs.ScheduleEdit, op, map[string]any{"user_id": userID})
	return op, nil
}

// Delete removes the operation and its lock key. A running execution is
// not interrupted.
func (s *Service) Delete(ctx context.Context, userID int64, id int64) error {
	op, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Delete(&model.ScheduledOperation{}, "id = ?", id).Error; err != nil {
		return err
	}
	if err := s.locker.Clear(ctx, rediskey.BuildScheduleLockKey(id)); err != nil {
		zap.L().Warn("[Scheduler] failed to clear lock", zap.Int64("operation_id", id), zap.Error(err))
	}
	s.log(ctx, logs.ScheduleDelete, op, map[string]any{"user_id": userID})
	return nil
}

// List returns the operations of a workflow, or of every workflow of the
// user when workflowID is zero.
func (s *Service) List(ctx context.Context, userID, workflowID int64) ([]model.ScheduledOperation, error) {
	q := s.db.WithContext(ctx).Where("user_id = ?", userID)
	if workflowID != 0 {
		q = q.Where("workflow_id = ?", workflowID)
	}
	var out []model.ScheduledOperation
	return out, q.Order("execute").Find(&out).Error
}

// Due reports whether op fires at now.
func Due(op *model.ScheduledOperation, now time.Time) bool {
	if op.Status != model.StatusPending || now.Before(op.Execute) {
		return false
	}
	return op.ExecuteUntil == nil || !now.After(*op.ExecuteUntil)
}

// Execute fires one operation. It returns SCHED_LOCKED when another
// execution holds the item.
func (s *Service) Execute(ctx context.Context, id int64) (err error) {
	ctx, span := s.tracer.Start(ctx, "scheduler.Execute", trace.WithAttributes(
		attribute.Int64("operation.id", id),
	))
	defer func() { otelcol.End(span, err) }()

	release, err := s.locker.Acquire(ctx, rediskey.BuildScheduleLockKey(id), s.lockTTL)
	if err != nil {
		if errors.Is(err, lock.ErrHeld) {
			return errutil.New(errutil.StatusSchedLocked, "the operation is being executed")
		}
		return err
	}
	defer release()

	op, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if op.Status != model.StatusPending {
		zap.L().Info("[Scheduler] operation is not pending", zap.Int64("operation_id", id), zap.String("status", string(op.Status)))
		return nil
	}
	op.Status = model.StatusExecuting
	op.UpdatedAt = s.wf.Now()
	if err := s.db.WithContext(ctx).Save(op).Error; err != nil {
		return err
	}

	logID, processed, runErr := s.fire(ctx, op)
	now := s.wf.Now()

	payload := op.PayloadMap()
	switch {
	case errors.Is(runErr, lock.ErrHeld):
		// The workflow is busy. The firing is not consumed: a one-off
		// operation stays due and a recurring one moves to its next time.
		op.Status = model.StatusPending
		if op.Frequency != "" {
			sched, _ := cron.ParseStandard(op.Frequency)
			if next := sched.Next(now); op.ExecuteUntil == nil || !next.After(*op.ExecuteUntil) {
				op.Execute = next
			}
		}
		payload["deferred"] = runErr.Error()
		zap.L().Info("[Scheduler] workflow busy, execution deferred", zap.Int64("operation_id", op.ID),
			zap.Time("execute", op.Execute))
	case runErr != nil:
		op.Status = model.StatusDoneError
		payload["error"] = runErr.Error()
	case op.Frequency != "" && (op.ExecuteUntil == nil || now.Before(*op.ExecuteUntil)):
		op.Status = model.StatusPending
		if op.OperationType.IsActionRun() {
			op.Exclude(processed...)
		}
		sched, _ := cron.ParseStandard(op.Frequency)
		op.Execute = sched.Next(now)
		if op.ExecuteUntil != nil && op.Execute.After(*op.ExecuteUntil) {
			op.Status = model.StatusDone
		}
		delete(payload, "error")
		delete(payload, "deferred")
	default:
		op.Status = model.StatusDone
		delete(payload, "error")
		delete(payload, "deferred")
	}
	op.Payload = model.MustJSON(payload)
	if logID != nil {
		op.LastExecutedLogID = logID
	}
	op.UpdatedAt = now
	if err := s.db.WithContext(ctx).Save(op).Error; err != nil {
		return err
	}
	metrics.ScheduledRuns.WithLabelValues(string(op.Status)).Inc()
	span.SetAttributes(attribute.String("operation.status", string(op.Status)))
	zap.L().With(otelcol.Fields(ctx)...).Info("[Scheduler] operation executed", zap.Int64("operation_id", op.ID),
		zap.String("status", string(op.Status)), zap.Int("processed", len(processed)))
	return nil
}

// fire runs the operation body and returns the log of the run and the item
// values it processed.
func (s *Service) fire(ctx context.Context, op *model.ScheduledOperation) (*int64, []string, error) {
	if op.OperationType.IsActionRun() {
		var req action.RunRequest
		if len(op.Payload) > 0 {
			if err := json.Unmarshal(op.Payload, &req); err != nil {
				return nil, nil, errutil.BadRequest("invalid payload", err)
			}
		}
		req.ActionID = *op.ActionID
		req.UserID = op.UserID
		req.Operation = op.OperationType
		req.ItemColumn = op.ItemColumn
		req.ExcludeValues = op.Excluded()
		res, err := s.runner.Run(ctx, req)
		var logID *int64
		if res != nil {
			id := res.LogID
			logID = &id
		}
		if err != nil {
			return logID, nil, err
		}
		return logID, res.Processed, nil
	}

	entry := s.log(ctx, logs.ScheduleExecute, op, map[string]any{"status": "Executing"})
	var logID *int64
	if entry != nil {
		logID = &entry.ID
	}
	err := s.upload(ctx, op)
	if entry != nil {
		status := map[string]any{"status": "Execution finished successfully"}
		if err != nil {
			status["status"] = "Error: " + err.Error()
		}
		_ = s.wf.Logs().Update(ctx, entry.ID, status)
	}
	return logID, nil, err
}

func (s *Service) upload(ctx context.Context, op *model.ScheduledOperation) error {
	var spec dataops.SourceSpec
	if err := json.Unmarshal(op.Payload, &spec); err != nil {
		return errutil.BadRequest("invalid payload", err)
	}
	switch op.OperationType {
	case model.OpUploadSQL:
		spec.Kind = dataops.KindSQL
	case model.OpUploadS3:
		spec.Kind = dataops.KindS3
	case model.OpUploadAthena:
		spec.Kind = dataops.KindAthena
	}
	src, err := s.dataops.Resolve(ctx, s.cfg, spec)
	if err != nil {
		return err
	}
	wf, err := s.wf.Get(ctx, op.WorkflowID)
	if err != nil {
		return err
	}
	return s.dataops.UploadFromSource(ctx, op.UserID, wf, src, spec.Merge)
}

// RunNow executes the operation on behalf of the user with the given email,
// regardless of its execution time.
func (s *Service) RunNow(ctx context.Context, id int64, email string) error {
	var user model.User
	if err := s.db.WithContext(ctx).First(&user, "email = ?", email).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return errutil.NotFound(fmt.Sprintf("user %q not found", email), nil)
		}
		return err
	}
	op, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if op.UserID != user.ID {
		return errutil.NotFound("scheduled operation not found", nil)
	}
	if err := s.Execute(ctx, id); err != nil {
		return err
	}
	op, err = s.Get(ctx, id)
	if err != nil {
		return err
	}
	if op.Status == model.StatusDoneError {
		msg, _ := op.PayloadMap()["error"].(string)
		return errutil.RunFatal(msg, nil)
	}
	return nil
}
