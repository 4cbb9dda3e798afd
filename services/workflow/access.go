package workflow

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"ontask/pkg/errutil"
	"ontask/pkg/lock"
	"ontask/pkg/rediskey"
)

type accessKey struct{}

// Access takes the workflow lock for the duration of a mutation. The
// returned context records the lock, so nested calls made with it do not
// try to take it again. Release is safe to call more than once.
func (s *Service) Access(ctx context.Context, workflowID int64) (context.Context, func(), error) {
	held, _ := ctx.Value(accessKey{}).(map[int64]bool)
	if held[workflowID] {
		return ctx, func() {}, nil
	}
	if s.locker == nil {
		return ctx, func() {}, nil
	}

	release, err := s.locker.Acquire(ctx, rediskey.BuildWorkflowLockKey(workflowID), s.lockTTL)
	if errors.Is(err, lock.ErrHeld) {
		zap.L().Info("[Workflow] workflow is locked", zap.Int64("workflow_id", workflowID))
		return ctx, nil, errutil.Conflict("the workflow is being modified by another operation", err,
			errutil.WithField("workflow_id", "locked"))
	}
	if err != nil {
		return ctx, nil, errutil.Internal("failed to lock the workflow", err)
	}

	next := make(map[int64]bool, len(held)+1)
	for id := range held {
		next[id] = true
	}
	next[workflowID] = true
	return context.WithValue(ctx, accessKey{}, next), release, nil
}
