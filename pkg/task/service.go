package task

import (
	"context"
	"fmt"
	"sync"

	"github.com/hibiken/asynq"
)

type Enqueuer interface {
	Enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

type enqueuerImpl struct {
	client *asynq.Client
}

// NewEnqueuer creates a new Enqueuer instance using asynq.Client.
func NewEnqueuer(client *asynq.Client) Enqueuer {
	return &enqueuerImpl{client: client}
}

func (e *enqueuerImpl) Enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	info, err := e.client.EnqueueContext(ctx, task, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue task: %w", err)
	}
	return info, nil
}

// MemoryEnqueuer records tasks instead of sending them. Tasks enqueued
// twice with the same asynq.TaskID are rejected with asynq.ErrTaskIDConflict.
type MemoryEnqueuer struct {
	mu    sync.Mutex
	Tasks []*asynq.Task
	ids   map[string]bool
}

func NewMemoryEnqueuer() *MemoryEnqueuer {
	return &MemoryEnqueuer{ids: map[string]bool{}}
}

func (m *MemoryEnqueuer) Enqueue(_ context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	info := &asynq.TaskInfo{Type: task.Type(), Payload: task.Payload(), Queue: "default"}
	for _, o := range opts {
		switch o.Type() {
		case asynq.TaskIDOpt:
			id := o.Value().(string)
			if m.ids[id] {
				return nil, asynq.ErrTaskIDConflict
			}
			m.ids[id] = true
			info.ID = id
		case asynq.QueueOpt:
			info.Queue = o.Value().(string)
		}
	}
	m.Tasks = append(m.Tasks, task)
	return info, nil
}

// Types lists the enqueued task types in order.
func (m *MemoryEnqueuer) Types() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.Tasks))
	for i, t := range m.Tasks {
		out[i] = t.Type()
	}
	return out
}
