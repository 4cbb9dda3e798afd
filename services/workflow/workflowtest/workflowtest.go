// Package workflowtest builds workflow services over the sqlite test database.
package workflowtest

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"ontask/pkg/config"
	"ontask/pkg/dataframe"
	"ontask/pkg/lock"
	"ontask/services/logs"
	"ontask/services/model"
	"ontask/services/testutil"
	"ontask/services/workflow"
)

type Env struct {
	DB       *gorm.DB
	Node     *snowflake.Node
	Config   *config.Config
	Locker   *lock.MemoryLocker
	Logs     *logs.Service
	Workflow *workflow.Service
}

// New returns a workflow service with every metadata table migrated.
func New(t *testing.T) *Env {
	t.Helper()
	db := testutil.NewTestDB(t, model.All()...)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	cfg := &config.Config{
		TimeZone:        "UTC",
		BaseURL:         "http://ontask.test",
		SecretKey:       "test-secret",
		MaxLogListSize:  100,
		WorkflowLockTTL: time.Minute,
	}
	locker := lock.NewMemoryLocker()
	lg := logs.NewService(logs.ServiceParams{DB: db, Node: node, Config: cfg})
	wf := workflow.NewService(workflow.ServiceParams{DB: db, Node: node, Logs: lg, Locker: locker, Config: cfg})
	return &Env{DB: db, Node: node, Config: cfg, Locker: locker, Logs: lg, Workflow: wf}
}

// Seed creates a workflow owned by userID holding f, with keys as key columns.
func (e *Env) Seed(t *testing.T, userID int64, name string, f *dataframe.Frame, keys ...string) *model.Workflow {
	t.Helper()
	ctx := context.Background()
	wf, err := e.Workflow.Create(ctx, workflow.CreateRequest{UserID: userID, Name: name})
	require.NoError(t, err)
	set := map[string]bool{}
	for _, k := range keys {
		set[k] = true
	}
	require.NoError(t, e.Workflow.SaveFrame(ctx, wf, f, set))
	wf, err = e.Workflow.Get(ctx, wf.ID)
	require.NoError(t, err)
	return wf
}
