package dataops_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"

	"ontask/pkg/task"
	"ontask/pkg/taskname"
	"ontask/services/dataops"
	"ontask/services/workflow"
)

func TestHandleUpload(t *testing.T) {
	ctx := context.Background()
	env, _ := setup(t)
	enq := task.NewMemoryEnqueuer()
	ops := dataops.NewService(dataops.ServiceParams{Workflow: env.Workflow, Config: env.Config, Enqueuer: enq})

	path := filepath.Join(t.TempDir(), "students.csv")
	require.NoError(t, os.WriteFile(path, []byte(studentsCSV), 0o600))
	wf, err := env.Workflow.Create(ctx, workflow.CreateRequest{UserID: 1, Name: "nightly"})
	require.NoError(t, err)

	_, err = ops.EnqueueUpload(ctx, dataops.UploadPayload{
		UserID: 1, WorkflowID: wf.ID, Source: dataops.SourceSpec{Kind: dataops.KindS3, URI: "file://" + path},
	})
	require.NoError(t, err)
	require.Len(t, enq.Tasks, 1)
	require.Equal(t, taskname.DataopsUpload, enq.Tasks[0].Type())

	require.NoError(t, ops.HandleUpload(ctx, enq.Tasks[0]))
	wf, err = env.Workflow.Get(ctx, wf.ID)
	require.NoError(t, err)
	require.EqualValues(t, 3, wf.NRows)
}

func TestHandleUpload_SkipsRetry(t *testing.T) {
	ctx := context.Background()
	env, ops := setup(t)
	wf, err := env.Workflow.Create(ctx, workflow.CreateRequest{UserID: 1, Name: "nightly"})
	require.NoError(t, err)

	tk, err := dataops.NewUploadTask(dataops.UploadPayload{UserID: 2, WorkflowID: wf.ID, Source: dataops.SourceSpec{Kind: dataops.KindS3, URI: "file:///nope"}})
	require.NoError(t, err)
	err = ops.HandleUpload(ctx, tk)
	require.Error(t, err)
	require.True(t, errors.Is(err, asynq.SkipRetry))

	_, err = ops.EnqueueUpload(ctx, dataops.UploadPayload{UserID: 1, WorkflowID: wf.ID})
	require.Error(t, err)
}
