package logs

import (
	"context"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ontask/pkg/config"
	"ontask/services/model"
	"ontask/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newService(t *testing.T, maxList int) *Service {
	t.Helper()
	db := testutil.NewTestDB(t, &model.Log{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return NewService(ServiceParams{DB: db, Node: node, Config: &config.Config{MaxLogListSize: maxList}})
}

func TestAppendUpdate(t *testing.T) {
	ctx := context.Background()
	s := newService(t, 10)
	wf := int64(9)

	l, err := s.Append(ctx, Entry{Name: ActionRunPrefix + "personalized_text", UserID: 1, WorkflowID: &wf,
		Payload: map[string]any{"status": "preparing execution"}})
	require.NoError(t, err)

	require.NoError(t, s.Update(ctx, l.ID, map[string]any{"status": "Executing", "objects_sent": 2}))

	got, err := s.Get(ctx, l.ID)
	require.NoError(t, err)
	payload := got.PayloadMap()
	require.Equal(t, "Executing", payload["status"])
	require.EqualValues(t, 2, payload["objects_sent"])
}

func TestListIsCapped(t *testing.T) {
	ctx := context.Background()
	s := newService(t, 3)
	wf := int64(9)
	other := int64(10)

	for i := 0; i < 5; i++ {
		_, err := s.Append(ctx, Entry{Name: ColumnAdd, UserID: 1, WorkflowID: &wf})
		require.NoError(t, err)
	}
	_, err := s.Append(ctx, Entry{Name: ColumnAdd, UserID: 1, WorkflowID: &other})
	require.NoError(t, err)

	out, err := s.List(ctx, wf, 0)
	require.NoError(t, err)
	require.Len(t, out, 3)

	out, err = s.List(ctx, wf, 2)
	require.NoError(t, err)
	require.Len(t, out, 2)
}
