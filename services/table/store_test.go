package table

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ontask/pkg/dataframe"
	"ontask/pkg/db/dialect"
	"ontask/pkg/formula"
	"ontask/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func sampleFrame(t *testing.T) *dataframe.Frame {
	t.Helper()
	f, err := dataframe.New(
		dataframe.NewSeries("sid", dataframe.Integer, int64(1), int64(2), int64(3)),
		dataframe.NewSeries("name", dataframe.String, "Ann", "Bo", nil),
		dataframe.NewSeries("score", dataframe.Double, 1.5, nil, 3.0),
		dataframe.NewSeries("registered", dataframe.Boolean, true, false, nil),
		dataframe.NewSeries("when", dataframe.Datetime,
			time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC), nil, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)),
	)
	require.NoError(t, err)
	return f
}

func TestReplaceAndLoad(t *testing.T) {
	ctx := context.Background()
	s := New(testutil.NewTestDB(t))
	f := sampleFrame(t)

	require.NoError(t, s.Replace(ctx, "wf_1", f))
	require.True(t, s.Exists(ctx, "wf_1"))
	require.False(t, s.Exists(ctx, "wf_1_staging"))

	got, err := s.Load(ctx, "wf_1", ColumnsOf(f), formula.SQL{})
	require.NoError(t, err)
	require.Equal(t, f.Rows(), got.Rows())

	n, err := s.Count(ctx, "wf_1", formula.SQL{})
	require.NoError(t, err)
	require.EqualValues(t, 3, n)

	smaller, err := f.Select("sid", "name")
	require.NoError(t, err)
	smaller = smaller.Take([]int{2, 0})
	require.NoError(t, s.Replace(ctx, "wf_1", smaller))
	got, err = s.Load(ctx, "wf_1", ColumnsOf(smaller), formula.SQL{})
	require.NoError(t, err)
	require.Equal(t, []any{int64(3), int64(1)}, got.Column("sid").Values)
}

func TestLoadWithFormula(t *testing.T) {
	ctx := context.Background()
	s := New(testutil.NewTestDB(t))
	f := sampleFrame(t)
	require.NoError(t, s.Replace(ctx, "wf_2", f))

	e, err := formula.Compile(formula.Rule("registered", dataframe.Boolean, formula.Equal, true),
		formula.Schema(f.Types()), time.UTC)
	require.NoError(t, err)
	where := formula.ToSQL(e, dialect.SQLite)

	got, err := s.Load(ctx, "wf_2", ColumnsOf(f), where)
	require.NoError(t, err)
	require.Equal(t, []any{int64(1)}, got.Column("sid").Values)

	n, err := s.Count(ctx, "wf_2", where)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestColumnDDL(t *testing.T) {
	ctx := context.Background()
	s := New(testutil.NewTestDB(t))
	f := sampleFrame(t)
	require.NoError(t, s.Replace(ctx, "wf_3", f))

	require.NoError(t, s.AddColumn(ctx, "wf_3", Column{Name: "EmailRead_1", Type: dataframe.Integer}, int64(0)))
	require.NoError(t, s.RenameColumn(ctx, "wf_3", "registered", "enrolled"))
	require.NoError(t, s.DropColumn(ctx, "wf_3", "score"))

	affected, err := s.Increment(ctx, "wf_3", "EmailRead_1", "name", "Ann")
	require.NoError(t, err)
	require.EqualValues(t, 1, affected)
	_, err = s.Increment(ctx, "wf_3", "EmailRead_1", "name", "Ann")
	require.NoError(t, err)

	affected, err = s.UpdateRow(ctx, "wf_3", "sid", int64(2), map[string]any{"name": "Bob"}, []string{"name"})
	require.NoError(t, err)
	require.EqualValues(t, 1, affected)

	cols := []Column{
		{Name: "sid", Type: dataframe.Integer},
		{Name: "name", Type: dataframe.String},
		{Name: "enrolled", Type: dataframe.Boolean},
		{Name: "EmailRead_1", Type: dataframe.Integer},
	}
	got, err := s.Load(ctx, "wf_3", cols, formula.SQL{})
	require.NoError(t, err)
	require.Equal(t, []any{"Ann", "Bob", nil}, got.Column("name").Values)
	require.Equal(t, []any{int64(2), int64(0), int64(0)}, got.Column("EmailRead_1").Values)
	require.Equal(t, []any{true, false, nil}, got.Column("enrolled").Values)

	distinct, err := s.Distinct(ctx, "wf_3", Column{Name: "name", Type: dataframe.String})
	require.NoError(t, err)
	require.Equal(t, []any{"Ann", "Bob"}, distinct)
}

func TestCloneAndDrop(t *testing.T) {
	ctx := context.Background()
	s := New(testutil.NewTestDB(t))
	f := sampleFrame(t)
	require.NoError(t, s.Replace(ctx, "wf_4", f))

	require.NoError(t, s.Clone(ctx, "wf_4", "wf_5", ColumnsOf(f)))
	got, err := s.Load(ctx, "wf_5", ColumnsOf(f), formula.SQL{})
	require.NoError(t, err)
	require.Equal(t, f.Rows(), got.Rows())

	require.NoError(t, s.Drop(ctx, "wf_4"))
	require.False(t, s.Exists(ctx, "wf_4"))
}

func TestReplace_ManyRowsBatches(t *testing.T) {
	ctx := context.Background()
	s := New(testutil.NewTestDB(t))

	ids := make([]any, 1000)
	for i := range ids {
		ids[i] = int64(i)
	}
	f, err := dataframe.New(dataframe.NewSeries("id", dataframe.Integer, ids...))
	require.NoError(t, err)
	require.NoError(t, s.Replace(ctx, "wf_big", f))

	n, err := s.Count(ctx, "wf_big", formula.SQL{})
	require.NoError(t, err)
	require.EqualValues(t, 1000, n)
}
