package dataops_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ontask/pkg/dataframe"
	"ontask/pkg/errutil"
	"ontask/pkg/formula"
	"ontask/pkg/storage"
	"ontask/services/dataops"
	"ontask/services/logs"
	"ontask/services/model"
	"ontask/services/workflow"
	"ontask/services/workflow/workflowtest"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

const studentsCSV = "sid,name,email,age,registered,when\n" +
	"1,Ann,ann@example.com,20,true,2024-01-01 10:00\n" +
	"2,Bo,bo@example.com,15,true,2024-01-02 11:00\n" +
	"3,Cy,cy@example.com,30,false,2024-01-03 12:00\n"

func setup(t *testing.T) (*workflowtest.Env, *dataops.Service) {
	t.Helper()
	env := workflowtest.New(t)
	return env, dataops.NewService(dataops.ServiceParams{Workflow: env.Workflow})
}

func frame(t *testing.T, cols ...*dataframe.Series) *dataframe.Frame {
	t.Helper()
	f, err := dataframe.New(cols...)
	require.NoError(t, err)
	return f
}

func column(t *testing.T, env *workflowtest.Env, wf *model.Workflow, name string) *model.Column {
	t.Helper()
	c, err := env.Workflow.Column(context.Background(), wf.ID, name)
	require.NoError(t, err)
	return c
}

func TestUpload_CSVThenFormulaColumn(t *testing.T) {
	ctx := context.Background()
	env, ops := setup(t)
	wf, err := env.Workflow.Create(ctx, workflow.CreateRequest{UserID: 1, Name: "course"})
	require.NoError(t, err)

	info := dataops.MergeInfo{
		InitialColumnNames: []string{"sid", "name", "email", "age", "registered", "when"},
		KeepKeyColumn:      []bool{true, false, false, false, false, false},
	}
	require.NoError(t, ops.UploadFromSource(ctx, 1, wf, storage.CSVSource{Reader: strings.NewReader(studentsCSV)}, info))

	wf, err = env.Workflow.Get(ctx, wf.ID)
	require.NoError(t, err)
	require.EqualValues(t, 3, wf.NRows)
	require.EqualValues(t, 6, wf.NCols)
	require.True(t, column(t, env, wf, "sid").IsKey)
	require.False(t, column(t, env, wf, "email").IsKey)
	require.Equal(t, string(dataframe.Datetime), column(t, env, wf, "when").DataType)

	_, err = env.Workflow.AddFormulaColumn(ctx, 1, wf, "total", "", workflow.OpSum, []string{"age"})
	require.NoError(t, err)
	f, _, err := env.Workflow.Data(ctx, wf, formula.SQL{})
	require.NoError(t, err)
	require.Equal(t, f.Column("age").Values, f.Column("total").Values)

	logsList, err := env.Logs.List(ctx, wf.ID, 0)
	require.NoError(t, err)
	var names []string
	for _, l := range logsList {
		names = append(names, l.Name)
	}
	require.Contains(t, names, logs.WorkflowDataUpload)

	err = ops.Upload(ctx, 1, wf, frame(t, dataframe.NewSeries("x", dataframe.Integer, int64(1))), dataops.MergeInfo{})
	require.True(t, errutil.Is(err, errutil.StatusBadRequest))
}

func TestUpload_NoKey(t *testing.T) {
	ctx := context.Background()
	env, ops := setup(t)
	wf, err := env.Workflow.Create(ctx, workflow.CreateRequest{UserID: 1, Name: "w"})
	require.NoError(t, err)

	f := frame(t, dataframe.NewSeries("grade", dataframe.String, "A", "A"))
	err = ops.Upload(ctx, 1, wf, f, dataops.MergeInfo{})
	require.True(t, errutil.Is(err, errutil.StatusKeyViolation))
}

func TestMerge_OuterPreservesKeys(t *testing.T) {
	ctx := context.Background()
	env, ops := setup(t)
	dst := frame(t,
		dataframe.NewSeries("sid", dataframe.Integer, int64(1), int64(2)),
		dataframe.NewSeries("email", dataframe.String, "a", "b"),
	)
	wf := env.Seed(t, 1, "w", dst, "sid")

	src := frame(t,
		dataframe.NewSeries("sid", dataframe.Integer, int64(2), int64(3)),
		dataframe.NewSeries("other", dataframe.String, "x", "y"),
	)
	require.NoError(t, ops.Merge(ctx, 1, wf, src, dataops.MergeInfo{
		SrcSelectedKey: "sid", DstSelectedKey: "sid", HowMerge: dataframe.Outer,
	}))

	wf, err := env.Workflow.Get(ctx, wf.ID)
	require.NoError(t, err)
	f, _, err := env.Workflow.Data(ctx, wf, formula.SQL{})
	require.NoError(t, err)
	require.Equal(t, []any{int64(1), int64(2), int64(3)}, f.Column("sid").Values)
	require.Equal(t, []any{"a", "b", nil}, f.Column("email").Values)
	require.Equal(t, []any{nil, "x", "y"}, f.Column("other").Values)
	require.True(t, column(t, env, wf, "sid").IsKey)
	require.EqualValues(t, 3, wf.NRows)
	require.EqualValues(t, 3, wf.NCols)
}

func TestMerge_InnerWithRename(t *testing.T) {
	ctx := context.Background()
	env, ops := setup(t)
	wf := env.Seed(t, 1, "w", frame(t,
		dataframe.NewSeries("sid", dataframe.Integer, int64(1), int64(2), int64(3)),
		dataframe.NewSeries("score", dataframe.Double, 1.0, 2.0, 3.0),
	), "sid")

	src := frame(t,
		dataframe.NewSeries("student", dataframe.Integer, int64(2), int64(3)),
		dataframe.NewSeries("mark", dataframe.Double, 20.0, nil),
		dataframe.NewSeries("junk", dataframe.String, "j", "k"),
	)
	require.NoError(t, ops.Merge(ctx, 1, wf, src, dataops.MergeInfo{
		InitialColumnNames: []string{"student", "mark", "junk"},
		RenameColumnNames:  []string{"sid", "score", ""},
		ColumnsToUpload:    []bool{true, true, false},
		SrcSelectedKey:     "sid",
		DstSelectedKey:     "sid",
		HowMerge:           dataframe.Inner,
	}))

	f, _, err := env.Workflow.Data(ctx, wf, formula.SQL{})
	require.NoError(t, err)
	require.Equal(t, []string{"sid", "score"}, f.Names())
	require.Equal(t, []any{int64(2), int64(3)}, f.Column("sid").Values)
	require.Equal(t, []any{20.0, 3.0}, f.Column("score").Values)
}

func TestMerge_KeyLost(t *testing.T) {
	ctx := context.Background()
	env, ops := setup(t)
	wf := env.Seed(t, 1, "w", frame(t,
		dataframe.NewSeries("sid", dataframe.Integer, int64(1), int64(2)),
		dataframe.NewSeries("email", dataframe.String, "a", "b"),
	), "sid", "email")

	src := frame(t,
		dataframe.NewSeries("sid", dataframe.Integer, int64(3)),
		dataframe.NewSeries("other", dataframe.String, "y"),
	)
	err := ops.Merge(ctx, 1, wf, src, dataops.MergeInfo{SrcSelectedKey: "sid", DstSelectedKey: "sid", HowMerge: dataframe.Outer})
	require.True(t, errutil.Is(err, errutil.StatusMergeKeyLost))

	f, _, err := env.Workflow.Data(ctx, wf, formula.SQL{})
	require.NoError(t, err)
	require.Equal(t, 2, f.NRows())
	require.False(t, f.Has("other"))
}

func TestMerge_BadParams(t *testing.T) {
	ctx := context.Background()
	env, ops := setup(t)
	wf := env.Seed(t, 1, "w", frame(t,
		dataframe.NewSeries("sid", dataframe.Integer, int64(1), int64(2)),
		dataframe.NewSeries("grade", dataframe.String, "A", "A"),
	), "sid")
	src := frame(t, dataframe.NewSeries("sid", dataframe.Integer, int64(1)))

	cases := []dataops.MergeInfo{
		{SrcSelectedKey: "sid", DstSelectedKey: "sid", HowMerge: "cross"},
		{SrcSelectedKey: "sid", DstSelectedKey: "grade", HowMerge: dataframe.Left},
		{SrcSelectedKey: "nope", DstSelectedKey: "sid", HowMerge: dataframe.Left},
		{InitialColumnNames: []string{"sid"}, ColumnsToUpload: []bool{true, false}, SrcSelectedKey: "sid", DstSelectedKey: "sid", HowMerge: dataframe.Left},
	}
	for _, info := range cases {
		err := ops.Merge(ctx, 1, wf, src, info)
		require.True(t, errutil.Is(err, errutil.StatusMergeBadParams), "%+v: %v", info, err)
	}

	err := ops.Merge(ctx, 1, wf, frame(t, dataframe.NewSeries("sid", dataframe.Integer, int64(9))),
		dataops.MergeInfo{SrcSelectedKey: "sid", DstSelectedKey: "sid", HowMerge: dataframe.Inner})
	require.True(t, errutil.Is(err, errutil.StatusMergeEmpty))
}

func TestMerge_Locked(t *testing.T) {
	ctx := context.Background()
	env, ops := setup(t)
	wf := env.Seed(t, 1, "w", frame(t, dataframe.NewSeries("sid", dataframe.Integer, int64(1))), "sid")

	_, release, err := env.Workflow.Access(ctx, wf.ID)
	require.NoError(t, err)
	defer release()

	err = ops.Merge(ctx, 1, wf, frame(t, dataframe.NewSeries("sid", dataframe.Integer, int64(1))),
		dataops.MergeInfo{SrcSelectedKey: "sid", DstSelectedKey: "sid", HowMerge: dataframe.Left})
	require.True(t, errutil.Is(err, errutil.StatusConflict))
}

func TestResolve(t *testing.T) {
	ctx := context.Background()
	env, ops := setup(t)
	require.NoError(t, env.DB.Create(&model.SQLConnection{ID: 5, Name: "lms", DBTable: "people"}).Error)

	_, err := ops.Resolve(ctx, env.Config, dataops.SourceSpec{Kind: dataops.KindSQL, ConnectionID: 5})
	require.True(t, errutil.Is(err, errutil.StatusBadRequest))
	_, err = ops.Resolve(ctx, env.Config, dataops.SourceSpec{Kind: dataops.KindSQL, ConnectionID: 6})
	require.True(t, errutil.Is(err, errutil.StatusNotFound))

	path := filepath.Join(t.TempDir(), "students.csv")
	require.NoError(t, os.WriteFile(path, []byte(studentsCSV), 0o600))
	src, err := ops.Resolve(ctx, env.Config, dataops.SourceSpec{Kind: dataops.KindS3, URI: "file://" + path})
	require.NoError(t, err)

	wf, err := env.Workflow.Create(ctx, workflow.CreateRequest{UserID: 1, Name: "s3"})
	require.NoError(t, err)
	require.NoError(t, ops.UploadFromSource(ctx, 1, wf, src, dataops.MergeInfo{}))
	wf, err = env.Workflow.Get(ctx, wf.ID)
	require.NoError(t, err)
	require.EqualValues(t, 3, wf.NRows)
}
