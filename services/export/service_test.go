package export_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ontask/pkg/dataframe"
	"ontask/pkg/errutil"
	"ontask/pkg/formula"
	"ontask/services/export"
	"ontask/services/logs"
	"ontask/services/model"
	"ontask/services/workflow"
	"ontask/services/workflow/workflowtest"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func seed(t *testing.T, env *workflowtest.Env) *model.Workflow {
	t.Helper()
	ctx := context.Background()
	s := env.Workflow

	f, err := dataframe.New(
		dataframe.NewSeries("sid", dataframe.Integer, int64(1), int64(2)),
		dataframe.NewSeries("email", dataframe.String, "ann@example.com", "bo@example.com"),
		dataframe.NewSeries("grade", dataframe.Double, 7.5, nil),
		dataframe.NewSeries("passed", dataframe.Boolean, true, false),
	)
	require.NoError(t, err)
	wf := env.Seed(t, 1, "Course A", f, "sid")
	_, err = s.AddColumn(ctx, 1, wf, workflow.ColumnSpec{
		Name: "level", Description: "self assessment", Type: dataframe.String, Categories: []any{"low", "high"},
	})
	require.NoError(t, err)
	email := "email"
	wf, err = s.Update(ctx, 1, wf.ID, workflow.UpdateRequest{LuserEmailColumn: &email, Attributes: map[string]string{"term": "T1"}})
	require.NoError(t, err)

	passed := formula.Group(formula.AND, formula.Rule("passed", dataframe.Boolean, formula.Equal, true))
	_, err = s.CreateView(ctx, 1, wf, workflow.ViewSpec{Name: "passing", Columns: []string{"sid", "grade"}, Filter: passed})
	require.NoError(t, err)

	a, err := s.CreateAction(ctx, 1, wf, workflow.ActionSpec{Name: "feedback", Type: model.PersonalizedText})
	require.NoError(t, err)
	_, err = s.AddCondition(ctx, 1, wf, a.ID, workflow.ConditionSpec{
		Name:    "High",
		Formula: formula.Group(formula.AND, formula.Rule("grade", dataframe.Double, formula.GreaterOrEqual, 5.0)),
	})
	require.NoError(t, err)
	require.NoError(t, s.SetActionFilter(ctx, 1, wf, a.ID, "only passing", passed))
	_, err = s.UpdateAction(ctx, 1, wf, a.ID, workflow.ActionSpec{
		Name: "feedback", TextContent: "{% if High %}Well done{% endif %} {{ email }}",
	})
	require.NoError(t, err)

	sv, err := s.CreateAction(ctx, 1, wf, workflow.ActionSpec{Name: "check-in", Type: model.Survey, ServeEnabled: true, Shuffle: true})
	require.NoError(t, err)
	require.NoError(t, s.SetBindings(ctx, 1, wf, sv.ID, []workflow.Binding{{Column: "level"}}))

	wf, err = s.Get(ctx, wf.ID)
	require.NoError(t, err)
	return wf
}

func TestExport_FileName(t *testing.T) {
	env := workflowtest.New(t)
	wf := seed(t, env)
	svc := export.NewService(export.ServiceParams{Workflow: env.Workflow})

	data, name, err := svc.Export(context.Background(), wf, nil)
	require.NoError(t, err)
	require.Equal(t, "course-a_ontask_export.gz", name)
	require.NotEmpty(t, data)

	b, err := export.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	require.Equal(t, export.Version, b.Version)
	require.Equal(t, "email", b.Workflow.LuserEmailColumn)
	require.Len(t, b.Actions, 2)
	require.Len(t, b.Data, 2)
}

func TestImport_RoundTrip(t *testing.T) {
	ctx := context.Background()
	env := workflowtest.New(t)
	wf := seed(t, env)
	svc := export.NewService(export.ServiceParams{Workflow: env.Workflow})

	data, _, err := svc.Export(ctx, wf, nil)
	require.NoError(t, err)
	imported, err := svc.Import(ctx, 1, "Course B", bytes.NewReader(data))
	require.NoError(t, err)
	require.Equal(t, "Course B", imported.Name)
	require.NotEqual(t, wf.ID, imported.ID)

	before, err := svc.Build(ctx, wf, nil)
	require.NoError(t, err)
	after, err := svc.Build(ctx, imported, nil)
	require.NoError(t, err)
	after.Workflow.Name = before.Workflow.Name
	require.Equal(t, before, after)

	// an empty name keeps the exported one
	again, _, err := svc.Export(ctx, imported, nil)
	require.NoError(t, err)
	_, err = svc.Import(ctx, 1, "", bytes.NewReader(again))
	require.True(t, errutil.Is(err, errutil.StatusConflict))

	entries, err := env.Logs.List(ctx, imported.ID, 0)
	require.NoError(t, err)
	found := false
	for _, e := range entries {
		found = found || e.Name == logs.WorkflowImport
	}
	require.True(t, found)
}

func TestExport_SelectedActions(t *testing.T) {
	ctx := context.Background()
	env := workflowtest.New(t)
	wf := seed(t, env)
	svc := export.NewService(export.ServiceParams{Workflow: env.Workflow})

	actions, err := env.Workflow.Actions(ctx, wf.ID)
	require.NoError(t, err)
	var survey int64
	for _, a := range actions {
		if a.ActionType == model.Survey {
			survey = a.ID
		}
	}
	b, err := svc.Build(ctx, wf, []int64{survey})
	require.NoError(t, err)
	require.Len(t, b.Actions, 1)
	require.Equal(t, "check-in", b.Actions[0].Name)
	require.Equal(t, []export.BindingRecord{{Column: "level"}}, b.Actions[0].Bindings)
}

func TestDecode_Rejects(t *testing.T) {
	_, err := export.Decode(bytes.NewReader([]byte("not gzip")))
	require.True(t, errutil.Is(err, errutil.StatusDataInvalid))
}
