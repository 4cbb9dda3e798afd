package scheduler_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ontask/pkg/dataframe"
	"ontask/pkg/delivery/deliverytest"
	"ontask/pkg/errutil"
	"ontask/pkg/featureflags"
	"ontask/pkg/formula"
	"ontask/pkg/rediskey"
	"ontask/pkg/task"
	"ontask/pkg/template"
	"ontask/services/action"
	"ontask/services/dataops"
	"ontask/services/model"
	"ontask/services/scheduler"
	"ontask/services/tracking"
	"ontask/services/workflow"
	"ontask/services/workflow/workflowtest"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

var start = time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)

type fixture struct {
	env      *workflowtest.Env
	outbox   *deliverytest.Outbox
	enqueuer *task.MemoryEnqueuer
	sched    *scheduler.Service
	wf       *model.Workflow
	action   *model.Action
}

type failingRunner struct{}

func (failingRunner) Run(context.Context, action.RunRequest) (*action.RunResult, error) {
	return &action.RunResult{LogID: 7}, errors.New("smtp is down")
}

func setup(t *testing.T, runner scheduler.ActionRunner) *fixture {
	t.Helper()
	ctx := context.Background()
	env := workflowtest.New(t)
	env.Workflow.SetClock(func() time.Time { return start })
	require.NoError(t, env.DB.Create(&model.User{ID: 1, Email: "instructor@example.com"}).Error)

	f, err := dataframe.New(
		dataframe.NewSeries("sid", dataframe.Integer, int64(1), int64(2), int64(3)),
		dataframe.NewSeries("name", dataframe.String, "Ann", "Bo", "Cy"),
		dataframe.NewSeries("email", dataframe.String, "ann@example.com", "bo@example.com", "cy@example.com"),
		dataframe.NewSeries("registered", dataframe.Boolean, false, false, false),
	)
	require.NoError(t, err)
	wf := env.Seed(t, 1, "course", f, "sid")

	a, err := env.Workflow.CreateAction(ctx, 1, wf, workflow.ActionSpec{
		Name: "reminder", Type: model.PersonalizedText, TextContent: "Please register, {{ name }}",
	})
	require.NoError(t, err)
	notRegistered := formula.Group(formula.AND, formula.Rule("registered", dataframe.Boolean, formula.Equal, false))
	require.NoError(t, env.Workflow.SetActionFilter(ctx, 1, wf, a.ID, "", notRegistered))

	outbox := deliverytest.New()
	if runner == nil {
		cache, err := template.NewCache(16)
		require.NoError(t, err)
		runner = action.NewRunner(action.RunnerParams{
			Workflow: env.Workflow,
			Renderer: action.NewRenderer(env.Workflow, cache),
			Tracking: tracking.NewService(tracking.ServiceParams{Workflow: env.Workflow, Config: env.Config}),
			Mailer:   outbox,
			Poster:   outbox,
			Canvas:   outbox,
			Flags:    featureflags.Static{},
			Config:   env.Config,
		})
	}
	enq := task.NewMemoryEnqueuer()
	ops := dataops.NewService(dataops.ServiceParams{Workflow: env.Workflow})
	sched := scheduler.New(env.DB, env.Workflow, runner, ops, env.Locker, enq, env.Config)
	return &fixture{env: env, outbox: outbox, enqueuer: enq, sched: sched, wf: wf, action: a}
}

func (fx *fixture) recurring(t *testing.T) *model.ScheduledOperation {
	t.Helper()
	until := start.Add(24 * time.Hour)
	op, err := fx.sched.Create(context.Background(), 1, fx.wf, scheduler.Spec{
		Name:          "nag",
		OperationType: model.OpPersonalizedEmail,
		ActionID:      &fx.action.ID,
		Execute:       start.Add(-time.Minute),
		ExecuteUntil:  &until,
		Frequency:     "0 * * * *",
		ItemColumn:    "email",
		Payload:       map[string]any{"subject": "Reminder"},
	})
	require.NoError(t, err)
	return op
}

func (fx *fixture) setRegistered(t *testing.T, sid int64, v bool) {
	t.Helper()
	ctx := context.Background()
	n, err := fx.env.Workflow.Store().UpdateRow(ctx, fx.wf.PhysicalTable(), "sid", sid,
		map[string]any{"registered": v}, []string{"registered"})
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
	require.NoError(t, fx.env.Workflow.RefreshCounts(ctx, fx.wf))
}

func TestExecute_Incremental(t *testing.T) {
	ctx := context.Background()
	fx := setup(t, nil)
	op := fx.recurring(t)

	require.NoError(t, fx.sched.Execute(ctx, op.ID))
	require.Len(t, fx.outbox.Emails, 3)
	require.Equal(t, "Reminder", fx.outbox.Emails[0].Subject)

	op, err := fx.sched.Get(ctx, op.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusPending, op.Status)
	require.Equal(t, []string{"ann@example.com", "bo@example.com", "cy@example.com"}, op.Excluded())
	require.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), op.Execute.UTC())
	require.NotNil(t, op.LastExecutedLogID)

	fx.setRegistered(t, 1, true)
	require.NoError(t, fx.sched.Execute(ctx, op.ID))
	require.Len(t, fx.outbox.Emails, 3)
	op, err = fx.sched.Get(ctx, op.ID)
	require.NoError(t, err)
	require.Len(t, op.Excluded(), 3)

	fx.setRegistered(t, 1, false)
	require.NoError(t, fx.sched.Execute(ctx, op.ID))
	require.Len(t, fx.outbox.Emails, 3)
	op, err = fx.sched.Get(ctx, op.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusPending, op.Status)
}

func TestExecute_OneOffIsDone(t *testing.T) {
	ctx := context.Background()
	fx := setup(t, nil)
	op, err := fx.sched.Create(ctx, 1, fx.wf, scheduler.Spec{
		Name: "once", OperationType: model.OpPersonalizedEmail, ActionID: &fx.action.ID,
		Execute: start, ItemColumn: "email",
	})
	require.NoError(t, err)

	require.NoError(t, fx.sched.Execute(ctx, op.ID))
	op, err = fx.sched.Get(ctx, op.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusDone, op.Status)

	// a finished operation does not fire again
	require.NoError(t, fx.sched.Execute(ctx, op.ID))
	require.Len(t, fx.outbox.Emails, 3)
}

func TestExecute_ErrorIsRecorded(t *testing.T) {
	ctx := context.Background()
	fx := setup(t, failingRunner{})
	op := fx.recurring(t)

	require.NoError(t, fx.sched.Execute(ctx, op.ID))
	op, err := fx.sched.Get(ctx, op.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusDoneError, op.Status)
	require.Equal(t, "smtp is down", op.PayloadMap()["error"])
	require.EqualValues(t, 7, *op.LastExecutedLogID)
}

func TestExecute_BusyWorkflowDefers(t *testing.T) {
	ctx := context.Background()
	fx := setup(t, nil)
	op := fx.recurring(t)

	_, release, err := fx.env.Workflow.Access(ctx, fx.wf.ID)
	require.NoError(t, err)
	require.NoError(t, fx.sched.Execute(ctx, op.ID))
	release()

	op, err = fx.sched.Get(ctx, op.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusPending, op.Status)
	require.Equal(t, start.Add(30*time.Minute), op.Execute.UTC())
	require.Empty(t, op.Excluded())
	require.Empty(t, fx.outbox.Emails)

	require.NoError(t, fx.sched.Execute(ctx, op.ID))
	require.Len(t, fx.outbox.Emails, 3)
	op, err = fx.sched.Get(ctx, op.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusPending, op.Status)
	require.NotContains(t, op.PayloadMap(), "deferred")
}

func TestExecute_BusyWorkflowKeepsOneOffDue(t *testing.T) {
	ctx := context.Background()
	fx := setup(t, nil)
	op, err := fx.sched.Create(ctx, 1, fx.wf, scheduler.Spec{
		Name: "once", OperationType: model.OpPersonalizedEmail, ActionID: &fx.action.ID,
		Execute: start, ItemColumn: "email",
	})
	require.NoError(t, err)

	_, release, err := fx.env.Workflow.Access(ctx, fx.wf.ID)
	require.NoError(t, err)
	require.NoError(t, fx.sched.Execute(ctx, op.ID))
	release()

	op, err = fx.sched.Get(ctx, op.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusPending, op.Status)
	require.True(t, scheduler.Due(op, start))
	require.Empty(t, fx.outbox.Emails)
}

func TestExecute_Locked(t *testing.T) {
	ctx := context.Background()
	fx := setup(t, nil)
	op := fx.recurring(t)

	release, err := fx.env.Locker.Acquire(ctx, rediskey.BuildScheduleLockKey(op.ID), time.Minute)
	require.NoError(t, err)
	err = fx.sched.Execute(ctx, op.ID)
	require.True(t, errutil.Is(err, errutil.StatusSchedLocked))
	require.Empty(t, fx.outbox.Emails)
	release()

	require.NoError(t, fx.sched.Delete(ctx, 1, op.ID))
	require.False(t, fx.env.Locker.Held(rediskey.BuildScheduleLockKey(op.ID)))
	_, err = fx.sched.Get(ctx, op.ID)
	require.True(t, errutil.Is(err, errutil.StatusNotFound))
}

func TestTick_EnqueuesOncePerExecution(t *testing.T) {
	ctx := context.Background()
	fx := setup(t, nil)
	op := fx.recurring(t)
	_, err := fx.sched.Create(ctx, 1, fx.wf, scheduler.Spec{
		Name: "later", OperationType: model.OpPersonalizedEmail, ActionID: &fx.action.ID,
		Execute: start.Add(time.Hour), ItemColumn: "email",
	})
	require.NoError(t, err)

	n, err := fx.sched.Tick(ctx, start)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	n, err = fx.sched.Tick(ctx, start)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Len(t, fx.enqueuer.Tasks, 1)

	require.NoError(t, fx.sched.HandleExecute(ctx, fx.enqueuer.Tasks[0]))
	require.Len(t, fx.outbox.Emails, 3)

	op, err = fx.sched.Get(ctx, op.ID)
	require.NoError(t, err)
	require.True(t, scheduler.Due(op, op.Execute))
	require.False(t, scheduler.Due(op, start.Add(48*time.Hour)))
}

func TestCreate_Validation(t *testing.T) {
	ctx := context.Background()
	fx := setup(t, nil)
	before := start.Add(-time.Hour)

	cases := []scheduler.Spec{
		{Name: "", OperationType: model.OpPersonalizedEmail, ActionID: &fx.action.ID, Execute: start},
		{Name: "x", OperationType: model.OpPersonalizedEmail, ActionID: &fx.action.ID, Execute: start, ExecuteUntil: &before},
		{Name: "x", OperationType: model.OpPersonalizedEmail, ActionID: &fx.action.ID, Execute: start, Frequency: "every day"},
		{Name: "x", OperationType: model.OpPersonalizedJSON, ActionID: &fx.action.ID, Execute: start},
		{Name: "x", OperationType: model.OpPersonalizedEmail, Execute: start},
		{Name: "x", OperationType: "nope", Execute: start},
		{Name: "x", OperationType: model.OpZip, ActionID: &fx.action.ID, Execute: start, ItemColumn: "sid"},
	}
	for _, spec := range cases {
		_, err := fx.sched.Create(ctx, 1, fx.wf, spec)
		require.True(t, errutil.Is(err, errutil.StatusBadRequest), "%+v", spec)
	}
	_, err := fx.sched.Create(ctx, 1, fx.wf, scheduler.Spec{
		Name: "x", OperationType: model.OpPersonalizedEmail, ActionID: &fx.action.ID, Execute: start, ItemColumn: "missing",
	})
	require.True(t, errutil.Is(err, errutil.StatusNotFound))
}

func TestRunNow(t *testing.T) {
	ctx := context.Background()
	fx := setup(t, nil)
	op := fx.recurring(t)

	err := fx.sched.RunNow(ctx, op.ID, "nobody@example.com")
	require.True(t, errutil.Is(err, errutil.StatusNotFound))
	require.Empty(t, fx.outbox.Emails)

	require.NoError(t, fx.sched.RunNow(ctx, op.ID, "instructor@example.com"))
	require.Len(t, fx.outbox.Emails, 3)

	ops, err := fx.sched.List(ctx, 1, fx.wf.ID)
	require.NoError(t, err)
	require.Len(t, ops, 1)
}
