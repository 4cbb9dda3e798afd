package action

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/gosimple/slug"
	jsoniter "github.com/json-iterator/go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"ontask/pkg/config"
	"ontask/pkg/dataframe"
	"ontask/pkg/delivery"
	"ontask/pkg/errutil"
	"ontask/pkg/featureflags"
	"ontask/pkg/metrics"
	"ontask/pkg/otelcol"
	"ontask/pkg/task"
	"ontask/pkg/template"
	"ontask/services/logs"
	"ontask/services/model"
	"ontask/services/tracking"
	"ontask/services/workflow"
)

// Run log statuses.
const (
	StatusPreparing = "preparing execution"
	StatusExecuting = "Executing"
	StatusFinished  = "Execution finished successfully"
)

const defaultFileSuffix = "feedback.html"

var moodleParticipant = regexp.MustCompile(`^Participant \d+$`)

// RunRequest carries the options of one action run.
type RunRequest struct {
	ActionID         int64               `json:"action_id"`
	UserID           int64               `json:"user_id"`
	Operation        model.OperationType `json:"operation_type,omitempty"`
	ItemColumn       string              `json:"item_column,omitempty"`
	ExcludeValues    []string            `json:"exclude_values,omitempty"`
	Subject          string              `json:"subject,omitempty"`
	Cc               string              `json:"cc_email,omitempty"`
	Bcc              string              `json:"bcc_email,omitempty"`
	EmailTo          string              `json:"email_to,omitempty"`
	TrackRead        bool                `json:"track_read,omitempty"`
	SendConfirmation bool                `json:"send_confirmation,omitempty"`
	ExportWorkflow   bool                `json:"export_wf,omitempty"`
	TargetURL        string              `json:"target_url,omitempty"`
	Token            string              `json:"token,omitempty"`
	CanvasInstance   string              `json:"target_instance,omitempty"`
	UserFnameColumn  string              `json:"user_fname_column,omitempty"`
	FileSuffix       string              `json:"file_suffix,omitempty"`
	ZipForMoodle     bool                `json:"zip_for_moodle,omitempty"`
	Attachments      []int64             `json:"attachments,omitempty"`
	DryRun           bool                `json:"dry_run,omitempty"`
}

type RowFailure struct {
	Key   string `json:"key"`
	Error string `json:"error"`
}

// RunResult reports what a run did. Processed holds the item values of the
// rows delivered successfully, in table order.
type RunResult struct {
	LogID       int64
	Processed   []string
	Failures    []RowFailure
	DryRun      bool
	Payloads    []string
	Archive     []byte
	ArchiveName string
}

// Exporter produces the workflow bundle attached to confirmation emails.
type Exporter interface {
	Export(ctx context.Context, wf *model.Workflow, actionIDs []int64) ([]byte, string, error)
}

type Runner struct {
	wf       *workflow.Service
	renderer *Renderer
	tracking *tracking.Service
	mailer   delivery.Mailer
	poster   delivery.Poster
	canvas   delivery.Canvas
	flags    featureflags.FeatureFlag
	enqueuer task.Enqueuer
	exporter Exporter
	tracer   trace.Tracer
	from     string
}

type RunnerParams struct {
	fx.In
	Workflow *workflow.Service
	Renderer *Renderer
	Tracking *tracking.Service
	Mailer   delivery.Mailer
	Poster   delivery.Poster
	Canvas   delivery.Canvas
	Flags    featureflags.FeatureFlag
	Config   *config.Config
	Enqueuer task.Enqueuer `optional:"true"`
	Exporter Exporter      `optional:"true"`
	Tracer   trace.Tracer  `optional:"true"`
}

func NewRunner(p RunnerParams) *Runner {
	return &Runner{
		wf:       p.Workflow,
		renderer: p.Renderer,
		tracking: p.Tracking,
		mailer:   p.Mailer,
		poster:   p.Poster,
		canvas:   p.Canvas,
		flags:    p.Flags,
		enqueuer: p.Enqueuer,
		exporter: p.Exporter,
		tracer:   otelcol.Tracer(p.Tracer),
		from:     p.Config.Email.From,
	}
}

// OperationFor is the run performed by default for an action type.
func OperationFor(t model.ActionType) model.OperationType {
	switch t {
	case model.PersonalizedText:
		return model.OpPersonalizedEmail
	case model.PersonalizedJSON:
		return model.OpPersonalizedJSON
	case model.PersonalizedCanvasEmail:
		return model.OpCanvasEmail
	case model.EmailReport:
		return model.OpEmailReport
	case model.JSONReport:
		return model.OpJSONReport
	case model.RubricText:
		return model.OpRubricEmail
	}
	return ""
}

// Compatible reports whether op can run an action of type t.
func Compatible(op model.OperationType, t model.ActionType) bool {
	if op == model.OpZip {
		return t == model.PersonalizedText || t == model.RubricText
	}
	if op == model.OpPersonalizedEmail && t == model.RubricText {
		return true
	}
	return op != "" && OperationFor(t) == op
}

func isEmail(op model.OperationType) bool {
	return op == model.OpPersonalizedEmail || op == model.OpRubricEmail || op == model.OpEmailReport
}

// run is the state shared by the steps of one execution.
type run struct {
	req      RunRequest
	op       model.OperationType
	wf       *model.Workflow
	action   *model.Action
	sel      *selection
	keyCol   string
	trackCol string
	sender   string
	cc, bcc  []string
	dry      bool
	result   *RunResult
}

// Run executes an action. Row failures are recorded in the result and the
// log; an error is returned only when the run could not take place.
func (r *Runner) Run(ctx context.Context, req RunRequest) (_ *RunResult, err error) {
	ctx, span := r.tracer.Start(ctx, "action.Run", trace.WithAttributes(
		attribute.Int64("action.id", req.ActionID),
		attribute.Int64("user.id", req.UserID),
	))
	defer func() { otelcol.End(span, err) }()

	wf, a, err := r.renderer.load(ctx, req.ActionID)
	if err != nil {
		return nil, err
	}
	op := req.Operation
	if op == "" {
		op = OperationFor(a.ActionType)
	}
	span.SetAttributes(
		attribute.Int64("workflow.id", wf.ID),
		attribute.String("operation", string(op)),
	)

	ctx, release, err := r.wf.Access(ctx, wf.ID)
	if err != nil {
		return nil, err
	}
	defer release()

	wfID := wf.ID
	entry, err := r.wf.Logs().Append(ctx, logs.Entry{
		Name:       string(op),
		UserID:     req.UserID,
		WorkflowID: &wfID,
		Payload: map[string]any{
			"status":         StatusPreparing,
			"action":         a.Name,
			"action_id":      a.ID,
			"operation_type": string(op),
			"item_column":    req.ItemColumn,
			"exclude_values": len(req.ExcludeValues),
		},
	})
	if err != nil {
		return nil, err
	}

	st := &run{req: req, op: op, wf: wf, action: a, result: &RunResult{LogID: entry.ID}}
	err = r.execute(ctx, st)
	r.finish(ctx, st, err)
	if err != nil {
		return st.result, err
	}
	return st.result, nil
}

func (r *Runner) execute(ctx context.Context, st *run) error {
	if err := r.prepare(ctx, st); err != nil {
		return err
	}
	r.status(ctx, st, StatusExecuting, nil)

	switch st.op {
	case model.OpPersonalizedEmail, model.OpRubricEmail:
		return r.sendEmails(ctx, st)
	case model.OpPersonalizedJSON:
		return r.postJSON(ctx, st)
	case model.OpCanvasEmail:
		return r.sendCanvas(ctx, st)
	case model.OpZip:
		return r.buildZip(ctx, st)
	case model.OpEmailReport:
		return r.sendReport(ctx, st)
	case model.OpJSONReport:
		return r.postReport(ctx, st)
	}
	return errutil.RunFatal(fmt.Sprintf("unsupported operation %q", st.op), nil)
}

// prepare checks every precondition and loads the selected rows.
func (r *Runner) prepare(ctx context.Context, st *run) error {
	a, req := st.action, st.req
	if a.ActionType.IsIn() {
		return errutil.RunFatal("surveys collect data and cannot be run", nil)
	}
	if !Compatible(st.op, a.ActionType) {
		return errutil.RunFatal(fmt.Sprintf("%s cannot run a %s action", st.op, a.ActionType), nil)
	}
	if !a.Active(r.wf.Now()) {
		return errutil.RunFatal("the action is outside its activity window", nil)
	}

	cols, err := r.wf.Columns(ctx, st.wf.ID)
	if err != nil {
		return err
	}
	has := func(name string) bool {
		for _, c := range cols {
			if c.Name == name {
				return true
			}
		}
		return false
	}
	st.keyCol = req.ItemColumn
	switch st.op {
	case model.OpPersonalizedEmail, model.OpRubricEmail, model.OpCanvasEmail, model.OpZip:
		if st.keyCol == "" {
			return errutil.RunFatal("item_column is required", nil)
		}
	}
	if st.keyCol == "" {
		if k := workflow.KeyColumn(cols); k != nil {
			st.keyCol = k.Name
		}
	}
	if st.keyCol != "" && !has(st.keyCol) {
		return errutil.RunFatal(fmt.Sprintf("column %q does not exist", st.keyCol), nil)
	}
	if req.UserFnameColumn != "" && !has(req.UserFnameColumn) {
		return errutil.RunFatal(fmt.Sprintf("column %q does not exist", req.UserFnameColumn), nil)
	}
	if st.op == model.OpZip && req.ZipForMoodle && req.UserFnameColumn == "" {
		return errutil.RunFatal("user_fname_column is required for Moodle archives", nil)
	}
	if (st.op == model.OpPersonalizedJSON || st.op == model.OpJSONReport) && req.TargetURL == "" {
		return errutil.RunFatal("target_url is required", nil)
	}
	if st.op == model.OpEmailReport && len(strings.Fields(req.EmailTo)) == 0 {
		return errutil.RunFatal("email_to is required", nil)
	}
	st.cc, st.bcc = strings.Fields(req.Cc), strings.Fields(req.Bcc)
	if err := delivery.CheckAddresses(append(append([]string{}, st.cc...), st.bcc...)...); err != nil {
		return errutil.RunFatal("invalid cc or bcc list", err)
	}
	if isEmail(st.op) || st.op == model.OpZip {
		if _, err := r.renderer.cache.Parse(req.Subject); err != nil {
			return errutil.RunFatal("invalid subject", err)
		}
	}

	st.dry = req.DryRun
	if (st.op == model.OpPersonalizedJSON || st.op == model.OpJSONReport || st.op == model.OpCanvasEmail) &&
		!r.flags.Enabled(ctx, featureflags.ExecuteActionJSONTransfer) {
		st.dry = true
	}
	st.result.DryRun = st.dry

	st.sender = r.from
	var user model.User
	if err := r.wf.DB().WithContext(ctx).First(&user, "id = ?", req.UserID).Error; err == nil && user.Email != "" {
		st.sender = user.Email
	}

	if req.TrackRead && isEmail(st.op) && st.op != model.OpEmailReport {
		if st.trackCol, err = r.tracking.EnableTracking(ctx, req.UserID, st.wf); err != nil {
			return errutil.RunFatal("failed to create the tracking column", err)
		}
	}

	sel, err := r.renderer.selection(ctx, st.wf, st.action)
	if err != nil {
		return errutil.RunFatal("the action cannot be rendered", err)
	}
	exclude(sel, st.keyCol, req.ExcludeValues)
	st.sel = sel

	if st.op == model.OpZip && req.ZipForMoodle {
		for i := 0; i < sel.frame.NRows(); i++ {
			v := dataframe.Format(sel.frame.Row(i)[st.keyCol], nil)
			if !moodleParticipant.MatchString(v) {
				return errutil.RunFatal(fmt.Sprintf("%q is not a Moodle participant identifier", v), nil)
			}
		}
	}
	return nil
}

// exclude drops the rows whose key value is listed.
func exclude(sel *selection, keyCol string, values []string) {
	if keyCol == "" || len(values) == 0 {
		return
	}
	skip := make(map[string]bool, len(values))
	for _, v := range values {
		skip[v] = true
	}
	var keep []int
	var conds []map[string]bool
	for i := 0; i < sel.frame.NRows(); i++ {
		if !skip[dataframe.Format(sel.frame.Row(i)[keyCol], nil)] {
			keep = append(keep, i)
			conds = append(conds, sel.conditions[i])
		}
	}
	sel.frame = sel.frame.Take(keep)
	sel.conditions = conds
}

func (st *run) key(i int) string {
	if st.keyCol == "" {
		return fmt.Sprint(i)
	}
	return dataframe.Format(st.sel.frame.Row(i)[st.keyCol], nil)
}

// each calls fn for every selected row, recording the outcome.
func (r *Runner) each(st *run, fn func(i int, key string) error) {
	for i := 0; i < st.sel.frame.NRows(); i++ {
		key := st.key(i)
		if err := fn(i, key); err != nil {
			st.result.Failures = append(st.result.Failures, RowFailure{Key: key, Error: err.Error()})
			metrics.ActionRows.WithLabelValues(string(st.op), "failed").Inc()
			zap.L().Info("[Runner] row failed", zap.Int64("action_id", st.action.ID), zap.String("key", key), zap.Error(err))
			continue
		}
		st.result.Processed = append(st.result.Processed, key)
		outcome := "ok"
		if st.dry {
			outcome = "dry_run"
		}
		metrics.ActionRows.WithLabelValues(string(st.op), outcome).Inc()
	}
}

func (r *Runner) subject(st *run, i int) (string, error) {
	tpl, err := r.renderer.cache.Parse(st.req.Subject)
	if err != nil {
		return "", err
	}
	return r.renderer.renderRow(st.sel, tpl, i, template.Raw)
}

func (r *Runner) sendEmails(ctx context.Context, st *run) error {
	r.each(st, func(i int, to string) error {
		body, err := r.renderer.renderRow(st.sel, st.sel.template, i, template.HTML)
		if err != nil {
			return err
		}
		subject, err := r.subject(st, i)
		if err != nil {
			return err
		}
		if st.trackCol != "" {
			pixel, err := r.tracking.Pixel(tracking.Payload{
				Action: st.action.ID, Sender: st.sender, To: to, ColumnTo: st.keyCol, ColumnDst: st.trackCol,
			})
			if err != nil {
				return err
			}
			body += pixel
		}
		e := delivery.Email{From: st.sender, To: to, Cc: st.cc, Bcc: st.bcc, Subject: subject, HTML: body}
		if st.dry {
			if _, err := delivery.BuildMessage(e, ""); err != nil {
				return err
			}
			st.result.Payloads = append(st.result.Payloads, body)
			return nil
		}
		return r.mailer.Send(ctx, e)
	})
	return r.confirm(ctx, st)
}

func (r *Runner) postJSON(ctx context.Context, st *run) error {
	r.each(st, func(i int, _ string) error {
		body, err := r.renderer.renderRow(st.sel, st.sel.template, i, template.JSONString)
		if err != nil {
			return err
		}
		if !jsoniter.Valid([]byte(body)) {
			return errutil.RunRowFailure("the rendered text is not valid JSON", nil)
		}
		if st.dry {
			st.result.Payloads = append(st.result.Payloads, body)
			return nil
		}
		return r.poster.PostJSON(ctx, st.req.TargetURL, st.req.Token, []byte(body))
	})
	return nil
}

func (r *Runner) sendCanvas(ctx context.Context, st *run) error {
	var fatal error
	r.each(st, func(i int, recipient string) error {
		if fatal != nil {
			return fatal
		}
		body, err := r.renderer.renderRow(st.sel, st.sel.template, i, template.Raw)
		if err != nil {
			return err
		}
		subject, err := r.subject(st, i)
		if err != nil {
			return err
		}
		if st.dry {
			st.result.Payloads = append(st.result.Payloads, body)
			return nil
		}
		err = r.canvas.SendConversation(ctx, st.req.UserID, st.req.CanvasInstance, recipient, subject, body)
		if errutil.Is(err, errutil.StatusAuthExpired) {
			fatal = err
		}
		return err
	})
	if fatal != nil {
		return fatal
	}
	return nil
}

func (r *Runner) zipName(st *run, i int, item string) string {
	suffix := st.req.FileSuffix
	if suffix == "" {
		suffix = defaultFileSuffix
	}
	if st.req.UserFnameColumn == "" {
		return item + "_" + suffix
	}
	fname := dataframe.Format(st.sel.frame.Row(i)[st.req.UserFnameColumn], nil)
	if st.req.ZipForMoodle {
		item = strings.TrimPrefix(item, "Participant ")
	}
	return fmt.Sprintf("%s_%s_assignsubmission_file_/%s", fname, item, suffix)
}

func (r *Runner) buildZip(_ context.Context, st *run) error {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	seen := map[string]bool{}
	r.each(st, func(i int, item string) error {
		if item == "" {
			return errutil.RunRowFailure("empty file name", nil)
		}
		name := r.zipName(st, i, item)
		if seen[name] {
			return errutil.RunRowFailure(fmt.Sprintf("duplicate file name %q", name), nil)
		}
		seen[name] = true
		body, err := r.renderer.renderRow(st.sel, st.sel.template, i, template.HTML)
		if err != nil {
			return err
		}
		w, err := zw.Create(name)
		if err != nil {
			return err
		}
		_, err = w.Write([]byte(body))
		return err
	})
	if err := zw.Close(); err != nil {
		return errutil.RunFatal("failed to write the archive", err)
	}
	st.result.Archive = buf.Bytes()
	st.result.ArchiveName = slug.Make(st.action.Name) + ".zip"
	return nil
}

// processAll marks every selected row as processed by a report.
func (r *Runner) processAll(st *run, err error) {
	r.each(st, func(int, string) error { return err })
}

func (r *Runner) sendReport(ctx context.Context, st *run) error {
	body, err := r.renderer.report(st.sel, st.sel.template)
	if err != nil {
		return errutil.RunFatal("the report cannot be rendered", err)
	}
	subjectTpl, err := r.renderer.cache.Parse(st.req.Subject)
	if err != nil {
		return errutil.RunFatal("invalid subject", err)
	}
	subject, err := r.renderer.report(&selection{workflow: st.wf, action: st.action, frame: st.sel.frame, conditions: st.sel.conditions}, subjectTpl)
	if err != nil {
		return err
	}
	attachments, err := r.viewAttachments(ctx, st)
	if err != nil {
		return err
	}
	var sendErr error
	for _, to := range strings.Fields(st.req.EmailTo) {
		e := delivery.Email{From: st.sender, To: to, Cc: st.cc, Bcc: st.bcc, Subject: subject, HTML: body, Attachments: attachments}
		if st.dry {
			continue
		}
		if err := r.mailer.Send(ctx, e); err != nil {
			st.result.Failures = append(st.result.Failures, RowFailure{Key: to, Error: err.Error()})
			sendErr = err
		}
	}
	if st.dry {
		st.result.Payloads = append(st.result.Payloads, body)
	}
	r.processAll(st, sendErr)
	return r.confirm(ctx, st)
}

func (r *Runner) postReport(ctx context.Context, st *run) error {
	body, err := r.renderer.report(st.sel, st.sel.template)
	if err != nil {
		return errutil.RunFatal("the report cannot be rendered", err)
	}
	if !jsoniter.Valid([]byte(body)) {
		return errutil.RunFatal("the rendered report is not valid JSON", nil)
	}
	var postErr error
	if st.dry {
		st.result.Payloads = append(st.result.Payloads, body)
	} else {
		postErr = r.poster.PostJSON(ctx, st.req.TargetURL, st.req.Token, []byte(body))
	}
	r.processAll(st, postErr)
	return nil
}

func (r *Runner) viewAttachments(ctx context.Context, st *run) ([]delivery.Attachment, error) {
	var out []delivery.Attachment
	for _, id := range st.req.Attachments {
		v, err := r.wf.View(ctx, st.wf.ID, id)
		if err != nil {
			return nil, errutil.RunFatal("attachment view not found", err)
		}
		f, err := r.wf.ViewData(ctx, st.wf, v)
		if err != nil {
			return nil, err
		}
		data, err := CSV(f, r.wf.Location())
		if err != nil {
			return nil, err
		}
		out = append(out, delivery.Attachment{Name: slug.Make(v.Name) + ".csv", ContentType: "text/csv", Data: data})
	}
	return out, nil
}

// CSV writes f with a header row.
func CSV(f *dataframe.Frame, loc *time.Location) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(f.Names()); err != nil {
		return nil, err
	}
	for _, row := range f.Rows() {
		rec := make([]string, 0, f.NCols())
		for _, name := range f.Names() {
			rec = append(rec, dataframe.Format(row[name], loc))
		}
		if err := w.Write(rec); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

// confirm emails the instructor a summary of the run.
func (r *Runner) confirm(ctx context.Context, st *run) error {
	if !st.req.SendConfirmation || st.dry || st.sender == "" {
		return nil
	}
	body := fmt.Sprintf("<p>The action <b>%s</b> of workflow <b>%s</b> was executed.</p>"+
		"<p>Messages sent: %d. Failures: %d.</p>",
		template.HTML(st.action.Name), template.HTML(st.wf.Name), len(st.result.Processed), len(st.result.Failures))
	e := delivery.Email{From: st.sender, To: st.sender, Subject: "OnTask: action executed", HTML: body}
	if st.req.ExportWorkflow && r.exporter != nil {
		data, name, err := r.exporter.Export(ctx, st.wf, []int64{st.action.ID})
		if err != nil {
			zap.L().Warn("[Runner] export for confirmation failed", zap.Error(err))
		} else {
			e.Attachments = append(e.Attachments, delivery.Attachment{Name: name, ContentType: "application/gzip", Data: data})
		}
	}
	if err := r.mailer.Send(ctx, e); err != nil {
		zap.L().Warn("[Runner] confirmation email failed", zap.Int64("action_id", st.action.ID), zap.Error(err))
	}
	return nil
}

func (r *Runner) status(ctx context.Context, st *run, status string, extra map[string]any) {
	payload := map[string]any{"status": status}
	for k, v := range extra {
		payload[k] = v
	}
	if err := r.wf.Logs().Update(ctx, st.result.LogID, payload); err != nil {
		zap.L().Warn("[Runner] failed to update log", zap.Int64("log_id", st.result.LogID), zap.Error(err))
	}
}

func (r *Runner) finish(ctx context.Context, st *run, err error) {
	extra := map[string]any{
		"objects_sent": len(st.result.Processed),
		"failures":     st.result.Failures,
		"dry_run":      st.dry,
	}
	if st.trackCol != "" {
		extra["track_column"] = st.trackCol
	}
	if st.dry {
		if st.result.Payloads == nil {
			extra["payloads"] = []string{}
		} else {
			extra["payloads"] = st.result.Payloads
		}
	}
	status := StatusFinished
	zapLog := zap.L().With(otelcol.Fields(ctx)...)
	if err != nil {
		status = "Error: " + err.Error()
		zapLog.Warn("[Runner] run failed", zap.Int64("action_id", st.action.ID), zap.Error(err))
	} else {
		zapLog.Info("[Runner] run finished", zap.Int64("action_id", st.action.ID),
			zap.Int("processed", len(st.result.Processed)), zap.Int("failures", len(st.result.Failures)))
	}
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.Int("rows.processed", len(st.result.Processed)),
		attribute.Int("rows.failed", len(st.result.Failures)),
	)
	r.status(ctx, st, status, extra)

	id := st.result.LogID
	if err := r.wf.DB().WithContext(ctx).Model(&model.Action{}).Where("id = ?", st.action.ID).
		Update("last_executed_log_id", id).Error; err != nil {
		zap.L().Warn("[Runner] failed to store last log", zap.Error(err))
	}
}
