// Package dataops loads new data into workflows: first uploads and merges
// with the existing table.
package dataops

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"ontask/pkg/config"
	"ontask/pkg/dataframe"
	"ontask/pkg/errutil"
	"ontask/pkg/formula"
	"ontask/pkg/metrics"
	"ontask/pkg/otelcol"
	"ontask/pkg/storage"
	"ontask/pkg/task"
	"ontask/services/logs"
	"ontask/services/model"
	"ontask/services/workflow"
)

// MergeInfo describes how an incoming frame is combined with the workflow
// table. The per-column slices are parallel to InitialColumnNames; empty
// slices keep every column under its own name. Key names refer to the
// columns after renaming.
type MergeInfo struct {
	InitialColumnNames []string      `json:"initial_column_names"`
	RenameColumnNames  []string      `json:"rename_column_names"`
	ColumnsToUpload    []bool        `json:"columns_to_upload"`
	KeepKeyColumn      []bool        `json:"keep_key_column"`
	SrcSelectedKey     string        `json:"src_selected_key"`
	DstSelectedKey     string        `json:"dst_selected_key"`
	HowMerge           dataframe.How `json:"how_merge"`
}

type Service struct {
	wf       *workflow.Service
	cfg      *config.Config
	enqueuer task.Enqueuer
	tracer   trace.Tracer
}

type ServiceParams struct {
	fx.In
	Workflow *workflow.Service
	Config   *config.Config `optional:"true"`
	Enqueuer task.Enqueuer  `optional:"true"`
	Tracer   trace.Tracer   `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	cfg := p.Config
	if cfg == nil {
		cfg = &config.Config{}
	}
	return &Service{wf: p.Workflow, cfg: cfg, enqueuer: p.Enqueuer, tracer: otelcol.Tracer(p.Tracer)}
}

func badParams(format string, args ...any) error {
	return errutil.Newf(errutil.StatusMergeBadParams, format, args...)
}

// prepare applies the renames and column selection of info to f. It
// returns the selected frame and, per resulting name, the keep-key flag
// (nil when info does not say).
func (info MergeInfo) prepare(f *dataframe.Frame) (*dataframe.Frame, map[string]bool, error) {
	names := info.InitialColumnNames
	if len(names) == 0 {
		names = f.Names()
	}
	n := len(names)
	if (len(info.RenameColumnNames) != 0 && len(info.RenameColumnNames) != n) ||
		(len(info.ColumnsToUpload) != 0 && len(info.ColumnsToUpload) != n) ||
		(len(info.KeepKeyColumn) != 0 && len(info.KeepKeyColumn) != n) {
		return nil, nil, badParams("the column lists have different lengths")
	}

	out := dataframe.Empty()
	var keep map[string]bool
	if len(info.KeepKeyColumn) > 0 {
		keep = map[string]bool{}
	}
	for i, name := range names {
		series := f.Column(name)
		if series == nil {
			return nil, nil, badParams("column %q is not in the new data", name)
		}
		if len(info.ColumnsToUpload) > 0 && !info.ColumnsToUpload[i] {
			continue
		}
		target := name
		if len(info.RenameColumnNames) > 0 && info.RenameColumnNames[i] != "" {
			target = info.RenameColumnNames[i]
		}
		if err := dataframe.ValidColumnName(target); err != nil {
			return nil, nil, errutil.DataInvalid("invalid column name", err, errutil.WithField("name", target))
		}
		s := series.Clone()
		s.Name = target
		if err := out.Add(s); err != nil {
			return nil, nil, badParams("%v", err)
		}
		if keep != nil {
			keep[target] = info.KeepKeyColumn[i]
		}
	}
	if out.NCols() == 0 {
		return nil, nil, badParams("no column selected")
	}
	return out, keep, nil
}

func (s *Service) record(ctx context.Context, name string, userID int64, wf *model.Workflow, payload map[string]any) {
	id := wf.ID
	if _, err := s.wf.Logs().Append(ctx, logs.Entry{Name: name, UserID: userID, WorkflowID: &id, Payload: payload}); err != nil {
		zap.L().Warn("[Merge] failed to write log", zap.Error(err))
	}
}

// Upload stores f as the first data of an empty workflow. Unique columns
// become keys unless info says otherwise; at least one must remain.
func (s *Service) Upload(ctx context.Context, userID int64, wf *model.Workflow, f *dataframe.Frame, info MergeInfo) (err error) {
	ctx, span := s.tracer.Start(ctx, "dataops.Upload", trace.WithAttributes(
		attribute.Int64("workflow.id", wf.ID),
	))
	defer func() {
		observe(dataframe.Outer, "upload", err)
		otelcol.End(span, err)
	}()

	cols, err := s.wf.Columns(ctx, wf.ID)
	if err != nil {
		return err
	}
	if len(cols) > 0 {
		return errutil.BadRequest("the workflow already has data, merge instead", nil)
	}
	f, keep, err := info.prepare(f)
	if err != nil {
		return err
	}
	if f.NRows() == 0 {
		return errutil.DataInvalid("the data has no rows", nil)
	}
	keys := map[string]bool{}
	for _, name := range dataframe.KeyColumns(f) {
		if keep == nil || keep[name] {
			keys[name] = true
		}
	}
	if err := s.wf.SaveFrame(ctx, wf, f, keys); err != nil {
		return err
	}
	s.record(ctx, logs.WorkflowDataUpload, userID, wf, map[string]any{
		"nrows": f.NRows(), "ncols": f.NCols(), "keys": len(keys),
	})
	zap.L().Info("[Merge] data uploaded", zap.Int64("workflow_id", wf.ID), zap.Int("rows", f.NRows()))
	return nil
}

// Merge combines src with the workflow table under info. Nothing is
// written unless the result keeps every key column unique.
func (s *Service) Merge(ctx context.Context, userID int64, wf *model.Workflow, src *dataframe.Frame, info MergeInfo) (err error) {
	ctx, span := s.tracer.Start(ctx, "dataops.Merge", trace.WithAttributes(
		attribute.Int64("workflow.id", wf.ID),
		attribute.String("merge.how", string(info.HowMerge)),
	))
	defer func() {
		observe(info.HowMerge, "merge", err)
		otelcol.End(span, err)
	}()

	ctx, release, err := s.wf.Access(ctx, wf.ID)
	if err != nil {
		return err
	}
	defer release()

	if !info.HowMerge.Valid() {
		return badParams("invalid merge method %q", info.HowMerge)
	}
	src, keep, err := info.prepare(src)
	if err != nil {
		return err
	}
	dst, cols, err := s.wf.Data(ctx, wf, formula.SQL{})
	if err != nil {
		return err
	}
	if len(cols) == 0 {
		return badParams("the workflow has no data to merge with")
	}
	dstKey := false
	for _, c := range cols {
		if c.Name == info.DstSelectedKey {
			dstKey = c.IsKey
		}
	}
	if !dstKey {
		return badParams("%q is not a key column of the workflow", info.DstSelectedKey)
	}

	out, err := dataframe.Merge(dst, src, dataframe.MergeOptions{
		How:    info.HowMerge,
		DstKey: info.DstSelectedKey,
		SrcKey: info.SrcSelectedKey,
	})
	if err != nil {
		return err
	}

	keys := map[string]bool{info.DstSelectedKey: true}
	known := map[string]bool{}
	for _, c := range cols {
		known[c.Name] = true
		if !c.IsKey {
			continue
		}
		if series := out.Column(c.Name); series != nil && !series.IsUnique() {
			return errutil.Newf(errutil.StatusMergeKeyLost,
				"key column %q would contain repeated or empty values after the merge", c.Name)
		}
		keys[c.Name] = true
	}
	for _, series := range out.Columns() {
		if !known[series.Name] && keep[series.Name] && series.IsUnique() {
			keys[series.Name] = true
		}
	}
	if !out.Column(info.DstSelectedKey).IsUnique() {
		return errutil.Newf(errutil.StatusMergeKeyLost, "key column %q is no longer unique", info.DstSelectedKey)
	}

	if err := s.wf.SaveFrame(ctx, wf, out, keys); err != nil {
		return err
	}
	s.record(ctx, logs.WorkflowDataMerge, userID, wf, map[string]any{
		"how_merge": string(info.HowMerge),
		"dst_key":   info.DstSelectedKey,
		"src_key":   info.SrcSelectedKey,
		"nrows":     out.NRows(),
		"ncols":     out.NCols(),
	})
	span.SetAttributes(attribute.Int("merge.rows", out.NRows()))
	zap.L().With(otelcol.Fields(ctx)...).Info("[Merge] data merged", zap.Int64("workflow_id", wf.ID),
		zap.String("how", string(info.HowMerge)), zap.Int("rows", out.NRows()))
	return nil
}

// UploadFromSource reads src and uploads or merges it depending on whether
// the workflow already has data.
func (s *Service) UploadFromSource(ctx context.Context, userID int64, wf *model.Workflow, src storage.Source, info MergeInfo) error {
	f, err := storage.Read(ctx, src, s.wf.Location())
	if err != nil {
		return err
	}
	if wf.HasTable() {
		return s.Merge(ctx, userID, wf, f, info)
	}
	return s.Upload(ctx, userID, wf, f, info)
}

func observe(how dataframe.How, kind string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = string(errutil.Code(err))
	}
	label := string(how)
	if kind == "upload" {
		label = kind
	}
	metrics.Merges.WithLabelValues(label, outcome).Inc()
	if err != nil {
		zap.L().Info(fmt.Sprintf("[Merge] %s rejected", kind), zap.String("outcome", outcome), zap.Error(err))
	}
}
