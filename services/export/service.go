// Package export serializes workflows into portable gzipped bundles and
// imports them back.
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/gosimple/slug"
	jsoniter "github.com/json-iterator/go"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"ontask/pkg/dataframe"
	"ontask/pkg/errutil"
	"ontask/pkg/formula"
	"ontask/services/logs"
	"ontask/services/model"
	"ontask/services/workflow"
)

// Version is the bundle schema version written by Export.
const Version = 1

var codec = jsoniter.Config{UseNumber: true, SortMapKeys: true, EscapeHTML: false}.Froze()

// Bundle is the exported form of a workflow. References between records
// use names so that an import can assign fresh ids.
type Bundle struct {
	Version  int              `json:"version"`
	Workflow WorkflowRecord   `json:"workflow"`
	Columns  []ColumnRecord   `json:"columns"`
	Views    []ViewRecord     `json:"views"`
	Actions  []ActionRecord   `json:"actions"`
	Data     []map[string]any `json:"data"`
}

type WorkflowRecord struct {
	Name             string            `json:"name"`
	Description      string            `json:"description"`
	Attributes       map[string]string `json:"attributes"`
	LuserEmailColumn string            `json:"luser_email_column,omitempty"`
}

type ColumnRecord struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	DataType    string     `json:"data_type"`
	IsKey       bool       `json:"is_key"`
	Position    int        `json:"position"`
	Categories  []any      `json:"categories,omitempty"`
	ActiveFrom  *time.Time `json:"active_from,omitempty"`
	ActiveTo    *time.Time `json:"active_to,omitempty"`
}

type FilterRecord struct {
	Description string        `json:"description"`
	Formula     *formula.Node `json:"formula"`
}

type ViewRecord struct {
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Columns     []string      `json:"columns"`
	Filter      *FilterRecord `json:"filter,omitempty"`
}

type ConditionRecord struct {
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Formula     *formula.Node `json:"formula"`
}

type BindingRecord struct {
	Column    string `json:"column"`
	Condition string `json:"condition,omitempty"`
}

type RubricRecord struct {
	Column      string `json:"column"`
	Level       int    `json:"level"`
	Description string `json:"description"`
	Feedback    string `json:"feedback"`
}

type ActionRecord struct {
	Name         string            `json:"name"`
	Description  string            `json:"description"`
	Type         model.ActionType  `json:"action_type"`
	TextContent  string            `json:"text_content"`
	TargetURL    string            `json:"target_url,omitempty"`
	ServeEnabled bool              `json:"serve_enabled"`
	Shuffle      bool              `json:"shuffle"`
	ActiveFrom   *time.Time        `json:"active_from,omitempty"`
	ActiveTo     *time.Time        `json:"active_to,omitempty"`
	Filter       *FilterRecord     `json:"filter,omitempty"`
	Conditions   []ConditionRecord `json:"conditions"`
	Bindings     []BindingRecord   `json:"bindings,omitempty"`
	Rubric       []RubricRecord    `json:"rubric,omitempty"`
}

type Service struct {
	wf *workflow.Service
}

type ServiceParams struct {
	fx.In
	Workflow *workflow.Service
}

func NewService(p ServiceParams) *Service {
	return &Service{wf: p.Workflow}
}

// FileName is the download name of the bundle of wf.
func FileName(wf *model.Workflow) string {
	return slug.Make(wf.Name) + "_ontask_export.gz"
}

func decodeFormula(raw []byte) (*formula.Node, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var n formula.Node
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

func (s *Service) filterRecord(ctx context.Context, id *int64) (*FilterRecord, error) {
	f, err := s.wf.Filter(ctx, id)
	if err != nil || f == nil {
		return nil, err
	}
	n, err := decodeFormula(f.Formula)
	if err != nil || n == nil {
		return nil, err
	}
	return &FilterRecord{Description: f.Description, Formula: n}, nil
}

// Build collects the bundle of wf. A nil actionIDs exports every action.
func (s *Service) Build(ctx context.Context, wf *model.Workflow, actionIDs []int64) (*Bundle, error) {
	b := &Bundle{
		Version: Version,
		Workflow: WorkflowRecord{
			Name:        wf.Name,
			Description: wf.Description,
			Attributes:  wf.Attrs(),
		},
		Columns: []ColumnRecord{},
		Views:   []ViewRecord{},
		Actions: []ActionRecord{},
		Data:    []map[string]any{},
	}

	f, cols, err := s.wf.Data(ctx, wf, formula.SQL{})
	if err != nil {
		return nil, err
	}
	names := make(map[int64]string, len(cols))
	for _, c := range cols {
		names[c.ID] = c.Name
		b.Columns = append(b.Columns, ColumnRecord{
			Name:        c.Name,
			Description: c.Description,
			DataType:    c.DataType,
			IsKey:       c.IsKey,
			Position:    c.Position,
			Categories:  portable(workflow.Categories(&c)),
			ActiveFrom:  c.ActiveFrom,
			ActiveTo:    c.ActiveTo,
		})
		if wf.LuserEmailColumnID != nil && *wf.LuserEmailColumnID == c.ID {
			b.Workflow.LuserEmailColumn = c.Name
		}
	}
	for _, row := range f.Rows() {
		out := make(map[string]any, len(row))
		for k, v := range row {
			out[k] = portableValue(v)
		}
		b.Data = append(b.Data, out)
	}

	views, err := s.wf.Views(ctx, wf.ID)
	if err != nil {
		return nil, err
	}
	for _, v := range views {
		rec := ViewRecord{Name: v.Name, Description: v.Description, Columns: []string{}}
		for _, id := range v.Columns() {
			if n, ok := names[id]; ok {
				rec.Columns = append(rec.Columns, n)
			}
		}
		if rec.Filter, err = s.filterRecord(ctx, v.FilterID); err != nil {
			return nil, err
		}
		b.Views = append(b.Views, rec)
	}

	actions, err := s.wf.Actions(ctx, wf.ID)
	if err != nil {
		return nil, err
	}
	wanted := map[int64]bool{}
	for _, id := range actionIDs {
		wanted[id] = true
	}
	for _, a := range actions {
		if actionIDs != nil && !wanted[a.ID] {
			continue
		}
		rec, err := s.actionRecord(ctx, &a, names)
		if err != nil {
			return nil, err
		}
		b.Actions = append(b.Actions, *rec)
	}
	return b, nil
}

func (s *Service) actionRecord(ctx context.Context, a *model.Action, names map[int64]string) (*ActionRecord, error) {
	rec := &ActionRecord{
		Name:         a.Name,
		Description:  a.Description,
		Type:         a.ActionType,
		TextContent:  a.TextContent,
		TargetURL:    a.TargetURL,
		ServeEnabled: a.ServeEnabled,
		Shuffle:      a.Shuffle,
		ActiveFrom:   a.ActiveFrom,
		ActiveTo:     a.ActiveTo,
		Conditions:   []ConditionRecord{},
	}
	var err error
	if rec.Filter, err = s.filterRecord(ctx, a.FilterID); err != nil {
		return nil, err
	}
	conds, err := s.wf.Conditions(ctx, a.ID)
	if err != nil {
		return nil, err
	}
	condNames := make(map[int64]string, len(conds))
	for _, c := range conds {
		condNames[c.ID] = c.Name
		n, err := decodeFormula(c.Formula)
		if err != nil {
			return nil, err
		}
		rec.Conditions = append(rec.Conditions, ConditionRecord{Name: c.Name, Description: c.Description, Formula: n})
	}
	bindings, err := s.wf.Bindings(ctx, a.ID)
	if err != nil {
		return nil, err
	}
	for _, p := range bindings {
		br := BindingRecord{Column: names[p.ColumnID]}
		if p.ConditionID != nil {
			br.Condition = condNames[*p.ConditionID]
		}
		rec.Bindings = append(rec.Bindings, br)
	}
	cells, err := s.wf.RubricCells(ctx, a.ID)
	if err != nil {
		return nil, err
	}
	for _, c := range cells {
		rec.Rubric = append(rec.Rubric, RubricRecord{
			Column: names[c.ColumnID], Level: c.LoaPosition, Description: c.Description, Feedback: c.FeedbackText,
		})
	}
	return rec, nil
}

func portableValue(v any) any {
	if t, ok := v.(time.Time); ok {
		return t.UTC().Format(time.RFC3339Nano)
	}
	return v
}

func portable(values []any) []any {
	if len(values) == 0 {
		return nil
	}
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = portableValue(v)
	}
	return out
}

// Export returns the gzipped bundle of wf and its file name.
func (s *Service) Export(ctx context.Context, wf *model.Workflow, actionIDs []int64) ([]byte, string, error) {
	b, err := s.Build(ctx, wf, actionIDs)
	if err != nil {
		return nil, "", err
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if err := codec.NewEncoder(zw).Encode(b); err != nil {
		return nil, "", errutil.Internal("failed to encode the workflow", err)
	}
	if err := zw.Close(); err != nil {
		return nil, "", errutil.Internal("failed to compress the workflow", err)
	}
	zap.L().Info("[Export] workflow exported", zap.Int64("workflow_id", wf.ID), zap.Int("bytes", buf.Len()))
	return buf.Bytes(), FileName(wf), nil
}

// Decode reads a gzipped bundle.
func Decode(r io.Reader) (*Bundle, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, errutil.DataInvalid("the file is not a gzipped workflow", err)
	}
	defer zr.Close()
	var b Bundle
	if err := codec.NewDecoder(zr).Decode(&b); err != nil {
		return nil, errutil.DataInvalid("the file is not a workflow export", err)
	}
	if b.Version != Version {
		return nil, errutil.DataInvalid(fmt.Sprintf("unsupported export version %d", b.Version), nil)
	}
	return &b, nil
}

// Import creates a workflow for userID from a gzipped bundle. An empty name
// keeps the exported one.
func (s *Service) Import(ctx context.Context, userID int64, name string, r io.Reader) (*model.Workflow, error) {
	b, err := Decode(r)
	if err != nil {
		return nil, err
	}
	if name == "" {
		name = b.Workflow.Name
	}
	wf, err := s.wf.Create(ctx, workflow.CreateRequest{
		UserID:      userID,
		Name:        name,
		Description: b.Workflow.Description,
		Attributes:  b.Workflow.Attributes,
	})
	if err != nil {
		return nil, err
	}
	if err := s.restore(ctx, userID, wf, b); err != nil {
		if derr := s.wf.Delete(ctx, userID, wf.ID); derr != nil {
			zap.L().Warn("[Export] failed to remove partial import", zap.Int64("workflow_id", wf.ID), zap.Error(derr))
		}
		return nil, err
	}
	wfID := wf.ID
	if _, err := s.wf.Logs().Append(ctx, logs.Entry{
		Name: logs.WorkflowImport, UserID: userID, WorkflowID: &wfID,
		Payload: map[string]any{"name": wf.Name, "actions": len(b.Actions), "rows": len(b.Data)},
	}); err != nil {
		zap.L().Warn("[Export] failed to write log", zap.Error(err))
	}
	return s.wf.Get(ctx, wf.ID)
}

func (s *Service) restore(ctx context.Context, userID int64, wf *model.Workflow, b *Bundle) error {
	if len(b.Columns) > 0 {
		if err := s.restoreData(ctx, wf, b); err != nil {
			return err
		}
	}
	if b.Workflow.LuserEmailColumn != "" {
		col := b.Workflow.LuserEmailColumn
		if _, err := s.wf.Update(ctx, userID, wf.ID, workflow.UpdateRequest{LuserEmailColumn: &col}); err != nil {
			return err
		}
	}
	var err error
	if wf, err = s.wf.Get(ctx, wf.ID); err != nil {
		return err
	}

	for _, v := range b.Views {
		spec := workflow.ViewSpec{Name: v.Name, Description: v.Description, Columns: v.Columns}
		if v.Filter != nil {
			spec.Filter = v.Filter.Formula
		}
		if _, err := s.wf.CreateView(ctx, userID, wf, spec); err != nil {
			return err
		}
	}
	for _, rec := range b.Actions {
		if err := s.restoreAction(ctx, userID, wf, rec); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) restoreData(ctx context.Context, wf *model.Workflow, b *Bundle) error {
	cols := append([]ColumnRecord(nil), b.Columns...)
	sort.SliceStable(cols, func(i, j int) bool { return cols[i].Position < cols[j].Position })

	series := make([]*dataframe.Series, 0, len(cols))
	keys := map[string]bool{}
	for _, c := range cols {
		t, err := dataframe.ParseType(c.DataType)
		if err != nil {
			return errutil.DataInvalid(fmt.Sprintf("column %q has an unknown type", c.Name), err)
		}
		values := make([]any, len(b.Data))
		for i, row := range b.Data {
			if values[i], err = dataframe.Coerce(row[c.Name], t, time.UTC); err != nil {
				return errutil.DataInvalid(fmt.Sprintf("invalid value in column %q", c.Name), err)
			}
		}
		series = append(series, dataframe.NewSeries(c.Name, t, values...))
		if c.IsKey {
			keys[c.Name] = true
		}
	}
	f, err := dataframe.New(series...)
	if err != nil {
		return errutil.DataInvalid("invalid workflow data", err)
	}
	if err := s.wf.SaveFrame(ctx, wf, f, keys); err != nil {
		return err
	}

	stored, err := s.wf.Columns(ctx, wf.ID)
	if err != nil {
		return err
	}
	byName := make(map[string]ColumnRecord, len(cols))
	for _, c := range cols {
		byName[c.Name] = c
	}
	db := s.wf.DB().WithContext(ctx)
	for i := range stored {
		rec := byName[stored[i].Name]
		stored[i].Description = rec.Description
		stored[i].ActiveFrom = rec.ActiveFrom
		stored[i].ActiveTo = rec.ActiveTo
		stored[i].Categories = nil
		if len(rec.Categories) > 0 {
			cats := make([]any, 0, len(rec.Categories))
			for _, v := range rec.Categories {
				cv, err := dataframe.Coerce(v, dataframe.Type(stored[i].DataType), time.UTC)
				if err != nil {
					return errutil.DataInvalid(fmt.Sprintf("invalid category in column %q", rec.Name), err)
				}
				cats = append(cats, cv)
			}
			stored[i].Categories = model.MustJSON(cats)
		}
		if err := db.Save(&stored[i]).Error; err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) restoreAction(ctx context.Context, userID int64, wf *model.Workflow, rec ActionRecord) error {
	// The body may reference conditions that do not exist yet.
	a, err := s.wf.CreateAction(ctx, userID, wf, workflow.ActionSpec{
		Name:         rec.Name,
		Description:  rec.Description,
		Type:         rec.Type,
		TargetURL:    rec.TargetURL,
		ServeEnabled: rec.ServeEnabled,
		Shuffle:      rec.Shuffle,
		ActiveFrom:   rec.ActiveFrom,
		ActiveTo:     rec.ActiveTo,
	})
	if err != nil {
		return err
	}
	for _, c := range rec.Conditions {
		if _, err := s.wf.AddCondition(ctx, userID, wf, a.ID, workflow.ConditionSpec{
			Name: c.Name, Description: c.Description, Formula: c.Formula,
		}); err != nil {
			return err
		}
	}
	if rec.Filter != nil {
		if err := s.wf.SetActionFilter(ctx, userID, wf, a.ID, rec.Filter.Description, rec.Filter.Formula); err != nil {
			return err
		}
	}
	if _, err := s.wf.UpdateAction(ctx, userID, wf, a.ID, workflow.ActionSpec{
		Name:         rec.Name,
		Description:  rec.Description,
		TextContent:  rec.TextContent,
		TargetURL:    rec.TargetURL,
		ServeEnabled: rec.ServeEnabled,
		Shuffle:      rec.Shuffle,
		ActiveFrom:   rec.ActiveFrom,
		ActiveTo:     rec.ActiveTo,
	}); err != nil {
		return err
	}
	if len(rec.Bindings) > 0 {
		bindings := make([]workflow.Binding, len(rec.Bindings))
		for i, br := range rec.Bindings {
			bindings[i] = workflow.Binding{Column: br.Column, Condition: br.Condition}
		}
		if err := s.wf.SetBindings(ctx, userID, wf, a.ID, bindings); err != nil {
			return err
		}
	}
	if len(rec.Rubric) > 0 {
		cells := make([]workflow.RubricCellSpec, len(rec.Rubric))
		for i, c := range rec.Rubric {
			cells[i] = workflow.RubricCellSpec{Column: c.Column, Level: c.Level, Description: c.Description, Feedback: c.Feedback}
		}
		if err := s.wf.SetRubricCells(ctx, userID, wf, a.ID, cells); err != nil {
			return err
		}
	}
	return nil
}
