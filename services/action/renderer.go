// Package action renders action templates against workflow rows and
// delivers the results.
package action

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"ontask/pkg/dataframe"
	"ontask/pkg/errutil"
	"ontask/pkg/template"
	"ontask/services/model"
	"ontask/services/workflow"
)

// RubricFeedback is the variable receiving the rubric feedback of a row.
const RubricFeedback = "rubric_feedback"

type RenderedRow struct {
	Index      int
	Row        map[string]any
	Conditions map[string]bool
	Text       string
}

// Renderer evaluates an action filter and conditions and expands its
// template per row.
type Renderer struct {
	wf    *workflow.Service
	cache *template.Cache
}

func NewRenderer(wf *workflow.Service, cache *template.Cache) *Renderer {
	return &Renderer{wf: wf, cache: cache}
}

// selection is the data an action sees: the filtered rows with their
// condition values.
type selection struct {
	workflow   *model.Workflow
	action     *model.Action
	columns    []model.Column
	frame      *dataframe.Frame
	conditions []map[string]bool
	template   *template.Template
	rubric     map[int64]map[int]string
	criteria   []model.Column
}

func (r *Renderer) load(ctx context.Context, actionID int64) (*model.Workflow, *model.Action, error) {
	var a model.Action
	if err := r.wf.DB().WithContext(ctx).First(&a, "id = ?", actionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, errutil.NotFound("action not found", nil)
		}
		return nil, nil, err
	}
	wf, err := r.wf.Get(ctx, a.WorkflowID)
	if err != nil {
		return nil, nil, err
	}
	return wf, &a, nil
}

// CheckTemplate verifies that the action body parses and references only
// existing conditions and columns or attributes.
func (r *Renderer) CheckTemplate(ctx context.Context, a *model.Action) error {
	tpl, err := r.wf.CheckBody(ctx, a, a.TextContent)
	if err != nil {
		return err
	}
	wf, err := r.wf.Get(ctx, a.WorkflowID)
	if err != nil {
		return err
	}
	cols, err := r.wf.Columns(ctx, wf.ID)
	if err != nil {
		return err
	}
	known := wf.Attrs()
	names := make(map[string]bool, len(cols))
	for _, c := range cols {
		names[c.Name] = true
	}
	for _, v := range tpl.Variables() {
		if names[v] || (v == RubricFeedback && a.ActionType == model.RubricText) {
			continue
		}
		if _, ok := known[v]; !ok {
			return errutil.New(errutil.StatusTemplateParse, fmt.Sprintf("unknown variable %q", v))
		}
	}
	return nil
}

func (r *Renderer) selection(ctx context.Context, wf *model.Workflow, a *model.Action) (*selection, error) {
	tpl, err := r.cache.Parse(a.TextContent)
	if err != nil {
		return nil, err
	}
	conds, err := r.wf.Conditions(ctx, a.ID)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(conds))
	for i, c := range conds {
		names[i] = c.Name
	}
	if err := tpl.Check(names); err != nil {
		return nil, err
	}

	cols, err := r.wf.Columns(ctx, wf.ID)
	if err != nil {
		return nil, err
	}
	where, err := r.wf.FilterWhere(ctx, a, cols)
	if err != nil {
		return nil, err
	}
	f, _, err := r.wf.Data(ctx, wf, where)
	if err != nil {
		return nil, err
	}
	values, err := r.wf.ConditionValues(conds, cols, f)
	if err != nil {
		return nil, err
	}
	sel := &selection{workflow: wf, action: a, columns: cols, frame: f, conditions: values, template: tpl}
	if a.ActionType == model.RubricText {
		if err := r.loadRubric(ctx, sel); err != nil {
			return nil, err
		}
	}
	return sel, nil
}

func (r *Renderer) loadRubric(ctx context.Context, sel *selection) error {
	bindings, err := r.wf.Bindings(ctx, sel.action.ID)
	if err != nil {
		return err
	}
	cells, err := r.wf.RubricCells(ctx, sel.action.ID)
	if err != nil {
		return err
	}
	byID := make(map[int64]model.Column, len(sel.columns))
	for _, c := range sel.columns {
		byID[c.ID] = c
	}
	for _, b := range bindings {
		if c, ok := byID[b.ColumnID]; ok {
			sel.criteria = append(sel.criteria, c)
		}
	}
	sel.rubric = map[int64]map[int]string{}
	for _, cell := range cells {
		if sel.rubric[cell.ColumnID] == nil {
			sel.rubric[cell.ColumnID] = map[int]string{}
		}
		sel.rubric[cell.ColumnID][cell.LoaPosition] = cell.FeedbackText
	}
	return nil
}

// feedback joins the rubric text matching the row level of every criterion.
func (sel *selection) feedback(row map[string]any) string {
	var parts []string
	for _, c := range sel.criteria {
		v := row[c.Name]
		if v == nil {
			continue
		}
		for level, cat := range workflow.Categories(&c) {
			if dataframe.KeyOf(cat) != dataframe.KeyOf(v) {
				continue
			}
			if text := sel.rubric[c.ID][level]; text != "" {
				parts = append(parts, c.Name+": "+text)
			}
		}
	}
	return strings.Join(parts, "\n")
}

func escaperFor(t model.ActionType) template.Escaper {
	if t.IsJSON() {
		return template.JSONString
	}
	return template.HTML
}

func (r *Renderer) rows(sel *selection) ([]RenderedRow, error) {
	out := make([]RenderedRow, 0, sel.frame.NRows())
	for i := 0; i < sel.frame.NRows(); i++ {
		text, err := r.renderRow(sel, sel.template, i, escaperFor(sel.action.ActionType))
		if err != nil {
			return nil, err
		}
		out = append(out, RenderedRow{Index: i, Row: sel.frame.Row(i), Conditions: sel.conditions[i], Text: text})
	}
	return out, nil
}

func (r *Renderer) renderRow(sel *selection, tpl *template.Template, i int, esc template.Escaper) (string, error) {
	row := sel.frame.Row(i)
	if sel.rubric != nil {
		row[RubricFeedback] = sel.feedback(row)
	}
	return tpl.Render(template.Context{
		Values:     row,
		Attributes: sel.workflow.Attrs(),
		Conditions: sel.conditions[i],
		Location:   r.wf.Location(),
		Escape:     esc,
	})
}

// RenderRows renders the action once per row selected by its filter, in
// table order.
func (r *Renderer) RenderRows(ctx context.Context, a *model.Action) ([]RenderedRow, error) {
	wf, err := r.wf.Get(ctx, a.WorkflowID)
	if err != nil {
		return nil, err
	}
	sel, err := r.selection(ctx, wf, a)
	if err != nil {
		return nil, err
	}
	if a.ActionType.IsReport() {
		text, err := r.report(sel, sel.template)
		if err != nil {
			return nil, err
		}
		return []RenderedRow{{Text: text}}, nil
	}
	return r.rows(sel)
}

// Preview renders the index-th selected row.
func (r *Renderer) Preview(ctx context.Context, a *model.Action, index int) (*RenderedRow, error) {
	wf, err := r.wf.Get(ctx, a.WorkflowID)
	if err != nil {
		return nil, err
	}
	sel, err := r.selection(ctx, wf, a)
	if err != nil {
		return nil, err
	}
	if a.ActionType.IsReport() {
		text, err := r.report(sel, sel.template)
		if err != nil {
			return nil, err
		}
		return &RenderedRow{Text: text}, nil
	}
	if index < 0 || index >= sel.frame.NRows() {
		return nil, errutil.NotFound(fmt.Sprintf("row %d not found, the action selects %d rows", index, sel.frame.NRows()), nil)
	}
	text, err := r.renderRow(sel, sel.template, index, escaperFor(a.ActionType))
	if err != nil {
		return nil, err
	}
	return &RenderedRow{Index: index, Row: sel.frame.Row(index), Conditions: sel.conditions[index], Text: text}, nil
}

// report renders the whole selection at once. Every column variable holds
// the list of its selected values and a condition holds when any selected
// row satisfies it.
func (r *Renderer) report(sel *selection, tpl *template.Template) (string, error) {
	values := make(map[string]any, sel.frame.NCols())
	for _, c := range sel.frame.Columns() {
		values[c.Name] = append([]any(nil), c.Values...)
	}
	conds := map[string]bool{}
	for _, c := range tpl.Conditions() {
		conds[c] = false
	}
	for _, row := range sel.conditions {
		for name, v := range row {
			conds[name] = conds[name] || v
		}
	}
	return tpl.Render(template.Context{
		Values:     values,
		Attributes: sel.workflow.Attrs(),
		Conditions: conds,
		Location:   r.wf.Location(),
		Escape:     escaperFor(sel.action.ActionType),
	})
}
