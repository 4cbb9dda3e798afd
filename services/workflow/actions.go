package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"ontask/pkg/errutil"
	"ontask/pkg/template"
	"ontask/services/logs"
	"ontask/services/model"
)

type ActionSpec struct {
	Name         string
	Description  string
	Type         model.ActionType
	TextContent  string
	TargetURL    string
	ServeEnabled bool
	Shuffle      bool
	ActiveFrom   *time.Time
	ActiveTo     *time.Time
}

func (s *Service) Actions(ctx context.Context, workflowID int64) ([]model.Action, error) {
	var out []model.Action
	err := s.db.WithContext(ctx).Where("workflow_id = ?", workflowID).Order("name").Find(&out).Error
	return out, err
}

func (s *Service) Action(ctx context.Context, workflowID, id int64) (*model.Action, error) {
	var a model.Action
	if err := s.db.WithContext(ctx).First(&a, "workflow_id = ? AND id = ?", workflowID, id).Error; err != nil {
		return nil, notFound("action", err)
	}
	return &a, nil
}

func (s *Service) checkActionSpec(ctx context.Context, wfID, exceptID int64, spec *ActionSpec) error {
	spec.Name = strings.TrimSpace(spec.Name)
	if spec.Name == "" {
		return errutil.BadRequest("action name is required", nil, errutil.WithField("name", "required"))
	}
	if !spec.Type.Valid() {
		return errutil.BadRequest(fmt.Sprintf("unknown action type %q", spec.Type), nil)
	}
	if spec.ActiveFrom != nil && spec.ActiveTo != nil && spec.ActiveTo.Before(*spec.ActiveFrom) {
		return errutil.BadRequest("active_to is before active_from", nil)
	}
	if spec.ServeEnabled && spec.Type != model.Survey && spec.Type != model.RubricText {
		return errutil.BadRequest("only surveys and rubrics can be served", nil)
	}
	var n int64
	if err := s.db.WithContext(ctx).Model(&model.Action{}).
		Where("workflow_id = ? AND name = ? AND id <> ?", wfID, spec.Name, exceptID).Count(&n).Error; err != nil {
		return err
	}
	if n > 0 {
		return errutil.Conflict(fmt.Sprintf("action %q already exists", spec.Name), nil)
	}
	return nil
}

// CheckBody parses an action body and verifies its condition references.
func (s *Service) CheckBody(ctx context.Context, a *model.Action, body string) (*template.Template, error) {
	tpl, err := template.Parse(body)
	if err != nil {
		return nil, err
	}
	conds, err := s.Conditions(ctx, a.ID)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(conds))
	for i, c := range conds {
		names[i] = c.Name
	}
	return tpl, tpl.Check(names)
}

func (s *Service) CreateAction(ctx context.Context, userID int64, wf *model.Workflow, spec ActionSpec) (*model.Action, error) {
	if err := s.checkActionSpec(ctx, wf.ID, 0, &spec); err != nil {
		return nil, err
	}
	if _, err := template.Parse(spec.TextContent); err != nil {
		return nil, err
	}
	now := s.Now()
	a := &model.Action{
		ID:           s.NewID(),
		WorkflowID:   wf.ID,
		Name:         spec.Name,
		Description:  spec.Description,
		ActionType:   spec.Type,
		TextContent:  spec.TextContent,
		TargetURL:    spec.TargetURL,
		ServeEnabled: spec.ServeEnabled,
		Shuffle:      spec.Shuffle,
		ActiveFrom:   spec.ActiveFrom,
		ActiveTo:     spec.ActiveTo,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.db.WithContext(ctx).Create(a).Error; err != nil {
		return nil, err
	}
	s.log(ctx, logs.WorkflowUpdate, userID, wf, map[string]any{"action": a.Name, "created": true})
	return a, nil
}

// UpdateAction stores the new action settings. The body must reference
// only existing conditions.
func (s *Service) UpdateAction(ctx context.Context, userID int64, wf *model.Workflow, id int64, spec ActionSpec) (*model.Action, error) {
	a, err := s.Action(ctx, wf.ID, id)
	if err != nil {
		return nil, err
	}
	spec.Type = a.ActionType
	if err := s.checkActionSpec(ctx, wf.ID, a.ID, &spec); err != nil {
		return nil, err
	}
	if _, err := s.CheckBody(ctx, a, spec.TextContent); err != nil {
		return nil, err
	}
	a.Name = spec.Name
	a.Description = spec.Description
	a.TextContent = spec.TextContent
	a.TargetURL = spec.TargetURL
	a.ServeEnabled = spec.ServeEnabled
	a.Shuffle = spec.Shuffle
	a.ActiveFrom = spec.ActiveFrom
	a.ActiveTo = spec.ActiveTo
	a.UpdatedAt = s.Now()
	if err := s.db.WithContext(ctx).Save(a).Error; err != nil {
		return nil, err
	}
	s.log(ctx, logs.WorkflowUpdate, userID, wf, map[string]any{"action": a.Name})
	return a, nil
}

// DeleteAction removes an action with its conditions, filter, bindings,
// rubric and scheduled operations.
func (s *Service) DeleteAction(ctx context.Context, userID int64, wf *model.Workflow, id int64) error {
	a, err := s.Action(ctx, wf.ID, id)
	if err != nil {
		return err
	}
	err = s.transaction(ctx, func(tx *Service) error {
		for _, m := range []any{&model.Condition{}, &model.ColumnConditionPair{}, &model.RubricCell{}, &model.ScheduledOperation{}} {
			if err := tx.db.Where("action_id = ?", a.ID).Delete(m).Error; err != nil {
				return err
			}
		}
		if a.FilterID != nil {
			if err := tx.deleteFilter(ctx, *a.FilterID); err != nil {
				return err
			}
		}
		return tx.db.Delete(&model.Action{}, "id = ?", a.ID).Error
	})
	if err != nil {
		return err
	}
	s.log(ctx, logs.WorkflowUpdate, userID, wf, map[string]any{"action": a.Name, "deleted": true})
	return nil
}

// Binding pairs a survey question column with the condition deciding
// whether it is shown. An empty Condition shows it always.
type Binding struct {
	Column    string
	Condition string
}

// Bindings returns the question bindings of an action in position order.
func (s *Service) Bindings(ctx context.Context, actionID int64) ([]model.ColumnConditionPair, error) {
	var out []model.ColumnConditionPair
	err := s.db.WithContext(ctx).Where("action_id = ?", actionID).Order("position").Find(&out).Error
	return out, err
}

// SetBindings replaces the question bindings of an action.
func (s *Service) SetBindings(ctx context.Context, userID int64, wf *model.Workflow, actionID int64, bindings []Binding) error {
	a, err := s.Action(ctx, wf.ID, actionID)
	if err != nil {
		return err
	}
	cols, err := s.Columns(ctx, wf.ID)
	if err != nil {
		return err
	}
	conds, err := s.Conditions(ctx, a.ID)
	if err != nil {
		return err
	}
	colByName := make(map[string]model.Column, len(cols))
	for _, c := range cols {
		colByName[c.Name] = c
	}
	condByName := make(map[string]int64, len(conds))
	for _, c := range conds {
		condByName[c.Name] = c.ID
	}

	pairs := make([]model.ColumnConditionPair, 0, len(bindings))
	seen := map[string]bool{}
	for i, b := range bindings {
		col, ok := colByName[b.Column]
		if !ok {
			return errutil.NotFound(fmt.Sprintf("column %q not found", b.Column), nil)
		}
		if col.IsKey && a.ActionType == model.Survey {
			return errutil.BadRequest(fmt.Sprintf("key column %q cannot be a question", b.Column), nil)
		}
		if seen[b.Column] {
			return errutil.BadRequest(fmt.Sprintf("column %q is bound twice", b.Column), nil)
		}
		seen[b.Column] = true
		p := model.ColumnConditionPair{ID: s.NewID(), ActionID: a.ID, ColumnID: col.ID, Position: i + 1}
		if b.Condition != "" {
			id, ok := condByName[b.Condition]
			if !ok {
				return errutil.NotFound(fmt.Sprintf("condition %q not found", b.Condition), nil)
			}
			p.ConditionID = &id
		}
		pairs = append(pairs, p)
	}

	err = s.transaction(ctx, func(tx *Service) error {
		if err := tx.db.Where("action_id = ?", a.ID).Delete(&model.ColumnConditionPair{}).Error; err != nil {
			return err
		}
		if len(pairs) == 0 {
			return nil
		}
		return tx.db.Create(&pairs).Error
	})
	if err != nil {
		return err
	}
	s.log(ctx, logs.WorkflowUpdate, userID, wf, map[string]any{"action": a.Name, "bindings": len(pairs)})
	return nil
}

type RubricCellSpec struct {
	Column      string
	Level       int
	Description string
	Feedback    string
}

func (s *Service) RubricCells(ctx context.Context, actionID int64) ([]model.RubricCell, error) {
	var out []model.RubricCell
	err := s.db.WithContext(ctx).Where("action_id = ?", actionID).Order("column_id, loa_position").Find(&out).Error
	return out, err
}

// SetRubricCells replaces the feedback matrix of a rubric. Each criterion
// column must restrict its values; a level is an index into them.
func (s *Service) SetRubricCells(ctx context.Context, userID int64, wf *model.Workflow, actionID int64, cells []RubricCellSpec) error {
	a, err := s.Action(ctx, wf.ID, actionID)
	if err != nil {
		return err
	}
	if a.ActionType != model.RubricText {
		return errutil.BadRequest("the action is not a rubric", nil)
	}
	bindings, err := s.Bindings(ctx, a.ID)
	if err != nil {
		return err
	}
	cols, err := s.Columns(ctx, wf.ID)
	if err != nil {
		return err
	}
	bound := map[int64]bool{}
	for _, b := range bindings {
		bound[b.ColumnID] = true
	}
	byName := make(map[string]model.Column, len(cols))
	for _, c := range cols {
		byName[c.Name] = c
	}

	out := make([]model.RubricCell, 0, len(cells))
	for _, spec := range cells {
		col, ok := byName[spec.Column]
		if !ok {
			return errutil.NotFound(fmt.Sprintf("column %q not found", spec.Column), nil)
		}
		if !bound[col.ID] {
			return errutil.BadRequest(fmt.Sprintf("column %q is not a criterion of the rubric", spec.Column), nil)
		}
		levels := Categories(&col)
		if spec.Level < 0 || spec.Level >= len(levels) {
			return errutil.BadRequest(fmt.Sprintf("column %q has no level %d", spec.Column, spec.Level), nil)
		}
		out = append(out, model.RubricCell{
			ID:           s.NewID(),
			ActionID:     a.ID,
			ColumnID:     col.ID,
			LoaPosition:  spec.Level,
			Description:  spec.Description,
			FeedbackText: spec.Feedback,
		})
	}

	err = s.transaction(ctx, func(tx *Service) error {
		if err := tx.db.Where("action_id = ?", a.ID).Delete(&model.RubricCell{}).Error; err != nil {
			return err
		}
		if len(out) == 0 {
			return nil
		}
		return tx.db.Create(&out).Error
	})
	if err != nil {
		return err
	}
	s.log(ctx, logs.WorkflowUpdate, userID, wf, map[string]any{"action": a.Name, "rubric_cells": len(out)})
	return nil
}
