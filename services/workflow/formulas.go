package workflow

import (
	"context"
	"fmt"
	"strings"

	"ontask/pkg/dataframe"
	"ontask/pkg/errutil"
	"ontask/pkg/formula"
	"ontask/pkg/template"
	"ontask/services/logs"
	"ontask/services/model"
)

// validate checks a formula against the current columns. A nil node is valid.
func (s *Service) validate(ctx context.Context, wf *model.Workflow, n *formula.Node) ([]model.Column, error) {
	cols, err := s.Columns(ctx, wf.ID)
	if err != nil {
		return nil, err
	}
	if n == nil {
		return cols, nil
	}
	return cols, formula.Validate(n, Schema(cols), s.loc)
}

func marshalFormula(n *formula.Node) ([]byte, error) {
	if n == nil {
		return nil, nil
	}
	return n.Marshal()
}

// Filter returns the filter attached to an action or view, or nil.
func (s *Service) Filter(ctx context.Context, id *int64) (*model.Filter, error) {
	if id == nil {
		return nil, nil
	}
	var f model.Filter
	if err := s.db.WithContext(ctx).First(&f, "id = ?", *id).Error; err != nil {
		return nil, notFound("filter", err)
	}
	return &f, nil
}

func (s *Service) deleteFilter(ctx context.Context, id int64) error {
	db := s.db.WithContext(ctx)
	if err := db.Model(&model.Action{}).Where("filter_id = ?", id).Update("filter_id", nil).Error; err != nil {
		return err
	}
	if err := db.Model(&model.View{}).Where("filter_id = ?", id).Update("filter_id", nil).Error; err != nil {
		return err
	}
	return db.Delete(&model.Filter{}, "id = ?", id).Error
}

// upsertFilter stores n as the filter referenced by current and returns the
// id to reference afterwards. A nil node removes the filter.
func (s *Service) upsertFilter(ctx context.Context, wf *model.Workflow, current *int64, description string, n *formula.Node) (*int64, error) {
	if n == nil {
		if current != nil {
			if err := s.deleteFilter(ctx, *current); err != nil {
				return nil, err
			}
		}
		return nil, nil
	}
	raw, err := marshalFormula(n)
	if err != nil {
		return nil, err
	}
	if current != nil {
		err := s.db.WithContext(ctx).Model(&model.Filter{}).Where("id = ?", *current).
			Updates(map[string]any{"formula": raw, "description": description}).Error
		return current, err
	}
	f := &model.Filter{ID: s.NewID(), WorkflowID: wf.ID, Description: description, Formula: raw}
	if err := s.db.WithContext(ctx).Create(f).Error; err != nil {
		return nil, err
	}
	return &f.ID, nil
}

type ViewSpec struct {
	Name        string
	Description string
	Columns     []string
	Filter      *formula.Node
}

func (s *Service) Views(ctx context.Context, workflowID int64) ([]model.View, error) {
	var out []model.View
	err := s.db.WithContext(ctx).Where("workflow_id = ?", workflowID).Order("name").Find(&out).Error
	return out, err
}

func (s *Service) View(ctx context.Context, workflowID, id int64) (*model.View, error) {
	var v model.View
	if err := s.db.WithContext(ctx).First(&v, "workflow_id = ? AND id = ?", workflowID, id).Error; err != nil {
		return nil, notFound("view", err)
	}
	return &v, nil
}

func (s *Service) viewColumnIDs(cols []model.Column, names []string) ([]int64, error) {
	byName := make(map[string]int64, len(cols))
	for _, c := range cols {
		byName[c.Name] = c.ID
	}
	ids := make([]int64, 0, len(names))
	hasKey := false
	for _, n := range names {
		id, ok := byName[n]
		if !ok {
			return nil, errutil.NotFound(fmt.Sprintf("column %q not found", n), nil)
		}
		ids = append(ids, id)
		for _, c := range cols {
			if c.ID == id && c.IsKey {
				hasKey = true
			}
		}
	}
	if len(ids) > 0 && !hasKey {
		return nil, errutil.BadRequest("a view must include at least one key column", nil)
	}
	return ids, nil
}

func (s *Service) checkViewName(ctx context.Context, wfID, exceptID int64, name string) error {
	if strings.TrimSpace(name) == "" {
		return errutil.BadRequest("view name is required", nil)
	}
	var n int64
	if err := s.db.WithContext(ctx).Model(&model.View{}).
		Where("workflow_id = ? AND name = ? AND id <> ?", wfID, name, exceptID).Count(&n).Error; err != nil {
		return err
	}
	if n > 0 {
		return errutil.Conflict(fmt.Sprintf("view %q already exists", name), nil)
	}
	return nil
}

func (s *Service) CreateView(ctx context.Context, userID int64, wf *model.Workflow, spec ViewSpec) (*model.View, error) {
	cols, err := s.validate(ctx, wf, spec.Filter)
	if err != nil {
		return nil, err
	}
	if err := s.checkViewName(ctx, wf.ID, 0, spec.Name); err != nil {
		return nil, err
	}
	ids, err := s.viewColumnIDs(cols, spec.Columns)
	if err != nil {
		return nil, err
	}
	v := &model.View{ID: s.NewID(), WorkflowID: wf.ID, Name: strings.TrimSpace(spec.Name), Description: spec.Description}
	v.SetColumns(ids)

	err = s.transaction(ctx, func(tx *Service) error {
		if v.FilterID, err = tx.upsertFilter(ctx, wf, nil, "", spec.Filter); err != nil {
			return err
		}
		if err := tx.db.Create(v).Error; err != nil {
			return err
		}
		return tx.RefreshCounts(ctx, wf)
	})
	if err != nil {
		return nil, err
	}
	s.log(ctx, logs.ViewCreate, userID, wf, map[string]any{"view": v.Name})
	return v, nil
}

func (s *Service) UpdateView(ctx context.Context, userID int64, wf *model.Workflow, id int64, spec ViewSpec) (*model.View, error) {
	v, err := s.View(ctx, wf.ID, id)
	if err != nil {
		return nil, err
	}
	cols, err := s.validate(ctx, wf, spec.Filter)
	if err != nil {
		return nil, err
	}
	if err := s.checkViewName(ctx, wf.ID, v.ID, spec.Name); err != nil {
		return nil, err
	}
	ids, err := s.viewColumnIDs(cols, spec.Columns)
	if err != nil {
		return nil, err
	}
	v.Name = strings.TrimSpace(spec.Name)
	v.Description = spec.Description
	v.SetColumns(ids)

	err = s.transaction(ctx, func(tx *Service) error {
		if v.FilterID, err = tx.upsertFilter(ctx, wf, v.FilterID, "", spec.Filter); err != nil {
			return err
		}
		if err := tx.db.Save(v).Error; err != nil {
			return err
		}
		return tx.RefreshCounts(ctx, wf)
	})
	if err != nil {
		return nil, err
	}
	s.log(ctx, logs.ViewUpdate, userID, wf, map[string]any{"view": v.Name})
	return v, nil
}

func (s *Service) DeleteView(ctx context.Context, userID int64, wf *model.Workflow, id int64) error {
	v, err := s.View(ctx, wf.ID, id)
	if err != nil {
		return err
	}
	err = s.transaction(ctx, func(tx *Service) error {
		if v.FilterID != nil {
			if err := tx.deleteFilter(ctx, *v.FilterID); err != nil {
				return err
			}
		}
		return tx.db.Delete(&model.View{}, "id = ?", v.ID).Error
	})
	if err != nil {
		return err
	}
	s.log(ctx, logs.ViewDelete, userID, wf, map[string]any{"view": v.Name})
	return nil
}

// ViewData loads the view columns, in view order, for the rows its filter selects.
func (s *Service) ViewData(ctx context.Context, wf *model.Workflow, v *model.View) (*dataframe.Frame, error) {
	cols, err := s.Columns(ctx, wf.ID)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]model.Column, len(cols))
	for _, c := range cols {
		byID[c.ID] = c
	}
	selected := cols
	if ids := v.Columns(); len(ids) > 0 {
		selected = make([]model.Column, 0, len(ids))
		for _, id := range ids {
			if c, ok := byID[id]; ok {
				selected = append(selected, c)
			}
		}
	}
	where := formula.SQL{}
	if f, err := s.Filter(ctx, v.FilterID); err != nil {
		return nil, err
	} else if f != nil {
		if where, err = s.Where(f.Formula, cols); err != nil {
			return nil, err
		}
	}
	return s.store.Load(ctx, wf.PhysicalTable(), TableColumns(selected), where)
}

// SetActionFilter replaces the filter of an action. A nil node removes it.
func (s *Service) SetActionFilter(ctx context.Context, userID int64, wf *model.Workflow, actionID int64, description string, n *formula.Node) error {
	a, err := s.Action(ctx, wf.ID, actionID)
	if err != nil {
		return err
	}
	if _, err := s.validate(ctx, wf, n); err != nil {
		return err
	}
	err = s.transaction(ctx, func(tx *Service) error {
		id, err := tx.upsertFilter(ctx, wf, a.FilterID, description, n)
		if err != nil {
			return err
		}
		if err := tx.db.Model(&model.Action{}).Where("id = ?", a.ID).Update("filter_id", id).Error; err != nil {
			return err
		}
		a.FilterID = id
		return tx.RefreshCounts(ctx, wf)
	})
	if err != nil {
		return err
	}
	s.log(ctx, logs.FilterUpdate, userID, wf, map[string]any{"action": a.Name, "removed": n == nil})
	return nil
}

func (s *Service) Conditions(ctx context.Context, actionID int64) ([]model.Condition, error) {
	var out []model.Condition
	err := s.db.WithContext(ctx).Where("action_id = ?", actionID).Order("name").Find(&out).Error
	return out, err
}

func (s *Service) Condition(ctx context.Context, wfID, id int64) (*model.Condition, error) {
	var c model.Condition
	if err := s.db.WithContext(ctx).First(&c, "workflow_id = ? AND id = ?", wfID, id).Error; err != nil {
		return nil, notFound("condition", err)
	}
	return &c, nil
}

func (s *Service) checkConditionName(ctx context.Context, wf *model.Workflow, actionID, exceptID int64, name string) error {
	if err := template.ValidName(name); err != nil {
		return errutil.BadRequest("invalid condition name", err, errutil.WithField("name", name))
	}
	cols, err := s.Columns(ctx, wf.ID)
	if err != nil {
		return err
	}
	for _, c := range cols {
		if c.Name == name {
			return errutil.Conflict(fmt.Sprintf("there is a column named %q", name), nil)
		}
	}
	var n int64
	if err := s.db.WithContext(ctx).Model(&model.Condition{}).
		Where("action_id = ? AND name = ? AND id <> ?", actionID, name, exceptID).Count(&n).Error; err != nil {
		return err
	}
	if n > 0 {
		return errutil.Conflict(fmt.Sprintf("condition %q already exists", name), nil)
	}
	return nil
}

type ConditionSpec struct {
	Name        string
	Description string
	Formula     *formula.Node
}

func (s *Service) AddCondition(ctx context.Context, userID int64, wf *model.Workflow, actionID int64, spec ConditionSpec) (*model.Condition, error) {
	a, err := s.Action(ctx, wf.ID, actionID)
	if err != nil {
		return nil, err
	}
	spec.Name = strings.TrimSpace(spec.Name)
	if err := s.checkConditionName(ctx, wf, a.ID, 0, spec.Name); err != nil {
		return nil, err
	}
	if _, err := s.validate(ctx, wf, spec.Formula); err != nil {
		return nil, err
	}
	raw, err := marshalFormula(spec.Formula)
	if err != nil {
		return nil, err
	}
	c := &model.Condition{
		ID:          s.NewID(),
		WorkflowID:  wf.ID,
		ActionID:    a.ID,
		Name:        spec.Name,
		Description: spec.Description,
		Formula:     raw,
	}
	err = s.transaction(ctx, func(tx *Service) error {
		if err := tx.db.Create(c).Error; err != nil {
			return err
		}
		return tx.RefreshCounts(ctx, wf)
	})
	if err != nil {
		return nil, err
	}
	s.log(ctx, logs.ConditionCreate, userID, wf, map[string]any{"action": a.Name, "condition": c.Name})
	return s.Condition(ctx, wf.ID, c.ID)
}

// UpdateCondition changes a condition. A new name is substituted in the
// action body.
func (s *Service) UpdateCondition(ctx context.Context, userID int64, wf *model.Workflow, id int64, spec ConditionSpec) (*model.Condition, error) {
	c, err := s.Condition(ctx, wf.ID, id)
	if err != nil {
		return nil, err
	}
	spec.Name = strings.TrimSpace(spec.Name)
	if spec.Name != c.Name {
		if err := s.checkConditionName(ctx, wf, c.ActionID, c.ID, spec.Name); err != nil {
			return nil, err
		}
	}
	if _, err := s.validate(ctx, wf, spec.Formula); err != nil {
		return nil, err
	}
	raw, err := marshalFormula(spec.Formula)
	if err != nil {
		return nil, err
	}
	oldName := c.Name
	err = s.transaction(ctx, func(tx *Service) error {
		if err := tx.db.Model(&model.Condition{}).Where("id = ?", c.ID).Updates(map[string]any{
			"name":        spec.Name,
			"description": spec.Description,
			"formula":     raw,
		}).Error; err != nil {
			return err
		}
		if oldName != spec.Name {
			a, err := tx.Action(ctx, wf.ID, c.ActionID)
			if err != nil {
				return err
			}
			body := template.RenameCondition(a.TextContent, oldName, spec.Name)
			if err := tx.db.Model(&model.Action{}).Where("id = ?", a.ID).Update("text_content", body).Error; err != nil {
				return err
			}
		}
		return tx.RefreshCounts(ctx, wf)
	})
	if err != nil {
		return nil, err
	}
	s.log(ctx, logs.ConditionUpdate, userID, wf, map[string]any{"condition": spec.Name})
	return s.Condition(ctx, wf.ID, c.ID)
}

func (s *Service) deleteCondition(ctx context.Context, c *model.Condition) error {
	db := s.db.WithContext(ctx)
	if err := db.Model(&model.ColumnConditionPair{}).Where("condition_id = ?", c.ID).
		Update("condition_id", nil).Error; err != nil {
		return err
	}
	return db.Delete(&model.Condition{}, "id = ?", c.ID).Error
}

func (s *Service) DeleteCondition(ctx context.Context, userID int64, wf *model.Workflow, id int64) error {
	c, err := s.Condition(ctx, wf.ID, id)
	if err != nil {
		return err
	}
	err = s.transaction(ctx, func(tx *Service) error {
		if err := tx.deleteCondition(ctx, c); err != nil {
			return err
		}
		return tx.RefreshCounts(ctx, wf)
	})
	if err != nil {
		return err
	}
	s.log(ctx, logs.ConditionDelete, userID, wf, map[string]any{"condition": c.Name})
	return nil
}

// ConditionValues evaluates every condition of an action for each row of f.
// The result is indexed by row.
func (s *Service) ConditionValues(conds []model.Condition, cols []model.Column, f *dataframe.Frame) ([]map[string]bool, error) {
	exprs := make(map[string]formula.Expr, len(conds))
	for _, c := range conds {
		e, err := s.Compile(c.Formula, cols)
		if err != nil {
			return nil, err
		}
		exprs[c.Name] = e
	}
	out := make([]map[string]bool, f.NRows())
	for i := range out {
		row := f.Row(i)
		m := make(map[string]bool, len(exprs))
		for name, e := range exprs {
			m[name] = e == nil || formula.Eval(e, row)
		}
		out[i] = m
	}
	return out, nil
}

// FilterWhere returns the WHERE fragment of an action filter.
func (s *Service) FilterWhere(ctx context.Context, a *model.Action, cols []model.Column) (formula.SQL, error) {
	f, err := s.Filter(ctx, a.FilterID)
	if err != nil || f == nil {
		return formula.SQL{}, err
	}
	return s.Where(f.Formula, cols)
}
