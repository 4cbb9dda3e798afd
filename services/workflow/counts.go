package workflow

import (
	"context"

	"go.uber.org/zap"

	"ontask/pkg/dataframe"
	"ontask/pkg/formula"
	"ontask/services/model"
)

// QueryBuilderOp describes one column for the rule editor.
type QueryBuilderOp struct {
	ID        string             `json:"id"`
	Label     string             `json:"label"`
	Type      string             `json:"type"`
	Input     string             `json:"input"`
	Operators []formula.Operator `json:"operators"`
	Values    []any              `json:"values,omitempty"`
}

// QueryBuilderOps derives the editor descriptor from the columns.
func QueryBuilderOps(cols []model.Column) []QueryBuilderOp {
	out := make([]QueryBuilderOp, 0, len(cols))
	for _, c := range cols {
		t := dataframe.Type(c.DataType)
		op := QueryBuilderOp{
			ID:        c.Name,
			Label:     c.Name,
			Type:      c.DataType,
			Input:     formula.Rule(c.Name, t, formula.Equal, nil).Input,
			Operators: formula.Operators(t),
		}
		if cats := Categories(&c); len(cats) > 0 {
			op.Input = "select"
			op.Values = cats
		}
		out = append(out, op)
	}
	return out
}

// refreshShape stores nrows, ncols and the query builder descriptor.
func (s *Service) refreshShape(ctx context.Context, wf *model.Workflow) error {
	cols, err := s.Columns(ctx, wf.ID)
	if err != nil {
		return err
	}
	var nrows int64
	if len(cols) > 0 && s.store.Exists(ctx, wf.PhysicalTable()) {
		if nrows, err = s.store.Count(ctx, wf.PhysicalTable(), formula.SQL{}); err != nil {
			return err
		}
	}
	wf.NRows = nrows
	wf.NCols = int64(len(cols))
	wf.QueryBuilderOps = model.MustJSON(QueryBuilderOps(cols))
	wf.UpdatedAt = s.Now()
	return s.db.WithContext(ctx).Model(&model.Workflow{}).Where("id = ?", wf.ID).Updates(map[string]any{
		"nrows":             wf.NRows,
		"ncols":             wf.NCols,
		"query_builder_ops": wf.QueryBuilderOps,
		"updated_at":        wf.UpdatedAt,
	}).Error
}

// RefreshCounts recomputes the cached selection counts of every filter and
// condition and the all-false count of every action.
func (s *Service) RefreshCounts(ctx context.Context, wf *model.Workflow) error {
	if err := s.refreshShape(ctx, wf); err != nil {
		return err
	}
	cols, err := s.Columns(ctx, wf.ID)
	if err != nil {
		return err
	}
	if len(cols) == 0 {
		return nil
	}
	tbl := wf.PhysicalTable()
	schema := Schema(cols)
	d := s.store.Dialect()

	compile := func(raw []byte) (formula.Expr, bool) {
		n, err := formula.Parse(raw)
		if err != nil {
			return nil, false
		}
		e, err := formula.Compile(n, schema, s.loc)
		if err != nil {
			zap.L().Warn("[Workflow] formula no longer compiles", zap.Int64("workflow_id", wf.ID), zap.Error(err))
			return nil, false
		}
		return e, true
	}

	var filters []model.Filter
	if err := s.db.WithContext(ctx).Where("workflow_id = ?", wf.ID).Find(&filters).Error; err != nil {
		return err
	}
	filterExpr := map[int64]formula.Expr{}
	for _, f := range filters {
		e, ok := compile(f.Formula)
		if !ok {
			continue
		}
		filterExpr[f.ID] = e
		n, err := s.store.Count(ctx, tbl, formula.ToSQL(e, d))
		if err != nil {
			return err
		}
		if err := s.db.WithContext(ctx).Model(&model.Filter{}).Where("id = ?", f.ID).
			Update("selected_count", n).Error; err != nil {
			return err
		}
	}

	var actions []model.Action
	if err := s.db.WithContext(ctx).Where("workflow_id = ?", wf.ID).Find(&actions).Error; err != nil {
		return err
	}
	for _, a := range actions {
		var base formula.Expr
		if a.FilterID != nil {
			base = filterExpr[*a.FilterID]
		}

		var conds []model.Condition
		if err := s.db.WithContext(ctx).Where("action_id = ?", a.ID).Find(&conds).Error; err != nil {
			return err
		}
		var negated formula.And
		for _, c := range conds {
			e, ok := compile(c.Formula)
			if !ok {
				continue
			}
			if e == nil {
				e = formula.And{}
			}
			where := formula.And{e}
			if base != nil {
				where = formula.And{base, e}
			}
			n, err := s.store.Count(ctx, tbl, formula.ToSQL(where, d))
			if err != nil {
				return err
			}
			if err := s.db.WithContext(ctx).Model(&model.Condition{}).Where("id = ?", c.ID).
				Update("n_rows_selected", n).Error; err != nil {
				return err
			}
			negated = append(negated, formula.Not{X: e})
		}

		var allFalse int64
		if len(negated) > 0 {
			where := negated
			if base != nil {
				where = append(formula.And{base}, negated...)
			}
			if allFalse, err = s.store.Count(ctx, tbl, formula.ToSQL(where, d)); err != nil {
				return err
			}
		}
		if err := s.db.WithContext(ctx).Model(&model.Action{}).Where("id = ?", a.ID).
			Update("rows_all_false", allFalse).Error; err != nil {
			return err
		}
	}
	return nil
}
