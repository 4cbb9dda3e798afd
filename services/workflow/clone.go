package workflow

import (
	"context"
	"fmt"

	"ontask/services/logs"
	"ontask/services/model"
)

func (s *Service) freeName(ctx context.Context, userID int64, base string) (string, error) {
	name := base
	for i := 2; ; i++ {
		var n int64
		if err := s.db.WithContext(ctx).Model(&model.Workflow{}).
			Where("user_id = ? AND name = ?", userID, name).Count(&n).Error; err != nil {
			return "", err
		}
		if n == 0 {
			return name, nil
		}
		name = fmt.Sprintf("%s (%d)", base, i)
	}
}

func remap(ids map[int64]int64, id *int64) *int64 {
	if id == nil {
		return nil
	}
	if v, ok := ids[*id]; ok {
		return &v
	}
	return nil
}

// Clone copies a workflow with its data, columns, views, filters and actions
// under the name "Copy of <name>".
func (s *Service) Clone(ctx context.Context, userID, id int64) (*model.Workflow, error) {
	src, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	name, err := s.freeName(ctx, userID, "Copy of "+src.Name)
	if err != nil {
		return nil, err
	}

	var dst model.Workflow
	err = s.transaction(ctx, func(tx *Service) error {
		dst = *src
		dst.ID = tx.NewID()
		dst.UserID = userID
		dst.Name = name
		dst.CreatedAt = tx.Now()
		dst.UpdatedAt = dst.CreatedAt

		cols, err := tx.Columns(ctx, src.ID)
		if err != nil {
			return err
		}
		colIDs := make(map[int64]int64, len(cols))
		for i := range cols {
			old := cols[i].ID
			cols[i].ID = tx.NewID()
			cols[i].WorkflowID = dst.ID
			colIDs[old] = cols[i].ID
		}
		dst.LuserEmailColumnID = remap(colIDs, src.LuserEmailColumnID)
		if err := tx.db.Create(&dst).Error; err != nil {
			return err
		}
		if len(cols) > 0 {
			if err := tx.db.Create(&cols).Error; err != nil {
				return err
			}
			if tx.store.Exists(ctx, src.PhysicalTable()) {
				if err := tx.store.Clone(ctx, src.PhysicalTable(), dst.PhysicalTable(), TableColumns(cols)); err != nil {
					return err
				}
			}
		}

		var filters []model.Filter
		if err := tx.db.Where("workflow_id = ?", src.ID).Find(&filters).Error; err != nil {
			return err
		}
		filterIDs := make(map[int64]int64, len(filters))
		for i := range filters {
			old := filters[i].ID
			filters[i].ID = tx.NewID()
			filters[i].WorkflowID = dst.ID
			filterIDs[old] = filters[i].ID
		}
		if len(filters) > 0 {
			if err := tx.db.Create(&filters).Error; err != nil {
				return err
			}
		}

		views, err := tx.Views(ctx, src.ID)
		if err != nil {
			return err
		}
		for i := range views {
			ids := views[i].Columns()
			for j, c := range ids {
				ids[j] = colIDs[c]
			}
			views[i].ID = tx.NewID()
			views[i].WorkflowID = dst.ID
			views[i].FilterID = remap(filterIDs, views[i].FilterID)
			views[i].SetColumns(ids)
		}
		if len(views) > 0 {
			if err := tx.db.Create(&views).Error; err != nil {
				return err
			}
		}

		actions, err := tx.Actions(ctx, src.ID)
		if err != nil {
			return err
		}
		for _, a := range actions {
			oldID := a.ID
			a.ID = tx.NewID()
			a.WorkflowID = dst.ID
			a.FilterID = remap(filterIDs, a.FilterID)
			a.LastExecutedLogID = nil
			if err := tx.db.Create(&a).Error; err != nil {
				return err
			}
			if err := tx.cloneActionChildren(ctx, oldID, a.ID, dst.ID, colIDs); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log(ctx, logs.WorkflowClone, userID, &dst, map[string]any{"source_id": src.ID, "name": dst.Name})
	return &dst, nil
}

func (s *Service) cloneActionChildren(ctx context.Context, oldID, newID, wfID int64, colIDs map[int64]int64) error {
	conds, err := s.Conditions(ctx, oldID)
	if err != nil {
		return err
	}
	condIDs := make(map[int64]int64, len(conds))
	for i := range conds {
		old := conds[i].ID
		conds[i].ID = s.NewID()
		conds[i].ActionID = newID
		conds[i].WorkflowID = wfID
		condIDs[old] = conds[i].ID
	}
	if len(conds) > 0 {
		if err := s.db.WithContext(ctx).Create(&conds).Error; err != nil {
			return err
		}
	}

	pairs, err := s.Bindings(ctx, oldID)
	if err != nil {
		return err
	}
	for i := range pairs {
		pairs[i].ID = s.NewID()
		pairs[i].ActionID = newID
		pairs[i].ColumnID = colIDs[pairs[i].ColumnID]
		pairs[i].ConditionID = remap(condIDs, pairs[i].ConditionID)
	}
	if len(pairs) > 0 {
		if err := s.db.WithContext(ctx).Create(&pairs).Error; err != nil {
			return err
		}
	}

	cells, err := s.RubricCells(ctx, oldID)
	if err != nil {
		return err
	}
	for i := range cells {
		cells[i].ID = s.NewID()
		cells[i].ActionID = newID
		cells[i].ColumnID = colIDs[cells[i].ColumnID]
	}
	if len(cells) > 0 {
		return s.db.WithContext(ctx).Create(&cells).Error
	}
	return nil
}
