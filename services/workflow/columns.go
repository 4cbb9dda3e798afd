package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"ontask/pkg/dataframe"
	"ontask/pkg/errutil"
	"ontask/pkg/formula"
	"ontask/pkg/template"
	"ontask/services/logs"
	"ontask/services/model"
	"ontask/services/table"
)

// Categories decodes the admissible values of a column in its data type.
func Categories(c *model.Column) []any {
	if len(c.Categories) == 0 {
		return nil
	}
	var raw []any
	if err := json.Unmarshal(c.Categories, &raw); err != nil {
		return nil
	}
	out := make([]any, 0, len(raw))
	for _, v := range raw {
		cv, err := dataframe.Coerce(v, dataframe.Type(c.DataType), time.UTC)
		if err == nil && cv != nil {
			out = append(out, cv)
		}
	}
	return out
}

func setCategories(c *model.Column, values []any) {
	if len(values) == 0 {
		c.Categories = nil
		return
	}
	c.Categories = model.MustJSON(values)
}

func inCategories(cats []any, v any) bool {
	k := dataframe.KeyOf(v)
	for _, c := range cats {
		if dataframe.KeyOf(c) == k {
			return true
		}
	}
	return false
}

// CheckCategories fails when a non-null value is outside the column categories.
func CheckCategories(c *model.Column, values []any) error {
	cats := Categories(c)
	if len(cats) == 0 {
		return nil
	}
	for _, v := range values {
		if v != nil && !inCategories(cats, v) {
			return errutil.New(errutil.StatusCategoryViolation,
				fmt.Sprintf("value %s is not an allowed value of column %q", dataframe.Format(v, nil), c.Name),
				errutil.WithField(c.Name, "category"))
		}
	}
	return nil
}

func keyViolation(format string, args ...any) error {
	return errutil.Newf(errutil.StatusKeyViolation, format, args...)
}

// SaveFrame replaces the workflow data with f. Column records are matched
// by name: existing ones keep their id and settings, new ones are created
// and those missing from f are removed with their dependants. keys decides
// is_key per column; every key column must be unique and non-null and at
// least one must exist.
func (s *Service) SaveFrame(ctx context.Context, wf *model.Workflow, f *dataframe.Frame, keys map[string]bool) error {
	nkeys := 0
	for _, c := range f.Columns() {
		if !keys[c.Name] {
			continue
		}
		if !c.IsUnique() {
			return keyViolation("column %q is marked as key but its values are not unique", c.Name)
		}
		nkeys++
	}
	if nkeys == 0 {
		return keyViolation("the data must have at least one key column")
	}

	ctx, release, err := s.Access(ctx, wf.ID)
	if err != nil {
		return err
	}
	defer release()

	return s.transaction(ctx, func(tx *Service) error {
		existing, err := tx.Columns(ctx, wf.ID)
		if err != nil {
			return err
		}
		byName := make(map[string]*model.Column, len(existing))
		for i := range existing {
			byName[existing[i].Name] = &existing[i]
		}

		for i, series := range f.Columns() {
			col, ok := byName[series.Name]
			if !ok {
				col = &model.Column{ID: tx.NewID(), WorkflowID: wf.ID, Name: series.Name}
			}
			delete(byName, series.Name)
			if col.DataType != "" && col.DataType != string(series.Type) {
				cats := Categories(col)
				col.DataType = string(series.Type)
				setCategories(col, coerceAll(cats, series.Type))
			}
			col.DataType = string(series.Type)
			col.IsKey = keys[series.Name]
			col.Position = i + 1
			if err := CheckCategories(col, series.Values); err != nil {
				return err
			}
			if err := tx.db.Save(col).Error; err != nil {
				return err
			}
		}
		for _, gone := range byName {
			if err := tx.cascadeDelete(ctx, wf, gone); err != nil {
				return err
			}
		}
		if err := tx.store.Replace(ctx, wf.PhysicalTable(), f); err != nil {
			return err
		}
		return tx.RefreshCounts(ctx, wf)
	})
}

func coerceAll(values []any, t dataframe.Type) []any {
	out := make([]any, 0, len(values))
	for _, v := range values {
		if cv, err := dataframe.Coerce(v, t, time.UTC); err == nil && cv != nil {
			out = append(out, cv)
		}
	}
	return out
}

func (s *Service) requireData(ctx context.Context, wf *model.Workflow) ([]model.Column, error) {
	cols, err := s.Columns(ctx, wf.ID)
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, errutil.BadRequest("the workflow has no data", nil)
	}
	return cols, nil
}

func (s *Service) checkNewName(cols []model.Column, name string) error {
	if err := dataframe.ValidColumnName(name); err != nil {
		return errutil.DataInvalid("invalid column name", err, errutil.WithField("name", name))
	}
	for _, c := range cols {
		if c.Name == name {
			return errutil.Conflict(fmt.Sprintf("column %q already exists", name), nil, errutil.WithField("name", name))
		}
	}
	return nil
}

type ColumnSpec struct {
	Name        string
	Description string
	Type        dataframe.Type
	Categories  []any
	Initial     any
	ActiveFrom  *time.Time
	ActiveTo    *time.Time
}

func (s *Service) newColumn(wf *model.Workflow, spec ColumnSpec, position int) (*model.Column, error) {
	if _, err := dataframe.ParseType(string(spec.Type)); err != nil {
		return nil, errutil.DataInvalid("invalid column type", err, errutil.WithField("type", string(spec.Type)))
	}
	if spec.ActiveFrom != nil && spec.ActiveTo != nil && spec.ActiveTo.Before(*spec.ActiveFrom) {
		return nil, errutil.BadRequest("active_to is before active_from", nil)
	}
	col := &model.Column{
		ID:          s.NewID(),
		WorkflowID:  wf.ID,
		Name:        spec.Name,
		Description: spec.Description,
		DataType:    string(spec.Type),
		Position:    position,
		ActiveFrom:  spec.ActiveFrom,
		ActiveTo:    spec.ActiveTo,
	}
	if len(spec.Categories) > 0 {
		var cats []any
		seen := map[string]bool{}
		for _, v := range spec.Categories {
			cv, err := dataframe.Coerce(v, spec.Type, s.loc)
			if err != nil || cv == nil {
				return nil, errutil.DataInvalid(fmt.Sprintf("category %v is not a valid %s", v, spec.Type), err)
			}
			if k := dataframe.KeyOf(cv); !seen[k] {
				seen[k] = true
				cats = append(cats, cv)
			}
		}
		setCategories(col, cats)
	}
	return col, nil
}

// AddColumn appends a regular column, optionally filled with an initial value.
func (s *Service) AddColumn(ctx context.Context, userID int64, wf *model.Workflow, spec ColumnSpec) (*model.Column, error) {
	ctx, release, err := s.Access(ctx, wf.ID)
	if err != nil {
		return nil, err
	}
	defer release()

	cols, err := s.requireData(ctx, wf)
	if err != nil {
		return nil, err
	}
	if err := s.checkNewName(cols, spec.Name); err != nil {
		return nil, err
	}
	col, err := s.newColumn(wf, spec, len(cols)+1)
	if err != nil {
		return nil, err
	}
	var initial any
	if spec.Initial != nil && spec.Initial != "" {
		if initial, err = dataframe.Coerce(spec.Initial, spec.Type, s.loc); err != nil {
			return nil, errutil.DataInvalid("the initial value does not match the column type", err)
		}
		if err := CheckCategories(col, []any{initial}); err != nil {
			return nil, err
		}
	}

	err = s.transaction(ctx, func(tx *Service) error {
		if err := tx.db.Create(col).Error; err != nil {
			return err
		}
		if err := tx.store.AddColumn(ctx, wf.PhysicalTable(), table.Column{Name: col.Name, Type: spec.Type}, initial); err != nil {
			return err
		}
		return tx.refreshShape(ctx, wf)
	})
	if err != nil {
		return nil, err
	}
	s.log(ctx, logs.ColumnAdd, userID, wf, map[string]any{"column": col.Name, "type": col.DataType})
	return col, nil
}

type FormulaOp string

const (
	OpSum    FormulaOp = "sum"
	OpProd   FormulaOp = "prod"
	OpMax    FormulaOp = "max"
	OpMin    FormulaOp = "min"
	OpMean   FormulaOp = "mean"
	OpMedian FormulaOp = "median"
	OpStd    FormulaOp = "std"
	OpAll    FormulaOp = "all"
	OpAny    FormulaOp = "any"
)

// evalFormulaOp combines the non-null values of one row. It returns nil when
// every input is null.
func evalFormulaOp(op FormulaOp, values []any, integral bool) any {
	var nums []float64
	var bools []bool
	for _, v := range values {
		switch x := v.(type) {
		case bool:
			bools = append(bools, x)
		case nil:
		default:
			if f, ok := dataframe.ToFloat(x); ok {
				nums = append(nums, f)
			}
		}
	}
	switch op {
	case OpAll, OpAny:
		if len(bools) == 0 {
			return nil
		}
		for _, b := range bools {
			if op == OpAll && !b {
				return false
			}
			if op == OpAny && b {
				return true
			}
		}
		return op == OpAll
	}
	if len(nums) == 0 {
		return nil
	}
	if integral {
		if out, ok := evalIntegerOp(op, values); ok {
			return out
		}
	}

	var out float64
	switch op {
	case OpSum:
		for _, n := range nums {
			out += n
		}
	case OpProd:
		out = 1
		for _, n := range nums {
			out *= n
		}
	case OpMax:
		out = nums[0]
		for _, n := range nums[1:] {
			out = math.Max(out, n)
		}
	case OpMin:
		out = nums[0]
		for _, n := range nums[1:] {
			out = math.Min(out, n)
		}
	case OpMean:
		for _, n := range nums {
			out += n
		}
		return out / float64(len(nums))
	case OpMedian:
		sort.Float64s(nums)
		mid := len(nums) / 2
		if len(nums)%2 == 1 {
			return nums[mid]
		}
		return (nums[mid-1] + nums[mid]) / 2
	case OpStd:
		if len(nums) < 2 {
			return nil
		}
		var mean float64
		for _, n := range nums {
			mean += n
		}
		mean /= float64(len(nums))
		var ss float64
		for _, n := range nums {
			ss += (n - mean) * (n - mean)
		}
		return math.Sqrt(ss / float64(len(nums)-1))
	}
	if integral {
		return int64(out)
	}
	return out
}

// evalIntegerOp runs sum, prod, max and min over int64 so values past 2^53
// keep every digit. It reports false when the operator is not one of those
// or an input is not a whole number.
func evalIntegerOp(op FormulaOp, values []any) (int64, bool) {
	switch op {
	case OpSum, OpProd, OpMax, OpMin:
	default:
		return 0, false
	}
	var out int64
	first := true
	for _, v := range values {
		var n int64
		switch x := v.(type) {
		case nil:
			continue
		case int64:
			n = x
		case int:
			n = int64(x)
		case int32:
			n = int64(x)
		default:
			return 0, false
		}
		switch {
		case first:
			out = n
		case op == OpSum:
			out += n
		case op == OpProd:
			out *= n
		case op == OpMax && n > out:
			out = n
		case op == OpMin && n < out:
			out = n
		}
		first = false
	}
	return out, !first
}

// AddFormulaColumn appends a column computed row by row from existing ones.
// all and any need boolean inputs; the other operators need numbers.
func (s *Service) AddFormulaColumn(ctx context.Context, userID int64, wf *model.Workflow, name, description string, op FormulaOp, sources []string) (*model.Column, error) {
	ctx, release, err := s.Access(ctx, wf.ID)
	if err != nil {
		return nil, err
	}
	defer release()

	cols, err := s.requireData(ctx, wf)
	if err != nil {
		return nil, err
	}
	if err := s.checkNewName(cols, name); err != nil {
		return nil, err
	}
	if len(sources) == 0 {
		return nil, errutil.BadRequest("select at least one column", nil)
	}
	schema := Schema(cols)
	integral := true
	for _, src := range sources {
		t, ok := schema[src]
		if !ok {
			return nil, errutil.NotFound(fmt.Sprintf("column %q not found", src), nil)
		}
		switch op {
		case OpAll, OpAny:
			if t != dataframe.Boolean {
				return nil, errutil.DataInvalid(fmt.Sprintf("%s needs boolean columns, %q is %s", op, src, t), nil)
			}
		case OpSum, OpProd, OpMax, OpMin, OpMean, OpMedian, OpStd:
			if !t.Numeric() {
				return nil, errutil.DataInvalid(fmt.Sprintf("%s needs numeric columns, %q is %s", op, src, t), nil)
			}
			if t != dataframe.Integer {
				integral = false
			}
		default:
			return nil, errutil.BadRequest(fmt.Sprintf("unknown operator %q", op), nil)
		}
	}

	resultType := dataframe.Double
	switch op {
	case OpAll, OpAny:
		resultType = dataframe.Boolean
	case OpSum, OpProd, OpMax, OpMin:
		if integral {
			resultType = dataframe.Integer
		}
	}

	f, _, err := s.Data(ctx, wf, formula.SQL{})
	if err != nil {
		return nil, err
	}
	values := make([]any, f.NRows())
	for i := range values {
		row := f.Row(i)
		in := make([]any, len(sources))
		for j, src := range sources {
			in[j] = row[src]
		}
		values[i] = evalFormulaOp(op, in, resultType == dataframe.Integer)
	}

	col, err := s.addComputed(ctx, userID, wf, cols, f, ColumnSpec{Name: name, Description: description, Type: resultType}, values)
	if err != nil {
		return nil, err
	}
	s.log(ctx, logs.ColumnAddFormula, userID, wf, map[string]any{"column": name, "op": string(op), "sources": sources})
	return col, nil
}

// addComputed appends a column with precomputed values by rewriting the table.
func (s *Service) addComputed(ctx context.Context, userID int64, wf *model.Workflow, cols []model.Column, f *dataframe.Frame, spec ColumnSpec, values []any) (*model.Column, error) {
	col, err := s.newColumn(wf, spec, len(cols)+1)
	if err != nil {
		return nil, err
	}
	next := f.Clone()
	if err := next.Add(&dataframe.Series{Name: spec.Name, Type: spec.Type, Values: values}); err != nil {
		return nil, err
	}
	err = s.transaction(ctx, func(tx *Service) error {
		if err := tx.db.Create(col).Error; err != nil {
			return err
		}
		if err := tx.store.Replace(ctx, wf.PhysicalTable(), next); err != nil {
			return err
		}
		return tx.refreshShape(ctx, wf)
	})
	if err != nil {
		return nil, err
	}
	return col, nil
}

var intervalPattern = regexp.MustCompile(`^\s*(-?\d+)\s*-\s*(-?\d+)\s*$`)

// ParseRandomValues accepts "m - n" (integers, either order) or a comma
// separated list of values of type t.
func ParseRandomValues(spec string, t dataframe.Type, loc *time.Location) ([]any, dataframe.Type, error) {
	if m := intervalPattern.FindStringSubmatch(spec); m != nil && (t == dataframe.Integer || t == "") {
		lo, _ := strconv.ParseInt(m[1], 10, 64)
		hi, _ := strconv.ParseInt(m[2], 10, 64)
		if lo > hi {
			lo, hi = hi, lo
		}
		if hi-lo > 10000 {
			return nil, "", errutil.DataInvalid("the interval is too large", nil)
		}
		out := make([]any, 0, hi-lo+1)
		for v := lo; v <= hi; v++ {
			out = append(out, v)
		}
		return out, dataframe.Integer, nil
	}
	if t == "" {
		t = dataframe.String
	}
	var out []any
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := dataframe.Coerce(part, t, loc)
		if err != nil || v == nil {
			return nil, "", errutil.DataInvalid(fmt.Sprintf("%q is not a valid %s", part, t), err)
		}
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil, "", errutil.DataInvalid("no values to draw from", nil)
	}
	return out, t, nil
}

// AddRandomColumn appends a column where each row draws one of the values.
func (s *Service) AddRandomColumn(ctx context.Context, userID int64, wf *model.Workflow, spec ColumnSpec, values string) (*model.Column, error) {
	ctx, release, err := s.Access(ctx, wf.ID)
	if err != nil {
		return nil, err
	}
	defer release()

	cols, err := s.requireData(ctx, wf)
	if err != nil {
		return nil, err
	}
	if err := s.checkNewName(cols, spec.Name); err != nil {
		return nil, err
	}
	pool, t, err := ParseRandomValues(values, spec.Type, s.loc)
	if err != nil {
		return nil, err
	}
	spec.Type = t

	f, _, err := s.Data(ctx, wf, formula.SQL{})
	if err != nil {
		return nil, err
	}
	drawn := make([]any, f.NRows())
	for i := range drawn {
		drawn[i] = pool[rand.Intn(len(pool))]
	}
	col, err := s.addComputed(ctx, userID, wf, cols, f, spec, drawn)
	if err != nil {
		return nil, err
	}
	s.log(ctx, logs.ColumnAddRandom, userID, wf, map[string]any{"column": col.Name, "values": values})
	return col, nil
}

// RenameColumn renames a column and rewrites every formula, template and
// scheduled operation that refers to it.
func (s *Service) RenameColumn(ctx context.Context, userID int64, wf *model.Workflow, oldName, newName string) error {
	ctx, release, err := s.Access(ctx, wf.ID)
	if err != nil {
		return err
	}
	defer release()

	cols, err := s.requireData(ctx, wf)
	if err != nil {
		return err
	}
	col, err := s.Column(ctx, wf.ID, oldName)
	if err != nil {
		return err
	}
	if oldName == newName {
		return nil
	}
	if err := s.checkNewName(cols, newName); err != nil {
		return err
	}

	err = s.transaction(ctx, func(tx *Service) error {
		if err := tx.store.RenameColumn(ctx, wf.PhysicalTable(), oldName, newName); err != nil {
			return err
		}
		col.Name = newName
		if err := tx.db.Save(col).Error; err != nil {
			return err
		}
		if err := tx.rewriteFormulas(ctx, wf.ID, func(n *formula.Node) (*formula.Node, bool) {
			if !formula.HasVariable(n, oldName) {
				return n, false
			}
			return formula.RenameVariable(n, oldName, newName), true
		}); err != nil {
			return err
		}

		var actions []model.Action
		if err := tx.db.Where("workflow_id = ?", wf.ID).Find(&actions).Error; err != nil {
			return err
		}
		for _, a := range actions {
			body := template.RenameVariable(a.TextContent, oldName, newName)
			if body == a.TextContent {
				continue
			}
			if err := tx.db.Model(&model.Action{}).Where("id = ?", a.ID).Update("text_content", body).Error; err != nil {
				return err
			}
		}
		if err := tx.db.Model(&model.ScheduledOperation{}).
			Where("workflow_id = ? AND item_column = ?", wf.ID, oldName).
			Update("item_column", newName).Error; err != nil {
			return err
		}
		return tx.refreshShape(ctx, wf)
	})
	if err != nil {
		return err
	}
	s.log(ctx, logs.ColumnRename, userID, wf, map[string]any{"old_name": oldName, "new_name": newName})
	return nil
}

// rewriteFormulas applies fn to every filter and condition formula of the workflow.
func (s *Service) rewriteFormulas(ctx context.Context, workflowID int64, fn func(*formula.Node) (*formula.Node, bool)) error {
	var filters []model.Filter
	if err := s.db.WithContext(ctx).Where("workflow_id = ?", workflowID).Find(&filters).Error; err != nil {
		return err
	}
	for _, f := range filters {
		n, err := formula.Parse(f.Formula)
		if err != nil || n == nil {
			continue
		}
		if out, changed := fn(n); changed {
			raw, err := out.Marshal()
			if err != nil {
				return err
			}
			if err := s.db.WithContext(ctx).Model(&model.Filter{}).Where("id = ?", f.ID).Update("formula", raw).Error; err != nil {
				return err
			}
		}
	}

	var conds []model.Condition
	if err := s.db.WithContext(ctx).Where("workflow_id = ?", workflowID).Find(&conds).Error; err != nil {
		return err
	}
	for _, c := range conds {
		n, err := formula.Parse(c.Formula)
		if err != nil || n == nil {
			continue
		}
		if out, changed := fn(n); changed {
			raw, err := out.Marshal()
			if err != nil {
				return err
			}
			if err := s.db.WithContext(ctx).Model(&model.Condition{}).Where("id = ?", c.ID).Update("formula", raw).Error; err != nil {
				return err
			}
		}
	}
	return nil
}

// formulasUsing lists the parsed filter and condition formulas that refer
// to name.
func (s *Service) formulasUsing(ctx context.Context, workflowID int64, name string) ([]*formula.Node, error) {
	var out []*formula.Node
	err := s.rewriteFormulas(ctx, workflowID, func(n *formula.Node) (*formula.Node, bool) {
		if formula.HasVariable(n, name) {
			out = append(out, n)
		}
		return n, false
	})
	return out, err
}

// RetypeColumn converts a column to another data type. It fails when a
// value does not convert, when a formula uses an operator the new type does
// not offer, or when a key column would lose uniqueness.
func (s *Service) RetypeColumn(ctx context.Context, userID int64, wf *model.Workflow, name string, t dataframe.Type) error {
	if _, err := dataframe.ParseType(string(t)); err != nil {
		return errutil.DataInvalid("invalid column type", err)
	}
	ctx, release, err := s.Access(ctx, wf.ID)
	if err != nil {
		return err
	}
	defer release()

	col, err := s.Column(ctx, wf.ID, name)
	if err != nil {
		return err
	}
	if col.DataType == string(t) {
		return nil
	}
	used, err := s.formulasUsing(ctx, wf.ID, name)
	if err != nil {
		return err
	}
	for _, n := range used {
		if !formula.CompatibleWith(n, name, t) {
			return errutil.New(errutil.StatusFormulaType,
				fmt.Sprintf("column %q is used in a formula with an operator not available for %s", name, t))
		}
	}

	f, _, err := s.Data(ctx, wf, formula.SQL{})
	if err != nil {
		return err
	}
	src := f.Column(name)
	converted := make([]any, src.Len())
	for i, v := range src.Values {
		cv, err := dataframe.Coerce(v, t, s.loc)
		if err != nil {
			return errutil.DataInvalid(fmt.Sprintf("column %q cannot be converted to %s", name, t), err)
		}
		converted[i] = cv
	}
	next := f.Clone()
	next.Column(name).Type = t
	next.Column(name).Values = converted
	if col.IsKey && !next.Column(name).IsUnique() {
		return keyViolation("column %q would no longer be a key", name)
	}

	cats := Categories(col)
	err = s.transaction(ctx, func(tx *Service) error {
		col.DataType = string(t)
		setCategories(col, coerceAll(cats, t))
		if err := tx.db.Save(col).Error; err != nil {
			return err
		}
		if err := tx.store.Replace(ctx, wf.PhysicalTable(), next); err != nil {
			return err
		}
		if err := tx.rewriteFormulas(ctx, wf.ID, func(n *formula.Node) (*formula.Node, bool) {
			if !formula.HasVariable(n, name) {
				return n, false
			}
			return formula.Retype(n, name, t), true
		}); err != nil {
			return err
		}
		return tx.RefreshCounts(ctx, wf)
	})
	if err != nil {
		return err
	}
	s.log(ctx, logs.ColumnRetype, userID, wf, map[string]any{"column": name, "type": string(t)})
	return nil
}

// RestrictValues fixes the column categories to its current distinct values.
func (s *Service) RestrictValues(ctx context.Context, userID int64, wf *model.Workflow, name string) ([]any, error) {
	ctx, release, err := s.Access(ctx, wf.ID)
	if err != nil {
		return nil, err
	}
	defer release()

	col, err := s.Column(ctx, wf.ID, name)
	if err != nil {
		return nil, err
	}
	if col.IsKey {
		return nil, errutil.BadRequest("the values of a key column cannot be restricted", nil)
	}
	values, err := s.store.Distinct(ctx, wf.PhysicalTable(), table.Column{Name: col.Name, Type: dataframe.Type(col.DataType)})
	if err != nil {
		return nil, err
	}
	setCategories(col, values)
	err = s.transaction(ctx, func(tx *Service) error {
		if err := tx.db.Save(col).Error; err != nil {
			return err
		}
		return tx.refreshShape(ctx, wf)
	})
	if err != nil {
		return nil, err
	}
	s.log(ctx, logs.ColumnRestrict, userID, wf, map[string]any{"column": name, "values": len(values)})
	return values, nil
}

// CloneColumn duplicates a column as "Copy of <name>" at the last position.
func (s *Service) CloneColumn(ctx context.Context, userID int64, wf *model.Workflow, name string) (*model.Column, error) {
	ctx, release, err := s.Access(ctx, wf.ID)
	if err != nil {
		return nil, err
	}
	defer release()

	cols, err := s.requireData(ctx, wf)
	if err != nil {
		return nil, err
	}
	src, err := s.Column(ctx, wf.ID, name)
	if err != nil {
		return nil, err
	}
	taken := map[string]bool{}
	for _, c := range cols {
		taken[c.Name] = true
	}
	newName := "Copy of " + name
	for i := 2; taken[newName]; i++ {
		newName = fmt.Sprintf("Copy of %s (%d)", name, i)
	}

	f, _, err := s.Data(ctx, wf, formula.SQL{})
	if err != nil {
		return nil, err
	}
	values := append([]any{}, f.Column(name).Values...)
	spec := ColumnSpec{
		Name:        newName,
		Description: src.Description,
		Type:        dataframe.Type(src.DataType),
		Categories:  Categories(src),
		ActiveFrom:  src.ActiveFrom,
		ActiveTo:    src.ActiveTo,
	}
	if err := s.checkNewName(cols, newName); err != nil {
		return nil, err
	}
	col, err := s.addComputed(ctx, userID, wf, cols, f, spec, values)
	if err != nil {
		return nil, err
	}
	s.log(ctx, logs.ColumnClone, userID, wf, map[string]any{"column": name, "new_name": newName})
	return col, nil
}

// SetKey flags or unflags a column as key.
func (s *Service) SetKey(ctx context.Context, userID int64, wf *model.Workflow, name string, isKey bool) error {
	ctx, release, err := s.Access(ctx, wf.ID)
	if err != nil {
		return err
	}
	defer release()

	cols, err := s.requireData(ctx, wf)
	if err != nil {
		return err
	}
	col, err := s.Column(ctx, wf.ID, name)
	if err != nil {
		return err
	}
	if col.IsKey == isKey {
		return nil
	}
	if isKey {
		f, err := s.store.Load(ctx, wf.PhysicalTable(), []table.Column{{Name: name, Type: dataframe.Type(col.DataType)}}, formula.SQL{})
		if err != nil {
			return err
		}
		if !f.Column(name).IsUnique() {
			return keyViolation("column %q has repeated or empty values", name)
		}
	} else {
		keys := 0
		for _, c := range cols {
			if c.IsKey {
				keys++
			}
		}
		if keys <= 1 {
			return keyViolation("the workflow must keep at least one key column")
		}
	}
	col.IsKey = isKey
	if err := s.db.WithContext(ctx).Save(col).Error; err != nil {
		return err
	}
	s.log(ctx, logs.WorkflowUpdate, userID, wf, map[string]any{"column": name, "is_key": isKey})
	return nil
}

// ReorderColumn moves a column to position (1 based) and repacks the others.
func (s *Service) ReorderColumn(ctx context.Context, userID int64, wf *model.Workflow, name string, position int) error {
	ctx, release, err := s.Access(ctx, wf.ID)
	if err != nil {
		return err
	}
	defer release()

	cols, err := s.requireData(ctx, wf)
	if err != nil {
		return err
	}
	if position < 1 || position > len(cols) {
		return errutil.BadRequest(fmt.Sprintf("position must be between 1 and %d", len(cols)), nil)
	}
	idx := -1
	for i, c := range cols {
		if c.Name == name {
			idx = i
		}
	}
	if idx < 0 {
		return errutil.NotFound(fmt.Sprintf("column %q not found", name), nil)
	}
	moved := cols[idx]
	rest := append(append([]model.Column{}, cols[:idx]...), cols[idx+1:]...)
	ordered := append(append(append([]model.Column{}, rest[:position-1]...), moved), rest[position-1:]...)

	err = s.transaction(ctx, func(tx *Service) error {
		if err := tx.repack(ctx, ordered); err != nil {
			return err
		}
		return tx.refreshShape(ctx, wf)
	})
	if err != nil {
		return err
	}
	s.log(ctx, logs.ColumnReorder, userID, wf, map[string]any{"column": name, "position": position})
	return nil
}

func (s *Service) repack(ctx context.Context, ordered []model.Column) error {
	for i, c := range ordered {
		if c.Position == i+1 {
			continue
		}
		if err := s.db.WithContext(ctx).Model(&model.Column{}).Where("id = ?", c.ID).Update("position", i+1).Error; err != nil {
			return err
		}
	}
	return nil
}

// DeleteColumn removes a column, the conditions and filters that use it,
// and its survey bindings, rubric cells and view memberships.
func (s *Service) DeleteColumn(ctx context.Context, userID int64, wf *model.Workflow, name string) error {
	ctx, release, err := s.Access(ctx, wf.ID)
	if err != nil {
		return err
	}
	defer release()

	cols, err := s.requireData(ctx, wf)
	if err != nil {
		return err
	}
	col, err := s.Column(ctx, wf.ID, name)
	if err != nil {
		return err
	}
	if col.IsKey {
		keys := 0
		for _, c := range cols {
			if c.IsKey {
				keys++
			}
		}
		if keys <= 1 {
			return keyViolation("the last key column cannot be deleted")
		}
	}

	err = s.transaction(ctx, func(tx *Service) error {
		if err := tx.cascadeDelete(ctx, wf, col); err != nil {
			return err
		}
		if err := tx.store.DropColumn(ctx, wf.PhysicalTable(), name); err != nil {
			return err
		}
		remaining, err := tx.Columns(ctx, wf.ID)
		if err != nil {
			return err
		}
		if err := tx.repack(ctx, remaining); err != nil {
			return err
		}
		return tx.RefreshCounts(ctx, wf)
	})
	if err != nil {
		return err
	}
	s.log(ctx, logs.ColumnDelete, userID, wf, map[string]any{"column": name})
	return nil
}

// cascadeDelete removes the column record and everything that refers to it.
// The physical column is left to the caller.
func (s *Service) cascadeDelete(ctx context.Context, wf *model.Workflow, col *model.Column) error {
	db := s.db.WithContext(ctx)

	var conds []model.Condition
	if err := db.Where("workflow_id = ?", wf.ID).Find(&conds).Error; err != nil {
		return err
	}
	for _, c := range conds {
		n, err := formula.Parse(c.Formula)
		if err != nil || !formula.HasVariable(n, col.Name) {
			continue
		}
		zap.L().Info("[Workflow] deleting condition using a deleted column",
			zap.Int64("condition_id", c.ID), zap.String("column", col.Name))
		if err := s.deleteCondition(ctx, &c); err != nil {
			return err
		}
	}

	var filters []model.Filter
	if err := db.Where("workflow_id = ?", wf.ID).Find(&filters).Error; err != nil {
		return err
	}
	for _, f := range filters {
		n, err := formula.Parse(f.Formula)
		if err != nil || !formula.HasVariable(n, col.Name) {
			continue
		}
		if err := s.deleteFilter(ctx, f.ID); err != nil {
			return err
		}
	}

	var views []model.View
	if err := db.Where("workflow_id = ?", wf.ID).Find(&views).Error; err != nil {
		return err
	}
	for _, v := range views {
		ids := v.Columns()
		kept := ids[:0]
		for _, id := range ids {
			if id != col.ID {
				kept = append(kept, id)
			}
		}
		if len(kept) == len(v.Columns()) {
			continue
		}
		v.SetColumns(kept)
		if err := db.Model(&model.View{}).Where("id = ?", v.ID).Update("column_ids", v.ColumnIDs).Error; err != nil {
			return err
		}
	}

	if err := db.Where("column_id = ?", col.ID).Delete(&model.ColumnConditionPair{}).Error; err != nil {
		return err
	}
	if err := db.Where("column_id = ?", col.ID).Delete(&model.RubricCell{}).Error; err != nil {
		return err
	}
	if wf.LuserEmailColumnID != nil && *wf.LuserEmailColumnID == col.ID {
		wf.LuserEmailColumnID = nil
		if err := db.Model(&model.Workflow{}).Where("id = ?", wf.ID).Update("luser_email_column_id", nil).Error; err != nil {
			return err
		}
	}
	return db.Delete(&model.Column{}, "id = ?", col.ID).Error
}
