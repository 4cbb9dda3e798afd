// Package survey serves survey and rubric actions to learners and stores
// their answers in the workflow table.
package survey

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"ontask/pkg/dataframe"
	"ontask/pkg/errutil"
	"ontask/services/logs"
	"ontask/services/model"
	"ontask/services/workflow"
)

type Question struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Type        dataframe.Type `json:"type"`
	Categories  []any          `json:"categories,omitempty"`
	Value       any            `json:"value"`
}

type Form struct {
	ActionID  int64      `json:"action_id"`
	Name      string     `json:"name"`
	Text      string     `json:"text,omitempty"`
	KeyColumn string     `json:"key_column"`
	Key       string     `json:"key"`
	Questions []Question `json:"questions"`
}

type Service struct {
	wf      *workflow.Service
	shuffle func(n int, swap func(i, j int))
}

type ServiceParams struct {
	fx.In
	Workflow *workflow.Service
}

func NewService(p ServiceParams) *Service {
	return &Service{wf: p.Workflow, shuffle: rand.Shuffle}
}

// SetShuffle replaces the question shuffler.
func (s *Service) SetShuffle(fn func(n int, swap func(i, j int))) { s.shuffle = fn }

// rows holds the rows an action serves and the workflow columns.
type rows struct {
	wf    *model.Workflow
	cols  []model.Column
	frame *dataframe.Frame
	key   *model.Column
	luser *model.Column
}

// Action returns a served action by id.
func (s *Service) Action(ctx context.Context, id int64) (*model.Workflow, *model.Action, error) {
	var a model.Action
	if err := s.wf.DB().WithContext(ctx).First(&a, "id = ?", id).Error; err != nil {
		return nil, nil, errutil.NotFound("action not found", nil)
	}
	if a.ActionType != model.Survey && a.ActionType != model.RubricText {
		return nil, nil, errutil.NotFound("action not found", nil)
	}
	if !a.ServeEnabled || !a.Active(s.wf.Now()) {
		return nil, nil, errutil.Forbidden("the action is not available", nil)
	}
	wf, err := s.wf.Get(ctx, a.WorkflowID)
	if err != nil {
		return nil, nil, err
	}
	return wf, &a, nil
}

func (s *Service) load(ctx context.Context, wf *model.Workflow, a *model.Action) (*rows, error) {
	cols, err := s.wf.Columns(ctx, wf.ID)
	if err != nil {
		return nil, err
	}
	where, err := s.wf.FilterWhere(ctx, a, cols)
	if err != nil {
		return nil, err
	}
	f, _, err := s.wf.Data(ctx, wf, where)
	if err != nil {
		return nil, err
	}
	r := &rows{wf: wf, cols: cols, frame: f}
	for i := range cols {
		if wf.LuserEmailColumnID != nil && cols[i].ID == *wf.LuserEmailColumnID {
			r.luser = &cols[i]
		}
	}
	if r.key = workflow.KeyColumn(cols); r.key == nil {
		return nil, errutil.New(errutil.StatusKeyViolation, "the workflow has no key column")
	}
	return r, nil
}

// visible reports whether row i belongs to the learner with email. An empty
// email sees every row.
func (r *rows) visible(i int, email string) bool {
	if email == "" {
		return true
	}
	if r.luser == nil {
		return false
	}
	v := dataframe.Format(r.frame.Row(i)[r.luser.Name], nil)
	return strings.EqualFold(strings.TrimSpace(v), strings.TrimSpace(email))
}

func (r *rows) find(key, email string) (int, error) {
	for i := 0; i < r.frame.NRows(); i++ {
		if dataframe.Format(r.frame.Row(i)[r.key.Name], nil) != key {
			continue
		}
		if !r.visible(i, email) {
			break
		}
		return i, nil
	}
	return 0, errutil.NotFound(fmt.Sprintf("row %q not found", key), nil)
}

// PendingRows lists the rows of the action filter that belong to the
// learner. An empty email lists all of them.
func (s *Service) PendingRows(ctx context.Context, actionID int64, email string) ([]map[string]any, error) {
	wf, a, err := s.Action(ctx, actionID)
	if err != nil {
		return nil, err
	}
	if email != "" && wf.LuserEmailColumnID == nil {
		return nil, errutil.Forbidden("the workflow has no learner email column", nil)
	}
	r, err := s.load(ctx, wf, a)
	if err != nil {
		return nil, err
	}
	out := []map[string]any{}
	for i := 0; i < r.frame.NRows(); i++ {
		if r.visible(i, email) {
			out = append(out, r.frame.Row(i))
		}
	}
	return out, nil
}

func (s *Service) questions(ctx context.Context, r *rows, a *model.Action, i int) ([]Question, error) {
	bindings, err := s.wf.Bindings(ctx, a.ID)
	if err != nil {
		return nil, err
	}
	conds, err := s.wf.Conditions(ctx, a.ID)
	if err != nil {
		return nil, err
	}
	values, err := s.wf.ConditionValues(conds, r.cols, r.frame.Take([]int{i}))
	if err != nil {
		return nil, err
	}
	condName := make(map[int64]string, len(conds))
	for _, c := range conds {
		condName[c.ID] = c.Name
	}
	byID := make(map[int64]model.Column, len(r.cols))
	for _, c := range r.cols {
		byID[c.ID] = c
	}

	now := s.wf.Now()
	row := r.frame.Row(i)
	var out []Question
	for _, b := range bindings {
		col, ok := byID[b.ColumnID]
		if !ok || col.IsKey || !col.Active(now) {
			continue
		}
		if b.ConditionID != nil && !values[0][condName[*b.ConditionID]] {
			continue
		}
		out = append(out, Question{
			Name:        col.Name,
			Description: col.Description,
			Type:        dataframe.Type(col.DataType),
			Categories:  workflow.Categories(&col),
			Value:       row[col.Name],
		})
	}
	if a.Shuffle && s.shuffle != nil {
		s.shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	}
	return out, nil
}

// Form returns the questions shown for row key.
func (s *Service) Form(ctx context.Context, actionID int64, key, email string) (*Form, error) {
	wf, a, err := s.Action(ctx, actionID)
	if err != nil {
		return nil, err
	}
	r, err := s.load(ctx, wf, a)
	if err != nil {
		return nil, err
	}
	i, err := r.find(key, email)
	if err != nil {
		return nil, err
	}
	qs, err := s.questions(ctx, r, a, i)
	if err != nil {
		return nil, err
	}
	return &Form{ActionID: a.ID, Name: a.Name, Text: a.Description, KeyColumn: r.key.Name, Key: key, Questions: qs}, nil
}

// Submit stores the answers for row key. Only the questions shown for the
// row are accepted; blank answers clear the cell.
func (s *Service) Submit(ctx context.Context, actionID int64, key, email string, answers map[string]string) error {
	wf, a, err := s.Action(ctx, actionID)
	if err != nil {
		return err
	}
	// Answers touch a single row, so they do not take the workflow lock.
	// Concurrent submits on one key resolve as last write wins.
	r, err := s.load(ctx, wf, a)
	if err != nil {
		return err
	}
	i, err := r.find(key, email)
	if err != nil {
		return err
	}
	qs, err := s.questions(ctx, r, a, i)
	if err != nil {
		return err
	}
	shown := make(map[string]Question, len(qs))
	for _, q := range qs {
		shown[q.Name] = q
	}

	values := map[string]any{}
	var order []string
	for name, raw := range answers {
		q, ok := shown[name]
		if !ok {
			return errutil.BadRequest(fmt.Sprintf("%q is not a question of this form", name), nil)
		}
		var v any
		if strings.TrimSpace(raw) != "" {
			if v, err = dataframe.Coerce(raw, q.Type, s.wf.Location()); err != nil {
				return errutil.DataInvalid(fmt.Sprintf("invalid answer for %q", name), err, errutil.WithField(name, "invalid"))
			}
			if len(q.Categories) > 0 && !allowed(q.Categories, v) {
				return errutil.New(errutil.StatusCategoryViolation, fmt.Sprintf("%v is not an allowed value of %q", raw, name),
					errutil.WithField(name, "invalid"))
			}
		}
		values[name] = v
		order = append(order, name)
	}
	if len(order) == 0 {
		return nil
	}
	sort.Strings(order)

	keyVal := r.frame.Row(i)[r.key.Name]
	n, err := s.wf.Store().UpdateRow(ctx, wf.PhysicalTable(), r.key.Name, keyVal, values, order)
	if err != nil {
		return err
	}
	if n == 0 {
		return errutil.NotFound(fmt.Sprintf("row %q not found", key), nil)
	}
	if err := s.wf.RefreshCounts(ctx, wf); err != nil {
		return err
	}
	wfID := wf.ID
	if _, err := s.wf.Logs().Append(ctx, logs.Entry{
		Name:       logs.SurveyInput,
		UserID:     wf.UserID,
		WorkflowID: &wfID,
		Payload:    map[string]any{"action": a.Name, "key": key, "learner": email, "columns": order},
	}); err != nil {
		zap.L().Warn("[Survey] failed to write log", zap.Error(err))
	}
	return nil
}

func allowed(cats []any, v any) bool {
	k := dataframe.KeyOf(v)
	for _, c := range cats {
		if dataframe.KeyOf(c) == k {
			return true
		}
	}
	return false
}
