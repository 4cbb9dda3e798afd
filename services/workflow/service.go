// Package workflow owns the workflow metadata: columns, views, filters,
// conditions and actions, and keeps it consistent with the data table.
package workflow

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"ontask/pkg/config"
	"ontask/pkg/dataframe"
	"ontask/pkg/errutil"
	"ontask/pkg/formula"
	"ontask/pkg/lock"
	"ontask/services/logs"
	"ontask/services/model"
	"ontask/services/table"
)

type Service struct {
	db      *gorm.DB
	node    *snowflake.Node
	store   *table.Store
	logs    *logs.Service
	locker  lock.Locker
	loc     *time.Location
	lockTTL time.Duration
	now     func() time.Time
}

type ServiceParams struct {
	fx.In
	DB     *gorm.DB
	Node   *snowflake.Node
	Logs   *logs.Service
	Locker lock.Locker
	Config *config.Config
}

func NewService(p ServiceParams) *Service {
	ttl := p.Config.WorkflowLockTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Service{
		db:      p.DB,
		node:    p.Node,
		store:   table.New(p.DB),
		logs:    p.Logs,
		locker:  p.Locker,
		loc:     p.Config.Location(),
		lockTTL: ttl,
		now:     time.Now,
	}
}

// WithDB returns a copy of the service that reads and writes through db.
func (s *Service) WithDB(db *gorm.DB) *Service {
	c := *s
	c.db = db
	c.store = s.store.WithDB(db)
	c.logs = s.logs.WithDB(db)
	return &c
}

// transaction runs fn with a service bound to a single transaction.
func (s *Service) transaction(ctx context.Context, fn func(tx *Service) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(s.WithDB(tx))
	})
}

func (s *Service) DB() *gorm.DB { return s.db }
func (s *Service) Store() *table.Store { return s.store }
func (s *Service) Logs() *logs.Service { return s.logs }
func (s *Service) Location() *time.Location { return s.loc }
func (s *Service) NewID() int64 { return s.node.Generate().Int64() }
func (s *Service) Now() time.Time { return s.now().UTC() }
func (s *Service) SetClock(now func() time.Time) { s.now = now }

func notFound(what string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return errutil.NotFound(what+" not found", nil)
	}
	return err
}

func (s *Service) log(ctx context.Context, name string, userID int64, wf *model.Workflow, payload map[string]any) {
	var wfID *int64
	if wf != nil {
		id := wf.ID
		wfID = &id
	}
	if _, err := s.logs.Append(ctx, logs.Entry{Name: name, UserID: userID, WorkflowID: wfID, Payload: payload}); err != nil {
		zap.L().Warn("[Workflow] failed to write log", zap.String("name", name), zap.Error(err))
	}
}

type CreateRequest struct {
	UserID      int64
	Name        string
	Description string
	Attributes  map[string]string
}

func (s *Service) Create(ctx context.Context, req CreateRequest) (*model.Workflow, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, errutil.BadRequest("workflow name is required", nil, errutil.WithField("name", "required"))
	}
	var n int64
	if err := s.db.WithContext(ctx).Model(&model.Workflow{}).
		Where("user_id = ? AND name = ?", req.UserID, name).Count(&n).Error; err != nil {
		return nil, err
	}
	if n > 0 {
		return nil, errutil.Conflict("a workflow with this name already exists", nil, errutil.WithField("name", name))
	}

	wf := &model.Workflow{
		ID:          s.NewID(),
		UserID:      req.UserID,
		Name:        name,
		Description: req.Description,
	}
	wf.SetAttrs(req.Attributes)
	wf.QueryBuilderOps = model.MustJSON([]QueryBuilderOp{})
	if err := s.db.WithContext(ctx).Create(wf).Error; err != nil {
		return nil, err
	}
	s.log(ctx, logs.WorkflowCreate, req.UserID, wf, map[string]any{"name": wf.Name})
	return wf, nil
}

func (s *Service) Get(ctx context.Context, id int64) (*model.Workflow, error) {
	if s == nil || s.db == nil {
		return nil, gorm.ErrInvalidDB
	}
	var wf model.Workflow
	if err := s.db.WithContext(ctx).First(&wf, "id = ?", id).Error; err != nil {
		return nil, notFound("workflow", err)
	}
	return &wf, nil
}

type UpdateRequest struct {
	Name             *string
	Description      *string
	Attributes       map[string]string
	LuserEmailColumn *string
}

func (s *Service) Update(ctx context.Context, userID, id int64, req UpdateRequest) (*model.Workflow, error) {
	wf, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return nil, errutil.BadRequest("workflow name is required", nil)
		}
		var n int64
		if err := s.db.WithContext(ctx).Model(&model.Workflow{}).
			Where("user_id = ? AND name = ? AND id <> ?", wf.UserID, name, wf.ID).Count(&n).Error; err != nil {
			return nil, err
		}
		if n > 0 {
			return nil, errutil.Conflict("a workflow with this name already exists", nil)
		}
		wf.Name = name
	}
	if req.Description != nil {
		wf.Description = *req.Description
	}
	if req.Attributes != nil {
		wf.SetAttrs(req.Attributes)
	}
	if req.LuserEmailColumn != nil {
		if *req.LuserEmailColumn == "" {
			wf.LuserEmailColumnID = nil
		} else {
			col, err := s.Column(ctx, wf.ID, *req.LuserEmailColumn)
			if err != nil {
				return nil, err
			}
			wf.LuserEmailColumnID = &col.ID
		}
	}
	if err := s.db.WithContext(ctx).Save(wf).Error; err != nil {
		return nil, err
	}
	s.log(ctx, logs.WorkflowUpdate, userID, wf, map[string]any{"name": wf.Name})
	return wf, nil
}

// Delete removes the workflow metadata and its data table.
func (s *Service) Delete(ctx context.Context, userID, id int64) error {
	ctx, release, err := s.Access(ctx, id)
	if err != nil {
		return err
	}
	defer release()

	wf, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	err = s.transaction(ctx, func(tx *Service) error {
		var actionIDs []int64
		if err := tx.db.Model(&model.Action{}).Where("workflow_id = ?", id).Pluck("id", &actionIDs).Error; err != nil {
			return err
		}
		if len(actionIDs) > 0 {
			for _, m := range []any{&model.ColumnConditionPair{}, &model.RubricCell{}} {
				if err := tx.db.Where("action_id IN ?", actionIDs).Delete(m).Error; err != nil {
					return err
				}
			}
		}
		for _, m := range []any{&model.Condition{}, &model.Filter{}, &model.View{}, &model.Action{},
			&model.Column{}, &model.ScheduledOperation{}} {
			if err := tx.db.Where("workflow_id = ?", id).Delete(m).Error; err != nil {
				return err
			}
		}
		if err := tx.db.Delete(&model.Workflow{}, "id = ?", id).Error; err != nil {
			return err
		}
		return tx.store.Drop(ctx, wf.PhysicalTable())
	})
	if err != nil {
		return err
	}
	s.log(ctx, logs.WorkflowDelete, userID, nil, map[string]any{"id": id, "name": wf.Name})
	return nil
}

// Columns returns the workflow columns ordered by position.
func (s *Service) Columns(ctx context.Context, workflowID int64) ([]model.Column, error) {
	if s == nil || s.db == nil {
		return nil, gorm.ErrInvalidDB
	}
	var cols []model.Column
	err := s.db.WithContext(ctx).Where("workflow_id = ?", workflowID).Order("position ASC").Find(&cols).Error
	return cols, err
}

func (s *Service) Column(ctx context.Context, workflowID int64, name string) (*model.Column, error) {
	var col model.Column
	if err := s.db.WithContext(ctx).Where("workflow_id = ? AND name = ?", workflowID, name).First(&col).Error; err != nil {
		return nil, notFound("column "+name, err)
	}
	return &col, nil
}

// Schema maps column names to their data types.
func Schema(cols []model.Column) formula.Schema {
	out := make(formula.Schema, len(cols))
	for _, c := range cols {
		out[c.Name] = dataframe.Type(c.DataType)
	}
	return out
}

// TableColumns converts column records for the table store.
func TableColumns(cols []model.Column) []table.Column {
	out := make([]table.Column, len(cols))
	for i, c := range cols {
		out[i] = table.Column{Name: c.Name, Type: dataframe.Type(c.DataType)}
	}
	return out
}

// Data loads the rows matching where, with every column.
func (s *Service) Data(ctx context.Context, wf *model.Workflow, where formula.SQL) (*dataframe.Frame, []model.Column, error) {
	cols, err := s.Columns(ctx, wf.ID)
	if err != nil {
		return nil, nil, err
	}
	if len(cols) == 0 {
		return dataframe.Empty(), cols, nil
	}
	f, err := s.store.Load(ctx, wf.PhysicalTable(), TableColumns(cols), where)
	if err != nil {
		return nil, nil, err
	}
	return f, cols, nil
}

// Compile parses and compiles a stored formula against the columns.
func (s *Service) Compile(raw []byte, cols []model.Column) (formula.Expr, error) {
	n, err := formula.Parse(raw)
	if err != nil {
		return nil, err
	}
	return formula.Compile(n, Schema(cols), s.loc)
}

// Where compiles a stored formula into a WHERE fragment.
func (s *Service) Where(raw []byte, cols []model.Column) (formula.SQL, error) {
	e, err := s.Compile(raw, cols)
	if err != nil {
		return formula.SQL{}, err
	}
	return formula.ToSQL(e, s.store.Dialect()), nil
}

// KeyColumn returns the first key column by position.
func KeyColumn(cols []model.Column) *model.Column {
	for i := range cols {
		if cols[i].IsKey {
			return &cols[i]
		}
	}
	return nil
}
