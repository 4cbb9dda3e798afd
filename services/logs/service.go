// Package logs is the append-only audit trail of workflow mutations and
// action executions.
package logs

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"ontask/pkg/config"
	"ontask/services/model"
)

const (
	WorkflowCreate     = "workflow_create"
	WorkflowUpdate     = "workflow_update"
	WorkflowDelete     = "workflow_delete"
	WorkflowClone      = "workflow_clone"
	WorkflowImport     = "workflow_import"
	WorkflowDataUpload = "workflow_data_upload"
	WorkflowDataMerge  = "workflow_data_merge"
	ColumnAdd          = "column_add"
	ColumnAddFormula   = "column_add_formula"
	ColumnAddRandom    = "column_add_random"
	ColumnRename       = "column_rename"
	ColumnRetype       = "column_retype"
	ColumnClone        = "column_clone"
	ColumnDelete       = "column_delete"
	ColumnRestrict     = "column_restrict"
	ColumnReorder      = "column_reorder"
	ViewCreate         = "view_create"
	ViewUpdate         = "view_update"
	ViewDelete         = "view_delete"
	ConditionCreate    = "condition_create"
	ConditionUpdate    = "condition_update"
	ConditionDelete    = "condition_delete"
	FilterUpdate       = "filter_update"
	ActionRunPrefix    = "action_run_"
	ActionEmailRead    = "action_email_read"
	ActionZipDownload  = "action_zip"
	ScheduleCreate     = "schedule_create"
	ScheduleEdit       = "schedule_edit"
	ScheduleDelete     = "schedule_delete"
	ScheduleExecute    = "schedule_execute"
	SurveyInput        = "survey_input"
)

type Entry struct {
	Name       string
	UserID     int64
	WorkflowID *int64
	Payload    map[string]any
}

type Service struct {
	db      *gorm.DB
	node    *snowflake.Node
	maxList int
}

type ServiceParams struct {
	fx.In
	DB     *gorm.DB
	Node   *snowflake.Node
	Config *config.Config `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	maxList := 200
	if p.Config != nil && p.Config.MaxLogListSize > 0 {
		maxList = p.Config.MaxLogListSize
	}
	return &Service{db: p.DB, node: p.Node, maxList: maxList}
}

// WithDB returns a service writing through db.
func (s *Service) WithDB(db *gorm.DB) *Service {
	return &Service{db: db, node: s.node, maxList: s.maxList}
}

func (s *Service) Append(ctx context.Context, e Entry) (*model.Log, error) {
	if s == nil || s.db == nil {
		return nil, gorm.ErrInvalidDB
	}
	if e.Payload == nil {
		e.Payload = map[string]any{}
	}
	l := &model.Log{
		ID:         s.node.Generate().Int64(),
		UserID:     e.UserID,
		WorkflowID: e.WorkflowID,
		Name:       e.Name,
		Payload:    model.MustJSON(e.Payload),
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(l).Error; err != nil {
		zap.L().Error("[Logs] failed to append", zap.String("name", e.Name), zap.Error(err))
		return nil, err
	}
	return l, nil
}

// Update merges payload into the stored payload of log id.
func (s *Service) Update(ctx context.Context, id int64, payload map[string]any) error {
	if s == nil || s.db == nil {
		return gorm.ErrInvalidDB
	}
	var l model.Log
	if err := s.db.WithContext(ctx).First(&l, "id = ?", id).Error; err != nil {
		return err
	}
	merged := l.PayloadMap()
	for k, v := range payload {
		merged[k] = v
	}
	raw, err := json.Marshal(merged)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Model(&model.Log{}).Where("id = ?", id).Update("payload", datatypes.JSON(raw)).Error
}

func (s *Service) Get(ctx context.Context, id int64) (*model.Log, error) {
	if s == nil || s.db == nil {
		return nil, gorm.ErrInvalidDB
	}
	var l model.Log
	if err := s.db.WithContext(ctx).First(&l, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &l, nil
}

// List returns the newest logs of a workflow, capped at MAX_LOG_LIST_SIZE.
func (s *Service) List(ctx context.Context, workflowID int64, limit int) ([]model.Log, error) {
	if s == nil || s.db == nil {
		return nil, gorm.ErrInvalidDB
	}
	if limit <= 0 || limit > s.maxList {
		limit = s.maxList
	}
	var out []model.Log
	err := s.db.WithContext(ctx).
		Where("workflow_id = ?", workflowID).
		Order("created_at DESC").Order("id DESC").
		Limit(limit).
		Find(&out).Error
	return out, err
}
