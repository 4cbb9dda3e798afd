// Package model holds the metadata records shared by the services.
package model

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// TablePrefix is the name prefix of every workflow data table.
const TablePrefix = "__ONTASK_WORKFLOW_TABLE_"

type User struct {
	ID        int64     `gorm:"column:id;primaryKey;autoIncrement:false"`
	Email     string    `gorm:"column:email;uniqueIndex;size:254"`
	Name      string    `gorm:"column:name"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

func (User) TableName() string { return "users" }

// OAuthToken is a Canvas access token held for a user and instance.
type OAuthToken struct {
	ID           int64     `gorm:"column:id;primaryKey;autoIncrement:false"`
	UserID       int64     `gorm:"column:user_id;uniqueIndex:idx_oauth_user_instance"`
	Instance     string    `gorm:"column:instance;uniqueIndex:idx_oauth_user_instance;size:200"`
	AccessToken  string    `gorm:"column:access_token"`
	RefreshToken string    `gorm:"column:refresh_token"`
	ValidUntil   time.Time `gorm:"column:valid_until"`
	CreatedAt    time.Time `gorm:"column:created_at"`
	UpdatedAt    time.Time `gorm:"column:updated_at"`
}

func (OAuthToken) TableName() string { return "oauth_tokens" }

type Workflow struct {
	ID                 int64          `gorm:"column:id;primaryKey;autoIncrement:false"`
	UserID             int64          `gorm:"column:user_id;uniqueIndex:idx_workflow_user_name"`
	Name               string         `gorm:"column:name;uniqueIndex:idx_workflow_user_name;size:512"`
	Description        string         `gorm:"column:description"`
	NRows              int64          `gorm:"column:nrows"`
	NCols              int64          `gorm:"column:ncols"`
	Attributes         datatypes.JSON `gorm:"column:attributes"`
	LuserEmailColumnID *int64         `gorm:"column:luser_email_column_id"`
	QueryBuilderOps    datatypes.JSON `gorm:"column:query_builder_ops"`
	CreatedAt          time.Time      `gorm:"column:created_at"`
	UpdatedAt          time.Time      `gorm:"column:updated_at"`
}

func (Workflow) TableName() string { return "workflows" }

// PhysicalTable is the name of the table holding the workflow rows.
func (w *Workflow) PhysicalTable() string { return fmt.Sprintf("%s%d", TablePrefix, w.ID) }

func (w *Workflow) HasTable() bool { return w.NCols > 0 }

func (w *Workflow) Attrs() map[string]string {
	out := map[string]string{}
	if len(w.Attributes) > 0 {
		_ = json.Unmarshal(w.Attributes, &out)
	}
	return out
}

func (w *Workflow) SetAttrs(attrs map[string]string) {
	if attrs == nil {
		attrs = map[string]string{}
	}
	w.Attributes = MustJSON(attrs)
}

type Column struct {
	ID          int64          `gorm:"column:id;primaryKey;autoIncrement:false"`
	WorkflowID  int64          `gorm:"column:workflow_id;uniqueIndex:idx_column_workflow_name"`
	Name        string         `gorm:"column:name;uniqueIndex:idx_column_workflow_name;size:63"`
	Description string         `gorm:"column:description"`
	DataType    string         `gorm:"column:data_type"`
	IsKey       bool           `gorm:"column:is_key"`
	Position    int            `gorm:"column:position"`
	Categories  datatypes.JSON `gorm:"column:categories"`
	ActiveFrom  *time.Time     `gorm:"column:active_from"`
	ActiveTo    *time.Time     `gorm:"column:active_to"`
}

func (Column) TableName() string { return "columns" }

// Active reports whether now lies in the column activity window.
func (c *Column) Active(now time.Time) bool {
	return activeAt(c.ActiveFrom, c.ActiveTo, now)
}

type Filter struct {
	ID            int64          `gorm:"column:id;primaryKey;autoIncrement:false"`
	WorkflowID    int64          `gorm:"column:workflow_id;index"`
	Description   string         `gorm:"column:description"`
	Formula       datatypes.JSON `gorm:"column:formula"`
	SelectedCount int64          `gorm:"column:selected_count"`
}

func (Filter) TableName() string { return "filters" }

type Condition struct {
	ID            int64          `gorm:"column:id;primaryKey;autoIncrement:false"`
	WorkflowID    int64          `gorm:"column:workflow_id;index"`
	ActionID      int64          `gorm:"column:action_id;uniqueIndex:idx_condition_action_name"`
	Name          string         `gorm:"column:name;uniqueIndex:idx_condition_action_name;size:256"`
	Description   string         `gorm:"column:description"`
	Formula       datatypes.JSON `gorm:"column:formula"`
	NRowsSelected int64          `gorm:"column:n_rows_selected"`
}

func (Condition) TableName() string { return "conditions" }

type View struct {
	ID          int64          `gorm:"column:id;primaryKey;autoIncrement:false"`
	WorkflowID  int64          `gorm:"column:workflow_id;uniqueIndex:idx_view_workflow_name"`
	Name        string         `gorm:"column:name;uniqueIndex:idx_view_workflow_name;size:256"`
	Description string         `gorm:"column:description"`
	ColumnIDs   datatypes.JSON `gorm:"column:column_ids"`
	FilterID    *int64         `gorm:"column:filter_id"`
}

func (View) TableName() string { return "views" }

func (v *View) Columns() []int64 {
	var ids []int64
	if len(v.ColumnIDs) > 0 {
		_ = json.Unmarshal(v.ColumnIDs, &ids)
	}
	return ids
}

func (v *View) SetColumns(ids []int64) {
	if ids == nil {
		ids = []int64{}
	}
	v.ColumnIDs = MustJSON(ids)
}

type ActionType string

const (
	PersonalizedText        ActionType = "personalized_text"
	PersonalizedJSON        ActionType = "personalized_json"
	PersonalizedCanvasEmail ActionType = "personalized_canvas_email"
	EmailReport             ActionType = "email_report"
	JSONReport              ActionType = "json_report"
	Survey                  ActionType = "survey"
	RubricText              ActionType = "rubric_text"
)

func (t ActionType) Valid() bool {
	switch t {
	case PersonalizedText, PersonalizedJSON, PersonalizedCanvasEmail, EmailReport, JSONReport, Survey, RubricText:
		return true
	}
	return false
}

// IsJSON reports whether the body is a JSON template.
func (t ActionType) IsJSON() bool { return t == PersonalizedJSON || t == JSONReport }

// IsReport reports whether one artifact covers the whole filtered subset.
func (t ActionType) IsReport() bool { return t == EmailReport || t == JSONReport }

// IsIn reports whether the action collects data instead of sending it.
func (t ActionType) IsIn() bool { return t == Survey }

type Action struct {
	ID                int64      `gorm:"column:id;primaryKey;autoIncrement:false"`
	WorkflowID        int64      `gorm:"column:workflow_id;uniqueIndex:idx_action_workflow_name"`
	Name              string     `gorm:"column:name;uniqueIndex:idx_action_workflow_name;size:256"`
	Description       string     `gorm:"column:description"`
	ActionType        ActionType `gorm:"column:action_type"`
	TextContent       string     `gorm:"column:text_content"`
	TargetURL         string     `gorm:"column:target_url"`
	ServeEnabled      bool       `gorm:"column:serve_enabled"`
	Shuffle           bool       `gorm:"column:shuffle"`
	ActiveFrom        *time.Time `gorm:"column:active_from"`
	ActiveTo          *time.Time `gorm:"column:active_to"`
	FilterID          *int64     `gorm:"column:filter_id"`
	RowsAllFalse      int64      `gorm:"column:rows_all_false"`
	LastExecutedLogID *int64     `gorm:"column:last_executed_log_id"`
	CreatedAt         time.Time  `gorm:"column:created_at"`
	UpdatedAt         time.Time  `gorm:"column:updated_at"`
}

func (Action) TableName() string { return "actions" }

// Active reports whether now lies in the action activity window.
func (a *Action) Active(now time.Time) bool {
	return activeAt(a.ActiveFrom, a.ActiveTo, now)
}

// ColumnConditionPair binds a survey question to the condition deciding
// whether it is shown.
type ColumnConditionPair struct {
	ID          int64  `gorm:"column:id;primaryKey;autoIncrement:false"`
	ActionID    int64  `gorm:"column:action_id;uniqueIndex:idx_ccpair_action_column"`
	ColumnID    int64  `gorm:"column:column_id;uniqueIndex:idx_ccpair_action_column"`
	ConditionID *int64 `gorm:"column:condition_id"`
	Position    int    `gorm:"column:position"`
}

func (ColumnConditionPair) TableName() string { return "column_condition_pairs" }

// RubricCell is the feedback for one level of achievement of a criterion.
type RubricCell struct {
	ID           int64  `gorm:"column:id;primaryKey;autoIncrement:false"`
	ActionID     int64  `gorm:"column:action_id;uniqueIndex:idx_rubric_cell"`
	ColumnID     int64  `gorm:"column:column_id;uniqueIndex:idx_rubric_cell"`
	LoaPosition  int    `gorm:"column:loa_position;uniqueIndex:idx_rubric_cell"`
	Description  string `gorm:"column:description"`
	FeedbackText string `gorm:"column:feedback_text"`
}

func (RubricCell) TableName() string { return "rubric_cells" }

type ScheduleStatus string

const (
	StatusPending   ScheduleStatus = "pending"
	StatusExecuting ScheduleStatus = "executing"
	StatusDone      ScheduleStatus = "done"
	StatusDoneError ScheduleStatus = "done_error"
)

type OperationType string

const (
	OpPersonalizedEmail OperationType = "action_run_personalized_email"
	OpPersonalizedJSON  OperationType = "action_run_personalized_json"
	OpCanvasEmail       OperationType = "action_run_canvas_email"
	OpZip               OperationType = "action_run_zip"
	OpEmailReport       OperationType = "action_run_email_report"
	OpJSONReport        OperationType = "action_run_json_report"
	OpRubricEmail       OperationType = "action_run_rubric_email"
	OpUploadSQL         OperationType = "workflow_upload_sql"
	OpUploadS3          OperationType = "workflow_upload_s3"
	OpUploadAthena      OperationType = "workflow_upload_athena"
)

// IsActionRun reports whether the operation runs an action. Only these
// keep an exclude list.
func (t OperationType) IsActionRun() bool {
	switch t {
	case OpPersonalizedEmail, OpPersonalizedJSON, OpCanvasEmail, OpZip, OpEmailReport, OpJSONReport, OpRubricEmail:
		return true
	}
	return false
}

func (t OperationType) IsUpload() bool {
	return t == OpUploadSQL || t == OpUploadS3 || t == OpUploadAthena
}

type ScheduledOperation struct {
	ID                int64          `gorm:"column:id;primaryKey;autoIncrement:false"`
	UserID            int64          `gorm:"column:user_id;index"`
	WorkflowID        int64          `gorm:"column:workflow_id;index"`
	ActionID          *int64         `gorm:"column:action_id;index"`
	Name              string         `gorm:"column:name"`
	Description       string         `gorm:"column:description"`
	OperationType     OperationType  `gorm:"column:operation_type"`
	Execute           time.Time      `gorm:"column:execute;index"`
	ExecuteUntil      *time.Time     `gorm:"column:execute_until"`
	Frequency         string         `gorm:"column:frequency"`
	Status            ScheduleStatus `gorm:"column:status;index"`
	Payload           datatypes.JSON `gorm:"column:payload"`
	ItemColumn        string         `gorm:"column:item_column"`
	ExcludeValues     datatypes.JSON `gorm:"column:exclude_values"`
	LastExecutedLogID *int64         `gorm:"column:last_executed_log_id"`
	CreatedAt         time.Time      `gorm:"column:created_at"`
	UpdatedAt         time.Time      `gorm:"column:updated_at"`
}

func (ScheduledOperation) TableName() string { return "scheduled_operations" }

func (s *ScheduledOperation) PayloadMap() map[string]any {
	out := map[string]any{}
	if len(s.Payload) > 0 {
		_ = json.Unmarshal(s.Payload, &out)
	}
	return out
}

func (s *ScheduledOperation) Excluded() []string {
	var out []string
	if len(s.ExcludeValues) > 0 {
		_ = json.Unmarshal(s.ExcludeValues, &out)
	}
	return out
}

// Exclude appends values to the exclude list, keeping the first occurrence.
func (s *ScheduledOperation) Exclude(values ...string) {
	current := s.Excluded()
	seen := make(map[string]bool, len(current))
	for _, v := range current {
		seen[v] = true
	}
	for _, v := range values {
		if !seen[v] {
			seen[v] = true
			current = append(current, v)
		}
	}
	if current == nil {
		current = []string{}
	}
	s.ExcludeValues = MustJSON(current)
}

type Log struct {
	ID         int64          `gorm:"column:id;primaryKey;autoIncrement:false"`
	UserID     int64          `gorm:"column:user_id;index"`
	WorkflowID *int64         `gorm:"column:workflow_id;index"`
	Name       string         `gorm:"column:name;index"`
	Payload    datatypes.JSON `gorm:"column:payload"`
	CreatedAt  time.Time      `gorm:"column:created_at;index"`
}

func (Log) TableName() string { return "logs" }

func (l *Log) PayloadMap() map[string]any {
	out := map[string]any{}
	if len(l.Payload) > 0 {
		_ = json.Unmarshal(l.Payload, &out)
	}
	return out
}

type SQLConnection struct {
	ID          int64  `gorm:"column:id;primaryKey;autoIncrement:false"`
	Name        string `gorm:"column:name;uniqueIndex;size:256"`
	Description string `gorm:"column:description"`
	ConnType    string `gorm:"column:conn_type"`
	ConnDriver  string `gorm:"column:conn_driver"`
	DBUser      string `gorm:"column:db_user"`
	DBPassword  string `gorm:"column:db_password"`
	DBHost      string `gorm:"column:db_host"`
	DBPort      int    `gorm:"column:db_port"`
	DBName      string `gorm:"column:db_name"`
	DBTable     string `gorm:"column:db_table"`
	Enabled     bool   `gorm:"column:enabled"`
}

func (SQLConnection) TableName() string { return "sql_connections" }

// URI renders <conn_type>[+<driver>]://<user>:<pw>@<host>[:<port>]/<db_name>.
// password overrides the stored one when the record does not keep it.
func (c *SQLConnection) URI(password string) string {
	if password == "" {
		password = c.DBPassword
	}
	scheme := c.ConnType
	if c.ConnDriver != "" {
		scheme += "+" + c.ConnDriver
	}
	host := c.DBHost
	if c.DBPort > 0 {
		host = fmt.Sprintf("%s:%d", host, c.DBPort)
	}
	return fmt.Sprintf("%s://%s:%s@%s/%s", scheme, c.DBUser, password, host, c.DBName)
}

type AthenaConnection struct {
	ID                 int64  `gorm:"column:id;primaryKey;autoIncrement:false"`
	Name               string `gorm:"column:name;uniqueIndex;size:256"`
	Description        string `gorm:"column:description"`
	AWSAccessKey       string `gorm:"column:aws_access_key"`
	AWSSecretAccessKey string `gorm:"column:aws_secret_access_key"`
	AWSSessionToken    string `gorm:"column:aws_session_token"`
	AWSBucketName      string `gorm:"column:aws_bucket_name"`
	AWSFilePath        string `gorm:"column:aws_file_path"`
	AWSRegionName      string `gorm:"column:aws_region_name"`
	DBName             string `gorm:"column:db_name"`
	Table              string `gorm:"column:table_name"`
	Enabled            bool   `gorm:"column:enabled"`
}

func (AthenaConnection) TableName() string { return "athena_connections" }

// StagingDir is the S3 location Athena writes query results to.
func (c *AthenaConnection) StagingDir() string {
	return fmt.Sprintf("s3://%s/%s", c.AWSBucketName, c.AWSFilePath)
}

// All lists the records migrated by the initial schema.
func All() []any {
	return []any{
		&User{}, &OAuthToken{}, &Workflow{}, &Column{}, &Filter{}, &Condition{}, &View{},
		&Action{}, &ColumnConditionPair{}, &RubricCell{}, &ScheduledOperation{}, &Log{},
		&SQLConnection{}, &AthenaConnection{},
	}
}

// MustJSON marshals values that cannot fail to marshal.
func MustJSON(v any) datatypes.JSON {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return datatypes.JSON(b)
}

func activeAt(from, to *time.Time, now time.Time) bool {
	if from != nil && now.Before(*from) {
		return false
	}
	if to != nil && now.After(*to) {
		return false
	}
	return true
}
