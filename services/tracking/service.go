// Package tracking counts email reads through a signed 1x1 image URL.
package tracking

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"ontask/pkg/config"
	"ontask/pkg/dataframe"
	"ontask/pkg/metrics"
	"ontask/pkg/token"
	"ontask/services/logs"
	"ontask/services/model"
	"ontask/services/workflow"
)

// ColumnPrefix names the per run read counter columns.
const ColumnPrefix = "EmailRead_"

// Payload is the mapping carried by a tracking token.
type Payload struct {
	Action    int64  `json:"action"`
	Sender    string `json:"sender"`
	To        string `json:"to"`
	ColumnTo  string `json:"column_to"`
	ColumnDst string `json:"column_dst"`
}

type Service struct {
	wf      *workflow.Service
	signer  *token.Signer
	baseURL string
}

type ServiceParams struct {
	fx.In
	Workflow *workflow.Service
	Config   *config.Config
}

func NewService(p ServiceParams) *Service {
	return &Service{
		wf:      p.Workflow,
		signer:  token.NewSigner(p.Config.SecretKey, p.Config.Tracking.TokenTTL),
		baseURL: strings.TrimRight(p.Config.BaseURL, "/"),
	}
}

func (s *Service) Signer() *token.Signer { return s.signer }

// EnableTracking adds the next free EmailRead_<n> counter column, integer
// with every row at 0, and returns its name.
func (s *Service) EnableTracking(ctx context.Context, userID int64, wf *model.Workflow) (string, error) {
	cols, err := s.wf.Columns(ctx, wf.ID)
	if err != nil {
		return "", err
	}
	taken := make(map[string]bool, len(cols))
	for _, c := range cols {
		taken[c.Name] = true
	}
	name := ""
	for n := 1; ; n++ {
		if name = fmt.Sprintf("%s%d", ColumnPrefix, n); !taken[name] {
			break
		}
	}
	_, err = s.wf.AddColumn(ctx, userID, wf, workflow.ColumnSpec{
		Name:        name,
		Description: "Number of times the email was opened",
		Type:        dataframe.Integer,
		Initial:     int64(0),
	})
	if err != nil {
		return "", err
	}
	return name, nil
}

// TrackURL returns the image URL attributing a read to p.
func (s *Service) TrackURL(p Payload) (string, error) {
	tok, err := s.signer.Sign(p)
	if err != nil {
		return "", err
	}
	return s.baseURL + "/trck?v=" + url.QueryEscape(tok), nil
}

// Pixel is the image tag appended to tracked email bodies.
func (s *Service) Pixel(p Payload) (string, error) {
	u, err := s.TrackURL(p)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(`<img src="%s" alt="" width="1" height="1" style="display:none"/>`, u), nil
}

// Hit increments the counter of the row the token points at. Invalid or
// expired tokens and vanished columns are ignored.
func (s *Service) Hit(ctx context.Context, tok string) {
	var p Payload
	if err := s.signer.Verify(tok, &p); err != nil {
		zap.L().Debug("[Tracking] ignoring token", zap.Error(err))
		return
	}
	var a model.Action
	if err := s.wf.DB().WithContext(ctx).First(&a, "id = ?", p.Action).Error; err != nil {
		zap.L().Debug("[Tracking] action is gone", zap.Int64("action_id", p.Action))
		return
	}
	wf, err := s.wf.Get(ctx, a.WorkflowID)
	if err != nil {
		return
	}
	if _, err := s.wf.Column(ctx, wf.ID, p.ColumnDst); err != nil {
		return
	}
	if _, err := s.wf.Column(ctx, wf.ID, p.ColumnTo); err != nil {
		return
	}
	n, err := s.wf.Store().Increment(ctx, wf.PhysicalTable(), p.ColumnDst, p.ColumnTo, p.To)
	if err != nil {
		zap.L().Warn("[Tracking] failed to count read", zap.Int64("workflow_id", wf.ID), zap.Error(err))
		return
	}
	if n == 0 {
		return
	}
	metrics.TrackingReads.Inc()
	id := wf.ID
	if _, err := s.wf.Logs().Append(ctx, logs.Entry{
		Name:       logs.ActionEmailRead,
		UserID:     wf.UserID,
		WorkflowID: &id,
		Payload:    map[string]any{"action": a.Name, "to": p.To, "email_column": p.ColumnTo, "column_dst": p.ColumnDst},
	}); err != nil {
		zap.L().Warn("[Tracking] failed to write log", zap.Error(err))
	}
}
