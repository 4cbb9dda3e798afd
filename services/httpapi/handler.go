// Package httpapi exposes tracking, survey and workflow transfer routes.
package httpapi

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/fx"
	"gorm.io/gorm"

	"ontask/pkg/config"
	"ontask/pkg/errutil"
	"ontask/pkg/middleware"
	"ontask/pkg/storage"
	"ontask/services/action"
	"ontask/services/dataops"
	"ontask/services/export"
	"ontask/services/model"
	"ontask/services/scheduler"
	"ontask/services/survey"
	"ontask/services/tracking"
	"ontask/services/workflow"
)

var Module = fx.Module("httpapi.routes",
	fx.Provide(NewHandler),
	fx.Invoke(Register),
)

// pixel is a transparent 1x1 GIF.
var pixel = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00, 0x00, 0x00, 0x00, 0x00,
	0xff, 0xff, 0xff, 0x21, 0xf9, 0x04, 0x01, 0x00, 0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00,
	0x01, 0x00, 0x01, 0x00, 0x00, 0x02, 0x01, 0x44, 0x00, 0x3b,
}

type Handler struct {
	cfg       *config.Config
	wf        *workflow.Service
	survey    *survey.Service
	tracking  *tracking.Service
	export    *export.Service
	dataops   *dataops.Service
	runner    *action.Runner
	scheduler *scheduler.Service
}

type HandlerParams struct {
	fx.In
	Config    *config.Config
	Workflow  *workflow.Service
	Survey    *survey.Service
	Tracking  *tracking.Service
	Export    *export.Service
	Dataops   *dataops.Service
	Runner    *action.Runner
	Scheduler *scheduler.Service `optional:"true"`
}

func NewHandler(p HandlerParams) *Handler {
	return &Handler{
		cfg:       p.Config,
		wf:        p.Workflow,
		survey:    p.Survey,
		tracking:  p.Tracking,
		export:    p.Export,
		dataops:   p.Dataops,
		runner:    p.Runner,
		scheduler: p.Scheduler,
	}
}

func Register(e *gin.Engine, h *Handler) {
	e.GET("/trck", h.Track)

	auth := e.Group("/", middleware.RequireUser())
	auth.GET("/survey/:action", h.PendingRows)
	auth.GET("/survey/:action/:key", h.Form)
	auth.POST("/survey/:action/:key", h.Submit)

	auth.GET("/workflow/:id/export", h.Export)
	auth.POST("/workflow/import", h.Import)
	auth.POST("/workflow/:id/upload", h.Upload)
	auth.GET("/workflow/:id/logs", h.Logs)
	auth.POST("/action/:id/zip", h.Zip)
	auth.POST("/scheduler/:id/run", h.RunNow)
}

func pathID(c *gin.Context, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil {
		return 0, errutil.BadRequest(fmt.Sprintf("invalid %s", name), err, errutil.WithField(name, "invalid"))
	}
	return id, nil
}

// owned loads workflow :id when it belongs to the caller. Workflows of other
// users are reported as missing.
func (h *Handler) owned(c *gin.Context) (*model.User, *model.Workflow, error) {
	id, err := pathID(c, "id")
	if err != nil {
		return nil, nil, err
	}
	u, err := h.user(c)
	if err != nil {
		return nil, nil, err
	}
	wf, err := h.wf.Get(c.Request.Context(), id)
	if err != nil {
		return nil, nil, err
	}
	if wf.UserID != u.ID {
		return nil, nil, errutil.NotFound("workflow not found", nil)
	}
	return u, wf, nil
}

func (h *Handler) user(c *gin.Context) (*model.User, error) {
	email := middleware.UserEmail(c)
	var u model.User
	if err := h.wf.DB().WithContext(c.Request.Context()).First(&u, "LOWER(email) = ?", email).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errutil.Forbidden(fmt.Sprintf("user %q is not registered", email), nil)
		}
		return nil, err
	}
	return &u, nil
}

// Track counts a read and always answers with the pixel.
func (h *Handler) Track(c *gin.Context) {
	if tok := c.Query("v"); tok != "" {
		h.tracking.Hit(c.Request.Context(), tok)
	}
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "image/gif", pixel)
}

func (h *Handler) PendingRows(c *gin.Context) {
	id, err := pathID(c, "action")
	if err != nil {
		_ = c.Error(err)
		return
	}
	rows, err := h.survey.PendingRows(c.Request.Context(), id, middleware.UserEmail(c))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rows": rows})
}

func (h *Handler) Form(c *gin.Context) {
	id, err := pathID(c, "action")
	if err != nil {
		_ = c.Error(err)
		return
	}
	form, err := h.survey.Form(c.Request.Context(), id, c.Param("key"), middleware.UserEmail(c))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, form)
}

type submitRequest struct {
	Answers map[string]string `json:"answers" binding:"required"`
}

func (h *Handler) Submit(c *gin.Context) {
	id, err := pathID(c, "action")
	if err != nil {
		_ = c.Error(err)
		return
	}
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid answers", err))
		return
	}
	if err := h.survey.Submit(c.Request.Context(), id, c.Param("key"), middleware.UserEmail(c), req.Answers); err != nil {
		_ = c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Export downloads the workflow bundle. Repeated action query parameters
// restrict the exported actions.
func (h *Handler) Export(c *gin.Context) {
	_, wf, err := h.owned(c)
	if err != nil {
		_ = c.Error(err)
		return
	}
	var ids []int64
	for _, raw := range c.QueryArray("action") {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			_ = c.Error(errutil.BadRequest("invalid action id", err, errutil.WithField("action", "invalid")))
			return
		}
		ids = append(ids, id)
	}
	data, name, err := h.export.Export(c.Request.Context(), wf, ids)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, name))
	c.Data(http.StatusOK, "application/gzip", data)
}

func (h *Handler) formFile(c *gin.Context) ([]byte, string, error) {
	fh, err := c.FormFile("file")
	if err != nil {
		return nil, "", errutil.BadRequest("a file is required", err, errutil.WithField("file", "required"))
	}
	f, err := fh.Open()
	if err != nil {
		return nil, "", errutil.DataInvalid("failed to read the upload", err)
	}
	defer f.Close()
	limit := fh.Size
	if h.cfg.MaxUploadSize > 0 && limit > h.cfg.MaxUploadSize {
		limit = h.cfg.MaxUploadSize + 1
	}
	data, err := io.ReadAll(io.LimitReader(f, limit))
	if err != nil {
		return nil, "", errutil.DataInvalid("failed to read the upload", err)
	}
	mt, err := storage.ValidateUpload(bytes.NewReader(data), fh.Size, fh.Header.Get("Content-Type"), h.cfg)
	if err != nil {
		return nil, "", err
	}
	return data, mt, nil
}

func (h *Handler) Import(c *gin.Context) {
	u, err := h.user(c)
	if err != nil {
		_ = c.Error(err)
		return
	}
	data, _, err := h.formFile(c)
	if err != nil {
		_ = c.Error(err)
		return
	}
	wf, err := h.export.Import(c.Request.Context(), u.ID, strings.TrimSpace(c.PostForm("name")), bytes.NewReader(data))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": wf.ID, "name": wf.Name})
}

// Upload loads a CSV or Excel file into the workflow, merging when the
// workflow already has data. The merge form field holds the merge options.
func (h *Handler) Upload(c *gin.Context) {
	u, wf, err := h.owned(c)
	if err != nil {
		_ = c.Error(err)
		return
	}
	data, mt, err := h.formFile(c)
	if err != nil {
		_ = c.Error(err)
		return
	}
	var info dataops.MergeInfo
	if raw := c.PostForm("merge"); raw != "" {
		if err := jsoniter.ConfigCompatibleWithStandardLibrary.UnmarshalFromString(raw, &info); err != nil {
			_ = c.Error(errutil.BadRequest("invalid merge options", err, errutil.WithField("merge", "invalid")))
			return
		}
	}
	skipTop, _ := strconv.Atoi(c.DefaultPostForm("skip_lines_at_top", "0"))
	skipBottom, _ := strconv.Atoi(c.DefaultPostForm("skip_lines_at_bottom", "0"))

	var src storage.Source
	switch {
	case strings.Contains(mt, "spreadsheetml") || strings.Contains(mt, "ms-excel"):
		src = storage.ExcelSource{Reader: bytes.NewReader(data), Sheet: c.PostForm("sheet"), SkipTop: skipTop}
	default:
		src = storage.CSVSource{Reader: bytes.NewReader(data), SkipTop: skipTop, SkipBottom: skipBottom}
	}
	if err := h.dataops.UploadFromSource(c.Request.Context(), u.ID, wf, src, info); err != nil {
		_ = c.Error(err)
		return
	}
	wf, err = h.wf.Get(c.Request.Context(), wf.ID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": wf.ID, "nrows": wf.NRows, "ncols": wf.NCols})
}

func (h *Handler) Logs(c *gin.Context) {
	_, wf, err := h.owned(c)
	if err != nil {
		_ = c.Error(err)
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	entries, err := h.wf.Logs().List(c.Request.Context(), wf.ID, limit)
	if err != nil {
		_ = c.Error(err)
		return
	}
	out := make([]gin.H, 0, len(entries))
	for _, e := range entries {
		out = append(out, gin.H{"id": e.ID, "name": e.Name, "created_at": e.CreatedAt, "payload": e.PayloadMap()})
	}
	c.JSON(http.StatusOK, gin.H{"logs": out})
}

func (h *Handler) RunNow(c *gin.Context) {
	if h.scheduler == nil {
		_ = c.Error(errutil.Internal("the scheduler is not configured", nil))
		return
	}
	id, err := pathID(c, "id")
	if err != nil {
		_ = c.Error(err)
		return
	}
	if err := h.scheduler.RunNow(c.Request.Context(), id, middleware.UserEmail(c)); err != nil {
		_ = c.Error(err)
		return
	}
	op, err := h.scheduler.Get(c.Request.Context(), id)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": op.ID, "status": op.Status, "last_executed_log_id": op.LastExecutedLogID})
}

type zipRequest struct {
	ItemColumn      string   `json:"item_column" binding:"required"`
	UserFnameColumn string   `json:"user_fname_column"`
	FileSuffix      string   `json:"file_suffix"`
	ZipForMoodle    bool     `json:"zip_for_moodle"`
	ExcludeValues   []string `json:"exclude_values"`
}

// Zip runs action :id as a ZIP archive and downloads it.
func (h *Handler) Zip(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		_ = c.Error(err)
		return
	}
	u, err := h.user(c)
	if err != nil {
		_ = c.Error(err)
		return
	}
	var a model.Action
	if err := h.wf.DB().WithContext(c.Request.Context()).First(&a, "id = ?", id).Error; err != nil {
		_ = c.Error(errutil.NotFound("action not found", nil))
		return
	}
	wf, err := h.wf.Get(c.Request.Context(), a.WorkflowID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	if wf.UserID != u.ID {
		_ = c.Error(errutil.NotFound("action not found", nil))
		return
	}
	var req zipRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid ZIP options", err, errutil.WithField("item_column", "required")))
		return
	}
	res, err := h.runner.Run(c.Request.Context(), action.RunRequest{
		ActionID:        a.ID,
		UserID:          u.ID,
		Operation:       model.OpZip,
		ItemColumn:      req.ItemColumn,
		UserFnameColumn: req.UserFnameColumn,
		FileSuffix:      req.FileSuffix,
		ZipForMoodle:    req.ZipForMoodle,
		ExcludeValues:   req.ExcludeValues,
	})
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, res.ArchiveName))
	c.Header("X-ONTASK-LOG", strconv.FormatInt(res.LogID, 10))
	c.Data(http.StatusOK, "application/zip", res.Archive)
}
