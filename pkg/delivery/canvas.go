package delivery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"

	"ontask/pkg/config"
	"ontask/pkg/errutil"
	"ontask/pkg/rediskey"
	"ontask/services/model"
)

// tokens expiring within this window are refreshed before use.
const refreshMargin = time.Minute

type CanvasParams struct {
	fx.In
	DB     *gorm.DB
	Config *config.Config
}

type canvasClient struct {
	db        *gorm.DB
	instances map[string]config.CanvasInstance
	http      *resty.Client
	group     singleflight.Group
	now       func() time.Time
}

func ProvideCanvas(p CanvasParams) Canvas {
	return NewCanvas(p.DB, p.Config.Canvas.Instances, p.Config.OutboundTimeout)
}

func NewCanvas(db *gorm.DB, instances map[string]config.CanvasInstance, timeout time.Duration) Canvas {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &canvasClient{
		db:        db,
		instances: instances,
		http:      resty.New().SetTimeout(timeout).SetRetryCount(0),
		now:       time.Now,
	}
}

func authExpired(msg string, err error) error {
	return errutil.New(errutil.StatusAuthExpired, msg, errutil.WithErr(err))
}

func (c *canvasClient) instance(name string) (config.CanvasInstance, error) {
	inst, ok := c.instances[name]
	if !ok || inst.BaseURL == "" {
		return inst, errutil.BadRequest(fmt.Sprintf("unknown Canvas instance %q", name), nil)
	}
	inst.BaseURL = strings.TrimRight(inst.BaseURL, "/")
	return inst, nil
}

// accessToken returns a usable token for the user, refreshing it first when
// it is about to expire. Concurrent refreshes of the same token collapse
// into one request.
func (c *canvasClient) accessToken(ctx context.Context, userID int64, name string, inst config.CanvasInstance) (string, error) {
	var tok model.OAuthToken
	err := c.db.WithContext(ctx).First(&tok, "user_id = ? AND instance = ?", userID, name).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", authExpired("no Canvas token for this user", nil)
	}
	if err != nil {
		return "", err
	}
	if tok.ValidUntil.After(c.now().Add(refreshMargin)) {
		return tok.AccessToken, nil
	}

	v, err, _ := c.group.Do(rediskey.BuildCanvasRefreshKey(userID, name), func() (any, error) {
		return c.refresh(ctx, &tok, inst)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *canvasClient) refresh(ctx context.Context, tok *model.OAuthToken, inst config.CanvasInstance) (string, error) {
	cfg := &oauth2.Config{
		ClientID:     inst.ClientID,
		ClientSecret: inst.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: inst.BaseURL + "/login/oauth2/token"},
	}
	stale := &oauth2.Token{RefreshToken: tok.RefreshToken, Expiry: c.now().Add(-time.Minute)}
	fresh, err := cfg.TokenSource(ctx, stale).Token()
	if err != nil {
		zap.L().Warn("[Canvas] token refresh failed", zap.Int64("user_id", tok.UserID), zap.Error(err))
		return "", authExpired("the Canvas token could not be refreshed", err)
	}

	tok.AccessToken = fresh.AccessToken
	if fresh.RefreshToken != "" {
		tok.RefreshToken = fresh.RefreshToken
	}
	tok.ValidUntil = fresh.Expiry
	if tok.ValidUntil.IsZero() {
		tok.ValidUntil = c.now().Add(time.Hour)
	}
	tok.UpdatedAt = c.now()
	if err := c.db.WithContext(ctx).Save(tok).Error; err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

func (c *canvasClient) SendConversation(ctx context.Context, userID int64, name, recipient, subject, body string) error {
	inst, err := c.instance(name)
	if err != nil {
		return err
	}
	token, err := c.accessToken(ctx, userID, name, inst)
	if err != nil {
		return err
	}
	resp, err := c.http.R().SetContext(ctx).
		SetAuthToken(token).
		SetFormData(map[string]string{
			"recipients[]": recipient,
			"subject":      subject,
			"body":         body,
			"force_new":    "true",
		}).
		Post(inst.BaseURL + "/api/v1/conversations")
	if err != nil {
		return errutil.RunRowFailure("failed to reach Canvas", err)
	}
	if resp.StatusCode() == http.StatusUnauthorized {
		return authExpired("the Canvas token was rejected", nil)
	}
	if resp.IsError() {
		return errutil.RunRowFailure(fmt.Sprintf("Canvas answered %d", resp.StatusCode()), nil,
			errutil.WithField("recipient", recipient))
	}
	return nil
}
