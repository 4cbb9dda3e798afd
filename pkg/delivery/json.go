package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/fx"

	"ontask/pkg/config"
	"ontask/pkg/errutil"
)

type PosterParams struct {
	fx.In
	Config *config.Config
}

type httpPoster struct {
	client *resty.Client
}

func ProvidePoster(p PosterParams) Poster {
	return NewHTTPPoster(p.Config.OutboundTimeout)
}

func NewHTTPPoster(timeout time.Duration) Poster {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &httpPoster{client: resty.New().SetTimeout(timeout).SetRetryCount(0)}
}

func (p *httpPoster) PostJSON(ctx context.Context, url, token string, body []byte) error {
	req := p.client.R().SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body)
	if token != "" {
		req.SetAuthToken(token)
	}
	resp, err := req.Post(url)
	if err != nil {
		return errutil.RunRowFailure("failed to post JSON", err, errutil.WithField("target_url", url))
	}
	if resp.IsError() {
		return errutil.RunRowFailure(fmt.Sprintf("%s answered %d", url, resp.StatusCode()), nil)
	}
	return nil
}
