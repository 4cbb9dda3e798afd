package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"

	"ontask/pkg/config"
	"ontask/pkg/health"
	"ontask/pkg/middleware"
)

var Module = fx.Module("httpapi",
	fx.Provide(
		NewEngine,
		func(e *gin.Engine) http.Handler { return e },
	),
	fx.Invoke(RegisterHealthEndpoint),
)

// NewEngine returns the gin engine shared by every route group.
func NewEngine(cfg *config.Config) *gin.Engine {
	if cfg != nil && cfg.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	e := gin.New()
	e.Use(gin.Recovery(), middleware.Logger(), middleware.Error())
	return e
}

func RegisterHealthEndpoint(e *gin.Engine, h health.HealthService) {
	e.GET("/healthz", h.Liveness)
	e.GET("/readyz", h.Readiness)
	e.GET("/metrics", gin.WrapH(promhttp.Handler()))
}
