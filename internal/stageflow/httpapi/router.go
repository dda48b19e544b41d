// Package httpapi is the trivial HTTP harness around the core engine —
// two routes, no business logic — grounded in the teacher's gin-based
// router assembly and middleware chain (SPEC_FULL.md §4.12). Per
// spec.md §1, the core package itself never imports this one.
package httpapi

import (
	"github.com/gin-gonic/gin"

	"github.com/stageflow/stageflow/internal/http/handlers"
	"github.com/stageflow/stageflow/internal/http/middleware"
	"github.com/stageflow/stageflow/internal/observability"
	"github.com/stageflow/stageflow/internal/platform/logger"
)

// RouterConfig bundles the collaborators the router needs: an
// authenticator, metrics sink, logger, and the run handler that fronts
// the Orchestrator.
type RouterConfig struct {
	Auth    middleware.AuthService
	Metrics *observability.Metrics
	Log     *logger.Logger
	Runs    *RunHandler
}

// NewRouter assembles the gin engine: CORS, trace-context propagation,
// request logging, metrics instrumentation, then the health check and
// the two authenticated run routes.
func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.CORS())
	r.Use(middleware.AttachTraceContext())
	r.Use(middleware.RequestLogger(cfg.Log))
	r.Use(middleware.Metrics(cfg.Metrics))

	health := handlers.NewHealthHandler()
	r.GET("/healthz", health.HealthCheck)

	runs := r.Group("/runs")
	if cfg.Auth != nil {
		runs.Use(middleware.RequireAuth(cfg.Auth))
	}
	runs.POST("", cfg.Runs.Submit)
	runs.GET("/:id", cfg.Runs.Get)

	return r
}
