// Package ops serves the worker's operational HTTP surface: health probes and
// recalculation queue controls.
package ops

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/klauspost/compress/gzhttp"

	"avfuel/pkg/logger"
)

// RouterConfig wires the handlers.
type RouterConfig struct {
	Health *HealthHandler
	Recalc *RecalcHandler
	Logger *logger.Logger
}

// NewRouter builds the gin engine.
func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(Recovery())
	r.Use(Trace())
	if cfg.Logger != nil {
		r.Use(Logger(cfg.Logger))
	}
	r.Use(ErrorHandler())

	health := r.Group("/health")
	{
		health.GET("/live", cfg.Health.Live)
		health.GET("/ready", cfg.Health.Ready)
	}

	if cfg.Recalc != nil {
		rc := r.Group("/recalc")
		{
			rc.GET("/failed", cfg.Recalc.ListFailed)
			rc.POST("/tasks/:id/retry", cfg.Recalc.Retry)
			rc.GET("/pending/:warehouse/:product", cfg.Recalc.Pending)
			rc.POST("/replay", cfg.Recalc.Replay)
		}
		r.GET("/accounts/:warehouse/:product", cfg.Recalc.Account)
	}

	return r
}

// NewHandler is NewRouter behind gzip negotiation; failed-task listings get large.
func NewHandler(cfg RouterConfig) http.Handler {
	return gzhttp.GzipHandler(NewRouter(cfg))
}
