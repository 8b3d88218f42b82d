package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/PratikDhanave/rum-correlator/internal/auth"
	"github.com/PratikDhanave/rum-correlator/internal/config"
	"github.com/PratikDhanave/rum-correlator/internal/handlers"
	"github.com/PratikDhanave/rum-correlator/internal/session"
	"github.com/PratikDhanave/rum-correlator/internal/store"
)

// NewRouter wires public endpoints and authenticated APIs.
// Public: /health, /ready
// Authenticated: /sessions/:session_id/{signals,inflight,close}, /interactions, /metrics
func NewRouter(cfg config.Config, st store.Store, mgr *session.Manager, rec *handlers.Recorder) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())

	// Liveness: confirms the process is running.
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "sessions": mgr.Len()})
	})

	// Readiness: confirms the DB dependency is reachable.
	r.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
		defer cancel()

		if err := st.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	// Auth group enforces tenant context via X-API-Key.
	authGroup := r.Group("/")
	authGroup.Use(auth.APIKeyMiddleware(cfg.APIKeys))
	if cfg.RateLimit.RPS > 0 {
		authGroup.Use(auth.NewTenantLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst).Middleware())
	}

	handlers.RegisterSignalRoutes(authGroup, mgr, rec)
	handlers.RegisterSessionRoutes(authGroup, mgr, rec)
	handlers.RegisterInteractionRoutes(authGroup, st)
	handlers.RegisterMetricRoutes(authGroup, st)

	return r
}
