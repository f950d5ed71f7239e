package router

import (
	"time"

	"pulse/config"
	"pulse/internal/handler"
	"pulse/internal/metrics"
	"pulse/internal/middleware"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Handlers groups everything the two engines route to.
type Handlers struct {
	UserWS    *handler.UserWSHandler
	ServiceWS *handler.ServiceWSHandler
	Health    *handler.HealthHandler
	Presence  *handler.PresenceHandler
	Services  *handler.ServiceHandler
	Verifier  middleware.TokenVerifier
	Limiter   *middleware.RateLimiter
	Gatherer  prometheus.Gatherer
}

func newEngine(cfg *config.Config, log *zap.Logger) *gin.Engine {
	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(log, "/healthz", "/metrics"))
	return r
}

// Setup builds the public engine: the user websocket and the polling API.
func Setup(cfg *config.Config, h Handlers, log *zap.Logger) *gin.Engine {
	r := newEngine(cfg, log.Named("http"))
	if h.Limiter == nil {
		h.Limiter = middleware.NewRateLimiter(100, 60*time.Second)
	}
	r.Use(middleware.RateLimit(h.Limiter))

	r.GET("/healthz", h.Health.Health)
	r.GET("/ws", h.UserWS.Serve)

	authMw := middleware.AuthRequired(h.Verifier)
	me := r.Group("/api/v1/me")
	me.Use(authMw)
	{
		me.GET("/presence", h.Presence.GetMyPresence)
		me.GET("/online", h.Presence.GetOnlineUsers)
	}
	return r
}

// SetupInternal builds the engine for the internal listener: the service
// websocket, metrics and the operator API. It must not be exposed publicly.
func SetupInternal(cfg *config.Config, h Handlers, log *zap.Logger) *gin.Engine {
	r := newEngine(cfg, log.Named("http.internal"))

	r.GET("/healthz", h.Health.Health)
	r.GET("/ws", h.ServiceWS.Serve)
	if h.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(metrics.Handler(h.Gatherer)))
	}

	admin := r.Group("/admin")
	admin.Use(middleware.AdminKeyRequired(cfg.Server.AdminKey))
	{
		admin.GET("/services", h.Services.List)
		admin.POST("/services/:name/enable", h.Services.Enable)
		admin.POST("/services/:name/disable", h.Services.Disable)
	}
	return r
}
