package router

import (
	"context"
	"net/http"
	"os"

	"persona-chat/backend/internal/api"
	"persona-chat/backend/internal/ws"
	"persona-chat/backend/pkg/config"
	"persona-chat/backend/pkg/di"
	"persona-chat/backend/pkg/errors"
	"persona-chat/backend/pkg/logger"
	"persona-chat/backend/pkg/middleware"
	"persona-chat/backend/shared/observability"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

// Router is the main router for the application
type Router struct {
	Engine    *gin.Engine
	Container *di.Container
	Logger    *logger.Logger
	Hub       *ws.Hub
	Config    *config.Config

	// generation limits turns per user over both SSE and WebSocket
	generation *middleware.RateLimiter
}

// New creates a new router with the given container. The WebSocket hub
// runs until ctx is done.
func New(ctx context.Context, container *di.Container) *Router {
	cfg := container.Config

	// Configure Gin mode based on environment
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	if err := engine.SetTrustedProxies(cfg.Security.TrustedProxies); err != nil {
		container.Logger.Warn("ignoring trusted proxies", "error", err.Error())
	}

	// Use the logger middleware first to capture all requests
	engine.Use(logger.Middleware(container.Logger))
	engine.Use(errors.ErrorHandler())
	engine.Use(errors.RecoveryWithLogger())
	engine.Use(observability.HTTPMetrics(container.Registry))
	engine.Use(corsMiddleware(cfg.Security.AllowedOrigins))
	engine.Use(bodyLimit(cfg.Security.MaxBodySize))

	generation := middleware.NewRateLimiter(container.Logger, middleware.RateLimiterOptions{
		Limit:          rate.Limit(cfg.Security.GenerationLimit),
		Burst:          cfg.Security.GenerationBurst,
		ExpiryDuration: cfg.Cache.PurgeWindow,
	})

	hub := ws.NewHub(ws.HubOptions{
		Turns:          container.GenerationService,
		Chats:          container.ChatService,
		Limiter:        generation,
		AllowedOrigins: cfg.Security.AllowedOrigins,
		Logger:         container.Logger,
	})
	go hub.Run(ctx)

	return &Router{
		Engine:    engine,
		Container: container,
		Logger:    container.Logger,
		Hub:       hub,
		Config:    cfg,

		generation: generation,
	}
}

// SetupRoutes registers all application routes
func (r *Router) SetupRoutes() error {
	c := r.Container

	health := api.NewHealthHandler(c.Health, r.Hub, os.Getenv("APP_VERSION"))
	health.RegisterRoutes(r.Engine)
	r.Engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(c.Registry, promhttp.HandlerOpts{})))

	v1 := r.Engine.Group("/api/v1")
	v1.Use(middleware.Auth(c.JWTService))

	general := middleware.NewRateLimiter(r.Logger, middleware.RateLimiterOptions{
		Limit:          rate.Limit(r.Config.Security.RateLimit),
		Burst:          r.Config.Security.RateLimitBurst,
		ExpiryDuration: r.Config.Cache.PurgeWindow,
	})
	v1.Use(general.Middleware())

	if err := r.addOpenAPIValidation(v1); err != nil {
		return err
	}

	chats := api.NewChatController(c.ChatService, c.GenerationService)
	chats.RegisterRoutes(v1, r.generation.Middleware())

	v1.GET("/chats/:chatId/ws", func(ctx *gin.Context) {
		ws.ServeWs(r.Hub, ctx)
	})

	return nil
}

// corsMiddleware allows the configured origins, including the headers a
// WebSocket upgrade carries.
func corsMiddleware(allowed []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if allow := allowOrigin(allowed, origin); allow != "" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", allow)
			if allow != "*" {
				c.Writer.Header().Add("Vary", "Origin")
			}
		}

		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept, Accept-Encoding, Authorization, Origin, Upgrade, Connection, Cache-Control, X-Request-ID")
		c.Writer.Header().Set("Access-Control-Expose-Headers", "X-Request-ID, Retry-After, X-RateLimit-Limit")
		c.Writer.Header().Set("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func allowOrigin(allowed []string, origin string) string {
	for _, a := range allowed {
		if a == "*" {
			return "*"
		}
		if origin != "" && a == origin {
			return origin
		}
	}
	return ""
}

func bodyLimit(max int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if max > 0 && c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, max)
		}
		c.Next()
	}
}
