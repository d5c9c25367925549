// Package httpapi wires the HTTP transport (Gin) to the sync engine,
// middleware, and route handlers. It centralizes cross-cutting concerns such
// as tracing, correlation IDs, logging, panic recovery, metrics, CORS,
// compression, security headers, idempotency, and rate limiting.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	_ "github.com/tbourn/incident-sync/docs" // registers the OpenAPI document
	"github.com/tbourn/incident-sync/internal/config"
	"github.com/tbourn/incident-sync/internal/http/handlers"
	"github.com/tbourn/incident-sync/internal/http/middleware"
)

// maxBodyBytes caps request bodies for every route.
const maxBodyBytes = 1 << 20

// streamRoute is the SSE route relative to the API base path.
const streamRoute = "/topics/:topic/stream"

// Deps are the collaborators RegisterRoutes mounts.
type Deps struct {
	Engine      handlers.Engine
	History     handlers.History
	Idempotency *middleware.IdempotencyCache
}

// RegisterRoutes attaches all middleware and HTTP endpoints to r and mounts
// the API under cfg.APIBasePath. It returns the rate limiter so the caller
// can sweep idle buckets.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. Logger: structured access logs
//  4. Recovery: capture panics after logger
//  5. Body size limiter
//  6. Metrics
//  7. Idempotency validator (before rate limiter to allow bypass on replay)
//  8. Rate limiter (per client/IP, bypass on replay, stream exempt)
//  9. CORS, compression (stream excluded) and security headers
func RegisterRoutes(r *gin.Engine, deps Deps, cfg config.Config) *middleware.RateLimiter {
	r.HandleMethodNotAllowed = true

	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger())
	r.Use(middleware.Recovery())
	r.Use(limitBody(maxBodyBytes))

	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	idem := deps.Idempotency
	if idem == nil {
		idem = middleware.NewIdempotencyCache(cfg.IdempotencyTTL)
	}
	r.Use(middleware.IdempotencyValidator(middleware.IdempotencyOptions{MaxLen: 200}, idem.Lookup))

	apiBase := cfg.APIBasePath
	if apiBase == "/" {
		apiBase = ""
	}
	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByClientOrIP(),
		"/health", "/metrics", apiBase+streamRoute)
	r.Use(rl.Handler())

	r.Use(corsMiddleware(cfg.CORS)...)
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPathsRegexs([]string{`/stream$`, `^/metrics$`})))
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		NoStore:      true,
		EnablePolicy: true,
	}))

	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"mode":   deps.Engine.Mode(),
			"online": deps.Engine.Online(),
		})
	})

	if cfg.SwaggerEnabled {
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	h := handlers.New(deps.Engine, deps.History, idem, handlers.Options{})

	api := groupWithPrefix(r, apiBase)
	{
		// Topics
		api.POST("/topics/:topic/subscriptions", h.Subscribe)
		api.DELETE("/subscriptions/:handle", h.Unsubscribe)
		api.GET("/topics/:topic/view", h.GetView)
		api.GET("/topics/:topic/typers", h.GetTypers)
		api.GET("/topics/:topic/history", h.History)
		api.GET(streamRoute, h.Stream)

		// Writes
		api.POST("/topics/:topic/events", h.CreateEvent)
		api.POST("/topics/:topic/read", h.MarkRead)
		api.PUT("/topics/:topic/typing", h.SetTyping)

		// Outbox
		api.GET("/outbox", h.ListOutbox)
		api.GET("/outbox/:id", h.GetOutboxItem)
		api.POST("/outbox/:id/retry", h.RetryOutboxItem)
		api.DELETE("/outbox/:id", h.DiscardOutboxItem)

		// Connectivity and transport
		api.GET("/connectivity", h.GetConnectivity)
		api.PUT("/connectivity", h.SetConnectivity)
		api.GET("/transport", h.GetTransport)
		api.POST("/transport/reset", h.ResetTransport)
	}
	return rl
}

// corsMiddleware returns the CORS chain. With no allowlist every origin is
// allowed without credentials; otherwise allowed origins are echoed.
func corsMiddleware(cc config.CORSConfig) []gin.HandlerFunc {
	base := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", middleware.HeaderClientID, middleware.HeaderIdempotencyKey},
		ExposeHeaders:    []string{"X-Request-ID", "Content-Length", middleware.HeaderIdempotencyReplayed},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}

	if len(cc.AllowedOrigins) == 0 {
		base.AllowAllOrigins = true
		// ACAO even without an Origin header, so health checkers see it too
		return []gin.HandlerFunc{
			func(c *gin.Context) {
				c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
				c.Next()
			},
			cors.New(base),
		}
	}

	allowed := make(map[string]struct{}, len(cc.AllowedOrigins))
	for _, o := range cc.AllowedOrigins {
		allowed[o] = struct{}{}
	}
	base.AllowOrigins = cc.AllowedOrigins
	return []gin.HandlerFunc{
		func(c *gin.Context) {
			if origin := c.GetHeader("Origin"); origin != "" {
				if _, ok := allowed[origin]; ok {
					h := c.Writer.Header()
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
			}
			c.Next()
		},
		cors.New(base),
	}
}

// limitBody caps the request body at maxBytes; larger bodies fail on read.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
