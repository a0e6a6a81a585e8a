package handler

import (
	"webhook-ingestion-service/internal/adapter/http/middleware"
	"webhook-ingestion-service/internal/core/ports"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// RouterDeps holds all dependencies needed to set up routes.
type RouterDeps struct {
	IngestSvc      ports.IngestionService
	TokenSvc       ports.TokenService
	HealthCheckers []ports.HealthChecker
	MaxBodyBytes   int64 // 0 = default 1 MB
	Logger         zerolog.Logger
}

// SetupRouter initialises the Gin engine with all routes and middleware.
func SetupRouter(deps RouterDeps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	maxBody := deps.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}

	// Global middleware
	r.Use(middleware.Recovery(deps.Logger))
	r.Use(middleware.RequestLogger(deps.Logger))
	r.Use(middleware.MaxBodySize(maxBody))

	// Health check, deep: verifies PostgreSQL and Redis
	r.GET("/health", HealthCheck(deps.HealthCheckers...))

	webhookHandler := NewWebhookHandler(deps.IngestSvc)
	eventHandler := NewEventHandler(deps.IngestSvc)

	webhooks := r.Group("/webhooks")
	{
		// Providers push here; admission rate limiting happens inside the
		// ingestion service, keyed per source and tenant.
		webhooks.POST("/:source", webhookHandler.Receive)

		// Operator surface
		jwtAuth := middleware.JWTAuth(deps.TokenSvc, deps.Logger)
		events := webhooks.Group("/events", jwtAuth)
		{
			events.GET("", eventHandler.List)
			events.GET("/:event_id", eventHandler.Get)
			events.POST("/:event_id/retry", eventHandler.Retry)
		}
	}

	return r
}
