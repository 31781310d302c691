package router

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/salesflow/backend/internal/infrastructure/auth"
	"github.com/salesflow/backend/internal/infrastructure/logger"
	"github.com/salesflow/backend/internal/interfaces/http/dto"
	"github.com/salesflow/backend/internal/interfaces/http/handler"
	"github.com/salesflow/backend/internal/interfaces/http/middleware"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// EngineConfig controls the global middleware stack
type EngineConfig struct {
	Tracing        middleware.TracingConfig
	CORS           middleware.CORSConfig
	MaxBodySize    int64
	TrustedProxies []string
	// Meter records HTTP metrics when set
	Meter metric.Meter
	// MessageLimiter throttles inbound customer messages per client IP when set
	MessageLimiter *middleware.RateLimiter
}

// Handlers bundles the endpoint implementations
type Handlers struct {
	System       *handler.SystemHandler
	Conversation *handler.ConversationHandler
	Webhook      *handler.PaymentWebhookHandler
	Review       *handler.ReviewHandler
	JWT          *auth.JWTService
}

// NewEngine builds the gin engine with the full middleware stack and every
// route registered.
//
// Middleware order:
//  1. RequestID, so every later layer can log and tag it
//  2. Tracing, then span enrichment inside the server span
//  3. Request logging and panic recovery
//  4. Security headers, CORS and the body limit
//  5. HTTP metrics
func NewEngine(cfg EngineConfig, h Handlers, log *zap.Logger) *gin.Engine {
	engine := gin.New()
	if len(cfg.TrustedProxies) > 0 {
		if err := engine.SetTrustedProxies(cfg.TrustedProxies); err != nil {
			log.Warn("Failed to set trusted proxies", zap.Error(err))
		}
	}

	engine.Use(logger.RequestID())
	engine.Use(middleware.TracingWithConfig(cfg.Tracing))
	engine.Use(middleware.SpanAttributes())
	engine.Use(logger.GinMiddleware(log))
	engine.Use(logger.Recovery(log))
	engine.Use(middleware.Secure())
	engine.Use(middleware.CORSWithConfig(cfg.CORS))
	if cfg.MaxBodySize > 0 {
		engine.Use(middleware.BodyLimit(cfg.MaxBodySize))
	}
	if cfg.Meter != nil {
		engine.Use(middleware.HTTPMetrics(cfg.Meter))
	}

	engine.GET("/health", h.System.Health)
	engine.GET("/ready", h.System.Ready)
	engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, dto.NewErrorResponseWithRequestID(dto.ErrCodeNotFound, "Route not found", logger.GetGinRequestID(c)))
	})

	r := NewRouter(engine, WithAPIVersion("v1"))
	r.Register(systemRoutes(h.System))
	r.Register(conversationRoutes(h.Conversation, h.JWT, cfg.MessageLimiter))
	r.Register(webhookRoutes(h.Webhook))
	r.Register(reviewRoutes(h.Review, h.JWT))
	r.Setup()

	return engine
}

func systemRoutes(h *handler.SystemHandler) *DomainGroup {
	g := NewDomainGroup("system", "/system")
	g.GET("/info", h.GetSystemInfo)
	return g
}

// conversationRoutes exposes the customer channel without authentication;
// the channel gateway is trusted to pass verified customer IDs. Operator
// endpoints require a bearer token with the matching scope.
func conversationRoutes(h *handler.ConversationHandler, jwt *auth.JWTService, limiter *middleware.RateLimiter) *DomainGroup {
	g := NewDomainGroup("conversations", "/conversations")
	if limiter != nil {
		g.POST("/messages", middleware.RateLimit(limiter), h.PostMessage)
	} else {
		g.POST("/messages", h.PostMessage)
	}

	g.GET("/:customer_id", middleware.OperatorAuth(jwt, auth.ScopeRead), h.GetConversation)
	g.POST("/:customer_id/turns", middleware.OperatorAuth(jwt, auth.ScopeWrite), h.PostTurn)
	g.POST("/:customer_id/archive", middleware.OperatorAuth(jwt, auth.ScopeArchive), h.Archive)
	return g
}

// webhookRoutes are authenticated by the payload signature
func webhookRoutes(h *handler.PaymentWebhookHandler) *DomainGroup {
	g := NewDomainGroup("webhooks", "/webhooks")
	g.POST("/payments", h.HandleNotification)
	return g
}

func reviewRoutes(h *handler.ReviewHandler, jwt *auth.JWTService) *DomainGroup {
	g := NewDomainGroup("review", "/review")
	g.Use(middleware.OperatorAuth(jwt, auth.ScopeReview))
	g.GET("/orders", h.ListOrders)
	g.GET("/orphaned-payments", h.ListOrphanedPayments)
	return g
}
