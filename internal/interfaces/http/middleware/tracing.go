// Package middleware provides HTTP middleware for the sales automation API.
package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/salesflow/backend/internal/infrastructure/logger"
	"github.com/salesflow/backend/internal/infrastructure/telemetry"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// MaxRequestIDLength caps request IDs copied into span attributes
const MaxRequestIDLength = 128

// CustomerIDKey is the gin key handlers set once the customer is known
const CustomerIDKey = "customer_id"

// TracingConfig holds configuration for the tracing middleware.
type TracingConfig struct {
	ServiceName string
	Enabled     bool
}

// TracingWithConfig returns the otelgin server middleware, or a pass-through
// when tracing is disabled. Span names follow "HTTP METHOD route".
func TracingWithConfig(cfg TracingConfig) gin.HandlerFunc {
	if !cfg.Enabled {
		return func(c *gin.Context) {
			c.Next()
		}
	}
	return otelgin.Middleware(cfg.ServiceName)
}

// SpanAttributes enriches the server span created by TracingWithConfig and
// must run after it. The request ID is set up front; the operator, customer
// and error status are set once handlers have run.
func SpanAttributes() gin.HandlerFunc {
	return func(c *gin.Context) {
		span := trace.SpanFromContext(c.Request.Context())
		if !span.IsRecording() {
			c.Next()
			return
		}

		if id := logger.GetGinRequestID(c); id != "" {
			if len(id) > MaxRequestIDLength {
				id = id[:MaxRequestIDLength]
			}
			span.SetAttributes(attribute.String("request_id", id))
		}

		c.Next()

		if operator := c.GetString(JWTOperatorIDKey); operator != "" {
			span.SetAttributes(attribute.String("operator_id", operator))
		}
		if customer := c.GetString(CustomerIDKey); customer != "" {
			span.SetAttributes(attribute.String(telemetry.SpanAttrCustomerID, customer))
		}

		status := c.Writer.Status()
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
		if status >= http.StatusBadRequest {
			span.SetAttributes(attribute.Int(telemetry.SpanAttrHTTPStatus, status))
		}
	}
}
