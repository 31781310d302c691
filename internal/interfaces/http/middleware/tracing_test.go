package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/salesflow/backend/internal/infrastructure/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func setupTestTracer(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()

	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(t.Context())
	})
	return sr
}

func tracedRouter(cfg TracingConfig, status int) *gin.Engine {
	router := gin.New()
	router.Use(logger.RequestID(), TracingWithConfig(cfg), SpanAttributes())
	router.GET("/conversations/:customer_id", func(c *gin.Context) {
		c.Set(CustomerIDKey, c.Param("customer_id"))
		c.Set(JWTOperatorIDKey, "op-1")
		c.Status(status)
	})
	return router
}

func spanAttrs(span sdktrace.ReadOnlySpan) map[attribute.Key]attribute.Value {
	attrs := make(map[attribute.Key]attribute.Value)
	for _, kv := range span.Attributes() {
		attrs[kv.Key] = kv.Value
	}
	return attrs
}

func TestTracingWithConfig_Disabled(t *testing.T) {
	sr := setupTestTracer(t)
	router := tracedRouter(TracingConfig{Enabled: false}, http.StatusOK)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/conversations/tg:1", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, sr.Ended())
}

func TestTracingWithConfig_EnrichesSpan(t *testing.T) {
	sr := setupTestTracer(t)
	router := tracedRouter(TracingConfig{Enabled: true, ServiceName: "salesflow-test"}, http.StatusOK)

	req := httptest.NewRequest(http.MethodGet, "/conversations/tg:1", nil)
	req.Header.Set(logger.RequestIDHeader, "req-trace")
	router.ServeHTTP(httptest.NewRecorder(), req)

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "GET /conversations/:customer_id", spans[0].Name())
	attrs := spanAttrs(spans[0])
	assert.Equal(t, "req-trace", attrs["request_id"].AsString())
	assert.Equal(t, "tg:1", attrs["customer_id"].AsString())
	assert.Equal(t, "op-1", attrs["operator_id"].AsString())
	assert.NotEqual(t, codes.Error, spans[0].Status().Code)
}

func TestTracingWithConfig_MarksServerErrors(t *testing.T) {
	sr := setupTestTracer(t)
	router := tracedRouter(TracingConfig{Enabled: true, ServiceName: "salesflow-test"}, http.StatusServiceUnavailable)

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/conversations/tg:1", nil))

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, int64(http.StatusServiceUnavailable), spanAttrs(spans[0])["http.status_code"].AsInt64())
}
