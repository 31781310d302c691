package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/salesflow/backend/internal/application/automation"
	"github.com/salesflow/backend/internal/domain/sales"
	"github.com/salesflow/backend/internal/domain/shared"
	"github.com/salesflow/backend/internal/infrastructure/integration"
	"github.com/salesflow/backend/internal/infrastructure/logger"
	"github.com/salesflow/backend/internal/interfaces/http/dto"
	"go.uber.org/zap"
)

// PaymentReconciler applies a payment confirmation to its order record
type PaymentReconciler interface {
	Reconcile(ctx context.Context, event sales.PaymentConfirmation) (automation.ReconcileResult, error)
}

// PaymentEventRecorder counts reconciled confirmations
type PaymentEventRecorder interface {
	RecordPaymentEvent(ctx context.Context, status string)
}

// WebhookVerifier authenticates and decodes provider notifications
type WebhookVerifier interface {
	Verify(body []byte, header string) error
	Parse(body []byte, receivedAt time.Time) (sales.PaymentConfirmation, error)
}

// PaymentWebhookHandler receives payment provider notifications. The
// provider retries anything but a 2xx, so only failures worth retrying get
// a 5xx: duplicates, orphans and unsupported events are acknowledged.
type PaymentWebhookHandler struct {
	BaseHandler
	parser     WebhookVerifier
	reconciler PaymentReconciler
	metrics    PaymentEventRecorder
	clock      sales.Clock
}

// PaymentWebhookOption configures a PaymentWebhookHandler
type PaymentWebhookOption func(*PaymentWebhookHandler)

// WithPaymentMetrics counts reconciliation outcomes
func WithPaymentMetrics(m PaymentEventRecorder) PaymentWebhookOption {
	return func(h *PaymentWebhookHandler) {
		h.metrics = m
	}
}

// WithWebhookClock overrides the receive timestamp source
func WithWebhookClock(clock sales.Clock) PaymentWebhookOption {
	return func(h *PaymentWebhookHandler) {
		h.clock = clock
	}
}

// NewPaymentWebhookHandler creates a new PaymentWebhookHandler
func NewPaymentWebhookHandler(parser WebhookVerifier, reconciler PaymentReconciler, opts ...PaymentWebhookOption) *PaymentWebhookHandler {
	h := &PaymentWebhookHandler{
		parser:     parser,
		reconciler: reconciler,
		clock:      sales.SystemClock{},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HandleNotification verifies and routes a payment provider notification
func (h *PaymentWebhookHandler) HandleNotification(c *gin.Context) {
	log := logger.GetGinLogger(c)

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		h.ErrorWithCode(c, dto.ErrCodeBadRequest, "Failed to read request body")
		return
	}
	if err := h.parser.Verify(body, c.GetHeader("Authorization")); err != nil {
		log.Warn("Payment webhook signature rejected", zap.Error(err))
		h.ErrorWithCode(c, dto.ErrCodeSignature, "Invalid webhook signature")
		return
	}

	event, err := h.parser.Parse(body, h.clock.Now())
	if errors.Is(err, integration.ErrWebhookUnsupportedEvent) {
		log.Info("Payment webhook ignored", zap.Error(err))
		h.Success(c, dto.WebhookAck{Status: "IGNORED"})
		return
	}
	if err != nil {
		log.Warn("Payment webhook malformed", zap.Error(err))
		h.ErrorWithCode(c, dto.ErrCodeWebhookFormat, err.Error())
		return
	}

	log = log.With(
		zap.String("tracking_reference", event.TrackingReference),
		zap.String("idempotency_key", event.IdempotencyKey),
	)
	result, err := h.reconciler.Reconcile(c.Request.Context(), event)
	if err != nil {
		var domainErr *shared.DomainError
		if errors.As(err, &domainErr) && !errors.Is(err, shared.ErrConcurrencyConflict) {
			log.Warn("Payment webhook rejected", zap.Error(err))
			h.ErrorWithCode(c, dto.ErrCodeWebhookFormat, domainErr.Message)
			return
		}
		// provider redelivers on 5xx
		log.Error("Payment reconciliation failed", zap.Error(err))
		h.ErrorWithCode(c, dto.ErrCodeInternal, "Payment could not be processed")
		return
	}

	if h.metrics != nil {
		h.metrics.RecordPaymentEvent(c.Request.Context(), string(result.Status))
	}
	ack := dto.WebhookAck{Status: string(result.Status)}
	if result.Status == automation.ReconcileApplied {
		ack.OrderID = result.OrderID.String()
		ack.State = result.State.String()
	}
	log.Info("Payment webhook processed", zap.String("status", ack.Status))
	c.JSON(http.StatusOK, dto.NewSuccessResponse(ack))
}
