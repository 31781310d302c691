package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/salesflow/backend/internal/application/automation"
	"github.com/salesflow/backend/internal/domain/sales"
	"github.com/salesflow/backend/internal/domain/shared"
	"github.com/salesflow/backend/internal/infrastructure/logger"
	"github.com/salesflow/backend/internal/interfaces/http/dto"
	"github.com/salesflow/backend/internal/interfaces/http/middleware"
	"go.uber.org/zap"
)

// BaseHandler provides common handler utilities
type BaseHandler struct{}

// Success sends a success response
func (h *BaseHandler) Success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, dto.NewSuccessResponse(data))
}

// Error sends an error response with the appropriate status code
func (h *BaseHandler) Error(c *gin.Context, statusCode int, code, message string) {
	c.JSON(statusCode, dto.NewErrorResponseWithRequestID(code, message, logger.GetGinRequestID(c)))
}

// ErrorWithCode sends an error response, deriving status code from error code
func (h *BaseHandler) ErrorWithCode(c *gin.Context, code, message string) {
	h.Error(c, dto.GetHTTPStatus(code), code, message)
}

// BindJSON binds and validates the body, writing the 400 response on failure
func (h *BaseHandler) BindJSON(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		middleware.HandleValidationError(c, err)
		return false
	}
	return true
}

// HandleError maps engine and domain errors to HTTP responses
func (h *BaseHandler) HandleError(c *gin.Context, err error) {
	if err == nil {
		return
	}

	var domainErr *shared.DomainError
	switch {
	case errors.Is(err, automation.ErrSessionNotFound), errors.Is(err, shared.ErrNotFound):
		h.ErrorWithCode(c, dto.ErrCodeNotFound, "Conversation not found")
	case errors.Is(err, sales.ErrPaymentAlreadyApplied):
		h.ErrorWithCode(c, dto.ErrCodePaymentApplied, "Payment already applied, the order can no longer be cancelled")
	case errors.Is(err, automation.ErrSessionQueueFull), errors.Is(err, automation.ErrQueueClosed):
		c.Header("Retry-After", "1")
		h.ErrorWithCode(c, dto.ErrCodeUnavailable, "Conversation is busy, retry shortly")
	case errors.Is(err, shared.ErrConcurrencyConflict):
		h.ErrorWithCode(c, dto.ErrCodeConcurrencyConflict, "Conversation was modified concurrently")
	case errors.Is(err, context.DeadlineExceeded):
		h.ErrorWithCode(c, dto.ErrCodeTimeout, "Request timed out")
	case errors.As(err, &domainErr):
		h.ErrorWithCode(c, dto.NormalizeErrorCode(domainErr.Code), domainErr.Message)
	default:
		logger.GetGinLogger(c).Error("Request failed", zap.Error(err))
		_ = c.Error(err)
		h.ErrorWithCode(c, dto.ErrCodeInternal, "An unexpected error occurred")
	}
}
