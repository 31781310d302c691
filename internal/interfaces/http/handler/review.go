package handler

import (
	"context"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/salesflow/backend/internal/domain/sales"
	"github.com/salesflow/backend/internal/interfaces/http/dto"
)

const (
	defaultReviewLimit = 50
	maxReviewLimit     = 500
)

// ReviewQueue lists orders flagged for manual follow-up
type ReviewQueue interface {
	ListNeedingReview(ctx context.Context, limit int) ([]*sales.OrderRecord, error)
}

// OrphanLog lists payment confirmations that matched no order record
type OrphanLog interface {
	Recent(ctx context.Context, limit int) ([]sales.PaymentConfirmation, error)
}

// ReviewHandler serves the back-office follow-up lists
type ReviewHandler struct {
	BaseHandler
	orders  ReviewQueue
	orphans OrphanLog
}

// NewReviewHandler creates a new ReviewHandler
func NewReviewHandler(orders ReviewQueue, orphans OrphanLog) *ReviewHandler {
	return &ReviewHandler{orders: orders, orphans: orphans}
}

// ListOrders lists orders needing manual review
func (h *ReviewHandler) ListOrders(c *gin.Context) {
	limit, ok := h.limit(c)
	if !ok {
		return
	}
	orders, err := h.orders.ListNeedingReview(c.Request.Context(), limit)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	views := make([]*dto.OrderView, 0, len(orders))
	for _, o := range orders {
		views = append(views, dto.ToOrderView(o, true))
	}
	h.Success(c, views)
}

// ListOrphanedPayments lists payment confirmations that matched no order
func (h *ReviewHandler) ListOrphanedPayments(c *gin.Context) {
	limit, ok := h.limit(c)
	if !ok {
		return
	}
	events, err := h.orphans.Recent(c.Request.Context(), limit)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	views := make([]dto.OrphanedPaymentView, 0, len(events))
	for _, e := range events {
		views = append(views, dto.ToOrphanedPaymentView(e))
	}
	h.Success(c, views)
}

func (h *ReviewHandler) limit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return defaultReviewLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		h.ErrorWithCode(c, dto.ErrCodeBadRequest, "limit must be a positive integer")
		return 0, false
	}
	return min(n, maxReviewLimit), true
}
