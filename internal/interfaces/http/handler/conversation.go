package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/salesflow/backend/internal/application/automation"
	"github.com/salesflow/backend/internal/domain/sales"
	"github.com/salesflow/backend/internal/infrastructure/logger"
	"github.com/salesflow/backend/internal/interfaces/http/dto"
	"github.com/salesflow/backend/internal/interfaces/http/middleware"
	"go.uber.org/zap"
)

// ConversationService is the slice of the context store the HTTP layer uses
type ConversationService interface {
	HandleMessage(ctx context.Context, customerID, text string) (*automation.Outcome, error)
	Snapshot(ctx context.Context, customerID string) (*automation.Outcome, error)
	AppendMessage(ctx context.Context, customerID string, turn sales.Turn) error
	Archive(ctx context.Context, customerID string) error
}

// ConversationHandler serves inbound customer messages and the operator view
// of conversations
type ConversationHandler struct {
	BaseHandler
	store ConversationService
}

// NewConversationHandler creates a new ConversationHandler
func NewConversationHandler(store ConversationService) *ConversationHandler {
	return &ConversationHandler{store: store}
}

// PostMessage delivers a customer message and returns the reply
func (h *ConversationHandler) PostMessage(c *gin.Context) {
	var req dto.MessageRequest
	if !h.BindJSON(c, &req) {
		return
	}
	ctx := h.withCustomer(c, req.CustomerID)

	out, err := h.store.HandleMessage(ctx, req.CustomerID, req.Text)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, dto.MessageResponse{
		Reply:        out.Reply,
		Transitioned: out.Transitioned,
		Session:      dto.ToSessionView(out.Session, false),
		Order:        dto.ToOrderView(out.Order, false),
	})
}

// GetConversation returns a conversation with its message log and order
func (h *ConversationHandler) GetConversation(c *gin.Context) {
	customerID := c.Param("customer_id")
	ctx := h.withCustomer(c, customerID)

	out, err := h.store.Snapshot(ctx, customerID)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, dto.ConversationResponse{
		Session: dto.ToSessionView(out.Session, true),
		Order:   dto.ToOrderView(out.Order, true),
	})
}

// PostTurn appends an operator or system note to a conversation
func (h *ConversationHandler) PostTurn(c *gin.Context) {
	var req dto.OperatorTurnRequest
	if !h.BindJSON(c, &req) {
		return
	}
	customerID := c.Param("customer_id")
	ctx := h.withCustomer(c, customerID)

	role := sales.RoleOperator
	if req.Role == string(sales.RoleSystem) {
		role = sales.RoleSystem
	}
	if err := h.store.AppendMessage(ctx, customerID, sales.Turn{Role: role, Text: req.Text}); err != nil {
		h.HandleError(c, err)
		return
	}
	logger.GetGinLogger(c).Info("Operator turn appended",
		zap.String("role", string(role)),
		zap.String("operator_id", middleware.GetOperatorID(c)))

	out, err := h.store.Snapshot(ctx, customerID)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, dto.ConversationResponse{
		Session: dto.ToSessionView(out.Session, true),
		Order:   dto.ToOrderView(out.Order, false),
	})
}

// Archive archives a conversation now
func (h *ConversationHandler) Archive(c *gin.Context) {
	customerID := c.Param("customer_id")
	ctx := h.withCustomer(c, customerID)

	if err := h.store.Archive(ctx, customerID); err != nil {
		h.HandleError(c, err)
		return
	}
	logger.GetGinLogger(c).Info("Conversation archived by operator",
		zap.String("operator_id", middleware.GetOperatorID(c)))
	c.Status(http.StatusNoContent)
}

// withCustomer tags the request logger, span and context with the customer
func (h *ConversationHandler) withCustomer(c *gin.Context, customerID string) context.Context {
	c.Set(middleware.CustomerIDKey, customerID)
	ctx, reqLogger := logger.WithCustomerID(c.Request.Context(), logger.GetGinLogger(c), customerID)
	logger.SetGinLogger(c, reqLogger)
	c.Request = c.Request.WithContext(ctx)
	return ctx
}
