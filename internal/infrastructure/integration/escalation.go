package integration

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/salesflow/backend/internal/domain/sales"
)

// EscalationClient hands conversations to the operator queue
type EscalationClient struct {
	client *Client
}

// NewEscalationClient creates an escalation adapter
func NewEscalationClient(client *Client) *EscalationClient {
	return &EscalationClient{client: client}
}

// Handoff implements sales.Escalation
func (e *EscalationClient) Handoff(ctx context.Context, sessionID uuid.UUID, customerID, reason string) error {
	return e.client.Do(ctx, Request{
		Method: http.MethodPost,
		Path:   "/handoffs",
		Body: map[string]string{
			"session_id":  sessionID.String(),
			"customer_id": customerID,
			"reason":      reason,
		},
		Operation: "handoff",
	}, nil)
}

// NotifierClient pushes messages to the customer's chat
type NotifierClient struct {
	client *Client
}

// NewNotifierClient creates a notifier adapter
func NewNotifierClient(client *Client) *NotifierClient {
	return &NotifierClient{client: client}
}

// Notify implements sales.CustomerNotifier
func (n *NotifierClient) Notify(ctx context.Context, customerID, text string) error {
	return n.client.Do(ctx, Request{
		Method:    http.MethodPost,
		Path:      "/messages",
		Body:      map[string]string{"customer_id": customerID, "text": text},
		Operation: "notify",
	}, nil)
}

var (
	_ sales.Escalation       = (*EscalationClient)(nil)
	_ sales.CustomerNotifier = (*NotifierClient)(nil)
)
