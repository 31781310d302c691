package integration

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/google/uuid"
	"github.com/salesflow/backend/internal/domain/sales"
	"github.com/shopspring/decimal"
)

// InventoryClient mirrors orders into the inventory system
type InventoryClient struct {
	client *Client
}

// NewInventoryClient creates an inventory adapter
func NewInventoryClient(client *Client) *InventoryClient {
	return &InventoryClient{client: client}
}

type reserveRequest struct {
	ExternalID  uuid.UUID       `json:"external_id"`
	CustomerID  string          `json:"customer_id"`
	Lines       []dealLine      `json:"lines"`
	Destination string          `json:"destination,omitempty"`
	Total       decimal.Decimal `json:"total"`
	Currency    string          `json:"currency"`
}

type paymentRequest struct {
	PaymentReference string          `json:"payment_reference"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
}

// Reserve implements sales.InventorySync. The order ID is the idempotence
// key, so a repeated reservation returns the same inventory order.
func (c *InventoryClient) Reserve(ctx context.Context, summary sales.OrderSummary) (string, error) {
	body := reserveRequest{
		ExternalID: summary.OrderID,
		CustomerID: summary.CustomerID,
		Lines:      make([]dealLine, 0, len(summary.Items)),
		Total:      summary.Total,
		Currency:   summary.Currency,
	}
	for _, it := range summary.Items {
		body.Lines = append(body.Lines, dealLine{ItemID: it.ItemID, Name: it.Name, Quantity: it.Quantity, UnitPrice: it.UnitPrice})
	}
	if summary.Destination != nil {
		body.Destination = summary.Destination.String()
	}

	var resp struct {
		OrderID string `json:"order_id"`
	}
	err := c.client.Do(ctx, Request{
		Method:    http.MethodPost,
		Path:      "/orders",
		Body:      body,
		Headers:   map[string]string{"Idempotence-Key": "reserve-" + summary.OrderID.String()},
		Operation: "reserve_order",
	}, &resp)
	if err != nil {
		return "", inventoryError(err)
	}
	if resp.OrderID == "" {
		return "", sales.MarkTransient(errors.New("inventory: empty order id"))
	}
	return resp.OrderID, nil
}

// MarkPaid implements sales.InventorySync
func (c *InventoryClient) MarkPaid(ctx context.Context, reference string, payment sales.InventoryPayment) error {
	err := c.client.Do(ctx, Request{
		Method: http.MethodPost,
		Path:   "/orders/" + url.PathEscape(reference) + "/payments",
		Body: paymentRequest{
			PaymentReference: payment.TrackingReference,
			Amount:           payment.Amount,
			Currency:         payment.Currency,
		},
		Headers:   map[string]string{"Idempotence-Key": "paid-" + payment.TrackingReference},
		Operation: "mark_paid",
	}, nil)
	if err != nil {
		return inventoryError(err)
	}
	return nil
}

// Release implements sales.InventorySync. An inventory order that no longer
// exists counts as released.
func (c *InventoryClient) Release(ctx context.Context, reference, reason string) error {
	err := c.client.Do(ctx, Request{
		Method:    http.MethodPost,
		Path:      "/orders/" + url.PathEscape(reference) + "/release",
		Body:      map[string]string{"reason": reason},
		Operation: "release_order",
	}, nil)
	if statusOf(err) == http.StatusNotFound {
		return nil
	}
	if err != nil {
		return inventoryError(err)
	}
	return nil
}

// inventoryError keeps transient failures retryable and marks the rest rejected
func inventoryError(err error) error {
	if sales.IsTransient(err) {
		return err
	}
	return fmt.Errorf("%w: %w", sales.ErrInventoryRejected, err)
}

var _ sales.InventorySync = (*InventoryClient)(nil)
