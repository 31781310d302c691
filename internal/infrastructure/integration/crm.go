package integration

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/salesflow/backend/internal/domain/sales"
	"github.com/shopspring/decimal"
)

// CRMClient upserts deals for paid orders
type CRMClient struct {
	client *Client
}

// NewCRMClient creates a CRM adapter
func NewCRMClient(client *Client) *CRMClient {
	return &CRMClient{client: client}
}

type dealLine struct {
	ItemID    string          `json:"item_id"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

type dealRequest struct {
	OrderID           uuid.UUID       `json:"order_id"`
	CustomerID        string          `json:"customer_id"`
	Lines             []dealLine      `json:"lines"`
	Destination       string          `json:"destination,omitempty"`
	ShippingCost      decimal.Decimal `json:"shipping_cost"`
	Total             decimal.Decimal `json:"total"`
	Currency          string          `json:"currency"`
	TrackingReference string          `json:"payment_reference"`
}

// UpsertDeal implements sales.CRMSync. The deal is keyed by order ID, so a
// retried sync updates the same deal instead of creating another.
func (c *CRMClient) UpsertDeal(ctx context.Context, summary sales.OrderSummary) (string, error) {
	body := dealRequest{
		OrderID:           summary.OrderID,
		CustomerID:        summary.CustomerID,
		Lines:             make([]dealLine, 0, len(summary.Items)),
		ShippingCost:      summary.ShippingCost,
		Total:             summary.Total,
		Currency:          summary.Currency,
		TrackingReference: summary.TrackingReference,
	}
	for _, it := range summary.Items {
		body.Lines = append(body.Lines, dealLine{ItemID: it.ItemID, Name: it.Name, Quantity: it.Quantity, UnitPrice: it.UnitPrice})
	}
	if summary.Destination != nil {
		body.Destination = summary.Destination.String()
	}

	var resp struct {
		DealID string `json:"deal_id"`
	}
	err := c.client.Do(ctx, Request{
		Method:    http.MethodPut,
		Path:      "/deals/" + summary.OrderID.String(),
		Body:      body,
		Operation: "upsert_deal",
	}, &resp)
	if err != nil {
		return "", fmt.Errorf("%w: %w", sales.ErrCRMUnavailable, err)
	}
	if resp.DealID == "" {
		return "", sales.MarkTransient(fmt.Errorf("%w: empty deal id", sales.ErrCRMUnavailable))
	}
	return resp.DealID, nil
}

var _ sales.CRMSync = (*CRMClient)(nil)
