package integration

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/salesflow/backend/internal/domain/sales"
	"github.com/shopspring/decimal"
)

// ShippingClient requests delivery quotes from the carrier
type ShippingClient struct {
	client *Client
	now    func() time.Time
}

// NewShippingClient creates a shipping adapter
func NewShippingClient(client *Client) *ShippingClient {
	return &ShippingClient{client: client, now: time.Now}
}

type quoteItem struct {
	ItemID   string          `json:"item_id"`
	Quantity int             `json:"quantity"`
	Amount   decimal.Decimal `json:"amount"`
}

type quoteRequest struct {
	PostalCode string      `json:"postal_code,omitempty"`
	City       string      `json:"city,omitempty"`
	Address    string      `json:"address,omitempty"`
	Items      []quoteItem `json:"items"`
}

type quoteResponse struct {
	Cost      decimal.Decimal `json:"cost"`
	Currency  string          `json:"currency"`
	ExpiresAt *time.Time      `json:"expires_at"`
}

// Quote implements sales.ShippingQuoter. A 422 answer means the carrier
// rejected the destination; 404 and 409 mean no quote can be given for it.
func (s *ShippingClient) Quote(ctx context.Context, destination sales.Address, items []sales.OrderItem) (sales.ShippingQuote, error) {
	body := quoteRequest{
		PostalCode: destination.PostalCode,
		City:       destination.City,
		Address:    destination.Line,
		Items:      make([]quoteItem, 0, len(items)),
	}
	for _, it := range items {
		body.Items = append(body.Items, quoteItem{ItemID: it.ItemID, Quantity: it.Quantity, Amount: it.Amount})
	}

	var resp quoteResponse
	err := s.client.Do(ctx, Request{Method: http.MethodPost, Path: "/quotes", Body: body, Operation: "quote"}, &resp)
	switch statusOf(err) {
	case 0:
	case http.StatusUnprocessableEntity, http.StatusBadRequest:
		return sales.ShippingQuote{}, fmt.Errorf("%w: %v", sales.ErrInvalidAddress, err)
	case http.StatusNotFound, http.StatusConflict:
		return sales.ShippingQuote{}, fmt.Errorf("%w: %v", sales.ErrQuoteUnavailable, err)
	}
	if err != nil {
		return sales.ShippingQuote{}, err
	}
	if resp.Cost.IsNegative() {
		return sales.ShippingQuote{}, fmt.Errorf("%w: negative cost %s", sales.ErrQuoteUnavailable, resp.Cost)
	}

	now := s.now()
	quote := sales.ShippingQuote{
		RawCost:  resp.Cost,
		Cost:     resp.Cost,
		Currency: resp.Currency,
		QuotedAt: now,
	}
	if resp.ExpiresAt != nil {
		quote.ExpiresAt = *resp.ExpiresAt
	}
	return quote, nil
}

var _ sales.ShippingQuoter = (*ShippingClient)(nil)
