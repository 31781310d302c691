package integration

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/salesflow/backend/internal/domain/sales"
	"github.com/shopspring/decimal"
)

// YooKassa API paths
const (
	yookassaPaymentsPath = "/payments"
	yookassaCancelPath   = "/payments/%s/cancel"
)

// Errors for payment gateway configuration
var (
	ErrPaymentMissingShopID    = errors.New("payment: missing shop ID")
	ErrPaymentMissingSecretKey = errors.New("payment: missing secret key")
	ErrPaymentMissingReturnURL = errors.New("payment: missing return URL")
)

// PaymentGatewayConfig holds the YooKassa credentials
type PaymentGatewayConfig struct {
	BaseURL   string
	ShopID    string
	SecretKey string
	ReturnURL string
}

// Validate validates the configuration
func (c PaymentGatewayConfig) Validate() error {
	if c.ShopID == "" {
		return ErrPaymentMissingShopID
	}
	if c.SecretKey == "" {
		return ErrPaymentMissingSecretKey
	}
	if c.ReturnURL == "" {
		return ErrPaymentMissingReturnURL
	}
	return nil
}

// YooKassaGateway implements sales.PaymentGateway against the YooKassa v3 API
type YooKassaGateway struct {
	client    *Client
	returnURL string
}

type yookassaAmount struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

type yookassaConfirmation struct {
	Type            string `json:"type"`
	ReturnURL       string `json:"return_url,omitempty"`
	ConfirmationURL string `json:"confirmation_url,omitempty"`
}

type yookassaCreateRequest struct {
	Amount       yookassaAmount       `json:"amount"`
	Capture      bool                 `json:"capture"`
	Confirmation yookassaConfirmation `json:"confirmation"`
	Description  string               `json:"description,omitempty"`
	Metadata     map[string]string    `json:"metadata"`
}

type yookassaPayment struct {
	ID           string               `json:"id"`
	Status       string               `json:"status"`
	Amount       yookassaAmount       `json:"amount"`
	Confirmation yookassaConfirmation `json:"confirmation"`
	Metadata     map[string]string    `json:"metadata"`
}

// NewYooKassaGateway creates the payment adapter. The client must be built
// with WithBasicAuth(shop ID, secret key).
func NewYooKassaGateway(client *Client, returnURL string) *YooKassaGateway {
	return &YooKassaGateway{client: client, returnURL: returnURL}
}

// CreateRequest implements sales.PaymentGateway. The Idempotence-Key header
// carries the attempt key, so a retried request after a timeout returns the
// payment the gateway already created.
func (g *YooKassaGateway) CreateRequest(ctx context.Context, input sales.CreatePaymentInput) (sales.PaymentRequest, error) {
	if input.IdempotencyKey == "" {
		return sales.PaymentRequest{}, fmt.Errorf("%w: idempotency key is required", sales.ErrPaymentDeclined)
	}
	if !input.Amount.IsPositive() {
		return sales.PaymentRequest{}, fmt.Errorf("%w: amount must be positive", sales.ErrPaymentDeclined)
	}

	body := yookassaCreateRequest{
		Amount:       yookassaAmount{Value: input.Amount.StringFixed(2), Currency: input.Currency},
		Capture:      true,
		Confirmation: yookassaConfirmation{Type: "redirect", ReturnURL: g.returnURL},
		Description:  truncate(input.Description, 128),
		Metadata:     map[string]string{"order_id": input.OrderID.String(), "attempt_key": input.IdempotencyKey},
	}

	var payment yookassaPayment
	err := g.client.Do(ctx, Request{
		Method:    http.MethodPost,
		Path:      yookassaPaymentsPath,
		Body:      body,
		Headers:   map[string]string{"Idempotence-Key": input.IdempotencyKey},
		Operation: "create_payment",
	}, &payment)
	if err != nil {
		if sales.IsTransient(err) {
			return sales.PaymentRequest{}, fmt.Errorf("%w: %w", sales.ErrGatewayUnavailable, err)
		}
		return sales.PaymentRequest{}, fmt.Errorf("%w: %v", sales.ErrPaymentDeclined, err)
	}
	if payment.ID == "" || payment.Status == "canceled" {
		return sales.PaymentRequest{}, fmt.Errorf("%w: gateway returned status %q", sales.ErrPaymentDeclined, payment.Status)
	}

	return sales.PaymentRequest{
		TrackingReference: payment.ID,
		ConfirmationURL:   payment.Confirmation.ConfirmationURL,
	}, nil
}

// CancelRequest implements sales.PaymentGateway
func (g *YooKassaGateway) CancelRequest(ctx context.Context, trackingReference string) error {
	err := g.client.Do(ctx, Request{
		Method:    http.MethodPost,
		Path:      fmt.Sprintf(yookassaCancelPath, url.PathEscape(trackingReference)),
		Body:      map[string]string{},
		Headers:   map[string]string{"Idempotence-Key": "cancel-" + trackingReference},
		Operation: "cancel_payment",
	}, nil)
	if err != nil && sales.IsTransient(err) {
		return fmt.Errorf("%w: %w", sales.ErrGatewayUnavailable, err)
	}
	return err
}

// parseAmount reads a YooKassa amount value
func parseAmount(a yookassaAmount) (decimal.Decimal, error) {
	if a.Value == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(a.Value)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

var _ sales.PaymentGateway = (*YooKassaGateway)(nil)
