package integration

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/salesflow/backend/internal/domain/sales"
)

// Webhook event names
const (
	WebhookPaymentSucceeded         = "payment.succeeded"
	WebhookPaymentCanceled          = "payment.canceled"
	WebhookPaymentWaitingForCapture = "payment.waiting_for_capture"
)

// Webhook errors
var (
	ErrWebhookSignatureMissing = errors.New("webhook: signature missing")
	ErrWebhookSignatureInvalid = errors.New("webhook: signature invalid")
	ErrWebhookMalformed        = errors.New("webhook: malformed payload")
	ErrWebhookUnsupportedEvent = errors.New("webhook: unsupported event")
)

// WebhookParser verifies and decodes payment provider notifications
type WebhookParser struct {
	secret []byte
}

// NewWebhookParser creates a parser. An empty secret disables signature checks.
func NewWebhookParser(secret string) *WebhookParser {
	return &WebhookParser{secret: []byte(secret)}
}

// RequiresSignature reports whether a signing secret is configured
func (p *WebhookParser) RequiresSignature() bool {
	return len(p.secret) > 0
}

// Verify checks the HMAC-SHA256 of body against the Authorization header
// value, which may carry a "sha256=" prefix.
func (p *WebhookParser) Verify(body []byte, header string) error {
	if !p.RequiresSignature() {
		return nil
	}
	sig := strings.TrimSpace(header)
	sig = strings.TrimPrefix(sig, "sha256=")
	if sig == "" {
		return ErrWebhookSignatureMissing
	}
	given, err := hex.DecodeString(sig)
	if err != nil {
		return ErrWebhookSignatureInvalid
	}
	if !hmac.Equal(given, p.Sign(body)) {
		return ErrWebhookSignatureInvalid
	}
	return nil
}

// Sign computes the raw HMAC-SHA256 of body
func (p *WebhookParser) Sign(body []byte) []byte {
	mac := hmac.New(sha256.New, p.secret)
	mac.Write(body)
	return mac.Sum(nil)
}

type webhookNotification struct {
	Type   string          `json:"type"`
	Event  string          `json:"event"`
	Object yookassaWebhook `json:"object"`
}

type yookassaWebhook struct {
	ID                  string         `json:"id"`
	Status              string         `json:"status"`
	Paid                bool           `json:"paid"`
	Amount              yookassaAmount `json:"amount"`
	CancellationDetails *struct {
		Party  string `json:"party"`
		Reason string `json:"reason"`
	} `json:"cancellation_details"`
}

// Parse decodes a notification into a payment confirmation. The provider does
// not assign event IDs, so the idempotency key is "{payment id}:{event}":
// redelivery of the same notification yields the same key.
func (p *WebhookParser) Parse(body []byte, receivedAt time.Time) (sales.PaymentConfirmation, error) {
	var n webhookNotification
	if err := json.Unmarshal(body, &n); err != nil {
		return sales.PaymentConfirmation{}, fmt.Errorf("%w: %v", ErrWebhookMalformed, err)
	}
	if n.Event == "" || n.Object.ID == "" {
		return sales.PaymentConfirmation{}, fmt.Errorf("%w: event and object.id are required", ErrWebhookMalformed)
	}

	var status sales.PaymentStatus
	switch n.Event {
	case WebhookPaymentSucceeded:
		status = sales.PaymentStatusSucceeded
	case WebhookPaymentCanceled:
		status = sales.PaymentStatusFailed
	case WebhookPaymentWaitingForCapture:
		status = sales.PaymentStatusPending
	default:
		return sales.PaymentConfirmation{}, fmt.Errorf("%w: %s", ErrWebhookUnsupportedEvent, n.Event)
	}

	amount, err := parseAmount(n.Object.Amount)
	if err != nil {
		return sales.PaymentConfirmation{}, fmt.Errorf("%w: amount: %v", ErrWebhookMalformed, err)
	}

	event := sales.PaymentConfirmation{
		TrackingReference: n.Object.ID,
		Status:            status,
		IdempotencyKey:    n.Object.ID + ":" + n.Event,
		Amount:            amount,
		Currency:          n.Object.Amount.Currency,
		ReceivedAt:        receivedAt,
	}
	if d := n.Object.CancellationDetails; d != nil {
		event.Reason = d.Reason
	}
	return event, nil
}
