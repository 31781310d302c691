package sales

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Ports the engine consumes. They are defined here and implemented by
// adapters in the infrastructure layer. Ports never mutate sessions or
// order records; they only return data the engine folds in.

// IntentClassifier reads the latest message in the context of the history.
// Callers treat any error as an unknown intent.
type IntentClassifier interface {
	Classify(ctx context.Context, history []Turn, latest string) (Classification, error)
}

// CatalogItem is a search hit from the catalog
type CatalogItem struct {
	ItemID string          `json:"item_id"`
	Name   string          `json:"name"`
	Price  decimal.Decimal `json:"price"`
}

// CatalogLookup returns ranked candidate items, possibly none
type CatalogLookup interface {
	Search(ctx context.Context, query string, maxPrice *decimal.Decimal) ([]CatalogItem, error)
}

// ShippingQuoter prices delivery. It fails with ErrQuoteUnavailable or ErrInvalidAddress.
type ShippingQuoter interface {
	Quote(ctx context.Context, destination Address, items []OrderItem) (ShippingQuote, error)
}

// PaymentRequest is the gateway's answer to a new payment request
type PaymentRequest struct {
	TrackingReference string
	ConfirmationURL   string
}

// CreatePaymentInput describes a payment request for an order
type CreatePaymentInput struct {
	OrderID  uuid.UUID
	Amount   decimal.Decimal
	Currency string
	// IdempotencyKey is stable across retries of the same attempt so a
	// timed-out request that did reach the gateway is not issued twice.
	IdempotencyKey string
	Description    string
}

// PaymentGateway issues payment requests. Confirmations arrive asynchronously
// through the webhook and are reconciled by tracking reference.
type PaymentGateway interface {
	CreateRequest(ctx context.Context, input CreatePaymentInput) (PaymentRequest, error)
	CancelRequest(ctx context.Context, trackingReference string) error
}

// OrderSummary is what the CRM receives for a paid order
type OrderSummary struct {
	OrderID           uuid.UUID
	CustomerID        string
	Items             []OrderItem
	Destination       *Address
	ShippingCost      decimal.Decimal
	Total             decimal.Decimal
	Currency          string
	TrackingReference string
}

// CRMSync upserts a deal for a paid order. Best effort, queued on failure.
type CRMSync interface {
	UpsertDeal(ctx context.Context, summary OrderSummary) (string, error)
}

// InventoryPayment is the payment recorded against an inventory order
type InventoryPayment struct {
	TrackingReference string
	Amount            decimal.Decimal
	Currency          string
}

// InventorySync mirrors orders into the inventory system. Reserve creates an
// order holding the items, MarkPaid records the payment against it and
// Release frees the items of an order that will not be paid. Calls are keyed
// by the order, so repeating one is safe.
type InventorySync interface {
	Reserve(ctx context.Context, summary OrderSummary) (string, error)
	MarkPaid(ctx context.Context, reference string, payment InventoryPayment) error
	Release(ctx context.Context, reference, reason string) error
}

// Escalation hands a conversation to the human operator queue
type Escalation interface {
	Handoff(ctx context.Context, sessionID uuid.UUID, customerID, reason string) error
}

// CustomerNotifier pushes a message to the customer's chat outside a request/reply
// exchange, e.g. after a payment webhook or a timeout.
type CustomerNotifier interface {
	Notify(ctx context.Context, customerID, text string) error
}

// CRMRetryQueue accepts a CRM sync that failed after payment success
type CRMRetryQueue interface {
	EnqueueCRMSync(ctx context.Context, orderID uuid.UUID, customerID string) error
}

// TranscriptArchiver stores the message log of an archived session
type TranscriptArchiver interface {
	ArchiveTranscript(ctx context.Context, session *Session, order *OrderRecord) error
}

// Clock abstracts time for deadline and idle computations
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall clock
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }
