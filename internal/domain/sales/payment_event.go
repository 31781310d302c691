package sales

import (
	"strings"
	"time"

	"github.com/salesflow/backend/internal/domain/shared"
	"github.com/shopspring/decimal"
)

// PaymentStatus is the provider-reported outcome carried by a confirmation event
type PaymentStatus string

const (
	PaymentStatusSucceeded PaymentStatus = "succeeded"
	PaymentStatusFailed    PaymentStatus = "failed"
	PaymentStatusPending   PaymentStatus = "pending"
)

// IsValid checks if the status is known
func (s PaymentStatus) IsValid() bool {
	switch s {
	case PaymentStatusSucceeded, PaymentStatusFailed, PaymentStatusPending:
		return true
	}
	return false
}

// IsFinal reports whether the status resolves the payment request
func (s PaymentStatus) IsFinal() bool {
	return s == PaymentStatusSucceeded || s == PaymentStatusFailed
}

// PaymentConfirmation is an asynchronous event from the payment provider
type PaymentConfirmation struct {
	TrackingReference string
	Status            PaymentStatus
	IdempotencyKey    string // provider-assigned event ID
	Amount            decimal.Decimal
	Currency          string
	Reason            string
	ReceivedAt        time.Time
}

// Validate checks the fields needed for reconciliation
func (e PaymentConfirmation) Validate() error {
	if strings.TrimSpace(e.TrackingReference) == "" {
		return shared.NewDomainError("INVALID_PAYMENT_EVENT", "Tracking reference is required")
	}
	if strings.TrimSpace(e.IdempotencyKey) == "" {
		return shared.NewDomainError("INVALID_PAYMENT_EVENT", "Idempotency key is required")
	}
	if !e.Status.IsValid() {
		return shared.NewDomainError("INVALID_PAYMENT_EVENT", "Unknown payment status: "+string(e.Status))
	}
	return nil
}
