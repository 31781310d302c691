package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/salesflow/backend/internal/domain/sales"
	"github.com/shopspring/decimal"
)

// ProcessedPaymentEventModel remembers a payment confirmation idempotency key
type ProcessedPaymentEventModel struct {
	EventKey    string    `gorm:"type:varchar(200);primary_key"`
	ProcessedAt time.Time `gorm:"not null"`
	ExpiresAt   time.Time `gorm:"not null;index"`
}

// TableName returns the table name for GORM
func (ProcessedPaymentEventModel) TableName() string {
	return "processed_payment_events"
}

// OrphanedPaymentEventModel is a confirmation event that matched no order
type OrphanedPaymentEventModel struct {
	ID                uuid.UUID           `gorm:"type:uuid;primary_key"`
	TrackingReference string              `gorm:"type:varchar(100);not null;index"`
	Status            sales.PaymentStatus `gorm:"type:varchar(20);not null"`
	IdempotencyKey    string              `gorm:"type:varchar(200);not null"`
	Amount            decimal.Decimal     `gorm:"type:decimal(18,2);not null;default:0"`
	Currency          string              `gorm:"type:varchar(3)"`
	Reason            string              `gorm:"type:varchar(500)"`
	ReceivedAt        time.Time           `gorm:"not null"`
	CreatedAt         time.Time           `gorm:"not null"`
}

// TableName returns the table name for GORM
func (OrphanedPaymentEventModel) TableName() string {
	return "orphaned_payment_events"
}

// FromDomain populates the persistence model from an unmatched confirmation.
func (m *OrphanedPaymentEventModel) FromDomain(e sales.PaymentConfirmation) {
	m.ID = uuid.New()
	m.TrackingReference = e.TrackingReference
	m.Status = e.Status
	m.IdempotencyKey = e.IdempotencyKey
	m.Amount = e.Amount
	m.Currency = e.Currency
	m.Reason = e.Reason
	m.ReceivedAt = e.ReceivedAt
	m.CreatedAt = time.Now()
}

// ToDomain converts the persistence model back to a PaymentConfirmation.
func (m *OrphanedPaymentEventModel) ToDomain() sales.PaymentConfirmation {
	return sales.PaymentConfirmation{
		TrackingReference: m.TrackingReference,
		Status:            m.Status,
		IdempotencyKey:    m.IdempotencyKey,
		Amount:            m.Amount,
		Currency:          m.Currency,
		Reason:            m.Reason,
		ReceivedAt:        m.ReceivedAt,
	}
}

// AllModels lists every model for AutoMigrate in dependency order
func AllModels() []any {
	return []any{
		&SessionModel{},
		&MessageModel{},
		&OrderRecordModel{},
		&OrderItemModel{},
		&PaymentAttemptModel{},
		&OrderAuditModel{},
		&ProcessedPaymentEventModel{},
		&OrphanedPaymentEventModel{},
	}
}
