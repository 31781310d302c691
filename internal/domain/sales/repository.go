package sales

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// SessionRepository persists customer sessions and their message logs
type SessionRepository interface {
	// FindActiveByCustomer returns the customer's non-archived session or shared.ErrNotFound
	FindActiveByCustomer(ctx context.Context, customerID string) (*Session, error)
	FindByID(ctx context.Context, id uuid.UUID) (*Session, error)
	// Save inserts or updates the session and appends new message log turns.
	// It fails with shared.ErrConcurrencyConflict when the stored version moved.
	Save(ctx context.Context, session *Session) error
	// ListIdle returns non-archived sessions with no customer activity since before
	ListIdle(ctx context.Context, before time.Time, limit int) ([]*Session, error)
}

// OrderRecordRepository persists order records
type OrderRecordRepository interface {
	FindByID(ctx context.Context, id uuid.UUID) (*OrderRecord, error)
	// FindByPaymentReference resolves any payment attempt's tracking reference to its order
	FindByPaymentReference(ctx context.Context, trackingReference string) (*OrderRecord, error)
	// Save inserts or updates with optimistic locking on Version
	Save(ctx context.Context, order *OrderRecord) error
	// ListAwaitingPaymentBefore returns orders whose payment deadline passed
	ListAwaitingPaymentBefore(ctx context.Context, deadline time.Time, limit int) ([]*OrderRecord, error)
	// ListCRMPending returns fulfilled orders whose CRM deal is still missing
	ListCRMPending(ctx context.Context, limit int) ([]*OrderRecord, error)
}

// OrphanedPaymentLog records confirmation events that matched no order
type OrphanedPaymentLog interface {
	RecordOrphan(ctx context.Context, event PaymentConfirmation) error
}
