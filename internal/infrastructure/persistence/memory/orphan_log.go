package memory

import (
	"context"
	"sync"

	"github.com/salesflow/backend/internal/domain/sales"
)

// OrphanedPaymentLog keeps unmatched payment events in memory
type OrphanedPaymentLog struct {
	mu     sync.Mutex
	events []sales.PaymentConfirmation
}

// NewOrphanedPaymentLog creates an empty OrphanedPaymentLog
func NewOrphanedPaymentLog() *OrphanedPaymentLog {
	return &OrphanedPaymentLog{}
}

// RecordOrphan stores an unmatched payment event
func (l *OrphanedPaymentLog) RecordOrphan(ctx context.Context, event sales.PaymentConfirmation) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
	return nil
}

// Events returns the recorded events
func (l *OrphanedPaymentLog) Events() []sales.PaymentConfirmation {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]sales.PaymentConfirmation(nil), l.events...)
}

// Recent returns the latest recorded events, newest first
func (l *OrphanedPaymentLog) Recent(ctx context.Context, limit int) ([]sales.PaymentConfirmation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(l.events)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]sales.PaymentConfirmation, 0, n)
	for i := len(l.events) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, l.events[i])
	}
	return out, nil
}
