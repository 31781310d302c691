package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/salesflow/backend/internal/domain/sales"
	"github.com/salesflow/backend/internal/domain/shared"
)

// OrderRecordRepository is an in-memory sales.OrderRecordRepository
type OrderRecordRepository struct {
	mu        sync.RWMutex
	orders    map[string]*sales.OrderRecord
	byPayment map[string]string // tracking reference -> order id
}

// NewOrderRecordRepository creates an empty OrderRecordRepository
func NewOrderRecordRepository() *OrderRecordRepository {
	return &OrderRecordRepository{
		orders:    make(map[string]*sales.OrderRecord),
		byPayment: make(map[string]string),
	}
}

// FindByID returns an order record by ID
func (r *OrderRecordRepository) FindByID(ctx context.Context, id uuid.UUID) (*sales.OrderRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.orders[idKey(id)]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return cloneOrder(o), nil
}

// FindByPaymentReference resolves any payment attempt's tracking reference
func (r *OrderRecordRepository) FindByPaymentReference(ctx context.Context, trackingReference string) (*sales.OrderRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byPayment[trackingReference]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return cloneOrder(r.orders[id]), nil
}

// Save inserts or updates the order record with a version check
func (r *OrderRecordRepository) Save(ctx context.Context, order *sales.OrderRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := idKey(order.ID)
	for _, p := range order.Payments {
		if owner, ok := r.byPayment[p.TrackingReference]; ok && owner != key {
			return shared.ErrAlreadyExists
		}
	}
	if stored, ok := r.orders[key]; ok {
		if stored.Version != order.Version {
			return shared.ErrConcurrencyConflict
		}
		order.Version++
	}
	r.orders[key] = cloneOrder(order)
	for _, p := range order.Payments {
		r.byPayment[p.TrackingReference] = key
	}
	return nil
}

// ListAwaitingPaymentBefore returns orders whose payment deadline passed
func (r *OrderRecordRepository) ListAwaitingPaymentBefore(ctx context.Context, deadline time.Time, limit int) ([]*sales.OrderRecord, error) {
	return r.list(limit, func(o *sales.OrderRecord) bool {
		return o.State == sales.StateAwaitingPayment && o.PaymentDeadline != nil && o.PaymentDeadline.Before(deadline)
	}), nil
}

// ListCRMPending returns orders whose CRM deal is still missing
func (r *OrderRecordRepository) ListCRMPending(ctx context.Context, limit int) ([]*sales.OrderRecord, error) {
	return r.list(limit, func(o *sales.OrderRecord) bool {
		return o.CRMSyncPending && o.DealReference == nil
	}), nil
}

// ListNeedingReview returns orders flagged for manual follow-up, newest first
func (r *OrderRecordRepository) ListNeedingReview(ctx context.Context, limit int) ([]*sales.OrderRecord, error) {
	out := r.list(0, func(o *sales.OrderRecord) bool { return o.NeedsManualReview })
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Count returns the number of stored order records
func (r *OrderRecordRepository) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.orders)
}

func (r *OrderRecordRepository) list(limit int, match func(*sales.OrderRecord) bool) []*sales.OrderRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*sales.OrderRecord
	for _, o := range r.orders {
		if match(o) {
			out = append(out, cloneOrder(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
