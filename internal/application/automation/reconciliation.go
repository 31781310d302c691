package automation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/salesflow/backend/internal/domain/sales"
	"github.com/salesflow/backend/internal/domain/shared"
	"go.uber.org/zap"
)

// Dispatcher routes events into the owning customer's serialized queue.
// SessionQueue implements it.
type Dispatcher interface {
	Submit(ctx context.Context, ev Event) (*Outcome, error)
	Enqueue(ctx context.Context, ev Event) error
}

// ReconcileStatus is the outcome of reconciling one payment confirmation
type ReconcileStatus string

const (
	ReconcileApplied          ReconcileStatus = "APPLIED"
	ReconcileAlreadyProcessed ReconcileStatus = "ALREADY_PROCESSED"
	ReconcileOrphaned         ReconcileStatus = "ORPHANED"
)

// ReconcileResult describes what happened to a payment confirmation
type ReconcileResult struct {
	Status  ReconcileStatus
	OrderID uuid.UUID
	State   sales.OrderState
}

// ReconcilerConfig holds configuration for payment reconciliation
type ReconcilerConfig struct {
	// WaitAttempts lookups by tracking reference before an event is orphaned.
	// Covers a webhook racing the commit of the payment request.
	WaitAttempts int
	WaitInterval time.Duration
	// KeyTTL is how long processed idempotency keys are remembered
	KeyTTL time.Duration
}

// DefaultReconcilerConfig returns default configuration
func DefaultReconcilerConfig() ReconcilerConfig {
	return ReconcilerConfig{
		WaitAttempts: 5,
		WaitInterval: 500 * time.Millisecond,
		KeyTTL:       shared.DefaultIdempotencyConfig().TTL,
	}
}

// PaymentReconciler maps payment confirmations to order records and hands
// them to the owning session's queue
type PaymentReconciler struct {
	orders     sales.OrderRecordRepository
	processed  shared.IdempotencyStore
	orphans    sales.OrphanedPaymentLog
	dispatcher Dispatcher
	config     ReconcilerConfig
	logger     *zap.Logger
}

// NewPaymentReconciler creates a new PaymentReconciler
func NewPaymentReconciler(
	orders sales.OrderRecordRepository,
	processed shared.IdempotencyStore,
	orphans sales.OrphanedPaymentLog,
	dispatcher Dispatcher,
	config ReconcilerConfig,
	logger *zap.Logger,
) *PaymentReconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.WaitAttempts <= 0 {
		config.WaitAttempts = 1
	}
	if config.KeyTTL <= 0 {
		config.KeyTTL = DefaultReconcilerConfig().KeyTTL
	}
	return &PaymentReconciler{
		orders:     orders,
		processed:  processed,
		orphans:    orphans,
		dispatcher: dispatcher,
		config:     config,
		logger:     logger,
	}
}

// Reconcile applies a payment confirmation at most once. Unknown references
// are recorded and acknowledged, never returned as errors. An error means the
// event was not applied and the provider should redeliver it.
func (r *PaymentReconciler) Reconcile(ctx context.Context, event sales.PaymentConfirmation) (ReconcileResult, error) {
	if err := event.Validate(); err != nil {
		return ReconcileResult{}, err
	}
	log := r.logger.With(
		zap.String("tracking_reference", event.TrackingReference),
		zap.String("idempotency_key", event.IdempotencyKey),
		zap.String("status", string(event.Status)))

	fresh, err := r.processed.MarkProcessed(ctx, event.IdempotencyKey, r.config.KeyTTL)
	if err != nil {
		return ReconcileResult{}, fmt.Errorf("mark payment event: %w", err)
	}
	if !fresh {
		log.Info("Duplicate payment event ignored")
		return ReconcileResult{Status: ReconcileAlreadyProcessed}, nil
	}

	order, err := r.lookup(ctx, event.TrackingReference)
	if errors.Is(err, shared.ErrNotFound) {
		log.Warn("Payment event matches no order record, acknowledging as orphaned")
		if err := r.orphans.RecordOrphan(ctx, event); err != nil {
			log.Error("Failed to record orphaned payment event", zap.Error(err))
		}
		return ReconcileResult{Status: ReconcileOrphaned}, nil
	}
	if err != nil {
		r.release(ctx, log, event.IdempotencyKey)
		return ReconcileResult{}, fmt.Errorf("look up tracking reference: %w", err)
	}

	// The event is applied even if the webhook request goes away meanwhile.
	out, err := r.dispatcher.Submit(context.WithoutCancel(ctx), PaymentReceived{
		CustomerID:   order.CustomerID,
		OrderID:      order.ID,
		Confirmation: event,
	})
	if err != nil {
		r.release(ctx, log, event.IdempotencyKey)
		return ReconcileResult{}, fmt.Errorf("apply payment event: %w", err)
	}

	result := ReconcileResult{Status: ReconcileApplied, OrderID: order.ID, State: order.State}
	if out != nil && out.Order != nil {
		result.State = out.Order.State
	}
	log.Info("Payment event reconciled",
		zap.String("order_id", order.ID.String()),
		zap.String("state", result.State.String()))
	return result, nil
}

// lookup resolves the tracking reference, waiting briefly for a payment request
// whose commit has not landed yet
func (r *PaymentReconciler) lookup(ctx context.Context, reference string) (*sales.OrderRecord, error) {
	var err error
	for attempt := 1; attempt <= r.config.WaitAttempts; attempt++ {
		var order *sales.OrderRecord
		order, err = r.orders.FindByPaymentReference(ctx, reference)
		if err == nil {
			return order, nil
		}
		if !errors.Is(err, shared.ErrNotFound) || attempt == r.config.WaitAttempts {
			return nil, err
		}

		timer := time.NewTimer(r.config.WaitInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return nil, err
}

func (r *PaymentReconciler) release(ctx context.Context, log *zap.Logger, key string) {
	if err := r.processed.Release(context.WithoutCancel(ctx), key); err != nil {
		log.Error("Failed to release payment event key", zap.Error(err))
	}
}
