package automation

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/salesflow/backend/internal/domain/sales"
	"go.uber.org/zap"
)

// CRMReconciler re-runs CRM deal sync for paid orders whose first sync failed.
// It runs in the background job pool; results are folded into the order record
// through the customer's queue, never written directly.
type CRMReconciler struct {
	orders     sales.OrderRecordRepository
	crm        sales.CRMSync
	dispatcher Dispatcher
	logger     *zap.Logger
}

// NewCRMReconciler creates a new CRMReconciler
func NewCRMReconciler(orders sales.OrderRecordRepository, crm sales.CRMSync, dispatcher Dispatcher, logger *zap.Logger) *CRMReconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CRMReconciler{orders: orders, crm: crm, dispatcher: dispatcher, logger: logger}
}

// SyncDeal makes one CRM upsert attempt. A returned error asks the caller to retry later.
func (r *CRMReconciler) SyncDeal(ctx context.Context, orderID uuid.UUID) error {
	if r.crm == nil {
		return sales.ErrPortNotConfigured
	}
	order, err := r.orders.FindByID(ctx, orderID)
	if err != nil {
		return fmt.Errorf("load order record: %w", err)
	}
	// A paid order without a deal still needs one, pending flag or not.
	if order.DealReference != nil || (!order.CRMSyncPending && order.PaidAt == nil) {
		return nil
	}

	deal, err := r.crm.UpsertDeal(ctx, order.Summary())
	if err != nil {
		return err
	}
	r.logger.Info("CRM deal created on retry",
		zap.String("order_id", orderID.String()),
		zap.String("deal_reference", deal))

	return r.dispatcher.Enqueue(ctx, CRMSyncCompleted{
		CustomerID:    order.CustomerID,
		OrderID:       order.ID,
		DealReference: deal,
	})
}

// Exhausted records that retries ran out, leaving the order flagged for manual follow-up
func (r *CRMReconciler) Exhausted(ctx context.Context, orderID uuid.UUID, customerID, reason string) error {
	r.logger.Error("CRM sync retries exhausted",
		zap.String("order_id", orderID.String()),
		zap.String("reason", reason))
	return r.dispatcher.Enqueue(ctx, CRMSyncCompleted{
		CustomerID: customerID,
		OrderID:    orderID,
		Exhausted:  true,
		Reason:     reason,
	})
}
