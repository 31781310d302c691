package automation

import (
	"context"
	"errors"
	"fmt"

	"github.com/salesflow/backend/internal/domain/sales"
	"github.com/salesflow/backend/internal/domain/shared"
	"go.uber.org/zap"
)

// loadOrderTurn loads an order record and the session that owns it
func (e *Engine) loadOrderTurn(ctx context.Context, orderID fmt.Stringer, load func() (*sales.OrderRecord, error)) (*turn, error) {
	order, err := load()
	if err != nil {
		return nil, fmt.Errorf("load order record %s: %w", orderID, err)
	}
	session, err := e.sessions.FindByID(ctx, order.SessionID)
	if err != nil {
		return nil, fmt.Errorf("load session of order %s: %w", order.ID, err)
	}
	return e.newTurn(ctx, session, order), nil
}

func (e *Engine) handlePayment(ctx context.Context, ev PaymentReceived) (*Outcome, error) {
	t, err := e.loadOrderTurn(ctx, ev.OrderID, func() (*sales.OrderRecord, error) {
		return e.orders.FindByID(ctx, ev.OrderID)
	})
	if err != nil {
		return nil, err
	}
	t.notify = true
	order := t.order
	conf := ev.Confirmation
	log := t.log.With(
		zap.String("tracking_reference", conf.TrackingReference),
		zap.String("event_key", conf.IdempotencyKey),
		zap.String("status", string(conf.Status)))

	switch {
	case order.State == sales.StateAwaitingPayment && order.HasOutstandingPayment(conf.TrackingReference):
		switch conf.Status {
		case sales.PaymentStatusSucceeded:
			if err := e.applyPaymentSuccess(ctx, t, conf); err != nil {
				return nil, err
			}
		case sales.PaymentStatusFailed:
			reason := conf.Reason
			if reason == "" {
				reason = "payment failed"
			}
			if err := order.FailPayment(conf.TrackingReference, conf.IdempotencyKey, reason); err != nil {
				return nil, err
			}
			t.changed(true)
			t.reply = replyPaymentFailed
			log.Info("Payment failed, order back to quote", zap.String("reason", reason))
		default:
			log.Debug("Payment still pending")
			return e.commit(ctx, t)
		}

	case order.State == sales.StatePaymentConfirmed && conf.Status == sales.PaymentStatusSucceeded &&
		isSucceededAttempt(order, conf.TrackingReference):
		// A redelivery for an order whose fulfilment did not complete.
		log.Info("Resuming fulfilment of confirmed order")
		e.fulfil(ctx, t)

	default:
		order.RecordIgnoredPayment(conf.TrackingReference, conf.Status, conf.IdempotencyKey)
		t.changed(false)
		t.notify = false
		if order.NeedsManualReview && conf.Status == sales.PaymentStatusSucceeded {
			log.Error("Payment succeeded for an order that no longer awaits payment, flagged for manual review",
				zap.String("state", order.State.String()))
		} else {
			log.Info("Payment event ignored", zap.String("state", order.State.String()))
		}
	}
	return e.commit(ctx, t)
}

func isSucceededAttempt(order *sales.OrderRecord, reference string) bool {
	attempt := order.PaymentAttemptFor(reference)
	return attempt != nil && attempt.Status == sales.PaymentAttemptSucceeded
}

// applyPaymentSuccess confirms the payment and persists it before any CRM call,
// so a CRM failure or a crash can never lose the payment.
func (e *Engine) applyPaymentSuccess(ctx context.Context, t *turn, conf sales.PaymentConfirmation) error {
	order := t.order
	if !conf.Amount.IsZero() && !conf.Amount.Equal(order.Total) {
		order.FlagManualReview(sales.TriggerManualFollowUp,
			fmt.Sprintf("paid amount %s differs from order total %s", conf.Amount.StringFixed(2), order.Total.StringFixed(2)))
	}
	if err := order.ConfirmPayment(conf.TrackingReference, conf.IdempotencyKey); err != nil {
		return err
	}
	t.changed(true)
	if err := e.orders.Save(ctx, order); err != nil {
		return fmt.Errorf("save confirmed payment: %w", err)
	}
	t.log.Info("Payment confirmed", zap.String("total", order.Total.String()))
	e.fulfil(ctx, t)
	return nil
}

// fulfil syncs the CRM (queueing on failure), records the payment with the
// inventory system and completes the order
func (e *Engine) fulfil(ctx context.Context, t *turn) {
	order := t.order
	if order.DealReference == nil {
		e.syncCRM(ctx, t)
	}
	e.markInventoryPaid(ctx, t)
	if err := order.MarkFulfilled(); err != nil {
		t.log.Error("Could not mark order fulfilled", zap.Error(err))
		return
	}
	t.changed(true)
	t.reply = replyPaymentReceived(order) + " " + replyOrderDone
}

func (e *Engine) syncCRM(ctx context.Context, t *turn) {
	order := t.order
	if e.ports.CRM == nil {
		e.queueCRM(ctx, t, sales.ErrPortNotConfigured)
		return
	}
	summary := order.Summary()
	var deal string
	err := e.cfg.Retry.Do(ctx, t.log, "crm.upsert_deal", func(ctx context.Context) error {
		var err error
		deal, err = e.ports.CRM.UpsertDeal(ctx, summary)
		return err
	})
	if err != nil {
		e.queueCRM(ctx, t, err)
		return
	}
	order.RecordDeal(deal)
	t.changed(false)
	t.log.Info("CRM deal recorded", zap.String("deal_reference", deal))
}

func (e *Engine) queueCRM(ctx context.Context, t *turn, cause error) {
	order := t.order
	order.MarkCRMSyncPending(cause.Error())
	t.changed(false)
	t.log.Warn("CRM sync failed, queued for retry", zap.Error(cause))
	if e.ports.CRMQueue == nil {
		return
	}
	// The retry job reads the order back, so it is enqueued only once the
	// pending flag is stored.
	orderID, customerID, log := order.ID, order.CustomerID, t.log
	t.afterCommit = append(t.afterCommit, func(ctx context.Context) {
		if err := e.ports.CRMQueue.EnqueueCRMSync(ctx, orderID, customerID); err != nil {
			// The pending flag stays set; the maintenance sweep re-enqueues it.
			log.Error("Failed to enqueue CRM retry", zap.Error(err))
		}
	})
}

// reserveInventory creates the inventory order holding the items. A failure
// is noted and the reservation is tried again at fulfilment.
func (e *Engine) reserveInventory(ctx context.Context, t *turn) bool {
	order := t.order
	if order.InventoryReference != nil {
		return true
	}
	if e.ports.Inventory == nil {
		return false
	}
	summary := order.Summary()
	var reference string
	err := e.cfg.Retry.Do(ctx, t.log, "inventory.reserve", func(ctx context.Context) error {
		var err error
		reference, err = e.ports.Inventory.Reserve(ctx, summary)
		return err
	})
	if err != nil {
		t.log.Warn("Inventory reservation failed", zap.Error(err))
		order.AddNote(sales.TriggerInventoryError, "reserve: "+err.Error())
		t.changed(false)
		return false
	}
	order.RecordReservation(reference)
	t.changed(false)
	t.log.Info("Inventory reserved", zap.String("inventory_reference", reference))
	return true
}

// markInventoryPaid records the payment against the inventory order. A paid
// order the inventory system does not know about needs an operator.
func (e *Engine) markInventoryPaid(ctx context.Context, t *turn) {
	if e.ports.Inventory == nil {
		return
	}
	order := t.order
	if !e.reserveInventory(ctx, t) {
		order.FlagManualReview(sales.TriggerInventoryError, "paid order has no inventory reservation")
		t.changed(false)
		t.log.Error("Paid order not reserved in inventory, flagged for manual review")
		return
	}
	reference := *order.InventoryReference
	payment := sales.InventoryPayment{
		TrackingReference: order.Summary().TrackingReference,
		Amount:            order.Total,
		Currency:          order.Currency,
	}
	err := e.cfg.Retry.Do(ctx, t.log, "inventory.mark_paid", func(ctx context.Context) error {
		return e.ports.Inventory.MarkPaid(ctx, reference, payment)
	})
	if err != nil {
		order.FlagManualReview(sales.TriggerInventoryError, "mark paid "+reference+": "+err.Error())
		t.changed(false)
		t.log.Error("Inventory payment sync failed, flagged for manual review",
			zap.String("inventory_reference", reference), zap.Error(err))
		return
	}
	order.AddNote(sales.TriggerInventoryPaid, reference)
	t.changed(false)
	t.log.Info("Inventory order marked paid", zap.String("inventory_reference", reference))
}

// releaseInventory frees the items of an order that will not be paid
func (e *Engine) releaseInventory(ctx context.Context, t *turn, reason string) {
	order := t.order
	if e.ports.Inventory == nil || order.InventoryReference == nil {
		return
	}
	reference := *order.InventoryReference
	err := e.cfg.Retry.Do(ctx, t.log, "inventory.release", func(ctx context.Context) error {
		return e.ports.Inventory.Release(ctx, reference, reason)
	})
	if err != nil {
		// The items stay held until an operator releases them.
		order.FlagManualReview(sales.TriggerInventoryError, "release "+reference+": "+err.Error())
		t.changed(false)
		t.log.Error("Inventory release failed, flagged for manual review",
			zap.String("inventory_reference", reference), zap.Error(err))
		return
	}
	order.ReleaseReservation(reason)
	t.changed(false)
	t.log.Info("Inventory released", zap.String("inventory_reference", reference))
}

func (e *Engine) handlePaymentTimeout(ctx context.Context, ev PaymentTimedOut) (*Outcome, error) {
	t, err := e.loadOrderTurn(ctx, ev.OrderID, func() (*sales.OrderRecord, error) {
		return e.orders.FindByID(ctx, ev.OrderID)
	})
	if err != nil {
		return nil, err
	}
	order := t.order
	if !order.IsPaymentOverdue(e.clock.Now()) {
		// Payment resolved or was re-requested after the sweep picked it up.
		return &Outcome{Session: t.session, Order: order}, nil
	}
	if order.PaymentReference != nil {
		e.releasePayment(ctx, t, *order.PaymentReference)
	}
	if err := order.ExpirePayment(); err != nil {
		return nil, err
	}
	e.releaseInventory(ctx, t, sales.CancelReasonPaymentTimeout)
	t.changed(true)
	t.notify = true
	t.reply = replyPaymentTimeout
	t.log.Info("Payment timed out, order cancelled")
	return e.commit(ctx, t)
}

func (e *Engine) handleCRMSync(ctx context.Context, ev CRMSyncCompleted) (*Outcome, error) {
	order, err := e.orders.FindByID(ctx, ev.OrderID)
	if err != nil {
		return nil, fmt.Errorf("load order record %s: %w", ev.OrderID, err)
	}
	log := e.logger.With(zap.String("order_id", order.ID.String()))

	switch {
	case order.DealReference != nil:
		return &Outcome{Order: order}, nil
	case ev.Exhausted:
		order.AbandonCRMSync(ev.Reason)
		log.Error("CRM sync retries exhausted, flagged for manual review", zap.String("reason", ev.Reason))
	default:
		order.RecordDeal(ev.DealReference)
		log.Info("CRM deal recorded by retry", zap.String("deal_reference", ev.DealReference))
	}
	if err := e.orders.Save(ctx, order); err != nil {
		return nil, fmt.Errorf("save order record: %w", err)
	}
	return &Outcome{Order: order}, nil
}

func (e *Engine) handleTurnAppended(ctx context.Context, ev TurnAppended) (*Outcome, error) {
	session, err := e.sessions.FindActiveByCustomer(ctx, ev.CustomerID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("load session: %w", err)
	}
	if _, err := session.AppendTurn(ev.Role, ev.Text, ""); err != nil {
		return nil, err
	}
	if err := e.sessions.Save(ctx, session); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	order, err := e.activeOrder(ctx, session)
	if err != nil {
		return nil, err
	}
	if ev.Role == sales.RoleOperator {
		t := e.newTurn(ctx, session, order)
		t.reply = ev.Text
		e.notify(ctx, t)
	}
	return &Outcome{Session: session, Order: order}, nil
}

func (e *Engine) handleSessionRequested(ctx context.Context, ev SessionRequested) (*Outcome, error) {
	session, err := e.sessions.FindActiveByCustomer(ctx, ev.CustomerID)
	switch {
	case err == nil:
	case errors.Is(err, shared.ErrNotFound) && ev.Create:
		if session, err = sales.NewSession(ev.CustomerID); err != nil {
			return nil, err
		}
		t := e.newTurn(ctx, session, nil)
		return e.commit(ctx, t)
	case errors.Is(err, shared.ErrNotFound):
		return nil, ErrSessionNotFound
	default:
		return nil, fmt.Errorf("load session: %w", err)
	}

	order, err := e.activeOrder(ctx, session)
	if err != nil {
		return nil, err
	}
	return &Outcome{Session: session, Order: order}, nil
}

func (e *Engine) handleArchive(ctx context.Context, ev ArchiveRequested) (*Outcome, error) {
	session, err := e.sessions.FindActiveByCustomer(ctx, ev.CustomerID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("load session: %w", err)
	}
	order, err := e.activeOrder(ctx, session)
	if err != nil {
		return nil, err
	}

	idle := e.cfg.IdleTimeout
	if ev.Force {
		idle = 0
	}
	terminal := order == nil || order.IsTerminal()
	if err := session.Archive(e.clock.Now(), idle, terminal); err != nil {
		return nil, err
	}

	t := e.newTurn(ctx, session, order)
	if e.ports.Archiver != nil {
		err := e.cfg.Retry.Do(ctx, t.log, "transcript.archive", func(ctx context.Context) error {
			return e.ports.Archiver.ArchiveTranscript(ctx, session, order)
		})
		if err != nil {
			// Leave the session active so the next sweep retries the upload.
			return nil, fmt.Errorf("archive transcript: %w", err)
		}
	}
	t.log.Info("Session archived", zap.Int("messages", len(session.Messages)))
	return e.commit(ctx, t)
}
