// Package automation implements the order automation engine: the state machine
// that turns classified customer messages and payment confirmations into order
// record transitions, the per-customer serialized queue that feeds it, and the
// payment reconciliation that routes webhooks into that queue.
package automation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/salesflow/backend/internal/domain/sales"
	"github.com/salesflow/backend/internal/domain/shared"
	"github.com/salesflow/backend/internal/infrastructure/telemetry"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	// ErrUnknownEvent is returned for an event type the engine does not handle
	ErrUnknownEvent = errors.New("automation: unknown event")
	// ErrSessionNotFound is returned when a read targets a customer without a session
	ErrSessionNotFound = errors.New("automation: session not found")
)

// SpanAttrEventKind tags the apply span with the event kind
const SpanAttrEventKind = "event_kind"

// Ports groups the external collaborators the engine calls
type Ports struct {
	Classifier sales.IntentClassifier
	Catalog    sales.CatalogLookup
	Shipping   sales.ShippingQuoter
	Payment    sales.PaymentGateway
	CRM        sales.CRMSync
	Escalation sales.Escalation
	Notifier   sales.CustomerNotifier
	Inventory  sales.InventorySync
	CRMQueue   sales.CRMRetryQueue
	Archiver   sales.TranscriptArchiver
}

// EngineConfig holds the business settings of the engine
type EngineConfig struct {
	Currency string
	// FreeShippingThreshold is compared with the item subtotal once, at quote time.
	// Zero disables free shipping.
	FreeShippingThreshold decimal.Decimal
	PaymentTimeout        time.Duration
	IdleTimeout           time.Duration
	HistoryLimit          int
	SuggestionLimit       int
	Retry                 RetryPolicy
	Escalation            EscalationPolicy
}

// DefaultEngineConfig returns the default engine settings
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Currency:              "RUB",
		FreeShippingThreshold: decimal.NewFromInt(15000),
		PaymentTimeout:        30 * time.Minute,
		IdleTimeout:           60 * time.Minute,
		HistoryLimit:          20,
		SuggestionLimit:       3,
		Retry:                 DefaultRetryPolicy(),
		Escalation:            DefaultEscalationPolicy(),
	}
}

// CancelSignal reports whether a cancel message is queued behind the event
// being processed, so a late port result can be discarded in its favour.
type CancelSignal interface {
	CancelRequested(customerID string) bool
}

// EngineDeps holds the engine's collaborators
type EngineDeps struct {
	Sessions  sales.SessionRepository
	Orders    sales.OrderRecordRepository
	Ports     Ports
	Config    EngineConfig
	Publisher shared.EventPublisher
	Clock     sales.Clock
	Logger    *zap.Logger
}

// Engine is the order state machine. It is not safe for concurrent use on
// the same customer; SessionQueue serializes calls per customer.
type Engine struct {
	sessions  sales.SessionRepository
	orders    sales.OrderRecordRepository
	ports     Ports
	cfg       EngineConfig
	publisher shared.EventPublisher
	clock     sales.Clock
	logger    *zap.Logger
	cancel    CancelSignal
}

// NewEngine creates a new Engine
func NewEngine(deps EngineDeps) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = sales.SystemClock{}
	}
	cfg := deps.Config
	if cfg.Currency == "" {
		cfg.Currency = "RUB"
	}
	if cfg.SuggestionLimit <= 0 {
		cfg.SuggestionLimit = 3
	}
	if cfg.PaymentTimeout <= 0 {
		cfg.PaymentTimeout = 30 * time.Minute
	}
	return &Engine{
		sessions:  deps.Sessions,
		orders:    deps.Orders,
		ports:     deps.Ports,
		cfg:       cfg,
		publisher: deps.Publisher,
		clock:     clock,
		logger:    logger,
	}
}

// SetCancelSignal wires the queue that knows about pending cancel messages
func (e *Engine) SetCancelSignal(s CancelSignal) {
	e.cancel = s
}

// Config returns the engine settings
func (e *Engine) Config() EngineConfig {
	return e.cfg
}

// Apply applies one event for one customer
func (e *Engine) Apply(ctx context.Context, ev Event) (*Outcome, error) {
	ctx, span := telemetry.StartSpan(ctx, "automation.apply",
		telemetry.WithAttribute(SpanAttrEventKind, string(ev.Kind())),
		telemetry.WithAttribute(telemetry.SpanAttrCustomerID, ev.SessionKey()))
	defer span.End()

	out, err := e.dispatch(ctx, ev)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	if out != nil && out.Order != nil {
		state := out.Order.State.String()
		telemetry.SetAttributes(span,
			telemetry.SpanAttrOrderID, out.Order.ID.String(),
			telemetry.SpanAttrOrderState, state)
		if out.Transitioned {
			telemetry.AddEvent(span, "order_transitioned", telemetry.SpanAttrOrderState, state)
		}
	}
	return out, nil
}

func (e *Engine) dispatch(ctx context.Context, ev Event) (*Outcome, error) {
	switch ev := ev.(type) {
	case MessageReceived:
		return e.handleMessage(ctx, ev)
	case PaymentReceived:
		return e.handlePayment(ctx, ev)
	case PaymentTimedOut:
		return e.handlePaymentTimeout(ctx, ev)
	case CRMSyncCompleted:
		return e.handleCRMSync(ctx, ev)
	case TurnAppended:
		return e.handleTurnAppended(ctx, ev)
	case SessionRequested:
		return e.handleSessionRequested(ctx, ev)
	case ArchiveRequested:
		return e.handleArchive(ctx, ev)
	}
	return nil, fmt.Errorf("%w: %T", ErrUnknownEvent, ev)
}

// turn collects what one event changed before it is committed
type turn struct {
	session      *sales.Session
	order        *sales.OrderRecord
	orderDirty   bool
	reply        string
	transitioned bool
	notify       bool // push the reply through the notifier
	log          *zap.Logger
	// afterCommit runs once the session and order are saved
	afterCommit []func(context.Context)
}

// live returns the active order unless it reached a terminal state
func (t *turn) live() *sales.OrderRecord {
	if t.order == nil || t.order.IsTerminal() {
		return nil
	}
	return t.order
}

func (t *turn) changed(transitioned bool) {
	t.orderDirty = true
	if transitioned {
		t.transitioned = true
	}
}

func (e *Engine) newTurn(ctx context.Context, session *sales.Session, order *sales.OrderRecord) *turn {
	log := e.logger.With(
		zap.String("customer_id", session.CustomerID),
		zap.String("session_id", session.ID.String()))
	if traceID := telemetry.GetTraceID(ctx); traceID != "" {
		log = log.With(zap.String("trace_id", traceID))
	}
	if order != nil {
		log = log.With(zap.String("order_id", order.ID.String()))
	}
	return &turn{session: session, order: order, log: log}
}

// ---------------------------------------------------------------------------
// Inbound messages
// ---------------------------------------------------------------------------

func (e *Engine) handleMessage(ctx context.Context, ev MessageReceived) (*Outcome, error) {
	session, err := e.loadOrCreateSession(ctx, ev.CustomerID)
	if err != nil {
		return nil, err
	}
	order, err := e.activeOrder(ctx, session)
	if err != nil {
		return nil, err
	}
	t := e.newTurn(ctx, session, order)

	if session.Escalated {
		// An operator owns the conversation; log the message and stay silent.
		if _, err := session.AppendTurn(sales.RoleCustomer, ev.Text, sales.IntentUnknown); err != nil {
			return nil, err
		}
		return e.commit(ctx, t)
	}

	c := e.classify(ctx, t, ev.Text)
	if _, err := session.AppendTurn(sales.RoleCustomer, ev.Text, c.Kind); err != nil {
		return nil, err
	}
	session.RecordIntent(c.Kind)

	if reason := e.cfg.Escalation.Evaluate(session, c); reason != "" {
		e.escalate(ctx, t, reason)
		return e.commit(ctx, t)
	}

	e.route(ctx, t, c, ev.Text)
	return e.commit(ctx, t)
}

// classify calls the classifier and fails soft to an unknown intent
func (e *Engine) classify(ctx context.Context, t *turn, text string) sales.Classification {
	if e.ports.Classifier == nil {
		return sales.UnknownClassification()
	}
	history := t.session.History(e.cfg.HistoryLimit)

	var c sales.Classification
	err := e.cfg.Retry.Do(ctx, t.log, "classifier.classify", func(ctx context.Context) error {
		var err error
		c, err = e.ports.Classifier.Classify(ctx, history, text)
		return err
	})
	if err != nil {
		t.log.Warn("Intent classification failed, treating as unknown", zap.Error(err))
		return sales.UnknownClassification()
	}
	c = c.Normalize()
	t.log.Debug("Message classified",
		zap.String("intent", c.Kind.String()),
		zap.Float64("confidence", c.Confidence))
	return c
}

// ---------------------------------------------------------------------------
// Actions
// ---------------------------------------------------------------------------

func (e *Engine) searchCatalog(ctx context.Context, t *turn, c sales.Classification, text string) {
	if e.ports.Catalog == nil {
		t.reply = replyTryAgain
		return
	}
	query := c.Slot(sales.SlotQuery)
	if query == "" {
		query = text
	}
	budget := budgetFromSlots(c)

	var items []sales.CatalogItem
	err := e.cfg.Retry.Do(ctx, t.log, "catalog.search", func(ctx context.Context) error {
		var err error
		items, err = e.ports.Catalog.Search(ctx, query, budget)
		return err
	})
	if err != nil {
		t.log.Error("Catalog search failed", zap.String("query", query), zap.Error(err))
		t.reply = replyTryAgain
		return
	}
	if len(items) > e.cfg.SuggestionLimit {
		items = items[:e.cfg.SuggestionLimit]
	}
	if len(items) == 0 {
		t.reply = replyNoResults
		return
	}
	t.session.RememberSuggestions(items)
	t.reply = replySuggestions(items, e.cfg.Currency)
}

func (e *Engine) createOrder(t *turn, items []sales.OrderItem) {
	order, err := sales.NewOrderRecord(t.session.ID, t.session.CustomerID, e.cfg.Currency, items)
	if err != nil {
		t.log.Warn("Could not create order record", zap.Error(err))
		t.reply = replyUnknownSelection
		return
	}
	if t.order != nil {
		t.session.DetachOrder()
	}
	t.session.AttachOrder(order.ID)
	t.order = order
	t.log = t.log.With(zap.String("order_id", order.ID.String()))
	t.changed(true)
	t.reply = replyItemSelected(order)

	t.log.Info("Order record created",
		zap.Int("items", order.ItemCount()),
		zap.String("subtotal", order.Subtotal.String()))
}

func (e *Engine) changeItems(ctx context.Context, t *turn, c sales.Classification) {
	order := t.order
	items, ok := resolveItems(t.session, c)
	if !ok {
		t.reply = replyUnknownSelection
		return
	}
	wasQuoted := order.State == sales.StateQuoteReady
	if err := order.ChangeItems(items); err != nil {
		e.invalidTransition(t, err)
		return
	}
	t.changed(wasQuoted)

	// A change after quoting re-enters the address step; the stored
	// destination is quoted again so the threshold is evaluated afresh.
	if wasQuoted && order.Destination != nil {
		e.quote(ctx, t)
		return
	}
	t.reply = replyItemsChanged(order)
}

func (e *Engine) handleAddress(ctx context.Context, t *turn, c sales.Classification) {
	addr, err := addressFromSlots(c)
	if err != nil {
		t.reply = replyInvalidAddress
		return
	}
	if err := t.order.SetDestination(addr); err != nil {
		e.invalidTransition(t, err)
		return
	}
	t.changed(false)
	e.quote(ctx, t)
}

// quote prices shipping for an order in AddressPending with a destination
func (e *Engine) quote(ctx context.Context, t *turn) {
	order := t.order
	if e.ports.Shipping == nil {
		t.reply = replyTryAgain
		return
	}

	var q sales.ShippingQuote
	err := e.cfg.Retry.Do(ctx, t.log, "shipping.quote", func(ctx context.Context) error {
		var err error
		q, err = e.ports.Shipping.Quote(ctx, *order.Destination, order.Items)
		return err
	})
	if err != nil {
		if sales.IsTransient(err) {
			t.log.Warn("Shipping quote unavailable, order stays in address step", zap.Error(err))
			t.reply = replyTryAgain
			return
		}
		t.log.Info("Shipping rejected destination", zap.Error(err))
		if rerr := order.RevertToItemSelection(err.Error()); rerr != nil {
			e.invalidTransition(t, rerr)
			return
		}
		t.changed(true)
		t.reply = replyShippingRejected
		return
	}

	if e.cancelPending(t) {
		order.DiscardLateResult("shipping", "quote superseded by cancel")
		t.changed(false)
		t.log.Info("Shipping quote discarded, cancel is queued")
		return
	}

	if err := order.ApplyQuote(q, e.cfg.FreeShippingThreshold); err != nil {
		e.invalidTransition(t, err)
		return
	}
	t.changed(true)
	t.reply = replyQuote(order)
	t.log.Info("Shipping quoted",
		zap.String("raw_cost", q.RawCost.String()),
		zap.String("cost", order.ShippingCost.String()),
		zap.Bool("free_shipping", order.Quote.FreeShipping),
		zap.String("total", order.Total.String()))
}

func (e *Engine) requestPayment(ctx context.Context, t *turn) {
	order := t.order
	if order.Quote != nil && order.Quote.IsExpired(e.clock.Now()) {
		if err := order.ExpireQuote(); err != nil {
			e.invalidTransition(t, err)
			return
		}
		t.changed(true)
		// The customer confirms the fresh price before a payment is requested.
		e.quote(ctx, t)
		return
	}
	if e.ports.Payment == nil {
		t.reply = replyTryAgain
		return
	}

	input := sales.CreatePaymentInput{
		OrderID:        order.ID,
		Amount:         order.Total,
		Currency:       order.Currency,
		IdempotencyKey: order.NextPaymentKey(),
		Description:    fmt.Sprintf("Order %s", order.ID),
	}
	var req sales.PaymentRequest
	err := e.cfg.Retry.Do(ctx, t.log, "payment.create", func(ctx context.Context) error {
		var err error
		req, err = e.ports.Payment.CreateRequest(ctx, input)
		return err
	})
	if err != nil {
		if sales.IsTransient(err) {
			t.log.Warn("Payment request failed", zap.Error(err))
			t.reply = replyTryAgain
			return
		}
		t.log.Info("Payment request declined", zap.Error(err))
		t.reply = replyPaymentDeclined
		return
	}

	if e.cancelPending(t) {
		e.releasePayment(ctx, t, req.TrackingReference)
		order.DiscardLateResult("payment", "request "+req.TrackingReference+" superseded by cancel")
		t.changed(false)
		t.log.Info("Payment request discarded, cancel is queued",
			zap.String("tracking_reference", req.TrackingReference))
		return
	}

	if err := order.AttachPaymentRequest(req, e.clock.Now().Add(e.cfg.PaymentTimeout)); err != nil {
		e.releasePayment(ctx, t, req.TrackingReference)
		e.invalidTransition(t, err)
		return
	}
	t.changed(true)
	t.reply = replyPaymentLink(order)
	t.log.Info("Payment requested",
		zap.String("tracking_reference", req.TrackingReference),
		zap.String("amount", order.Total.String()))
	e.reserveInventory(ctx, t)
}

// releasePayment cancels a payment request at the gateway, best effort
func (e *Engine) releasePayment(ctx context.Context, t *turn, reference string) {
	if e.ports.Payment == nil || reference == "" {
		return
	}
	err := e.cfg.Retry.Do(ctx, t.log, "payment.cancel", func(ctx context.Context) error {
		return e.ports.Payment.CancelRequest(ctx, reference)
	})
	if err != nil {
		t.log.Warn("Could not cancel payment request at gateway",
			zap.String("tracking_reference", reference), zap.Error(err))
		if t.order != nil {
			t.order.AddNote(sales.TriggerGatewayRelease, reference+": "+err.Error())
			t.changed(false)
		}
	}
}

func (e *Engine) cancelOrder(ctx context.Context, t *turn, c sales.Classification, text string) {
	order := t.live()
	if order == nil {
		if t.order != nil && t.order.State == sales.StateFulfilled {
			t.reply = replyAlreadyPaid
			return
		}
		t.reply = replyNothingToCancel
		return
	}
	if order.State == sales.StatePaymentConfirmed {
		t.reply = replyAlreadyPaid
		return
	}

	reason := cancelReason(c, text)
	if order.PaymentReference != nil {
		e.releasePayment(ctx, t, *order.PaymentReference)
	}
	if err := order.Cancel(reason); err != nil {
		if errors.Is(err, sales.ErrPaymentAlreadyApplied) {
			t.reply = replyAlreadyPaid
			return
		}
		e.invalidTransition(t, err)
		return
	}
	e.releaseInventory(ctx, t, reason)
	t.changed(true)
	t.reply = replyCancelled(reason)
	t.log.Info("Order cancelled by customer", zap.String("reason", reason))
}

func (e *Engine) escalate(ctx context.Context, t *turn, reason string) {
	if order := t.order; order != nil {
		wasTerminal := order.IsTerminal()
		if err := order.Escalate(reason); err != nil {
			t.log.Error("Could not escalate order record", zap.Error(err))
		} else {
			t.changed(!wasTerminal)
		}
	}
	if !t.session.MarkEscalated(reason) {
		return
	}
	t.reply = replyEscalated
	t.log.Info("Conversation escalated", zap.String("reason", reason))

	if e.ports.Escalation == nil {
		return
	}
	err := e.cfg.Retry.Do(ctx, t.log, "escalation.handoff", func(ctx context.Context) error {
		return e.ports.Escalation.Handoff(ctx, t.session.ID, t.session.CustomerID, reason)
	})
	if err != nil {
		t.log.Error("Escalation handoff failed", zap.Error(err))
		if t.order != nil {
			t.order.FlagManualReview(sales.TriggerManualFollowUp, "escalation handoff failed: "+err.Error())
			t.changed(false)
		}
	}
}

func (e *Engine) cancelPending(t *turn) bool {
	return e.cancel != nil && e.cancel.CancelRequested(t.session.CustomerID)
}

// invalidTransition logs a transition the state machine refused. The order
// record is left as it was.
func (e *Engine) invalidTransition(t *turn, err error) {
	t.log.Warn("Transition rejected", zap.Error(err))
	if t.reply == "" {
		t.reply = replyClarify
	}
}

// ---------------------------------------------------------------------------
// Persistence helpers
// ---------------------------------------------------------------------------

func (e *Engine) loadOrCreateSession(ctx context.Context, customerID string) (*sales.Session, error) {
	session, err := e.sessions.FindActiveByCustomer(ctx, customerID)
	if err == nil {
		return session, nil
	}
	if !errors.Is(err, shared.ErrNotFound) {
		return nil, fmt.Errorf("load session: %w", err)
	}
	return sales.NewSession(customerID)
}

func (e *Engine) activeOrder(ctx context.Context, session *sales.Session) (*sales.OrderRecord, error) {
	if session.ActiveOrderID == nil {
		return nil, nil
	}
	order, err := e.orders.FindByID(ctx, *session.ActiveOrderID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			e.logger.Warn("Active order record missing, continuing without it",
				zap.String("customer_id", session.CustomerID),
				zap.String("order_id", session.ActiveOrderID.String()))
			return nil, nil
		}
		return nil, fmt.Errorf("load order record: %w", err)
	}
	return order, nil
}

// commit appends the reply, persists session then order, runs the deferred
// hand-offs and publishes domain events
func (e *Engine) commit(ctx context.Context, t *turn) (*Outcome, error) {
	if t.reply != "" && !t.session.IsArchived() {
		if _, err := t.session.AppendTurn(sales.RoleSystem, t.reply, ""); err != nil {
			return nil, err
		}
	}
	if err := e.sessions.Save(ctx, t.session); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	if t.order != nil && t.orderDirty {
		if err := e.orders.Save(ctx, t.order); err != nil {
			return nil, fmt.Errorf("save order record: %w", err)
		}
	}
	for _, fn := range t.afterCommit {
		fn(ctx)
	}
	e.publish(ctx, t)

	if t.notify && t.reply != "" {
		e.notify(ctx, t)
	}
	return &Outcome{
		Session:      t.session,
		Order:        t.order,
		Reply:        t.reply,
		Transitioned: t.transitioned,
	}, nil
}

func (e *Engine) publish(ctx context.Context, t *turn) {
	var events []shared.DomainEvent
	events = append(events, t.session.GetDomainEvents()...)
	t.session.ClearDomainEvents()
	if t.order != nil {
		events = append(events, t.order.GetDomainEvents()...)
		t.order.ClearDomainEvents()
	}
	if e.publisher == nil || len(events) == 0 {
		return
	}
	if err := e.publisher.Publish(ctx, events...); err != nil {
		t.log.Warn("Failed to publish domain events", zap.Int("count", len(events)), zap.Error(err))
	}
}

func (e *Engine) notify(ctx context.Context, t *turn) {
	if e.ports.Notifier == nil {
		return
	}
	err := e.cfg.Retry.Do(ctx, t.log, "notifier.notify", func(ctx context.Context) error {
		return e.ports.Notifier.Notify(ctx, t.session.CustomerID, t.reply)
	})
	if err != nil {
		t.log.Warn("Customer notification failed", zap.Error(err))
	}
}
