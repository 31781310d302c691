package sales

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/salesflow/backend/internal/domain/shared"
	"github.com/shopspring/decimal"
)

// OrderState represents where an order record is in the automated sales flow
type OrderState string

const (
	StateBrowsing         OrderState = "BROWSING"
	StateItemSelected     OrderState = "ITEM_SELECTED"
	StateAddressPending   OrderState = "ADDRESS_PENDING"
	StateQuoteReady       OrderState = "QUOTE_READY"
	StateAwaitingPayment  OrderState = "AWAITING_PAYMENT"
	StatePaymentConfirmed OrderState = "PAYMENT_CONFIRMED"
	StateFulfilled        OrderState = "FULFILLED"
	StateCancelled        OrderState = "CANCELLED"
	StateEscalated        OrderState = "ESCALATED"
)

// AllOrderStates lists every state in flow order
var AllOrderStates = []OrderState{
	StateBrowsing,
	StateItemSelected,
	StateAddressPending,
	StateQuoteReady,
	StateAwaitingPayment,
	StatePaymentConfirmed,
	StateFulfilled,
	StateCancelled,
	StateEscalated,
}

// IsValid checks if the state is a known OrderState
func (s OrderState) IsValid() bool {
	switch s {
	case StateBrowsing, StateItemSelected, StateAddressPending, StateQuoteReady,
		StateAwaitingPayment, StatePaymentConfirmed, StateFulfilled, StateCancelled, StateEscalated:
		return true
	}
	return false
}

// String returns the string representation of OrderState
func (s OrderState) String() string {
	return string(s)
}

// IsTerminal reports whether no further automated transition is possible
func (s OrderState) IsTerminal() bool {
	return s == StateFulfilled || s == StateCancelled || s == StateEscalated
}

// CanTransitionTo checks if the state can transition to the target state
func (s OrderState) CanTransitionTo(target OrderState) bool {
	if s.IsTerminal() {
		return false
	}
	// Cancel and escalation are side branches of every non-terminal state,
	// except that a confirmed payment can no longer be cancelled.
	if target == StateEscalated {
		return true
	}
	if target == StateCancelled && s != StatePaymentConfirmed {
		return true
	}

	switch s {
	case StateBrowsing:
		return target == StateItemSelected
	case StateItemSelected:
		return target == StateAddressPending
	case StateAddressPending:
		return target == StateQuoteReady || target == StateItemSelected
	case StateQuoteReady:
		return target == StateAwaitingPayment || target == StateAddressPending
	case StateAwaitingPayment:
		return target == StatePaymentConfirmed || target == StateQuoteReady
	case StatePaymentConfirmed:
		return target == StateFulfilled
	}
	return false
}

// OrderItem is a catalog item attached to an order record
type OrderItem struct {
	ID        uuid.UUID
	ItemID    string
	Name      string
	Quantity  int
	UnitPrice decimal.Decimal
	Amount    decimal.Decimal // Quantity * UnitPrice
}

// NewOrderItem validates and builds an order item
func NewOrderItem(itemID, name string, quantity int, unitPrice decimal.Decimal) (OrderItem, error) {
	if itemID == "" {
		return OrderItem{}, shared.NewDomainError("INVALID_ITEM", "Item ID cannot be empty")
	}
	if name == "" {
		return OrderItem{}, shared.NewDomainError("INVALID_ITEM_NAME", "Item name cannot be empty")
	}
	if quantity <= 0 {
		return OrderItem{}, shared.NewDomainError("INVALID_QUANTITY", "Quantity must be positive")
	}
	if unitPrice.IsNegative() {
		return OrderItem{}, shared.NewDomainError("INVALID_PRICE", "Unit price cannot be negative")
	}
	return OrderItem{
		ID:        uuid.New(),
		ItemID:    itemID,
		Name:      name,
		Quantity:  quantity,
		UnitPrice: unitPrice,
		Amount:    unitPrice.Mul(decimal.NewFromInt(int64(quantity))),
	}, nil
}

// ShippingQuote is a cost quote from the shipping port, after threshold evaluation
type ShippingQuote struct {
	RawCost      decimal.Decimal // cost as quoted by the carrier
	Cost         decimal.Decimal // cost charged to the customer
	Currency     string
	ExpiresAt    time.Time
	FreeShipping bool
	QuotedAt     time.Time
}

// IsExpired reports whether the quote can no longer be used for payment
func (q *ShippingQuote) IsExpired(now time.Time) bool {
	return !q.ExpiresAt.IsZero() && now.After(q.ExpiresAt)
}

// PaymentAttemptStatus tracks one payment request issued for the order
type PaymentAttemptStatus string

const (
	PaymentAttemptPending   PaymentAttemptStatus = "PENDING"
	PaymentAttemptSucceeded PaymentAttemptStatus = "SUCCEEDED"
	PaymentAttemptFailed    PaymentAttemptStatus = "FAILED"
	PaymentAttemptExpired   PaymentAttemptStatus = "EXPIRED"
	PaymentAttemptCancelled PaymentAttemptStatus = "CANCELLED"
)

// PaymentAttempt is a payment request and its resolution
type PaymentAttempt struct {
	TrackingReference string
	Amount            decimal.Decimal
	ConfirmationURL   string
	Status            PaymentAttemptStatus
	IdempotencyKey    string // key of the confirmation event that resolved it
	RequestedAt       time.Time
	ResolvedAt        *time.Time
}

// AuditEntry records one transition (or a note when From == To)
type AuditEntry struct {
	From    OrderState
	To      OrderState
	Trigger string
	Note    string
	At      time.Time
}

// OrderRecord is the aggregate root tracking one purchase attempt from item
// selection to fulfilment or cancellation. It is never physically deleted.
type OrderRecord struct {
	shared.BaseAggregateRoot
	SessionID          uuid.UUID
	CustomerID         string
	State              OrderState
	Items              []OrderItem
	Destination        *Address
	Quote              *ShippingQuote
	Currency           string
	Subtotal           decimal.Decimal // sum of item amounts
	ShippingCost       decimal.Decimal
	Total              decimal.Decimal // Subtotal + ShippingCost
	PaymentReference   *string         // outstanding payment request, at most one
	PaymentDeadline    *time.Time
	Payments           []PaymentAttempt
	DealReference      *string
	InventoryReference *string // inventory order holding the items, cleared on release
	CRMSyncPending     bool
	NeedsManualReview  bool
	CancelReason       string
	EscalationReason   string
	PaidAt             *time.Time
	FulfilledAt        *time.Time
	CancelledAt        *time.Time
	Audit              []AuditEntry
}

// NewOrderRecord creates an order record once the customer's intent resolves to concrete items
func NewOrderRecord(sessionID uuid.UUID, customerID, currency string, items []OrderItem) (*OrderRecord, error) {
	if sessionID == uuid.Nil {
		return nil, shared.NewDomainError("INVALID_SESSION", "Session ID cannot be empty")
	}
	if customerID == "" {
		return nil, shared.NewDomainError("INVALID_CUSTOMER", "Customer ID cannot be empty")
	}
	if currency == "" {
		return nil, shared.NewDomainError("INVALID_CURRENCY", "Currency cannot be empty")
	}
	if len(items) == 0 {
		return nil, shared.NewDomainError("NO_ITEMS", "An order record needs at least one item")
	}

	o := &OrderRecord{
		BaseAggregateRoot: shared.NewBaseAggregateRoot(),
		SessionID:         sessionID,
		CustomerID:        customerID,
		State:             StateBrowsing,
		Items:             append([]OrderItem(nil), items...),
		Currency:          currency,
		Payments:          make([]PaymentAttempt, 0),
		Audit:             make([]AuditEntry, 0),
	}
	o.recalculateTotals()
	o.AddDomainEvent(NewOrderRecordCreatedEvent(o))

	if err := o.transition(StateItemSelected, TriggerItemSelected, ""); err != nil {
		return nil, err
	}
	return o, nil
}

// Transition triggers recorded in the audit trail
const (
	TriggerItemSelected   = "item_selected"
	TriggerItemsChanged   = "items_changed"
	TriggerConfirm        = "confirm"
	TriggerAddress        = "address_provided"
	TriggerAddressRevised = "address_revised"
	TriggerQuoteFailed    = "shipping_quote_failed"
	TriggerQuoteExpired   = "shipping_quote_expired"
	TriggerPaymentCreated = "payment_requested"
	TriggerPaymentSuccess = "payment_succeeded"
	TriggerPaymentFailed  = "payment_failed"
	TriggerPaymentTimeout = "payment_timeout"
	TriggerPaymentIgnored = "payment_event_ignored"
	TriggerCRMSynced      = "crm_synced"
	TriggerCRMPending     = "crm_sync_pending"
	TriggerCRMExhausted   = "crm_sync_exhausted"
	TriggerReserved       = "inventory_reserved"
	TriggerReleased       = "inventory_released"
	TriggerInventoryPaid  = "inventory_paid"
	TriggerInventoryError = "inventory_sync_failed"
	TriggerFulfilled      = "fulfilled"
	TriggerCancel         = "cancel"
	TriggerEscalate       = "escalate"
	TriggerLateResultDrop = "late_result_discarded"
	TriggerGatewayRelease = "payment_release_failed"
	TriggerManualFollowUp = "manual_follow_up"
)

// transition moves the record to target, recording audit and a domain event
func (o *OrderRecord) transition(target OrderState, trigger, note string) error {
	if !o.State.CanTransitionTo(target) {
		return shared.NewDomainError("INVALID_STATE",
			fmt.Sprintf("Cannot move order record from %s to %s", o.State, target))
	}
	from := o.State
	now := time.Now()
	o.State = target
	o.UpdatedAt = now
	o.Audit = append(o.Audit, AuditEntry{From: from, To: target, Trigger: trigger, Note: note, At: now})
	o.AddDomainEvent(NewOrderStateChangedEvent(o, from, trigger))
	return nil
}

// note records an audit entry without changing state
func (o *OrderRecord) note(trigger, note string) {
	now := time.Now()
	o.UpdatedAt = now
	o.Audit = append(o.Audit, AuditEntry{From: o.State, To: o.State, Trigger: trigger, Note: note, At: now})
}

// RequestAddress moves a confirmed selection to the address step
func (o *OrderRecord) RequestAddress() error {
	return o.transition(StateAddressPending, TriggerConfirm, "")
}

// ChangeItems replaces the selected items. A change after the quote drops the
// quote and re-enters the address step so shipping is evaluated again.
func (o *OrderRecord) ChangeItems(items []OrderItem) error {
	if len(items) == 0 {
		return shared.NewDomainError("NO_ITEMS", "An order record needs at least one item")
	}
	switch o.State {
	case StateItemSelected, StateAddressPending:
		o.Items = append([]OrderItem(nil), items...)
		o.recalculateTotals()
		o.note(TriggerItemsChanged, "")
		return nil
	case StateQuoteReady:
		o.Items = append([]OrderItem(nil), items...)
		o.Quote = nil
		o.recalculateTotals()
		return o.transition(StateAddressPending, TriggerItemsChanged, "quote dropped")
	}
	return shared.NewDomainError("INVALID_STATE",
		fmt.Sprintf("Cannot change items of order record in %s state", o.State))
}

// SetDestination stores the shipping destination collected from the customer
func (o *OrderRecord) SetDestination(addr Address) error {
	if o.State != StateAddressPending {
		return shared.NewDomainError("INVALID_STATE",
			fmt.Sprintf("Cannot set destination in %s state", o.State))
	}
	o.Destination = &addr
	o.UpdatedAt = time.Now()
	return nil
}

// ApplyQuote attaches a shipping quote. The free-shipping threshold is
// evaluated here, once: a subtotal at or above a positive threshold is
// charged no shipping whatever the carrier quoted.
func (o *OrderRecord) ApplyQuote(quote ShippingQuote, freeShippingThreshold decimal.Decimal) error {
	if o.Destination == nil {
		return shared.NewDomainError("NO_DESTINATION", "Shipping destination is required before quoting")
	}
	if quote.RawCost.IsNegative() {
		return shared.NewDomainError("INVALID_QUOTE", "Shipping cost cannot be negative")
	}
	if !o.State.CanTransitionTo(StateQuoteReady) {
		return shared.NewDomainError("INVALID_STATE",
			fmt.Sprintf("Cannot apply quote in %s state", o.State))
	}

	quote.Cost = quote.RawCost
	quote.FreeShipping = false
	if freeShippingThreshold.IsPositive() && o.Subtotal.GreaterThanOrEqual(freeShippingThreshold) {
		quote.Cost = decimal.Zero
		quote.FreeShipping = true
	}
	if quote.QuotedAt.IsZero() {
		quote.QuotedAt = time.Now()
	}
	o.Quote = &quote
	o.recalculateTotals()

	note := fmt.Sprintf("shipping %s %s", quote.Cost.StringFixed(2), quote.Currency)
	if quote.FreeShipping {
		note = fmt.Sprintf("free shipping, carrier quoted %s", quote.RawCost.StringFixed(2))
	}
	return o.transition(StateQuoteReady, TriggerAddress, note)
}

// RevertToItemSelection returns to item selection after the shipping port failed
func (o *OrderRecord) RevertToItemSelection(reason string) error {
	if o.State != StateAddressPending {
		return shared.NewDomainError("INVALID_STATE",
			fmt.Sprintf("Cannot revert to item selection from %s state", o.State))
	}
	o.Destination = nil
	o.Quote = nil
	o.recalculateTotals()
	return o.transition(StateItemSelected, TriggerQuoteFailed, reason)
}

// ExpireQuote drops a stale quote and re-enters the address step, keeping the destination
func (o *OrderRecord) ExpireQuote() error {
	if o.State != StateQuoteReady {
		return shared.NewDomainError("INVALID_STATE",
			fmt.Sprintf("Cannot expire quote in %s state", o.State))
	}
	o.Quote = nil
	o.recalculateTotals()
	return o.transition(StateAddressPending, TriggerQuoteExpired, "")
}

// ReviseDestination drops the quote so a new destination can be quoted
func (o *OrderRecord) ReviseDestination() error {
	if o.State != StateQuoteReady {
		return shared.NewDomainError("INVALID_STATE",
			fmt.Sprintf("Cannot revise destination in %s state", o.State))
	}
	o.Quote = nil
	o.recalculateTotals()
	return o.transition(StateAddressPending, TriggerAddressRevised, "")
}

// OutstandingAttempt returns the pending payment attempt, or nil
func (o *OrderRecord) OutstandingAttempt() *PaymentAttempt {
	if o.PaymentReference == nil {
		return nil
	}
	return o.PaymentAttemptFor(*o.PaymentReference)
}

// AttachPaymentRequest records the tracking reference of a created payment request
func (o *OrderRecord) AttachPaymentRequest(req PaymentRequest, deadline time.Time) error {
	trackingReference := req.TrackingReference
	if trackingReference == "" {
		return shared.NewDomainError("INVALID_REFERENCE", "Tracking reference cannot be empty")
	}
	if o.PaymentReference != nil {
		return ErrPaymentAlreadyRequested
	}
	if o.Quote == nil {
		return shared.NewDomainError("NO_QUOTE", "A shipping quote is required before payment")
	}
	if err := o.transition(StateAwaitingPayment, TriggerPaymentCreated, trackingReference); err != nil {
		return err
	}

	ref := trackingReference
	o.PaymentReference = &ref
	o.PaymentDeadline = &deadline
	o.Payments = append(o.Payments, PaymentAttempt{
		TrackingReference: ref,
		Amount:            o.Total,
		ConfirmationURL:   req.ConfirmationURL,
		Status:            PaymentAttemptPending,
		RequestedAt:       time.Now(),
	})
	o.AddDomainEvent(NewPaymentRequestedEvent(o, ref))
	return nil
}

// HasOutstandingPayment reports whether reference is the current payment request
func (o *OrderRecord) HasOutstandingPayment(reference string) bool {
	return o.PaymentReference != nil && *o.PaymentReference == reference
}

// PaymentAttemptFor returns the attempt with the given reference, or nil
func (o *OrderRecord) PaymentAttemptFor(reference string) *PaymentAttempt {
	for i := range o.Payments {
		if o.Payments[i].TrackingReference == reference {
			return &o.Payments[i]
		}
	}
	return nil
}

func (o *OrderRecord) resolvePayment(status PaymentAttemptStatus, eventKey string) {
	if o.PaymentReference == nil {
		return
	}
	if attempt := o.PaymentAttemptFor(*o.PaymentReference); attempt != nil {
		now := time.Now()
		attempt.Status = status
		attempt.IdempotencyKey = eventKey
		attempt.ResolvedAt = &now
	}
	o.PaymentReference = nil
	o.PaymentDeadline = nil
}

// ConfirmPayment applies a successful payment confirmation
func (o *OrderRecord) ConfirmPayment(trackingReference, eventKey string) error {
	if !o.HasOutstandingPayment(trackingReference) {
		return ErrUnknownPaymentReference
	}
	if err := o.transition(StatePaymentConfirmed, TriggerPaymentSuccess, eventKey); err != nil {
		return err
	}
	now := time.Now()
	o.PaidAt = &now
	o.resolvePayment(PaymentAttemptSucceeded, eventKey)
	return nil
}

// FailPayment returns to the quote so the customer can retry payment
func (o *OrderRecord) FailPayment(trackingReference, eventKey, reason string) error {
	if !o.HasOutstandingPayment(trackingReference) {
		return ErrUnknownPaymentReference
	}
	if err := o.transition(StateQuoteReady, TriggerPaymentFailed, reason); err != nil {
		return err
	}
	o.resolvePayment(PaymentAttemptFailed, eventKey)
	return nil
}

// ExpirePayment cancels the order when no confirmation arrived in time
func (o *OrderRecord) ExpirePayment() error {
	if o.State != StateAwaitingPayment {
		return shared.NewDomainError("INVALID_STATE",
			fmt.Sprintf("Cannot expire payment in %s state", o.State))
	}
	if err := o.transition(StateCancelled, TriggerPaymentTimeout, ""); err != nil {
		return err
	}
	now := time.Now()
	o.CancelReason = CancelReasonPaymentTimeout
	o.CancelledAt = &now
	o.resolvePayment(PaymentAttemptExpired, "")
	o.AddDomainEvent(NewOrderCancelledEvent(o))
	return nil
}

// IsPaymentOverdue reports whether the outstanding payment passed its deadline
func (o *OrderRecord) IsPaymentOverdue(now time.Time) bool {
	return o.State == StateAwaitingPayment && o.PaymentDeadline != nil && now.After(*o.PaymentDeadline)
}

// MarkFulfilled completes a paid order
func (o *OrderRecord) MarkFulfilled() error {
	if err := o.transition(StateFulfilled, TriggerFulfilled, ""); err != nil {
		return err
	}
	now := time.Now()
	o.FulfilledAt = &now
	o.AddDomainEvent(NewOrderFulfilledEvent(o))
	return nil
}

// RecordDeal stores the CRM deal reference
func (o *OrderRecord) RecordDeal(dealReference string) {
	ref := dealReference
	o.DealReference = &ref
	o.CRMSyncPending = false
	o.note(TriggerCRMSynced, dealReference)
}

// RecordReservation stores the inventory order holding the items
func (o *OrderRecord) RecordReservation(reference string) {
	ref := reference
	o.InventoryReference = &ref
	o.note(TriggerReserved, reference)
}

// ReleaseReservation forgets the inventory order after it was released
func (o *OrderRecord) ReleaseReservation(reason string) {
	if o.InventoryReference == nil {
		return
	}
	o.note(TriggerReleased, *o.InventoryReference+": "+reason)
	o.InventoryReference = nil
}

// MarkCRMSyncPending notes that CRM sync failed and was queued for retry
func (o *OrderRecord) MarkCRMSyncPending(reason string) {
	o.CRMSyncPending = true
	o.note(TriggerCRMPending, reason)
}

// AbandonCRMSync stops CRM retries and leaves the order for manual follow-up
func (o *OrderRecord) AbandonCRMSync(reason string) {
	o.CRMSyncPending = false
	o.FlagManualReview(TriggerCRMExhausted, reason)
}

// FlagManualReview keeps an unrecoverable condition visible in the audit trail
func (o *OrderRecord) FlagManualReview(trigger, note string) {
	o.NeedsManualReview = true
	o.note(trigger, note)
}

// RecordIgnoredPayment notes a payment event that arrived after the order left
// AwaitingPayment. A success is never dropped silently: it is flagged for review.
func (o *OrderRecord) RecordIgnoredPayment(trackingReference string, status PaymentStatus, eventKey string) {
	note := fmt.Sprintf("%s for %s (event %s) in %s state", status, trackingReference, eventKey, o.State)
	if status == PaymentStatusSucceeded && o.State != StateFulfilled && o.State != StatePaymentConfirmed {
		o.FlagManualReview(TriggerPaymentIgnored, note)
		return
	}
	o.note(TriggerPaymentIgnored, note)
}

// Cancel cancels the order. Once a payment success is applied the order can
// no longer be cancelled conversationally.
func (o *OrderRecord) Cancel(reason string) error {
	if o.State == StatePaymentConfirmed || o.State == StateFulfilled {
		return ErrPaymentAlreadyApplied
	}
	if reason == "" {
		return shared.NewDomainError("INVALID_REASON", "Cancel reason is required")
	}
	if err := o.transition(StateCancelled, TriggerCancel, reason); err != nil {
		return err
	}
	now := time.Now()
	o.CancelReason = reason
	o.CancelledAt = &now
	o.resolvePayment(PaymentAttemptCancelled, "")
	o.AddDomainEvent(NewOrderCancelledEvent(o))
	return nil
}

// Escalate hands the order to a human operator. On a terminal record the
// escalation is only noted; the outcome already reached stands.
func (o *OrderRecord) Escalate(reason string) error {
	if reason == "" {
		reason = "escalated"
	}
	if o.State.IsTerminal() {
		o.note(TriggerEscalate, reason)
		return nil
	}
	if err := o.transition(StateEscalated, TriggerEscalate, reason); err != nil {
		return err
	}
	o.EscalationReason = reason
	o.AddDomainEvent(NewOrderEscalatedEvent(o))
	return nil
}

// AddNote records an audit entry without changing state
func (o *OrderRecord) AddNote(trigger, note string) {
	o.note(trigger, note)
}

// NextPaymentKey is the idempotency key for the next payment request
func (o *OrderRecord) NextPaymentKey() string {
	return fmt.Sprintf("%s-%d", o.ID, len(o.Payments)+1)
}

// DiscardLateResult notes a port result that arrived after the order moved on
func (o *OrderRecord) DiscardLateResult(port, detail string) {
	o.note(TriggerLateResultDrop, port+": "+detail)
}

// recalculateTotals recomputes subtotal, shipping and total from the current items and quote
func (o *OrderRecord) recalculateTotals() {
	subtotal := decimal.Zero
	for i := range o.Items {
		o.Items[i].Amount = o.Items[i].UnitPrice.Mul(decimal.NewFromInt(int64(o.Items[i].Quantity)))
		subtotal = subtotal.Add(o.Items[i].Amount)
	}
	shipping := decimal.Zero
	if o.Quote != nil {
		shipping = o.Quote.Cost
	}
	o.Subtotal = subtotal
	o.ShippingCost = shipping
	o.Total = subtotal.Add(shipping)
}

// IsTerminal reports whether the order reached Fulfilled, Cancelled or Escalated
func (o *OrderRecord) IsTerminal() bool {
	return o.State.IsTerminal()
}

// IsCancelled reports whether the order was cancelled
func (o *OrderRecord) IsCancelled() bool {
	return o.State == StateCancelled
}

// ItemCount returns the number of line items
func (o *OrderRecord) ItemCount() int {
	return len(o.Items)
}

// Summary builds the CRM view of the order
func (o *OrderRecord) Summary() OrderSummary {
	return OrderSummary{
		OrderID:           o.ID,
		CustomerID:        o.CustomerID,
		Items:             append([]OrderItem(nil), o.Items...),
		Destination:       o.Destination,
		ShippingCost:      o.ShippingCost,
		Total:             o.Total,
		Currency:          o.Currency,
		TrackingReference: o.lastSucceededReference(),
	}
}

func (o *OrderRecord) lastSucceededReference() string {
	for i := len(o.Payments) - 1; i >= 0; i-- {
		if o.Payments[i].Status == PaymentAttemptSucceeded {
			return o.Payments[i].TrackingReference
		}
	}
	return ""
}

// Cancellation reasons set by the engine rather than the customer
const (
	CancelReasonPaymentTimeout = "payment not received in time"
	CancelReasonCustomer       = "cancelled by customer"
)
