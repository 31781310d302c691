package sales

import (
	"github.com/google/uuid"
	"github.com/salesflow/backend/internal/domain/shared"
	"github.com/shopspring/decimal"
)

// Aggregate type constants
const (
	AggregateTypeOrderRecord = "OrderRecord"
	AggregateTypeSession     = "CustomerSession"
)

// Event type constants
const (
	EventTypeOrderRecordCreated = "OrderRecordCreated"
	EventTypeOrderStateChanged  = "OrderStateChanged"
	EventTypePaymentRequested   = "PaymentRequested"
	EventTypeOrderFulfilled     = "OrderFulfilled"
	EventTypeOrderCancelled     = "OrderCancelled"
	EventTypeOrderEscalated     = "OrderEscalated"
	EventTypeSessionOpened      = "SessionOpened"
	EventTypeSessionEscalated   = "SessionEscalated"
	EventTypeSessionArchived    = "SessionArchived"
)

// OrderRecordCreatedEvent is raised when an item selection creates an order record
type OrderRecordCreatedEvent struct {
	shared.BaseDomainEvent
	OrderID   uuid.UUID       `json:"order_id"`
	SessionID uuid.UUID       `json:"session_id"`
	ItemCount int             `json:"item_count"`
	Subtotal  decimal.Decimal `json:"subtotal"`
}

func NewOrderRecordCreatedEvent(o *OrderRecord) *OrderRecordCreatedEvent {
	return &OrderRecordCreatedEvent{
		BaseDomainEvent: shared.NewBaseDomainEvent(EventTypeOrderRecordCreated, AggregateTypeOrderRecord, o.ID, o.CustomerID),
		OrderID:         o.ID,
		SessionID:       o.SessionID,
		ItemCount:       len(o.Items),
		Subtotal:        o.Subtotal,
	}
}

// OrderStateChangedEvent is raised on every state transition and mirrors the audit trail
type OrderStateChangedEvent struct {
	shared.BaseDomainEvent
	OrderID uuid.UUID       `json:"order_id"`
	From    OrderState      `json:"from"`
	To      OrderState      `json:"to"`
	Trigger string          `json:"trigger"`
	Total   decimal.Decimal `json:"total"`
}

func NewOrderStateChangedEvent(o *OrderRecord, from OrderState, trigger string) *OrderStateChangedEvent {
	return &OrderStateChangedEvent{
		BaseDomainEvent: shared.NewBaseDomainEvent(EventTypeOrderStateChanged, AggregateTypeOrderRecord, o.ID, o.CustomerID),
		OrderID:         o.ID,
		From:            from,
		To:              o.State,
		Trigger:         trigger,
		Total:           o.Total,
	}
}

// PaymentRequestedEvent is raised when a payment request is issued
type PaymentRequestedEvent struct {
	shared.BaseDomainEvent
	OrderID           uuid.UUID       `json:"order_id"`
	TrackingReference string          `json:"tracking_reference"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
}

func NewPaymentRequestedEvent(o *OrderRecord, reference string) *PaymentRequestedEvent {
	return &PaymentRequestedEvent{
		BaseDomainEvent:   shared.NewBaseDomainEvent(EventTypePaymentRequested, AggregateTypeOrderRecord, o.ID, o.CustomerID),
		OrderID:           o.ID,
		TrackingReference: reference,
		Amount:            o.Total,
		Currency:          o.Currency,
	}
}

// OrderFulfilledEvent is raised when a paid order completes
type OrderFulfilledEvent struct {
	shared.BaseDomainEvent
	OrderID uuid.UUID       `json:"order_id"`
	Total   decimal.Decimal `json:"total"`
}

func NewOrderFulfilledEvent(o *OrderRecord) *OrderFulfilledEvent {
	return &OrderFulfilledEvent{
		BaseDomainEvent: shared.NewBaseDomainEvent(EventTypeOrderFulfilled, AggregateTypeOrderRecord, o.ID, o.CustomerID),
		OrderID:         o.ID,
		Total:           o.Total,
	}
}

// OrderCancelledEvent is raised when an order is cancelled by the customer or by timeout
type OrderCancelledEvent struct {
	shared.BaseDomainEvent
	OrderID uuid.UUID `json:"order_id"`
	Reason  string    `json:"reason"`
}

func NewOrderCancelledEvent(o *OrderRecord) *OrderCancelledEvent {
	return &OrderCancelledEvent{
		BaseDomainEvent: shared.NewBaseDomainEvent(EventTypeOrderCancelled, AggregateTypeOrderRecord, o.ID, o.CustomerID),
		OrderID:         o.ID,
		Reason:          o.CancelReason,
	}
}

// OrderEscalatedEvent is raised when an order is handed to an operator
type OrderEscalatedEvent struct {
	shared.BaseDomainEvent
	OrderID uuid.UUID  `json:"order_id"`
	From    OrderState `json:"from"`
	Reason  string     `json:"reason"`
}

func NewOrderEscalatedEvent(o *OrderRecord) *OrderEscalatedEvent {
	from := StateBrowsing
	if n := len(o.Audit); n > 0 {
		from = o.Audit[n-1].From
	}
	return &OrderEscalatedEvent{
		BaseDomainEvent: shared.NewBaseDomainEvent(EventTypeOrderEscalated, AggregateTypeOrderRecord, o.ID, o.CustomerID),
		OrderID:         o.ID,
		From:            from,
		Reason:          o.EscalationReason,
	}
}

// SessionOpenedEvent is raised on a customer's first message
type SessionOpenedEvent struct {
	shared.BaseDomainEvent
	SessionID uuid.UUID `json:"session_id"`
}

func NewSessionOpenedEvent(s *Session) *SessionOpenedEvent {
	return &SessionOpenedEvent{
		BaseDomainEvent: shared.NewBaseDomainEvent(EventTypeSessionOpened, AggregateTypeSession, s.ID, s.CustomerID),
		SessionID:       s.ID,
	}
}

// SessionEscalatedEvent is raised when automated handling stops for a session
type SessionEscalatedEvent struct {
	shared.BaseDomainEvent
	SessionID uuid.UUID `json:"session_id"`
	Reason    string    `json:"reason"`
}

func NewSessionEscalatedEvent(s *Session) *SessionEscalatedEvent {
	return &SessionEscalatedEvent{
		BaseDomainEvent: shared.NewBaseDomainEvent(EventTypeSessionEscalated, AggregateTypeSession, s.ID, s.CustomerID),
		SessionID:       s.ID,
		Reason:          s.EscalationReason,
	}
}

// SessionArchivedEvent is raised when an idle session is archived
type SessionArchivedEvent struct {
	shared.BaseDomainEvent
	SessionID    uuid.UUID `json:"session_id"`
	MessageCount int       `json:"message_count"`
}

func NewSessionArchivedEvent(s *Session) *SessionArchivedEvent {
	return &SessionArchivedEvent{
		BaseDomainEvent: shared.NewBaseDomainEvent(EventTypeSessionArchived, AggregateTypeSession, s.ID, s.CustomerID),
		SessionID:       s.ID,
		MessageCount:    len(s.Messages),
	}
}
