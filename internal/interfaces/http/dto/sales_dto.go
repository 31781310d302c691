package dto

import (
	"time"

	"github.com/salesflow/backend/internal/domain/sales"
	"github.com/shopspring/decimal"
)

// MessageRequest is an inbound customer message from a messaging channel
type MessageRequest struct {
	CustomerID string `json:"customer_id" binding:"required,max=128,customer_id"`
	Text       string `json:"text" binding:"required,notblank,max=4000"`
}

// OperatorTurnRequest appends an operator or system note to a conversation
type OperatorTurnRequest struct {
	Role string `json:"role" binding:"omitempty,oneof=operator system"`
	Text string `json:"text" binding:"required,notblank,max=4000"`
}

// MessageResponse is the engine's answer to a customer message
type MessageResponse struct {
	Reply        string       `json:"reply,omitempty"`
	Transitioned bool         `json:"transitioned"`
	Session      *SessionView `json:"session,omitempty"`
	Order        *OrderView   `json:"order,omitempty"`
}

// ConversationResponse is the operator view of one conversation
type ConversationResponse struct {
	Session *SessionView `json:"session"`
	Order   *OrderView   `json:"order,omitempty"`
}

// SessionView is a session as exposed over HTTP
type SessionView struct {
	ID               string     `json:"id"`
	CustomerID       string     `json:"customer_id"`
	Escalated        bool       `json:"escalated"`
	EscalationReason string     `json:"escalation_reason,omitempty"`
	LastIntent       string     `json:"last_intent,omitempty"`
	LastActivityAt   time.Time  `json:"last_activity_at"`
	ArchivedAt       *time.Time `json:"archived_at,omitempty"`
	Messages         []TurnView `json:"messages,omitempty"`
}

// TurnView is one message log entry
type TurnView struct {
	Seq       int       `json:"seq"`
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	Intent    string    `json:"intent,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// OrderView is an order record as exposed over HTTP
type OrderView struct {
	ID                 string          `json:"id"`
	CustomerID         string          `json:"customer_id"`
	State              string          `json:"state"`
	Items              []OrderItemView `json:"items"`
	Destination        string          `json:"destination,omitempty"`
	Currency           string          `json:"currency"`
	Subtotal           decimal.Decimal `json:"subtotal"`
	ShippingCost       decimal.Decimal `json:"shipping_cost"`
	Total              decimal.Decimal `json:"total"`
	FreeShipping       bool            `json:"free_shipping"`
	PaymentReference   string          `json:"payment_reference,omitempty"`
	ConfirmationURL    string          `json:"confirmation_url,omitempty"`
	PaymentDeadline    *time.Time      `json:"payment_deadline,omitempty"`
	DealReference      string          `json:"deal_reference,omitempty"`
	InventoryReference string          `json:"inventory_reference,omitempty"`
	CRMSyncPending     bool            `json:"crm_sync_pending"`
	NeedsManualReview  bool            `json:"needs_manual_review"`
	CancelReason       string          `json:"cancel_reason,omitempty"`
	EscalationReason   string          `json:"escalation_reason,omitempty"`
	UpdatedAt          time.Time       `json:"updated_at"`
	Audit              []AuditView     `json:"audit,omitempty"`
}

// OrderItemView is one order line
type OrderItemView struct {
	ItemID    string          `json:"item_id"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Amount    decimal.Decimal `json:"amount"`
}

// AuditView is one audit trail entry
type AuditView struct {
	From    string    `json:"from"`
	To      string    `json:"to"`
	Trigger string    `json:"trigger"`
	Note    string    `json:"note,omitempty"`
	At      time.Time `json:"at"`
}

// OrphanedPaymentView is a confirmation that matched no order record
type OrphanedPaymentView struct {
	TrackingReference string          `json:"tracking_reference"`
	Status            string          `json:"status"`
	IdempotencyKey    string          `json:"idempotency_key"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	Reason            string          `json:"reason,omitempty"`
	ReceivedAt        time.Time       `json:"received_at"`
}

// WebhookAck acknowledges a payment notification
type WebhookAck struct {
	Status  string `json:"status"`
	OrderID string `json:"order_id,omitempty"`
	State   string `json:"state,omitempty"`
}

// ToSessionView converts a session. The message log is included only when
// withMessages is set.
func ToSessionView(s *sales.Session, withMessages bool) *SessionView {
	if s == nil {
		return nil
	}
	v := &SessionView{
		ID:               s.ID.String(),
		CustomerID:       s.CustomerID,
		Escalated:        s.Escalated,
		EscalationReason: s.EscalationReason,
		LastIntent:       string(s.LastIntent),
		LastActivityAt:   s.LastActivityAt,
		ArchivedAt:       s.ArchivedAt,
	}
	if withMessages {
		v.Messages = make([]TurnView, 0, len(s.Messages))
		for _, t := range s.Messages {
			v.Messages = append(v.Messages, TurnView{
				Seq:       t.Seq,
				Role:      string(t.Role),
				Text:      t.Text,
				Intent:    string(t.Intent),
				CreatedAt: t.CreatedAt,
			})
		}
	}
	return v
}

// ToOrderView converts an order record. The audit trail is included only when
// withAudit is set.
func ToOrderView(o *sales.OrderRecord, withAudit bool) *OrderView {
	if o == nil {
		return nil
	}
	v := &OrderView{
		ID:                o.ID.String(),
		CustomerID:        o.CustomerID,
		State:             o.State.String(),
		Items:             make([]OrderItemView, 0, len(o.Items)),
		Currency:          o.Currency,
		Subtotal:          o.Subtotal,
		ShippingCost:      o.ShippingCost,
		Total:             o.Total,
		PaymentDeadline:   o.PaymentDeadline,
		CRMSyncPending:    o.CRMSyncPending,
		NeedsManualReview: o.NeedsManualReview,
		CancelReason:      o.CancelReason,
		EscalationReason:  o.EscalationReason,
		UpdatedAt:         o.UpdatedAt,
	}
	for _, item := range o.Items {
		v.Items = append(v.Items, OrderItemView{
			ItemID:    item.ItemID,
			Name:      item.Name,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			Amount:    item.Amount,
		})
	}
	if o.Destination != nil {
		v.Destination = o.Destination.String()
	}
	if o.Quote != nil {
		v.FreeShipping = o.Quote.FreeShipping
	}
	if o.PaymentReference != nil {
		v.PaymentReference = *o.PaymentReference
		for _, p := range o.Payments {
			if p.TrackingReference == *o.PaymentReference {
				v.ConfirmationURL = p.ConfirmationURL
			}
		}
	}
	if o.DealReference != nil {
		v.DealReference = *o.DealReference
	}
	if o.InventoryReference != nil {
		v.InventoryReference = *o.InventoryReference
	}
	if withAudit {
		for _, a := range o.Audit {
			v.Audit = append(v.Audit, AuditView{
				From:    a.From.String(),
				To:      a.To.String(),
				Trigger: a.Trigger,
				Note:    a.Note,
				At:      a.At,
			})
		}
	}
	return v
}

// ToOrphanedPaymentView converts an orphaned confirmation
func ToOrphanedPaymentView(e sales.PaymentConfirmation) OrphanedPaymentView {
	return OrphanedPaymentView{
		TrackingReference: e.TrackingReference,
		Status:            string(e.Status),
		IdempotencyKey:    e.IdempotencyKey,
		Amount:            e.Amount,
		Currency:          e.Currency,
		Reason:            e.Reason,
		ReceivedAt:        e.ReceivedAt,
	}
}
