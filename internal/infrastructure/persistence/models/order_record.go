package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/salesflow/backend/internal/domain/sales"
	"github.com/shopspring/decimal"
)

// OrderRecordModel is the persistence model for the OrderRecord aggregate.
type OrderRecordModel struct {
	AggregateModel
	SessionID             uuid.UUID        `gorm:"type:uuid;not null;index"`
	CustomerID            string           `gorm:"type:varchar(128);not null;index"`
	State                 sales.OrderState `gorm:"type:varchar(30);not null;index"`
	Currency              string           `gorm:"type:varchar(3);not null"`
	DestinationPostalCode string           `gorm:"type:varchar(10)"`
	DestinationCity       string           `gorm:"type:varchar(200)"`
	DestinationLine       string           `gorm:"type:varchar(500)"`
	HasDestination        bool             `gorm:"not null;default:false"`
	Quote                 *string          `gorm:"type:jsonb"`
	Subtotal              decimal.Decimal  `gorm:"type:decimal(18,2);not null;default:0"`
	ShippingCost          decimal.Decimal  `gorm:"type:decimal(18,2);not null;default:0"`
	Total                 decimal.Decimal  `gorm:"type:decimal(18,2);not null;default:0"`
	PaymentReference      *string          `gorm:"type:varchar(100)"`
	PaymentDeadline       *time.Time       `gorm:"index"`
	DealReference         *string          `gorm:"type:varchar(100)"`
	InventoryReference    *string          `gorm:"type:varchar(100)"`
	CRMSyncPending        bool             `gorm:"column:crm_sync_pending;not null;default:false;index"`
	NeedsManualReview     bool             `gorm:"not null;default:false"`
	CancelReason          string           `gorm:"type:varchar(500)"`
	EscalationReason      string           `gorm:"type:varchar(500)"`
	PaidAt                *time.Time
	FulfilledAt           *time.Time
	CancelledAt           *time.Time

	Items    []OrderItemModel      `gorm:"foreignKey:OrderID;constraint:OnDelete:CASCADE"`
	Payments []PaymentAttemptModel `gorm:"foreignKey:OrderID;constraint:OnDelete:CASCADE"`
	Audit    []OrderAuditModel     `gorm:"foreignKey:OrderID;constraint:OnDelete:CASCADE"`
}

// TableName returns the table name for GORM
func (OrderRecordModel) TableName() string {
	return "order_records"
}

// quoteJSON is the stored form of a shipping quote
type quoteJSON struct {
	RawCost      decimal.Decimal `json:"raw_cost"`
	Cost         decimal.Decimal `json:"cost"`
	Currency     string          `json:"currency"`
	ExpiresAt    time.Time       `json:"expires_at"`
	FreeShipping bool            `json:"free_shipping"`
	QuotedAt     time.Time       `json:"quoted_at"`
}

// ToDomain converts the persistence model to a domain OrderRecord.
// Children must be loaded and ordered by the caller.
func (m *OrderRecordModel) ToDomain() (*sales.OrderRecord, error) {
	o := &sales.OrderRecord{
		BaseAggregateRoot:  m.ToDomainAggregateRoot(),
		SessionID:          m.SessionID,
		CustomerID:         m.CustomerID,
		State:              m.State,
		Currency:           m.Currency,
		Subtotal:           m.Subtotal,
		ShippingCost:       m.ShippingCost,
		Total:              m.Total,
		PaymentReference:   m.PaymentReference,
		PaymentDeadline:    m.PaymentDeadline,
		DealReference:      m.DealReference,
		InventoryReference: m.InventoryReference,
		CRMSyncPending:     m.CRMSyncPending,
		NeedsManualReview:  m.NeedsManualReview,
		CancelReason:       m.CancelReason,
		EscalationReason:   m.EscalationReason,
		PaidAt:             m.PaidAt,
		FulfilledAt:        m.FulfilledAt,
		CancelledAt:        m.CancelledAt,
		Items:              make([]sales.OrderItem, 0, len(m.Items)),
		Payments:           make([]sales.PaymentAttempt, 0, len(m.Payments)),
		Audit:              make([]sales.AuditEntry, 0, len(m.Audit)),
	}
	if m.HasDestination {
		o.Destination = &sales.Address{
			PostalCode: m.DestinationPostalCode,
			City:       m.DestinationCity,
			Line:       m.DestinationLine,
		}
	}
	if m.Quote != nil && *m.Quote != "" {
		var q quoteJSON
		if err := json.Unmarshal([]byte(*m.Quote), &q); err != nil {
			return nil, err
		}
		o.Quote = &sales.ShippingQuote{
			RawCost:      q.RawCost,
			Cost:         q.Cost,
			Currency:     q.Currency,
			ExpiresAt:    q.ExpiresAt,
			FreeShipping: q.FreeShipping,
			QuotedAt:     q.QuotedAt,
		}
	}
	for i := range m.Items {
		o.Items = append(o.Items, m.Items[i].ToDomain())
	}
	for i := range m.Payments {
		o.Payments = append(o.Payments, m.Payments[i].ToDomain())
	}
	for i := range m.Audit {
		o.Audit = append(o.Audit, m.Audit[i].ToDomain())
	}
	return o, nil
}

// FromDomain populates the persistence model from a domain OrderRecord.
func (m *OrderRecordModel) FromDomain(o *sales.OrderRecord) error {
	m.FromDomainAggregateRoot(o.BaseAggregateRoot)
	m.SessionID = o.SessionID
	m.CustomerID = o.CustomerID
	m.State = o.State
	m.Currency = o.Currency
	m.Subtotal = o.Subtotal
	m.ShippingCost = o.ShippingCost
	m.Total = o.Total
	m.PaymentReference = o.PaymentReference
	m.PaymentDeadline = o.PaymentDeadline
	m.DealReference = o.DealReference
	m.InventoryReference = o.InventoryReference
	m.CRMSyncPending = o.CRMSyncPending
	m.NeedsManualReview = o.NeedsManualReview
	m.CancelReason = o.CancelReason
	m.EscalationReason = o.EscalationReason
	m.PaidAt = o.PaidAt
	m.FulfilledAt = o.FulfilledAt
	m.CancelledAt = o.CancelledAt

	m.HasDestination = o.Destination != nil
	m.DestinationPostalCode, m.DestinationCity, m.DestinationLine = "", "", ""
	if o.Destination != nil {
		m.DestinationPostalCode = o.Destination.PostalCode
		m.DestinationCity = o.Destination.City
		m.DestinationLine = o.Destination.Line
	}

	m.Quote = nil
	if o.Quote != nil {
		raw, err := json.Marshal(quoteJSON{
			RawCost:      o.Quote.RawCost,
			Cost:         o.Quote.Cost,
			Currency:     o.Quote.Currency,
			ExpiresAt:    o.Quote.ExpiresAt,
			FreeShipping: o.Quote.FreeShipping,
			QuotedAt:     o.Quote.QuotedAt,
		})
		if err != nil {
			return err
		}
		s := string(raw)
		m.Quote = &s
	}

	m.Items = make([]OrderItemModel, len(o.Items))
	for i := range o.Items {
		m.Items[i].FromDomain(o.ID, o.Items[i])
	}
	m.Payments = make([]PaymentAttemptModel, len(o.Payments))
	for i := range o.Payments {
		m.Payments[i].FromDomain(o.ID, i+1, o.Payments[i])
	}
	m.Audit = make([]OrderAuditModel, len(o.Audit))
	for i := range o.Audit {
		m.Audit[i].FromDomain(o.ID, i+1, o.Audit[i])
	}
	return nil
}

// OrderItemModel is the persistence model for an order line item.
type OrderItemModel struct {
	ID        uuid.UUID       `gorm:"type:uuid;primary_key"`
	OrderID   uuid.UUID       `gorm:"type:uuid;not null;index"`
	ItemID    string          `gorm:"type:varchar(100);not null"`
	Name      string          `gorm:"type:varchar(200);not null"`
	Quantity  int             `gorm:"not null"`
	UnitPrice decimal.Decimal `gorm:"type:decimal(18,2);not null"`
	Amount    decimal.Decimal `gorm:"type:decimal(18,2);not null"`
}

// TableName returns the table name for GORM
func (OrderItemModel) TableName() string {
	return "order_items"
}

// ToDomain converts the persistence model to a domain OrderItem.
func (m *OrderItemModel) ToDomain() sales.OrderItem {
	return sales.OrderItem{
		ID:        m.ID,
		ItemID:    m.ItemID,
		Name:      m.Name,
		Quantity:  m.Quantity,
		UnitPrice: m.UnitPrice,
		Amount:    m.Amount,
	}
}

// FromDomain populates the persistence model from a domain OrderItem.
func (m *OrderItemModel) FromDomain(orderID uuid.UUID, item sales.OrderItem) {
	m.ID = item.ID
	m.OrderID = orderID
	m.ItemID = item.ItemID
	m.Name = item.Name
	m.Quantity = item.Quantity
	m.UnitPrice = item.UnitPrice
	m.Amount = item.Amount
}

// PaymentAttemptModel stores one payment request issued for an order. The
// unique tracking reference is the reconciliation index.
type PaymentAttemptModel struct {
	TrackingReference string                     `gorm:"type:varchar(100);primary_key"`
	OrderID           uuid.UUID                  `gorm:"type:uuid;not null;index"`
	Seq               int                        `gorm:"not null"`
	Amount            decimal.Decimal            `gorm:"type:decimal(18,2);not null"`
	ConfirmationURL   string                     `gorm:"type:varchar(1000)"`
	Status            sales.PaymentAttemptStatus `gorm:"type:varchar(20);not null"`
	IdempotencyKey    string                     `gorm:"type:varchar(200)"`
	RequestedAt       time.Time                  `gorm:"not null"`
	ResolvedAt        *time.Time
}

// TableName returns the table name for GORM
func (PaymentAttemptModel) TableName() string {
	return "payment_attempts"
}

// ToDomain converts the persistence model to a domain PaymentAttempt.
func (m *PaymentAttemptModel) ToDomain() sales.PaymentAttempt {
	return sales.PaymentAttempt{
		TrackingReference: m.TrackingReference,
		Amount:            m.Amount,
		ConfirmationURL:   m.ConfirmationURL,
		Status:            m.Status,
		IdempotencyKey:    m.IdempotencyKey,
		RequestedAt:       m.RequestedAt,
		ResolvedAt:        m.ResolvedAt,
	}
}

// FromDomain populates the persistence model from a domain PaymentAttempt.
func (m *PaymentAttemptModel) FromDomain(orderID uuid.UUID, seq int, p sales.PaymentAttempt) {
	m.TrackingReference = p.TrackingReference
	m.OrderID = orderID
	m.Seq = seq
	m.Amount = p.Amount
	m.ConfirmationURL = p.ConfirmationURL
	m.Status = p.Status
	m.IdempotencyKey = p.IdempotencyKey
	m.RequestedAt = p.RequestedAt
	m.ResolvedAt = p.ResolvedAt
}

// OrderAuditModel is one append-only audit trail entry
type OrderAuditModel struct {
	OrderID   uuid.UUID        `gorm:"type:uuid;primary_key"`
	Seq       int              `gorm:"primary_key;autoIncrement:false"`
	FromState sales.OrderState `gorm:"type:varchar(30);not null"`
	ToState   sales.OrderState `gorm:"type:varchar(30);not null"`
	Trigger   string           `gorm:"type:varchar(50);not null"`
	Note      string           `gorm:"type:text"`
	At        time.Time        `gorm:"not null"`
}

// TableName returns the table name for GORM
func (OrderAuditModel) TableName() string {
	return "order_audit_entries"
}

// ToDomain converts the persistence model to a domain AuditEntry.
func (m *OrderAuditModel) ToDomain() sales.AuditEntry {
	return sales.AuditEntry{
		From:    m.FromState,
		To:      m.ToState,
		Trigger: m.Trigger,
		Note:    m.Note,
		At:      m.At,
	}
}

// FromDomain populates the persistence model from a domain AuditEntry.
func (m *OrderAuditModel) FromDomain(orderID uuid.UUID, seq int, e sales.AuditEntry) {
	m.OrderID = orderID
	m.Seq = seq
	m.FromState = e.From
	m.ToState = e.To
	m.Trigger = e.Trigger
	m.Note = e.Note
	m.At = e.At
}
