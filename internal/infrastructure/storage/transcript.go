// Package storage archives conversation transcripts to object storage.
package storage

import (
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/salesflow/backend/internal/domain/sales"
	"github.com/shopspring/decimal"
)

// TranscriptVersion is bumped when the document layout changes
const TranscriptVersion = 1

// Transcript is the archived form of a session: its message log and the
// final state of the order record it carried.
type Transcript struct {
	Version          int              `json:"version"`
	SessionID        uuid.UUID        `json:"session_id"`
	CustomerID       string           `json:"customer_id"`
	OpenedAt         time.Time        `json:"opened_at"`
	ArchivedAt       time.Time        `json:"archived_at"`
	Escalated        bool             `json:"escalated"`
	EscalationReason string           `json:"escalation_reason,omitempty"`
	Messages         []TranscriptTurn `json:"messages"`
	Order            *TranscriptOrder `json:"order,omitempty"`
}

// TranscriptTurn is one message log entry
type TranscriptTurn struct {
	Seq    int       `json:"seq"`
	Role   string    `json:"role"`
	Text   string    `json:"text"`
	Intent string    `json:"intent,omitempty"`
	At     time.Time `json:"at"`
}

// TranscriptOrder summarises the order record
type TranscriptOrder struct {
	ID                 uuid.UUID            `json:"id"`
	State              string               `json:"state"`
	Items              []TranscriptItem     `json:"items"`
	Destination        string               `json:"destination,omitempty"`
	ShippingCost       decimal.Decimal      `json:"shipping_cost"`
	Total              decimal.Decimal      `json:"total"`
	Currency           string               `json:"currency"`
	PaymentReference   string               `json:"payment_reference,omitempty"`
	DealReference      string               `json:"deal_reference,omitempty"`
	InventoryReference string               `json:"inventory_reference,omitempty"`
	NeedsManualReview  bool                 `json:"needs_manual_review,omitempty"`
	CancelReason       string               `json:"cancel_reason,omitempty"`
	Audit              []TranscriptAuditRow `json:"audit"`
}

// TranscriptItem is one order line
type TranscriptItem struct {
	ItemID    string          `json:"item_id"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// TranscriptAuditRow is one audit trail entry
type TranscriptAuditRow struct {
	From    string    `json:"from"`
	To      string    `json:"to"`
	Trigger string    `json:"trigger"`
	Note    string    `json:"note,omitempty"`
	At      time.Time `json:"at"`
}

// BuildTranscript assembles the archive document. order may be nil when the
// session never selected an item.
func BuildTranscript(session *sales.Session, order *sales.OrderRecord) Transcript {
	t := Transcript{
		Version:          TranscriptVersion,
		SessionID:        session.ID,
		CustomerID:       session.CustomerID,
		OpenedAt:         session.CreatedAt,
		Escalated:        session.Escalated,
		EscalationReason: session.EscalationReason,
		Messages:         make([]TranscriptTurn, 0, len(session.Messages)),
	}
	if session.ArchivedAt != nil {
		t.ArchivedAt = *session.ArchivedAt
	}
	for _, m := range session.Messages {
		t.Messages = append(t.Messages, TranscriptTurn{
			Seq:    m.Seq,
			Role:   string(m.Role),
			Text:   m.Text,
			Intent: string(m.Intent),
			At:     m.CreatedAt,
		})
	}
	if order == nil {
		return t
	}

	o := &TranscriptOrder{
		ID:                order.ID,
		State:             string(order.State),
		Items:             make([]TranscriptItem, 0, len(order.Items)),
		ShippingCost:      order.ShippingCost,
		Total:             order.Total,
		Currency:          order.Currency,
		NeedsManualReview: order.NeedsManualReview,
		CancelReason:      order.CancelReason,
		Audit:             make([]TranscriptAuditRow, 0, len(order.Audit)),
	}
	for _, it := range order.Items {
		o.Items = append(o.Items, TranscriptItem{ItemID: it.ItemID, Name: it.Name, Quantity: it.Quantity, UnitPrice: it.UnitPrice})
	}
	if order.Destination != nil {
		o.Destination = order.Destination.String()
	}
	if order.PaymentReference != nil {
		o.PaymentReference = *order.PaymentReference
	} else if n := len(order.Payments); n > 0 {
		o.PaymentReference = order.Payments[n-1].TrackingReference
	}
	if order.DealReference != nil {
		o.DealReference = *order.DealReference
	}
	if order.InventoryReference != nil {
		o.InventoryReference = *order.InventoryReference
	}
	for _, a := range order.Audit {
		o.Audit = append(o.Audit, TranscriptAuditRow{
			From:    string(a.From),
			To:      string(a.To),
			Trigger: a.Trigger,
			Note:    a.Note,
			At:      a.At,
		})
	}
	t.Order = o
	return t
}

// Marshal encodes the transcript as indented JSON
func (t Transcript) Marshal() ([]byte, error) {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode transcript %s: %w", t.SessionID, err)
	}
	return data, nil
}

// TranscriptKey returns the object key of a session's transcript:
// {prefix}/{customer}/{yyyy}/{mm}/{dd}/{session id}.json, dated by archive time.
func TranscriptKey(prefix string, t Transcript) string {
	at := t.ArchivedAt
	if at.IsZero() {
		at = t.OpenedAt
	}
	at = at.UTC()
	return path.Join(
		strings.Trim(prefix, "/"),
		url.PathEscape(t.CustomerID),
		at.Format("2006"), at.Format("01"), at.Format("02"),
		t.SessionID.String()+".json",
	)
}
