package memory

import (
	"github.com/google/uuid"
	"github.com/salesflow/backend/internal/domain/sales"
)

// Stored aggregates are copied on every read and write so callers never share
// state with the store, matching what a database round trip gives them.

func cloneSession(s *sales.Session) *sales.Session {
	c := *s
	c.ClearDomainEvents()
	c.Messages = append([]sales.Turn(nil), s.Messages...)
	c.Suggestions = append([]sales.CatalogItem(nil), s.Suggestions...)
	if s.ActiveOrderID != nil {
		id := *s.ActiveOrderID
		c.ActiveOrderID = &id
	}
	if s.ArchivedAt != nil {
		at := *s.ArchivedAt
		c.ArchivedAt = &at
	}
	return &c
}

func cloneOrder(o *sales.OrderRecord) *sales.OrderRecord {
	c := *o
	c.ClearDomainEvents()
	c.Items = append([]sales.OrderItem(nil), o.Items...)
	c.Payments = make([]sales.PaymentAttempt, len(o.Payments))
	for i, p := range o.Payments {
		if p.ResolvedAt != nil {
			at := *p.ResolvedAt
			p.ResolvedAt = &at
		}
		c.Payments[i] = p
	}
	c.Audit = append([]sales.AuditEntry(nil), o.Audit...)
	if o.Destination != nil {
		d := *o.Destination
		c.Destination = &d
	}
	if o.Quote != nil {
		q := *o.Quote
		c.Quote = &q
	}
	c.PaymentReference = cloneString(o.PaymentReference)
	c.DealReference = cloneString(o.DealReference)
	c.InventoryReference = cloneString(o.InventoryReference)
	return &c
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func idKey(id uuid.UUID) string {
	return id.String()
}
