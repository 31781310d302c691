package automation

import (
	"strconv"
	"strings"

	"github.com/salesflow/backend/internal/domain/sales"
	"github.com/shopspring/decimal"
)

// resolveItems turns selection slots into order items using the session's last
// suggestions. The classifier only names items; prices always come from the
// catalog results the engine itself fetched.
func resolveItems(session *sales.Session, c sales.Classification) ([]sales.OrderItem, bool) {
	quantity := 1
	if q, err := strconv.Atoi(c.Slot(sales.SlotQuantity)); err == nil && q > 0 && q <= 100 {
		quantity = q
	}

	var picked []sales.CatalogItem
	if sel := c.Slot(sales.SlotSelection); sel != "" {
		for _, part := range splitList(sel) {
			n, err := strconv.Atoi(part)
			if err != nil {
				return nil, false
			}
			item, ok := session.Suggestion(n)
			if !ok {
				return nil, false
			}
			picked = append(picked, item)
		}
	}
	if ids := c.Slot(sales.SlotItemIDs); ids != "" && len(picked) == 0 {
		for _, id := range splitList(ids) {
			item, ok := findSuggestion(session, id)
			if !ok {
				return nil, false
			}
			picked = append(picked, item)
		}
	}
	if len(picked) == 0 {
		return nil, false
	}

	items := make([]sales.OrderItem, 0, len(picked))
	for _, p := range picked {
		item, err := sales.NewOrderItem(p.ItemID, p.Name, quantity, p.Price)
		if err != nil {
			return nil, false
		}
		items = append(items, item)
	}
	return items, true
}

func findSuggestion(session *sales.Session, itemID string) (sales.CatalogItem, bool) {
	for _, s := range session.Suggestions {
		if s.ItemID == itemID {
			return s, true
		}
	}
	return sales.CatalogItem{}, false
}

func splitList(v string) []string {
	fields := strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == ' ' || r == ';' })
	out := fields[:0]
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// addressFromSlots builds a destination from address slots
func addressFromSlots(c sales.Classification) (sales.Address, error) {
	return sales.NewAddress(c.Slot(sales.SlotPostalCode), c.Slot(sales.SlotCity), c.Slot(sales.SlotAddress))
}

// hasAddressSlots reports whether the classifier extracted any destination detail
func hasAddressSlots(c sales.Classification) bool {
	return c.Slot(sales.SlotPostalCode) != "" || c.Slot(sales.SlotAddress) != ""
}

// budgetFromSlots parses the max_price slot
func budgetFromSlots(c sales.Classification) *decimal.Decimal {
	raw := strings.ReplaceAll(c.Slot(sales.SlotMaxPrice), " ", "")
	if raw == "" {
		return nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil || !d.IsPositive() {
		return nil
	}
	return &d
}

func cancelReason(c sales.Classification, text string) string {
	if r := c.Slot(sales.SlotReason); r != "" {
		return r
	}
	if t := strings.TrimSpace(text); t != "" {
		return t
	}
	return sales.CancelReasonCustomer
}
