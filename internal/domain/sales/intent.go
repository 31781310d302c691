package sales

import "strings"

// IntentKind is the structured intent the classifier extracted from a message
type IntentKind string

const (
	IntentBrowse         IntentKind = "browse"
	IntentSelectItem     IntentKind = "select_item"
	IntentConfirm        IntentKind = "confirm"
	IntentCancel         IntentKind = "cancel"
	IntentProvideAddress IntentKind = "provide_address"
	IntentAskHuman       IntentKind = "ask_human"
	IntentUnknown        IntentKind = "unknown"
)

// IsValid checks if the intent is one the state machine acts on
func (k IntentKind) IsValid() bool {
	switch k {
	case IntentBrowse, IntentSelectItem, IntentConfirm, IntentCancel,
		IntentProvideAddress, IntentAskHuman, IntentUnknown:
		return true
	}
	return false
}

func (k IntentKind) String() string {
	return string(k)
}

// ParseIntentKind maps untrusted classifier output to a known intent.
// Anything unrecognised becomes IntentUnknown.
func ParseIntentKind(raw string) IntentKind {
	k := IntentKind(strings.ToLower(strings.TrimSpace(raw)))
	if !k.IsValid() {
		return IntentUnknown
	}
	return k
}

// Slot names the classifier may fill
const (
	SlotQuery      = "query"
	SlotMaxPrice   = "max_price"
	SlotItemIDs    = "item_ids"
	SlotSelection  = "selection"
	SlotQuantity   = "quantity"
	SlotPostalCode = "postal_code"
	SlotCity       = "city"
	SlotAddress    = "address"
	SlotReason     = "reason"
)

// Classification is the classifier's structured reading of the latest message
type Classification struct {
	Kind       IntentKind
	Slots      map[string]string
	Confidence float64
}

// UnknownClassification is returned when classification fails soft
func UnknownClassification() Classification {
	return Classification{Kind: IntentUnknown, Slots: map[string]string{}, Confidence: 0}
}

// Normalize forces the classification into a shape the state machine can trust
func (c Classification) Normalize() Classification {
	c.Kind = ParseIntentKind(string(c.Kind))
	if c.Slots == nil {
		c.Slots = map[string]string{}
	}
	switch {
	case c.Confidence != c.Confidence: // NaN
		c.Confidence = 0
	case c.Confidence < 0:
		c.Confidence = 0
	case c.Confidence > 1:
		c.Confidence = 1
	}
	return c
}

// Slot returns a trimmed slot value
func (c Classification) Slot(name string) string {
	return strings.TrimSpace(c.Slots[name])
}
