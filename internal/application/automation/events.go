package automation

import (
	"time"

	"github.com/google/uuid"
	"github.com/salesflow/backend/internal/domain/sales"
)

// EventKind names the typed inputs of a session queue
type EventKind string

const (
	KindMessageReceived  EventKind = "message_received"
	KindPaymentReceived  EventKind = "payment_received"
	KindPaymentTimedOut  EventKind = "payment_timed_out"
	KindCRMSyncCompleted EventKind = "crm_sync_completed"
	KindTurnAppended     EventKind = "turn_appended"
	KindSessionRequested EventKind = "session_requested"
	KindArchiveRequested EventKind = "archive_requested"
)

// Event is one input to a customer's serialized queue. Conversational turns
// and payment webhooks both arrive as events, so one queue orders them.
type Event interface {
	SessionKey() string
	Kind() EventKind
}

// MessageReceived is an inbound customer chat message
type MessageReceived struct {
	CustomerID string
	Text       string
	ReceivedAt time.Time
}

func (e MessageReceived) SessionKey() string { return e.CustomerID }
func (e MessageReceived) Kind() EventKind    { return KindMessageReceived }

// PaymentReceived is a reconciled payment confirmation for a known order
type PaymentReceived struct {
	CustomerID   string
	OrderID      uuid.UUID
	Confirmation sales.PaymentConfirmation
}

func (e PaymentReceived) SessionKey() string { return e.CustomerID }
func (e PaymentReceived) Kind() EventKind    { return KindPaymentReceived }

// PaymentTimedOut fires when an order waited for payment past its deadline
type PaymentTimedOut struct {
	CustomerID string
	OrderID    uuid.UUID
}

func (e PaymentTimedOut) SessionKey() string { return e.CustomerID }
func (e PaymentTimedOut) Kind() EventKind    { return KindPaymentTimedOut }

// CRMSyncCompleted carries the outcome of a background CRM retry
type CRMSyncCompleted struct {
	CustomerID    string
	OrderID       uuid.UUID
	DealReference string
	Exhausted     bool
	Reason        string
}

func (e CRMSyncCompleted) SessionKey() string { return e.CustomerID }
func (e CRMSyncCompleted) Kind() EventKind    { return KindCRMSyncCompleted }

// TurnAppended appends an operator or system turn to the message log
type TurnAppended struct {
	CustomerID string
	Role       sales.TurnRole
	Text       string
}

func (e TurnAppended) SessionKey() string { return e.CustomerID }
func (e TurnAppended) Kind() EventKind    { return KindTurnAppended }

// SessionRequested reads the session, creating it when Create is set
type SessionRequested struct {
	CustomerID string
	Create     bool
}

func (e SessionRequested) SessionKey() string { return e.CustomerID }
func (e SessionRequested) Kind() EventKind    { return KindSessionRequested }

// ArchiveRequested archives the session. Force skips the idle timeout.
type ArchiveRequested struct {
	CustomerID string
	Force      bool
}

func (e ArchiveRequested) SessionKey() string { return e.CustomerID }
func (e ArchiveRequested) Kind() EventKind    { return KindArchiveRequested }

// Outcome is the result of applying one event
type Outcome struct {
	Session      *sales.Session
	Order        *sales.OrderRecord
	Reply        string
	Transitioned bool
}
