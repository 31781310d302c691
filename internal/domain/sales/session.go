package sales

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/salesflow/backend/internal/domain/shared"
)

// TurnRole identifies who produced a message log entry
type TurnRole string

const (
	RoleCustomer TurnRole = "customer"
	RoleSystem   TurnRole = "system"
	RoleOperator TurnRole = "operator"
)

// IsValid checks if the role is known
func (r TurnRole) IsValid() bool {
	return r == RoleCustomer || r == RoleSystem || r == RoleOperator
}

// Turn is one entry of the append-only message log
type Turn struct {
	Seq       int
	Role      TurnRole
	Text      string
	Intent    IntentKind
	CreatedAt time.Time
}

// Session is one customer's conversation: its message log, the active order
// record and the escalation flag.
type Session struct {
	shared.BaseAggregateRoot
	CustomerID       string
	ActiveOrderID    *uuid.UUID
	Escalated        bool
	EscalationReason string
	UnresolvedTurns  int
	LastIntent       IntentKind
	Suggestions      []CatalogItem // last numbered catalog suggestions
	LastActivityAt   time.Time
	ArchivedAt       *time.Time
	Messages         []Turn
}

// NewSession opens a session on the customer's first inbound message
func NewSession(customerID string) (*Session, error) {
	if customerID == "" {
		return nil, shared.NewDomainError("INVALID_CUSTOMER", "Customer ID cannot be empty")
	}
	if len(customerID) > 128 {
		return nil, shared.NewDomainError("INVALID_CUSTOMER", "Customer ID cannot exceed 128 characters")
	}

	s := &Session{
		BaseAggregateRoot: shared.NewBaseAggregateRoot(),
		CustomerID:        customerID,
		LastIntent:        IntentUnknown,
		Messages:          make([]Turn, 0),
	}
	s.LastActivityAt = s.CreatedAt
	s.AddDomainEvent(NewSessionOpenedEvent(s))
	return s, nil
}

// AppendTurn appends to the message log. Earlier turns are never rewritten.
func (s *Session) AppendTurn(role TurnRole, text string, intent IntentKind) (Turn, error) {
	if !role.IsValid() {
		return Turn{}, shared.NewDomainError("INVALID_ROLE", fmt.Sprintf("Unknown turn role %q", role))
	}
	if s.IsArchived() {
		return Turn{}, shared.NewDomainError("SESSION_ARCHIVED", "Cannot append to an archived session")
	}
	if intent == "" {
		intent = IntentUnknown
	}

	now := time.Now()
	seq := 1
	if n := len(s.Messages); n > 0 {
		seq = s.Messages[n-1].Seq + 1
	}
	turn := Turn{Seq: seq, Role: role, Text: text, Intent: intent, CreatedAt: now}
	s.Messages = append(s.Messages, turn)
	if role == RoleCustomer {
		s.LastActivityAt = now
	}
	s.UpdatedAt = now
	return turn, nil
}

// RecordIntent tracks consecutive turns the engine could not act on
func (s *Session) RecordIntent(kind IntentKind) {
	s.LastIntent = kind
	if kind == IntentUnknown {
		s.UnresolvedTurns++
		return
	}
	s.UnresolvedTurns = 0
}

// RememberSuggestions keeps the numbered catalog list offered to the customer
func (s *Session) RememberSuggestions(items []CatalogItem) {
	s.Suggestions = append([]CatalogItem(nil), items...)
}

// Suggestion returns the n-th (1-based) remembered suggestion
func (s *Session) Suggestion(n int) (CatalogItem, bool) {
	if n < 1 || n > len(s.Suggestions) {
		return CatalogItem{}, false
	}
	return s.Suggestions[n-1], true
}

// AttachOrder makes orderID the active order record
func (s *Session) AttachOrder(orderID uuid.UUID) {
	id := orderID
	s.ActiveOrderID = &id
	s.UpdatedAt = time.Now()
}

// DetachOrder clears the active order so a new purchase can start
func (s *Session) DetachOrder() {
	s.ActiveOrderID = nil
	s.UpdatedAt = time.Now()
}

// MarkEscalated hands the session to a human. Automated handling stops.
func (s *Session) MarkEscalated(reason string) bool {
	if s.Escalated {
		return false
	}
	s.Escalated = true
	s.EscalationReason = reason
	s.UpdatedAt = time.Now()
	s.AddDomainEvent(NewSessionEscalatedEvent(s))
	return true
}

// IsArchived reports whether the session was archived
func (s *Session) IsArchived() bool {
	return s.ArchivedAt != nil
}

// IsIdle reports whether no customer message arrived within idleTimeout
func (s *Session) IsIdle(now time.Time, idleTimeout time.Duration) bool {
	return now.Sub(s.LastActivityAt) >= idleTimeout
}

// Archive retires the session once its order reached a terminal state (or
// none exists) and the customer has been idle long enough.
func (s *Session) Archive(now time.Time, idleTimeout time.Duration, orderTerminal bool) error {
	if s.IsArchived() {
		return nil
	}
	if !orderTerminal {
		return shared.NewDomainError("ORDER_ACTIVE", "Cannot archive a session with an order in progress")
	}
	if !s.IsIdle(now, idleTimeout) {
		return shared.NewDomainError("SESSION_ACTIVE", "Session is not idle yet")
	}
	s.ArchivedAt = &now
	s.UpdatedAt = now
	s.AddDomainEvent(NewSessionArchivedEvent(s))
	return nil
}

// History returns at most the last limit turns, oldest first
func (s *Session) History(limit int) []Turn {
	if limit <= 0 || limit >= len(s.Messages) {
		return append([]Turn(nil), s.Messages...)
	}
	return append([]Turn(nil), s.Messages[len(s.Messages)-limit:]...)
}
