package automation

import (
	"context"
	"fmt"
	"time"

	"github.com/salesflow/backend/internal/domain/sales"
	"go.uber.org/zap"
)

// ContextStore is the only way to read or change sessions and order records.
// Every call is routed through the customer's lane of the session queue, so a
// caller always observes its own earlier writes.
type ContextStore struct {
	queue    *SessionQueue
	sessions sales.SessionRepository
	clock    sales.Clock
	logger   *zap.Logger
}

// NewContextStore creates a new ContextStore
func NewContextStore(queue *SessionQueue, sessions sales.SessionRepository, clock sales.Clock, logger *zap.Logger) *ContextStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = sales.SystemClock{}
	}
	return &ContextStore{queue: queue, sessions: sessions, clock: clock, logger: logger}
}

// GetOrCreate returns the customer's active session, opening one if needed
func (s *ContextStore) GetOrCreate(ctx context.Context, customerID string) (*sales.Session, error) {
	out, err := s.queue.Submit(ctx, SessionRequested{CustomerID: customerID, Create: true})
	if err != nil {
		return nil, err
	}
	return out.Session, nil
}

// Snapshot returns the active session and order without creating anything
func (s *ContextStore) Snapshot(ctx context.Context, customerID string) (*Outcome, error) {
	return s.queue.Submit(ctx, SessionRequested{CustomerID: customerID})
}

// AppendMessage appends a non-customer turn to the message log. Customer
// messages go through HandleMessage so they are classified.
func (s *ContextStore) AppendMessage(ctx context.Context, customerID string, turn sales.Turn) error {
	if turn.Role == sales.RoleCustomer {
		_, err := s.HandleMessage(ctx, customerID, turn.Text)
		return err
	}
	_, err := s.queue.Submit(ctx, TurnAppended{CustomerID: customerID, Role: turn.Role, Text: turn.Text})
	return err
}

// HandleMessage applies an inbound customer message and returns the reply
func (s *ContextStore) HandleMessage(ctx context.Context, customerID, text string) (*Outcome, error) {
	return s.queue.Submit(ctx, MessageReceived{CustomerID: customerID, Text: text, ReceivedAt: s.clock.Now()})
}

// ApplyTransition applies ev under the customer's mutual exclusion and returns
// the resulting order record, which may be nil while the customer is browsing
func (s *ContextStore) ApplyTransition(ctx context.Context, customerID string, ev Event) (*sales.OrderRecord, error) {
	if key := ev.SessionKey(); key != customerID {
		return nil, fmt.Errorf("automation: event for %q applied to session %q", key, customerID)
	}
	out, err := s.queue.Submit(ctx, ev)
	if err != nil {
		return nil, err
	}
	return out.Order, nil
}

// Archive archives the customer's session regardless of idle time. The order
// must have reached a terminal state.
func (s *ContextStore) Archive(ctx context.Context, customerID string) error {
	_, err := s.queue.Submit(ctx, ArchiveRequested{CustomerID: customerID, Force: true})
	return err
}

// ArchiveIdle archives sessions idle for longer than idleTimeout. Sessions whose
// order is still in progress are skipped. It returns the number archived.
func (s *ContextStore) ArchiveIdle(ctx context.Context, idleTimeout time.Duration, limit int) (int, error) {
	idle, err := s.sessions.ListIdle(ctx, s.clock.Now().Add(-idleTimeout), limit)
	if err != nil {
		return 0, fmt.Errorf("list idle sessions: %w", err)
	}

	archived := 0
	for _, session := range idle {
		if ctx.Err() != nil {
			return archived, ctx.Err()
		}
		if _, err := s.queue.Submit(ctx, ArchiveRequested{CustomerID: session.CustomerID}); err != nil {
			s.logger.Debug("Idle session not archived",
				zap.String("customer_id", session.CustomerID),
				zap.Error(err))
			continue
		}
		archived++
	}
	return archived, nil
}
