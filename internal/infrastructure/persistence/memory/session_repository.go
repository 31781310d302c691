package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/salesflow/backend/internal/domain/sales"
	"github.com/salesflow/backend/internal/domain/shared"
)

// SessionRepository is an in-memory sales.SessionRepository
type SessionRepository struct {
	mu       sync.RWMutex
	sessions map[string]*sales.Session
}

// NewSessionRepository creates an empty SessionRepository
func NewSessionRepository() *SessionRepository {
	return &SessionRepository{sessions: make(map[string]*sales.Session)}
}

// FindActiveByCustomer returns the customer's non-archived session
func (r *SessionRepository) FindActiveByCustomer(ctx context.Context, customerID string) (*sales.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		if s.CustomerID == customerID && !s.IsArchived() {
			return cloneSession(s), nil
		}
	}
	return nil, shared.ErrNotFound
}

// FindByID returns a session by ID, archived or not
func (r *SessionRepository) FindByID(ctx context.Context, id uuid.UUID) (*sales.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[idKey(id)]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return cloneSession(s), nil
}

// Save inserts or updates the session with a version check
func (r *SessionRepository) Save(ctx context.Context, session *sales.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := idKey(session.ID)
	if stored, ok := r.sessions[key]; ok {
		if stored.Version != session.Version {
			return shared.ErrConcurrencyConflict
		}
		session.Version++
	} else if !session.IsArchived() {
		for _, s := range r.sessions {
			if s.CustomerID == session.CustomerID && !s.IsArchived() {
				return shared.ErrAlreadyExists
			}
		}
	}
	r.sessions[key] = cloneSession(session)
	return nil
}

// ListIdle returns active sessions whose last customer activity is before the cutoff
func (r *SessionRepository) ListIdle(ctx context.Context, before time.Time, limit int) ([]*sales.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var idle []*sales.Session
	for _, s := range r.sessions {
		if !s.IsArchived() && s.LastActivityAt.Before(before) {
			idle = append(idle, cloneSession(s))
		}
	}
	sort.Slice(idle, func(i, j int) bool { return idle[i].LastActivityAt.Before(idle[j].LastActivityAt) })
	if limit > 0 && len(idle) > limit {
		idle = idle[:limit]
	}
	return idle, nil
}
