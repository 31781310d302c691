package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/salesflow/backend/internal/domain/sales"
)

// SessionModel is the persistence model for the Session aggregate.
// One non-archived session per customer is enforced by a partial unique index.
type SessionModel struct {
	AggregateModel
	CustomerID       string           `gorm:"type:varchar(128);not null;index"`
	ActiveOrderID    *uuid.UUID       `gorm:"type:uuid"`
	Escalated        bool             `gorm:"not null;default:false"`
	EscalationReason string           `gorm:"type:varchar(500)"`
	UnresolvedTurns  int              `gorm:"not null;default:0"`
	LastIntent       sales.IntentKind `gorm:"type:varchar(30);not null"`
	Suggestions      string           `gorm:"type:jsonb"`
	LastActivityAt   time.Time        `gorm:"not null;index"`
	ArchivedAt       *time.Time       `gorm:"index"`

	Messages []MessageModel `gorm:"foreignKey:SessionID;constraint:OnDelete:CASCADE"`
}

// TableName returns the table name for GORM
func (SessionModel) TableName() string {
	return "customer_sessions"
}

// ToDomain converts the persistence model to a domain Session.
func (m *SessionModel) ToDomain() (*sales.Session, error) {
	s := &sales.Session{
		BaseAggregateRoot: m.ToDomainAggregateRoot(),
		CustomerID:        m.CustomerID,
		ActiveOrderID:     m.ActiveOrderID,
		Escalated:         m.Escalated,
		EscalationReason:  m.EscalationReason,
		UnresolvedTurns:   m.UnresolvedTurns,
		LastIntent:        m.LastIntent,
		LastActivityAt:    m.LastActivityAt,
		ArchivedAt:        m.ArchivedAt,
		Messages:          make([]sales.Turn, 0, len(m.Messages)),
	}
	if m.Suggestions != "" {
		if err := json.Unmarshal([]byte(m.Suggestions), &s.Suggestions); err != nil {
			return nil, err
		}
	}
	for i := range m.Messages {
		s.Messages = append(s.Messages, m.Messages[i].ToDomain())
	}
	return s, nil
}

// FromDomain populates the persistence model from a domain Session.
func (m *SessionModel) FromDomain(s *sales.Session) error {
	m.FromDomainAggregateRoot(s.BaseAggregateRoot)
	m.CustomerID = s.CustomerID
	m.ActiveOrderID = s.ActiveOrderID
	m.Escalated = s.Escalated
	m.EscalationReason = s.EscalationReason
	m.UnresolvedTurns = s.UnresolvedTurns
	m.LastIntent = s.LastIntent
	m.LastActivityAt = s.LastActivityAt
	m.ArchivedAt = s.ArchivedAt

	m.Suggestions = ""
	if len(s.Suggestions) > 0 {
		raw, err := json.Marshal(s.Suggestions)
		if err != nil {
			return err
		}
		m.Suggestions = string(raw)
	}

	m.Messages = make([]MessageModel, len(s.Messages))
	for i := range s.Messages {
		m.Messages[i].FromDomain(s.ID, s.Messages[i])
	}
	return nil
}

// MessageModel is one turn of the append-only message log
type MessageModel struct {
	SessionID uuid.UUID        `gorm:"type:uuid;primary_key"`
	Seq       int              `gorm:"primary_key;autoIncrement:false"`
	Role      sales.TurnRole   `gorm:"type:varchar(20);not null"`
	Text      string           `gorm:"type:text;not null"`
	Intent    sales.IntentKind `gorm:"type:varchar(30);not null"`
	CreatedAt time.Time        `gorm:"not null"`
}

// TableName returns the table name for GORM
func (MessageModel) TableName() string {
	return "session_messages"
}

// ToDomain converts the persistence model to a domain Turn.
func (m *MessageModel) ToDomain() sales.Turn {
	return sales.Turn{
		Seq:       m.Seq,
		Role:      m.Role,
		Text:      m.Text,
		Intent:    m.Intent,
		CreatedAt: m.CreatedAt,
	}
}

// FromDomain populates the persistence model from a domain Turn.
func (m *MessageModel) FromDomain(sessionID uuid.UUID, t sales.Turn) {
	m.SessionID = sessionID
	m.Seq = t.Seq
	m.Role = t.Role
	m.Text = t.Text
	m.Intent = t.Intent
	m.CreatedAt = t.CreatedAt
}
