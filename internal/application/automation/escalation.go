package automation

import (
	"fmt"

	"github.com/salesflow/backend/internal/domain/sales"
)

// EscalationPolicy decides when a conversation leaves automated handling
type EscalationPolicy struct {
	// MinConfidence below which a classified intent is not trusted.
	// Unknown intents are counted as unresolved turns instead.
	MinConfidence float64
	// UnresolvedTurnLimit consecutive unknown turns trigger escalation. 0 disables.
	UnresolvedTurnLimit int
}

// DefaultEscalationPolicy returns the default thresholds
func DefaultEscalationPolicy() EscalationPolicy {
	return EscalationPolicy{
		MinConfidence:       0.4,
		UnresolvedTurnLimit: 3,
	}
}

// Escalation reasons
const (
	ReasonHumanRequested  = "customer asked for a human"
	ReasonLowConfidence   = "classifier confidence too low"
	ReasonUnresolvedTurns = "repeated unresolved turns"
)

// Evaluate returns the escalation reason, or "" to continue automatically.
// The session must already have recorded the classified intent.
func (p EscalationPolicy) Evaluate(session *sales.Session, c sales.Classification) string {
	if c.Kind == sales.IntentAskHuman {
		return ReasonHumanRequested
	}
	if c.Kind != sales.IntentUnknown && c.Confidence < p.MinConfidence {
		return fmt.Sprintf("%s (%.2f for %s)", ReasonLowConfidence, c.Confidence, c.Kind)
	}
	if p.UnresolvedTurnLimit > 0 && session.UnresolvedTurns >= p.UnresolvedTurnLimit {
		return ReasonUnresolvedTurns
	}
	return ""
}
