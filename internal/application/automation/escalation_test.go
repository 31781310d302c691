package automation

import (
	"testing"

	"github.com/salesflow/backend/internal/domain/sales"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEscalationPolicy_Evaluate(t *testing.T) {
	policy := DefaultEscalationPolicy()

	tests := []struct {
		name       string
		unresolved int
		c          sales.Classification
		expected   string
	}{
		{"human requested", 0, sales.Classification{Kind: sales.IntentAskHuman, Confidence: 0.9}, ReasonHumanRequested},
		{"human requested with low confidence", 0, sales.Classification{Kind: sales.IntentAskHuman, Confidence: 0.1}, ReasonHumanRequested},
		{"confident browse", 0, sales.Classification{Kind: sales.IntentBrowse, Confidence: 0.8}, ""},
		{"at the confidence floor", 0, sales.Classification{Kind: sales.IntentBrowse, Confidence: 0.4}, ""},
		{"unknown is counted, not low confidence", 1, sales.Classification{Kind: sales.IntentUnknown}, ""},
		{"unresolved limit", 3, sales.Classification{Kind: sales.IntentUnknown}, ReasonUnresolvedTurns},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			session, err := sales.NewSession("c1")
			require.NoError(t, err)
			session.UnresolvedTurns = tt.unresolved
			assert.Equal(t, tt.expected, policy.Evaluate(session, tt.c))
		})
	}

	t.Run("low confidence", func(t *testing.T) {
		session, err := sales.NewSession("c1")
		require.NoError(t, err)
		reason := policy.Evaluate(session, sales.Classification{Kind: sales.IntentConfirm, Confidence: 0.2})
		assert.Contains(t, reason, ReasonLowConfidence)
	})

	t.Run("unresolved limit disabled", func(t *testing.T) {
		session, err := sales.NewSession("c1")
		require.NoError(t, err)
		session.UnresolvedTurns = 10
		p := EscalationPolicy{MinConfidence: 0.4}
		assert.Empty(t, p.Evaluate(session, sales.Classification{Kind: sales.IntentUnknown}))
	})
}
