package sales

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseIntentKind(t *testing.T) {
	tests := []struct {
		raw  string
		want IntentKind
	}{
		{"browse", IntentBrowse},
		{" CONFIRM ", IntentConfirm},
		{"provide_address", IntentProvideAddress},
		{"ask_human", IntentAskHuman},
		{"buy_everything", IntentUnknown},
		{"", IntentUnknown},
		{"{\"intent\":\"confirm\"}", IntentUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseIntentKind(tt.raw))
		})
	}
}

func TestClassification_Normalize(t *testing.T) {
	c := Classification{Kind: "weird", Confidence: 3}.Normalize()
	assert.Equal(t, IntentUnknown, c.Kind)
	assert.Equal(t, 1.0, c.Confidence)
	assert.NotNil(t, c.Slots)

	c = Classification{Kind: IntentCancel, Confidence: -1}.Normalize()
	assert.Equal(t, IntentCancel, c.Kind)
	assert.Equal(t, 0.0, c.Confidence)

	c = Classification{Kind: IntentCancel, Confidence: math.NaN()}.Normalize()
	assert.Equal(t, 0.0, c.Confidence)
}

func TestNewAddress(t *testing.T) {
	a, err := NewAddress(" 190000 ", "Saint Petersburg", "Nevsky 10")
	assert.NoError(t, err)
	assert.Equal(t, "190000", a.PostalCode)
	assert.Equal(t, "190000, Saint Petersburg, Nevsky 10", a.String())

	_, err = NewAddress("12345", "", "")
	assert.Error(t, err)
	_, err = NewAddress("", "Moscow", "")
	assert.Error(t, err)
	_, err = NewAddress("", "", "Lenina 5")
	assert.NoError(t, err)
}

func TestIsTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(ErrInvalidAddress))
	assert.True(t, IsTransient(MarkTransient(ErrQuoteUnavailable)))
	assert.ErrorIs(t, MarkTransient(ErrQuoteUnavailable), ErrQuoteUnavailable)
	assert.Nil(t, MarkTransient(nil))
}
