package sales

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPaymentConfirmation_Validate(t *testing.T) {
	valid := PaymentConfirmation{TrackingReference: "ref", Status: PaymentStatusSucceeded, IdempotencyKey: "evt"}
	assert.NoError(t, valid.Validate())

	noRef := valid
	noRef.TrackingReference = " "
	assert.Error(t, noRef.Validate())

	noKey := valid
	noKey.IdempotencyKey = ""
	assert.Error(t, noKey.Validate())

	badStatus := valid
	badStatus.Status = "refunded"
	assert.Error(t, badStatus.Validate())
}

func TestPaymentStatus_IsFinal(t *testing.T) {
	assert.True(t, PaymentStatusSucceeded.IsFinal())
	assert.True(t, PaymentStatusFailed.IsFinal())
	assert.False(t, PaymentStatusPending.IsFinal())
}
