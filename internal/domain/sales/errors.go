package sales

import (
	"context"
	"errors"
)

var (
	// Order record errors
	ErrPaymentAlreadyRequested = errors.New("sales: order already has an outstanding payment request")
	ErrPaymentAlreadyApplied   = errors.New("sales: payment already applied, order cannot be cancelled")
	ErrUnknownPaymentReference = errors.New("sales: tracking reference does not match the outstanding payment")

	// Port errors
	ErrQuoteUnavailable   = errors.New("shipping: quote unavailable")
	ErrInvalidAddress     = errors.New("shipping: destination rejected")
	ErrPaymentDeclined    = errors.New("payment: request declined")
	ErrGatewayUnavailable = errors.New("payment: gateway temporarily unavailable")
	ErrCRMUnavailable     = errors.New("crm: sync unavailable")
	ErrInventoryRejected  = errors.New("inventory: order rejected")
	ErrPortNotConfigured  = errors.New("port not configured")
)

// transientError marks a failure worth retrying (network, timeout, 5xx)
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// MarkTransient wraps err so IsTransient reports true. Nil stays nil.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	var t *transientError
	if errors.As(err, &t) {
		return err
	}
	return &transientError{err: err}
}

// IsTransient reports whether err is a transient port failure.
// Deterministic rejections (invalid address, declined payment) are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var t *transientError
	if errors.As(err, &t) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
