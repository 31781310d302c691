package automation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/salesflow/backend/internal/domain/sales"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRetryPolicy_Backoff(t *testing.T) {
	p := RetryPolicy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}

	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
		{20, time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, p.Backoff(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestRetryPolicy_Do(t *testing.T) {
	logger := zap.NewNop()
	transient := sales.MarkTransient(errors.New("503"))

	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls := 0
		err := fastRetry().Do(context.Background(), logger, "op", func(ctx context.Context) error {
			calls++
			if calls < 3 {
				return transient
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("stops at max attempts", func(t *testing.T) {
		calls := 0
		err := fastRetry().Do(context.Background(), logger, "shipping.quote", func(ctx context.Context) error {
			calls++
			return transient
		})
		require.Error(t, err)
		assert.Equal(t, 3, calls)
		assert.True(t, sales.IsTransient(err), "exhaustion keeps the transient classification")
		assert.Contains(t, err.Error(), "shipping.quote failed after 3 attempts")
	})

	t.Run("deterministic error is not retried", func(t *testing.T) {
		calls := 0
		err := fastRetry().Do(context.Background(), logger, "op", func(ctx context.Context) error {
			calls++
			return sales.ErrInvalidAddress
		})
		assert.ErrorIs(t, err, sales.ErrInvalidAddress)
		assert.Equal(t, 1, calls)
	})

	t.Run("cancelled context stops retrying", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		calls := 0
		err := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Hour}.Do(ctx, logger, "op", func(ctx context.Context) error {
			calls++
			cancel()
			return transient
		})
		require.Error(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("each call gets the port timeout", func(t *testing.T) {
		p := RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, PortTimeout: 5 * time.Millisecond}
		calls := 0
		err := p.Do(context.Background(), logger, "op", func(ctx context.Context) error {
			calls++
			<-ctx.Done()
			return ctx.Err()
		})
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Equal(t, 2, calls, "a port timeout counts as transient")
	})
}
