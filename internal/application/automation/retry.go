package automation

import (
	"context"
	"fmt"
	"time"

	"github.com/salesflow/backend/internal/domain/sales"
	"go.uber.org/zap"
)

// RetryPolicy retries transient port failures with bounded exponential backoff.
// Deterministic rejections are returned after the first attempt.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// PortTimeout bounds each individual port call
	PortTimeout time.Duration
}

// DefaultRetryPolicy returns the default policy for port calls
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		PortTimeout: 10 * time.Second,
	}
}

// Backoff returns the delay before retry number attempt (1-based)
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return delay
}

// Do runs fn until it succeeds, fails deterministically, or attempts run out
func (p RetryPolicy) Do(ctx context.Context, logger *zap.Logger, op string, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = p.call(ctx, fn)
		if err == nil {
			return nil
		}
		if !sales.IsTransient(err) || ctx.Err() != nil {
			return err
		}
		if attempt == attempts {
			break
		}

		delay := p.Backoff(attempt)
		logger.Warn("Transient port failure, retrying",
			zap.String("operation", op),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", op, attempts, err)
}

func (p RetryPolicy) call(ctx context.Context, fn func(ctx context.Context) error) error {
	if p.PortTimeout <= 0 {
		return fn(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, p.PortTimeout)
	defer cancel()
	return fn(callCtx)
}
