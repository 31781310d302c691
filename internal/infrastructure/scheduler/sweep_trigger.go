package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/salesflow/backend/internal/application/automation"
	"go.uber.org/zap"
)

// Sweep runs one maintenance pass
type Sweep interface {
	Run(ctx context.Context) (automation.SweepReport, error)
}

// Purger drops expired bookkeeping, e.g. processed payment event keys
type Purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// SweepTriggerConfig holds configuration for the sweep trigger
type SweepTriggerConfig struct {
	// Interval between sweeps when no cron schedule is set
	Interval time.Duration
	// Cron is a five-field expression; only the minute and hour fields are
	// evaluated. Empty means Interval is used.
	Cron string
	// Timeout bounds one sweep
	Timeout time.Duration
}

// DefaultSweepTriggerConfig returns default trigger configuration
func DefaultSweepTriggerConfig() SweepTriggerConfig {
	return SweepTriggerConfig{
		Interval: time.Minute,
		Timeout:  time.Minute,
	}
}

// SweepTrigger runs the maintenance sweep periodically: payment timeouts,
// idle session archival, CRM re-queueing and idempotency key purging
type SweepTrigger struct {
	config   SweepTriggerConfig
	schedule *CronSchedule
	sweep    Sweep
	purgers  []Purger
	logger   *zap.Logger

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	lastRun time.Time
}

// NewSweepTrigger creates a new sweep trigger. An invalid cron expression is an error.
func NewSweepTrigger(config SweepTriggerConfig, sweep Sweep, logger *zap.Logger, purgers ...Purger) (*SweepTrigger, error) {
	def := DefaultSweepTriggerConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	t := &SweepTrigger{
		config:  config,
		sweep:   sweep,
		purgers: purgers,
		logger:  logger.Named("sweep"),
	}
	if config.Cron != "" {
		schedule, err := ParseCronSchedule(config.Cron)
		if err != nil {
			return nil, err
		}
		t.schedule = schedule
	}
	return t, nil
}

// Start starts the trigger loop
func (t *SweepTrigger) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return nil
	}
	t.running = true
	t.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	t.wg.Add(1)
	go t.runLoop(ctx)

	fields := []zap.Field{zap.Duration("timeout", t.config.Timeout)}
	if t.schedule != nil {
		fields = append(fields, zap.String("cron", t.config.Cron))
	} else {
		fields = append(fields, zap.Duration("interval", t.config.Interval))
	}
	t.logger.Info("Sweep trigger started", fields...)
	return nil
}

// Stop stops the trigger loop and waits for a running sweep
func (t *SweepTrigger) Stop(ctx context.Context) error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return nil
	}
	t.running = false
	t.mu.Unlock()

	if t.cancel != nil {
		t.cancel()
	}

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		t.logger.Info("Sweep trigger stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *SweepTrigger) runLoop(ctx context.Context) {
	defer t.wg.Done()

	tick := t.config.Interval
	if t.schedule != nil {
		tick = 15 * time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if t.due(now) {
				t.RunOnce(ctx)
			}
		}
	}
}

// due reports whether the cron schedule matches now and has not fired in this minute
func (t *SweepTrigger) due(now time.Time) bool {
	if t.schedule == nil {
		return true
	}
	minute := now.Truncate(time.Minute)
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.schedule.Matches(now) || t.lastRun.Equal(minute) {
		return false
	}
	t.lastRun = minute
	return true
}

// RunOnce performs one sweep and one purge pass
func (t *SweepTrigger) RunOnce(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, t.config.Timeout)
	defer cancel()

	if _, err := t.sweep.Run(ctx); err != nil {
		t.logger.Error("Maintenance sweep failed", zap.Error(err))
	}
	for _, p := range t.purgers {
		n, err := p.PurgeExpired(ctx)
		if err != nil {
			t.logger.Warn("Failed to purge expired entries", zap.Error(err))
			continue
		}
		if n > 0 {
			t.logger.Debug("Purged expired entries", zap.Int64("count", n))
		}
	}
}

// CronSchedule matches the minute and hour fields of a cron expression
type CronSchedule struct {
	minutes [60]bool
	hours   [24]bool
}

// ParseCronSchedule parses "m h dom mon dow". Minute and hour accept "*",
// "*/n", a number or a comma separated list of those; the day fields are
// accepted but not evaluated.
func ParseCronSchedule(expr string) (*CronSchedule, error) {
	parts := strings.Fields(expr)
	if len(parts) < 2 || len(parts) > 5 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCron, expr)
	}
	s := &CronSchedule{}
	if err := parseField(parts[0], s.minutes[:]); err != nil {
		return nil, fmt.Errorf("%w: minute field: %v", ErrInvalidCron, err)
	}
	if err := parseField(parts[1], s.hours[:]); err != nil {
		return nil, fmt.Errorf("%w: hour field: %v", ErrInvalidCron, err)
	}
	return s, nil
}

func parseField(field string, set []bool) error {
	for _, part := range strings.Split(field, ",") {
		switch {
		case part == "*":
			for i := range set {
				set[i] = true
			}
		case strings.HasPrefix(part, "*/"):
			step, err := strconv.Atoi(part[2:])
			if err != nil || step <= 0 || step >= len(set) {
				return fmt.Errorf("bad step %q", part)
			}
			for i := 0; i < len(set); i += step {
				set[i] = true
			}
		default:
			v, err := strconv.Atoi(part)
			if err != nil || v < 0 || v >= len(set) {
				return fmt.Errorf("value %q out of range 0-%d", part, len(set)-1)
			}
			set[v] = true
		}
	}
	return nil
}

// Matches reports whether the schedule fires in the minute containing now
func (s *CronSchedule) Matches(now time.Time) bool {
	return s.minutes[now.Minute()] && s.hours[now.Hour()]
}
