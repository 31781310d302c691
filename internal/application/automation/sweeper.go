package automation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/salesflow/backend/internal/domain/sales"
	"go.uber.org/zap"
)

// SweeperConfig holds configuration for the maintenance sweeps
type SweeperConfig struct {
	BatchSize   int
	IdleTimeout time.Duration
}

// DefaultSweeperConfig returns default configuration
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		BatchSize:   100,
		IdleTimeout: 60 * time.Minute,
	}
}

// SweepReport counts what one sweep did
type SweepReport struct {
	PaymentTimeouts  int
	ArchivedSessions int
	CRMRequeued      int
}

// Sweeper runs the periodic maintenance: payment timeouts, idle session
// archival and re-enqueueing of CRM syncs that lost their retry job
type Sweeper struct {
	orders     sales.OrderRecordRepository
	store      *ContextStore
	dispatcher Dispatcher
	crmQueue   sales.CRMRetryQueue
	clock      sales.Clock
	config     SweeperConfig
	logger     *zap.Logger
}

// NewSweeper creates a new Sweeper
func NewSweeper(
	orders sales.OrderRecordRepository,
	store *ContextStore,
	dispatcher Dispatcher,
	crmQueue sales.CRMRetryQueue,
	clock sales.Clock,
	config SweeperConfig,
	logger *zap.Logger,
) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = sales.SystemClock{}
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultSweeperConfig().BatchSize
	}
	return &Sweeper{
		orders:     orders,
		store:      store,
		dispatcher: dispatcher,
		crmQueue:   crmQueue,
		clock:      clock,
		config:     config,
		logger:     logger,
	}
}

// SweepPaymentTimeouts queues a timeout event for every order past its payment deadline
func (s *Sweeper) SweepPaymentTimeouts(ctx context.Context) (int, error) {
	overdue, err := s.orders.ListAwaitingPaymentBefore(ctx, s.clock.Now(), s.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list overdue payments: %w", err)
	}
	queued := 0
	for _, order := range overdue {
		err := s.dispatcher.Enqueue(ctx, PaymentTimedOut{CustomerID: order.CustomerID, OrderID: order.ID})
		if err != nil {
			s.logger.Warn("Failed to queue payment timeout",
				zap.String("order_id", order.ID.String()),
				zap.Error(err))
			continue
		}
		queued++
	}
	return queued, nil
}

// ArchiveIdleSessions archives sessions idle past the configured timeout
func (s *Sweeper) ArchiveIdleSessions(ctx context.Context) (int, error) {
	if s.store == nil || s.config.IdleTimeout <= 0 {
		return 0, nil
	}
	return s.store.ArchiveIdle(ctx, s.config.IdleTimeout, s.config.BatchSize)
}

// RequeueCRMPending re-submits CRM syncs still pending, e.g. after a restart
// dropped the in-memory retry jobs
func (s *Sweeper) RequeueCRMPending(ctx context.Context) (int, error) {
	if s.crmQueue == nil {
		return 0, nil
	}
	pending, err := s.orders.ListCRMPending(ctx, s.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list pending CRM syncs: %w", err)
	}
	queued := 0
	for _, order := range pending {
		if err := s.crmQueue.EnqueueCRMSync(ctx, order.ID, order.CustomerID); err != nil {
			s.logger.Warn("Failed to requeue CRM sync",
				zap.String("order_id", order.ID.String()),
				zap.Error(err))
			continue
		}
		queued++
	}
	return queued, nil
}

// Run performs all sweeps once
func (s *Sweeper) Run(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	var errs []error

	n, err := s.SweepPaymentTimeouts(ctx)
	report.PaymentTimeouts = n
	errs = append(errs, err)

	n, err = s.ArchiveIdleSessions(ctx)
	report.ArchivedSessions = n
	errs = append(errs, err)

	n, err = s.RequeueCRMPending(ctx)
	report.CRMRequeued = n
	errs = append(errs, err)

	if report != (SweepReport{}) {
		s.logger.Info("Maintenance sweep completed",
			zap.Int("payment_timeouts", report.PaymentTimeouts),
			zap.Int("archived_sessions", report.ArchivedSessions),
			zap.Int("crm_requeued", report.CRMRequeued))
	}
	return report, errors.Join(errs...)
}
