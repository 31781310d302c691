package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/salesflow/backend/internal/domain/sales"
	"github.com/salesflow/backend/internal/domain/shared"
	"go.uber.org/zap"
)

// JobStatus represents the status of a background job
type JobStatus string

const (
	JobStatusPending   JobStatus = "PENDING"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusSuccess   JobStatus = "SUCCESS"
	JobStatusFailed    JobStatus = "FAILED"
	JobStatusExhausted JobStatus = "EXHAUSTED"
)

// Job is one queued CRM deal sync for a paid order
type Job struct {
	ID          uuid.UUID
	OrderID     uuid.UUID
	CustomerID  string
	Status      JobStatus
	Error       string
	Attempts    int
	MaxAttempts int
	StartedAt   *time.Time
	CompletedAt *time.Time
	NextRetryAt *time.Time
}

// NewJob creates a pending CRM sync job
func NewJob(orderID uuid.UUID, customerID string, maxAttempts int) *Job {
	return &Job{
		ID:          uuid.New(),
		OrderID:     orderID,
		CustomerID:  customerID,
		Status:      JobStatusPending,
		MaxAttempts: maxAttempts,
	}
}

// Start marks the job as running
func (j *Job) Start() {
	now := time.Now()
	j.Status = JobStatusRunning
	j.StartedAt = &now
	j.Error = ""
	j.Attempts++
}

// Complete marks the job as successful
func (j *Job) Complete() {
	now := time.Now()
	j.Status = JobStatusSuccess
	j.CompletedAt = &now
}

// Fail marks the job as failed
func (j *Job) Fail(err string) {
	now := time.Now()
	j.Status = JobStatusFailed
	j.CompletedAt = &now
	j.Error = err
}

// ShouldRetry returns true if the job has attempts left
func (j *Job) ShouldRetry() bool {
	return j.Status == JobStatusFailed && j.Attempts < j.MaxAttempts
}

// ScheduleRetry schedules the job for another attempt after delay
func (j *Job) ScheduleRetry(delay time.Duration) {
	j.Status = JobStatusPending
	next := time.Now().Add(delay)
	j.NextRetryAt = &next
}

// CRMSyncer performs and finalizes CRM deal syncs
type CRMSyncer interface {
	// SyncDeal makes one attempt; an error asks for a retry
	SyncDeal(ctx context.Context, orderID uuid.UUID) error
	// Exhausted records that no more attempts will be made
	Exhausted(ctx context.Context, orderID uuid.UUID, customerID, reason string) error
}

// Config holds the job pool configuration
type Config struct {
	Workers     int
	QueueSize   int
	JobTimeout  time.Duration
	MaxAttempts int
	RetryBase   time.Duration
	RetryMax    time.Duration
}

// DefaultConfig returns default job pool configuration
func DefaultConfig() Config {
	return Config{
		Workers:     2,
		QueueSize:   100,
		JobTimeout:  30 * time.Second,
		MaxAttempts: 8,
		RetryBase:   30 * time.Second,
		RetryMax:    30 * time.Minute,
	}
}

// SyncRecorder counts CRM sync attempt outcomes
type SyncRecorder interface {
	RecordCRMSync(ctx context.Context, outcome string)
}

// CRM sync attempt outcomes
const (
	SyncOutcomeSuccess   = "success"
	SyncOutcomeRetry     = "retry"
	SyncOutcomeDropped   = "dropped"
	SyncOutcomeExhausted = "exhausted"
)

// Scheduler is the background worker pool that retries CRM deal syncs.
// A sync queued while another for the same order is pending is dropped.
type Scheduler struct {
	config   Config
	syncer   CRMSyncer
	logger   *zap.Logger
	recorder SyncRecorder

	jobs    chan *Job
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	pending map[uuid.UUID]struct{}
	timers  map[uuid.UUID]*time.Timer
}

var _ sales.CRMRetryQueue = (*Scheduler)(nil)

// NewScheduler creates a new scheduler instance
func NewScheduler(config Config, syncer CRMSyncer, logger *zap.Logger) *Scheduler {
	def := DefaultConfig()
	if config.Workers <= 0 {
		config.Workers = def.Workers
	}
	if config.QueueSize <= 0 {
		config.QueueSize = def.QueueSize
	}
	if config.JobTimeout <= 0 {
		config.JobTimeout = def.JobTimeout
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = def.MaxAttempts
	}
	if config.RetryBase <= 0 {
		config.RetryBase = def.RetryBase
	}
	if config.RetryMax < config.RetryBase {
		config.RetryMax = config.RetryBase
	}
	return &Scheduler{
		config:  config,
		syncer:  syncer,
		logger:  logger.Named("crm_retry"),
		jobs:    make(chan *Job, config.QueueSize),
		pending: make(map[uuid.UUID]struct{}),
		timers:  make(map[uuid.UUID]*time.Timer),
	}
}

// SetRecorder reports every sync attempt outcome to r. Call it before Start.
func (s *Scheduler) SetRecorder(r SyncRecorder) {
	s.recorder = r
}

func (s *Scheduler) record(ctx context.Context, outcome string) {
	if s.recorder != nil {
		s.recorder.RecordCRMSync(ctx, outcome)
	}
}

// Start starts the worker pool
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	for i := 0; i < s.config.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx, i)
	}

	s.logger.Info("CRM retry scheduler started",
		zap.Int("workers", s.config.Workers),
		zap.Int("max_attempts", s.config.MaxAttempts),
		zap.Duration("job_timeout", s.config.JobTimeout),
	)
	return nil
}

// Stop stops the workers and drops scheduled retries. The sweep re-queues
// orders still flagged for CRM sync after a restart.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("CRM retry scheduler stopped gracefully")
		return nil
	case <-ctx.Done():
		s.logger.Warn("CRM retry scheduler stop timed out")
		return ctx.Err()
	}
}

// EnqueueCRMSync queues a deal sync for a paid order
func (s *Scheduler) EnqueueCRMSync(ctx context.Context, orderID uuid.UUID, customerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return ErrSchedulerNotRunning
	}
	if _, ok := s.pending[orderID]; ok {
		s.logger.Debug("CRM sync already queued", zap.String("order_id", orderID.String()))
		return nil
	}

	job := NewJob(orderID, customerID, s.config.MaxAttempts)
	select {
	case s.jobs <- job:
		s.pending[orderID] = struct{}{}
		s.logger.Debug("CRM sync queued",
			zap.String("job_id", job.ID.String()),
			zap.String("order_id", orderID.String()),
		)
		return nil
	default:
		return ErrJobQueueFull
	}
}

// Pending returns the number of orders with a queued or scheduled sync
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Backoff returns the delay before retry number attempt (1-based)
func (s *Scheduler) Backoff(attempt int) time.Duration {
	delay := s.config.RetryBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= s.config.RetryMax {
			return s.config.RetryMax
		}
	}
	return delay
}

func (s *Scheduler) worker(ctx context.Context, workerID int) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case job := <-s.jobs:
			s.processJob(ctx, job, workerID)
		}
	}
}

func (s *Scheduler) processJob(ctx context.Context, job *Job, workerID int) {
	job.Start()
	log := s.logger.With(
		zap.Int("worker_id", workerID),
		zap.String("job_id", job.ID.String()),
		zap.String("order_id", job.OrderID.String()),
		zap.Int("attempt", job.Attempts),
	)

	jobCtx, cancel := context.WithTimeout(ctx, s.config.JobTimeout)
	err := s.syncer.SyncDeal(jobCtx, job.OrderID)
	cancel()

	if err == nil {
		job.Complete()
		s.finish(job.OrderID)
		s.record(ctx, SyncOutcomeSuccess)
		log.Info("CRM sync job completed")
		return
	}

	job.Fail(err.Error())
	switch {
	case errors.Is(err, shared.ErrNotFound):
		s.finish(job.OrderID)
		s.record(ctx, SyncOutcomeDropped)
		log.Warn("CRM sync job dropped, order record is gone", zap.Error(err))
		return
	case errors.Is(err, sales.ErrPortNotConfigured) || !job.ShouldRetry():
		s.exhaust(ctx, job, log)
		return
	}

	delay := s.Backoff(job.Attempts)
	job.ScheduleRetry(delay)
	s.record(ctx, SyncOutcomeRetry)
	log.Warn("CRM sync job failed, retry scheduled",
		zap.Duration("delay", delay),
		zap.Int("max_attempts", job.MaxAttempts),
		zap.Error(err),
	)
	s.retryAfter(job, delay)
}

func (s *Scheduler) retryAfter(job *Job, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		delete(s.pending, job.OrderID)
		return
	}
	s.timers[job.ID] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.timers, job.ID)
		if !s.running {
			delete(s.pending, job.OrderID)
			return
		}
		select {
		case s.jobs <- job:
		default:
			delete(s.pending, job.OrderID)
			s.logger.Warn("Failed to re-queue CRM sync job, queue full",
				zap.String("job_id", job.ID.String()),
				zap.String("order_id", job.OrderID.String()),
			)
		}
	})
}

func (s *Scheduler) exhaust(ctx context.Context, job *Job, log *zap.Logger) {
	job.Status = JobStatusExhausted
	s.finish(job.OrderID)
	s.record(ctx, SyncOutcomeExhausted)

	exCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.JobTimeout)
	defer cancel()
	if err := s.syncer.Exhausted(exCtx, job.OrderID, job.CustomerID, job.Error); err != nil {
		log.Error("Failed to record exhausted CRM sync", zap.Error(err))
	}
}

func (s *Scheduler) finish(orderID uuid.UUID) {
	s.mu.Lock()
	delete(s.pending, orderID)
	s.mu.Unlock()
}
