package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/salesflow/backend/internal/domain/sales"
	"github.com/salesflow/backend/internal/domain/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockSyncer struct {
	mock.Mock
}

func (m *mockSyncer) SyncDeal(ctx context.Context, orderID uuid.UUID) error {
	return m.Called(ctx, orderID).Error(0)
}

func (m *mockSyncer) Exhausted(ctx context.Context, orderID uuid.UUID, customerID, reason string) error {
	return m.Called(ctx, orderID, customerID, reason).Error(0)
}

type outcomeRecorder struct {
	mu       sync.Mutex
	outcomes []string
}

func (r *outcomeRecorder) RecordCRMSync(_ context.Context, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome)
}

func (r *outcomeRecorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.outcomes...)
}

func fastConfig() Config {
	return Config{
		Workers:     1,
		QueueSize:   10,
		JobTimeout:  time.Second,
		MaxAttempts: 3,
		RetryBase:   5 * time.Millisecond,
		RetryMax:    20 * time.Millisecond,
	}
}

func startScheduler(t *testing.T, cfg Config, syncer CRMSyncer) *Scheduler {
	t.Helper()
	s := NewScheduler(cfg, syncer, zap.NewNop())
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s
}

func TestJobLifecycle(t *testing.T) {
	job := NewJob(uuid.New(), "cust-1", 2)
	assert.Equal(t, JobStatusPending, job.Status)

	job.Start()
	assert.Equal(t, JobStatusRunning, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.NotNil(t, job.StartedAt)

	job.Fail("crm down")
	assert.True(t, job.ShouldRetry())
	job.ScheduleRetry(time.Minute)
	assert.Equal(t, JobStatusPending, job.Status)
	require.NotNil(t, job.NextRetryAt)

	job.Start()
	job.Fail("crm down")
	assert.False(t, job.ShouldRetry(), "attempts are spent")

	job.Start()
	job.Complete()
	assert.Equal(t, JobStatusSuccess, job.Status)
}

func TestNewScheduler_Defaults(t *testing.T) {
	s := NewScheduler(Config{}, &mockSyncer{}, zap.NewNop())
	def := DefaultConfig()
	assert.Equal(t, def.Workers, s.config.Workers)
	assert.Equal(t, def.MaxAttempts, s.config.MaxAttempts)
	assert.Equal(t, def.RetryBase, s.config.RetryBase)
	assert.Equal(t, def.RetryMax, s.config.RetryMax)
}

func TestScheduler_Backoff(t *testing.T) {
	s := NewScheduler(Config{RetryBase: time.Second, RetryMax: 10 * time.Second}, &mockSyncer{}, zap.NewNop())

	assert.Equal(t, time.Second, s.Backoff(1))
	assert.Equal(t, 2*time.Second, s.Backoff(2))
	assert.Equal(t, 4*time.Second, s.Backoff(3))
	assert.Equal(t, 8*time.Second, s.Backoff(4))
	assert.Equal(t, 10*time.Second, s.Backoff(5))
	assert.Equal(t, 10*time.Second, s.Backoff(30))
}

func TestScheduler_EnqueueRequiresRunning(t *testing.T) {
	s := NewScheduler(fastConfig(), &mockSyncer{}, zap.NewNop())
	err := s.EnqueueCRMSync(context.Background(), uuid.New(), "cust-1")
	assert.ErrorIs(t, err, ErrSchedulerNotRunning)
}

func TestScheduler_SyncSucceeds(t *testing.T) {
	orderID := uuid.New()
	syncer := &mockSyncer{}
	done := make(chan struct{})
	syncer.On("SyncDeal", mock.Anything, orderID).Return(nil).Once().Run(func(mock.Arguments) { close(done) })

	s := startScheduler(t, fastConfig(), syncer)
	require.NoError(t, s.EnqueueCRMSync(context.Background(), orderID, "cust-1"))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sync not attempted")
	}
	assert.Eventually(t, func() bool { return s.Pending() == 0 }, time.Second, 5*time.Millisecond)
	syncer.AssertExpectations(t)
}

func TestScheduler_RetriesThenSucceeds(t *testing.T) {
	orderID := uuid.New()
	var calls atomic.Int32
	syncer := &mockSyncer{}
	syncer.On("SyncDeal", mock.Anything, orderID).Return(sales.MarkTransient(errors.New("crm 503"))).Twice().
		Run(func(mock.Arguments) { calls.Add(1) })
	syncer.On("SyncDeal", mock.Anything, orderID).Return(nil).Once().
		Run(func(mock.Arguments) { calls.Add(1) })

	s := startScheduler(t, fastConfig(), syncer)
	require.NoError(t, s.EnqueueCRMSync(context.Background(), orderID, "cust-1"))

	assert.Eventually(t, func() bool { return calls.Load() == 3 && s.Pending() == 0 }, 2*time.Second, 5*time.Millisecond)
	syncer.AssertNotCalled(t, "Exhausted", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestScheduler_ExhaustsAfterMaxAttempts(t *testing.T) {
	orderID := uuid.New()
	syncer := &mockSyncer{}
	exhausted := make(chan string, 1)
	syncer.On("SyncDeal", mock.Anything, orderID).Return(errors.New("crm down")).Times(3)
	syncer.On("Exhausted", mock.Anything, orderID, "cust-1", "crm down").Return(nil).Once().
		Run(func(args mock.Arguments) { exhausted <- args.String(3) })

	s := startScheduler(t, fastConfig(), syncer)
	require.NoError(t, s.EnqueueCRMSync(context.Background(), orderID, "cust-1"))

	select {
	case reason := <-exhausted:
		assert.Equal(t, "crm down", reason)
	case <-time.After(2 * time.Second):
		t.Fatal("retries were not exhausted")
	}
	assert.Eventually(t, func() bool { return s.Pending() == 0 }, time.Second, 5*time.Millisecond)
	syncer.AssertExpectations(t)
}

func TestScheduler_UnconfiguredPortExhaustsImmediately(t *testing.T) {
	orderID := uuid.New()
	syncer := &mockSyncer{}
	exhausted := make(chan struct{})
	syncer.On("SyncDeal", mock.Anything, orderID).Return(sales.ErrPortNotConfigured).Once()
	syncer.On("Exhausted", mock.Anything, orderID, "cust-1", mock.Anything).Return(nil).Once().
		Run(func(mock.Arguments) { close(exhausted) })

	s := startScheduler(t, fastConfig(), syncer)
	require.NoError(t, s.EnqueueCRMSync(context.Background(), orderID, "cust-1"))

	select {
	case <-exhausted:
	case <-time.After(time.Second):
		t.Fatal("expected immediate exhaustion")
	}
	syncer.AssertNumberOfCalls(t, "SyncDeal", 1)
}

func TestScheduler_DropsMissingOrder(t *testing.T) {
	orderID := uuid.New()
	syncer := &mockSyncer{}
	done := make(chan struct{})
	syncer.On("SyncDeal", mock.Anything, orderID).Return(shared.ErrNotFound).Once().
		Run(func(mock.Arguments) { close(done) })

	s := startScheduler(t, fastConfig(), syncer)
	require.NoError(t, s.EnqueueCRMSync(context.Background(), orderID, "cust-1"))

	<-done
	assert.Eventually(t, func() bool { return s.Pending() == 0 }, time.Second, 5*time.Millisecond)
	syncer.AssertNotCalled(t, "Exhausted", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestScheduler_DeduplicatesPendingOrder(t *testing.T) {
	orderID := uuid.New()
	release := make(chan struct{})
	syncer := &mockSyncer{}
	syncer.On("SyncDeal", mock.Anything, orderID).Return(nil).Once().
		Run(func(mock.Arguments) { <-release })

	s := startScheduler(t, fastConfig(), syncer)
	ctx := context.Background()
	require.NoError(t, s.EnqueueCRMSync(ctx, orderID, "cust-1"))
	require.NoError(t, s.EnqueueCRMSync(ctx, orderID, "cust-1"))
	assert.Equal(t, 1, s.Pending())

	close(release)
	assert.Eventually(t, func() bool { return s.Pending() == 0 }, time.Second, 5*time.Millisecond)
	syncer.AssertNumberOfCalls(t, "SyncDeal", 1)
}

func TestScheduler_QueueFull(t *testing.T) {
	cfg := fastConfig()
	cfg.QueueSize = 1
	s := NewScheduler(cfg, &mockSyncer{}, zap.NewNop())
	// Running without workers keeps the queue occupied
	s.running = true

	ctx := context.Background()
	require.NoError(t, s.EnqueueCRMSync(ctx, uuid.New(), "cust-1"))
	assert.ErrorIs(t, s.EnqueueCRMSync(ctx, uuid.New(), "cust-2"), ErrJobQueueFull)
}

func TestScheduler_StopIsIdempotent(t *testing.T) {
	s := NewScheduler(fastConfig(), &mockSyncer{}, zap.NewNop())
	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.Stop(ctx))
	require.NoError(t, s.Stop(ctx))
}

func TestScheduler_RecordsOutcomes(t *testing.T) {
	orderID := uuid.New()
	syncer := &mockSyncer{}
	syncer.On("SyncDeal", mock.Anything, orderID).Return(errors.New("crm 502")).Once()
	syncer.On("SyncDeal", mock.Anything, orderID).Return(nil).Once()

	recorder := &outcomeRecorder{}
	s := NewScheduler(fastConfig(), syncer, zap.NewNop())
	s.SetRecorder(recorder)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	require.NoError(t, s.EnqueueCRMSync(context.Background(), orderID, "cust-1"))

	assert.Eventually(t, func() bool { return len(recorder.get()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{SyncOutcomeRetry, SyncOutcomeSuccess}, recorder.get())
}
