package automation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrQueueClosed is returned when submitting to a stopped queue
	ErrQueueClosed = errors.New("automation: session queue is closed")
	// ErrSessionQueueFull is returned when a customer's lane buffer is full
	ErrSessionQueueFull = errors.New("automation: session queue is full")
	// ErrHandlerPanic is returned when applying an event panicked
	ErrHandlerPanic = errors.New("automation: event handler panicked")
)

// Handler applies one event. Engine implements it.
type Handler interface {
	Apply(ctx context.Context, ev Event) (*Outcome, error)
}

// CancelDetector reports whether a message text is a cancel request. It is
// evaluated when the message is queued, before classification.
type CancelDetector func(text string) bool

// SessionQueueConfig holds configuration for the session queue
type SessionQueueConfig struct {
	// LaneBuffer is the number of events a single customer may have queued
	LaneBuffer int
	// IdleLaneTTL stops a customer's worker after this long without events
	IdleLaneTTL time.Duration
	// HandlerTimeout bounds the processing of one event
	HandlerTimeout time.Duration
}

// DefaultSessionQueueConfig returns default configuration
func DefaultSessionQueueConfig() SessionQueueConfig {
	return SessionQueueConfig{
		LaneBuffer:     64,
		IdleLaneTTL:    2 * time.Minute,
		HandlerTimeout: 2 * time.Minute,
	}
}

type result struct {
	outcome *Outcome
	err     error
}

type envelope struct {
	ctx    context.Context
	event  Event
	cancel bool
	done   chan result // nil for fire-and-forget events
}

// lane is one customer's FIFO with a dedicated worker goroutine
type lane struct {
	key            string
	events         chan envelope
	pendingCancels atomic.Int32
}

// SessionQueue serializes all events of one customer: at most one event per
// customer is applied at a time, in arrival order. Different customers are
// processed concurrently.
type SessionQueue struct {
	handler Handler
	detect  CancelDetector
	config  SessionQueueConfig
	logger  *zap.Logger

	mu     sync.Mutex
	lanes  map[string]*lane
	closed bool
	wg     sync.WaitGroup
}

// NewSessionQueue creates a new session queue
func NewSessionQueue(handler Handler, detect CancelDetector, config SessionQueueConfig, logger *zap.Logger) *SessionQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.LaneBuffer <= 0 {
		config.LaneBuffer = DefaultSessionQueueConfig().LaneBuffer
	}
	if config.IdleLaneTTL <= 0 {
		config.IdleLaneTTL = DefaultSessionQueueConfig().IdleLaneTTL
	}
	return &SessionQueue{
		handler: handler,
		detect:  detect,
		config:  config,
		logger:  logger,
		lanes:   make(map[string]*lane),
	}
}

// Submit queues ev and waits for it to be applied
func (q *SessionQueue) Submit(ctx context.Context, ev Event) (*Outcome, error) {
	done := make(chan result, 1)
	if err := q.enqueue(ctx, ev, done); err != nil {
		return nil, err
	}
	select {
	case r := <-done:
		return r.outcome, r.err
	case <-ctx.Done():
		// The event stays queued and is still applied.
		return nil, ctx.Err()
	}
}

// Enqueue queues ev without waiting for the result
func (q *SessionQueue) Enqueue(ctx context.Context, ev Event) error {
	return q.enqueue(ctx, ev, nil)
}

func (q *SessionQueue) enqueue(ctx context.Context, ev Event, done chan result) error {
	key := ev.SessionKey()
	if key == "" {
		return fmt.Errorf("automation: event %s has no session key", ev.Kind())
	}
	env := envelope{ctx: ctx, event: ev, done: done}
	if msg, ok := ev.(MessageReceived); ok && q.detect != nil {
		env.cancel = q.detect(msg.Text)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}

	l, ok := q.lanes[key]
	if !ok {
		l = &lane{key: key, events: make(chan envelope, q.config.LaneBuffer)}
		q.lanes[key] = l
		q.wg.Add(1)
		go q.run(l)
	}
	if env.cancel {
		l.pendingCancels.Add(1)
	}

	select {
	case l.events <- env:
		return nil
	default:
		if env.cancel {
			l.pendingCancels.Add(-1)
		}
		q.logger.Warn("Session queue full, rejecting event",
			zap.String("customer_id", key),
			zap.String("kind", string(ev.Kind())))
		return ErrSessionQueueFull
	}
}

// CancelRequested reports whether a cancel message is waiting in the customer's
// lane behind the event currently being applied
func (q *SessionQueue) CancelRequested(customerID string) bool {
	q.mu.Lock()
	l, ok := q.lanes[customerID]
	q.mu.Unlock()
	return ok && l.pendingCancels.Load() > 0
}

// Len returns the number of active lanes
func (q *SessionQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.lanes)
}

func (q *SessionQueue) run(l *lane) {
	defer q.wg.Done()

	idle := time.NewTimer(q.config.IdleLaneTTL)
	defer idle.Stop()

	for {
		select {
		case env, ok := <-l.events:
			if !ok {
				return
			}
			if env.cancel {
				l.pendingCancels.Add(-1)
			}
			q.process(l, env)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(q.config.IdleLaneTTL)

		case <-idle.C:
			q.mu.Lock()
			if len(l.events) == 0 && !q.closed {
				delete(q.lanes, l.key)
				q.mu.Unlock()
				return
			}
			q.mu.Unlock()
			idle.Reset(q.config.IdleLaneTTL)
		}
	}
}

func (q *SessionQueue) process(l *lane, env envelope) {
	// The event is applied to completion even when the submitter gave up.
	ctx := context.WithoutCancel(env.ctx)
	if q.config.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.config.HandlerTimeout)
		defer cancel()
	}

	r := q.apply(ctx, env.event)
	if r.err != nil {
		q.logger.Error("Failed to apply session event",
			zap.String("customer_id", l.key),
			zap.String("kind", string(env.event.Kind())),
			zap.Error(r.err))
	}
	if env.done != nil {
		env.done <- r
	}
}

func (q *SessionQueue) apply(ctx context.Context, ev Event) (r result) {
	defer func() {
		if p := recover(); p != nil {
			q.logger.Error("Recovered panic while applying session event",
				zap.String("kind", string(ev.Kind())),
				zap.Any("panic", p),
				zap.Stack("stack"))
			r = result{err: fmt.Errorf("%w: %v", ErrHandlerPanic, p)}
		}
	}()
	outcome, err := q.handler.Apply(ctx, ev)
	return result{outcome: outcome, err: err}
}

// Stop stops accepting events, drains the queued ones and waits for the lanes
func (q *SessionQueue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	for _, l := range q.lanes {
		close(l.events)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.logger.Info("Session queue stopped gracefully")
		return nil
	case <-ctx.Done():
		q.logger.Warn("Session queue stop timed out")
		return ctx.Err()
	}
}
