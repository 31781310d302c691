package automation

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingHandler records applied events and tracks per-customer overlap
type recordingHandler struct {
	mu      sync.Mutex
	applied map[string][]string
	active  map[string]int
	overlap atomic.Bool
	delay   time.Duration
	block   chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		applied: make(map[string][]string),
		active:  make(map[string]int),
	}
}

func (h *recordingHandler) Apply(ctx context.Context, ev Event) (*Outcome, error) {
	key := ev.SessionKey()
	h.mu.Lock()
	h.active[key]++
	if h.active[key] > 1 {
		h.overlap.Store(true)
	}
	h.mu.Unlock()

	if h.block != nil {
		<-h.block
	}
	if h.delay > 0 {
		time.Sleep(h.delay)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.active[key]--
	msg, ok := ev.(MessageReceived)
	if !ok {
		return nil, fmt.Errorf("unexpected event %T", ev)
	}
	if msg.Text == "boom" {
		panic("handler exploded")
	}
	h.applied[key] = append(h.applied[key], msg.Text)
	return &Outcome{Reply: "ok " + msg.Text}, nil
}

func (h *recordingHandler) appliedFor(key string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.applied[key]...)
}

func stopQueue(t *testing.T, q *SessionQueue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, q.Stop(ctx))
}

func TestSessionQueue_PreservesArrivalOrder(t *testing.T) {
	handler := newRecordingHandler()
	q := NewSessionQueue(handler, nil, DefaultSessionQueueConfig(), nil)

	for i := 0; i < 20; i++ {
		require.NoError(t, q.Enqueue(context.Background(), MessageReceived{CustomerID: "c1", Text: fmt.Sprint(i)}))
	}
	out, err := q.Submit(context.Background(), MessageReceived{CustomerID: "c1", Text: "last"})
	require.NoError(t, err)
	assert.Equal(t, "ok last", out.Reply)

	applied := handler.appliedFor("c1")
	require.Len(t, applied, 21)
	for i := 0; i < 20; i++ {
		assert.Equal(t, fmt.Sprint(i), applied[i])
	}
	stopQueue(t, q)
}

func TestSessionQueue_SerializesPerCustomer(t *testing.T) {
	handler := newRecordingHandler()
	handler.delay = time.Millisecond
	q := NewSessionQueue(handler, nil, DefaultSessionQueueConfig(), nil)

	var wg sync.WaitGroup
	for c := 0; c < 4; c++ {
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(customer string, i int) {
				defer wg.Done()
				_, err := q.Submit(context.Background(), MessageReceived{CustomerID: customer, Text: fmt.Sprint(i)})
				assert.NoError(t, err)
			}(fmt.Sprintf("c%d", c), i)
		}
	}
	wg.Wait()

	assert.False(t, handler.overlap.Load(), "two events of one customer ran concurrently")
	for c := 0; c < 4; c++ {
		assert.Len(t, handler.appliedFor(fmt.Sprintf("c%d", c)), 10)
	}
	assert.Equal(t, 4, q.Len())
	stopQueue(t, q)
}

func TestSessionQueue_CustomersRunConcurrently(t *testing.T) {
	handler := newRecordingHandler()
	handler.block = make(chan struct{})
	q := NewSessionQueue(handler, nil, DefaultSessionQueueConfig(), nil)

	require.NoError(t, q.Enqueue(context.Background(), MessageReceived{CustomerID: "slow", Text: "1"}))

	// A blocked customer must not hold back another one.
	done := make(chan struct{})
	go func() {
		_, _ = q.Submit(context.Background(), MessageReceived{CustomerID: "fast", Text: "2"})
		close(done)
	}()
	require.Eventually(t, func() bool {
		handler.mu.Lock()
		defer handler.mu.Unlock()
		return handler.active["slow"] == 1 && handler.active["fast"] == 1
	}, time.Second, time.Millisecond)

	close(handler.block)
	<-done
	stopQueue(t, q)
}

func TestSessionQueue_FullLaneRejects(t *testing.T) {
	handler := newRecordingHandler()
	handler.block = make(chan struct{})
	q := NewSessionQueue(handler, nil, SessionQueueConfig{LaneBuffer: 2, IdleLaneTTL: time.Minute}, nil)

	require.NoError(t, q.Enqueue(context.Background(), MessageReceived{CustomerID: "c1", Text: "running"}))
	require.Eventually(t, func() bool {
		handler.mu.Lock()
		defer handler.mu.Unlock()
		return handler.active["c1"] == 1
	}, time.Second, time.Millisecond)

	require.NoError(t, q.Enqueue(context.Background(), MessageReceived{CustomerID: "c1", Text: "a"}))
	require.NoError(t, q.Enqueue(context.Background(), MessageReceived{CustomerID: "c1", Text: "b"}))
	err := q.Enqueue(context.Background(), MessageReceived{CustomerID: "c1", Text: "c"})
	assert.ErrorIs(t, err, ErrSessionQueueFull)

	close(handler.block)
	stopQueue(t, q)
	assert.Equal(t, []string{"running", "a", "b"}, handler.appliedFor("c1"))
}

func TestSessionQueue_CancelRequested(t *testing.T) {
	handler := newRecordingHandler()
	handler.block = make(chan struct{})
	detect := func(text string) bool { return text == "stop" }
	q := NewSessionQueue(handler, detect, DefaultSessionQueueConfig(), nil)

	assert.False(t, q.CancelRequested("c1"))
	require.NoError(t, q.Enqueue(context.Background(), MessageReceived{CustomerID: "c1", Text: "hello"}))
	require.NoError(t, q.Enqueue(context.Background(), MessageReceived{CustomerID: "c1", Text: "stop"}))

	assert.True(t, q.CancelRequested("c1"))
	assert.False(t, q.CancelRequested("c2"))

	close(handler.block)
	require.Eventually(t, func() bool { return len(handler.appliedFor("c1")) == 2 }, time.Second, time.Millisecond)
	assert.False(t, q.CancelRequested("c1"))
	stopQueue(t, q)
}

func TestSessionQueue_RecoversFromPanic(t *testing.T) {
	handler := newRecordingHandler()
	q := NewSessionQueue(handler, nil, DefaultSessionQueueConfig(), nil)

	_, err := q.Submit(context.Background(), MessageReceived{CustomerID: "c1", Text: "boom"})
	assert.ErrorIs(t, err, ErrHandlerPanic)

	out, err := q.Submit(context.Background(), MessageReceived{CustomerID: "c1", Text: "after"})
	require.NoError(t, err)
	assert.Equal(t, "ok after", out.Reply)
	stopQueue(t, q)
}

func TestSessionQueue_StopDrainsAndRejects(t *testing.T) {
	handler := newRecordingHandler()
	handler.delay = time.Millisecond
	q := NewSessionQueue(handler, nil, DefaultSessionQueueConfig(), nil)

	for i := 0; i < 5; i++ {
		require.NoError(t, q.Enqueue(context.Background(), MessageReceived{CustomerID: "c1", Text: fmt.Sprint(i)}))
	}
	stopQueue(t, q)

	assert.Len(t, handler.appliedFor("c1"), 5)
	_, err := q.Submit(context.Background(), MessageReceived{CustomerID: "c1", Text: "late"})
	assert.ErrorIs(t, err, ErrQueueClosed)
	assert.NoError(t, q.Stop(context.Background()), "second stop is a no-op")
}

func TestSessionQueue_IdleLaneIsReleased(t *testing.T) {
	handler := newRecordingHandler()
	q := NewSessionQueue(handler, nil, SessionQueueConfig{LaneBuffer: 4, IdleLaneTTL: 10 * time.Millisecond}, nil)

	_, err := q.Submit(context.Background(), MessageReceived{CustomerID: "c1", Text: "hi"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return q.Len() == 0 }, time.Second, 5*time.Millisecond)

	_, err = q.Submit(context.Background(), MessageReceived{CustomerID: "c1", Text: "again"})
	require.NoError(t, err)
	assert.Equal(t, []string{"hi", "again"}, handler.appliedFor("c1"))
	stopQueue(t, q)
}

func TestSessionQueue_SubmitterTimeoutStillApplies(t *testing.T) {
	handler := newRecordingHandler()
	handler.block = make(chan struct{})
	q := NewSessionQueue(handler, nil, DefaultSessionQueueConfig(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := q.Submit(ctx, MessageReceived{CustomerID: "c1", Text: "slow"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(handler.block)
	require.Eventually(t, func() bool { return len(handler.appliedFor("c1")) == 1 }, time.Second, time.Millisecond)
	stopQueue(t, q)
}

func TestSessionQueue_RejectsEventWithoutKey(t *testing.T) {
	q := NewSessionQueue(newRecordingHandler(), nil, DefaultSessionQueueConfig(), nil)
	err := q.Enqueue(context.Background(), MessageReceived{Text: "orphan"})
	assert.Error(t, err)
	stopQueue(t, q)
}
