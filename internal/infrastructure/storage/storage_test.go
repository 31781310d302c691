package storage

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/salesflow/backend/internal/domain/sales"
	"github.com/salesflow/backend/internal/infrastructure/config"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

func archivedSession(t *testing.T) (*sales.Session, *sales.OrderRecord) {
	t.Helper()
	session, err := sales.NewSession("cust/42")
	require.NoError(t, err)
	_, err = session.AppendTurn(sales.RoleCustomer, "Покажи чайники", sales.IntentBrowse)
	require.NoError(t, err)
	_, err = session.AppendTurn(sales.RoleSystem, "1. Kettle 2500", sales.IntentUnknown)
	require.NoError(t, err)

	item, err := sales.NewOrderItem("k-1", "Kettle", 2, decimal.NewFromInt(2500))
	require.NoError(t, err)
	order, err := sales.NewOrderRecord(session.ID, session.CustomerID, "RUB", []sales.OrderItem{item})
	require.NoError(t, err)
	require.NoError(t, order.Cancel("changed my mind"))

	at := time.Date(2026, 3, 1, 23, 30, 0, 0, time.UTC)
	session.ArchivedAt = &at
	return session, order
}

func TestBuildTranscript(t *testing.T) {
	session, order := archivedSession(t)

	tr := BuildTranscript(session, order)

	assert.Equal(t, TranscriptVersion, tr.Version)
	assert.Equal(t, session.ID, tr.SessionID)
	assert.Equal(t, "cust/42", tr.CustomerID)
	assert.Equal(t, *session.ArchivedAt, tr.ArchivedAt)
	require.Len(t, tr.Messages, 2)
	assert.Equal(t, "customer", tr.Messages[0].Role)
	assert.Equal(t, "browse", tr.Messages[0].Intent)

	require.NotNil(t, tr.Order)
	assert.Equal(t, order.ID, tr.Order.ID)
	assert.Equal(t, string(sales.StateCancelled), tr.Order.State)
	assert.Equal(t, "changed my mind", tr.Order.CancelReason)
	require.Len(t, tr.Order.Items, 1)
	assert.Equal(t, 2, tr.Order.Items[0].Quantity)
	assert.NotEmpty(t, tr.Order.Audit)
	last := tr.Order.Audit[len(tr.Order.Audit)-1]
	assert.Equal(t, string(sales.StateCancelled), last.To)
}

func TestBuildTranscript_WithoutOrder(t *testing.T) {
	session, _ := archivedSession(t)
	tr := BuildTranscript(session, nil)
	assert.Nil(t, tr.Order)

	data, err := tr.Marshal()
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"order"`)
}

func TestTranscriptKey(t *testing.T) {
	id := uuid.MustParse("8b7c9e2a-1f3d-4c5b-a6e7-d8f901234567")
	archived := time.Date(2026, 3, 1, 23, 30, 0, 0, time.FixedZone("MSK", 3*3600))

	tests := []struct {
		name   string
		prefix string
		tr     Transcript
		want   string
	}{
		{
			name:   "dated by archive time in UTC",
			prefix: "transcripts/",
			tr:     Transcript{SessionID: id, CustomerID: "cust-1", ArchivedAt: archived},
			want:   "transcripts/cust-1/2026/03/01/8b7c9e2a-1f3d-4c5b-a6e7-d8f901234567.json",
		},
		{
			name: "no prefix and escaped customer",
			tr:   Transcript{SessionID: id, CustomerID: "tg/100", ArchivedAt: archived},
			want: "tg%2F100/2026/03/01/8b7c9e2a-1f3d-4c5b-a6e7-d8f901234567.json",
		},
		{
			name:   "falls back to open time",
			prefix: "/a/b/",
			tr:     Transcript{SessionID: id, CustomerID: "c", OpenedAt: time.Date(2025, 12, 31, 8, 0, 0, 0, time.UTC)},
			want:   "a/b/c/2025/12/31/8b7c9e2a-1f3d-4c5b-a6e7-d8f901234567.json",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TranscriptKey(tt.prefix, tt.tr))
		})
	}
}

func TestNewS3TranscriptArchiver_Validation(t *testing.T) {
	ctx := context.Background()

	_, err := NewS3TranscriptArchiver(ctx, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configuration is required")

	_, err = NewS3TranscriptArchiver(ctx, &config.ArchiveConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket is required")

	_, err = NewS3TranscriptArchiver(ctx, &config.ArchiveConfig{Bucket: "b", AccessKeyID: "only-id"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be set together")

	a, err := NewS3TranscriptArchiver(ctx, &config.ArchiveConfig{
		Bucket:          "transcripts",
		AccessKeyID:     "key",
		SecretAccessKey: "secret",
		Endpoint:        "localhost:9000",
	}, WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	assert.Equal(t, "transcripts", a.GetBucket())
}

// fakeS3 records the requests an S3 client sends in path-style mode
type fakeS3 struct {
	mu       sync.Mutex
	buckets  map[string]bool
	objects  map[string][]byte
	headers  map[string]http.Header
	putError int
}

func newFakeS3(t *testing.T) (*fakeS3, *httptest.Server) {
	t.Helper()
	f := &fakeS3{buckets: map[string]bool{}, objects: map[string][]byte{}, headers: map[string]http.Header{}}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	bucket, key, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, "/"), "/")
	switch {
	case key == "" && r.Method == http.MethodHead:
		if !f.buckets[bucket] {
			w.WriteHeader(http.StatusNotFound)
			return
		}
	case key == "" && r.Method == http.MethodPut:
		f.buckets[bucket] = true
	case r.Method == http.MethodPut:
		if f.putError != 0 {
			w.WriteHeader(f.putError)
			_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>AccessDenied</Code><Message>denied</Message></Error>`)
			return
		}
		body, _ := io.ReadAll(r.Body)
		f.objects[bucket+"/"+key] = body
		f.headers[bucket+"/"+key] = r.Header.Clone()
		w.Header().Set("ETag", `"etag"`)
	default:
		w.WriteHeader(http.StatusNotImplemented)
	}
}

func newTestArchiver(t *testing.T, srv *httptest.Server, log *zap.Logger) *S3TranscriptArchiver {
	t.Helper()
	a, err := NewS3TranscriptArchiver(context.Background(), &config.ArchiveConfig{
		Bucket:          "transcripts",
		Region:          "eu-central-1",
		Endpoint:        srv.URL,
		AccessKeyID:     "key",
		SecretAccessKey: "secret",
		Prefix:          "sessions",
		UsePathStyle:    true,
	}, WithLogger(log))
	require.NoError(t, err)
	return a
}

func TestS3TranscriptArchiver_EnsureBucket(t *testing.T) {
	fake, srv := newFakeS3(t)
	a := newTestArchiver(t, srv, zap.NewNop())

	require.NoError(t, a.EnsureBucket(context.Background()))
	fake.mu.Lock()
	assert.True(t, fake.buckets["transcripts"])
	fake.mu.Unlock()
	require.NoError(t, a.EnsureBucket(context.Background()), "existing bucket")
}

func TestS3TranscriptArchiver_ArchiveTranscript(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	fake, srv := newFakeS3(t)
	a := newTestArchiver(t, srv, zap.New(core))
	session, order := archivedSession(t)

	require.NoError(t, a.ArchiveTranscript(context.Background(), session, order))

	var body []byte
	var hdr http.Header
	fake.mu.Lock()
	for k, v := range fake.objects {
		if strings.HasPrefix(k, "transcripts/sessions/") && strings.HasSuffix(k, "/2026/03/01/"+session.ID.String()+".json") {
			body, hdr = v, fake.headers[k]
		}
	}
	fake.mu.Unlock()
	ok := body != nil
	require.True(t, ok, "transcript uploaded")
	assert.Equal(t, "application/json", hdr.Get("Content-Type"))
	assert.Equal(t, session.ID.String(), hdr.Get("X-Amz-Meta-Session-Id"))

	var tr Transcript
	require.NoError(t, json.Unmarshal(body, &tr))
	assert.Equal(t, session.ID, tr.SessionID)
	assert.Len(t, tr.Messages, 2)
	require.NotNil(t, tr.Order)
	assert.Equal(t, order.ID, tr.Order.ID)

	assert.Equal(t, 1, logs.FilterMessage("Transcript archived").Len())
}

func TestS3TranscriptArchiver_UploadFailureIsTransient(t *testing.T) {
	fake, srv := newFakeS3(t)
	fake.putError = http.StatusForbidden
	a := newTestArchiver(t, srv, zap.NewNop())
	session, order := archivedSession(t)

	err := a.ArchiveTranscript(context.Background(), session, order)
	require.Error(t, err)
	assert.True(t, sales.IsTransient(err))
	assert.Contains(t, err.Error(), "failed to upload transcript")

	assert.Error(t, a.ArchiveTranscript(context.Background(), nil, nil))
}

func TestLogTranscriptArchiver(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	a := NewLogTranscriptArchiver(zap.New(core))
	session, order := archivedSession(t)

	require.NoError(t, a.ArchiveTranscript(context.Background(), session, order))
	require.NoError(t, a.ArchiveTranscript(context.Background(), session, nil))

	entries := logs.FilterMessage("Transcript archived to log").All()
	require.Len(t, entries, 2)
	fields := entries[0].ContextMap()
	assert.Equal(t, order.ID.String(), fields["order_id"])
	assert.Equal(t, "CANCELLED", fields["order_state"])
	assert.Equal(t, int64(2), fields["messages"])
	assert.NotContains(t, entries[1].ContextMap(), "order_id")
}
