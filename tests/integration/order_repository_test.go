package integration

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/salesflow/backend/internal/domain/sales"
	"github.com/salesflow/backend/internal/domain/shared"
	"github.com/salesflow/backend/internal/infrastructure/persistence"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newQuotedOrder(t *testing.T, customerID string) *sales.OrderRecord {
	t.Helper()
	item, err := sales.NewOrderItem("sku-1", "Kettle", 2, decimal.NewFromInt(4500))
	require.NoError(t, err)
	o, err := sales.NewOrderRecord(uuid.New(), customerID, "RUB", []sales.OrderItem{item})
	require.NoError(t, err)
	o.ClearDomainEvents()

	require.NoError(t, o.RequestAddress())
	addr, err := sales.NewAddress("101000", "Moscow", "Tverskaya 1")
	require.NoError(t, err)
	require.NoError(t, o.SetDestination(addr))
	require.NoError(t, o.ApplyQuote(sales.ShippingQuote{
		RawCost:  decimal.NewFromInt(500),
		Currency: "RUB",
	}, decimal.NewFromInt(15000)))
	return o
}

// TestOrderRecordRepository_Integration runs the order lifecycle against PostgreSQL
func TestOrderRecordRepository_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	testDB := NewTestDB(t)
	repo := persistence.NewGormOrderRecordRepository(testDB.DB)
	ctx := context.Background()

	t.Run("Payment lifecycle round trip", func(t *testing.T) {
		order := newQuotedOrder(t, "cust-int-1")
		reference := "pay-" + uuid.NewString()
		require.NoError(t, order.AttachPaymentRequest(sales.PaymentRequest{TrackingReference: reference}, time.Now().Add(30*time.Minute)))
		require.NoError(t, repo.Save(ctx, order))

		stored, err := repo.FindByPaymentReference(ctx, reference)
		require.NoError(t, err)
		assert.Equal(t, sales.StateAwaitingPayment, stored.State)
		assert.True(t, stored.Total.Equal(decimal.NewFromInt(9500)))
		require.NotNil(t, stored.Destination)
		assert.Equal(t, "Tverskaya 1", stored.Destination.Line)

		require.NoError(t, stored.ConfirmPayment(reference, "evt-int-1"))
		require.NoError(t, stored.MarkFulfilled())
		require.NoError(t, repo.Save(ctx, stored))

		final, err := repo.FindByID(ctx, order.ID)
		require.NoError(t, err)
		assert.Equal(t, sales.StateFulfilled, final.State)
		require.Len(t, final.Payments, 1)
		assert.Equal(t, sales.PaymentAttemptSucceeded, final.Payments[0].Status)
		assert.Len(t, final.Audit, len(stored.Audit))
		for i := 1; i < len(final.Audit); i++ {
			assert.False(t, final.Audit[i].At.Before(final.Audit[i-1].At), "audit trail is ordered")
		}
	})

	t.Run("Unknown order", func(t *testing.T) {
		_, err := repo.FindByID(ctx, uuid.New())
		assert.ErrorIs(t, err, shared.ErrNotFound)

		_, err = repo.FindByPaymentReference(ctx, "pay-missing")
		assert.ErrorIs(t, err, shared.ErrNotFound)
	})

	t.Run("Tracking reference is unique across orders", func(t *testing.T) {
		reference := "pay-" + uuid.NewString()
		deadline := time.Now().Add(time.Hour)

		a := newQuotedOrder(t, "cust-int-2")
		require.NoError(t, a.AttachPaymentRequest(sales.PaymentRequest{TrackingReference: reference}, deadline))
		require.NoError(t, repo.Save(ctx, a))

		b := newQuotedOrder(t, "cust-int-3")
		require.NoError(t, b.AttachPaymentRequest(sales.PaymentRequest{TrackingReference: reference}, deadline))
		assert.ErrorIs(t, repo.Save(ctx, b), shared.ErrAlreadyExists)
	})

	t.Run("Concurrent writers of one version", func(t *testing.T) {
		order := newQuotedOrder(t, "cust-int-4")
		require.NoError(t, repo.Save(ctx, order))

		const writers = 5
		copies := make([]*sales.OrderRecord, writers)
		for i := range copies {
			c, err := repo.FindByID(ctx, order.ID)
			require.NoError(t, err)
			copies[i] = c
		}

		var wg sync.WaitGroup
		errs := make([]error, writers)
		for i, c := range copies {
			wg.Add(1)
			go func(i int, c *sales.OrderRecord) {
				defer wg.Done()
				if err := c.Cancel(sales.CancelReasonCustomer); err != nil {
					errs[i] = err
					return
				}
				errs[i] = repo.Save(ctx, c)
			}(i, c)
		}
		wg.Wait()

		succeeded := 0
		for _, err := range errs {
			if err == nil {
				succeeded++
				continue
			}
			assert.ErrorIs(t, err, shared.ErrConcurrencyConflict)
		}
		assert.Equal(t, 1, succeeded, "exactly one writer wins")

		stored, err := repo.FindByID(ctx, order.ID)
		require.NoError(t, err)
		assert.Equal(t, sales.StateCancelled, stored.State)
		assert.Equal(t, order.Version+1, stored.Version)
	})
}

// TestOrderRecordRepository_Lists_Integration checks the sweep and review queries
func TestOrderRecordRepository_Lists_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	testDB := NewTestDB(t)
	repo := persistence.NewGormOrderRecordRepository(testDB.DB)
	ctx := context.Background()

	overdue := newQuotedOrder(t, "cust-list-1")
	require.NoError(t, overdue.AttachPaymentRequest(sales.PaymentRequest{TrackingReference: "pay-overdue"}, time.Now().Add(-time.Minute)))
	require.NoError(t, repo.Save(ctx, overdue))

	fresh := newQuotedOrder(t, "cust-list-2")
	require.NoError(t, fresh.AttachPaymentRequest(sales.PaymentRequest{TrackingReference: "pay-fresh"}, time.Now().Add(time.Hour)))
	require.NoError(t, repo.Save(ctx, fresh))

	pending := newQuotedOrder(t, "cust-list-3")
	require.NoError(t, pending.AttachPaymentRequest(sales.PaymentRequest{TrackingReference: "pay-crm"}, time.Now().Add(time.Hour)))
	require.NoError(t, pending.ConfirmPayment("pay-crm", "evt-crm"))
	require.NoError(t, pending.MarkFulfilled())
	pending.MarkCRMSyncPending("crm unavailable")
	require.NoError(t, repo.Save(ctx, pending))

	review := newQuotedOrder(t, "cust-list-4")
	review.FlagManualReview("payment_after_cancel", "paid after cancellation")
	require.NoError(t, repo.Save(ctx, review))

	awaiting, err := repo.ListAwaitingPaymentBefore(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, awaiting, 1)
	assert.Equal(t, overdue.ID, awaiting[0].ID)

	crm, err := repo.ListCRMPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, crm, 1)
	assert.Equal(t, pending.ID, crm[0].ID)

	flagged, err := repo.ListNeedingReview(ctx, 10)
	require.NoError(t, err)
	require.Len(t, flagged, 1)
	assert.Equal(t, review.ID, flagged[0].ID)
	assert.True(t, flagged[0].NeedsManualReview)

	testDB.CleanTables()
	awaiting, err = repo.ListAwaitingPaymentBefore(ctx, time.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, awaiting)
}

// TestSessionRepository_Integration covers the session log and archival
func TestSessionRepository_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	testDB := NewTestDB(t)
	repo := persistence.NewGormSessionRepository(testDB.DB)
	ctx := context.Background()

	session, err := sales.NewSession("cust-session-1")
	require.NoError(t, err)
	_, err = session.AppendTurn(sales.RoleCustomer, "do you ship to Kazan?", sales.IntentBrowse)
	require.NoError(t, err)
	session.LastActivityAt = time.Now().Add(-2 * time.Hour)
	require.NoError(t, repo.Save(ctx, session))

	active, err := repo.FindActiveByCustomer(ctx, "cust-session-1")
	require.NoError(t, err)
	require.Len(t, active.Messages, 1)

	idle, err := repo.ListIdle(ctx, time.Now().Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, idle, 1)

	require.NoError(t, idle[0].Archive(time.Now(), time.Hour, true))
	require.NoError(t, repo.Save(ctx, idle[0]))

	_, err = repo.FindActiveByCustomer(ctx, "cust-session-1")
	assert.ErrorIs(t, err, shared.ErrNotFound)

	// the copy read before archival is stale
	assert.ErrorIs(t, repo.Save(ctx, active), shared.ErrConcurrencyConflict)
}

// TestPaymentEventStores_Integration covers the durable idempotency store and
// the orphaned payment log
func TestPaymentEventStores_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	testDB := NewTestDB(t)
	ctx := context.Background()

	t.Run("One winner per event key", func(t *testing.T) {
		store := persistence.NewGormIdempotencyStore(testDB.DB)
		key := "pay-race:payment.succeeded"

		const deliveries = 8
		var (
			wg     sync.WaitGroup
			mu     sync.Mutex
			marked int
		)
		for i := 0; i < deliveries; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := store.MarkProcessed(ctx, key, time.Hour)
				assert.NoError(t, err)
				if ok {
					mu.Lock()
					marked++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, marked)

		processed, err := store.IsProcessed(ctx, key)
		require.NoError(t, err)
		assert.True(t, processed)

		purged, err := store.PurgeExpired(ctx)
		require.NoError(t, err)
		assert.Zero(t, purged)
	})

	t.Run("Orphaned confirmations are kept", func(t *testing.T) {
		orphans := persistence.NewGormOrphanedPaymentLog(testDB.DB)
		require.NoError(t, orphans.RecordOrphan(ctx, sales.PaymentConfirmation{
			TrackingReference: "pay-ghost",
			Status:            sales.PaymentStatusSucceeded,
			IdempotencyKey:    "evt-ghost",
			Amount:            decimal.NewFromInt(15000),
			Currency:          "RUB",
			ReceivedAt:        time.Now(),
		}))

		recent, err := orphans.Recent(ctx, 10)
		require.NoError(t, err)
		require.Len(t, recent, 1)
		assert.Equal(t, "pay-ghost", recent[0].TrackingReference)
		assert.True(t, recent[0].Amount.Equal(decimal.NewFromInt(15000)))
	})
}
