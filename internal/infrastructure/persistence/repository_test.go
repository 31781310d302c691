package persistence

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/salesflow/backend/internal/domain/sales"
	"github.com/salesflow/backend/internal/domain/shared"
	"github.com/salesflow/backend/internal/infrastructure/config"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// newMockGorm opens GORM over a sqlmock connection with the postgres dialect
func newMockGorm(t *testing.T) (*gorm.DB, sqlmock.Sqlmock, *sql.DB) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)

	dialector := postgres.New(postgres.Config{
		Conn:       mockDB,
		DriverName: "postgres",
	})
	gormDB, err := gorm.Open(dialector, &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	return gormDB, mock, mockDB
}

// newSQLiteDatabase opens a migrated in-memory SQLite database
func newSQLiteDatabase(t *testing.T) *Database {
	t.Helper()
	db, err := NewDatabaseWithCustomLogger(&config.DatabaseConfig{
		Driver:      "sqlite",
		Path:        ":memory:",
		AutoMigrate: true,
	}, gormlogger.Default.LogMode(gormlogger.Silent))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTestOrder(t *testing.T, sessionID uuid.UUID) *sales.OrderRecord {
	t.Helper()
	item, err := sales.NewOrderItem("sku-1", "Kettle", 2, decimal.NewFromInt(4500))
	require.NoError(t, err)
	o, err := sales.NewOrderRecord(sessionID, "cust-1", "RUB", []sales.OrderItem{item})
	require.NoError(t, err)
	o.ClearDomainEvents()
	return o
}

func quoteOrder(t *testing.T, o *sales.OrderRecord) {
	t.Helper()
	require.NoError(t, o.RequestAddress())
	addr, err := sales.NewAddress("101000", "Moscow", "")
	require.NoError(t, err)
	require.NoError(t, o.SetDestination(addr))
	require.NoError(t, o.ApplyQuote(sales.ShippingQuote{
		RawCost:  decimal.NewFromInt(500),
		Currency: "RUB",
	}, decimal.NewFromInt(15000)))
}

func TestGormOrderRecordRepository_FindByID_NotFound(t *testing.T) {
	db, mock, mockDB := newMockGorm(t)
	defer mockDB.Close()
	repo := NewGormOrderRecordRepository(db)

	id := uuid.New()
	mock.ExpectQuery(`SELECT \* FROM "order_records" WHERE id = \$1 ORDER BY .* LIMIT .*`).
		WithArgs(id, 1).
		WillReturnError(gorm.ErrRecordNotFound)

	order, err := repo.FindByID(context.Background(), id)

	assert.Nil(t, order)
	assert.ErrorIs(t, err, shared.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormOrderRecordRepository_FindByPaymentReference_NotFound(t *testing.T) {
	db, mock, mockDB := newMockGorm(t)
	defer mockDB.Close()
	repo := NewGormOrderRecordRepository(db)

	mock.ExpectQuery(`SELECT "order_id" FROM "payment_attempts" WHERE tracking_reference = \$1`).
		WithArgs("pay-unknown", 1).
		WillReturnRows(sqlmock.NewRows([]string{"order_id"}))

	order, err := repo.FindByPaymentReference(context.Background(), "pay-unknown")

	assert.Nil(t, order)
	assert.ErrorIs(t, err, shared.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormOrderRecordRepository_Save_VersionMismatch(t *testing.T) {
	db, mock, mockDB := newMockGorm(t)
	defer mockDB.Close()
	repo := NewGormOrderRecordRepository(db)
	order := newTestOrder(t, uuid.New())

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT "version" FROM "order_records" WHERE id = \$1`).
		WithArgs(order.ID).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(order.Version + 1))
	mock.ExpectRollback()

	err := repo.Save(context.Background(), order)

	assert.ErrorIs(t, err, shared.ErrConcurrencyConflict)
	assert.Equal(t, 1, order.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormOrderRecordRepository_Save_LostUpdate(t *testing.T) {
	db, mock, mockDB := newMockGorm(t)
	defer mockDB.Close()
	repo := NewGormOrderRecordRepository(db)
	order := newTestOrder(t, uuid.New())

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT "version" FROM "order_records" WHERE id = \$1`).
		WithArgs(order.ID).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(order.Version))
	mock.ExpectExec(`UPDATE "order_records" SET .* WHERE id = \$\d+ AND version = \$\d+`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := repo.Save(context.Background(), order)

	assert.ErrorIs(t, err, shared.ErrConcurrencyConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormOrderRecordRepository_RoundTrip(t *testing.T) {
	db := newSQLiteDatabase(t)
	repo := NewGormOrderRecordRepository(db.DB)
	ctx := context.Background()

	order := newTestOrder(t, uuid.New())
	require.NoError(t, repo.Save(ctx, order))
	assert.Equal(t, 1, order.Version)

	quoteOrder(t, order)
	deadline := time.Now().Add(30 * time.Minute)
	require.NoError(t, order.AttachPaymentRequest(sales.PaymentRequest{TrackingReference: "pay-1"}, deadline))
	order.RecordReservation("inv-1")
	require.NoError(t, repo.Save(ctx, order))
	assert.Equal(t, 2, order.Version)

	stored, err := repo.FindByPaymentReference(ctx, "pay-1")
	require.NoError(t, err)
	assert.Equal(t, order.ID, stored.ID)
	assert.Equal(t, sales.StateAwaitingPayment, stored.State)
	assert.Equal(t, 2, stored.Version)
	assert.True(t, stored.Total.Equal(decimal.NewFromInt(9500)))
	require.Len(t, stored.Items, 1)
	assert.Equal(t, 2, stored.Items[0].Quantity)
	assert.Len(t, stored.Audit, len(order.Audit))
	assert.Equal(t, sales.TriggerReserved, stored.Audit[len(stored.Audit)-1].Trigger)
	require.NotNil(t, stored.InventoryReference)
	assert.Equal(t, "inv-1", *stored.InventoryReference)

	require.NoError(t, stored.ConfirmPayment("pay-1", "evt-1"))
	require.NoError(t, repo.Save(ctx, stored))

	again, err := repo.FindByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, sales.StatePaymentConfirmed, again.State)
	require.Len(t, again.Payments, 1)
	assert.Equal(t, sales.PaymentAttemptSucceeded, again.Payments[0].Status)
	assert.Equal(t, "evt-1", again.Payments[0].IdempotencyKey)
	assert.Nil(t, again.PaymentReference)
	require.NotNil(t, again.InventoryReference)

	again.ReleaseReservation("refunded")
	require.NoError(t, repo.Save(ctx, again))
	released, err := repo.FindByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Nil(t, released.InventoryReference)
}

func TestGormOrderRecordRepository_StaleWriteRejected(t *testing.T) {
	db := newSQLiteDatabase(t)
	repo := NewGormOrderRecordRepository(db.DB)
	ctx := context.Background()

	order := newTestOrder(t, uuid.New())
	require.NoError(t, repo.Save(ctx, order))

	first, err := repo.FindByID(ctx, order.ID)
	require.NoError(t, err)
	second, err := repo.FindByID(ctx, order.ID)
	require.NoError(t, err)

	require.NoError(t, first.Cancel(sales.CancelReasonCustomer))
	require.NoError(t, repo.Save(ctx, first))

	require.NoError(t, second.RequestAddress())
	assert.ErrorIs(t, repo.Save(ctx, second), shared.ErrConcurrencyConflict)

	stored, err := repo.FindByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, sales.StateCancelled, stored.State)
}

func TestGormOrderRecordRepository_ReferenceBelongsToOneOrder(t *testing.T) {
	db := newSQLiteDatabase(t)
	repo := NewGormOrderRecordRepository(db.DB)
	ctx := context.Background()
	deadline := time.Now().Add(time.Hour)

	a := newTestOrder(t, uuid.New())
	quoteOrder(t, a)
	require.NoError(t, a.AttachPaymentRequest(sales.PaymentRequest{TrackingReference: "pay-dup"}, deadline))
	require.NoError(t, repo.Save(ctx, a))

	b := newTestOrder(t, uuid.New())
	quoteOrder(t, b)
	require.NoError(t, b.AttachPaymentRequest(sales.PaymentRequest{TrackingReference: "pay-dup"}, deadline))

	assert.ErrorIs(t, repo.Save(ctx, b), shared.ErrAlreadyExists)
}

func TestGormOrderRecordRepository_Lists(t *testing.T) {
	db := newSQLiteDatabase(t)
	repo := NewGormOrderRecordRepository(db.DB)
	ctx := context.Background()

	overdue := newTestOrder(t, uuid.New())
	quoteOrder(t, overdue)
	require.NoError(t, overdue.AttachPaymentRequest(sales.PaymentRequest{TrackingReference: "pay-old"}, time.Now().Add(-time.Minute)))
	require.NoError(t, repo.Save(ctx, overdue))

	fresh := newTestOrder(t, uuid.New())
	quoteOrder(t, fresh)
	require.NoError(t, fresh.AttachPaymentRequest(sales.PaymentRequest{TrackingReference: "pay-new"}, time.Now().Add(time.Hour)))
	require.NoError(t, repo.Save(ctx, fresh))

	pending := newTestOrder(t, uuid.New())
	quoteOrder(t, pending)
	require.NoError(t, pending.AttachPaymentRequest(sales.PaymentRequest{TrackingReference: "pay-crm"}, time.Now().Add(time.Hour)))
	require.NoError(t, pending.ConfirmPayment("pay-crm", "evt-crm"))
	require.NoError(t, pending.MarkFulfilled())
	pending.MarkCRMSyncPending("crm down")
	require.NoError(t, repo.Save(ctx, pending))

	awaiting, err := repo.ListAwaitingPaymentBefore(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, awaiting, 1)
	assert.Equal(t, overdue.ID, awaiting[0].ID)

	crm, err := repo.ListCRMPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, crm, 1)
	assert.Equal(t, pending.ID, crm[0].ID)
}

func TestGormOrderRecordRepository_ListNeedingReviewNewestFirst(t *testing.T) {
	db := newSQLiteDatabase(t)
	repo := NewGormOrderRecordRepository(db.DB)
	ctx := context.Background()

	orders := make([]*sales.OrderRecord, 3)
	for i := range orders {
		orders[i] = newTestOrder(t, uuid.New())
		require.NoError(t, repo.Save(ctx, orders[i]))
		time.Sleep(5 * time.Millisecond)
	}

	// flagged in a different order than they were created
	for _, i := range []int{2, 0, 1} {
		orders[i].FlagManualReview(sales.TriggerManualFollowUp, "check")
		require.NoError(t, repo.Save(ctx, orders[i]))
		time.Sleep(5 * time.Millisecond)
	}

	flagged, err := repo.ListNeedingReview(ctx, 2)
	require.NoError(t, err)
	require.Len(t, flagged, 2)
	assert.Equal(t, orders[1].ID, flagged[0].ID)
	assert.Equal(t, orders[0].ID, flagged[1].ID)
}

func TestGormSessionRepository_SaveAppendsMessages(t *testing.T) {
	db := newSQLiteDatabase(t)
	repo := NewGormSessionRepository(db.DB)
	ctx := context.Background()

	session, err := sales.NewSession("cust-7")
	require.NoError(t, err)
	_, err = session.AppendTurn(sales.RoleCustomer, "hello", sales.IntentBrowse)
	require.NoError(t, err)
	require.NoError(t, repo.Save(ctx, session))

	loaded, err := repo.FindActiveByCustomer(ctx, "cust-7")
	require.NoError(t, err)
	require.Len(t, loaded.Messages, 1)

	_, err = loaded.AppendTurn(sales.RoleSystem, "here are kettles", sales.IntentUnknown)
	require.NoError(t, err)
	require.NoError(t, repo.Save(ctx, loaded))
	assert.Equal(t, 2, loaded.Version)

	again, err := repo.FindByID(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, again.Messages, 2)
	assert.Equal(t, "hello", again.Messages[0].Text)
	assert.Equal(t, sales.RoleSystem, again.Messages[1].Role)

	// the stale copy can no longer be written
	assert.ErrorIs(t, repo.Save(ctx, session), shared.ErrConcurrencyConflict)
}

func TestGormSessionRepository_ArchivedIsNotActive(t *testing.T) {
	db := newSQLiteDatabase(t)
	repo := NewGormSessionRepository(db.DB)
	ctx := context.Background()

	session, err := sales.NewSession("cust-8")
	require.NoError(t, err)
	session.LastActivityAt = time.Now().Add(-2 * time.Hour)
	require.NoError(t, repo.Save(ctx, session))

	idle, err := repo.ListIdle(ctx, time.Now().Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, idle, 1)

	require.NoError(t, idle[0].Archive(time.Now(), time.Hour, true))
	require.NoError(t, repo.Save(ctx, idle[0]))

	_, err = repo.FindActiveByCustomer(ctx, "cust-8")
	assert.ErrorIs(t, err, shared.ErrNotFound)
	archived, err := repo.FindByID(ctx, session.ID)
	require.NoError(t, err)
	assert.True(t, archived.IsArchived())

	idle, err = repo.ListIdle(ctx, time.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, idle)
}

func TestGormIdempotencyStore(t *testing.T) {
	db := newSQLiteDatabase(t)
	store := NewGormIdempotencyStore(db.DB)
	ctx := context.Background()

	marked, err := store.MarkProcessed(ctx, "evt-1", time.Hour)
	require.NoError(t, err)
	assert.True(t, marked)

	marked, err = store.MarkProcessed(ctx, "evt-1", time.Hour)
	require.NoError(t, err)
	assert.False(t, marked)

	processed, err := store.IsProcessed(ctx, "evt-1")
	require.NoError(t, err)
	assert.True(t, processed)

	require.NoError(t, store.Release(ctx, "evt-1"))
	marked, err = store.MarkProcessed(ctx, "evt-1", time.Hour)
	require.NoError(t, err)
	assert.True(t, marked)

	t.Run("expired key is taken over", func(t *testing.T) {
		marked, err := store.MarkProcessed(ctx, "evt-2", time.Minute)
		require.NoError(t, err)
		require.True(t, marked)

		store.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
		defer func() { store.now = time.Now }()

		processed, err := store.IsProcessed(ctx, "evt-2")
		require.NoError(t, err)
		assert.False(t, processed)

		marked, err = store.MarkProcessed(ctx, "evt-2", time.Minute)
		require.NoError(t, err)
		assert.True(t, marked)

		purged, err := store.PurgeExpired(ctx)
		require.NoError(t, err)
		assert.Zero(t, purged)
	})
}

func TestGormOrphanedPaymentLog(t *testing.T) {
	db := newSQLiteDatabase(t)
	log := NewGormOrphanedPaymentLog(db.DB)
	ctx := context.Background()

	require.NoError(t, log.RecordOrphan(ctx, sales.PaymentConfirmation{
		TrackingReference: "pay-ghost",
		Status:            sales.PaymentStatusSucceeded,
		IdempotencyKey:    "evt-ghost",
		Amount:            decimal.NewFromInt(1200),
		Currency:          "RUB",
		ReceivedAt:        time.Now(),
	}))

	recent, err := log.Recent(ctx, 5)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "pay-ghost", recent[0].TrackingReference)
	assert.True(t, recent[0].Amount.Equal(decimal.NewFromInt(1200)))
}
