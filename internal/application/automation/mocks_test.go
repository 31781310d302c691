package automation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/salesflow/backend/internal/domain/sales"
	"github.com/salesflow/backend/internal/infrastructure/cache"
	"github.com/salesflow/backend/internal/infrastructure/persistence/memory"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockClassifier is a mock implementation of sales.IntentClassifier
type MockClassifier struct {
	mock.Mock
}

func (m *MockClassifier) Classify(ctx context.Context, history []sales.Turn, latest string) (sales.Classification, error) {
	args := m.Called(ctx, history, latest)
	return args.Get(0).(sales.Classification), args.Error(1)
}

// MockCatalog is a mock implementation of sales.CatalogLookup
type MockCatalog struct {
	mock.Mock
}

func (m *MockCatalog) Search(ctx context.Context, query string, maxPrice *decimal.Decimal) ([]sales.CatalogItem, error) {
	args := m.Called(ctx, query, maxPrice)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]sales.CatalogItem), args.Error(1)
}

// MockShipping is a mock implementation of sales.ShippingQuoter
type MockShipping struct {
	mock.Mock
}

func (m *MockShipping) Quote(ctx context.Context, destination sales.Address, items []sales.OrderItem) (sales.ShippingQuote, error) {
	args := m.Called(ctx, destination, items)
	return args.Get(0).(sales.ShippingQuote), args.Error(1)
}

// MockPayment is a mock implementation of sales.PaymentGateway
type MockPayment struct {
	mock.Mock
}

func (m *MockPayment) CreateRequest(ctx context.Context, input sales.CreatePaymentInput) (sales.PaymentRequest, error) {
	args := m.Called(ctx, input)
	return args.Get(0).(sales.PaymentRequest), args.Error(1)
}

func (m *MockPayment) CancelRequest(ctx context.Context, trackingReference string) error {
	args := m.Called(ctx, trackingReference)
	return args.Error(0)
}

// MockCRM is a mock implementation of sales.CRMSync
type MockCRM struct {
	mock.Mock
}

func (m *MockCRM) UpsertDeal(ctx context.Context, summary sales.OrderSummary) (string, error) {
	args := m.Called(ctx, summary)
	return args.String(0), args.Error(1)
}

// MockEscalation is a mock implementation of sales.Escalation
type MockEscalation struct {
	mock.Mock
}

func (m *MockEscalation) Handoff(ctx context.Context, sessionID uuid.UUID, customerID, reason string) error {
	args := m.Called(ctx, sessionID, customerID, reason)
	return args.Error(0)
}

// MockNotifier is a mock implementation of sales.CustomerNotifier
type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) Notify(ctx context.Context, customerID, text string) error {
	args := m.Called(ctx, customerID, text)
	return args.Error(0)
}

// MockCRMQueue is a mock implementation of sales.CRMRetryQueue
type MockCRMQueue struct {
	mock.Mock
}

func (m *MockCRMQueue) EnqueueCRMSync(ctx context.Context, orderID uuid.UUID, customerID string) error {
	args := m.Called(ctx, orderID, customerID)
	return args.Error(0)
}

// MockInventory is a mock implementation of sales.InventorySync
type MockInventory struct {
	mock.Mock
}

func (m *MockInventory) Reserve(ctx context.Context, summary sales.OrderSummary) (string, error) {
	args := m.Called(ctx, summary)
	return args.String(0), args.Error(1)
}

func (m *MockInventory) MarkPaid(ctx context.Context, reference string, payment sales.InventoryPayment) error {
	args := m.Called(ctx, reference, payment)
	return args.Error(0)
}

func (m *MockInventory) Release(ctx context.Context, reference, reason string) error {
	args := m.Called(ctx, reference, reason)
	return args.Error(0)
}

// inlineCRMQueue starts the CRM retry job as soon as it is enqueued
type inlineCRMQueue struct {
	retry *CRMReconciler
	done  chan error
}

func (q *inlineCRMQueue) EnqueueCRMSync(ctx context.Context, orderID uuid.UUID, customerID string) error {
	go func() {
		q.done <- q.retry.SyncDeal(context.Background(), orderID)
	}()
	return nil
}

// slowOrderRepository delays every save
type slowOrderRepository struct {
	*memory.OrderRecordRepository
	delay time.Duration
}

func (r slowOrderRepository) Save(ctx context.Context, order *sales.OrderRecord) error {
	time.Sleep(r.delay)
	return r.OrderRecordRepository.Save(ctx, order)
}

// fakeClock is a settable sales.Clock
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Now()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

const testCustomer = "tg:1001"

// harness wires an engine, queue and context store over in-memory repositories
// and mocked ports
type harness struct {
	t          *testing.T
	engine     *Engine
	queue      *SessionQueue
	store      *ContextStore
	reconciler *PaymentReconciler
	sessions   *memory.SessionRepository
	orders     *memory.OrderRecordRepository
	orphans    *memory.OrphanedPaymentLog
	processed  *cache.InMemoryIdempotencyStore
	clock      *fakeClock

	classifier *MockClassifier
	catalog    *MockCatalog
	shipping   *MockShipping
	payment    *MockPayment
	crm        *MockCRM
	escalation *MockEscalation
	notifier   *MockNotifier
	crmQueue   *MockCRMQueue
	inventory  *MockInventory
}

func fastRetry() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		PortTimeout: time.Second,
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:          t,
		sessions:   memory.NewSessionRepository(),
		orders:     memory.NewOrderRecordRepository(),
		orphans:    memory.NewOrphanedPaymentLog(),
		processed:  cache.NewInMemoryIdempotencyStore(time.Hour),
		clock:      newFakeClock(),
		classifier: new(MockClassifier),
		catalog:    new(MockCatalog),
		shipping:   new(MockShipping),
		payment:    new(MockPayment),
		crm:        new(MockCRM),
		escalation: new(MockEscalation),
		notifier:   new(MockNotifier),
		crmQueue:   new(MockCRMQueue),
		inventory:  new(MockInventory),
	}
	h.notifier.On("Notify", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()

	cfg := DefaultEngineConfig()
	cfg.Retry = fastRetry()

	h.engine = NewEngine(EngineDeps{
		Sessions: h.sessions,
		Orders:   h.orders,
		Ports: Ports{
			Classifier: h.classifier,
			Catalog:    h.catalog,
			Shipping:   h.shipping,
			Payment:    h.payment,
			CRM:        h.crm,
			Escalation: h.escalation,
			Notifier:   h.notifier,
			CRMQueue:   h.crmQueue,
		},
		Config: cfg,
		Clock:  h.clock,
	})
	h.queue = NewSessionQueue(h.engine, func(text string) bool { return text == "cancel" },
		DefaultSessionQueueConfig(), nil)
	h.engine.SetCancelSignal(h.queue)
	h.store = NewContextStore(h.queue, h.sessions, h.clock, nil)
	h.reconciler = NewPaymentReconciler(h.orders, h.processed, h.orphans, h.queue,
		ReconcilerConfig{WaitAttempts: 3, WaitInterval: 5 * time.Millisecond, KeyTTL: time.Hour}, nil)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.queue.Stop(ctx)
		_ = h.processed.Close()
	})
	return h
}

// withInventory wires the inventory port, which the other flows leave out
func (h *harness) withInventory() {
	h.engine.ports.Inventory = h.inventory
}

// says scripts the classifier's reading of text
func (h *harness) says(text string, kind sales.IntentKind, slots map[string]string) {
	h.classifier.On("Classify", mock.Anything, mock.Anything, text).
		Return(sales.Classification{Kind: kind, Slots: slots, Confidence: 0.9}, nil)
}

// send delivers a customer message and requires it to be applied
func (h *harness) send(text string) *Outcome {
	h.t.Helper()
	out, err := h.store.HandleMessage(context.Background(), testCustomer, text)
	require.NoError(h.t, err)
	return out
}

func (h *harness) order() *sales.OrderRecord {
	h.t.Helper()
	out, err := h.store.Snapshot(context.Background(), testCustomer)
	require.NoError(h.t, err)
	require.NotNil(h.t, out.Order, "expected an active order record")
	return out.Order
}

func catalogItems(prices ...int64) []sales.CatalogItem {
	items := make([]sales.CatalogItem, len(prices))
	for i, p := range prices {
		items[i] = sales.CatalogItem{
			ItemID: "sku-" + string(rune('a'+i)),
			Name:   "Sneakers " + string(rune('A'+i)),
			Price:  decimal.NewFromInt(p),
		}
	}
	return items
}

func paymentFor(total int64) interface{} {
	return mock.MatchedBy(func(in sales.CreatePaymentInput) bool {
		return in.Amount.Equal(decimal.NewFromInt(total))
	})
}

// toItemSelected browses and picks the first suggestion, quantity times
func (h *harness) toItemSelected(price int64, quantity string) {
	h.t.Helper()
	h.says("show sneakers", sales.IntentBrowse, map[string]string{sales.SlotQuery: "sneakers"})
	h.catalog.On("Search", mock.Anything, "sneakers", mock.Anything).Return(catalogItems(price, price+1000), nil)
	h.says("the first one", sales.IntentSelectItem, map[string]string{sales.SlotSelection: "1", sales.SlotQuantity: quantity})

	h.send("show sneakers")
	out := h.send("the first one")
	require.NotNil(h.t, out.Order)
	require.Equal(h.t, sales.StateItemSelected, out.Order.State)
}

func (h *harness) toAddressPending(price int64, quantity string) {
	h.t.Helper()
	h.toItemSelected(price, quantity)
	h.says("yes", sales.IntentConfirm, nil)
	out := h.send("yes")
	require.Equal(h.t, sales.StateAddressPending, out.Order.State)
}

var testAddressSlots = map[string]string{
	sales.SlotPostalCode: "101000",
	sales.SlotCity:       "Moscow",
	sales.SlotAddress:    "Tverskaya 1",
}

func (h *harness) toQuoteReady(price int64, quantity string, shippingCost int64) {
	h.t.Helper()
	h.toAddressPending(price, quantity)
	h.says("101000 Moscow Tverskaya 1", sales.IntentProvideAddress, testAddressSlots)
	h.shipping.On("Quote", mock.Anything, mock.Anything, mock.Anything).
		Return(sales.ShippingQuote{RawCost: decimal.NewFromInt(shippingCost), Currency: "RUB"}, nil).Once()
	out := h.send("101000 Moscow Tverskaya 1")
	require.Equal(h.t, sales.StateQuoteReady, out.Order.State)
}

func (h *harness) toAwaitingPayment(price int64, quantity string, shippingCost, total int64) {
	h.t.Helper()
	h.toQuoteReady(price, quantity, shippingCost)
	h.payment.On("CreateRequest", mock.Anything, paymentFor(total)).
		Return(sales.PaymentRequest{TrackingReference: "pay-1", ConfirmationURL: "https://pay.example/pay-1"}, nil).Once()
	out := h.send("yes")
	require.Equal(h.t, sales.StateAwaitingPayment, out.Order.State)
}

func succeeded(reference, key string) sales.PaymentConfirmation {
	return sales.PaymentConfirmation{
		TrackingReference: reference,
		Status:            sales.PaymentStatusSucceeded,
		IdempotencyKey:    key,
	}
}
