package automation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/salesflow/backend/internal/domain/sales"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestSweeper_RequeuesPendingCRMSync(t *testing.T) {
	h := newHarness(t)
	h.toAwaitingPayment(4500, "2", 500, 9500)
	h.crm.On("UpsertDeal", mock.Anything, mock.Anything).Return("", errors.New("crm: 500"))
	h.crmQueue.On("EnqueueCRMSync", mock.Anything, mock.Anything, testCustomer).Return(nil)

	_, err := h.reconciler.Reconcile(context.Background(), succeeded("pay-1", "evt-1"))
	require.NoError(t, err)
	orderID := h.order().ID

	sweeper := NewSweeper(h.orders, h.store, h.queue, h.crmQueue, h.clock, DefaultSweeperConfig(), nil)
	report, err := sweeper.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.CRMRequeued)
	assert.Zero(t, report.PaymentTimeouts)

	// Once by the engine, once by the sweep.
	h.crmQueue.AssertNumberOfCalls(t, "EnqueueCRMSync", 2)
	h.crmQueue.AssertCalled(t, "EnqueueCRMSync", mock.Anything, orderID, testCustomer)
}

func TestSweeper_ArchivesIdleSessionsWithTerminalOrders(t *testing.T) {
	h := newHarness(t)
	h.toAddressPending(4500, "1")

	sweeper := NewSweeper(h.orders, h.store, h.queue, nil, h.clock,
		SweeperConfig{BatchSize: 10, IdleTimeout: time.Hour}, nil)

	h.clock.Advance(2 * time.Hour)
	report, err := sweeper.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.ArchivedSessions, "order still in progress")

	h.says("cancel", sales.IntentCancel, nil)
	h.send("cancel")
	h.clock.Advance(2 * time.Hour)

	report, err = sweeper.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.ArchivedSessions)
}

func TestSweeper_TimeoutEventIsNoOpWhenPaymentResolved(t *testing.T) {
	h := newHarness(t)
	h.toAwaitingPayment(4500, "2", 500, 9500)
	h.crm.On("UpsertDeal", mock.Anything, mock.Anything).Return("deal-1", nil).Once()
	orderID := h.order().ID

	_, err := h.reconciler.Reconcile(context.Background(), succeeded("pay-1", "evt-1"))
	require.NoError(t, err)

	h.clock.Advance(time.Hour)
	out, err := h.queue.Submit(context.Background(), PaymentTimedOut{CustomerID: testCustomer, OrderID: orderID})
	require.NoError(t, err)
	assert.Equal(t, sales.StateFulfilled, out.Order.State)
	h.payment.AssertNotCalled(t, "CancelRequest", mock.Anything, mock.Anything)
}

func TestSweeper_TimeoutForUnknownOrderFails(t *testing.T) {
	h := newHarness(t)
	_, err := h.queue.Submit(context.Background(), PaymentTimedOut{CustomerID: testCustomer, OrderID: uuid.New()})
	assert.Error(t, err)
}
