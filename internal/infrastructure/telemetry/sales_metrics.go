package telemetry

import (
	"context"
	"errors"
	"time"

	"github.com/salesflow/backend/internal/domain/sales"
	"github.com/salesflow/backend/internal/domain/shared"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// ErrMeterNil is returned when a nil meter is passed to NewSalesMetrics
var ErrMeterNil = errors.New("telemetry: meter cannot be nil")

// Order and session outcomes used as the "outcome" attribute
const (
	OutcomeFulfilled = "fulfilled"
	OutcomeCancelled = "cancelled"
	OutcomeEscalated = "escalated"
	OutcomeOpened    = "opened"
	OutcomeArchived  = "archived"
)

// SalesMetrics counts order lifecycle, payment and integration activity.
// It subscribes to the event bus for lifecycle counters; the payment webhook,
// port clients and CRM retry pool record the rest directly.
type SalesMetrics struct {
	logger *zap.Logger

	ordersCreated    *Counter
	orderTransitions *Counter
	ordersCompleted  *Counter
	orderValue       *Histogram
	paymentRequests  *Counter
	paymentEvents    *Counter
	sessions         *Counter
	portCalls        *Counter
	portCallDuration *Histogram
	crmSyncOutcomes  *Counter
}

// NewSalesMetrics creates the sales instruments on meter
func NewSalesMetrics(meter metric.Meter, logger *zap.Logger) (*SalesMetrics, error) {
	if meter == nil {
		return nil, ErrMeterNil
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &SalesMetrics{logger: logger}
	var err error
	counters := []struct {
		dst                     **Counter
		name, description, unit string
	}{
		{&m.ordersCreated, "salesflow_orders_created_total", "Order records opened from a conversation", "{order}"},
		{&m.orderTransitions, "salesflow_order_transitions_total", "Order state transitions by from/to state", "{transition}"},
		{&m.ordersCompleted, "salesflow_orders_completed_total", "Orders that reached a terminal state", "{order}"},
		{&m.paymentRequests, "salesflow_payment_requests_total", "Payment requests issued", "{request}"},
		{&m.paymentEvents, "salesflow_payment_events_total", "Payment confirmations by reconcile outcome", "{event}"},
		{&m.sessions, "salesflow_sessions_total", "Customer session lifecycle events", "{session}"},
		{&m.portCalls, "salesflow_port_calls_total", "Outbound port calls by port and outcome", "{call}"},
		{&m.crmSyncOutcomes, "salesflow_crm_sync_total", "CRM deal sync attempts by outcome", "{attempt}"},
	}
	for _, c := range counters {
		if *c.dst, err = NewCounter(meter, c.name, c.description, c.unit); err != nil {
			return nil, err
		}
	}

	if m.orderValue, err = NewHistogram(meter, HistogramOpts{
		Name:        "salesflow_order_value",
		Description: "Total of fulfilled orders in the order currency",
		Unit:        "{currency}",
		Boundaries:  []float64{500, 1000, 2500, 5000, 10000, 15000, 25000, 50000, 100000},
	}); err != nil {
		return nil, err
	}
	if m.portCallDuration, err = NewHistogram(meter, HistogramOpts{
		Name:        "salesflow_port_call_duration_seconds",
		Description: "Outbound port call latency in seconds",
		Unit:        "s",
		Boundaries:  PortDurationBuckets,
	}); err != nil {
		return nil, err
	}
	return m, nil
}

// Handle implements shared.EventHandler
func (m *SalesMetrics) Handle(ctx context.Context, event shared.DomainEvent) error {
	switch e := event.(type) {
	case *sales.OrderRecordCreatedEvent:
		m.ordersCreated.Inc(ctx)
	case *sales.OrderStateChangedEvent:
		m.orderTransitions.Inc(ctx,
			AttrFromState.String(string(e.From)),
			AttrToState.String(string(e.To)),
			AttrTrigger.String(e.Trigger),
		)
	case *sales.PaymentRequestedEvent:
		m.paymentRequests.Inc(ctx, AttrCurrency.String(e.Currency))
	case *sales.OrderFulfilledEvent:
		m.ordersCompleted.Inc(ctx, AttrOutcome.String(OutcomeFulfilled))
		m.orderValue.Record(ctx, e.Total.InexactFloat64())
	case *sales.OrderCancelledEvent:
		m.ordersCompleted.Inc(ctx, AttrOutcome.String(OutcomeCancelled))
	case *sales.OrderEscalatedEvent:
		m.ordersCompleted.Inc(ctx, AttrOutcome.String(OutcomeEscalated))
	case *sales.SessionOpenedEvent:
		m.sessions.Inc(ctx, AttrOutcome.String(OutcomeOpened))
	case *sales.SessionEscalatedEvent:
		m.sessions.Inc(ctx, AttrOutcome.String(OutcomeEscalated))
	case *sales.SessionArchivedEvent:
		m.sessions.Inc(ctx, AttrOutcome.String(OutcomeArchived))
	default:
		m.logger.Debug("Ignoring event for metrics", zap.String("event_type", event.EventType()))
	}
	return nil
}

// EventTypes implements shared.EventHandler
func (m *SalesMetrics) EventTypes() []string {
	return []string{
		sales.EventTypeOrderRecordCreated,
		sales.EventTypeOrderStateChanged,
		sales.EventTypePaymentRequested,
		sales.EventTypeOrderFulfilled,
		sales.EventTypeOrderCancelled,
		sales.EventTypeOrderEscalated,
		sales.EventTypeSessionOpened,
		sales.EventTypeSessionEscalated,
		sales.EventTypeSessionArchived,
	}
}

// RecordPaymentEvent counts a reconciled payment confirmation
func (m *SalesMetrics) RecordPaymentEvent(ctx context.Context, status string) {
	m.paymentEvents.Inc(ctx, AttrReconcileCode.String(status))
}

// ObservePortCall records one outbound call to an external port
func (m *SalesMetrics) ObservePortCall(ctx context.Context, port, outcome string, d time.Duration) {
	m.portCalls.Inc(ctx, AttrPort.String(port), AttrOutcome.String(outcome))
	m.portCallDuration.RecordDuration(ctx, d, AttrPort.String(port))
}

// RecordCRMSync counts a CRM retry pool attempt
func (m *SalesMetrics) RecordCRMSync(ctx context.Context, outcome string) {
	m.crmSyncOutcomes.Inc(ctx, AttrOutcome.String(outcome))
}

var _ shared.EventHandler = (*SalesMetrics)(nil)
