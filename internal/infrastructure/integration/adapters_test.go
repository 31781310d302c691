package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/salesflow/backend/internal/domain/sales"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func clientFor(t *testing.T, port string, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(port, Endpoint{BaseURL: srv.URL, Timeout: time.Second}, zap.NewNop())
}

func TestCatalogClient_Search(t *testing.T) {
	c := NewCatalogClient(clientFor(t, "catalog", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/items/search", r.URL.Path)
		assert.Equal(t, "чайник", r.URL.Query().Get("q"))
		assert.Equal(t, "3000", r.URL.Query().Get("max_price"))
		_, _ = w.Write([]byte(`{"items":[
			{"item_id":"k-1","name":"Kettle","price":"2500"},
			{"item_id":"k-2","name":"Smart kettle","price":"4500"},
			{"item_id":"","name":"Broken","price":"100"},
			{"item_id":"k-3","name":"Glass kettle","price":"3000"}
		]}`))
	}))

	budget := decimal.NewFromInt(3000)
	items, err := c.Search(context.Background(), "чайник", &budget)

	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "k-1", items[0].ItemID)
	assert.Equal(t, "k-3", items[1].ItemID)
}

func TestCatalogClient_SearchWithoutBudget(t *testing.T) {
	c := NewCatalogClient(clientFor(t, "catalog", func(w http.ResponseWriter, r *http.Request) {
		assert.False(t, r.URL.Query().Has("max_price"))
		_, _ = w.Write([]byte(`{"items":[]}`))
	}))

	items, err := c.Search(context.Background(), "kettle", nil)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestShippingClient_Quote(t *testing.T) {
	expires := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewShippingClient(clientFor(t, "shipping", func(w http.ResponseWriter, r *http.Request) {
		var body quoteRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "630090", body.PostalCode)
		require.Len(t, body.Items, 1)
		assert.Equal(t, 2, body.Items[0].Quantity)
		_ = json.NewEncoder(w).Encode(quoteResponse{Cost: decimal.NewFromInt(400), Currency: "RUB", ExpiresAt: &expires})
	}))
	now := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	item, err := sales.NewOrderItem("k-1", "Kettle", 2, decimal.NewFromInt(2500))
	require.NoError(t, err)
	quote, err := s.Quote(context.Background(), sales.Address{PostalCode: "630090", City: "Новосибирск"}, []sales.OrderItem{item})

	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(400).Equal(quote.Cost))
	assert.True(t, quote.RawCost.Equal(quote.Cost))
	assert.Equal(t, "RUB", quote.Currency)
	assert.Equal(t, expires, quote.ExpiresAt)
	assert.Equal(t, now, quote.QuotedAt)
}

func TestShippingClient_QuoteErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"address rejected", http.StatusUnprocessableEntity, `{"message":"unknown postal code"}`, sales.ErrInvalidAddress},
		{"bad request", http.StatusBadRequest, `{}`, sales.ErrInvalidAddress},
		{"no route", http.StatusNotFound, `{}`, sales.ErrQuoteUnavailable},
		{"negative cost", http.StatusOK, `{"cost":"-1","currency":"RUB"}`, sales.ErrQuoteUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewShippingClient(clientFor(t, "shipping", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			_, err := s.Quote(context.Background(), sales.Address{PostalCode: "000000"}, nil)
			assert.ErrorIs(t, err, tt.want)
			assert.False(t, sales.IsTransient(err))
		})
	}
}

func TestShippingClient_QuoteTransient(t *testing.T) {
	s := NewShippingClient(clientFor(t, "shipping", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGatewayTimeout)
	}))
	_, err := s.Quote(context.Background(), sales.Address{PostalCode: "630090"}, nil)
	assert.True(t, sales.IsTransient(err))
}

func TestCRMClient_UpsertDeal(t *testing.T) {
	orderID := uuid.New()
	c := NewCRMClient(clientFor(t, "crm", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/deals/"+orderID.String(), r.URL.Path)
		var body dealRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "cust-1", body.CustomerID)
		assert.Equal(t, "630090, Новосибирск", body.Destination)
		assert.Equal(t, "p-1", body.TrackingReference)
		require.Len(t, body.Lines, 1)
		_, _ = w.Write([]byte(`{"deal_id":"D-100"}`))
	}))

	dealID, err := c.UpsertDeal(context.Background(), sales.OrderSummary{
		OrderID:           orderID,
		CustomerID:        "cust-1",
		Items:             []sales.OrderItem{{ItemID: "k-1", Name: "Kettle", Quantity: 1, UnitPrice: decimal.NewFromInt(2500)}},
		Destination:       &sales.Address{PostalCode: "630090", City: "Новосибирск"},
		ShippingCost:      decimal.NewFromInt(400),
		Total:             decimal.NewFromInt(2900),
		Currency:          "RUB",
		TrackingReference: "p-1",
	})

	require.NoError(t, err)
	assert.Equal(t, "D-100", dealID)
}

func TestCRMClient_UpsertDealErrors(t *testing.T) {
	down := NewCRMClient(clientFor(t, "crm", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	_, err := down.UpsertDeal(context.Background(), sales.OrderSummary{OrderID: uuid.New()})
	assert.ErrorIs(t, err, sales.ErrCRMUnavailable)
	assert.True(t, sales.IsTransient(err))

	empty := NewCRMClient(clientFor(t, "crm", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	_, err = empty.UpsertDeal(context.Background(), sales.OrderSummary{OrderID: uuid.New()})
	assert.ErrorIs(t, err, sales.ErrCRMUnavailable)
	assert.True(t, sales.IsTransient(err))
}

func TestEscalationAndNotifierClients(t *testing.T) {
	sessionID := uuid.New()
	var paths []string
	client := clientFor(t, "ops", func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "cust-1", body["customer_id"])
		switch r.URL.Path {
		case "/handoffs":
			assert.Equal(t, sessionID.String(), body["session_id"])
			assert.Equal(t, "customer asked for a human", body["reason"])
		case "/messages":
			assert.Equal(t, "Your order is paid", body["text"])
		}
	})

	require.NoError(t, NewEscalationClient(client).Handoff(context.Background(), sessionID, "cust-1", "customer asked for a human"))
	require.NoError(t, NewNotifierClient(client).Notify(context.Background(), "cust-1", "Your order is paid"))
	assert.Equal(t, []string{"/handoffs", "/messages"}, paths)
}

func TestInventoryClient_Lifecycle(t *testing.T) {
	orderID := uuid.New()
	var calls []string
	c := NewInventoryClient(clientFor(t, "inventory", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		calls = append(calls, r.URL.Path)
		switch r.URL.Path {
		case "/orders":
			assert.Equal(t, "reserve-"+orderID.String(), r.Header.Get("Idempotence-Key"))
			var body reserveRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, orderID, body.ExternalID)
			assert.Equal(t, "630090, Новосибирск", body.Destination)
			require.Len(t, body.Lines, 1)
			_, _ = w.Write([]byte(`{"order_id":"INV-7"}`))
		case "/orders/INV-7/payments":
			assert.Equal(t, "paid-p-1", r.Header.Get("Idempotence-Key"))
			var body paymentRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "p-1", body.PaymentReference)
			assert.True(t, decimal.NewFromInt(2900).Equal(body.Amount))
			w.WriteHeader(http.StatusNoContent)
		case "/orders/INV-7/release":
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "cancelled by customer", body["reason"])
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))

	ref, err := c.Reserve(context.Background(), sales.OrderSummary{
		OrderID:     orderID,
		CustomerID:  "cust-1",
		Items:       []sales.OrderItem{{ItemID: "k-1", Name: "Kettle", Quantity: 1, UnitPrice: decimal.NewFromInt(2500)}},
		Destination: &sales.Address{PostalCode: "630090", City: "Новосибирск"},
		Total:       decimal.NewFromInt(2900),
		Currency:    "RUB",
	})
	require.NoError(t, err)
	assert.Equal(t, "INV-7", ref)

	require.NoError(t, c.MarkPaid(context.Background(), ref, sales.InventoryPayment{
		TrackingReference: "p-1",
		Amount:            decimal.NewFromInt(2900),
		Currency:          "RUB",
	}))
	require.NoError(t, c.Release(context.Background(), ref, "cancelled by customer"))
	// gone already
	require.NoError(t, c.Release(context.Background(), "INV-404", "cancelled by customer"))

	assert.Equal(t, []string{"/orders", "/orders/INV-7/payments", "/orders/INV-7/release", "/orders/INV-404/release"}, calls)
}

func TestInventoryClient_Errors(t *testing.T) {
	down := NewInventoryClient(clientFor(t, "inventory", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	_, err := down.Reserve(context.Background(), sales.OrderSummary{OrderID: uuid.New()})
	require.Error(t, err)
	assert.True(t, sales.IsTransient(err))

	rejecting := NewInventoryClient(clientFor(t, "inventory", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"code":"out_of_stock","message":"k-1 is sold out"}`))
	}))
	_, err = rejecting.Reserve(context.Background(), sales.OrderSummary{OrderID: uuid.New()})
	assert.ErrorIs(t, err, sales.ErrInventoryRejected)
	assert.False(t, sales.IsTransient(err))

	err = rejecting.MarkPaid(context.Background(), "INV-1", sales.InventoryPayment{TrackingReference: "p-1"})
	assert.ErrorIs(t, err, sales.ErrInventoryRejected)

	empty := NewInventoryClient(clientFor(t, "inventory", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	_, err = empty.Reserve(context.Background(), sales.OrderSummary{OrderID: uuid.New()})
	assert.True(t, sales.IsTransient(err))
}
