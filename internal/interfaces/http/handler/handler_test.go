package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/salesflow/backend/internal/application/automation"
	"github.com/salesflow/backend/internal/domain/sales"
	"github.com/salesflow/backend/internal/infrastructure/logger"
	"github.com/salesflow/backend/internal/interfaces/http/dto"
	"github.com/salesflow/backend/internal/interfaces/http/middleware"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
	middleware.SetupValidator()
}

type mockConversations struct {
	mock.Mock
}

func (m *mockConversations) HandleMessage(ctx context.Context, customerID, text string) (*automation.Outcome, error) {
	args := m.Called(ctx, customerID, text)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*automation.Outcome), args.Error(1)
}

func (m *mockConversations) Snapshot(ctx context.Context, customerID string) (*automation.Outcome, error) {
	args := m.Called(ctx, customerID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*automation.Outcome), args.Error(1)
}

func (m *mockConversations) AppendMessage(ctx context.Context, customerID string, turn sales.Turn) error {
	return m.Called(ctx, customerID, turn).Error(0)
}

func (m *mockConversations) Archive(ctx context.Context, customerID string) error {
	return m.Called(ctx, customerID).Error(0)
}

// newRouter builds a gin engine with the request-scoped middleware the
// handlers rely on
func newRouter() *gin.Engine {
	r := gin.New()
	r.Use(logger.RequestID(), logger.GinMiddleware(zap.NewNop()))
	return r
}

func doJSON(r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if s, ok := body.(string); ok {
		buf.WriteString(s)
	} else if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, data any) dto.Response {
	t.Helper()
	resp := dto.Response{Data: data}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp
}

func testSession(t *testing.T, customerID string) *sales.Session {
	t.Helper()
	s, err := sales.NewSession(customerID)
	require.NoError(t, err)
	return s
}

func testOrder(t *testing.T, session *sales.Session) *sales.OrderRecord {
	t.Helper()
	item, err := sales.NewOrderItem("sku-1", "Kettle", 2, decimal.NewFromInt(2500))
	require.NoError(t, err)
	o, err := sales.NewOrderRecord(session.ID, session.CustomerID, "RUB", []sales.OrderItem{item})
	require.NoError(t, err)
	return o
}
