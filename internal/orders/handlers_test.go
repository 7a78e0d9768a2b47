package orders

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/matheusmosca/checkout-saga/internal/platform/events"
)

func newTestRouter(t *testing.T) (*gin.Engine, *OrderUseCase, *testDeps) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	uc, deps := newTestUseCase(t)
	router := gin.New()
	NewOrderHandler(uc, zap.NewNop()).RegisterRoutes(router)
	return router, uc, deps
}

func doJSON(router http.Handler, method, path, userID string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set(userHeader, userID)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHandler_CheckoutRequiresUser(t *testing.T) {
	router, _, _ := newTestRouter(t)

	w := doJSON(router, http.MethodPost, "/api/orders/checkout", "", gin.H{
		"payment_method":   "card",
		"shipping_address": "1 Main St",
	})

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandler_CheckoutMapsInsufficientStockTo409(t *testing.T) {
	// Arrange
	router, _, deps := newTestRouter(t)
	deps.inventory.On("CheckAvailability", mock.Anything, mock.Anything).
		Return([]StockAvailability{{ProductID: "p-1", Requested: 5, Available: 1}}, nil)

	// Act
	w := doJSON(router, http.MethodPost, "/api/orders/checkout", "user-1", gin.H{
		"items":            []gin.H{{"product_id": "p-1", "quantity": 5, "unit_price": 1000}},
		"payment_method":   "card",
		"shipping_address": "1 Main St",
	})

	// Assert
	require.Equal(t, http.StatusConflict, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "insufficient_stock", body["code"])
	assert.Equal(t, "check_stock", body["step"])
}

func TestHandler_CheckoutCreatesOrder(t *testing.T) {
	// Arrange
	router, _, deps := newTestRouter(t)
	deps.inventory.On("CheckAvailability", mock.Anything, mock.Anything).Return(inStock("p-1"), nil)
	deps.inventory.On("Reserve", mock.Anything, mock.Anything).Return(reserveAll, nil)
	deps.payments.On("CreatePayment", mock.Anything, mock.Anything).
		Return(&PaymentSession{Success: true, TransactionID: "tx-1", PaymentURL: "https://pay/tx-1"}, nil)

	// Act
	w := doJSON(router, http.MethodPost, "/api/orders/checkout", "user-1", gin.H{
		"items":            []gin.H{{"product_id": "p-1", "quantity": 1, "unit_price": 1000}},
		"payment_method":   "card",
		"shipping_address": "1 Main St",
	})

	// Assert
	require.Equal(t, http.StatusCreated, w.Code)
	var result CheckoutResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, StatusPending, result.Status)
	assert.Equal(t, "https://pay/tx-1", result.PaymentURL)

	got := doJSON(router, http.MethodGet, "/api/orders/"+result.OrderID, "user-1", nil)
	assert.Equal(t, http.StatusOK, got.Code)
	hidden := doJSON(router, http.MethodGet, "/api/orders/"+result.OrderID, "user-2", nil)
	assert.Equal(t, http.StatusNotFound, hidden.Code)
}

func TestHandler_PaymentCallback(t *testing.T) {
	// Arrange
	router, _, deps := newTestRouter(t)
	order := seedPendingOrder(t, deps)
	deps.inventory.On("Commit", mock.Anything, order.ID).Return(&CommitStockResult{Committed: 1, StockSecured: true}, nil).Once()
	callback := gin.H{"order_id": order.ID, "transaction_id": "tx-1", "status": "success", "amount": order.TotalAmount}

	// Act
	first := doJSON(router, http.MethodPost, "/api/payments/callback", "", callback)
	duplicate := doJSON(router, http.MethodPost, "/api/payments/callback", "", callback)
	invalid := doJSON(router, http.MethodPost, "/api/payments/callback", "", gin.H{"order_id": order.ID, "status": "maybe"})

	// Assert
	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, http.StatusOK, duplicate.Code)
	assert.Equal(t, http.StatusBadRequest, invalid.Code)
	assert.Contains(t, first.Body.String(), string(StatusConfirmed))
	deps.inventory.AssertNumberOfCalls(t, "Commit", 1)
}

func TestHandler_CancelShippedOrderConflicts(t *testing.T) {
	// Arrange
	router, _, deps := newTestRouter(t)
	ctx := context.Background()
	order := seedPendingOrder(t, deps)
	for _, to := range []Status{StatusConfirmed, StatusProcessing, StatusShipped} {
		current, _ := deps.repo.GetOrder(ctx, order.ID)
		_, err := deps.repo.TransitionStatus(ctx, StatusChange{OrderID: order.ID, From: []Status{current.Status}, To: to}, nil)
		require.NoError(t, err)
	}

	// Act
	w := doJSON(router, http.MethodPost, "/api/orders/"+order.ID+"/cancel", "user-1", gin.H{"reason": "too late"})

	// Assert
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestEventHandler_DropsOutcomesThatCannotApply(t *testing.T) {
	// Arrange
	uc, deps := newTestUseCase(t)
	ctx := context.Background()
	order := seedPendingOrder(t, deps)
	handler := NewEventHandler(uc, zap.NewNop()).Router()

	expired, err := events.New(events.TypeReservationsExpired, order.ID, ReservationsExpired{OrderID: order.ID})
	require.NoError(t, err)
	late, err := events.New(events.TypePaymentSucceeded, order.ID, PaymentSuccess{OrderID: order.ID, TransactionID: "tx-1"})
	require.NoError(t, err)
	unknown, err := events.New(events.TypePaymentFailed, "missing", PaymentFailure{OrderID: "missing"})
	require.NoError(t, err)

	// Act
	expiredErr := handler.Handle(ctx, expired)
	lateErr := handler.Handle(ctx, late)
	unknownErr := handler.Handle(ctx, unknown)

	// Assert
	assert.NoError(t, expiredErr)
	assert.NoError(t, lateErr)
	assert.NoError(t, unknownErr)
	stored, _ := deps.repo.GetOrder(ctx, order.ID)
	assert.Equal(t, StatusCancelled, stored.Status)
	deps.inventory.AssertNotCalled(t, "Commit", mock.Anything, mock.Anything)
}

func TestEventHandler_RetriesWhenInventoryUnavailable(t *testing.T) {
	uc, deps := newTestUseCase(t)
	ctx := context.Background()
	order := seedPendingOrder(t, deps)
	deps.inventory.On("Commit", mock.Anything, order.ID).Return(nil, ErrUpstreamUnavailable)
	evt, err := events.New(events.TypePaymentSucceeded, order.ID, PaymentSuccess{OrderID: order.ID, TransactionID: "tx-1"})
	require.NoError(t, err)

	err = NewEventHandler(uc, zap.NewNop()).Router().Handle(ctx, evt)

	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
}
