package inventory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/matheusmosca/checkout-saga/internal/platform/config"
	"github.com/matheusmosca/checkout-saga/internal/platform/events"
)

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, topic string, evt events.Event) error {
	args := m.Called(ctx, topic, evt)
	return args.Error(0)
}

func (m *MockPublisher) Close() error { return nil }

func newTestUseCase(t *testing.T) (*InventoryUseCase, *MemoryInventoryRepository, *MockPublisher) {
	t.Helper()
	repo := NewMemoryInventoryRepository()
	publisher := new(MockPublisher)
	uc := NewInventoryUseCase(repo, publisher, noop.NewTracerProvider().Tracer("test"), zap.NewNop(), 15*time.Minute)
	return uc, repo, publisher
}

func seedItem(t *testing.T, uc *InventoryUseCase, productID string, onHand int) *Item {
	t.Helper()
	item, err := uc.ImportStock(context.Background(), ImportRequest{
		ProductID:   productID,
		WarehouseID: "wh-1",
		Quantity:    onHand,
	})
	require.NoError(t, err)
	return item
}

func TestReserve_FullStockThenSweepRestoresAvailability(t *testing.T) {
	// Arrange
	uc, repo, publisher := newTestUseCase(t)
	item := seedItem(t, uc, "p-1", 5)
	ctx := context.Background()
	publisher.On("Publish", mock.Anything, config.InventoryTopic, mock.MatchedBy(func(evt events.Event) bool {
		return evt.Type == events.TypeReservationsExpired && evt.OrderID == "order-1"
	})).Return(nil).Once()

	// Act
	first, err := uc.Reserve(ctx, ReserveRequest{OrderID: "order-1", Items: []Line{{ProductID: "p-1", Quantity: 5}}})
	require.NoError(t, err)
	afterReserve, _ := repo.GetItem(ctx, item.ID)

	_, secondErr := uc.Reserve(ctx, ReserveRequest{OrderID: "order-2", Items: []Line{{ProductID: "p-1", Quantity: 1}}})

	uc.now = func() time.Time { return time.Now().Add(16 * time.Minute) }
	expired, sweepErr := uc.ExpireSweep(ctx)

	// Assert
	assert.Len(t, first.Reservations, 1)
	assert.Equal(t, 0, afterReserve.Available())
	assert.ErrorIs(t, secondErr, ErrInsufficientStock)

	require.NoError(t, sweepErr)
	assert.Equal(t, 1, expired)
	afterSweep, _ := repo.GetItem(ctx, item.ID)
	assert.Equal(t, 5, afterSweep.Available())
	assert.Equal(t, 0, afterSweep.ReservedQuantity)

	reservations, _ := uc.ListReservations(ctx, "order-1")
	require.Len(t, reservations, 1)
	assert.Equal(t, ReservationExpired, reservations[0].Status)
	publisher.AssertExpectations(t)
}

func TestReserve_NoOversellUnderConcurrency(t *testing.T) {
	// Arrange
	uc, repo, _ := newTestUseCase(t)
	item := seedItem(t, uc, "p-1", 10)
	ctx := context.Background()

	var wg sync.WaitGroup
	var succeeded, insufficient atomic.Int32

	// Act
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := uc.Reserve(ctx, ReserveRequest{
				OrderID: fmt.Sprintf("order-%d", i),
				Items:   []Line{{ProductID: "p-1", Quantity: 1}},
			})
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, ErrInsufficientStock):
				insufficient.Add(1)
			}
		}(i)
	}
	wg.Wait()

	// Assert
	assert.Equal(t, int32(10), succeeded.Load())
	assert.Equal(t, int32(40), insufficient.Load())
	got, _ := repo.GetItem(ctx, item.ID)
	assert.Equal(t, 10, got.ReservedQuantity)
	assert.Equal(t, 0, got.Available())
}

func TestReserve_FailureOnLaterLineReleasesEarlierHolds(t *testing.T) {
	// Arrange
	uc, repo, _ := newTestUseCase(t)
	a := seedItem(t, uc, "p-a", 5)
	b := seedItem(t, uc, "p-b", 1)
	ctx := context.Background()

	// Act
	result, err := uc.Reserve(ctx, ReserveRequest{
		OrderID: "order-1",
		Items: []Line{
			{ProductID: "p-a", Quantity: 2},
			{ProductID: "p-b", Quantity: 3},
		},
	})

	// Assert
	assert.Nil(t, result)
	var insufficient *InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, "p-b", insufficient.ProductID)

	gotA, _ := repo.GetItem(ctx, a.ID)
	gotB, _ := repo.GetItem(ctx, b.ID)
	assert.Equal(t, 0, gotA.ReservedQuantity)
	assert.Equal(t, 0, gotB.ReservedQuantity)

	reservations, _ := uc.ListReservations(ctx, "order-1")
	require.Len(t, reservations, 1)
	assert.Equal(t, ReservationReleased, reservations[0].Status)

	history, _ := uc.ListTransactions(ctx, a.ID, 10)
	require.Len(t, history, 3)
	assert.Equal(t, TransactionRelease, history[0].Type)
	assert.Equal(t, TransactionReserve, history[1].Type)
	assert.Equal(t, TransactionImport, history[2].Type)
}

func TestReserve_ReplayReturnsExistingHolds(t *testing.T) {
	// Arrange
	uc, repo, _ := newTestUseCase(t)
	item := seedItem(t, uc, "p-1", 5)
	ctx := context.Background()
	req := ReserveRequest{OrderID: "order-1", Items: []Line{{ProductID: "p-1", Quantity: 2}}}

	// Act
	first, err1 := uc.Reserve(ctx, req)
	second, err2 := uc.Reserve(ctx, req)

	// Assert
	require.NoError(t, err1)
	require.NoError(t, err2)
	assert.Equal(t, first.ReservationIDs(), second.ReservationIDs())
	got, _ := repo.GetItem(ctx, item.ID)
	assert.Equal(t, 2, got.ReservedQuantity)
}

func TestReserve_RejectsNonPositiveQuantity(t *testing.T) {
	// Arrange
	uc, _, _ := newTestUseCase(t)
	seedItem(t, uc, "p-1", 5)

	// Act
	_, err := uc.Reserve(context.Background(), ReserveRequest{OrderID: "order-1", Items: []Line{{ProductID: "p-1", Quantity: 0}}})

	// Assert
	assert.ErrorIs(t, err, ErrInvalidQuantity)
}

func TestCommit_DeductsOnHandExactlyOnce(t *testing.T) {
	// Arrange
	uc, repo, _ := newTestUseCase(t)
	item := seedItem(t, uc, "p-1", 5)
	ctx := context.Background()
	_, err := uc.Reserve(ctx, ReserveRequest{OrderID: "order-1", Items: []Line{{ProductID: "p-1", Quantity: 2}}})
	require.NoError(t, err)

	// Act
	first, err1 := uc.Commit(ctx, "order-1")
	second, err2 := uc.Commit(ctx, "order-1")

	// Assert
	require.NoError(t, err1)
	require.NoError(t, err2)
	assert.Len(t, first.Committed, 1)
	assert.True(t, first.StockSecured())
	assert.Empty(t, second.Committed)
	assert.Equal(t, 1, second.AlreadyCommitted)
	assert.True(t, second.StockSecured())

	got, _ := repo.GetItem(ctx, item.ID)
	assert.Equal(t, 3, got.OnHandQuantity)
	assert.Equal(t, 0, got.ReservedQuantity)

	history, _ := uc.ListTransactions(ctx, item.ID, 1)
	require.Len(t, history, 1)
	assert.Equal(t, TransactionCommit, history[0].Type)
	assert.Equal(t, 5, history[0].QuantityBefore)
	assert.Equal(t, 3, history[0].QuantityAfter)
}

func TestCommit_AfterExpirySecuresNothing(t *testing.T) {
	// Arrange
	uc, _, publisher := newTestUseCase(t)
	seedItem(t, uc, "p-1", 5)
	ctx := context.Background()
	publisher.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	_, err := uc.Reserve(ctx, ReserveRequest{OrderID: "order-1", Items: []Line{{ProductID: "p-1", Quantity: 2}}})
	require.NoError(t, err)
	uc.now = func() time.Time { return time.Now().Add(time.Hour) }
	_, err = uc.ExpireSweep(ctx)
	require.NoError(t, err)

	// Act
	result, err := uc.Commit(ctx, "order-1")

	// Assert
	require.NoError(t, err)
	assert.False(t, result.StockSecured())
}

func TestTerminalTransition_ExactlyOneWinner(t *testing.T) {
	for i := 0; i < 20; i++ {
		// Arrange
		uc, repo, publisher := newTestUseCase(t)
		item := seedItem(t, uc, "p-1", 5)
		ctx := context.Background()
		publisher.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
		_, err := uc.Reserve(ctx, ReserveRequest{OrderID: "order-1", Items: []Line{{ProductID: "p-1", Quantity: 3}}})
		require.NoError(t, err)
		uc.now = func() time.Time { return time.Now().Add(time.Hour) }

		var wg sync.WaitGroup
		var winners atomic.Int32
		wg.Add(3)

		// Act
		go func() {
			defer wg.Done()
			if res, err := uc.Commit(ctx, "order-1"); err == nil && len(res.Committed) > 0 {
				winners.Add(1)
			}
		}()
		go func() {
			defer wg.Done()
			if n, err := uc.Release(ctx, "order-1", "cancelled"); err == nil && n > 0 {
				winners.Add(1)
			}
		}()
		go func() {
			defer wg.Done()
			if n, err := uc.ExpireSweep(ctx); err == nil && n > 0 {
				winners.Add(1)
			}
		}()
		wg.Wait()

		// Assert
		assert.Equal(t, int32(1), winners.Load())
		got, _ := repo.GetItem(ctx, item.ID)
		assert.Equal(t, 0, got.ReservedQuantity)
		reservations, _ := uc.ListReservations(ctx, "order-1")
		require.Len(t, reservations, 1)
		assert.True(t, reservations[0].IsTerminal())
		if reservations[0].Status == ReservationCommitted {
			assert.Equal(t, 2, got.OnHandQuantity)
		} else {
			assert.Equal(t, 5, got.OnHandQuantity)
		}
	}
}

func TestRelease_IsIdempotent(t *testing.T) {
	// Arrange
	uc, repo, _ := newTestUseCase(t)
	item := seedItem(t, uc, "p-1", 5)
	ctx := context.Background()
	_, err := uc.Reserve(ctx, ReserveRequest{OrderID: "order-1", Items: []Line{{ProductID: "p-1", Quantity: 4}}})
	require.NoError(t, err)

	// Act
	first, err1 := uc.Release(ctx, "order-1", "payment_failed")
	second, err2 := uc.Release(ctx, "order-1", "payment_failed")
	unknown, err3 := uc.Release(ctx, "order-unknown", "payment_failed")

	// Assert
	require.NoError(t, err1)
	require.NoError(t, err2)
	require.NoError(t, err3)
	assert.Equal(t, 1, first)
	assert.Equal(t, 0, second)
	assert.Equal(t, 0, unknown)
	got, _ := repo.GetItem(ctx, item.ID)
	assert.Equal(t, 5, got.Available())
}

func TestReturnStock_RestoresCommittedQuantityOnce(t *testing.T) {
	// Arrange
	uc, repo, _ := newTestUseCase(t)
	item := seedItem(t, uc, "p-1", 5)
	ctx := context.Background()
	_, err := uc.Reserve(ctx, ReserveRequest{OrderID: "order-1", Items: []Line{{ProductID: "p-1", Quantity: 2}}})
	require.NoError(t, err)
	_, err = uc.Commit(ctx, "order-1")
	require.NoError(t, err)

	// Act
	first, err1 := uc.ReturnStock(ctx, "order-1")
	second, err2 := uc.ReturnStock(ctx, "order-1")

	// Assert
	require.NoError(t, err1)
	require.NoError(t, err2)
	assert.Equal(t, 2, first)
	assert.Equal(t, 0, second)
	got, _ := repo.GetItem(ctx, item.ID)
	assert.Equal(t, 5, got.OnHandQuantity)
}

func TestAdjustStock_NeverBelowReserved(t *testing.T) {
	// Arrange
	uc, repo, _ := newTestUseCase(t)
	item := seedItem(t, uc, "p-1", 5)
	ctx := context.Background()
	_, err := uc.Reserve(ctx, ReserveRequest{OrderID: "order-1", Items: []Line{{ProductID: "p-1", Quantity: 3}}})
	require.NoError(t, err)

	// Act
	_, tooMuch := uc.AdjustStock(ctx, item.ID, AdjustRequest{Delta: -3, Note: "damaged"})
	adjusted, ok := uc.AdjustStock(ctx, item.ID, AdjustRequest{Delta: -2, Note: "damaged"})

	// Assert
	assert.ErrorIs(t, tooMuch, ErrInsufficientStock)
	require.NoError(t, ok)
	assert.Equal(t, 3, adjusted.OnHandQuantity)
	got, _ := repo.GetItem(ctx, item.ID)
	assert.Equal(t, 0, got.Available())
}

func TestCheckAvailability_ReportsBestSingleItem(t *testing.T) {
	// Arrange
	uc, _, _ := newTestUseCase(t)
	ctx := context.Background()
	seedItem(t, uc, "p-1", 3)
	_, err := uc.ImportStock(ctx, ImportRequest{ProductID: "p-1", WarehouseID: "wh-2", Quantity: 4})
	require.NoError(t, err)

	// Act
	result, err := uc.CheckAvailability(ctx, []Line{
		{ProductID: "p-1", Quantity: 4},
		{ProductID: "p-1", Quantity: 5},
		{ProductID: "p-missing", Quantity: 1},
	})

	// Assert
	require.NoError(t, err)
	require.Len(t, result, 3)
	assert.True(t, result[0].InStock)
	assert.Equal(t, 4, result[0].Available)
	assert.False(t, result[1].InStock)
	assert.False(t, result[2].InStock)
}
