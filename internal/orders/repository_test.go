package orders

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/matheusmosca/checkout-saga/internal/platform/config"
	"github.com/matheusmosca/checkout-saga/internal/platform/database/dbtest"
	"github.com/matheusmosca/checkout-saga/internal/platform/events"
)

func orderRow(status Status, payment PaymentStatus, stockCommitted bool) []any {
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	return []any{
		"order-1", "ORD-20260101-ABCDEF12", "user-1", status, payment,
		int64(100000), int64(30000), int64(0), int64(0), int64(130000), "VND",
		"SAVE10", "disc-1", "card", "vnpay", "tx-1", "", "1 Main St", "", "",
		stockCommitted, now.Add(15 * time.Minute), now, now,
	}
}

func itemRow() []any {
	return []any{"item-1", "order-1", "p-1", "", "", "", 2, int64(50000), int64(100000), "res-0", "wh-1"}
}

// expectLoad answers the re-read of order-1 inside tx.
func expectLoad(tx *dbtest.MockTx, row []any) {
	tx.On("QueryRow", dbtest.SQL("FROM orders WHERE id = $1"), []any{"order-1"}).Return(dbtest.NewRow(row...)).Once()
	tx.On("Query", dbtest.SQL("FROM order_items WHERE order_id = $1"), []any{"order-1"}).
		Return(dbtest.NewRows(itemRow()), nil).Once()
}

func TestNewOrderRepository(t *testing.T) {
	// Arrange
	db := new(dbtest.MockDB)

	// Act
	repo := NewOrderRepository(db)

	// Assert
	assert.NotNil(t, repo)
	assert.IsType(t, &PostgresOrderRepository{}, repo)
}

func TestPostgresGetOrder_LoadsItems(t *testing.T) {
	// Arrange
	db := new(dbtest.MockDB)
	repo := NewOrderRepository(db)
	db.On("QueryRow", dbtest.SQL("FROM orders WHERE id = $1"), []any{"order-1"}).
		Return(dbtest.NewRow(orderRow(StatusPending, PaymentUnpaid, false)...)).Once()
	db.On("Query", dbtest.SQL("ORDER BY position"), []any{"order-1"}).Return(dbtest.NewRows(itemRow()), nil).Once()

	// Act
	order, err := repo.GetOrder(context.Background(), "order-1")

	// Assert
	require.NoError(t, err)
	assert.Equal(t, StatusPending, order.Status)
	assert.Equal(t, int64(130000), order.TotalAmount)
	require.NotNil(t, order.ReservationExpiresAt)
	require.Len(t, order.Items, 1)
	assert.Equal(t, "res-0", order.Items[0].ReservationID)
}

func TestPostgresGetOrder_Missing(t *testing.T) {
	// Arrange
	db := new(dbtest.MockDB)
	repo := NewOrderRepository(db)
	db.On("QueryRow", mock.Anything, mock.Anything).Return(dbtest.ErrRow(pgx.ErrNoRows)).Once()

	// Act
	order, err := repo.GetOrder(context.Background(), "order-404")

	// Assert
	assert.Nil(t, order)
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestPostgresTransitionStatus_LoserSeesConflictAndEnqueuesNothing(t *testing.T) {
	// Arrange
	db := new(dbtest.MockDB)
	tx := dbtest.NewTx(db)
	repo := NewOrderRepository(db)
	evt, err := events.New(events.TypeOrderCancelled, "order-1", map[string]string{"order_id": "order-1"})
	require.NoError(t, err)

	tx.On("Exec", dbtest.SQL("WHERE id = $1 AND status = ANY($7::text[])"), dbtest.Args(func(args []any) bool {
		return args[0] == "order-1" && args[1] == StatusCancelled &&
			reflect.DeepEqual(args[6], []string{"PENDING"})
	})).Return(dbtest.Tag("UPDATE 0"), nil).Once()
	expectLoad(tx, orderRow(StatusPaymentFailed, PaymentFailed, false))

	// Act
	order, err := repo.TransitionStatus(context.Background(), StatusChange{
		OrderID:      "order-1",
		From:         []Status{StatusPending},
		To:           StatusCancelled,
		CancelReason: ReasonUserCancelled,
	}, &evt)

	// Assert
	assert.Nil(t, order)
	assert.ErrorIs(t, err, ErrStatusConflict)
	var conflict *StatusConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, StatusPaymentFailed, conflict.Current)
	tx.AssertNotCalled(t, "Exec", dbtest.SQL("INSERT INTO outbox"), mock.Anything)
	tx.AssertNotCalled(t, "Commit")
}

func TestPostgresTransitionStatus_WinnerEnqueuesEventInSameTransaction(t *testing.T) {
	// Arrange
	db := new(dbtest.MockDB)
	tx := dbtest.NewTx(db)
	repo := NewOrderRepository(db)
	evt, err := events.New(events.TypeOrderCancelled, "order-1", map[string]string{"order_id": "order-1"})
	require.NoError(t, err)
	stockCommitted := false

	tx.On("Exec", dbtest.SQL("WHERE id = $1 AND status = ANY($7::text[])"), dbtest.Args(func(args []any) bool {
		committed, ok := args[5].(*bool)
		return ok && !*committed && args[4] == ReasonReservationExpired
	})).Return(dbtest.Tag("UPDATE 1"), nil).Once()
	tx.On("Exec", dbtest.SQL("INSERT INTO outbox"), dbtest.Args(func(args []any) bool {
		return args[0] == evt.EventID && args[1] == config.OrdersTopic && args[2] == "order-1"
	})).Return(dbtest.Tag("INSERT 0 1"), nil).Once()
	expectLoad(tx, orderRow(StatusCancelled, PaymentPaid, false))
	tx.On("Commit").Return(nil).Once()

	// Act
	order, err := repo.TransitionStatus(context.Background(), StatusChange{
		OrderID:        "order-1",
		From:           []Status{StatusConfirmed},
		To:             StatusCancelled,
		CancelReason:   ReasonReservationExpired,
		StockCommitted: &stockCommitted,
	}, &evt)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, order.Status)
	tx.AssertExpectations(t)
}

func TestPostgresTransitionStatus_InvalidTransitionNeverReachesDatabase(t *testing.T) {
	// Arrange
	db := new(dbtest.MockDB)
	repo := NewOrderRepository(db)

	// Act
	_, err := repo.TransitionStatus(context.Background(), StatusChange{
		OrderID: "order-1",
		From:    []Status{StatusShipped},
		To:      StatusCancelled,
	}, nil)

	// Assert
	assert.ErrorIs(t, err, ErrInvalidTransition)
	db.AssertNotCalled(t, "Begin")
}

func TestPostgresMarkStockCommitted_OnlyFirstCallPublishes(t *testing.T) {
	// Arrange
	db := new(dbtest.MockDB)
	tx := dbtest.NewTx(db)
	repo := NewOrderRepository(db)
	evt, err := events.New(events.TypeOrderConfirmed, "order-1", map[string]string{"order_id": "order-1"})
	require.NoError(t, err)

	tx.On("Exec", dbtest.SQL("AND NOT stock_committed"), []any{"order-1"}).Return(dbtest.Tag("UPDATE 1"), nil).Once()
	tx.On("Exec", dbtest.SQL("AND NOT stock_committed"), []any{"order-1"}).Return(dbtest.Tag("UPDATE 0"), nil).Once()
	tx.On("Exec", dbtest.SQL("INSERT INTO outbox"), mock.Anything).Return(dbtest.Tag("INSERT 0 1"), nil).Once()
	tx.On("Commit").Return(nil).Twice()

	// Act
	first, err1 := repo.MarkStockCommitted(context.Background(), "order-1", &evt)
	second, err2 := repo.MarkStockCommitted(context.Background(), "order-1", &evt)

	// Assert
	require.NoError(t, err1)
	require.NoError(t, err2)
	assert.True(t, first)
	assert.False(t, second)
	tx.AssertNumberOfCalls(t, "Exec", 3)
	tx.AssertExpectations(t)
}
