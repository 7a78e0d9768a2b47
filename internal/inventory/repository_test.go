package inventory

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/matheusmosca/checkout-saga/internal/platform/database/dbtest"
)

func reservationRow(id string, quantity int, status ReservationStatus) []any {
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	return []any{id, "item-1", "p-1", "", "wh-1", "order-1", "ORD-1", "oi-1", quantity, status,
		now.Add(15 * time.Minute), now, now}
}

func TestNewInventoryRepository(t *testing.T) {
	// Arrange
	db := new(dbtest.MockDB)

	// Act
	repo := NewInventoryRepository(db)

	// Assert
	assert.NotNil(t, repo)
	assert.IsType(t, &PostgresInventoryRepository{}, repo)
}

func TestPostgresHoldStock_ConditionalUpdateHoldsAndAudits(t *testing.T) {
	// Arrange
	db := new(dbtest.MockDB)
	tx := dbtest.NewTx(db)
	repo := NewInventoryRepository(db)
	ctx := context.Background()

	tx.On("QueryRow", dbtest.SQL("AND on_hand_quantity - reserved_quantity >= $3"), []any{"p-1", "", 2}).
		Return(dbtest.NewRow("item-1", "wh-1", 5)).Once()
	tx.On("QueryRow", dbtest.SQL("INSERT INTO inventory_reservations"), dbtest.Args(func(args []any) bool {
		return args[1] == "item-1" && args[4] == "wh-1" && args[5] == "order-1" && args[9] == ReservationHeld
	})).Return(dbtest.NewRow(reservationRow("res-1", 2, ReservationHeld)...)).Once()
	tx.On("Exec", dbtest.SQL("INSERT INTO stock_transactions"), dbtest.Args(func(args []any) bool {
		return args[1] == "item-1" && args[2] == TransactionReserve &&
			args[3] == 2 && args[4] == 3 && args[5] == 5 && args[7] == "order-1"
	})).Return(dbtest.Tag("INSERT 0 1"), nil).Once()
	tx.On("Commit").Return(nil).Once()

	// Act
	res, err := repo.HoldStock(ctx, HoldParams{
		OrderID:     "order-1",
		OrderNumber: "ORD-1",
		Line:        Line{OrderItemID: "oi-1", ProductID: "p-1", Quantity: 2},
		ExpiresAt:   time.Now().Add(15 * time.Minute),
	})

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "res-1", res.ID)
	assert.Equal(t, ReservationHeld, res.Status)
	assert.Equal(t, 2, res.Quantity)
	tx.AssertExpectations(t)
}

func TestPostgresHoldStock_NoQualifyingItemIsInsufficientStock(t *testing.T) {
	// Arrange
	db := new(dbtest.MockDB)
	tx := dbtest.NewTx(db)
	repo := NewInventoryRepository(db)

	tx.On("QueryRow", dbtest.SQL("AND on_hand_quantity - reserved_quantity >= $3"), mock.Anything).
		Return(dbtest.ErrRow(pgx.ErrNoRows)).Once()

	// Act
	res, err := repo.HoldStock(context.Background(), HoldParams{OrderID: "order-1", Line: Line{ProductID: "p-1", Quantity: 9}})

	// Assert
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrInsufficientStock)
	var insufficient *InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, 9, insufficient.Requested)
	tx.AssertNotCalled(t, "Exec", mock.Anything, mock.Anything)
	tx.AssertNotCalled(t, "Commit")
}

func TestPostgresTransitionReservations_LostRaceIsNoOp(t *testing.T) {
	// Arrange
	db := new(dbtest.MockDB)
	tx := dbtest.NewTx(db)
	repo := NewInventoryRepository(db)

	tx.On("Query", dbtest.SQL("WHERE order_id = $1 AND status = 'HELD'"), []any{"order-1", ReservationReleased}).
		Return(dbtest.NewRows(), nil).Once()
	tx.On("Commit").Return(nil).Once()

	// Act
	out, err := repo.TransitionReservations(context.Background(), Transition{OrderID: "order-1", To: ReservationReleased})

	// Assert
	require.NoError(t, err)
	assert.Empty(t, out)
	tx.AssertNotCalled(t, "QueryRow", mock.Anything, mock.Anything)
	tx.AssertNotCalled(t, "Exec", mock.Anything, mock.Anything)
}

func TestPostgresTransitionReservations_ReleaseReturnsHeldQuantity(t *testing.T) {
	// Arrange
	db := new(dbtest.MockDB)
	tx := dbtest.NewTx(db)
	repo := NewInventoryRepository(db)

	tx.On("Query", dbtest.SQL("WHERE order_id = $1 AND status = 'HELD'"), mock.Anything).
		Return(dbtest.NewRows(reservationRow("res-1", 2, ReservationReleased)), nil).Once()
	tx.On("QueryRow", dbtest.SQL("SET reserved_quantity = reserved_quantity - $2"), []any{"item-1", 2}).
		Return(dbtest.NewRow(3)).Once()
	tx.On("Exec", dbtest.SQL("INSERT INTO stock_transactions"), dbtest.Args(func(args []any) bool {
		return args[2] == TransactionRelease && args[3] == -2 && args[4] == 5 && args[5] == 3 &&
			args[6] == ReferenceOrder && args[7] == "order-1" && args[8] == "payment_failed"
	})).Return(dbtest.Tag("INSERT 0 1"), nil).Once()
	tx.On("Commit").Return(nil).Once()

	// Act
	out, err := repo.TransitionReservations(context.Background(), Transition{
		OrderID: "order-1",
		To:      ReservationReleased,
		Reason:  "payment_failed",
	})

	// Assert
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, ReservationReleased, out[0].Status)
	tx.AssertExpectations(t)
}

func TestPostgresTransitionReservations_ExpiryOnlyTouchesLapsedHolds(t *testing.T) {
	// Arrange
	db := new(dbtest.MockDB)
	tx := dbtest.NewTx(db)
	repo := NewInventoryRepository(db)
	cutoff := time.Date(2026, 1, 1, 10, 30, 0, 0, time.UTC)

	tx.On("Query", dbtest.SQL("AND expires_at < $3"), []any{"order-1", ReservationExpired, cutoff}).
		Return(dbtest.NewRows(reservationRow("res-1", 1, ReservationExpired)), nil).Once()
	tx.On("QueryRow", dbtest.SQL("SET reserved_quantity = reserved_quantity - $2"), []any{"item-1", 1}).
		Return(dbtest.NewRow(0)).Once()
	tx.On("Exec", dbtest.SQL("INSERT INTO stock_transactions"), dbtest.Args(func(args []any) bool {
		return args[6] == ReferenceReservationExpired && args[7] == "res-1"
	})).Return(dbtest.Tag("INSERT 0 1"), nil).Once()
	tx.On("Commit").Return(nil).Once()

	// Act
	out, err := repo.TransitionReservations(context.Background(), Transition{
		OrderID:       "order-1",
		To:            ReservationExpired,
		ExpiredBefore: &cutoff,
	})

	// Assert
	require.NoError(t, err)
	assert.Len(t, out, 1)
	tx.AssertExpectations(t)
}

func TestPostgresTransitionReservations_CommitBeyondOnHandIsInvariantViolation(t *testing.T) {
	// Arrange
	db := new(dbtest.MockDB)
	tx := dbtest.NewTx(db)
	repo := NewInventoryRepository(db)

	tx.On("Query", dbtest.SQL("WHERE order_id = $1 AND status = 'HELD'"), mock.Anything).
		Return(dbtest.NewRows(reservationRow("res-1", 4, ReservationCommitted)), nil).Once()
	tx.On("QueryRow", dbtest.SQL("SET on_hand_quantity = on_hand_quantity - $2"), []any{"item-1", 4}).
		Return(dbtest.ErrRow(pgx.ErrNoRows)).Once()

	// Act
	out, err := repo.TransitionReservations(context.Background(), Transition{OrderID: "order-1", To: ReservationCommitted})

	// Assert
	assert.Nil(t, out)
	assert.ErrorIs(t, err, ErrInvariantViolation)
	tx.AssertNotCalled(t, "Commit")
}

func TestPostgresTransitionReservations_RejectsHeldTarget(t *testing.T) {
	// Arrange
	db := new(dbtest.MockDB)
	repo := NewInventoryRepository(db)

	// Act
	_, err := repo.TransitionReservations(context.Background(), Transition{OrderID: "order-1", To: ReservationHeld})

	// Assert
	assert.ErrorIs(t, err, ErrInvalidRequest)
	db.AssertNotCalled(t, "Begin")
}

func TestPostgresReturnCommitted_PutsStockBackOnce(t *testing.T) {
	// Arrange
	db := new(dbtest.MockDB)
	tx := dbtest.NewTx(db)
	repo := NewInventoryRepository(db)

	tx.On("Query", dbtest.SQL("SUM(quantity)"), []any{"order-1"}).
		Return(dbtest.NewRows([]any{"item-1", 2}), nil).Once()
	tx.On("QueryRow", dbtest.SQL("SET on_hand_quantity = on_hand_quantity + $2"), []any{"item-1", 2}).
		Return(dbtest.NewRow(12)).Once()
	tx.On("Exec", dbtest.SQL("WHERE type = 'RETURN' DO NOTHING"), mock.Anything).
		Return(dbtest.Tag("INSERT 0 1"), nil).Once()
	tx.On("Commit").Return(nil).Once()

	// Act
	out, err := repo.ReturnCommitted(context.Background(), "order-1")

	// Assert
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, TransactionReturn, out[0].Type)
	assert.Equal(t, 10, out[0].QuantityBefore)
	assert.Equal(t, 12, out[0].QuantityAfter)
	tx.AssertExpectations(t)
}

func TestPostgresReturnCommitted_RedeliveryRollsBackTheIncrement(t *testing.T) {
	// Arrange
	db := new(dbtest.MockDB)
	tx := dbtest.NewTx(db)
	repo := NewInventoryRepository(db)

	tx.On("Query", dbtest.SQL("SUM(quantity)"), []any{"order-1"}).
		Return(dbtest.NewRows([]any{"item-1", 2}), nil).Once()
	tx.On("QueryRow", dbtest.SQL("SET on_hand_quantity = on_hand_quantity + $2"), mock.Anything).
		Return(dbtest.NewRow(14)).Once()
	tx.On("Exec", dbtest.SQL("WHERE type = 'RETURN' DO NOTHING"), mock.Anything).
		Return(dbtest.Tag("INSERT 0 0"), nil).Once()

	// Act
	out, err := repo.ReturnCommitted(context.Background(), "order-1")

	// Assert
	require.NoError(t, err)
	assert.Nil(t, out)
	tx.AssertNotCalled(t, "Commit")
	tx.AssertCalled(t, "Rollback")
}
