package discount

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const barrierInsert = `insert into dtm_barrier\.barrier\(trans_type, gid, branch_id, op, barrier_id, reason\)`

func newSQLMockRepository(t *testing.T) (Repository, sqlmock.Sqlmock) {
	t.Helper()
	db, sqlMock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewDiscountRepository(db), sqlMock
}

// expectBarrier expects the barrier row for op, inserted on behalf of reason.
func expectBarrier(sqlMock sqlmock.Sqlmock, op, reason string, affected int64) {
	sqlMock.ExpectExec(barrierInsert).
		WithArgs("saga", "order-1", "01", op, "01", reason).
		WillReturnResult(sqlmock.NewResult(0, affected))
}

func discountRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "code", "type", "value", "min_order_amount", "max_discount_amount",
		"usage_limit", "usage_limit_per_user", "used_count", "starts_at", "ends_at", "active", "created_at"}).
		AddRow("disc-1", "SAVE10", "percentage", int64(10), int64(0), int64(0), int64(100), int64(1), int64(4),
			nil, nil, true, time.Now())
}

func usageRows(orderID string) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"id", "discount_id", "user_id", "order_id", "order_number", "order_amount",
		"discount_amount", "created_at"})
	if orderID != "" {
		rows.AddRow("usage-1", "disc-1", "user-1", orderID, "ORD-1", int64(100000), int64(10000), time.Now())
	}
	return rows
}

func applyParams() ApplyParams {
	return ApplyParams{Code: "save10", OrderID: "order-1", OrderNumber: "ORD-1", UserID: "user-1", OrderAmount: 100000}
}

func tenThousandOff(d *Discount, userUsage int) (int64, error) {
	return 10000, nil
}

func TestPostgresApply_RecordsUsageUnderBarrier(t *testing.T) {
	// Arrange
	repo, sqlMock := newSQLMockRepository(t)
	sqlMock.ExpectBegin()
	expectBarrier(sqlMock, "action", "action", 1)
	sqlMock.ExpectQuery(`FROM discounts WHERE code = \$1 FOR UPDATE`).WithArgs("SAVE10").WillReturnRows(discountRows())
	sqlMock.ExpectQuery(`SELECT COUNT\(\*\) FROM discount_usages`).WithArgs("disc-1", "user-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	sqlMock.ExpectExec(`INSERT INTO discount_usages`).
		WithArgs(sqlmock.AnyArg(), "disc-1", "user-1", "order-1", "ORD-1", int64(100000), int64(10000)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	sqlMock.ExpectExec(`UPDATE discounts SET used_count = used_count \+ 1`).WithArgs("disc-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	sqlMock.ExpectCommit()
	sqlMock.ExpectQuery(`FROM discount_usages WHERE order_id = \$1`).WithArgs("order-1").WillReturnRows(usageRows("order-1"))

	// Act
	usage, err := repo.Apply(context.Background(), applyParams(), tenThousandOff)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "disc-1", usage.DiscountID)
	assert.Equal(t, int64(10000), usage.DiscountAmount)
	assert.NoError(t, sqlMock.ExpectationsWereMet())
}

func TestPostgresApply_ReplaySkipsBusinessAndReturnsRecordedUsage(t *testing.T) {
	// Arrange
	repo, sqlMock := newSQLMockRepository(t)
	sqlMock.ExpectBegin()
	expectBarrier(sqlMock, "action", "action", 0)
	sqlMock.ExpectCommit()
	sqlMock.ExpectQuery(`FROM discount_usages WHERE order_id = \$1`).WithArgs("order-1").WillReturnRows(usageRows("order-1"))

	// Act
	usage, err := repo.Apply(context.Background(), applyParams(), func(d *Discount, userUsage int) (int64, error) {
		t.Fatal("evaluated on replay")
		return 0, nil
	})

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "usage-1", usage.ID)
	assert.NoError(t, sqlMock.ExpectationsWereMet())
}

func TestPostgresRollback_BeforeApplyIsNullCompensationAndBlocksApply(t *testing.T) {
	// Arrange
	repo, sqlMock := newSQLMockRepository(t)
	ctx := context.Background()

	sqlMock.ExpectBegin()
	expectBarrier(sqlMock, "action", "compensate", 1)
	expectBarrier(sqlMock, "compensate", "compensate", 1)
	sqlMock.ExpectCommit()

	sqlMock.ExpectBegin()
	expectBarrier(sqlMock, "action", "action", 0)
	sqlMock.ExpectCommit()
	sqlMock.ExpectQuery(`FROM discount_usages WHERE order_id = \$1`).WithArgs("order-1").WillReturnRows(usageRows(""))

	// Act
	rolledBack, rollbackErr := repo.Rollback(ctx, "order-1")
	usage, applyErr := repo.Apply(ctx, applyParams(), tenThousandOff)

	// Assert
	require.NoError(t, rollbackErr)
	assert.False(t, rolledBack)
	assert.Nil(t, usage)
	assert.ErrorIs(t, applyErr, ErrApplyBlocked)
	assert.NoError(t, sqlMock.ExpectationsWereMet())
}

func TestPostgresRollback_RemovesUsageAndFreesTheCount(t *testing.T) {
	// Arrange
	repo, sqlMock := newSQLMockRepository(t)
	sqlMock.ExpectBegin()
	expectBarrier(sqlMock, "action", "compensate", 0)
	expectBarrier(sqlMock, "compensate", "compensate", 1)
	sqlMock.ExpectQuery(`DELETE FROM discount_usages WHERE order_id = \$1 RETURNING discount_id`).WithArgs("order-1").
		WillReturnRows(sqlmock.NewRows([]string{"discount_id"}).AddRow("disc-1"))
	sqlMock.ExpectExec(`UPDATE discounts SET used_count = used_count - 1 WHERE id = \$1 AND used_count > 0`).
		WithArgs("disc-1").WillReturnResult(sqlmock.NewResult(0, 1))
	sqlMock.ExpectCommit()

	// Act
	rolledBack, err := repo.Rollback(context.Background(), "order-1")

	// Assert
	require.NoError(t, err)
	assert.True(t, rolledBack)
	assert.NoError(t, sqlMock.ExpectationsWereMet())
}

func TestPostgresRollback_RedeliveryIsNoOp(t *testing.T) {
	// Arrange
	repo, sqlMock := newSQLMockRepository(t)
	sqlMock.ExpectBegin()
	expectBarrier(sqlMock, "action", "compensate", 0)
	expectBarrier(sqlMock, "compensate", "compensate", 0)
	sqlMock.ExpectCommit()

	// Act
	rolledBack, err := repo.Rollback(context.Background(), "order-1")

	// Assert
	require.NoError(t, err)
	assert.False(t, rolledBack)
	assert.NoError(t, sqlMock.ExpectationsWereMet())
}

func TestPostgresApply_RejectionRollsBackBarrierAndUsage(t *testing.T) {
	// Arrange
	repo, sqlMock := newSQLMockRepository(t)
	sqlMock.ExpectBegin()
	expectBarrier(sqlMock, "action", "action", 1)
	sqlMock.ExpectQuery(`FROM discounts WHERE code = \$1 FOR UPDATE`).WithArgs("SAVE10").WillReturnRows(discountRows())
	sqlMock.ExpectQuery(`SELECT COUNT\(\*\) FROM discount_usages`).WithArgs("disc-1", "user-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	sqlMock.ExpectRollback()

	// Act
	usage, err := repo.Apply(context.Background(), applyParams(), func(d *Discount, userUsage int) (int64, error) {
		return d.Evaluate(100000, userUsage, time.Now())
	})

	// Assert
	assert.Nil(t, usage)
	assert.ErrorIs(t, err, ErrUserLimitReached)
	assert.NoError(t, sqlMock.ExpectationsWereMet())
}

func TestPostgresApply_UnknownCode(t *testing.T) {
	// Arrange
	repo, sqlMock := newSQLMockRepository(t)
	sqlMock.ExpectBegin()
	expectBarrier(sqlMock, "action", "action", 1)
	sqlMock.ExpectQuery(`FROM discounts WHERE code = \$1 FOR UPDATE`).WithArgs("SAVE10").WillReturnError(sql.ErrNoRows)
	sqlMock.ExpectRollback()

	// Act
	_, err := repo.Apply(context.Background(), applyParams(), tenThousandOff)

	// Assert
	assert.ErrorIs(t, err, ErrDiscountNotFound)
	assert.NoError(t, sqlMock.ExpectationsWereMet())
}
