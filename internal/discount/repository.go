package discount

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/dtm-labs/client/dtmcli"
	"github.com/dtm-labs/client/dtmcli/dtmimp"
	"github.com/google/uuid"
)

// Evaluator prices a locked discount for a user with userUsage prior uses.
type Evaluator func(d *Discount, userUsage int) (int64, error)

type ApplyParams struct {
	Code        string
	OrderID     string
	OrderNumber string
	UserID      string
	OrderAmount int64
}

type Repository interface {
	CreateDiscount(ctx context.Context, d *Discount) error
	GetByCode(ctx context.Context, code string) (*Discount, error)
	CountUserUsage(ctx context.Context, discountID, userID string) (int, error)
	GetUsageByOrder(ctx context.Context, orderID string) (*Usage, error)

	// Apply records one usage per order. A replay returns the recorded usage,
	// an apply after the order's rollback returns ErrApplyBlocked.
	Apply(ctx context.Context, p ApplyParams, evaluate Evaluator) (*Usage, error)

	// Rollback removes the order's usage; false when there was none. It also
	// bars any later Apply for the order.
	Rollback(ctx context.Context, orderID string) (bool, error)
}

// The order id is the barrier gid; an order has exactly one discount branch.
const (
	barrierTransType = "saga"
	barrierBranchID  = "01"
)

// PostgresDiscountRepository runs every usage change inside a dtm branch
// barrier, which makes apply and rollback idempotent and ordered per order.
type PostgresDiscountRepository struct {
	db *sql.DB
}

func NewDiscountRepository(db *sql.DB) Repository {
	dtmcli.SetCurrentDBType(dtmcli.DBTypePostgres)
	return &PostgresDiscountRepository{db: db}
}

const discountColumns = `id, code, type, value, min_order_amount, max_discount_amount, usage_limit, usage_limit_per_user, used_count, starts_at, ends_at, active, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDiscount(row rowScanner) (*Discount, error) {
	var d Discount
	err := row.Scan(&d.ID, &d.Code, &d.Type, &d.Value, &d.MinOrderAmount, &d.MaxDiscountAmount,
		&d.UsageLimit, &d.UsageLimitPerUser, &d.UsedCount, &d.StartsAt, &d.EndsAt, &d.Active, &d.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDiscountNotFound
		}
		return nil, err
	}
	return &d, nil
}

func (r *PostgresDiscountRepository) CreateDiscount(ctx context.Context, d *Discount) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO discounts (id, code, type, value, min_order_amount, max_discount_amount, usage_limit, usage_limit_per_user, starts_at, ends_at, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at
	`, d.ID, strings.ToUpper(d.Code), d.Type, d.Value, d.MinOrderAmount, d.MaxDiscountAmount,
		d.UsageLimit, d.UsageLimitPerUser, d.StartsAt, d.EndsAt, d.Active).Scan(&d.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create discount: %w", err)
	}
	d.Code = strings.ToUpper(d.Code)
	return nil
}

func (r *PostgresDiscountRepository) GetByCode(ctx context.Context, code string) (*Discount, error) {
	return scanDiscount(r.db.QueryRowContext(ctx,
		`SELECT `+discountColumns+` FROM discounts WHERE code = $1`, strings.ToUpper(code)))
}

func (r *PostgresDiscountRepository) CountUserUsage(ctx context.Context, discountID, userID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM discount_usages WHERE discount_id = $1 AND user_id = $2`,
		discountID, userID).Scan(&n)
	return n, err
}

func (r *PostgresDiscountRepository) GetUsageByOrder(ctx context.Context, orderID string) (*Usage, error) {
	return getUsageByOrder(ctx, r.db, orderID)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getUsageByOrder(ctx context.Context, q queryer, orderID string) (*Usage, error) {
	var u Usage
	err := q.QueryRowContext(ctx, `
		SELECT id, discount_id, user_id, order_id, order_number, order_amount, discount_amount, created_at
		FROM discount_usages WHERE order_id = $1
	`, orderID).Scan(&u.ID, &u.DiscountID, &u.UserID, &u.OrderID, &u.OrderNumber, &u.OrderAmount, &u.DiscountAmount, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &u, nil
}

// Apply locks the discount row so the global and per-user counts it reads
// cannot change before the usage row is written.
func (r *PostgresDiscountRepository) Apply(ctx context.Context, p ApplyParams, evaluate Evaluator) (*Usage, error) {
	barrier, err := dtmcli.BarrierFrom(barrierTransType, p.OrderID, barrierBranchID, dtmimp.OpAction)
	if err != nil {
		return nil, fmt.Errorf("failed to create barrier: %w", err)
	}

	err = barrier.CallWithDB(r.db, func(tx *sql.Tx) error {
		d, err := scanDiscount(tx.QueryRowContext(ctx,
			`SELECT `+discountColumns+` FROM discounts WHERE code = $1 FOR UPDATE`, strings.ToUpper(p.Code)))
		if err != nil {
			return err
		}

		var userUsage int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM discount_usages WHERE discount_id = $1 AND user_id = $2`,
			d.ID, p.UserID).Scan(&userUsage); err != nil {
			return err
		}

		amount, err := evaluate(d, userUsage)
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO discount_usages (id, discount_id, user_id, order_id, order_number, order_amount, discount_amount)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, uuid.New().String(), d.ID, p.UserID, p.OrderID, p.OrderNumber, p.OrderAmount, amount); err != nil {
			return fmt.Errorf("failed to insert discount usage: %w", err)
		}

		_, err = tx.ExecContext(ctx, `UPDATE discounts SET used_count = used_count + 1 WHERE id = $1`, d.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	usage, err := getUsageByOrder(ctx, r.db, p.OrderID)
	if err != nil {
		return nil, err
	}
	if usage == nil {
		return nil, ErrApplyBlocked
	}
	return usage, nil
}

func (r *PostgresDiscountRepository) Rollback(ctx context.Context, orderID string) (bool, error) {
	barrier, err := dtmcli.BarrierFrom(barrierTransType, orderID, barrierBranchID, dtmimp.OpCompensate)
	if err != nil {
		return false, fmt.Errorf("failed to create barrier: %w", err)
	}

	rolledBack := false
	err = barrier.CallWithDB(r.db, func(tx *sql.Tx) error {
		var discountID string
		err := tx.QueryRowContext(ctx,
			`DELETE FROM discount_usages WHERE order_id = $1 RETURNING discount_id`, orderID).Scan(&discountID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE discounts SET used_count = used_count - 1 WHERE id = $1 AND used_count > 0`, discountID); err != nil {
			return err
		}
		rolledBack = true
		return nil
	})
	return rolledBack, err
}
