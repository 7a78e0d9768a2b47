package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/matheusmosca/checkout-saga/internal/platform/config"
	"github.com/matheusmosca/checkout-saga/internal/platform/database"
	"github.com/matheusmosca/checkout-saga/internal/platform/events"
	"github.com/matheusmosca/checkout-saga/internal/platform/outbox"
)

// Repository persists the Order aggregate. Status changes are conditional on
// the current status, and the event describing a change is enqueued in the
// outbox in the same transaction.
type Repository interface {
	CreateOrder(ctx context.Context, order *Order) error
	GetOrder(ctx context.Context, orderID string) (*Order, error)
	// DeleteOrder removes a PENDING order; it is the checkout's only compensation.
	DeleteOrder(ctx context.Context, orderID string) error
	AttachReservations(ctx context.Context, orderID string, items []OrderItem, expiresAt time.Time) error
	UpdateTotals(ctx context.Context, orderID string, totals Totals, discountID string) error
	SetPayment(ctx context.Context, orderID, transactionRef, paymentURL string) error
	TransitionStatus(ctx context.Context, change StatusChange, evt *events.Event) (*Order, error)
	// MarkStockCommitted flags a CONFIRMED order once; false when already flagged.
	MarkStockCommitted(ctx context.Context, orderID string, evt *events.Event) (bool, error)
}

// PostgresOrderRepository implements Repository on PostgreSQL.
type PostgresOrderRepository struct {
	db database.DB
}

// NewOrderRepository creates a new order repository
func NewOrderRepository(db database.DB) Repository {
	return &PostgresOrderRepository{
		db: db,
	}
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (r *PostgresOrderRepository) CreateOrder(ctx context.Context, order *Order) error {
	return pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO orders (id, order_number, user_id, status, payment_status, subtotal, shipping_fee,
				discount_amount, tax_amount, total_amount, currency, discount_code, payment_method,
				payment_gateway, shipping_address, note)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
			RETURNING created_at, updated_at
		`, order.ID, order.OrderNumber, order.UserID, order.Status, order.PaymentStatus, order.Subtotal,
			order.ShippingFee, order.DiscountAmount, order.TaxAmount, order.TotalAmount, order.Currency,
			order.DiscountCode, order.PaymentMethod, order.PaymentGateway, order.ShippingAddress, order.Note,
		).Scan(&order.CreatedAt, &order.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to create order: %w", err)
		}

		batch := &pgx.Batch{}
		for _, item := range order.Items {
			batch.Queue(`
				INSERT INTO order_items (id, order_id, product_id, variant_id, seller_id, product_name, quantity, unit_price, total_price)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			`, item.ID, order.ID, item.ProductID, item.VariantID, item.SellerID, item.ProductName,
				item.Quantity, item.UnitPrice, item.TotalPrice)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to create order items: %w", err)
		}
		return nil
	})
}

func (r *PostgresOrderRepository) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	return getOrder(ctx, r.db, orderID)
}

func getOrder(ctx context.Context, q querier, orderID string) (*Order, error) {
	var o Order
	err := q.QueryRow(ctx, `
		SELECT id, order_number, user_id, status, payment_status, subtotal, shipping_fee, discount_amount,
			tax_amount, total_amount, currency, discount_code, discount_id, payment_method, payment_gateway,
			payment_transaction_ref, payment_url, shipping_address, note, cancel_reason, stock_committed,
			reservation_expires_at, created_at, updated_at
		FROM orders WHERE id = $1
	`, orderID).Scan(
		&o.ID, &o.OrderNumber, &o.UserID, &o.Status, &o.PaymentStatus, &o.Subtotal, &o.ShippingFee,
		&o.DiscountAmount, &o.TaxAmount, &o.TotalAmount, &o.Currency, &o.DiscountCode, &o.DiscountID,
		&o.PaymentMethod, &o.PaymentGateway, &o.PaymentTransactionRef, &o.PaymentURL, &o.ShippingAddress,
		&o.Note, &o.CancelReason, &o.StockCommitted, &o.ReservationExpiresAt, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("failed to get order: %w", err)
	}

	rows, err := q.Query(ctx, `
		SELECT id, order_id, product_id, variant_id, seller_id, product_name, quantity, unit_price,
			total_price, reservation_id, warehouse_id
		FROM order_items WHERE order_id = $1 ORDER BY position
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to get order items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var item OrderItem
		if err := rows.Scan(&item.ID, &item.OrderID, &item.ProductID, &item.VariantID, &item.SellerID,
			&item.ProductName, &item.Quantity, &item.UnitPrice, &item.TotalPrice, &item.ReservationID,
			&item.WarehouseID); err != nil {
			return nil, err
		}
		o.Items = append(o.Items, item)
	}
	return &o, rows.Err()
}

func (r *PostgresOrderRepository) DeleteOrder(ctx context.Context, orderID string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM orders WHERE id = $1 AND status = 'PENDING'`, orderID)
	if err != nil {
		return fmt.Errorf("failed to delete order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrOrderNotFound
	}
	return nil
}

func (r *PostgresOrderRepository) AttachReservations(ctx context.Context, orderID string, items []OrderItem, expiresAt time.Time) error {
	return pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		for _, item := range items {
			if _, err := tx.Exec(ctx, `
				UPDATE order_items SET reservation_id = $3, warehouse_id = $4
				WHERE id = $1 AND order_id = $2
			`, item.ID, orderID, item.ReservationID, item.WarehouseID); err != nil {
				return fmt.Errorf("failed to attach reservation: %w", err)
			}
		}
		_, err := tx.Exec(ctx, `UPDATE orders SET reservation_expires_at = $2, updated_at = NOW() WHERE id = $1`, orderID, expiresAt)
		return err
	})
}

func (r *PostgresOrderRepository) UpdateTotals(ctx context.Context, orderID string, t Totals, discountID string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE orders
		SET subtotal = $2, shipping_fee = $3, discount_amount = $4, tax_amount = $5, total_amount = $6,
			discount_id = $7, updated_at = NOW()
		WHERE id = $1
	`, orderID, t.Subtotal, t.ShippingFee, t.DiscountAmount, t.TaxAmount, t.TotalAmount, discountID)
	if err != nil {
		return fmt.Errorf("failed to update totals: %w", err)
	}
	return nil
}

func (r *PostgresOrderRepository) SetPayment(ctx context.Context, orderID, transactionRef, paymentURL string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE orders SET payment_transaction_ref = $2, payment_url = $3, updated_at = NOW()
		WHERE id = $1 AND status = 'PENDING'
	`, orderID, transactionRef, paymentURL)
	if err != nil {
		return fmt.Errorf("failed to set payment: %w", err)
	}
	return nil
}

// TransitionStatus is a single UPDATE guarded by the expected statuses; among
// concurrent callers only one sees its row.
func (r *PostgresOrderRepository) TransitionStatus(ctx context.Context, change StatusChange, evt *events.Event) (*Order, error) {
	from := make([]string, len(change.From))
	for i, s := range change.From {
		if !s.CanTransitionTo(change.To) {
			return nil, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, s, change.To)
		}
		from[i] = string(s)
	}

	var order *Order
	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE orders
			SET status = $2,
				payment_status = COALESCE(NULLIF($3, ''), payment_status),
				payment_transaction_ref = COALESCE(NULLIF($4, ''), payment_transaction_ref),
				cancel_reason = COALESCE(NULLIF($5, ''), cancel_reason),
				stock_committed = COALESCE($6::boolean, stock_committed),
				updated_at = NOW()
			WHERE id = $1 AND status = ANY($7::text[])
		`, change.OrderID, change.To, string(change.PaymentStatus), change.PaymentRef, change.CancelReason,
			change.StockCommitted, from)
		if err != nil {
			return fmt.Errorf("failed to transition order: %w", err)
		}

		if tag.RowsAffected() == 0 {
			current, err := getOrder(ctx, tx, change.OrderID)
			if err != nil {
				return err
			}
			return &StatusConflictError{OrderID: change.OrderID, Current: current.Status}
		}

		if evt != nil {
			if err := outbox.Insert(ctx, tx, config.OrdersTopic, *evt); err != nil {
				return err
			}
		}

		order, err = getOrder(ctx, tx, change.OrderID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

func (r *PostgresOrderRepository) MarkStockCommitted(ctx context.Context, orderID string, evt *events.Event) (bool, error) {
	marked := false
	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE orders SET stock_committed = TRUE, updated_at = NOW()
			WHERE id = $1 AND status = 'CONFIRMED' AND NOT stock_committed
		`, orderID)
		if err != nil {
			return fmt.Errorf("failed to mark stock committed: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		marked = true
		if evt != nil {
			return outbox.Insert(ctx, tx, config.OrdersTopic, *evt)
		}
		return nil
	})
	return marked, err
}
