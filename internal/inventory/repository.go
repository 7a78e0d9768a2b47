package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/matheusmosca/checkout-saga/internal/platform/database"
)

// Repository is the only way stock quantities change. Every method that mutates
// an Item does it with a conditional statement and writes the matching
// StockTransaction in the same database transaction.
type Repository interface {
	GetItem(ctx context.Context, itemID string) (*Item, error)
	FindItems(ctx context.Context, productID, variantID string) ([]Item, error)
	EnsureItem(ctx context.Context, item *Item) (*Item, error)

	// HoldStock picks an item of the line's product with enough available stock,
	// increments its reserved quantity and inserts a HELD reservation.
	// Returns an InsufficientStockError when no item qualifies.
	HoldStock(ctx context.Context, p HoldParams) (*Reservation, error)

	// TransitionReservations moves HELD reservations to a terminal status and
	// returns the ones this call transitioned. Zero rows is a valid no-op.
	TransitionReservations(ctx context.Context, t Transition) ([]Reservation, error)

	ListReservations(ctx context.Context, orderID string) ([]Reservation, error)
	ListExpiredOrderIDs(ctx context.Context, now time.Time, limit int) ([]string, error)

	AdjustOnHand(ctx context.Context, a Adjustment) (*Item, error)

	// ReturnCommitted puts the committed quantity of an order back on hand once.
	ReturnCommitted(ctx context.Context, orderID string) ([]StockTransaction, error)

	ListTransactions(ctx context.Context, itemID string, limit int) ([]StockTransaction, error)
}

// PostgresInventoryRepository implements Repository on PostgreSQL
type PostgresInventoryRepository struct {
	db database.DB
}

func NewInventoryRepository(db database.DB) Repository {
	return &PostgresInventoryRepository{
		db: db,
	}
}

const itemColumns = `id, product_id, variant_id, warehouse_id, on_hand_quantity, reserved_quantity, low_stock_threshold, created_at, updated_at`

const reservationColumns = `id, inventory_item_id, product_id, variant_id, warehouse_id, order_id, order_number, order_item_id, quantity, status, expires_at, created_at, updated_at`

func scanItem(row pgx.Row) (*Item, error) {
	var item Item
	err := row.Scan(
		&item.ID, &item.ProductID, &item.VariantID, &item.WarehouseID,
		&item.OnHandQuantity, &item.ReservedQuantity, &item.LowStockThreshold,
		&item.CreatedAt, &item.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func scanReservation(row pgx.Row) (*Reservation, error) {
	var res Reservation
	err := row.Scan(
		&res.ID, &res.InventoryItemID, &res.ProductID, &res.VariantID, &res.WarehouseID,
		&res.OrderID, &res.OrderNumber, &res.OrderItemID, &res.Quantity, &res.Status,
		&res.ExpiresAt, &res.CreatedAt, &res.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (r *PostgresInventoryRepository) GetItem(ctx context.Context, itemID string) (*Item, error) {
	item, err := scanItem(r.db.QueryRow(ctx, `SELECT `+itemColumns+` FROM inventory_items WHERE id = $1`, itemID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrItemNotFound
		}
		return nil, fmt.Errorf("failed to get inventory item: %w", err)
	}
	return item, nil
}

func (r *PostgresInventoryRepository) FindItems(ctx context.Context, productID, variantID string) ([]Item, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+itemColumns+`
		FROM inventory_items
		WHERE product_id = $1 AND variant_id = $2
		ORDER BY on_hand_quantity - reserved_quantity DESC, id
	`, productID, variantID)
	if err != nil {
		return nil, fmt.Errorf("failed to find inventory items: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

// EnsureItem creates the ledger row of (product, variant, warehouse) if missing.
func (r *PostgresInventoryRepository) EnsureItem(ctx context.Context, item *Item) (*Item, error) {
	id := item.ID
	if id == "" {
		id = uuid.New().String()
	}
	out, err := scanItem(r.db.QueryRow(ctx, `
		INSERT INTO inventory_items (id, product_id, variant_id, warehouse_id, on_hand_quantity, reserved_quantity, low_stock_threshold)
		VALUES ($1, $2, $3, $4, 0, 0, $5)
		ON CONFLICT (product_id, variant_id, warehouse_id)
		DO UPDATE SET low_stock_threshold = EXCLUDED.low_stock_threshold, updated_at = NOW()
		RETURNING `+itemColumns,
		id, item.ProductID, item.VariantID, item.WarehouseID, item.LowStockThreshold,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to ensure inventory item: %w", err)
	}
	return out, nil
}

// HoldStock reserves with a single conditional UPDATE: availability is checked
// by the same statement that increments reserved_quantity.
func (r *PostgresInventoryRepository) HoldStock(ctx context.Context, p HoldParams) (*Reservation, error) {
	var reservation *Reservation

	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		var itemID, warehouseID string
		var reservedAfter int
		err := tx.QueryRow(ctx, `
			UPDATE inventory_items
			SET reserved_quantity = reserved_quantity + $3,
			    updated_at = NOW()
			WHERE id = (
				SELECT id FROM inventory_items
				WHERE product_id = $1 AND variant_id = $2
				  AND on_hand_quantity - reserved_quantity >= $3
				ORDER BY on_hand_quantity - reserved_quantity DESC, id
				LIMIT 1
				FOR UPDATE
			)
			AND on_hand_quantity - reserved_quantity >= $3
			RETURNING id, warehouse_id, reserved_quantity
		`, p.Line.ProductID, p.Line.VariantID, p.Line.Quantity).Scan(&itemID, &warehouseID, &reservedAfter)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return &InsufficientStockError{ProductID: p.Line.ProductID, VariantID: p.Line.VariantID, Requested: p.Line.Quantity}
			}
			return fmt.Errorf("failed to hold stock: %w", err)
		}

		res, err := scanReservation(tx.QueryRow(ctx, `
			INSERT INTO inventory_reservations
				(id, inventory_item_id, product_id, variant_id, warehouse_id, order_id, order_number, order_item_id, quantity, status, expires_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			RETURNING `+reservationColumns,
			uuid.New().String(), itemID, p.Line.ProductID, p.Line.VariantID, warehouseID,
			p.OrderID, p.OrderNumber, p.Line.OrderItemID, p.Line.Quantity, ReservationHeld, p.ExpiresAt,
		))
		if err != nil {
			return fmt.Errorf("failed to insert reservation: %w", err)
		}

		if err := insertTransaction(ctx, tx, StockTransaction{
			InventoryItemID: itemID,
			Type:            TransactionReserve,
			QuantityDelta:   p.Line.Quantity,
			QuantityBefore:  reservedAfter - p.Line.Quantity,
			QuantityAfter:   reservedAfter,
			ReferenceType:   ReferenceOrder,
			ReferenceID:     p.OrderID,
		}); err != nil {
			return err
		}

		reservation = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reservation, nil
}

// TransitionReservations flips status with "WHERE status = 'HELD'", so among
// concurrent Commit, Release and expiry the first statement wins and the others
// see zero rows.
func (r *PostgresInventoryRepository) TransitionReservations(ctx context.Context, t Transition) ([]Reservation, error) {
	if t.To == ReservationHeld {
		return nil, fmt.Errorf("%w: cannot transition to %s", ErrInvalidRequest, t.To)
	}

	var transitioned []Reservation

	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		query := `
			UPDATE inventory_reservations
			SET status = $2, updated_at = NOW()
			WHERE order_id = $1 AND status = 'HELD'`
		args := []any{t.OrderID, t.To}
		if t.ExpiredBefore != nil {
			query += ` AND expires_at < $3`
			args = append(args, *t.ExpiredBefore)
		}
		query += ` RETURNING ` + reservationColumns

		rows, err := tx.Query(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to transition reservations: %w", err)
		}
		for rows.Next() {
			res, err := scanReservation(rows)
			if err != nil {
				rows.Close()
				return err
			}
			transitioned = append(transitioned, *res)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, res := range transitioned {
			stx, err := settleReservation(ctx, tx, res, t)
			if err != nil {
				return err
			}
			if err := insertTransaction(ctx, tx, stx); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return transitioned, nil
}

// settleReservation applies the quantity side of a transition to the held item.
func settleReservation(ctx context.Context, tx pgx.Tx, res Reservation, t Transition) (StockTransaction, error) {
	stx := StockTransaction{
		InventoryItemID: res.InventoryItemID,
		ReferenceType:   ReferenceOrder,
		ReferenceID:     res.OrderID,
		Note:            t.Reason,
	}

	if t.To == ReservationCommitted {
		var onHandAfter int
		err := tx.QueryRow(ctx, `
			UPDATE inventory_items
			SET on_hand_quantity = on_hand_quantity - $2,
			    reserved_quantity = reserved_quantity - $2,
			    updated_at = NOW()
			WHERE id = $1 AND reserved_quantity >= $2 AND on_hand_quantity >= $2
			RETURNING on_hand_quantity
		`, res.InventoryItemID, res.Quantity).Scan(&onHandAfter)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return stx, fmt.Errorf("%w: item %s cannot commit %d", ErrInvariantViolation, res.InventoryItemID, res.Quantity)
			}
			return stx, fmt.Errorf("failed to commit stock: %w", err)
		}
		stx.Type = TransactionCommit
		stx.QuantityDelta = -res.Quantity
		stx.QuantityBefore = onHandAfter + res.Quantity
		stx.QuantityAfter = onHandAfter
		return stx, nil
	}

	var reservedAfter int
	err := tx.QueryRow(ctx, `
		UPDATE inventory_items
		SET reserved_quantity = reserved_quantity - $2,
		    updated_at = NOW()
		WHERE id = $1 AND reserved_quantity >= $2
		RETURNING reserved_quantity
	`, res.InventoryItemID, res.Quantity).Scan(&reservedAfter)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return stx, fmt.Errorf("%w: item %s cannot release %d", ErrInvariantViolation, res.InventoryItemID, res.Quantity)
		}
		return stx, fmt.Errorf("failed to release stock: %w", err)
	}
	stx.Type = TransactionRelease
	stx.QuantityDelta = -res.Quantity
	stx.QuantityBefore = reservedAfter + res.Quantity
	stx.QuantityAfter = reservedAfter
	if t.To == ReservationExpired {
		stx.ReferenceType = ReferenceReservationExpired
		stx.ReferenceID = res.ID
	}
	return stx, nil
}

func (r *PostgresInventoryRepository) ListReservations(ctx context.Context, orderID string) ([]Reservation, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+reservationColumns+`
		FROM inventory_reservations
		WHERE order_id = $1
		ORDER BY created_at, id
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list reservations: %w", err)
	}
	defer rows.Close()

	var out []Reservation
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *res)
	}
	return out, rows.Err()
}

func (r *PostgresInventoryRepository) ListExpiredOrderIDs(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := r.db.Query(ctx, `
		SELECT order_id
		FROM inventory_reservations
		WHERE status = 'HELD' AND expires_at < $1
		GROUP BY order_id
		ORDER BY MIN(expires_at)
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired reservations: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AdjustOnHand never lets on-hand drop below what is reserved.
func (r *PostgresInventoryRepository) AdjustOnHand(ctx context.Context, a Adjustment) (*Item, error) {
	var item *Item

	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		out, err := scanItem(tx.QueryRow(ctx, `
			UPDATE inventory_items
			SET on_hand_quantity = on_hand_quantity + $2,
			    updated_at = NOW()
			WHERE id = $1 AND on_hand_quantity + $2 >= reserved_quantity
			RETURNING `+itemColumns,
			a.ItemID, a.Delta,
		))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				var exists bool
				if qerr := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM inventory_items WHERE id = $1)`, a.ItemID).Scan(&exists); qerr != nil {
					return qerr
				}
				if !exists {
					return ErrItemNotFound
				}
				return &InsufficientStockError{Requested: -a.Delta}
			}
			return fmt.Errorf("failed to adjust stock: %w", err)
		}

		if err := insertTransaction(ctx, tx, StockTransaction{
			InventoryItemID: out.ID,
			Type:            a.Type,
			QuantityDelta:   a.Delta,
			QuantityBefore:  out.OnHandQuantity - a.Delta,
			QuantityAfter:   out.OnHandQuantity,
			ReferenceType:   a.ReferenceType,
			ReferenceID:     a.ReferenceID,
			Note:            a.Note,
		}); err != nil {
			return err
		}

		item = out
		return nil
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// ReturnCommitted relies on the unique index over RETURN rows per (order, item):
// a second call inserts nothing and its stock increment is rolled back.
func (r *PostgresInventoryRepository) ReturnCommitted(ctx context.Context, orderID string) ([]StockTransaction, error) {
	var returned []StockTransaction

	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT inventory_item_id, SUM(quantity)
			FROM inventory_reservations
			WHERE order_id = $1 AND status = 'COMMITTED'
			GROUP BY inventory_item_id
			ORDER BY inventory_item_id
		`, orderID)
		if err != nil {
			return fmt.Errorf("failed to list committed reservations: %w", err)
		}
		type committed struct {
			itemID   string
			quantity int
		}
		var lines []committed
		for rows.Next() {
			var c committed
			if err := rows.Scan(&c.itemID, &c.quantity); err != nil {
				rows.Close()
				return err
			}
			lines = append(lines, c)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, c := range lines {
			var onHandAfter int
			if err := tx.QueryRow(ctx, `
				UPDATE inventory_items
				SET on_hand_quantity = on_hand_quantity + $2, updated_at = NOW()
				WHERE id = $1
				RETURNING on_hand_quantity
			`, c.itemID, c.quantity).Scan(&onHandAfter); err != nil {
				return fmt.Errorf("failed to return stock: %w", err)
			}

			stx := StockTransaction{
				ID:              uuid.New().String(),
				InventoryItemID: c.itemID,
				Type:            TransactionReturn,
				QuantityDelta:   c.quantity,
				QuantityBefore:  onHandAfter - c.quantity,
				QuantityAfter:   onHandAfter,
				ReferenceType:   ReferenceOrder,
				ReferenceID:     orderID,
				Note:            "order cancelled after commit",
			}
			tag, err := tx.Exec(ctx, `
				INSERT INTO stock_transactions
					(id, inventory_item_id, type, quantity_delta, quantity_before, quantity_after, reference_type, reference_id, note)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
				ON CONFLICT (reference_id, inventory_item_id) WHERE type = 'RETURN' DO NOTHING
			`, stx.ID, stx.InventoryItemID, stx.Type, stx.QuantityDelta, stx.QuantityBefore, stx.QuantityAfter,
				stx.ReferenceType, stx.ReferenceID, stx.Note)
			if err != nil {
				return fmt.Errorf("failed to insert return transaction: %w", err)
			}
			if tag.RowsAffected() == 0 {
				// already returned by an earlier delivery
				returned = nil
				return errAlreadyReturned
			}
			returned = append(returned, stx)
		}
		return nil
	})
	if errors.Is(err, errAlreadyReturned) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return returned, nil
}

var errAlreadyReturned = errors.New("stock already returned")

func (r *PostgresInventoryRepository) ListTransactions(ctx context.Context, itemID string, limit int) ([]StockTransaction, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, inventory_item_id, type, quantity_delta, quantity_before, quantity_after, reference_type, reference_id, note, created_at
		FROM stock_transactions
		WHERE inventory_item_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2
	`, itemID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stock transactions: %w", err)
	}
	defer rows.Close()

	var out []StockTransaction
	for rows.Next() {
		var stx StockTransaction
		if err := rows.Scan(&stx.ID, &stx.InventoryItemID, &stx.Type, &stx.QuantityDelta, &stx.QuantityBefore,
			&stx.QuantityAfter, &stx.ReferenceType, &stx.ReferenceID, &stx.Note, &stx.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, stx)
	}
	return out, rows.Err()
}

func insertTransaction(ctx context.Context, tx pgx.Tx, stx StockTransaction) error {
	if stx.ID == "" {
		stx.ID = uuid.New().String()
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO stock_transactions
			(id, inventory_item_id, type, quantity_delta, quantity_before, quantity_after, reference_type, reference_id, note)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, stx.ID, stx.InventoryItemID, stx.Type, stx.QuantityDelta, stx.QuantityBefore, stx.QuantityAfter,
		stx.ReferenceType, stx.ReferenceID, stx.Note)
	if err != nil {
		return fmt.Errorf("failed to insert stock transaction: %w", err)
	}
	return nil
}
