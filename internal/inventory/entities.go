package inventory

import (
	"time"
)

// Item is the stock ledger row of one (product, variant, warehouse).
// Reserved never exceeds OnHand; both only change through the repository primitives.
type Item struct {
	ID                string    `json:"id" db:"id"`
	ProductID         string    `json:"product_id" db:"product_id"`
	VariantID         string    `json:"variant_id,omitempty" db:"variant_id"`
	WarehouseID       string    `json:"warehouse_id" db:"warehouse_id"`
	OnHandQuantity    int       `json:"on_hand_quantity" db:"on_hand_quantity"`
	ReservedQuantity  int       `json:"reserved_quantity" db:"reserved_quantity"`
	LowStockThreshold int       `json:"low_stock_threshold" db:"low_stock_threshold"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time `json:"updated_at" db:"updated_at"`
}

// Available returns on-hand stock not held by a reservation.
func (i *Item) Available() int {
	return i.OnHandQuantity - i.ReservedQuantity
}

func (i *Item) IsLowStock() bool {
	return i.Available() <= i.LowStockThreshold
}

type ReservationStatus string

const (
	ReservationHeld      ReservationStatus = "HELD"
	ReservationCommitted ReservationStatus = "COMMITTED"
	ReservationReleased  ReservationStatus = "RELEASED"
	ReservationExpired   ReservationStatus = "EXPIRED"
)

// Reservation is a time-bounded hold against one Item for one order line.
type Reservation struct {
	ID              string            `json:"id" db:"id"`
	InventoryItemID string            `json:"inventory_item_id" db:"inventory_item_id"`
	ProductID       string            `json:"product_id" db:"product_id"`
	VariantID       string            `json:"variant_id,omitempty" db:"variant_id"`
	WarehouseID     string            `json:"warehouse_id" db:"warehouse_id"`
	OrderID         string            `json:"order_id" db:"order_id"`
	OrderNumber     string            `json:"order_number" db:"order_number"`
	OrderItemID     string            `json:"order_item_id" db:"order_item_id"`
	Quantity        int               `json:"quantity" db:"quantity"`
	Status          ReservationStatus `json:"status" db:"status"`
	ExpiresAt       time.Time         `json:"expires_at" db:"expires_at"`
	CreatedAt       time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at" db:"updated_at"`
}

func (r *Reservation) IsTerminal() bool {
	return r.Status != ReservationHeld
}

type TransactionType string

const (
	TransactionImport   TransactionType = "IMPORT"
	TransactionExport   TransactionType = "EXPORT"
	TransactionReserve  TransactionType = "RESERVE"
	TransactionRelease  TransactionType = "RELEASE"
	TransactionCommit   TransactionType = "COMMIT"
	TransactionAdjust   TransactionType = "ADJUST"
	TransactionTransfer TransactionType = "TRANSFER"
	TransactionReturn   TransactionType = "RETURN"
)

// Reference types recorded on stock transactions.
const (
	ReferenceOrder              = "order"
	ReferenceReservationExpired = "reservation_expired"
	ReferenceManual             = "manual"
)

// StockTransaction is an append-only audit row. For RESERVE and RELEASE the
// before/after values track reserved quantity, for every other type on-hand quantity.
type StockTransaction struct {
	ID              string          `json:"id" db:"id"`
	InventoryItemID string          `json:"inventory_item_id" db:"inventory_item_id"`
	Type            TransactionType `json:"type" db:"type"`
	QuantityDelta   int             `json:"quantity_delta" db:"quantity_delta"`
	QuantityBefore  int             `json:"quantity_before" db:"quantity_before"`
	QuantityAfter   int             `json:"quantity_after" db:"quantity_after"`
	ReferenceType   string          `json:"reference_type" db:"reference_type"`
	ReferenceID     string          `json:"reference_id" db:"reference_id"`
	Note            string          `json:"note,omitempty" db:"note"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
}

// Line is one requested quantity of a product variant.
type Line struct {
	OrderItemID string `json:"order_item_id,omitempty"`
	ProductID   string `json:"product_id" binding:"required"`
	VariantID   string `json:"variant_id,omitempty"`
	Quantity    int    `json:"quantity" binding:"required,gt=0"`
}

// Availability is the dry-run answer for one Line.
type Availability struct {
	ProductID string `json:"product_id"`
	VariantID string `json:"variant_id,omitempty"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
	InStock   bool   `json:"in_stock"`
}

type ReserveRequest struct {
	OrderID     string        `json:"order_id"`
	OrderNumber string        `json:"order_number"`
	Items       []Line        `json:"items"`
	TTL         time.Duration `json:"-"`
}

type ReserveResult struct {
	Reservations []Reservation `json:"reservations"`
	ExpiresAt    time.Time     `json:"expires_at"`
}

// ReservationIDs lists the ids in reservation order.
func (r *ReserveResult) ReservationIDs() []string {
	ids := make([]string, len(r.Reservations))
	for i, res := range r.Reservations {
		ids[i] = res.ID
	}
	return ids
}

// HoldParams is what the repository needs to place one hold.
type HoldParams struct {
	OrderID     string
	OrderNumber string
	Line        Line
	ExpiresAt   time.Time
}

// Transition moves every HELD reservation of an order to To. With
// ExpiredBefore set only holds whose expiry is earlier take part.
type Transition struct {
	OrderID       string
	To            ReservationStatus
	Reason        string
	ExpiredBefore *time.Time
}

// Adjustment changes on-hand quantity of one item.
type Adjustment struct {
	ItemID        string
	Delta         int
	Type          TransactionType
	ReferenceType string
	ReferenceID   string
	Note          string
}

// ReservationsExpired is published after the sweep expired an order's holds.
type ReservationsExpired struct {
	OrderID        string   `json:"order_id"`
	ReservationIDs []string `json:"reservation_ids"`
}

// CommitResult reports what Commit found for an order.
type CommitResult struct {
	Committed []Reservation `json:"committed"`
	// AlreadyCommitted counts reservations committed by an earlier call.
	AlreadyCommitted int `json:"already_committed"`
}

// StockSecured is false when no reservation of the order ended up committed,
// which means the holds were released or expired before payment landed.
func (r *CommitResult) StockSecured() bool {
	return len(r.Committed)+r.AlreadyCommitted > 0
}

type ImportRequest struct {
	ProductID         string `json:"product_id" binding:"required"`
	VariantID         string `json:"variant_id"`
	WarehouseID       string `json:"warehouse_id" binding:"required"`
	Quantity          int    `json:"quantity" binding:"required,gt=0"`
	LowStockThreshold int    `json:"low_stock_threshold"`
	ReferenceID       string `json:"reference_id"`
	Note              string `json:"note"`
}

type AdjustRequest struct {
	Delta       int             `json:"delta" binding:"required"`
	Type        TransactionType `json:"type"`
	ReferenceID string          `json:"reference_id"`
	Note        string          `json:"note"`
}
