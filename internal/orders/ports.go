package orders

import (
	"context"
	"errors"
	"time"
)

// Errors the collaborator clients translate transport outcomes into.
var (
	ErrUpstreamUnavailable = errors.New("upstream service unavailable")
	ErrUpstreamRejected    = errors.New("upstream service rejected the request")
	ErrStockUnavailable    = errors.New("insufficient stock")
)

type StockLine struct {
	OrderItemID string `json:"order_item_id,omitempty"`
	ProductID   string `json:"product_id"`
	VariantID   string `json:"variant_id,omitempty"`
	Quantity    int    `json:"quantity"`
}

type StockAvailability struct {
	ProductID string `json:"product_id"`
	VariantID string `json:"variant_id,omitempty"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
	InStock   bool   `json:"in_stock"`
}

type StockReservation struct {
	ID          string `json:"id"`
	OrderItemID string `json:"order_item_id"`
	ProductID   string `json:"product_id"`
	VariantID   string `json:"variant_id,omitempty"`
	WarehouseID string `json:"warehouse_id"`
	Quantity    int    `json:"quantity"`
}

type ReserveStockRequest struct {
	OrderID     string        `json:"order_id"`
	OrderNumber string        `json:"order_number"`
	Items       []StockLine   `json:"items"`
	TTL         time.Duration `json:"-"`
}

type ReserveStockResult struct {
	Reservations []StockReservation `json:"reservations"`
	ExpiresAt    time.Time          `json:"expires_at"`
}

type CommitStockResult struct {
	Committed        int  `json:"committed"`
	AlreadyCommitted int  `json:"already_committed"`
	StockSecured     bool `json:"stock_secured"`
}

// InventoryClient is the Reservation Engine seen from the order side.
type InventoryClient interface {
	CheckAvailability(ctx context.Context, lines []StockLine) ([]StockAvailability, error)
	// Reserve returns ErrStockUnavailable when a line cannot be held.
	Reserve(ctx context.Context, req ReserveStockRequest) (*ReserveStockResult, error)
	Commit(ctx context.Context, orderID string) (*CommitStockResult, error)
	Release(ctx context.Context, orderID, reason string) error
}

type DiscountLine struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
}

type DiscountValidation struct {
	Valid          bool   `json:"valid"`
	Message        string `json:"message,omitempty"`
	DiscountAmount int64  `json:"discount_amount"`
}

type DiscountApplyRequest struct {
	Code        string         `json:"code"`
	OrderID     string         `json:"order_id"`
	OrderNumber string         `json:"order_number"`
	UserID      string         `json:"user_id"`
	OrderAmount int64          `json:"order_amount"`
	Items       []DiscountLine `json:"items"`
}

type DiscountApplication struct {
	Success        bool   `json:"success"`
	DiscountID     string `json:"discount_id,omitempty"`
	DiscountAmount int64  `json:"discount_amount"`
	Message        string `json:"message,omitempty"`
}

// DiscountClient is the orders side of the discount service.
type DiscountClient interface {
	Validate(ctx context.Context, code, userID string, orderAmount int64, lines []DiscountLine) (*DiscountValidation, error)
	Apply(ctx context.Context, req DiscountApplyRequest) (*DiscountApplication, error)
	Rollback(ctx context.Context, orderID, discountID, reason string) error
}

type PaymentLine struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name,omitempty"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
}

type PaymentRequest struct {
	OrderID     string        `json:"order_id"`
	OrderNumber string        `json:"order_number"`
	UserID      string        `json:"user_id"`
	Amount      int64         `json:"amount"`
	Currency    string        `json:"currency"`
	Gateway     string        `json:"gateway"`
	Method      string        `json:"method"`
	Description string        `json:"description"`
	ReturnURL   string        `json:"return_url"`
	Items       []PaymentLine `json:"items"`
}

type PaymentSession struct {
	Success       bool      `json:"success"`
	TransactionID string    `json:"transaction_id"`
	PaymentURL    string    `json:"payment_url"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// PaymentClient opens payment sessions with the gateway.
type PaymentClient interface {
	CreatePayment(ctx context.Context, req PaymentRequest) (*PaymentSession, error)
}

// CartStore holds the user's cart between visits.
type CartStore interface {
	GetCart(ctx context.Context, userID string) ([]CartLine, error)
	ClearCart(ctx context.Context, userID string) error
}
