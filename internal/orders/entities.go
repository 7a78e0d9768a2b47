package orders

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an order.
type Status string

const (
	StatusPending       Status = "PENDING"
	StatusConfirmed     Status = "CONFIRMED"
	StatusProcessing    Status = "PROCESSING"
	StatusShipped       Status = "SHIPPED"
	StatusDelivered     Status = "DELIVERED"
	StatusCancelled     Status = "CANCELLED"
	StatusPaymentFailed Status = "PAYMENT_FAILED"
)

// PaymentStatus tracks the payment side of an order independently of Status.
type PaymentStatus string

const (
	PaymentUnpaid PaymentStatus = "UNPAID"
	PaymentPaid   PaymentStatus = "PAID"
	PaymentFailed PaymentStatus = "FAILED"
)

// allowed transitions; anything missing is rejected
var transitions = map[Status][]Status{
	StatusPending:    {StatusConfirmed, StatusCancelled, StatusPaymentFailed},
	StatusConfirmed:  {StatusProcessing, StatusCancelled},
	StatusProcessing: {StatusShipped},
	StatusShipped:    {StatusDelivered},
}

// CanTransitionTo reports whether next is reachable from s in one step.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal is true for statuses with no way out.
func (s Status) IsTerminal() bool {
	return len(transitions[s]) == 0
}

var (
	ErrOrderNotFound       = errors.New("order not found")
	ErrStatusConflict      = errors.New("order status changed concurrently")
	ErrOrderNotPayable     = errors.New("order is not in a payable state")
	ErrOrderNotCancellable = errors.New("order can no longer be cancelled")
	ErrInvalidTransition   = errors.New("invalid order status transition")
)

// StatusConflictError carries the status found instead of the expected one.
type StatusConflictError struct {
	OrderID string
	Current Status
}

func (e *StatusConflictError) Error() string {
	return fmt.Sprintf("order %s is %s", e.OrderID, e.Current)
}

func (e *StatusConflictError) Is(target error) bool {
	return target == ErrStatusConflict
}

// Order is the aggregate root. Amounts are minor currency units.
type Order struct {
	ID                    string        `json:"id" db:"id"`
	OrderNumber           string        `json:"order_number" db:"order_number"`
	UserID                string        `json:"user_id" db:"user_id"`
	Status                Status        `json:"status" db:"status"`
	PaymentStatus         PaymentStatus `json:"payment_status" db:"payment_status"`
	Subtotal              int64         `json:"subtotal" db:"subtotal"`
	ShippingFee           int64         `json:"shipping_fee" db:"shipping_fee"`
	DiscountAmount        int64         `json:"discount_amount" db:"discount_amount"`
	TaxAmount             int64         `json:"tax_amount" db:"tax_amount"`
	TotalAmount           int64         `json:"total_amount" db:"total_amount"`
	Currency              string        `json:"currency" db:"currency"`
	DiscountCode          string        `json:"discount_code,omitempty" db:"discount_code"`
	DiscountID            string        `json:"discount_id,omitempty" db:"discount_id"`
	PaymentMethod         string        `json:"payment_method" db:"payment_method"`
	PaymentGateway        string        `json:"payment_gateway" db:"payment_gateway"`
	PaymentTransactionRef string        `json:"payment_transaction_ref,omitempty" db:"payment_transaction_ref"`
	PaymentURL            string        `json:"payment_url,omitempty" db:"payment_url"`
	ShippingAddress       string        `json:"shipping_address" db:"shipping_address"`
	Note                  string        `json:"note,omitempty" db:"note"`
	CancelReason          string        `json:"cancel_reason,omitempty" db:"cancel_reason"`
	StockCommitted        bool          `json:"stock_committed" db:"stock_committed"`
	ReservationExpiresAt  *time.Time    `json:"reservation_expires_at,omitempty" db:"reservation_expires_at"`
	Items                 []OrderItem   `json:"items"`
	CreatedAt             time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt             time.Time     `json:"updated_at" db:"updated_at"`
}

// OrderItem is one purchased line and the stock reservation backing it.
type OrderItem struct {
	ID            string `json:"id" db:"id"`
	OrderID       string `json:"order_id" db:"order_id"`
	ProductID     string `json:"product_id" db:"product_id"`
	VariantID     string `json:"variant_id,omitempty" db:"variant_id"`
	SellerID      string `json:"seller_id,omitempty" db:"seller_id"`
	ProductName   string `json:"product_name,omitempty" db:"product_name"`
	Quantity      int    `json:"quantity" db:"quantity"`
	UnitPrice     int64  `json:"unit_price" db:"unit_price"`
	TotalPrice    int64  `json:"total_price" db:"total_price"`
	ReservationID string `json:"reservation_id,omitempty" db:"reservation_id"`
	WarehouseID   string `json:"warehouse_id,omitempty" db:"warehouse_id"`
}

// ReservationIDs lists the reservation of every item that has one.
func (o *Order) ReservationIDs() []string {
	var ids []string
	for _, item := range o.Items {
		if item.ReservationID != "" {
			ids = append(ids, item.ReservationID)
		}
	}
	return ids
}

// Totals returns the order's price breakdown.
func (o *Order) Totals() Totals {
	return Totals{
		Subtotal:       o.Subtotal,
		ShippingFee:    o.ShippingFee,
		DiscountAmount: o.DiscountAmount,
		TaxAmount:      o.TaxAmount,
		TotalAmount:    o.TotalAmount,
	}
}

// Totals are minor currency units.
type Totals struct {
	Subtotal       int64 `json:"subtotal"`
	ShippingFee    int64 `json:"shipping_fee"`
	DiscountAmount int64 `json:"discount_amount"`
	TaxAmount      int64 `json:"tax_amount"`
	TotalAmount    int64 `json:"total_amount"`
}

// ComputeTotals applies tax in basis points to the discounted subtotal.
func ComputeTotals(subtotal, shippingFee, discountAmount, taxRateBps int64) Totals {
	if discountAmount > subtotal {
		discountAmount = subtotal
	}
	tax := (subtotal - discountAmount) * taxRateBps / 10000
	return Totals{
		Subtotal:       subtotal,
		ShippingFee:    shippingFee,
		DiscountAmount: discountAmount,
		TaxAmount:      tax,
		TotalAmount:    subtotal + shippingFee - discountAmount + tax,
	}
}

// NewOrderNumber formats ORD-YYYYMMDD-XXXXXXXX.
func NewOrderNumber(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", "")[:8])
	return fmt.Sprintf("ORD-%s-%s", now.UTC().Format("20060102"), suffix)
}

// CartLine is one priced line of the user's cart.
type CartLine struct {
	ProductID   string `json:"product_id" binding:"required"`
	VariantID   string `json:"variant_id,omitempty"`
	SellerID    string `json:"seller_id,omitempty"`
	ProductName string `json:"product_name,omitempty"`
	Quantity    int    `json:"quantity" binding:"required,gt=0"`
	UnitPrice   int64  `json:"unit_price" binding:"gte=0"`
}

// StatusChange is one conditional transition: it only applies when the order
// is currently in one of From.
type StatusChange struct {
	OrderID        string
	From           []Status
	To             Status
	PaymentStatus  PaymentStatus
	PaymentRef     string
	CancelReason   string
	StockCommitted *bool
}
