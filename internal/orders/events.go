package orders

import (
	"time"

	"github.com/matheusmosca/checkout-saga/internal/platform/events"
)

// ItemPayload is an order line as downstream consumers see it.
type ItemPayload struct {
	OrderItemID   string `json:"order_item_id"`
	ProductID     string `json:"product_id"`
	VariantID     string `json:"variant_id,omitempty"`
	SellerID      string `json:"seller_id,omitempty"`
	Quantity      int    `json:"quantity"`
	UnitPrice     int64  `json:"unit_price"`
	ReservationID string `json:"reservation_id,omitempty"`
	WarehouseID   string `json:"warehouse_id,omitempty"`
}

// OrderConfirmed is published once the stock of a paid order is committed.
type OrderConfirmed struct {
	OrderID      string        `json:"order_id"`
	OrderNumber  string        `json:"order_number"`
	UserID       string        `json:"user_id"`
	Items        []ItemPayload `json:"items"`
	DiscountID   string        `json:"discount_id,omitempty"`
	DiscountCode string        `json:"discount_code,omitempty"`
	Totals       Totals        `json:"totals"`
	PaidAt       time.Time     `json:"paid_at"`
}

// OrderCancelled tells inventory, discount and refunds that the order is closed.
type OrderCancelled struct {
	OrderID        string        `json:"order_id"`
	OrderNumber    string        `json:"order_number"`
	Items          []ItemPayload `json:"items"`
	DiscountID     string        `json:"discount_id,omitempty"`
	DiscountCode   string        `json:"discount_code,omitempty"`
	RefundAmount   int64         `json:"refund_amount"`
	RequiresRefund bool          `json:"requires_refund"`
	StockCommitted bool          `json:"stock_committed"`
	Reason         string        `json:"reason"`
}

// OrderPaymentFailed is published when a PENDING order's payment is declined.
type OrderPaymentFailed struct {
	OrderID        string   `json:"order_id"`
	OrderNumber    string   `json:"order_number"`
	DiscountID     string   `json:"discount_id,omitempty"`
	DiscountCode   string   `json:"discount_code,omitempty"`
	ReservationIDs []string `json:"reservation_ids"`
	ErrorCode      string   `json:"error_code,omitempty"`
	ErrorMessage   string   `json:"error_message,omitempty"`
	Reason         string   `json:"reason"`
}

// PaymentSuccess is the inbound success outcome, by callback or event.
type PaymentSuccess struct {
	TransactionID string    `json:"transaction_id" binding:"required"`
	OrderID       string    `json:"order_id" binding:"required"`
	Amount        int64     `json:"amount"`
	Gateway       string    `json:"gateway"`
	PaidAt        time.Time `json:"paid_at"`
}

// PaymentFailure is the inbound failure outcome, by callback or event.
type PaymentFailure struct {
	TransactionID  string   `json:"transaction_id"`
	OrderID        string   `json:"order_id" binding:"required"`
	ErrorCode      string   `json:"error_code"`
	ErrorMessage   string   `json:"error_message"`
	ReservationIDs []string `json:"reservation_ids"`
}

// ReservationsExpired mirrors the inventory notification.
type ReservationsExpired struct {
	OrderID        string   `json:"order_id"`
	ReservationIDs []string `json:"reservation_ids"`
}

func itemPayloads(items []OrderItem) []ItemPayload {
	out := make([]ItemPayload, len(items))
	for i, item := range items {
		out[i] = ItemPayload{
			OrderItemID:   item.ID,
			ProductID:     item.ProductID,
			VariantID:     item.VariantID,
			SellerID:      item.SellerID,
			Quantity:      item.Quantity,
			UnitPrice:     item.UnitPrice,
			ReservationID: item.ReservationID,
			WarehouseID:   item.WarehouseID,
		}
	}
	return out
}

func newConfirmedEvent(o *Order, paidAt time.Time) (events.Event, error) {
	return events.New(events.TypeOrderConfirmed, o.ID, OrderConfirmed{
		OrderID:      o.ID,
		OrderNumber:  o.OrderNumber,
		UserID:       o.UserID,
		Items:        itemPayloads(o.Items),
		DiscountID:   o.DiscountID,
		DiscountCode: o.DiscountCode,
		Totals:       o.Totals(),
		PaidAt:       paidAt,
	})
}

func newCancelledEvent(o *Order, reason string, stockCommitted bool) (events.Event, error) {
	requiresRefund := o.PaymentStatus == PaymentPaid
	var refund int64
	if requiresRefund {
		refund = o.TotalAmount
	}
	return events.New(events.TypeOrderCancelled, o.ID, OrderCancelled{
		OrderID:        o.ID,
		OrderNumber:    o.OrderNumber,
		Items:          itemPayloads(o.Items),
		DiscountID:     o.DiscountID,
		DiscountCode:   o.DiscountCode,
		RefundAmount:   refund,
		RequiresRefund: requiresRefund,
		StockCommitted: stockCommitted,
		Reason:         reason,
	})
}

func newPaymentFailedEvent(o *Order, failure PaymentFailure) (events.Event, error) {
	return events.New(events.TypeOrderPaymentFailed, o.ID, OrderPaymentFailed{
		OrderID:        o.ID,
		OrderNumber:    o.OrderNumber,
		DiscountID:     o.DiscountID,
		DiscountCode:   o.DiscountCode,
		ReservationIDs: o.ReservationIDs(),
		ErrorCode:      failure.ErrorCode,
		ErrorMessage:   failure.ErrorMessage,
		Reason:         "payment_failed",
	})
}
