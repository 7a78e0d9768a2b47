package orders

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/matheusmosca/checkout-saga/internal/platform/config"
	"github.com/matheusmosca/checkout-saga/internal/platform/events"
	"github.com/matheusmosca/checkout-saga/internal/platform/outbox"
)

// MemoryOrderRepository keeps orders in process memory and enqueues events
// into a MemoryStore under the same lock as the status change.
type MemoryOrderRepository struct {
	mu     sync.Mutex
	orders map[string]*Order
	outbox *outbox.MemoryStore
}

// NewMemoryOrderRepository keeps orders in memory and enqueues events into store.
func NewMemoryOrderRepository(store *outbox.MemoryStore) *MemoryOrderRepository {
	return &MemoryOrderRepository{
		orders: make(map[string]*Order),
		outbox: store,
	}
}

func (r *MemoryOrderRepository) CreateOrder(_ context.Context, order *Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.orders[order.ID]; exists {
		return fmt.Errorf("order %s already exists", order.ID)
	}
	now := time.Now()
	order.CreatedAt, order.UpdatedAt = now, now
	r.orders[order.ID] = cloneOrder(order)
	return nil
}

func (r *MemoryOrderRepository) GetOrder(_ context.Context, orderID string) (*Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.orders[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return cloneOrder(o), nil
}

func (r *MemoryOrderRepository) DeleteOrder(_ context.Context, orderID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.orders[orderID]
	if !ok || o.Status != StatusPending {
		return ErrOrderNotFound
	}
	delete(r.orders, orderID)
	return nil
}

func (r *MemoryOrderRepository) AttachReservations(_ context.Context, orderID string, items []OrderItem, expiresAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	for _, attached := range items {
		for i := range o.Items {
			if o.Items[i].ID == attached.ID {
				o.Items[i].ReservationID = attached.ReservationID
				o.Items[i].WarehouseID = attached.WarehouseID
			}
		}
	}
	o.ReservationExpiresAt = &expiresAt
	o.UpdatedAt = time.Now()
	return nil
}

func (r *MemoryOrderRepository) UpdateTotals(_ context.Context, orderID string, t Totals, discountID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	o.Subtotal = t.Subtotal
	o.ShippingFee = t.ShippingFee
	o.DiscountAmount = t.DiscountAmount
	o.TaxAmount = t.TaxAmount
	o.TotalAmount = t.TotalAmount
	o.DiscountID = discountID
	o.UpdatedAt = time.Now()
	return nil
}

func (r *MemoryOrderRepository) SetPayment(_ context.Context, orderID, transactionRef, paymentURL string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	if o.Status == StatusPending {
		o.PaymentTransactionRef = transactionRef
		o.PaymentURL = paymentURL
		o.UpdatedAt = time.Now()
	}
	return nil
}

func (r *MemoryOrderRepository) TransitionStatus(_ context.Context, change StatusChange, evt *events.Event) (*Order, error) {
	for _, s := range change.From {
		if !s.CanTransitionTo(change.To) {
			return nil, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, s, change.To)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.orders[change.OrderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	if !containsStatus(change.From, o.Status) {
		return nil, &StatusConflictError{OrderID: o.ID, Current: o.Status}
	}

	if evt != nil {
		if err := r.outbox.Append(config.OrdersTopic, *evt); err != nil {
			return nil, err
		}
	}

	o.Status = change.To
	if change.PaymentStatus != "" {
		o.PaymentStatus = change.PaymentStatus
	}
	if change.PaymentRef != "" {
		o.PaymentTransactionRef = change.PaymentRef
	}
	if change.CancelReason != "" {
		o.CancelReason = change.CancelReason
	}
	if change.StockCommitted != nil {
		o.StockCommitted = *change.StockCommitted
	}
	o.UpdatedAt = time.Now()
	return cloneOrder(o), nil
}

func (r *MemoryOrderRepository) MarkStockCommitted(_ context.Context, orderID string, evt *events.Event) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.orders[orderID]
	if !ok || o.Status != StatusConfirmed || o.StockCommitted {
		return false, nil
	}
	if evt != nil {
		if err := r.outbox.Append(config.OrdersTopic, *evt); err != nil {
			return false, err
		}
	}
	o.StockCommitted = true
	o.UpdatedAt = time.Now()
	return true, nil
}

func containsStatus(statuses []Status, s Status) bool {
	for _, candidate := range statuses {
		if candidate == s {
			return true
		}
	}
	return false
}

func cloneOrder(o *Order) *Order {
	out := *o
	out.Items = append([]OrderItem(nil), o.Items...)
	if o.ReservationExpiresAt != nil {
		t := *o.ReservationExpiresAt
		out.ReservationExpiresAt = &t
	}
	return &out
}
