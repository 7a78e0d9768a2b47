package inventory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryInventoryRepository keeps the ledger in process memory. One mutex makes
// every method a single atomic step, which gives the same first-writer-wins
// behaviour as the conditional SQL statements.
type MemoryInventoryRepository struct {
	mu           sync.Mutex
	items        map[string]*Item
	reservations []*Reservation
	transactions []StockTransaction
	now          func() time.Time
}

func NewMemoryInventoryRepository() *MemoryInventoryRepository {
	return &MemoryInventoryRepository{
		items: make(map[string]*Item),
		now:   time.Now,
	}
}

func (r *MemoryInventoryRepository) GetItem(_ context.Context, itemID string) (*Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	item, ok := r.items[itemID]
	if !ok {
		return nil, ErrItemNotFound
	}
	out := *item
	return &out, nil
}

func (r *MemoryInventoryRepository) FindItems(_ context.Context, productID, variantID string) ([]Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.findLocked(productID, variantID), nil
}

func (r *MemoryInventoryRepository) findLocked(productID, variantID string) []Item {
	var out []Item
	for _, item := range r.items {
		if item.ProductID == productID && item.VariantID == variantID {
			out = append(out, *item)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Available() != out[j].Available() {
			return out[i].Available() > out[j].Available()
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (r *MemoryInventoryRepository) EnsureItem(_ context.Context, item *Item) (*Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.items {
		if existing.ProductID == item.ProductID && existing.VariantID == item.VariantID && existing.WarehouseID == item.WarehouseID {
			existing.LowStockThreshold = item.LowStockThreshold
			existing.UpdatedAt = r.now()
			out := *existing
			return &out, nil
		}
	}

	now := r.now()
	created := &Item{
		ID:                item.ID,
		ProductID:         item.ProductID,
		VariantID:         item.VariantID,
		WarehouseID:       item.WarehouseID,
		LowStockThreshold: item.LowStockThreshold,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if created.ID == "" {
		created.ID = uuid.New().String()
	}
	r.items[created.ID] = created
	out := *created
	return &out, nil
}

func (r *MemoryInventoryRepository) HoldStock(_ context.Context, p HoldParams) (*Reservation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	candidates := r.findLocked(p.Line.ProductID, p.Line.VariantID)
	if len(candidates) == 0 || candidates[0].Available() < p.Line.Quantity {
		return nil, &InsufficientStockError{ProductID: p.Line.ProductID, VariantID: p.Line.VariantID, Requested: p.Line.Quantity}
	}

	item := r.items[candidates[0].ID]
	now := r.now()
	item.ReservedQuantity += p.Line.Quantity
	item.UpdatedAt = now

	res := &Reservation{
		ID:              uuid.New().String(),
		InventoryItemID: item.ID,
		ProductID:       item.ProductID,
		VariantID:       item.VariantID,
		WarehouseID:     item.WarehouseID,
		OrderID:         p.OrderID,
		OrderNumber:     p.OrderNumber,
		OrderItemID:     p.Line.OrderItemID,
		Quantity:        p.Line.Quantity,
		Status:          ReservationHeld,
		ExpiresAt:       p.ExpiresAt,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	r.reservations = append(r.reservations, res)
	r.appendLocked(StockTransaction{
		InventoryItemID: item.ID,
		Type:            TransactionReserve,
		QuantityDelta:   p.Line.Quantity,
		QuantityBefore:  item.ReservedQuantity - p.Line.Quantity,
		QuantityAfter:   item.ReservedQuantity,
		ReferenceType:   ReferenceOrder,
		ReferenceID:     p.OrderID,
	})

	out := *res
	return &out, nil
}

func (r *MemoryInventoryRepository) TransitionReservations(_ context.Context, t Transition) ([]Reservation, error) {
	if t.To == ReservationHeld {
		return nil, fmt.Errorf("%w: cannot transition to %s", ErrInvalidRequest, t.To)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// validate every quantity first so a violation leaves nothing half applied
	var matched []*Reservation
	for _, res := range r.reservations {
		if res.OrderID != t.OrderID || res.Status != ReservationHeld {
			continue
		}
		if t.ExpiredBefore != nil && !res.ExpiresAt.Before(*t.ExpiredBefore) {
			continue
		}
		item := r.items[res.InventoryItemID]
		if item.ReservedQuantity < res.Quantity || (t.To == ReservationCommitted && item.OnHandQuantity < res.Quantity) {
			return nil, fmt.Errorf("%w: item %s cannot settle %d", ErrInvariantViolation, item.ID, res.Quantity)
		}
		matched = append(matched, res)
	}

	now := r.now()
	out := make([]Reservation, 0, len(matched))
	for _, res := range matched {
		item := r.items[res.InventoryItemID]
		res.Status = t.To
		res.UpdatedAt = now
		item.UpdatedAt = now

		stx := StockTransaction{
			InventoryItemID: item.ID,
			QuantityDelta:   -res.Quantity,
			ReferenceType:   ReferenceOrder,
			ReferenceID:     res.OrderID,
			Note:            t.Reason,
		}
		switch t.To {
		case ReservationCommitted:
			stx.Type = TransactionCommit
			stx.QuantityBefore = item.OnHandQuantity
			item.OnHandQuantity -= res.Quantity
			item.ReservedQuantity -= res.Quantity
			stx.QuantityAfter = item.OnHandQuantity
		default:
			stx.Type = TransactionRelease
			stx.QuantityBefore = item.ReservedQuantity
			item.ReservedQuantity -= res.Quantity
			stx.QuantityAfter = item.ReservedQuantity
			if t.To == ReservationExpired {
				stx.ReferenceType = ReferenceReservationExpired
				stx.ReferenceID = res.ID
			}
		}
		r.appendLocked(stx)
		out = append(out, *res)
	}
	return out, nil
}

func (r *MemoryInventoryRepository) ListReservations(_ context.Context, orderID string) ([]Reservation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Reservation
	for _, res := range r.reservations {
		if res.OrderID == orderID {
			out = append(out, *res)
		}
	}
	return out, nil
}

func (r *MemoryInventoryRepository) ListExpiredOrderIDs(_ context.Context, now time.Time, limit int) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]bool)
	var ids []string
	for _, res := range r.reservations {
		if res.Status != ReservationHeld || !res.ExpiresAt.Before(now) || seen[res.OrderID] {
			continue
		}
		seen[res.OrderID] = true
		ids = append(ids, res.OrderID)
		if len(ids) == limit {
			break
		}
	}
	return ids, nil
}

func (r *MemoryInventoryRepository) AdjustOnHand(_ context.Context, a Adjustment) (*Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	item, ok := r.items[a.ItemID]
	if !ok {
		return nil, ErrItemNotFound
	}
	if item.OnHandQuantity+a.Delta < item.ReservedQuantity {
		return nil, &InsufficientStockError{ProductID: item.ProductID, VariantID: item.VariantID, Requested: -a.Delta}
	}

	before := item.OnHandQuantity
	item.OnHandQuantity += a.Delta
	item.UpdatedAt = r.now()
	r.appendLocked(StockTransaction{
		InventoryItemID: item.ID,
		Type:            a.Type,
		QuantityDelta:   a.Delta,
		QuantityBefore:  before,
		QuantityAfter:   item.OnHandQuantity,
		ReferenceType:   a.ReferenceType,
		ReferenceID:     a.ReferenceID,
		Note:            a.Note,
	})

	out := *item
	return &out, nil
}

func (r *MemoryInventoryRepository) ReturnCommitted(_ context.Context, orderID string) ([]StockTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, stx := range r.transactions {
		if stx.Type == TransactionReturn && stx.ReferenceID == orderID {
			return nil, nil
		}
	}

	perItem := make(map[string]int)
	var order []string
	for _, res := range r.reservations {
		if res.OrderID != orderID || res.Status != ReservationCommitted {
			continue
		}
		if _, ok := perItem[res.InventoryItemID]; !ok {
			order = append(order, res.InventoryItemID)
		}
		perItem[res.InventoryItemID] += res.Quantity
	}
	sort.Strings(order)

	var out []StockTransaction
	for _, itemID := range order {
		item := r.items[itemID]
		qty := perItem[itemID]
		before := item.OnHandQuantity
		item.OnHandQuantity += qty
		item.UpdatedAt = r.now()
		stx := r.appendLocked(StockTransaction{
			InventoryItemID: itemID,
			Type:            TransactionReturn,
			QuantityDelta:   qty,
			QuantityBefore:  before,
			QuantityAfter:   item.OnHandQuantity,
			ReferenceType:   ReferenceOrder,
			ReferenceID:     orderID,
			Note:            "order cancelled after commit",
		})
		out = append(out, stx)
	}
	return out, nil
}

func (r *MemoryInventoryRepository) ListTransactions(_ context.Context, itemID string, limit int) ([]StockTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []StockTransaction
	for i := len(r.transactions) - 1; i >= 0 && len(out) < limit; i-- {
		if r.transactions[i].InventoryItemID == itemID {
			out = append(out, r.transactions[i])
		}
	}
	return out, nil
}

func (r *MemoryInventoryRepository) appendLocked(stx StockTransaction) StockTransaction {
	stx.ID = uuid.New().String()
	stx.CreatedAt = r.now()
	r.transactions = append(r.transactions, stx)
	return stx
}
