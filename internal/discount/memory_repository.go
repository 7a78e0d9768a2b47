package discount

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryDiscountRepository mirrors the barrier rules of the Postgres
// repository: one action and one compensate per order, and a compensate that
// arrives first blocks the action.
type MemoryDiscountRepository struct {
	mu        sync.Mutex
	discounts map[string]*Discount
	usages    map[string]*Usage
	barriers  map[string]bool
}

func NewMemoryDiscountRepository() *MemoryDiscountRepository {
	return &MemoryDiscountRepository{
		discounts: make(map[string]*Discount),
		usages:    make(map[string]*Usage),
		barriers:  make(map[string]bool),
	}
}

func (r *MemoryDiscountRepository) CreateDiscount(_ context.Context, d *Discount) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	d.Code = strings.ToUpper(d.Code)
	d.CreatedAt = time.Now()
	stored := *d
	r.discounts[d.Code] = &stored
	return nil
}

func (r *MemoryDiscountRepository) GetByCode(_ context.Context, code string) (*Discount, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.discounts[strings.ToUpper(code)]
	if !ok {
		return nil, ErrDiscountNotFound
	}
	out := *d
	return &out, nil
}

func (r *MemoryDiscountRepository) CountUserUsage(_ context.Context, discountID, userID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.countLocked(discountID, userID), nil
}

func (r *MemoryDiscountRepository) countLocked(discountID, userID string) int {
	n := 0
	for _, u := range r.usages {
		if u.DiscountID == discountID && u.UserID == userID {
			n++
		}
	}
	return n
}

func (r *MemoryDiscountRepository) GetUsageByOrder(_ context.Context, orderID string) (*Usage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.usages[orderID]
	if !ok {
		return nil, nil
	}
	out := *u
	return &out, nil
}

func (r *MemoryDiscountRepository) Apply(_ context.Context, p ApplyParams, evaluate Evaluator) (*Usage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.barriers[p.OrderID+"/action"] {
		if u, ok := r.usages[p.OrderID]; ok {
			out := *u
			return &out, nil
		}
		return nil, ErrApplyBlocked
	}

	d, ok := r.discounts[strings.ToUpper(p.Code)]
	if !ok {
		return nil, ErrDiscountNotFound
	}
	amount, err := evaluate(d, r.countLocked(d.ID, p.UserID))
	if err != nil {
		return nil, err
	}

	r.barriers[p.OrderID+"/action"] = true
	d.UsedCount++
	u := &Usage{
		ID:             uuid.New().String(),
		DiscountID:     d.ID,
		UserID:         p.UserID,
		OrderID:        p.OrderID,
		OrderNumber:    p.OrderNumber,
		OrderAmount:    p.OrderAmount,
		DiscountAmount: amount,
		CreatedAt:      time.Now(),
	}
	r.usages[p.OrderID] = u
	out := *u
	return &out, nil
}

func (r *MemoryDiscountRepository) Rollback(_ context.Context, orderID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.barriers[orderID+"/compensate"] {
		return false, nil
	}
	r.barriers[orderID+"/compensate"] = true
	if !r.barriers[orderID+"/action"] {
		// null compensation; the action can no longer run
		r.barriers[orderID+"/action"] = true
		return false, nil
	}

	u, ok := r.usages[orderID]
	if !ok {
		return false, nil
	}
	delete(r.usages, orderID)
	for _, d := range r.discounts {
		if d.ID == u.DiscountID && d.UsedCount > 0 {
			d.UsedCount--
		}
	}
	return true, nil
}
