package discount

import (
	"errors"
	"time"
)

type Type string

const (
	TypePercentage Type = "percentage"
	TypeFixed      Type = "fixed"
)

var (
	ErrDiscountNotFound   = errors.New("discount not found")
	ErrDiscountInactive   = errors.New("discount is not active")
	ErrDiscountNotStarted = errors.New("discount has not started yet")
	ErrDiscountExpired    = errors.New("discount has expired")
	ErrBelowMinimum       = errors.New("order amount is below the discount minimum")
	ErrUsageLimitReached  = errors.New("discount usage limit reached")
	ErrUserLimitReached   = errors.New("discount already used the maximum number of times by this user")
	ErrInvalidRequest     = errors.New("invalid discount request")
	// ErrApplyBlocked means a rollback for the order arrived before the apply.
	ErrApplyBlocked = errors.New("discount usage already rolled back for this order")
)

// Discount amounts are minor currency units. For percentage discounts Value
// is a whole percent.
type Discount struct {
	ID                string     `json:"id" db:"id"`
	Code              string     `json:"code" db:"code"`
	Type              Type       `json:"type" db:"type"`
	Value             int64      `json:"value" db:"value"`
	MinOrderAmount    int64      `json:"min_order_amount" db:"min_order_amount"`
	MaxDiscountAmount int64      `json:"max_discount_amount" db:"max_discount_amount"`
	UsageLimit        int        `json:"usage_limit" db:"usage_limit"`
	UsageLimitPerUser int        `json:"usage_limit_per_user" db:"usage_limit_per_user"`
	UsedCount         int        `json:"used_count" db:"used_count"`
	StartsAt          *time.Time `json:"starts_at,omitempty" db:"starts_at"`
	EndsAt            *time.Time `json:"ends_at,omitempty" db:"ends_at"`
	Active            bool       `json:"active" db:"active"`
	CreatedAt         time.Time  `json:"created_at" db:"created_at"`
}

// Evaluate returns the amount this discount takes off orderAmount for a user
// who already used it userUsage times. Zero limits mean unlimited.
func (d *Discount) Evaluate(orderAmount int64, userUsage int, now time.Time) (int64, error) {
	switch {
	case !d.Active:
		return 0, ErrDiscountInactive
	case d.StartsAt != nil && now.Before(*d.StartsAt):
		return 0, ErrDiscountNotStarted
	case d.EndsAt != nil && now.After(*d.EndsAt):
		return 0, ErrDiscountExpired
	case orderAmount < d.MinOrderAmount:
		return 0, ErrBelowMinimum
	case d.UsageLimit > 0 && d.UsedCount >= d.UsageLimit:
		return 0, ErrUsageLimitReached
	case d.UsageLimitPerUser > 0 && userUsage >= d.UsageLimitPerUser:
		return 0, ErrUserLimitReached
	}

	var amount int64
	switch d.Type {
	case TypePercentage:
		amount = orderAmount * d.Value / 100
		if d.MaxDiscountAmount > 0 && amount > d.MaxDiscountAmount {
			amount = d.MaxDiscountAmount
		}
	case TypeFixed:
		amount = d.Value
	}
	if amount > orderAmount {
		amount = orderAmount
	}
	return amount, nil
}

// Usage is one successful application. Its existence is what the per-user
// limit counts.
type Usage struct {
	ID             string    `json:"id" db:"id"`
	DiscountID     string    `json:"discount_id" db:"discount_id"`
	UserID         string    `json:"user_id" db:"user_id"`
	OrderID        string    `json:"order_id" db:"order_id"`
	OrderNumber    string    `json:"order_number" db:"order_number"`
	OrderAmount    int64     `json:"order_amount" db:"order_amount"`
	DiscountAmount int64     `json:"discount_amount" db:"discount_amount"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// Line is a priced order line, used when the caller does not send a total.
type Line struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
}

func linesTotal(lines []Line) int64 {
	var total int64
	for _, l := range lines {
		total += int64(l.Quantity) * l.UnitPrice
	}
	return total
}

type ValidateRequest struct {
	Code        string `json:"code" binding:"required"`
	UserID      string `json:"user_id"`
	OrderAmount int64  `json:"order_amount"`
	Items       []Line `json:"items"`
}

type Validation struct {
	Valid          bool      `json:"valid"`
	Message        string    `json:"message,omitempty"`
	DiscountAmount int64     `json:"discount_amount"`
	Discount       *Discount `json:"discount,omitempty"`
}

type ApplyRequest struct {
	Code        string `json:"code" binding:"required"`
	OrderID     string `json:"order_id" binding:"required"`
	OrderNumber string `json:"order_number"`
	UserID      string `json:"user_id" binding:"required"`
	OrderAmount int64  `json:"order_amount"`
	Items       []Line `json:"items"`
}

type ApplyResult struct {
	Success        bool   `json:"success"`
	DiscountID     string `json:"discount_id,omitempty"`
	DiscountAmount int64  `json:"discount_amount"`
	Message        string `json:"message,omitempty"`
}

type RollbackRequest struct {
	OrderID    string `json:"order_id" binding:"required"`
	DiscountID string `json:"discount_id"`
	Reason     string `json:"reason"`
}

// isRejection tells business refusals apart from infrastructure failures.
func isRejection(err error) bool {
	for _, target := range []error{
		ErrDiscountNotFound, ErrDiscountInactive, ErrDiscountNotStarted, ErrDiscountExpired,
		ErrBelowMinimum, ErrUsageLimitReached, ErrUserLimitReached, ErrApplyBlocked,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
