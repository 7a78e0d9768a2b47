package inventory

import (
	"errors"
	"fmt"
)

var (
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrInvalidQuantity    = errors.New("quantity must be greater than zero")
	ErrInvalidRequest     = errors.New("invalid inventory request")
	ErrItemNotFound       = errors.New("inventory item not found")
	ErrInvariantViolation = errors.New("inventory invariant violation")
)

// InsufficientStockError tells which line could not be held.
type InsufficientStockError struct {
	ProductID string
	VariantID string
	Requested int
}

func (e *InsufficientStockError) Error() string {
	if e.VariantID != "" {
		return fmt.Sprintf("insufficient stock for product %s variant %s: requested %d", e.ProductID, e.VariantID, e.Requested)
	}
	return fmt.Sprintf("insufficient stock for product %s: requested %d", e.ProductID, e.Requested)
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}
