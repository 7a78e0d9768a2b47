package discount

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/matheusmosca/checkout-saga/internal/platform/events"
)

type orderAbandoned struct {
	DiscountID   string `json:"discount_id"`
	DiscountCode string `json:"discount_code"`
	Reason       string `json:"reason"`
}

// EventHandler rolls back usages of orders that will never be fulfilled.
type EventHandler struct {
	useCase *DiscountUseCase
	logger  *zap.Logger
}

func NewEventHandler(useCase *DiscountUseCase, logger *zap.Logger) *EventHandler {
	return &EventHandler{useCase: useCase, logger: logger}
}

func (h *EventHandler) Router() events.Router {
	return events.Router{
		events.TypeOrderCancelled:     h.onOrderAbandoned,
		events.TypeOrderPaymentFailed: h.onOrderAbandoned,
	}
}

func (h *EventHandler) onOrderAbandoned(ctx context.Context, evt events.Event) error {
	var payload orderAbandoned
	if err := evt.Decode(&payload); err != nil {
		h.logger.Error("❌ Skipping malformed event", zap.String("event_id", evt.EventID), zap.Error(err))
		return nil
	}
	// an order with a code but no id may still hold a usage from a failed apply
	if payload.DiscountID == "" && payload.DiscountCode == "" {
		return nil
	}

	reason := payload.Reason
	if reason == "" {
		reason = evt.Type
	}
	_, err := h.useCase.RollbackUsage(ctx, RollbackRequest{
		OrderID:    evt.OrderID,
		DiscountID: payload.DiscountID,
		Reason:     reason,
	})
	if errors.Is(err, ErrInvalidRequest) {
		h.logger.Error("❌ Dropping rollback", zap.String("order_id", evt.OrderID), zap.Error(err))
		return nil
	}
	return err
}
