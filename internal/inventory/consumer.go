package inventory

import (
	"context"

	"go.uber.org/zap"

	"github.com/matheusmosca/checkout-saga/internal/platform/events"
)

type orderCancelled struct {
	StockCommitted bool   `json:"stock_committed"`
	Reason         string `json:"reason"`
}

// EventHandler settles reservations when the order side gives up on an order.
type EventHandler struct {
	useCase *InventoryUseCase
	logger  *zap.Logger
}

func NewEventHandler(useCase *InventoryUseCase, logger *zap.Logger) *EventHandler {
	return &EventHandler{useCase: useCase, logger: logger}
}

func (h *EventHandler) Router() events.Router {
	return events.Router{
		events.TypeOrderCancelled:     h.onOrderCancelled,
		events.TypeOrderPaymentFailed: h.onPaymentFailed,
	}
}

func (h *EventHandler) onOrderCancelled(ctx context.Context, evt events.Event) error {
	var payload orderCancelled
	if err := evt.Decode(&payload); err != nil {
		h.logger.Error("❌ Skipping malformed event", zap.String("event_id", evt.EventID), zap.Error(err))
		return nil
	}

	reason := payload.Reason
	if reason == "" {
		reason = "order_cancelled"
	}
	// both steps are no-ops when there is nothing to settle
	if _, err := h.useCase.Release(ctx, evt.OrderID, reason); err != nil {
		return err
	}
	if payload.StockCommitted {
		_, err := h.useCase.ReturnStock(ctx, evt.OrderID)
		return err
	}
	return nil
}

func (h *EventHandler) onPaymentFailed(ctx context.Context, evt events.Event) error {
	_, err := h.useCase.Release(ctx, evt.OrderID, "payment_failed")
	return err
}
