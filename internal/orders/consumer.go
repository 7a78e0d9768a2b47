package orders

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/matheusmosca/checkout-saga/internal/platform/events"
)

// EventHandler applies asynchronously delivered payment outcomes and
// reservation expiries. Outcomes that can never succeed are logged and
// acknowledged so the broker stops redelivering them.
type EventHandler struct {
	useCase *OrderUseCase
	logger  *zap.Logger
}

// NewEventHandler routes payment and inventory events to the use case.
func NewEventHandler(useCase *OrderUseCase, logger *zap.Logger) *EventHandler {
	return &EventHandler{useCase: useCase, logger: logger}
}

func (h *EventHandler) Router() events.Router {
	return events.Router{
		events.TypePaymentSucceeded:    h.onPaymentSucceeded,
		events.TypePaymentFailed:       h.onPaymentFailed,
		events.TypeReservationsExpired: h.onReservationsExpired,
	}
}

func (h *EventHandler) onPaymentSucceeded(ctx context.Context, evt events.Event) error {
	var payload PaymentSuccess
	if err := evt.Decode(&payload); err != nil {
		return h.skip(evt, err)
	}
	if payload.OrderID == "" {
		payload.OrderID = evt.OrderID
	}
	_, err := h.useCase.OnPaymentSuccess(ctx, payload)
	return h.settle(evt, err)
}

func (h *EventHandler) onPaymentFailed(ctx context.Context, evt events.Event) error {
	var payload PaymentFailure
	if err := evt.Decode(&payload); err != nil {
		return h.skip(evt, err)
	}
	if payload.OrderID == "" {
		payload.OrderID = evt.OrderID
	}
	_, err := h.useCase.OnPaymentFailure(ctx, payload)
	return h.settle(evt, err)
}

func (h *EventHandler) onReservationsExpired(ctx context.Context, evt events.Event) error {
	var payload ReservationsExpired
	if err := evt.Decode(&payload); err != nil {
		return h.skip(evt, err)
	}
	if payload.OrderID == "" {
		payload.OrderID = evt.OrderID
	}
	_, err := h.useCase.OnReservationsExpired(ctx, payload)
	return h.settle(evt, err)
}

func (h *EventHandler) settle(evt events.Event, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrOrderNotFound), errors.Is(err, ErrOrderNotPayable):
		h.logger.Warn("⚠️ Event not applicable, dropping",
			zap.String("event_id", evt.EventID),
			zap.String("type", evt.Type),
			zap.String("order_id", evt.OrderID),
			zap.Error(err),
		)
		return nil
	default:
		return err
	}
}

func (h *EventHandler) skip(evt events.Event, err error) error {
	h.logger.Error("❌ Skipping malformed event", zap.String("event_id", evt.EventID), zap.Error(err))
	return nil
}
