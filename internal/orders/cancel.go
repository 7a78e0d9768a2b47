package orders

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Cancel closes a PENDING or CONFIRMED order. The emitted order.cancelled tells
// inventory whether to release holds or return committed stock, and the
// discount side which usage to roll back.
func (uc *OrderUseCase) Cancel(ctx context.Context, orderID, userID, reason string) (*Order, error) {
	ctx, span := uc.tracer.Start(ctx, "orders.cancel", trace.WithAttributes(attribute.String("order_id", orderID)))
	defer span.End()

	if reason == "" {
		reason = ReasonUserCancelled
	}

	for attempt := 0; ; attempt++ {
		order, err := uc.GetOrder(ctx, orderID, userID)
		if err != nil {
			return nil, err
		}

		switch order.Status {
		case StatusCancelled:
			return order, nil
		case StatusPending, StatusConfirmed:
		default:
			return nil, fmt.Errorf("%w: order is %s", ErrOrderNotCancellable, order.Status)
		}

		wasConfirmed := order.Status == StatusConfirmed
		evt, err := newCancelledEvent(order, reason, wasConfirmed)
		if err != nil {
			return nil, err
		}
		cancelled, err := uc.repository.TransitionStatus(ctx, StatusChange{
			OrderID:        order.ID,
			From:           []Status{order.Status},
			To:             StatusCancelled,
			CancelReason:   reason,
			StockCommitted: &wasConfirmed,
		}, &evt)
		if errors.Is(err, ErrStatusConflict) && attempt == 0 {
			continue
		}
		if err != nil {
			return nil, err
		}

		// a confirmed order whose commit never finished still has holds
		if !order.StockCommitted {
			uc.releaseStock(ctx, order.ID, reason)
		}
		uc.ordersCancelled.Add(ctx, 1)
		uc.logger.Info("↩️ [CANCEL] Order cancelled",
			zap.String("order_id", order.ID),
			zap.String("reason", reason),
			zap.Bool("stock_committed", wasConfirmed),
			zap.Bool("requires_refund", order.PaymentStatus == PaymentPaid),
		)
		return cancelled, nil
	}
}
