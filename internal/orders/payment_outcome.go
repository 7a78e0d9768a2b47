package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// OnPaymentSuccess confirms a PENDING order and commits its stock. Redelivered
// callbacks are no-ops. A success for an order that is no longer payable
// returns ErrOrderNotPayable.
func (uc *OrderUseCase) OnPaymentSuccess(ctx context.Context, payment PaymentSuccess) (*Order, error) {
	ctx, span := uc.tracer.Start(ctx, "orders.payment_success", trace.WithAttributes(
		attribute.String("order_id", payment.OrderID),
		attribute.String("transaction_id", payment.TransactionID),
	))
	defer span.End()

	paidAt := payment.PaidAt
	if paidAt.IsZero() {
		paidAt = uc.now().UTC()
	}

	// a lost race on PENDING is re-evaluated once against the winner's status
	for attempt := 0; ; attempt++ {
		order, err := uc.repository.GetOrder(ctx, payment.OrderID)
		if err != nil {
			return nil, err
		}

		switch order.Status {
		case StatusPending:
			if payment.Amount != 0 && payment.Amount != order.TotalAmount {
				uc.logger.Warn("⚠️ [PAYMENT] Paid amount differs from order total",
					zap.String("order_id", order.ID),
					zap.Int64("paid", payment.Amount),
					zap.Int64("total", order.TotalAmount),
				)
			}
			confirmed, err := uc.repository.TransitionStatus(ctx, StatusChange{
				OrderID:       order.ID,
				From:          []Status{StatusPending},
				To:            StatusConfirmed,
				PaymentStatus: PaymentPaid,
				PaymentRef:    payment.TransactionID,
			}, nil)
			if errors.Is(err, ErrStatusConflict) && attempt == 0 {
				continue
			}
			if err != nil {
				span.SetStatus(codes.Error, err.Error())
				return nil, err
			}
			uc.logger.Info("✅ [PAYMENT] Order paid",
				zap.String("order_id", order.ID),
				zap.String("transaction_id", payment.TransactionID),
			)
			return uc.secureStock(ctx, confirmed, paidAt)

		case StatusConfirmed:
			if order.StockCommitted {
				uc.logger.Info("ℹ️ [IDEMPOTENCY] Payment success already processed", zap.String("order_id", order.ID))
				return order, nil
			}
			// paid but the commit did not finish last time
			return uc.secureStock(ctx, order, paidAt)

		default:
			if order.PaymentStatus == PaymentPaid && order.PaymentTransactionRef == payment.TransactionID {
				uc.logger.Info("ℹ️ [IDEMPOTENCY] Payment success for settled order", zap.String("order_id", order.ID))
				return order, nil
			}
			uc.logger.Warn("⚠️ [PAYMENT] Success for an order that is not payable",
				zap.String("order_id", order.ID),
				zap.String("status", string(order.Status)),
				zap.String("transaction_id", payment.TransactionID),
			)
			return order, fmt.Errorf("%w: order is %s", ErrOrderNotPayable, order.Status)
		}
	}
}

// secureStock commits the holds of a CONFIRMED order. order.confirmed is only
// published once stock is secured. When the holds are gone the paid order is
// cancelled for refund.
func (uc *OrderUseCase) secureStock(ctx context.Context, order *Order, paidAt time.Time) (*Order, error) {
	result, err := uc.inventory.Commit(ctx, order.ID)
	if err != nil {
		uc.logger.Error("❌ [PAYMENT] Stock commit failed, waiting for redelivery",
			zap.String("order_id", order.ID),
			zap.Error(err),
		)
		return order, fmt.Errorf("failed to commit stock for order %s: %w", order.ID, err)
	}

	if result.StockSecured {
		evt, err := newConfirmedEvent(order, paidAt)
		if err != nil {
			return order, err
		}
		if _, err := uc.repository.MarkStockCommitted(ctx, order.ID, &evt); err != nil {
			return order, err
		}
		uc.logger.Info("✅ [PAYMENT] Order confirmed",
			zap.String("order_id", order.ID),
			zap.Int("committed", result.Committed),
			zap.Int("already_committed", result.AlreadyCommitted),
		)
		return uc.repository.GetOrder(ctx, order.ID)
	}

	stockCommitted := false
	evt, err := newCancelledEvent(order, ReasonReservationExpired, false)
	if err != nil {
		return order, err
	}
	cancelled, err := uc.repository.TransitionStatus(ctx, StatusChange{
		OrderID:        order.ID,
		From:           []Status{StatusConfirmed},
		To:             StatusCancelled,
		CancelReason:   ReasonReservationExpired,
		StockCommitted: &stockCommitted,
	}, &evt)
	if err != nil && !errors.Is(err, ErrStatusConflict) {
		return order, err
	}
	if err == nil {
		uc.ordersCancelled.Add(ctx, 1)
		order = cancelled
	}

	uc.logger.Warn("⏳ [PAYMENT] Payment arrived after the reservation lapsed, order cancelled for refund",
		zap.String("order_id", order.ID),
		zap.Int64("refund_amount", order.TotalAmount),
	)
	return order, fmt.Errorf("%w: reservation expired before payment", ErrOrderNotPayable)
}

// OnPaymentFailure moves a PENDING order to PAYMENT_FAILED and releases its
// holds. Anything else is a duplicate or late callback and is ignored.
func (uc *OrderUseCase) OnPaymentFailure(ctx context.Context, failure PaymentFailure) (*Order, error) {
	ctx, span := uc.tracer.Start(ctx, "orders.payment_failure", trace.WithAttributes(
		attribute.String("order_id", failure.OrderID),
		attribute.String("error_code", failure.ErrorCode),
	))
	defer span.End()

	order, err := uc.repository.GetOrder(ctx, failure.OrderID)
	if err != nil {
		return nil, err
	}
	if order.Status != StatusPending {
		uc.logger.Info("ℹ️ [IDEMPOTENCY] Payment failure ignored",
			zap.String("order_id", order.ID),
			zap.String("status", string(order.Status)),
		)
		return order, nil
	}

	evt, err := newPaymentFailedEvent(order, failure)
	if err != nil {
		return nil, err
	}
	failed, err := uc.repository.TransitionStatus(ctx, StatusChange{
		OrderID:       order.ID,
		From:          []Status{StatusPending},
		To:            StatusPaymentFailed,
		PaymentStatus: PaymentFailed,
		PaymentRef:    failure.TransactionID,
		CancelReason:  ReasonPaymentFailed,
	}, &evt)
	if errors.Is(err, ErrStatusConflict) {
		return uc.repository.GetOrder(ctx, order.ID)
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	uc.releaseStock(ctx, order.ID, ReasonPaymentFailed)
	uc.logger.Info("↩️ [PAYMENT] Payment failed, order closed",
		zap.String("order_id", order.ID),
		zap.String("error_code", failure.ErrorCode),
		zap.String("error_message", failure.ErrorMessage),
	)
	return failed, nil
}

// OnReservationsExpired closes a PENDING order whose holds the sweep expired,
// so a later payment is refused instead of confirming an order without stock.
// A paid order whose commit is still outstanding is settled the way a
// redelivered payment would settle it.
func (uc *OrderUseCase) OnReservationsExpired(ctx context.Context, expired ReservationsExpired) (*Order, error) {
	ctx, span := uc.tracer.Start(ctx, "orders.reservations_expired", trace.WithAttributes(
		attribute.String("order_id", expired.OrderID),
	))
	defer span.End()

	order, err := uc.repository.GetOrder(ctx, expired.OrderID)
	if err != nil {
		return nil, err
	}
	if order.Status == StatusConfirmed && !order.StockCommitted {
		// paid, but the commit never landed before the sweep took the holds
		settled, err := uc.secureStock(ctx, order, uc.now().UTC())
		if errors.Is(err, ErrOrderNotPayable) {
			return settled, nil
		}
		return settled, err
	}
	if order.Status != StatusPending {
		return order, nil
	}

	stockCommitted := false
	evt, err := newCancelledEvent(order, ReasonReservationExpired, false)
	if err != nil {
		return nil, err
	}
	cancelled, err := uc.repository.TransitionStatus(ctx, StatusChange{
		OrderID:        order.ID,
		From:           []Status{StatusPending},
		To:             StatusCancelled,
		CancelReason:   ReasonReservationExpired,
		StockCommitted: &stockCommitted,
	}, &evt)
	if errors.Is(err, ErrStatusConflict) {
		return uc.repository.GetOrder(ctx, order.ID)
	}
	if err != nil {
		return nil, err
	}

	uc.ordersCancelled.Add(ctx, 1)
	uc.logger.Info("⏳ [EXPIRY] Order cancelled, reservation expired",
		zap.String("order_id", order.ID),
		zap.Strings("reservation_ids", expired.ReservationIDs),
	)
	return cancelled, nil
}
