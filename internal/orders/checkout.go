package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var (
	ErrCartEmpty       = errors.New("cart is empty")
	ErrDiscountInvalid = errors.New("discount code is not valid")
	ErrInvalidCheckout = errors.New("invalid checkout request")
)

// ErrorKind classifies a checkout failure for the HTTP layer.
type ErrorKind string

const (
	KindValidation          ErrorKind = "validation"
	KindInsufficientStock   ErrorKind = "insufficient_stock"
	KindUpstreamUnavailable ErrorKind = "upstream_unavailable"
	KindConflict            ErrorKind = "conflict"
	KindInternal            ErrorKind = "internal"
)

// CheckoutError is the only error Checkout returns. Step names the saga step
// that failed.
type CheckoutError struct {
	Kind ErrorKind
	Step string
	Err  error
}

func (e *CheckoutError) Error() string {
	return fmt.Sprintf("checkout failed at %s (%s): %v", e.Step, e.Kind, e.Err)
}

func (e *CheckoutError) Unwrap() error {
	return e.Err
}

func checkoutError(step string, err error) *CheckoutError {
	kind := KindInternal
	switch {
	case errors.Is(err, ErrStockUnavailable):
		kind = KindInsufficientStock
	case errors.Is(err, ErrUpstreamRejected), errors.Is(err, ErrDiscountInvalid),
		errors.Is(err, ErrCartEmpty), errors.Is(err, ErrInvalidCheckout):
		kind = KindValidation
	case errors.Is(err, ErrUpstreamUnavailable), errors.Is(err, context.DeadlineExceeded):
		kind = KindUpstreamUnavailable
	case errors.Is(err, ErrStatusConflict):
		kind = KindConflict
	}
	return &CheckoutError{Kind: kind, Step: step, Err: err}
}

// CheckoutRequest is the input of Checkout. Items override the stored cart when set.
type CheckoutRequest struct {
	UserID          string     `json:"-"`
	Items           []CartLine `json:"items" binding:"omitempty,dive"`
	DiscountCode    string     `json:"discount_code"`
	PaymentMethod   string     `json:"payment_method" binding:"required"`
	ShippingAddress string     `json:"shipping_address" binding:"required"`
	Note            string     `json:"note"`
}

// CheckoutResult describes the PENDING order a successful checkout leaves behind.
type CheckoutResult struct {
	OrderID              string    `json:"order_id"`
	OrderNumber          string    `json:"order_number"`
	Status               Status    `json:"status"`
	Totals               Totals    `json:"totals"`
	DiscountApplied      bool      `json:"discount_applied"`
	ReservationExpiresAt time.Time `json:"reservation_expires_at"`
	PaymentURL           string    `json:"payment_url,omitempty"`
	PaymentTransactionID string    `json:"payment_transaction_id,omitempty"`
}

// Checkout runs the saga that turns a cart into a reserved, priced order with a
// payment session. Only a failed reservation is compensated (the order is
// deleted). Failures after that degrade: the order stays payable.
func (uc *OrderUseCase) Checkout(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error) {
	ctx, span := uc.tracer.Start(ctx, "checkout", trace.WithAttributes(attribute.String("user_id", req.UserID)))
	defer span.End()

	uc.checkoutsStarted.Add(ctx, 1)

	result, err := uc.checkout(ctx, span, req)
	if err != nil {
		var cerr *CheckoutError
		if !errors.As(err, &cerr) {
			cerr = checkoutError("checkout", err)
		}
		span.RecordError(cerr)
		span.SetStatus(codes.Error, cerr.Error())
		uc.checkoutsFailed.Add(ctx, 1, metric.WithAttributes(
			attribute.String("kind", string(cerr.Kind)),
			attribute.String("step", cerr.Step),
		))
		uc.logger.Info("❌ [CHECKOUT] Failed",
			zap.String("user_id", req.UserID),
			zap.String("step", cerr.Step),
			zap.String("kind", string(cerr.Kind)),
			zap.Error(cerr.Err),
		)
		return nil, cerr
	}
	return result, nil
}

func (uc *OrderUseCase) checkout(ctx context.Context, span trace.Span, req CheckoutRequest) (*CheckoutResult, error) {
	lines, err := uc.cartLines(ctx, req)
	if err != nil {
		return nil, err
	}

	var subtotal int64
	for _, line := range lines {
		subtotal += line.UnitPrice * int64(line.Quantity)
	}

	// 1. validate discount
	if req.DiscountCode != "" {
		if err := uc.validateDiscount(ctx, req, subtotal, lines); err != nil {
			return nil, err
		}
	}

	// 2. stock dry run
	if err := uc.checkStock(ctx, lines); err != nil {
		return nil, err
	}

	// 3. create order
	order := uc.newOrder(req, lines, subtotal)
	if err := uc.step(ctx, "create_order", func(ctx context.Context) error {
		return uc.repository.CreateOrder(ctx, order)
	}); err != nil {
		return nil, checkoutError("create_order", err)
	}
	span.SetAttributes(attribute.String("order_id", order.ID))

	// 4. reserve stock; the only compensated step
	reservation, err := uc.reserve(ctx, order)
	if err != nil {
		uc.compensateOrder(ctx, order, err)
		return nil, checkoutError("reserve_stock", err)
	}

	// 5. attach reservation references
	uc.attachReservations(ctx, order, reservation)

	// 6. apply discount
	discountAmount, discountID := uc.applyDiscount(ctx, order, lines)

	// 7. totals
	totals := ComputeTotals(subtotal, uc.settings.ShippingFee, discountAmount, uc.settings.TaxRateBps)
	totalsSaved := true
	if err := uc.step(ctx, "compute_totals", func(ctx context.Context) error {
		return uc.repository.UpdateTotals(ctx, order.ID, totals, discountID)
	}); err != nil {
		totalsSaved = false
		uc.logger.Error("❌ [CHECKOUT] Failed to persist totals, payment not initiated",
			zap.String("order_id", order.ID),
			zap.Error(err),
		)
	}
	order.DiscountAmount, order.TaxAmount, order.TotalAmount = totals.DiscountAmount, totals.TaxAmount, totals.TotalAmount
	order.ShippingFee, order.DiscountID = totals.ShippingFee, discountID

	result := &CheckoutResult{
		OrderID:              order.ID,
		OrderNumber:          order.OrderNumber,
		Status:               order.Status,
		Totals:               totals,
		DiscountApplied:      discountID != "",
		ReservationExpiresAt: reservation.ExpiresAt,
	}

	// 8. initiate payment
	if totalsSaved {
		if session, err := uc.initiatePayment(ctx, order); err == nil {
			result.PaymentURL = session.PaymentURL
			result.PaymentTransactionID = session.TransactionID
		}
	}

	// 9. clear the cart
	if err := uc.step(ctx, "clear_cart", func(ctx context.Context) error {
		return uc.carts.ClearCart(ctx, req.UserID)
	}); err != nil {
		uc.logger.Warn("⚠️ [CHECKOUT] Failed to clear cart", zap.String("user_id", req.UserID), zap.Error(err))
	}

	uc.logger.Info("✅ [CHECKOUT] Order created",
		zap.String("order_id", order.ID),
		zap.String("order_number", order.OrderNumber),
		zap.Int64("total_amount", totals.TotalAmount),
		zap.Bool("payment_initiated", result.PaymentURL != ""),
	)
	return result, nil
}

// step runs fn inside a child span named after the saga step.
func (uc *OrderUseCase) step(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	ctx, span := uc.tracer.Start(ctx, "checkout."+name)
	defer span.End()

	if err := fn(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (uc *OrderUseCase) cartLines(ctx context.Context, req CheckoutRequest) ([]CartLine, error) {
	if req.UserID == "" {
		return nil, checkoutError("validate_request", fmt.Errorf("%w: user id is required", ErrInvalidCheckout))
	}
	if req.PaymentMethod == "" {
		return nil, checkoutError("validate_request", fmt.Errorf("%w: payment method is required", ErrInvalidCheckout))
	}

	lines := req.Items
	if len(lines) == 0 {
		err := uc.step(ctx, "load_cart", func(ctx context.Context) error {
			var err error
			lines, err = uc.carts.GetCart(ctx, req.UserID)
			return err
		})
		if err != nil {
			return nil, &CheckoutError{Kind: KindUpstreamUnavailable, Step: "load_cart", Err: err}
		}
	}
	if len(lines) == 0 {
		return nil, checkoutError("validate_request", ErrCartEmpty)
	}

	for _, line := range lines {
		if line.ProductID == "" || line.Quantity <= 0 || line.UnitPrice < 0 {
			return nil, checkoutError("validate_request",
				fmt.Errorf("%w: product %q quantity %d price %d", ErrInvalidCheckout, line.ProductID, line.Quantity, line.UnitPrice))
		}
	}
	return lines, nil
}

func (uc *OrderUseCase) validateDiscount(ctx context.Context, req CheckoutRequest, subtotal int64, lines []CartLine) error {
	var validation *DiscountValidation
	err := uc.step(ctx, "validate_discount", func(ctx context.Context) error {
		var err error
		validation, err = uc.discounts.Validate(ctx, req.DiscountCode, req.UserID, subtotal, discountLines(lines))
		return err
	})
	if err != nil {
		return checkoutError("validate_discount", err)
	}
	if !validation.Valid {
		return checkoutError("validate_discount", fmt.Errorf("%w: %s", ErrDiscountInvalid, validation.Message))
	}
	return nil
}

func (uc *OrderUseCase) checkStock(ctx context.Context, lines []CartLine) error {
	var availability []StockAvailability
	err := uc.step(ctx, "check_stock", func(ctx context.Context) error {
		var err error
		availability, err = uc.inventory.CheckAvailability(ctx, stockLines(lines))
		return err
	})
	if err != nil {
		return checkoutError("check_stock", err)
	}
	for _, a := range availability {
		if !a.InStock {
			return checkoutError("check_stock", fmt.Errorf("%w: product %s requested %d, available %d",
				ErrStockUnavailable, a.ProductID, a.Requested, a.Available))
		}
	}
	return nil
}

func (uc *OrderUseCase) newOrder(req CheckoutRequest, lines []CartLine, subtotal int64) *Order {
	now := uc.now()
	order := &Order{
		ID:              uuid.New().String(),
		OrderNumber:     NewOrderNumber(now),
		UserID:          req.UserID,
		Status:          StatusPending,
		PaymentStatus:   PaymentUnpaid,
		Currency:        uc.settings.Currency,
		DiscountCode:    req.DiscountCode,
		PaymentMethod:   req.PaymentMethod,
		PaymentGateway:  uc.settings.PaymentGateway,
		ShippingAddress: req.ShippingAddress,
		Note:            req.Note,
	}
	totals := ComputeTotals(subtotal, uc.settings.ShippingFee, 0, uc.settings.TaxRateBps)
	order.Subtotal, order.ShippingFee, order.TaxAmount, order.TotalAmount =
		totals.Subtotal, totals.ShippingFee, totals.TaxAmount, totals.TotalAmount

	for _, line := range lines {
		order.Items = append(order.Items, OrderItem{
			ID:          uuid.New().String(),
			OrderID:     order.ID,
			ProductID:   line.ProductID,
			VariantID:   line.VariantID,
			SellerID:    line.SellerID,
			ProductName: line.ProductName,
			Quantity:    line.Quantity,
			UnitPrice:   line.UnitPrice,
			TotalPrice:  line.UnitPrice * int64(line.Quantity),
		})
	}
	return order
}

func (uc *OrderUseCase) reserve(ctx context.Context, order *Order) (*ReserveStockResult, error) {
	lines := make([]StockLine, len(order.Items))
	for i, item := range order.Items {
		lines[i] = StockLine{
			OrderItemID: item.ID,
			ProductID:   item.ProductID,
			VariantID:   item.VariantID,
			Quantity:    item.Quantity,
		}
	}

	var result *ReserveStockResult
	err := uc.step(ctx, "reserve_stock", func(ctx context.Context) error {
		var err error
		result, err = uc.inventory.Reserve(ctx, ReserveStockRequest{
			OrderID:     order.ID,
			OrderNumber: order.OrderNumber,
			Items:       lines,
			TTL:         uc.settings.ReservationTTL,
		})
		return err
	})
	return result, err
}

// compensateOrder undoes step 3. When the reserve call failed in transit the
// inventory side may still hold stock for the order, so it is released too.
func (uc *OrderUseCase) compensateOrder(ctx context.Context, order *Order, cause error) {
	_ = uc.step(ctx, "compensate", func(ctx context.Context) error {
		if !errors.Is(cause, ErrStockUnavailable) {
			uc.releaseStock(ctx, order.ID, ReasonCheckoutFailed)
		}
		if err := uc.repository.DeleteOrder(ctx, order.ID); err != nil {
			uc.logger.Error("❌ [CHECKOUT] Failed to delete order after reservation failure",
				zap.String("order_id", order.ID),
				zap.Error(err),
			)
			return err
		}
		return nil
	})

	uc.checkoutsCompensated.Add(ctx, 1)
	uc.logger.Info("↩️ [CHECKOUT] Order deleted after reservation failure",
		zap.String("order_id", order.ID),
		zap.Error(cause),
	)
}

func (uc *OrderUseCase) attachReservations(ctx context.Context, order *Order, reservation *ReserveStockResult) {
	byItem := make(map[string]StockReservation, len(reservation.Reservations))
	for _, r := range reservation.Reservations {
		byItem[r.OrderItemID] = r
	}
	for i := range order.Items {
		if r, ok := byItem[order.Items[i].ID]; ok {
			order.Items[i].ReservationID = r.ID
			order.Items[i].WarehouseID = r.WarehouseID
		}
	}
	expiresAt := reservation.ExpiresAt
	order.ReservationExpiresAt = &expiresAt

	if err := uc.step(ctx, "attach_reservations", func(ctx context.Context) error {
		return uc.repository.AttachReservations(ctx, order.ID, order.Items, expiresAt)
	}); err != nil {
		// inventory tracks the holds by order id, so settling still works
		uc.logger.Error("❌ [CHECKOUT] Failed to attach reservations",
			zap.String("order_id", order.ID),
			zap.Error(err),
		)
	}
}

// applyDiscount never fails the checkout. A refused or failed apply leaves the
// order undiscounted with its stock still reserved. A failed apply is rolled
// back by order id.
func (uc *OrderUseCase) applyDiscount(ctx context.Context, order *Order, lines []CartLine) (int64, string) {
	if order.DiscountCode == "" {
		return 0, ""
	}

	var app *DiscountApplication
	err := uc.step(ctx, "apply_discount", func(ctx context.Context) error {
		var err error
		app, err = uc.discounts.Apply(ctx, DiscountApplyRequest{
			Code:        order.DiscountCode,
			OrderID:     order.ID,
			OrderNumber: order.OrderNumber,
			UserID:      order.UserID,
			OrderAmount: order.Subtotal,
			Items:       discountLines(lines),
		})
		return err
	})
	switch {
	case err != nil:
		uc.logger.Warn("⚠️ [CHECKOUT] Discount apply failed, continuing without discount",
			zap.String("order_id", order.ID),
			zap.String("code", order.DiscountCode),
			zap.Error(err),
		)
		// the ledger may have recorded the usage before the call failed
		if err := uc.discounts.Rollback(ctx, order.ID, "", ReasonCheckoutFailed); err != nil {
			uc.logger.Warn("⚠️ [CHECKOUT] Discount rollback failed, order events will retry it",
				zap.String("order_id", order.ID),
				zap.Error(err),
			)
		}
		return 0, ""
	case !app.Success:
		uc.logger.Warn("⚠️ [CHECKOUT] Discount refused, continuing without discount",
			zap.String("order_id", order.ID),
			zap.String("code", order.DiscountCode),
			zap.String("message", app.Message),
		)
		return 0, ""
	}
	return app.DiscountAmount, app.DiscountID
}

func (uc *OrderUseCase) initiatePayment(ctx context.Context, order *Order) (*PaymentSession, error) {
	var session *PaymentSession
	err := uc.step(ctx, "initiate_payment", func(ctx context.Context) error {
		var err error
		session, err = uc.payments.CreatePayment(ctx, uc.paymentRequest(order))
		if err != nil {
			return err
		}
		return uc.repository.SetPayment(ctx, order.ID, session.TransactionID, session.PaymentURL)
	})
	if err != nil {
		uc.logger.Warn("⚠️ [CHECKOUT] Payment not initiated, order stays payable",
			zap.String("order_id", order.ID),
			zap.Error(err),
		)
		return nil, err
	}
	return session, nil
}

func (uc *OrderUseCase) paymentRequest(order *Order) PaymentRequest {
	items := make([]PaymentLine, len(order.Items))
	for i, item := range order.Items {
		items[i] = PaymentLine{
			ProductID: item.ProductID,
			Name:      item.ProductName,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
		}
	}
	return PaymentRequest{
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		UserID:      order.UserID,
		Amount:      order.TotalAmount,
		Currency:    order.Currency,
		Gateway:     order.PaymentGateway,
		Method:      order.PaymentMethod,
		Description: "Payment for order " + order.OrderNumber,
		ReturnURL:   uc.settings.PaymentReturnURL,
		Items:       items,
	}
}

// RetryPayment opens a new payment session for a PENDING order whose holds
// have not expired yet.
func (uc *OrderUseCase) RetryPayment(ctx context.Context, orderID, userID string) (*PaymentSession, error) {
	ctx, span := uc.tracer.Start(ctx, "orders.retry_payment", trace.WithAttributes(attribute.String("order_id", orderID)))
	defer span.End()

	order, err := uc.GetOrder(ctx, orderID, userID)
	if err != nil {
		return nil, err
	}
	if order.Status != StatusPending {
		return nil, fmt.Errorf("%w: order is %s", ErrOrderNotPayable, order.Status)
	}
	if order.ReservationExpiresAt != nil && !uc.now().Before(*order.ReservationExpiresAt) {
		return nil, fmt.Errorf("%w: reservation expired", ErrOrderNotPayable)
	}

	session, err := uc.payments.CreatePayment(ctx, uc.paymentRequest(order))
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if err := uc.repository.SetPayment(ctx, order.ID, session.TransactionID, session.PaymentURL); err != nil {
		return nil, err
	}

	uc.logger.Info("✅ [PAYMENT] Session re-created", zap.String("order_id", order.ID))
	return session, nil
}

func stockLines(lines []CartLine) []StockLine {
	out := make([]StockLine, len(lines))
	for i, line := range lines {
		out[i] = StockLine{ProductID: line.ProductID, VariantID: line.VariantID, Quantity: line.Quantity}
	}
	return out
}

func discountLines(lines []CartLine) []DiscountLine {
	out := make([]DiscountLine, len(lines))
	for i, line := range lines {
		out[i] = DiscountLine{ProductID: line.ProductID, Quantity: line.Quantity, UnitPrice: line.UnitPrice}
	}
	return out
}
