package orders

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/matheusmosca/checkout-saga/internal/platform/config"
	"github.com/matheusmosca/checkout-saga/internal/platform/telemetry"
)

// Cancel reasons recorded on the order and carried by order.cancelled.
const (
	ReasonUserCancelled      = "user_cancelled"
	ReasonReservationExpired = "reservation_expired"
	ReasonPaymentFailed      = "payment_failed"
	ReasonCheckoutFailed     = "checkout_failed"
)

// Settings are the pricing and payment parameters of a checkout.
type Settings struct {
	ReservationTTL   time.Duration
	ShippingFee      int64
	TaxRateBps       int64
	Currency         string
	PaymentGateway   string
	PaymentReturnURL string
}

// SettingsFromConfig picks the checkout settings out of the service config.
func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		ReservationTTL:   cfg.ReservationTTL,
		ShippingFee:      cfg.ShippingFee,
		TaxRateBps:       cfg.TaxRateBps,
		Currency:         cfg.Currency,
		PaymentGateway:   cfg.PaymentGateway,
		PaymentReturnURL: cfg.PaymentReturnURL,
	}
}

// OrderUseCase owns the Order aggregate: the checkout saga that creates it,
// the payment outcomes that settle it and the cancellation path.
type OrderUseCase struct {
	repository Repository
	inventory  InventoryClient
	discounts  DiscountClient
	payments   PaymentClient
	carts      CartStore
	settings   Settings
	tracer     trace.Tracer
	logger     *zap.Logger
	now        func() time.Time

	checkoutsStarted     metric.Int64Counter
	checkoutsFailed      metric.Int64Counter
	checkoutsCompensated metric.Int64Counter
	ordersCancelled      metric.Int64Counter
}

// NewOrderUseCase wires the use case to its ports and registers its counters
// on the global meter provider.
func NewOrderUseCase(
	repository Repository,
	inventory InventoryClient,
	discounts DiscountClient,
	payments PaymentClient,
	carts CartStore,
	settings Settings,
	tracer trace.Tracer,
	logger *zap.Logger,
) *OrderUseCase {
	meter := otel.Meter("orders")
	return &OrderUseCase{
		repository:           repository,
		inventory:            inventory,
		discounts:            discounts,
		payments:             payments,
		carts:                carts,
		settings:             settings,
		tracer:               tracer,
		logger:               logger,
		now:                  time.Now,
		checkoutsStarted:     telemetry.Counter(meter, "orders.checkouts.started", "Checkouts started"),
		checkoutsFailed:      telemetry.Counter(meter, "orders.checkouts.failed", "Checkouts that returned an error"),
		checkoutsCompensated: telemetry.Counter(meter, "orders.checkouts.compensated", "Orders deleted after a failed reservation"),
		ordersCancelled:      telemetry.Counter(meter, "orders.cancelled", "Orders moved to CANCELLED"),
	}
}

// GetOrder returns the order; a non-empty userID must own it.
func (uc *OrderUseCase) GetOrder(ctx context.Context, orderID, userID string) (*Order, error) {
	order, err := uc.repository.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if userID != "" && order.UserID != userID {
		return nil, ErrOrderNotFound
	}
	return order, nil
}

// releaseStock is best effort: holds that are not released here expire.
func (uc *OrderUseCase) releaseStock(ctx context.Context, orderID, reason string) {
	if err := uc.inventory.Release(ctx, orderID, reason); err != nil {
		uc.logger.Warn("⚠️ Failed to release stock, holds left for expiry",
			zap.String("order_id", orderID),
			zap.String("reason", reason),
			zap.Error(err),
		)
	}
}
