package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/matheusmosca/checkout-saga/internal/platform/config"
	"github.com/matheusmosca/checkout-saga/internal/platform/events"
	"github.com/matheusmosca/checkout-saga/internal/platform/telemetry"
)

const (
	sweepBatchSize      = 100
	defaultHistoryLimit = 50
)

// InventoryUseCase is the Reservation Engine. Quantities only move through the
// repository's conditional primitives; this layer sequences them, compensates a
// partially reserved order and reports expirations.
type InventoryUseCase struct {
	repository Repository
	publisher  events.Publisher
	tracer     trace.Tracer
	logger     *zap.Logger
	defaultTTL time.Duration
	now        func() time.Time
	sweeps     singleflight.Group

	reservedCounter  metric.Int64Counter
	committedCounter metric.Int64Counter
	releasedCounter  metric.Int64Counter
	expiredCounter   metric.Int64Counter
}

func NewInventoryUseCase(
	repository Repository,
	publisher events.Publisher,
	tracer trace.Tracer,
	logger *zap.Logger,
	defaultTTL time.Duration,
) *InventoryUseCase {
	meter := otel.Meter("inventory")
	return &InventoryUseCase{
		repository:       repository,
		publisher:        publisher,
		tracer:           tracer,
		logger:           logger,
		defaultTTL:       defaultTTL,
		now:              time.Now,
		reservedCounter:  telemetry.Counter(meter, "inventory.reservations.created", "Reservations placed"),
		committedCounter: telemetry.Counter(meter, "inventory.reservations.committed", "Reservations committed"),
		releasedCounter:  telemetry.Counter(meter, "inventory.reservations.released", "Reservations released"),
		expiredCounter:   telemetry.Counter(meter, "inventory.reservations.expired", "Reservations expired by the sweep"),
	}
}

// CheckAvailability answers whether each line could be reserved right now.
// Nothing is held. A line is placed on a single inventory item, so the
// reported availability is the best single item, not the sum over warehouses.
func (uc *InventoryUseCase) CheckAvailability(ctx context.Context, lines []Line) ([]Availability, error) {
	ctx, span := uc.tracer.Start(ctx, "inventory.check_availability")
	defer span.End()

	out := make([]Availability, 0, len(lines))
	for _, line := range lines {
		if line.Quantity <= 0 {
			return nil, ErrInvalidQuantity
		}
		items, err := uc.repository.FindItems(ctx, line.ProductID, line.VariantID)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}

		best := 0
		for _, item := range items {
			if a := item.Available(); a > best {
				best = a
			}
		}
		out = append(out, Availability{
			ProductID: line.ProductID,
			VariantID: line.VariantID,
			Requested: line.Quantity,
			Available: best,
			InStock:   best >= line.Quantity,
		})
	}
	return out, nil
}

// Reserve holds every line or none. Each line is one short atomic hold; when
// line k fails the holds of lines 1..k-1 are released before the error returns.
func (uc *InventoryUseCase) Reserve(ctx context.Context, req ReserveRequest) (*ReserveResult, error) {
	ctx, span := uc.tracer.Start(ctx, "inventory.reserve", trace.WithAttributes(
		attribute.String("order_id", req.OrderID),
		attribute.Int("lines", len(req.Items)),
	))
	defer span.End()

	if req.OrderID == "" || len(req.Items) == 0 {
		return nil, fmt.Errorf("%w: order id and items are required", ErrInvalidRequest)
	}
	for _, line := range req.Items {
		if line.Quantity <= 0 {
			return nil, ErrInvalidQuantity
		}
	}

	existing, err := uc.repository.ListReservations(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}
	if replay := heldOnly(existing); len(replay) > 0 {
		uc.logger.Info("ℹ️ [IDEMPOTENCY] Order already holds stock", zap.String("order_id", req.OrderID))
		return &ReserveResult{Reservations: replay, ExpiresAt: replay[0].ExpiresAt}, nil
	}
	for _, res := range existing {
		if res.Status == ReservationCommitted {
			return nil, fmt.Errorf("%w: order %s already committed", ErrInvalidRequest, req.OrderID)
		}
	}

	ttl := req.TTL
	if ttl <= 0 {
		ttl = uc.defaultTTL
	}
	result := &ReserveResult{ExpiresAt: uc.now().Add(ttl)}

	for _, line := range req.Items {
		res, err := uc.repository.HoldStock(ctx, HoldParams{
			OrderID:     req.OrderID,
			OrderNumber: req.OrderNumber,
			Line:        line,
			ExpiresAt:   result.ExpiresAt,
		})
		if err != nil {
			uc.logger.Info("❌ [RESERVE] Failed",
				zap.String("order_id", req.OrderID),
				zap.String("product_id", line.ProductID),
				zap.Error(err),
			)
			span.SetStatus(codes.Error, err.Error())
			if len(result.Reservations) > 0 {
				uc.rollbackReserve(ctx, req.OrderID)
			}
			return nil, err
		}
		result.Reservations = append(result.Reservations, *res)
	}

	uc.reservedCounter.Add(ctx, int64(len(result.Reservations)))
	uc.logger.Info("✅ [RESERVE] Success",
		zap.String("order_id", req.OrderID),
		zap.Int("reservations", len(result.Reservations)),
		zap.Time("expires_at", result.ExpiresAt),
	)
	return result, nil
}

// rollbackReserve releases the holds a failed Reserve already placed. If this
// fails too the holds stay HELD and the sweep expires them after the TTL.
func (uc *InventoryUseCase) rollbackReserve(ctx context.Context, orderID string) {
	released, err := uc.repository.TransitionReservations(ctx, Transition{
		OrderID: orderID,
		To:      ReservationReleased,
		Reason:  "reserve_rollback",
	})
	if err != nil {
		uc.logError("❌ [RESERVE] Rollback failed, holds left for expiry", orderID, err)
		return
	}
	uc.releasedCounter.Add(ctx, int64(len(released)))
	uc.logger.Info("↩️ [RESERVE] Rolled back partial reservation",
		zap.String("order_id", orderID),
		zap.Int("released", len(released)),
	)
}

// Commit turns the order's holds into a stock deduction. Finding nothing held
// is not an error.
func (uc *InventoryUseCase) Commit(ctx context.Context, orderID string) (*CommitResult, error) {
	ctx, span := uc.tracer.Start(ctx, "inventory.commit", trace.WithAttributes(attribute.String("order_id", orderID)))
	defer span.End()

	if orderID == "" {
		return nil, fmt.Errorf("%w: order id is required", ErrInvalidRequest)
	}

	committed, err := uc.repository.TransitionReservations(ctx, Transition{
		OrderID: orderID,
		To:      ReservationCommitted,
		Reason:  "payment_succeeded",
	})
	if err != nil {
		uc.logError("❌ [COMMIT] Failed", orderID, err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	result := &CommitResult{Committed: committed}
	if len(committed) == 0 {
		all, err := uc.repository.ListReservations(ctx, orderID)
		if err != nil {
			return nil, err
		}
		for _, res := range all {
			if res.Status == ReservationCommitted {
				result.AlreadyCommitted++
			}
		}
		uc.logger.Info("ℹ️ [COMMIT] Nothing held",
			zap.String("order_id", orderID),
			zap.Int("already_committed", result.AlreadyCommitted),
		)
		return result, nil
	}

	uc.committedCounter.Add(ctx, int64(len(committed)))
	uc.logger.Info("✅ [COMMIT] Success", zap.String("order_id", orderID), zap.Int("committed", len(committed)))
	return result, nil
}

// Release returns the order's held quantity to available stock and reports how
// many reservations it transitioned.
func (uc *InventoryUseCase) Release(ctx context.Context, orderID, reason string) (int, error) {
	ctx, span := uc.tracer.Start(ctx, "inventory.release", trace.WithAttributes(
		attribute.String("order_id", orderID),
		attribute.String("reason", reason),
	))
	defer span.End()

	if orderID == "" {
		return 0, fmt.Errorf("%w: order id is required", ErrInvalidRequest)
	}

	released, err := uc.repository.TransitionReservations(ctx, Transition{
		OrderID: orderID,
		To:      ReservationReleased,
		Reason:  reason,
	})
	if err != nil {
		uc.logError("❌ [RELEASE] Failed", orderID, err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}
	if len(released) == 0 {
		uc.logger.Info("ℹ️ [RELEASE] Nothing held", zap.String("order_id", orderID))
		return 0, nil
	}

	uc.releasedCounter.Add(ctx, int64(len(released)))
	uc.logger.Info("↩️ [RELEASE] Success",
		zap.String("order_id", orderID),
		zap.String("reason", reason),
		zap.Int("released", len(released)),
	)
	return len(released), nil
}

// ExpireSweep expires every hold past its deadline and tells the order side
// about each affected order. Concurrent calls share one run.
func (uc *InventoryUseCase) ExpireSweep(ctx context.Context) (int, error) {
	v, err, shared := uc.sweeps.Do("expire", func() (any, error) {
		return uc.expire(ctx)
	})
	if shared {
		uc.logger.Debug("ℹ️ [SWEEP] Joined running sweep")
	}
	count, _ := v.(int)
	return count, err
}

func (uc *InventoryUseCase) expire(ctx context.Context) (int, error) {
	ctx, span := uc.tracer.Start(ctx, "inventory.expire_sweep")
	defer span.End()

	now := uc.now()
	total := 0
	var errs []error

	for {
		orderIDs, err := uc.repository.ListExpiredOrderIDs(ctx, now, sweepBatchSize)
		if err != nil {
			span.RecordError(err)
			return total, err
		}

		for _, orderID := range orderIDs {
			expired, err := uc.repository.TransitionReservations(ctx, Transition{
				OrderID:       orderID,
				To:            ReservationExpired,
				Reason:        "ttl_elapsed",
				ExpiredBefore: &now,
			})
			if err != nil {
				uc.logError("❌ [SWEEP] Failed to expire order holds", orderID, err)
				errs = append(errs, err)
				continue
			}
			if len(expired) == 0 {
				// committed or released between the listing and the transition
				continue
			}
			total += len(expired)
			uc.expiredCounter.Add(ctx, int64(len(expired)))
			uc.publishExpired(ctx, orderID, expired)
		}

		if len(orderIDs) < sweepBatchSize || len(errs) > 0 {
			break
		}
	}

	span.SetAttributes(attribute.Int("expired", total))
	if total > 0 {
		uc.logger.Info("⏳ [SWEEP] Expired reservations", zap.Int("count", total))
	}
	return total, errors.Join(errs...)
}

func (uc *InventoryUseCase) publishExpired(ctx context.Context, orderID string, expired []Reservation) {
	ids := make([]string, len(expired))
	for i, res := range expired {
		ids[i] = res.ID
	}

	evt, err := events.New(events.TypeReservationsExpired, orderID, ReservationsExpired{
		OrderID:        orderID,
		ReservationIDs: ids,
	})
	if err == nil {
		err = uc.publisher.Publish(ctx, config.InventoryTopic, evt)
	}
	if err != nil {
		// the order stays PENDING; a late payment then commits nothing and is cancelled
		uc.logError("❌ [SWEEP] Failed to publish expiry", orderID, err)
	}
}

// ImportStock receives goods into a warehouse, creating the ledger row on first use.
func (uc *InventoryUseCase) ImportStock(ctx context.Context, req ImportRequest) (*Item, error) {
	ctx, span := uc.tracer.Start(ctx, "inventory.import_stock", trace.WithAttributes(attribute.String("product_id", req.ProductID)))
	defer span.End()

	if req.Quantity <= 0 {
		return nil, ErrInvalidQuantity
	}
	if req.ProductID == "" || req.WarehouseID == "" {
		return nil, fmt.Errorf("%w: product and warehouse are required", ErrInvalidRequest)
	}

	item, err := uc.repository.EnsureItem(ctx, &Item{
		ProductID:         req.ProductID,
		VariantID:         req.VariantID,
		WarehouseID:       req.WarehouseID,
		LowStockThreshold: req.LowStockThreshold,
	})
	if err != nil {
		return nil, err
	}

	item, err = uc.repository.AdjustOnHand(ctx, Adjustment{
		ItemID:        item.ID,
		Delta:         req.Quantity,
		Type:          TransactionImport,
		ReferenceType: ReferenceManual,
		ReferenceID:   req.ReferenceID,
		Note:          req.Note,
	})
	if err != nil {
		return nil, err
	}

	uc.logger.Info("✅ [IMPORT] Stock received",
		zap.String("product_id", item.ProductID),
		zap.String("warehouse_id", item.WarehouseID),
		zap.Int("quantity", req.Quantity),
	)
	return item, nil
}

// AdjustStock corrects on-hand stock. It refuses to go below what is reserved.
func (uc *InventoryUseCase) AdjustStock(ctx context.Context, itemID string, req AdjustRequest) (*Item, error) {
	ctx, span := uc.tracer.Start(ctx, "inventory.adjust_stock", trace.WithAttributes(attribute.String("item_id", itemID)))
	defer span.End()

	if req.Delta == 0 {
		return nil, ErrInvalidQuantity
	}
	txType := req.Type
	switch txType {
	case "":
		txType = TransactionAdjust
	case TransactionAdjust, TransactionExport, TransactionTransfer:
	default:
		return nil, fmt.Errorf("%w: unsupported adjustment type %s", ErrInvalidRequest, txType)
	}

	item, err := uc.repository.AdjustOnHand(ctx, Adjustment{
		ItemID:        itemID,
		Delta:         req.Delta,
		Type:          txType,
		ReferenceType: ReferenceManual,
		ReferenceID:   req.ReferenceID,
		Note:          req.Note,
	})
	if err != nil {
		return nil, err
	}
	if item.IsLowStock() {
		uc.logger.Warn("⚠️ Low stock",
			zap.String("item_id", item.ID),
			zap.String("product_id", item.ProductID),
			zap.Int("available", item.Available()),
		)
	}
	return item, nil
}

// ReturnStock puts back what a cancelled order had already committed. A second
// call for the same order changes nothing.
func (uc *InventoryUseCase) ReturnStock(ctx context.Context, orderID string) (int, error) {
	ctx, span := uc.tracer.Start(ctx, "inventory.return_stock", trace.WithAttributes(attribute.String("order_id", orderID)))
	defer span.End()

	returned, err := uc.repository.ReturnCommitted(ctx, orderID)
	if err != nil {
		uc.logError("❌ [RETURN] Failed", orderID, err)
		return 0, err
	}
	if len(returned) == 0 {
		uc.logger.Info("ℹ️ [IDEMPOTENCY] Nothing to return", zap.String("order_id", orderID))
		return 0, nil
	}

	quantity := 0
	for _, stx := range returned {
		quantity += stx.QuantityDelta
	}
	uc.logger.Info("↩️ [RETURN] Stock returned", zap.String("order_id", orderID), zap.Int("quantity", quantity))
	return quantity, nil
}

func (uc *InventoryUseCase) GetItem(ctx context.Context, itemID string) (*Item, error) {
	return uc.repository.GetItem(ctx, itemID)
}

func (uc *InventoryUseCase) ListReservations(ctx context.Context, orderID string) ([]Reservation, error) {
	return uc.repository.ListReservations(ctx, orderID)
}

func (uc *InventoryUseCase) ListTransactions(ctx context.Context, itemID string, limit int) ([]StockTransaction, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if _, err := uc.repository.GetItem(ctx, itemID); err != nil {
		return nil, err
	}
	return uc.repository.ListTransactions(ctx, itemID, limit)
}

// logError reports invariant violations under their own message.
func (uc *InventoryUseCase) logError(msg, orderID string, err error) {
	if errors.Is(err, ErrInvariantViolation) {
		uc.logger.Error("🚨 Inventory invariant violated", zap.String("order_id", orderID), zap.Error(err))
		return
	}
	uc.logger.Error(msg, zap.String("order_id", orderID), zap.Error(err))
}

func heldOnly(reservations []Reservation) []Reservation {
	var out []Reservation
	for _, res := range reservations {
		if res.Status == ReservationHeld {
			out = append(out, res)
		}
	}
	return out
}
