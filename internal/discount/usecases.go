package discount

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// DiscountUseCase is the discount participant of the checkout saga.
type DiscountUseCase struct {
	repository Repository
	tracer     trace.Tracer
	logger     *zap.Logger
	now        func() time.Time
}

func NewDiscountUseCase(repository Repository, tracer trace.Tracer, logger *zap.Logger) *DiscountUseCase {
	return &DiscountUseCase{
		repository: repository,
		tracer:     tracer,
		logger:     logger,
		now:        time.Now,
	}
}

// ValidateDiscount prices a code without recording anything. Refusals come
// back as Valid=false with a message, not as errors.
func (uc *DiscountUseCase) ValidateDiscount(ctx context.Context, req ValidateRequest) (*Validation, error) {
	ctx, span := uc.tracer.Start(ctx, "discount.validate", trace.WithAttributes(attribute.String("code", req.Code)))
	defer span.End()

	amount := orderAmount(req.OrderAmount, req.Items)
	d, err := uc.repository.GetByCode(ctx, req.Code)
	if err != nil {
		if isRejection(err) {
			return &Validation{Valid: false, Message: err.Error()}, nil
		}
		return nil, err
	}

	userUsage := 0
	if req.UserID != "" {
		if userUsage, err = uc.repository.CountUserUsage(ctx, d.ID, req.UserID); err != nil {
			return nil, err
		}
	}

	discountAmount, err := d.Evaluate(amount, userUsage, uc.now())
	if err != nil {
		if isRejection(err) {
			return &Validation{Valid: false, Message: err.Error(), Discount: d}, nil
		}
		return nil, err
	}
	return &Validation{Valid: true, DiscountAmount: discountAmount, Discount: d}, nil
}

// ApplyDiscount records the usage for an order. Applying twice for the same
// order returns the first result.
func (uc *DiscountUseCase) ApplyDiscount(ctx context.Context, req ApplyRequest) (*ApplyResult, error) {
	ctx, span := uc.tracer.Start(ctx, "discount.apply", trace.WithAttributes(
		attribute.String("code", req.Code),
		attribute.String("order_id", req.OrderID),
	))
	defer span.End()

	if req.OrderID == "" || req.UserID == "" || strings.TrimSpace(req.Code) == "" {
		return nil, fmt.Errorf("%w: code, order and user are required", ErrInvalidRequest)
	}

	now := uc.now()
	amount := orderAmount(req.OrderAmount, req.Items)
	usage, err := uc.repository.Apply(ctx, ApplyParams{
		Code:        req.Code,
		OrderID:     req.OrderID,
		OrderNumber: req.OrderNumber,
		UserID:      req.UserID,
		OrderAmount: amount,
	}, func(d *Discount, userUsage int) (int64, error) {
		return d.Evaluate(amount, userUsage, now)
	})
	if err != nil {
		if isRejection(err) {
			uc.logger.Info("❌ [APPLY DISCOUNT] Rejected",
				zap.String("order_id", req.OrderID),
				zap.String("code", req.Code),
				zap.Error(err),
			)
			return &ApplyResult{Success: false, Message: err.Error()}, nil
		}
		uc.logger.Error("❌ [APPLY DISCOUNT] Failed", zap.String("order_id", req.OrderID), zap.Error(err))
		return nil, err
	}

	uc.logger.Info("✅ [APPLY DISCOUNT] Success",
		zap.String("order_id", req.OrderID),
		zap.String("discount_id", usage.DiscountID),
		zap.Int64("discount_amount", usage.DiscountAmount),
	)
	return &ApplyResult{
		Success:        true,
		DiscountID:     usage.DiscountID,
		DiscountAmount: usage.DiscountAmount,
	}, nil
}

// RollbackUsage undoes the order's usage. A rollback with nothing applied
// succeeds and prevents a late apply for the same order.
func (uc *DiscountUseCase) RollbackUsage(ctx context.Context, req RollbackRequest) (bool, error) {
	ctx, span := uc.tracer.Start(ctx, "discount.rollback", trace.WithAttributes(attribute.String("order_id", req.OrderID)))
	defer span.End()

	if req.OrderID == "" {
		return false, fmt.Errorf("%w: order id is required", ErrInvalidRequest)
	}

	if req.DiscountID != "" {
		usage, err := uc.repository.GetUsageByOrder(ctx, req.OrderID)
		if err != nil {
			return false, err
		}
		if usage != nil && usage.DiscountID != req.DiscountID {
			return false, fmt.Errorf("%w: order %s used discount %s", ErrInvalidRequest, req.OrderID, usage.DiscountID)
		}
	}

	rolledBack, err := uc.repository.Rollback(ctx, req.OrderID)
	if err != nil {
		uc.logger.Error("❌ [ROLLBACK DISCOUNT] Failed", zap.String("order_id", req.OrderID), zap.Error(err))
		return false, err
	}
	if rolledBack {
		uc.logger.Info("↩️ [ROLLBACK DISCOUNT] Usage removed",
			zap.String("order_id", req.OrderID),
			zap.String("reason", req.Reason),
		)
	} else {
		uc.logger.Info("ℹ️ [IDEMPOTENCY] No usage to roll back", zap.String("order_id", req.OrderID))
	}
	return rolledBack, nil
}

func (uc *DiscountUseCase) CreateDiscount(ctx context.Context, d *Discount) error {
	if d.Code == "" || d.Value <= 0 {
		return fmt.Errorf("%w: code and a positive value are required", ErrInvalidRequest)
	}
	if d.Type != TypePercentage && d.Type != TypeFixed {
		return fmt.Errorf("%w: unknown discount type %q", ErrInvalidRequest, d.Type)
	}
	if d.Type == TypePercentage && d.Value > 100 {
		return fmt.Errorf("%w: percentage above 100", ErrInvalidRequest)
	}
	return uc.repository.CreateDiscount(ctx, d)
}

func (uc *DiscountUseCase) GetDiscount(ctx context.Context, code string) (*Discount, error) {
	return uc.repository.GetByCode(ctx, code)
}

func orderAmount(amount int64, lines []Line) int64 {
	if amount > 0 {
		return amount
	}
	return linesTotal(lines)
}
