package discount

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/matheusmosca/checkout-saga/internal/platform/events"
)

func newTestUseCase(t *testing.T, discounts ...*Discount) (*DiscountUseCase, *MemoryDiscountRepository) {
	t.Helper()
	repo := NewMemoryDiscountRepository()
	uc := NewDiscountUseCase(repo, noop.NewTracerProvider().Tracer("test"), zap.NewNop())
	for _, d := range discounts {
		require.NoError(t, uc.CreateDiscount(context.Background(), d))
	}
	return uc, repo
}

func save10() *Discount {
	return &Discount{Code: "SAVE10", Type: TypePercentage, Value: 10, Active: true}
}

func TestEvaluate_AmountRules(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	tests := []struct {
		name     string
		discount Discount
		amount   int64
		usage    int
		want     int64
		wantErr  error
	}{
		{name: "percentage", discount: Discount{Type: TypePercentage, Value: 10, Active: true}, amount: 100000, want: 10000},
		{name: "percentage capped", discount: Discount{Type: TypePercentage, Value: 50, MaxDiscountAmount: 20000, Active: true}, amount: 100000, want: 20000},
		{name: "fixed", discount: Discount{Type: TypeFixed, Value: 15000, Active: true}, amount: 100000, want: 15000},
		{name: "fixed above order", discount: Discount{Type: TypeFixed, Value: 15000, Active: true}, amount: 9000, want: 9000},
		{name: "inactive", discount: Discount{Type: TypeFixed, Value: 1, Active: false}, amount: 100, wantErr: ErrDiscountInactive},
		{name: "not started", discount: Discount{Type: TypeFixed, Value: 1, Active: true, StartsAt: &future}, amount: 100, wantErr: ErrDiscountNotStarted},
		{name: "expired", discount: Discount{Type: TypeFixed, Value: 1, Active: true, EndsAt: &past}, amount: 100, wantErr: ErrDiscountExpired},
		{name: "below minimum", discount: Discount{Type: TypeFixed, Value: 1, Active: true, MinOrderAmount: 500}, amount: 100, wantErr: ErrBelowMinimum},
		{name: "global limit", discount: Discount{Type: TypeFixed, Value: 1, Active: true, UsageLimit: 3, UsedCount: 3}, amount: 100, wantErr: ErrUsageLimitReached},
		{name: "user limit", discount: Discount{Type: TypeFixed, Value: 1, Active: true, UsageLimitPerUser: 1}, amount: 100, usage: 1, wantErr: ErrUserLimitReached},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.discount.Evaluate(tt.amount, tt.usage, now)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidateDiscount_Save10(t *testing.T) {
	// Arrange
	uc, _ := newTestUseCase(t, save10())

	// Act
	result, err := uc.ValidateDiscount(context.Background(), ValidateRequest{Code: "save10", OrderAmount: 100000})

	// Assert
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, int64(10000), result.DiscountAmount)
}

func TestValidateDiscount_UnknownCodeIsInvalidNotError(t *testing.T) {
	// Arrange
	uc, _ := newTestUseCase(t)

	// Act
	result, err := uc.ValidateDiscount(context.Background(), ValidateRequest{Code: "NOPE", OrderAmount: 100000})

	// Assert
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Equal(t, ErrDiscountNotFound.Error(), result.Message)
}

func TestApplyDiscount_ReplayForSameOrderRecordsOnce(t *testing.T) {
	// Arrange
	uc, repo := newTestUseCase(t, save10())
	ctx := context.Background()
	req := ApplyRequest{Code: "SAVE10", OrderID: "order-1", UserID: "user-1", OrderAmount: 100000}

	// Act
	first, err1 := uc.ApplyDiscount(ctx, req)
	second, err2 := uc.ApplyDiscount(ctx, req)

	// Assert
	require.NoError(t, err1)
	require.NoError(t, err2)
	assert.True(t, first.Success)
	assert.Equal(t, first, second)
	d, _ := repo.GetByCode(ctx, "SAVE10")
	assert.Equal(t, 1, d.UsedCount)
}

func TestApplyDiscount_PerUserLimitHoldsUnderConcurrency(t *testing.T) {
	// Arrange
	limited := save10()
	limited.UsageLimitPerUser = 2
	uc, repo := newTestUseCase(t, limited)
	ctx := context.Background()

	var wg sync.WaitGroup
	var applied atomic.Int32

	// Act
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := uc.ApplyDiscount(ctx, ApplyRequest{
				Code:        "SAVE10",
				OrderID:     fmt.Sprintf("order-%d", i),
				UserID:      "user-1",
				OrderAmount: 100000,
			})
			if err == nil && result.Success {
				applied.Add(1)
			}
		}(i)
	}
	wg.Wait()

	// Assert
	assert.Equal(t, int32(2), applied.Load())
	count, _ := repo.CountUserUsage(ctx, limited.ID, "user-1")
	assert.Equal(t, 2, count)
}

func TestRollbackUsage_FreesTheUsage(t *testing.T) {
	// Arrange
	limited := save10()
	limited.UsageLimitPerUser = 1
	uc, repo := newTestUseCase(t, limited)
	ctx := context.Background()
	applied, err := uc.ApplyDiscount(ctx, ApplyRequest{Code: "SAVE10", OrderID: "order-1", UserID: "user-1", OrderAmount: 100000})
	require.NoError(t, err)
	require.True(t, applied.Success)

	// Act
	first, err1 := uc.RollbackUsage(ctx, RollbackRequest{OrderID: "order-1", DiscountID: applied.DiscountID, Reason: "order_cancelled"})
	second, err2 := uc.RollbackUsage(ctx, RollbackRequest{OrderID: "order-1", DiscountID: applied.DiscountID})
	next, err3 := uc.ApplyDiscount(ctx, ApplyRequest{Code: "SAVE10", OrderID: "order-2", UserID: "user-1", OrderAmount: 100000})

	// Assert
	require.NoError(t, err1)
	require.NoError(t, err2)
	require.NoError(t, err3)
	assert.True(t, first)
	assert.False(t, second)
	assert.True(t, next.Success)
	d, _ := repo.GetByCode(ctx, "SAVE10")
	assert.Equal(t, 1, d.UsedCount)
}

func TestRollbackUsage_BeforeApplyBlocksLateApply(t *testing.T) {
	// Arrange
	uc, _ := newTestUseCase(t, save10())
	ctx := context.Background()

	// Act
	rolledBack, err := uc.RollbackUsage(ctx, RollbackRequest{OrderID: "order-1"})
	late, lateErr := uc.ApplyDiscount(ctx, ApplyRequest{Code: "SAVE10", OrderID: "order-1", UserID: "user-1", OrderAmount: 100000})

	// Assert
	require.NoError(t, err)
	assert.False(t, rolledBack)
	require.NoError(t, lateErr)
	assert.False(t, late.Success)
	assert.Equal(t, ErrApplyBlocked.Error(), late.Message)
}

func TestEventHandler_RollsBackOnCancellation(t *testing.T) {
	// Arrange
	uc, repo := newTestUseCase(t, save10())
	ctx := context.Background()
	applied, err := uc.ApplyDiscount(ctx, ApplyRequest{Code: "SAVE10", OrderID: "order-1", UserID: "user-1", OrderAmount: 100000})
	require.NoError(t, err)
	evt, _ := events.New(events.TypeOrderCancelled, "order-1", map[string]any{"discount_id": applied.DiscountID})

	// Act
	err = NewEventHandler(uc, zap.NewNop()).Router().Handle(ctx, evt)

	// Assert
	require.NoError(t, err)
	usage, _ := repo.GetUsageByOrder(ctx, "order-1")
	assert.Nil(t, usage)
}

func TestEventHandler_RollsBackByOrderWhenOnlyCodeIsKnown(t *testing.T) {
	// Arrange
	uc, repo := newTestUseCase(t, save10())
	ctx := context.Background()
	_, err := uc.ApplyDiscount(ctx, ApplyRequest{Code: "SAVE10", OrderID: "order-1", UserID: "user-1", OrderAmount: 100000})
	require.NoError(t, err)
	evt, _ := events.New(events.TypeOrderPaymentFailed, "order-1", map[string]any{"discount_code": "SAVE10"})

	// Act
	err = NewEventHandler(uc, zap.NewNop()).Router().Handle(ctx, evt)

	// Assert
	require.NoError(t, err)
	usage, _ := repo.GetUsageByOrder(ctx, "order-1")
	assert.Nil(t, usage)
	d, _ := repo.GetByCode(ctx, "SAVE10")
	assert.Equal(t, 0, d.UsedCount)
}
