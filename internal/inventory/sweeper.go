package inventory

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Sweeper triggers ExpireSweep on a fixed interval.
type Sweeper struct {
	useCase  *InventoryUseCase
	interval time.Duration
	logger   *zap.Logger
}

func NewSweeper(useCase *InventoryUseCase, interval time.Duration, logger *zap.Logger) *Sweeper {
	return &Sweeper{
		useCase:  useCase,
		interval: interval,
		logger:   logger,
	}
}

// Run blocks until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("⏳ Expiry sweeper started", zap.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("ℹ️ Expiry sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.useCase.ExpireSweep(ctx); err != nil {
				s.logger.Error("❌ Expiry sweep failed", zap.Error(err))
			}
		}
	}
}
