package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/matheusmosca/checkout-saga/internal/discount"
	"github.com/matheusmosca/checkout-saga/internal/platform/config"
	"github.com/matheusmosca/checkout-saga/internal/platform/database"
	"github.com/matheusmosca/checkout-saga/internal/platform/events"
	"github.com/matheusmosca/checkout-saga/internal/platform/httpserver"
	"github.com/matheusmosca/checkout-saga/internal/platform/telemetry"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load("discount-service")
	if err != nil {
		log.Fatalf("❌ Invalid configuration: %v", err)
	}

	providers, err := telemetry.Setup(ctx, cfg)
	if err != nil {
		log.Fatalf("❌ Failed to initialize telemetry: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := providers.Shutdown(shutdownCtx); err != nil {
			log.Printf("Error shutting down telemetry: %v", err)
		}
	}()

	logger := telemetry.NewLogger(cfg.ServiceName, true)
	defer func() { _ = logger.Sync() }()

	var repository discount.Repository
	if cfg.Storage == config.StorageMemory {
		logger.Info("ℹ️ Using in-memory storage")
		repository = discount.NewMemoryDiscountRepository()
	} else {
		db, err := database.NewSQLDB(ctx, cfg.Database, logger)
		if err != nil {
			logger.Fatal("❌ Failed to initialize database", zap.Error(err))
		}
		defer db.Close()
		repository = discount.NewDiscountRepository(db)
	}

	broker, err := events.NewBroker(cfg, logger)
	if err != nil {
		logger.Fatal("❌ Failed to connect event broker", zap.Error(err))
	}
	defer broker.Close()

	useCase := discount.NewDiscountUseCase(repository, otel.Tracer(cfg.ServiceName), logger)

	events.SubscribeAll(ctx, broker, discount.NewEventHandler(useCase, logger).Router().Handle, logger,
		config.OrdersTopic)

	router := httpserver.NewRouter(cfg.ServiceName)
	discount.NewDiscountHandler(useCase, logger).RegisterRoutes(router)

	if err := httpserver.Run(ctx, cfg.Port, router, logger); err != nil {
		logger.Fatal("❌ Failed to start server", zap.Error(err))
	}
	logger.Info("ℹ️ Discount service stopped")
}
