package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/matheusmosca/checkout-saga/internal/orders"
	"github.com/matheusmosca/checkout-saga/internal/platform/config"
	"github.com/matheusmosca/checkout-saga/internal/platform/database"
	"github.com/matheusmosca/checkout-saga/internal/platform/events"
	"github.com/matheusmosca/checkout-saga/internal/platform/httpserver"
	"github.com/matheusmosca/checkout-saga/internal/platform/outbox"
	"github.com/matheusmosca/checkout-saga/internal/platform/telemetry"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load("orders-service")
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

	var (
		repository orders.Repository
		store      outbox.Store
		carts      orders.CartStore
	)
	if cfg.Storage == config.StorageMemory {
		logger.Info("ℹ️ Using in-memory storage")
		memoryStore := outbox.NewMemoryStore()
		repository = orders.NewMemoryOrderRepository(memoryStore)
		store = memoryStore
		carts = orders.NewMemoryCartStore()
	} else {
		pool, err := database.NewPool(ctx, cfg.Database, logger)
		if err != nil {
			logger.Fatal("❌ Failed to initialize database", zap.Error(err))
		}
		defer pool.Close()
		repository = orders.NewOrderRepository(pool)
		store = outbox.NewPostgresStore(pool)

		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("⚠️ Redis not reachable, carts unavailable until it is", zap.Error(err))
		}
		carts = orders.NewRedisCartStore(rdb)
	}

	broker, err := events.NewBroker(cfg, logger)
	if err != nil {
		logger.Fatal("❌ Failed to connect event broker", zap.Error(err))
	}
	defer broker.Close()

	useCase := orders.NewOrderUseCase(
		repository,
		orders.NewInventoryClient(cfg.InventoryServiceURL, cfg.HTTPClientTimeout),
		orders.NewDiscountClient(cfg.DiscountServiceURL, cfg.HTTPClientTimeout),
		orders.NewPaymentClient(cfg.PaymentServiceURL, cfg.HTTPClientTimeout),
		carts,
		orders.SettingsFromConfig(cfg),
		otel.Tracer(cfg.ServiceName),
		logger,
	)

	go outbox.NewRelay(store, broker, cfg.OutboxPollInterval, logger).Run(ctx)
	events.SubscribeAll(ctx, broker, orders.NewEventHandler(useCase, logger).Router().Handle, logger,
		config.PaymentsTopic, config.InventoryTopic)

	router := httpserver.NewRouter(cfg.ServiceName)
	orders.NewOrderHandler(useCase, logger).RegisterRoutes(router)

	if err := httpserver.Run(ctx, cfg.Port, router, logger); err != nil {
		logger.Fatal("❌ Failed to start server", zap.Error(err))
	}
	logger.Info("ℹ️ Orders service stopped")
}
