package events

import (
	"context"

	"go.uber.org/zap"

	"github.com/matheusmosca/checkout-saga/internal/platform/config"
)

// Broker is a publisher and subscriber on the same transport.
type Broker interface {
	Publisher
	Subscriber
}

// NewBroker connects the transport selected by EVENT_BROKER.
func NewBroker(cfg *config.Config, logger *zap.Logger) (Broker, error) {
	switch cfg.EventBroker {
	case config.BrokerKafka:
		return NewKafkaBroker(cfg.KafkaBrokers, cfg.ConsumerGroup, cfg.ServiceName, logger)
	case config.BrokerRabbitMQ:
		return NewRabbitMQBroker(cfg.RabbitMQURL, cfg.ConsumerGroup, logger)
	default:
		logger.Info("ℹ️ Event broker disabled")
		return NopBroker{}, nil
	}
}

// SubscribeAll runs one consumer loop per topic and returns when ctx is done.
func SubscribeAll(ctx context.Context, sub Subscriber, handler Handler, logger *zap.Logger, topics ...string) {
	for _, topic := range topics {
		go func(topic string) {
			if err := sub.Subscribe(ctx, topic, handler); err != nil {
				logger.Error("❌ Subscription stopped", zap.String("topic", topic), zap.Error(err))
			}
		}(topic)
	}
}
