package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
)

const (
	ExchangeName = "checkout"
	ExchangeType = "topic"

	DeadLetterExchange = ExchangeName + ".dead-letter"
)

// RabbitMQBroker maps topics onto routing keys of one durable topic exchange.
// Each consumer group gets a durable queue per topic so events survive restarts.
// Events that exhaust their attempts are rejected onto the dead-letter exchange.
type RabbitMQBroker struct {
	conn       *amqp.Connection
	ch         *amqp.Channel
	groupID    string
	logger     *zap.Logger
	redelivery Redelivery
}

func NewRabbitMQBroker(url, groupID string, logger *zap.Logger) (*RabbitMQBroker, error) {
	var conn *amqp.Connection
	var err error

	for i := 0; i < 5; i++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			break
		}
		logger.Info("⏳ Waiting for RabbitMQ...", zap.Int("attempt", i+1), zap.Error(err))
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		return nil, fmt.Errorf("could not connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("could not open channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		ExchangeName, // name
		ExchangeType, // type
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("could not declare exchange: %w", err)
	}
	if err := ch.ExchangeDeclare(DeadLetterExchange, ExchangeType, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("could not declare dead-letter exchange: %w", err)
	}

	return &RabbitMQBroker{conn: conn, ch: ch, groupID: groupID, logger: logger, redelivery: DefaultRedelivery}, nil
}

func (b *RabbitMQBroker) Publish(ctx context.Context, topic string, evt Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("could not marshal event: %w", err)
	}

	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	headers := amqp.Table{}
	for k, v := range carrier {
		headers[k] = v
	}

	return b.ch.PublishWithContext(ctx,
		ExchangeName, // exchange
		topic,        // routing key
		false,        // mandatory
		false,        // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    evt.EventID,
			Headers:      headers,
			Body:         body,
		},
	)
}

func (b *RabbitMQBroker) Subscribe(ctx context.Context, topic string, handler Handler) error {
	q, err := b.ch.QueueDeclare(
		b.groupID+"."+topic, // name
		true,                // durable
		false,               // delete when unused
		false,               // exclusive
		false,               // no-wait
		amqp.Table{"x-dead-letter-exchange": DeadLetterExchange},
	)
	if err != nil {
		return fmt.Errorf("could not declare queue: %w", err)
	}

	if err := b.ch.QueueBind(q.Name, topic, ExchangeName, false, nil); err != nil {
		return fmt.Errorf("could not bind queue: %w", err)
	}

	dlq, err := b.ch.QueueDeclare(DeadLetterTopic(q.Name), true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("could not declare dead-letter queue: %w", err)
	}
	if err := b.ch.QueueBind(dlq.Name, topic, DeadLetterExchange, false, nil); err != nil {
		return fmt.Errorf("could not bind dead-letter queue: %w", err)
	}

	msgs, err := b.ch.Consume(
		q.Name, // queue
		"",     // consumer tag
		false,  // auto-ack
		false,  // exclusive
		false,  // no-local
		false,  // no-wait
		nil,    // args
	)
	if err != nil {
		return fmt.Errorf("could not start consume: %w", err)
	}

	b.logger.Info("📥 Consuming queue", zap.String("queue", q.Name), zap.String("routing_key", topic))

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return errors.New("rabbitmq delivery channel closed")
			}

			b.settle(ctx, q.Name, d, handler)
		}
	}
}

// settle acks a handled delivery. One that keeps failing is rejected without
// requeue, which routes it to the dead-letter queue.
func (b *RabbitMQBroker) settle(ctx context.Context, queue string, d amqp.Delivery, handler Handler) {
	carrier := propagation.MapCarrier{}
	for k, v := range d.Headers {
		if s, ok := v.(string); ok {
			carrier[k] = s
		}
	}
	msgCtx := otel.GetTextMapPropagator().Extract(ctx, carrier)

	var evt Event
	if err := json.Unmarshal(d.Body, &evt); err != nil {
		b.logger.Error("❌ Invalid event payload", zap.String("queue", queue), zap.Error(err))
		_ = d.Nack(false, false)
		return
	}

	attempts, err := b.redelivery.Deliver(msgCtx, handler, evt)
	switch {
	case err == nil:
		_ = d.Ack(false)
	case ctx.Err() != nil:
		_ = d.Nack(false, true)
	default:
		b.logger.Error("❌ Failed to handle event, moving it to dead letter",
			zap.String("queue", queue),
			zap.String("type", evt.Type),
			zap.String("order_id", evt.OrderID),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		_ = d.Nack(false, false)
	}
}

func (b *RabbitMQBroker) Close() error {
	return errors.Join(b.ch.Close(), b.conn.Close())
}
