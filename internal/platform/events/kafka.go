package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	otelkafka "github.com/Trendyol/otel-kafka-konsumer"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
)

// KafkaBroker publishes and consumes events through traced kafka-go readers and writers.
type KafkaBroker struct {
	brokers []string
	groupID string
	logger  *zap.Logger
	writer  *otelkafka.Writer

	redelivery Redelivery
	deadLetter func(ctx context.Context, msg kafka.Message, cause error) error

	mu      sync.Mutex
	readers []*otelkafka.Reader
}

func NewKafkaBroker(brokers []string, groupID, clientID string, logger *zap.Logger) (*KafkaBroker, error) {
	baseWriter := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 10 * time.Millisecond,
	}

	writer, err := otelkafka.NewWriter(baseWriter,
		otelkafka.WithTracerProvider(otel.GetTracerProvider()),
		otelkafka.WithPropagator(propagation.TraceContext{}),
		otelkafka.WithAttributes([]attribute.KeyValue{
			attribute.String("messaging.kafka.client_id", clientID),
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka writer: %w", err)
	}

	b := &KafkaBroker{
		brokers:    brokers,
		groupID:    groupID,
		logger:     logger,
		writer:     writer,
		redelivery: DefaultRedelivery,
	}
	b.deadLetter = b.writeDeadLetter
	return b, nil
}

// Publish writes evt keyed by order id so every event of an order lands on one partition.
func (b *KafkaBroker) Publish(ctx context.Context, topic string, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}

	msg := kafka.Message{
		Topic: topic,
		Key:   []byte(evt.OrderID),
		Value: data,
		Time:  time.Now().UTC(),
	}
	if err := b.writer.WriteMessage(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish %s: %w", evt.Type, err)
	}
	return nil
}

// messageReader is the part of the traced reader the consumer loop uses.
type messageReader interface {
	FetchMessage(ctx context.Context, msg *kafka.Message) error
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Subscribe consumes topic at least once: an offset is committed only after the
// handler accepted the event or the event was parked on the dead-letter topic.
func (b *KafkaBroker) Subscribe(ctx context.Context, topic string, handler Handler) error {
	baseReader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  b.brokers,
		Topic:    topic,
		GroupID:  b.groupID,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
	reader, err := otelkafka.NewReader(baseReader)
	if err != nil {
		return fmt.Errorf("failed to create kafka reader: %w", err)
	}

	b.mu.Lock()
	b.readers = append(b.readers, reader)
	b.mu.Unlock()

	b.logger.Info("📥 Consuming topic", zap.String("topic", topic), zap.String("group_id", b.groupID))
	return b.consume(ctx, reader, topic, handler)
}

func (b *KafkaBroker) consume(ctx context.Context, reader messageReader, topic string, handler Handler) error {
	for {
		var msg kafka.Message
		if err := reader.FetchMessage(ctx, &msg); err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			b.logger.Error("❌ Failed to fetch message", zap.String("topic", topic), zap.Error(err))
			continue
		}

		if !b.settle(ctx, topic, msg, handler) {
			// shutting down: the uncommitted offset is fetched again on restart
			return nil
		}
		if err := reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			b.logger.Error("❌ Failed to commit offset",
				zap.String("topic", topic),
				zap.Int64("offset", msg.Offset),
				zap.Error(err),
			)
		}
	}
}

// settle reports whether msg may be committed.
func (b *KafkaBroker) settle(ctx context.Context, topic string, msg kafka.Message, handler Handler) bool {
	msgCtx := extractTraceContext(ctx, msg.Headers)

	var evt Event
	if err := json.Unmarshal(msg.Value, &evt); err != nil {
		b.logger.Error("❌ Invalid event payload",
			zap.String("topic", topic),
			zap.ByteString("raw_value", msg.Value),
			zap.Error(err),
		)
		return b.parkDeadLetter(ctx, msg, err)
	}

	attempts, err := b.redelivery.Deliver(msgCtx, handler, evt)
	if err == nil {
		return true
	}
	if ctx.Err() != nil {
		return false
	}
	b.logger.Error("❌ Failed to handle event, moving it to dead letter",
		zap.String("topic", topic),
		zap.String("type", evt.Type),
		zap.String("order_id", evt.OrderID),
		zap.Int("attempts", attempts),
		zap.Error(err),
	)
	return b.parkDeadLetter(ctx, msg, err)
}

// parkDeadLetter retries the dead-letter write until it lands or ctx ends.
func (b *KafkaBroker) parkDeadLetter(ctx context.Context, msg kafka.Message, cause error) bool {
	for {
		err := b.deadLetter(ctx, msg, cause)
		if err == nil {
			return true
		}
		b.logger.Error("❌ Failed to write dead letter", zap.String("topic", msg.Topic), zap.Error(err))

		select {
		case <-ctx.Done():
			return false
		case <-time.After(b.redelivery.Backoff):
		}
	}
}

func (b *KafkaBroker) writeDeadLetter(ctx context.Context, msg kafka.Message, cause error) error {
	headers := append([]kafka.Header{}, msg.Headers...)
	headers = append(headers, kafka.Header{Key: "x-error", Value: []byte(cause.Error())})
	return b.writer.WriteMessage(ctx, kafka.Message{
		Topic:   DeadLetterTopic(msg.Topic),
		Key:     msg.Key,
		Value:   msg.Value,
		Headers: headers,
		Time:    time.Now().UTC(),
	})
}

func (b *KafkaBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	err := b.writer.Close()
	for _, r := range b.readers {
		err = errors.Join(err, r.Close())
	}
	return err
}

// extractTraceContext continues the producer's trace from the message headers.
func extractTraceContext(ctx context.Context, headers []kafka.Header) context.Context {
	carrier := propagation.MapCarrier{}
	for _, header := range headers {
		carrier[header.Key] = string(header.Value)
	}
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}
