package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event types exchanged between the services.
const (
	TypeOrderConfirmed      = "order.confirmed"
	TypeOrderCancelled      = "order.cancelled"
	TypeOrderPaymentFailed  = "order.payment_failed"
	TypePaymentSucceeded    = "payment.succeeded"
	TypePaymentFailed       = "payment.failed"
	TypeReservationsExpired = "inventory.reservations_expired"
)

// Event is the envelope written to every topic. Delivery is at-least-once,
// consumers must tolerate duplicates.
type Event struct {
	EventID    string          `json:"event_id"`
	Type       string          `json:"type"`
	OrderID    string          `json:"order_id"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

// New builds an envelope around payload.
func New(eventType, orderID string, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("failed to encode %s payload: %w", eventType, err)
	}
	return Event{
		EventID:    uuid.New().String(),
		Type:       eventType,
		OrderID:    orderID,
		OccurredAt: time.Now().UTC(),
		Payload:    data,
	}, nil
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", e.Type, err)
	}
	return nil
}

// Handler processes one event. Returning an error has the broker retry it with
// backoff and, once the attempts run out, park it on a dead-letter destination.
type Handler func(ctx context.Context, evt Event) error

type Publisher interface {
	Publish(ctx context.Context, topic string, evt Event) error
	Close() error
}

type Subscriber interface {
	// Subscribe blocks, dispatching events of topic to handler until ctx is done.
	Subscribe(ctx context.Context, topic string, handler Handler) error
	Close() error
}

var ErrDisabled = errors.New("event broker disabled")

// Router dispatches events by type; unknown types are ignored.
type Router map[string]Handler

func (r Router) Handle(ctx context.Context, evt Event) error {
	h, ok := r[evt.Type]
	if !ok {
		return nil
	}
	return h(ctx, evt)
}

// NopBroker discards published events and never delivers any.
type NopBroker struct{}

func (NopBroker) Publish(context.Context, string, Event) error { return nil }

func (NopBroker) Subscribe(ctx context.Context, _ string, _ Handler) error {
	<-ctx.Done()
	return nil
}

func (NopBroker) Close() error { return nil }
