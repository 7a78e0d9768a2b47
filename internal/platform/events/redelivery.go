package events

import (
	"context"
	"time"
)

// Redelivery bounds how long a consumer keeps handing one event to a failing
// handler before it gives the event up to a dead-letter destination.
type Redelivery struct {
	MaxAttempts int
	Backoff     time.Duration
	MaxBackoff  time.Duration
}

var DefaultRedelivery = Redelivery{
	MaxAttempts: 5,
	Backoff:     500 * time.Millisecond,
	MaxBackoff:  15 * time.Second,
}

// Deliver calls handler until it succeeds, ctx ends or the attempts run out,
// doubling the pause between attempts. It returns the attempts made and the
// last handler error.
func (r Redelivery) Deliver(ctx context.Context, handler Handler, evt Event) (int, error) {
	maxAttempts := r.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	wait := r.Backoff

	var err error
	for attempt := 1; ; attempt++ {
		if err = handler(ctx, evt); err == nil {
			return attempt, nil
		}
		if attempt >= maxAttempts {
			return attempt, err
		}

		select {
		case <-ctx.Done():
			return attempt, err
		case <-time.After(wait):
		}
		wait *= 2
		if r.MaxBackoff > 0 && wait > r.MaxBackoff {
			wait = r.MaxBackoff
		}
	}
}

// DeadLetterTopic names where events that exhausted their attempts are parked.
func DeadLetterTopic(topic string) string {
	return topic + ".dead-letter"
}
