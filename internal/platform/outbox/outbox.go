package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/matheusmosca/checkout-saga/internal/platform/events"
)

type Record struct {
	ID        int64           `json:"id"`
	EventID   string          `json:"event_id"`
	Topic     string          `json:"topic"`
	Key       string          `json:"key"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	SentAt    *time.Time      `json:"sent_at"`
}

// Store is the read side the relay drains.
type Store interface {
	FetchPending(ctx context.Context, limit int) ([]Record, error)
	MarkSent(ctx context.Context, id int64) error
}

// Insert enqueues evt inside tx, so it commits or rolls back with the state change it describes.
func Insert(ctx context.Context, tx pgx.Tx, topic string, evt events.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO outbox (event_id, topic, key, payload) VALUES ($1, $2, $3, $4)`,
		evt.EventID, topic, evt.OrderID, data,
	)
	if err != nil {
		return fmt.Errorf("failed to insert outbox record: %w", err)
	}
	return nil
}

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) FetchPending(ctx context.Context, limit int) ([]Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, event_id, topic, key, payload, created_at, sent_at
		FROM outbox
		WHERE sent_at IS NULL
		ORDER BY id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.EventID, &rec.Topic, &rec.Key, &rec.Payload, &rec.CreatedAt, &rec.SentAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MarkSent(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE outbox SET sent_at = NOW() WHERE id = $1`, id)
	return err
}

// MemoryStore is the outbox of the in-memory repositories.
type MemoryStore struct {
	mu      sync.Mutex
	nextID  int64
	records []Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(topic string, evt events.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.records = append(s.records, Record{
		ID:        s.nextID,
		EventID:   evt.EventID,
		Topic:     topic,
		Key:       evt.OrderID,
		Payload:   data,
		CreatedAt: time.Now(),
	})
	return nil
}

func (s *MemoryStore) FetchPending(_ context.Context, limit int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Record
	for _, rec := range s.records {
		if rec.SentAt == nil {
			out = append(out, rec)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) MarkSent(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for i := range s.records {
		if s.records[i].ID == id {
			s.records[i].SentAt = &now
		}
	}
	return nil
}

// Events returns every enqueued event, sent or not, in insertion order.
func (s *MemoryStore) Events() []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]events.Event, 0, len(s.records))
	for _, rec := range s.records {
		var evt events.Event
		if err := json.Unmarshal(rec.Payload, &evt); err == nil {
			out = append(out, evt)
		}
	}
	return out
}

// Relay forwards pending outbox records to the broker. A record is marked sent
// only after a successful publish, so delivery is at-least-once.
type Relay struct {
	store     Store
	publisher events.Publisher
	interval  time.Duration
	batchSize int
	logger    *zap.Logger
}

func NewRelay(store Store, publisher events.Publisher, interval time.Duration, logger *zap.Logger) *Relay {
	return &Relay{
		store:     store,
		publisher: publisher,
		interval:  interval,
		batchSize: 100,
		logger:    logger,
	}
}

func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Flush(ctx); err != nil {
				r.logger.Error("❌ Outbox flush failed", zap.Error(err))
			}
		}
	}
}

// Flush publishes one batch and returns how many records were sent.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	records, err := r.store.FetchPending(ctx, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch pending outbox records: %w", err)
	}

	sent := 0
	for _, rec := range records {
		var evt events.Event
		if err := json.Unmarshal(rec.Payload, &evt); err != nil {
			r.logger.Error("❌ Dropping undecodable outbox record", zap.Int64("id", rec.ID), zap.Error(err))
			_ = r.store.MarkSent(ctx, rec.ID)
			continue
		}

		if err := r.publisher.Publish(ctx, rec.Topic, evt); err != nil {
			return sent, fmt.Errorf("failed to publish outbox record %d: %w", rec.ID, err)
		}
		if err := r.store.MarkSent(ctx, rec.ID); err != nil {
			return sent, fmt.Errorf("failed to mark outbox record %d: %w", rec.ID, err)
		}
		sent++
	}
	return sent, nil
}
