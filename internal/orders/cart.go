package orders

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/redis/go-redis/v9"
)

func cartKey(userID string) string {
	return "cart:" + userID
}

// RedisCartStore reads the hash cart:{userId}; each field is one line encoded as JSON.
type RedisCartStore struct {
	client *redis.Client
}

// NewRedisCartStore reads carts stored as JSON under cart:<user id>.
func NewRedisCartStore(client *redis.Client) *RedisCartStore {
	return &RedisCartStore{client: client}
}

func (s *RedisCartStore) GetCart(ctx context.Context, userID string) ([]CartLine, error) {
	fields, err := s.client.HGetAll(ctx, cartKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read cart: %w", err)
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := make([]CartLine, 0, len(fields))
	for _, k := range keys {
		var line CartLine
		if err := json.Unmarshal([]byte(fields[k]), &line); err != nil {
			return nil, fmt.Errorf("invalid cart line %s: %w", k, err)
		}
		lines = append(lines, line)
	}
	return lines, nil
}

func (s *RedisCartStore) ClearCart(ctx context.Context, userID string) error {
	return s.client.Del(ctx, cartKey(userID)).Err()
}

// MemoryCartStore backs STORAGE=memory and the tests.
type MemoryCartStore struct {
	mu    sync.Mutex
	carts map[string][]CartLine
}

// NewMemoryCartStore is the in-process CartStore used by tests and local runs.
func NewMemoryCartStore() *MemoryCartStore {
	return &MemoryCartStore{carts: make(map[string][]CartLine)}
}

func (s *MemoryCartStore) Put(userID string, lines []CartLine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.carts[userID] = append([]CartLine(nil), lines...)
}

func (s *MemoryCartStore) GetCart(_ context.Context, userID string) ([]CartLine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]CartLine(nil), s.carts[userID]...), nil
}

func (s *MemoryCartStore) ClearCart(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.carts, userID)
	return nil
}
