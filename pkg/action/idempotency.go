package action

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// IdempotencyStore remembers the outcome of successful actions by key.
type IdempotencyStore interface {
	// Lookup returns the stored record for key, if any.
	Lookup(ctx context.Context, key string) (*Record, bool, error)

	// Save stores a successful record under key.
	Save(ctx context.Context, key string, rec Record) error
}

// MemoryIdempotencyStore is an in-process IdempotencyStore.
type MemoryIdempotencyStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryIdempotencyStore creates an empty store.
func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{records: make(map[string]Record)}
}

// Lookup implements IdempotencyStore.
func (m *MemoryIdempotencyStore) Lookup(ctx context.Context, key string) (*Record, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[key]
	if !ok {
		return nil, false, nil
	}
	return &rec, true, nil
}

// Save implements IdempotencyStore. The first saved record for a key wins.
func (m *MemoryIdempotencyStore) Save(ctx context.Context, key string, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.records[key]; !exists {
		m.records[key] = rec
	}
	return nil
}

// Len returns the number of stored keys.
func (m *MemoryIdempotencyStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// RedisIdempotencyStore keeps records in Redis so that several warden
// instances sharing a lease backend also share replay state.
type RedisIdempotencyStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisIdempotencyStore creates a Redis-backed store. Keys expire after
// ttl; zero keeps them forever.
func NewRedisIdempotencyStore(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisIdempotencyStore {
	if prefix == "" {
		prefix = "warden:idem:"
	}
	return &RedisIdempotencyStore{client: client, prefix: prefix, ttl: ttl}
}

// Lookup implements IdempotencyStore.
func (r *RedisIdempotencyStore) Lookup(ctx context.Context, key string) (*Record, bool, error) {
	data, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("idempotency lookup failed: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, false, fmt.Errorf("idempotency record corrupt: %w", err)
	}
	return &rec, true, nil
}

// Save implements IdempotencyStore using SET NX so the first record wins.
func (r *RedisIdempotencyStore) Save(ctx context.Context, key string, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := r.client.SetNX(ctx, r.prefix+key, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("idempotency save failed: %w", err)
	}
	return nil
}
