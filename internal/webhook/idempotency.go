package webhook

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// IdempotencyStore implements the "processed webhook" set: a single-writer-
// per-key atomic set-add with TTL (§5 "Shared resources").
type IdempotencyStore interface {
	// MarkProcessed atomically records key as processed if not already
	// present. Returns true if key was already marked (a duplicate).
	MarkProcessed(ctx context.Context, key string, ttl time.Duration) (alreadyProcessed bool, err error)
}

// RedisIdempotencyStore implements IdempotencyStore over go-redis's atomic
// SETNX, grounded on §5's "owned singleton ... external KV with TTL"
// design note.
type RedisIdempotencyStore struct {
	client *redis.Client
}

// NewRedisIdempotencyStore wraps an existing redis client.
func NewRedisIdempotencyStore(client *redis.Client) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{client: client}
}

func (s *RedisIdempotencyStore) MarkProcessed(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	set, err := s.client.SetNX(ctx, "webhook:processed:"+key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("webhook: idempotency set-add: %w", err)
	}
	// SetNX returns true when the key was newly set (not a duplicate).
	return !set, nil
}

// InMemoryIdempotencyStore is an IdempotencyStore for tests, implementing
// the same SETNX-with-TTL contract without a redis dependency.
type InMemoryIdempotencyStore struct {
	mu      sync.Mutex
	seen    map[string]time.Time
	nowFunc func() time.Time
}

// NewInMemoryIdempotencyStore builds an InMemoryIdempotencyStore. nowFunc
// lets tests control expiry deterministically; pass nil for time.Now.
func NewInMemoryIdempotencyStore(nowFunc func() time.Time) *InMemoryIdempotencyStore {
	if nowFunc == nil {
		nowFunc = time.Now
	}
	return &InMemoryIdempotencyStore{seen: make(map[string]time.Time), nowFunc: nowFunc}
}

func (s *InMemoryIdempotencyStore) MarkProcessed(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFunc()
	if expiresAt, ok := s.seen[key]; ok && now.Before(expiresAt) {
		return true, nil
	}
	s.seen[key] = now.Add(ttl)
	return false, nil
}
