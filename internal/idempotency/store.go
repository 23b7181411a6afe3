package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/telhawk-systems/flowguard/internal/ttlcache"
)

// MemoryStore keeps fingerprints in a bounded TTL cache.
type MemoryStore struct {
	cache *ttlcache.Cache[string, struct{}]
}

// NewMemoryStore creates a store holding at most maxEntries fingerprints
// (0 = unbounded).
func NewMemoryStore(ttl time.Duration, maxEntries int, opts ...ttlcache.Option) *MemoryStore {
	if maxEntries > 0 {
		opts = append(opts, ttlcache.WithMaxEntries(maxEntries))
	}
	c := ttlcache.New[string, struct{}](ttl, opts...)
	c.StartJanitor(time.Minute)
	return &MemoryStore{cache: c}
}

func (s *MemoryStore) SetIfAbsent(_ context.Context, key string, ttl time.Duration) (bool, error) {
	_, loaded := s.cache.SetIfAbsentWithTTL(key, struct{}{}, ttl)
	return loaded, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.cache.Delete(key)
	return nil
}

func (s *MemoryStore) Close() error {
	s.cache.Close()
	return nil
}

// RedisStore shares fingerprints across instances via SET NX.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "flowguard:idem:"}
}

func (s *RedisStore) SetIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.prefix+key, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("idempotency store failed: %w", err)
	}
	return !ok, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("idempotency release failed: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
