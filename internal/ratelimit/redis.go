package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindowScript trims members older than the window, adds one member
// per event and returns the resulting cardinality.
var slidingWindowScript = redis.NewScript(`
	local key = KEYS[1]
	local now = tonumber(ARGV[1])
	local window_start = tonumber(ARGV[2])
	local n = tonumber(ARGV[3])
	local member = ARGV[4]
	local ttl = tonumber(ARGV[5])

	-- Remove old entries
	redis.call('ZREMRANGEBYSCORE', key, 0, window_start)

	for i = 1, n do
		redis.call('ZADD', key, now, member .. ':' .. i)
	end
	redis.call('EXPIRE', key, ttl)

	return redis.call('ZCARD', key)
`)

// RedisStore shares rolling counters across instances using sorted sets.
type RedisStore struct {
	client *redis.Client
	window time.Duration
	prefix string
	now    func() time.Time
}

// NewRedisStore wraps an existing client. The caller owns the client unless
// Close is called.
func NewRedisStore(client *redis.Client, window time.Duration) *RedisStore {
	return &RedisStore{
		client: client,
		window: window,
		prefix: "flowguard:ratelimit:",
		now:    time.Now,
	}
}

func (s *RedisStore) Incr(ctx context.Context, key string, n int64) (int64, error) {
	now := s.now().UnixNano()
	windowStart := now - s.window.Nanoseconds()
	ttl := int64(s.window / time.Second)
	if ttl < 1 {
		ttl = 1
	}

	count, err := slidingWindowScript.Run(ctx, s.client,
		[]string{s.prefix + key},
		now, windowStart, n, uuid.NewString(), ttl,
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("rate limit increment failed: %w", err)
	}
	return count, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
