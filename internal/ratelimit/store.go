package ratelimit

import (
	"context"
	"time"

	"github.com/telhawk-systems/flowguard/internal/ttlcache"
)

// Store keeps rolling counters keyed by string.
type Store interface {
	// Incr adds n to key's window and returns the window total.
	Incr(ctx context.Context, key string, n int64) (int64, error)
	Close() error
}

// MemoryStore keeps windows in process. Idle windows expire after one span.
type MemoryStore struct {
	windows *ttlcache.Cache[string, *Window]
	span    time.Duration
	now     func() time.Time
}

// NewMemoryStore creates an in-process store with the given window span.
func NewMemoryStore(span time.Duration) *MemoryStore {
	return newMemoryStore(span, time.Now)
}

func newMemoryStore(span time.Duration, now func() time.Time) *MemoryStore {
	s := &MemoryStore{
		windows: ttlcache.New[string, *Window](span, ttlcache.WithClock(now)),
		span:    span,
		now:     now,
	}
	s.windows.StartJanitor(span)
	return s
}

func (s *MemoryStore) Incr(_ context.Context, key string, n int64) (int64, error) {
	w := s.windows.GetOrSet(key, func() *Window { return NewWindow(s.span) })
	return w.Add(s.now(), n), nil
}

// Keys returns the number of tracked keys.
func (s *MemoryStore) Keys() int {
	return s.windows.Len()
}

func (s *MemoryStore) Close() error {
	s.windows.Close()
	return nil
}
