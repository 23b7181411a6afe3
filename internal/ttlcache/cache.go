// Package ttlcache provides a concurrency-safe map whose entries expire after
// a fixed or per-entry TTL. Expired entries are invisible to readers and are
// reclaimed either lazily on access or by a background janitor.
package ttlcache

import (
	"container/heap"
	"sync"
	"time"
)

type entry[K comparable, V any] struct {
	key       K
	value     V
	expiresAt time.Time
	index     int
}

// expiryHeap is a min-heap of entries by expiry. Each entry tracks its own
// index for Fix and Remove.
type expiryHeap[K comparable, V any] []*entry[K, V]

func (h expiryHeap[K, V]) Len() int           { return len(h) }
func (h expiryHeap[K, V]) Less(i, j int) bool { return h[i].expiresAt.Before(h[j].expiresAt) }

func (h expiryHeap[K, V]) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *expiryHeap[K, V]) Push(x any) {
	e := x.(*entry[K, V])
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *expiryHeap[K, V]) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	e.index = -1
	return e
}

// Cache is a TTL map. The zero value is not usable; construct with New.
type Cache[K comparable, V any] struct {
	mu         sync.Mutex
	items      map[K]*entry[K, V]
	expiry     expiryHeap[K, V]
	ttl        time.Duration
	maxEntries int
	now        func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// Option configures a Cache.
type Option func(*options)

type options struct {
	now        func() time.Time
	maxEntries int
}

// WithClock overrides time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithMaxEntries bounds the number of live entries. When full, the entry
// closest to expiry is evicted to make room.
func WithMaxEntries(n int) Option {
	return func(o *options) { o.maxEntries = n }
}

// New creates a cache whose entries live for ttl unless set with SetWithTTL.
func New[K comparable, V any](ttl time.Duration, opts ...Option) *Cache[K, V] {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &Cache[K, V]{
		items:      make(map[K]*entry[K, V]),
		ttl:        ttl,
		maxEntries: o.maxEntries,
		now:        o.now,
		stopCh:     make(chan struct{}),
	}
}

// TTL returns the default entry lifetime.
func (c *Cache[K, V]) TTL() time.Duration { return c.ttl }

// Get returns the live value for key.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.liveLocked(key, c.now())
	if !ok {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set stores value with the default TTL.
func (c *Cache[K, V]) Set(key K, value V) {
	c.SetWithTTL(key, value, c.ttl)
}

// SetWithTTL stores value with an explicit TTL.
func (c *Cache[K, V]) SetWithTTL(key K, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.storeLocked(key, value, c.now().Add(ttl))
}

// SetIfAbsent stores value only when no live entry exists. It returns the
// value now held by the cache and whether it was already present.
func (c *Cache[K, V]) SetIfAbsent(key K, value V) (V, bool) {
	return c.SetIfAbsentWithTTL(key, value, c.ttl)
}

// SetIfAbsentWithTTL is SetIfAbsent with an explicit TTL.
func (c *Cache[K, V]) SetIfAbsentWithTTL(key K, value V, ttl time.Duration) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if e, ok := c.liveLocked(key, now); ok {
		return e.value, true
	}
	c.storeLocked(key, value, now.Add(ttl))
	return value, false
}

// GetOrSet returns the live value for key, creating it with create when
// missing. Existing entries have their expiry pushed out by the default TTL,
// so values that keep being touched stay resident.
func (c *Cache[K, V]) GetOrSet(key K, create func() V) V {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if e, ok := c.liveLocked(key, now); ok {
		e.expiresAt = now.Add(c.ttl)
		heap.Fix(&c.expiry, e.index)
		return e.value
	}
	v := create()
	c.storeLocked(key, v, now.Add(c.ttl))
	return v
}

// Delete removes key.
func (c *Cache[K, V]) Delete(key K) {
	c.mu.Lock()
	if e, ok := c.items[key]; ok {
		c.removeLocked(e)
	}
	c.mu.Unlock()
}

// Len returns the number of stored entries, including expired entries not
// yet swept.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Range calls fn for each live entry until fn returns false. fn must not
// call back into the cache.
func (c *Cache[K, V]) Range(fn func(K, V) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for k, e := range c.items {
		if !now.Before(e.expiresAt) {
			continue
		}
		if !fn(k, e.value) {
			return
		}
	}
}

// Sweep removes every expired entry and returns how many were removed.
func (c *Cache[K, V]) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropExpiredLocked(c.now())
}

// StartJanitor sweeps the cache every interval until Close is called.
// Calling it more than once has no effect.
func (c *Cache[K, V]) StartJanitor(interval time.Duration) {
	c.mu.Lock()
	if c.doneCh != nil {
		c.mu.Unlock()
		return
	}
	c.doneCh = make(chan struct{})
	c.mu.Unlock()

	go c.janitorLoop(interval)
}

func (c *Cache[K, V]) janitorLoop(interval time.Duration) {
	defer close(c.doneCh)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-c.stopCh:
			return
		}
	}
}

// Close stops the janitor, if running, and waits for it to exit.
func (c *Cache[K, V]) Close() {
	c.stopOnce.Do(func() { close(c.stopCh) })

	c.mu.Lock()
	done := c.doneCh
	c.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (c *Cache[K, V]) liveLocked(key K, now time.Time) (*entry[K, V], bool) {
	e, ok := c.items[key]
	if !ok {
		return nil, false
	}
	if !now.Before(e.expiresAt) {
		c.removeLocked(e)
		return nil, false
	}
	return e, true
}

func (c *Cache[K, V]) storeLocked(key K, value V, expiresAt time.Time) {
	if e, ok := c.items[key]; ok {
		e.value = value
		e.expiresAt = expiresAt
		heap.Fix(&c.expiry, e.index)
		return
	}
	if c.maxEntries > 0 && len(c.items) >= c.maxEntries {
		c.evictLocked()
	}
	e := &entry[K, V]{key: key, value: value, expiresAt: expiresAt}
	heap.Push(&c.expiry, e)
	c.items[key] = e
}

func (c *Cache[K, V]) removeLocked(e *entry[K, V]) {
	heap.Remove(&c.expiry, e.index)
	delete(c.items, e.key)
}

// dropExpiredLocked pops entries off the heap until the earliest one is
// still live.
func (c *Cache[K, V]) dropExpiredLocked(now time.Time) int {
	removed := 0
	for len(c.expiry) > 0 && !now.Before(c.expiry[0].expiresAt) {
		e := heap.Pop(&c.expiry).(*entry[K, V])
		delete(c.items, e.key)
		removed++
	}
	return removed
}

// evictLocked drops expired entries, or failing that the one nearest expiry.
func (c *Cache[K, V]) evictLocked() {
	c.dropExpiredLocked(c.now())
	if len(c.items) < c.maxEntries || len(c.expiry) == 0 {
		return
	}
	e := heap.Pop(&c.expiry).(*entry[K, V])
	delete(c.items, e.key)
}
