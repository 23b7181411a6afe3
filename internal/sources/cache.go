package sources

import (
	"context"
	"errors"
	"time"

	"github.com/telhawk-systems/flowguard/internal/models"
	"github.com/telhawk-systems/flowguard/internal/ttlcache"
)

const (
	DefaultCacheTTL        = 30 * time.Second
	DefaultCacheMaxEntries = 10_000
)

// Cache is a read-through cache in front of a Store. Misses are cached too,
// so an unknown source costs one store lookup per TTL. Store errors are not
// cached. Entries are capped at DefaultCacheMaxEntries unless opts set
// ttlcache.WithMaxEntries.
type Cache struct {
	store   Store
	entries *ttlcache.Cache[string, *models.SourceConfig]
}

func NewCache(store Store, ttl time.Duration, opts ...ttlcache.Option) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	opts = append([]ttlcache.Option{ttlcache.WithMaxEntries(DefaultCacheMaxEntries)}, opts...)
	entries := ttlcache.New[string, *models.SourceConfig](ttl, opts...)
	entries.StartJanitor(ttl)
	return &Cache{store: store, entries: entries}
}

// Lookup returns the source config, ErrNotFound, or a store error.
func (c *Cache) Lookup(ctx context.Context, id string) (*models.SourceConfig, error) {
	if src, ok := c.entries.Get(id); ok {
		if src == nil {
			return nil, ErrNotFound
		}
		return src, nil
	}

	src, err := c.store.Get(ctx, id)
	switch {
	case errors.Is(err, ErrNotFound):
		c.entries.Set(id, nil)
		return nil, ErrNotFound
	case err != nil:
		return nil, err
	}
	c.entries.Set(id, src)
	return src, nil
}

// Purge drops every cached entry.
func (c *Cache) Purge() {
	var ids []string
	c.entries.Range(func(id string, _ *models.SourceConfig) bool {
		ids = append(ids, id)
		return true
	})
	for _, id := range ids {
		c.entries.Delete(id)
	}
}

// Invalidate drops a cached entry so the next Lookup hits the store.
func (c *Cache) Invalidate(id string) {
	c.entries.Delete(id)
}

func (c *Cache) Close() {
	c.entries.Close()
}
