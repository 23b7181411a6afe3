package logging

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/telhawk-systems/flowguard/internal/ttlcache"
)

// Throttle limits repetitive log lines per key: the first occurrence is
// always emitted, then every Nth, and at least once per interval while the
// cause keeps recurring. Keys idle for ten intervals are forgotten.
type Throttle struct {
	every    int
	interval time.Duration
	keys     *ttlcache.Cache[string, *rate.Sometimes]
}

func NewThrottle(every int, interval time.Duration) *Throttle {
	if every <= 0 {
		every = 100
	}
	if interval <= 0 {
		interval = time.Minute
	}
	keys := ttlcache.New[string, *rate.Sometimes](10*interval, ttlcache.WithMaxEntries(10_000))
	keys.StartJanitor(interval)
	return &Throttle{every: every, interval: interval, keys: keys}
}

// Do runs fn if the key's budget allows it.
func (t *Throttle) Do(key string, fn func()) {
	s := t.keys.GetOrSet(key, func() *rate.Sometimes {
		return &rate.Sometimes{First: 1, Every: t.every, Interval: t.interval}
	})
	s.Do(fn)
}

func (t *Throttle) Close() {
	t.keys.Close()
}
