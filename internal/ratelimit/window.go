package ratelimit

import (
	"sync"
	"time"
)

type bucket struct {
	sec   int64
	count int64
}

// Window is a rolling counter split into one-second buckets. Buckets older
// than the span are ignored by Sum and reused by Add, so a window never
// holds more than span seconds of state.
type Window struct {
	mu      sync.Mutex
	buckets []bucket
}

// NewWindow creates a window covering span, rounded down to whole seconds
// (minimum one second).
func NewWindow(span time.Duration) *Window {
	n := int(span / time.Second)
	if n < 1 {
		n = 1
	}
	return &Window{buckets: make([]bucket, n)}
}

// Span returns the window length.
func (w *Window) Span() time.Duration {
	return time.Duration(len(w.buckets)) * time.Second
}

// Add records n events at now and returns the new window total.
func (w *Window) Add(now time.Time, n int64) int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.addLocked(now.Unix(), n)
	return w.sumLocked(now.Unix())
}

// Sum returns the number of events recorded in the trailing span.
func (w *Window) Sum(now time.Time) int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sumLocked(now.Unix())
}

// TryAdd records n events only if the resulting total stays within limit.
// It returns the total the window would hold with n added and whether the
// events were recorded.
func (w *Window) TryAdd(now time.Time, n, limit int64) (int64, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	sec := now.Unix()
	total := w.sumLocked(sec) + n
	if total > limit {
		return total, false
	}
	w.addLocked(sec, n)
	return total, true
}

func (w *Window) addLocked(sec, n int64) {
	b := &w.buckets[int(sec%int64(len(w.buckets)))]
	if b.sec != sec {
		b.sec = sec
		b.count = 0
	}
	b.count += n
}

func (w *Window) sumLocked(sec int64) int64 {
	span := int64(len(w.buckets))
	var total int64
	for _, b := range w.buckets {
		if b.sec <= sec && sec-b.sec < span {
			total += b.count
		}
	}
	return total
}
