// Package queue is the bounded intake buffer between the ingest boundary and
// the enrichment workers.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/telhawk-systems/flowguard/internal/metrics"
	"github.com/telhawk-systems/flowguard/internal/models"
)

const DefaultCapacity = 10_000

var ErrClosed = errors.New("queue closed")

// Item is a record plus the time it was accepted.
type Item struct {
	Record     *models.Record
	EnqueuedAt time.Time
}

// Queue is a fixed-capacity FIFO shared by all producers and workers.
type Queue struct {
	items  chan Item
	closed chan struct{}

	// mu serializes sends against Close so a send never races the channel
	// close.
	mu       sync.RWMutex
	isClosed bool
	now      func() time.Time
}

func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	metrics.QueueCapacity.Set(float64(capacity))
	metrics.QueueDepth.Set(0)
	metrics.QueueSaturation.Set(0)
	return &Queue{
		items:  make(chan Item, capacity),
		closed: make(chan struct{}),
		now:    time.Now,
	}
}

// TryEnqueue never blocks. It returns false when the queue is full or
// closed; callers treat that as backpressure.
func (q *Queue) TryEnqueue(rec *models.Record) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.isClosed {
		return false
	}

	select {
	case q.items <- Item{Record: rec, EnqueuedAt: q.now()}:
		q.observe()
		return true
	default:
		return false
	}
}

// Dequeue blocks until an item is available, ctx is done, or the queue is
// closed and drained. ok is false in the latter two cases.
func (q *Queue) Dequeue(ctx context.Context) (Item, bool) {
	select {
	case item, ok := <-q.items:
		if ok {
			q.observe()
			metrics.QueueLag.Observe(q.now().Sub(item.EnqueuedAt).Seconds())
		}
		return item, ok
	case <-ctx.Done():
		return Item{}, false
	}
}

// Close stops intake. Items already queued remain available to Dequeue.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.isClosed {
		return
	}
	q.isClosed = true
	close(q.closed)
	close(q.items)
}

// Closed is closed once Close has been called.
func (q *Queue) Closed() <-chan struct{} {
	return q.closed
}

func (q *Queue) Depth() int {
	return len(q.items)
}

func (q *Queue) Capacity() int {
	return cap(q.items)
}

// Saturation is Depth/Capacity in [0,1].
func (q *Queue) Saturation() float64 {
	return float64(len(q.items)) / float64(cap(q.items))
}

func (q *Queue) observe() {
	metrics.QueueDepth.Set(float64(q.Depth()))
	metrics.QueueSaturation.Set(q.Saturation())
}
