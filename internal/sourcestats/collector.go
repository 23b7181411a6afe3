package sourcestats

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/telhawk-systems/flowguard/internal/logging"
)

// Flusher is satisfied by *Client.
type Flusher interface {
	FlushBatch(ctx context.Context, b *Batch) error
}

// Collector accumulates admission outcomes in memory and flushes them
// periodically. It implements admission.StatsRecorder.
type Collector struct {
	client        Flusher
	flushInterval time.Duration
	logger        *slog.Logger

	mu      sync.Mutex
	batches map[string]*Batch

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewCollector(client Flusher, flushInterval time.Duration, logger *slog.Logger) *Collector {
	if flushInterval <= 0 {
		flushInterval = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Collector{
		client:        client,
		flushInterval: flushInterval,
		logger:        logging.OrDefault(logger),
		batches:       make(map[string]*Batch),
		ctx:           ctx,
		cancel:        cancel,
	}
	c.wg.Add(1)
	go c.flushLoop()
	return c
}

func (c *Collector) RecordAdmission(sourceID string, admitted bool, count int) {
	if sourceID == "" || count <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.batches[sourceID]
	if !ok {
		b = &Batch{SourceID: sourceID}
		c.batches[sourceID] = b
	}
	if admitted {
		b.Admitted += int64(count)
	} else {
		b.Dropped += int64(count)
	}
}

func (c *Collector) flushLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			c.flush()
			return
		case <-ticker.C:
			c.flush()
		}
	}
}

func (c *Collector) flush() {
	c.mu.Lock()
	batches := c.batches
	c.batches = make(map[string]*Batch)
	c.mu.Unlock()

	if len(batches) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	flushed := 0
	for _, b := range batches {
		if err := c.client.FlushBatch(ctx, b); err != nil {
			c.logger.Error("failed to flush source stats",
				logging.SourceID(b.SourceID),
				slog.Int64("admitted", b.Admitted),
				slog.Int64("dropped", b.Dropped),
				logging.Error(err))
			// merge back for the next attempt
			c.mu.Lock()
			if existing, ok := c.batches[b.SourceID]; ok {
				existing.merge(b)
			} else {
				c.batches[b.SourceID] = b
			}
			c.mu.Unlock()
			continue
		}
		flushed++
	}
	if flushed > 0 {
		c.logger.Debug("flushed source stats", slog.Int("sources", flushed))
	}
}

// FlushNow forces an immediate flush.
func (c *Collector) FlushNow() {
	c.flush()
}

// Pending returns the unflushed admitted+dropped counts per source.
func (c *Collector) Pending() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int64, len(c.batches))
	for id, b := range c.batches {
		out[id] = b.Admitted + b.Dropped
	}
	return out
}

// Stop flushes what remains and stops the background loop.
func (c *Collector) Stop() {
	c.cancel()
	c.wg.Wait()
}
