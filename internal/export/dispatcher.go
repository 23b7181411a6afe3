package export

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/telhawk-systems/flowguard/internal/logging"
	"github.com/telhawk-systems/flowguard/internal/metrics"
	"github.com/telhawk-systems/flowguard/internal/models"
)

var ErrDispatcherClosed = errors.New("export dispatcher closed")

// Exporter is satisfied by *Manager.
type Exporter interface {
	Export(ctx context.Context, batch []*models.Record) error
}

type DispatcherConfig struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
}

// Dispatcher accumulates records from the pipeline workers and hands them to
// the Exporter in batches, either when a batch fills or on the flush
// interval.
type Dispatcher struct {
	exporter Exporter
	cfg      DispatcherConfig
	logger   *slog.Logger

	mu     sync.RWMutex
	in     chan *models.Record
	closed bool
	done   chan struct{}
}

func NewDispatcher(exporter Exporter, cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 10_000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 2 * time.Second
	}
	d := &Dispatcher{
		exporter: exporter,
		cfg:      cfg,
		logger:   logging.OrDefault(logger),
		in:       make(chan *models.Record, cfg.BufferSize),
		done:     make(chan struct{}),
	}
	go d.run()
	return d
}

// Submit queues rec for export, waiting for buffer space until ctx ends.
func (d *Dispatcher) Submit(ctx context.Context, rec *models.Record) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	select {
	case d.in <- rec:
		metrics.ExportBacklog.Inc()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops intake and waits for the final flush, or for ctx to end.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.in)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)

	ticker := time.NewTicker(d.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]*models.Record, 0, d.cfg.BatchSize)
	for {
		select {
		case rec, ok := <-d.in:
			if !ok {
				d.flush(batch)
				return
			}
			batch = append(batch, rec)
			if len(batch) >= d.cfg.BatchSize {
				d.flush(batch)
				batch = make([]*models.Record, 0, d.cfg.BatchSize)
			}
		case <-ticker.C:
			if len(batch) > 0 {
				d.flush(batch)
				batch = make([]*models.Record, 0, d.cfg.BatchSize)
			}
		}
	}
}

func (d *Dispatcher) flush(batch []*models.Record) {
	if len(batch) == 0 {
		return
	}
	defer metrics.ExportBacklog.Sub(float64(len(batch)))

	if err := d.exporter.Export(context.Background(), batch); err != nil {
		d.logger.Warn("export batch failed",
			logging.Count(len(batch)),
			logging.Error(err))
	}
}
