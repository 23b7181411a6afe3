// Package pipeline runs admitted records through the enrichment stages on a
// fixed pool of workers.
package pipeline

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/telhawk-systems/flowguard/internal/logging"
	"github.com/telhawk-systems/flowguard/internal/metrics"
	"github.com/telhawk-systems/flowguard/internal/models"
	"github.com/telhawk-systems/flowguard/internal/queue"
)

const DefaultStageTimeout = 250 * time.Millisecond

func DefaultWorkers() int {
	return 2 * runtime.NumCPU()
}

type Config struct {
	Workers      int
	StageTimeout time.Duration

	// Failure logs for one (stage, kind) pair: the first, then every
	// LogEvery-th, and at least once per LogInterval.
	LogEvery    int
	LogInterval time.Duration
}

// Stats are cumulative counts since the pool was created.
type Stats struct {
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
	Discarded int64 `json:"discarded"`
}

// Pool drains a queue with a fixed number of workers. Each worker processes
// one record through every stage before taking the next; a failing stage
// drops that record only.
type Pool struct {
	queue    *queue.Queue
	stages   []Stage
	cfg      Config
	logger   *slog.Logger
	throttle *logging.Throttle

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startOnce    sync.Once
	shutdownOnce sync.Once

	processed atomic.Int64
	failed    atomic.Int64
	discarded atomic.Int64
}

func NewPool(q *queue.Queue, stages []Stage, cfg Config, logger *slog.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers()
	}
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = DefaultStageTimeout
	}
	if cfg.LogEvery <= 0 {
		cfg.LogEvery = 100
	}
	if cfg.LogInterval <= 0 {
		cfg.LogInterval = time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		queue:    q,
		stages:   stages,
		cfg:      cfg,
		logger:   logging.OrDefault(logger),
		throttle: logging.NewThrottle(cfg.LogEvery, cfg.LogInterval),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (p *Pool) Workers() int { return p.cfg.Workers }

func (p *Pool) Stats() Stats {
	return Stats{
		Processed: p.processed.Load(),
		Failed:    p.failed.Load(),
		Discarded: p.discarded.Load(),
	}
}

// Start launches the workers. Calling it more than once has no effect.
func (p *Pool) Start() {
	p.startOnce.Do(func() {
		p.logger.Info("starting enrichment workers",
			slog.Int("workers", p.cfg.Workers),
			slog.Duration("stage_timeout", p.cfg.StageTimeout))
		for i := 0; i < p.cfg.Workers; i++ {
			p.wg.Add(1)
			go p.worker(i)
		}
	})
}

// Shutdown closes the queue and lets the workers drain it. If ctx ends
// first, in-flight stages are cancelled and whatever is still queued is
// discarded and counted. It returns ctx.Err() in that case.
func (p *Pool) Shutdown(ctx context.Context) error {
	var err error
	p.shutdownOnce.Do(func() {
		p.queue.Close()

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			err = ctx.Err()
			p.cancel()
			<-done
		}
		p.cancel()

		var left int
		for {
			if _, ok := p.queue.Dequeue(context.Background()); !ok {
				break
			}
			left++
		}
		if left > 0 {
			p.discarded.Add(int64(left))
			metrics.RecordsDiscarded.Add(float64(left))
		}
		p.throttle.Close()

		st := p.Stats()
		p.logger.Info("enrichment workers stopped",
			slog.Int64("processed", st.Processed),
			slog.Int64("failed", st.Failed),
			slog.Int64("discarded", st.Discarded))
	})
	return err
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	metrics.WorkersActive.Inc()
	defer metrics.WorkersActive.Dec()

	for {
		item, ok := p.queue.Dequeue(p.ctx)
		if !ok {
			return
		}

		serr := p.process(p.ctx, item.Record)
		switch {
		case serr == nil:
			p.processed.Add(1)
			metrics.RecordsProcessed.Inc()
		case p.ctx.Err() != nil:
			// cancelled by Shutdown, not a stage fault
			p.discarded.Add(1)
			metrics.RecordsDiscarded.Inc()
		default:
			p.failed.Add(1)
			p.reportFailure(id, item.Record, serr)
		}
	}
}

// process runs every stage in order, stopping at the first failure.
func (p *Pool) process(ctx context.Context, rec *models.Record) *StageError {
	for _, st := range p.stages {
		if serr := runStage(ctx, st, rec, p.cfg.StageTimeout); serr != nil {
			return serr
		}
	}
	return nil
}

func (p *Pool) reportFailure(worker int, rec *models.Record, serr *StageError) {
	metrics.StageFailures.WithLabelValues(serr.Stage, string(serr.Kind)).Inc()
	p.throttle.Do(serr.Stage+"/"+string(serr.Kind), func() {
		p.logger.Warn("record dropped after stage failure",
			logging.Stage(serr.Stage),
			slog.String("kind", string(serr.Kind)),
			slog.Int("worker", worker),
			logging.RecordID(rec.ID),
			logging.SourceID(rec.SourceID),
			logging.Error(serr.Err))
	})
}
