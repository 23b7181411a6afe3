// Package export delivers enriched record batches to downstream sinks with
// bounded retries, and dead-letters batches that cannot be delivered.
package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"github.com/telhawk-systems/flowguard/internal/logging"
	"github.com/telhawk-systems/flowguard/internal/metrics"
	"github.com/telhawk-systems/flowguard/internal/models"
)

// Defaults for the retry discipline.
const (
	DefaultBatchSize   = 1000
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 500 * time.Millisecond
)

var ErrNoSinks = errors.New("no export sinks configured")

// Sink delivers one batch. status is the last HTTP status (or an equivalent
// code for non-HTTP sinks); 0 means no response was received.
type Sink interface {
	Name() string
	Send(ctx context.Context, batch []*models.Record) (status int, err error)
}

// DeadLetterWriter is satisfied by *dlq.Store.
type DeadLetterWriter interface {
	Write(ctx context.Context, rec *models.DLQRecord) (string, error)
}

type Config struct {
	BatchSize   int
	MaxAttempts int
	BaseDelay   time.Duration

	// BreakerFailures consecutive failed attempts open a sink's circuit
	// for BreakerTimeout. Zero disables the breaker.
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = 30 * time.Second
	}
	return c
}

type sinkRunner struct {
	sink    Sink
	breaker *gobreaker.CircuitBreaker
}

type sendResult struct {
	status int
}

func (r *sinkRunner) send(ctx context.Context, batch []*models.Record) (int, error) {
	if r.breaker == nil {
		return r.sink.Send(ctx, batch)
	}
	out, err := r.breaker.Execute(func() (interface{}, error) {
		status, err := r.sink.Send(ctx, batch)
		return sendResult{status: status}, err
	})
	if res, ok := out.(sendResult); ok {
		return res.status, err
	}
	return 0, err
}

type Manager struct {
	sinks  []*sinkRunner
	dead   DeadLetterWriter
	cfg    Config
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

func NewManager(sinks []Sink, dead DeadLetterWriter, cfg Config, logger *slog.Logger) *Manager {
	cfg = cfg.withDefaults()
	logger = logging.OrDefault(logger)

	runners := make([]*sinkRunner, 0, len(sinks))
	for _, s := range sinks {
		r := &sinkRunner{sink: s}
		if cfg.BreakerFailures > 0 {
			name := s.Name()
			threshold := cfg.BreakerFailures
			r.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
				Name:        name,
				MaxRequests: 1,
				Timeout:     cfg.BreakerTimeout,
				ReadyToTrip: func(c gobreaker.Counts) bool {
					return c.ConsecutiveFailures >= threshold
				},
				OnStateChange: func(_ string, from, to gobreaker.State) {
					logger.Warn("export circuit state changed",
						logging.Destination(name),
						slog.String("from", from.String()),
						slog.String("to", to.String()))
				},
			})
		}
		runners = append(runners, r)
	}

	return &Manager{
		sinks:  runners,
		dead:   dead,
		cfg:    cfg,
		logger: logger,
		sleep:  sleepCtx,
	}
}

// Sinks returns the configured sink names.
func (m *Manager) Sinks() []string {
	names := make([]string, len(m.sinks))
	for i, r := range m.sinks {
		names[i] = r.sink.Name()
	}
	return names
}

// Export sends batch to every sink, in chunks of at most BatchSize. Sinks
// are tried concurrently; a sink that fails every attempt has the chunk
// dead-lettered. The returned error joins every sink failure.
func (m *Manager) Export(ctx context.Context, batch []*models.Record) error {
	if len(m.sinks) == 0 {
		return ErrNoSinks
	}
	if len(batch) == 0 {
		return nil
	}

	var errs []error
	for start := 0; start < len(batch); start += m.cfg.BatchSize {
		end := min(start+m.cfg.BatchSize, len(batch))
		chunk := batch[start:end]

		sinkErrs := make([]error, len(m.sinks))
		var g errgroup.Group
		for i, r := range m.sinks {
			g.Go(func() error {
				sinkErrs[i] = m.deliver(ctx, r, chunk)
				return nil
			})
		}
		_ = g.Wait()
		errs = append(errs, sinkErrs...)
	}
	return errors.Join(errs...)
}

func (m *Manager) deliver(ctx context.Context, r *sinkRunner, chunk []*models.Record) error {
	name := r.sink.Name()
	delay := m.cfg.BaseDelay

	var (
		lastStatus int
		lastErr    error
		attempts   int
	)
	for attempts < m.cfg.MaxAttempts {
		if attempts > 0 {
			metrics.ExportRetries.WithLabelValues(name).Inc()
			if err := m.sleep(ctx, delay); err != nil {
				lastErr = err
				break
			}
			delay *= 2
		}
		attempts++

		start := time.Now()
		status, err := r.send(ctx, chunk)
		lastStatus = status
		if err == nil {
			metrics.ExportSent.WithLabelValues(name).Add(float64(len(chunk)))
			metrics.ExportDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
			if attempts > 1 {
				m.logger.Info("export succeeded after retry",
					logging.Destination(name), slog.Int("attempt", attempts))
			}
			return nil
		}
		lastErr = err
		m.logger.Debug("export attempt failed",
			logging.Destination(name),
			slog.Int("attempt", attempts),
			slog.Int("status", status),
			logging.Error(err))

		if isPermanent(status) {
			break
		}
	}

	reason := classify(lastStatus, lastErr)
	metrics.ExportFailed.WithLabelValues(name, reason).Inc()

	if m.dead != nil {
		rec := &models.DLQRecord{
			Timestamp:   time.Now().UTC(),
			Destination: name,
			Events:      chunk,
			Error:       lastErr.Error(),
			LastStatus:  lastStatus,
			RetryCount:  attempts,
		}
		// dead-lettering happens even when the caller's context is gone
		if _, err := m.dead.Write(context.WithoutCancel(ctx), rec); err != nil {
			m.logger.Error("failed to write dead-letter record, batch lost",
				logging.Destination(name), logging.Count(len(chunk)), logging.Error(err))
		}
	}

	return fmt.Errorf("export to %s failed after %d attempts (%s): %w", name, attempts, reason, lastErr)
}

// isPermanent reports client errors that a retry cannot fix.
func isPermanent(status int) bool {
	return status >= 400 && status < 500 &&
		status != http.StatusRequestTimeout && status != http.StatusTooManyRequests
}

func classify(status int, err error) string {
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return "circuit_open"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case status == http.StatusTooManyRequests:
		return "throttled"
	case status >= 500:
		return "server_error"
	case status >= 400:
		return "client_error"
	default:
		return "network"
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
