// Package admission decides whether a batch from a source may enter the
// pipeline.
package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/telhawk-systems/flowguard/internal/logging"
	"github.com/telhawk-systems/flowguard/internal/metrics"
	"github.com/telhawk-systems/flowguard/internal/models"
	"github.com/telhawk-systems/flowguard/internal/ratelimit"
	"github.com/telhawk-systems/flowguard/internal/sources"
	"github.com/telhawk-systems/flowguard/internal/ttlcache"
)

// Config holds the global admission modes.
type Config struct {
	// Enabled=false admits everything without consulting source policy.
	Enabled bool
	// LogOnly computes and logs decisions but never blocks.
	LogOnly bool
	// FailOpen admits when evaluation itself fails.
	FailOpen bool
	// BlockUnknownSources rejects batches for sources with no policy.
	BlockUnknownSources bool
	// MaxTrackedSources caps the per-source EPS and health state. Source IDs
	// come from clients, so unknown IDs would otherwise grow it freely.
	MaxTrackedSources int
}

const DefaultMaxTrackedSources = 10_000

// SourceLookup is satisfied by sources.Cache.
type SourceLookup interface {
	Lookup(ctx context.Context, id string) (*models.SourceConfig, error)
}

// StatsRecorder receives every per-source outcome. sourcestats.Collector
// implements it.
type StatsRecorder interface {
	RecordAdmission(sourceID string, admitted bool, count int)
}

const epsWindow = time.Minute

type Controller struct {
	cfg      Config
	sources  SourceLookup
	recorder StatsRecorder
	logger   *slog.Logger
	now      func() time.Time

	eps      *ttlcache.Cache[string, *ratelimit.Window]
	health   *ttlcache.Cache[string, *sourceHealth]
	throttle *logging.Throttle
}

type Option func(*Controller)

func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

func WithStatsRecorder(r StatsRecorder) Option {
	return func(c *Controller) { c.recorder = r }
}

func NewController(cfg Config, lookup SourceLookup, logger *slog.Logger, opts ...Option) *Controller {
	c := &Controller{
		cfg:     cfg,
		sources: lookup,
		logger:  logging.OrDefault(logger),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.cfg.MaxTrackedSources <= 0 {
		c.cfg.MaxTrackedSources = DefaultMaxTrackedSources
	}
	bound := ttlcache.WithMaxEntries(c.cfg.MaxTrackedSources)

	// Counters idle for two windows carry no state worth keeping.
	c.eps = ttlcache.New[string, *ratelimit.Window](2*epsWindow, ttlcache.WithClock(c.now), bound)
	c.eps.StartJanitor(epsWindow)
	c.health = ttlcache.New[string, *sourceHealth](10*time.Minute, ttlcache.WithClock(c.now), bound)
	c.health.StartJanitor(time.Minute)
	c.throttle = logging.NewThrottle(100, time.Minute)
	return c
}

// Evaluate decides for a batch of count records from clientAddr. The
// returned error is non-nil only when evaluation failed and the controller
// is fail-closed; the decision then carries ReasonAdmissionError.
func (c *Controller) Evaluate(ctx context.Context, sourceID, clientAddr string, count int) (models.AdmissionDecision, error) {
	if !c.cfg.Enabled {
		c.record(sourceID, true, count)
		return models.Admit(), nil
	}

	decision, err := c.evaluate(ctx, sourceID, clientAddr, count)
	if err != nil {
		metrics.AdmissionErrors.Inc()
		if c.cfg.FailOpen {
			c.logger.Warn("admission evaluation failed, admitting (fail-open)",
				logging.SourceID(sourceID), logging.Error(err))
			c.record(sourceID, true, count)
			return models.Admit(), nil
		}
		c.logger.Error("admission evaluation failed, rejecting",
			logging.SourceID(sourceID), logging.Error(err))
		c.record(sourceID, false, count)
		return models.Reject(models.ReasonAdmissionError), err
	}

	if decision.Allowed {
		c.record(sourceID, true, count)
		return decision, nil
	}

	c.throttle.Do(sourceID+"|"+string(decision.Reason), func() {
		c.logger.Info("batch rejected by source admission",
			logging.SourceID(sourceID),
			logging.IP(clientAddr),
			logging.Reason(string(decision.Reason)),
			logging.Count(count),
			slog.Bool("log_only", c.cfg.LogOnly))
	})

	if c.cfg.LogOnly {
		c.record(sourceID, true, count)
		return models.AdmissionDecision{Allowed: true, Reason: decision.Reason}, nil
	}
	c.record(sourceID, false, count)
	return decision, nil
}

func (c *Controller) evaluate(ctx context.Context, sourceID, clientAddr string, count int) (models.AdmissionDecision, error) {
	src, err := c.sources.Lookup(ctx, sourceID)
	if errors.Is(err, sources.ErrNotFound) {
		if c.cfg.BlockUnknownSources {
			return models.Reject(models.ReasonDisabled), nil
		}
		return models.Admit(), nil
	}
	if err != nil {
		return models.AdmissionDecision{}, fmt.Errorf("lookup source %q: %w", sourceID, err)
	}

	if !src.Enabled {
		return models.Reject(models.ReasonDisabled), nil
	}

	if len(src.AllowedIPs) > 0 {
		prefixes, err := src.Prefixes()
		if err != nil {
			return models.AdmissionDecision{}, fmt.Errorf("source %q allow-list: %w", sourceID, err)
		}
		addr, ok := ParseClientAddr(clientAddr)
		if !ok {
			return models.Reject(models.ReasonIPNotAllowed), nil
		}
		best, matched := LongestMatch(prefixes, addr)
		if !matched {
			return models.Reject(models.ReasonIPNotAllowed), nil
		}
		c.logger.Debug("client matched allow-list",
			logging.SourceID(sourceID), logging.IP(addr.String()), slog.String("prefix", best.String()))
	}

	if src.MaxEPS > 0 {
		return c.checkEPS(src, count), nil
	}
	return models.Admit(), nil
}

// checkEPS applies the per-source cap to the trailing minute. With
// block_on_exceed a batch that would cross the cap is rejected whole; there
// is no partial admit of the records that still fit. A blocked batch is not
// added to the counter, so rejected traffic does not keep a source locked
// out.
func (c *Controller) checkEPS(src *models.SourceConfig, count int) models.AdmissionDecision {
	w := c.eps.GetOrSet(src.ID, func() *ratelimit.Window { return ratelimit.NewWindow(epsWindow) })
	now := c.now()
	limit := int64(src.MaxEPS)

	if src.BlockOnExceed && !c.cfg.LogOnly {
		if _, ok := w.TryAdd(now, int64(count), limit); !ok {
			return models.Reject(models.ReasonRateLimit)
		}
		return models.Admit()
	}

	total := w.Add(now, int64(count))
	if total <= limit {
		return models.Admit()
	}
	if src.BlockOnExceed {
		return models.Reject(models.ReasonRateLimit)
	}

	metrics.SourceEPSExceeded.WithLabelValues(src.ID).Inc()
	c.throttle.Do(src.ID+"|eps", func() {
		c.logger.Warn("source exceeded max_eps, not blocking",
			logging.SourceID(src.ID),
			slog.Int64("window_total", total),
			slog.Int("max_eps", src.MaxEPS))
	})
	return models.Admit()
}

func (c *Controller) record(sourceID string, admitted bool, count int) {
	label := sourceID
	if label == "" {
		label = "unknown"
	}
	outcome := "admitted"
	if !admitted {
		outcome = "dropped"
	}
	metrics.SourceEvents.WithLabelValues(label, outcome).Add(float64(count))

	h := c.health.GetOrSet(label, newSourceHealth)
	h.observe(c.now(), admitted, int64(count))

	if c.recorder != nil {
		c.recorder.RecordAdmission(label, admitted, count)
	}
}

// Close stops background sweepers.
func (c *Controller) Close() {
	c.eps.Close()
	c.health.Close()
	c.throttle.Close()
}

// ParseClientAddr accepts "ip", "ip:port" or "[ipv6]:port". IPv4-mapped
// IPv6 addresses are unmapped.
func ParseClientAddr(raw string) (netip.Addr, bool) {
	if ap, err := netip.ParseAddrPort(raw); err == nil {
		return ap.Addr().Unmap(), true
	}
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.WithZone("").Unmap(), true
}

// LongestMatch returns the most specific prefix containing addr.
func LongestMatch(prefixes []netip.Prefix, addr netip.Addr) (netip.Prefix, bool) {
	var (
		best  netip.Prefix
		found bool
	)
	for _, p := range prefixes {
		if !p.Contains(addr) {
			continue
		}
		if !found || p.Bits() > best.Bits() {
			best, found = p, true
		}
	}
	return best, found
}
