package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/telhawk-systems/flowguard/internal/logging"
	"github.com/telhawk-systems/flowguard/internal/metrics"
)

// Defaults for the tenant/credential limiter.
const (
	DefaultLimit  = 600
	DefaultWindow = time.Minute
)

type RateLimiter interface {
	CheckRate(ctx context.Context, tenantID, credentialID string) (bool, error)
	Close() error
}

// Limiter enforces one ceiling on two rolling counters: per credential and
// per tenant. A request counts against both.
type Limiter struct {
	store  Store
	limit  int64
	logger *slog.Logger
}

func NewLimiter(store Store, limit int, logger *slog.Logger) *Limiter {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Limiter{
		store:  store,
		limit:  int64(limit),
		logger: logging.OrDefault(logger),
	}
}

// CheckRate increments both counters and reports whether the request is
// within the ceiling. Empty identifiers are not counted.
func (l *Limiter) CheckRate(ctx context.Context, tenantID, credentialID string) (bool, error) {
	allowed := true

	if credentialID != "" {
		n, err := l.store.Incr(ctx, "cred:"+credentialID, 1)
		if err != nil {
			return false, err
		}
		if n > l.limit {
			allowed = false
			metrics.RateLimitHits.WithLabelValues("credential").Inc()
		}
	}

	if tenantID != "" {
		n, err := l.store.Incr(ctx, "tenant:"+tenantID, 1)
		if err != nil {
			return false, err
		}
		if n > l.limit {
			allowed = false
			metrics.RateLimitHits.WithLabelValues("tenant").Inc()
		}
	}

	if !allowed {
		l.logger.Debug("rate limit exceeded", logging.TenantID(tenantID))
	}
	return allowed, nil
}

func (l *Limiter) Close() error {
	return l.store.Close()
}

// NoOpRateLimiter always allows requests (for testing or disabled rate limiting)
type NoOpRateLimiter struct{}

func (NoOpRateLimiter) CheckRate(context.Context, string, string) (bool, error) {
	return true, nil
}

func (NoOpRateLimiter) Close() error {
	return nil
}
