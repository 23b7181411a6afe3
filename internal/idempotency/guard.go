// Package idempotency suppresses resubmission of identical ingest batches
// within a TTL window.
package idempotency

import (
	"context"
	"encoding/hex"
	"log/slog"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/telhawk-systems/flowguard/internal/logging"
	"github.com/telhawk-systems/flowguard/internal/metrics"
)

const DefaultTTL = 24 * time.Hour

// Store atomically records fingerprints.
type Store interface {
	// SetIfAbsent stores key with ttl and reports whether it already existed.
	SetIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
	Close() error
}

// Fingerprint hashes tenant, credential and payload. Fields are separated by
// NUL so ("ab","c") and ("a","bc") differ.
func Fingerprint(tenantID, credentialID string, raw []byte) string {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(tenantID))
	h.Write([]byte{0})
	h.Write([]byte(credentialID))
	h.Write([]byte{0})
	h.Write(raw)
	return hex.EncodeToString(h.Sum(nil))
}

// Guard answers "have we seen this batch" for the ingest path.
type Guard struct {
	store  Store
	ttl    time.Duration
	logger *slog.Logger
}

func NewGuard(store Store, ttl time.Duration, logger *slog.Logger) *Guard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Guard{store: store, ttl: ttl, logger: logging.OrDefault(logger)}
}

// SeenOrStore stores the batch fingerprint and reports whether it was
// already present. The returned key can be passed to Release.
func (g *Guard) SeenOrStore(ctx context.Context, tenantID, credentialID string, raw []byte) (bool, string, error) {
	key := Fingerprint(tenantID, credentialID, raw)
	seen, err := g.store.SetIfAbsent(ctx, key, g.ttl)
	if err != nil {
		return false, key, err
	}
	if seen {
		metrics.DuplicateBatches.Inc()
		g.logger.Info("duplicate batch suppressed", logging.TenantID(tenantID))
	}
	return seen, key, nil
}

// Release forgets a fingerprint. The ingest path calls it when a batch was
// stored but none of its records could be enqueued, so a retry is not
// mistaken for a duplicate.
func (g *Guard) Release(ctx context.Context, key string) error {
	return g.store.Delete(ctx, key)
}

func (g *Guard) Close() error {
	return g.store.Close()
}
