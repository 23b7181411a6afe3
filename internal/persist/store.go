// Package persist appends enriched records to durable storage.
package persist

import (
	"context"

	"github.com/telhawk-systems/flowguard/internal/models"
)

// Store is append-only. Implementations must be safe for concurrent use.
type Store interface {
	Append(ctx context.Context, rec *models.Record) error
	Close() error
}

// NopStore discards records. Used when persistence is disabled.
type NopStore struct{}

func (NopStore) Append(context.Context, *models.Record) error { return nil }
func (NopStore) Close() error                                  { return nil }
