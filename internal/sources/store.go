// Package sources loads admission policies for named sources and caches
// them for the hot path.
package sources

import (
	"context"
	"errors"

	"github.com/telhawk-systems/flowguard/internal/models"
)

var ErrNotFound = errors.New("source not found")

// Store is the read side of the source configuration store.
type Store interface {
	Get(ctx context.Context, id string) (*models.SourceConfig, error)
	List(ctx context.Context) ([]models.SourceConfig, error)
}
