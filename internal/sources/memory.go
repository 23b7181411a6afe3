package sources

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/telhawk-systems/flowguard/internal/models"
)

// MemoryStore holds sources in a map. Used for tests and static setups.
type MemoryStore struct {
	mu      sync.RWMutex
	sources map[string]models.SourceConfig
}

func NewMemoryStore(sources ...models.SourceConfig) *MemoryStore {
	s := &MemoryStore{sources: make(map[string]models.SourceConfig, len(sources))}
	for _, src := range sources {
		s.sources[src.ID] = src
	}
	return s
}

func (s *MemoryStore) Get(_ context.Context, id string) (*models.SourceConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	src, ok := s.sources[id]
	if !ok {
		return nil, ErrNotFound
	}
	src.AllowedIPs = append([]string(nil), src.AllowedIPs...)
	return &src, nil
}

func (s *MemoryStore) List(_ context.Context) ([]models.SourceConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.SourceConfig, 0, len(s.sources))
	for _, src := range s.sources {
		out = append(out, src)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Put validates and stores src.
func (s *MemoryStore) Put(src models.SourceConfig) error {
	if err := src.Validate(); err != nil {
		return err
	}
	src.UpdatedAt = time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources[src.ID] = src
	return nil
}

func (s *MemoryStore) Delete(id string) {
	s.mu.Lock()
	delete(s.sources, id)
	s.mu.Unlock()
}
