package sources

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/telhawk-systems/flowguard/internal/logging"

	"github.com/telhawk-systems/flowguard/internal/models"
)

type sourcesFile struct {
	Sources []models.SourceConfig `yaml:"sources"`
}

// LoadFile parses and validates a YAML source definition file.
func LoadFile(path string) ([]models.SourceConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read sources file: %w", err)
	}

	var f sourcesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse sources file: %w", err)
	}
	if err := models.ValidateSources(f.Sources); err != nil {
		return nil, err
	}
	return f.Sources, nil
}

// FileStore serves sources from a YAML file. Reload re-reads it; a failed
// reload keeps the previous contents.
type FileStore struct {
	path string
	mem  *MemoryStore
}

func NewFileStore(path string) (*FileStore, error) {
	s := &FileStore{path: path, mem: NewMemoryStore()}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) Reload() error {
	list, err := LoadFile(s.path)
	if err != nil {
		return err
	}
	next := make(map[string]models.SourceConfig, len(list))
	for _, src := range list {
		next[src.ID] = src
	}

	s.mem.mu.Lock()
	s.mem.sources = next
	s.mem.mu.Unlock()
	return nil
}

func (s *FileStore) Get(ctx context.Context, id string) (*models.SourceConfig, error) {
	return s.mem.Get(ctx, id)
}

func (s *FileStore) List(ctx context.Context) ([]models.SourceConfig, error) {
	return s.mem.List(ctx)
}

// Watch reloads the file whenever it is written or replaced and then calls
// onChange. A reload that fails validation is logged and the previous
// contents stay in effect. Call the returned stop function to clean up.
func (s *FileStore) Watch(logger *slog.Logger, onChange func()) (stop func(), err error) {
	logger = logging.OrDefault(logger)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("sources watcher: %w", err)
	}
	if err := w.Add(s.path); err != nil {
		w.Close()
		return nil, fmt.Errorf("sources watcher add %s: %w", s.path, err)
	}

	done := make(chan struct{})
	go func() {
		defer w.Close()
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				if err := s.Reload(); err != nil {
					logger.Warn("sources reload failed, keeping previous definitions", logging.Error(err))
					continue
				}
				logger.Info("sources reloaded", slog.String("path", s.path))
				if onChange != nil {
					onChange()
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Warn("sources watcher error", logging.Error(err))
			case <-done:
				return
			}
		}
	}()

	return func() { close(done) }, nil
}
