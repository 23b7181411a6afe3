package persist

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/telhawk-systems/flowguard/internal/models"
)

// FileStore writes one JSON record per line into a file per UTC day:
// <dir>/<prefix>-YYYY-MM-DD.jsonl.
type FileStore struct {
	dir    string
	prefix string
	now    func() time.Time

	mu   sync.Mutex
	day  string
	file *os.File
	buf  *bufio.Writer
}

func NewFileStore(dir, prefix string) (*FileStore, error) {
	if prefix == "" {
		prefix = "records"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create persist directory: %w", err)
	}
	return &FileStore{dir: dir, prefix: prefix, now: time.Now}, nil
}

// Append encodes rec and writes it to today's file. Each call is flushed so
// an acknowledged record is on disk even if the process dies.
func (s *FileStore) Append(ctx context.Context, rec *models.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.rotateLocked(s.now().UTC()); err != nil {
		return err
	}
	if _, err := s.buf.Write(line); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := s.buf.Flush(); err != nil {
		return fmt.Errorf("failed to flush record: %w", err)
	}
	return nil
}

func (s *FileStore) rotateLocked(now time.Time) error {
	day := now.Format("2006-01-02")
	if s.file != nil && day == s.day {
		return nil
	}
	if err := s.closeLocked(); err != nil {
		return err
	}

	path := filepath.Join(s.dir, fmt.Sprintf("%s-%s.jsonl", s.prefix, day))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	s.file = f
	s.buf = bufio.NewWriter(f)
	s.day = day
	return nil
}

// CurrentPath returns the file currently being written, if any.
func (s *FileStore) CurrentPath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return ""
	}
	return s.file.Name()
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

func (s *FileStore) closeLocked() error {
	if s.file == nil {
		return nil
	}
	flushErr := s.buf.Flush()
	closeErr := s.file.Close()
	s.file, s.buf, s.day = nil, nil, ""
	if flushErr != nil {
		return fmt.Errorf("failed to flush records: %w", flushErr)
	}
	if closeErr != nil {
		return fmt.Errorf("failed to close records file: %w", closeErr)
	}
	return nil
}
