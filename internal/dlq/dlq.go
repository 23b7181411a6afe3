// Package dlq captures export batches that exhausted their retries. Each
// failed batch becomes one JSON file named
// dlq_<unix-nanos>_<destination>_<count>.json.
package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/telhawk-systems/flowguard/internal/logging"
	"github.com/telhawk-systems/flowguard/internal/metrics"
	"github.com/telhawk-systems/flowguard/internal/models"
)

const (
	DefaultMaxAge  = 7 * 24 * time.Hour
	DefaultMaxSize = 100 * 1024 * 1024
)

var ErrDisabled = errors.New("dlq not enabled")

type Config struct {
	Dir          string
	MaxAge       time.Duration
	MaxSizeBytes int64
}

// Store writes failed batches to disk. A nil *Store is a disabled DLQ:
// writes are dropped and reads return ErrDisabled.
type Store struct {
	dir     string
	maxAge  time.Duration
	maxSize int64
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	written atomic.Uint64
}

// Entry is one DLQ file.
type Entry struct {
	File        string    `json:"file"`
	Size        int64     `json:"size"`
	Destination string    `json:"destination"`
	Count       int       `json:"count"`
	Timestamp   time.Time `json:"timestamp"`
}

// Stats summarizes the DLQ directory.
type Stats struct {
	Enabled       bool           `json:"enabled"`
	Dir           string         `json:"dir,omitempty"`
	Written       uint64         `json:"written"`
	Files         int            `json:"pending_files"`
	Bytes         int64          `json:"bytes"`
	ByDestination map[string]int `json:"by_destination,omitempty"`
	Oldest        *time.Time     `json:"oldest,omitempty"`
}

func New(cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.Dir == "" {
		cfg.Dir = "/var/lib/flowguard/dlq"
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	if cfg.MaxSizeBytes <= 0 {
		cfg.MaxSizeBytes = DefaultMaxSize
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create dlq directory: %w", err)
	}

	s := &Store{
		dir:     cfg.Dir,
		maxAge:  cfg.MaxAge,
		maxSize: cfg.MaxSizeBytes,
		logger:  logging.OrDefault(logger),
		now:     time.Now,
	}
	s.refreshDepth()
	return s, nil
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9.-]+`)

func sanitize(dest string) string {
	dest = unsafeChars.ReplaceAllString(dest, "-")
	if dest == "" {
		return "unknown"
	}
	return dest
}

// Write persists rec as a new file and returns its name. The file appears
// atomically: it is written under a temporary name and renamed.
func (s *Store) Write(ctx context.Context, rec *models.DLQRecord) (string, error) {
	if s == nil {
		return "", nil
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	if rec.Timestamp.IsZero() {
		rec.Timestamp = s.now().UTC()
	}
	rec.EventsCount = len(rec.Events)

	data, err := json.Marshal(rec)
	if err != nil {
		metrics.DLQWriteErrors.Inc()
		return "", fmt.Errorf("marshal dlq record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dest := sanitize(rec.Destination)
	nanos := rec.Timestamp.UnixNano()
	var name, final string
	for {
		name = fmt.Sprintf("dlq_%d_%s_%d.json", nanos, dest, rec.EventsCount)
		final = filepath.Join(s.dir, name)
		if _, err := os.Stat(final); errors.Is(err, os.ErrNotExist) {
			break
		}
		nanos++
	}
	tmp := final + ".tmp"

	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		metrics.DLQWriteErrors.Inc()
		return "", fmt.Errorf("write dlq record: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		metrics.DLQWriteErrors.Inc()
		return "", fmt.Errorf("commit dlq record: %w", err)
	}

	s.written.Add(1)
	metrics.DLQWrites.WithLabelValues(dest).Inc()
	metrics.DLQDepth.WithLabelValues(dest).Inc()
	s.logger.Warn("export batch dead-lettered",
		logging.Destination(rec.Destination),
		logging.Count(rec.EventsCount),
		slog.String("file", name),
		slog.Int("last_status", rec.LastStatus))
	return name, nil
}

// parseName splits dlq_<nanos>_<dest>_<count>.json.
func parseName(name string) (ts time.Time, dest string, count int, ok bool) {
	if !strings.HasPrefix(name, "dlq_") || !strings.HasSuffix(name, ".json") {
		return time.Time{}, "", 0, false
	}
	parts := strings.Split(strings.TrimSuffix(strings.TrimPrefix(name, "dlq_"), ".json"), "_")
	if len(parts) != 3 {
		return time.Time{}, "", 0, false
	}
	nanos, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return time.Time{}, "", 0, false
	}
	count, err = strconv.Atoi(parts[2])
	if err != nil {
		return time.Time{}, "", 0, false
	}
	return time.Unix(0, nanos).UTC(), parts[1], count, true
}

// entriesLocked lists DLQ files oldest first.
func (s *Store) entriesLocked() ([]Entry, error) {
	files, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read dlq directory: %w", err)
	}

	var entries []Entry
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		ts, dest, count, ok := parseName(f.Name())
		if !ok {
			continue
		}
		info, err := f.Info()
		if err != nil {
			continue
		}
		entries = append(entries, Entry{
			File:        f.Name(),
			Size:        info.Size(),
			Destination: dest,
			Count:       count,
			Timestamp:   ts,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Timestamp.Before(entries[j].Timestamp) })
	return entries, nil
}

// List returns up to limit entries, oldest first (limit <= 0 means all).
func (s *Store) List(ctx context.Context, limit int) ([]Entry, error) {
	if s == nil {
		return nil, ErrDisabled
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.entriesLocked()
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// Read loads one DLQ record by file name.
func (s *Store) Read(ctx context.Context, file string) (*models.DLQRecord, error) {
	if s == nil {
		return nil, ErrDisabled
	}
	if filepath.Base(file) != file {
		return nil, fmt.Errorf("invalid dlq file name %q", file)
	}
	data, err := os.ReadFile(filepath.Join(s.dir, file))
	if err != nil {
		return nil, fmt.Errorf("read dlq record: %w", err)
	}
	var rec models.DLQRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse dlq record %s: %w", file, err)
	}
	return &rec, nil
}

func (s *Store) Stats() Stats {
	if s == nil {
		return Stats{Enabled: false}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{Enabled: true, Dir: s.dir, Written: s.written.Load()}
	entries, err := s.entriesLocked()
	if err != nil {
		s.logger.Error("failed to read dlq directory", logging.Error(err))
		return st
	}
	st.Files = len(entries)
	st.ByDestination = make(map[string]int)
	for _, e := range entries {
		st.Bytes += e.Size
		st.ByDestination[e.Destination]++
	}
	if len(entries) > 0 {
		oldest := entries[0].Timestamp
		st.Oldest = &oldest
	}
	return st
}

// Depth returns the file count per destination and refreshes the depth
// gauge.
func (s *Store) Depth() map[string]int {
	if s == nil {
		return nil
	}
	return s.refreshDepth()
}

func (s *Store) refreshDepth() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshDepthLocked()
}

func (s *Store) refreshDepthLocked() map[string]int {
	entries, err := s.entriesLocked()
	if err != nil {
		return nil
	}
	depth := make(map[string]int)
	for _, e := range entries {
		depth[e.Destination]++
	}
	metrics.DLQDepth.Reset()
	for dest, n := range depth {
		metrics.DLQDepth.WithLabelValues(dest).Set(float64(n))
	}
	return depth
}

// CleanupOldRecords deletes files older than the configured max age.
func (s *Store) CleanupOldRecords() (int, error) {
	if s == nil {
		return 0, ErrDisabled
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.entriesLocked()
	if err != nil {
		return 0, err
	}
	cutoff := s.now().Add(-s.maxAge)
	removed := 0
	for _, e := range entries {
		if !e.Timestamp.Before(cutoff) {
			break
		}
		if err := os.Remove(filepath.Join(s.dir, e.File)); err != nil {
			s.logger.Error("failed to delete dlq file", slog.String("file", e.File), logging.Error(err))
			continue
		}
		removed++
	}
	if removed > 0 {
		metrics.DLQPruned.WithLabelValues("age").Add(float64(removed))
		s.logger.Info("dlq age cleanup", logging.Count(removed))
	}
	s.refreshDepthLocked()
	return removed, nil
}

// CheckSizeLimit deletes the oldest files until the directory fits within
// the size limit. It returns the number removed and the remaining size.
func (s *Store) CheckSizeLimit() (int, int64, error) {
	if s == nil {
		return 0, 0, ErrDisabled
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.entriesLocked()
	if err != nil {
		return 0, 0, err
	}
	var total int64
	for _, e := range entries {
		total += e.Size
	}

	removed := 0
	for _, e := range entries {
		if total <= s.maxSize {
			break
		}
		if err := os.Remove(filepath.Join(s.dir, e.File)); err != nil {
			s.logger.Error("failed to delete dlq file", slog.String("file", e.File), logging.Error(err))
			continue
		}
		total -= e.Size
		removed++
	}
	if removed > 0 {
		metrics.DLQPruned.WithLabelValues("size").Add(float64(removed))
		s.logger.Warn("dlq over size limit, oldest files removed",
			logging.Count(removed), slog.Int64("remaining_bytes", total))
	}
	s.refreshDepthLocked()
	return removed, total, nil
}

// Purge removes every DLQ file.
func (s *Store) Purge(ctx context.Context) (int, error) {
	if s == nil {
		return 0, ErrDisabled
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.entriesLocked()
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, e := range entries {
		if err := os.Remove(filepath.Join(s.dir, e.File)); err != nil {
			s.logger.Error("failed to delete dlq file", slog.String("file", e.File), logging.Error(err))
			continue
		}
		deleted++
	}
	s.logger.Info("dlq purged", logging.Count(deleted))
	s.refreshDepthLocked()
	return deleted, nil
}

// RunJanitor applies the age and size policies every interval until ctx is
// done.
func (s *Store) RunJanitor(ctx context.Context, interval time.Duration) {
	if s == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := s.CleanupOldRecords(); err != nil {
				s.logger.Error("dlq age cleanup failed", logging.Error(err))
			}
			if _, _, err := s.CheckSizeLimit(); err != nil {
				s.logger.Error("dlq size check failed", logging.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}
