package cli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/flowguard/internal/config"
	"github.com/telhawk-systems/flowguard/internal/dlq"
	"github.com/telhawk-systems/flowguard/internal/logging"
	"github.com/telhawk-systems/flowguard/internal/models"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	color.NoColor = true

	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(&buf)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

func writeFile(t *testing.T, path, content string) string {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const sourcesYAML = `sources:
  - id: src-a
    tenant_id: tenant-1
    enabled: true
    allowed_ips: ["10.0.0.0/8", "192.168.1.0/24"]
    max_eps: 100
  - id: src-b
    tenant_id: tenant-1
    enabled: false
`

func TestCommandsRegistered(t *testing.T) {
	expected := map[string]bool{
		"serve":   false,
		"dlq":     false,
		"sources": false,
		"migrate": false,
	}
	for _, cmd := range rootCmd.Commands() {
		if _, ok := expected[cmd.Name()]; ok {
			expected[cmd.Name()] = true
		}
	}
	for name, found := range expected {
		if !found {
			t.Errorf("expected command '%s' to be registered with root command", name)
		}
	}

	sub := map[string]bool{}
	for _, cmd := range dlqCmd.Commands() {
		sub[cmd.Name()] = true
	}
	for _, name := range []string{"list", "show", "stats", "cleanup", "purge"} {
		assert.True(t, sub[name], "dlq %s missing", name)
	}
}

func TestSourcesValidate(t *testing.T) {
	dir := t.TempDir()
	good := writeFile(t, filepath.Join(dir, "sources.yaml"), sourcesYAML)

	out, err := execute(t, "sources", "validate", good)
	require.NoError(t, err)
	assert.Contains(t, out, "2 sources, 2 allow-list entries")

	bad := writeFile(t, filepath.Join(dir, "bad.yaml"), `sources:
  - id: src-x
    allowed_ips: ["10.0.0.0/33"]
`)
	_, err = execute(t, "sources", "validate", bad)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrInvalidCIDR)
}

func TestSourcesList(t *testing.T) {
	dir := t.TempDir()
	srcFile := writeFile(t, filepath.Join(dir, "sources.yaml"), sourcesYAML)
	cfgPath := writeFile(t, filepath.Join(dir, "config.yaml"), "sources:\n  backend: file\n  file: "+srcFile+"\n")

	out, err := execute(t, "sources", "list", "--config", cfgPath, "-o", "table")
	require.NoError(t, err)
	assert.Contains(t, out, "src-a")
	assert.Contains(t, out, "10.0.0.0/8,192.168.1.0/24")
	assert.Contains(t, out, "unlimited")

	out, err = execute(t, "sources", "list", "--config", cfgPath, "-o", "json")
	require.NoError(t, err)
	var list []models.SourceConfig
	require.NoError(t, json.Unmarshal([]byte(out), &list))
	require.Len(t, list, 2)
	assert.Equal(t, "src-b", list[1].ID)
	assert.False(t, list[1].Enabled)
}

func seedDLQ(t *testing.T, dir string, destinations ...string) {
	t.Helper()
	store, err := dlq.New(dlq.Config{Dir: dir}, logging.Discard())
	require.NoError(t, err)
	for _, dest := range destinations {
		_, err := store.Write(context.Background(), &models.DLQRecord{
			Timestamp:   time.Now().UTC(),
			Destination: dest,
			EventsCount: 1,
			Error:       "export failed",
			LastStatus:  503,
			RetryCount:  3,
			Events:      []*models.Record{{ID: "r-1", Kind: models.KindFlow}},
		})
		require.NoError(t, err)
	}
}

func TestDLQCommands(t *testing.T) {
	dir := t.TempDir()
	dlqDir := filepath.Join(dir, "dlq")
	seedDLQ(t, dlqDir, "hec-main", "hec-main", "archive")
	cfgPath := writeFile(t, filepath.Join(dir, "config.yaml"), "dlq:\n  enabled: true\n  dir: "+dlqDir+"\n")

	out, err := execute(t, "dlq", "stats", "--config", cfgPath, "-o", "json")
	require.NoError(t, err)
	var stats dlq.Stats
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.Equal(t, 3, stats.Files)
	assert.Equal(t, 2, stats.ByDestination["hec-main"])
	assert.Equal(t, 1, stats.ByDestination["archive"])

	out, err = execute(t, "dlq", "list", "--config", cfgPath, "-o", "json", "--limit", "2")
	require.NoError(t, err)
	var entries []dlq.Entry
	require.NoError(t, json.Unmarshal([]byte(out), &entries))
	require.Len(t, entries, 2)

	out, err = execute(t, "dlq", "list", "--config", cfgPath, "-o", "table", "--limit", "0")
	require.NoError(t, err)
	assert.Contains(t, out, "DESTINATION")
	assert.Contains(t, out, "archive")

	out, err = execute(t, "dlq", "show", entries[0].File, "--config", cfgPath)
	require.NoError(t, err)
	var rec models.DLQRecord
	require.NoError(t, json.Unmarshal([]byte(out), &rec))
	assert.Equal(t, 503, rec.LastStatus)
	assert.Equal(t, 3, rec.RetryCount)

	out, err = execute(t, "dlq", "cleanup", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Removed 0 expired and 0 oversize files")

	_, err = execute(t, "dlq", "purge", "--config", cfgPath, "--yes=false")
	require.Error(t, err)

	out, err = execute(t, "dlq", "purge", "--config", cfgPath, "--yes")
	require.NoError(t, err)
	assert.Contains(t, out, "Purged 3 files")

	out, err = execute(t, "dlq", "list", "--config", cfgPath, "-o", "table", "--limit", "0")
	require.NoError(t, err)
	assert.Contains(t, out, "No dead-lettered batches")
}

func TestDLQDisabled(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeFile(t, filepath.Join(dir, "config.yaml"), "dlq:\n  enabled: false\n")

	_, err := execute(t, "dlq", "stats", "--config", cfgPath)
	assert.ErrorIs(t, err, dlq.ErrDisabled)
}

func TestHumanBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.0 KiB"},
		{1536, "1.5 KiB"},
		{100 * 1024 * 1024, "100.0 MiB"},
	}
	for _, tt := range tests {
		if got := humanBytes(tt.in); got != tt.want {
			t.Errorf("humanBytes(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// downstream is an HEC endpoint that records every event line it receives.
type downstream struct {
	mu     sync.Mutex
	auth   []string
	events []map[string]any
}

func (d *downstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.auth = append(d.auth, r.Header.Get("Authorization"))
	scanner := bufio.NewScanner(r.Body)
	for scanner.Scan() {
		var ev map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &ev); err == nil {
			d.events = append(d.events, ev)
		}
	}
	w.WriteHeader(http.StatusOK)
}

func (d *downstream) snapshot() ([]string, []map[string]any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.auth...), append([]map[string]any(nil), d.events...)
}

func TestApp_IngestToExport(t *testing.T) {
	sink := &downstream{}
	srv := httptest.NewServer(sink)
	defer srv.Close()

	dir := t.TempDir()
	srcFile := writeFile(t, filepath.Join(dir, "sources.yaml"), sourcesYAML)
	cfgPath := writeFile(t, filepath.Join(dir, "config.yaml"), `
sources:
  backend: file
  file: `+srcFile+`
  watch: false
persist:
  backend: none
dlq:
  dir: `+filepath.Join(dir, "dlq")+`
enrichment:
  indicators:
    - name: blocklist
      cidrs: ["203.0.113.0/24"]
export:
  flush_interval: 50ms
  hec:
    - name: downstream
      url: `+srv.URL+`
      token: out-token
`)
	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)

	logger := logging.NewWithWriter(io.Discard, slog.LevelError, "json")
	a, err := newApp(context.Background(), cfg, logger)
	require.NoError(t, err)
	a.pool.Start()

	body := `{"kind":"flow","src_addr":"10.1.2.3","dst_addr":"203.0.113.9","src_port":50000,"dst_port":443,"protocol":"tcp","bytes":1200,"packets":4}
{"kind":"flow","src_addr":"10.1.2.4","dst_addr":"198.51.100.7","src_port":50001,"dst_port":53,"protocol":"udp","bytes":80,"packets":1}
`
	req := httptest.NewRequest(http.MethodPost, "/services/collector/flows", strings.NewReader(body))
	req.Header.Set("Authorization", "Splunk in-token")
	req.Header.Set("X-Flowguard-Source", "src-a")
	req.Header.Set("X-Flowguard-Tenant", "tenant-1")
	req.RemoteAddr = "10.9.9.9:40000"
	rec := httptest.NewRecorder()
	a.server.Handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// disabled source
	req = httptest.NewRequest(http.MethodPost, "/services/collector/flows", strings.NewReader(body))
	req.Header.Set("Authorization", "Splunk in-token")
	req.Header.Set("X-Flowguard-Source", "src-b")
	req.RemoteAddr = "10.9.9.9:40000"
	rec = httptest.NewRecorder()
	a.server.Handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	require.NoError(t, a.shutdown())

	auth, events := sink.snapshot()
	require.Len(t, events, 2)
	for _, h := range auth {
		assert.Equal(t, "Splunk out-token", h)
	}

	scores := map[string]float64{}
	for _, ev := range events {
		assert.Equal(t, "src-a", ev["host"])
		inner, ok := ev["event"].(map[string]any)
		require.True(t, ok)
		dst, _ := inner["dst_addr"].(string)
		score, _ := inner["risk_score"].(float64)
		scores[dst] = score
	}
	assert.Equal(t, float64(70), scores["203.0.113.9"])
	assert.Equal(t, float64(10), scores["198.51.100.7"])
}
