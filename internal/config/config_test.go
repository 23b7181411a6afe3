package config

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/flowguard/internal/export"
)

func TestLoad_WithDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 8088 {
		t.Errorf("Server.Port = %d, want 8088", cfg.Server.Port)
	}
	if cfg.Queue.Capacity != 10_000 {
		t.Errorf("Queue.Capacity = %d, want 10000", cfg.Queue.Capacity)
	}
	if cfg.Queue.RetryAfter != 5*time.Second {
		t.Errorf("Queue.RetryAfter = %v, want 5s", cfg.Queue.RetryAfter)
	}
	if cfg.Pipeline.StageTimeout != 250*time.Millisecond {
		t.Errorf("Pipeline.StageTimeout = %v, want 250ms", cfg.Pipeline.StageTimeout)
	}
	if cfg.RateLimit.Requests != 600 || cfg.RateLimit.Window != time.Minute {
		t.Errorf("RateLimit = %d/%v, want 600/1m", cfg.RateLimit.Requests, cfg.RateLimit.Window)
	}
	if cfg.Idempotency.TTL != 24*time.Hour {
		t.Errorf("Idempotency.TTL = %v, want 24h", cfg.Idempotency.TTL)
	}
	if cfg.Sources.CacheTTL != 30*time.Second {
		t.Errorf("Sources.CacheTTL = %v, want 30s", cfg.Sources.CacheTTL)
	}
	if cfg.Export.BatchSize != 1000 || cfg.Export.MaxAttempts != 3 || cfg.Export.BaseDelay != 500*time.Millisecond {
		t.Errorf("Export = %+v", cfg.Export)
	}
	if cfg.DLQ.MaxAge != 7*24*time.Hour {
		t.Errorf("DLQ.MaxAge = %v, want 168h", cfg.DLQ.MaxAge)
	}
	if cfg.DLQ.MaxSizeBytes != 100*1024*1024 {
		t.Errorf("DLQ.MaxSizeBytes = %d, want 100MB", cfg.DLQ.MaxSizeBytes)
	}
	if !cfg.Admission.Enabled || cfg.Admission.LogOnly || !cfg.Admission.FailOpen {
		t.Errorf("Admission = %+v", cfg.Admission)
	}
	if cfg.Redis.Enabled {
		t.Error("Redis.Enabled should be false by default")
	}
}

func TestLoad_NonExistentFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() with non-existent file path should return error")
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
admission:
  log_only: true
sources:
  backend: memory
queue:
  capacity: 50
enrichment:
  networks:
    - cidr: 203.0.113.0/24
      geo:
        country_code: NL
      asn:
        number: 64500
        organization: Example
  indicators:
    - name: blocklist
      cidrs: ["198.51.100.0/24"]
      domains: ["evil.example"]
export:
  hec:
    - name: splunk
      url: https://splunk.example:8088/services/collector/event
      token: abc
      timeout: 3s
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.Admission.LogOnly)
	assert.Equal(t, "memory", cfg.Sources.Backend)
	assert.Equal(t, 50, cfg.Queue.Capacity)

	require.Len(t, cfg.Enrichment.Networks, 1)
	assert.Equal(t, "NL", cfg.Enrichment.Networks[0].Geo.CountryCode)
	assert.EqualValues(t, 64500, cfg.Enrichment.Networks[0].ASN.Number)
	require.Len(t, cfg.Enrichment.Indicators, 1)
	assert.Equal(t, []string{"evil.example"}, cfg.Enrichment.Indicators[0].Domains)

	require.Len(t, cfg.Export.HEC, 1)
	assert.Equal(t, "splunk", cfg.Export.HEC[0].Name)
	assert.Equal(t, 3*time.Second, cfg.Export.HEC[0].Timeout)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("FLOWGUARD_QUEUE_CAPACITY", "123")
	t.Setenv("FLOWGUARD_ADMISSION_FAIL_OPEN", "false")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 123, cfg.Queue.Capacity)
	assert.False(t, cfg.Admission.FailOpen)
}

func TestValidate(t *testing.T) {
	t.Chdir(t.TempDir())
	base, err := Load("")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"zero queue", func(c *Config) { c.Queue.Capacity = 0 }},
		{"negative workers", func(c *Config) { c.Pipeline.Workers = -1 }},
		{"unknown sources backend", func(c *Config) { c.Sources.Backend = "etcd" }},
		{"unknown persist backend", func(c *Config) { c.Persist.Backend = "s3" }},
		{"too many attempts", func(c *Config) { c.Export.MaxAttempts = 50 }},
		{"hec without url", func(c *Config) { c.Export.HEC = []export.HECSinkConfig{{Name: "x"}} }},
		{"bad trusted proxy", func(c *Config) { c.Server.TrustedProxies = []string{"10.0.0.0/40"} }},
		{"unbounded source cache", func(c *Config) { c.Sources.CacheMaxEntries = 0 }},
		{"unbounded source tracking", func(c *Config) { c.Admission.MaxTrackedSources = 0 }},
		{"bad indicator", func(c *Config) {
			c.Enrichment.Indicators = []IndicatorFeed{{Name: "x", CIDRs: []string{"not-a-cidr"}}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := *base
			tt.mutate(&c)
			assert.Error(t, c.Validate())
		})
	}

	assert.NoError(t, base.Validate())
}

func TestTrustedProxyPrefixes(t *testing.T) {
	s := ServerConfig{TrustedProxies: []string{"10.1.2.3/8", "192.0.2.10"}}
	prefixes, err := s.TrustedProxyPrefixes()
	require.NoError(t, err)
	require.Len(t, prefixes, 2)
	assert.Equal(t, "10.0.0.0/8", prefixes[0].String())
	assert.True(t, prefixes[1].Contains(netip.MustParseAddr("192.0.2.10")))
	assert.False(t, prefixes[1].Contains(netip.MustParseAddr("192.0.2.11")))

	empty, err := ServerConfig{}.TrustedProxyPrefixes()
	require.NoError(t, err)
	assert.Empty(t, empty)
}
