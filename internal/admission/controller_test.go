package admission

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/flowguard/internal/logging"
	"github.com/telhawk-systems/flowguard/internal/models"
	"github.com/telhawk-systems/flowguard/internal/sources"
)

type staticLookup struct {
	store *sources.MemoryStore
	err   error
}

func (s staticLookup) Lookup(ctx context.Context, id string) (*models.SourceConfig, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.store.Get(ctx, id)
}

type recorder struct {
	mu     sync.Mutex
	events map[string][2]int
}

func (r *recorder) RecordAdmission(id string, admitted bool, count int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.events == nil {
		r.events = map[string][2]int{}
	}
	e := r.events[id]
	if admitted {
		e[0] += count
	} else {
		e[1] += count
	}
	r.events[id] = e
}

var enabled = Config{Enabled: true}

func srcA() models.SourceConfig {
	return models.SourceConfig{
		ID:            "src-A",
		TenantID:      "acme",
		Enabled:       true,
		AllowedIPs:    []string{"10.0.0.0/24"},
		MaxEPS:        5,
		BlockOnExceed: true,
	}
}

func newTestController(t *testing.T, cfg Config, srcs ...models.SourceConfig) (*Controller, *time.Time) {
	t.Helper()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	c := NewController(cfg, staticLookup{store: sources.NewMemoryStore(srcs...)}, logging.Discard(),
		WithClock(func() time.Time { return now }))
	t.Cleanup(c.Close)
	return c, &now
}

func TestEvaluate_Decisions(t *testing.T) {
	tests := []struct {
		name   string
		cfg    Config
		source string
		addr   string
		want   models.AdmissionDecision
	}{
		{"allowed", enabled, "src-A", "10.0.0.5", models.Admit()},
		{"allowed with port", enabled, "src-A", "10.0.0.5:41234", models.Admit()},
		{"mapped v6 client", enabled, "src-A", "[::ffff:10.0.0.9]:80", models.Admit()},
		{"outside allow-list", enabled, "src-A", "10.0.1.5", models.Reject(models.ReasonIPNotAllowed)},
		{"garbage address", enabled, "src-A", "not-an-ip", models.Reject(models.ReasonIPNotAllowed)},
		{"disabled source", enabled, "src-off", "10.0.0.5", models.Reject(models.ReasonDisabled)},
		{"unknown source admitted", enabled, "nope", "1.2.3.4", models.Admit()},
		{"unknown source blocked", Config{Enabled: true, BlockUnknownSources: true}, "nope", "1.2.3.4", models.Reject(models.ReasonDisabled)},
		{"admission off", Config{Enabled: false}, "src-off", "8.8.8.8", models.Admit()},
		{"log only", Config{Enabled: true, LogOnly: true}, "src-off", "10.0.0.5",
			models.AdmissionDecision{Allowed: true, Reason: models.ReasonDisabled}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestController(t, tt.cfg, srcA(), models.SourceConfig{ID: "src-off"})
			got, err := c.Evaluate(context.Background(), tt.source, tt.addr, 1)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluate_EPSCap(t *testing.T) {
	c, now := newTestController(t, enabled, srcA())
	ctx := context.Background()

	d, err := c.Evaluate(ctx, "src-A", "10.0.0.5", 3)
	require.NoError(t, err)
	assert.Equal(t, models.Admit(), d)

	// 2 of the 10 would still fit; the batch is rejected whole
	*now = now.Add(10 * time.Second)
	d, err = c.Evaluate(ctx, "src-A", "10.0.0.5", 10)
	require.NoError(t, err)
	assert.Equal(t, models.Reject(models.ReasonRateLimit), d)

	// the rejected batch did not consume budget
	d, err = c.Evaluate(ctx, "src-A", "10.0.0.5", 2)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = c.Evaluate(ctx, "src-A", "10.0.0.5", 1)
	require.NoError(t, err)
	assert.Equal(t, models.ReasonRateLimit, d.Reason)

	// once the minute rolls the source has budget again
	*now = now.Add(time.Minute)
	d, err = c.Evaluate(ctx, "src-A", "10.0.0.5", 5)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestEvaluate_EPSCapProperty(t *testing.T) {
	faker := gofakeit.New(42)
	for i := 0; i < 25; i++ {
		n := faker.Number(1, 500)
		src := models.SourceConfig{ID: "s", Enabled: true, MaxEPS: n, BlockOnExceed: true}
		c, now := newTestController(t, enabled, src)

		rejected := false
		for sent := 0; sent < n+1; sent++ {
			*now = now.Add(50 * time.Millisecond)
			d, err := c.Evaluate(context.Background(), "s", "", 1)
			require.NoError(t, err)
			if d.Reason == models.ReasonRateLimit {
				rejected = true
			}
		}
		assert.True(t, rejected, "max_eps=%d: N+1 events in a minute must hit rate_limit", n)
	}
}

func TestEvaluate_EPSNonBlocking(t *testing.T) {
	src := srcA()
	src.BlockOnExceed = false
	c, _ := newTestController(t, enabled, src)

	for i := 0; i < 4; i++ {
		d, err := c.Evaluate(context.Background(), "src-A", "10.0.0.5", 3)
		require.NoError(t, err)
		assert.Equal(t, models.Admit(), d)
	}
}

func TestEvaluate_LogOnlyEPS(t *testing.T) {
	c, _ := newTestController(t, Config{Enabled: true, LogOnly: true}, srcA())

	d, err := c.Evaluate(context.Background(), "src-A", "10.0.0.5", 6)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, models.ReasonRateLimit, d.Reason)
}

func TestEvaluate_InternalError(t *testing.T) {
	boom := errors.New("config store down")

	t.Run("fail closed", func(t *testing.T) {
		c := NewController(enabled, staticLookup{err: boom}, logging.Discard())
		defer c.Close()
		d, err := c.Evaluate(context.Background(), "src-A", "10.0.0.5", 1)
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, models.Reject(models.ReasonAdmissionError), d)
	})

	t.Run("fail open", func(t *testing.T) {
		c := NewController(Config{Enabled: true, FailOpen: true}, staticLookup{err: boom}, logging.Discard())
		defer c.Close()
		d, err := c.Evaluate(context.Background(), "src-A", "10.0.0.5", 1)
		assert.NoError(t, err)
		assert.Equal(t, models.Admit(), d)
	})

	t.Run("log only does not mask errors", func(t *testing.T) {
		c := NewController(Config{Enabled: true, LogOnly: true}, staticLookup{err: boom}, logging.Discard())
		defer c.Close()
		d, err := c.Evaluate(context.Background(), "src-A", "10.0.0.5", 1)
		assert.Error(t, err)
		assert.False(t, d.Allowed)
	})
}

// Admission must be independent of the order CIDRs are listed in.
func TestEvaluate_AllowListProperty(t *testing.T) {
	faker := gofakeit.New(7)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		var cidrs []string
		var prefixes []netip.Prefix
		n := faker.Number(1, 8)
		for j := 0; j < n; j++ {
			p := netip.PrefixFrom(netip.MustParseAddr(faker.IPv4Address()), faker.Number(8, 30)).Masked()
			cidrs = append(cidrs, p.String())
			prefixes = append(prefixes, p)
		}

		addr := netip.MustParseAddr(faker.IPv4Address())
		if faker.Bool() {
			// pick an address inside one of the prefixes
			addr = prefixes[faker.Number(0, len(prefixes)-1)].Addr().Next()
		}
		want := false
		for _, p := range prefixes {
			if p.Contains(addr) {
				want = true
			}
		}

		for k := 0; k < 3; k++ {
			shuffled := append([]string(nil), cidrs...)
			faker.ShuffleStrings(shuffled)
			c, _ := newTestController(t, enabled, models.SourceConfig{ID: "s", Enabled: true, AllowedIPs: shuffled})

			d, err := c.Evaluate(ctx, "s", addr.String(), 1)
			require.NoError(t, err)
			assert.Equal(t, want, d.Allowed, "addr %s cidrs %v", addr, shuffled)
		}
	}
}

func TestHealthAndRecorder(t *testing.T) {
	rec := &recorder{}
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	c := NewController(enabled, staticLookup{store: sources.NewMemoryStore(srcA())}, logging.Discard(),
		WithClock(func() time.Time { return now }), WithStatsRecorder(rec))
	defer c.Close()

	ctx := context.Background()
	_, _ = c.Evaluate(ctx, "src-A", "10.0.0.5", 3)
	_, _ = c.Evaluate(ctx, "src-A", "192.168.1.1", 1)

	h, ok := c.Health("src-A")
	require.True(t, ok)
	assert.Equal(t, int64(3), h.AdmittedTotal)
	assert.Equal(t, int64(1), h.DroppedTotal)
	assert.InDelta(t, 3.0/60.0, h.EPS, 1e-9)
	assert.InDelta(t, 0.25, h.ErrorRate, 1e-9)

	_, ok = c.Health("never-seen")
	assert.False(t, ok)

	assert.Equal(t, [2]int{3, 1}, rec.events["src-A"])
}

func TestHealth_BoundedByMaxTrackedSources(t *testing.T) {
	c, now := newTestController(t, Config{Enabled: true, MaxTrackedSources: 3})

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		_, err := c.Evaluate(ctx, fmt.Sprintf("random-%d", i), "10.0.0.5", 1)
		require.NoError(t, err)
		*now = now.Add(time.Second)
	}

	assert.Equal(t, 3, c.health.Len())
	_, ok := c.Health("random-0")
	assert.False(t, ok, "oldest unknown source is evicted")
	_, ok = c.Health("random-9")
	assert.True(t, ok)
}

func TestParseClientAddr(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"10.0.0.5", "10.0.0.5", true},
		{"10.0.0.5:8080", "10.0.0.5", true},
		{"[2001:db8::1]:443", "2001:db8::1", true},
		{"2001:db8::1", "2001:db8::1", true},
		{"::ffff:192.0.2.1", "192.0.2.1", true},
		{"", "", false},
		{"example.com", "", false},
	}
	for _, tt := range tests {
		got, ok := ParseClientAddr(tt.in)
		if ok != tt.ok {
			t.Errorf("ParseClientAddr(%q) ok = %v, want %v", tt.in, ok, tt.ok)
			continue
		}
		if ok && got.String() != tt.want {
			t.Errorf("ParseClientAddr(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestLongestMatch(t *testing.T) {
	prefixes := []netip.Prefix{
		netip.MustParsePrefix("10.0.0.0/8"),
		netip.MustParsePrefix("10.1.2.0/24"),
		netip.MustParsePrefix("10.1.0.0/16"),
	}
	best, ok := LongestMatch(prefixes, netip.MustParseAddr("10.1.2.3"))
	require.True(t, ok)
	assert.Equal(t, "10.1.2.0/24", best.String())

	_, ok = LongestMatch(prefixes, netip.MustParseAddr("11.0.0.1"))
	assert.False(t, ok)
}
