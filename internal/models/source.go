package models

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"
)

// Limits enforced on admission configuration.
const (
	MaxCIDRsPerSource = 128
	MaxCIDRsTotal     = 2048
	MaxEPSCap         = 1_000_000
)

var (
	ErrTooManyCIDRs = errors.New("too many CIDRs")
	ErrInvalidCIDR  = errors.New("invalid CIDR")
	ErrInvalidEPS   = errors.New("invalid max_eps")
	ErrMissingID    = errors.New("source id is required")
)

// SourceConfig is the admission policy for one named source.
type SourceConfig struct {
	ID            string    `json:"id" yaml:"id"`
	TenantID      string    `json:"tenant_id" yaml:"tenant_id"`
	Enabled       bool      `json:"enabled" yaml:"enabled"`
	AllowedIPs    []string  `json:"allowed_ips,omitempty" yaml:"allowed_ips"`
	MaxEPS        int       `json:"max_eps" yaml:"max_eps"`
	BlockOnExceed bool      `json:"block_on_exceed" yaml:"block_on_exceed"`
	UpdatedAt     time.Time `json:"updated_at,omitempty" yaml:"-"`
}

// Validate checks a single source against the per-source limits.
func (s *SourceConfig) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return ErrMissingID
	}
	if len(s.AllowedIPs) > MaxCIDRsPerSource {
		return fmt.Errorf("source %s: %w: %d > %d", s.ID, ErrTooManyCIDRs, len(s.AllowedIPs), MaxCIDRsPerSource)
	}
	if s.MaxEPS < 0 || s.MaxEPS > MaxEPSCap {
		return fmt.Errorf("source %s: %w: %d", s.ID, ErrInvalidEPS, s.MaxEPS)
	}
	if _, err := s.Prefixes(); err != nil {
		return fmt.Errorf("source %s: %w", s.ID, err)
	}
	return nil
}

// Prefixes parses the allow-list. Bare addresses are accepted as host
// prefixes (/32 or /128).
func (s *SourceConfig) Prefixes() ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(s.AllowedIPs))
	for _, raw := range s.AllowedIPs {
		p, err := ParsePrefix(raw)
		if err != nil {
			return nil, err
		}
		prefixes = append(prefixes, p)
	}
	return prefixes, nil
}

// ParsePrefix parses a CIDR or bare IP into a masked prefix.
func ParsePrefix(raw string) (netip.Prefix, error) {
	raw = strings.TrimSpace(raw)
	if strings.Contains(raw, "/") {
		p, err := netip.ParsePrefix(raw)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("%w %q: %v", ErrInvalidCIDR, raw, err)
		}
		if p.Addr().Is4In6() && p.Bits() >= 96 {
			p = netip.PrefixFrom(p.Addr().Unmap(), p.Bits()-96)
		}
		return p.Masked(), nil
	}
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("%w %q: %v", ErrInvalidCIDR, raw, err)
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// ValidateSources checks every source and the total CIDR budget across all
// of them.
func ValidateSources(sources []SourceConfig) error {
	total := 0
	seen := make(map[string]struct{}, len(sources))
	for i := range sources {
		if err := sources[i].Validate(); err != nil {
			return err
		}
		if _, dup := seen[sources[i].ID]; dup {
			return fmt.Errorf("duplicate source id %q", sources[i].ID)
		}
		seen[sources[i].ID] = struct{}{}
		total += len(sources[i].AllowedIPs)
	}
	if total > MaxCIDRsTotal {
		return fmt.Errorf("%w: %d across all sources > %d", ErrTooManyCIDRs, total, MaxCIDRsTotal)
	}
	return nil
}
