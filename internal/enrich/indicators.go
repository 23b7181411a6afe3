package enrich

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/telhawk-systems/flowguard/internal/models"
)

// IndicatorSet is one threat feed: CIDR ranges and exact domains.
type IndicatorSet struct {
	feed     string
	prefixes []netip.Prefix
	domains  map[string]struct{}
}

func NewIndicatorSet(feed string, cidrs, domains []string) (*IndicatorSet, error) {
	s := &IndicatorSet{feed: feed, domains: make(map[string]struct{}, len(domains))}
	for _, raw := range cidrs {
		p, err := models.ParsePrefix(raw)
		if err != nil {
			return nil, fmt.Errorf("feed %s: %w", feed, err)
		}
		s.prefixes = append(s.prefixes, p)
	}
	for _, d := range domains {
		if d = normalizeDomain(d); d != "" {
			s.domains[d] = struct{}{}
		}
	}
	return s, nil
}

func (s *IndicatorSet) Feed() string { return s.feed }

// Size is the number of indicators in the set.
func (s *IndicatorSet) Size() int { return len(s.prefixes) + len(s.domains) }

// Match checks the record's addresses and domain against the set.
func (s *IndicatorSet) Match(rec *models.Record) []models.ThreatMatch {
	var matches []models.ThreatMatch
	if m, ok := s.matchAddr(rec.SrcAddr, "src_addr"); ok {
		matches = append(matches, m)
	}
	if m, ok := s.matchAddr(rec.DstAddr, "dst_addr"); ok {
		matches = append(matches, m)
	}
	if rec.Domain != "" {
		d := normalizeDomain(rec.Domain)
		if _, ok := s.domains[d]; ok {
			matches = append(matches, models.ThreatMatch{
				Kind:      models.IndicatorDomain,
				Indicator: d,
				Field:     "domain",
				Feed:      s.feed,
			})
		}
	}
	return matches
}

func (s *IndicatorSet) matchAddr(addr netip.Addr, field string) (models.ThreatMatch, bool) {
	if !addr.IsValid() {
		return models.ThreatMatch{}, false
	}
	addr = addr.Unmap()
	var (
		best  netip.Prefix
		found bool
	)
	for _, p := range s.prefixes {
		if p.Contains(addr) && (!found || p.Bits() > best.Bits()) {
			best, found = p, true
		}
	}
	if !found {
		return models.ThreatMatch{}, false
	}
	return models.ThreatMatch{
		Kind:      models.IndicatorCIDR,
		Indicator: best.String(),
		Field:     field,
		Feed:      s.feed,
	}, true
}

// MatchAll runs every set against rec.
func MatchAll(sets []*IndicatorSet, rec *models.Record) []models.ThreatMatch {
	matches := []models.ThreatMatch{}
	for _, s := range sets {
		matches = append(matches, s.Match(rec)...)
	}
	return matches
}

func normalizeDomain(d string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(d)), ".")
}
