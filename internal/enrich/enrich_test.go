package enrich

import (
	"context"
	"net/netip"
	"testing"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/flowguard/internal/models"
)

func TestStaticTable_LongestPrefix(t *testing.T) {
	table, err := NewStaticTable([]Network{
		{CIDR: "8.0.0.0/8", ASN: &models.ASNInfo{Number: 3356, Organization: "Level3"}},
		{CIDR: "8.8.8.0/24", Geo: &models.GeoInfo{Country: "United States", CountryCode: "US"},
			ASN: &models.ASNInfo{Number: 15169, Organization: "Google"}},
		{CIDR: "1.1.1.1", Geo: &models.GeoInfo{CountryCode: "AU"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, table.Len())

	ctx := context.Background()

	asn, ok, err := table.LookupASN(ctx, netip.MustParseAddr("8.8.8.8"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint32(15169), asn.Number)

	asn, ok, _ = table.LookupASN(ctx, netip.MustParseAddr("8.1.2.3"))
	require.True(t, ok)
	assert.Equal(t, uint32(3356), asn.Number)

	// 8.0.0.0/8 has no geo, so the /8 range misses
	_, ok, err = table.LookupGeo(ctx, netip.MustParseAddr("8.1.2.3"))
	require.NoError(t, err)
	assert.False(t, ok)

	geo, ok, _ := table.LookupGeo(ctx, netip.MustParseAddr("1.1.1.1"))
	require.True(t, ok)
	assert.Equal(t, "AU", geo.CountryCode)

	_, err = NewStaticTable([]Network{{CIDR: "bogus"}})
	assert.ErrorIs(t, err, models.ErrInvalidCIDR)
}

func TestRelevantAddr(t *testing.T) {
	src := netip.MustParseAddr("10.0.0.5")
	dst := netip.MustParseAddr("203.0.113.7")

	assert.Equal(t, dst, RelevantAddr(&models.Record{SrcAddr: src, DstAddr: dst}))
	assert.Equal(t, src, RelevantAddr(&models.Record{SrcAddr: src}))
	assert.False(t, RelevantAddr(&models.Record{}).IsValid())
}

func TestIndicatorSet_Match(t *testing.T) {
	set, err := NewIndicatorSet("abuse", []string{"203.0.113.0/24", "203.0.113.128/25"}, []string{"Evil.Example.com."})
	require.NoError(t, err)
	assert.Equal(t, 3, set.Size())

	tests := []struct {
		name string
		rec  models.Record
		want []models.ThreatMatch
	}{
		{
			name: "no match",
			rec:  models.Record{SrcAddr: netip.MustParseAddr("10.0.0.1"), DstAddr: netip.MustParseAddr("8.8.8.8")},
		},
		{
			name: "destination longest prefix",
			rec:  models.Record{DstAddr: netip.MustParseAddr("203.0.113.200")},
			want: []models.ThreatMatch{{Kind: models.IndicatorCIDR, Indicator: "203.0.113.128/25", Field: "dst_addr", Feed: "abuse"}},
		},
		{
			name: "source and domain",
			rec:  models.Record{SrcAddr: netip.MustParseAddr("203.0.113.1"), Domain: "EVIL.example.com"},
			want: []models.ThreatMatch{
				{Kind: models.IndicatorCIDR, Indicator: "203.0.113.0/24", Field: "src_addr", Feed: "abuse"},
				{Kind: models.IndicatorDomain, Indicator: "evil.example.com", Field: "domain", Feed: "abuse"},
			},
		},
		{
			name: "subdomain is not an exact match",
			rec:  models.Record{Domain: "a.evil.example.com"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := tt.rec
			assert.Equal(t, tt.want, set.Match(&rec))
		})
	}
}

func TestMatchAll_EmptyNotNil(t *testing.T) {
	got := MatchAll(nil, &models.Record{})
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestRiskScore(t *testing.T) {
	threat := []models.ThreatMatch{{Kind: models.IndicatorCIDR, Indicator: "203.0.113.0/24"}}

	tests := []struct {
		name string
		rec  models.Record
		want int
	}{
		{"base", models.Record{DstPort: 443}, 10},
		{"rdp", models.Record{DstPort: 3389}, 20},
		{"rdp with threat", models.Record{DstPort: 3389, Enrichment: models.Enrichment{ThreatMatches: threat}}, 80},
		{"threat only", models.Record{DstPort: 443, Enrichment: models.Enrichment{ThreatMatches: threat}}, 70},
		{"large transfer from ephemeral port", models.Record{SrcPort: 50000, DstPort: 443, Bytes: 1_000_001}, 20},
		{"exactly 1MB is not large", models.Record{SrcPort: 50000, Bytes: 1_000_000}, 10},
		{"large transfer from low port", models.Record{SrcPort: 1024, Bytes: 5_000_000}, 10},
		{"both exposure rules add once", models.Record{SrcPort: 60000, DstPort: 445, Bytes: 5_000_000}, 20},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := tt.rec
			assert.Equal(t, tt.want, RiskScore(&rec))
		})
	}
}

func TestRiskScore_MonotonicAndBounded(t *testing.T) {
	faker := gofakeit.New(99)
	for i := 0; i < 500; i++ {
		rec := models.Record{
			SrcAddr: netip.MustParseAddr(faker.IPv4Address()),
			DstAddr: netip.MustParseAddr(faker.IPv4Address()),
			SrcPort: faker.Uint16(),
			DstPort: faker.Uint16(),
			Bytes:   uint64(faker.Number(0, 5_000_000)),
		}
		before := RiskScore(&rec)
		assert.GreaterOrEqual(t, before, 0)
		assert.LessOrEqual(t, before, 100)

		rec.ThreatMatches = append(rec.ThreatMatches, models.ThreatMatch{Kind: models.IndicatorDomain, Indicator: faker.DomainName()})
		after := RiskScore(&rec)
		assert.GreaterOrEqual(t, after, before)
		assert.LessOrEqual(t, after, 100)
	}
}
