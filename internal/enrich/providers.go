// Package enrich holds the lookup contracts used by the enrichment stages and
// simple in-memory implementations of them.
package enrich

import (
	"context"
	"fmt"
	"net/netip"
	"sort"

	"github.com/telhawk-systems/flowguard/internal/models"
)

// GeoProvider resolves an address to a location. A miss returns ok=false
// and a nil error.
type GeoProvider interface {
	LookupGeo(ctx context.Context, addr netip.Addr) (geo *models.GeoInfo, ok bool, err error)
}

// ASNProvider resolves an address to the owning network.
type ASNProvider interface {
	LookupASN(ctx context.Context, addr netip.Addr) (asn *models.ASNInfo, ok bool, err error)
}

// Network is one row of a static lookup table.
type Network struct {
	CIDR string          `mapstructure:"cidr" yaml:"cidr"`
	Geo  *models.GeoInfo `mapstructure:"geo" yaml:"geo"`
	ASN  *models.ASNInfo `mapstructure:"asn" yaml:"asn"`
}

type tableEntry struct {
	prefix netip.Prefix
	geo    *models.GeoInfo
	asn    *models.ASNInfo
}

// StaticTable is an in-memory longest-prefix table implementing both
// GeoProvider and ASNProvider.
type StaticTable struct {
	entries []tableEntry
}

func NewStaticTable(networks []Network) (*StaticTable, error) {
	entries := make([]tableEntry, 0, len(networks))
	for _, n := range networks {
		p, err := models.ParsePrefix(n.CIDR)
		if err != nil {
			return nil, fmt.Errorf("network table: %w", err)
		}
		entries = append(entries, tableEntry{prefix: p, geo: n.Geo, asn: n.ASN})
	}
	// most specific first so the first hit is the longest match
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].prefix.Bits() > entries[j].prefix.Bits()
	})
	return &StaticTable{entries: entries}, nil
}

func (t *StaticTable) Len() int { return len(t.entries) }

func (t *StaticTable) LookupGeo(_ context.Context, addr netip.Addr) (*models.GeoInfo, bool, error) {
	for _, e := range t.entries {
		if e.geo != nil && e.prefix.Contains(addr) {
			geo := *e.geo
			return &geo, true, nil
		}
	}
	return nil, false, nil
}

func (t *StaticTable) LookupASN(_ context.Context, addr netip.Addr) (*models.ASNInfo, bool, error) {
	for _, e := range t.entries {
		if e.asn != nil && e.prefix.Contains(addr) {
			asn := *e.asn
			return &asn, true, nil
		}
	}
	return nil, false, nil
}

// RelevantAddr picks the address used for geo/ASN lookups: the destination
// when set, else the source.
func RelevantAddr(rec *models.Record) netip.Addr {
	if rec.DstAddr.IsValid() {
		return rec.DstAddr.Unmap()
	}
	return rec.SrcAddr.Unmap()
}
