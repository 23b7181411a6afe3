package models

import (
	"net/netip"
	"time"
)

// RecordKind distinguishes the telemetry variants the pipeline accepts.
type RecordKind string

const (
	KindFlow       RecordKind = "flow"
	KindConnection RecordKind = "conn"
)

// Record is one telemetry event. Enrichment stages fill the embedded
// Enrichment envelope in place as the record moves through the pipeline.
type Record struct {
	ID        string     `json:"id"`
	Kind      RecordKind `json:"kind"`
	Timestamp time.Time  `json:"timestamp"`
	SourceID  string     `json:"source_id,omitempty"`
	TenantID  string     `json:"tenant_id,omitempty"`

	SrcAddr  netip.Addr `json:"src_addr"`
	DstAddr  netip.Addr `json:"dst_addr"`
	SrcPort  uint16     `json:"src_port"`
	DstPort  uint16     `json:"dst_port"`
	Protocol string     `json:"protocol,omitempty"`
	Bytes    uint64     `json:"bytes"`
	Packets  uint64     `json:"packets"`

	// Connection-log specific fields.
	Domain       string `json:"domain,omitempty"`
	ConnectionID string `json:"connection_id,omitempty"`

	Enrichment
}

// Enrichment is the common envelope attached by the enrichment stages.
// A nil field means the corresponding stage found nothing.
type Enrichment struct {
	Geo           *GeoInfo      `json:"geo,omitempty"`
	ASN           *ASNInfo      `json:"asn,omitempty"`
	ThreatMatches []ThreatMatch `json:"threat_matches,omitempty"`
	RiskScore     *int          `json:"risk_score,omitempty"`
}

// GeoInfo is the geolocation result for an address.
type GeoInfo struct {
	Country     string  `json:"country,omitempty" mapstructure:"country" yaml:"country"`
	CountryCode string  `json:"country_code,omitempty" mapstructure:"country_code" yaml:"country_code"`
	City        string  `json:"city,omitempty" mapstructure:"city" yaml:"city"`
	Latitude    float64 `json:"latitude,omitempty" mapstructure:"latitude" yaml:"latitude"`
	Longitude   float64 `json:"longitude,omitempty" mapstructure:"longitude" yaml:"longitude"`
}

// ASNInfo is the network-ownership result for an address.
type ASNInfo struct {
	Number       uint32 `json:"number" mapstructure:"number" yaml:"number"`
	Organization string `json:"organization,omitempty" mapstructure:"organization" yaml:"organization"`
}

// IndicatorKind is the type of a threat indicator.
type IndicatorKind string

const (
	IndicatorCIDR   IndicatorKind = "cidr"
	IndicatorDomain IndicatorKind = "domain"
)

// ThreatMatch records one indicator hit on a record.
type ThreatMatch struct {
	Kind      IndicatorKind `json:"kind"`
	Indicator string        `json:"indicator"`
	Field     string        `json:"field"`
	Feed      string        `json:"feed,omitempty"`
}

// HasThreat reports whether any indicator matched the record.
func (r *Record) HasThreat() bool {
	return len(r.ThreatMatches) > 0
}

// Score returns the attached risk score, or -1 when the record has not been
// scored yet.
func (r *Record) Score() int {
	if r.RiskScore == nil {
		return -1
	}
	return *r.RiskScore
}
