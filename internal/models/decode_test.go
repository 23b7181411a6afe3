package models

import (
	"encoding/json"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeRecords_Array(t *testing.T) {
	raw := []byte(`[
		{"kind":"flow","src_addr":"10.0.0.5","dst_addr":"8.8.8.8","src_port":51000,"dst_port":53,"protocol":"udp","bytes":120,"packets":1},
		{"kind":"conn","src_addr":"10.0.0.6","dst_addr":"1.1.1.1","dst_port":443,"domain":"example.com","connection_id":"c-1"}
	]`)

	records, err := DecodeRecords(raw)
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, KindFlow, records[0].Kind)
	assert.Equal(t, netip.MustParseAddr("10.0.0.5"), records[0].SrcAddr)
	assert.Equal(t, uint16(53), records[0].DstPort)
	assert.Equal(t, "example.com", records[1].Domain)
	assert.Equal(t, "c-1", records[1].ConnectionID)
}

func TestDecodeRecords_NDJSON(t *testing.T) {
	raw := []byte("{\"src_addr\":\"10.0.0.1\",\"dst_port\":22}\n\n{\"src_addr\":\"10.0.0.2\",\"dst_port\":23}\n")

	records, err := DecodeRecords(raw)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, uint16(23), records[1].DstPort)
}

func TestDecodeRecords_Errors(t *testing.T) {
	_, err := DecodeRecords(nil)
	assert.ErrorIs(t, err, ErrNoRecords)

	_, err = DecodeRecords([]byte("[]"))
	assert.ErrorIs(t, err, ErrNoRecords)

	_, err = DecodeRecords([]byte("{\"src_addr\":\"10.0.0.1\"}\nnot json"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
}

func TestRecord_EnrichmentJSON(t *testing.T) {
	score := 80
	rec := Record{
		ID:      "r-1",
		DstAddr: netip.MustParseAddr("203.0.113.9"),
		Enrichment: Enrichment{
			ThreatMatches: []ThreatMatch{{Kind: IndicatorCIDR, Indicator: "203.0.113.0/24", Field: "dst_addr"}},
			RiskScore:     &score,
		},
	}

	data, err := json.Marshal(rec)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	assert.EqualValues(t, 80, out["risk_score"])
	assert.NotContains(t, out, "geo")
	assert.True(t, rec.HasThreat())
	assert.Equal(t, 80, rec.Score())
}
