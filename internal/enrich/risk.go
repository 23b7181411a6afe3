package enrich

import "github.com/telhawk-systems/flowguard/internal/models"

// Risk rubric.
const (
	BaseScore          = 10
	ThreatMatchWeight  = 60
	ExposureWeight     = 10
	LargeTransferBytes = 1_000_000
	EphemeralPortMin   = 49152
)

// RiskyPorts are destination ports that raise exposure: telnet, SMB,
// MSSQL and RDP.
var RiskyPorts = map[uint16]struct{}{
	23:   {},
	445:  {},
	1433: {},
	3389: {},
}

// RiskScore is a deterministic score in [0,100].
func RiskScore(rec *models.Record) int {
	score := BaseScore
	if len(rec.ThreatMatches) > 0 {
		score += ThreatMatchWeight
	}
	if isExposed(rec) {
		score += ExposureWeight
	}
	return clamp(score, 0, 100)
}

func isExposed(rec *models.Record) bool {
	if _, ok := RiskyPorts[rec.DstPort]; ok {
		return true
	}
	return rec.SrcPort >= EphemeralPortMin && rec.Bytes > LargeTransferBytes
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
