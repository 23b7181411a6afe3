// Package hec holds the HTTP Event Collector wire types shared by the
// ingest endpoint and the HEC export sink.
package hec

import (
	"strings"
	"time"
)

// ExtractToken extracts the credential from an Authorization header.
// Supports formats:
// - "Splunk <token>"
// - "Bearer <token>"
func ExtractToken(authHeader string) string {
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 {
		return ""
	}

	scheme := strings.ToLower(parts[0])
	if scheme == "splunk" || scheme == "bearer" {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

var (
	ErrSourceDisabled = &HECError{Code: 1, Text: "Source disabled"}
	ErrTokenRequired  = &HECError{Code: 2, Text: "Token is required"}
	ErrUnauthorized   = &HECError{Code: 4, Text: "Invalid authorization"}
	ErrNoData         = &HECError{Code: 5, Text: "No data"}
	ErrInvalidEvent   = &HECError{Code: 6, Text: "Invalid data format"}
	ErrInternal       = &HECError{Code: 8, Text: "Internal server error"}
	ErrServerBusy     = &HECError{Code: 9, Text: "Server is busy"}
	ErrIPNotAllowed   = &HECError{Code: 20, Text: "Client address not allowed"}
	ErrRateLimited    = &HECError{Code: 21, Text: "Rate limit exceeded"}
	ErrDuplicate      = &HECError{Code: 22, Text: "Duplicate batch"}
)

type HECError struct {
	Code int
	Text string
}

func (e *HECError) Error() string {
	return e.Text
}

// Response is the JSON body returned by the collector endpoint.
type Response struct {
	Text       string `json:"text"`
	Code       int    `json:"code"`
	Accepted   int    `json:"accepted,omitempty"`
	Reason     string `json:"reason,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

// Event is one HEC event envelope.
type Event struct {
	Time       float64 `json:"time,omitempty"`
	Host       string  `json:"host,omitempty"`
	Source     string  `json:"source,omitempty"`
	SourceType string  `json:"sourcetype,omitempty"`
	Index      string  `json:"index,omitempty"`
	Event      any     `json:"event"`
}

// EpochSeconds converts t to the fractional epoch seconds HEC expects.
func EpochSeconds(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / float64(time.Second)
}
