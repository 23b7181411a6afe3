package models

import "time"

// DLQRecord is one batch that exhausted its export retries.
type DLQRecord struct {
	Timestamp   time.Time `json:"timestamp"`
	Destination string    `json:"destination"`
	EventsCount int       `json:"events_count"`
	Error       string    `json:"error"`
	LastStatus  int       `json:"last_status"`
	RetryCount  int       `json:"retry_count"`
	Events      []*Record `json:"events"`
}
