package models

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNoRecords is returned when a payload decodes to zero records.
var ErrNoRecords = errors.New("no records in payload")

// DecodeRecords accepts either a JSON array of records or newline-delimited
// JSON (one record per line).
func DecodeRecords(raw []byte) ([]*Record, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, ErrNoRecords
	}

	if trimmed[0] == '[' {
		var records []*Record
		if err := json.Unmarshal(trimmed, &records); err != nil {
			return nil, fmt.Errorf("decode record array: %w", err)
		}
		if len(records) == 0 {
			return nil, ErrNoRecords
		}
		return records, nil
	}

	var records []*Record
	scanner := bufio.NewScanner(bytes.NewReader(trimmed))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := bytes.TrimSpace(scanner.Bytes())
		if len(text) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(text, &rec); err != nil {
			return nil, fmt.Errorf("decode record on line %d: %w", line, err)
		}
		records = append(records, &rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan records: %w", err)
	}
	if len(records) == 0 {
		return nil, ErrNoRecords
	}
	return records, nil
}
