package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/telhawk-systems/flowguard/internal/middleware"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewWithWriter_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, slog.LevelInfo, "json").With(Service("flowguard"))
	logger.Info("hello", SourceID("src-A"), Error(errors.New("boom")))

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log output is not JSON: %v", err)
	}
	if entry["service"] != "flowguard" {
		t.Errorf("service = %v, want flowguard", entry["service"])
	}
	if entry["source_id"] != "src-A" {
		t.Errorf("source_id = %v, want src-A", entry["source_id"])
	}
	if entry["error"] != "boom" {
		t.Errorf("error = %v, want boom", entry["error"])
	}
}

func TestWithContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, slog.LevelInfo, "json")

	ctx := context.WithValue(context.Background(), middleware.RequestIDKey, "req-123")
	logger.WithContext(ctx).Info("with id")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log output is not JSON: %v", err)
	}
	if entry["request_id"] != "req-123" {
		t.Errorf("request_id = %v, want req-123", entry["request_id"])
	}

	buf.Reset()
	logger.WithContext(context.Background()).Info("without id")
	entry = map[string]any{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log output is not JSON: %v", err)
	}
	if _, ok := entry["request_id"]; ok {
		t.Error("request_id should be absent without a request ID in context")
	}
}

func TestErrorNil(t *testing.T) {
	attr := Error(nil)
	if attr.Value.String() != "" {
		t.Errorf("Error(nil) = %q, want empty", attr.Value.String())
	}
}

func TestThrottle(t *testing.T) {
	th := NewThrottle(5, time.Hour)
	defer th.Close()

	calls := 0
	for i := 0; i < 11; i++ {
		th.Do("stage:timeout", func() { calls++ })
	}
	// 1st, 6th and 11th
	assert.Equal(t, 3, calls)

	other := 0
	th.Do("stage:exception", func() { other++ })
	assert.Equal(t, 1, other, "distinct causes are throttled independently")
}
