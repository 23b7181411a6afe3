package nats

import (
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"

	"github.com/telhawk-systems/flowguard/internal/logging"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "nats://127.0.0.1:4222", cfg.URL)
	assert.Equal(t, "flowguard", cfg.Name)
	assert.Equal(t, -1, cfg.MaxReconnects)
	assert.Equal(t, 5*time.Second, cfg.Timeout)
}

func TestNewClient_Unreachable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.URL = "nats://127.0.0.1:1"
	cfg.Timeout = 200 * time.Millisecond

	c, err := NewClient(cfg, logging.Discard())
	assert.Error(t, err)
	assert.Nil(t, c)

	js, err := NewJetStreamClient(cfg, logging.Discard())
	assert.Error(t, err)
	assert.Nil(t, js)
}

func TestExportStream(t *testing.T) {
	assert.Equal(t, []string{"flowguard.export.>"}, ExportStream.Subjects)
	assert.Equal(t, jetstream.LimitsPolicy, ExportStream.Retention)
	assert.Equal(t, jetstream.FileStorage, ExportStream.Storage)
}
