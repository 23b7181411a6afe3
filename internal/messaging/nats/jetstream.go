package nats

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// ExportSubjectPrefix is the subject namespace enriched batches are
// published under: flowguard.export.<destination>.
const ExportSubjectPrefix = "flowguard.export"

// StreamConfig defines a JetStream stream configuration.
type StreamConfig struct {
	Name     string
	Subjects []string
	MaxAge   time.Duration
	MaxBytes int64
	MaxMsgs  int64

	// Retention policy (LimitsPolicy, InterestPolicy, WorkQueuePolicy).
	Retention jetstream.RetentionPolicy

	// Storage type (FileStorage, MemoryStorage).
	Storage jetstream.StorageType
}

// ExportStream captures every export subject. Downstream consumers pull
// from it; limits keep an unconsumed stream from growing without bound.
var ExportStream = StreamConfig{
	Name:      "FLOWGUARD_EXPORT",
	Subjects:  []string{ExportSubjectPrefix + ".>"},
	MaxAge:    72 * time.Hour,
	MaxBytes:  10 * 1024 * 1024 * 1024,
	MaxMsgs:   -1,
	Retention: jetstream.LimitsPolicy,
	Storage:   jetstream.FileStorage,
}

// JetStreamClient extends Client with JetStream persistence.
type JetStreamClient struct {
	*Client
	js jetstream.JetStream
}

func NewJetStreamClient(cfg Config, logger *slog.Logger) (*JetStreamClient, error) {
	client, err := NewClient(cfg, logger)
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(client.conn)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	return &JetStreamClient{Client: client, js: js}, nil
}

// CreateOrUpdateStream creates or updates a stream.
func (c *JetStreamClient) CreateOrUpdateStream(ctx context.Context, cfg StreamConfig) (jetstream.Stream, error) {
	stream, err := c.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.Name,
		Subjects:  cfg.Subjects,
		MaxAge:    cfg.MaxAge,
		MaxBytes:  cfg.MaxBytes,
		MaxMsgs:   cfg.MaxMsgs,
		Retention: cfg.Retention,
		Storage:   cfg.Storage,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create/update stream %s: %w", cfg.Name, err)
	}
	return stream, nil
}

// PublishSync publishes a message with headers and waits for the stream
// acknowledgment. msgID enables JetStream de-duplication when non-empty.
func (c *JetStreamClient) PublishSync(ctx context.Context, subject string, data []byte, headers map[string]string, msgID string) (*jetstream.PubAck, error) {
	msg := &nats.Msg{Subject: subject, Data: data}
	if len(headers) > 0 {
		msg.Header = make(nats.Header, len(headers))
		for k, v := range headers {
			msg.Header.Set(k, v)
		}
	}

	var opts []jetstream.PublishOpt
	if msgID != "" {
		opts = append(opts, jetstream.WithMsgID(msgID))
	}
	return c.js.PublishMsg(ctx, msg, opts...)
}
