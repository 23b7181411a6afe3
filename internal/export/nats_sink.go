package export

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/telhawk-systems/flowguard/internal/messaging/nats"
	"github.com/telhawk-systems/flowguard/internal/models"
)

// Publisher is the subset of *nats.JetStreamClient the sink needs.
type Publisher interface {
	PublishSync(ctx context.Context, subject string, data []byte, headers map[string]string, msgID string) (*jetstream.PubAck, error)
}

// batchNamespace seeds deterministic message IDs so JetStream can drop
// redeliveries of the same batch.
var batchNamespace = uuid.MustParse("6f1c2c1e-4b7a-4f0e-9a52-3f7d0c1b9e21")

// NATSSink publishes each batch as one JSON array on
// flowguard.export.<name>.
type NATSSink struct {
	name    string
	subject string
	pub     Publisher
}

func NewNATSSink(name string, pub Publisher) *NATSSink {
	if name == "" {
		name = "nats"
	}
	return &NATSSink{
		name:    name,
		subject: nats.ExportSubjectPrefix + "." + name,
		pub:     pub,
	}
}

func (s *NATSSink) Name() string { return s.name }

func (s *NATSSink) Subject() string { return s.subject }

// Send returns 200 once the stream acknowledges the batch and 0 on any
// publish failure.
func (s *NATSSink) Send(ctx context.Context, batch []*models.Record) (int, error) {
	data, err := json.Marshal(batch)
	if err != nil {
		return 0, fmt.Errorf("marshal batch: %w", err)
	}

	headers := map[string]string{
		"Flowguard-Count": strconv.Itoa(len(batch)),
	}
	if _, err := s.pub.PublishSync(ctx, s.subject, data, headers, BatchID(batch)); err != nil {
		return 0, fmt.Errorf("publish to %s: %w", s.subject, err)
	}
	return 200, nil
}

// BatchID derives a stable identifier from the record IDs in batch.
func BatchID(batch []*models.Record) string {
	ids := make([]string, len(batch))
	for i, rec := range batch {
		ids[i] = rec.ID
	}
	return uuid.NewSHA1(batchNamespace, []byte(strings.Join(ids, ","))).String()
}
