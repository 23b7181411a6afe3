package export

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/telhawk-systems/flowguard/internal/models"
	"github.com/telhawk-systems/flowguard/pkg/hec"
)

type HECSinkConfig struct {
	Name          string        `mapstructure:"name"`
	URL           string        `mapstructure:"url"`
	Token         string        `mapstructure:"token"`
	Index         string        `mapstructure:"index"`
	SourceType    string        `mapstructure:"sourcetype"`
	Timeout       time.Duration `mapstructure:"timeout"`
	TLSSkipVerify bool          `mapstructure:"tls_skip_verify"`
}

// HECSink forwards batches to a Splunk-compatible HTTP Event Collector.
type HECSink struct {
	cfg    HECSinkConfig
	client *http.Client
}

func NewHECSink(cfg HECSinkConfig) (*HECSink, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("hec sink %q: url is required", cfg.Name)
	}
	if cfg.Name == "" {
		cfg.Name = "hec"
	}
	if cfg.SourceType == "" {
		cfg.SourceType = "flowguard:record"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.TLSSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} // #nosec G402 - configurable for lab collectors
	}

	return &HECSink{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout, Transport: transport},
	}, nil
}

func (s *HECSink) Name() string { return s.cfg.Name }

func (s *HECSink) Send(ctx context.Context, batch []*models.Record) (int, error) {
	var body bytes.Buffer
	enc := json.NewEncoder(&body)
	for _, rec := range batch {
		ev := hec.Event{
			Time:       hec.EpochSeconds(rec.Timestamp),
			Host:       rec.SourceID,
			Source:     "flowguard",
			SourceType: s.cfg.SourceType,
			Index:      s.cfg.Index,
			Event:      rec,
		}
		if err := enc.Encode(ev); err != nil {
			return 0, fmt.Errorf("encode record %s: %w", rec.ID, err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, &body)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.Token != "" {
		req.Header.Set("Authorization", "Splunk "+s.cfg.Token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("post batch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return resp.StatusCode, fmt.Errorf("collector returned %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}
