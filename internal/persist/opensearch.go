package persist

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchapi"

	"github.com/telhawk-systems/flowguard/internal/models"
)

// OpenSearchConfig holds connection settings for the OpenSearch store.
type OpenSearchConfig struct {
	URL           string `mapstructure:"url"`
	Username      string `mapstructure:"username"`
	Password      string `mapstructure:"password"`
	TLSSkipVerify bool   `mapstructure:"tls_skip_verify"`
	IndexPrefix   string `mapstructure:"index_prefix"`
}

// OpenSearchStore indexes each record into a daily index
// <prefix>-YYYY.MM.DD.
type OpenSearchStore struct {
	client *opensearch.Client
	prefix string
	now    func() time.Time
}

func NewOpenSearchStore(cfg OpenSearchConfig) (*OpenSearchStore, error) {
	httpClient := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: cfg.TLSSkipVerify,
			},
		},
	}

	client, err := opensearch.NewClient(opensearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: httpClient.Transport,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create opensearch client: %w", err)
	}

	prefix := cfg.IndexPrefix
	if prefix == "" {
		prefix = "flowguard-records"
	}
	return &OpenSearchStore{client: client, prefix: prefix, now: time.Now}, nil
}

// Ping verifies the cluster is reachable.
func (s *OpenSearchStore) Ping(ctx context.Context) error {
	res, err := s.client.Info(s.client.Info.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to ping opensearch: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("opensearch returned error: %s", res.Status())
	}
	return nil
}

// IndexName returns the index a record written at t lands in.
func (s *OpenSearchStore) IndexName(t time.Time) string {
	return fmt.Sprintf("%s-%s", s.prefix, t.UTC().Format("2006.01.02"))
}

func (s *OpenSearchStore) Append(ctx context.Context, rec *models.Record) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}

	req := opensearchapi.IndexRequest{
		Index:      s.IndexName(s.now()),
		DocumentID: rec.ID,
		Body:       bytes.NewReader(body),
	}
	res, err := req.Do(ctx, s.client)
	if err != nil {
		return fmt.Errorf("failed to index record: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return fmt.Errorf("opensearch index error: %s: %s", res.Status(), bytes.TrimSpace(msg))
	}
	_, _ = io.Copy(io.Discard, res.Body)
	return nil
}

func (s *OpenSearchStore) Close() error { return nil }
