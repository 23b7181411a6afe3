// Package service is the ingest boundary: it takes one batch from the
// transport layer, applies rate limiting, admission and duplicate
// suppression, and enqueues the records for enrichment.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/telhawk-systems/flowguard/internal/logging"
	"github.com/telhawk-systems/flowguard/internal/metrics"
	"github.com/telhawk-systems/flowguard/internal/models"
)

const DefaultRetryAfter = 5 * time.Second

type Outcome string

const (
	OutcomeAccepted     Outcome = "accepted"
	OutcomeRejected     Outcome = "rejected"
	OutcomeBackpressure Outcome = "backpressure"
)

// Request is one inbound batch. Records may be given pre-decoded; otherwise
// Raw is decoded as a JSON array or NDJSON.
type Request struct {
	SourceID     string
	TenantID     string
	CredentialID string
	ClientAddr   string
	Raw          []byte
	Records      []*models.Record
}

// Result tells the transport what happened to the batch. Accepted is the
// number of records enqueued; on backpressure it may be less than the batch
// size.
type Result struct {
	Outcome    Outcome       `json:"outcome"`
	Accepted   int           `json:"accepted"`
	Reason     models.Reason `json:"reason,omitempty"`
	RetryAfter time.Duration `json:"-"`
}

type RateLimiter interface {
	CheckRate(ctx context.Context, tenantID, credentialID string) (bool, error)
}

type Admitter interface {
	Evaluate(ctx context.Context, sourceID, clientAddr string, count int) (models.AdmissionDecision, error)
}

type Deduper interface {
	SeenOrStore(ctx context.Context, tenantID, credentialID string, raw []byte) (bool, string, error)
	Release(ctx context.Context, key string) error
}

type Enqueuer interface {
	TryEnqueue(rec *models.Record) bool
}

type Config struct {
	RetryAfter time.Duration
}

type IngestService struct {
	cfg       Config
	limiter   RateLimiter
	admission Admitter
	dedup     Deduper
	queue     Enqueuer
	logger    *slog.Logger
	now       func() time.Time
}

// NewIngestService wires the boundary. limiter and dedup may be nil to
// disable those checks.
func NewIngestService(cfg Config, limiter RateLimiter, admission Admitter, dedup Deduper, q Enqueuer, logger *slog.Logger) *IngestService {
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = DefaultRetryAfter
	}
	return &IngestService{
		cfg:       cfg,
		limiter:   limiter,
		admission: admission,
		dedup:     dedup,
		queue:     q,
		logger:    logging.OrDefault(logger),
		now:       time.Now,
	}
}

// Ingest runs the batch through the admission checks in order: rate limit,
// source admission, duplicate suppression, enqueue. A rejected batch is
// never partially enqueued. The returned error is reserved for malformed
// input; every policy outcome is reported through Result.
func (s *IngestService) Ingest(ctx context.Context, req Request) (Result, error) {
	records := req.Records
	if records == nil && len(req.Raw) > 0 {
		decoded, err := models.DecodeRecords(req.Raw)
		if err != nil {
			metrics.BatchesTotal.WithLabelValues("invalid", "decode").Inc()
			return Result{}, fmt.Errorf("decode batch: %w", err)
		}
		records = decoded
	}
	if len(records) == 0 {
		return Result{}, models.ErrNoRecords
	}
	count := len(records)
	logger := s.logger.With(logging.SourceID(req.SourceID), logging.TenantID(req.TenantID))

	if s.limiter != nil {
		ok, err := s.limiter.CheckRate(ctx, req.TenantID, req.CredentialID)
		switch {
		case err != nil:
			logger.Warn("rate limiter unavailable, allowing request", logging.Error(err))
		case !ok:
			return s.reject(models.ReasonRateLimit, count), nil
		}
	}

	decision, err := s.admission.Evaluate(ctx, req.SourceID, req.ClientAddr, count)
	if err != nil && !decision.Allowed {
		return s.reject(models.ReasonAdmissionError, count), nil
	}
	if !decision.Allowed {
		return s.reject(decision.Reason, count), nil
	}

	var fingerprint string
	if s.dedup != nil && len(req.Raw) > 0 {
		seen, key, err := s.dedup.SeenOrStore(ctx, req.TenantID, req.CredentialID, req.Raw)
		switch {
		case err != nil:
			logger.Warn("idempotency check failed, accepting batch", logging.Error(err))
		case seen:
			return s.reject(models.ReasonDuplicate, count), nil
		default:
			fingerprint = key
		}
	}

	now := s.now().UTC()
	for _, rec := range records {
		if rec.ID == "" {
			rec.ID = uuid.NewString()
		}
		if rec.Kind == "" {
			rec.Kind = models.KindFlow
		}
		if rec.Timestamp.IsZero() {
			rec.Timestamp = now
		}
		rec.SourceID = req.SourceID
		rec.TenantID = req.TenantID
	}

	accepted := 0
	for _, rec := range records {
		if !s.queue.TryEnqueue(rec) {
			break
		}
		accepted++
	}
	if accepted > 0 {
		metrics.EventsAdmitted.Add(float64(accepted))
	}

	if accepted < count {
		metrics.EventsDropped.WithLabelValues(string(models.ReasonBackpressure)).Add(float64(count - accepted))
		metrics.BatchesTotal.WithLabelValues(string(OutcomeBackpressure), string(models.ReasonBackpressure)).Inc()
		// the caller can only retry the whole batch, so it must not be
		// flagged as a duplicate; accepted records may be delivered twice
		if fingerprint != "" {
			if err := s.dedup.Release(ctx, fingerprint); err != nil {
				logger.Warn("failed to release batch fingerprint", logging.Error(err))
			}
		}
		logger.Warn("intake queue full",
			slog.Int("accepted", accepted),
			logging.Count(count))
		return Result{
			Outcome:    OutcomeBackpressure,
			Accepted:   accepted,
			Reason:     models.ReasonBackpressure,
			RetryAfter: s.cfg.RetryAfter,
		}, nil
	}

	metrics.BatchesTotal.WithLabelValues(string(OutcomeAccepted), string(models.ReasonOK)).Inc()
	return Result{Outcome: OutcomeAccepted, Accepted: accepted, Reason: models.ReasonOK}, nil
}

func (s *IngestService) reject(reason models.Reason, count int) Result {
	metrics.BatchesTotal.WithLabelValues(string(OutcomeRejected), string(reason)).Inc()
	metrics.EventsDropped.WithLabelValues(string(reason)).Add(float64(count))
	return Result{Outcome: OutcomeRejected, Reason: reason}
}
