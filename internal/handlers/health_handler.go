package handlers

import (
	"context"
	"net/http"

	"github.com/telhawk-systems/flowguard/internal/admission"
	"github.com/telhawk-systems/flowguard/internal/dlq"
	"github.com/telhawk-systems/flowguard/internal/httputil"
	"github.com/telhawk-systems/flowguard/internal/logging"
	"github.com/telhawk-systems/flowguard/internal/pipeline"
	"github.com/telhawk-systems/flowguard/internal/sourcestats"
)

type QueueStats interface {
	Depth() int
	Capacity() int
	Saturation() float64
	Closed() <-chan struct{}
}

type SourceHealthReporter interface {
	Health(sourceID string) (admission.SourceHealth, bool)
}

type UsageReader interface {
	GetStats(ctx context.Context, sourceID string) (*sourcestats.Stats, error)
}

type PoolStats interface {
	Stats() pipeline.Stats
	Workers() int
}

type DLQStats interface {
	Stats() dlq.Stats
}

// HealthDeps are the components whose state the health endpoints report.
// Only Queue is required.
type HealthDeps struct {
	Queue   QueueStats
	Pool    PoolStats
	DLQ     DLQStats
	Sources SourceHealthReporter
	Usage   UsageReader
}

type HealthHandler struct {
	deps   HealthDeps
	logger *logging.Logger
}

func NewHealthHandler(deps HealthDeps, logger *logging.Logger) *HealthHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &HealthHandler{deps: deps, logger: logger}
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

type queueStatus struct {
	Depth      int     `json:"depth"`
	Capacity   int     `json:"capacity"`
	Saturation float64 `json:"saturation"`
}

type readyResponse struct {
	Status   string          `json:"status"`
	Queue    queueStatus     `json:"queue"`
	Workers  int             `json:"workers,omitempty"`
	Pipeline *pipeline.Stats `json:"pipeline,omitempty"`
	DLQ      *dlq.Stats      `json:"dlq,omitempty"`
}

// Ready reports 503 once intake has stopped or the queue is full.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	q := h.deps.Queue
	resp := readyResponse{
		Status: "ready",
		Queue: queueStatus{
			Depth:      q.Depth(),
			Capacity:   q.Capacity(),
			Saturation: q.Saturation(),
		},
	}
	if h.deps.Pool != nil {
		st := h.deps.Pool.Stats()
		resp.Pipeline = &st
		resp.Workers = h.deps.Pool.Workers()
	}
	if h.deps.DLQ != nil {
		st := h.deps.DLQ.Stats()
		resp.DLQ = &st
	}

	status := http.StatusOK
	select {
	case <-q.Closed():
		resp.Status = "shutting_down"
		status = http.StatusServiceUnavailable
	default:
		if resp.Queue.Saturation >= 1 {
			resp.Status = "saturated"
			status = http.StatusServiceUnavailable
		}
	}
	httputil.WriteJSON(w, status, resp)
}

type sourceHealthResponse struct {
	SourceID string                  `json:"source_id"`
	Local    *admission.SourceHealth `json:"local,omitempty"`
	Cluster  *sourcestats.Stats      `json:"cluster,omitempty"`
}

// SourceHealth serves GET /sources/{id}/health: the rolling local estimate
// plus, when Redis stats are configured, the cross-instance counters.
func (h *HealthHandler) SourceHealth(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		httputil.WriteError(w, http.StatusBadRequest, "source id is required")
		return
	}

	resp := sourceHealthResponse{SourceID: id}
	if h.deps.Sources != nil {
		if sh, ok := h.deps.Sources.Health(id); ok {
			resp.Local = &sh
		}
	}
	if h.deps.Usage != nil {
		st, err := h.deps.Usage.GetStats(r.Context(), id)
		if err != nil {
			h.logger.WithContext(r.Context()).Warn("failed to read source usage",
				logging.SourceID(id), logging.Error(err))
		} else if st.LastSeen != nil {
			resp.Cluster = st
		}
	}

	if resp.Local == nil && resp.Cluster == nil {
		httputil.WriteError(w, http.StatusNotFound, "no traffic recorded for source")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}
