package server

import (
	"net/http"
	"strconv"

	"github.com/telhawk-systems/flowguard/internal/handlers"
	"github.com/telhawk-systems/flowguard/internal/metrics"
	"github.com/telhawk-systems/flowguard/internal/middleware"
)

// NewRouter constructs a ServeMux with the flowguard routes registered.
func NewRouter(flows *handlers.FlowHandler, health *handlers.HealthHandler) http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/services/collector/flows", instrument("flows", http.HandlerFunc(flows.HandleFlows)))
	mux.HandleFunc("/services/collector/health", health.Health)

	mux.HandleFunc("/healthz", health.Health)
	mux.HandleFunc("/readyz", health.Ready)
	mux.Handle("GET /sources/{id}/health", instrument("source_health", http.HandlerFunc(health.SourceHealth)))

	mux.Handle("/metrics", metrics.Handler())

	return middleware.RequestID(mux)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func instrument(endpoint string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.RequestsTotal.WithLabelValues(endpoint, strconv.Itoa(rec.status)).Inc()
	})
}
