package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/netip"
	"strconv"
	"strings"

	"github.com/telhawk-systems/flowguard/internal/admission"
	"github.com/telhawk-systems/flowguard/internal/httputil"
	"github.com/telhawk-systems/flowguard/internal/logging"
	"github.com/telhawk-systems/flowguard/internal/models"
	"github.com/telhawk-systems/flowguard/internal/service"
	"github.com/telhawk-systems/flowguard/pkg/hec"
)

const DefaultMaxBodyBytes = 10 << 20

// Header names the transport reads the batch identity from. Query
// parameters "source" and "tenant" are accepted as fallbacks.
const (
	HeaderSource = "X-Flowguard-Source"
	HeaderTenant = "X-Flowguard-Tenant"
)

type Ingester interface {
	Ingest(ctx context.Context, req service.Request) (service.Result, error)
}

type FlowHandlerConfig struct {
	MaxBodyBytes int64
	// TrustedProxies are the peers whose X-Forwarded-For and X-Real-IP
	// headers are believed. Empty means the TCP peer is always the client.
	TrustedProxies []netip.Prefix
}

// FlowHandler is the collector-style endpoint accepting record batches.
type FlowHandler struct {
	service Ingester
	cfg     FlowHandlerConfig
	logger  *logging.Logger
}

func NewFlowHandler(svc Ingester, cfg FlowHandlerConfig, logger *logging.Logger) *FlowHandler {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &FlowHandler{service: svc, cfg: cfg, logger: logger}
}

func (h *FlowHandler) HandleFlows(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		sendError(w, hec.ErrInvalidEvent, http.StatusMethodNotAllowed)
		return
	}

	// authentication happens upstream; only presence is checked here
	token := hec.ExtractToken(r.Header.Get("Authorization"))
	if token == "" {
		sendError(w, hec.ErrTokenRequired, http.StatusUnauthorized)
		return
	}

	sourceID := headerOrQuery(r, HeaderSource, "source")
	if sourceID == "" {
		sendError(w, hec.ErrInvalidEvent, http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes))
	defer r.Body.Close()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			sendError(w, hec.ErrInvalidEvent, http.StatusRequestEntityTooLarge)
			return
		}
		sendError(w, hec.ErrInvalidEvent, http.StatusBadRequest)
		return
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		sendError(w, hec.ErrNoData, http.StatusBadRequest)
		return
	}

	log := h.logger.WithContext(r.Context())
	res, err := h.service.Ingest(r.Context(), service.Request{
		SourceID:     sourceID,
		TenantID:     headerOrQuery(r, HeaderTenant, "tenant"),
		CredentialID: token,
		ClientAddr:   h.clientAddr(r),
		Raw:          body,
	})
	if err != nil {
		log.Debug("rejecting malformed batch", logging.SourceID(sourceID), logging.Error(err))
		if errors.Is(err, models.ErrNoRecords) {
			sendError(w, hec.ErrNoData, http.StatusBadRequest)
			return
		}
		sendError(w, hec.ErrInvalidEvent, http.StatusBadRequest)
		return
	}

	writeResult(w, res, log)
}

// writeResult maps an ingest outcome to the wire.
func writeResult(w http.ResponseWriter, res service.Result, log *slog.Logger) {
	switch res.Outcome {
	case service.OutcomeAccepted:
		writeResponse(w, http.StatusOK, hec.Response{Text: "Success", Code: 0, Accepted: res.Accepted})
	case service.OutcomeBackpressure:
		secs := int(res.RetryAfter.Seconds())
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		writeResponse(w, http.StatusServiceUnavailable, hec.Response{
			Text:       hec.ErrServerBusy.Text,
			Code:       hec.ErrServerBusy.Code,
			Accepted:   res.Accepted,
			Reason:     string(models.ReasonBackpressure),
			RetryAfter: secs,
		})
	default:
		hecErr, status := rejection(res.Reason)
		if status >= 500 {
			log.Error("batch rejected", logging.Reason(string(res.Reason)))
		}
		writeResponse(w, status, hec.Response{Text: hecErr.Text, Code: hecErr.Code, Reason: string(res.Reason)})
	}
}

func rejection(reason models.Reason) (*hec.HECError, int) {
	switch reason {
	case models.ReasonDisabled:
		return hec.ErrSourceDisabled, http.StatusForbidden
	case models.ReasonIPNotAllowed:
		return hec.ErrIPNotAllowed, http.StatusForbidden
	case models.ReasonRateLimit:
		return hec.ErrRateLimited, http.StatusTooManyRequests
	case models.ReasonDuplicate:
		return hec.ErrDuplicate, http.StatusConflict
	default:
		return hec.ErrInternal, http.StatusInternalServerError
	}
}

func writeResponse(w http.ResponseWriter, status int, resp hec.Response) {
	httputil.WriteJSON(w, status, resp)
}

func sendError(w http.ResponseWriter, hecErr *hec.HECError, status int) {
	writeResponse(w, status, hec.Response{Text: hecErr.Text, Code: hecErr.Code})
}

func headerOrQuery(r *http.Request, header, param string) string {
	if v := strings.TrimSpace(r.Header.Get(header)); v != "" {
		return v
	}
	return strings.TrimSpace(r.URL.Query().Get(param))
}

// clientAddr is the address the source allow-list is checked against.
// Forwarding headers count only when the TCP peer is a trusted proxy, and
// X-Forwarded-For is read right to left, skipping trusted hops, so a client
// cannot prepend its own entry.
func (h *FlowHandler) clientAddr(r *http.Request) string {
	peer, ok := admission.ParseClientAddr(r.RemoteAddr)
	if !ok || !h.trustedProxy(peer) {
		return r.RemoteAddr
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		hops := strings.Split(xff, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(hops[i])
			addr, ok := admission.ParseClientAddr(hop)
			if !ok || !h.trustedProxy(addr) {
				return hop
			}
		}
		return strings.TrimSpace(hops[0])
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	return r.RemoteAddr
}

func (h *FlowHandler) trustedProxy(addr netip.Addr) bool {
	for _, p := range h.cfg.TrustedProxies {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
