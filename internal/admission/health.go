package admission

import (
	"sync/atomic"
	"time"

	"github.com/telhawk-systems/flowguard/internal/ratelimit"
)

// SourceHealth is a rolling view of one source's traffic.
type SourceHealth struct {
	SourceID      string    `json:"source_id"`
	EPS           float64   `json:"eps"`
	ErrorRate     float64   `json:"error_rate"`
	AdmittedTotal int64     `json:"admitted_total"`
	DroppedTotal  int64     `json:"dropped_total"`
	LastSeen      time.Time `json:"last_seen"`
}

type sourceHealth struct {
	admitted *ratelimit.Window
	dropped  *ratelimit.Window

	admittedTotal atomic.Int64
	droppedTotal  atomic.Int64
	lastSeen      atomic.Int64
}

func newSourceHealth() *sourceHealth {
	return &sourceHealth{
		admitted: ratelimit.NewWindow(epsWindow),
		dropped:  ratelimit.NewWindow(epsWindow),
	}
}

func (h *sourceHealth) observe(now time.Time, admitted bool, n int64) {
	if admitted {
		h.admitted.Add(now, n)
		h.admittedTotal.Add(n)
	} else {
		h.dropped.Add(now, n)
		h.droppedTotal.Add(n)
	}
	h.lastSeen.Store(now.UnixNano())
}

func (h *sourceHealth) snapshot(id string, now time.Time) SourceHealth {
	ok := h.admitted.Sum(now)
	bad := h.dropped.Sum(now)

	s := SourceHealth{
		SourceID:      id,
		EPS:           float64(ok) / epsWindow.Seconds(),
		AdmittedTotal: h.admittedTotal.Load(),
		DroppedTotal:  h.droppedTotal.Load(),
		LastSeen:      time.Unix(0, h.lastSeen.Load()).UTC(),
	}
	if ok+bad > 0 {
		s.ErrorRate = float64(bad) / float64(ok+bad)
	}
	return s
}

// Health returns the rolling estimate for a source seen in the last few
// minutes.
func (c *Controller) Health(sourceID string) (SourceHealth, bool) {
	h, ok := c.health.Get(sourceID)
	if !ok {
		return SourceHealth{}, false
	}
	return h.snapshot(sourceID, c.now()), true
}
