package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/telhawk-systems/flowguard/internal/metrics"
	"github.com/telhawk-systems/flowguard/internal/models"
)

// Stage names, in execution order.
const (
	StageEnrichGeo   = "enrich_geo"
	StageThreatMatch = "threat_match"
	StageRiskScore   = "risk_score"
	StagePersist     = "persist"
	StageDispatch    = "dispatch"
)

type ErrorKind string

const (
	KindTimeout   ErrorKind = "timeout"
	KindException ErrorKind = "exception"
)

// StageFunc processes one record in place.
type StageFunc func(ctx context.Context, rec *models.Record) error

type Stage struct {
	Name string
	Run  StageFunc
}

// StageError is the classified failure of one stage for one record.
type StageError struct {
	Stage string
	Kind  ErrorKind
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s %s: %v", e.Stage, e.Kind, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// runStage executes st under its own deadline. The stage body runs on a
// separate goroutine so a stage that ignores ctx still releases the worker
// when the deadline passes. Panics are recovered and reported as exceptions.
func runStage(parent context.Context, st Stage, rec *models.Record, timeout time.Duration) *StageError {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic: %v", r)
			}
		}()
		done <- st.Run(ctx, rec)
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	metrics.StageDuration.WithLabelValues(st.Name).Observe(time.Since(start).Seconds())

	if err == nil {
		return nil
	}
	kind := KindException
	if errors.Is(err, context.DeadlineExceeded) {
		kind = KindTimeout
	}
	return &StageError{Stage: st.Name, Kind: kind, Err: err}
}
