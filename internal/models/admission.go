package models

// Reason is the machine-readable cause attached to admission outcomes.
type Reason string

const (
	ReasonOK             Reason = "ok"
	ReasonDisabled       Reason = "disabled"
	ReasonIPNotAllowed   Reason = "ip_not_allowed"
	ReasonRateLimit      Reason = "rate_limit"
	ReasonDuplicate      Reason = "duplicate"
	ReasonAdmissionError Reason = "admission_error"
	ReasonBackpressure   Reason = "backpressure"
)

// AdmissionDecision is computed once per batch and never persisted.
type AdmissionDecision struct {
	Allowed bool   `json:"allowed"`
	Reason  Reason `json:"reason"`
}

// Admit is the decision for a batch that may proceed.
func Admit() AdmissionDecision {
	return AdmissionDecision{Allowed: true, Reason: ReasonOK}
}

// Reject builds a blocking decision with the given reason.
func Reject(reason Reason) AdmissionDecision {
	return AdmissionDecision{Allowed: false, Reason: reason}
}
