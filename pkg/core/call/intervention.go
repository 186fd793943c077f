package call

import (
	"time"
)

// InterventionKind distinguishes the operator operations.
type InterventionKind string

const (
	KindTakeover   InterventionKind = "takeover"
	KindEscalation InterventionKind = "escalation"
	KindEndCall    InterventionKind = "end_call"
)

// InterventionStatus tracks a request from creation to resolution.
type InterventionStatus string

const (
	StatusPending      InterventionStatus = "pending"
	StatusAcknowledged InterventionStatus = "acknowledged"
	StatusFailed       InterventionStatus = "failed"
	StatusTimedOut     InterventionStatus = "timed_out"
)

// Resolved reports whether the status is final.
func (s InterventionStatus) Resolved() bool {
	return s == StatusAcknowledged || s == StatusFailed || s == StatusTimedOut
}

// InterventionRequest is one takeover, escalation, or end-call attempt.
// Created client-side with a client-generated RequestID; resolved when the
// matching server acknowledgment (or a failure/timeout) arrives. At most one
// pending request of a given kind may exist per call.
type InterventionRequest struct {
	RequestID  string             `json:"request_id"`
	CallID     string             `json:"call_id"`
	Kind       InterventionKind   `json:"kind"`
	ReasonCode string             `json:"reason_code"`
	Detail     string             `json:"detail,omitempty"`
	Priority   Priority           `json:"priority"`
	Status     InterventionStatus `json:"status"`
	CreatedAt  time.Time          `json:"created_at"`
	ResolvedAt *time.Time         `json:"resolved_at,omitempty"`
	FailReason string             `json:"fail_reason,omitempty"`
}
