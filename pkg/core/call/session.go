package call

import (
	"time"
)

// Session is the server-owned record of one call. Monitoring clients hold
// read-only projections; all mutation happens through the gateway registry,
// which bumps Version on every accepted change so projections can discard
// stale snapshots.
type Session struct {
	CallID     string `json:"call_id"`
	Caller     string `json:"caller"`
	PropertyID string `json:"property_id,omitempty"`

	State   State `json:"state"`
	Version int64 `json:"version"`

	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	// ConfidenceScore is the last AI confidence observed, in [0, 1].
	ConfidenceScore float64 `json:"confidence_score"`

	HumanTakeover bool       `json:"human_takeover"`
	TakeoverAt    *time.Time `json:"takeover_at,omitempty"`
	OperatorID    string     `json:"operator_id,omitempty"`

	// IncidentType is the AI pipeline's classification (matches SOP entries).
	IncidentType string `json:"incident_type,omitempty"`

	EscalationReason string `json:"escalation_reason,omitempty"`
	IncidentID       string `json:"incident_id,omitempty"`

	Transcript Transcript `json:"transcript,omitempty"`
}

// DurationSeconds is the elapsed call time, frozen at EndedAt once terminal.
func (s *Session) DurationSeconds(now time.Time) float64 {
	if s == nil || s.StartedAt.IsZero() {
		return 0
	}
	end := now
	if s.EndedAt != nil {
		end = *s.EndedAt
	}
	d := end.Sub(s.StartedAt)
	if d < 0 {
		return 0
	}
	return d.Seconds()
}

// Clone returns a deep copy safe to hand to other goroutines.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	if s.EndedAt != nil {
		t := *s.EndedAt
		out.EndedAt = &t
	}
	if s.TakeoverAt != nil {
		t := *s.TakeoverAt
		out.TakeoverAt = &t
	}
	out.Transcript = s.Transcript.Clone()
	return &out
}

// Snapshot is Clone minus the transcript, for broadcasts where the transcript
// travels as its own event stream.
func (s *Session) Snapshot() *Session {
	if s == nil {
		return nil
	}
	out := s.Clone()
	out.Transcript = nil
	return out
}
