// Package registry owns the authoritative in-memory view of live call
// sessions. Every accepted mutation bumps the session version and publishes
// exactly one event carrying a full snapshot; consumers never diff.
package registry

import (
	"strings"
	"sync"
	"time"

	"github.com/apexsec/dispatch/pkg/core"
	"github.com/apexsec/dispatch/pkg/core/call"
)

type EventKind string

const (
	EventCallStarted    EventKind = "call_started"
	EventCallUpdate     EventKind = "call_update"
	EventTranscription  EventKind = "transcription"
	EventHumanTakeover  EventKind = "human_takeover"
	EventEmergencyAlert EventKind = "emergency_alert"
	EventCallEnded      EventKind = "call_ended"
)

// Event is one broadcastable state change. Session is always a snapshot the
// receiver may retain.
type Event struct {
	Kind    EventKind
	Session *call.Session
	// Entry is set for transcription events.
	Entry *call.TranscriptEntry
	// RequestID echoes the intervention request that caused the change.
	RequestID string
	// Reason carries the takeover reason / escalation code / end reason.
	Reason string
	// Priority marks frames that must preempt queued normal traffic.
	Priority bool
}

// Sink receives events. Publish must not block; the monitor hub enqueues.
type Sink interface {
	Publish(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Publish(ev Event) { f(ev) }

type entry struct {
	mu sync.Mutex
	s  *call.Session

	// Consecutive AI transcript entries below the SOP confidence threshold.
	lowConfidenceRun int
}

// Registry is the in-process session table. A per-call lock serializes
// concurrent interventions so exactly one of two simultaneous takeovers wins.
type Registry struct {
	mu   sync.RWMutex
	byID map[string]*entry

	sink Sink
	now  func() time.Time

	// AI confidence below this counts toward the low-confidence run.
	lowConfidenceThreshold float64
}

type Option func(*Registry)

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func WithLowConfidenceThreshold(v float64) Option {
	return func(r *Registry) { r.lowConfidenceThreshold = v }
}

func New(sink Sink, opts ...Option) *Registry {
	r := &Registry{
		byID:                   make(map[string]*entry),
		sink:                   sink,
		now:                    time.Now,
		lowConfidenceThreshold: 0.7,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.sink == nil {
		r.sink = SinkFunc(func(Event) {})
	}
	return r
}

// StartCall registers a new session in the initiated state. The call id may
// be supplied by the telephony source; when empty one is minted.
func (r *Registry) StartCall(callID, caller, propertyID string) (*call.Session, error) {
	if callID == "" {
		callID = core.NewCallID()
	}
	if strings.TrimSpace(caller) == "" {
		return nil, core.NewInvalidRequestErrorWithParam("caller is required", "caller")
	}

	s := &call.Session{
		CallID:     callID,
		Caller:     caller,
		PropertyID: propertyID,
		State:      call.StateInitiated,
		Version:    1,
		StartedAt:  r.now().UTC(),
	}

	r.mu.Lock()
	if _, exists := r.byID[callID]; exists {
		r.mu.Unlock()
		return nil, core.NewDuplicateRequestError(callID, "start")
	}
	r.byID[callID] = &entry{s: s}
	r.mu.Unlock()

	snap := s.Snapshot()
	r.sink.Publish(Event{Kind: EventCallStarted, Session: snap, Priority: true})
	return snap, nil
}

func (r *Registry) get(callID string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.byID[callID]
	r.mu.RUnlock()
	if !ok {
		return nil, &core.Error{
			Type:    core.ErrNotFound,
			Message: "unknown call",
			CallID:  callID,
		}
	}
	return e, nil
}

// transition applies the state change under the per-call lock. mutate runs
// after the state is updated and before the version bump.
func (e *entry) transition(to call.State, mutate func(*call.Session)) error {
	if !call.CanTransition(e.s.State, to) {
		return core.NewStaleSessionError(e.s.CallID,
			"cannot move from "+string(e.s.State)+" to "+string(to))
	}
	e.s.State = to
	if mutate != nil {
		mutate(e.s)
	}
	e.s.Version++
	return nil
}

// ApplyAIProgress records a pipeline confidence update and optionally moves
// initiated calls into ai_handling. incidentType, when non-empty, records the
// pipeline's classification for SOP lookups.
func (r *Registry) ApplyAIProgress(callID string, confidence float64, incidentType string) (*call.Session, error) {
	e, err := r.get(callID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.s.State.Terminal() {
		return nil, core.NewStaleSessionError(callID, "call already ended")
	}
	if e.s.State == call.StateInitiated {
		if err := e.transition(call.StateAIHandling, nil); err != nil {
			return nil, err
		}
	} else {
		e.s.Version++
	}
	e.s.ConfidenceScore = confidence
	if incidentType != "" {
		e.s.IncidentType = incidentType
	}

	snap := e.s.Snapshot()
	r.sink.Publish(Event{Kind: EventCallUpdate, Session: snap, Priority: true})
	return snap, nil
}

// AppendTranscript merges entries idempotently. Duplicate entries are
// silently dropped; only genuinely new entries bump the version and publish.
func (r *Registry) AppendTranscript(callID string, entries ...call.TranscriptEntry) (*call.Session, int, error) {
	e, err := r.get(callID)
	if err != nil {
		return nil, 0, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.s.State.Terminal() {
		return nil, 0, core.NewStaleSessionError(callID, "call already ended")
	}

	added := 0
	var fresh []call.TranscriptEntry
	for _, te := range entries {
		if !te.Speaker.Valid() {
			return nil, 0, core.NewInvalidRequestErrorWithParam("unknown speaker", "speaker")
		}
		if e.s.Transcript.Contains(te) {
			continue
		}
		e.s.Transcript, _ = e.s.Transcript.Append(te)
		fresh = append(fresh, te)
		added++

		if te.Speaker == call.SpeakerAI && te.Confidence != nil {
			if *te.Confidence < r.lowConfidenceThreshold {
				e.lowConfidenceRun++
			} else {
				e.lowConfidenceRun = 0
			}
		}
	}
	if added == 0 {
		return e.s.Snapshot(), 0, nil
	}
	e.s.Version++

	snap := e.s.Snapshot()
	for i := range fresh {
		te := fresh[i]
		r.sink.Publish(Event{Kind: EventTranscription, Session: snap, Entry: &te})
	}
	return snap, added, nil
}

// LowConfidenceRun reports the current consecutive low-confidence AI turn
// count for the call. Used by the intervention engine to suggest escalation.
func (r *Registry) LowConfidenceRun(callID string) (int, error) {
	e, err := r.get(callID)
	if err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lowConfidenceRun, nil
}

// Takeover moves the call to human_takeover on behalf of operatorID.
// Re-applying a takeover by the same operator reports the current snapshot
// without error so acknowledgment retries stay idempotent.
func (r *Registry) Takeover(callID, operatorID, reason, requestID string) (*call.Session, error) {
	e, err := r.get(callID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.s.State == call.StateHumanTakeover && e.s.OperatorID == operatorID {
		return e.s.Snapshot(), nil
	}

	now := r.now().UTC()
	if err := e.transition(call.StateHumanTakeover, func(s *call.Session) {
		s.HumanTakeover = true
		s.TakeoverAt = &now
		s.OperatorID = operatorID
	}); err != nil {
		return nil, err
	}

	snap := e.s.Snapshot()
	r.sink.Publish(Event{
		Kind:      EventHumanTakeover,
		Session:   snap,
		RequestID: requestID,
		Reason:    reason,
		Priority:  true,
	})
	return snap, nil
}

// Escalate moves the call to escalated. incidentID, when non-empty, is
// written back onto the session.
func (r *Registry) Escalate(callID, escalationCode, incidentID, requestID string) (*call.Session, error) {
	e, err := r.get(callID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.s.State == call.StateEscalated && e.s.EscalationReason == escalationCode {
		return e.s.Snapshot(), nil
	}

	if err := e.transition(call.StateEscalated, func(s *call.Session) {
		s.EscalationReason = escalationCode
		if incidentID != "" {
			s.IncidentID = incidentID
		}
	}); err != nil {
		return nil, err
	}

	snap := e.s.Snapshot()
	r.sink.Publish(Event{
		Kind:      EventEmergencyAlert,
		Session:   snap,
		RequestID: requestID,
		Reason:    escalationCode,
		Priority:  true,
	})
	return snap, nil
}

// EndCall moves the call to a terminal state (completed, abandoned, failed).
func (r *Registry) EndCall(callID string, final call.State, reason, requestID string) (*call.Session, error) {
	switch final {
	case call.StateCompleted, call.StateAbandoned, call.StateFailed:
	default:
		return nil, core.NewInvalidRequestErrorWithParam("final state must be terminal", "state")
	}

	e, err := r.get(callID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.s.State == final {
		return e.s.Snapshot(), nil
	}

	now := r.now().UTC()
	if err := e.transition(final, func(s *call.Session) {
		s.EndedAt = &now
	}); err != nil {
		return nil, err
	}

	snap := e.s.Snapshot()
	r.sink.Publish(Event{
		Kind:      EventCallEnded,
		Session:   snap,
		RequestID: requestID,
		Reason:    reason,
		Priority:  true,
	})
	return snap, nil
}

// Snapshot returns a copy of the session without its transcript.
func (r *Registry) Snapshot(callID string) (*call.Session, error) {
	e, err := r.get(callID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.s.Snapshot(), nil
}

// TranscriptOf returns a copy of the call's transcript.
func (r *Registry) TranscriptOf(callID string) (call.Transcript, error) {
	e, err := r.get(callID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.s.Transcript.Clone(), nil
}

// ActiveCalls lists snapshots of all non-terminal sessions.
func (r *Registry) ActiveCalls() []*call.Session {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.byID))
	for _, e := range r.byID {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]*call.Session, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.s.State.Terminal() {
			out = append(out, e.s.Snapshot())
		}
		e.mu.Unlock()
	}
	return out
}

// Sweep removes terminal sessions older than keep, returning how many were
// dropped. The durable call log keeps their history.
func (r *Registry) Sweep(keep time.Duration) int {
	cutoff := r.now().Add(-keep)
	r.mu.Lock()
	defer r.mu.Unlock()

	dropped := 0
	for id, e := range r.byID {
		e.mu.Lock()
		gone := e.s.State.Terminal() && e.s.EndedAt != nil && e.s.EndedAt.Before(cutoff)
		e.mu.Unlock()
		if gone {
			delete(r.byID, id)
			dropped++
		}
	}
	return dropped
}
