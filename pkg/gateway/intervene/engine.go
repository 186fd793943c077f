// Package intervene applies operator interventions against the registry:
// validates preconditions and taxonomy, writes audit rows, mints incidents,
// and suggests (never executes) escalations from SOP thresholds.
package intervene

import (
	"context"
	"log/slog"
	"time"

	"github.com/apexsec/dispatch/pkg/core"
	"github.com/apexsec/dispatch/pkg/core/call"
	"github.com/apexsec/dispatch/pkg/gateway/registry"
	"github.com/apexsec/dispatch/pkg/gateway/sop"
	"github.com/apexsec/dispatch/pkg/gateway/store"
)

type Engine struct {
	reg    *registry.Registry
	sops   *sop.Source
	rec    store.Recorder
	logger *slog.Logger
	now    func() time.Time

	// Consecutive low-confidence AI turns before suggesting escalation.
	lowConfidenceEscalateMin int

	// Gateway-wide auto-escalate timing for procedures that leave
	// auto_escalate_after_minutes unset. Zero disables the fallback.
	autoEscalateDefault time.Duration
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithLowConfidenceEscalateMin(n int) Option {
	return func(e *Engine) { e.lowConfidenceEscalateMin = n }
}

func WithAutoEscalateDefault(d time.Duration) Option {
	return func(e *Engine) { e.autoEscalateDefault = d }
}

func New(reg *registry.Registry, sops *sop.Source, rec store.Recorder, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		reg:                      reg,
		sops:                     sops,
		rec:                      rec,
		logger:                   logger,
		now:                      time.Now,
		lowConfidenceEscalateMin: 3,
	}
	if e.rec == nil {
		e.rec = store.NoopRecorder{}
	}
	if e.logger == nil {
		e.logger = slog.New(slog.DiscardHandler)
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// TakeoverRequest is an operator claiming the call.
type TakeoverRequest struct {
	CallID     string
	OperatorID string
	Reason     call.TakeoverReason
	Detail     string
	RequestID  string
}

func (e *Engine) Takeover(ctx context.Context, req TakeoverRequest) (*call.Session, error) {
	if req.CallID == "" {
		return nil, core.NewInvalidRequestErrorWithParam("call_id is required", "call_id")
	}
	if req.OperatorID == "" {
		return nil, core.NewInvalidRequestErrorWithParam("operator_id is required", "operator_id")
	}
	if err := call.ValidateTakeoverReason(req.Reason, req.Detail); err != nil {
		return nil, core.NewInvalidRequestErrorWithParam(err.Error(), "reason")
	}

	snap, err := e.reg.Takeover(req.CallID, req.OperatorID, string(req.Reason), req.RequestID)
	e.audit(ctx, store.Audit{
		CallID:     req.CallID,
		RequestID:  req.RequestID,
		Kind:       call.KindTakeover,
		ReasonCode: string(req.Reason),
		Detail:     req.Detail,
		OperatorID: req.OperatorID,
	}, err, false)
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// EscalateRequest routes the call to an external responder path.
type EscalateRequest struct {
	CallID     string
	OperatorID string
	Code       string
	Detail     string
	RequestID  string
	// Confirmed must be true for escalation types that require an explicit
	// confirmation step (emergency_911). The SDK enforces the two-step flow;
	// the server enforces it again here.
	Confirmed bool
}

// EscalateResult carries the accepted escalation and any minted incident.
type EscalateResult struct {
	Session    *call.Session
	Type       call.EscalationType
	IncidentID string
}

func (e *Engine) Escalate(ctx context.Context, req EscalateRequest) (*EscalateResult, error) {
	if req.CallID == "" {
		return nil, core.NewInvalidRequestErrorWithParam("call_id is required", "call_id")
	}
	et, ok := call.LookupEscalationType(req.Code)
	if !ok {
		return nil, core.NewInvalidRequestErrorWithParam("unknown escalation type", "escalation_type")
	}
	if et.RequiresConfirmation && !req.Confirmed {
		return nil, core.NewInvalidRequestErrorWithParam(
			"escalation type requires explicit confirmation", "confirmed")
	}

	incidentID := ""
	if et.CreatesIncident {
		if snap, err := e.reg.Snapshot(req.CallID); err == nil && snap.IncidentID != "" {
			incidentID = snap.IncidentID
		} else {
			incidentID = core.NewIncidentID()
		}
	}

	snap, err := e.reg.Escalate(req.CallID, et.Code, incidentID, req.RequestID)
	critical := et.EmergencyLevel == call.PriorityCritical
	auditErr := e.audit(ctx, store.Audit{
		CallID:     req.CallID,
		RequestID:  req.RequestID,
		Kind:       call.KindEscalation,
		ReasonCode: et.Code,
		Detail:     req.Detail,
		OperatorID: req.OperatorID,
		IncidentID: incidentID,
	}, err, critical)
	if err != nil {
		return nil, err
	}
	// A critical escalation without its audit trail is not acknowledged.
	if critical && auditErr != nil {
		return nil, core.NewInternalError("escalation accepted but audit write failed")
	}
	return &EscalateResult{Session: snap, Type: et, IncidentID: snap.IncidentID}, nil
}

// FinishRequest ends a call in a terminal state. Final defaults to completed.
type FinishRequest struct {
	CallID     string
	OperatorID string
	Final      call.State
	Reason     string
	RequestID  string
}

func (e *Engine) FinishCall(ctx context.Context, req FinishRequest) (*call.Session, error) {
	if req.CallID == "" {
		return nil, core.NewInvalidRequestErrorWithParam("call_id is required", "call_id")
	}
	final := req.Final
	if final == "" {
		final = call.StateCompleted
	}

	// Transcript is captured before the sweep can drop the session.
	transcript, trErr := e.reg.TranscriptOf(req.CallID)

	snap, err := e.reg.EndCall(req.CallID, final, req.Reason, req.RequestID)
	e.audit(ctx, store.Audit{
		CallID:     req.CallID,
		RequestID:  req.RequestID,
		Kind:       call.KindEndCall,
		ReasonCode: string(final),
		Detail:     req.Reason,
		OperatorID: req.OperatorID,
	}, err, false)
	if err != nil {
		return nil, err
	}

	if trErr != nil {
		transcript = nil
	}
	if err := e.rec.RecordCallSummary(ctx, snap, transcript, req.Reason); err != nil {
		e.logger.Error("call summary write failed",
			"call_id", req.CallID, "request_id", req.RequestID, "error", err)
	}
	return snap, nil
}

// Suggestion is a non-binding escalation recommendation. A human confirms.
type Suggestion struct {
	Type   call.EscalationType
	Reason string
}

// SuggestEscalation inspects the session against its SOP entry and reports
// whether the engine would escalate. It never executes the escalation.
func (e *Engine) SuggestEscalation(s *call.Session) (Suggestion, bool) {
	if s == nil || s.State != call.StateAIHandling {
		return Suggestion{}, false
	}
	proc, _ := e.sops.Lookup(s.IncidentType)

	et, ok := call.LookupEscalationType(proc.EscalationType)
	if !ok {
		et, _ = call.LookupEscalationType("supervisor_notify")
	}

	limit := e.autoEscalateDefault
	if proc.AutoEscalateAfterMinutes > 0 {
		limit = time.Duration(proc.AutoEscalateAfterMinutes) * time.Minute
	}
	if limit > 0 && e.now().Sub(s.StartedAt) >= limit {
		return Suggestion{Type: et, Reason: "ai_handling_over_time_budget"}, true
	}

	if e.lowConfidenceEscalateMin > 0 {
		run, err := e.reg.LowConfidenceRun(s.CallID)
		if err == nil && run >= e.lowConfidenceEscalateMin {
			return Suggestion{Type: et, Reason: "repeated_low_confidence"}, true
		}
	}

	if proc.HumanTakeoverThreshold > 0 && s.ConfidenceScore > 0 && s.ConfidenceScore < proc.HumanTakeoverThreshold {
		return Suggestion{Type: et, Reason: "confidence_below_sop_threshold"}, true
	}

	return Suggestion{}, false
}

// audit writes one row per attempt. Returns the write error so critical
// paths can refuse to acknowledge without their trail.
func (e *Engine) audit(ctx context.Context, a store.Audit, opErr error, critical bool) error {
	a.CreatedAt = e.now().UTC()
	if opErr != nil {
		a.Outcome = "failed"
		a.FailReason = opErr.Error()
	} else {
		a.Outcome = "acknowledged"
	}
	if err := e.rec.RecordIntervention(ctx, a); err != nil {
		e.logger.Error("intervention audit write failed",
			"call_id", a.CallID, "request_id", a.RequestID, "kind", a.Kind,
			"critical", critical, "error", err)
		return err
	}
	return nil
}
