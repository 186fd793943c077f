package dispatch

import (
	"context"
	"time"

	"github.com/apexsec/dispatch/pkg/core"
	"github.com/apexsec/dispatch/pkg/core/call"
	"github.com/apexsec/dispatch/pkg/gateway/monitor/protocol"
)

// recentInterventionCap bounds the resolved-request history kept for
// dashboards; older entries fall off the front.
const recentInterventionCap = 32

type pendingKey struct {
	callID string
	kind   call.InterventionKind
}

type pendingOutcome struct {
	session *call.Session
	err     error
}

// RequestTakeover asks to pull the call from the AI. The reason must come
// from the takeover taxonomy (custom requires detail); validation failures
// are reported locally without a round trip. The call blocks until the
// server acknowledges with a human_takeover event, rejects the request, or
// the request timeout elapses. A timed-out request is abandoned; retrying
// is a brand-new request.
func (ch *Channel) RequestTakeover(ctx context.Context, callID string, reason call.TakeoverReason, detail string) (*call.Session, error) {
	if err := call.ValidateTakeoverReason(reason, detail); err != nil {
		return nil, core.NewInvalidRequestErrorWithParam(err.Error(), "reason")
	}
	requestID, resultCh, err := ch.registerPending(callID, call.KindTakeover, string(reason), detail, reason.Priority())
	if err != nil {
		return nil, err
	}
	sendErr := ch.sendCommand(protocol.ClientRequestTakeover{
		Type:      protocol.TypeRequestTakeover,
		CallID:    callID,
		RequestID: requestID,
		Reason:    string(reason),
		Detail:    detail,
	})
	if sendErr != nil {
		ch.dropPending(requestID)
		return nil, sendErr
	}
	return ch.awaitAck(ctx, callID, requestID, resultCh)
}

// Escalation is a pending escalation produced by BeginEscalation. Nothing
// reaches the wire until Confirm: for critical types this records the
// operator's explicit second step; for the rest Confirm is simply the
// send.
type Escalation struct {
	ch     *Channel
	callID string
	esc    call.EscalationType
	detail string
}

// Type returns the resolved escalation taxonomy entry.
func (e *Escalation) Type() call.EscalationType { return e.esc }

// RequiresConfirmation reports whether this escalation needs the explicit
// operator confirmation step.
func (e *Escalation) RequiresConfirmation() bool { return e.esc.RequiresConfirmation }

// BeginEscalation validates the escalation type and returns a handle.
// The request is not sent yet.
func (ch *Channel) BeginEscalation(callID, escalationType, detail string) (*Escalation, error) {
	esc, ok := call.LookupEscalationType(escalationType)
	if !ok {
		return nil, core.NewInvalidRequestErrorWithParam("unknown escalation type", "escalation_type")
	}
	return &Escalation{ch: ch, callID: callID, esc: esc, detail: detail}, nil
}

// Confirm records the operator confirmation and sends the escalation,
// blocking until the emergency_alert acknowledgment, a rejection, or
// timeout.
func (e *Escalation) Confirm(ctx context.Context) (*call.Session, error) {
	ch := e.ch
	requestID, resultCh, err := ch.registerPending(e.callID, call.KindEscalation, e.esc.Code, e.detail, e.esc.EmergencyLevel)
	if err != nil {
		return nil, err
	}
	sendErr := ch.sendCommand(protocol.ClientEmergencyEscalate{
		Type:           protocol.TypeEmergencyEscalate,
		CallID:         e.callID,
		RequestID:      requestID,
		EscalationType: e.esc.Code,
		Detail:         e.detail,
		Confirmed:      true,
	})
	if sendErr != nil {
		ch.dropPending(requestID)
		return nil, sendErr
	}
	return ch.awaitAck(ctx, e.callID, requestID, resultCh)
}

// EndCall is a pending end-call handle; ending always requires the
// explicit Confirm step.
type EndCall struct {
	ch     *Channel
	callID string
	final  call.State
	reason string
}

// BeginEndCall prepares an end-call request. final may be empty
// (completed) or any terminal state.
func (ch *Channel) BeginEndCall(callID string, final call.State, reason string) (*EndCall, error) {
	if final != "" && !final.Terminal() {
		return nil, core.NewInvalidRequestErrorWithParam("final state must be terminal", "final_state")
	}
	return &EndCall{ch: ch, callID: callID, final: final, reason: reason}, nil
}

// Confirm sends the end-call command and blocks until the call_ended
// acknowledgment, a rejection, or timeout.
func (e *EndCall) Confirm(ctx context.Context) (*call.Session, error) {
	ch := e.ch
	final := e.final
	if final == "" {
		final = call.StateCompleted
	}
	requestID, resultCh, err := ch.registerPending(e.callID, call.KindEndCall, string(final), e.reason, call.PriorityMedium)
	if err != nil {
		return nil, err
	}
	sendErr := ch.sendCommand(protocol.ClientEndCall{
		Type:       protocol.TypeEndCall,
		CallID:     e.callID,
		RequestID:  requestID,
		FinalState: string(e.final),
		Reason:     e.reason,
	})
	if sendErr != nil {
		ch.dropPending(requestID)
		return nil, sendErr
	}
	return ch.awaitAck(ctx, e.callID, requestID, resultCh)
}

// registerPending reserves the (call, kind) slot. A second request of the
// same kind while one is pending is rejected locally.
func (ch *Channel) registerPending(callID string, kind call.InterventionKind, reasonCode, detail string, prio call.Priority) (string, chan pendingOutcome, error) {
	if !ch.authenticated.Load() {
		return "", nil, core.NewNotConnectedError("channel is not authenticated")
	}
	ch.pendMu.Lock()
	defer ch.pendMu.Unlock()
	key := pendingKey{callID: callID, kind: kind}
	if _, exists := ch.pending[key]; exists {
		return "", nil, core.NewDuplicateRequestError(callID, string(kind))
	}
	requestID := core.NewRequestID()
	ch.pending[key] = &call.InterventionRequest{
		RequestID:  requestID,
		CallID:     callID,
		Kind:       kind,
		ReasonCode: reasonCode,
		Detail:     detail,
		Priority:   prio,
		Status:     call.StatusPending,
		CreatedAt:  time.Now(),
	}
	resultCh := make(chan pendingOutcome, 1)
	ch.pendingCh[requestID] = resultCh
	return requestID, resultCh, nil
}

// dropPending forgets a request that never reached the wire. It leaves no
// trace in the resolved history.
func (ch *Channel) dropPending(requestID string) {
	ch.pendMu.Lock()
	defer ch.pendMu.Unlock()
	delete(ch.pendingCh, requestID)
	for key, req := range ch.pending {
		if req.RequestID == requestID {
			delete(ch.pending, key)
			break
		}
	}
}

// retirePending moves an in-flight request into the resolved history and
// returns its waiting channel, if any. Caller holds no locks.
func (ch *Channel) retirePending(requestID string, status call.InterventionStatus, failReason string) (chan pendingOutcome, bool) {
	ch.pendMu.Lock()
	defer ch.pendMu.Unlock()
	resultCh, ok := ch.pendingCh[requestID]
	delete(ch.pendingCh, requestID)
	for key, req := range ch.pending {
		if req.RequestID != requestID {
			continue
		}
		delete(ch.pending, key)
		ch.recordResolvedLocked(*req, status, failReason)
		break
	}
	return resultCh, ok
}

func (ch *Channel) recordResolvedLocked(req call.InterventionRequest, status call.InterventionStatus, failReason string) {
	now := time.Now()
	req.Status = status
	req.ResolvedAt = &now
	req.FailReason = failReason
	ch.recent = append(ch.recent, req)
	if len(ch.recent) > recentInterventionCap {
		ch.recent = ch.recent[len(ch.recent)-recentInterventionCap:]
	}
}

// resolvePending hands the server's answer to the waiting caller.
func (ch *Channel) resolvePending(requestID string, out pendingOutcome) bool {
	if requestID == "" {
		return false
	}
	status := call.StatusAcknowledged
	failReason := ""
	if out.err != nil {
		status = call.StatusFailed
		failReason = out.err.Error()
	}
	resultCh, ok := ch.retirePending(requestID, status, failReason)
	if !ok {
		return false
	}
	resultCh <- out
	return true
}

func (ch *Channel) failAllPending(err error) {
	ch.pendMu.Lock()
	chans := make([]chan pendingOutcome, 0, len(ch.pendingCh))
	for _, c := range ch.pendingCh {
		chans = append(chans, c)
	}
	for _, req := range ch.pending {
		ch.recordResolvedLocked(*req, call.StatusFailed, err.Error())
	}
	ch.pendingCh = make(map[string]chan pendingOutcome)
	ch.pending = make(map[pendingKey]*call.InterventionRequest)
	ch.pendMu.Unlock()
	for _, c := range chans {
		c <- pendingOutcome{err: err}
	}
}

// PendingInterventions lists in-flight requests as copies.
func (ch *Channel) PendingInterventions() []call.InterventionRequest {
	ch.pendMu.Lock()
	defer ch.pendMu.Unlock()
	out := make([]call.InterventionRequest, 0, len(ch.pending))
	for _, req := range ch.pending {
		out = append(out, *req)
	}
	return out
}

// RecentInterventions lists resolved requests, oldest first. Every entry
// reports Status.Resolved() true.
func (ch *Channel) RecentInterventions() []call.InterventionRequest {
	ch.pendMu.Lock()
	defer ch.pendMu.Unlock()
	out := make([]call.InterventionRequest, len(ch.recent))
	copy(out, ch.recent)
	return out
}

func (ch *Channel) awaitAck(ctx context.Context, callID, requestID string, resultCh chan pendingOutcome) (*call.Session, error) {
	timer := time.NewTimer(ch.cfg.requestTimeout)
	defer timer.Stop()
	select {
	case out := <-resultCh:
		if out.err != nil {
			ch.logInterventionFailure(callID, requestID, out.err)
			return nil, out.err
		}
		return out.session, nil
	case <-timer.C:
		err := core.NewTimeoutError(callID, requestID)
		ch.retirePending(requestID, call.StatusTimedOut, err.Error())
		ch.logInterventionFailure(callID, requestID, err)
		return nil, err
	case <-ctx.Done():
		ch.retirePending(requestID, call.StatusFailed, ctx.Err().Error())
		return nil, ctx.Err()
	case <-ch.closeCh:
		err := core.NewNotConnectedError("channel closed")
		ch.retirePending(requestID, call.StatusFailed, err.Error())
		return nil, err
	}
}

func (ch *Channel) logInterventionFailure(callID, requestID string, err error) {
	if ch.cfg.logger == nil {
		return
	}
	ch.cfg.logger.Warn("intervention failed",
		"call_id", callID, "request_id", requestID, "error", err)
}
