package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/apexsec/dispatch/pkg/core"
	"github.com/apexsec/dispatch/pkg/core/call"
	"github.com/apexsec/dispatch/pkg/gateway/monitor/protocol"
)

// ChannelState is one step of the bounded connection state machine.
type ChannelState string

const (
	StateChannelDisconnected   ChannelState = "disconnected"
	StateChannelConnecting     ChannelState = "connecting"
	StateChannelAuthenticating ChannelState = "authenticating"
	StateChannelAuthenticated  ChannelState = "authenticated"
)

// ChannelEvent is delivered on the single ordered event stream returned
// by Channel.Events.
type ChannelEvent interface {
	channelEventType() string
}

// ConnStateEvent reports a connection state change. Err is set when the
// channel lands in disconnected after exhausting its retry budget or a
// fatal authentication rejection.
type ConnStateEvent struct {
	State ChannelState
	Err   error
}

func (e ConnStateEvent) channelEventType() string { return "conn_state" }

type CallStartedEvent struct{ Call *call.Session }

func (e CallStartedEvent) channelEventType() string { return protocol.TypeCallStarted }

type CallUpdateEvent struct{ Call *call.Session }

func (e CallUpdateEvent) channelEventType() string { return protocol.TypeCallUpdate }

type CallEndedEvent struct {
	Call   *call.Session
	Reason string
}

func (e CallEndedEvent) channelEventType() string { return protocol.TypeCallEnded }

type TranscriptionEvent struct {
	CallID string
	Entry  call.TranscriptEntry
}

func (e TranscriptionEvent) channelEventType() string { return protocol.TypeTranscription }

type TakeoverEvent struct {
	Call      *call.Session
	RequestID string
}

func (e TakeoverEvent) channelEventType() string { return protocol.TypeHumanTakeover }

type EmergencyAlertEvent struct {
	Call           *call.Session
	RequestID      string
	EscalationType string
	IncidentID     string
}

func (e EmergencyAlertEvent) channelEventType() string { return protocol.TypeEmergencyAlert }

// EscalationSuggestedEvent is the gateway's advisory that SOP thresholds
// favor escalating. Nothing happens unless an operator acts on it.
type EscalationSuggestedEvent struct {
	CallID         string
	EscalationType string
	Reason         string
}

func (e EscalationSuggestedEvent) channelEventType() string { return protocol.TypeEscalationSuggested }

type ActiveCallsEvent struct{ Calls []*call.Session }

func (e ActiveCallsEvent) channelEventType() string { return protocol.TypeActiveCallsUpdate }

type TranscriptHistoryEvent struct {
	CallID  string
	Entries call.Transcript
}

func (e TranscriptHistoryEvent) channelEventType() string { return protocol.TypeTranscriptHistory }

// ErrorEvent surfaces a server error frame that did not match a pending
// intervention.
type ErrorEvent struct {
	Code      string
	Message   string
	CallID    string
	RequestID string
	Retryable bool
}

func (e ErrorEvent) channelEventType() string { return protocol.TypeError }

// Status is a point-in-time view of the channel for dashboards.
type Status struct {
	State         ChannelState
	Connected     bool
	Authenticated bool
	LastLatencyMS int64
	Err           error
}

// Channel is one authenticated duplex connection to the gateway monitor
// endpoint. All inbound frames are processed by a single reader, so
// events, projection updates, and intervention acknowledgments are
// observed in server order.
type Channel struct {
	cfg *Client

	mu    sync.Mutex
	ws    *websocket.Conn
	state ChannelState
	err   error

	connected     atomic.Bool
	authenticated atomic.Bool
	lastLatencyMS atomic.Int64

	subMu      sync.Mutex
	subscribed map[string]struct{}
	subAll     bool

	pendMu    sync.Mutex
	pending   map[pendingKey]*call.InterventionRequest // (call, kind) -> open request
	pendingCh map[string]chan pendingOutcome           // request id -> resolver
	recent    []call.InterventionRequest               // resolved requests, oldest first

	events  chan ChannelEvent
	dropped atomic.Int64

	proj *Projection

	retryCh   chan struct{}
	closeCh   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newChannel(c *Client) *Channel {
	return &Channel{
		cfg:        c,
		state:      StateChannelDisconnected,
		subscribed: make(map[string]struct{}),
		pending:    make(map[pendingKey]*call.InterventionRequest),
		pendingCh:  make(map[string]chan pendingOutcome),
		events:     make(chan ChannelEvent, 256),
		proj:       newProjection(),
		retryCh:    make(chan struct{}, 1),
		closeCh:    make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Events yields channel events in arrival order. The channel is closed
// when the Channel shuts down.
func (ch *Channel) Events() <-chan ChannelEvent { return ch.events }

// Projection returns the client-side view of subscribed calls.
func (ch *Channel) Projection() *Projection { return ch.proj }

// Status reports connection state for status badges.
func (ch *Channel) Status() Status {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return Status{
		State:         ch.state,
		Connected:     ch.connected.Load(),
		Authenticated: ch.authenticated.Load(),
		LastLatencyMS: ch.lastLatencyMS.Load(),
		Err:           ch.err,
	}
}

// LastLatencyMS returns the most recent heartbeat round-trip in
// milliseconds, or zero before the first acknowledgment.
func (ch *Channel) LastLatencyMS() int64 { return ch.lastLatencyMS.Load() }

// Retry restarts connection attempts after the channel went terminally
// disconnected. The retry budget resets.
func (ch *Channel) Retry() {
	select {
	case ch.retryCh <- struct{}{}:
	default:
	}
}

// Close shuts the channel down and waits for the reader to exit.
func (ch *Channel) Close() error {
	ch.shutdown()
	<-ch.done
	return nil
}

func (ch *Channel) shutdown() {
	ch.closeOnce.Do(func() {
		close(ch.closeCh)
		ch.mu.Lock()
		ws := ch.ws
		ch.mu.Unlock()
		if ws != nil {
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(2*time.Second))
			_ = ws.Close()
		}
	})
}

func (ch *Channel) closed() bool {
	select {
	case <-ch.closeCh:
		return true
	default:
		return false
	}
}

// Subscribe asks the server for events on one call and records the id so
// a reconnect re-subscribes automatically.
func (ch *Channel) Subscribe(callID string) error {
	ch.subMu.Lock()
	ch.subscribed[callID] = struct{}{}
	ch.subMu.Unlock()
	return ch.sendCommand(protocol.ClientSubscribe{Type: protocol.TypeSubscribe, CallID: callID})
}

// Unsubscribe stops per-call delivery.
func (ch *Channel) Unsubscribe(callID string) error {
	ch.subMu.Lock()
	delete(ch.subscribed, callID)
	ch.subMu.Unlock()
	return ch.sendCommand(protocol.ClientUnsubscribe{Type: protocol.TypeUnsubscribe, CallID: callID})
}

// SubscribeAll asks for every call's events plus global ones.
func (ch *Channel) SubscribeAll() error {
	ch.subMu.Lock()
	ch.subAll = true
	ch.subMu.Unlock()
	return ch.sendCommand(protocol.ClientSubscribeAll{Type: protocol.TypeSubscribeAll})
}

// GetActiveCalls requests a fresh active-call snapshot; the reply arrives
// as an ActiveCallsEvent.
func (ch *Channel) GetActiveCalls() error {
	return ch.sendCommand(protocol.ClientGetActiveCalls{Type: protocol.TypeGetActiveCalls})
}

// GetTranscript requests history for a call the client subscribed to
// mid-flight. The reply merges into the projection and surfaces as a
// TranscriptHistoryEvent.
func (ch *Channel) GetTranscript(callID string) error {
	return ch.sendCommand(protocol.ClientGetTranscript{Type: protocol.TypeGetTranscript, CallID: callID})
}

// sendCommand writes a frame if and only if the channel is authenticated.
// Commands are never queued across reconnects.
func (ch *Channel) sendCommand(v any) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if !ch.authenticated.Load() || ch.ws == nil {
		return core.NewNotConnectedError("channel is not authenticated")
	}
	if err := ch.ws.WriteJSON(v); err != nil {
		return core.NewTransportError("write failed: " + err.Error())
	}
	return nil
}

// connectWithBackoff runs the dial+authenticate cycle, sleeping
// base*2^n between transport failures. Authentication rejections are
// fatal immediately.
func (ch *Channel) connectWithBackoff(ctx context.Context) error {
	var lastErr error
	for attempt := 0; attempt <= ch.cfg.maxRetries; attempt++ {
		if attempt > 0 {
			delay := ch.cfg.backoffBase << (attempt - 1)
			if delay > maxBackoff {
				delay = maxBackoff
			}
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			case <-ch.closeCh:
				return core.NewNotConnectedError("channel closed")
			}
		}
		err := ch.connectOnce(ctx)
		if err == nil {
			return nil
		}
		if core.IsType(err, core.ErrAuthentication) {
			ch.setDisconnected(err)
			return err
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = core.NewTransportError("connect failed")
	}
	ch.setDisconnected(lastErr)
	return lastErr
}

func (ch *Channel) connectOnce(ctx context.Context) error {
	ch.setState(StateChannelConnecting)

	ws, _, err := ch.cfg.dialer.DialContext(ctx, ch.cfg.endpoint, nil)
	if err != nil {
		return core.NewTransportError("dial failed: " + err.Error())
	}
	ch.connected.Store(true)

	ch.setState(StateChannelAuthenticating)
	auth := protocol.ClientAuthenticate{
		Type:            protocol.TypeAuthenticate,
		ProtocolVersion: protocol.ProtocolVersion1,
		APIKey:          ch.cfg.token,
		OperatorID:      ch.cfg.operatorID,
		Role:            string(ch.cfg.role),
	}
	if err := ws.WriteJSON(auth); err != nil {
		ch.dropConn(ws)
		return core.NewTransportError("authenticate write failed: " + err.Error())
	}

	_ = ws.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, first, err := ws.ReadMessage()
	if err != nil {
		ch.dropConn(ws)
		return core.NewTransportError("authenticate read failed: " + err.Error())
	}
	_ = ws.SetReadDeadline(time.Time{})

	var head struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(first, &head); err != nil || head.Type != protocol.TypeAuthAck {
		ch.dropConn(ws)
		if head.Type == protocol.TypeError {
			return core.NewAuthenticationError(head.Message)
		}
		return core.NewTransportError("unexpected handshake frame")
	}

	// Re-issue subscriptions before the channel accepts commands so a
	// reconnect leaves no silent gap on watched calls.
	ch.subMu.Lock()
	subs := make([]string, 0, len(ch.subscribed))
	for id := range ch.subscribed {
		subs = append(subs, id)
	}
	subAll := ch.subAll
	ch.subMu.Unlock()
	for _, id := range subs {
		if err := ws.WriteJSON(protocol.ClientSubscribe{Type: protocol.TypeSubscribe, CallID: id}); err != nil {
			ch.dropConn(ws)
			return core.NewTransportError("resubscribe failed: " + err.Error())
		}
	}
	if subAll {
		if err := ws.WriteJSON(protocol.ClientSubscribeAll{Type: protocol.TypeSubscribeAll}); err != nil {
			ch.dropConn(ws)
			return core.NewTransportError("resubscribe failed: " + err.Error())
		}
	}

	ch.mu.Lock()
	ch.ws = ws
	ch.state = StateChannelAuthenticated
	ch.err = nil
	ch.mu.Unlock()
	ch.authenticated.Store(true)
	ch.emit(ConnStateEvent{State: StateChannelAuthenticated})
	return nil
}

func (ch *Channel) dropConn(ws *websocket.Conn) {
	_ = ws.Close()
	ch.connected.Store(false)
}

func (ch *Channel) setState(s ChannelState) {
	ch.mu.Lock()
	ch.state = s
	ch.mu.Unlock()
}

func (ch *Channel) setDisconnected(err error) {
	ch.mu.Lock()
	ch.state = StateChannelDisconnected
	ch.err = err
	ch.mu.Unlock()
	ch.connected.Store(false)
	ch.authenticated.Store(false)
	ch.emit(ConnStateEvent{State: StateChannelDisconnected, Err: err})
}

// run owns the connection after the initial handshake: it pumps frames,
// reconnects with backoff on transport errors, and parks in disconnected
// waiting for Retry once the budget is spent.
func (ch *Channel) run() {
	defer close(ch.done)
	defer close(ch.events)
	defer ch.failAllPending(core.NewNotConnectedError("channel closed"))

	for {
		stopHB := make(chan struct{})
		go ch.heartbeatLoop(stopHB)
		err := ch.readPump()
		close(stopHB)

		ch.authenticated.Store(false)
		ch.connected.Store(false)
		ch.failAllPending(core.NewTransportError("connection lost"))
		if ch.closed() || err == nil {
			ch.setState(StateChannelDisconnected)
			return
		}

		if reconnectErr := ch.connectWithBackoff(context.Background()); reconnectErr != nil {
			if ch.closed() {
				return
			}
			// Terminal until the operator retries; each Retry gets a
			// fresh backoff budget.
			if !ch.waitRetryLoop() {
				return
			}
		}
	}
}

func (ch *Channel) waitRetryLoop() bool {
	for {
		select {
		case <-ch.retryCh:
		case <-ch.closeCh:
			return false
		}
		if err := ch.connectWithBackoff(context.Background()); err == nil {
			return true
		}
		if ch.closed() {
			return false
		}
	}
}

func (ch *Channel) heartbeatLoop(stop <-chan struct{}) {
	if ch.cfg.heartbeatInterval <= 0 {
		return
	}
	ticker := time.NewTicker(ch.cfg.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ch.closeCh:
			return
		case <-ticker.C:
			_ = ch.sendCommand(protocol.ClientHeartbeat{
				Type:         protocol.TypeHeartbeat,
				ClientTimeMS: time.Now().UnixMilli(),
			})
		}
	}
}

// readPump reads until the connection drops. A nil return means clean
// shutdown; anything else triggers reconnection.
func (ch *Channel) readPump() error {
	ch.mu.Lock()
	ws := ch.ws
	ch.mu.Unlock()
	if ws == nil {
		return core.NewTransportError("no connection")
	}
	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if ch.closed() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		if messageType != websocket.TextMessage {
			continue
		}
		ch.handleFrame(data)
	}
}

func (ch *Channel) handleFrame(data []byte) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return
	}

	switch head.Type {
	case protocol.TypeCallStarted, protocol.TypeCallUpdate,
		protocol.TypeHumanTakeover, protocol.TypeEmergencyAlert, protocol.TypeCallEnded:
		var f protocol.ServerCallEvent
		if err := json.Unmarshal(data, &f); err != nil || f.Call == nil {
			return
		}
		if !ch.proj.applySnapshot(f.Call) {
			return // stale version
		}
		switch head.Type {
		case protocol.TypeCallStarted:
			ch.emit(CallStartedEvent{Call: f.Call})
		case protocol.TypeCallUpdate:
			ch.emit(CallUpdateEvent{Call: f.Call})
		case protocol.TypeHumanTakeover:
			ch.resolvePending(f.RequestID, pendingOutcome{session: f.Call})
			ch.emit(TakeoverEvent{Call: f.Call, RequestID: f.RequestID})
		case protocol.TypeEmergencyAlert:
			ch.resolvePending(f.RequestID, pendingOutcome{session: f.Call})
			ch.emit(EmergencyAlertEvent{
				Call:           f.Call,
				RequestID:      f.RequestID,
				EscalationType: f.EscalationType,
				IncidentID:     f.IncidentID,
			})
		case protocol.TypeCallEnded:
			ch.resolvePending(f.RequestID, pendingOutcome{session: f.Call})
			ch.emit(CallEndedEvent{Call: f.Call, Reason: f.Reason})
		}

	case protocol.TypeTranscription:
		var f protocol.ServerTranscription
		if err := json.Unmarshal(data, &f); err != nil {
			return
		}
		if ch.proj.applyEntry(f.CallID, f.Entry) {
			ch.emit(TranscriptionEvent{CallID: f.CallID, Entry: f.Entry})
		}

	case protocol.TypeActiveCallsUpdate:
		var f protocol.ServerActiveCallsUpdate
		if err := json.Unmarshal(data, &f); err != nil {
			return
		}
		for _, s := range f.Calls {
			ch.proj.applySnapshot(s)
		}
		ch.emit(ActiveCallsEvent{Calls: f.Calls})

	case protocol.TypeTranscriptHistory:
		var f protocol.ServerTranscriptHistory
		if err := json.Unmarshal(data, &f); err != nil {
			return
		}
		ch.proj.mergeHistory(f.CallID, f.Entries)
		ch.emit(TranscriptHistoryEvent{CallID: f.CallID, Entries: f.Entries})

	case protocol.TypeEscalationSuggested:
		var f protocol.ServerEscalationSuggested
		if err := json.Unmarshal(data, &f); err != nil {
			return
		}
		ch.emit(EscalationSuggestedEvent{
			CallID:         f.CallID,
			EscalationType: f.EscalationType,
			Reason:         f.Reason,
		})

	case protocol.TypeHeartbeatAck:
		var f protocol.ServerHeartbeatAck
		if err := json.Unmarshal(data, &f); err != nil {
			return
		}
		if f.ClientTimeMS > 0 {
			ch.lastLatencyMS.Store(time.Now().UnixMilli() - f.ClientTimeMS)
		}

	case protocol.TypeError:
		var f protocol.ServerErrorFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return
		}
		if f.RequestID != "" {
			resolved := ch.resolvePending(f.RequestID, pendingOutcome{err: &core.Error{
				Type:      core.ErrorType(f.Code),
				Message:   f.Message,
				Param:     f.Param,
				CallID:    f.CallID,
				RequestID: f.RequestID,
			}})
			if resolved {
				return
			}
		}
		ch.emit(ErrorEvent{
			Code:      f.Code,
			Message:   f.Message,
			CallID:    f.CallID,
			RequestID: f.RequestID,
			Retryable: f.Retryable,
		})
	}
}

// emit never blocks the reader; a full consumer loses the oldest-style
// guarantee and the drop is counted instead.
func (ch *Channel) emit(ev ChannelEvent) {
	select {
	case ch.events <- ev:
	default:
		ch.dropped.Add(1)
	}
}

// DroppedEvents reports frames discarded because the consumer fell
// behind.
func (ch *Channel) DroppedEvents() int64 { return ch.dropped.Load() }
