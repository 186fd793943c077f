package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/apexsec/dispatch/pkg/core"
	"github.com/apexsec/dispatch/pkg/core/call"
	"github.com/apexsec/dispatch/pkg/gateway/auth"
	"github.com/apexsec/dispatch/pkg/gateway/config"
	"github.com/apexsec/dispatch/pkg/gateway/intervene"
	"github.com/apexsec/dispatch/pkg/gateway/lifecycle"
	"github.com/apexsec/dispatch/pkg/gateway/monitor/conn"
	"github.com/apexsec/dispatch/pkg/gateway/monitor/protocol"
	"github.com/apexsec/dispatch/pkg/gateway/monitor/sessions"
	"github.com/apexsec/dispatch/pkg/gateway/mw"
	"github.com/apexsec/dispatch/pkg/gateway/ratelimit"
	"github.com/apexsec/dispatch/pkg/gateway/registry"
	"github.com/apexsec/dispatch/pkg/gateway/store"
)

// MonitorHandler serves /v1/monitor websocket sessions for dispatch
// operators. The first frame on the socket must be authenticate; every
// command frame before that is rejected and closes the connection.
type MonitorHandler struct {
	Config    config.Config
	Logger    *slog.Logger
	Limiter   *ratelimit.Limiter
	Lifecycle *lifecycle.Lifecycle
	Tracker   *sessions.Tracker
	Hub       *conn.Hub
	Registry  *registry.Registry
	Engine    *intervene.Engine
	Recorder  store.Recorder
}

func (h MonitorHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	if r.Method != http.MethodGet {
		writeCoreErrorJSON(w, reqID, &core.Error{Type: core.ErrInvalidRequest, Message: "method not allowed", Code: "method_not_allowed"}, http.StatusMethodNotAllowed)
		return
	}
	if h.Lifecycle != nil && h.Lifecycle.IsDraining() {
		writeCoreErrorJSON(w, reqID, &core.Error{Type: core.ErrNotConnected, Message: "gateway is draining", Code: "draining"}, http.StatusServiceUnavailable)
		return
	}
	if !h.originAllowed(r) {
		writeCoreErrorJSON(w, reqID, &core.Error{Type: core.ErrAuthentication, Message: "origin is not allowed", Param: "Origin"}, http.StatusForbidden)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	if h.Config.MonitorMaxJSONMessageBytes > 0 {
		ws.SetReadLimit(h.Config.MonitorMaxJSONMessageBytes)
	}

	handshakeTimeout := h.Config.MonitorHandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = 5 * time.Second
	}
	_ = ws.SetReadDeadline(time.Now().Add(handshakeTimeout))
	messageType, firstFrame, err := ws.ReadMessage()
	if err != nil {
		h.rejectWS(ws, "bad_request", "failed to read authenticate frame")
		return
	}
	if messageType != websocket.TextMessage {
		h.rejectWS(ws, "not_authenticated", "first frame must be authenticate")
		return
	}

	decoded, err := protocol.DecodeClientMessage(firstFrame)
	if err != nil {
		h.rejectWS(ws, "bad_request", err.Error())
		return
	}
	authFrame, ok := decoded.(protocol.ClientAuthenticate)
	if !ok {
		h.rejectWS(ws, "not_authenticated", "first frame must be authenticate")
		return
	}

	role := auth.RoleOperator
	if raw := strings.TrimSpace(authFrame.Role); raw != "" {
		role = auth.Role(raw)
		if !role.Valid() {
			h.rejectWS(ws, "bad_request", "unknown role")
			return
		}
	}

	principalKey, authErr := h.checkKey(authFrame.APIKey)
	if authErr != nil {
		// Auth failure is fatal for this attempt; the client must not retry
		// with the same credentials.
		h.rejectWS(ws, "authentication_error", authErr.Error())
		return
	}

	if h.Limiter != nil && h.Config.MonitorMaxPerPrincipal > 0 {
		dec := h.Limiter.AcquireMonitorSession(principalKey, time.Now())
		if !dec.Allowed {
			h.rejectWS(ws, "rate_limit_error", "too many active monitor sessions")
			return
		}
		defer dec.Permit.Release()
	}

	c := conn.New(authFrame.OperatorID, role, ws, conn.Config{
		PingInterval:       h.Config.MonitorWSPingInterval,
		WriteTimeout:       h.Config.MonitorWSWriteTimeout,
		ReadTimeout:        h.Config.MonitorWSReadTimeout,
		MaxMessageBytes:    h.Config.MonitorMaxJSONMessageBytes,
		QueueSize:          h.Config.MonitorOutboundQueueSize,
		MaxSessionDuration: h.Config.MonitorMaxSessionDuration,
	}, h.Logger)
	c.Start(context.Background())
	defer func() {
		c.Cancel()
		c.WaitWriter()
	}()

	_ = c.SendFrame(protocol.ServerAuthAck{
		Type:            protocol.TypeAuthAck,
		ProtocolVersion: protocol.ProtocolVersion1,
		ConnID:          c.ID,
		OperatorID:      c.OperatorID,
		Role:            string(role),
		ServerTimeMS:    time.Now().UnixMilli(),
	}, true)

	h.Hub.Add(c)
	defer h.Hub.Remove(c.ID)

	unregister := func() {}
	if h.Tracker != nil {
		unregister = h.Tracker.Register(c.ID, sessions.Handle{
			Cancel: c.Cancel,
			Warn:   c.Warn,
		})
	}
	defer unregister()

	if h.Logger != nil {
		h.Logger.Info("monitor connected",
			"conn_id", c.ID, "operator_id", c.OperatorID, "role", string(role), "request_id", reqID)
	}

	h.readLoop(r.Context(), c)

	if h.Logger != nil {
		h.Logger.Info("monitor disconnected",
			"conn_id", c.ID, "operator_id", c.OperatorID, "dropped_frames", c.DroppedNormal())
	}
}

func (h MonitorHandler) readLoop(ctx context.Context, c *conn.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.Done():
			return
		default:
		}

		data, err := c.NextFrame()
		if err != nil {
			return
		}
		decoded, err := protocol.DecodeClientMessage(data)
		if err != nil {
			h.sendError(c, "", "", err)
			continue
		}
		h.dispatch(ctx, c, decoded)
	}
}

func (h MonitorHandler) dispatch(ctx context.Context, c *conn.Conn, decoded any) {
	switch msg := decoded.(type) {
	case protocol.ClientAuthenticate:
		h.sendError(c, "", "", core.NewInvalidRequestError("connection is already authenticated"))

	case protocol.ClientSubscribe:
		c.Subscribe(msg.CallID)
		if s, err := h.Registry.Snapshot(msg.CallID); err == nil {
			_ = c.SendFrame(protocol.ServerCallEvent{
				Type:        protocol.TypeCallUpdate,
				CallID:      s.CallID,
				Call:        s,
				TimestampMS: time.Now().UnixMilli(),
			}, false)
		}

	case protocol.ClientSubscribeAll:
		c.SubscribeAll()
		h.sendActiveCalls(c)

	case protocol.ClientUnsubscribe:
		c.Unsubscribe(msg.CallID)

	case protocol.ClientRequestTakeover:
		if !h.canIntervene(c, msg.CallID, msg.RequestID) {
			return
		}
		_, err := h.Engine.Takeover(ctx, intervene.TakeoverRequest{
			CallID:     msg.CallID,
			OperatorID: c.OperatorID,
			Reason:     call.TakeoverReason(msg.Reason),
			Detail:     msg.Detail,
			RequestID:  msg.RequestID,
		})
		if err != nil {
			h.sendError(c, msg.CallID, msg.RequestID, err)
		}

	case protocol.ClientEmergencyEscalate:
		if !h.canIntervene(c, msg.CallID, msg.RequestID) {
			return
		}
		_, err := h.Engine.Escalate(ctx, intervene.EscalateRequest{
			CallID:     msg.CallID,
			OperatorID: c.OperatorID,
			Code:       msg.EscalationType,
			Detail:     msg.Detail,
			RequestID:  msg.RequestID,
			Confirmed:  msg.Confirmed,
		})
		if err != nil {
			h.sendError(c, msg.CallID, msg.RequestID, err)
		}

	case protocol.ClientEndCall:
		if !h.canIntervene(c, msg.CallID, msg.RequestID) {
			return
		}
		_, err := h.Engine.FinishCall(ctx, intervene.FinishRequest{
			CallID:     msg.CallID,
			OperatorID: c.OperatorID,
			Final:      call.State(msg.FinalState),
			Reason:     msg.Reason,
			RequestID:  msg.RequestID,
		})
		if err != nil {
			h.sendError(c, msg.CallID, msg.RequestID, err)
		}

	case protocol.ClientGetActiveCalls:
		h.sendActiveCalls(c)

	case protocol.ClientGetTranscript:
		h.sendTranscript(ctx, c, msg.CallID)

	case protocol.ClientHeartbeat:
		_ = c.SendFrame(protocol.ServerHeartbeatAck{
			Type:         protocol.TypeHeartbeatAck,
			ClientTimeMS: msg.ClientTimeMS,
			ServerTimeMS: time.Now().UnixMilli(),
		}, true)
	}
}

func (h MonitorHandler) canIntervene(c *conn.Conn, callID, requestID string) bool {
	if c.Role.CanIntervene() {
		return true
	}
	h.sendError(c, callID, requestID, &core.Error{
		Type:    core.ErrAuthentication,
		Message: "role cannot issue interventions",
		Code:    "forbidden_role",
	})
	return false
}

func (h MonitorHandler) sendActiveCalls(c *conn.Conn) {
	_ = c.SendFrame(protocol.ServerActiveCallsUpdate{
		Type:        protocol.TypeActiveCallsUpdate,
		Calls:       h.Registry.ActiveCalls(),
		TimestampMS: time.Now().UnixMilli(),
	}, false)
}

func (h MonitorHandler) sendTranscript(ctx context.Context, c *conn.Conn, callID string) {
	transcript, err := h.Registry.TranscriptOf(callID)
	if err != nil {
		if !core.IsType(err, core.ErrNotFound) || h.Recorder == nil {
			h.sendError(c, callID, "", err)
			return
		}
		transcript, err = h.Recorder.TranscriptHistory(ctx, callID)
		if err != nil {
			h.sendError(c, callID, "", core.NewInternalError("transcript history unavailable"))
			return
		}
		if transcript == nil {
			h.sendError(c, callID, "", core.NewNotFoundError("unknown call"))
			return
		}
	}
	_ = c.SendFrame(protocol.ServerTranscriptHistory{
		Type:        protocol.TypeTranscriptHistory,
		CallID:      callID,
		Entries:     transcript,
		TimestampMS: time.Now().UnixMilli(),
	}, false)
}

// sendError reports a command failure without closing the connection.
// Intervention errors ride the priority lane so a losing takeover learns
// its fate ahead of queued transcript frames.
func (h MonitorHandler) sendError(c *conn.Conn, callID, requestID string, err error) {
	frame := protocol.ServerErrorFrame{
		Type:      protocol.TypeError,
		Code:      "internal_error",
		Message:   "internal error",
		CallID:    callID,
		RequestID: requestID,
		Retryable: core.IsRetryable(err),
	}
	var coreErr *core.Error
	var decodeErr *protocol.DecodeError
	switch {
	case errors.As(err, &coreErr):
		// A specific code ("forbidden_role", "draining") beats the type name.
		frame.Code = string(coreErr.Type)
		if coreErr.Code != "" {
			frame.Code = coreErr.Code
		}
		frame.Message = coreErr.Message
		frame.Param = coreErr.Param
		if coreErr.CallID != "" {
			frame.CallID = coreErr.CallID
		}
	case errors.As(err, &decodeErr):
		frame.Code = decodeErr.Code
		frame.Message = decodeErr.Message
		frame.Param = decodeErr.Param
	}
	_ = c.SendFrame(frame, true)
}

// rejectWS is for pre-auth failures: one error frame, then close.
func (h MonitorHandler) rejectWS(ws *websocket.Conn, code, message string) {
	deadline := time.Now().Add(2 * time.Second)
	_ = ws.SetWriteDeadline(deadline)
	_ = ws.WriteJSON(protocol.ServerErrorFrame{
		Type:    protocol.TypeError,
		Code:    code,
		Message: message,
		Close:   true,
	})
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, code), deadline)
}

func (h MonitorHandler) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	if len(h.Config.CORSAllowedOrigins) == 0 {
		return false
	}
	_, ok := h.Config.CORSAllowedOrigins[origin]
	return ok
}

func (h MonitorHandler) checkKey(apiKey string) (string, error) {
	apiKey = strings.TrimSpace(apiKey)
	switch h.Config.AuthMode {
	case config.AuthModeRequired:
		if apiKey == "" {
			return "", core.NewAuthenticationError("missing api key")
		}
		if _, ok := h.Config.APIKeys[apiKey]; !ok {
			return "", core.NewAuthenticationError("invalid api key")
		}
		return ratelimit.PrincipalKeyFromAPIKey(apiKey), nil
	case config.AuthModeOptional:
		if apiKey != "" {
			if _, ok := h.Config.APIKeys[apiKey]; !ok {
				return "", core.NewAuthenticationError("invalid api key")
			}
			return ratelimit.PrincipalKeyFromAPIKey(apiKey), nil
		}
		return "anonymous", nil
	case config.AuthModeDisabled:
		if apiKey != "" {
			return ratelimit.PrincipalKeyFromAPIKey(apiKey), nil
		}
		return "anonymous", nil
	default:
		return "", core.NewAuthenticationError("invalid auth mode")
	}
}
