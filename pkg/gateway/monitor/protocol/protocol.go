// Package protocol defines the JSON frames exchanged on the monitor
// websocket. Client frames are decoded and validated by
// DecodeClientMessage; server frames are plain structs the connection
// layer marshals as-is.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/apexsec/dispatch/pkg/core/call"
)

const ProtocolVersion1 = "1"

// Client frame types.
const (
	TypeAuthenticate      = "authenticate"
	TypeSubscribe         = "subscribe"
	TypeSubscribeAll      = "subscribe_all"
	TypeUnsubscribe       = "unsubscribe"
	TypeRequestTakeover   = "request_takeover"
	TypeEmergencyEscalate = "emergency_escalate"
	TypeEndCall           = "end_call"
	TypeGetActiveCalls    = "get_active_calls"
	TypeGetTranscript     = "get_transcript"
	TypeHeartbeat         = "heartbeat"
)

// Server frame types.
const (
	TypeAuthAck           = "auth_ack"
	TypeCallStarted       = "call_started"
	TypeCallEnded         = "call_ended"
	TypeCallUpdate        = "call_update"
	TypeTranscription     = "transcription"
	TypeHumanTakeover     = "human_takeover"
	TypeEmergencyAlert    = "emergency_alert"
	TypeActiveCallsUpdate = "active_calls_update"
	TypeTranscriptHistory = "transcript_history"
	TypeHeartbeatAck      = "heartbeat_ack"
	TypeError             = "error"

	TypeEscalationSuggested = "escalation_suggested"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: "unsupported", Message: message, Param: param}
}

type ClientAuthenticate struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	APIKey          string `json:"api_key"`
	OperatorID      string `json:"operator_id"`
	Role            string `json:"role,omitempty"`
}

type ClientSubscribe struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`
}

type ClientSubscribeAll struct {
	Type string `json:"type"`
}

type ClientUnsubscribe struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`
}

type ClientRequestTakeover struct {
	Type      string `json:"type"`
	CallID    string `json:"call_id"`
	RequestID string `json:"request_id"`
	Reason    string `json:"reason"`
	Detail    string `json:"detail,omitempty"`
}

type ClientEmergencyEscalate struct {
	Type           string `json:"type"`
	CallID         string `json:"call_id"`
	RequestID      string `json:"request_id"`
	EscalationType string `json:"escalation_type"`
	Detail         string `json:"detail,omitempty"`
	Confirmed      bool   `json:"confirmed,omitempty"`
}

type ClientEndCall struct {
	Type      string `json:"type"`
	CallID    string `json:"call_id"`
	RequestID string `json:"request_id"`
	// FinalState defaults to completed when empty.
	FinalState string `json:"final_state,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

type ClientGetActiveCalls struct {
	Type string `json:"type"`
}

type ClientGetTranscript struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`
}

type ClientHeartbeat struct {
	Type         string `json:"type"`
	ClientTimeMS int64  `json:"client_time_ms,omitempty"`
}

func DecodeClientMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case TypeAuthenticate:
		var msg ClientAuthenticate
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid authenticate frame", "")
		}
		if strings.TrimSpace(msg.ProtocolVersion) == "" {
			return nil, badRequest("authenticate.protocol_version is required", "protocol_version")
		}
		if msg.ProtocolVersion != ProtocolVersion1 {
			return nil, unsupported("unsupported protocol version", "protocol_version")
		}
		if strings.TrimSpace(msg.APIKey) == "" {
			return nil, badRequest("authenticate.api_key is required", "api_key")
		}
		if strings.TrimSpace(msg.OperatorID) == "" {
			return nil, badRequest("authenticate.operator_id is required", "operator_id")
		}
		return msg, nil
	case TypeSubscribe:
		var msg ClientSubscribe
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid subscribe frame", "")
		}
		if strings.TrimSpace(msg.CallID) == "" {
			return nil, badRequest("subscribe.call_id is required", "call_id")
		}
		return msg, nil
	case TypeSubscribeAll:
		var msg ClientSubscribeAll
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid subscribe_all frame", "")
		}
		return msg, nil
	case TypeUnsubscribe:
		var msg ClientUnsubscribe
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid unsubscribe frame", "")
		}
		if strings.TrimSpace(msg.CallID) == "" {
			return nil, badRequest("unsubscribe.call_id is required", "call_id")
		}
		return msg, nil
	case TypeRequestTakeover:
		var msg ClientRequestTakeover
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid request_takeover frame", "")
		}
		if strings.TrimSpace(msg.CallID) == "" {
			return nil, badRequest("request_takeover.call_id is required", "call_id")
		}
		if strings.TrimSpace(msg.RequestID) == "" {
			return nil, badRequest("request_takeover.request_id is required", "request_id")
		}
		if strings.TrimSpace(msg.Reason) == "" {
			return nil, badRequest("request_takeover.reason is required", "reason")
		}
		return msg, nil
	case TypeEmergencyEscalate:
		var msg ClientEmergencyEscalate
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid emergency_escalate frame", "")
		}
		if strings.TrimSpace(msg.CallID) == "" {
			return nil, badRequest("emergency_escalate.call_id is required", "call_id")
		}
		if strings.TrimSpace(msg.RequestID) == "" {
			return nil, badRequest("emergency_escalate.request_id is required", "request_id")
		}
		if strings.TrimSpace(msg.EscalationType) == "" {
			return nil, badRequest("emergency_escalate.escalation_type is required", "escalation_type")
		}
		return msg, nil
	case TypeEndCall:
		var msg ClientEndCall
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid end_call frame", "")
		}
		if strings.TrimSpace(msg.CallID) == "" {
			return nil, badRequest("end_call.call_id is required", "call_id")
		}
		if strings.TrimSpace(msg.RequestID) == "" {
			return nil, badRequest("end_call.request_id is required", "request_id")
		}
		if fs := strings.TrimSpace(msg.FinalState); fs != "" && !call.State(fs).Terminal() {
			return nil, badRequest("end_call.final_state must be terminal", "final_state")
		}
		return msg, nil
	case TypeGetActiveCalls:
		var msg ClientGetActiveCalls
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid get_active_calls frame", "")
		}
		return msg, nil
	case TypeGetTranscript:
		var msg ClientGetTranscript
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid get_transcript frame", "")
		}
		if strings.TrimSpace(msg.CallID) == "" {
			return nil, badRequest("get_transcript.call_id is required", "call_id")
		}
		return msg, nil
	case TypeHeartbeat:
		var msg ClientHeartbeat
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid heartbeat frame", "")
		}
		return msg, nil
	default:
		return nil, badRequest("unsupported message type", "type")
	}
}

type ServerAuthAck struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ConnID          string `json:"conn_id"`
	OperatorID      string `json:"operator_id"`
	Role            string `json:"role"`
	ServerTimeMS    int64  `json:"server_time_ms"`
}

// ServerCallEvent is the shared shape of call_started, call_ended,
// call_update, human_takeover and emergency_alert frames: a full session
// snapshot plus event-specific fields. Consumers that only track state can
// ignore everything but Call.
type ServerCallEvent struct {
	Type           string        `json:"type"`
	CallID         string        `json:"call_id"`
	Call           *call.Session `json:"call"`
	RequestID      string        `json:"request_id,omitempty"`
	Reason         string        `json:"reason,omitempty"`
	EscalationType string        `json:"escalation_type,omitempty"`
	IncidentID     string        `json:"incident_id,omitempty"`
	TimestampMS    int64         `json:"timestamp_ms"`
}

type ServerTranscription struct {
	Type        string               `json:"type"`
	CallID      string               `json:"call_id"`
	Entry       call.TranscriptEntry `json:"entry"`
	Version     int64                `json:"version"`
	TimestampMS int64                `json:"timestamp_ms"`
}

// ServerEscalationSuggested is advisory only: the SOP thresholds say the
// call should escalate, but a human decides. Never auto-executed.
type ServerEscalationSuggested struct {
	Type           string `json:"type"`
	CallID         string `json:"call_id"`
	EscalationType string `json:"escalation_type"`
	Reason         string `json:"reason"`
	TimestampMS    int64  `json:"timestamp_ms"`
}

type ServerActiveCallsUpdate struct {
	Type        string          `json:"type"`
	Calls       []*call.Session `json:"calls"`
	TimestampMS int64           `json:"timestamp_ms"`
}

type ServerTranscriptHistory struct {
	Type        string          `json:"type"`
	CallID      string          `json:"call_id"`
	Entries     call.Transcript `json:"entries"`
	TimestampMS int64           `json:"timestamp_ms"`
}

type ServerHeartbeatAck struct {
	Type         string `json:"type"`
	ClientTimeMS int64  `json:"client_time_ms,omitempty"`
	ServerTimeMS int64  `json:"server_time_ms"`
}

type ServerErrorFrame struct {
	Type      string `json:"type"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Param     string `json:"param,omitempty"`
	CallID    string `json:"call_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
	Close     bool   `json:"close,omitempty"`
}
