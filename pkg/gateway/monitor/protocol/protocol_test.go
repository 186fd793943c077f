package protocol

import (
	"testing"
)

func TestDecodeClientMessage_Authenticate(t *testing.T) {
	raw := []byte(`{
		"type":"authenticate",
		"protocol_version":"1",
		"api_key":"dk_test",
		"operator_id":"op_7",
		"role":"supervisor"
	}`)

	msg, err := DecodeClientMessage(raw)
	if err != nil {
		t.Fatalf("DecodeClientMessage() error = %v", err)
	}
	auth, ok := msg.(ClientAuthenticate)
	if !ok {
		t.Fatalf("decoded type = %T, want ClientAuthenticate", msg)
	}
	if auth.OperatorID != "op_7" || auth.Role != "supervisor" {
		t.Fatalf("authenticate=%+v", auth)
	}
}

func TestDecodeClientMessage_AuthenticateWrongVersion(t *testing.T) {
	raw := []byte(`{"type":"authenticate","protocol_version":"2","api_key":"dk_test","operator_id":"op_7"}`)
	_, err := DecodeClientMessage(raw)
	if err == nil {
		t.Fatalf("expected error")
	}
	decErr, ok := err.(*DecodeError)
	if !ok {
		t.Fatalf("err type = %T", err)
	}
	if decErr.Code != "unsupported" {
		t.Fatalf("code=%q", decErr.Code)
	}
}

func TestDecodeClientMessage_MissingRequiredFields(t *testing.T) {
	cases := []struct {
		name  string
		raw   string
		param string
	}{
		{"authenticate without key", `{"type":"authenticate","protocol_version":"1","operator_id":"op_1"}`, "api_key"},
		{"authenticate without operator", `{"type":"authenticate","protocol_version":"1","api_key":"dk"}`, "operator_id"},
		{"subscribe without call", `{"type":"subscribe"}`, "call_id"},
		{"unsubscribe without call", `{"type":"unsubscribe"}`, "call_id"},
		{"takeover without reason", `{"type":"request_takeover","call_id":"c_1","request_id":"ir_1"}`, "reason"},
		{"takeover without request id", `{"type":"request_takeover","call_id":"c_1","reason":"ai_confusion"}`, "request_id"},
		{"escalate without type", `{"type":"emergency_escalate","call_id":"c_1","request_id":"ir_1"}`, "escalation_type"},
		{"end_call non-terminal state", `{"type":"end_call","call_id":"c_1","request_id":"ir_1","final_state":"ai_handling"}`, "final_state"},
		{"transcript without call", `{"type":"get_transcript"}`, "call_id"},
		{"no type", `{"call_id":"c_1"}`, "type"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeClientMessage([]byte(tc.raw))
			if err == nil {
				t.Fatalf("expected error")
			}
			decErr, ok := err.(*DecodeError)
			if !ok {
				t.Fatalf("err type = %T", err)
			}
			if decErr.Code != "bad_request" || decErr.Param != tc.param {
				t.Fatalf("code=%q param=%q, want bad_request/%q", decErr.Code, decErr.Param, tc.param)
			}
		})
	}
}

func TestDecodeClientMessage_BareFrames(t *testing.T) {
	for _, raw := range []string{
		`{"type":"subscribe_all"}`,
		`{"type":"get_active_calls"}`,
		`{"type":"heartbeat","client_time_ms":1717171717000}`,
	} {
		if _, err := DecodeClientMessage([]byte(raw)); err != nil {
			t.Fatalf("DecodeClientMessage(%s) error = %v", raw, err)
		}
	}
}

func TestDecodeClientMessage_UnknownType(t *testing.T) {
	_, err := DecodeClientMessage([]byte(`{"type":"reboot"}`))
	if err == nil {
		t.Fatalf("expected error")
	}
	decErr, ok := err.(*DecodeError)
	if !ok {
		t.Fatalf("err type = %T", err)
	}
	if decErr.Param != "type" {
		t.Fatalf("param=%q", decErr.Param)
	}
}

func TestDecodeClientMessage_EndCallAcceptsTerminalStates(t *testing.T) {
	for _, fs := range []string{"", "completed", "failed", "abandoned"} {
		raw := []byte(`{"type":"end_call","call_id":"c_1","request_id":"ir_1","final_state":"` + fs + `"}`)
		if _, err := DecodeClientMessage(raw); err != nil {
			t.Fatalf("final_state=%q error = %v", fs, err)
		}
	}
}
