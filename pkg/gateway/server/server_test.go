package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/apexsec/dispatch/pkg/gateway/config"
)

func testConfig() config.Config {
	return config.Config{
		AuthMode:                   config.AuthModeRequired,
		APIKeys:                    map[string]struct{}{"dk_test": {}},
		CORSAllowedOrigins:         map[string]struct{}{},
		MaxBodyBytes:               1 << 20,
		MaxTranscriptEntryBytes:    16 * 1024,
		MaxTranscriptEntries:       5000,
		MonitorMaxJSONMessageBytes: 256 * 1024,
		MonitorWSPingInterval:      20 * time.Second,
		MonitorWSWriteTimeout:      5 * time.Second,
		MonitorWSReadTimeout:       90 * time.Second,
		MonitorHandshakeTimeout:    5 * time.Second,
		MonitorOutboundQueueSize:   64,
		MonitorMaxSessionDuration:  time.Hour,
		MonitorMaxPerPrincipal:     4,
		InterventionAckTimeout:     10 * time.Second,
		LowConfidenceThreshold:     0.7,
		LowConfidenceEscalateMin:   3,
		LimitRPS:                   1000,
		LimitBurst:                 1000,
		ReadHeaderTimeout:          5 * time.Second,
		ReadTimeout:                time.Minute,
		HandlerTimeout:             time.Minute,
		ShutdownGracePeriod:        5 * time.Second,
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	s, err := New(testConfig(), logger, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Authorization", "Bearer dk_test")
	req.Header.Set("X-Dispatch-Version", "1")
	req.Header.Set("X-Operator-ID", "op_test")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestServer_UnknownRoute_ReturnsJSON404(t *testing.T) {
	s := newTestServer(t)
	rr := doJSON(t, s.Handler(), http.MethodGet, "/does-not-exist", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Fatalf("content-type=%q", ct)
	}
	if !strings.Contains(rr.Body.String(), `"type":"not_found_error"`) {
		t.Fatalf("unexpected body: %q", rr.Body.String())
	}
}

func TestServer_CallLifecycleOverREST(t *testing.T) {
	s := newTestServer(t)
	h := s.Handler()

	rr := doJSON(t, h, http.MethodPost, "/v1/calls", `{"caller":"+14155550100","property_id":"prop_1"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("start status=%d body=%q", rr.Code, rr.Body.String())
	}
	var started struct {
		Call struct {
			CallID string `json:"call_id"`
			State  string `json:"state"`
		} `json:"call"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &started); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if started.Call.State != "initiated" || started.Call.CallID == "" {
		t.Fatalf("call=%+v", started.Call)
	}
	id := started.Call.CallID

	rr = doJSON(t, h, http.MethodPost, "/v1/calls/"+id+"/progress", `{"confidence":0.82,"incident_type":"trespass"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("progress status=%d body=%q", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), `"state":"ai_handling"`) {
		t.Fatalf("body=%q", rr.Body.String())
	}

	rr = doJSON(t, h, http.MethodPost, "/v1/calls/"+id+"/transcript",
		`{"entries":[{"timestamp":"2025-06-01T10:00:01Z","speaker":"caller","message":"there is someone in the courtyard"}]}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("transcript status=%d body=%q", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), `"appended":1`) {
		t.Fatalf("body=%q", rr.Body.String())
	}

	rr = doJSON(t, h, http.MethodGet, "/v1/calls", "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), id) {
		t.Fatalf("active calls status=%d body=%q", rr.Code, rr.Body.String())
	}

	rr = doJSON(t, h, http.MethodPost, "/v1/calls/"+id+"/end", `{"reason":"caller hung up"}`)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"state":"completed"`) {
		t.Fatalf("end status=%d body=%q", rr.Code, rr.Body.String())
	}

	// Ending again reports the same terminal state.
	rr = doJSON(t, h, http.MethodPost, "/v1/calls/"+id+"/end", `{"reason":"caller hung up"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("re-end status=%d body=%q", rr.Code, rr.Body.String())
	}

	rr = doJSON(t, h, http.MethodGet, "/v1/calls/"+id+"/transcript", "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "courtyard") {
		t.Fatalf("transcript fetch status=%d body=%q", rr.Code, rr.Body.String())
	}
}

func TestServer_RejectsUnknownVersionHeader(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/calls", nil)
	req.Header.Set("Authorization", "Bearer dk_test")
	req.Header.Set("X-Dispatch-Version", "2")
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
}

func TestServer_ReadyzReportsDraining(t *testing.T) {
	s := newTestServer(t)
	rr := doJSON(t, s.Handler(), http.MethodGet, "/readyz", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}

	s.Lifecycle().SetDraining(true)
	rr = doJSON(t, s.Handler(), http.MethodGet, "/readyz", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("draining status=%d body=%q", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), `"draining":true`) {
		t.Fatalf("body=%q", rr.Body.String())
	}
}

func wsReadFrame(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("ws read: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("ws frame unmarshal: %v", err)
	}
	return m
}

func wsReadUntil(t *testing.T, ws *websocket.Conn, frameType string) map[string]any {
	t.Helper()
	for i := 0; i < 20; i++ {
		m := wsReadFrame(t, ws)
		if m["type"] == frameType {
			return m
		}
	}
	t.Fatalf("frame %q never arrived", frameType)
	return nil
}

func TestServer_MonitorWebSocket_EndToEnd(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/monitor"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	if err := ws.WriteJSON(map[string]any{
		"type": "authenticate", "protocol_version": "1",
		"api_key": "dk_test", "operator_id": "op_9", "role": "operator",
	}); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	ack := wsReadUntil(t, ws, "auth_ack")
	if ack["operator_id"] != "op_9" || ack["protocol_version"] != "1" {
		t.Fatalf("auth_ack=%v", ack)
	}

	if err := ws.WriteJSON(map[string]any{"type": "subscribe_all"}); err != nil {
		t.Fatalf("subscribe_all: %v", err)
	}
	wsReadUntil(t, ws, "active_calls_update")

	// A new call from the telephony side reaches the subscribed monitor.
	rr := doJSON(t, s.Handler(), http.MethodPost, "/v1/calls",
		`{"call_id":"c_ws_test","caller":"+14155550111"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("start status=%d body=%q", rr.Code, rr.Body.String())
	}
	startFrame := wsReadUntil(t, ws, "call_started")
	if startFrame["call_id"] != "c_ws_test" {
		t.Fatalf("call_started=%v", startFrame)
	}

	rr = doJSON(t, s.Handler(), http.MethodPost, "/v1/calls/c_ws_test/progress", `{"confidence":0.4}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("progress status=%d body=%q", rr.Code, rr.Body.String())
	}
	wsReadUntil(t, ws, "call_update")

	if err := ws.WriteJSON(map[string]any{
		"type": "request_takeover", "call_id": "c_ws_test",
		"request_id": "ir_ws_1", "reason": "ai_confusion",
	}); err != nil {
		t.Fatalf("request_takeover: %v", err)
	}
	took := wsReadUntil(t, ws, "human_takeover")
	if took["request_id"] != "ir_ws_1" {
		t.Fatalf("human_takeover=%v", took)
	}
	callObj, _ := took["call"].(map[string]any)
	if callObj == nil || callObj["operator_id"] != "op_9" || callObj["state"] != "human_takeover" {
		t.Fatalf("call=%v", callObj)
	}

	if err := ws.WriteJSON(map[string]any{"type": "heartbeat", "client_time_ms": 12345}); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	hb := wsReadUntil(t, ws, "heartbeat_ack")
	if hb["client_time_ms"].(float64) != 12345 {
		t.Fatalf("heartbeat_ack=%v", hb)
	}
	if _, ok := hb["server_time_ms"]; !ok {
		t.Fatalf("heartbeat_ack missing server_time_ms: %v", hb)
	}
}

func TestServer_MonitorWebSocket_CommandBeforeAuthRejected(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/monitor"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	if err := ws.WriteJSON(map[string]any{"type": "subscribe_all"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	frame := wsReadFrame(t, ws)
	if frame["type"] != "error" || frame["code"] != "not_authenticated" {
		t.Fatalf("frame=%v", frame)
	}
}

func TestServer_MonitorWebSocket_BadKeyIsFatal(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/monitor"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	if err := ws.WriteJSON(map[string]any{
		"type": "authenticate", "protocol_version": "1",
		"api_key": "dk_wrong", "operator_id": "op_1",
	}); err != nil {
		t.Fatalf("write: %v", err)
	}
	frame := wsReadFrame(t, ws)
	if frame["type"] != "error" || frame["code"] != "authentication_error" {
		t.Fatalf("frame=%v", frame)
	}
	// The server closes after a failed authenticate.
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := ws.ReadMessage(); err == nil {
		t.Fatal("expected close after auth failure")
	}
}

func TestServer_MonitorWebSocket_ViewerCannotIntervene(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	rr := doJSON(t, s.Handler(), http.MethodPost, "/v1/calls",
		`{"call_id":"c_viewer","caller":"+14155550122"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("start status=%d", rr.Code)
	}
	rr = doJSON(t, s.Handler(), http.MethodPost, "/v1/calls/c_viewer/progress", `{"confidence":0.5}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("progress status=%d", rr.Code)
	}

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/monitor"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	if err := ws.WriteJSON(map[string]any{
		"type": "authenticate", "protocol_version": "1",
		"api_key": "dk_test", "operator_id": "op_view", "role": "viewer",
	}); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	wsReadUntil(t, ws, "auth_ack")

	if err := ws.WriteJSON(map[string]any{
		"type": "request_takeover", "call_id": "c_viewer",
		"request_id": "ir_v1", "reason": "ai_confusion",
	}); err != nil {
		t.Fatalf("request_takeover: %v", err)
	}
	frame := wsReadUntil(t, ws, "error")
	if frame["code"] != "forbidden_role" {
		t.Fatalf("frame=%v", frame)
	}
}
