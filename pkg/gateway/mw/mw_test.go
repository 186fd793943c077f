package mw

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/apexsec/dispatch/pkg/core"
	"github.com/apexsec/dispatch/pkg/gateway/auth"
	"github.com/apexsec/dispatch/pkg/gateway/config"
	"github.com/apexsec/dispatch/pkg/gateway/ratelimit"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func decodeError(t *testing.T, body string) *core.Error {
	t.Helper()
	var env struct {
		Error *core.Error `json:"error"`
	}
	if err := json.Unmarshal([]byte(body), &env); err != nil {
		t.Fatalf("decode error envelope: %v (body %q)", err, body)
	}
	if env.Error == nil {
		t.Fatalf("missing error in envelope: %q", body)
	}
	return env.Error
}

func TestRequestID_GeneratesAndEchoes(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = RequestIDFrom(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/calls", nil))
	if seen == "" || !strings.HasPrefix(seen, "req_") {
		t.Fatalf("generated request id = %q, want req_ prefix", seen)
	}
	if rec.Header().Get("X-Request-ID") != seen {
		t.Fatalf("response header %q != context id %q", rec.Header().Get("X-Request-ID"), seen)
	}

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/calls", nil)
	req.Header.Set("X-Request-ID", "req_fixed")
	h.ServeHTTP(rec, req)
	if seen != "req_fixed" {
		t.Fatalf("client-provided id not honored: %q", seen)
	}
}

func TestAuth_RequiredRejectsMissingToken(t *testing.T) {
	cfg := config.Config{
		AuthMode: config.AuthModeRequired,
		APIKeys:  map[string]struct{}{"good": {}},
	}
	h := Auth(cfg, okHandler())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/calls", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	e := decodeError(t, rec.Body.String())
	if e.Type != core.ErrAuthentication || e.Param != "Authorization" {
		t.Fatalf("error = %+v", e)
	}
}

func TestAuth_RejectsUnknownKey(t *testing.T) {
	cfg := config.Config{
		AuthMode: config.AuthModeRequired,
		APIKeys:  map[string]struct{}{"good": {}},
	}
	h := Auth(cfg, okHandler())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/calls", nil)
	req.Header.Set("Authorization", "Bearer bad")
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestAuth_AttachesPrincipalWithRole(t *testing.T) {
	cfg := config.Config{
		AuthMode: config.AuthModeRequired,
		APIKeys:  map[string]struct{}{"good": {}},
	}
	var got *auth.Principal
	h := Auth(cfg, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = auth.PrincipalFrom(r.Context())
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/calls", nil)
	req.Header.Set("Authorization", "Bearer good")
	req.Header.Set("X-Operator-ID", "op_7")
	req.Header.Set("X-Operator-Role", "supervisor")
	h.ServeHTTP(rec, req)

	if got == nil {
		t.Fatal("principal not attached")
	}
	if got.APIKey != "good" || got.OperatorID != "op_7" || got.Role != auth.RoleSupervisor {
		t.Fatalf("principal = %+v", got)
	}
}

func TestAuth_DefaultsRoleToOperator(t *testing.T) {
	cfg := config.Config{
		AuthMode: config.AuthModeRequired,
		APIKeys:  map[string]struct{}{"good": {}},
	}
	var got *auth.Principal
	h := Auth(cfg, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = auth.PrincipalFrom(r.Context())
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/calls", nil)
	req.Header.Set("Authorization", "Bearer good")
	h.ServeHTTP(rec, req)

	if got == nil || got.Role != auth.RoleOperator {
		t.Fatalf("principal = %+v, want operator role", got)
	}
}

func TestAuth_RejectsUnknownRole(t *testing.T) {
	cfg := config.Config{
		AuthMode: config.AuthModeRequired,
		APIKeys:  map[string]struct{}{"good": {}},
	}
	h := Auth(cfg, okHandler())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/calls", nil)
	req.Header.Set("Authorization", "Bearer good")
	req.Header.Set("X-Operator-Role", "root")
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestAuth_OptionalPassesWithoutToken(t *testing.T) {
	cfg := config.Config{AuthMode: config.AuthModeOptional}
	h := Auth(cfg, okHandler())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/calls", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestRecover_ConvertsPanicTo500(t *testing.T) {
	h := Recover(slog.New(slog.DiscardHandler), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/calls", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}

func TestAccessLog_RecordsStatus(t *testing.T) {
	var buf strings.Builder
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	h := AccessLog(logger, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/calls", nil))
	if !strings.Contains(buf.String(), "status=418") {
		t.Fatalf("access log missing status: %q", buf.String())
	}
}

func TestCORS_PreflightAllowlist(t *testing.T) {
	cfg := config.Config{
		CORSAllowedOrigins: map[string]struct{}{"https://ops.example": {}},
	}
	h := CORS(cfg, okHandler())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodOptions, "/v1/monitor", nil)
	req.Header.Set("Origin", "https://ops.example")
	req.Header.Set("Access-Control-Request-Method", "GET")
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("allowed preflight status = %d, want 204", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "https://ops.example" {
		t.Fatalf("Allow-Origin = %q", rec.Header().Get("Access-Control-Allow-Origin"))
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodOptions, "/v1/monitor", nil)
	req.Header.Set("Origin", "https://evil.example")
	req.Header.Set("Access-Control-Request-Method", "GET")
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("denied preflight status = %d, want 403", rec.Code)
	}
}

func TestAPIVersion_RejectsUnsupported(t *testing.T) {
	h := APIVersion(okHandler())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/calls", nil)
	req.Header.Set("X-Dispatch-Version", "2")
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	e := decodeError(t, rec.Body.String())
	if e.Code != "unsupported_version" {
		t.Fatalf("error code = %q", e.Code)
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/v1/calls", nil)
	req.Header.Set("X-Dispatch-Version", "1")
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestRateLimit_Returns429WithRetryAfter(t *testing.T) {
	cfg := config.Config{}
	limiter := ratelimit.New(ratelimit.Config{RPS: 1, Burst: 1})
	h := RateLimit(cfg, limiter, okHandler())

	req := httptest.NewRequest(http.MethodPost, "/v1/calls", nil)
	req.RemoteAddr = "10.1.2.3:5555"

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("first status = %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("missing Retry-After header")
	}
	e := decodeError(t, rec.Body.String())
	if e.Type != core.ErrRateLimit || e.RetryAfter == nil {
		t.Fatalf("error = %+v", e)
	}
}

func TestRateLimit_SkipsHealthEndpoints(t *testing.T) {
	limiter := ratelimit.New(ratelimit.Config{RPS: 1, Burst: 1})
	h := RateLimit(config.Config{}, limiter, okHandler())

	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("healthz attempt %d status = %d, want 200", i, rec.Code)
		}
	}
}
