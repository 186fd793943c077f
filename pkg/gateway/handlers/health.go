package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/apexsec/dispatch/pkg/gateway/config"
	"github.com/apexsec/dispatch/pkg/gateway/lifecycle"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

type ReadyHandler struct {
	Config    config.Config
	Lifecycle *lifecycle.Lifecycle
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK            bool     `json:"ok"`
		Draining      bool     `json:"draining"`
		AuthMode      string   `json:"auth_mode"`
		StoreEnabled  bool     `json:"store_enabled"`
		LimitsEnabled bool     `json:"limits_enabled"`
		Issues        []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 4)

	switch h.Config.AuthMode {
	case config.AuthModeRequired, config.AuthModeOptional, config.AuthModeDisabled:
	default:
		issues = append(issues, "invalid auth_mode")
	}
	if h.Config.AuthMode == config.AuthModeRequired && len(h.Config.APIKeys) == 0 {
		issues = append(issues, "auth_mode=required but no api keys configured")
	}

	if h.Config.MaxBodyBytes <= 0 {
		issues = append(issues, "max_body_bytes must be > 0")
	}
	if h.Config.MaxTranscriptEntryBytes <= 0 || h.Config.MaxTranscriptEntries <= 0 {
		issues = append(issues, "transcript budgets must be > 0")
	}
	if h.Config.MonitorWSPingInterval <= 0 || h.Config.MonitorWSWriteTimeout <= 0 {
		issues = append(issues, "monitor write timings must be > 0")
	}
	if h.Config.MonitorWSReadTimeout <= h.Config.MonitorWSPingInterval {
		issues = append(issues, "monitor read timeout must exceed ping interval")
	}
	if h.Config.MonitorMaxSessionDuration <= 0 {
		issues = append(issues, "monitor max session duration must be > 0")
	}
	if h.Config.MonitorMaxPerPrincipal <= 0 {
		issues = append(issues, "monitor sessions per principal must be > 0")
	}
	if h.Config.InterventionAckTimeout <= 0 {
		issues = append(issues, "intervention ack timeout must be > 0")
	}
	if h.Config.ReadHeaderTimeout <= 0 || h.Config.ReadTimeout <= 0 || h.Config.HandlerTimeout <= 0 {
		issues = append(issues, "timeouts must be > 0")
	}

	draining := h.Lifecycle != nil && h.Lifecycle.IsDraining()
	limitsEnabled := h.Config.LimitRPS > 0 && h.Config.LimitBurst > 0

	ok := len(issues) == 0 && !draining
	status := http.StatusOK
	switch {
	case draining:
		status = http.StatusServiceUnavailable
	case !ok:
		status = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(readyResp{
		OK:            ok,
		Draining:      draining,
		AuthMode:      string(h.Config.AuthMode),
		StoreEnabled:  h.Config.DatabaseURL != "",
		LimitsEnabled: limitsEnabled,
		Issues:        issues,
	})
}
