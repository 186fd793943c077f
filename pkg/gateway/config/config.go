package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type AuthMode string

const (
	AuthModeRequired AuthMode = "required"
	AuthModeOptional AuthMode = "optional"
	AuthModeDisabled AuthMode = "disabled"
)

type Config struct {
	Addr string

	AuthMode AuthMode
	// Monitor-side API keys (operator dashboards, SDK clients).
	APIKeys map[string]struct{}
	// Ingest-side API keys (telephony/AI pipeline). Falls back to APIKeys when empty.
	IngestKeys map[string]struct{}

	// If true, client identity may be derived from proxy headers like X-Forwarded-For.
	// This should only be enabled when the gateway is deployed behind a trusted proxy/LB.
	TrustProxyHeaders bool

	MaxBodyBytes int64

	// Transcript limits (enforced on ingest).
	MaxTranscriptEntryBytes int
	MaxTranscriptEntries    int

	// CORS
	CORSAllowedOrigins map[string]struct{} // empty => disabled

	// Monitor WebSocket mode (/v1/monitor).
	MonitorMaxJSONMessageBytes int64
	MonitorWSPingInterval      time.Duration
	MonitorWSWriteTimeout      time.Duration
	MonitorWSReadTimeout       time.Duration
	MonitorHandshakeTimeout    time.Duration
	MonitorOutboundQueueSize   int
	MonitorMaxSessionDuration  time.Duration
	MonitorMaxPerPrincipal     int

	// Intervention engine.
	InterventionAckTimeout   time.Duration
	AutoEscalateAfter        time.Duration
	LowConfidenceThreshold   float64
	LowConfidenceEscalateMin int

	// SOP source.
	SOPPath           string
	SOPReloadInterval time.Duration

	// Persistence (empty DatabaseURL => in-memory only, no durable call log).
	DatabaseURL      string
	DBConnectTimeout time.Duration

	// In-memory limits (per principal).
	LimitRPS   float64
	LimitBurst int

	// Operational defaults
	ReadHeaderTimeout   time.Duration
	ReadTimeout         time.Duration
	HandlerTimeout      time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                       envOr("DISPATCH_ADDR", ":8090"),
		AuthMode:                   AuthMode(envOr("DISPATCH_AUTH_MODE", string(AuthModeRequired))),
		APIKeys:                    make(map[string]struct{}),
		IngestKeys:                 make(map[string]struct{}),
		TrustProxyHeaders:          envBoolOr("DISPATCH_TRUST_PROXY_HEADERS", false),
		MaxBodyBytes:               envInt64Or("DISPATCH_MAX_BODY_BYTES", 1<<20), // 1 MiB
		MaxTranscriptEntryBytes:    envIntOr("DISPATCH_MAX_TRANSCRIPT_ENTRY_BYTES", 16<<10),
		MaxTranscriptEntries:       envIntOr("DISPATCH_MAX_TRANSCRIPT_ENTRIES", 5000),
		CORSAllowedOrigins:         make(map[string]struct{}),
		MonitorMaxJSONMessageBytes: envInt64Or("DISPATCH_MONITOR_MAX_JSON_MESSAGE_BYTES", 256*1024),
		MonitorWSPingInterval:      envDurationOr("DISPATCH_MONITOR_WS_PING_INTERVAL", 20*time.Second),
		MonitorWSWriteTimeout:      envDurationOr("DISPATCH_MONITOR_WS_WRITE_TIMEOUT", 5*time.Second),
		MonitorWSReadTimeout:       envDurationOr("DISPATCH_MONITOR_WS_READ_TIMEOUT", 90*time.Second),
		MonitorHandshakeTimeout:    envDurationOr("DISPATCH_MONITOR_HANDSHAKE_TIMEOUT", 5*time.Second),
		MonitorOutboundQueueSize:   envIntOr("DISPATCH_MONITOR_OUTBOUND_QUEUE_SIZE", 256),
		MonitorMaxSessionDuration:  envDurationOr("DISPATCH_MONITOR_WS_MAX_DURATION", 12*time.Hour),
		MonitorMaxPerPrincipal:     envIntOr("DISPATCH_MONITOR_MAX_SESSIONS_PER_PRINCIPAL", 4),
		InterventionAckTimeout:     envDurationOr("DISPATCH_INTERVENTION_ACK_TIMEOUT", 10*time.Second),
		AutoEscalateAfter:          envDurationOr("DISPATCH_AUTO_ESCALATE_AFTER", 0),
		LowConfidenceThreshold:     envFloat64Or("DISPATCH_LOW_CONFIDENCE_THRESHOLD", 0.7),
		LowConfidenceEscalateMin:   envIntOr("DISPATCH_LOW_CONFIDENCE_ESCALATE_MIN", 3),
		SOPPath:                    envOr("DISPATCH_SOP_PATH", ""),
		SOPReloadInterval:          envDurationOr("DISPATCH_SOP_RELOAD_INTERVAL", 0),
		DatabaseURL:                envOr("DISPATCH_DATABASE_URL", ""),
		DBConnectTimeout:           envDurationOr("DISPATCH_DB_CONNECT_TIMEOUT", 10*time.Second),
		LimitRPS:                   envFloat64Or("DISPATCH_RATE_LIMIT_RPS", 5.0),
		LimitBurst:                 envIntOr("DISPATCH_RATE_LIMIT_BURST", 10),
		ReadHeaderTimeout:          envDurationOr("DISPATCH_READ_HEADER_TIMEOUT", 10*time.Second),
		ReadTimeout:                envDurationOr("DISPATCH_READ_TIMEOUT", 30*time.Second),
		HandlerTimeout:             envDurationOr("DISPATCH_TOTAL_REQUEST_TIMEOUT", time.Minute),
		ShutdownGracePeriod:        envDurationOr("DISPATCH_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	switch cfg.AuthMode {
	case AuthModeRequired, AuthModeOptional, AuthModeDisabled:
	default:
		return Config{}, fmt.Errorf("DISPATCH_AUTH_MODE must be one of required|optional|disabled")
	}

	for _, key := range splitCSV(os.Getenv("DISPATCH_API_KEYS")) {
		cfg.APIKeys[key] = struct{}{}
	}
	for _, key := range splitCSV(os.Getenv("DISPATCH_INGEST_KEYS")) {
		cfg.IngestKeys[key] = struct{}{}
	}
	for _, origin := range splitCSV(os.Getenv("DISPATCH_CORS_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	if cfg.MaxBodyBytes <= 0 {
		return Config{}, fmt.Errorf("DISPATCH_MAX_BODY_BYTES must be > 0")
	}
	if cfg.MaxTranscriptEntryBytes <= 0 {
		return Config{}, fmt.Errorf("DISPATCH_MAX_TRANSCRIPT_ENTRY_BYTES must be > 0")
	}
	if cfg.MaxTranscriptEntries <= 0 {
		return Config{}, fmt.Errorf("DISPATCH_MAX_TRANSCRIPT_ENTRIES must be > 0")
	}
	if cfg.MonitorMaxJSONMessageBytes <= 0 {
		return Config{}, fmt.Errorf("DISPATCH_MONITOR_MAX_JSON_MESSAGE_BYTES must be > 0")
	}
	if cfg.MonitorWSPingInterval <= 0 {
		return Config{}, fmt.Errorf("DISPATCH_MONITOR_WS_PING_INTERVAL must be > 0")
	}
	if cfg.MonitorWSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("DISPATCH_MONITOR_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.MonitorWSReadTimeout < 0 {
		return Config{}, fmt.Errorf("DISPATCH_MONITOR_WS_READ_TIMEOUT must be >= 0")
	}
	if cfg.MonitorWSReadTimeout > 0 && cfg.MonitorWSReadTimeout <= cfg.MonitorWSPingInterval {
		return Config{}, fmt.Errorf("DISPATCH_MONITOR_WS_READ_TIMEOUT must exceed DISPATCH_MONITOR_WS_PING_INTERVAL")
	}
	if cfg.MonitorHandshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("DISPATCH_MONITOR_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.MonitorOutboundQueueSize <= 0 {
		return Config{}, fmt.Errorf("DISPATCH_MONITOR_OUTBOUND_QUEUE_SIZE must be > 0")
	}
	if cfg.MonitorMaxSessionDuration <= 0 {
		return Config{}, fmt.Errorf("DISPATCH_MONITOR_WS_MAX_DURATION must be > 0")
	}
	if cfg.MonitorMaxPerPrincipal <= 0 {
		return Config{}, fmt.Errorf("DISPATCH_MONITOR_MAX_SESSIONS_PER_PRINCIPAL must be > 0")
	}
	if cfg.InterventionAckTimeout <= 0 {
		return Config{}, fmt.Errorf("DISPATCH_INTERVENTION_ACK_TIMEOUT must be > 0")
	}
	if cfg.AutoEscalateAfter < 0 {
		return Config{}, fmt.Errorf("DISPATCH_AUTO_ESCALATE_AFTER must be >= 0")
	}
	if cfg.LowConfidenceThreshold < 0 || cfg.LowConfidenceThreshold > 1 {
		return Config{}, fmt.Errorf("DISPATCH_LOW_CONFIDENCE_THRESHOLD must be within [0,1]")
	}
	if cfg.LowConfidenceEscalateMin <= 0 {
		return Config{}, fmt.Errorf("DISPATCH_LOW_CONFIDENCE_ESCALATE_MIN must be > 0")
	}
	if cfg.SOPReloadInterval < 0 {
		return Config{}, fmt.Errorf("DISPATCH_SOP_RELOAD_INTERVAL must be >= 0")
	}
	if cfg.DBConnectTimeout <= 0 {
		return Config{}, fmt.Errorf("DISPATCH_DB_CONNECT_TIMEOUT must be > 0")
	}
	if cfg.LimitRPS < 0 {
		return Config{}, fmt.Errorf("DISPATCH_RATE_LIMIT_RPS must be >= 0")
	}
	if cfg.LimitBurst < 0 {
		return Config{}, fmt.Errorf("DISPATCH_RATE_LIMIT_BURST must be >= 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("DISPATCH_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ReadTimeout <= 0 {
		return Config{}, fmt.Errorf("DISPATCH_READ_TIMEOUT must be > 0")
	}
	if cfg.HandlerTimeout <= 0 {
		return Config{}, fmt.Errorf("DISPATCH_TOTAL_REQUEST_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("DISPATCH_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	if cfg.AuthMode == AuthModeRequired && len(cfg.APIKeys) == 0 {
		return Config{}, fmt.Errorf("DISPATCH_API_KEYS must be set when DISPATCH_AUTH_MODE=required")
	}

	return cfg, nil
}

// IngestKeyValid reports whether key may post call lifecycle events.
func (c Config) IngestKeyValid(key string) bool {
	if len(c.IngestKeys) > 0 {
		_, ok := c.IngestKeys[key]
		return ok
	}
	_, ok := c.APIKeys[key]
	return ok
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
