package mw

import (
	"net/http"
	"strings"

	"github.com/apexsec/dispatch/pkg/gateway/config"
)

const (
	corsMethods = "GET, POST, OPTIONS"
	corsHeaders = "Authorization, Content-Type, X-Request-ID, X-Operator-ID, X-Operator-Role, X-Dispatch-Version"
	corsExpose  = "X-Request-ID, Retry-After"
)

// CORS serves browser dashboards. Origins are an explicit allowlist from
// config; anything else gets no CORS headers and preflights are denied
// outright rather than left to time out.
func CORS(cfg config.Config, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		_, allowed := cfg.CORSAllowedOrigins[origin]
		allowed = allowed && origin != ""

		preflight := r.Method == http.MethodOptions &&
			strings.TrimSpace(r.Header.Get("Access-Control-Request-Method")) != ""
		if preflight {
			if !allowed {
				http.Error(w, "cors preflight not allowed", http.StatusForbidden)
				return
			}
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Vary", "Origin")
			h.Set("Access-Control-Allow-Methods", corsMethods)
			h.Set("Access-Control-Allow-Headers", corsHeaders)
			h.Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}

		if allowed {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Vary", "Origin")
			h.Set("Access-Control-Expose-Headers", corsExpose)
		}
		next.ServeHTTP(w, r)
	})
}
