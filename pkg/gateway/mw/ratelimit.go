package mw

import (
	"net/http"
	"strconv"
	"time"

	"github.com/apexsec/dispatch/pkg/core"
	"github.com/apexsec/dispatch/pkg/gateway/config"
	"github.com/apexsec/dispatch/pkg/gateway/principal"
	"github.com/apexsec/dispatch/pkg/gateway/ratelimit"
)

func RateLimit(cfg config.Config, limiter *ratelimit.Limiter, next http.Handler) http.Handler {
	if limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Health endpoints must remain cheap and reliable.
		if r.URL.Path == "/healthz" || r.URL.Path == "/readyz" {
			next.ServeHTTP(w, r)
			return
		}
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		// The monitor websocket acquires its own session permit after upgrade.
		if isWebSocketUpgrade(r) {
			next.ServeHTTP(w, r)
			return
		}

		who := principal.Resolve(r, cfg)

		dec := limiter.AcquireRequest(who.Key, time.Now())
		if !dec.Allowed {
			reqID, _ := RequestIDFrom(r.Context())
			if dec.RetryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(dec.RetryAfter))
			}
			e := &core.Error{
				Type:      core.ErrRateLimit,
				Message:   "rate limit exceeded",
				RequestID: reqID,
			}
			if dec.RetryAfter > 0 {
				v := dec.RetryAfter
				e.RetryAfter = &v
			}
			writeJSONError(w, http.StatusTooManyRequests, e)
			return
		}
		if dec.Permit != nil {
			defer dec.Permit.Release()
		}

		next.ServeHTTP(w, r)
	})
}
