package mw

import (
	"net/http"
	"strings"

	"github.com/apexsec/dispatch/pkg/core"
)

const (
	apiVersionHeader    = "X-Dispatch-Version"
	supportedAPIVersion = "1"
)

// APIVersion rejects /v1 requests that pin an API version other than "1".
// Requests without the header pass through; monitor websocket upgrades and
// CORS preflights are exempt.
func APIVersion(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if bad, got := unsupportedVersion(r); bad {
			reqID, _ := RequestIDFrom(r.Context())
			writeJSONError(w, http.StatusBadRequest, &core.Error{
				Type:      core.ErrInvalidRequest,
				Message:   "unsupported API version " + got,
				Param:     apiVersionHeader,
				Code:      "unsupported_version",
				RequestID: reqID,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func unsupportedVersion(r *http.Request) (bool, string) {
	if r.Method == http.MethodOptions || isWebSocketUpgrade(r) {
		return false, ""
	}
	if r.URL.Path != "/v1" && !strings.HasPrefix(r.URL.Path, "/v1/") {
		return false, ""
	}
	for _, raw := range r.Header.Values(apiVersionHeader) {
		for _, part := range strings.Split(raw, ",") {
			v := strings.TrimSpace(part)
			if v != "" && v != supportedAPIVersion {
				return true, v
			}
		}
	}
	return false, ""
}

func isWebSocketUpgrade(r *http.Request) bool {
	if !strings.EqualFold(strings.TrimSpace(r.Header.Get("Upgrade")), "websocket") {
		return false
	}
	for _, value := range r.Header.Values("Connection") {
		for _, part := range strings.Split(value, ",") {
			if strings.EqualFold(strings.TrimSpace(part), "upgrade") {
				return true
			}
		}
	}
	return false
}
