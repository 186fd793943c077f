// Package principal identifies the party behind a request for rate-limit
// accounting: the authenticated API key when present, otherwise the client IP.
package principal

import (
	"net"
	"net/http"
	"strings"

	"github.com/apexsec/dispatch/pkg/gateway/auth"
	"github.com/apexsec/dispatch/pkg/gateway/config"
	"github.com/apexsec/dispatch/pkg/gateway/ratelimit"
)

type Kind string

const (
	KindAPIKey Kind = "api_key"
	KindIP     Kind = "ip"
	KindAnon   Kind = "anonymous"
)

type Resolved struct {
	Kind Kind
	// Key is a hashed identifier safe to use in maps and logs. The raw API
	// key or IP is deliberately not carried here.
	Key string
}

func Resolve(r *http.Request, cfg config.Config) Resolved {
	if r == nil {
		return Resolved{Kind: KindAnon, Key: "anonymous"}
	}
	if p, ok := auth.PrincipalFrom(r.Context()); ok && strings.TrimSpace(p.APIKey) != "" {
		return Resolved{Kind: KindAPIKey, Key: ratelimit.PrincipalKeyFromAPIKey(p.APIKey)}
	}
	if ip := clientIP(r, cfg.TrustProxyHeaders); ip != "" {
		return Resolved{Kind: KindIP, Key: ratelimit.PrincipalKeyFromIP(ip)}
	}
	return Resolved{Kind: KindAnon, Key: "anonymous"}
}

// clientIP picks the caller address. Proxy-set headers are consulted only
// when the deployment says they can be trusted; a forgeable XFF would let a
// caller dodge per-IP limits.
func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		for _, h := range []string{"CF-Connecting-IP", "X-Real-IP"} {
			if ip := canonicalIP(r.Header.Get(h)); ip != "" {
				return ip
			}
		}
		if raw := r.Header.Get("X-Forwarded-For"); raw != "" {
			// left-most entry is the original client
			if ip := canonicalIP(strings.Split(raw, ",")[0]); ip != "" {
				return ip
			}
		}
	}
	return canonicalIP(r.RemoteAddr)
}

func canonicalIP(s string) string {
	s = strings.TrimSpace(s)
	if h, _, err := net.SplitHostPort(s); err == nil {
		s = h
	}
	if ip := net.ParseIP(s); ip != nil {
		return ip.String()
	}
	return ""
}
