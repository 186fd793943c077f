// Package ratelimit bounds per-principal load on a single gateway process:
// a token bucket for ingest REST calls and a concurrency cap for monitor
// websocket sessions. State is in-memory only.
package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sync"
	"time"
)

type Config struct {
	RPS   float64
	Burst int

	// Concurrent monitor websocket sessions allowed per principal.
	MaxMonitorSessions int

	// Bounds for the principal map so a key-spraying client cannot grow
	// memory without limit.
	MaxEntries int
	EntryTTL   time.Duration
}

type Limiter struct {
	cfg Config

	mu         sync.Mutex
	principals map[string]*bucket
}

// bucket carries one principal's limiter state. tokens/last implement the
// token bucket; sessions counts live monitor connections.
type bucket struct {
	tokens   float64
	last     time.Time
	sessions int
	lastSeen time.Time
}

func New(cfg Config) *Limiter {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10_000
	}
	if cfg.EntryTTL <= 0 {
		cfg.EntryTTL = 30 * time.Minute
	}
	return &Limiter{cfg: cfg, principals: make(map[string]*bucket)}
}

// PrincipalKeyFromAPIKey hashes an API key into a stable map key so the raw
// credential never sits in limiter state or logs.
func PrincipalKeyFromAPIKey(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return "k_" + hex.EncodeToString(sum[:16])
}

func PrincipalKeyFromIP(ip string) string {
	sum := sha256.Sum256([]byte(ip))
	return "ip_" + hex.EncodeToString(sum[:16])
}

// Permit represents acquired capacity. Release is idempotent.
type Permit struct {
	release func()
}

func (p *Permit) Release() {
	if p == nil || p.release == nil {
		return
	}
	p.release()
	p.release = nil
}

type Decision struct {
	Allowed    bool
	RetryAfter int
	Permit     *Permit
}

var noopPermit = func() {}

// AcquireRequest charges one ingest request against the principal's token
// bucket. A zero RPS or Burst disables the bucket.
func (l *Limiter) AcquireRequest(principal string, now time.Time) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.lookupLocked(principal, now)
	if l.cfg.RPS <= 0 || l.cfg.Burst <= 0 {
		return Decision{Allowed: true, Permit: &Permit{release: noopPermit}}
	}

	capacity := float64(l.cfg.Burst)
	if elapsed := now.Sub(b.last).Seconds(); elapsed > 0 {
		b.tokens = math.Min(capacity, b.tokens+elapsed*l.cfg.RPS)
		b.last = now
	}
	if b.tokens >= 1 {
		b.tokens--
		return Decision{Allowed: true, Permit: &Permit{release: noopPermit}}
	}

	wait := (1 - b.tokens) / l.cfg.RPS
	retryAfter := int(math.Ceil(wait))
	if retryAfter < 1 {
		retryAfter = 1
	}
	return Decision{Allowed: false, RetryAfter: retryAfter}
}

// AcquireMonitorSession reserves a monitor websocket slot. The permit must be
// released when the connection closes or the slot leaks until process restart.
func (l *Limiter) AcquireMonitorSession(principal string, now time.Time) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.lookupLocked(principal, now)
	if l.cfg.MaxMonitorSessions <= 0 {
		return Decision{Allowed: true, Permit: &Permit{release: noopPermit}}
	}
	if b.sessions >= l.cfg.MaxMonitorSessions {
		return Decision{Allowed: false, RetryAfter: 1}
	}
	b.sessions++
	return Decision{
		Allowed: true,
		Permit: &Permit{release: func() {
			l.mu.Lock()
			if b.sessions > 0 {
				b.sessions--
			}
			l.mu.Unlock()
		}},
	}
}

func (l *Limiter) lookupLocked(principal string, now time.Time) *bucket {
	if principal == "" {
		principal = "anonymous"
	}

	if len(l.principals) >= l.cfg.MaxEntries {
		for k, v := range l.principals {
			if v.sessions == 0 && now.Sub(v.lastSeen) > l.cfg.EntryTTL {
				delete(l.principals, k)
			}
		}
		// Still full: evict an arbitrary idle entry. Bounded memory beats
		// perfect fairness here.
		if len(l.principals) >= l.cfg.MaxEntries {
			for k, v := range l.principals {
				if v.sessions == 0 {
					delete(l.principals, k)
					break
				}
			}
		}
	}

	b, ok := l.principals[principal]
	if !ok {
		b = &bucket{tokens: float64(l.cfg.Burst), last: now}
		l.principals[principal] = b
	}
	b.lastSeen = now
	return b
}
