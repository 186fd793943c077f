package ratelimit

import (
	"testing"
	"time"
)

func TestAcquireMonitorSession_EnforcesConcurrency(t *testing.T) {
	l := New(Config{MaxMonitorSessions: 1})
	now := time.Now()

	first := l.AcquireMonitorSession("p1", now)
	if !first.Allowed || first.Permit == nil {
		t.Fatalf("first allowed=%v permit=%v", first.Allowed, first.Permit)
	}

	second := l.AcquireMonitorSession("p1", now)
	if second.Allowed {
		t.Fatalf("second should be denied")
	}

	first.Permit.Release()
	third := l.AcquireMonitorSession("p1", now)
	if !third.Allowed {
		t.Fatalf("third should be allowed after release")
	}
}

func TestAcquireMonitorSession_IsPerPrincipal(t *testing.T) {
	l := New(Config{MaxMonitorSessions: 1})
	now := time.Now()

	if d := l.AcquireMonitorSession("p1", now); !d.Allowed {
		t.Fatalf("p1 should be allowed")
	}
	if d := l.AcquireMonitorSession("p2", now); !d.Allowed {
		t.Fatalf("p2 should be allowed")
	}
}

func TestAcquireRequest_TokenBucketRefills(t *testing.T) {
	l := New(Config{RPS: 1, Burst: 1})
	now := time.Now()

	if d := l.AcquireRequest("p1", now); !d.Allowed {
		t.Fatalf("first request should pass")
	}
	denied := l.AcquireRequest("p1", now)
	if denied.Allowed {
		t.Fatalf("second request should be limited")
	}
	if denied.RetryAfter < 1 {
		t.Fatalf("RetryAfter = %d, want >= 1", denied.RetryAfter)
	}

	later := now.Add(2 * time.Second)
	if d := l.AcquireRequest("p1", later); !d.Allowed {
		t.Fatalf("request after refill should pass")
	}
}

func TestPrincipalKeys_AreStableAndDistinct(t *testing.T) {
	k1 := PrincipalKeyFromAPIKey("secret")
	k2 := PrincipalKeyFromAPIKey("secret")
	if k1 != k2 {
		t.Fatalf("api key hashing not stable: %q vs %q", k1, k2)
	}
	if k1 == PrincipalKeyFromAPIKey("other") {
		t.Fatalf("distinct keys must hash differently")
	}
	if PrincipalKeyFromIP("10.0.0.1") == k1 {
		t.Fatalf("ip and api key namespaces must not collide")
	}
}
