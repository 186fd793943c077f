package lifecycle

import (
	"sync/atomic"
	"time"
)

// Lifecycle is a tiny process lifecycle state holder shared across handlers.
// It is used for readiness draining during graceful shutdown and uptime
// reporting in health payloads.
type Lifecycle struct {
	draining atomic.Bool
	started  atomic.Int64 // unix nanos, 0 until MarkStarted
}

func (l *Lifecycle) MarkStarted(now time.Time) {
	if l == nil {
		return
	}
	l.started.Store(now.UnixNano())
}

func (l *Lifecycle) Uptime(now time.Time) time.Duration {
	if l == nil {
		return 0
	}
	start := l.started.Load()
	if start == 0 {
		return 0
	}
	d := now.Sub(time.Unix(0, start))
	if d < 0 {
		return 0
	}
	return d
}

func (l *Lifecycle) SetDraining(draining bool) {
	if l == nil {
		return
	}
	l.draining.Store(draining)
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	return l.draining.Load()
}
