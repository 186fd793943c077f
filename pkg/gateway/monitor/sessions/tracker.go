// Package sessions tracks live monitor connections so the server can
// warn them about a drain and wait for them to finish during shutdown.
package sessions

import (
	"context"
	"sync"
)

// Handle is how the tracker reaches back into a connection. Warn pushes
// an error frame without closing; Cancel tears the connection down.
type Handle struct {
	Cancel func()
	Warn   func(code, message string) error
}

type Tracker struct {
	mu    sync.Mutex
	conns map[string]*trackedConn
	wg    sync.WaitGroup
}

type trackedConn struct {
	handle Handle
	once   sync.Once
}

func NewTracker() *Tracker {
	return &Tracker{conns: make(map[string]*trackedConn)}
}

// Register adds a connection under connID and returns its unregister
// function. Registering an id that is already present evicts the old
// entry, which keeps the waitgroup balanced if a conn id is ever reused.
func (t *Tracker) Register(connID string, h Handle) (unregister func()) {
	if t == nil {
		return func() {}
	}

	entry := &trackedConn{handle: h}

	t.mu.Lock()
	if t.conns == nil {
		t.conns = make(map[string]*trackedConn)
	}
	old := t.conns[connID]
	t.conns[connID] = entry
	t.wg.Add(1)
	t.mu.Unlock()

	if old != nil {
		t.unregister(connID, old)
	}
	return func() { t.unregister(connID, entry) }
}

func (t *Tracker) unregister(connID string, entry *trackedConn) {
	if t == nil || entry == nil {
		return
	}
	entry.once.Do(func() {
		t.mu.Lock()
		if t.conns != nil && t.conns[connID] == entry {
			delete(t.conns, connID)
		}
		t.mu.Unlock()
		t.wg.Done()
	})
}

func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

// WarnAll delivers a non-fatal error frame to every tracked connection.
// Delivery is best effort; a conn that fails to take the warning will be
// reaped by its own writer shortly anyway.
func (t *Tracker) WarnAll(code, message string) (sent int) {
	if t == nil {
		return 0
	}

	var warns []func(code, message string) error
	t.mu.Lock()
	for _, entry := range t.conns {
		if entry == nil || entry.handle.Warn == nil {
			continue
		}
		warns = append(warns, entry.handle.Warn)
	}
	t.mu.Unlock()

	for _, warn := range warns {
		_ = warn(code, message)
		sent++
	}
	return sent
}

func (t *Tracker) CancelAll() (canceled int) {
	if t == nil {
		return 0
	}

	var cancels []func()
	t.mu.Lock()
	for _, entry := range t.conns {
		if entry == nil || entry.handle.Cancel == nil {
			continue
		}
		cancels = append(cancels, entry.handle.Cancel)
	}
	t.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
		canceled++
	}
	return canceled
}

// Wait blocks until every registered connection has unregistered, or the
// context expires. Returns false on context expiry.
func (t *Tracker) Wait(ctx context.Context) bool {
	if t == nil {
		return true
	}
	if ctx == nil {
		t.wg.Wait()
		return true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
