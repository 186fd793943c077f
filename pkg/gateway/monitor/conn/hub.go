package conn

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/apexsec/dispatch/pkg/gateway/monitor/protocol"
	"github.com/apexsec/dispatch/pkg/gateway/registry"
)

// Hub fans registry events out to every interested monitor conn. It is the
// registry's sink: Publish never blocks, it only enqueues.
type Hub struct {
	mu     sync.RWMutex
	conns  map[string]*Conn
	now    func() time.Time
	logger *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Hub{
		conns:  make(map[string]*Conn),
		now:    time.Now,
		logger: logger,
	}
}

func (h *Hub) Add(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c.ID] = c
}

func (h *Hub) Remove(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, connID)
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Publish implements registry.Sink. The frame is marshaled once and shared
// across every receiving conn.
func (h *Hub) Publish(ev registry.Event) {
	if ev.Session == nil {
		return
	}
	frame := h.frameFor(ev)
	if frame == nil {
		return
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error("monitor event marshal failed", "kind", string(ev.Kind), "error", err)
		return
	}

	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		if c.WantsCall(ev.Session.CallID) {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if ev.Priority {
			c.EnqueuePriority(payload)
		} else {
			c.Enqueue(payload)
		}
	}
}

// PublishAdvisory fans a one-off frame out to conns watching callID,
// outside the registry event stream. Advisories ride the normal lane so
// they never delay intervention acks.
func (h *Hub) PublishAdvisory(callID string, frame any) {
	payload, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error("monitor advisory marshal failed", "call_id", callID, "error", err)
		return
	}

	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		if c.WantsCall(callID) {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.Enqueue(payload)
	}
}

func (h *Hub) frameFor(ev registry.Event) any {
	s := ev.Session
	ts := h.now().UnixMilli()

	switch ev.Kind {
	case registry.EventTranscription:
		if ev.Entry == nil {
			return nil
		}
		return protocol.ServerTranscription{
			Type:        protocol.TypeTranscription,
			CallID:      s.CallID,
			Entry:       *ev.Entry,
			Version:     s.Version,
			TimestampMS: ts,
		}
	case registry.EventCallStarted, registry.EventCallUpdate, registry.EventHumanTakeover, registry.EventCallEnded:
		return protocol.ServerCallEvent{
			Type:        string(ev.Kind),
			CallID:      s.CallID,
			Call:        s,
			RequestID:   ev.RequestID,
			Reason:      ev.Reason,
			TimestampMS: ts,
		}
	case registry.EventEmergencyAlert:
		return protocol.ServerCallEvent{
			Type:           protocol.TypeEmergencyAlert,
			CallID:         s.CallID,
			Call:           s,
			RequestID:      ev.RequestID,
			EscalationType: ev.Reason,
			IncidentID:     s.IncidentID,
			TimestampMS:    ts,
		}
	default:
		return nil
	}
}
