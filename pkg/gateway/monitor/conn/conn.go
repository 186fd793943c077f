// Package conn manages authenticated monitor websocket connections: the
// per-conn subscription set, the outbound frame queues, and the hub that
// fans registry events out to every interested conn.
package conn

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/apexsec/dispatch/pkg/core"
	"github.com/apexsec/dispatch/pkg/gateway/auth"
	"github.com/apexsec/dispatch/pkg/gateway/monitor/protocol"
)

type Config struct {
	PingInterval       time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	MaxMessageBytes    int64
	QueueSize          int
	MaxSessionDuration time.Duration
}

func (c Config) withDefaults() Config {
	if c.PingInterval <= 0 {
		c.PingInterval = 20 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 90 * time.Second
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 256 * 1024
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	return c
}

// Conn is one authenticated monitor connection. The handler owns the read
// loop; the conn owns the writer goroutine and the subscription set.
type Conn struct {
	ID         string
	OperatorID string
	Role       auth.Role

	ws     *websocket.Conn
	cfg    Config
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	subs map[string]struct{}
	all  bool

	priority chan []byte
	normal   chan []byte

	droppedNormal atomic.Int64
	writerDone    chan struct{}
}

func New(operatorID string, role auth.Role, ws *websocket.Conn, cfg Config, logger *slog.Logger) *Conn {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Conn{
		ID:         core.NewConnID(),
		OperatorID: operatorID,
		Role:       role,
		ws:         ws,
		cfg:        cfg,
		logger:     logger,
		subs:       make(map[string]struct{}),
		priority:   make(chan []byte, cfg.QueueSize),
		normal:     make(chan []byte, cfg.QueueSize),
		writerDone: make(chan struct{}),
	}
}

// Start configures read limits and launches the writer goroutine. The conn
// tears itself down when parent is canceled or the session duration cap is
// reached.
func (c *Conn) Start(parent context.Context) {
	if parent == nil {
		parent = context.Background()
	}
	if c.cfg.MaxSessionDuration > 0 {
		c.ctx, c.cancel = context.WithTimeout(parent, c.cfg.MaxSessionDuration)
	} else {
		c.ctx, c.cancel = context.WithCancel(parent)
	}

	if c.ws != nil {
		c.ws.SetReadLimit(c.cfg.MaxMessageBytes)
		_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		c.ws.SetPongHandler(func(string) error {
			return c.ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		})
	}

	if c.ws == nil {
		close(c.writerDone)
		return
	}
	go func() {
		defer close(c.writerDone)
		w := &outboundWriter{
			ws:           c.ws,
			ctx:          c.ctx,
			pingInterval: c.cfg.PingInterval,
			writeTimeout: c.cfg.WriteTimeout,
			priority:     c.priority,
			normal:       c.normal,
		}
		if err := w.Run(); err != nil {
			c.logger.Debug("monitor writer stopped", "conn_id", c.ID, "error", err)
			c.Cancel()
		}
	}()
}

func (c *Conn) Cancel() {
	if c.cancel != nil {
		c.cancel()
	}
}

func (c *Conn) Done() <-chan struct{} {
	if c.ctx == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return c.ctx.Done()
}

// WaitWriter blocks until the writer goroutine has exited and the socket
// is closed.
func (c *Conn) WaitWriter() { <-c.writerDone }

// NextFrame reads one text frame from the socket, refreshing the read
// deadline first. It is only called from the handler's read loop.
func (c *Conn) NextFrame() ([]byte, error) {
	if err := c.ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout)); err != nil {
		return nil, err
	}
	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if messageType != websocket.TextMessage {
			continue
		}
		return data, nil
	}
}

func (c *Conn) Subscribe(callID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[callID] = struct{}{}
}

func (c *Conn) Unsubscribe(callID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, callID)
	c.all = false
}

func (c *Conn) SubscribeAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.all = true
}

// WantsCall reports whether events for callID should reach this conn.
func (c *Conn) WantsCall(callID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.all {
		return true
	}
	_, ok := c.subs[callID]
	return ok
}

// EnqueuePriority queues an alert-class frame. A full priority queue means
// the client has stopped consuming; the conn is torn down rather than let
// it silently miss alerts.
func (c *Conn) EnqueuePriority(payload []byte) bool {
	select {
	case c.priority <- payload:
		return true
	default:
		c.logger.Warn("monitor conn priority queue full, dropping connection",
			"conn_id", c.ID, "operator_id", c.OperatorID)
		c.Cancel()
		return false
	}
}

// Enqueue queues a normal frame, dropping it if the queue is full. Dropped
// transcription frames are recoverable via get_transcript.
func (c *Conn) Enqueue(payload []byte) bool {
	select {
	case c.normal <- payload:
		return true
	default:
		c.droppedNormal.Add(1)
		return false
	}
}

func (c *Conn) DroppedNormal() int64 { return c.droppedNormal.Load() }

// SendFrame marshals v and queues it on the requested lane. Used by the
// handler for direct command replies.
func (c *Conn) SendFrame(v any, priority bool) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if priority {
		if !c.EnqueuePriority(payload) {
			return core.NewTransportError("connection send queue overflow")
		}
		return nil
	}
	c.Enqueue(payload)
	return nil
}

// Warn pushes a non-fatal error frame. Wired into the session tracker so a
// draining server can tell every monitor before the close.
func (c *Conn) Warn(code, message string) error {
	return c.SendFrame(protocol.ServerErrorFrame{
		Type:      protocol.TypeError,
		Code:      code,
		Message:   message,
		Retryable: true,
	}, true)
}
