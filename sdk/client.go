// Package dispatch is the Go monitoring client for the dispatch gateway.
//
// A Client holds connection configuration; Connect establishes one
// authenticated duplex channel and returns a Channel that reconnects on
// transport failures, keeps a version-guarded projection of every
// subscribed call, and carries operator interventions. There is no shared
// global connection: each Client/Channel pair is independent, so tests and
// multi-tenant processes can run several side by side.
package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/apexsec/dispatch/pkg/core"
	"github.com/apexsec/dispatch/pkg/gateway/auth"
)

const (
	defaultBackoffBase       = 500 * time.Millisecond
	defaultMaxRetries        = 5
	defaultRequestTimeout    = 8 * time.Second
	defaultHeartbeatInterval = 15 * time.Second

	maxBackoff = 30 * time.Second
)

// Client is the entry point for the monitoring SDK.
type Client struct {
	endpoint   string
	token      string
	operatorID string
	role       auth.Role

	logger            *slog.Logger
	dialer            *websocket.Dialer
	backoffBase       time.Duration
	maxRetries        int
	requestTimeout    time.Duration
	heartbeatInterval time.Duration
}

// NewClient creates a client. The endpoint and operator id are required
// before Connect; Connect reports the gap as an invalid request error.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		role:              auth.RoleOperator,
		logger:            slog.Default(),
		dialer:            websocket.DefaultDialer,
		backoffBase:       defaultBackoffBase,
		maxRetries:        defaultMaxRetries,
		requestTimeout:    defaultRequestTimeout,
		heartbeatInterval: defaultHeartbeatInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect dials the monitor endpoint and completes the in-band
// authenticate handshake. A transport failure on the first dial is
// retried with the configured backoff; an authentication rejection is
// returned immediately and never retried. The returned Channel keeps
// itself connected until Close.
func (c *Client) Connect(ctx context.Context) (*Channel, error) {
	if c.endpoint == "" {
		return nil, core.NewInvalidRequestErrorWithParam("endpoint is required", "endpoint")
	}
	if c.operatorID == "" {
		return nil, core.NewInvalidRequestErrorWithParam("operator id is required", "operator_id")
	}
	if !c.role.Valid() {
		return nil, core.NewInvalidRequestErrorWithParam("unknown role", "role")
	}

	ch := newChannel(c)
	if err := ch.connectWithBackoff(ctx); err != nil {
		ch.shutdown()
		return nil, err
	}
	go ch.run()
	return ch, nil
}
