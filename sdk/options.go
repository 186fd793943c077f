package dispatch

import (
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/apexsec/dispatch/pkg/gateway/auth"
)

// ClientOption is a function that configures a Client.
type ClientOption func(*Client)

// WithEndpoint sets the monitor websocket URL
// (for example ws://localhost:8090/v1/monitor).
func WithEndpoint(url string) ClientOption {
	return func(c *Client) {
		c.endpoint = url
	}
}

// WithToken sets the API key presented in the authenticate frame.
func WithToken(token string) ClientOption {
	return func(c *Client) {
		c.token = token
	}
}

// WithOperatorID sets the operator identity attached to every intervention.
func WithOperatorID(id string) ClientOption {
	return func(c *Client) {
		c.operatorID = id
	}
}

// WithRole sets the session role. Defaults to operator.
func WithRole(role auth.Role) ClientOption {
	return func(c *Client) {
		c.role = role
	}
}

// WithLogger sets the logger for the client.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = l
	}
}

// WithBackoff sets the base reconnect delay. Each failed attempt doubles
// the delay.
func WithBackoff(d time.Duration) ClientOption {
	return func(c *Client) {
		c.backoffBase = d
	}
}

// WithMaxRetries sets the reconnect attempt budget. Once exhausted the
// channel goes terminally disconnected until Retry is called.
func WithMaxRetries(n int) ClientOption {
	return func(c *Client) {
		c.maxRetries = n
	}
}

// WithRequestTimeout sets how long an intervention waits for its server
// acknowledgment before resolving timed out.
func WithRequestTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.requestTimeout = d
	}
}

// WithHeartbeatInterval sets the heartbeat send period.
func WithHeartbeatInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.heartbeatInterval = d
	}
}

// WithDialer sets a custom websocket dialer.
func WithDialer(d *websocket.Dialer) ClientOption {
	return func(c *Client) {
		c.dialer = d
	}
}
