package core

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	idMu      sync.Mutex
	idEntropy = ulid.Monotonic(rand.Reader, 0)
)

func newID(prefix string) string {
	idMu.Lock()
	defer idMu.Unlock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), idEntropy)
	return prefix + id.String()
}

// NewCallID mints a call session identifier.
func NewCallID() string { return newID("c_") }

// NewRequestID mints a client-generated intervention request identifier.
func NewRequestID() string { return newID("ir_") }

// NewIncidentID mints an incident record identifier.
func NewIncidentID() string { return newID("inc_") }

// NewConnID mints a monitor connection identifier.
func NewConnID() string { return newID("m_") }

// NewHTTPRequestID mints a per-request identifier for HTTP logging.
func NewHTTPRequestID() string { return newID("req_") }
