// Package apierror maps internal errors onto the wire error envelope and
// an HTTP status code.
package apierror

import (
	"context"
	"errors"
	"net/http"

	"github.com/apexsec/dispatch/pkg/core"
	"github.com/apexsec/dispatch/pkg/gateway/monitor/protocol"
)

type Envelope struct {
	Error *core.Error `json:"error"`
}

func FromError(err error, requestID string) (*core.Error, int) {
	if err == nil {
		return nil, http.StatusOK
	}

	// Context timeouts/cancellation.
	if errors.Is(err, context.DeadlineExceeded) {
		return &core.Error{
			Type:      core.ErrTimeout,
			Message:   "request timeout",
			RequestID: requestID,
		}, http.StatusGatewayTimeout
	}
	if errors.Is(err, context.Canceled) {
		return &core.Error{
			Type:      core.ErrTransport,
			Message:   "request cancelled",
			Code:      "cancelled",
			RequestID: requestID,
		}, http.StatusRequestTimeout
	}

	// Already canonical.
	var coreErr *core.Error
	if errors.As(err, &coreErr) && coreErr != nil {
		out := *coreErr
		out.RequestID = requestID
		return &out, StatusFromType(coreErr.Type)
	}

	// Frame decode errors from the monitor protocol.
	var decodeErr *protocol.DecodeError
	if errors.As(err, &decodeErr) && decodeErr != nil {
		return &core.Error{
			Type:      core.ErrInvalidRequest,
			Message:   decodeErr.Message,
			Param:     decodeErr.Param,
			Code:      decodeErr.Code,
			RequestID: requestID,
		}, http.StatusBadRequest
	}

	// Unknown errors: do not leak details.
	return &core.Error{
		Type:      core.ErrInternal,
		Message:   "internal error",
		RequestID: requestID,
	}, http.StatusInternalServerError
}

func StatusFromType(t core.ErrorType) int {
	switch t {
	case core.ErrInvalidRequest:
		return http.StatusBadRequest
	case core.ErrAuthentication:
		return http.StatusUnauthorized
	case core.ErrNotFound:
		return http.StatusNotFound
	case core.ErrStaleSession, core.ErrDuplicateRequest:
		return http.StatusConflict
	case core.ErrRateLimit:
		return http.StatusTooManyRequests
	case core.ErrNotConnected:
		return http.StatusServiceUnavailable
	case core.ErrTransport:
		return http.StatusBadGateway
	case core.ErrTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
