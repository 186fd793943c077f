package apierror

import (
	"context"
	"errors"
	"testing"

	"github.com/apexsec/dispatch/pkg/core"
)

func TestFromError_ContextCanceled_Is408Cancelled(t *testing.T) {
	ce, status := FromError(context.Canceled, "req_test")
	if status != 408 {
		t.Fatalf("status=%d", status)
	}
	if ce.Type != core.ErrTransport {
		t.Fatalf("type=%q", ce.Type)
	}
	if ce.Code != "cancelled" {
		t.Fatalf("code=%q", ce.Code)
	}
	if ce.RequestID != "req_test" {
		t.Fatalf("request_id=%q", ce.RequestID)
	}
}

func TestFromError_DeadlineExceeded_Is504(t *testing.T) {
	ce, status := FromError(context.DeadlineExceeded, "req_test")
	if status != 504 {
		t.Fatalf("status=%d", status)
	}
	if ce.Type != core.ErrTimeout {
		t.Fatalf("type=%q", ce.Type)
	}
}

func TestFromError_CanonicalErrorKeepsTypeAndGainsRequestID(t *testing.T) {
	src := core.NewStaleSessionError("c_1", "call already completed")
	ce, status := FromError(src, "req_9")
	if status != 409 {
		t.Fatalf("status=%d", status)
	}
	if ce.Type != core.ErrStaleSession || ce.CallID != "c_1" {
		t.Fatalf("err=%+v", ce)
	}
	if ce.RequestID != "req_9" {
		t.Fatalf("request_id=%q", ce.RequestID)
	}
	if src.RequestID != "" {
		t.Fatal("FromError must not mutate the source error")
	}
}

func TestFromError_UnknownErrorIsOpaque500(t *testing.T) {
	ce, status := FromError(errors.New("pq: connection refused"), "req_1")
	if status != 500 {
		t.Fatalf("status=%d", status)
	}
	if ce.Message != "internal error" {
		t.Fatalf("message=%q leaked details", ce.Message)
	}
}

func TestStatusFromType(t *testing.T) {
	cases := []struct {
		t    core.ErrorType
		want int
	}{
		{core.ErrInvalidRequest, 400},
		{core.ErrAuthentication, 401},
		{core.ErrNotFound, 404},
		{core.ErrStaleSession, 409},
		{core.ErrDuplicateRequest, 409},
		{core.ErrRateLimit, 429},
		{core.ErrNotConnected, 503},
		{core.ErrTransport, 502},
		{core.ErrTimeout, 504},
		{core.ErrInternal, 500},
	}
	for _, tc := range cases {
		if got := StatusFromType(tc.t); got != tc.want {
			t.Fatalf("StatusFromType(%s)=%d, want %d", tc.t, got, tc.want)
		}
	}
}
