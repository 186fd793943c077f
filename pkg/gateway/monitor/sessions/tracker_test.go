package sessions

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestTracker_RegisterUnregister(t *testing.T) {
	tr := NewTracker()
	if tr.Count() != 0 {
		t.Fatalf("initial count=%d, want 0", tr.Count())
	}

	u1 := tr.Register("m_1", Handle{})
	u2 := tr.Register("m_2", Handle{})
	if tr.Count() != 2 {
		t.Fatalf("count=%d, want 2", tr.Count())
	}

	u1()
	u1() // second call must be a no-op
	if tr.Count() != 1 {
		t.Fatalf("count=%d, want 1", tr.Count())
	}

	u2()
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if !tr.Wait(ctx) {
		t.Fatal("Wait should complete once all conns unregister")
	}
}

func TestTracker_ReRegisterEvictsOldEntry(t *testing.T) {
	tr := NewTracker()
	tr.Register("m_1", Handle{})
	u2 := tr.Register("m_1", Handle{})
	if tr.Count() != 1 {
		t.Fatalf("count=%d, want 1", tr.Count())
	}
	u2()
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if !tr.Wait(ctx) {
		t.Fatal("re-registration leaked a waitgroup slot")
	}
}

func TestTracker_WarnAllAndCancelAll(t *testing.T) {
	tr := NewTracker()
	var warned, canceled atomic.Int64
	tr.Register("m_1", Handle{
		Cancel: func() { canceled.Add(1) },
		Warn: func(code, message string) error {
			if code != "draining" {
				t.Errorf("code=%q", code)
			}
			warned.Add(1)
			return nil
		},
	})
	tr.Register("m_2", Handle{
		Cancel: func() { canceled.Add(1) },
		Warn: func(string, string) error {
			warned.Add(1)
			return errors.New("slow consumer")
		},
	})

	if sent := tr.WarnAll("draining", "server is shutting down"); sent != 2 {
		t.Fatalf("sent=%d, want 2", sent)
	}
	if n := tr.CancelAll(); n != 2 {
		t.Fatalf("canceled=%d, want 2", n)
	}
	if warned.Load() != 2 || canceled.Load() != 2 {
		t.Fatalf("warned=%d canceled=%d", warned.Load(), canceled.Load())
	}
}

func TestTracker_WaitTimesOut(t *testing.T) {
	tr := NewTracker()
	tr.Register("m_1", Handle{})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if tr.Wait(ctx) {
		t.Fatal("Wait should report false while a conn is still registered")
	}
}
