package conn

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/apexsec/dispatch/pkg/core/call"
	"github.com/apexsec/dispatch/pkg/gateway/auth"
	"github.com/apexsec/dispatch/pkg/gateway/monitor/protocol"
	"github.com/apexsec/dispatch/pkg/gateway/registry"
)

func testConn(t *testing.T, queueSize int) *Conn {
	t.Helper()
	return New("op_1", auth.RoleOperator, nil, Config{QueueSize: queueSize}, nil)
}

func takeFrame(t *testing.T, ch chan []byte) map[string]any {
	t.Helper()
	select {
	case payload := <-ch:
		var m map[string]any
		if err := json.Unmarshal(payload, &m); err != nil {
			t.Fatalf("unmarshal frame: %v", err)
		}
		return m
	default:
		t.Fatal("no frame queued")
		return nil
	}
}

func sessionFixture(callID string) *call.Session {
	return &call.Session{
		CallID:    callID,
		Caller:    "+14155550100",
		State:     call.StateAIHandling,
		StartedAt: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC),
		Version:   3,
	}
}

func TestHub_FansOutBySubscription(t *testing.T) {
	h := NewHub(nil)
	subscribed := testConn(t, 8)
	subscribed.Subscribe("c_1")
	other := testConn(t, 8)
	other.Subscribe("c_2")
	all := testConn(t, 8)
	all.SubscribeAll()
	h.Add(subscribed)
	h.Add(other)
	h.Add(all)

	entry := call.TranscriptEntry{
		Timestamp: time.Now().UTC(),
		Speaker:   call.SpeakerCaller,
		Message:   "someone is at the gate",
	}
	h.Publish(registry.Event{
		Kind:    registry.EventTranscription,
		Session: sessionFixture("c_1"),
		Entry:   &entry,
	})

	frame := takeFrame(t, subscribed.normal)
	if frame["type"] != protocol.TypeTranscription || frame["call_id"] != "c_1" {
		t.Fatalf("frame=%v", frame)
	}
	if frame["version"].(float64) != 3 {
		t.Fatalf("version=%v", frame["version"])
	}

	frame = takeFrame(t, all.normal)
	if frame["call_id"] != "c_1" {
		t.Fatalf("subscribe_all conn frame=%v", frame)
	}

	select {
	case payload := <-other.normal:
		t.Fatalf("unsubscribed conn received frame: %s", payload)
	default:
	}
}

func TestHub_PriorityEventsUseAlertLane(t *testing.T) {
	h := NewHub(nil)
	c := testConn(t, 8)
	c.SubscribeAll()
	h.Add(c)

	s := sessionFixture("c_1")
	s.State = call.StateEscalated
	s.IncidentID = "inc_9"
	h.Publish(registry.Event{
		Kind:     registry.EventEmergencyAlert,
		Session:  s,
		Reason:   "emergency_911",
		Priority: true,
	})

	frame := takeFrame(t, c.priority)
	if frame["type"] != protocol.TypeEmergencyAlert {
		t.Fatalf("type=%v", frame["type"])
	}
	if frame["escalation_type"] != "emergency_911" || frame["incident_id"] != "inc_9" {
		t.Fatalf("frame=%v", frame)
	}
	select {
	case <-c.normal:
		t.Fatal("alert leaked onto the normal lane")
	default:
	}
}

func TestHub_CallStartedReachesOnlySubscribeAll(t *testing.T) {
	h := NewHub(nil)
	pinned := testConn(t, 8)
	pinned.Subscribe("c_old")
	watcher := testConn(t, 8)
	watcher.SubscribeAll()
	h.Add(pinned)
	h.Add(watcher)

	h.Publish(registry.Event{
		Kind:     registry.EventCallStarted,
		Session:  sessionFixture("c_new"),
		Priority: true,
	})

	frame := takeFrame(t, watcher.priority)
	if frame["type"] != "call_started" {
		t.Fatalf("type=%v", frame["type"])
	}
	select {
	case <-pinned.priority:
		t.Fatal("conn without a matching subscription received call_started")
	default:
	}
}

func TestHub_RemoveStopsDelivery(t *testing.T) {
	h := NewHub(nil)
	c := testConn(t, 8)
	c.SubscribeAll()
	h.Add(c)
	h.Remove(c.ID)

	h.Publish(registry.Event{
		Kind:    registry.EventCallUpdate,
		Session: sessionFixture("c_1"),
	})
	select {
	case <-c.normal:
		t.Fatal("removed conn still receives events")
	default:
	}
	if h.Count() != 0 {
		t.Fatalf("count=%d", h.Count())
	}
}

func TestConn_NormalOverflowDropsFrame(t *testing.T) {
	c := testConn(t, 1)
	if !c.Enqueue([]byte(`{}`)) {
		t.Fatal("first enqueue should succeed")
	}
	if c.Enqueue([]byte(`{}`)) {
		t.Fatal("second enqueue should drop")
	}
	if c.DroppedNormal() != 1 {
		t.Fatalf("dropped=%d", c.DroppedNormal())
	}
}

func TestConn_PriorityOverflowCancelsConn(t *testing.T) {
	c := testConn(t, 1)
	c.Start(nil)
	defer c.Cancel()

	if !c.EnqueuePriority([]byte(`{}`)) {
		t.Fatal("first enqueue should succeed")
	}
	if c.EnqueuePriority([]byte(`{}`)) {
		t.Fatal("overflow enqueue should fail")
	}
	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("overflowing the alert lane must cancel the conn")
	}
}

func TestHub_PublishAdvisoryTargetsWatchers(t *testing.T) {
	h := NewHub(nil)
	watching := testConn(t, 8)
	watching.Subscribe("c_1")
	other := testConn(t, 8)
	other.Subscribe("c_2")
	all := testConn(t, 8)
	all.SubscribeAll()
	h.Add(watching)
	h.Add(other)
	h.Add(all)

	h.PublishAdvisory("c_1", protocol.ServerEscalationSuggested{
		Type:           protocol.TypeEscalationSuggested,
		CallID:         "c_1",
		EscalationType: "guard_dispatch",
		Reason:         "repeated_low_confidence",
	})

	for _, c := range []*Conn{watching, all} {
		frame := takeFrame(t, c.normal)
		if frame["type"] != protocol.TypeEscalationSuggested || frame["escalation_type"] != "guard_dispatch" {
			t.Fatalf("frame=%v", frame)
		}
	}
	select {
	case payload := <-other.normal:
		t.Fatalf("unsubscribed conn received advisory: %s", payload)
	default:
	}
}
