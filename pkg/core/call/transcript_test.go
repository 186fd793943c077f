package call

import (
	"testing"
	"time"
)

func entryAt(sec int, sp Speaker, msg string) TranscriptEntry {
	return TranscriptEntry{
		Timestamp: time.Date(2026, 3, 1, 12, 0, sec, 0, time.UTC),
		Speaker:   sp,
		Message:   msg,
	}
}

func TestAppendDuplicateIsNoop(t *testing.T) {
	var tr Transcript
	e := entryAt(1, SpeakerCaller, "hello")

	tr, added := tr.Append(e)
	if !added || len(tr) != 1 {
		t.Fatalf("first append: added=%v len=%d", added, len(tr))
	}

	tr2, added := tr.Append(e)
	if added {
		t.Fatalf("duplicate delivery must not be added")
	}
	if len(tr2) != 1 || tr2[0].Message != "hello" {
		t.Fatalf("transcript changed by duplicate: %+v", tr2)
	}
}

func TestAppendOutOfOrderResorts(t *testing.T) {
	var tr Transcript
	tr, _ = tr.Append(entryAt(5, SpeakerAI, "second"))
	tr, _ = tr.Append(entryAt(2, SpeakerCaller, "first"))

	if tr[0].Message != "first" || tr[1].Message != "second" {
		t.Fatalf("expected timestamp order, got %q then %q", tr[0].Message, tr[1].Message)
	}
}

func TestSameTimestampDifferentSpeakersBothKept(t *testing.T) {
	var tr Transcript
	tr, _ = tr.Append(entryAt(3, SpeakerCaller, "caller turn"))
	tr, added := tr.Append(entryAt(3, SpeakerAI, "ai turn"))
	if !added || len(tr) != 2 {
		t.Fatalf("distinct speakers at same timestamp must both append: added=%v len=%d", added, len(tr))
	}
}

func TestMergeHistoryIsIdempotent(t *testing.T) {
	var tr Transcript
	tr, _ = tr.Append(entryAt(4, SpeakerAI, "live entry"))

	history := []TranscriptEntry{
		entryAt(1, SpeakerCaller, "earlier"),
		entryAt(4, SpeakerAI, "live entry"), // duplicate of the pushed one
	}

	merged := tr.Merge(history)
	if len(merged) != 2 {
		t.Fatalf("len=%d, want 2", len(merged))
	}
	if merged[0].Message != "earlier" || merged[1].Message != "live entry" {
		t.Fatalf("merge order wrong: %+v", merged)
	}

	again := merged.Merge(history)
	if len(again) != len(merged) {
		t.Fatalf("re-merge changed length: %d -> %d", len(merged), len(again))
	}
	for i := range again {
		if again[i] != merged[i] {
			t.Fatalf("re-merge changed entry %d", i)
		}
	}
}

func TestCloneIsIndependent(t *testing.T) {
	var tr Transcript
	tr, _ = tr.Append(entryAt(1, SpeakerCaller, "one"))
	cp := tr.Clone()
	cp[0].Message = "mutated"
	if tr[0].Message != "one" {
		t.Fatalf("clone shares backing array")
	}
}
