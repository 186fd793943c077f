package call

import (
	"sort"
	"time"
)

// Speaker identifies who produced a transcript entry.
type Speaker string

const (
	SpeakerCaller   Speaker = "caller"
	SpeakerAI       Speaker = "ai"
	SpeakerOperator Speaker = "operator"
)

// Valid reports whether the speaker is one of the known roles.
func (sp Speaker) Valid() bool {
	switch sp {
	case SpeakerCaller, SpeakerAI, SpeakerOperator:
		return true
	default:
		return false
	}
}

// TranscriptEntry is one speech turn. Entries are immutable once appended.
type TranscriptEntry struct {
	Timestamp  time.Time `json:"timestamp"`
	Speaker    Speaker   `json:"speaker"`
	Message    string    `json:"message"`
	Confidence *float64  `json:"confidence,omitempty"`
}

func (e TranscriptEntry) key() transcriptKey {
	return transcriptKey{ts: e.Timestamp.UnixNano(), speaker: e.Speaker}
}

type transcriptKey struct {
	ts      int64
	speaker Speaker
}

// Transcript is an append-only ordered sequence of entries for one call.
// Duplicate deliveries (same timestamp and speaker) are dropped so that
// applying the same entry twice leaves the sequence unchanged.
type Transcript []TranscriptEntry

// Contains reports whether an entry with the same (timestamp, speaker) key
// is already present.
func (t Transcript) Contains(e TranscriptEntry) bool {
	k := e.key()
	for _, have := range t {
		if have.key() == k {
			return true
		}
	}
	return false
}

// Append adds an entry unless it is a duplicate delivery. It returns the
// updated transcript and whether the entry was added.
func (t Transcript) Append(e TranscriptEntry) (Transcript, bool) {
	if t.Contains(e) {
		return t, false
	}
	out := append(t, e)
	// Live entries normally arrive in order; only re-sort when this one
	// landed behind an earlier timestamp.
	if n := len(out); n > 1 && out[n-1].Timestamp.Before(out[n-2].Timestamp) {
		out.sortStable()
	}
	return out, true
}

// Merge unions a history fetch into the transcript, de-duplicating by
// (timestamp, speaker) and re-sorting by timestamp. Merging is idempotent.
func (t Transcript) Merge(history []TranscriptEntry) Transcript {
	if len(history) == 0 {
		return t
	}
	seen := make(map[transcriptKey]struct{}, len(t)+len(history))
	out := make(Transcript, 0, len(t)+len(history))
	for _, e := range t {
		k := e.key()
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, e)
	}
	for _, e := range history {
		k := e.key()
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, e)
	}
	out.sortStable()
	return out
}

// Clone returns an independent copy.
func (t Transcript) Clone() Transcript {
	if t == nil {
		return nil
	}
	out := make(Transcript, len(t))
	copy(out, t)
	return out
}

func (t Transcript) sortStable() {
	sort.SliceStable(t, func(i, j int) bool {
		return t[i].Timestamp.Before(t[j].Timestamp)
	})
}
