package dispatch

import (
	"sort"
	"sync"

	"github.com/apexsec/dispatch/pkg/core/call"
)

// Projection is the client-side mirror of the calls this channel
// observes. Snapshots are version guarded: an out-of-order or stale
// snapshot is discarded rather than rewinding the view. Transcript
// merges are idempotent, so duplicate delivery and history backfills
// never double entries.
type Projection struct {
	mu          sync.RWMutex
	calls       map[string]*call.Session
	transcripts map[string]call.Transcript
}

func newProjection() *Projection {
	return &Projection{
		calls:       make(map[string]*call.Session),
		transcripts: make(map[string]call.Transcript),
	}
}

// applySnapshot installs a snapshot unless a newer version is already
// held. Returns false when the snapshot is stale.
func (p *Projection) applySnapshot(s *call.Session) bool {
	if s == nil || s.CallID == "" {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.calls[s.CallID]; ok && s.Version <= cur.Version {
		return false
	}
	p.calls[s.CallID] = s.Clone()
	if len(s.Transcript) > 0 {
		p.transcripts[s.CallID] = p.transcripts[s.CallID].Merge(s.Transcript)
	}
	return true
}

// applyEntry merges one pushed transcript entry. Returns false on a
// duplicate.
func (p *Projection) applyEntry(callID string, e call.TranscriptEntry) bool {
	if callID == "" {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	merged, added := p.transcripts[callID].Append(e)
	if !added {
		return false
	}
	p.transcripts[callID] = merged
	return true
}

// mergeHistory folds a fetched history into the stream already received.
func (p *Projection) mergeHistory(callID string, entries []call.TranscriptEntry) {
	if callID == "" || len(entries) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transcripts[callID] = p.transcripts[callID].Merge(entries)
}

// Call returns the latest snapshot for a call, if any.
func (p *Projection) Call(callID string) (*call.Session, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.calls[callID]
	if !ok {
		return nil, false
	}
	return s.Clone(), true
}

// Transcript returns the merged transcript for a call in timestamp order.
func (p *Projection) Transcript(callID string) call.Transcript {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.transcripts[callID].Clone()
}

// ActiveCalls lists known non-terminal calls sorted by start time.
func (p *Projection) ActiveCalls() []*call.Session {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*call.Session, 0, len(p.calls))
	for _, s := range p.calls {
		if s.State.Terminal() {
			continue
		}
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}
