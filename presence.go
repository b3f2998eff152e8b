package chatsync

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// PresenceSet is an immutable set of online user ids. Every change to the
// tracker produces a new *PresenceSet, so observers can compare pointers.
type PresenceSet struct {
	ids map[string]struct{}
}

var emptyPresence = &PresenceSet{ids: map[string]struct{}{}}

func (s *PresenceSet) Has(id string) bool {
	_, ok := s.ids[id]
	return ok
}

func (s *PresenceSet) Len() int { return len(s.ids) }

// IDs returns the members in sorted order.
func (s *PresenceSet) IDs() []string {
	out := make([]string, 0, len(s.ids))
	for id := range s.ids {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s *PresenceSet) with(ids ...string) *PresenceSet {
	next := make(map[string]struct{}, len(s.ids)+len(ids))
	for id := range s.ids {
		next[id] = struct{}{}
	}
	for _, id := range ids {
		if id != "" {
			next[id] = struct{}{}
		}
	}
	return &PresenceSet{ids: next}
}

func (s *PresenceSet) without(id string) *PresenceSet {
	next := make(map[string]struct{}, len(s.ids))
	for k := range s.ids {
		if k != id {
			next[k] = struct{}{}
		}
	}
	return &PresenceSet{ids: next}
}

// PresenceTracker aggregates presence push events. It is never reset on
// channel loss; the next snapshot corrects stale entries.
type PresenceTracker struct {
	mu       sync.RWMutex
	set      *PresenceSet
	onChange func(*PresenceSet)
	log      zerolog.Logger
}

func NewPresenceTracker(log zerolog.Logger, onChange func(*PresenceSet)) *PresenceTracker {
	return &PresenceTracker{set: emptyPresence, onChange: onChange, log: log}
}

// ApplySnapshot unions ids into the online set.
func (p *PresenceTracker) ApplySnapshot(ids []string) {
	p.mu.Lock()
	p.set = p.set.with(ids...)
	next := p.set
	p.mu.Unlock()
	p.log.Debug().Int("snapshot", len(ids)).Int("online", next.Len()).Msg("presence snapshot applied")
	p.notify(next)
}

// ApplyStatus adds or removes a single id. Unknown statuses are ignored.
func (p *PresenceTracker) ApplyStatus(id string, status PresenceStatus) {
	p.mu.Lock()
	switch status {
	case StatusOnline:
		p.set = p.set.with(id)
	case StatusOffline:
		p.set = p.set.without(id)
	default:
		p.mu.Unlock()
		p.log.Debug().Str("user_id", id).Str("status", string(status)).Msg("ignoring unknown presence status")
		return
	}
	next := p.set
	p.mu.Unlock()
	p.notify(next)
}

func (p *PresenceTracker) IsOnline(id string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.set.Has(id)
}

// Snapshot returns the current set.
func (p *PresenceTracker) Snapshot() *PresenceSet {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.set
}

func (p *PresenceTracker) notify(set *PresenceSet) {
	if p.onChange != nil {
		p.onChange(set)
	}
}
