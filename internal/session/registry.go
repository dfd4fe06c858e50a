package session

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps session ids to live sessions.  It also remembers a
// bounded number of recently removed ids so that a repeated stop can be
// told apart from a stop of an id that never existed.
//
// No method holds the lock across socket I/O.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session

	tombCap  int
	tombs    map[string]struct{}
	tombRing []string
	tombNext int
}

// NewRegistry creates an empty registry that remembers up to tombstones
// closed ids.
func NewRegistry(tombstones int) *Registry {
	if tombstones <= 0 {
		tombstones = 1
	}
	return &Registry{
		sessions: make(map[string]*Session),
		tombCap:  tombstones,
		tombs:    make(map[string]struct{}, tombstones),
		tombRing: make([]string, 0, tombstones),
	}
}

// Insert registers s.  Ids are unique for the life of the process.
func (r *Registry) Insert(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.id]; ok {
		return fmt.Errorf("session %s already registered", s.id)
	}
	if _, ok := r.tombs[s.id]; ok {
		return fmt.Errorf("session %s was already used", s.id)
	}
	r.sessions[s.id] = s
	return nil
}

// Get looks up a live session.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove deletes s if it is still the entry registered under its id and
// records a tombstone.  It reports whether s was removed.
func (r *Registry) Remove(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.sessions[s.id]
	if !ok || cur != s {
		return false
	}
	delete(r.sessions, s.id)
	r.bury(s.id)
	return true
}

// Bury records id as closed without it ever being registered; used for
// listener ids, which live outside the registry.
func (r *Registry) Bury(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bury(id)
}

func (r *Registry) bury(id string) {
	if _, ok := r.tombs[id]; ok {
		return
	}
	if len(r.tombRing) < r.tombCap {
		r.tombRing = append(r.tombRing, id)
	} else {
		delete(r.tombs, r.tombRing[r.tombNext])
		r.tombRing[r.tombNext] = id
		r.tombNext = (r.tombNext + 1) % r.tombCap
	}
	r.tombs[id] = struct{}{}
}

// Closed reports whether id belongs to a recently removed session.
func (r *Registry) Closed(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tombs[id]
	return ok
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Snapshot returns the live sessions ordered by start time.
func (r *Registry) Snapshot() []*Session {
	r.mu.Lock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].startedAt.Equal(out[j].startedAt) {
			return out[i].id < out[j].id
		}
		return out[i].startedAt.Before(out[j].startedAt)
	})
	return out
}

// ByOwner returns the live sessions created by the listener owner.
func (r *Registry) ByOwner(owner string) []*Session {
	var out []*Session
	for _, s := range r.Snapshot() {
		if s.owner == owner {
			out = append(out, s)
		}
	}
	return out
}

// List describes every live session.  The result is a copy; mutating it
// does not affect the registry.
func (r *Registry) List() []Info {
	snap := r.Snapshot()
	out := make([]Info, 0, len(snap))
	for _, s := range snap {
		out = append(out, s.Info())
	}
	return out
}
