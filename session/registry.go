package session

import "sync"

// Registry tracks the live Transport Sessions known to the collector. An
// input stage creates entries on first packet; a session is only removed
// once every downstream stage has observed its close event (§3), which here
// is modeled as the caller invoking Remove after fan-out of a SESSION_CLOSE
// control message has been fully observed.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry constructs an empty session registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// GetOrCreate returns the session for id, creating it via factory if it is
// not already known.
func (r *Registry) GetOrCreate(id string, factory func() *Session) (*Session, bool) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if ok {
		return s, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		return s, false
	}
	s = factory()
	r.sessions[id] = s
	return s, true
}

// Get looks up a session by ID.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove deletes a session from the registry.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// All returns a snapshot slice of all currently registered sessions.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}
