package template

import (
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/CESNET/ipfixcol2-sub000/pipeline"
	"github.com/CESNET/ipfixcol2-sub000/session"
)

// Scope identifies one (Transport Session, ODID, Stream) triple — the unit
// of template scope (§3).
type Scope struct {
	SessionID string
	ODID      uint32
	Stream    uint16
}

// Registry lazily creates and looks up per-Scope Managers (§3 "Template
// manager (per Session+ODID)"). Used by the IPFIX parser stage, which owns
// one Registry per input stream.
type Registry struct {
	mu       sync.Mutex
	managers map[Scope]*Manager

	logger    logr.Logger
	onGarbage func(*pipeline.Garbage)
}

// NewRegistry constructs an empty template manager registry.
func NewRegistry(logger logr.Logger, onGarbage func(*pipeline.Garbage)) *Registry {
	return &Registry{
		managers:  make(map[Scope]*Manager),
		logger:    logger,
		onGarbage: onGarbage,
	}
}

// Get returns the Manager for scope, creating it if necessary.
func (r *Registry) Get(scope Scope, sessionType session.Type, udpWindow time.Duration) *Manager {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.managers[scope]
	if !ok {
		m = NewManager(sessionType, udpWindow, r.logger.WithValues("session", scope.SessionID, "odid", scope.ODID), r.onGarbage)
		r.managers[scope] = m
	}
	return m
}

// Remove deletes the Manager for scope, e.g. once its owning session has
// closed and every downstream stage has observed the close (§3).
func (r *Registry) Remove(scope Scope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.managers, scope)
}

// RemoveSession deletes every Manager belonging to sessionID, across all
// ODIDs and Streams.
func (r *Registry) RemoveSession(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for scope := range r.managers {
		if scope.SessionID == sessionID {
			delete(r.managers, scope)
		}
	}
}
