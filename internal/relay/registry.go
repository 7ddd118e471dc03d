package relay

import "sync"

// Registry is a goroutine-safe multi-map from session id to the set of live
// connections currently attached to that session. A session id is present iff
// its membership set is non-empty; sets emptied by Leave are pruned
// immediately. Instances are constructed explicitly and injected into the
// relay, never shared as package state.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]map[*Connection]struct{}
	conns    int
}

// NewRegistry creates an empty Registry ready for use.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]map[*Connection]struct{}),
	}
}

// Join adds conn to the membership set for sessionID, creating the set if
// absent. It returns true when this join created the session entry, so the
// caller can set up per-session resources exactly once.
func (r *Registry) Join(sessionID string, conn *Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.sessions[sessionID]
	if !ok {
		set = make(map[*Connection]struct{})
		r.sessions[sessionID] = set
	}
	if _, dup := set[conn]; !dup {
		set[conn] = struct{}{}
		r.conns++
	}
	return !ok
}

// Leave removes conn from the session's membership set. Removing an absent
// connection is a no-op. It returns true when the removal emptied the session
// and its entry was pruned.
func (r *Registry) Leave(sessionID string, conn *Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.sessions[sessionID]
	if !ok {
		return false
	}
	if _, member := set[conn]; !member {
		return false
	}
	delete(set, conn)
	r.conns--
	if len(set) == 0 {
		delete(r.sessions, sessionID)
		return true
	}
	return false
}

// Targets returns a point-in-time snapshot of the session's connections other
// than exclude. The snapshot is safe to iterate while concurrent Join/Leave
// calls mutate the set.
func (r *Registry) Targets(sessionID string, exclude *Connection) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.sessions[sessionID]
	targets := make([]*Connection, 0, len(set))
	for conn := range set {
		if conn != exclude {
			targets = append(targets, conn)
		}
	}
	return targets
}

// Members returns a snapshot of every connection in the session.
func (r *Registry) Members(sessionID string) []*Connection {
	return r.Targets(sessionID, nil)
}

// Has reports whether the session currently has any members.
func (r *Registry) Has(sessionID string) bool {
	r.mu.RLock()
	_, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	return ok
}

// Sessions returns the number of sessions with at least one live connection.
func (r *Registry) Sessions() int {
	r.mu.RLock()
	n := len(r.sessions)
	r.mu.RUnlock()
	return n
}

// Connections returns the total number of registered connections.
func (r *Registry) Connections() int {
	r.mu.RLock()
	n := r.conns
	r.mu.RUnlock()
	return n
}

// All returns a snapshot of every registered connection across all sessions.
// Used during shutdown to close remaining transports.
func (r *Registry) All() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]*Connection, 0, r.conns)
	for _, set := range r.sessions {
		for conn := range set {
			conns = append(conns, conn)
		}
	}
	return conns
}
