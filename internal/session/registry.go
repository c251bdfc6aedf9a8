package session

import (
	"log/slog"
	"sync"
)

// Registry tracks which live connection owns which session.
// Both directions are indexed so disconnect and delete are O(1).
// Thread-safe via sync.RWMutex.
type Registry struct {
	mu        sync.RWMutex
	byConn    map[string]string // connection id -> session id
	bySession map[string]string // session id -> connection id
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byConn:    make(map[string]string),
		bySession: make(map[string]string),
	}
}

// Bind records connID as the owner of sessionID. A connection owns at most
// one session and a session has at most one owner, so any previous binding
// on either side is dropped. Returns the connection that previously owned
// sessionID, if it was a different one.
func (r *Registry) Bind(connID, sessionID string) (previousOwner string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.bySession[sessionID]; ok && prev != connID {
		delete(r.byConn, prev)
		previousOwner = prev
	}
	if old, ok := r.byConn[connID]; ok && old != sessionID {
		delete(r.bySession, old)
	}

	r.byConn[connID] = sessionID
	r.bySession[sessionID] = connID
	slog.Debug("registry: bound", "conn", connID, "session", sessionID)
	return previousOwner
}

// OwnerOf returns the session owned by connID.
func (r *Registry) OwnerOf(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byConn[connID]
	return id, ok
}

// ConnFor returns the connection owning sessionID.
func (r *Registry) ConnFor(sessionID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.bySession[sessionID]
	return id, ok
}

// Unbind drops whatever binding connID holds.
func (r *Registry) Unbind(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessionID, ok := r.byConn[connID]
	if !ok {
		return
	}
	delete(r.byConn, connID)
	delete(r.bySession, sessionID)
	slog.Debug("registry: unbound", "conn", connID, "session", sessionID)
}

// UnbindSession drops the binding for sessionID, whichever connection holds it.
func (r *Registry) UnbindSession(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	connID, ok := r.bySession[sessionID]
	if !ok {
		return
	}
	delete(r.bySession, sessionID)
	delete(r.byConn, connID)
}

// Len returns the number of bound connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}
