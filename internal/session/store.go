package session

import (
	"sync"
)

// Store is the in-memory table of sessions keyed by id.
// Thread-safe via sync.RWMutex. Values are copied on the way in and out,
// so callers never share a Data map with the store.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]Session
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		sessions: make(map[string]Session),
	}
}

// Get returns a copy of the session with the given id.
func (s *Store) Get(id string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, false
	}
	return sess.Clone(), true
}

// All returns a snapshot of every session keyed by id.
func (s *Store) All() map[string]Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]Session, len(s.sessions))
	for id, sess := range s.sessions {
		result[id] = sess.Clone()
	}
	return result
}

// Put replaces the session stored under sess.ID.
func (s *Store) Put(sess Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess.Clone()
}

// Remove deletes a session. Removing an absent id is a no-op.
func (s *Store) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

// Len returns the number of stored sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// CountByStatus returns session counts per status. Every known status is
// present in the result, zero or not.
func (s *Store) CountByStatus() map[Status]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := map[Status]int{
		StatusFilling:   0,
		StatusInactive:  0,
		StatusSubmitted: 0,
	}
	for _, sess := range s.sessions {
		counts[sess.Status]++
	}
	return counts
}
