// Package session tracks the live binding between an authenticated identity
// and its single WebSocket connection. The registry is the only owner of the
// identity -> connection mapping; durable presence lives with the identity
// store.
package session

import (
	"errors"
	"sync"
	"time"
)

// ErrAlreadyActive is returned when a second join arrives for an identity
// that already has a live session. Callers treat it as an idempotent no-op,
// not a failure: the existing session is returned alongside it.
var ErrAlreadyActive = errors.New("session: identity already has an active session")

// Session is the ephemeral binding of one identity to one connection.
type Session struct {
	Identity  string
	ConnID    string
	StartedAt time.Time
}

// Registry is a goroutine-safe map of identity -> live session. At most one
// session exists per identity.
type Registry struct {
	mu         sync.RWMutex
	byIdentity map[string]*Session
	byConn     map[string]*Session
}

// NewRegistry creates an empty Registry ready for use.
func NewRegistry() *Registry {
	return &Registry{
		byIdentity: make(map[string]*Session),
		byConn:     make(map[string]*Session),
	}
}

// Register binds an identity to a connection. If the identity already has a
// live session the existing session is returned with ErrAlreadyActive; the
// first connection is never evicted and no duplicate is layered.
func (r *Registry) Register(identity, connID string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byIdentity[identity]; ok {
		return existing, ErrAlreadyActive
	}

	s := &Session{
		Identity:  identity,
		ConnID:    connID,
		StartedAt: time.Now(),
	}
	r.byIdentity[identity] = s
	r.byConn[connID] = s
	return s, nil
}

// Lookup returns the live session for an identity, or nil if the identity
// is offline.
func (r *Registry) Lookup(identity string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byIdentity[identity]
}

// LookupConn returns the session bound to a connection, or nil if the
// connection never completed a join.
func (r *Registry) LookupConn(connID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byConn[connID]
}

// End destroys the session for an identity. Ending an identity with no live
// session is a no-op. Returns the ended session, or nil.
func (r *Registry) End(identity string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byIdentity[identity]
	if !ok {
		return nil
	}
	delete(r.byIdentity, identity)
	delete(r.byConn, s.ConnID)
	return s
}

// EndConn destroys the session bound to a connection, if any. Used by the
// disconnect path, which knows only the connection ID.
func (r *Registry) EndConn(connID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byConn[connID]
	if !ok {
		return nil
	}
	delete(r.byConn, connID)
	delete(r.byIdentity, s.Identity)
	return s
}

// All returns a snapshot of the current sessions. The returned slice is
// safe to iterate without holding the lock.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.byIdentity))
	for _, s := range r.byIdentity {
		out = append(out, s)
	}
	return out
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byIdentity)
}
