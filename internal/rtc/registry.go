package rtc

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/Charlaton-app/charlaton-rtc/internal/core"
)

// sessionFactory builds the peer connection for a new session. It is
// supplied by the Engine so the Registry stays free of webrtc wiring.
type sessionFactory func(remoteID core.ParticipantID) (*Session, error)

// Registry owns the full-mesh set of active peer sessions, keyed by
// remote participant id. It never holds two sessions for the same
// peer.
type Registry struct {
	mu       sync.RWMutex
	sessions map[core.ParticipantID]*Session
	build    sessionFactory
}

func NewRegistry(build sessionFactory) *Registry {
	return &Registry{
		sessions: make(map[core.ParticipantID]*Session),
		build:    build,
	}
}

// GetOrCreate returns the session for remoteID, building one if
// absent. Idempotent: an existing session is returned unchanged, and
// callers must not assume a new negotiation was started. The second
// return value reports whether the session was created by this call.
func (r *Registry) GetOrCreate(remoteID core.ParticipantID) (*Session, bool, error) {
	r.mu.RLock()
	sess := r.sessions[remoteID]
	r.mu.RUnlock()

	if sess != nil {
		return sess, false, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Re-check: another caller may have built it between the locks.
	if sess := r.sessions[remoteID]; sess != nil {
		return sess, false, nil
	}

	sess, err := r.build(remoteID)
	if err != nil {
		return nil, false, core.NewError(core.NegotiationError, remoteID, err)
	}
	r.sessions[remoteID] = sess

	return sess, true, nil
}

// Get returns the session for remoteID, or nil.
func (r *Registry) Get(remoteID core.ParticipantID) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.sessions[remoteID]
}

// Len reports the number of active sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.sessions)
}

// Each calls fn for every active session.
func (r *Registry) Each(fn func(*Session)) {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	r.mu.RUnlock()

	for _, sess := range sessions {
		fn(sess)
	}
}

// Close tears down and discards the session for remoteID, leaving
// every other session untouched.
func (r *Registry) Close(remoteID core.ParticipantID) {
	r.mu.Lock()
	sess := r.sessions[remoteID]
	delete(r.sessions, remoteID)
	r.mu.Unlock()

	if sess == nil {
		return
	}
	sess.close()
	log.Debug().Str("service", "rtc").Str("peer", remoteID.String()).Msg("peer session closed")
}

// CloseAll tears down every session and clears the collection. Safe to
// call multiple times.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[core.ParticipantID]*Session)
	r.mu.Unlock()

	for _, sess := range sessions {
		sess.close()
	}
}
