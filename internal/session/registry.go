package session

import (
	"sync"

	"zapsend/internal/progress"
	logx "zapsend/pkg/logx"
)

// Registry is the shared table of sessions, keyed by the authenticated user
// key. The registry lock guards the table only; per-session state is guarded
// by the session's own lock, so cross-session operations never block each
// other.
type Registry struct {
	log logx.Logger
	pub *progress.Publisher

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry(pub *progress.Publisher, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{
		log:      log,
		pub:      pub,
		sessions: map[string]*Session{},
	}
}

// Create returns the session for key, building one in Uninitialized state on
// first contact. Idempotent: an existing session is returned unchanged.
func (r *Registry) Create(key string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[key]; ok {
		r.log.Info("session reused", logx.String("session", key))
		return s
	}
	s := newSession(key)
	r.sessions[key] = s
	r.log.Info("session created", logx.String("session", key))
	return s
}

func (r *Registry) Get(key string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[key]
	return s, ok
}

// Update applies mutate to the session if it exists. No-op when absent.
func (r *Registry) Update(key string, mutate func(*Session)) bool {
	r.mu.RLock()
	s, ok := r.sessions[key]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	mutate(s)
	return true
}

// Dispose releases the session's channel (idempotent), drops its subscribers
// and removes it from the table. Used on explicit disconnect only.
func (r *Registry) Dispose(key string) {
	r.mu.Lock()
	s, ok := r.sessions[key]
	delete(r.sessions, key)
	r.mu.Unlock()
	if !ok {
		return
	}

	s.ReleaseChannel()
	if r.pub != nil {
		r.pub.Drop(key)
	}
	r.log.Info("session disposed", logx.String("session", key))
}

// Keys snapshots the current session keys.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.sessions))
	for k := range r.sessions {
		keys = append(keys, k)
	}
	return keys
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
