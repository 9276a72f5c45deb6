package device

import "sync"

// Registry tracks the active controller session for each device key.  It is
// the single source of truth for whether a controller is connected, and it
// enforces that at most one session exists per key at any instant.
type Registry struct {
	lock     sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
	}
}

// TryInsert atomically registers s under deviceKey.  It returns false,
// without modifying the registry, if another session already holds the key.
// This is the only admission barrier against duplicate controllers.
func (r *Registry) TryInsert(deviceKey string, s *Session) bool {
	r.lock.Lock()
	defer r.lock.Unlock()

	if _, present := r.sessions[deviceKey]; present {
		return false
	}

	r.sessions[deviceKey] = s
	return true
}

// Remove deregisters s.  It is idempotent and removes the mapping only while
// s is still the stored instance, so that a late teardown cannot evict a
// session that reconnected under the same key.
func (r *Registry) Remove(deviceKey string, s *Session) bool {
	r.lock.Lock()
	defer r.lock.Unlock()

	if current, present := r.sessions[deviceKey]; present && current == s {
		delete(r.sessions, deviceKey)
		return true
	}

	return false
}

// Lookup returns the session currently registered under deviceKey, if any.
func (r *Registry) Lookup(deviceKey string) (*Session, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	s, present := r.sessions[deviceKey]
	return s, present
}

// VisitAll applies the given visitor function to each registered session,
// under a read lock.  No methods on this Registry should be called from
// within the visitor function, or a deadlock will likely occur.
func (r *Registry) VisitAll(visitor func(*Session)) int {
	r.lock.RLock()
	defer r.lock.RUnlock()

	for _, s := range r.sessions {
		visitor(s)
	}

	return len(r.sessions)
}
