package sessions

import (
	"sync"
	"time"

	"github.com/diwise/iot-farm-bridge/pkg/types"
)

type session struct {
	id        string
	tenantID  string
	transport Transport
	status    types.ConnectionStatus
	qr        string
	createdAt time.Time
}

// Registry is the in-memory index of live sessions, at most one per tenant.
// Mutations for a tenant must be done while holding the lock returned by Lock.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*session
	locks    map[string]*sync.Mutex
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: map[string]*session{},
		locks:    map[string]*sync.Mutex{},
	}
}

// Lock acquires the mutex of a tenant and returns the function that releases it.
func (r *Registry) Lock(tenantID string) func() {
	r.mu.Lock()
	l, ok := r.locks[tenantID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[tenantID] = l
	}
	r.mu.Unlock()

	l.Lock()
	return l.Unlock
}

func (r *Registry) get(tenantID string) (session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[tenantID]
	if !ok {
		return session{}, false
	}
	return *s, true
}

func (r *Registry) put(s *session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sessions[s.tenantID] = s
}

// remove deletes the session of the tenant if it is still the one identified by sessionID.
func (r *Registry) remove(tenantID, sessionID string) (session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[tenantID]
	if !ok || s.id != sessionID {
		return session{}, false
	}

	delete(r.sessions, tenantID)
	return *s, true
}

// update applies fn to the session of the tenant if it is still the one identified by sessionID.
func (r *Registry) update(tenantID, sessionID string, fn func(s *session)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[tenantID]
	if !ok || s.id != sessionID {
		return false
	}

	fn(s)
	return true
}

func (r *Registry) all() []session {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := make([]session, 0, len(r.sessions))
	for _, s := range r.sessions {
		result = append(result, *s)
	}
	return result
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.sessions)
}
