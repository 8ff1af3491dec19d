package emission

import (
	"errors"
	"sync"
)

var ErrAlreadyMonitored = errors.New("reference is already being monitored")

// Registry tracks the active monitor sessions of this process, one per
// correlation reference. A reference is only ever actively monitored by one
// session at a time.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*MonitorSession
}

func NewRegistry() *Registry {
	return &Registry{sessions: map[string]*MonitorSession{}}
}

func (r *Registry) Add(session *MonitorSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[session.Reference]; exists {
		return ErrAlreadyMonitored
	}
	r.sessions[session.Reference] = session
	return nil
}

func (r *Registry) Get(reference string) (*MonitorSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[reference]
	return session, ok
}

func (r *Registry) Remove(reference string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, reference)
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
