package session

import (
	"errors"
	"sync"
)

var (
	ErrExists   = errors.New("session already registered")
	ErrNotFound = errors.New("session not registered")
)

// Registry is the process-wide table of active sessions plus the gate that
// admits at most one control client. Reads return copies.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	order    []string // registration order
	client   string   // attached control client id, "" when none
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
	}
}

func (r *Registry) Add(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.Name]; ok {
		return ErrExists
	}
	r.sessions[s.Name] = s.Clone()
	r.order = append(r.order, s.Name)
	return nil
}

func (r *Registry) Get(name string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[name]
	if !ok {
		return nil, false
	}
	return s.Clone(), true
}

// GetAll returns every session in registration order.
func (r *Registry) GetAll() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]*Session, 0, len(r.order))
	for _, name := range r.order {
		result = append(result, r.sessions[name].Clone())
	}
	return result
}

// First returns the earliest registered session. Only this session is
// polled over the persistent connection; with several registered the
// others are controllable but not monitored.
func (r *Registry) First() (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.order) == 0 {
		return nil, false
	}
	return r.sessions[r.order[0]].Clone(), true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[name]; !ok {
		return false
	}
	delete(r.sessions, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// Transition moves name to status to if its current status is one of from.
// It returns the status observed before the call.
func (r *Registry) Transition(name string, to Status, from ...Status) (Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[name]
	if !ok {
		return Stopped, ErrNotFound
	}
	prev := s.Status
	for _, f := range from {
		if f == prev {
			s.Status = to
			return prev, nil
		}
	}
	return prev, &TransitionError{Name: name, From: prev, To: to}
}

// MarkStartupCompleted sets the startup flag and promotes a starting
// session to running. It reports whether anything changed, so repeated
// signals are no-ops. A session that is no longer live is left alone.
func (r *Registry) MarkStartupCompleted(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[name]
	if !ok || s.StartupCompleted || !s.Status.Live() {
		return false
	}
	s.StartupCompleted = true
	if s.Status == Starting {
		s.Status = Running
	}
	return true
}

// ResetStartup clears the startup flag.
func (r *Registry) ResetStartup(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[name]; ok {
		s.StartupCompleted = false
	}
}

// AttachClient admits id as the control client unless another client is
// already attached.
func (r *Registry) AttachClient(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client != "" {
		return false
	}
	r.client = id
	return true
}

// DetachClient releases the gate if id holds it.
func (r *Registry) DetachClient(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == id {
		r.client = ""
	}
}

func (r *Registry) ClientAttached() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.client != ""
}

// TransitionError is returned when a lifecycle operation is not valid in
// the session's current status.
type TransitionError struct {
	Name     string
	From, To Status
}

func (e *TransitionError) Error() string {
	return "session " + e.Name + ": cannot move from " + e.From.String() + " to " + e.To.String()
}
