package session

import (
	"sort"
	"sync"
	"time"
)

// Info is a point-in-time view of a registered session.
type Info struct {
	ID          string    `json:"id"`
	TransportID string    `json:"transport_id,omitempty"`
	Connected   bool      `json:"connected"`
	TaskState   TaskState `json:"task_state"`
	CreatedAt   time.Time `json:"created_at"`
}

// Registry indexes live sessions by id and by bound transport id. All index
// mutations happen under one mutex so a restore and a disconnect can never
// interleave half-way.
type Registry struct {
	mu          sync.Mutex
	byID        map[string]*Session
	byTransport map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:        make(map[string]*Session),
		byTransport: make(map[string]*Session),
	}
}

// Register adds a fully constructed session. It fails with
// *DuplicateSessionError when the id is already present.
func (r *Registry) Register(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.byID[s.id]; ok {
		return &DuplicateSessionError{ID: s.id, Live: existing.TransportID() != ""}
	}
	r.byID[s.id] = s
	if tid := s.TransportID(); tid != "" {
		r.byTransport[tid] = s
	}
	return nil
}

// Restore rebinds an existing session to t. A pending deletion timer is
// cancelled before the new transport becomes visible.
func (r *Registry) Restore(id string, t Transport) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	if !ok {
		return nil, ErrNoSession
	}
	if s.TransportID() != "" {
		return nil, &DuplicateSessionError{ID: id, Live: true}
	}
	if s.deleteTimer != nil {
		s.deleteTimer.Stop()
		s.deleteTimer = nil
	}
	s.generation++
	s.bind(t, true)
	r.byTransport[t.ID()] = s
	return s, nil
}

// LookupByID returns the session registered under id.
func (r *Registry) LookupByID(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	return s, ok
}

// LookupByTransport returns the session currently bound to transport tid.
func (r *Registry) LookupByTransport(tid string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byTransport[tid]
	return s, ok
}

// Unbind detaches transport tid from its session. The session stays
// registered so it can be restored. Returns nil if tid was not bound.
func (r *Registry) Unbind(tid string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byTransport[tid]
	if !ok {
		return nil
	}
	delete(r.byTransport, tid)
	s.unbind(tid)
	return s
}

// ScheduleDeletion removes session id after the given delay unless it is
// restored first. onExpire runs outside the registry lock after removal.
// It returns false if the session is unknown or currently connected.
func (r *Registry) ScheduleDeletion(id string, after time.Duration, onExpire func(*Session)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	if !ok || s.TransportID() != "" {
		return false
	}
	if s.deleteTimer != nil {
		s.deleteTimer.Stop()
	}
	gen := s.generation
	s.deleteTimer = time.AfterFunc(after, func() {
		r.expire(id, gen, onExpire)
	})
	return true
}

// expire is a no-op when the session was restored (generation moved on),
// reconnected, or already removed.
func (r *Registry) expire(id string, gen uint64, onExpire func(*Session)) {
	r.mu.Lock()
	s, ok := r.byID[id]
	if !ok || s.generation != gen || s.TransportID() != "" {
		r.mu.Unlock()
		return
	}
	r.removeLocked(s)
	r.mu.Unlock()
	if onExpire != nil {
		onExpire(s)
	}
}

// Remove deletes session id and its application state. Removing an unknown
// id is a no-op that returns false.
func (r *Registry) Remove(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	r.removeLocked(s)
	return s, true
}

func (r *Registry) removeLocked(s *Session) {
	delete(r.byID, s.id)
	for tid, bound := range r.byTransport {
		if bound == s {
			delete(r.byTransport, tid)
		}
	}
	if s.deleteTimer != nil {
		s.deleteTimer.Stop()
		s.deleteTimer = nil
	}
	s.generation++
	s.markDeleted()
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

// Snapshot lists registered sessions ordered by creation time.
func (r *Registry) Snapshot() []Info {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.byID))
	for _, s := range r.byID {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	out := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		tid := s.TransportID()
		out = append(out, Info{
			ID:          s.id,
			TransportID: tid,
			Connected:   tid != "",
			TaskState:   s.TaskState(),
			CreatedAt:   s.createdAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
