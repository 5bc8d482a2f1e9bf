// Package session binds conversational identity to physical transports.
// A Session survives transport churn; the Registry indexes sessions by id
// and by the transport currently bound to them.
package session

import (
	"context"
	"encoding/json"
	"maps"
	"sync"
	"time"

	"github.com/basket/agentui/internal/callbacks"
	"github.com/basket/agentui/internal/protocol"
	"github.com/google/uuid"
)

// Transport is one physical real-time connection.
type Transport interface {
	ID() string
	Send(ctx context.Context, env protocol.Envelope) error
}

// TaskState is the per-session agent turn state.
type TaskState string

const (
	TaskIdle     TaskState = "idle"
	TaskRunning  TaskState = "running"
	TaskStopping TaskState = "stopping"
)

// Options carries the values fixed at connect time.
type Options struct {
	// ID is the client-supplied identity. Empty generates a new one.
	ID             string
	AuthClient     callbacks.AuthClient
	Storage        callbacks.DBClient
	UserEnv        map[string]string
	InitialHeaders map[string]string
}

// Session is the unit of conversational identity.
type Session struct {
	id             string
	createdAt      time.Time
	authClient     callbacks.AuthClient
	storage        callbacks.DBClient
	userEnv        map[string]string
	initialHeaders map[string]string

	mu           sync.Mutex
	transport    Transport
	restored     bool
	shouldStop   bool
	chatSettings map[string]any
	activeTasks  int
	state        TaskState
	askID        string
	askCh        chan json.RawMessage
	userData     map[string]any
	deleted      bool

	// Guarded by Registry.mu.
	generation  uint64
	deleteTimer *time.Timer
}

// New constructs an unregistered session bound to t (which may be nil).
func New(opts Options, t Transport) *Session {
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	auth := opts.AuthClient
	if auth == nil {
		auth = callbacks.Anonymous{}
	}
	return &Session{
		id:             id,
		createdAt:      time.Now().UTC(),
		authClient:     auth,
		storage:        opts.Storage,
		userEnv:        maps.Clone(opts.UserEnv),
		initialHeaders: maps.Clone(opts.InitialHeaders),
		transport:      t,
		chatSettings:   map[string]any{},
		state:          TaskIdle,
		userData:       map[string]any{},
	}
}

func (s *Session) ID() string                       { return s.id }
func (s *Session) CreatedAt() time.Time             { return s.createdAt }
func (s *Session) AuthClient() callbacks.AuthClient { return s.authClient }

// Storage returns nil when no persistence backend is configured.
func (s *Session) Storage() callbacks.DBClient { return s.storage }

func (s *Session) UserEnv() map[string]string        { return maps.Clone(s.userEnv) }
func (s *Session) InitialHeaders() map[string]string { return maps.Clone(s.initialHeaders) }

// Transport returns the currently bound transport, nil when disconnected.
// Callers must not hold on to the result beyond a single send.
func (s *Session) Transport() Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport
}

// TransportID returns "" when disconnected.
func (s *Session) TransportID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transport == nil {
		return ""
	}
	return s.transport.ID()
}

// Restored reports whether the current transport was bound by a restore and
// no inbound event has been handled on it yet.
func (s *Session) Restored() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restored
}

// ClearRestored ends the restore cycle.
func (s *Session) ClearRestored() {
	s.mu.Lock()
	s.restored = false
	s.mu.Unlock()
}

func (s *Session) bind(t Transport, restored bool) {
	s.mu.Lock()
	s.transport = t
	s.restored = restored
	s.mu.Unlock()
}

// unbind clears the transport only if tid is still the bound one.
func (s *Session) unbind(tid string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transport == nil || s.transport.ID() != tid {
		return false
	}
	s.transport = nil
	s.restored = false
	return true
}

// ChatSettings returns a copy of the current settings.
func (s *Session) ChatSettings() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.chatSettings)
}

// MergeChatSettings overwrites the given keys.
func (s *Session) MergeChatSettings(settings map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range settings {
		s.chatSettings[k] = v
	}
}

// RequestStop asserts the stop flag. A running task moves to stopping and
// terminates at its next checkpoint.
func (s *Session) RequestStop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shouldStop = true
	if s.state == TaskRunning {
		s.state = TaskStopping
	}
}

// ConsumeStop reads and clears the stop flag in one step.
func (s *Session) ConsumeStop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.shouldStop
	s.shouldStop = false
	return v
}

// StopRequested reports the flag without clearing it.
func (s *Session) StopRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shouldStop
}

// Checkpoint returns ErrCancelled exactly once per stop request.
func (s *Session) Checkpoint() error {
	if s.ConsumeStop() {
		return ErrCancelled
	}
	return nil
}

// BeginTask moves the session to running. A stale stop flag left over from
// an earlier turn is cleared.
func (s *Session) BeginTask() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shouldStop = false
	s.activeTasks++
	s.state = TaskRunning
}

// EndTask returns the session to idle once the last active turn finishes.
func (s *Session) EndTask() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeTasks > 0 {
		s.activeTasks--
	}
	if s.activeTasks == 0 {
		s.state = TaskIdle
	}
}

func (s *Session) TaskState() TaskState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// BeginAsk reserves the session's single Ask-User slot under id.
func (s *Session) BeginAsk(id string) (<-chan json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleted {
		return nil, ErrNoSession
	}
	if s.askID != "" {
		return nil, ErrAskInFlight
	}
	s.askID = id
	s.askCh = make(chan json.RawMessage, 1)
	return s.askCh, nil
}

// EndAsk releases the slot if it is still held by id.
func (s *Session) EndAsk(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.askID == id {
		s.askID = ""
		s.askCh = nil
	}
}

// ResolveAsk delivers a reply to the waiting ask. It returns false when no
// ask with that correlation id is pending.
func (s *Session) ResolveAsk(id string, payload json.RawMessage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id == "" || s.askID != id {
		return false
	}
	s.askCh <- payload
	s.askID = ""
	s.askCh = nil
	return true
}

// Set stores an application-level value for the lifetime of the session.
func (s *Session) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleted {
		return
	}
	s.userData[key] = value
}

func (s *Session) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.userData[key]
	return v, ok
}

func (s *Session) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.userData, key)
}

// Deleted reports whether the session was removed from its registry.
func (s *Session) Deleted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleted
}

// markDeleted drops application state and wakes a pending ask.
func (s *Session) markDeleted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = true
	s.transport = nil
	s.userData = map[string]any{}
	if s.askCh != nil {
		close(s.askCh)
		s.askCh = nil
		s.askID = ""
	}
}
