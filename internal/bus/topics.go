package bus

import "time"

// Session lifecycle topics.
const (
	TopicSessionCreated      = "session.created"
	TopicSessionRestored     = "session.restored"
	TopicSessionDisconnected = "session.disconnected"
	TopicSessionDeleted      = "session.deleted"
	TopicHandshakeRefused    = "session.refused"
)

// Task topics. A task is one developer-callback turn.
const (
	TopicTaskStarted       = "task.started"
	TopicTaskEnded         = "task.ended"
	TopicTaskStopRequested = "task.stop_requested"
	TopicTaskFailed        = "task.failed"
)

const TopicAskTimeout = "ask.timeout"

// SessionEvent is the payload for session.* and ask.* topics.
type SessionEvent struct {
	SessionID   string
	TransportID string
	Reason      string // refusal reason or deletion cause
}

// TaskEvent is the payload for task.* topics.
type TaskEvent struct {
	SessionID string
	Kind      string // inbound event that started the turn, e.g. ui_message
	Duration  time.Duration
	Cancelled bool
	Err       string
}
