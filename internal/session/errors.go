package session

import (
	"errors"
	"fmt"
)

// ErrCancelled is returned from an emit or ask checkpoint when the user asked
// the running task to stop. It is expected flow: the dispatcher discards it.
var ErrCancelled = errors.New("task stopped by user")

// ErrNoSession is returned when an event arrives on a transport that has no
// bound session, or when a lookup by id finds nothing.
var ErrNoSession = errors.New("no session bound")

// ErrNotConnected is returned when a session has no live transport.
var ErrNotConnected = errors.New("session not connected")

// ErrAskInFlight is returned when a second Ask-User request is issued while
// one is still waiting for its reply.
var ErrAskInFlight = errors.New("ask already in flight for session")

// DuplicateSessionError reports an attempt to bind a second transport to a
// session id that is already registered.
type DuplicateSessionError struct {
	ID string
	// Live is true when the existing session still has a bound transport.
	Live bool
}

func (e *DuplicateSessionError) Error() string {
	if e.Live {
		return fmt.Sprintf("session %s is already bound to a live transport", e.ID)
	}
	return fmt.Sprintf("session %s is already registered", e.ID)
}
