// Package emitter is the outbound channel of a session. Every send resolves
// the session's current transport at call time, so sends issued across a
// reconnect land on the new connection.
package emitter

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/agentui/internal/bus"
	"github.com/basket/agentui/internal/callbacks"
	"github.com/basket/agentui/internal/protocol"
	"github.com/basket/agentui/internal/session"
)

const (
	// StopNotice is shown when the user stops a running task.
	StopNotice = "Task stopped by the user."

	defaultAskTimeout = 60 * time.Second
)

// Emitter converts application payloads into transport events for one session.
type Emitter struct {
	session    *session.Session
	callbacks  *callbacks.Callbacks
	bus        *bus.Bus
	logger     *slog.Logger
	askTimeout time.Duration
}

// Option configures an Emitter.
type Option func(*Emitter)

// WithCallbacks applies the AuthorRename hook to outgoing authors.
func WithCallbacks(cb *callbacks.Callbacks) Option {
	return func(e *Emitter) { e.callbacks = cb }
}

// WithBus publishes ask timeouts on b.
func WithBus(b *bus.Bus) Option {
	return func(e *Emitter) { e.bus = b }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Emitter) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithAskTimeout sets the timeout used when Ask is called with zero.
func WithAskTimeout(d time.Duration) Option {
	return func(e *Emitter) {
		if d > 0 {
			e.askTimeout = d
		}
	}
}

// New returns an emitter bound to s.
func New(s *session.Session, opts ...Option) *Emitter {
	e := &Emitter{
		session:    s,
		logger:     slog.Default(),
		askTimeout: defaultAskTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Session returns the session this emitter writes to.
func (e *Emitter) Session() *session.Session { return e.session }

type emitterKey struct{}

// WithContext attaches e to ctx for use by developer callbacks.
func WithContext(ctx context.Context, e *Emitter) context.Context {
	return context.WithValue(ctx, emitterKey{}, e)
}

// FromContext returns the emitter attached to ctx.
func FromContext(ctx context.Context) (*Emitter, bool) {
	e, ok := ctx.Value(emitterKey{}).(*Emitter)
	return e, ok && e != nil
}

// Send transmits an event after the cooperative stop checkpoint. If a stop
// was requested it returns session.ErrCancelled and sends nothing; callers
// must return that error so the whole turn unwinds.
func (e *Emitter) Send(ctx context.Context, kind string, payload any) error {
	if err := e.session.Checkpoint(); err != nil {
		return err
	}
	return e.Notify(ctx, kind, payload)
}

// Notify transmits an event without the stop checkpoint. It is reserved for
// notices that must reach the user even while a stop is pending.
func (e *Emitter) Notify(ctx context.Context, kind string, payload any) error {
	env, err := protocol.NewEnvelope(kind, payload)
	if err != nil {
		return err
	}
	return e.deliver(ctx, env)
}

func (e *Emitter) deliver(ctx context.Context, env protocol.Envelope) error {
	t := e.session.Transport()
	if t == nil {
		return session.ErrNotConnected
	}
	if err := t.Send(ctx, env); err != nil {
		return fmt.Errorf("send %s: %w", env.Event, err)
	}
	return nil
}

func (e *Emitter) prepare(msg protocol.Message) protocol.Message {
	if msg.ID == "" || msg.CreatedAt.IsZero() {
		fresh := protocol.NewMessage(msg.Author, msg.Content)
		if msg.ID == "" {
			msg.ID = fresh.ID
		}
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = fresh.CreatedAt
		}
	}
	msg.Author = e.callbacks.RenameAuthor(msg.Author)
	return msg
}

// Say sends a new message from author and returns it.
func (e *Emitter) Say(ctx context.Context, author, content string) (protocol.Message, error) {
	msg := protocol.NewMessage(author, content)
	if err := e.SendMessage(ctx, msg); err != nil {
		return protocol.Message{}, err
	}
	return msg, nil
}

func (e *Emitter) SendMessage(ctx context.Context, msg protocol.Message) error {
	return e.Send(ctx, protocol.EventNewMessage, e.prepare(msg))
}

func (e *Emitter) UpdateMessage(ctx context.Context, msg protocol.Message) error {
	return e.Send(ctx, protocol.EventUpdateMessage, e.prepare(msg))
}

func (e *Emitter) DeleteMessage(ctx context.Context, messageID string) error {
	return e.Send(ctx, protocol.EventDeleteMessage, map[string]string{"id": messageID})
}

// SendAction attaches action to the message forID.
func (e *Emitter) SendAction(ctx context.Context, action protocol.Action, forID string) error {
	action.ForID = forID
	if action.Label == "" {
		action.Label = action.Name
	}
	return e.Send(ctx, protocol.EventAction, action)
}

func (e *Emitter) RemoveAction(ctx context.Context, action protocol.Action) error {
	return e.Send(ctx, protocol.EventRemoveAction, action)
}

func (e *Emitter) SetChatSettings(ctx context.Context, settings map[string]any) error {
	return e.Send(ctx, protocol.EventChatSettings, settings)
}

// TaskStart tells the client a turn is running.
func (e *Emitter) TaskStart(ctx context.Context) error {
	return e.Send(ctx, protocol.EventTaskStart, protocol.TaskEvent{SessionID: e.session.ID()})
}

// TaskEnd is unchecked: the end marker goes out even for a stopped turn.
func (e *Emitter) TaskEnd(ctx context.Context) error {
	return e.Notify(ctx, protocol.EventTaskEnd, protocol.TaskEvent{SessionID: e.session.ID()})
}

// SendError surfaces a failure to the user.
func (e *Emitter) SendError(ctx context.Context, content string) error {
	msg := e.prepare(protocol.NewMessage("Error", content))
	msg.IsError = true
	return e.Notify(ctx, protocol.EventNewMessage, msg)
}

func (e *Emitter) SendStopNotice(ctx context.Context) error {
	return e.Notify(ctx, protocol.EventNewMessage, e.prepare(protocol.NewMessage("System", StopNotice)))
}

// ProcessUserMessage records an inbound user message with the session's
// storage client. Without storage it does nothing.
func (e *Emitter) ProcessUserMessage(ctx context.Context, msg protocol.Message) error {
	db := e.session.Storage()
	if db == nil {
		return nil
	}
	if err := db.AddMessage(ctx, e.session.ID(), msg); err != nil {
		return fmt.Errorf("persist user message: %w", err)
	}
	return nil
}
