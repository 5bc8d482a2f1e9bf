package emitter

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/basket/agentui/internal/bus"
	"github.com/basket/agentui/internal/protocol"
	"github.com/basket/agentui/internal/session"
	"github.com/google/uuid"
)

// AskResult is the outcome of an Ask-User exchange. A timeout is a normal
// result, not an error, so callers can fall back to a default.
type AskResult struct {
	Reply    json.RawMessage
	TimedOut bool
}

// Text returns the reply content. Replies may be a bare JSON string or a
// message object with a content field.
func (r AskResult) Text() string {
	if len(r.Reply) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(r.Reply, &s); err == nil {
		return s
	}
	var msg struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(r.Reply, &msg); err == nil {
		return strings.TrimSpace(msg.Content)
	}
	return ""
}

// Ask sends req to the user and waits for the correlated ask_reply, the
// timeout, or ctx cancellation. Only one ask per session may be outstanding.
func (e *Emitter) Ask(ctx context.Context, req protocol.AskRequest, timeout time.Duration) (AskResult, error) {
	if err := e.session.Checkpoint(); err != nil {
		return AskResult{}, err
	}
	if timeout <= 0 {
		timeout = e.askTimeout
	}

	id := uuid.NewString()
	reply, err := e.session.BeginAsk(id)
	if err != nil {
		return AskResult{}, err
	}
	defer e.session.EndAsk(id)

	req.Author = e.callbacks.RenameAuthor(req.Author)
	if req.Timeout == 0 {
		req.Timeout = int(timeout.Round(time.Second) / time.Second)
	}
	env, err := protocol.NewEnvelope(protocol.EventAsk, req)
	if err != nil {
		return AskResult{}, err
	}
	env.ID = id
	if err := e.deliver(ctx, env); err != nil {
		return AskResult{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case payload, ok := <-reply:
		if !ok {
			return AskResult{}, session.ErrNoSession
		}
		return AskResult{Reply: payload}, nil
	case <-timer.C:
		e.session.EndAsk(id)
		// A reply accepted before EndAsk took the slot still wins.
		select {
		case payload, ok := <-reply:
			if ok {
				return AskResult{Reply: payload}, nil
			}
		default:
		}
		e.askTimedOut(ctx, id)
		return AskResult{TimedOut: true}, nil
	case <-ctx.Done():
		return AskResult{}, ctx.Err()
	}
}

func (e *Emitter) askTimedOut(ctx context.Context, id string) {
	env := protocol.Envelope{Event: protocol.EventAskTimeout, ID: id}
	if err := e.deliver(ctx, env); err != nil {
		e.logger.Debug("emitter: ask timeout notice not delivered", "session_id", e.session.ID(), "error", err)
	}
	if e.bus != nil {
		e.bus.Publish(bus.TopicAskTimeout, bus.SessionEvent{SessionID: e.session.ID()})
	}
}
