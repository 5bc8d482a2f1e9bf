package gateway

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/basket/agentui/internal/bus"
	"github.com/basket/agentui/internal/emitter"
	"github.com/basket/agentui/internal/otel"
	"github.com/basket/agentui/internal/protocol"
	"github.com/basket/agentui/internal/session"
	"github.com/basket/agentui/internal/shared"
	"go.opentelemetry.io/otel/metric"
)

// ErrRateLimited is returned by Dispatch when a transport exceeds its
// turn budget.
var ErrRateLimited = errors.New("rate limit exceeded")

// ErrUnknownEvent is returned for inbound event names the gateway does not route.
var ErrUnknownEvent = errors.New("unknown event")

// ErrShuttingDown is returned when a callback task is refused because
// Shutdown has begun.
var ErrShuttingDown = errors.New("gateway shutting down")

// Dispatch routes one inbound envelope from transport tid. Callback turns
// run on their own goroutines so stop and ask_reply are handled while a turn
// is suspended; Dispatch itself returns once the event has been routed.
func (s *Server) Dispatch(ctx context.Context, tid string, env protocol.Envelope) (err error) {
	start := time.Now()
	ctx = shared.WithTransportID(ctx, tid)
	ctx, span := otel.StartServerSpan(ctx, s.tracer, "agentui.dispatch",
		otel.AttrTransportID.String(tid),
		otel.AttrEvent.String(env.Event),
	)
	defer func() {
		otel.EndSpan(span, err)
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.DispatchDuration.Record(ctx, time.Since(start).Seconds(),
				metric.WithAttributes(otel.AttrEvent.String(env.Event)))
		}
	}()

	if env.Event == protocol.EventDisconnect {
		s.Disconnect(tid)
		return nil
	}

	sess, ok := s.cfg.Registry.LookupByTransport(tid)
	if !ok {
		return session.ErrNoSession
	}
	span.SetAttributes(otel.AttrSessionID.String(sess.ID()))
	ctx = shared.WithSessionID(ctx, sess.ID())
	// The first event after a restore marks the session as caught up.
	sess.ClearRestored()

	if s.cfg.Validator != nil {
		if err := s.cfg.Validator.Validate(env.Event, env.Payload); err != nil {
			return err
		}
	}

	switch env.Event {
	case protocol.EventUIMessage, protocol.EventActionCall:
		if !s.limiter.Allow(tid) {
			if s.cfg.Metrics != nil {
				s.cfg.Metrics.RateLimitRejects.Add(ctx, 1,
					metric.WithAttributes(otel.AttrEvent.String(env.Event)))
			}
			return ErrRateLimited
		}
	}

	switch env.Event {
	case protocol.EventUIMessage:
		var msg protocol.Message
		if err := env.Decode(&msg); err != nil {
			return err
		}
		return s.handleMessage(sess, msg)
	case protocol.EventStop:
		return s.handleStop(ctx, sess)
	case protocol.EventActionCall:
		var action protocol.Action
		if err := env.Decode(&action); err != nil {
			return err
		}
		span.SetAttributes(otel.AttrAction.String(action.Name))
		return s.handleAction(ctx, sess, action)
	case protocol.EventChatSettingsChange:
		var settings map[string]any
		if err := env.Decode(&settings); err != nil {
			return err
		}
		return s.handleSettings(sess, settings)
	case protocol.EventAskReply:
		if !sess.ResolveAsk(env.ID, env.Payload) {
			shared.LoggerFrom(ctx, s.logger).Debug("ask reply ignored", "ask_id", env.ID)
		}
		return nil
	case protocol.EventClearSession:
		if removed, ok := s.cfg.Registry.Remove(sess.ID()); ok {
			s.limiter.Forget(tid)
			s.cfg.Bus.Publish(bus.TopicSessionDeleted, bus.SessionEvent{
				SessionID: removed.ID(), TransportID: tid, Reason: "cleared",
			})
		}
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrUnknownEvent, env.Event)
	}
}

// Disconnect unbinds transport tid and schedules its session for deletion
// after the session timeout unless a restore arrives first.
func (s *Server) Disconnect(tid string) {
	s.limiter.Forget(tid)
	sess := s.cfg.Registry.Unbind(tid)
	if sess == nil {
		return
	}
	s.cfg.Bus.Publish(bus.TopicSessionDisconnected, bus.SessionEvent{SessionID: sess.ID(), TransportID: tid})
	timeout, _ := s.settings()
	s.cfg.Registry.ScheduleDeletion(sess.ID(), timeout, func(expired *session.Session) {
		s.cfg.Bus.Publish(bus.TopicSessionDeleted, bus.SessionEvent{SessionID: expired.ID(), Reason: "timeout"})
		s.logger.Info("session expired", "session_id", expired.ID(), "timeout", timeout.String())
	})
	s.logger.Info("session disconnected", "session_id", sess.ID(), "transport_id", tid)
}

func (s *Server) handleMessage(sess *session.Session, msg protocol.Message) error {
	msg.Normalize()
	return s.runTask(sess, protocol.EventUIMessage, true, func(ctx context.Context) error {
		em, _ := emitter.FromContext(ctx)
		if err := em.ProcessUserMessage(ctx, msg); err != nil {
			return err
		}
		if s.cfg.Callbacks.OnMessage == nil {
			return nil
		}
		return s.cfg.Callbacks.OnMessage(ctx, msg.Content, msg.ID)
	})
}

// handleStop sends the notice and sets the stop flag before returning, so
// they land before any further event from this transport is routed. OnStop
// itself runs as a task and may take as long as it likes.
func (s *Server) handleStop(ctx context.Context, sess *session.Session) error {
	em := s.emitterFor(sess)
	if err := em.SendStopNotice(emitter.WithContext(ctx, em)); err != nil {
		shared.LoggerFrom(ctx, s.logger).Warn("stop notice not delivered", "error", err)
	}
	sess.RequestStop()
	s.cfg.Bus.Publish(bus.TopicTaskStopRequested, bus.TaskEvent{SessionID: sess.ID(), Kind: protocol.EventStop})
	if s.cfg.Callbacks.OnStop == nil {
		return nil
	}
	return s.runTask(sess, protocol.EventStop, false, s.cfg.Callbacks.OnStop)
}

func (s *Server) handleAction(ctx context.Context, sess *session.Session, action protocol.Action) error {
	fn, ok := s.cfg.Callbacks.Action(action.Name)
	if !ok {
		shared.LoggerFrom(ctx, s.logger).Warn("no callback registered for action", "action", action.Name)
		return nil
	}
	return s.runTask(sess, protocol.EventActionCall, false, func(ctx context.Context) error {
		return fn(ctx, action)
	})
}

func (s *Server) handleSettings(sess *session.Session, settings map[string]any) error {
	sess.MergeChatSettings(settings)
	if s.cfg.Callbacks.OnSettingsUpdate == nil {
		return nil
	}
	return s.runTask(sess, protocol.EventChatSettingsChange, false, func(ctx context.Context) error {
		return s.cfg.Callbacks.OnSettingsUpdate(ctx, settings)
	})
}

// runTask runs fn on its own goroutine with the session emitter in its
// context. A turn (ui_message) also drives the task lifecycle and brackets
// the callback with task_start / task_end. ErrCancelled is expected flow;
// any other error or panic is logged and shown to the user. Once Shutdown
// has begun no task is started and ErrShuttingDown is returned.
func (s *Server) runTask(sess *session.Session, kind string, turn bool, fn func(ctx context.Context) error) error {
	s.taskMu.Lock()
	if s.closing {
		s.taskMu.Unlock()
		s.logger.Debug("task refused during shutdown", "session_id", sess.ID(), "kind", kind)
		return ErrShuttingDown
	}
	s.tasks.Add(1)
	s.taskMu.Unlock()

	em := s.emitterFor(sess)
	ctx := emitter.WithContext(s.baseCtx, em)
	ctx = shared.WithSessionID(ctx, sess.ID())
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	logger := shared.LoggerFrom(ctx, s.logger).With("kind", kind)

	if turn {
		sess.BeginTask()
	}
	go func() {
		defer s.tasks.Done()
		ctx, span := otel.StartSpan(ctx, s.tracer, "agentui.task."+kind,
			otel.AttrSessionID.String(sess.ID()),
		)
		start := time.Now()
		var err error
		defer func() {
			if r := recover(); r != nil {
				logger.Error("callback panic", "panic", r, "stack", string(debug.Stack()))
				err = fmt.Errorf("panic in %s callback: %v", kind, r)
			}
			cancelled := errors.Is(err, session.ErrCancelled)
			ev := bus.TaskEvent{
				SessionID: sess.ID(),
				Kind:      kind,
				Duration:  time.Since(start),
				Cancelled: cancelled,
			}
			topic := bus.TopicTaskEnded
			if err != nil && !cancelled {
				topic = bus.TopicTaskFailed
				ev.Err = err.Error()
				logger.Error("callback failed", "error", err)
				if sendErr := em.SendError(ctx, err.Error()); sendErr != nil {
					logger.Warn("error message not delivered", "error", sendErr)
				}
			}
			if turn {
				if endErr := em.TaskEnd(ctx); endErr != nil {
					logger.Debug("task_end not delivered", "error", endErr)
				}
				sess.EndTask()
			}
			s.cfg.Bus.Publish(topic, ev)
			if cancelled {
				otel.EndSpan(span, nil)
			} else {
				otel.EndSpan(span, err)
			}
		}()

		if turn {
			s.cfg.Bus.Publish(bus.TopicTaskStarted, bus.TaskEvent{SessionID: sess.ID(), Kind: kind})
			if err = em.TaskStart(ctx); err != nil {
				return
			}
		}
		err = fn(ctx)
	}()
	return nil
}
