package gateway

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/basket/agentui/internal/bus"
)

// streamSSEEvent represents a single lifecycle event sent to an SSE client.
type streamSSEEvent struct {
	Topic       string  `json:"topic"`
	SessionID   string  `json:"session_id"`
	TransportID string  `json:"transport_id,omitempty"`
	Reason      string  `json:"reason,omitempty"`
	Kind        string  `json:"kind,omitempty"`
	DurationMS  float64 `json:"duration_ms,omitempty"`
	Cancelled   bool    `json:"cancelled,omitempty"`
	Error       string  `json:"error,omitempty"`
}

func toSSEEvent(ev bus.Event) (streamSSEEvent, bool) {
	switch p := ev.Payload.(type) {
	case bus.SessionEvent:
		return streamSSEEvent{
			Topic:       ev.Topic,
			SessionID:   p.SessionID,
			TransportID: p.TransportID,
			Reason:      p.Reason,
		}, true
	case bus.TaskEvent:
		return streamSSEEvent{
			Topic:      ev.Topic,
			SessionID:  p.SessionID,
			Kind:       p.Kind,
			DurationMS: float64(p.Duration.Microseconds()) / 1000,
			Cancelled:  p.Cancelled,
			Error:      p.Err,
		}, true
	default:
		return streamSSEEvent{}, false
	}
}

// handleEventStream implements GET /api/events?session_id=XXX&topic=PREFIX.
// It streams session and task lifecycle events as SSE, optionally filtered
// to one session and one topic prefix.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	if s.cfg.Bus == nil {
		http.Error(w, "streaming not available: event bus not configured", http.StatusServiceUnavailable)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	sessionID := r.URL.Query().Get("session_id")
	topic := r.URL.Query().Get("topic")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := s.cfg.Bus.Subscribe(topic)
	defer s.cfg.Bus.Unsubscribe(sub)

	ctx := r.Context()

	for {
		select {
		case <-ctx.Done():
			slog.Debug("sse: client disconnected", "session_id", sessionID)
			return

		case event, ok := <-sub.Ch():
			if !ok {
				return
			}
			if !strings.HasPrefix(event.Topic, "session.") && !strings.HasPrefix(event.Topic, "task.") {
				continue
			}
			sseEvent, ok := toSSEEvent(event)
			if !ok {
				continue
			}
			if sessionID != "" && sseEvent.SessionID != sessionID {
				continue
			}

			data, err := json.Marshal(sseEvent)
			if err != nil {
				slog.Error("sse: marshal event", "error", err)
				continue
			}

			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Topic, data); err != nil {
				slog.Debug("sse: write failed (client disconnected?)", "session_id", sessionID, "error", err)
				return
			}
			flusher.Flush()
		}
	}
}
