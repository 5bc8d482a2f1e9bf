package gateway

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/basket/agentui/internal/protocol"
	"github.com/basket/agentui/internal/session"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsReadLimit    = 1 << 20
	// Close frame reasons are capped at 123 bytes by RFC 6455.
	maxCloseReason = 123
)

// wsTransport is one browser connection. Writes are serialised because a
// turn goroutine, the dispatcher and an ask timeout may all send at once.
type wsTransport struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

var _ session.Transport = (*wsTransport)(nil)

func newWSTransport(conn *websocket.Conn) *wsTransport {
	return &wsTransport{id: uuid.NewString(), conn: conn}
}

func (t *wsTransport) ID() string { return t.id }

func (t *wsTransport) Send(ctx context.Context, env protocol.Envelope) error {
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	t.mu.Lock()
	defer t.mu.Unlock()
	return wsjson.Write(ctx, t.conn, env)
}

func closeReason(reason string) string {
	if len(reason) > maxCloseReason {
		return reason[:maxCloseReason]
	}
	return reason
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket library.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	conn.SetReadLimit(wsReadLimit)
	t := newWSTransport(conn)
	ctx := r.Context()
	logger := s.logger.With("transport_id", t.ID())

	sess, err := s.Connect(ctx, t, ConnectRequestFromHTTP(r))
	if err != nil {
		var refused *HandshakeRefusedError
		if errors.As(err, &refused) {
			_ = conn.Close(websocket.StatusPolicyViolation, closeReason(refused.Reason))
			return
		}
		logger.Error("ws: handshake failed", "error", err)
		s.Disconnect(t.ID())
		_ = conn.Close(websocket.StatusInternalError, "handshake failed")
		return
	}
	logger.Info("ws: client connected", "session_id", sess.ID())
	defer func() {
		// The request context is already done here.
		_ = s.Dispatch(context.Background(), t.ID(), protocol.Envelope{Event: protocol.EventDisconnect})
		logger.Info("ws: client disconnecting")
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	for {
		var env protocol.Envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				logger.Debug("ws: client closed")
			default:
				logger.Warn("ws: read error, closing", "error", err)
			}
			return
		}
		if env.Event == protocol.EventDisconnect {
			continue
		}
		logger.Debug("ws: event", "event", env.Event)
		if err := s.Dispatch(ctx, t.ID(), env); err != nil {
			logger.Warn("ws: dispatch failed", "event", env.Event, "error", err)
			reply, encErr := protocol.NewEnvelope(protocol.EventError, errorPayload(env.Event, err))
			if encErr != nil {
				continue
			}
			if err := t.Send(ctx, reply); err != nil {
				logger.Error("ws: write error frame", "event", env.Event, "error", err)
			}
		}
	}
}
