package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/basket/agentui/internal/auth"
	"github.com/basket/agentui/internal/bus"
	"github.com/basket/agentui/internal/callbacks"
	"github.com/basket/agentui/internal/otel"
	"github.com/basket/agentui/internal/protocol"
	"github.com/basket/agentui/internal/session"
	"github.com/basket/agentui/internal/shared"
)

const (
	HeaderSessionID = "X-Agentui-Session-Id"
	HeaderUserEnv   = "User-Env"
	// InitialHeadersCookie carries the JSON headers of the page that opened
	// the socket.
	InitialHeadersCookie = "agentui-initial-headers"
)

// HandshakeRefusedError rejects a connection attempt. Reason is sent to the
// client in the close frame.
type HandshakeRefusedError struct {
	Reason string
	Err    error
}

func (e *HandshakeRefusedError) Error() string {
	return "connection refused: " + e.Reason
}

func (e *HandshakeRefusedError) Unwrap() error { return e.Err }

// MissingEnvironmentError lists required user environment keys absent from
// the handshake. An empty Keys means no User-Env header was sent at all.
type MissingEnvironmentError struct {
	Keys []string
}

func (e *MissingEnvironmentError) Error() string {
	if len(e.Keys) == 0 {
		return "Missing user environment variables"
	}
	return "Missing user environment variable: " + strings.Join(e.Keys, ", ")
}

// ConnectRequest carries what the handshake needs from the upgrade request.
type ConnectRequest struct {
	SessionID      string
	Headers        http.Header
	InitialHeaders map[string]string
	UserEnv        string
}

// ConnectRequestFromHTTP extracts a ConnectRequest. Browsers cannot set
// headers on a WebSocket, so session_id, user_env and api_key are also read
// from the query string.
func ConnectRequestFromHTTP(r *http.Request) ConnectRequest {
	q := r.URL.Query()
	headers := r.Header.Clone()
	if headers == nil {
		headers = http.Header{}
	}
	if key := q.Get("api_key"); key != "" && auth.ExtractAPIKey(headers) == "" {
		headers.Set(auth.HeaderAPIKey, key)
	}
	req := ConnectRequest{
		SessionID: strings.TrimSpace(headers.Get(HeaderSessionID)),
		Headers:   headers,
		UserEnv:   headers.Get(HeaderUserEnv),
	}
	if req.SessionID == "" {
		req.SessionID = strings.TrimSpace(q.Get("session_id"))
	}
	if req.UserEnv == "" {
		req.UserEnv = q.Get("user_env")
	}
	if c, err := r.Cookie(InitialHeadersCookie); err == nil {
		req.InitialHeaders = decodeInitialHeaders(c.Value)
	} else {
		req.InitialHeaders = map[string]string{}
	}
	return req
}

// decodeInitialHeaders tolerates URL-encoded values. Anything that is not a
// JSON object yields an empty map.
func decodeInitialHeaders(raw string) map[string]string {
	out := map[string]string{}
	if raw == "" {
		return out
	}
	if unescaped, err := url.QueryUnescape(raw); err == nil {
		raw = unescaped
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return out
	}
	for k, v := range decoded {
		switch tv := v.(type) {
		case string:
			out[k] = tv
		case nil:
		default:
			out[k] = fmt.Sprint(tv)
		}
	}
	return out
}

// loadUserEnv parses the User-Env header and checks every required key.
func loadUserEnv(raw string, required []string) (map[string]string, error) {
	if len(required) == 0 {
		env := map[string]string{}
		if raw != "" {
			_ = json.Unmarshal([]byte(raw), &env)
		}
		return env, nil
	}
	if strings.TrimSpace(raw) == "" {
		return nil, &MissingEnvironmentError{}
	}
	env := map[string]string{}
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, fmt.Errorf("decode %s header: %w", HeaderUserEnv, err)
	}
	var missing []string
	for _, key := range required {
		if _, ok := env[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return nil, &MissingEnvironmentError{Keys: missing}
	}
	return env, nil
}

// Connect binds transport t to a session. A SessionID naming a registered,
// disconnected session restores it without re-running auth, env checks or
// chat start. Otherwise a new session is created and OnChatStart runs.
func (s *Server) Connect(ctx context.Context, t session.Transport, req ConnectRequest) (sess *session.Session, err error) {
	ctx = shared.WithTransportID(ctx, t.ID())
	ctx, span := otel.StartServerSpan(ctx, s.tracer, "agentui.connect",
		otel.AttrTransportID.String(t.ID()),
		otel.AttrSessionID.String(req.SessionID),
	)
	defer func() { otel.EndSpan(span, err) }()

	if req.SessionID != "" {
		sess, err = s.cfg.Registry.Restore(req.SessionID, t)
		switch {
		case err == nil:
			span.SetAttributes(otel.AttrRestored.Bool(true))
			s.cfg.Bus.Publish(bus.TopicSessionRestored, bus.SessionEvent{SessionID: sess.ID(), TransportID: t.ID()})
			s.logger.Info("session restored", "session_id", sess.ID(), "transport_id", t.ID())
			err = s.accept(ctx, sess, true)
			return sess, err
		case errors.Is(err, session.ErrNoSession):
			// Unknown or expired id: start fresh under the same id.
		default:
			return nil, s.refuse(ctx, req.SessionID, t.ID(), err)
		}
	}

	sess, err = s.create(ctx, t, req)
	if err != nil {
		return nil, s.refuse(ctx, req.SessionID, t.ID(), err)
	}
	span.SetAttributes(otel.AttrSessionID.String(sess.ID()), otel.AttrRestored.Bool(false))
	s.cfg.Bus.Publish(bus.TopicSessionCreated, bus.SessionEvent{SessionID: sess.ID(), TransportID: t.ID()})
	s.logger.Info("session created", "session_id", sess.ID(), "transport_id", t.ID())
	if err = s.accept(ctx, sess, false); err != nil {
		return sess, err
	}
	s.startChat(sess)
	return sess, nil
}

// create validates the user environment first so a refused handshake never
// builds clients, then runs the auth and storage factories. A storage client
// discarded by a later failure is closed when it implements io.Closer.
func (s *Server) create(ctx context.Context, t session.Transport, req ConnectRequest) (*session.Session, error) {
	_, required := s.settings()
	env, err := loadUserEnv(req.UserEnv, required)
	if err != nil {
		return nil, err
	}

	headers := req.Headers
	if headers == nil {
		headers = http.Header{}
	}
	var authClient callbacks.AuthClient = callbacks.Anonymous{}
	if f := s.cfg.Callbacks.AuthClientFactory; f != nil {
		c, err := f(ctx, headers)
		if err != nil {
			return nil, fmt.Errorf("authenticate: %w", err)
		}
		if c != nil {
			authClient = c
		}
	}

	var storage callbacks.DBClient
	if s.cfg.Database != "" && s.cfg.Callbacks.DBClientFactory != nil {
		db, err := s.cfg.Callbacks.DBClientFactory(ctx, headers, authClient.UserInfo())
		if err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
		storage = db
	}

	sess := session.New(session.Options{
		ID:             req.SessionID,
		AuthClient:     authClient,
		Storage:        storage,
		UserEnv:        env,
		InitialHeaders: req.InitialHeaders,
	}, t)
	if err := s.cfg.Registry.Register(sess); err != nil {
		s.releaseStorage(ctx, storage)
		return nil, err
	}
	return sess, nil
}

func (s *Server) releaseStorage(ctx context.Context, storage callbacks.DBClient) {
	c, ok := storage.(io.Closer)
	if !ok {
		return
	}
	if err := c.Close(); err != nil {
		shared.LoggerFrom(ctx, s.logger).Warn("discarded storage client close failed", "error", err)
	}
}

// refuse wraps err as a *HandshakeRefusedError and announces it.
func (s *Server) refuse(ctx context.Context, sessionID, transportID string, err error) error {
	var refused *HandshakeRefusedError
	if !errors.As(err, &refused) {
		refused = &HandshakeRefusedError{Reason: err.Error(), Err: err}
	}
	s.cfg.Bus.Publish(bus.TopicHandshakeRefused, bus.SessionEvent{
		SessionID:   sessionID,
		TransportID: transportID,
		Reason:      refused.Reason,
	})
	shared.LoggerFrom(ctx, s.logger).Warn("connection refused", "session_id", sessionID, "reason", refused.Reason)
	return refused
}

func (s *Server) accept(ctx context.Context, sess *session.Session, restored bool) error {
	em := s.emitterFor(sess)
	err := em.Notify(ctx, protocol.EventConnectionAccepted, protocol.ConnectionAccepted{
		SessionID: sess.ID(),
		Restored:  restored,
	})
	if err != nil {
		return fmt.Errorf("accept session %s: %w", sess.ID(), err)
	}
	return nil
}

// startChat persists the authenticated user and runs OnChatStart.
func (s *Server) startChat(sess *session.Session) {
	err := s.runTask(sess, "chat_start", false, func(ctx context.Context) error {
		if user := sess.AuthClient().UserInfo(); user != nil && sess.Storage() != nil {
			if err := sess.Storage().CreateUser(ctx, *user); err != nil {
				return fmt.Errorf("create user: %w", err)
			}
		}
		if s.cfg.Callbacks.OnChatStart == nil {
			return nil
		}
		return s.cfg.Callbacks.OnChatStart(ctx)
	})
	if err != nil {
		s.logger.Warn("chat start skipped", "session_id", sess.ID(), "error", err)
	}
}
