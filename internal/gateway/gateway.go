package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/basket/agentui/internal/auth"
	"github.com/basket/agentui/internal/bus"
	"github.com/basket/agentui/internal/callbacks"
	"github.com/basket/agentui/internal/config"
	"github.com/basket/agentui/internal/emitter"
	"github.com/basket/agentui/internal/otel"
	"github.com/basket/agentui/internal/persistence"
	"github.com/basket/agentui/internal/protocol"
	"github.com/basket/agentui/internal/session"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	defaultSessionTimeout = time.Hour
	defaultAskTimeout     = 60 * time.Second
)

type Config struct {
	Registry  *session.Registry
	Callbacks *callbacks.Callbacks
	Bus       *bus.Bus
	Validator *protocol.Validator

	// Store backs the /api/sessions history endpoints. Nil disables them.
	Store *persistence.Store
	// APIAuth guards the /api endpoints. Nil or disabled leaves them open.
	APIAuth *auth.APIKeyAuth

	Tracer  trace.Tracer
	Metrics *otel.Metrics
	Logger  *slog.Logger

	// RequiredUserEnv lists the keys every new connection must supply in its
	// User-Env header.
	RequiredUserEnv []string
	// SessionTimeout is how long a disconnected session waits for a restore.
	SessionTimeout time.Duration
	AskTimeout     time.Duration
	// Database is one of the config.Database* values. When empty no
	// DBClientFactory is consulted.
	Database string

	// AllowOrigins controls accepted Origin headers for browser WS
	// connections. Empty means same-origin only.
	AllowOrigins []string
	RateLimit    config.RateLimitConfig

	// ConfigFingerprint is the hash of the active config exposed on /healthz.
	ConfigFingerprint string
}

type Server struct {
	cfg     Config
	logger  *slog.Logger
	tracer  trace.Tracer
	limiter *transportLimiter

	// Hot-reloadable settings.
	settingsMu      sync.RWMutex
	sessionTimeout  time.Duration
	requiredUserEnv []string

	// taskMu orders tasks.Add against Shutdown setting closing.
	taskMu   sync.Mutex
	closing  bool
	tasks    sync.WaitGroup
	baseCtx  context.Context
	cancelFn context.CancelFunc
}

func New(cfg Config) *Server {
	if cfg.Registry == nil {
		cfg.Registry = session.NewRegistry()
	}
	if cfg.Callbacks == nil {
		cfg.Callbacks = &callbacks.Callbacks{}
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = defaultSessionTimeout
	}
	if cfg.AskTimeout <= 0 {
		cfg.AskTimeout = defaultAskTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer(otel.ScopeName)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:             cfg,
		logger:          logger,
		tracer:          tracer,
		limiter:         newTransportLimiter(cfg.RateLimit),
		sessionTimeout:  cfg.SessionTimeout,
		requiredUserEnv: append([]string(nil), cfg.RequiredUserEnv...),
		baseCtx:         ctx,
		cancelFn:        cancel,
	}
	if s.limiter.enabled {
		s.limiter.StartEviction(ctx, time.Minute, 10*time.Minute)
	}
	return s
}

// Registry returns the session registry the server routes through.
func (s *Server) Registry() *session.Registry { return s.cfg.Registry }

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/sessions", s.handleAPISessions)
	mux.HandleFunc("/api/sessions/", s.handleAPISessionMessages)
	mux.HandleFunc("/api/events", s.handleEventStream)

	cors := NewCORSMiddleware(s.cfg.AllowOrigins)
	limit := RequestSizeLimitMiddleware(1 << 20)
	return cors(limit(mux))
}

// Reconfigure applies hot-reloadable settings. Sessions already waiting on a
// deletion timer keep the timeout they were scheduled with.
func (s *Server) Reconfigure(sessionTimeout time.Duration, requiredUserEnv []string) {
	s.settingsMu.Lock()
	defer s.settingsMu.Unlock()
	if sessionTimeout > 0 {
		s.sessionTimeout = sessionTimeout
	}
	s.requiredUserEnv = append([]string(nil), requiredUserEnv...)
	s.logger.Info("gateway reconfigured",
		"session_timeout", s.sessionTimeout.String(),
		"required_user_env", strings.Join(s.requiredUserEnv, ","))
}

func (s *Server) settings() (time.Duration, []string) {
	s.settingsMu.RLock()
	defer s.settingsMu.RUnlock()
	return s.sessionTimeout, s.requiredUserEnv
}

// Shutdown cancels running callback tasks and waits for them to return or
// for ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.taskMu.Lock()
	s.closing = true
	s.taskMu.Unlock()
	s.cancelFn()
	done := make(chan struct{})
	go func() {
		s.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) emitterFor(sess *session.Session) *emitter.Emitter {
	return emitter.New(sess,
		emitter.WithCallbacks(s.cfg.Callbacks),
		emitter.WithBus(s.cfg.Bus),
		emitter.WithLogger(s.logger),
		emitter.WithAskTimeout(s.cfg.AskTimeout),
	)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if s.cfg.Store != nil {
		if err := s.cfg.Store.DB().PingContext(r.Context()); err != nil {
			dbOK = false
		}
	}
	payload := map[string]any{
		"healthy":            dbOK,
		"db_ok":              dbOK,
		"sessions":           s.cfg.Registry.Len(),
		"config_fingerprint": s.cfg.ConfigFingerprint,
	}
	w.Header().Set("Content-Type", "application/json")
	if !dbOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.APIAuth == nil || !s.cfg.APIAuth.Enabled() {
		return true
	}
	_, err := s.cfg.APIAuth.Authenticate(r.Context(), r.Header)
	return err == nil
}

func queryLimit(r *http.Request, def int) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func (s *Server) handleAPISessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	resp := map[string]any{"sessions": s.cfg.Registry.Snapshot()}
	if s.cfg.Store != nil {
		stored, err := s.cfg.Store.ListSessions(r.Context(), queryLimit(r, 20))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		resp["stored"] = stored
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleAPISessionMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if s.cfg.Store == nil {
		http.Error(w, "history not available: no database configured", http.StatusNotFound)
		return
	}
	// Path: /api/sessions/{id}/messages
	path := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	parts := strings.SplitN(path, "/", 2)
	if len(parts) < 2 || parts[1] != "messages" || parts[0] == "" {
		http.Error(w, "invalid path: expected /api/sessions/{id}/messages", http.StatusBadRequest)
		return
	}
	items, err := s.cfg.Store.ListMessages(r.Context(), parts[0], queryLimit(r, 100))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"messages": items})
}

// errorPayload renders err for an error frame sent back to the client.
func errorPayload(event string, err error) protocol.ErrorPayload {
	var verr *protocol.ValidationError
	if errors.As(err, &verr) {
		return protocol.ErrorPayload{Event: event, Message: verr.Error()}
	}
	return protocol.ErrorPayload{Event: event, Message: err.Error()}
}
