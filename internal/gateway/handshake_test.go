package gateway_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/agentui/internal/auth"
	"github.com/basket/agentui/internal/bus"
	"github.com/basket/agentui/internal/callbacks"
	"github.com/basket/agentui/internal/config"
	"github.com/basket/agentui/internal/gateway"
	"github.com/basket/agentui/internal/persistence"
	"github.com/basket/agentui/internal/protocol"
	"github.com/basket/agentui/internal/session"
)

func TestConnect_RestoreSkipsHandshakeWork(t *testing.T) {
	var chatStarts, authCalls atomic.Int32
	srv, b := newTestServer(t, func(cfg *gateway.Config) {
		cfg.Callbacks.OnChatStart = func(context.Context) error {
			chatStarts.Add(1)
			return nil
		}
		cfg.Callbacks.AuthClientFactory = func(context.Context, http.Header) (callbacks.AuthClient, error) {
			authCalls.Add(1)
			return callbacks.Anonymous{}, nil
		}
	})
	sub := b.Subscribe("session.")
	defer b.Unsubscribe(sub)

	t1, sess := connect(t, srv, "restore-me")
	waitUntil(t, "chat start", func() bool { return chatStarts.Load() == 1 })
	srv.Disconnect(t1.ID())
	nextEvent(t, sub, bus.TopicSessionDisconnected)

	// A requirement added after the first connect must not block a restore.
	srv.Reconfigure(time.Minute, []string{"NEVER_SENT"})

	t2 := newFakeTransport()
	got, err := srv.Connect(context.Background(), t2, gateway.ConnectRequest{SessionID: "restore-me"})
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if got != sess {
		t.Fatal("restore returned a different session")
	}
	var accepted protocol.ConnectionAccepted
	if err := t2.waitFor(t, protocol.EventConnectionAccepted).Decode(&accepted); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !accepted.Restored || accepted.SessionID != "restore-me" {
		t.Fatalf("unexpected accept payload: %+v", accepted)
	}
	nextEvent(t, sub, bus.TopicSessionRestored)

	time.Sleep(50 * time.Millisecond)
	if n := chatStarts.Load(); n != 1 {
		t.Fatalf("chat start ran %d times", n)
	}
	if n := authCalls.Load(); n != 1 {
		t.Fatalf("auth factory ran %d times", n)
	}
	if sess.TransportID() != t2.ID() {
		t.Fatal("session not rebound to the new transport")
	}
}

func TestConnect_UnknownSessionIDStartsFresh(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	tr, sess := connect(t, srv, "never-seen")
	if sess.ID() != "never-seen" || sess.Restored() {
		t.Fatalf("expected fresh session under the requested id, got %s restored=%v", sess.ID(), sess.Restored())
	}
	var accepted protocol.ConnectionAccepted
	if err := tr.waitFor(t, protocol.EventConnectionAccepted).Decode(&accepted); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if accepted.Restored {
		t.Fatal("fresh session reported as restored")
	}
}

func TestConnect_MissingUserEnvIsRefused(t *testing.T) {
	srv, b := newTestServer(t, func(cfg *gateway.Config) {
		cfg.RequiredUserEnv = []string{"OPENAI_API_KEY", "REGION"}
	})
	sub := b.Subscribe(bus.TopicHandshakeRefused)
	defer b.Unsubscribe(sub)

	tr := newFakeTransport()
	_, err := srv.Connect(context.Background(), tr, gateway.ConnectRequest{UserEnv: `{"REGION":"eu"}`})
	var refused *gateway.HandshakeRefusedError
	if !errors.As(err, &refused) {
		t.Fatalf("expected HandshakeRefusedError, got %v", err)
	}
	var missing *gateway.MissingEnvironmentError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingEnvironmentError, got %v", err)
	}
	if len(missing.Keys) != 1 || missing.Keys[0] != "OPENAI_API_KEY" {
		t.Fatalf("unexpected missing keys: %v", missing.Keys)
	}
	if refused.Reason != "Missing user environment variable: OPENAI_API_KEY" {
		t.Fatalf("unexpected reason: %q", refused.Reason)
	}
	if srv.Registry().Len() != 0 {
		t.Fatal("refused handshake registered a session")
	}
	if len(tr.events()) != 0 {
		t.Fatal("refused handshake sent events")
	}
	nextEvent(t, sub, bus.TopicHandshakeRefused)

	_, err = srv.Connect(context.Background(), newFakeTransport(), gateway.ConnectRequest{})
	if !errors.As(err, &missing) || len(missing.Keys) != 0 {
		t.Fatalf("expected missing header refusal, got %v", err)
	}

	sess, err := srv.Connect(context.Background(), newFakeTransport(), gateway.ConnectRequest{
		UserEnv: `{"OPENAI_API_KEY":"sk-test","REGION":"eu"}`,
	})
	if err != nil {
		t.Fatalf("connect with full env: %v", err)
	}
	if sess.UserEnv()["REGION"] != "eu" {
		t.Fatalf("user env not stored: %v", sess.UserEnv())
	}
}

func TestConnect_DuplicateLiveSessionIsRefused(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	connect(t, srv, "dup")

	_, err := srv.Connect(context.Background(), newFakeTransport(), gateway.ConnectRequest{SessionID: "dup"})
	var dup *session.DuplicateSessionError
	if !errors.As(err, &dup) || !dup.Live {
		t.Fatalf("expected live duplicate refusal, got %v", err)
	}
	var refused *gateway.HandshakeRefusedError
	if !errors.As(err, &refused) {
		t.Fatalf("expected HandshakeRefusedError, got %v", err)
	}
}

func TestDisconnect_DeletesAfterTimeout(t *testing.T) {
	srv, b := newTestServer(t, func(cfg *gateway.Config) {
		cfg.SessionTimeout = 30 * time.Millisecond
	})
	sub := b.Subscribe(bus.TopicSessionDeleted)
	defer b.Unsubscribe(sub)
	tr, sess := connect(t, srv, "")
	sess.Set("k", "v")

	srv.Disconnect(tr.ID())
	ev := nextEvent(t, sub, bus.TopicSessionDeleted)
	if p := ev.Payload.(bus.SessionEvent); p.SessionID != sess.ID() || p.Reason != "timeout" {
		t.Fatalf("unexpected delete event: %+v", p)
	}
	if _, ok := srv.Registry().LookupByID(sess.ID()); ok {
		t.Fatal("session survived its timeout")
	}
	if !sess.Deleted() {
		t.Fatal("session not marked deleted")
	}

	// No resurrection: the same id now starts a brand new session.
	_, fresh := connect(t, srv, sess.ID())
	if fresh == sess {
		t.Fatal("deleted session was resurrected")
	}
	if _, ok := fresh.Get("k"); ok {
		t.Fatal("user state leaked into the new session")
	}
}

func TestDisconnect_RestoreBeforeTimeoutKeepsSession(t *testing.T) {
	srv, _ := newTestServer(t, func(cfg *gateway.Config) {
		cfg.SessionTimeout = 100 * time.Millisecond
	})
	tr, sess := connect(t, srv, "keep")

	srv.Disconnect(tr.ID())
	if _, err := srv.Connect(context.Background(), newFakeTransport(), gateway.ConnectRequest{SessionID: "keep"}); err != nil {
		t.Fatalf("restore: %v", err)
	}
	time.Sleep(250 * time.Millisecond)
	if got, ok := srv.Registry().LookupByID("keep"); !ok || got != sess {
		t.Fatal("restored session was deleted by a stale timer")
	}
}

func TestReconfigure_AppliesToNextHandshake(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	connect(t, srv, "")

	srv.Reconfigure(time.Minute, []string{"TOKEN"})
	_, err := srv.Connect(context.Background(), newFakeTransport(), gateway.ConnectRequest{UserEnv: `{}`})
	var missing *gateway.MissingEnvironmentError
	if !errors.As(err, &missing) {
		t.Fatalf("expected new requirement to apply, got %v", err)
	}
}

func TestConnect_AuthAndLocalStorage(t *testing.T) {
	store, err := persistence.Open(filepath.Join(t.TempDir(), "agentui.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	authn := auth.New(config.AuthConfig{Enabled: true, APIKeys: map[string]string{"key-alice": "alice"}})
	srv, _ := newTestServer(t, func(cfg *gateway.Config) {
		cfg.Database = config.DatabaseLocal
		cfg.Callbacks.AuthClientFactory = authn.Factory()
		cfg.Callbacks.DBClientFactory = store.ClientFactory()
	})

	_, err = srv.Connect(context.Background(), newFakeTransport(), gateway.ConnectRequest{Headers: http.Header{}})
	if !errors.Is(err, auth.ErrMissingKey) {
		t.Fatalf("expected missing key refusal, got %v", err)
	}

	tr := newFakeTransport()
	headers := http.Header{}
	headers.Set(auth.HeaderAPIKey, "key-alice")
	sess, err := srv.Connect(context.Background(), tr, gateway.ConnectRequest{Headers: headers})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if u := sess.AuthClient().UserInfo(); u == nil || u.Username != "alice" {
		t.Fatalf("unexpected user: %+v", u)
	}

	dispatch(t, srv, tr, protocol.EventUIMessage, userMessage("remember me"))
	tr.waitFor(t, protocol.EventTaskEnd)

	msgs, err := store.ListMessages(context.Background(), sess.ID(), 10)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "remember me" {
		t.Fatalf("unexpected stored messages: %+v", msgs)
	}
	records, err := store.ListSessions(context.Background(), 10)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(records) != 1 || records[0].UserID == "" {
		t.Fatalf("unexpected session records: %+v", records)
	}
	user, err := store.GetUser(context.Background(), records[0].UserID)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if user.Username != "alice" {
		t.Fatalf("unexpected stored user: %+v", user)
	}
}

func TestConnectRequestFromHTTP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws?session_id=abc&api_key=k1&user_env=%7B%22A%22%3A%221%22%7D", nil)
	r.AddCookie(&http.Cookie{Name: gateway.InitialHeadersCookie, Value: `%7B%22x-team%22%3A%22blue%22%7D`})

	req := gateway.ConnectRequestFromHTTP(r)
	if req.SessionID != "abc" {
		t.Fatalf("session id = %q", req.SessionID)
	}
	if got := auth.ExtractAPIKey(req.Headers); got != "k1" {
		t.Fatalf("api key = %q", got)
	}
	if req.UserEnv != `{"A":"1"}` {
		t.Fatalf("user env = %q", req.UserEnv)
	}
	if req.InitialHeaders["x-team"] != "blue" {
		t.Fatalf("initial headers = %v", req.InitialHeaders)
	}

	r = httptest.NewRequest(http.MethodGet, "/ws?session_id=from-query", nil)
	r.Header.Set(gateway.HeaderSessionID, "from-header")
	r.AddCookie(&http.Cookie{Name: gateway.InitialHeadersCookie, Value: "not-json"})
	req = gateway.ConnectRequestFromHTTP(r)
	if req.SessionID != "from-header" {
		t.Fatalf("header should win over query, got %q", req.SessionID)
	}
	if len(req.InitialHeaders) != 0 {
		t.Fatalf("invalid cookie should decode to empty, got %v", req.InitialHeaders)
	}
}

type closableDB struct{ closed *atomic.Int32 }

func (closableDB) CreateUser(context.Context, callbacks.UserInfo) error { return nil }

func (closableDB) AddMessage(context.Context, string, protocol.Message) error { return nil }

func (c closableDB) Close() error {
	c.closed.Add(1)
	return nil
}

func TestConnect_EnvRefusalBuildsNoClients(t *testing.T) {
	var authCalls, dbCalls atomic.Int32
	srv, _ := newTestServer(t, func(cfg *gateway.Config) {
		cfg.RequiredUserEnv = []string{"OPENAI_API_KEY"}
		cfg.Database = config.DatabaseCustom
		cfg.Callbacks.AuthClientFactory = func(context.Context, http.Header) (callbacks.AuthClient, error) {
			authCalls.Add(1)
			return callbacks.Anonymous{}, nil
		}
		cfg.Callbacks.DBClientFactory = func(context.Context, http.Header, *callbacks.UserInfo) (callbacks.DBClient, error) {
			dbCalls.Add(1)
			return closableDB{closed: new(atomic.Int32)}, nil
		}
	})

	_, err := srv.Connect(context.Background(), newFakeTransport(), gateway.ConnectRequest{UserEnv: `{}`})
	var missing *gateway.MissingEnvironmentError
	if !errors.As(err, &missing) {
		t.Fatalf("expected missing env refusal, got %v", err)
	}
	if authCalls.Load() != 0 || dbCalls.Load() != 0 {
		t.Fatalf("factories ran for a refused handshake: auth=%d db=%d", authCalls.Load(), dbCalls.Load())
	}
}

func TestConnect_DiscardedStorageIsClosed(t *testing.T) {
	var closed atomic.Int32
	var srv *gateway.Server
	srv, _ = newTestServer(t, func(cfg *gateway.Config) {
		cfg.Database = config.DatabaseCustom
		cfg.Callbacks.DBClientFactory = func(context.Context, http.Header, *callbacks.UserInfo) (callbacks.DBClient, error) {
			// A concurrent handshake for the same id wins while storage opens.
			winner := session.New(session.Options{ID: "raced"}, newFakeTransport())
			if err := srv.Registry().Register(winner); err != nil {
				t.Errorf("register winner: %v", err)
			}
			return closableDB{closed: &closed}, nil
		}
	})

	_, err := srv.Connect(context.Background(), newFakeTransport(), gateway.ConnectRequest{SessionID: "raced"})
	var dup *session.DuplicateSessionError
	if !errors.As(err, &dup) {
		t.Fatalf("expected duplicate refusal, got %v", err)
	}
	if n := closed.Load(); n != 1 {
		t.Fatalf("expected the discarded client to be closed once, got %d", n)
	}
}
