package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/basket/agentui/internal/protocol"
)

type fakeTransport struct {
	id   string
	mu   sync.Mutex
	sent []protocol.Envelope
}

func (f *fakeTransport) ID() string { return f.id }

func (f *fakeTransport) Send(_ context.Context, env protocol.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, env)
	return nil
}

func TestNew_GeneratesIDAndDefaults(t *testing.T) {
	s := New(Options{}, nil)
	if s.ID() == "" {
		t.Fatal("expected generated id")
	}
	if s.TransportID() != "" {
		t.Fatalf("transport id = %q, want empty", s.TransportID())
	}
	if s.AuthClient() == nil || s.AuthClient().UserInfo() != nil {
		t.Fatal("expected anonymous auth client")
	}
	if s.TaskState() != TaskIdle {
		t.Fatalf("state = %s, want idle", s.TaskState())
	}
	if s.CreatedAt().IsZero() {
		t.Fatal("createdAt not set")
	}
}

func TestCheckpoint_ConsumesStopOnce(t *testing.T) {
	s := New(Options{ID: "s1"}, &fakeTransport{id: "t1"})
	if err := s.Checkpoint(); err != nil {
		t.Fatalf("checkpoint without stop: %v", err)
	}
	s.RequestStop()
	if err := s.Checkpoint(); !errors.Is(err, ErrCancelled) {
		t.Fatalf("first checkpoint = %v, want ErrCancelled", err)
	}
	if s.StopRequested() {
		t.Fatal("stop flag must be cleared by the checkpoint")
	}
	if err := s.Checkpoint(); err != nil {
		t.Fatalf("second checkpoint = %v, want nil", err)
	}
}

func TestTaskLifecycle(t *testing.T) {
	s := New(Options{ID: "s1"}, nil)

	s.RequestStop()
	if s.TaskState() != TaskIdle {
		t.Fatalf("stop while idle moved state to %s", s.TaskState())
	}

	s.BeginTask()
	if s.StopRequested() {
		t.Fatal("BeginTask must clear a stale stop flag")
	}
	if s.TaskState() != TaskRunning {
		t.Fatalf("state = %s, want running", s.TaskState())
	}

	s.BeginTask()
	s.RequestStop()
	if s.TaskState() != TaskStopping {
		t.Fatalf("state = %s, want stopping", s.TaskState())
	}
	s.EndTask()
	if s.TaskState() != TaskStopping {
		t.Fatalf("state = %s after first of two turns ended, want stopping", s.TaskState())
	}
	s.EndTask()
	if s.TaskState() != TaskIdle {
		t.Fatalf("state = %s, want idle", s.TaskState())
	}
	s.EndTask()
	if s.TaskState() != TaskIdle {
		t.Fatalf("extra EndTask changed state to %s", s.TaskState())
	}
}

func TestChatSettingsMergeAndCopy(t *testing.T) {
	s := New(Options{ID: "s1"}, nil)
	s.MergeChatSettings(map[string]any{"model": "a", "temperature": 0.5})
	s.MergeChatSettings(map[string]any{"model": "b"})

	got := s.ChatSettings()
	if got["model"] != "b" || got["temperature"] != 0.5 {
		t.Fatalf("settings = %v", got)
	}
	got["model"] = "mutated"
	if s.ChatSettings()["model"] != "b" {
		t.Fatal("ChatSettings must return a copy")
	}
}

func TestAskSlot(t *testing.T) {
	s := New(Options{ID: "s1"}, nil)
	ch, err := s.BeginAsk("a1")
	if err != nil {
		t.Fatalf("BeginAsk: %v", err)
	}
	if _, err := s.BeginAsk("a2"); !errors.Is(err, ErrAskInFlight) {
		t.Fatalf("second BeginAsk = %v, want ErrAskInFlight", err)
	}
	if s.ResolveAsk("other", json.RawMessage(`"x"`)) {
		t.Fatal("resolve with wrong id must fail")
	}
	if !s.ResolveAsk("a1", json.RawMessage(`"yes"`)) {
		t.Fatal("resolve with matching id must succeed")
	}
	if got := string(<-ch); got != `"yes"` {
		t.Fatalf("reply = %s", got)
	}
	if s.ResolveAsk("a1", nil) {
		t.Fatal("slot must be released after resolve")
	}
	if _, err := s.BeginAsk("a3"); err != nil {
		t.Fatalf("BeginAsk after resolve: %v", err)
	}
	s.EndAsk("a3")
	if _, err := s.BeginAsk("a4"); err != nil {
		t.Fatalf("BeginAsk after EndAsk: %v", err)
	}
}

func TestUserData(t *testing.T) {
	s := New(Options{ID: "s1"}, nil)
	s.Set("counter", 1)
	if v, ok := s.Get("counter"); !ok || v != 1 {
		t.Fatalf("Get = %v, %v", v, ok)
	}
	s.Delete("counter")
	if _, ok := s.Get("counter"); ok {
		t.Fatal("value not deleted")
	}
}

func TestOptionsAreCopied(t *testing.T) {
	env := map[string]string{"OPENAI_API_KEY": "k"}
	s := New(Options{ID: "s1", UserEnv: env}, nil)
	env["OPENAI_API_KEY"] = "changed"
	if s.UserEnv()["OPENAI_API_KEY"] != "k" {
		t.Fatal("user env must be copied at construction")
	}
}
