package config_test

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/basket/agentui/internal/config"
)

func writeConfig(t *testing.T, dir, body string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(config.ConfigPath(dir), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestLoad_FromAgentuiHome(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	dir := filepath.Join(home, ".agentui")
	writeConfig(t, dir, "session_timeout_seconds: 120\nrequired_user_env: [OPENAI_API_KEY, \" \", OPENAI_API_KEY]\ndatabase: Local\n")
	t.Setenv("HOME", home)
	t.Setenv("AGENTUI_HOME", "")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.HomeDir != dir {
		t.Fatalf("home = %q, want %q", cfg.HomeDir, dir)
	}
	if cfg.SessionTimeout() != 2*time.Minute {
		t.Fatalf("session timeout = %v", cfg.SessionTimeout())
	}
	if !slices.Equal(cfg.RequiredUserEnv, []string{"OPENAI_API_KEY"}) {
		t.Fatalf("required env = %v", cfg.RequiredUserEnv)
	}
	if cfg.Database != config.DatabaseLocal {
		t.Fatalf("database = %q", cfg.Database)
	}
	if cfg.ResolvedDBPath() != filepath.Join(dir, "agentui.db") {
		t.Fatalf("db path = %q", cfg.ResolvedDBPath())
	}
	if cfg.FirstRun {
		t.Fatal("FirstRun set although config.yaml exists")
	}
}

func TestLoad_DefaultsWhenNoConfig(t *testing.T) {
	t.Setenv("AGENTUI_HOME", filepath.Join(t.TempDir(), "fresh"))

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.FirstRun {
		t.Fatal("expected FirstRun")
	}
	if cfg.BindAddr != "127.0.0.1:8765" || cfg.LogLevel != "info" {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.AskTimeout() != time.Minute || cfg.SessionTimeoutSeconds != 3600 {
		t.Fatalf("timeouts = %v / %d", cfg.AskTimeout(), cfg.SessionTimeoutSeconds)
	}
	if cfg.Retention.Schedule != "@daily" {
		t.Fatalf("retention schedule = %q", cfg.Retention.Schedule)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "bind_addr: 0.0.0.0:1\nlog_level: info\n")
	t.Setenv("AGENTUI_HOME", dir)
	t.Setenv("AGENTUI_BIND_ADDR", "127.0.0.1:9999")
	t.Setenv("AGENTUI_LOG_LEVEL", "DEBUG")
	t.Setenv("AGENTUI_SESSION_TIMEOUT_SECONDS", "5")
	t.Setenv("AGENTUI_REQUIRED_USER_ENV", "A,B")
	t.Setenv("AGENTUI_DB_PATH", "/tmp/x.db")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.BindAddr != "127.0.0.1:9999" {
		t.Fatalf("bind = %q", cfg.BindAddr)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log level = %q", cfg.LogLevel)
	}
	if cfg.SessionTimeoutSeconds != 5 {
		t.Fatalf("session timeout = %d", cfg.SessionTimeoutSeconds)
	}
	if !slices.Equal(cfg.RequiredUserEnv, []string{"A", "B"}) {
		t.Fatalf("required env = %v", cfg.RequiredUserEnv)
	}
	if cfg.ResolvedDBPath() != "/tmp/x.db" {
		t.Fatalf("db path = %q", cfg.ResolvedDBPath())
	}
}

func TestLoad_Validation(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"unknown database", "database: postgres\n", "database"},
		{"auth without keys", "auth:\n  enabled: true\n", "api_keys"},
		{"bad yaml", "bind_addr: [\n", "parse config.yaml"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			writeConfig(t, dir, tc.body)
			_, err := config.LoadFrom(dir)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want mention of %q", err, tc.want)
			}
		})
	}
}

func TestFingerprint(t *testing.T) {
	dir := t.TempDir()
	a, err := config.LoadFrom(dir)
	if err != nil {
		t.Fatal(err)
	}
	b := a
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("fingerprint not stable")
	}
	b.SessionTimeoutSeconds++
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("fingerprint ignores session timeout")
	}
	c := a
	c.RequiredUserEnv = []string{"B", "A"}
	d := a
	d.RequiredUserEnv = []string{"A", "B"}
	if c.Fingerprint() != d.Fingerprint() {
		t.Fatal("fingerprint depends on required env order")
	}
	if !strings.HasPrefix(a.Fingerprint(), "cfg-") {
		t.Fatalf("fingerprint = %q", a.Fingerprint())
	}
}

func TestWriteDefault(t *testing.T) {
	dir := t.TempDir()
	if err := config.WriteDefault(dir); err != nil {
		t.Fatalf("WriteDefault: %v", err)
	}
	cfg, err := config.LoadFrom(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.FirstRun {
		t.Fatal("config.yaml was not written")
	}
	if cfg.SessionTimeoutSeconds != 3600 {
		t.Fatalf("session timeout = %d", cfg.SessionTimeoutSeconds)
	}

	writeConfig(t, dir, "log_level: warn\n")
	if err := config.WriteDefault(dir); err != nil {
		t.Fatal(err)
	}
	cfg, _ = config.LoadFrom(dir)
	if cfg.LogLevel != "warn" {
		t.Fatal("WriteDefault overwrote an existing file")
	}
}
