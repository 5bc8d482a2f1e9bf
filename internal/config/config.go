package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"gopkg.in/yaml.v3"
)

// Database backends accepted by the database key.
const (
	DatabaseNone   = ""
	DatabaseLocal  = "local"  // built-in sqlite store under the home directory
	DatabaseCustom = "custom" // developer-supplied DBClientFactory
)

type AuthConfig struct {
	Enabled bool `yaml:"enabled"`
	// APIKeys maps an API key to the username it authenticates.
	APIKeys map[string]string `yaml:"api_keys"`
}

type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // otlp-http, stdout, none
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// RetentionConfig controls the periodic purge of the local store.
// A zero day count keeps rows forever.
type RetentionConfig struct {
	Schedule     string `yaml:"schedule"`
	MessagesDays int    `yaml:"messages_days"`
	SessionsDays int    `yaml:"sessions_days"`
	AuditDays    int    `yaml:"audit_days"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// SessionTimeoutSeconds is how long a disconnected session stays
	// restorable before it is deleted.
	SessionTimeoutSeconds int `yaml:"session_timeout_seconds"`
	AskTimeoutSeconds     int `yaml:"ask_timeout_seconds"`
	DrainTimeoutSeconds   int `yaml:"drain_timeout_seconds"`

	// RequiredUserEnv lists keys every new connection must supply in its
	// User-Env header.
	RequiredUserEnv []string `yaml:"required_user_env"`

	Database string `yaml:"database"`
	DBPath   string `yaml:"db_path"`

	// AllowOrigins controls which Origin headers are accepted for browser
	// WebSocket connections. Empty means same-origin only.
	AllowOrigins []string `yaml:"allow_origins"`

	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Retention RetentionConfig `yaml:"retention"`

	// FirstRun is set when no config.yaml existed at load time.
	FirstRun bool `yaml:"-"`
}

func (c Config) SessionTimeout() time.Duration {
	return time.Duration(c.SessionTimeoutSeconds) * time.Second
}

func (c Config) AskTimeout() time.Duration {
	return time.Duration(c.AskTimeoutSeconds) * time.Second
}

func (c Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSeconds) * time.Second
}

// ResolvedDBPath returns the sqlite path, relative paths anchored at HomeDir.
func (c Config) ResolvedDBPath() string {
	p := c.DBPath
	if p == "" {
		p = "agentui.db"
	}
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.HomeDir, p)
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the settings that affect sessions.
func (c Config) Fingerprint() string {
	h := xxhash.New()
	env := slices.Clone(c.RequiredUserEnv)
	slices.Sort(env)
	fmt.Fprintf(h, "bind=%s|log=%s|session=%d|ask=%d|env=%v|db=%s|origins=%v|auth=%t|rl=%t",
		c.BindAddr, c.LogLevel, c.SessionTimeoutSeconds, c.AskTimeoutSeconds,
		env, c.Database, c.AllowOrigins, c.Auth.Enabled, c.RateLimit.Enabled)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr:              "127.0.0.1:8765",
		LogLevel:              "info",
		SessionTimeoutSeconds: 3600,
		AskTimeoutSeconds:     60,
		DrainTimeoutSeconds:   5,
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 5,
			Burst:             10,
		},
		Telemetry: TelemetryConfig{
			Exporter:    "none",
			ServiceName: "agentui",
			SampleRate:  1,
		},
		Retention: RetentionConfig{
			Schedule:     "@daily",
			MessagesDays: 90,
			SessionsDays: 90,
			AuditDays:    365,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("AGENTUI_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".agentui")
}

// Load reads config.yaml from HomeDir, creating the directory if needed.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads config.yaml from homeDir and applies env overrides. The
// watcher uses it to re-read the file on change.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create agentui home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
		cfg.FirstRun = true
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// WriteDefault writes the default config.yaml into homeDir. An existing file
// is left alone.
func WriteDefault(homeDir string) error {
	path := ConfigPath(homeDir)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	out, err := yaml.Marshal(defaultConfig())
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(path, out, 0o644)
}

func normalize(cfg *Config) {
	def := defaultConfig()
	if cfg.BindAddr == "" {
		cfg.BindAddr = def.BindAddr
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.SessionTimeoutSeconds <= 0 {
		cfg.SessionTimeoutSeconds = def.SessionTimeoutSeconds
	}
	if cfg.AskTimeoutSeconds <= 0 {
		cfg.AskTimeoutSeconds = def.AskTimeoutSeconds
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = def.DrainTimeoutSeconds
	}
	cfg.Database = strings.ToLower(strings.TrimSpace(cfg.Database))

	var env []string
	for _, k := range cfg.RequiredUserEnv {
		if k = strings.TrimSpace(k); k != "" && !slices.Contains(env, k) {
			env = append(env, k)
		}
	}
	cfg.RequiredUserEnv = env

	if cfg.RateLimit.RequestsPerSecond <= 0 {
		cfg.RateLimit.RequestsPerSecond = def.RateLimit.RequestsPerSecond
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = def.RateLimit.Burst
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = def.Telemetry.ServiceName
	}
	if strings.TrimSpace(cfg.Retention.Schedule) == "" {
		cfg.Retention.Schedule = def.Retention.Schedule
	}
}

func validate(cfg Config) error {
	switch cfg.Database {
	case DatabaseNone, DatabaseLocal, DatabaseCustom:
	default:
		return fmt.Errorf("database %q: must be empty, %q or %q", cfg.Database, DatabaseLocal, DatabaseCustom)
	}
	if cfg.Auth.Enabled && len(cfg.Auth.APIKeys) == 0 {
		return fmt.Errorf("auth.enabled requires at least one entry in auth.api_keys")
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("AGENTUI_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("AGENTUI_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("AGENTUI_SESSION_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.SessionTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("AGENTUI_ASK_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.AskTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("AGENTUI_DRAIN_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DrainTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("AGENTUI_REQUIRED_USER_ENV"); raw != "" {
		cfg.RequiredUserEnv = strings.Split(raw, ",")
	}
	if raw := os.Getenv("AGENTUI_DATABASE"); raw != "" {
		cfg.Database = raw
	}
	if raw := os.Getenv("AGENTUI_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); raw != "" {
		cfg.Telemetry.Endpoint = raw
	}
}
