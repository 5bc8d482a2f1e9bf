// Package telemetry builds the process logger: JSON lines under
// <home>/logs/system.jsonl with secrets redacted.
package telemetry

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/agentui/internal/shared"
)

// LogFile is the log path relative to the home directory.
const LogFile = "logs/system.jsonl"

// NewLogger opens the system log at the given level. When quiet is false
// records are mirrored to stdout as well. The returned LevelVar lets a
// config reload change the level in place.
func NewLogger(homeDir, level string, quiet bool) (*slog.Logger, *slog.LevelVar, io.Closer, error) {
	logPath := filepath.Join(homeDir, filepath.FromSlash(LogFile))
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, nil, nil, err
	}
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, nil, err
	}

	var w io.Writer = file
	if !quiet {
		w = io.MultiWriter(os.Stdout, file)
	}
	lvl := new(slog.LevelVar)
	lvl.Set(ParseLevel(level))
	return NewJSONLogger(w, lvl), lvl, file, nil
}

// NewJSONLogger builds the redacting JSON logger on an arbitrary writer.
func NewJSONLogger(w io.Writer, level slog.Leveler) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: replaceAttr,
	})
	return slog.New(handler).With("component", "agentui")
}

func replaceAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		a.Key = "timestamp"
		return a
	}
	if shouldRedactKey(a.Key) {
		return slog.String(a.Key, "[REDACTED]")
	}
	if a.Value.Kind() == slog.KindString {
		if redacted, ok := redactStringValue(a.Value.String()); ok {
			return slog.String(a.Key, redacted)
		}
	}
	return a
}

var sensitiveKeyTokens = []string{"token", "secret", "password", "authorization", "api_key", "apikey", "bearer", "cookie"}

func shouldRedactKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	for _, token := range sensitiveKeyTokens {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}

func redactStringValue(v string) (string, bool) {
	lower := strings.ToLower(v)
	if strings.Contains(lower, "bearer ") || strings.Contains(lower, "authorization:") {
		return "[REDACTED]", true
	}
	if redacted := shared.Redact(v); redacted != v {
		return redacted, true
	}
	return v, false
}

// ParseLevel maps a config log_level to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
