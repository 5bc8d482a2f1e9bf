// Package audit keeps an append-only record of connection decisions: every
// handshake accepted, restored or refused, and every session deleted.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/agentui/internal/bus"
	"github.com/basket/agentui/internal/shared"
)

const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
	DecisionInfo  = "info"
	DecisionFatal = "fatal"
)

// Audited actions.
const (
	ActionConnect = "session.connect"
	ActionRestore = "session.restore"
	ActionDelete  = "session.delete"
	ActionStartup = "startup"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	Decision  string `json:"decision"`
	Action    string `json:"action"`
	Reason    string `json:"reason,omitempty"`
	Subject   string `json:"subject,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
}

// Log writes audit entries to <home>/logs/audit.jsonl and, when a database
// is attached, to its audit_log table. A nil *Log discards everything.
type Log struct {
	mu        sync.Mutex
	file      *os.File
	db        *sql.DB
	denyCount atomic.Int64
}

func Open(homeDir string) (*Log, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Log{file: f}, nil
}

// SetDB mirrors subsequent entries into the audit_log table of d.
func (l *Log) SetDB(d *sql.DB) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.db = d
}

func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// DenyCount returns the number of deny decisions since Open.
func (l *Log) DenyCount() int64 {
	if l == nil {
		return 0
	}
	return l.denyCount.Load()
}

// Record appends one decision. Reason and subject are redacted first.
func (l *Log) Record(ctx context.Context, decision, action, reason, subject string) {
	if l == nil {
		return
	}
	if decision == DecisionDeny {
		l.denyCount.Add(1)
	}
	reason = shared.Redact(reason)
	subject = shared.Redact(subject)
	traceID := shared.TraceID(ctx)
	if traceID == "-" {
		traceID = ""
	}
	now := time.Now().UTC()

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		b, err := json.Marshal(entry{
			Timestamp: now.Format(time.RFC3339Nano),
			Decision:  decision,
			Action:    action,
			Reason:    reason,
			Subject:   subject,
			TraceID:   traceID,
		})
		if err == nil {
			_, _ = l.file.Write(append(b, '\n'))
		}
	}
	if l.db != nil {
		_, _ = l.db.ExecContext(ctx, `
			INSERT INTO audit_log (trace_id, subject, action, decision, reason, created_at)
			VALUES (?, ?, ?, ?, ?, ?);
		`, traceID, subject, action, decision, reason, now)
	}
}

// Follow records session lifecycle events published on b until ctx is done.
func (l *Log) Follow(ctx context.Context, b *bus.Bus) {
	sub := b.Subscribe("session.")
	defer b.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			p, _ := ev.Payload.(bus.SessionEvent)
			switch ev.Topic {
			case bus.TopicSessionCreated:
				l.Record(ctx, DecisionAllow, ActionConnect, "", p.SessionID)
			case bus.TopicSessionRestored:
				l.Record(ctx, DecisionAllow, ActionRestore, "", p.SessionID)
			case bus.TopicHandshakeRefused:
				l.Record(ctx, DecisionDeny, ActionConnect, p.Reason, p.SessionID)
			case bus.TopicSessionDeleted:
				l.Record(ctx, DecisionInfo, ActionDelete, p.Reason, p.SessionID)
			}
		}
	}
}
