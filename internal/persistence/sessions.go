package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/basket/agentui/internal/callbacks"
	"github.com/basket/agentui/internal/protocol"
)

// SessionRecord is a persisted conversation.
type SessionRecord struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id,omitempty"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// EnsureSession creates the session row, attaching userID when given.
func (s *Store) EnsureSession(ctx context.Context, sessionID, userID string) error {
	if sessionID == "" {
		return fmt.Errorf("ensure session: empty id")
	}
	now := time.Now().UTC()
	var owner any
	if userID != "" {
		owner = userID
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO sessions (id, user_id, created_at, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				user_id = COALESCE(sessions.user_id, excluded.user_id),
				updated_at = excluded.updated_at;
		`, sessionID, owner, now, now)
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		return nil
	})
}

// AddMessage stores msg under sessionID. Re-adding a message id replaces
// its content, so updates from the emitter are idempotent.
func (s *Store) AddMessage(ctx context.Context, sessionID string, msg protocol.Message) error {
	return s.addMessage(ctx, sessionID, "", msg)
}

func (s *Store) addMessage(ctx context.Context, sessionID, userID string, msg protocol.Message) error {
	msg.Normalize()
	if err := s.EnsureSession(ctx, sessionID, userID); err != nil {
		return err
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO messages (id, session_id, author, content, parent_id, is_error, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				content = excluded.content,
				is_error = excluded.is_error;
		`, msg.ID, sessionID, msg.Author, msg.Content, msg.ParentID, boolToInt(msg.IsError), msg.CreatedAt.UTC())
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		return nil
	})
}

// ListMessages returns up to limit messages of a session, oldest first.
func (s *Store) ListMessages(ctx context.Context, sessionID string, limit int) ([]protocol.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, author, content, parent_id, is_error, created_at
		FROM (
			SELECT * FROM messages WHERE session_id = ?
			ORDER BY created_at DESC LIMIT ?
		)
		ORDER BY created_at ASC;
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []protocol.Message
	for rows.Next() {
		var m protocol.Message
		var isErr int
		if err := rows.Scan(&m.ID, &m.Author, &m.Content, &m.ParentID, &isErr, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.IsError = isErr != 0
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListSessions returns the most recently active sessions.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.user_id, s.created_at, s.updated_at,
			(SELECT COUNT(*) FROM messages m WHERE m.session_id = s.id)
		FROM sessions s
		ORDER BY s.updated_at DESC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		var owner sql.NullString
		if err := rows.Scan(&rec.ID, &owner, &rec.CreatedAt, &rec.UpdatedAt, &rec.MessageCount); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		rec.UserID = owner.String
		out = append(out, rec)
	}
	return out, rows.Err()
}

// sessionClient is the per-connection storage handle. It ties every
// session it writes to the authenticated user.
type sessionClient struct {
	store *Store
	user  *callbacks.UserInfo
}

func (c *sessionClient) CreateUser(ctx context.Context, u callbacks.UserInfo) error {
	return c.store.CreateUser(ctx, u)
}

func (c *sessionClient) AddMessage(ctx context.Context, sessionID string, msg protocol.Message) error {
	var owner string
	if c.user != nil {
		owner = userID(*c.user)
		// The owner row must exist before the session references it.
		if err := c.store.CreateUser(ctx, *c.user); err != nil {
			return err
		}
	}
	return c.store.addMessage(ctx, sessionID, owner, msg)
}

// ClientFactory adapts the store to the DBClientFactory extension point.
func (s *Store) ClientFactory() callbacks.DBClientFactory {
	return func(_ context.Context, _ http.Header, user *callbacks.UserInfo) (callbacks.DBClient, error) {
		return &sessionClient{store: s, user: user}, nil
	}
}
