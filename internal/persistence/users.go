package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/agentui/internal/callbacks"
	"github.com/google/uuid"
)

// userID returns the stable row id for u. Providers that do not assign ids
// get one derived from the username.
func userID(u callbacks.UserInfo) string {
	if u.ID != "" {
		return u.ID
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("agentui:"+strings.ToLower(u.Username))).String()
}

// CreateUser inserts u, or refreshes its profile and last-seen time if it
// already exists.
func (s *Store) CreateUser(ctx context.Context, u callbacks.UserInfo) error {
	if strings.TrimSpace(u.Username) == "" && u.ID == "" {
		return errors.New("create user: empty identity")
	}
	now := time.Now().UTC()
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO users (id, username, role, provider, created_at, last_seen_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				username = excluded.username,
				role = excluded.role,
				provider = excluded.provider,
				last_seen_at = excluded.last_seen_at;
		`, userID(u), u.Username, u.Role, u.Provider, now, now)
		if err != nil {
			return fmt.Errorf("insert user: %w", err)
		}
		return nil
	})
}

func (s *Store) GetUser(ctx context.Context, id string) (*callbacks.UserInfo, error) {
	var u callbacks.UserInfo
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, role, provider FROM users WHERE id = ?;
	`, id).Scan(&u.ID, &u.Username, &u.Role, &u.Provider)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}
