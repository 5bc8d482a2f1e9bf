// Package callbacks holds the developer extension points invoked by the
// gateway. A Callbacks value is built once at process start and never
// mutated afterwards.
package callbacks

import (
	"context"
	"net/http"

	"github.com/basket/agentui/internal/protocol"
)

// UserInfo identifies the authenticated user behind a connection.
type UserInfo struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Role     string `json:"role,omitempty"`
	Provider string `json:"provider,omitempty"`
}

// AuthClient is the opaque auth context obtained at connect time.
type AuthClient interface {
	// UserInfo returns nil for anonymous connections.
	UserInfo() *UserInfo
}

// DBClient is the opaque storage handle obtained at connect time when a
// persistence backend is configured.
type DBClient interface {
	CreateUser(ctx context.Context, user UserInfo) error
	AddMessage(ctx context.Context, sessionID string, msg protocol.Message) error
}

// AuthClientFactory builds the auth context from the handshake headers.
// Returning an error refuses the connection.
type AuthClientFactory func(ctx context.Context, headers http.Header) (AuthClient, error)

// DBClientFactory builds the storage handle for a new session. Returning an
// error refuses the connection.
type DBClientFactory func(ctx context.Context, headers http.Header, user *UserInfo) (DBClient, error)

// ActionFunc handles an action_call for one registered action name.
type ActionFunc func(ctx context.Context, action protocol.Action) error

// Callbacks is the fixed set of hooks. Every field is optional. The context
// passed to the chat hooks carries the session emitter (see emitter.FromContext).
type Callbacks struct {
	OnChatStart      func(ctx context.Context) error
	OnMessage        func(ctx context.Context, content, messageID string) error
	OnStop           func(ctx context.Context) error
	OnSettingsUpdate func(ctx context.Context, settings map[string]any) error

	AuthClientFactory AuthClientFactory
	DBClientFactory   DBClientFactory

	Actions map[string]ActionFunc

	// AuthorRename maps message authors to display names.
	AuthorRename func(author string) string
}

// Action returns the handler registered under name.
func (c *Callbacks) Action(name string) (ActionFunc, bool) {
	if c == nil || c.Actions == nil {
		return nil, false
	}
	fn, ok := c.Actions[name]
	return fn, ok && fn != nil
}

// RenameAuthor applies AuthorRename when set.
func (c *Callbacks) RenameAuthor(author string) string {
	if c == nil || c.AuthorRename == nil {
		return author
	}
	return c.AuthorRename(author)
}

// Anonymous is the AuthClient used when no auth factory is configured.
type Anonymous struct{}

func (Anonymous) UserInfo() *UserInfo { return nil }
