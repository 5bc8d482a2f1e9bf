// Package auth provides the built-in API-key AuthClientFactory. Keys are
// matched in constant time and map to a username.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/basket/agentui/internal/callbacks"
	"github.com/basket/agentui/internal/config"
)

const (
	// ProviderAPIKey is reported in UserInfo.Provider for key-authenticated users.
	ProviderAPIKey = "api_key"

	HeaderAPIKey = "X-API-Key"
)

var (
	ErrMissingKey = errors.New("missing API key")
	ErrInvalidKey = errors.New("invalid API key")
)

// Client is the AuthClient for a key-authenticated connection.
type Client struct {
	user callbacks.UserInfo
}

func (c *Client) UserInfo() *callbacks.UserInfo {
	u := c.user
	return &u
}

type keyEntry struct {
	key      []byte
	username string
}

// APIKeyAuth validates handshake headers against the configured keys.
type APIKeyAuth struct {
	enabled bool
	keys    []keyEntry
}

func New(cfg config.AuthConfig) *APIKeyAuth {
	a := &APIKeyAuth{enabled: cfg.Enabled}
	for k, user := range cfg.APIKeys {
		if k == "" {
			continue
		}
		a.keys = append(a.keys, keyEntry{key: []byte(k), username: user})
	}
	return a
}

// Enabled reports whether connections must present a key.
func (a *APIKeyAuth) Enabled() bool { return a.enabled }

// Authenticate resolves headers to an AuthClient. With auth disabled every
// connection is anonymous.
func (a *APIKeyAuth) Authenticate(_ context.Context, headers http.Header) (callbacks.AuthClient, error) {
	if !a.enabled {
		return callbacks.Anonymous{}, nil
	}
	key := ExtractAPIKey(headers)
	if key == "" {
		return nil, ErrMissingKey
	}
	username, ok := a.lookupKey(key)
	if !ok {
		return nil, ErrInvalidKey
	}
	return &Client{user: callbacks.UserInfo{
		Username: username,
		Role:     "user",
		Provider: ProviderAPIKey,
	}}, nil
}

// Factory adapts Authenticate to the callbacks extension point.
func (a *APIKeyAuth) Factory() callbacks.AuthClientFactory {
	return a.Authenticate
}

// ExtractAPIKey checks, in order, Authorization: Bearer <key> and X-API-Key.
func ExtractAPIKey(h http.Header) string {
	if v, ok := strings.CutPrefix(h.Get("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(v)
	}
	return strings.TrimSpace(h.Get(HeaderAPIKey))
}

// lookupKey compares against every key so timing does not reveal a match.
func (a *APIKeyAuth) lookupKey(candidate string) (string, bool) {
	var (
		found string
		ok    bool
	)
	for _, e := range a.keys {
		if subtle.ConstantTimeCompare([]byte(candidate), e.key) == 1 {
			found, ok = e.username, true
		}
	}
	return found, ok
}
