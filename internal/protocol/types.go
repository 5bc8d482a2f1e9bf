package protocol

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Message is a chat message shown in the conversation.
type Message struct {
	ID        string    `json:"id"`
	Author    string    `json:"author"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
	ParentID  string    `json:"parentId,omitempty"`
	Language  string    `json:"language,omitempty"`
	Indent    int       `json:"indent,omitempty"`
	IsError   bool      `json:"isError,omitempty"`
}

// NewMessage returns a message with a fresh id and the current time.
func NewMessage(author, content string) Message {
	return Message{
		ID:        uuid.NewString(),
		Author:    author,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
}

// Normalize fills a missing id and timestamp and trims the content, the way
// user messages arriving from the browser are accepted.
func (m *Message) Normalize() {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	m.Content = strings.TrimSpace(m.Content)
}

// Action is a button attached to a message. Name selects the registered
// action callback; Value distinguishes actions sharing a name.
type Action struct {
	Name        string `json:"name"`
	Value       string `json:"value"`
	Label       string `json:"label,omitempty"`
	Description string `json:"description,omitempty"`
	ForID       string `json:"forId,omitempty"`
}

// AskRequest is the payload of an ask frame.
type AskRequest struct {
	Author  string `json:"author"`
	Content string `json:"content"`
	// Timeout is informational for the client, in seconds.
	Timeout int `json:"timeout"`
}

// ConnectionAccepted is sent once a handshake or restore completes.
type ConnectionAccepted struct {
	SessionID string `json:"sessionId"`
	Restored  bool   `json:"restored"`
}

// TaskEvent marks the start or end of an agent turn.
type TaskEvent struct {
	SessionID string `json:"sessionId"`
}

// ErrorPayload reports a rejected inbound frame.
type ErrorPayload struct {
	Event   string `json:"event,omitempty"`
	Message string `json:"message"`
}
