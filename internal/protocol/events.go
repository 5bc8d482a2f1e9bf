// Package protocol defines the JSON envelope exchanged over a browser
// transport and the payload types carried inside it.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Inbound events sent by the browser client.
const (
	EventClearSession       = "clear_session"
	EventStop               = "stop"
	EventUIMessage          = "ui_message"
	EventActionCall         = "action_call"
	EventChatSettingsChange = "chat_settings_change"
	EventAskReply           = "ask_reply"

	// EventDisconnect is never sent by a client. The gateway synthesises it
	// when a transport's read loop ends.
	EventDisconnect = "disconnect"
)

// Outbound events pushed to the browser client.
const (
	EventConnectionAccepted = "connection_accepted"
	EventNewMessage         = "new_message"
	EventUpdateMessage      = "update_message"
	EventDeleteMessage      = "delete_message"
	EventAction             = "action"
	EventRemoveAction       = "remove_action"
	EventTaskStart          = "task_start"
	EventTaskEnd            = "task_end"
	EventAsk                = "ask"
	EventAskTimeout         = "ask_timeout"
	EventChatSettings       = "chat_settings"
	EventError              = "error"
)

// Envelope is the single frame shape on the wire. ID carries the Ask-User
// correlation identifier for ask / ask_reply / ask_timeout frames.
type Envelope struct {
	Event   string          `json:"event"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into an envelope for event. A nil payload
// produces an envelope without a payload field.
func NewEnvelope(event string, payload any) (Envelope, error) {
	env := Envelope{Event: event}
	if payload == nil {
		return env, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		env.Payload = raw
		return env, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	env.Payload = b
	return env, nil
}

// Decode unmarshals the envelope payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("event %s: empty payload", e.Event)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("event %s: decode payload: %w", e.Event, err)
	}
	return nil
}
