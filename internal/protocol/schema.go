package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

var inboundSchemas = map[string]string{
	EventUIMessage: `{
		"type": "object",
		"required": ["content"],
		"properties": {
			"id": {"type": "string"},
			"author": {"type": "string"},
			"content": {"type": "string"},
			"parentId": {"type": "string"}
		}
	}`,
	EventActionCall: `{
		"type": "object",
		"required": ["name"],
		"properties": {
			"name": {"type": "string", "minLength": 1},
			"value": {"type": "string"},
			"label": {"type": "string"},
			"description": {"type": "string"},
			"forId": {"type": "string"}
		}
	}`,
	EventChatSettingsChange: `{"type": "object"}`,
}

// ValidationError is returned when an inbound payload does not match the
// schema registered for its event.
type ValidationError struct {
	Event string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s payload: %v", e.Event, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Validator checks inbound payloads against compiled JSON schemas.
type Validator struct {
	schemas map[string]*jsonschema.Schema
}

// NewValidator compiles the schemas for every inbound event that carries a
// structured payload.
func NewValidator() (*Validator, error) {
	c := jsonschema.NewCompiler()
	v := &Validator{schemas: make(map[string]*jsonschema.Schema, len(inboundSchemas))}
	for event, src := range inboundSchemas {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("unmarshal %s schema: %w", event, err)
		}
		url := event + ".json"
		if err := c.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("add %s schema: %w", event, err)
		}
		schema, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", event, err)
		}
		v.schemas[event] = schema
	}
	return v, nil
}

// Validate returns a *ValidationError if payload does not satisfy the schema
// for event. Events without a schema always pass.
func (v *Validator) Validate(event string, payload json.RawMessage) error {
	schema, ok := v.schemas[event]
	if !ok {
		return nil
	}
	raw := string(payload)
	if strings.TrimSpace(raw) == "" {
		raw = "null"
	}
	// UnmarshalJSON keeps numbers as json.Number, which the validator requires.
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return &ValidationError{Event: event, Err: err}
	}
	if err := schema.Validate(doc); err != nil {
		return &ValidationError{Event: event, Err: err}
	}
	return nil
}
