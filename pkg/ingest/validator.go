// Package ingest validates protocol envelopes before they reach the event
// log. The type set is closed and every payload is checked against its
// per-type JSON Schema; unknown fields anywhere in the envelope or payload
// are rejected to keep the wire stable.
package ingest

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/pushpals/pushpals/pkg/models"
)

//go:embed schemas/payloads.json
var schemasFS embed.FS

const schemaURL = "payloads.json"

// UnknownEventTypeError rejects an envelope whose type is outside the closed
// set.
type UnknownEventTypeError struct {
	Type string
}

func (e *UnknownEventTypeError) Error() string {
	return fmt.Sprintf("unknown event type %q", e.Type)
}

// PayloadError rejects an envelope whose payload fails its type's schema.
type PayloadError struct {
	Type  models.EventType
	Cause error
}

func (e *PayloadError) Error() string {
	return fmt.Sprintf("invalid %s payload: %v", e.Type, e.Cause)
}

func (e *PayloadError) Unwrap() error { return e.Cause }

// EnvelopeError rejects an envelope failing a structural check.
type EnvelopeError struct {
	Field   string
	Message string
}

func (e *EnvelopeError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validator holds the compiled per-type payload schemas. Construct once at
// startup; Validate is safe for concurrent use.
type Validator struct {
	schemas map[models.EventType]*jsonschema.Schema
}

// NewValidator compiles the embedded payload schemas for every known type.
func NewValidator() (*Validator, error) {
	raw, err := schemasFS.ReadFile("schemas/payloads.json")
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded schemas: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse embedded schemas: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource(schemaURL, doc); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}

	schemas := make(map[models.EventType]*jsonschema.Schema, len(models.KnownEventTypes()))
	for _, t := range models.KnownEventTypes() {
		sch, err := c.Compile(schemaURL + "#/$defs/" + string(t))
		if err != nil {
			return nil, fmt.Errorf("failed to compile schema for %s: %w", t, err)
		}
		schemas[t] = sch
	}
	return &Validator{schemas: schemas}, nil
}

// Validate decodes and checks a raw envelope. On success the returned
// envelope is ready for the publisher, which stamps ts and assigns the
// cursor. sessionID is the path-scoped session the envelope must target.
func (v *Validator) Validate(sessionID string, raw []byte) (*models.Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	var env models.Envelope
	if err := dec.Decode(&env); err != nil {
		return nil, &EnvelopeError{Field: "envelope", Message: err.Error()}
	}

	if env.ProtocolVersion != models.ProtocolVersion {
		return nil, &EnvelopeError{
			Field:   "protocolVersion",
			Message: fmt.Sprintf("expected %d, got %d", models.ProtocolVersion, env.ProtocolVersion),
		}
	}
	if env.ID == "" {
		return nil, &EnvelopeError{Field: "id", Message: "must not be empty"}
	}
	if err := uuid.Validate(env.ID); err != nil {
		return nil, &EnvelopeError{Field: "id", Message: "must be a UUID"}
	}
	if env.SessionID == "" {
		return nil, &EnvelopeError{Field: "sessionId", Message: "must not be empty"}
	}
	if sessionID != "" && env.SessionID != sessionID {
		return nil, &EnvelopeError{
			Field:   "sessionId",
			Message: fmt.Sprintf("envelope targets %q, endpoint is scoped to %q", env.SessionID, sessionID),
		}
	}
	if env.From == "" {
		return nil, &EnvelopeError{Field: "from", Message: "must not be empty"}
	}

	sch, ok := v.schemas[env.Type]
	if !ok {
		return nil, &UnknownEventTypeError{Type: string(env.Type)}
	}

	payload := env.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	value, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return nil, &PayloadError{Type: env.Type, Cause: err}
	}
	if err := sch.Validate(value); err != nil {
		return nil, &PayloadError{Type: env.Type, Cause: err}
	}

	return &env, nil
}
