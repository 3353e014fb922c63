// Package domain describes the synchronizable entity kinds and the payload
// checks the server applies before accepting a write.
package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hyperengineering/driftline/internal/validation"
)

// Built-in kind names.
const (
	KindEvent              = "event"
	KindEventType          = "event_type"
	KindGeofence           = "geofence"
	KindPropertyDefinition = "property_definition"
)

// MaxPayloadBytes bounds the encoded size of a single entity payload.
const MaxPayloadBytes = 64 * 1024

// ErrUnknownKind indicates the write names a kind that is not registered.
var ErrUnknownKind = errors.New("unknown entity kind")

// Kind provides the per-type rules for an entity.
type Kind interface {
	// Name is the wire name of the kind (e.g. "event").
	Name() string

	// ClientIdentified reports whether creates must carry a client-minted id.
	// Kinds that return false accept a server-assigned id.
	ClientIdentified() bool

	// Validate checks a decoded payload and returns field failures.
	Validate(payload map[string]any) []validation.ValidationError
}

// DecodePayload parses raw as a JSON object, enforcing MaxPayloadBytes.
func DecodePayload(raw json.RawMessage) (map[string]any, *validation.ValidationError) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, &validation.ValidationError{Field: "payload", Message: "is required", Code: "required"}
	}
	if len(raw) > MaxPayloadBytes {
		return nil, &validation.ValidationError{
			Field:   "payload",
			Message: fmt.Sprintf("exceeds maximum size of %d bytes", MaxPayloadBytes),
			Code:    "too_large",
		}
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil || payload == nil {
		return nil, &validation.ValidationError{Field: "payload", Message: "must be a JSON object", Code: "invalid_type"}
	}
	return payload, nil
}

// ValidatePayload resolves the kind and runs its checks against raw.
// Returns ErrUnknownKind or a validation.Errors value.
func ValidatePayload(kindName string, raw json.RawMessage) error {
	k, ok := Get(kindName)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKind, kindName)
	}
	payload, verr := DecodePayload(raw)
	if verr != nil {
		return validation.Errors{*verr}
	}

	var c validation.Collector
	for _, e := range k.Validate(payload) {
		c.Add(&e)
	}
	return c.Err()
}

// field is a single required-field rule.
type field struct {
	name  string
	check validation.Check
}

// fieldKind is a Kind defined by a list of required fields.
type fieldKind struct {
	name             string
	clientIdentified bool
	required         []field
}

func (k fieldKind) Name() string           { return k.name }
func (k fieldKind) ClientIdentified() bool { return k.clientIdentified }

func (k fieldKind) Validate(payload map[string]any) []validation.ValidationError {
	var c validation.Collector
	for _, f := range k.required {
		v, ok := payload[f.name]
		c.Add(validation.Required("payload."+f.name, v, ok, f.check))
	}
	return c.Errors()
}

func init() {
	registerBuiltins()
}

func registerBuiltins() {
	Register(fieldKind{
		name:             KindEvent,
		clientIdentified: true,
		required: []field{
			{"event_type_id", validation.String(64)},
			{"timestamp", validation.Timestamp},
		},
	})
	Register(fieldKind{
		name:             KindEventType,
		clientIdentified: true,
		required: []field{
			{"name", validation.String(200)},
		},
	})
	Register(fieldKind{
		name: KindGeofence,
		required: []field{
			{"name", validation.String(200)},
			{"latitude", validation.Number(-90, 90)},
			{"longitude", validation.Number(-180, 180)},
		},
	})
	Register(fieldKind{
		name: KindPropertyDefinition,
		required: []field{
			{"event_type_id", validation.String(64)},
			{"key", validation.String(100)},
			{"property_type", validation.Enum("text", "number", "boolean", "date", "select", "duration", "url", "email")},
		},
	})
}
