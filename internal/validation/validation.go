// Package validation holds the field-failure types shared by the server and
// the client, and the checks applied to decoded JSON payload values.
package validation

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// ValidationError represents a single field validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// Errors is a set of field failures returned as a single error.
type Errors []ValidationError

// Error implements the error interface.
func (e Errors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	parts := make([]string, len(e))
	for i, v := range e {
		parts[i] = v.Field + ": " + v.Message
	}
	return strings.Join(parts, "; ")
}

// Collector accumulates validation errors without failing on first.
type Collector struct {
	errors []ValidationError
}

// Add appends a validation error to the collector if non-nil.
func (c *Collector) Add(err *ValidationError) {
	if err != nil {
		c.errors = append(c.errors, *err)
	}
}

// HasErrors returns true if the collector has accumulated any errors.
func (c *Collector) HasErrors() bool {
	return len(c.errors) > 0
}

// Errors returns all accumulated validation errors.
func (c *Collector) Errors() []ValidationError {
	return c.errors
}

// Err returns the accumulated errors as an Errors value, or nil.
func (c *Collector) Err() error {
	if !c.HasErrors() {
		return nil
	}
	return Errors(c.errors)
}

// Check validates one decoded JSON value. v is never nil when a Check runs.
type Check func(field string, v any) *ValidationError

// Required reports a missing field, or runs check on a present one.
// JSON null counts as missing.
func Required(field string, v any, present bool, check Check) *ValidationError {
	if !present || v == nil {
		return &ValidationError{Field: field, Message: "is required", Code: "required"}
	}
	return check(field, v)
}

// String accepts a non-blank string of valid UTF-8 without null bytes and
// at most maxLen runes.
func String(maxLen int) Check {
	return func(field string, v any) *ValidationError {
		s, ok := v.(string)
		if !ok {
			return typeError(field, "must be a string")
		}
		switch {
		case strings.TrimSpace(s) == "":
			return &ValidationError{Field: field, Message: "is required", Code: "required"}
		case !utf8.ValidString(s):
			return &ValidationError{Field: field, Message: "must be valid UTF-8", Code: "invalid_encoding"}
		case strings.Contains(s, "\x00"):
			return &ValidationError{Field: field, Message: "must not contain null bytes", Code: "invalid_encoding"}
		case utf8.RuneCountInString(s) > maxLen:
			return &ValidationError{
				Field:   field,
				Message: fmt.Sprintf("exceeds maximum length of %d characters", maxLen),
				Code:    "too_long",
			}
		}
		return nil
	}
}

// Number accepts a JSON number within [min, max].
func Number(min, max float64) Check {
	return func(field string, v any) *ValidationError {
		f, ok := v.(float64)
		if !ok {
			return typeError(field, "must be a number")
		}
		if f < min || f > max {
			return &ValidationError{
				Field:   field,
				Message: fmt.Sprintf("must be between %g and %g", min, max),
				Code:    "out_of_range",
			}
		}
		return nil
	}
}

// Enum accepts one of the allowed strings, compared case-sensitively.
func Enum(allowed ...string) Check {
	return func(field string, v any) *ValidationError {
		s, ok := v.(string)
		if !ok {
			return typeError(field, "must be a string")
		}
		for _, a := range allowed {
			if s == a {
				return nil
			}
		}
		return &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(allowed, ", ")),
			Code:    "invalid_value",
		}
	}
}

// Timestamp accepts an RFC 3339 string.
func Timestamp(field string, v any) *ValidationError {
	s, ok := v.(string)
	if !ok {
		return typeError(field, "must be an RFC 3339 timestamp")
	}
	if _, err := time.Parse(time.RFC3339Nano, s); err != nil {
		return &ValidationError{Field: field, Message: "must be an RFC 3339 timestamp", Code: "invalid_format"}
	}
	return nil
}

func typeError(field, msg string) *ValidationError {
	return &ValidationError{Field: field, Message: msg, Code: "invalid_type"}
}
