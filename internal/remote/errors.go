package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Class is the client-side classification of a failed request.
type Class string

const (
	ClassTransient     Class = "transient"
	ClassValidation    Class = "validation"
	ClassConflict      Class = "conflict"
	ClassNotFound      Class = "not_found"
	ClassRateLimited   Class = "rate_limited"
	ClassUnauthorized  Class = "unauthorized"
	ClassCursorExpired Class = "cursor_expired"
)

// Terminal reports whether retrying the same request cannot succeed.
func (c Class) Terminal() bool {
	switch c {
	case ClassValidation, ClassConflict, ClassNotFound:
		return true
	}
	return false
}

// FieldError is a single field failure reported by the server.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// APIError is a non-2xx response decoded from a problem document.
type APIError struct {
	StatusCode int
	Class      Class
	Type       string
	Title      string
	Detail     string
	RequestID  string
	Errors     []FieldError
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("%d %s", e.StatusCode, e.Title)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if len(e.Errors) > 0 {
		parts := make([]string, len(e.Errors))
		for i, fe := range e.Errors {
			parts[i] = fe.Field + " " + fe.Message
		}
		msg += " (" + strings.Join(parts, "; ") + ")"
	}
	return msg
}

// Slug returns the last segment of the problem type, e.g. "ownership_conflict".
func (e *APIError) Slug() string {
	return e.Type[strings.LastIndex(e.Type, ":")+1:]
}

// classForStatus maps an HTTP status to a failure class.
func classForStatus(status int) Class {
	switch {
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity,
		status == http.StatusRequestEntityTooLarge:
		return ClassValidation
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return ClassUnauthorized
	case status == http.StatusNotFound:
		return ClassNotFound
	case status == http.StatusConflict:
		return ClassConflict
	case status == http.StatusGone:
		return ClassCursorExpired
	case status == http.StatusTooManyRequests:
		return ClassRateLimited
	default:
		return ClassTransient
	}
}

// Classify returns the failure class of err. Errors that did not come from a
// server response (network failures, timeouts) are transient.
func Classify(err error) Class {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Class
	}
	return ClassTransient
}

// IsClass reports whether err classifies as c.
func IsClass(err error, c Class) bool {
	return err != nil && Classify(err) == c
}

// RetryAfter returns the server's requested delay for a rate-limited error.
func RetryAfter(err error) time.Duration {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.RetryAfter
	}
	return 0
}

// IsCanceled reports whether err stems from the caller's context.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}

// IsNetwork reports whether err is a transport failure: the request never
// produced a response.
func IsNetwork(err error) bool {
	var urlErr *url.Error
	return errors.As(err, &urlErr) && !errors.Is(err, context.Canceled)
}
