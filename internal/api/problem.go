package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/hyperengineering/driftline/internal/domain"
	"github.com/hyperengineering/driftline/internal/ident"
	"github.com/hyperengineering/driftline/internal/store"
	"github.com/hyperengineering/driftline/internal/validation"
)

// Problem represents an RFC 7807 Problem Details response.
type Problem struct {
	Type       string                       `json:"type"`
	Title      string                       `json:"title"`
	Status     int                          `json:"status"`
	Detail     string                       `json:"detail"`
	Instance   string                       `json:"instance,omitempty"`
	RequestID  string                       `json:"request_id,omitempty"`
	Errors     []validation.ValidationError `json:"errors,omitempty"`
	RetryAfter int                          `json:"retry_after,omitempty"`
}

type problemType struct {
	typeURI string
	title   string
}

// problemTypes maps HTTP status codes to RFC 7807 type URIs and titles.
var problemTypes = map[int]problemType{
	http.StatusBadRequest:            {"urn:driftline:error:bad_request", "Bad Request"},
	http.StatusUnauthorized:          {"urn:driftline:error:unauthorized", "Authentication Required"},
	http.StatusForbidden:             {"urn:driftline:error:forbidden", "Permission Denied"},
	http.StatusNotFound:              {"urn:driftline:error:not_found", "Resource Not Found"},
	http.StatusConflict:              {"urn:driftline:error:conflict", "Resource Conflict"},
	http.StatusGone:                  {"urn:driftline:error:cursor_expired", "Cursor Expired"},
	http.StatusRequestEntityTooLarge: {"urn:driftline:error:too_large", "Request Too Large"},
	http.StatusUnprocessableEntity:   {"urn:driftline:error:validation", "Validation Error"},
	http.StatusTooManyRequests:       {"urn:driftline:error:rate_limit", "Rate Limit Exceeded"},
	http.StatusInternalServerError:   {"urn:driftline:error:internal", "Internal Server Error"},
	http.StatusServiceUnavailable:    {"urn:driftline:error:unavailable", "Service Unavailable"},
}

// Specific problem types that share a status with a generic one.
var (
	problemInvalidUUID       = problemType{"urn:driftline:error:invalid_uuid", "Invalid UUID Format"}
	problemFutureTimestamp   = problemType{"urn:driftline:error:future_timestamp", "Future Timestamp Not Allowed"}
	problemOwnershipConflict = problemType{"urn:driftline:error:ownership_conflict", "Owned By Another User"}
)

func newProblem(r *http.Request, status int, pt problemType, detail string) Problem {
	return Problem{
		Type:      pt.typeURI,
		Title:     pt.title,
		Status:    status,
		Detail:    detail,
		Instance:  r.URL.Path,
		RequestID: RequestIDFromContext(r.Context()),
	}
}

func typeFor(status int) problemType {
	pt, ok := problemTypes[status]
	if !ok {
		pt = problemType{"urn:driftline:error:unknown", http.StatusText(status)}
	}
	return pt
}

func writeProblem(w http.ResponseWriter, p Problem) {
	if p.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(p.RetryAfter))
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	if err := json.NewEncoder(w).Encode(p); err != nil {
		slog.Error("failed to encode problem response", "error", err)
	}
}

// WriteProblem writes an RFC 7807 Problem Details response.
func WriteProblem(w http.ResponseWriter, r *http.Request, status int, detail string) {
	writeProblem(w, newProblem(r, status, typeFor(status), detail))
}

// WriteProblemWithErrors writes a 422 Problem Details response with field errors.
func WriteProblemWithErrors(w http.ResponseWriter, r *http.Request, detail string, errs []validation.ValidationError) {
	p := newProblem(r, http.StatusUnprocessableEntity, typeFor(http.StatusUnprocessableEntity), detail)
	p.Errors = errs
	writeProblem(w, p)
}

// WriteProblemRetryAfter writes a 429 or 503 response carrying a retry hint
// in both the Retry-After header and the body.
func WriteProblemRetryAfter(w http.ResponseWriter, r *http.Request, status int, detail string, retryAfter time.Duration) {
	p := newProblem(r, status, typeFor(status), detail)
	p.RetryAfter = int(math.Ceil(retryAfter.Seconds()))
	if p.RetryAfter < 1 {
		p.RetryAfter = 1
	}
	writeProblem(w, p)
}

// problemFor converts a domain error to a Problem. Unknown errors become a
// 500 without internal details.
func problemFor(r *http.Request, err error) Problem {
	var verrs validation.Errors
	switch {
	case errors.As(err, &verrs):
		p := newProblem(r, http.StatusUnprocessableEntity, typeFor(http.StatusUnprocessableEntity), "Request contains invalid fields")
		p.Errors = verrs
		return p
	case errors.Is(err, ident.ErrInvalidUUID), errors.Is(err, ident.ErrNotUUIDv7):
		p := newProblem(r, http.StatusBadRequest, problemInvalidUUID, "id must be a UUIDv7")
		p.Errors = []validation.ValidationError{{Field: "id", Message: err.Error(), Code: "invalid_uuid"}}
		return p
	case errors.Is(err, ident.ErrFutureTimestamp):
		p := newProblem(r, http.StatusBadRequest, problemFutureTimestamp, "id timestamp is too far in the future")
		p.Errors = []validation.ValidationError{{Field: "id", Message: err.Error(), Code: "future_timestamp"}}
		return p
	case errors.Is(err, domain.ErrUnknownKind):
		p := newProblem(r, http.StatusUnprocessableEntity, typeFor(http.StatusUnprocessableEntity), "Unknown entity kind")
		p.Errors = []validation.ValidationError{{Field: "kind", Message: err.Error(), Code: "invalid_value"}}
		return p
	case errors.Is(err, store.ErrInvalidPayload):
		return newProblem(r, http.StatusBadRequest, typeFor(http.StatusBadRequest), "payload is not valid JSON")
	case errors.Is(err, store.ErrNotFound):
		return newProblem(r, http.StatusNotFound, typeFor(http.StatusNotFound), "Resource not found")
	case errors.Is(err, store.ErrOwnershipConflict):
		return newProblem(r, http.StatusConflict, problemOwnershipConflict, "id is already used by another owner")
	case errors.Is(err, store.ErrKindMismatch):
		return newProblem(r, http.StatusConflict, typeFor(http.StatusConflict), "entity kind cannot change")
	case errors.Is(err, store.ErrCursorExpired):
		return newProblem(r, http.StatusGone, typeFor(http.StatusGone), "cursor precedes retained history; bootstrap from GET /entities")
	default:
		return newProblem(r, http.StatusInternalServerError, typeFor(http.StatusInternalServerError), "Internal Server Error")
	}
}

// MapStoreError converts domain errors to Problem Details responses.
func MapStoreError(w http.ResponseWriter, r *http.Request, err error) {
	p := problemFor(r, err)
	if p.Status == http.StatusInternalServerError {
		// Never expose internal error details to client
		slog.Error("request failed", "component", "api", "path", r.URL.Path, "error", err)
	}
	writeProblem(w, p)
}
