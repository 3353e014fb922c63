package store

import "errors"

var (
	ErrNotFound          = errors.New("entity not found")
	ErrOwnershipConflict = errors.New("entity belongs to another owner")
	ErrKindMismatch      = errors.New("entity kind cannot change")
	ErrCursorExpired     = errors.New("cursor precedes retained change log")
	ErrInvalidPayload    = errors.New("payload is not valid JSON")
)
