// Package ident mints and validates the time-ordered identifiers used as
// primary keys for synchronizable entities.
//
// Identifiers are UUID version 7: a 48-bit big-endian Unix millisecond
// timestamp, the version nibble, and random bits. A client can name a record
// before the server has seen it, and identifiers minted later sort after
// identifiers minted earlier.
package ident

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrInvalidUUID indicates the string is not a well-formed UUID.
	ErrInvalidUUID = errors.New("invalid UUID format")
	// ErrNotUUIDv7 indicates a well-formed UUID of another version.
	ErrNotUUIDv7 = errors.New("UUID must be version 7")
	// ErrFutureTimestamp indicates the embedded timestamp is beyond the clock skew tolerance.
	ErrFutureTimestamp = errors.New("UUID timestamp is too far in the future")
)

// MaxClockSkew is how far ahead of the server clock an embedded timestamp may be.
const MaxClockSkew = time.Minute

// New returns a new UUIDv7 string.
func New() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuidv7: %w", err)
	}
	return id.String(), nil
}

// NewAt returns a UUIDv7 whose embedded timestamp is t. Used to replay
// backlogged writes and in tests.
func NewAt(t time.Time) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuidv7: %w", err)
	}
	ms := uint64(t.UnixMilli())
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], ms<<16)
	copy(id[:6], ts[:6])
	return id.String(), nil
}

// Validate checks that id is a UUIDv7 whose timestamp is not more than
// MaxClockSkew after now. Past timestamps are always accepted.
func Validate(id string, now time.Time) error {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidUUID, err)
	}
	if parsed.Version() != 7 {
		return fmt.Errorf("%w: got version %d", ErrNotUUIDv7, parsed.Version())
	}

	ts := timestampOf(parsed)
	if ts.After(now.Add(MaxClockSkew)) {
		return fmt.Errorf("%w: %s is more than %s ahead",
			ErrFutureTimestamp, ts.UTC().Format(time.RFC3339), MaxClockSkew)
	}
	return nil
}

// Timestamp extracts the embedded creation instant of a UUIDv7.
// The boolean is false when id is not a UUIDv7.
func Timestamp(id string) (time.Time, bool) {
	parsed, err := uuid.Parse(id)
	if err != nil || parsed.Version() != 7 {
		return time.Time{}, false
	}
	return timestampOf(parsed), true
}

func timestampOf(id uuid.UUID) time.Time {
	ms := binary.BigEndian.Uint64(id[:8]) >> 16
	return time.UnixMilli(int64(ms)).UTC()
}
