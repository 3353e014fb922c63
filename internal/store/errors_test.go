package store

import (
	"errors"
	"fmt"
	"testing"
)

func TestSentinelErrors_Identity(t *testing.T) {
	sentinels := []struct {
		name string
		err  error
	}{
		{"ErrNotFound", ErrNotFound},
		{"ErrOwnershipConflict", ErrOwnershipConflict},
		{"ErrKindMismatch", ErrKindMismatch},
		{"ErrCursorExpired", ErrCursorExpired},
		{"ErrInvalidPayload", ErrInvalidPayload},
	}

	for _, s := range sentinels {
		t.Run(s.name, func(t *testing.T) {
			if s.err == nil {
				t.Fatal("Sentinel error should not be nil")
			}
			if s.err.Error() == "" {
				t.Fatal("Sentinel error should have a message")
			}
		})
	}
}

func TestSentinelErrors_Wrapping(t *testing.T) {
	wrapped := fmt.Errorf("accept write %s: %w", "abc", ErrOwnershipConflict)

	if !errors.Is(wrapped, ErrOwnershipConflict) {
		t.Error("errors.Is should match wrapped ErrOwnershipConflict")
	}
	if errors.Is(wrapped, ErrNotFound) {
		t.Error("errors.Is should not match a different sentinel")
	}
}
