package domain

import (
	"testing"

	"github.com/hyperengineering/driftline/internal/validation"
)

type stubKind struct{ name string }

func (s stubKind) Name() string           { return s.name }
func (s stubKind) ClientIdentified() bool { return false }
func (s stubKind) Validate(map[string]any) []validation.ValidationError {
	return nil
}

func TestRegisteredKinds_Builtins(t *testing.T) {
	reset()

	got := RegisteredKinds()
	want := []string{KindEvent, KindEventType, KindGeofence, KindPropertyDefinition}
	if len(got) != len(want) {
		t.Fatalf("RegisteredKinds() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("RegisteredKinds()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestRegister_Duplicate(t *testing.T) {
	reset()

	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("Register duplicate did not panic")
		}
		if msg, _ := r.(string); msg != "kind already registered: event" {
			t.Errorf("panic message = %q", msg)
		}
	}()

	Register(stubKind{name: KindEvent})
}

func TestRegister_Custom(t *testing.T) {
	reset()
	defer reset()

	Register(stubKind{name: "note"})

	k, ok := Get("note")
	if !ok {
		t.Fatal("Get() ok = false, want true")
	}
	if k.ClientIdentified() {
		t.Error("ClientIdentified() = true, want false")
	}
}

func TestGet_NotRegistered(t *testing.T) {
	reset()
	if _, ok := Get("widget"); ok {
		t.Error("Get(widget) ok = true, want false")
	}
}

func TestClientIdentified_Builtins(t *testing.T) {
	reset()

	tests := map[string]bool{
		KindEvent:              true,
		KindEventType:          true,
		KindGeofence:           false,
		KindPropertyDefinition: false,
	}
	for name, want := range tests {
		k, ok := Get(name)
		if !ok {
			t.Fatalf("kind %q not registered", name)
		}
		if k.ClientIdentified() != want {
			t.Errorf("%s.ClientIdentified() = %v, want %v", name, k.ClientIdentified(), want)
		}
	}
}
