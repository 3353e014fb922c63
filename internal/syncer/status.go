package syncer

import (
	"fmt"
	"time"

	"github.com/hyperengineering/driftline/internal/remote"
)

// Phase is the orchestrator's position in its state machine:
// idle → flushing → pulling → idle, with error and rate_limited reachable
// from any step.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseFlushing    Phase = "flushing"
	PhasePulling     Phase = "pulling"
	PhaseError       Phase = "error"
	PhaseRateLimited Phase = "rate_limited"
)

// State is a point-in-time snapshot of the orchestrator.
type State struct {
	Phase Phase
	// Reason describes the error when Phase is PhaseError.
	Reason     string
	ErrorClass remote.Class
	Offline    bool

	RateLimitedUntil time.Time

	// Flush progress while Phase is PhaseFlushing.
	Current int
	Total   int

	Pending    int
	Failed     int
	LastSyncAt time.Time
}

// DisplayStatus is what a user interface shows. It is one of Idle, Offline,
// Syncing, Error or Success.
type DisplayStatus interface {
	displayStatus()
}

// Idle means nothing has synced yet and nothing is wrong.
type Idle struct{}

// Offline means the server could not be reached.
type Offline struct{}

// Syncing reports pass progress.
type Syncing struct {
	Current int
	Total   int
}

// Error reports a condition the user may need to act on.
type Error struct {
	Reason string
	Action string
}

// Success reports the last completed pass.
type Success struct {
	At time.Time
}

func (Idle) displayStatus()    {}
func (Offline) displayStatus() {}
func (Syncing) displayStatus() {}
func (Error) displayStatus()   {}
func (Success) displayStatus() {}

// User-facing actions.
const (
	ActionWait        = "wait"
	ActionFix         = "fix and resubmit"
	ActionRetryLater  = "retry later"
	ActionReauthorize = "sign in again"
)

// Display derives the display status from a state snapshot.
func Display(s State) DisplayStatus {
	switch s.Phase {
	case PhaseFlushing, PhasePulling:
		return Syncing{Current: s.Current, Total: s.Total}
	case PhaseRateLimited:
		return Error{
			Reason: fmt.Sprintf("server asked to slow down until %s", s.RateLimitedUntil.Format(time.Kitchen)),
			Action: ActionWait,
		}
	case PhaseError:
		switch {
		case s.Offline:
			return Offline{}
		case s.ErrorClass == remote.ClassUnauthorized:
			return Error{Reason: s.Reason, Action: ActionReauthorize}
		default:
			return Error{Reason: s.Reason, Action: ActionRetryLater}
		}
	}

	if s.Failed > 0 {
		noun := "changes were"
		if s.Failed == 1 {
			noun = "change was"
		}
		return Error{Reason: fmt.Sprintf("%d %s rejected by the server", s.Failed, noun), Action: ActionFix}
	}
	if !s.LastSyncAt.IsZero() {
		return Success{At: s.LastSyncAt}
	}
	return Idle{}
}
