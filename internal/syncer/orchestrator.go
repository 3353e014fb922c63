// Package syncer runs sync passes between the local replica and the server.
// A pass flushes queued mutations, then pulls the change feed (or bootstraps
// from a snapshot when no cursor is known). Passes never overlap.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hyperengineering/driftline/internal/remote"
	"github.com/hyperengineering/driftline/internal/replica"
	driftsync "github.com/hyperengineering/driftline/internal/sync"
	"github.com/hyperengineering/driftline/internal/types"
)

// ErrUnauthorized aborts a pass when the server rejects the credentials.
var ErrUnauthorized = errors.New("unauthorized")

// ErrClosed is returned by Sync after Close.
var ErrClosed = errors.New("orchestrator closed")

// ErrRateLimited ends a pass early when the server throttles the client.
// The orchestrator triggers the next pass itself once the delay elapses.
var ErrRateLimited = errors.New("rate limited")

// defaultRetryAfter applies when a 429 carries no retry hint.
const defaultRetryAfter = 30 * time.Second

// Reason records why a pass was started.
type Reason string

const (
	ReasonConnectivity     Reason = "connectivity"
	ReasonActivation       Reason = "activation"
	ReasonExplicit         Reason = "explicit"
	ReasonTimer            Reason = "timer"
	ReasonRateLimitExpired Reason = "rate_limit_expired"
	ReasonResync           Reason = "resync"
	ReasonFollowUp         Reason = "follow_up"
	ReasonLocalWrite       Reason = "local_write"
)

// Remote is the subset of the server API a pass uses.
// Implemented by *remote.Client.
type Remote interface {
	CreateEntity(ctx context.Context, req types.WriteRequest, idempotencyKey string) (*types.WriteResult, error)
	UpdateEntity(ctx context.Context, req types.WriteRequest, idempotencyKey string) (*types.WriteResult, error)
	DeleteEntity(ctx context.Context, id, idempotencyKey string) error
	Changes(ctx context.Context, since int64, limit int) (*driftsync.ChangeFeed, error)
	Snapshot(ctx context.Context) (*types.SnapshotResponse, error)
}

// Options configures an Orchestrator.
type Options struct {
	// Parallelism bounds concurrent writes during a flush. Default 4.
	Parallelism int
	// PageSize is the change feed page limit. Default 100.
	PageSize int
	// Interval is the periodic trigger used by Run. Default 1m.
	Interval time.Duration
	// OnStateChange, when set, receives every state transition.
	OnStateChange func(State)
	// Now overrides the clock.
	Now func() time.Time
}

// Result summarizes one pass.
type Result struct {
	Reason       Reason
	Sent         int
	Acknowledged int
	Retrying     int
	Failed       int
	Pulled       int
	Bootstrapped bool
	Cursor       int64
	Duration     time.Duration
}

// Orchestrator drives sync passes. It is safe for concurrent use.
type Orchestrator struct {
	store  replica.Store
	remote Remote
	opts   Options

	lifecycle context.Context
	stop      context.CancelFunc
	wg        sync.WaitGroup

	mu         sync.Mutex
	running    bool
	pending    bool
	resync     bool
	closed     bool
	idle       chan struct{}
	state      State
	lastResult *Result
	lastErr    error
	rateTimer  *time.Timer
}

// New creates an orchestrator over a replica and a server client.
func New(store replica.Store, rem Remote, opts Options) *Orchestrator {
	if opts.Parallelism <= 0 {
		opts.Parallelism = 4
	}
	if opts.PageSize <= 0 {
		opts.PageSize = driftsync.DefaultPullLimit
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	idle := make(chan struct{})
	close(idle)

	o := &Orchestrator{
		store:     store,
		remote:    rem,
		opts:      opts,
		lifecycle: ctx,
		stop:      cancel,
		idle:      idle,
		state:     State{Phase: PhaseIdle},
	}
	if at, err := store.LastSynced(context.Background()); err == nil {
		o.state.LastSyncAt = at
	}
	return o
}

// Trigger requests a pass and returns immediately. If a pass is running, it
// is followed by exactly one more pass no matter how many triggers arrive.
func (o *Orchestrator) Trigger(reason Reason) {
	o.trigger(reason)
}

// trigger returns a channel closed when the runner next goes idle, or nil
// after Close.
func (o *Orchestrator) trigger(reason Reason) <-chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return nil
	}
	if o.running {
		o.pending = true
		return o.idle
	}

	o.running = true
	o.idle = make(chan struct{})
	o.wg.Add(1)
	go o.runPasses(reason, o.idle)
	return o.idle
}

func (o *Orchestrator) runPasses(reason Reason, idle chan struct{}) {
	defer o.wg.Done()

	for {
		res, err := o.pass(o.lifecycle, reason)

		o.mu.Lock()
		o.lastResult, o.lastErr = res, err
		if !o.pending || o.closed {
			o.running = false
			o.pending = false
			close(idle)
			o.mu.Unlock()
			return
		}
		o.pending = false
		o.mu.Unlock()
		reason = ReasonFollowUp
	}
}

// Sync runs a pass (or joins the one in progress plus its follow-up) and
// waits for the runner to go idle.
func (o *Orchestrator) Sync(ctx context.Context) (*Result, error) {
	done := o.trigger(ReasonExplicit)
	if done == nil {
		return nil, ErrClosed
	}
	select {
	case <-done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastResult, o.lastErr
}

// RequestResync makes the next pass bootstrap from a full snapshot. It does
// not start a pass; callers follow with Trigger(ReasonResync) or Sync.
func (o *Orchestrator) RequestResync() {
	o.mu.Lock()
	o.resync = true
	o.mu.Unlock()
}

// SetOnline records a connectivity signal. Regaining connectivity triggers a
// pass.
func (o *Orchestrator) SetOnline(online bool) {
	o.mu.Lock()
	wasOffline := o.state.Offline
	o.state.Offline = !online
	st := o.state
	o.mu.Unlock()

	o.notify(st)
	if online && wasOffline {
		o.Trigger(ReasonConnectivity)
	}
}

// Status returns the current state snapshot.
func (o *Orchestrator) Status() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Display returns the display status for the current state.
func (o *Orchestrator) Display() DisplayStatus {
	return Display(o.Status())
}

// Run triggers a pass on activation and then every interval until ctx is
// cancelled.
func (o *Orchestrator) Run(ctx context.Context) {
	slog.Info("sync orchestrator started",
		"component", "syncer",
		"interval", o.opts.Interval.String(),
		"parallelism", o.opts.Parallelism,
	)

	o.Trigger(ReasonActivation)

	ticker := time.NewTicker(o.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("sync orchestrator stopped",
				"component", "syncer",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			o.Trigger(ReasonTimer)
		}
	}
}

// Close stops triggering passes and waits for a running pass to finish.
// In-flight writes complete; remaining entries stay queued.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	if o.rateTimer != nil {
		o.rateTimer.Stop()
	}
	o.mu.Unlock()

	o.stop()
	o.wg.Wait()
}

// pass runs flush then pull or bootstrap.
func (o *Orchestrator) pass(ctx context.Context, reason Reason) (*Result, error) {
	start := o.opts.Now()
	res := &Result{Reason: reason}

	slog.Debug("sync pass started", "component", "syncer", "reason", reason)

	if err := o.flush(ctx, res); err != nil {
		return res, o.fail(res, err)
	}

	o.update(func(s *State) { s.Phase = PhasePulling; s.Current, s.Total = 0, 0 })

	if err := o.pullOrBootstrap(ctx, res); err != nil {
		if remote.IsClass(err, remote.ClassRateLimited) {
			err = o.throttle(remote.RetryAfter(err), err)
		}
		return res, o.fail(res, err)
	}

	now := o.opts.Now()
	res.Duration = now.Sub(start)
	if err := o.store.MarkSynced(ctx, now); err != nil {
		slog.Warn("failed to record sync time", "component", "syncer", "error", err)
	}

	pendingCount, failedCount := o.queueCounts(ctx)
	o.update(func(s *State) {
		s.Phase = PhaseIdle
		s.Reason, s.ErrorClass = "", ""
		s.Offline = false
		s.RateLimitedUntil = time.Time{}
		s.LastSyncAt = now
		s.Pending, s.Failed = pendingCount, failedCount
	})

	slog.Info("sync pass completed",
		"component", "syncer",
		"reason", reason,
		"sent", res.Sent,
		"acknowledged", res.Acknowledged,
		"retrying", res.Retrying,
		"failed", res.Failed,
		"pulled", res.Pulled,
		"bootstrapped", res.Bootstrapped,
		"cursor", res.Cursor,
		"duration_ms", res.Duration.Milliseconds(),
	)
	return res, nil
}

// fail moves the state machine to error (or rate_limited) and returns the
// pass error.
func (o *Orchestrator) fail(res *Result, err error) error {
	pendingCount, failedCount := o.queueCounts(context.Background())

	if errors.Is(err, ErrRateLimited) {
		o.update(func(s *State) {
			s.Phase = PhaseRateLimited
			s.Current, s.Total = 0, 0
			s.Pending, s.Failed = pendingCount, failedCount
		})
		slog.Warn("sync pass rate limited",
			"component", "syncer",
			"reason", res.Reason,
			"until", o.Status().RateLimitedUntil,
		)
		return err
	}

	class := remote.Classify(err)
	offline := remote.IsNetwork(err)
	if errors.Is(err, ErrUnauthorized) {
		class = remote.ClassUnauthorized
	}

	o.update(func(s *State) {
		s.Phase = PhaseError
		s.Reason = err.Error()
		s.ErrorClass = class
		s.Offline = offline
		s.Current, s.Total = 0, 0
		s.Pending, s.Failed = pendingCount, failedCount
	})

	slog.Warn("sync pass failed",
		"component", "syncer",
		"reason", res.Reason,
		"failure_class", class,
		"offline", offline,
		"error", err,
	)
	return err
}

// outcome is the result of delivering one queue entry.
type outcome struct {
	entry  replica.QueueEntry
	result *types.WriteResult
	err    error
	// settled is closed once the outcome has been applied to the queue.
	settled chan struct{}
}

// flush delivers due queue entries with bounded parallelism. Outcomes are
// applied to the queue by this goroutine alone, one at a time. Cancellation
// stops dispatching new entries; writes already sent run to completion and
// are acknowledged.
func (o *Orchestrator) flush(ctx context.Context, res *Result) error {
	entries, err := o.store.Drain(ctx, o.opts.Now())
	if err != nil {
		return fmt.Errorf("drain queue: %w", err)
	}

	o.update(func(s *State) {
		s.Phase = PhaseFlushing
		s.Current, s.Total = 0, len(entries)
	})
	if len(entries) == 0 {
		return nil
	}

	var halted atomic.Bool
	outcomes := make(chan outcome)

	go func() {
		g := new(errgroup.Group)
		g.SetLimit(o.opts.Parallelism)
		sendCtx := context.WithoutCancel(ctx)
		for _, e := range entries {
			if ctx.Err() != nil || halted.Load() {
				break
			}
			g.Go(func() error {
				if ctx.Err() != nil || halted.Load() {
					return nil
				}
				if err := o.store.MarkDispatched(sendCtx, e.ID); err != nil {
					if !errors.Is(err, replica.ErrNotFound) {
						slog.Warn("failed to mark entry dispatched",
							"component", "syncer",
							"entry_id", e.ID,
							"error", err,
						)
					}
					// discarded or dismissed since the drain, or left for the next pass
					return nil
				}
				result, err := o.send(sendCtx, e)
				out := outcome{entry: e, result: result, err: err, settled: make(chan struct{})}
				outcomes <- out
				// hold the slot until settled so a halt is seen by the next send
				<-out.settled
				return nil
			})
		}
		_ = g.Wait()
		close(outcomes)
	}()

	var flushErr error
	for out := range outcomes {
		res.Sent++
		if err := o.settle(ctx, out, res); err != nil {
			halted.Store(true)
			if flushErr == nil {
				flushErr = err
			}
		}
		close(out.settled)
		o.update(func(s *State) { s.Current++ })
	}

	if flushErr != nil {
		return flushErr
	}
	return ctx.Err()
}

// send delivers one entry with its revision's idempotency key.
func (o *Orchestrator) send(ctx context.Context, e replica.QueueEntry) (*types.WriteResult, error) {
	key := e.IdempotencyKey()
	req := types.WriteRequest{ID: e.EntityID, Kind: e.Kind, Payload: e.Payload}

	switch e.Op {
	case replica.OpCreate:
		return o.remote.CreateEntity(ctx, req, key)
	case replica.OpUpdate:
		return o.remote.UpdateEntity(ctx, req, key)
	case replica.OpDelete:
		return nil, o.remote.DeleteEntity(ctx, e.EntityID, key)
	default:
		return nil, fmt.Errorf("unknown op %q", e.Op)
	}
}

// settle applies one delivery outcome to the queue. A non-nil error halts
// the flush.
func (o *Orchestrator) settle(ctx context.Context, out outcome, res *Result) error {
	e := out.entry
	err := out.err

	// the server no longer has the entity; the delete's effect already holds
	if err != nil && e.Op == replica.OpDelete && remote.IsClass(err, remote.ClassNotFound) {
		err = nil
	}

	if err == nil {
		if ackErr := o.store.Acknowledge(ctx, e.ID, e.Revision); ackErr != nil && !errors.Is(ackErr, replica.ErrNotFound) {
			return fmt.Errorf("acknowledge %s: %w", e.ID, ackErr)
		}
		res.Acknowledged++
		if out.result != nil {
			if applyErr := o.store.ApplyEntity(ctx, out.result.Entity); applyErr != nil {
				slog.Warn("failed to apply write result",
					"component", "syncer",
					"entity_id", e.EntityID,
					"error", applyErr,
				)
			}
		}
		return nil
	}

	class := remote.Classify(err)

	switch {
	case class == remote.ClassUnauthorized:
		// entry stays queued untouched for replay after re-authentication
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)

	case class == remote.ClassRateLimited:
		delay := remote.RetryAfter(err)
		if delay <= 0 {
			delay = defaultRetryAfter
		}
		if _, ferr := o.store.RecordFailure(ctx, e.ID, e.Revision, replica.Failure{
			Class:      string(class),
			Message:    err.Error(),
			Throttled:  true,
			RetryAfter: delay,
		}); ferr != nil && !errors.Is(ferr, replica.ErrNotFound) {
			return fmt.Errorf("record failure %s: %w", e.ID, ferr)
		}
		res.Retrying++
		return o.throttle(delay, err)
	}

	updated, ferr := o.store.RecordFailure(ctx, e.ID, e.Revision, replica.Failure{
		Class:    string(class),
		Message:  err.Error(),
		Terminal: class.Terminal(),
	})
	if ferr != nil && !errors.Is(ferr, replica.ErrNotFound) {
		return fmt.Errorf("record failure %s: %w", e.ID, ferr)
	}
	if updated.State == replica.StateFailed {
		res.Failed++
	} else {
		res.Retrying++
	}

	if remote.IsNetwork(err) {
		// unreachable server; the remaining entries would fail the same way
		return fmt.Errorf("send %s %s: %w", e.Op, e.EntityID, err)
	}
	return nil
}

// throttle records the rate limit window and schedules the pass that follows
// it.
func (o *Orchestrator) throttle(delay time.Duration, cause error) error {
	if delay <= 0 {
		delay = defaultRetryAfter
	}
	until := o.opts.Now().Add(delay)

	o.mu.Lock()
	if until.After(o.state.RateLimitedUntil) {
		o.state.RateLimitedUntil = until
	}
	if !o.closed {
		if o.rateTimer != nil {
			o.rateTimer.Stop()
		}
		o.rateTimer = time.AfterFunc(delay, func() { o.Trigger(ReasonRateLimitExpired) })
	}
	o.mu.Unlock()

	return fmt.Errorf("%w for %s: %v", ErrRateLimited, delay, cause)
}

func (o *Orchestrator) pullOrBootstrap(ctx context.Context, res *Result) error {
	o.mu.Lock()
	resync := o.resync
	o.mu.Unlock()

	cursor, ok, err := o.store.Cursor(ctx)
	if err != nil {
		return fmt.Errorf("read cursor: %w", err)
	}

	if !ok || resync {
		return o.bootstrap(ctx, res)
	}

	err = o.pull(ctx, cursor, res)
	if remote.IsClass(err, remote.ClassCursorExpired) {
		slog.Info("cursor expired, bootstrapping",
			"component", "syncer",
			"cursor", cursor,
		)
		return o.bootstrap(ctx, res)
	}
	return err
}

// pull applies change feed pages until has_more is false. Cancellation is
// checked between pages only.
func (o *Orchestrator) pull(ctx context.Context, cursor int64, res *Result) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		feed, err := o.remote.Changes(ctx, cursor, o.opts.PageSize)
		if err != nil {
			return classifyAuth(fmt.Errorf("pull changes since %d: %w", cursor, err))
		}

		applied, err := o.store.ApplyChanges(ctx, feed.Changes, feed.NextCursor)
		if err != nil {
			return fmt.Errorf("apply changes: %w", err)
		}
		res.Pulled += applied
		if feed.NextCursor > cursor {
			cursor = feed.NextCursor
		}
		res.Cursor = cursor

		if !feed.HasMore || len(feed.Changes) == 0 {
			return nil
		}
	}
}

func (o *Orchestrator) bootstrap(ctx context.Context, res *Result) error {
	snap, err := o.remote.Snapshot(ctx)
	if err != nil {
		return classifyAuth(fmt.Errorf("fetch snapshot: %w", err))
	}
	if err := o.store.Bootstrap(ctx, snap.Entities, snap.Cursor); err != nil {
		return fmt.Errorf("apply snapshot: %w", err)
	}

	o.mu.Lock()
	o.resync = false
	o.mu.Unlock()

	res.Bootstrapped = true
	res.Pulled += len(snap.Entities)
	res.Cursor = snap.Cursor
	slog.Info("replica bootstrapped",
		"component", "syncer",
		"entities", len(snap.Entities),
		"cursor", snap.Cursor,
	)
	return nil
}

func (o *Orchestrator) queueCounts(ctx context.Context) (int, int) {
	pendingCount, err := o.store.PendingCount(ctx)
	if err != nil {
		return 0, 0
	}
	failed, err := o.store.Failed(ctx)
	if err != nil {
		return pendingCount, 0
	}
	return pendingCount, len(failed)
}

// update mutates the state under the lock and notifies the observer.
func (o *Orchestrator) update(fn func(*State)) {
	o.mu.Lock()
	fn(&o.state)
	st := o.state
	o.mu.Unlock()
	o.notify(st)
}

func (o *Orchestrator) notify(st State) {
	if o.opts.OnStateChange != nil {
		o.opts.OnStateChange(st)
	}
}

// classifyAuth turns an unauthorized response into ErrUnauthorized while
// keeping the server's message.
func classifyAuth(err error) error {
	if remote.IsClass(err, remote.ClassUnauthorized) {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return err
}
