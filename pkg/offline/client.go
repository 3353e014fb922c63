// Package offline is the embeddable client: local reads and writes against a
// replica that stays usable without a network, kept in step with the server
// by a background sync orchestrator.
package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hyperengineering/driftline/internal/domain"
	"github.com/hyperengineering/driftline/internal/ident"
	"github.com/hyperengineering/driftline/internal/remote"
	"github.com/hyperengineering/driftline/internal/replica"
	"github.com/hyperengineering/driftline/internal/syncer"
)

var (
	// ErrClosed is returned by every method after Close.
	ErrClosed = errors.New("client is closed")
	// ErrOfflineMode is returned by Sync when the client never contacts the server.
	ErrOfflineMode = errors.New("client is in offline mode")
	// ErrNotFound is returned for unknown or deleted records.
	ErrNotFound = replica.ErrNotFound
)

// Client is the offline-first client for one owner's dataset
type Client struct {
	config  Config
	replica *replica.Storage
	syncer  *syncer.Orchestrator

	mu      sync.RWMutex
	closed  bool
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New opens the replica and prepares the sync orchestrator. Nothing touches
// the network until Start or Sync.
func New(config Config) (*Client, error) {
	if config.ReplicaPath == "" {
		return nil, errors.New("ReplicaPath is required")
	}
	if !config.OfflineMode && config.ServerURL == "" {
		return nil, errors.New("ServerURL is required unless OfflineMode is set")
	}

	// Set defaults
	if config.SyncInterval == 0 {
		config.SyncInterval = time.Minute
	}
	if config.RequestTimeout == 0 {
		config.RequestTimeout = 30 * time.Second
	}
	if config.MaxAttempts == 0 {
		config.MaxAttempts = replica.DefaultMaxAttempts
	}

	store, err := replica.Open(config.ReplicaPath, replica.WithMaxAttempts(config.MaxAttempts))
	if err != nil {
		return nil, err
	}

	c := &Client{
		config:  config,
		replica: store,
		done:    make(chan struct{}),
	}
	close(c.done)

	if !config.OfflineMode {
		rc := remote.NewClient(config.ServerURL, config.Token, remote.WithTimeout(config.RequestTimeout))
		opts := syncer.Options{
			Parallelism: config.Parallelism,
			PageSize:    config.PageSize,
			Interval:    config.SyncInterval,
		}
		if config.OnStatus != nil {
			opts.OnStateChange = func(s syncer.State) { config.OnStatus(syncer.Display(s)) }
		}
		c.syncer = syncer.New(store, rc, opts)
	}

	return c, nil
}

// Start begins background syncing when AutoSync is set. It returns at once.
func (c *Client) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.started || c.syncer == nil || !c.config.AutoSync {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	c.started = true

	go func(done chan struct{}) {
		defer close(done)
		c.syncer.Run(ctx)
	}(c.done)
	return nil
}

// Close stops background syncing, waits for a running pass, and closes the
// replica. Queued writes stay on disk for the next session.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.cancel != nil {
		c.cancel()
	}
	done := c.done
	c.mu.Unlock()

	<-done
	if c.syncer != nil {
		c.syncer.Close()
	}
	return c.replica.Close()
}

// Add creates a record of kind with a freshly minted id. payload is any value
// that marshals to a JSON object, or a json.RawMessage.
func (c *Client) Add(ctx context.Context, kind string, payload any) (*Record, error) {
	id, err := ident.New()
	if err != nil {
		return nil, err
	}
	return c.write(ctx, replica.OpCreate, id, kind, payload)
}

// Update replaces the payload of an existing record.
func (c *Client) Update(ctx context.Context, id string, payload any) (*Record, error) {
	rec, err := c.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return c.write(ctx, replica.OpUpdate, id, rec.Kind, payload)
}

// Delete tombstones a record locally and queues the delete.
func (c *Client) Delete(ctx context.Context, id string) error {
	if _, err := c.Get(ctx, id); err != nil {
		return err
	}
	_, err := c.write(ctx, replica.OpDelete, id, "", nil)
	return err
}

func (c *Client) write(ctx context.Context, op replica.Op, id, kind string, payload any) (*Record, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return nil, ErrClosed
	}

	m := replica.Mutation{Op: op, EntityID: id, Kind: kind}
	if op != replica.OpDelete {
		raw, err := encodePayload(payload)
		if err != nil {
			return nil, err
		}
		// reject locally what the server would reject
		if err := domain.ValidatePayload(kind, raw); err != nil {
			return nil, err
		}
		m.Payload = raw
	}

	if _, err := c.replica.Enqueue(ctx, m); err != nil {
		return nil, err
	}
	if c.syncer != nil && c.config.AutoSync {
		c.syncer.Trigger(syncer.ReasonLocalWrite)
	}

	if op == replica.OpDelete {
		return nil, nil
	}
	return c.replica.Get(ctx, id)
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return raw, nil
}

// Get returns a live record. Deleted records report ErrNotFound.
func (c *Client) Get(ctx context.Context, id string) (*Record, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return nil, ErrClosed
	}

	rec, err := c.replica.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.IsDeleted() {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, nil
}

// List returns live records of kind, or of every kind when kind is empty.
func (c *Client) List(ctx context.Context, kind string) ([]Record, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return nil, ErrClosed
	}
	return c.replica.List(ctx, kind)
}

// Sync runs a sync pass now and waits for it.
func (c *Client) Sync(ctx context.Context) (*SyncResult, error) {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()

	if closed {
		return nil, ErrClosed
	}
	if c.syncer == nil {
		return nil, ErrOfflineMode
	}
	return c.syncer.Sync(ctx)
}

// Resync makes the next pass rebuild the replica from a full snapshot.
// Pending writes are kept. With AutoSync the pass starts at once.
func (c *Client) Resync() {
	if c.syncer == nil {
		return
	}
	c.syncer.RequestResync()
	if c.config.AutoSync {
		c.syncer.Trigger(syncer.ReasonResync)
	}
}

// SetOnline forwards a platform connectivity signal.
func (c *Client) SetOnline(online bool) {
	if c.syncer != nil {
		c.syncer.SetOnline(online)
	}
}

// Status returns the display status derived from the current state.
func (c *Client) Status() DisplayStatus {
	return syncer.Display(c.State(context.Background()))
}

// State returns the raw sync state with fresh queue counts.
func (c *Client) State(ctx context.Context) SyncState {
	var st SyncState
	if c.syncer != nil {
		st = c.syncer.Status()
	} else {
		st.Phase = syncer.PhaseIdle
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return st
	}
	if n, err := c.replica.PendingCount(ctx); err == nil {
		st.Pending = n
	}
	if failed, err := c.replica.Failed(ctx); err == nil {
		st.Failed = len(failed)
	}
	if c.syncer == nil {
		if at, err := c.replica.LastSynced(ctx); err == nil {
			st.LastSyncAt = at
		}
	}
	return st
}

// Pending returns writes waiting for the server in the order they were made.
func (c *Client) Pending(ctx context.Context) ([]PendingWrite, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return nil, ErrClosed
	}
	return c.replica.Pending(ctx)
}

// Failed returns writes the server rejected or that ran out of attempts.
func (c *Client) Failed(ctx context.Context) ([]PendingWrite, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return nil, ErrClosed
	}
	return c.replica.Failed(ctx)
}

// Retry moves a failed write back to pending and triggers a pass.
func (c *Client) Retry(ctx context.Context, id string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return ErrClosed
	}
	if err := c.replica.Retry(ctx, id); err != nil {
		return err
	}
	if c.syncer != nil && c.config.AutoSync {
		c.syncer.Trigger(syncer.ReasonExplicit)
	}
	return nil
}

// Dismiss drops a failed write and reverts the local record to the last
// server state seen for it. A record the server never had is removed.
func (c *Client) Dismiss(ctx context.Context, id string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return ErrClosed
	}
	return c.replica.Dismiss(ctx, id)
}
