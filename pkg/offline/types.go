package offline

import (
	"time"

	"github.com/hyperengineering/driftline/internal/replica"
	"github.com/hyperengineering/driftline/internal/syncer"
)

// Config holds the offline client configuration
type Config struct {
	ReplicaPath    string        // Local replica database path
	ServerURL      string        // Sync server base URL
	Token          string        // Bearer token identifying the owner
	SyncInterval   time.Duration // Periodic sync interval (default: 1 minute)
	RequestTimeout time.Duration // Per-request timeout (default: 30 seconds)
	Parallelism    int           // Concurrent writes per flush (default: 4)
	PageSize       int           // Change feed page size (default: 100)
	MaxAttempts    int           // Attempts before a write is marked failed (default: 8)
	AutoSync       bool          // Sync on start, on each local write and periodically
	OfflineMode    bool          // Never contact the server

	// OnStatus receives the display status on every state change.
	OnStatus func(DisplayStatus)
}

// Record is the local copy of one entity.
type Record = replica.Record

// PendingWrite is a local write waiting for the server.
type PendingWrite = replica.QueueEntry

// SyncResult summarizes one sync pass.
type SyncResult = syncer.Result

// SyncState is a point-in-time snapshot of the sync machinery.
type SyncState = syncer.State

// DisplayStatus is one of syncer.Idle, syncer.Offline, syncer.Syncing,
// syncer.Error or syncer.Success.
type DisplayStatus = syncer.DisplayStatus
