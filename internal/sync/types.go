// Package sync holds the wire types of the change feed shared by the server
// and the client.
package sync

import (
	"encoding/json"
	"time"
)

// ChangeEntry represents a single entry in the change log.
type ChangeEntry struct {
	Cursor     int64           `json:"cursor"`
	Kind       string          `json:"kind"`
	Operation  string          `json:"operation"` // "create", "update" or "delete"
	EntityID   string          `json:"entity_id"`
	OwnerID    string          `json:"-"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	DeletedAt  *time.Time      `json:"deleted_at,omitempty"`
	RecordedAt time.Time       `json:"recorded_at"`
}

// Operation constants
const (
	OperationCreate = "create"
	OperationUpdate = "update"
	OperationDelete = "delete"
)

// Change feed page limits.
const (
	DefaultPullLimit = 100
	MaxPullLimit     = 500
)

// ChangeFeed is one page of the change log for an owner.
type ChangeFeed struct {
	Changes    []ChangeEntry `json:"changes"`
	NextCursor int64         `json:"next_cursor"`
	HasMore    bool          `json:"has_more"`
}

// LatestCursorResponse is returned by GET /changes/latest-cursor.
type LatestCursorResponse struct {
	Cursor int64 `json:"cursor"`
}

// Sync status values reported by GET /sync.
const (
	StatusAllSynced         = "all_synced"
	StatusPendingChanges    = "pending_changes"
	StatusResyncRecommended = "resync_recommended"
)

// KindStats summarizes one entity kind for an owner.
type KindStats struct {
	Count        int        `json:"count"`
	Deleted      int        `json:"deleted"`
	LastModified *time.Time `json:"last_modified,omitempty"`
}

// SyncStatus is the status/debug document returned by GET /sync.
type SyncStatus struct {
	Status          string               `json:"status"`
	LatestCursor    int64                `json:"latest_cursor"`
	ClientCursor    *int64               `json:"client_cursor,omitempty"`
	PrunedThrough   int64                `json:"pruned_through"`
	Kinds           map[string]KindStats `json:"kinds"`
	LastChangeAt    *time.Time           `json:"last_change_at,omitempty"`
	Recommendations []string             `json:"recommendations,omitempty"`
	ServerTime      time.Time            `json:"server_time"`
}

// SyncMeta keys
const (
	SyncMetaSchemaVersion = "schema_version"
	SyncMetaPrunedThrough = "pruned_through"
	SyncMetaLastPruneAt   = "last_prune_at"
)
