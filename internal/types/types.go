// Package types holds the entity and write wire types exchanged over the
// /api/v1 surface.
package types

import (
	"encoding/json"
	"time"
)

// Entity is a synchronizable record as returned by the server.
type Entity struct {
	ID        string          `json:"id"`
	OwnerID   string          `json:"-"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	DeletedAt *time.Time      `json:"deleted_at,omitempty"`
}

// IsDeleted reports whether the entity carries a tombstone.
func (e Entity) IsDeleted() bool {
	return e.DeletedAt != nil
}

// WriteRequest is the body of POST /entities, PUT /entities/{id} and each
// batch item. ID may be empty for kinds that accept a server-assigned id.
type WriteRequest struct {
	ID      string          `json:"id,omitempty"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// Outcome is the effect a write had on the server.
type Outcome string

const (
	OutcomeCreated      Outcome = "created"
	OutcomeDeduplicated Outcome = "deduplicated"
	OutcomeUpdated      Outcome = "updated"
	OutcomeFailed       Outcome = "failed"
)

// WriteResult is the result of an accepted write.
type WriteResult struct {
	Outcome Outcome `json:"status"`
	Entity  Entity  `json:"entity"`
}

// MaxBatchItems bounds POST /entities/batch.
const MaxBatchItems = 500

// BatchRequest is the body of POST /entities/batch.
type BatchRequest struct {
	Items []WriteRequest `json:"items"`
}

// ItemError describes why a single batch item failed.
type ItemError struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Fields  []FieldError `json:"errors,omitempty"`
}

// FieldError mirrors a validation failure on one field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// BatchItemResult is the per-item outcome of a batch create.
type BatchItemResult struct {
	Index  int        `json:"index"`
	ID     string     `json:"id,omitempty"`
	Status Outcome    `json:"status"`
	Entity *Entity    `json:"entity,omitempty"`
	Error  *ItemError `json:"error,omitempty"`
}

// BatchSummary counts batch outcomes.
type BatchSummary struct {
	Created      int `json:"created"`
	Deduplicated int `json:"deduplicated"`
	Failed       int `json:"failed"`
	Total        int `json:"total"`
}

// BatchResponse is the body returned by POST /entities/batch.
type BatchResponse struct {
	Results []BatchItemResult `json:"results"`
	Summary BatchSummary      `json:"summary"`
}

// SnapshotResponse is returned by GET /entities for bootstrap. Cursor is the
// change log position captured in the same read as Entities.
type SnapshotResponse struct {
	Entities []Entity `json:"entities"`
	Cursor   int64    `json:"cursor"`
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status       string `json:"status"`
	Version      string `json:"version"`
	EntityCount  int64  `json:"entity_count"`
	LatestCursor int64  `json:"latest_cursor"`
	LastPruneAt  string `json:"last_prune_at,omitempty"`
}
