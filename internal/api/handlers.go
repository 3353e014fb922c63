package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hyperengineering/driftline/internal/domain"
	"github.com/hyperengineering/driftline/internal/ident"
	"github.com/hyperengineering/driftline/internal/store"
	"github.com/hyperengineering/driftline/internal/types"
	"github.com/hyperengineering/driftline/internal/validation"
)

// Request body limits.
const (
	maxWriteBodyBytes = 2 * domain.MaxPayloadBytes
	maxBatchBodyBytes = 16 << 20
)

// Handler implements the API handlers
type Handler struct {
	store   store.Store
	version string
	now     func() time.Time
}

// NewHandler creates a new Handler with store.Store interface
func NewHandler(s store.Store, version string) *Handler {
	return &Handler{
		store:   s,
		version: version,
		now:     time.Now,
	}
}

// Health returns the health status
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.GetStats(r.Context())
	if err != nil {
		MapStoreError(w, r, err)
		return
	}

	resp := types.HealthResponse{
		Status:       "healthy",
		Version:      h.version,
		EntityCount:  stats.EntityCount,
		LatestCursor: stats.LatestCursor,
	}
	if stats.LastPruneAt != nil {
		resp.LastPruneAt = stats.LastPruneAt.Format(time.RFC3339)
	}

	writeJSON(w, http.StatusOK, resp)
}

// CreateEntity handles POST /api/v1/entities
func (h *Handler) CreateEntity(w http.ResponseWriter, r *http.Request) {
	var req types.WriteRequest
	if !decodeBody(w, r, maxWriteBodyBytes, &req) {
		return
	}

	owner := MustOwnerFromContext(r.Context())
	res, err := h.create(r, owner, req)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}

	status := http.StatusOK
	if res.Outcome == types.OutcomeCreated {
		status = http.StatusCreated
	}
	writeJSON(w, status, res)
}

// create validates a create and passes it to the store.
func (h *Handler) create(r *http.Request, owner string, req types.WriteRequest) (*types.WriteResult, error) {
	if err := h.prepareCreate(&req); err != nil {
		return nil, err
	}
	res, err := h.store.AcceptWrite(r.Context(), owner, req)
	if err != nil {
		return nil, err
	}
	slog.Debug("write accepted",
		"component", "api",
		"action", "create",
		"owner_id", owner,
		"entity_id", res.Entity.ID,
		"outcome", res.Outcome,
	)
	return res, nil
}

// prepareCreate checks the kind, id, and payload of a create, minting an id
// for kinds that accept a server-assigned one.
func (h *Handler) prepareCreate(req *types.WriteRequest) error {
	k, ok := domain.Get(req.Kind)
	if !ok {
		return fmt.Errorf("%w: %q", domain.ErrUnknownKind, req.Kind)
	}

	if req.ID == "" {
		if k.ClientIdentified() {
			return validation.Errors{{Field: "id", Message: "is required for " + req.Kind, Code: "required"}}
		}
		id, err := ident.New()
		if err != nil {
			return err
		}
		req.ID = id
	} else if err := ident.Validate(req.ID, h.now()); err != nil {
		return err
	}

	return domain.ValidatePayload(req.Kind, req.Payload)
}

// BatchCreate handles POST /api/v1/entities/batch
func (h *Handler) BatchCreate(w http.ResponseWriter, r *http.Request) {
	var req types.BatchRequest
	if !decodeBody(w, r, maxBatchBodyBytes, &req) {
		return
	}
	if len(req.Items) == 0 {
		WriteProblemWithErrors(w, r, "Batch is empty", []validation.ValidationError{
			{Field: "items", Message: "must contain at least one item", Code: "required"},
		})
		return
	}
	if len(req.Items) > types.MaxBatchItems {
		WriteProblemWithErrors(w, r, "Batch is too large", []validation.ValidationError{
			{Field: "items", Message: fmt.Sprintf("must contain at most %d items", types.MaxBatchItems), Code: "too_long"},
		})
		return
	}

	owner := MustOwnerFromContext(r.Context())
	resp := types.BatchResponse{
		Results: make([]types.BatchItemResult, len(req.Items)),
		Summary: types.BatchSummary{Total: len(req.Items)},
	}

	for i, item := range req.Items {
		result := types.BatchItemResult{Index: i, ID: item.ID}
		res, err := h.create(r, owner, item)
		if err != nil {
			result.Status = types.OutcomeFailed
			result.Error = itemError(r, err)
			resp.Summary.Failed++
		} else {
			result.ID = res.Entity.ID
			result.Status = res.Outcome
			result.Entity = &res.Entity
			if res.Outcome == types.OutcomeCreated {
				resp.Summary.Created++
			} else {
				resp.Summary.Deduplicated++
			}
		}
		resp.Results[i] = result
	}

	slog.Info("batch processed",
		"component", "api",
		"action", "batch_create",
		"owner_id", owner,
		"created", resp.Summary.Created,
		"deduplicated", resp.Summary.Deduplicated,
		"failed", resp.Summary.Failed,
	)

	writeJSON(w, batchStatus(resp.Summary), resp)
}

// batchStatus is 201 when all items were created, 200 when none failed, 207
// for a mix of failures and successes, and 400 when all failed.
func batchStatus(s types.BatchSummary) int {
	switch {
	case s.Failed == s.Total:
		return http.StatusBadRequest
	case s.Failed > 0:
		return http.StatusMultiStatus
	case s.Created == s.Total:
		return http.StatusCreated
	default:
		return http.StatusOK
	}
}

// itemError converts a per-item failure into its wire form.
func itemError(r *http.Request, err error) *types.ItemError {
	p := problemFor(r, err)
	code := p.Type[strings.LastIndex(p.Type, ":")+1:]
	ie := &types.ItemError{Code: code, Message: p.Detail}
	for _, e := range p.Errors {
		ie.Fields = append(ie.Fields, types.FieldError{Field: e.Field, Message: e.Message, Code: e.Code})
	}
	if p.Status == http.StatusInternalServerError {
		slog.Error("batch item failed", "component", "api", "error", err)
	}
	return ie
}

// UpdateEntity handles PUT /api/v1/entities/{id}
func (h *Handler) UpdateEntity(w http.ResponseWriter, r *http.Request) {
	var req types.WriteRequest
	if !decodeBody(w, r, maxWriteBodyBytes, &req) {
		return
	}

	id := chi.URLParam(r, "id")
	if req.ID != "" && req.ID != id {
		WriteProblemWithErrors(w, r, "Body id does not match path", []validation.ValidationError{
			{Field: "id", Message: "must match the path id", Code: "invalid_value"},
		})
		return
	}
	req.ID = id

	if err := domain.ValidatePayload(req.Kind, req.Payload); err != nil {
		MapStoreError(w, r, err)
		return
	}

	owner := MustOwnerFromContext(r.Context())
	res, err := h.store.UpdateEntity(r.Context(), owner, req)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// DeleteEntity handles DELETE /api/v1/entities/{id}
func (h *Handler) DeleteEntity(w http.ResponseWriter, r *http.Request) {
	owner := MustOwnerFromContext(r.Context())
	id := chi.URLParam(r, "id")

	if err := h.store.DeleteEntity(r.Context(), owner, id); err != nil {
		MapStoreError(w, r, err)
		return
	}

	slog.Debug("entity deleted", "component", "api", "action", "delete", "owner_id", owner, "entity_id", id)
	w.WriteHeader(http.StatusNoContent)
}

// GetEntity handles GET /api/v1/entities/{id}
func (h *Handler) GetEntity(w http.ResponseWriter, r *http.Request) {
	owner := MustOwnerFromContext(r.Context())

	e, err := h.store.GetEntity(r.Context(), owner, chi.URLParam(r, "id"))
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// Snapshot handles GET /api/v1/entities, the bootstrap read.
func (h *Handler) Snapshot(w http.ResponseWriter, r *http.Request) {
	owner := MustOwnerFromContext(r.Context())

	snap, err := h.store.Snapshot(r.Context(), owner)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}

	slog.Info("snapshot served",
		"component", "api",
		"action", "snapshot",
		"owner_id", owner,
		"entities", len(snap.Entities),
		"cursor", snap.Cursor,
	)
	writeJSON(w, http.StatusOK, snap)
}

// decodeBody decodes a JSON body into v, writing a problem on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, limit int64, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteProblem(w, r, http.StatusRequestEntityTooLarge, fmt.Sprintf("Request body exceeds %d bytes", limit))
			return false
		}
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err.Error()))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "component", "api", "error", err)
	}
}
