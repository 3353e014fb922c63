package api

import (
	"net/http"
	"strconv"

	driftsync "github.com/hyperengineering/driftline/internal/sync"
	"github.com/hyperengineering/driftline/internal/validation"
)

// Changes handles GET /api/v1/changes?since=&limit=
func (h *Handler) Changes(w http.ResponseWriter, r *http.Request) {
	since, limit, verrs := parseChangesQuery(r)
	if len(verrs) > 0 {
		WriteProblemWithErrors(w, r, "Invalid query parameters", verrs)
		return
	}

	owner := MustOwnerFromContext(r.Context())
	feed, err := h.store.PullChanges(r.Context(), owner, since, limit)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, feed)
}

// parseChangesQuery reads since (default 0) and limit (default 0, which the
// store treats as the default page size).
func parseChangesQuery(r *http.Request) (int64, int, []validation.ValidationError) {
	var c validation.Collector
	q := r.URL.Query()

	var since int64
	if v := q.Get("since"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			c.Add(&validation.ValidationError{Field: "since", Message: "must be a non-negative integer", Code: "invalid_value"})
		}
		since = n
	}

	var limit int
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			c.Add(&validation.ValidationError{Field: "limit", Message: "must be a positive integer", Code: "invalid_value"})
		}
		limit = n
	}

	return since, limit, c.Errors()
}

// LatestCursor handles GET /api/v1/changes/latest-cursor
func (h *Handler) LatestCursor(w http.ResponseWriter, r *http.Request) {
	owner := MustOwnerFromContext(r.Context())

	cursor, err := h.store.LatestCursor(r.Context(), owner)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, driftsync.LatestCursorResponse{Cursor: cursor})
}

// SyncStatus handles GET /api/v1/sync. An optional cursor query parameter
// is compared with the owner's latest cursor to produce a status.
func (h *Handler) SyncStatus(w http.ResponseWriter, r *http.Request) {
	owner := MustOwnerFromContext(r.Context())

	var clientCursor *int64
	if v := r.URL.Query().Get("cursor"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			WriteProblemWithErrors(w, r, "Invalid query parameters", []validation.ValidationError{
				{Field: "cursor", Message: "must be a non-negative integer", Code: "invalid_value"},
			})
			return
		}
		clientCursor = &n
	}

	stats, err := h.store.GetSyncStats(r.Context(), owner)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}

	resp := driftsync.SyncStatus{
		LatestCursor:  stats.LatestCursor,
		ClientCursor:  clientCursor,
		PrunedThrough: stats.PrunedThrough,
		Kinds:         stats.Kinds,
		LastChangeAt:  stats.LastChangeAt,
		ServerTime:    h.now().UTC(),
	}
	resp.Status, resp.Recommendations = syncRecommendation(clientCursor, stats.LatestCursor, stats.PrunedThrough)

	w.Header().Set("Cache-Control", "private, max-age=30")
	writeJSON(w, http.StatusOK, resp)
}

// syncRecommendation compares a client cursor with the server's position.
func syncRecommendation(client *int64, latest, pruned int64) (string, []string) {
	switch {
	case client == nil:
		if latest == 0 {
			return driftsync.StatusAllSynced, nil
		}
		return driftsync.StatusPendingChanges, []string{"Pass ?cursor= to compare against the latest cursor"}
	case *client > latest:
		return driftsync.StatusResyncRecommended, []string{"Client cursor is ahead of the server; run a full resync"}
	case pruned > 0 && *client < pruned:
		return driftsync.StatusResyncRecommended, []string{"Client cursor precedes retained history; run a full resync"}
	case *client < latest:
		return driftsync.StatusPendingChanges, []string{"Pull changes since the client cursor"}
	default:
		return driftsync.StatusAllSynced, nil
	}
}
