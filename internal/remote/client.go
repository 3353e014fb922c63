// Package remote is the HTTP client for the /api/v1 sync surface. Every
// non-2xx response is returned as an *APIError carrying its failure class.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	driftsync "github.com/hyperengineering/driftline/internal/sync"
	"github.com/hyperengineering/driftline/internal/types"
)

// IdempotencyKeyHeader is sent with every mutating request.
const IdempotencyKeyHeader = "Idempotency-Key"

const maxErrorBody = 64 * 1024

// Client talks to a driftline server on behalf of one owner.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// NewClient creates a client for the server at baseURL authenticating with
// a bearer token.
func NewClient(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Health calls GET /health. It does not require a token.
func (c *Client) Health(ctx context.Context) (*types.HealthResponse, error) {
	var resp types.HealthResponse
	if err := c.do(ctx, http.MethodGet, "/health", nil, "", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CreateEntity calls POST /entities.
func (c *Client) CreateEntity(ctx context.Context, req types.WriteRequest, idempotencyKey string) (*types.WriteResult, error) {
	var resp types.WriteResult
	if err := c.do(ctx, http.MethodPost, "/entities", req, idempotencyKey, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// BatchCreate calls POST /entities/batch. Per-item failures are reported in
// the response, not as an error.
func (c *Client) BatchCreate(ctx context.Context, items []types.WriteRequest, idempotencyKey string) (*types.BatchResponse, error) {
	var resp types.BatchResponse
	err := c.do(ctx, http.MethodPost, "/entities/batch", types.BatchRequest{Items: items}, idempotencyKey, &resp)
	if err != nil {
		// 400 means every item failed; the body still carries the results
		if bf, ok := err.(*batchFailure); ok {
			return bf.resp, nil
		}
		return nil, err
	}
	return &resp, nil
}

// UpdateEntity calls PUT /entities/{id}.
func (c *Client) UpdateEntity(ctx context.Context, req types.WriteRequest, idempotencyKey string) (*types.WriteResult, error) {
	var resp types.WriteResult
	if err := c.do(ctx, http.MethodPut, "/entities/"+url.PathEscape(req.ID), req, idempotencyKey, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DeleteEntity calls DELETE /entities/{id}.
func (c *Client) DeleteEntity(ctx context.Context, id, idempotencyKey string) error {
	return c.do(ctx, http.MethodDelete, "/entities/"+url.PathEscape(id), nil, idempotencyKey, nil)
}

// GetEntity calls GET /entities/{id}.
func (c *Client) GetEntity(ctx context.Context, id string) (*types.Entity, error) {
	var resp types.Entity
	if err := c.do(ctx, http.MethodGet, "/entities/"+url.PathEscape(id), nil, "", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Snapshot calls GET /entities, the bootstrap read.
func (c *Client) Snapshot(ctx context.Context) (*types.SnapshotResponse, error) {
	var resp types.SnapshotResponse
	if err := c.do(ctx, http.MethodGet, "/entities", nil, "", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Changes calls GET /changes?since=&limit=.
func (c *Client) Changes(ctx context.Context, since int64, limit int) (*driftsync.ChangeFeed, error) {
	q := url.Values{}
	q.Set("since", strconv.FormatInt(since, 10))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp driftsync.ChangeFeed
	if err := c.do(ctx, http.MethodGet, "/changes?"+q.Encode(), nil, "", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// LatestCursor calls GET /changes/latest-cursor.
func (c *Client) LatestCursor(ctx context.Context) (int64, error) {
	var resp driftsync.LatestCursorResponse
	if err := c.do(ctx, http.MethodGet, "/changes/latest-cursor", nil, "", &resp); err != nil {
		return 0, err
	}
	return resp.Cursor, nil
}

// SyncStatus calls GET /sync, passing the client's cursor when known.
func (c *Client) SyncStatus(ctx context.Context, clientCursor *int64) (*driftsync.SyncStatus, error) {
	path := "/sync"
	if clientCursor != nil {
		path += "?cursor=" + strconv.FormatInt(*clientCursor, 10)
	}
	var resp driftsync.SyncStatus
	if err := c.do(ctx, http.MethodGet, path, nil, "", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// batchFailure carries a 400 batch response whose body is a BatchResponse.
type batchFailure struct {
	resp *types.BatchResponse
}

func (b *batchFailure) Error() string { return "all batch items failed" }

func (c *Client) do(ctx context.Context, method, path string, body any, idempotencyKey string, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/api/v1"+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if idempotencyKey != "" {
		req.Header.Set(IdempotencyKeyHeader, idempotencyKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp, path)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

// problem mirrors the server's problem document.
type problem struct {
	Type       string       `json:"type"`
	Title      string       `json:"title"`
	Status     int          `json:"status"`
	Detail     string       `json:"detail"`
	RequestID  string       `json:"request_id"`
	Errors     []FieldError `json:"errors"`
	RetryAfter int          `json:"retry_after"`
}

func decodeError(resp *http.Response, path string) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	if resp.StatusCode == http.StatusBadRequest && strings.HasPrefix(path, "/entities/batch") {
		var batch types.BatchResponse
		if json.Unmarshal(data, &batch) == nil && len(batch.Results) > 0 {
			return &batchFailure{resp: &batch}
		}
	}

	apiErr := &APIError{
		StatusCode: resp.StatusCode,
		Class:      classForStatus(resp.StatusCode),
		Title:      http.StatusText(resp.StatusCode),
	}

	var p problem
	if json.Unmarshal(data, &p) == nil && p.Type != "" {
		apiErr.Type = p.Type
		apiErr.Title = p.Title
		apiErr.Detail = p.Detail
		apiErr.RequestID = p.RequestID
		apiErr.Errors = p.Errors
		if p.RetryAfter > 0 {
			apiErr.RetryAfter = time.Duration(p.RetryAfter) * time.Second
		}
	} else if len(data) > 0 {
		apiErr.Detail = strings.TrimSpace(string(data))
	}

	if apiErr.RetryAfter == 0 {
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			apiErr.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	if apiErr.RequestID == "" {
		apiErr.RequestID = resp.Header.Get("X-Request-ID")
	}
	return apiErr
}
