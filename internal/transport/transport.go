// Package transport implements the HTTP client side of the sync
// protocol: delta pull with cursors, batched mutation push, the
// checklist-specific endpoints, and single/chunked attachment upload.
//
// Failures are classified (transient / rejected / dependency) so the
// engine, outbox and pipelines can choose between backoff retry,
// terminal failure and deferral. See errors.go.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"
)

// Scope is the server-side filter limiting which rows of a large entity
// set are eligible for sync.
type Scope string

const (
	ScopeAll       Scope = "all"
	ScopeRecent    Scope = "recent"
	ScopeAssigned  Scope = "assigned"
	ScopeDateRange Scope = "date_range"
)

// Client talks to the sync server. All methods take a context and honor
// its cancellation; the underlying http.Client carries the bounded
// request timeout.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	// Token, if set, supplies a bearer token per request.
	Token  func(ctx context.Context) (string, error)
	Logger *log.Logger
}

// NewClient creates a sync client for the given base URL.
// If logger is nil, a default logger writing to stderr is used.
func NewClient(baseURL string, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.New(os.Stderr, "[transport] ", log.LstdFlags)
	}
	return &Client{
		BaseURL: baseURL,
		HTTP:    &http.Client{Timeout: 60 * time.Second},
		Logger:  logger,
	}
}

// PullQuery is the request side of a delta pull page.
type PullQuery struct {
	Since     time.Time
	Cursor    string
	Limit     int
	Scope     Scope
	StartDate time.Time // date_range scope only
	EndDate   time.Time // date_range scope only
}

// PullPage is one page of server rows.
type PullPage struct {
	Items      []json.RawMessage `json:"items"`
	NextCursor string            `json:"nextCursor"`
	ServerTime time.Time         `json:"serverTime"`
	HasMore    bool              `json:"hasMore"`
	Total      int               `json:"total"`
}

// PushMutation is one outbox entry on the wire. MutationID is the
// idempotency key the server uses to detect duplicates.
type PushMutation struct {
	MutationID      string          `json:"mutationId"`
	Action          string          `json:"action"`
	Record          json.RawMessage `json:"record"`
	ClientUpdatedAt time.Time       `json:"clientUpdatedAt"`
}

// PushRequest is a batch of mutations for one entity.
type PushRequest struct {
	Mutations []PushMutation `json:"mutations"`
}

// Per-mutation outcome statuses.
const (
	ResultApplied  = "applied"
	ResultRejected = "rejected"
	ResultSkipped  = "skipped" // idempotent no-op: already applied server-side

	// ResultMissingParent means the record references a parent entity the
	// server has not seen yet. The mutation should be deferred and retried
	// after the parent syncs, without burning an attempt.
	ResultMissingParent = "missing_parent"
)

// MutationResult is the server's verdict on one mutation. A rejected
// result carries the business-rule reason in Error.
type MutationResult struct {
	MutationID string          `json:"mutationId"`
	Status     string          `json:"status"`
	Record     json.RawMessage `json:"record,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// PushResponse resolves each mutation in a batch independently; one
// rejection never rolls back the rest.
type PushResponse struct {
	Results    []MutationResult `json:"results"`
	ServerTime time.Time        `json:"serverTime"`
}

// Pull fetches one delta page from the entity's pull endpoint.
// Limit is clamped to the protocol maximum of 500.
func (c *Client) Pull(ctx context.Context, pullPath string, q PullQuery) (*PullPage, error) {
	limit := q.Limit
	if limit <= 0 || limit > 500 {
		limit = 500
	}

	params := url.Values{}
	if !q.Since.IsZero() {
		params.Set("since", q.Since.UTC().Format(time.RFC3339))
	}
	if q.Cursor != "" {
		params.Set("cursor", q.Cursor)
	}
	params.Set("limit", strconv.Itoa(limit))
	if q.Scope != "" {
		params.Set("scope", string(q.Scope))
	}
	if q.Scope == ScopeDateRange {
		params.Set("startDate", q.StartDate.UTC().Format(time.RFC3339))
		params.Set("endDate", q.EndDate.UTC().Format(time.RFC3339))
	}

	var page PullPage
	if err := c.get(ctx, pullPath+"?"+params.Encode(), &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// Push submits a batch of mutations to the entity's push endpoint.
// A network-level failure returns before any per-mutation result exists;
// the caller must then reset the whole batch to pending.
func (c *Client) Push(ctx context.Context, pushPath string, req PushRequest) (*PushResponse, error) {
	var resp PushResponse
	if err := c.post(ctx, pushPath, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// get issues a GET and decodes the JSON response into out.
func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

// post issues a POST with a JSON body and decodes the response into out.
func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request body: %w", err)
	}
	return c.do(ctx, http.MethodPost, path, payload, out)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != nil {
		token, err := c.Token(ctx)
		if err != nil {
			return fmt.Errorf("failed to obtain token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return classifyNetErr(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return classifyStatus(resp.StatusCode, string(bytes.TrimSpace(msg)))
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response from %s %s: %w", method, path, err)
	}
	return nil
}
