package siftersdk

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Sifter HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Run is one imported snapshot of records.
type Run struct {
	ID          string `json:"id"`
	Label       string `json:"label,omitempty"`
	RecordCount int    `json:"record_count"`
	CreatedAt   string `json:"created_at"`
}

type Record struct {
	ID        int64          `json:"id"`
	RunID     string         `json:"run_id"`
	Name      string         `json:"name"`
	Data      map[string]any `json:"data"`
	CreatedAt string         `json:"created_at"`
}

// Artifact is the analysis of one batch of records.
type Artifact struct {
	ID           int64          `json:"id"`
	RunID        string         `json:"run_id"`
	AnalysisType string         `json:"analysis_type"`
	Fingerprint  string         `json:"fingerprint"`
	Analysis     string         `json:"analysis"`
	TopIDs       []int64        `json:"top_ids"`
	Meta         map[string]any `json:"meta,omitempty"`
	CreatedAt    string         `json:"created_at"`
	Run          *Run           `json:"run,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	RunID      string         `json:"run_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

func (c *Client) Runs(ctx context.Context) ([]Run, error) {
	var resp []Run
	err := c.get(ctx, "v0/runs", nil, &resp)
	return resp, err
}

func (c *Client) Run(ctx context.Context, runID string) (Run, error) {
	var resp Run
	err := c.get(ctx, "v0/runs/"+url.PathEscape(runID), nil, &resp)
	return resp, err
}

// Records lists a run's records in import order.
func (c *Client) Records(ctx context.Context, runID string) ([]Record, error) {
	var resp []Record
	err := c.get(ctx, "v0/runs/"+url.PathEscape(runID)+"/records", nil, &resp)
	return resp, err
}

// Artifacts lists a run's artifacts newest first. An empty analysisType
// matches every type.
func (c *Client) Artifacts(ctx context.Context, runID, analysisType string, limit int) ([]Artifact, error) {
	q := url.Values{}
	if analysisType != "" {
		q.Set("analysis_type", analysisType)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	var resp []Artifact
	err := c.get(ctx, "v0/runs/"+url.PathEscape(runID)+"/artifacts", q, &resp)
	return resp, err
}

func (c *Client) Artifact(ctx context.Context, id int64) (Artifact, error) {
	var resp Artifact
	err := c.get(ctx, fmt.Sprintf("v0/artifacts/%d", id), nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedEvents
	err := c.get(ctx, "v0/events", q, &resp)
	return resp, err
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	u := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
