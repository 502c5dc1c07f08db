package projectflowsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal projectflow HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  30 * time.Second,
	}
}

// Record is one tracked project row.
type Record struct {
	Row              int               `json:"row"`
	ID               string            `json:"id,omitempty"`
	Name             string            `json:"name"`
	AutomationStatus string            `json:"automation_status"`
	AllowedStatuses  []string          `json:"allowed_statuses"`
	Hidden           bool              `json:"hidden,omitempty"`
	Fields           map[string]string `json:"fields"`
}

// StatusEdit is the result of an automation status change.
type StatusEdit struct {
	Record Record `json:"record"`
	From   string `json:"from"`
	To     string `json:"to"`
}

// Event represents an audit log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// ProcessReport summarizes one batch run.
type ProcessReport struct {
	Created     int  `json:"created"`
	Updated     int  `json:"updated"`
	Deleted     int  `json:"deleted"`
	Errored     int  `json:"errored"`
	Resumed     int  `json:"resumed"`
	Untouched   int  `json:"untouched"`
	LockSkipped bool `json:"lock_skipped,omitempty"`
}

// MaintenanceReport summarizes one maintenance sweep.
type MaintenanceReport struct {
	Completed       int      `json:"completed"`
	MarkedLate      int      `json:"marked_late"`
	StatusChanges   int      `json:"status_changes"`
	Reminders       int      `json:"reminders"`
	CalendarFixed   int      `json:"calendar_fixed"`
	CalendarMissing int      `json:"calendar_missing"`
	DigestsSent     int      `json:"digests_sent"`
	SnapshotSaved   bool     `json:"snapshot_saved"`
	LockSkipped     bool     `json:"lock_skipped,omitempty"`
	Issues          []string `json:"issues,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Records lists visible records, optionally filtered by automation status.
func (c *Client) Records(ctx context.Context, status string) ([]Record, error) {
	endpoint := "records"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp []Record
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Record fetches one record by row.
func (c *Client) Record(ctx context.Context, row int) (Record, error) {
	var resp Record
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("records/%d", row), nil, &resp)
	return resp, err
}

// SetStatus requests an automation status change for a row.
func (c *Client) SetStatus(ctx context.Context, row int, status string) (StatusEdit, error) {
	var resp StatusEdit
	err := c.do(ctx, http.MethodPatch, fmt.Sprintf("records/%d/automation-status", row), map[string]string{"status": status}, &resp)
	return resp, err
}

// EditFields changes user columns of a row.
func (c *Client) EditFields(ctx context.Context, row int, fields map[string]string) (Record, error) {
	var resp Record
	err := c.do(ctx, http.MethodPatch, fmt.Sprintf("records/%d", row), map[string]any{"fields": fields}, &resp)
	return resp, err
}

// Submit sends one intake form response.
func (c *Client) Submit(ctx context.Context, responseID string, fields map[string]string, raw []string) (Record, error) {
	body := map[string]any{"fields": fields}
	if responseID != "" {
		body["response_id"] = responseID
	}
	if len(raw) > 0 {
		body["raw_values"] = raw
	}
	var resp Record
	err := c.do(ctx, http.MethodPost, "intake", body, &resp)
	return resp, err
}

// Process runs the batch processor.
func (c *Client) Process(ctx context.Context) (ProcessReport, error) {
	var resp ProcessReport
	err := c.do(ctx, http.MethodPost, "process", nil, &resp)
	return resp, err
}

// Maintain runs the maintenance sweep.
func (c *Client) Maintain(ctx context.Context) (MaintenanceReport, error) {
	var resp MaintenanceReport
	err := c.do(ctx, http.MethodPost, "maintenance", nil, &resp)
	return resp, err
}

// Events returns recent events, optionally for one project id.
func (c *Client) Events(ctx context.Context, entityID string, limit int) ([]Event, error) {
	q := url.Values{}
	if entityID != "" {
		q.Set("entity_id", entityID)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(endpoint), &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
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

func (c *Client) url(endpoint string) string {
	base := strings.TrimRight(c.BaseURL, "/")
	path := strings.Trim(c.BasePath, "/")
	if path != "" {
		base += "/" + path
	}
	return base + "/" + strings.TrimLeft(endpoint, "/")
}
