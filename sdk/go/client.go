package tasktracksdk

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
)

// Client is a minimal Tasktrack HTTP API client.
type Client struct {
	BaseURL    string
	BasePath   string
	HTTPClient *http.Client
	Timeout    time.Duration
	// RequestID is sent as X-Request-Id when set.
	RequestID string
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

// Task represents the API task model.
type Task struct {
	ID          int64      `json:"id"`
	Title       string     `json:"title"`
	Description *string    `json:"description"`
	Status      string     `json:"status"`
	Priority    string     `json:"priority"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   *time.Time `json:"updated_at"`
	DueDate     *time.Time `json:"due_date"`
	AssignedTo  *string    `json:"assigned_to"`
	Author      *string    `json:"author"`
}

// NewTask is the create payload. Empty status and priority use server defaults.
type NewTask struct {
	Title       string     `json:"title"`
	Description *string    `json:"description,omitempty"`
	Status      string     `json:"status,omitempty"`
	Priority    string     `json:"priority,omitempty"`
	DueDate     *time.Time `json:"due_date,omitempty"`
	AssignedTo  *string    `json:"assigned_to,omitempty"`
	Author      *string    `json:"author,omitempty"`
}

// Patch is a partial update. Keys present are changed; a nil value clears a
// nullable field.
type Patch map[string]any

// BulkItem is one entry of a bulk update; it must carry "id".
type BulkItem map[string]any

// Event represents a change log entry.
type Event struct {
	ID        int64     `json:"id"`
	TS        time.Time `json:"ts"`
	Type      string    `json:"type"`
	TaskID    *int64    `json:"task_id,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	Payload   string    `json:"payload_json"`
}

// ListParams filters task listings. Zero values are omitted.
type ListParams struct {
	Skip     int
	Limit    int
	Status   string
	Priority string
}

func (p ListParams) query() url.Values {
	q := url.Values{}
	if p.Skip > 0 {
		q.Set("skip", strconv.Itoa(p.Skip))
	}
	if p.Limit > 0 {
		q.Set("limit", strconv.Itoa(p.Limit))
	}
	if p.Status != "" {
		q.Set("status", p.Status)
	}
	if p.Priority != "" {
		q.Set("priority", p.Priority)
	}
	return q
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	apiErr, ok := err.(*APIError)
	return ok && apiErr.StatusCode == http.StatusNotFound
}

// Health returns the health status string.
func (c *Client) Health(ctx context.Context) (string, error) {
	var resp struct {
		Status string `json:"status"`
	}
	err := c.do(ctx, http.MethodGet, "health", nil, &resp)
	return resp.Status, err
}

// CreateTask creates a task.
func (c *Client) CreateTask(ctx context.Context, t NewTask) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks", t, &resp)
	return resp, err
}

// GetTask fetches a task by id.
func (c *Client) GetTask(ctx context.Context, id int64) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("tasks/%d", id), nil, &resp)
	return resp, err
}

// ListTasks lists tasks ordered by id.
func (c *Client) ListTasks(ctx context.Context, p ListParams) ([]Task, error) {
	var resp []Task
	err := c.do(ctx, http.MethodGet, withQuery("tasks", p.query()), nil, &resp)
	return resp, err
}

// FilterTasks uses the combined filter route.
func (c *Client) FilterTasks(ctx context.Context, p ListParams) ([]Task, error) {
	var resp []Task
	err := c.do(ctx, http.MethodGet, withQuery("tasks/filter", p.query()), nil, &resp)
	return resp, err
}

// TasksByStatus lists tasks with one status.
func (c *Client) TasksByStatus(ctx context.Context, status string, skip, limit int) ([]Task, error) {
	var resp []Task
	q := ListParams{Skip: skip, Limit: limit}.query()
	err := c.do(ctx, http.MethodGet, withQuery("tasks/status/"+url.PathEscape(status), q), nil, &resp)
	return resp, err
}

// TasksByPriority lists tasks with one priority.
func (c *Client) TasksByPriority(ctx context.Context, priority string, skip, limit int) ([]Task, error) {
	var resp []Task
	q := ListParams{Skip: skip, Limit: limit}.query()
	err := c.do(ctx, http.MethodGet, withQuery("tasks/priority/"+url.PathEscape(priority), q), nil, &resp)
	return resp, err
}

// UpdateTask applies a partial update.
func (c *Client) UpdateTask(ctx context.Context, id int64, p Patch) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPatch, fmt.Sprintf("tasks/%d", id), p, &resp)
	return resp, err
}

// DeleteTask deletes a task.
func (c *Client) DeleteTask(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("tasks/%d", id), nil, nil)
}

// SortTasks returns every task ordered by field.
func (c *Client) SortTasks(ctx context.Context, field string) ([]Task, error) {
	var resp []Task
	err := c.do(ctx, http.MethodGet, "tasks/sort/"+url.PathEscape(field), nil, &resp)
	return resp, err
}

// SearchTasks matches text literally in title or description.
func (c *Client) SearchTasks(ctx context.Context, text string, skip, limit int) ([]Task, error) {
	q := ListParams{Skip: skip, Limit: limit}.query()
	q.Set("text", text)
	var resp []Task
	err := c.do(ctx, http.MethodGet, withQuery("tasks/search", q), nil, &resp)
	return resp, err
}

// BulkUpdate applies all items in one statement and returns the affected count.
func (c *Client) BulkUpdate(ctx context.Context, items []BulkItem) (int64, error) {
	var resp struct {
		Affected int64 `json:"affected"`
	}
	err := c.do(ctx, http.MethodPost, "tasks/bulk-update", map[string]any{"items": items}, &resp)
	return resp.Affected, err
}

// BulkDelete deletes all ids in one statement and returns the affected count.
func (c *Client) BulkDelete(ctx context.Context, ids []int64) (int64, error) {
	var resp struct {
		Affected int64 `json:"affected"`
	}
	err := c.do(ctx, http.MethodPost, "tasks/bulk-delete", map[string]any{"ids": ids}, &resp)
	return resp.Affected, err
}

// Events returns recent events, newest first. taskID 0 means all tasks.
func (c *Client) Events(ctx context.Context, limit int, taskID int64) ([]Event, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if taskID > 0 {
		q.Set("task_id", strconv.FormatInt(taskID, 10))
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, withQuery("events", q), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.RequestID != "" {
		req.Header.Set("X-Request-Id", c.RequestID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.Details = env.Error.Details
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
