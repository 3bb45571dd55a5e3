// Package taskclient is a Go client for the task processor REST and
// WebSocket APIs.
package taskclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Task mirrors the task resource returned by the server.
type Task struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Status       string     `json:"status"`
	Priority     string     `json:"priority"`
	DurationMS   uint64     `json:"duration_ms"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at"`
	ErrorMessage *string    `json:"error_message"`
}

// Terminal reports whether the task can no longer change state.
func (t Task) Terminal() bool {
	switch t.Status {
	case "Completed", "Failed", "Cancelled":
		return true
	}
	return false
}

// CreateRequest is the payload used to create a task. An empty Priority lets
// the server pick its default.
type CreateRequest struct {
	Name       string `json:"name"`
	DurationMS uint64 `json:"duration_ms"`
	Priority   string `json:"priority,omitempty"`
}

// Stats is the engine statistics snapshot.
type Stats struct {
	TotalTasks              int64   `json:"total_tasks"`
	Pending                 int64   `json:"pending"`
	Processing              int64   `json:"processing"`
	Completed               int64   `json:"completed"`
	Failed                  int64   `json:"failed"`
	Cancelled               int64   `json:"cancelled"`
	AverageProcessingTimeMS float64 `json:"average_processing_time_ms"`
}

// Health is the health check payload.
type Health struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Version string `json:"version"`
}

// Update is a single message received from the WebSocket stream.
type Update struct {
	Type string `json:"type"`
	Task Task   `json:"task"`
}

// APIError represents a non-2xx response.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("task api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("task api error (%d): %s", e.StatusCode, e.Message)
}

// ListOptions filters a task listing. Zero values are omitted.
type ListOptions struct {
	Statuses   []string
	Priorities []string
	Limit      int
	Offset     int
	Order      string
	Query      string
}

func (o ListOptions) values() url.Values {
	v := url.Values{}
	if len(o.Statuses) > 0 {
		v.Set("status", strings.Join(o.Statuses, ","))
	}
	if len(o.Priorities) > 0 {
		v.Set("priority", strings.Join(o.Priorities, ","))
	}
	if o.Limit > 0 {
		v.Set("limit", strconv.Itoa(o.Limit))
	}
	if o.Offset > 0 {
		v.Set("offset", strconv.Itoa(o.Offset))
	}
	if o.Order != "" {
		v.Set("order", o.Order)
	}
	if o.Query != "" {
		v.Set("q", o.Query)
	}
	return v
}

// Client wraps the HTTP interactions with the task processor API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	dialer     *websocket.Dialer
}

// NewClient instantiates a client. When httpClient is nil, a default client
// with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("invalid base url scheme %q", parsed.Scheme)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient, dialer: websocket.DefaultDialer}, nil
}

// Health checks that the server is up.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var health Health
	err := c.do(ctx, http.MethodGet, "/api/health", nil, nil, &health)
	return health, err
}

// Create submits a new task.
func (c *Client) Create(ctx context.Context, req CreateRequest) (Task, error) {
	var created Task
	err := c.do(ctx, http.MethodPost, "/api/tasks", nil, req, &created)
	return created, err
}

// Get fetches a task by identifier.
func (c *Client) Get(ctx context.Context, id string) (Task, error) {
	var found Task
	err := c.do(ctx, http.MethodGet, "/api/tasks/"+url.PathEscape(id), nil, nil, &found)
	return found, err
}

// List returns tasks matching opts.
func (c *Client) List(ctx context.Context, opts ListOptions) ([]Task, error) {
	var tasks []Task
	err := c.do(ctx, http.MethodGet, "/api/tasks", opts.values(), nil, &tasks)
	return tasks, err
}

// Cancel cancels a pending or processing task.
func (c *Client) Cancel(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/tasks/"+url.PathEscape(id)+"/cancel", nil, nil, nil)
}

// Stats fetches engine statistics.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	err := c.do(ctx, http.MethodGet, "/api/stats", nil, nil, &stats)
	return stats, err
}

// Wait polls until the task reaches a terminal state or ctx is done.
func (c *Client) Wait(ctx context.Context, id string, interval time.Duration) (Task, error) {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		found, err := c.Get(ctx, id)
		if err != nil {
			return Task{}, err
		}
		if found.Terminal() {
			return found, nil
		}
		select {
		case <-ctx.Done():
			return found, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Watch opens the update stream and delivers messages until ctx is done or
// the connection drops. The returned channel is closed on exit.
func (c *Client) Watch(ctx context.Context) (<-chan Update, error) {
	wsURL := *c.baseURL
	if wsURL.Scheme == "https" {
		wsURL.Scheme = "wss"
	} else {
		wsURL.Scheme = "ws"
	}
	wsURL.Path = path.Join(c.baseURL.Path, "/ws")

	conn, _, err := c.dialer.DialContext(ctx, wsURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial websocket: %w", err)
	}

	updates := make(chan Update)
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	go func() {
		defer close(updates)
		defer conn.Close()
		for {
			var update Update
			if err := conn.ReadJSON(&update); err != nil {
				return
			}
			select {
			case updates <- update:
			case <-ctx.Done():
				return
			}
		}
	}()
	return updates, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, query url.Values, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	u := c.baseURL.ResolveReference(&url.URL{Path: path.Join(c.baseURL.Path, endpoint)})
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		_ = json.Unmarshal(data, apiErr)
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
