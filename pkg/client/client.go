package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aivillage/hub/pkg/types"
)

// Client is a typed HTTP client for the hub API, for CLI and test usage
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the hub at baseURL, e.g. "http://localhost:8000"
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// APIError is a non-2xx response from the hub
type APIError struct {
	StatusCode    int
	Message       string
	CorrelationID string
}

func (e *APIError) Error() string {
	if e.CorrelationID != "" {
		return fmt.Sprintf("hub returned %d: %s (correlation %s)", e.StatusCode, e.Message, e.CorrelationID)
	}
	return fmt.Sprintf("hub returned %d: %s", e.StatusCode, e.Message)
}

// CreateTask submits a task and returns its id
func (c *Client) CreateTask(ctx context.Context, text string) (int64, error) {
	var resp struct {
		TaskID int64 `json:"task_id"`
	}
	err := c.do(ctx, http.MethodPost, "/task", map[string]string{"text": text}, &resp)
	return resp.TaskID, err
}

// TaskDetail is the full view of one task
type TaskDetail struct {
	Task      *types.Task            `json:"task"`
	Progress  []*types.ProgressEntry `json:"progress"`
	Artifacts []*types.Artifact      `json:"artifacts"`
}

// GetTask fetches a task with its progress and artifacts
func (c *Client) GetTask(ctx context.Context, taskID int64) (*TaskDetail, error) {
	var detail TaskDetail
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/task/%d", taskID), nil, &detail); err != nil {
		return nil, err
	}
	return &detail, nil
}

// ListTasks fetches tasks matching the query, plus the total match count
func (c *Client) ListTasks(ctx context.Context, status types.Status, agentID string, limit, offset int) ([]*types.Task, int, error) {
	path := fmt.Sprintf("/tasks?limit=%d&offset=%d", limit, offset)
	if status != "" {
		path += "&status=" + string(status)
	}
	if agentID != "" {
		path += "&agent_id=" + agentID
	}
	var resp struct {
		Tasks []*types.Task `json:"tasks"`
		Total int           `json:"total"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, 0, err
	}
	return resp.Tasks, resp.Total, nil
}

// CancelTask asks the hub to cancel a task. The returned status is
// "cancelled" for a pending task or "cancel_requested" for a running one.
func (c *Client) CancelTask(ctx context.Context, taskID int64) (string, error) {
	var resp struct {
		Status string `json:"status"`
	}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/admin/tasks/%d/cancel", taskID), nil, &resp)
	return resp.Status, err
}

// PresignedArtifactURL returns a time-limited download URL for a screenshot
func (c *Client) PresignedArtifactURL(ctx context.Context, artifactID int64, ttl time.Duration) (string, error) {
	path := fmt.Sprintf("/artifacts/%d/presigned?ttl_seconds=%d", artifactID, int(ttl.Seconds()))
	var resp struct {
		URL string `json:"url"`
	}
	err := c.do(ctx, http.MethodGet, path, nil, &resp)
	return resp.URL, err
}

// Health runs the hub's deep health check. A 503 means a backend is down
// and reports as "unhealthy" rather than an error.
func (c *Client) Health(ctx context.Context) (string, error) {
	var resp struct {
		Status string `json:"status"`
	}
	err := c.do(ctx, http.MethodGet, "/health", nil, &resp)
	if apiErr, ok := err.(*APIError); ok && apiErr.StatusCode == http.StatusServiceUnavailable {
		return "unhealthy", nil
	}
	if err != nil {
		return "", err
	}
	return resp.Status, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reqBody = buf
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var e struct {
			Error         string `json:"error"`
			CorrelationID string `json:"correlation_id"`
		}
		if json.Unmarshal(data, &e) == nil {
			apiErr.Message = e.Error
			apiErr.CorrelationID = e.CorrelationID
		}
		return apiErr
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
