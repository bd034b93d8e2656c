package client

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

	"github.com/cuemby/magpie/pkg/api"
	"github.com/cuemby/magpie/pkg/errdefs"
	"github.com/cuemby/magpie/pkg/scheduler"
	"github.com/cuemby/magpie/pkg/types"
)

const (
	callTimeout   = 10 * time.Second
	probeTimeout  = 35 * time.Second
	streamTimeout = 10 * time.Minute
)

// Client wraps the service REST API for easy CLI usage
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a client for the API at baseURL. An empty token
// leaves requests unauthenticated.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{},
	}
}

// SubmitDownload enqueues a new acquisition task
func (c *Client) SubmitDownload(req api.DownloadRequest) (*api.TaskResponse, error) {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	var resp api.TaskResponse
	if err := c.do(ctx, http.MethodPost, "/api/download", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// TaskStatus gets the durable state of a task
func (c *Client) TaskStatus(taskID string) (*api.TaskStatusResponse, error) {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	var resp api.TaskStatusResponse
	if err := c.do(ctx, http.MethodGet, "/api/status/"+url.PathEscape(taskID), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Cancel stops a queued or running task
func (c *Client) Cancel(taskID string) (*api.TaskResponse, error) {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	var resp api.TaskResponse
	if err := c.do(ctx, http.MethodPost, "/api/cancel/"+url.PathEscape(taskID), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Delete removes a task, its artefact and its progress records
func (c *Client) Delete(taskID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	return c.do(ctx, http.MethodDelete, "/api/task/"+url.PathEscape(taskID), nil, nil)
}

// Info probes media metadata without creating a task. The deadline is
// wider than other calls because the server shells out to the extractor.
func (c *Client) Info(mediaURL string) (*types.MediaInfo, error) {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	var info types.MediaInfo
	if err := c.do(ctx, http.MethodGet, "/api/info?url="+url.QueryEscape(mediaURL), nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// ListTasks returns recent tasks, optionally filtered by status
func (c *Client) ListTasks(status string, limit int) ([]api.TaskSummary, error) {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/tasks"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var tasks []api.TaskSummary
	if err := c.do(ctx, http.MethodGet, path, nil, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// Progress gets the live snapshot of a task
func (c *Client) Progress(taskID string) (*types.Snapshot, error) {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	var snap types.Snapshot
	if err := c.do(ctx, http.MethodGet, "/api/progress/tasks/"+url.PathEscape(taskID), nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// QueueStats reports queue depth and slot usage
func (c *Client) QueueStats() (*scheduler.QueueStats, error) {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	var stats scheduler.QueueStats
	if err := c.do(ctx, http.MethodGet, "/api/queue/stats", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// Health probes the service health endpoint
func (c *Client) Health() (*api.HealthResponse, error) {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	var resp api.HealthResponse
	if err := c.do(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SaveArtefact streams a completed task's output file into w and
// returns the bytes copied
func (c *Client) SaveArtefact(taskID string, w io.Writer) (int64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), streamTimeout)
	defer cancel()

	req, err := c.newRequest(ctx, http.MethodGet, "/api/download/"+url.PathEscape(taskID), nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to reach API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, decodeError(resp)
	}
	return io.Copy(w, resp.Body)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body interface{}) (*http.Request, error) {
	var buf io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		buf = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, buf)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// decodeError rebuilds a typed error from the API's error envelope so
// callers can branch on the code the same way server code does
func decodeError(resp *http.Response) error {
	var envelope struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(data, &envelope); err != nil || envelope.Error == "" {
		return errdefs.New(kindForStatus(resp.StatusCode), errdefs.CodeInternal,
			fmt.Sprintf("API returned status %d", resp.StatusCode))
	}
	return errdefs.New(kindForStatus(resp.StatusCode), envelope.Error, envelope.Message)
}

func kindForStatus(status int) errdefs.Kind {
	switch status {
	case http.StatusBadRequest:
		return errdefs.KindValidation
	case http.StatusUnauthorized, http.StatusForbidden:
		return errdefs.KindAuth
	case http.StatusNotFound:
		return errdefs.KindNotFound
	case http.StatusRequestTimeout:
		return errdefs.KindTimeout
	case http.StatusConflict:
		return errdefs.KindInvalidState
	case http.StatusTooManyRequests:
		return errdefs.KindRateLimited
	case http.StatusInsufficientStorage:
		return errdefs.KindResourceExceeded
	case http.StatusServiceUnavailable:
		return errdefs.KindExternal
	default:
		return errdefs.KindInternal
	}
}
