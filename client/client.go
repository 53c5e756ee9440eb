// Package client submits recordings to the analysis service and polls for
// their results.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"audioinsight/task"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultPollInterval = 5 * time.Second
	DefaultMaxAttempts  = 60
)

var (
	// ErrPollTimeout means the polling budget ran out while the task was
	// still processing. The task itself may yet finish.
	ErrPollTimeout = errors.New("task did not finish within the polling budget")
	ErrNotFound    = errors.New("task not found")

	errStillProcessing = errors.New("task still processing")
)

// TaskFailedError is a failure reported by the server for the task.
type TaskFailedError struct {
	TaskID  string
	Message string
}

func (e *TaskFailedError) Error() string {
	return fmt.Sprintf("task %s failed: %s", e.TaskID, e.Message)
}

// StatusError is an unexpected HTTP answer.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

type Client struct {
	baseURL     string
	http        *http.Client
	interval    time.Duration
	maxAttempts int
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithPolling overrides the polling contract instead of asking the server.
func WithPolling(interval time.Duration, maxAttempts int) Option {
	return func(c *Client) {
		c.interval = interval
		c.maxAttempts = maxAttempts
	}
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		http:        &http.Client{Timeout: 2 * time.Minute},
		interval:    DefaultPollInterval,
		maxAttempts: DefaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// LoadPollingConfig adopts the interval and attempt budget advertised by the server.
func (c *Client) LoadPollingConfig(ctx context.Context) error {
	var cfg struct {
		PollIntervalMs int64 `json:"pollIntervalMs"`
		MaxAttempts    int   `json:"maxAttempts"`
	}
	if err := c.getJSON(ctx, "/api/v1/config", &cfg); err != nil {
		return err
	}
	if cfg.PollIntervalMs > 0 {
		c.interval = time.Duration(cfg.PollIntervalMs) * time.Millisecond
	}
	if cfg.MaxAttempts > 0 {
		c.maxAttempts = cfg.MaxAttempts
	}
	return nil
}

// Submit uploads a recording and returns the new task id.
func (c *Client) Submit(ctx context.Context, filename string, audio io.Reader, model string) (string, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, audio); err != nil {
		return "", fmt.Errorf("read audio: %w", err)
	}
	if model != "" {
		if err := w.WriteField("model", model); err != nil {
			return "", err
		}
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/tasks", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	var created struct {
		TaskID string `json:"taskId"`
	}
	if err := c.do(req, http.StatusAccepted, &created); err != nil {
		return "", err
	}
	return created.TaskID, nil
}

// Status fetches the current state of a task.
func (c *Client) Status(ctx context.Context, taskID string) (*task.Task, error) {
	var t task.Task
	if err := c.getJSON(ctx, "/api/v1/tasks/"+url.PathEscape(taskID), &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Wait polls a task at a fixed interval until it is terminal. onUpdate, if
// set, sees every processing snapshot.
func (c *Client) Wait(ctx context.Context, taskID string, onUpdate func(*task.Task)) (*task.Task, error) {
	var final *task.Task
	operation := func() error {
		t, err := c.Status(ctx, taskID)
		if err != nil {
			var se *StatusError
			if errors.Is(err, ErrNotFound) || (errors.As(err, &se) && se.StatusCode < 500) {
				return backoff.Permanent(err)
			}
			return err
		}
		switch t.Status {
		case task.StatusCompleted:
			final = t
			return nil
		case task.StatusFailed:
			return backoff.Permanent(&TaskFailedError{TaskID: taskID, Message: t.Error})
		}
		if onUpdate != nil {
			onUpdate(t)
		}
		return errStillProcessing
	}

	retries := c.maxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(c.interval), uint64(retries)), ctx)
	if err := backoff.Retry(operation, b); err != nil {
		if errors.Is(err, errStillProcessing) {
			return nil, ErrPollTimeout
		}
		return nil, err
	}
	return final, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, http.StatusOK, out)
}

func (c *Client) do(req *http.Request, want int, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		var e struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(raw, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(raw))
		}
		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%w: %s", ErrNotFound, e.Error)
		}
		return &StatusError{StatusCode: resp.StatusCode, Message: e.Error}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
