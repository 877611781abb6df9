package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"LexTrack/internal/task"
)

// DefaultHTTPTimeout bounds one poll or submit round trip.
const DefaultHTTPTimeout = 15 * time.Second

// HTTPClient polls and submits tasks over plain HTTP
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHTTPClient creates a client for the task API under baseURL
func NewHTTPClient(baseURL string, logger *slog.Logger) (*HTTPClient, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if _, err := parseBase(baseURL); err != nil {
		return nil, err
	}

	return &HTTPClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: DefaultHTTPTimeout,
		},
		logger: logger.With("component", "poll"),
	}, nil
}

// FetchTask returns the current snapshot from GET /tasks/{taskID}.
func (c *HTTPClient) FetchTask(ctx context.Context, taskID, token string) (task.Task, error) {
	target, err := TaskURL(c.baseURL, taskID)
	if err != nil {
		return task.Task{}, &Error{Op: "fetch", TaskID: taskID, Err: err}
	}

	body, doErr := c.do(ctx, http.MethodGet, target, token, nil)
	if doErr != nil {
		doErr.Op, doErr.TaskID = "fetch", taskID
		return task.Task{}, doErr
	}

	snap, decErr := task.DecodeTask(taskID, body)
	if decErr != nil {
		return task.Task{}, &Error{Op: "fetch", TaskID: taskID, Err: decErr}
	}
	c.logger.Debug("fetched task", "task_id", taskID, "status", snap.Status, "progress", snap.ProgressPercent)
	return snap, nil
}

// SubmitTask starts a job with POST /tasks and returns its id.
func (c *HTTPClient) SubmitTask(ctx context.Context, token string, req task.SubmitRequest) (string, error) {
	target, err := parseBase(c.baseURL)
	if err != nil {
		return "", &Error{Op: "submit", Err: err}
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return "", &Error{Op: "submit", Err: fmt.Errorf("failed to marshal request: %w", err)}
	}

	body, doErr := c.do(ctx, http.MethodPost, target.JoinPath("tasks").String(), token, payload)
	if doErr != nil {
		doErr.Op = "submit"
		return "", doErr
	}

	var resp task.SubmitResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", &Error{Op: "submit", Err: fmt.Errorf("failed to unmarshal response: %w", err)}
	}
	if resp.TaskID == "" {
		return "", &Error{Op: "submit", Err: fmt.Errorf("response has no taskId")}
	}

	c.logger.Info("submitted task", "task_id", resp.TaskID, "type", req.Type)
	return resp.TaskID, nil
}

func (c *HTTPClient) do(ctx context.Context, method, target, token string, payload []byte) ([]byte, *Error) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, reqBody)
	if err != nil {
		return nil, &Error{Err: fmt.Errorf("failed to create HTTP request: %w", err)}
	}
	httpReq.Header.Set("Accept", "application/json")
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &Error{Err: err}
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return nil, &Error{
			StatusCode: httpResp.StatusCode,
			Err:        errors.New(strings.TrimSpace(string(body))),
		}
	}

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, &Error{Err: fmt.Errorf("failed to read response: %w", err)}
	}
	return body, nil
}

var _ Poller = (*HTTPClient)(nil)
