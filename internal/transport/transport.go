// Package transport talks to the task backend: a WebSocket push channel on
// WS /tasks/{id} and plain HTTP on GET /tasks/{id} and POST /tasks.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	"LexTrack/internal/task"
)

// Conn is one open push channel for a single task
type Conn interface {
	// Read blocks until the next frame arrives, the channel fails or ctx ends.
	Read(ctx context.Context) ([]byte, error)

	// Send writes one client frame.
	Send(ctx context.Context, msg task.ClientMessage) error

	// Close tears the channel down. Safe to call more than once.
	Close() error
}

// Dialer opens push channels
type Dialer interface {
	Dial(ctx context.Context, taskID, token string) (Conn, error)
}

// Poller fetches the authoritative task snapshot
type Poller interface {
	FetchTask(ctx context.Context, taskID, token string) (task.Task, error)
}

// Error is a transport failure. It never reaches monitor callbacks; the
// monitor logs it and retries.
type Error struct {
	Op         string // dial, read, send, fetch, submit
	TaskID     string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.TaskID != "" {
		b.WriteString(" task ")
		b.WriteString(e.TaskID)
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": HTTP %d", e.StatusCode)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Temporary reports whether retrying the same call may succeed.
func (e *Error) Temporary() bool {
	if e.StatusCode != 0 {
		return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
	}
	if errors.Is(e.Err, context.Canceled) {
		return false
	}
	var netErr net.Error
	if errors.As(e.Err, &netErr) {
		return true
	}
	return errors.Is(e.Err, context.DeadlineExceeded)
}

// IsTemporary reports whether err is a temporary transport error.
func IsTemporary(err error) bool {
	var te *Error
	return errors.As(err, &te) && te.Temporary()
}

// TaskURL returns the HTTP endpoint of a task.
func TaskURL(baseURL, taskID string) (string, error) {
	u, err := parseBase(baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	return u.JoinPath("tasks", taskID).String(), nil
}

// PushURL returns the WebSocket endpoint of a task with the token as a query
// parameter. http and https map to ws and wss.
func PushURL(baseURL, taskID, token string) (string, error) {
	u, err := parseBase(baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u = u.JoinPath("tasks", taskID)
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func parseBase(baseURL string) (*url.URL, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse base URL: %w", err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported base URL scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("base URL %q has no host", baseURL)
	}
	return u, nil
}
