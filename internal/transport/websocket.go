package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"LexTrack/internal/task"
)

// WebSocketDialer opens push channels with gorilla/websocket
type WebSocketDialer struct {
	baseURL string
	dialer  *websocket.Dialer
	logger  *slog.Logger
}

// NewWebSocketDialer creates a dialer for the push endpoint under baseURL
func NewWebSocketDialer(baseURL string, logger *slog.Logger) (*WebSocketDialer, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if _, err := parseBase(baseURL); err != nil {
		return nil, err
	}

	d := *websocket.DefaultDialer
	return &WebSocketDialer{
		baseURL: baseURL,
		dialer:  &d,
		logger:  logger.With("component", "push"),
	}, nil
}

// Dial opens the push channel for taskID. ctx bounds the handshake only.
func (d *WebSocketDialer) Dial(ctx context.Context, taskID, token string) (Conn, error) {
	target, err := PushURL(d.baseURL, taskID, token)
	if err != nil {
		return nil, &Error{Op: "dial", TaskID: taskID, Err: err}
	}

	conn, resp, err := d.dialer.DialContext(ctx, target, nil)
	if err != nil {
		te := &Error{Op: "dial", TaskID: taskID, Err: err}
		if resp != nil {
			te.StatusCode = resp.StatusCode
		}
		return nil, te
	}

	d.logger.Debug("push channel open", "task_id", taskID)
	return &wsConn{taskID: taskID, conn: conn, logger: d.logger}, nil
}

// wsConn serializes writes; gorilla allows one concurrent reader and one
// concurrent writer.
type wsConn struct {
	taskID string
	conn   *websocket.Conn
	logger *slog.Logger
	mu     sync.Mutex
	closed bool
}

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, &Error{Op: "read", TaskID: c.taskID, Err: err}
	}
	// Unblock ReadMessage when ctx ends; the conn is unusable afterwards.
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				err = ctx.Err()
			}
			return nil, &Error{Op: "read", TaskID: c.taskID, Err: err}
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		return data, nil
	}
}

func (c *wsConn) Send(ctx context.Context, msg task.ClientMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return &Error{Op: "send", TaskID: c.taskID, Err: fmt.Errorf("connection is closed")}
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteJSON(msg); err != nil {
		return &Error{Op: "send", TaskID: c.taskID, Err: fmt.Errorf("failed to write frame: %w", err)}
	}
	return nil
}

func (c *wsConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	err := c.conn.Close()
	c.logger.Debug("push channel closed", "task_id", c.taskID)
	return err
}

// IsNormalClose reports whether err is a push channel close the server
// announced as normal.
func IsNormalClose(err error) bool {
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		return false
	}
	return ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway
}

var _ Dialer = (*WebSocketDialer)(nil)
