package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"LexTrack/internal/task"
	"LexTrack/internal/transport"
)

var (
	errHeartbeatTimeout = errors.New("no frame received within heartbeat timeout")
	errConnectTimeout   = errors.New("push channel did not answer within connect timeout")
)

// Handle is one tracking session for one task
type Handle struct {
	m      *Monitor
	taskID string
	token  string
	cb     Callbacks
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	cancelled atomic.Bool

	// dispatchMu is read-held while a callback is checked and run; Cancel
	// takes it to wait out a callback that already passed the check.
	dispatchMu  sync.RWMutex
	dispatching atomic.Bool

	stateMu sync.Mutex
	state   ConnectionState

	// owned by the run goroutine
	failures int
	terminal bool
	last     *task.Task
}

func newHandle(parent context.Context, m *Monitor, taskID, token string, cb Callbacks) *Handle {
	ctx, cancel := context.WithCancel(parent)
	return &Handle{
		m:      m,
		taskID: taskID,
		token:  token,
		cb:     cb,
		logger: m.logger.With("task_id", taskID),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		state:  Disconnected,
	}
}

// TaskID returns the tracked task id.
func (h *Handle) TaskID() string {
	return h.taskID
}

// State returns the current connection state.
func (h *Handle) State() ConnectionState {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	return h.state
}

// Done is closed when the handle has stopped.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the handle stops or ctx ends.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel stops tracking. It is idempotent, may be called from inside a
// callback, and no callback starts after it returns. Cancelling a handle that
// already reached a terminal status changes nothing.
func (h *Handle) Cancel() {
	if !h.cancelled.CompareAndSwap(false, true) {
		return
	}
	h.cancel()

	// A callback in progress may be the caller itself.
	if !h.dispatching.Load() {
		h.dispatchMu.Lock()
		h.dispatchMu.Unlock()
	}

	h.stateMu.Lock()
	if h.state != Terminal {
		h.state = Disconnected
	}
	h.stateMu.Unlock()
	h.logger.Debug("tracking cancelled")
}

func (h *Handle) run() {
	defer close(h.done)
	defer h.m.handles.remove(h)
	defer h.cancel()

	ctx, span := h.m.tracer.Start(h.ctx, "track_task",
		trace.WithAttributes(attribute.String("task.id", h.taskID)))
	defer span.End()

	if h.m.dialer == nil || h.m.cfg.DisablePush {
		h.poll(ctx)
	} else {
		h.push(ctx)
	}

	if !h.terminal {
		h.cancelled.Store(true)
		h.stateMu.Lock()
		h.state = Disconnected
		h.stateMu.Unlock()
		span.SetStatus(codes.Error, "tracking stopped before task finished")
		return
	}
	span.SetStatus(codes.Ok, "")
}

// push runs the connect/serve/reconnect cycle and hands over to polling once
// the reconnect budget is spent.
func (h *Handle) push(ctx context.Context) {
	for ctx.Err() == nil {
		h.setState(Connecting)

		conn, err := h.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			h.logger.Warn("push channel connect failed", "attempt", h.failures+1, "error", err)
			if !h.reconnect(ctx) {
				return
			}
			continue
		}

		h.failures = 0
		h.setState(Connected)
		h.dispatch(func() {
			if h.cb.OnConnected != nil {
				h.cb.OnConnected()
			}
		})

		err = h.serve(ctx, conn)
		_ = conn.Close()
		if h.terminal || ctx.Err() != nil {
			return
		}

		if transport.IsNormalClose(err) {
			h.logger.Info("push channel closed by server")
		} else {
			h.logger.Warn("push channel lost", "error", err)
		}
		h.dispatch(func() {
			if h.cb.OnDisconnected != nil {
				h.cb.OnDisconnected()
			}
		})
		if !h.reconnect(ctx) {
			return
		}
	}
}

func (h *Handle) dial(ctx context.Context) (transport.Conn, error) {
	dialCtx, cancel := h.withTimeout(ctx, h.m.cfg.ConnectTimeout, errConnectTimeout)
	defer cancel()
	conn, err := h.m.dialer.Dial(dialCtx, h.taskID, h.token)
	if err != nil && errors.Is(context.Cause(dialCtx), errConnectTimeout) {
		return nil, fmt.Errorf("%w: %w", errConnectTimeout, err)
	}
	return conn, err
}

// withTimeout bounds ctx by d on the monitor clock. The timer is stopped by
// the returned cancel.
func (h *Handle) withTimeout(ctx context.Context, d time.Duration, cause error) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(ctx)
	timer := h.m.clock.AfterFunc(d, func() { cancel(cause) })
	return ctx, func() {
		timer.Stop()
		cancel(nil)
	}
}

// reconnect waits out the backoff for the next attempt. Once the budget is
// spent it polls until the handle ends and reports false.
func (h *Handle) reconnect(ctx context.Context) bool {
	if h.failures >= h.m.cfg.MaxReconnectAttempts {
		h.logger.Warn("push reconnect budget exhausted, falling back to polling",
			"attempts", h.failures)
		h.m.metrics.RecordFallback(ctx)
		h.poll(ctx)
		return false
	}

	h.setState(Reconnecting)
	delay := h.m.cfg.Backoff(h.failures)
	h.failures++
	h.m.metrics.RecordReconnect(ctx)
	h.logger.Debug("reconnecting", "attempt", h.failures, "delay", delay)
	return h.sleep(ctx, delay)
}

// serve pumps one open push channel until it fails, the task finishes or ctx
// ends.
func (h *Handle) serve(ctx context.Context, conn transport.Conn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	frames := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		for {
			data, err := conn.Read(ctx)
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- data:
			case <-ctx.Done():
				return
			}
		}
	}()

	// A task may have moved while no channel was open.
	snapshots := make(chan task.Task, 1)
	if h.m.cfg.ResyncOnConnect && h.m.poller != nil {
		go func() {
			snap, err := h.fetch(ctx)
			if err != nil {
				if ctx.Err() == nil {
					h.logger.Debug("resync fetch failed", "error", err)
				}
				return
			}
			snapshots <- snap
		}()
	}

	heartbeat := h.m.clock.NewTicker(h.m.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	lastSeen := h.m.clock.Now()
	pushed := false

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-readErr:
			return err

		case data := <-frames:
			lastSeen = h.m.clock.Now()
			if h.handleFrame(ctx, data) {
				pushed = true
			}
			if h.terminal {
				return nil
			}

		case snap := <-snapshots:
			if h.staleResync(snap, pushed) {
				h.logger.Debug("dropping stale resync snapshot", "progress", snap.ProgressPercent)
				continue
			}
			h.apply(ctx, snap)
			if h.terminal {
				return nil
			}

		case <-heartbeat.Chan():
			if h.m.clock.Since(lastSeen) >= h.m.cfg.HeartbeatTimeout {
				return errHeartbeatTimeout
			}
			sendCtx, sendCancel := h.withTimeout(ctx, h.m.cfg.ConnectTimeout, errConnectTimeout)
			err := conn.Send(sendCtx, task.Ping)
			sendCancel()
			if err != nil {
				return err
			}
		}
	}
}

// handleFrame applies one push frame and reports whether it carried task
// state.
func (h *Handle) handleFrame(ctx context.Context, data []byte) bool {
	msg, err := task.DecodeServerMessage(data)
	if err != nil {
		h.logger.Warn("ignoring malformed push frame", "error", err, "bytes", len(data))
		h.m.metrics.RecordMalformedFrame(ctx)
		return false
	}
	if msg.TaskID != "" && msg.TaskID != h.taskID {
		h.logger.Warn("ignoring frame for another task", "frame_task_id", msg.TaskID)
		return false
	}
	if msg.Type == task.MessagePong {
		return false
	}
	h.apply(ctx, msg.Snapshot(h.taskID))
	return true
}

// staleResync reports whether a resync snapshot is older than what the push
// channel already delivered. Terminal snapshots are never stale.
func (h *Handle) staleResync(snap task.Task, pushed bool) bool {
	if snap.Status.Terminal() {
		return false
	}
	if pushed {
		return true
	}
	return h.last != nil && snap.ProgressPercent < h.last.ProgressPercent
}

// poll fetches immediately and then every PollInterval until the task
// finishes or ctx ends. Fetch errors of every kind are logged and retried.
func (h *Handle) poll(ctx context.Context) {
	if h.m.poller == nil {
		h.logger.Error("no poller configured, cannot fall back to polling")
		return
	}
	h.setState(Polling)
	for {
		snap, err := h.fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			h.logger.Warn("poll failed", "error", err, "temporary", transport.IsTemporary(err))
		} else {
			h.apply(ctx, snap)
			if h.terminal {
				return
			}
		}

		if !h.sleep(ctx, h.m.cfg.PollInterval) {
			return
		}
	}
}

func (h *Handle) fetch(ctx context.Context) (task.Task, error) {
	ctx, span := h.m.tracer.Start(ctx, "poll_task",
		trace.WithAttributes(attribute.String("task.id", h.taskID)))
	defer span.End()

	snap, err := h.m.poller.FetchTask(ctx, h.taskID, h.token)
	h.m.metrics.RecordPoll(ctx, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return task.Task{}, err
	}
	span.SetAttributes(attribute.String("task.status", string(snap.Status)))
	return snap, nil
}

// apply is the single entry point for snapshots from both sources. Terminal
// statuses are delivered once; repeated identical progress is dropped.
func (h *Handle) apply(ctx context.Context, snap task.Task) {
	if h.terminal || h.cancelled.Load() {
		return
	}

	switch snap.Status {
	case task.StatusCompleted:
		h.finish(ctx, snap)
		result := snap.Result
		h.dispatch(func() {
			if h.cb.OnCompleted != nil {
				h.cb.OnCompleted(result)
			}
		})

	case task.StatusFailed, task.StatusCancelled:
		h.finish(ctx, snap)
		failure := task.FailureOf(snap)
		h.dispatch(func() {
			if h.cb.OnFailed != nil {
				h.cb.OnFailed(failure)
			}
		})

	default:
		if h.last != nil && sameProgress(*h.last, snap) {
			return
		}
		h.last = &snap
		h.dispatch(func() {
			if h.cb.OnProgress != nil {
				h.cb.OnProgress(snap)
			}
		})
	}
}

func (h *Handle) finish(ctx context.Context, snap task.Task) {
	h.terminal = true
	h.m.metrics.RecordOutcome(ctx, string(snap.Status))
	h.logger.Info("task finished", "status", snap.Status)
	h.setState(Terminal)
}

func sameProgress(a, b task.Task) bool {
	return a.Status == b.Status && a.ProgressPercent == b.ProgressPercent && a.Stage() == b.Stage()
}

// setState records s and notifies OnStateChange. A cancelled handle stays
// disconnected.
func (h *Handle) setState(s ConnectionState) {
	h.stateMu.Lock()
	if h.cancelled.Load() || h.state == s {
		h.stateMu.Unlock()
		return
	}
	h.state = s
	h.stateMu.Unlock()

	h.logger.Debug("connection state changed", "state", s.String())
	h.dispatch(func() {
		if h.cb.OnStateChange != nil {
			h.cb.OnStateChange(s)
		}
	})
}

// dispatch runs fn unless the handle was cancelled.
func (h *Handle) dispatch(fn func()) {
	h.dispatchMu.RLock()
	defer h.dispatchMu.RUnlock()
	if h.cancelled.Load() {
		return
	}
	h.dispatching.Store(true)
	defer h.dispatching.Store(false)
	fn()
}

func (h *Handle) sleep(ctx context.Context, d time.Duration) bool {
	timer := h.m.clock.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.Chan():
		return true
	}
}
