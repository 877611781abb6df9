package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"LexTrack/internal/config"
	"LexTrack/internal/task"
	"LexTrack/internal/transport"
)

var errConnClosed = errors.New("connection closed")

type fakeConn struct {
	frames    chan []byte
	errs      chan error
	sent      chan task.ClientMessage
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		frames: make(chan []byte, 16),
		errs:   make(chan error, 1),
		sent:   make(chan task.ClientMessage, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) push(frame string) {
	c.frames <- []byte(frame)
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.frames:
		return data, nil
	case err := <-c.errs:
		return nil, err
	case <-c.closed:
		return nil, errConnClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Send(_ context.Context, msg task.ClientMessage) error {
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}
	select {
	case c.sent <- msg:
	default:
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// fakeDialer either refuses every dial or hands out fresh fakeConns.
type fakeDialer struct {
	fail     atomic.Bool
	attempts atomic.Int32
	opened   chan *fakeConn
}

func newFakeDialer(fail bool) *fakeDialer {
	d := &fakeDialer{opened: make(chan *fakeConn, 8)}
	d.fail.Store(fail)
	return d
}

func (d *fakeDialer) Dial(ctx context.Context, taskID, token string) (transport.Conn, error) {
	d.attempts.Add(1)
	if d.fail.Load() {
		return nil, errors.New("connection refused")
	}
	conn := newFakeConn()
	d.opened <- conn
	return conn, nil
}

func (d *fakeDialer) next(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case conn := <-d.opened:
		return conn
	case <-time.After(5 * time.Second):
		t.Fatal("no connection was opened")
		return nil
	}
}

// hangingDialer never connects; Dial returns only when its ctx ends.
type hangingDialer struct {
	attempts atomic.Int32
}

func (d *hangingDialer) Dial(ctx context.Context, taskID, token string) (transport.Conn, error) {
	d.attempts.Add(1)
	<-ctx.Done()
	return nil, ctx.Err()
}

type fakePoller struct {
	mu    sync.Mutex
	snap  task.Task
	err   error
	calls atomic.Int32
}

func (p *fakePoller) set(snap task.Task, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snap, p.err = snap, err
}

func (p *fakePoller) FetchTask(ctx context.Context, taskID, token string) (task.Task, error) {
	p.calls.Add(1)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return task.Task{}, p.err
	}
	snap := p.snap
	snap.ID = taskID
	return snap, nil
}

// gatedPoller holds every fetch until release is closed.
type gatedPoller struct {
	*fakePoller
	release chan struct{}
	served  atomic.Int32
}

func newGatedPoller(snap task.Task) *gatedPoller {
	p := &gatedPoller{fakePoller: &fakePoller{}, release: make(chan struct{})}
	p.set(snap, nil)
	return p
}

func (p *gatedPoller) FetchTask(ctx context.Context, taskID, token string) (task.Task, error) {
	select {
	case <-p.release:
	case <-ctx.Done():
		return task.Task{}, ctx.Err()
	}
	defer p.served.Add(1)
	return p.fakePoller.FetchTask(ctx, taskID, token)
}

// calls is what a recorder has seen so far.
type calls struct {
	progress     []task.Task
	completed    []json.RawMessage
	failed       []error
	connected    int
	disconnected int
	states       []ConnectionState
	total        int
}

// recorder collects callback invocations.
type recorder struct {
	mu sync.Mutex
	calls
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnProgress: func(t task.Task) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.progress = append(r.progress, t)
			r.total++
		},
		OnCompleted: func(result json.RawMessage) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.completed = append(r.completed, result)
			r.total++
		},
		OnFailed: func(err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.failed = append(r.failed, err)
			r.total++
		},
		OnConnected: func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.connected++
			r.total++
		},
		OnDisconnected: func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.disconnected++
			r.total++
		},
		OnStateChange: func(s ConnectionState) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.states = append(r.states, s)
			r.total++
		},
	}
}

func (r *recorder) snapshot() calls {
	r.mu.Lock()
	defer r.mu.Unlock()
	return calls{
		progress:     append([]task.Task(nil), r.progress...),
		completed:    append([]json.RawMessage(nil), r.completed...),
		failed:       append([]error(nil), r.failed...),
		connected:    r.connected,
		disconnected: r.disconnected,
		states:       append([]ConnectionState(nil), r.states...),
		total:        r.total,
	}
}

func testConfig() config.TrackerConfig {
	cfg := config.DefaultTrackerConfig()
	cfg.ResyncOnConnect = false
	return cfg
}

func newTestMonitor(dialer transport.Dialer, poller transport.Poller, clock clockwork.Clock, cfg config.TrackerConfig) *Monitor {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(dialer, poller, WithClock(clock), WithConfig(cfg), WithLogger(logger))
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func waitDone(t *testing.T, h *Handle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("handle for %s did not stop", h.TaskID())
	}
}

// awaitBackoff waits until h has made dials attempts and sleeps before the
// next one.
func awaitBackoff(t *testing.T, ctx context.Context, clock *clockwork.FakeClock, h *Handle, dialer *fakeDialer, dials int32) {
	t.Helper()
	eventually(t, func() bool {
		return dialer.attempts.Load() == dials && h.State() == Reconnecting
	}, "backing off")
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, 5*time.Millisecond, msg)
}
