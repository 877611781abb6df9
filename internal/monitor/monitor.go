// Package monitor observes backend tasks until they finish.
//
// Each tracked task gets a Handle that prefers the WebSocket push channel,
// reconnects with capped exponential backoff and, once the reconnect budget
// is spent, falls back to HTTP polling for the rest of its life. Completion
// and failure are delivered at most once per Handle no matter how many
// sources report them.
package monitor

import (
	"context"
	"log/slog"
	"sync"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/trace"

	"LexTrack/internal/config"
	"LexTrack/internal/telemetry"
	"LexTrack/internal/transport"
)

// Monitor starts and owns task handles
type Monitor struct {
	dialer  transport.Dialer
	poller  transport.Poller
	cfg     config.TrackerConfig
	clock   clockwork.Clock
	logger  *slog.Logger
	metrics *telemetry.Metrics
	tracer  trace.Tracer

	handles *registry
}

// Option configures a Monitor
type Option func(*Monitor)

func WithConfig(cfg config.TrackerConfig) Option {
	return func(m *Monitor) { m.cfg = cfg }
}

func WithClock(c clockwork.Clock) Option {
	return func(m *Monitor) { m.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(m *Monitor) { m.metrics = metrics }
}

func WithTracer(t trace.Tracer) Option {
	return func(m *Monitor) { m.tracer = t }
}

// New creates a monitor. A nil dialer disables the push channel and every
// handle polls from the start.
func New(dialer transport.Dialer, poller transport.Poller, opts ...Option) *Monitor {
	m := &Monitor{
		dialer:  dialer,
		poller:  poller,
		cfg:     config.DefaultTrackerConfig(),
		clock:   clockwork.NewRealClock(),
		logger:  slog.Default(),
		handles: newRegistry(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.tracer == nil {
		m.tracer = telemetry.Tracer()
	}
	m.logger = m.logger.With("component", "monitor")
	return m
}

// Track starts observing taskID and returns immediately. The handle stops on
// a terminal status, on Cancel, or when ctx ends.
func (m *Monitor) Track(ctx context.Context, taskID, token string, cb Callbacks) *Handle {
	h := newHandle(ctx, m, taskID, token, cb)
	m.handles.register(h)
	go h.run()
	return h
}

// Active returns the handles that are still running.
func (m *Monitor) Active() []*Handle {
	return m.handles.all()
}

// Close cancels every handle and waits for their goroutines to exit.
func (m *Monitor) Close() {
	for _, h := range m.handles.all() {
		h.Cancel()
	}
	for _, h := range m.handles.all() {
		<-h.Done()
	}
}

// registry tracks live handles
type registry struct {
	handles map[*Handle]struct{}
	mu      sync.RWMutex
}

func newRegistry() *registry {
	return &registry{handles: make(map[*Handle]struct{})}
}

func (r *registry) register(h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handles[h] = struct{}{}
}

func (r *registry) remove(h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handles, h)
}

func (r *registry) all() []*Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handles := make([]*Handle, 0, len(r.handles))
	for h := range r.handles {
		handles = append(handles, h)
	}
	return handles
}
