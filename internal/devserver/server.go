// Package devserver is an in-process task backend for local runs and tests.
// It serves POST /tasks, GET /tasks/{id} and the WebSocket push channel on
// the same path, and lets callers drive task progress by hand.
package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"LexTrack/internal/task"
)

// ErrUnknownTask is returned by the control methods for ids never created.
var ErrUnknownTask = errors.New("unknown task")

// DefaultStages are the labels walked by auto-advance.
var DefaultStages = []string{"uploading", "text extraction", "clause analysis", "risk scoring", "report"}

// Server is the fake backend
type Server struct {
	token  string
	logger *slog.Logger
	clock  clockwork.Clock

	autoStep time.Duration
	stages   []string

	upgrader websocket.Upgrader
	router   chi.Router

	mu    sync.Mutex
	tasks map[string]*entry
	wg    sync.WaitGroup
	stop  chan struct{}
	once  sync.Once
}

type entry struct {
	kind  string
	input map[string]any
	task  task.Task
	subs  map[*subscriber]struct{}
}

type subscriber struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *subscriber) write(msg any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return s.conn.WriteJSON(msg)
}

// Option configures a Server
type Option func(*Server)

// WithToken requires token on every request, as a Bearer header or a
// token query parameter.
func WithToken(token string) Option {
	return func(s *Server) { s.token = token }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

func WithClock(c clockwork.Clock) Option {
	return func(s *Server) { s.clock = c }
}

// WithAutoAdvance moves every submitted task one stage per step and
// completes it after the last stage. Nil stages use DefaultStages.
func WithAutoAdvance(step time.Duration, stages []string) Option {
	return func(s *Server) {
		s.autoStep = step
		if len(stages) > 0 {
			s.stages = stages
		}
	}
}

// New creates a dev backend
func New(opts ...Option) *Server {
	s := &Server{
		logger: slog.Default(),
		clock:  clockwork.NewRealClock(),
		stages: DefaultStages,
		tasks:  make(map[string]*entry),
		stop:   make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "devserver")
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(requestLogger(s.logger))
	r.Use(recovery(s.logger))
	r.Use(tokenAuth(s.token))

	r.Route("/tasks", func(r chi.Router) {
		r.Post("/", s.handleSubmit)
		r.Get("/{id}", s.handleTask)
	})
	return r
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("dev backend listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.Close()
		return fmt.Errorf("failed to serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down: %w", err)
	}
	return nil
}

// Close stops auto-advance and drops every push connection.
func (s *Server) Close() {
	s.once.Do(func() { close(s.stop) })
	s.mu.Lock()
	for id := range s.tasks {
		s.dropLocked(id)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// CreateTask registers a pending task and returns its id.
func (s *Server) CreateTask(kind string, input map[string]any) string {
	id := uuid.NewString()

	s.mu.Lock()
	s.tasks[id] = &entry{
		kind:  kind,
		input: input,
		task:  task.Task{ID: id, Status: task.StatusPending},
		subs:  make(map[*subscriber]struct{}),
	}
	s.mu.Unlock()

	s.logger.Info("task created", "task_id", id, "type", kind)
	if s.autoStep > 0 {
		s.wg.Add(1)
		go s.advance(id)
	}
	return id
}

// Task returns the current snapshot of id.
func (s *Server) Task(id string) (task.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.tasks[id]
	if !ok {
		return task.Task{}, false
	}
	return e.task, true
}

// Subscribers returns the number of open push channels for id.
func (s *Server) Subscribers(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.tasks[id]; ok {
		return len(e.subs)
	}
	return 0
}

// SetProgress moves id to processing and pushes the update.
func (s *Server) SetProgress(id string, percent float64, stage string) error {
	return s.update(id, func(t *task.Task) {
		t.Status = task.StatusProcessing
		t.ProgressPercent = percent
		if stage != "" {
			t.CurrentStageLabel = &stage
		}
	})
}

// Complete finishes id with result.
func (s *Server) Complete(id string, result any) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	return s.update(id, func(t *task.Task) {
		t.Status = task.StatusCompleted
		t.Result = raw
	})
}

// Fail finishes id with message.
func (s *Server) Fail(id, message string) error {
	return s.update(id, func(t *task.Task) {
		t.Status = task.StatusFailed
		t.ErrorMessage = message
	})
}

// Cancel finishes id as cancelled.
func (s *Server) Cancel(id string) error {
	return s.update(id, func(t *task.Task) {
		t.Status = task.StatusCancelled
	})
}

// DropConnections closes every push channel for id without a close frame.
func (s *Server) DropConnections(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropLocked(id)
}

func (s *Server) dropLocked(id string) {
	e, ok := s.tasks[id]
	if !ok {
		return
	}
	for sub := range e.subs {
		_ = sub.conn.Close()
		delete(e.subs, sub)
	}
}

// update applies fn to a non-terminal task and broadcasts the result.
func (s *Server) update(id string, fn func(*task.Task)) error {
	s.mu.Lock()
	e, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	if e.task.Status.Terminal() {
		s.mu.Unlock()
		return fmt.Errorf("task %s already %s", id, e.task.Status)
	}
	fn(&e.task)
	e.task = e.task.Normalize()
	snap := e.task
	subs := make([]*subscriber, 0, len(e.subs))
	for sub := range e.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	frame := task.FrameFor(snap)
	for _, sub := range subs {
		if err := sub.write(frame); err != nil {
			s.logger.Debug("dropping subscriber", "task_id", id, "error", err)
			s.unsubscribe(id, sub)
		}
	}
	s.logger.Debug("task updated", "task_id", id, "status", snap.Status, "progress", snap.ProgressPercent)
	return nil
}

func (s *Server) advance(id string) {
	defer s.wg.Done()

	ticker := s.clock.NewTicker(s.autoStep)
	defer ticker.Stop()

	for i, stage := range s.stages {
		select {
		case <-s.stop:
			return
		case <-ticker.Chan():
		}
		percent := float64(i+1) * 100 / float64(len(s.stages)+1)
		if err := s.SetProgress(id, percent, stage); err != nil {
			return
		}
	}

	select {
	case <-s.stop:
		return
	case <-ticker.Chan():
	}

	s.mu.Lock()
	kind := s.tasks[id].kind
	s.mu.Unlock()
	_ = s.Complete(id, map[string]any{
		"type":    kind,
		"summary": fmt.Sprintf("%s finished after %d stages", kind, len(s.stages)),
	})
}

func (s *Server) subscribe(id string, sub *subscriber) (task.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.tasks[id]
	if !ok {
		return task.Task{}, false
	}
	e.subs[sub] = struct{}{}
	return e.task, true
}

func (s *Server) unsubscribe(id string, sub *subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.tasks[id]; ok {
		delete(e.subs, sub)
	}
	_ = sub.conn.Close()
}
