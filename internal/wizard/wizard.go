// Package wizard drives a linear sequence of named steps whose position and
// form data survive restarts through the session store.
//
// Backward moves are always allowed. A forward move must satisfy the
// precondition of every step it enters.
package wizard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"LexTrack/internal/session"
)

// DefaultSaveDebounce is the minimum spacing of payload saves.
const DefaultSaveDebounce = 300 * time.Millisecond

var (
	// ErrInvalidTransition is the root of every rejected move.
	ErrInvalidTransition = errors.New("invalid wizard transition")
	// ErrStepOutOfRange is returned for targets outside the step list.
	ErrStepOutOfRange = fmt.Errorf("%w: step out of range", ErrInvalidTransition)
)

// PreconditionViolation reports the first step whose precondition did not
// hold during a forward move.
type PreconditionViolation struct {
	Step  string
	Index int
}

func (e *PreconditionViolation) Error() string {
	return fmt.Sprintf("precondition for step %q (%d) not met", e.Step, e.Index)
}

func (e *PreconditionViolation) Unwrap() error {
	return ErrInvalidTransition
}

// Step is one named wizard page. A nil Precondition always holds.
type Step struct {
	Name         string
	Precondition func(data map[string]any) bool
}

// Store is the part of the session store the controller uses
type Store interface {
	Save(ctx context.Context, key string, payload map[string]any)
	Load(ctx context.Context, key string) (*session.Session, bool)
	Clear(ctx context.Context, key string)
}

// Persisted payload fields
const (
	fieldStepIndex = "stepIndex"
	fieldStepName  = "stepName"
	fieldData      = "data"
)

// Controller is the wizard state machine for one session key
type Controller struct {
	ctx      context.Context
	store    Store
	key      string
	steps    []Step
	clock    clockwork.Clock
	debounce time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	index   int
	data    map[string]any
	pending clockwork.Timer
}

// Option configures a Controller
type Option func(*Controller)

func WithClock(c clockwork.Clock) Option {
	return func(w *Controller) { w.clock = c }
}

// WithSaveDebounce sets the minimum spacing of payload saves.
func WithSaveDebounce(d time.Duration) Option {
	return func(w *Controller) {
		if d >= 0 {
			w.debounce = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(w *Controller) { w.logger = l }
}

// New creates a controller and restores any saved state under sessionKey.
// ctx is used for every store call the controller makes.
func New(ctx context.Context, store Store, sessionKey string, steps []Step, opts ...Option) (*Controller, error) {
	if len(steps) == 0 {
		return nil, fmt.Errorf("wizard needs at least one step")
	}
	seen := make(map[string]bool, len(steps))
	for i, s := range steps {
		if s.Name == "" {
			return nil, fmt.Errorf("step %d has no name", i)
		}
		if seen[s.Name] {
			return nil, fmt.Errorf("duplicate step name %q", s.Name)
		}
		seen[s.Name] = true
	}

	w := &Controller{
		ctx:      ctx,
		store:    store,
		key:      sessionKey,
		steps:    steps,
		clock:    clockwork.NewRealClock(),
		debounce: DefaultSaveDebounce,
		logger:   slog.Default(),
		data:     make(map[string]any),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With("component", "wizard", "session_key", sessionKey)
	w.restore()
	return w, nil
}

// restore loads the saved position. Anything unusable resets the wizard.
func (w *Controller) restore() {
	sess, ok := w.store.Load(w.ctx, w.key)
	if !ok {
		return
	}

	index, name, data, err := decodeState(sess.Payload)
	if err == nil && (index < 0 || index >= len(w.steps)) {
		err = fmt.Errorf("step index %d out of range", index)
	}
	if err == nil && w.steps[index].Name != name {
		err = fmt.Errorf("step %d is %q, saved as %q", index, w.steps[index].Name, name)
	}
	if err != nil {
		w.logger.Warn("discarding unusable wizard state", "error", err)
		w.store.Clear(w.ctx, w.key)
		return
	}

	w.index = index
	w.data = data
	w.logger.Info("wizard state restored", "step", name)
}

func decodeState(payload map[string]any) (int, string, map[string]any, error) {
	rawIndex, ok := payload[fieldStepIndex].(float64)
	if !ok || rawIndex != float64(int(rawIndex)) {
		return 0, "", nil, fmt.Errorf("invalid %s", fieldStepIndex)
	}
	name, ok := payload[fieldStepName].(string)
	if !ok {
		return 0, "", nil, fmt.Errorf("invalid %s", fieldStepName)
	}
	data, ok := payload[fieldData].(map[string]any)
	if !ok {
		return 0, "", nil, fmt.Errorf("invalid %s", fieldData)
	}
	return int(rawIndex), name, data, nil
}

// Index returns the current step index.
func (w *Controller) Index() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.index
}

// Current returns the current step name.
func (w *Controller) Current() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.steps[w.index].Name
}

// Steps returns the step names in order.
func (w *Controller) Steps() []string {
	names := make([]string, len(w.steps))
	for i, s := range w.steps {
		names[i] = s.Name
	}
	return names
}

// Data returns a shallow copy of the payload.
func (w *Controller) Data() map[string]any {
	w.mu.Lock()
	defer w.mu.Unlock()
	return maps.Clone(w.data)
}

// GoTo moves to target and saves immediately.
func (w *Controller) GoTo(target int) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if target < 0 || target >= len(w.steps) {
		return fmt.Errorf("%w: %d not in [0,%d)", ErrStepOutOfRange, target, len(w.steps))
	}
	for i := w.index + 1; i <= target; i++ {
		pre := w.steps[i].Precondition
		if pre != nil && !pre(maps.Clone(w.data)) {
			return &PreconditionViolation{Step: w.steps[i].Name, Index: i}
		}
	}

	if target != w.index {
		w.logger.Debug("step changed", "from", w.steps[w.index].Name, "to", w.steps[target].Name)
	}
	w.index = target
	w.saveLocked()
	return nil
}

// Next moves one step forward.
func (w *Controller) Next() error {
	return w.GoTo(w.Index() + 1)
}

// Back moves one step backward.
func (w *Controller) Back() error {
	return w.GoTo(w.Index() - 1)
}

// GoToStep moves to the step called name.
func (w *Controller) GoToStep(name string) error {
	for i, s := range w.steps {
		if s.Name == name {
			return w.GoTo(i)
		}
	}
	return fmt.Errorf("%w: unknown step %q", ErrStepOutOfRange, name)
}

// UpdatePayload merges partial into the payload. The save is deferred so
// that at most one save happens per debounce interval; the last update is
// always written.
func (w *Controller) UpdatePayload(partial map[string]any) {
	w.mu.Lock()
	defer w.mu.Unlock()

	maps.Copy(w.data, partial)
	if w.debounce == 0 {
		w.saveLocked()
		return
	}
	if w.pending != nil {
		return
	}
	w.pending = w.clock.AfterFunc(w.debounce, w.flushPending)
}

func (w *Controller) flushPending() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending == nil {
		return
	}
	w.pending = nil
	w.store.Save(w.ctx, w.key, w.stateLocked())
}

// Flush writes any deferred payload change now.
func (w *Controller) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending == nil {
		return
	}
	w.saveLocked()
}

// Close flushes pending changes. The controller stays usable.
func (w *Controller) Close() {
	w.Flush()
}

// Reset returns to the first step with an empty payload and clears the
// saved session.
func (w *Controller) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.stopPendingLocked()
	w.index = 0
	w.data = make(map[string]any)
	w.store.Clear(w.ctx, w.key)
	w.logger.Info("wizard reset")
}

func (w *Controller) saveLocked() {
	w.stopPendingLocked()
	w.store.Save(w.ctx, w.key, w.stateLocked())
}

func (w *Controller) stopPendingLocked() {
	if w.pending != nil {
		w.pending.Stop()
		w.pending = nil
	}
}

func (w *Controller) stateLocked() map[string]any {
	return map[string]any{
		fieldStepIndex: float64(w.index),
		fieldStepName:  w.steps[w.index].Name,
		fieldData:      maps.Clone(w.data),
	}
}
