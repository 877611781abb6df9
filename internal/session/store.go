// Package session persists one JSON payload per feature page with expiry.
//
// Sessions are recovery aids, not a source of truth: every storage failure is
// logged and absorbed, and concurrent writers to one key are last-write-wins.
package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"LexTrack/internal/storage"
	"LexTrack/internal/telemetry"
)

// DefaultExpiration applies when no expiration is configured.
const DefaultExpiration = 24 * time.Hour

// Store is the session store over a storage backend
type Store struct {
	backend    storage.Backend
	expiration time.Duration
	clock      clockwork.Clock
	logger     *slog.Logger
	metrics    *telemetry.Metrics
}

// Option configures a Store
type Option func(*Store)

// WithExpiration sets how long a saved session stays loadable.
func WithExpiration(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.expiration = d
		}
	}
}

func WithClock(c clockwork.Clock) Option {
	return func(s *Store) { s.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// NewStore creates a session store over backend.
func NewStore(backend storage.Backend, opts ...Option) *Store {
	s := &Store{
		backend:    backend,
		expiration: DefaultExpiration,
		clock:      clockwork.NewRealClock(),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "session")
	return s
}

// Expiration returns the configured session lifetime.
func (s *Store) Expiration() time.Duration {
	return s.expiration
}

// Save overwrites the session under key with payload stamped with the
// current time. Failures are logged and dropped.
func (s *Store) Save(ctx context.Context, key string, payload map[string]any) {
	data, err := encode(s.clock.Now(), payload)
	if err != nil {
		s.logger.Warn("failed to encode session, not saved", "key", key, "error", err)
		s.metrics.RecordSessionWrite(ctx, err)
		return
	}

	err = s.backend.Set(ctx, key, data)
	s.metrics.RecordSessionWrite(ctx, err)
	if err != nil {
		if errors.Is(err, storage.ErrQuotaExceeded) {
			s.logger.Warn("storage quota exceeded, session not saved", "key", key, "bytes", len(data))
			return
		}
		s.logger.Warn("failed to save session", "key", key, "error", err)
		return
	}
	s.logger.Debug("session saved", "key", key, "bytes", len(data))
}

// Load returns the session under key. Absent, expired and corrupt entries all
// report false; expired and corrupt entries are deleted by this read.
func (s *Store) Load(ctx context.Context, key string) (*Session, bool) {
	return s.load(ctx, key, true)
}

// Exists reports whether Load would return a session, without deleting anything.
func (s *Store) Exists(ctx context.Context, key string) bool {
	_, ok := s.load(ctx, key, false)
	return ok
}

// Clear removes the session under key. Clearing an absent key is a no-op.
func (s *Store) Clear(ctx context.Context, key string) {
	if err := s.backend.Delete(ctx, key); err != nil {
		s.logger.Warn("failed to clear session", "key", key, "error", err)
		return
	}
	s.logger.Debug("session cleared", "key", key)
}

func (s *Store) load(ctx context.Context, key string, purge bool) (*Session, bool) {
	data, err := s.backend.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn("failed to read session", "key", key, "error", err)
		}
		return nil, false
	}

	rec, err := decode(data)
	if err != nil {
		s.logger.Warn("discarding corrupt session", "key", key, "error", err)
		if purge {
			s.Clear(ctx, key)
		}
		return nil, false
	}

	createdAt := time.UnixMilli(rec.CreatedAt)
	sess := &Session{
		Key:       key,
		CreatedAt: createdAt,
		ExpiresAt: createdAt.Add(s.expiration),
		Payload:   rec.Payload,
	}

	if sess.Expired(s.clock.Now()) {
		s.logger.Debug("session expired", "key", key, "expired_at", sess.ExpiresAt)
		if purge {
			s.Clear(ctx, key)
		}
		return nil, false
	}
	return sess, true
}
