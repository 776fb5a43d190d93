// Package memory provides an in-memory implementation of the session store.
// It is suitable for development, testing, and single-instance deployments.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/jesusuzcategui/oauth-proxy-github/instrumentation"
	"github.com/jesusuzcategui/oauth-proxy-github/providers"
	"github.com/jesusuzcategui/oauth-proxy-github/security"
	"github.com/jesusuzcategui/oauth-proxy-github/storage"
)

// Store is an in-memory implementation of storage.SessionStore. Expired
// sessions are removed by a background cleanup goroutine; until then lookups
// still return them, and callers reject on ExpiresAt as they do for any
// backend.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*storage.Session

	// encryptor protects the OAuth token at rest (optional)
	encryptor *security.Encryptor

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	// sessionCountAtomic allows lock-free gauge collection
	sessionCountAtomic atomic.Int64

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	logger          *slog.Logger
}

// Compile-time interface check.
var _ storage.SessionStore = (*Store)(nil)

// New creates a new in-memory store with the default cleanup interval
// (1 minute).
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with a custom cleanup
// interval. If cleanupInterval is 0 or negative, 1 minute is used.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		sessions:        make(map[string]*storage.Session),
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetEncryptor sets the encryptor used for OAuth tokens at rest.
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.encryptor = enc
	if enc != nil && enc.IsEnabled() {
		s.logger.Info("Session token encryption at rest enabled")
	}
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
	s.sessionCountAtomic.Store(int64(len(s.sessions)))
	s.mu.Unlock()

	if inst != nil {
		if err := inst.RegisterSessionCountCallback(func() int64 {
			return s.sessionCountAtomic.Load()
		}); err != nil {
			s.logger.Warn("Failed to register session count callback", "error", err)
		}
	}
}

// Stop gracefully stops the cleanup goroutine.
func (s *Store) Stop() {
	close(s.stopCleanup)
}

// CreateSession durably records a new session. An existing id is an error.
func (s *Store) CreateSession(ctx context.Context, session *storage.Session) (err error) {
	ctx, span := s.startSpan(ctx, "create_session")
	defer span.End()
	start := time.Now()
	defer func() { s.recordOperation(ctx, span, "create_session", err, start) }()

	if session == nil {
		err = fmt.Errorf("session cannot be nil")
		return err
	}
	if err = session.Validate(); err != nil {
		return fmt.Errorf("invalid session: %w", err)
	}

	stored := *session
	if s.encryptor != nil && s.encryptor.IsEnabled() && stored.Grant.Kind == providers.GrantOAuth {
		encrypted, encErr := s.encryptor.Encrypt(stored.Grant.Token)
		if encErr != nil {
			err = fmt.Errorf("failed to encrypt grant token: %w", encErr)
			return err
		}
		stored.Grant.Token = encrypted
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[session.ID]; exists {
		err = fmt.Errorf("session %s already exists", security.HashForLogging(session.ID))
		return err
	}

	s.sessions[session.ID] = &stored
	s.sessionCountAtomic.Store(int64(len(s.sessions)))
	s.logger.Debug("Session created",
		"session_hash", security.HashForLogging(session.ID),
		"mechanism", session.Grant.Kind)
	return nil
}

// GetSession retrieves a session by id. Expiry is not checked here.
func (s *Store) GetSession(ctx context.Context, id string) (session *storage.Session, err error) {
	ctx, span := s.startSpan(ctx, "get_session")
	defer span.End()
	start := time.Now()
	defer func() { s.recordOperation(ctx, span, "get_session", err, start) }()

	if id == "" {
		err = fmt.Errorf("session id cannot be empty")
		return nil, err
	}

	s.mu.RLock()
	stored, ok := s.sessions[id]
	s.mu.RUnlock()

	if !ok {
		err = storage.ErrSessionNotFound
		return nil, err
	}

	result := *stored
	if s.encryptor != nil && s.encryptor.IsEnabled() && result.Grant.Kind == providers.GrantOAuth {
		plaintext, decErr := s.encryptor.Decrypt(result.Grant.Token)
		if decErr != nil {
			err = fmt.Errorf("failed to decrypt grant token: %w", decErr)
			return nil, err
		}
		result.Grant.Token = plaintext
	}

	return &result, nil
}

// Count returns the number of stored sessions, expired rows included.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanupExpired()
		case <-s.stopCleanup:
			return
		}
	}
}

// cleanupExpired removes sessions past their expiry.
func (s *Store) cleanupExpired() {
	now := time.Now()

	s.mu.Lock()
	removed := 0
	for id, session := range s.sessions {
		if session.Expired(now) {
			delete(s.sessions, id)
			removed++
		}
	}
	s.sessionCountAtomic.Store(int64(len(s.sessions)))
	s.mu.Unlock()

	if removed > 0 {
		s.logger.Debug("Cleaned up expired sessions", "removed", removed)
	}
}

// startSpan begins a storage span when instrumentation is configured.
func (s *Store) startSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	ctx, span := s.tracer.Start(ctx, "storage."+operation)
	instrumentation.AddStorageAttributes(span, operation, "memory")
	return ctx, span
}

// recordOperation records metrics and span status for a storage operation.
func (s *Store) recordOperation(ctx context.Context, span trace.Span, operation string, err error, start time.Time) {
	result := "success"
	if err != nil {
		result = "error"
		instrumentation.RecordError(span, err)
	} else {
		instrumentation.SetSpanSuccess(span)
	}
	if s.instrumentation != nil {
		durationMs := float64(time.Since(start).Microseconds()) / 1000.0
		s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
	}
}
