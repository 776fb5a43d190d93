// Package postgres provides a PostgreSQL-backed implementation of the
// session store using pgx connection pooling. It is the recommended backend
// when more than one broker instance serves the same WordPress fleet.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/trace"

	"github.com/jesusuzcategui/oauth-proxy-github/instrumentation"
	"github.com/jesusuzcategui/oauth-proxy-github/providers"
	"github.com/jesusuzcategui/oauth-proxy-github/security"
	"github.com/jesusuzcategui/oauth-proxy-github/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS broker_sessions (
	id               TEXT PRIMARY KEY,
	grant_kind       TEXT NOT NULL,
	grant_token      TEXT NOT NULL DEFAULT '',
	installation_id  BIGINT NOT NULL DEFAULT 0,
	login            TEXT NOT NULL DEFAULT '',
	name             TEXT NOT NULL DEFAULT '',
	avatar_url       TEXT NOT NULL DEFAULT '',
	account_type     TEXT NOT NULL DEFAULT '',
	origin_site      TEXT NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL,
	expires_at       TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS broker_sessions_expires_at_idx
	ON broker_sessions (expires_at);
`

// Store is a PostgreSQL implementation of storage.SessionStore. Expired rows
// are reaped by a background goroutine; a lookup racing the reaper may still
// return an expired row, which callers reject on ExpiresAt.
type Store struct {
	pool      *pgxpool.Pool
	encryptor *security.Encryptor

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	logger          *slog.Logger
}

var _ storage.SessionStore = (*Store)(nil)

// New connects to PostgreSQL using the given connection string, ensures the
// session schema exists, and starts the expired-session reaper.
func New(ctx context.Context, connString string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ensure session schema: %w", err)
	}

	s := &Store{
		pool:            pool,
		cleanupInterval: time.Minute,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	go s.cleanupLoop()

	return s, nil
}

// SetLogger sets a custom logger.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// SetEncryptor sets the encryptor used for OAuth tokens at rest.
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.encryptor = enc
	if enc != nil && enc.IsEnabled() {
		s.logger.Info("Session token encryption at rest enabled")
	}
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
		if err := inst.RegisterSessionCountCallback(s.countSessions); err != nil {
			s.logger.Warn("Failed to register session count callback", "error", err)
		}
	}
}

// Stop stops the reaper and closes the connection pool.
func (s *Store) Stop() {
	close(s.stopCleanup)
	s.pool.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
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

	token := session.Grant.Token
	if s.encryptor != nil && s.encryptor.IsEnabled() && session.Grant.Kind == providers.GrantOAuth {
		token, err = s.encryptor.Encrypt(token)
		if err != nil {
			return fmt.Errorf("failed to encrypt grant token: %w", err)
		}
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO broker_sessions
			(id, grant_kind, grant_token, installation_id,
			 login, name, avatar_url, account_type,
			 origin_site, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		session.ID, string(session.Grant.Kind), token, session.Grant.InstallationID,
		session.Identity.Login, session.Identity.Name, session.Identity.AvatarURL, session.Identity.AccountType,
		session.OriginSite, session.CreatedAt, session.ExpiresAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			err = fmt.Errorf("session %s already exists", security.HashForLogging(session.ID))
			return err
		}
		err = fmt.Errorf("failed to insert session: %w", err)
		return err
	}

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

	var (
		result storage.Session
		kind   string
	)
	err = s.pool.QueryRow(ctx, `
		SELECT id, grant_kind, grant_token, installation_id,
		       login, name, avatar_url, account_type,
		       origin_site, created_at, expires_at
		FROM broker_sessions
		WHERE id = $1`, id).Scan(
		&result.ID, &kind, &result.Grant.Token, &result.Grant.InstallationID,
		&result.Identity.Login, &result.Identity.Name, &result.Identity.AvatarURL, &result.Identity.AccountType,
		&result.OriginSite, &result.CreatedAt, &result.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = storage.ErrSessionNotFound
			return nil, err
		}
		err = fmt.Errorf("failed to query session: %w", err)
		return nil, err
	}
	result.Grant.Kind = providers.GrantKind(kind)

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

func (s *Store) countSessions() int64 {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var count int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM broker_sessions`).Scan(&count); err != nil {
		return 0
	}
	return count
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

func (s *Store) cleanupExpired() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `DELETE FROM broker_sessions WHERE expires_at <= NOW()`)
	if err != nil {
		s.logger.Warn("Failed to clean up expired sessions", "error", err)
		return
	}
	if removed := tag.RowsAffected(); removed > 0 {
		s.logger.Debug("Cleaned up expired sessions", "removed", removed)
	}
}

func (s *Store) startSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	ctx, span := s.tracer.Start(ctx, "storage."+operation)
	instrumentation.AddStorageAttributes(span, operation, "postgres")
	return ctx, span
}

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
