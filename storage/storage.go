// Package storage defines the session persistence contract. Sessions are the
// only persistent entity: created once on a successful handshake, read by the
// resolution middleware, never mutated, and invalidated solely by expiry.
// Backend implementations live in subpackages (memory, postgres, mock).
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jesusuzcategui/oauth-proxy-github/providers"
)

// ErrSessionNotFound is returned when no session exists for an id. Callers
// must translate it (and expired sessions) into an identical response so an
// attacker cannot distinguish unknown tokens from expired ones.
var ErrSessionNotFound = errors.New("session not found")

// Session is a durable record binding an opaque bearer token to a GitHub
// trust mechanism and the WordPress site that initiated the handshake.
type Session struct {
	// ID is the opaque session token: primary key and the bearer
	// credential handed to the client. Server-generated, crypto-random.
	ID string

	// Identity is the subject snapshot captured at handshake time. May be
	// empty when the identity fetch failed or for installation flows.
	Identity providers.Identity

	// Grant is the trust mechanism: an OAuth token or an installation id.
	Grant providers.Grant

	// OriginSite is the WordPress site URL the handshake redirects back to.
	OriginSite string

	// CreatedAt is when the handshake completed.
	CreatedAt time.Time

	// ExpiresAt is the absolute expiry; the session is invalid at or
	// after this instant.
	ExpiresAt time.Time
}

// Expired reports whether the session is invalid at the given instant.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Validate checks the session invariants enforced at creation.
func (s *Session) Validate() error {
	if s.ID == "" {
		return errors.New("session id is required")
	}
	if s.OriginSite == "" {
		return errors.New("origin site is required")
	}
	if s.ExpiresAt.IsZero() {
		return errors.New("expiry is required")
	}
	return s.Grant.Validate()
}

// SessionStore is the durable key-value persistence contract. Create and
// read are single-row atomic operations; no multi-row transactions are
// needed. Garbage collection of expired rows is an implementation concern.
type SessionStore interface {
	// CreateSession durably records a new session. The session must pass
	// Validate; an existing id is an error, never an overwrite.
	CreateSession(ctx context.Context, session *Session) error

	// GetSession retrieves a session by id. Returns ErrSessionNotFound if
	// no session exists. Expiry is not checked here; callers compare
	// ExpiresAt themselves.
	GetSession(ctx context.Context, id string) (*Session, error)
}
