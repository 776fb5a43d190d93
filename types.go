package broker

import (
	"context"
	"time"

	"github.com/jesusuzcategui/oauth-proxy-github/providers"
	"github.com/jesusuzcategui/oauth-proxy-github/storage"
)

// Cookie names used during the handshake. Both are HTTP-only and scoped to
// the handshake TTL; they carry no secrets beyond the one-time state.
const (
	StateCookieName  = "oauth_state"
	OriginCookieName = "wordpress_site"
)

// SessionTokenParam is the name under which the session token travels in the
// completion redirect, request bodies, and query strings.
const SessionTokenParam = "session_token"

// Default lifetimes.
const (
	DefaultSessionTTL         = time.Hour
	DefaultHandshakeCookieTTL = time.Hour
)

// ResolvedSession is the result of successful session resolution: the stored
// session plus a live credential ready to be forwarded to GitHub.
type ResolvedSession struct {
	Session    *storage.Session
	Credential providers.Credential
	Identity   providers.Identity
}

// validateRequest is the JSON body accepted by the validation endpoint.
type validateRequest struct {
	SessionToken string `json:"session_token"`
}

// ValidateResponse is the JSON answer of the validation endpoint.
type ValidateResponse struct {
	Valid     bool               `json:"valid"`
	User      providers.Identity `json:"user"`
	ExpiresAt time.Time          `json:"expires_at"`
}

// errorResponse is the JSON error body shared by all endpoints.
type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

type resolvedSessionKey struct{}

// ContextWithResolved returns a context carrying a resolved session.
func ContextWithResolved(ctx context.Context, rs *ResolvedSession) context.Context {
	return context.WithValue(ctx, resolvedSessionKey{}, rs)
}

// ResolvedFromContext extracts the resolved session placed by the middleware.
func ResolvedFromContext(ctx context.Context) (*ResolvedSession, bool) {
	rs, ok := ctx.Value(resolvedSessionKey{}).(*ResolvedSession)
	return rs, ok
}
