// Package providers defines the credential provider interface that abstracts
// over the two GitHub trust mechanisms: classic OAuth app token exchange and
// GitHub App installation tokens.
package providers

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// GrantKind discriminates the trust mechanism held by a session.
type GrantKind string

const (
	// GrantOAuth is a long-lived OAuth access token obtained from a
	// code exchange. It is used directly as the API credential.
	GrantOAuth GrantKind = "oauth"

	// GrantInstallation is a GitHub App installation identifier. A
	// short-lived installation token is minted from it per request.
	GrantInstallation GrantKind = "installation"
)

// Grant is the tagged union persisted with a session. Exactly one variant
// must be populated: Token for GrantOAuth, InstallationID for
// GrantInstallation.
type Grant struct {
	Kind           GrantKind `json:"kind"`
	Token          string    `json:"token,omitempty"`
	InstallationID int64     `json:"installation_id,omitempty"`
}

// Validate checks that the grant has exactly one populated variant
// matching its kind.
func (g *Grant) Validate() error {
	switch g.Kind {
	case GrantOAuth:
		if g.Token == "" {
			return errors.New("oauth grant requires a token")
		}
		if g.InstallationID != 0 {
			return errors.New("oauth grant must not carry an installation id")
		}
	case GrantInstallation:
		if g.InstallationID == 0 {
			return errors.New("installation grant requires an installation id")
		}
		if g.Token != "" {
			return errors.New("installation grant must not carry a token")
		}
	default:
		return fmt.Errorf("unknown grant kind %q", g.Kind)
	}
	return nil
}

// Artifact carries the authorization artifacts received on the OAuth
// callback. Each strategy consumes the field it needs and rejects its
// absence.
type Artifact struct {
	// Code is the authorization code from a classic OAuth callback.
	Code string

	// InstallationID is the installation id from a GitHub App
	// installation callback.
	InstallationID int64
}

// Credential is a bearer token usable against the GitHub REST API.
// ExpiresAt is zero for non-expiring OAuth app tokens.
type Credential struct {
	Token     string
	ExpiresAt time.Time
}

// Identity is a denormalized snapshot of the external identity captured at
// handshake time. It may be empty for installation flows where no user
// profile is available.
type Identity struct {
	// Login is the GitHub login (user login or installation account login).
	Login string `json:"login"`

	// Name is the display name, if any.
	Name string `json:"name,omitempty"`

	// AvatarURL is the profile picture URL.
	AvatarURL string `json:"avatar_url,omitempty"`

	// AccountType is "User", "Organization", or "Bot".
	AccountType string `json:"account_type,omitempty"`
}

// Empty reports whether no identity was captured.
func (i *Identity) Empty() bool {
	return i == nil || i.Login == ""
}

// ErrRefreshNotSupported is returned by strategies whose grants are used
// directly as credentials and never refreshed.
var ErrRefreshNotSupported = errors.New("provider does not support credential refresh")

// Provider is the single capability both trust strategies implement. The
// handshake controller and the session middleware program against this
// interface and do not know which strategy is active.
type Provider interface {
	// Name returns the strategy name (e.g. "github-oauth", "github-app").
	Name() string

	// AuthorizationURL generates the external authorization URL with the
	// given anti-CSRF state parameter embedded.
	AuthorizationURL(state string) string

	// Exchange turns a callback artifact into a durable grant. A rejected
	// or unusable artifact is an error, never an empty grant.
	Exchange(ctx context.Context, artifact Artifact) (*Grant, error)

	// Refresh mints a short-lived credential for an installation grant.
	// Strategies without refresh semantics return ErrRefreshNotSupported.
	Refresh(ctx context.Context, installationID int64) (*Credential, error)

	// FetchIdentity retrieves the identity snapshot for a freshly
	// exchanged grant. Callers treat failures as non-fatal.
	FetchIdentity(ctx context.Context, grant *Grant) (*Identity, error)

	// HealthCheck verifies the upstream API is reachable.
	HealthCheck(ctx context.Context) error
}
