// Package oauthapp implements the classic GitHub OAuth App trust strategy:
// an authorization code is exchanged for a long-lived access token that is
// used directly as the API credential.
package oauthapp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	oauthgithub "golang.org/x/oauth2/github"

	"github.com/jesusuzcategui/oauth-proxy-github/providers"
)

// Compile-time check that Provider implements the providers.Provider interface.
var _ providers.Provider = (*Provider)(nil)

const providerName = "github-oauth"

// ErrNoAccessToken is returned when the token endpoint answers successfully
// but the response carries no usable access token.
var ErrNoAccessToken = errors.New("token exchange returned no access token")

// Provider implements providers.Provider for GitHub OAuth Apps.
type Provider struct {
	*oauth2.Config
	httpClient     *http.Client
	requestTimeout time.Duration
	apiBaseURL     string
}

// Config holds GitHub OAuth App configuration.
type Config struct {
	// ClientID is the GitHub OAuth App client ID.
	ClientID string

	// ClientSecret is the GitHub OAuth App client secret.
	ClientSecret string

	// RedirectURL is the OAuth callback URL.
	RedirectURL string

	// Scopes are optional custom scopes (defaults to
	// ["repo", "read:user", "read:org"]).
	Scopes []string

	// HTTPClient is an optional custom HTTP client.
	HTTPClient *http.Client

	// RequestTimeout is the timeout for GitHub API calls (default: 10s).
	RequestTimeout time.Duration

	// APIBaseURL overrides the GitHub REST API base URL (for tests).
	APIBaseURL string
}

// NewProvider creates a new GitHub OAuth App provider.
func NewProvider(cfg *Config) (*Provider, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}
	if cfg.ClientSecret == "" {
		return nil, fmt.Errorf("client secret is required")
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{"repo", "read:user", "read:org"}
	}
	scopesCopy := make([]string, len(scopes))
	copy(scopesCopy, scopes)

	requestTimeout := cfg.RequestTimeout
	if requestTimeout == 0 {
		requestTimeout = 10 * time.Second
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: requestTimeout}
	}

	apiBaseURL := cfg.APIBaseURL
	if apiBaseURL == "" {
		apiBaseURL = "https://api.github.com"
	}

	return &Provider{
		Config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopesCopy,
			Endpoint:     oauthgithub.Endpoint,
		},
		httpClient:     httpClient,
		requestTimeout: requestTimeout,
		apiBaseURL:     apiBaseURL,
	}, nil
}

// Name returns the strategy name.
func (p *Provider) Name() string {
	return providerName
}

// AuthorizationURL generates the GitHub authorization URL with the anti-CSRF
// state embedded. Sign-ups are disallowed: the broker authenticates existing
// GitHub accounts only.
func (p *Provider) AuthorizationURL(state string) string {
	return p.AuthCodeURL(state, oauth2.SetAuthURLParam("allow_signup", "false"))
}

// ensureContextTimeout ensures the context has a deadline, adding one if
// needed. If the context already has a deadline, returns the original
// context with a no-op cancel.
func (p *Provider) ensureContextTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, p.requestTimeout)
}

// Exchange exchanges an authorization code for an OAuth grant. A non-success
// response or a response lacking an access token is an error, never a grant
// with an empty token.
func (p *Provider) Exchange(ctx context.Context, artifact providers.Artifact) (*providers.Grant, error) {
	if artifact.Code == "" {
		return nil, errors.New("authorization code is required")
	}

	ctx, cancel := p.ensureContextTimeout(ctx)
	defer cancel()

	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)

	token, err := p.Config.Exchange(ctx, artifact.Code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code: %w", err)
	}
	if token.AccessToken == "" {
		return nil, ErrNoAccessToken
	}

	return &providers.Grant{
		Kind:  providers.GrantOAuth,
		Token: token.AccessToken,
	}, nil
}

// Refresh is not supported: GitHub OAuth Apps issue non-expiring access
// tokens that are attached to requests directly.
func (p *Provider) Refresh(_ context.Context, _ int64) (*providers.Credential, error) {
	return nil, providers.ErrRefreshNotSupported
}

// FetchIdentity retrieves the authenticated user's profile with the grant's
// access token.
func (p *Provider) FetchIdentity(ctx context.Context, grant *providers.Grant) (*providers.Identity, error) {
	if grant == nil || grant.Kind != providers.GrantOAuth {
		return nil, errors.New("oauth grant required")
	}

	ctx, cancel := p.ensureContextTimeout(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.apiBaseURL+"/user", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+grant.Token)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("user info request failed with status %d", resp.StatusCode)
	}

	var ghUser struct {
		Login     string `json:"login"`
		Name      string `json:"name"`
		AvatarURL string `json:"avatar_url"`
		Type      string `json:"type"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&ghUser); err != nil {
		return nil, fmt.Errorf("failed to decode user info: %w", err)
	}

	return &providers.Identity{
		Login:       ghUser.Login,
		Name:        ghUser.Name,
		AvatarURL:   ghUser.AvatarURL,
		AccountType: ghUser.Type,
	}, nil
}

// HealthCheck verifies that the GitHub API is reachable via the rate limit
// endpoint, which answers without authentication.
func (p *Provider) HealthCheck(ctx context.Context) error {
	ctx, cancel := p.ensureContextTimeout(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.apiBaseURL+"/rate_limit", nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("github api unreachable: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("github health check failed with status %d", resp.StatusCode)
	}
	return nil
}
