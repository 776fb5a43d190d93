// Package githubapp implements the GitHub App trust strategy: the handshake
// records an installation id, and a short-lived installation token is minted
// from it for each request using an app-signed JWT.
package githubapp

import (
	"bytes"
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/jesusuzcategui/oauth-proxy-github/providers"
)

// Compile-time check that Provider implements the providers.Provider interface.
var _ providers.Provider = (*Provider)(nil)

const providerName = "github-app"

// appJWTLifetime is the validity window of the app-signed JWT used to
// authenticate against the installations API. GitHub caps it at 10 minutes.
const appJWTLifetime = 10 * time.Minute

// cacheSafetyMargin is the minimum remaining validity a cached installation
// token must have to be served without minting a new one.
const cacheSafetyMargin = 3 * time.Minute

// ErrInstallationNotFound is returned when GitHub does not recognize the
// installation id, typically because the installation was removed or access
// was revoked.
var ErrInstallationNotFound = errors.New("installation not found or access revoked")

// Provider implements providers.Provider for GitHub Apps.
type Provider struct {
	appID          string
	privateKey     *rsa.PrivateKey
	httpClient     *http.Client
	requestTimeout time.Duration
	apiBaseURL     string
	authorizeURL   string

	cacheMu sync.Mutex
	cache   map[int64]cachedToken

	// now is swappable for deterministic tests.
	now func() time.Time
}

type cachedToken struct {
	token     string
	expiresAt time.Time
}

// Config holds GitHub App configuration.
type Config struct {
	// AppID is the GitHub App identifier.
	AppID string

	// PrivateKey is the app's RSA private key in PEM form, raw or
	// base64-encoded.
	PrivateKey string

	// AppSlug is the app's URL slug, used to build the installation
	// authorization URL.
	AppSlug string

	// HTTPClient is an optional custom HTTP client.
	HTTPClient *http.Client

	// RequestTimeout is the timeout for GitHub API calls (default: 10s).
	RequestTimeout time.Duration

	// APIBaseURL overrides the GitHub REST API base URL (for tests).
	APIBaseURL string
}

// NewProvider creates a new GitHub App provider.
func NewProvider(cfg *Config) (*Provider, error) {
	if cfg.AppID == "" {
		return nil, fmt.Errorf("app ID is required")
	}
	if cfg.PrivateKey == "" {
		return nil, fmt.Errorf("private key is required")
	}
	if cfg.AppSlug == "" {
		return nil, fmt.Errorf("app slug is required")
	}

	key, err := parsePrivateKey(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

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
		appID:          cfg.AppID,
		privateKey:     key,
		httpClient:     httpClient,
		requestTimeout: requestTimeout,
		apiBaseURL:     apiBaseURL,
		authorizeURL:   "https://github.com/apps/" + url.PathEscape(cfg.AppSlug) + "/installations/new",
		cache:          make(map[int64]cachedToken),
		now:            time.Now,
	}, nil
}

// parsePrivateKey decodes a PEM-encoded RSA private key, accepting raw PEM
// or base64-wrapped PEM, in PKCS1 or PKCS8 form.
func parsePrivateKey(raw string) (*rsa.PrivateKey, error) {
	trimmed := strings.TrimSpace(raw)
	pemBytes := []byte(trimmed)
	if !strings.Contains(trimmed, "-----BEGIN") {
		decoded, err := base64.StdEncoding.DecodeString(trimmed)
		if err != nil {
			return nil, fmt.Errorf("failed to base64-decode key: %w", err)
		}
		pemBytes = decoded
	}

	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}

	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err == nil {
		return key, nil
	}

	keyAny, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("not a valid PKCS1 or PKCS8 key: %w", err)
	}
	rsaKey, ok := keyAny.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("not an RSA private key")
	}
	return rsaKey, nil
}

// Name returns the strategy name.
func (p *Provider) Name() string {
	return providerName
}

// AuthorizationURL returns the app installation URL. GitHub carries the
// state parameter through the installation flow and back to the callback.
func (p *Provider) AuthorizationURL(state string) string {
	return p.authorizeURL + "?state=" + url.QueryEscape(state)
}

func (p *Provider) ensureContextTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, p.requestTimeout)
}

// appJWT signs a short-lived RS256 JWT identifying the app itself.
func (p *Provider) appJWT() (string, error) {
	now := p.now()
	claims := jwt.MapClaims{
		"iat": now.Unix(),
		"exp": now.Add(appJWTLifetime).Unix(),
		"iss": p.appID,
	}
	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(p.privateKey)
}

// Exchange validates the installation id against GitHub and returns an
// installation grant. No token is minted at handshake time; minting happens
// per request in Refresh.
func (p *Provider) Exchange(ctx context.Context, artifact providers.Artifact) (*providers.Grant, error) {
	if artifact.InstallationID == 0 {
		return nil, errors.New("installation id is required")
	}

	if _, err := p.fetchInstallation(ctx, artifact.InstallationID); err != nil {
		return nil, err
	}

	return &providers.Grant{
		Kind:           providers.GrantInstallation,
		InstallationID: artifact.InstallationID,
	}, nil
}

type installation struct {
	ID      int64 `json:"id"`
	Account struct {
		Login     string `json:"login"`
		AvatarURL string `json:"avatar_url"`
		Type      string `json:"type"`
	} `json:"account"`
}

// fetchInstallation loads installation metadata with an app JWT.
func (p *Provider) fetchInstallation(ctx context.Context, installationID int64) (*installation, error) {
	ctx, cancel := p.ensureContextTimeout(ctx)
	defer cancel()

	token, err := p.appJWT()
	if err != nil {
		return nil, fmt.Errorf("failed to sign app jwt: %w", err)
	}

	endpoint := fmt.Sprintf("%s/app/installations/%d", p.apiBaseURL, installationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrInstallationNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("installation lookup failed with status %d", resp.StatusCode)
	}

	var inst installation
	if err := json.NewDecoder(resp.Body).Decode(&inst); err != nil {
		return nil, fmt.Errorf("failed to decode installation: %w", err)
	}
	return &inst, nil
}

// Refresh mints a short-lived installation token. Tokens are cached per
// installation id and reused while more than cacheSafetyMargin of validity
// remains, so a burst of requests does not hammer the upstream endpoint.
func (p *Provider) Refresh(ctx context.Context, installationID int64) (*providers.Credential, error) {
	if installationID == 0 {
		return nil, errors.New("installation id is required")
	}

	p.cacheMu.Lock()
	if entry, ok := p.cache[installationID]; ok && entry.expiresAt.Sub(p.now()) > cacheSafetyMargin {
		p.cacheMu.Unlock()
		return &providers.Credential{Token: entry.token, ExpiresAt: entry.expiresAt}, nil
	}
	p.cacheMu.Unlock()

	ctx, cancel := p.ensureContextTimeout(ctx)
	defer cancel()

	appToken, err := p.appJWT()
	if err != nil {
		return nil, fmt.Errorf("failed to sign app jwt: %w", err)
	}

	endpoint := fmt.Sprintf("%s/app/installations/%d/access_tokens", p.apiBaseURL, installationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewBufferString("{}"))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+appToken)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrInstallationNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("token mint failed with status %d", resp.StatusCode)
	}

	var minted struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&minted); err != nil {
		return nil, fmt.Errorf("failed to decode token response: %w", err)
	}
	if minted.Token == "" {
		return nil, errors.New("token mint returned no token")
	}

	p.cacheMu.Lock()
	p.cache[installationID] = cachedToken{token: minted.Token, expiresAt: minted.ExpiresAt}
	p.cacheMu.Unlock()

	return &providers.Credential{Token: minted.Token, ExpiresAt: minted.ExpiresAt}, nil
}

// FetchIdentity snapshots the installation's account. There is no user
// profile in an installation flow, so the account the app is installed on
// stands in as the subject identity.
func (p *Provider) FetchIdentity(ctx context.Context, grant *providers.Grant) (*providers.Identity, error) {
	if grant == nil || grant.Kind != providers.GrantInstallation {
		return nil, errors.New("installation grant required")
	}

	inst, err := p.fetchInstallation(ctx, grant.InstallationID)
	if err != nil {
		return nil, err
	}

	return &providers.Identity{
		Login:       inst.Account.Login,
		AvatarURL:   inst.Account.AvatarURL,
		AccountType: inst.Account.Type,
	}, nil
}

// HealthCheck verifies the app credentials by fetching the app's own
// metadata.
func (p *Provider) HealthCheck(ctx context.Context) error {
	ctx, cancel := p.ensureContextTimeout(ctx)
	defer cancel()

	token, err := p.appJWT()
	if err != nil {
		return fmt.Errorf("failed to sign app jwt: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.apiBaseURL+"/app", nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
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
