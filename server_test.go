package broker

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jesusuzcategui/oauth-proxy-github/providers"
	providermock "github.com/jesusuzcategui/oauth-proxy-github/providers/mock"
	"github.com/jesusuzcategui/oauth-proxy-github/storage"
	storagemock "github.com/jesusuzcategui/oauth-proxy-github/storage/mock"
)

func newTestServer(t *testing.T) (*Server, *providermock.MockProvider, *storagemock.Store) {
	t.Helper()
	provider := providermock.NewMockProvider()
	store := storagemock.New()
	cfg := DefaultConfig()
	cfg.SecureCookies = false
	cfg.AllowPrivateOrigins = true
	srv, err := NewServer(provider, store, cfg)
	require.NoError(t, err)
	t.Cleanup(srv.Stop)
	return srv, provider, store
}

func oauthCallback(state string) CallbackInput {
	return CallbackInput{
		State:       state,
		CookieState: state,
		OriginSite:  "https://blog.example.com",
		Artifact:    providers.Artifact{Code: "good-code"},
	}
}

func TestNewServer_Validation(t *testing.T) {
	store := storagemock.New()
	_, err := NewServer(nil, store, nil)
	assert.Error(t, err)

	provider := providermock.NewMockProvider()
	_, err = NewServer(provider, nil, nil)
	assert.Error(t, err)

	cfg := DefaultConfig()
	cfg.AllowedOrigins = []string{"*"}
	_, err = NewServer(provider, store, cfg)
	assert.Error(t, err)
}

func TestBeginHandshake(t *testing.T) {
	srv, _, _ := newTestServer(t)

	state, authURL, err := srv.BeginHandshake(context.Background(), "https://blog.example.com")
	require.NoError(t, err)
	assert.NotEmpty(t, state)
	assert.Contains(t, authURL, "state="+state)
}

func TestBeginHandshake_StatesAreUnique(t *testing.T) {
	srv, _, _ := newTestServer(t)

	first, _, err := srv.BeginHandshake(context.Background(), "https://blog.example.com")
	require.NoError(t, err)
	second, _, err := srv.BeginHandshake(context.Background(), "https://blog.example.com")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestBeginHandshake_InvalidOriginSite(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ctx := context.Background()

	for _, origin := range []string{"", "not a url", "ftp://blog.example.com", "/relative/path"} {
		_, _, err := srv.BeginHandshake(ctx, origin)
		var be *BrokerError
		require.ErrorAs(t, err, &be, "origin %q", origin)
		assert.Equal(t, ErrorCodeInvalidHandshake, be.Code)
	}
}

func TestBeginHandshake_PrivateOriginGuard(t *testing.T) {
	provider := providermock.NewMockProvider()
	store := storagemock.New()
	cfg := DefaultConfig()
	cfg.SecureCookies = false
	srv, err := NewServer(provider, store, cfg)
	require.NoError(t, err)
	defer srv.Stop()

	_, _, err = srv.BeginHandshake(context.Background(), "http://169.254.169.254/latest")
	assert.Error(t, err)

	_, _, err = srv.BeginHandshake(context.Background(), "http://127.0.0.1:8081")
	assert.Error(t, err)
}

func TestBeginHandshake_RedirectHostAllowList(t *testing.T) {
	provider := providermock.NewMockProvider()
	store := storagemock.New()
	cfg := DefaultConfig()
	cfg.SecureCookies = false
	cfg.AllowedRedirectHosts = []string{"blog.example.com"}
	srv, err := NewServer(provider, store, cfg)
	require.NoError(t, err)
	defer srv.Stop()

	_, _, err = srv.BeginHandshake(context.Background(), "https://blog.example.com")
	assert.NoError(t, err)

	_, _, err = srv.BeginHandshake(context.Background(), "https://evil.example.net")
	assert.Error(t, err)
}

func TestCompleteHandshake_StateMismatch(t *testing.T) {
	srv, provider, store := newTestServer(t)

	in := oauthCallback("state-a")
	in.CookieState = "state-b"

	_, err := srv.CompleteHandshake(context.Background(), in)
	var be *BrokerError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, ErrorCodeInvalidHandshake, be.Code)
	assert.Equal(t, 0, provider.Calls("Exchange"), "no exchange on state mismatch")
	assert.Equal(t, 0, store.Len(), "no session on state mismatch")
}

func TestCompleteHandshake_MissingState(t *testing.T) {
	srv, _, store := newTestServer(t)

	in := oauthCallback("state-a")
	in.CookieState = ""
	_, err := srv.CompleteHandshake(context.Background(), in)
	assert.Error(t, err)
	assert.Equal(t, 0, store.Len())
}

func TestCompleteHandshake_MissingArtifact(t *testing.T) {
	srv, provider, store := newTestServer(t)

	in := oauthCallback("state-1")
	in.Artifact = providers.Artifact{}

	_, err := srv.CompleteHandshake(context.Background(), in)
	var be *BrokerError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, ErrorCodeInvalidHandshake, be.Code)
	assert.Equal(t, http.StatusBadRequest, be.Status)
	assert.Equal(t, 0, provider.Calls("Exchange"), "no exchange without an artifact")
	assert.Equal(t, 0, store.Len(), "no session without an artifact")
}

func TestCompleteHandshake_Success(t *testing.T) {
	srv, provider, store := newTestServer(t)
	start := time.Now()

	redirectURL, err := srv.CompleteHandshake(context.Background(), oauthCallback("state-1"))
	require.NoError(t, err)
	assert.Equal(t, 1, store.Len(), "exactly one session per completed handshake")
	assert.Equal(t, 1, provider.Calls("Exchange"))

	require.True(t, strings.HasPrefix(redirectURL, "https://blog.example.com?session_token="))
	u, err := url.Parse(redirectURL)
	require.NoError(t, err)
	token := u.Query().Get(SessionTokenParam)
	require.NotEmpty(t, token)

	session, err := store.GetSession(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, providers.GrantOAuth, session.Grant.Kind)
	assert.Equal(t, "mock-access-token", session.Grant.Token)
	assert.Equal(t, "mockuser", session.Identity.Login)
	assert.Equal(t, "https://blog.example.com", session.OriginSite)

	ttl := session.ExpiresAt.Sub(session.CreatedAt)
	assert.Equal(t, time.Hour, ttl)
	assert.WithinDuration(t, start.Add(time.Hour), session.ExpiresAt, 5*time.Second)
}

func TestCompleteHandshake_PreservesExistingQuery(t *testing.T) {
	srv, _, _ := newTestServer(t)

	in := oauthCallback("state-1")
	in.OriginSite = "https://blog.example.com/page?p=42"

	redirectURL, err := srv.CompleteHandshake(context.Background(), in)
	require.NoError(t, err)
	assert.Contains(t, redirectURL, "?p=42&session_token=")
}

func TestCompleteHandshake_ExchangeFailure(t *testing.T) {
	srv, provider, store := newTestServer(t)
	provider.ExchangeFunc = func(ctx context.Context, artifact providers.Artifact) (*providers.Grant, error) {
		return nil, errors.New("bad_verification_code")
	}

	_, err := srv.CompleteHandshake(context.Background(), oauthCallback("state-1"))
	var be *BrokerError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, ErrorCodeUpstreamAuthFailure, be.Code)
	assert.Equal(t, 0, store.Len(), "no session persisted when exchange fails")
}

func TestCompleteHandshake_IdentityFetchFailureIsNotFatal(t *testing.T) {
	srv, _, store := newTestServer(t)
	srvProviderFetchFails(srv)

	redirectURL, err := srv.CompleteHandshake(context.Background(), oauthCallback("state-1"))
	require.NoError(t, err)
	assert.Equal(t, 1, store.Len())

	u, _ := url.Parse(redirectURL)
	session, err := store.GetSession(context.Background(), u.Query().Get(SessionTokenParam))
	require.NoError(t, err)
	assert.True(t, session.Identity.Empty(), "identity stays empty when the fetch fails")
}

func srvProviderFetchFails(srv *Server) {
	srv.Provider.(*providermock.MockProvider).FetchIdentityFunc =
		func(ctx context.Context, grant *providers.Grant) (*providers.Identity, error) {
			return nil, errors.New("api unavailable")
		}
}

func TestCompleteHandshake_StoreFailure(t *testing.T) {
	srv, _, store := newTestServer(t)
	store.CreateSessionError = errors.New("disk full")

	_, err := srv.CompleteHandshake(context.Background(), oauthCallback("state-1"))
	var be *BrokerError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, ErrorCodeServerError, be.Code)
}

func TestResolveSession_OAuthGrant(t *testing.T) {
	srv, provider, store := newTestServer(t)

	session := oauthSession(time.Now().Add(time.Hour))
	store.Put(session)

	rs, err := srv.ResolveSession(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, "gho_stored", rs.Credential.Token)
	assert.Equal(t, session.Identity, rs.Identity)
	assert.Equal(t, 0, provider.Calls("Refresh"), "oauth sessions never refresh")
}

func TestResolveSession_InstallationRefreshesEveryRequest(t *testing.T) {
	srv, provider, store := newTestServer(t)

	session := installationSession(time.Now().Add(time.Hour))
	store.Put(session)

	for i := 1; i <= 3; i++ {
		rs, err := srv.ResolveSession(context.Background(), session.ID)
		require.NoError(t, err)
		assert.Equal(t, "mock-installation-token", rs.Credential.Token)
		assert.Equal(t, i, provider.Calls("Refresh"), "one refresh per resolution")
	}
}

func TestResolveSession_RefreshFailure(t *testing.T) {
	srv, provider, store := newTestServer(t)
	provider.RefreshFunc = func(ctx context.Context, installationID int64) (*providers.Credential, error) {
		return nil, errors.New("installation suspended")
	}

	session := installationSession(time.Now().Add(time.Hour))
	store.Put(session)

	_, err := srv.ResolveSession(context.Background(), session.ID)
	var be *BrokerError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, ErrorCodeUpstreamAuthFailure, be.Code)
}

func TestResolveSession_UnknownAndExpiredAreIdentical(t *testing.T) {
	srv, _, store := newTestServer(t)

	expired := oauthSession(time.Now().Add(-time.Minute))
	store.Put(expired)

	_, errUnknown := srv.ResolveSession(context.Background(), "no-such-token")
	_, errExpired := srv.ResolveSession(context.Background(), expired.ID)
	_, errEmpty := srv.ResolveSession(context.Background(), "")

	var beUnknown, beExpired, beEmpty *BrokerError
	require.ErrorAs(t, errUnknown, &beUnknown)
	require.ErrorAs(t, errExpired, &beExpired)
	require.ErrorAs(t, errEmpty, &beEmpty)

	assert.Equal(t, *beUnknown, *beExpired, "expired and unknown tokens must be indistinguishable")
	assert.Equal(t, *beUnknown, *beEmpty)
	assert.Equal(t, 401, beUnknown.Status)
}

func TestResolveSession_ExpiryBoundaryIsInclusive(t *testing.T) {
	srv, _, store := newTestServer(t)

	expiresAt := time.Now().Add(time.Hour)
	session := oauthSession(expiresAt)
	store.Put(session)

	srv.now = func() time.Time { return expiresAt.Add(-time.Second) }
	_, err := srv.ResolveSession(context.Background(), session.ID)
	assert.NoError(t, err)

	srv.now = func() time.Time { return expiresAt }
	_, err = srv.ResolveSession(context.Background(), session.ID)
	assert.Error(t, err, "session is invalid exactly at its expiry instant")
}

func TestResolveSession_StoreError(t *testing.T) {
	srv, _, store := newTestServer(t)
	store.GetSessionError = errors.New("connection refused")

	_, err := srv.ResolveSession(context.Background(), "any-token")
	var be *BrokerError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, ErrorCodeServerError, be.Code)
}

func TestAppendSessionToken(t *testing.T) {
	assert.Equal(t,
		"https://site.example.com?session_token=tok",
		appendSessionToken("https://site.example.com", "tok"))
	assert.Equal(t,
		"https://site.example.com/page?p=1&session_token=tok",
		appendSessionToken("https://site.example.com/page?p=1", "tok"))
	assert.Equal(t,
		"https://site.example.com?session_token=a%2Fb",
		appendSessionToken("https://site.example.com", "a/b"))
}

func oauthSession(expiresAt time.Time) *storage.Session {
	return &storage.Session{
		ID:         "oauth-session-token",
		Identity:   providers.Identity{Login: "octocat", AccountType: "User"},
		Grant:      providers.Grant{Kind: providers.GrantOAuth, Token: "gho_stored"},
		OriginSite: "https://blog.example.com",
		CreatedAt:  expiresAt.Add(-time.Hour),
		ExpiresAt:  expiresAt,
	}
}

func installationSession(expiresAt time.Time) *storage.Session {
	return &storage.Session{
		ID:         "installation-session-token",
		Identity:   providers.Identity{Login: "acme", AccountType: "Organization"},
		Grant:      providers.Grant{Kind: providers.GrantInstallation, InstallationID: 77},
		OriginSite: "https://blog.example.com",
		CreatedAt:  expiresAt.Add(-time.Hour),
		ExpiresAt:  expiresAt,
	}
}
