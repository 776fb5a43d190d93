package testutil

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/jesusuzcategui/oauth-proxy-github/providers"
	"github.com/jesusuzcategui/oauth-proxy-github/storage"
)

// MockTime provides a controllable time source for deterministic testing
type MockTime struct {
	now time.Time
}

// NewMockTime creates a new mock time provider
func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

// Now returns the current mock time
func (m *MockTime) Now() time.Time {
	return m.now
}

// Advance moves the mock time forward by the given duration
func (m *MockTime) Advance(d time.Duration) {
	m.now = m.now.Add(d)
}

// Set sets the mock time to a specific value
func (m *MockTime) Set(t time.Time) {
	m.now = t
}

// NewMockHTTPServer creates a test HTTP server with the given handler
func NewMockHTTPServer(handler http.HandlerFunc) *httptest.Server {
	return httptest.NewServer(handler)
}

// GenerateOAuthGrant creates a test OAuth grant
func GenerateOAuthGrant() *providers.Grant {
	return &providers.Grant{
		Kind:  providers.GrantOAuth,
		Token: "gho_" + GenerateRandomString(32),
	}
}

// GenerateInstallationGrant creates a test installation grant
func GenerateInstallationGrant(installationID int64) *providers.Grant {
	return &providers.Grant{
		Kind:           providers.GrantInstallation,
		InstallationID: installationID,
	}
}

// GenerateIdentity creates a test GitHub identity
func GenerateIdentity() providers.Identity {
	return providers.Identity{
		Login:       "octocat",
		Name:        "The Octocat",
		AvatarURL:   "https://avatars.example.com/u/1",
		AccountType: "User",
	}
}

// GenerateSession creates a test session with the given grant, valid for one
// hour from now
func GenerateSession(grant *providers.Grant) *storage.Session {
	now := time.Now()
	return &storage.Session{
		ID:         GenerateRandomString(43),
		Identity:   GenerateIdentity(),
		Grant:      *grant,
		OriginSite: "https://blog.example.com",
		CreatedAt:  now,
		ExpiresAt:  now.Add(time.Hour),
	}
}

// GenerateSessionAt creates a test session with explicit creation time and TTL
func GenerateSessionAt(grant *providers.Grant, createdAt time.Time, ttl time.Duration) *storage.Session {
	s := GenerateSession(grant)
	s.CreatedAt = createdAt
	s.ExpiresAt = createdAt.Add(ttl)
	return s
}

// GenerateRandomString generates a random base64-encoded string
func GenerateRandomString(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate random string: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)[:length]
}
