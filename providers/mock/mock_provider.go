// Package mock provides a mock implementation of the Provider interface for testing.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jesusuzcategui/oauth-proxy-github/providers"
)

// Compile-time check that MockProvider implements providers.Provider.
var _ providers.Provider = (*MockProvider)(nil)

// MockProvider is a scriptable implementation of providers.Provider. Each
// method delegates to a swappable func field and counts its invocations.
type MockProvider struct {
	// NameFunc is called when Name() is invoked
	NameFunc func() string

	// AuthorizationURLFunc is called when AuthorizationURL() is invoked
	AuthorizationURLFunc func(state string) string

	// ExchangeFunc is called when Exchange() is invoked
	ExchangeFunc func(ctx context.Context, artifact providers.Artifact) (*providers.Grant, error)

	// RefreshFunc is called when Refresh() is invoked
	RefreshFunc func(ctx context.Context, installationID int64) (*providers.Credential, error)

	// FetchIdentityFunc is called when FetchIdentity() is invoked
	FetchIdentityFunc func(ctx context.Context, grant *providers.Grant) (*providers.Identity, error)

	// HealthCheckFunc is called when HealthCheck() is invoked
	HealthCheckFunc func(ctx context.Context) error

	// CallCounts tracks how many times each method was called
	CallCounts map[string]int

	// mu protects CallCounts from concurrent access
	mu sync.RWMutex
}

// NewMockProvider creates a new mock provider with default implementations.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		CallCounts: make(map[string]int),
		NameFunc: func() string {
			return "mock"
		},
		AuthorizationURLFunc: func(state string) string {
			return fmt.Sprintf("https://mock.example.com/authorize?state=%s", state)
		},
		ExchangeFunc: func(ctx context.Context, artifact providers.Artifact) (*providers.Grant, error) {
			if artifact.InstallationID != 0 {
				return &providers.Grant{
					Kind:           providers.GrantInstallation,
					InstallationID: artifact.InstallationID,
				}, nil
			}
			return &providers.Grant{
				Kind:  providers.GrantOAuth,
				Token: "mock-access-token",
			}, nil
		},
		RefreshFunc: func(ctx context.Context, installationID int64) (*providers.Credential, error) {
			return &providers.Credential{
				Token:     "mock-installation-token",
				ExpiresAt: time.Now().Add(time.Hour),
			}, nil
		},
		FetchIdentityFunc: func(ctx context.Context, grant *providers.Grant) (*providers.Identity, error) {
			return &providers.Identity{
				Login:       "mockuser",
				Name:        "Mock User",
				AvatarURL:   "https://mock.example.com/avatar.png",
				AccountType: "User",
			}, nil
		},
		HealthCheckFunc: func(ctx context.Context) error {
			return nil
		},
	}
}

// record increments the call counter for a method and returns under lock so
// the scripted function runs without holding the mutex.
func (m *MockProvider) record(method string) {
	m.mu.Lock()
	m.CallCounts[method]++
	m.mu.Unlock()
}

// Calls returns how many times the named method was invoked.
func (m *MockProvider) Calls(method string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.CallCounts[method]
}

// Name returns the provider name.
func (m *MockProvider) Name() string {
	m.record("Name")
	return m.NameFunc()
}

// AuthorizationURL returns the scripted authorization URL.
func (m *MockProvider) AuthorizationURL(state string) string {
	m.record("AuthorizationURL")
	return m.AuthorizationURLFunc(state)
}

// Exchange returns the scripted grant.
func (m *MockProvider) Exchange(ctx context.Context, artifact providers.Artifact) (*providers.Grant, error) {
	m.record("Exchange")
	return m.ExchangeFunc(ctx, artifact)
}

// Refresh returns the scripted credential.
func (m *MockProvider) Refresh(ctx context.Context, installationID int64) (*providers.Credential, error) {
	m.record("Refresh")
	return m.RefreshFunc(ctx, installationID)
}

// FetchIdentity returns the scripted identity snapshot.
func (m *MockProvider) FetchIdentity(ctx context.Context, grant *providers.Grant) (*providers.Identity, error) {
	m.record("FetchIdentity")
	return m.FetchIdentityFunc(ctx, grant)
}

// HealthCheck returns the scripted health result.
func (m *MockProvider) HealthCheck(ctx context.Context) error {
	m.record("HealthCheck")
	return m.HealthCheckFunc(ctx)
}
