package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jesusuzcategui/oauth-proxy-github/internal/testutil"
	"github.com/jesusuzcategui/oauth-proxy-github/security"
	"github.com/jesusuzcategui/oauth-proxy-github/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New()
	t.Cleanup(s.Stop)
	return s
}

func TestCreateAndGetSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	session := testutil.GenerateSession(testutil.GenerateOAuthGrant())
	require.NoError(t, s.CreateSession(ctx, session))

	got, err := s.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, session.ID, got.ID)
	assert.Equal(t, session.Grant, got.Grant)
	assert.Equal(t, session.Identity, got.Identity)
	assert.Equal(t, session.OriginSite, got.OriginSite)
}

func TestCreateSession_DuplicateID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	session := testutil.GenerateSession(testutil.GenerateOAuthGrant())
	require.NoError(t, s.CreateSession(ctx, session))
	assert.Error(t, s.CreateSession(ctx, session))
	assert.Equal(t, 1, s.Count())
}

func TestCreateSession_Invalid(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	assert.Error(t, s.CreateSession(ctx, nil))

	session := testutil.GenerateSession(testutil.GenerateOAuthGrant())
	session.Grant.Token = ""
	assert.Error(t, s.CreateSession(ctx, session))
	assert.Equal(t, 0, s.Count())
}

func TestGetSession_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetSession(context.Background(), "no-such-token")
	assert.ErrorIs(t, err, storage.ErrSessionNotFound)
}

func TestGetSession_DoesNotCheckExpiry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	session := testutil.GenerateSessionAt(testutil.GenerateOAuthGrant(),
		time.Now().Add(-2*time.Hour), time.Hour)
	require.NoError(t, s.CreateSession(ctx, session))

	got, err := s.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.True(t, got.Expired(time.Now()))
}

func TestGetSession_ReturnsCopy(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	session := testutil.GenerateSession(testutil.GenerateOAuthGrant())
	require.NoError(t, s.CreateSession(ctx, session))

	first, err := s.GetSession(ctx, session.ID)
	require.NoError(t, err)
	first.Identity.Login = "mutated"

	second, err := s.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.NotEqual(t, "mutated", second.Identity.Login)
}

func TestEncryptionAtRest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	enc, err := security.NewEncryptorFromSecret("a-very-secret-passphrase")
	require.NoError(t, err)
	s.SetEncryptor(enc)

	session := testutil.GenerateSession(testutil.GenerateOAuthGrant())
	plaintext := session.Grant.Token
	require.NoError(t, s.CreateSession(ctx, session))

	// The stored copy must not hold the plaintext token.
	s.mu.RLock()
	storedToken := s.sessions[session.ID].Grant.Token
	s.mu.RUnlock()
	assert.NotEqual(t, plaintext, storedToken)

	got, err := s.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got.Grant.Token)
}

func TestEncryptionSkipsInstallationGrants(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	enc, err := security.NewEncryptorFromSecret("a-very-secret-passphrase")
	require.NoError(t, err)
	s.SetEncryptor(enc)

	session := testutil.GenerateSession(testutil.GenerateInstallationGrant(77))
	require.NoError(t, s.CreateSession(ctx, session))

	got, err := s.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(77), got.Grant.InstallationID)
	assert.Empty(t, got.Grant.Token)
}

func TestCleanupExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	expired := testutil.GenerateSessionAt(testutil.GenerateOAuthGrant(),
		time.Now().Add(-2*time.Hour), time.Hour)
	live := testutil.GenerateSession(testutil.GenerateOAuthGrant())
	require.NoError(t, s.CreateSession(ctx, expired))
	require.NoError(t, s.CreateSession(ctx, live))

	s.cleanupExpired()

	assert.Equal(t, 1, s.Count())
	_, err := s.GetSession(ctx, expired.ID)
	assert.ErrorIs(t, err, storage.ErrSessionNotFound)
	_, err = s.GetSession(ctx, live.ID)
	assert.NoError(t, err)
}

func TestConcurrentAccess(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			session := testutil.GenerateSession(testutil.GenerateOAuthGrant())
			if err := s.CreateSession(ctx, session); err != nil {
				t.Error(err)
				return
			}
			if _, err := s.GetSession(ctx, session.ID); err != nil {
				t.Error(err)
			}
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}
	assert.Equal(t, 10, s.Count())
}
