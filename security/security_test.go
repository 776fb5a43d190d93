package security

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateState_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		state := GenerateState()
		assert.NotEmpty(t, state)
		assert.False(t, seen[state], "state values must be unique")
		seen[state] = true
	}
}

func TestGenerateSessionID_Entropy(t *testing.T) {
	id := GenerateSessionID()
	// 32 bytes of entropy encode to 43 base64url characters.
	assert.Len(t, id, 43)
	assert.NotEqual(t, id, GenerateSessionID())
}

func TestSecureCompare(t *testing.T) {
	assert.True(t, SecureCompare("abc", "abc"))
	assert.False(t, SecureCompare("abc", "abd"))
	assert.False(t, SecureCompare("abc", "abcd"))
	assert.True(t, SecureCompare("", ""))
}

func TestSessionExpired_InclusiveBoundary(t *testing.T) {
	expiresAt := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	assert.False(t, SessionExpired(expiresAt, expiresAt.Add(-time.Second)))
	assert.True(t, SessionExpired(expiresAt, expiresAt))
	assert.True(t, SessionExpired(expiresAt, expiresAt.Add(time.Second)))
}

func TestExpiringWithin(t *testing.T) {
	now := time.Now()

	assert.True(t, ExpiringWithin(now.Add(time.Minute), now, 3*time.Minute))
	assert.False(t, ExpiringWithin(now.Add(10*time.Minute), now, 3*time.Minute))
	assert.False(t, ExpiringWithin(time.Time{}, now, 3*time.Minute))
}

func TestEncryptor_RoundTrip(t *testing.T) {
	enc, err := NewEncryptorFromSecret("a-very-secret-passphrase")
	require.NoError(t, err)
	require.True(t, enc.IsEnabled())

	ciphertext, err := enc.Encrypt("gho_supersecret")
	require.NoError(t, err)
	assert.NotEqual(t, "gho_supersecret", ciphertext)

	plaintext, err := enc.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "gho_supersecret", plaintext)
}

func TestEncryptor_TamperDetection(t *testing.T) {
	enc, err := NewEncryptorFromSecret("a-very-secret-passphrase")
	require.NoError(t, err)

	ciphertext, err := enc.Encrypt("gho_supersecret")
	require.NoError(t, err)

	tampered := ciphertext[:len(ciphertext)-2] + "xx"
	_, err = enc.Decrypt(tampered)
	assert.Error(t, err)
}

func TestEncryptor_Disabled(t *testing.T) {
	enc, err := NewEncryptorFromSecret("")
	require.NoError(t, err)
	assert.False(t, enc.IsEnabled())

	out, err := enc.Encrypt("plain")
	require.NoError(t, err)
	assert.Equal(t, "plain", out)
}

func TestEncryptor_KeyLength(t *testing.T) {
	_, err := NewEncryptor([]byte("too short"))
	assert.Error(t, err)

	enc, err := NewEncryptor(make([]byte, 32))
	require.NoError(t, err)
	assert.True(t, enc.IsEnabled())
}

func TestEncryptor_DifferentSecretsCannotDecrypt(t *testing.T) {
	a, err := NewEncryptorFromSecret("secret-one")
	require.NoError(t, err)
	b, err := NewEncryptorFromSecret("secret-two")
	require.NoError(t, err)

	ciphertext, err := a.Encrypt("gho_supersecret")
	require.NoError(t, err)

	_, err = b.Decrypt(ciphertext)
	assert.Error(t, err)
}

func TestGetClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "203.0.113.7:54321"
	assert.Equal(t, "203.0.113.7", GetClientIP(r, false, 0))

	r.Header.Set("X-Forwarded-For", "198.51.100.9, 10.0.0.1")
	// Untrusted proxies cannot influence the IP.
	assert.Equal(t, "203.0.113.7", GetClientIP(r, false, 0))
	// With one trusted proxy, the client is the entry before it.
	assert.Equal(t, "198.51.100.9", GetClientIP(r, true, 1))
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(1, 2, nil)
	defer rl.Stop()

	assert.True(t, rl.Allow("203.0.113.7"))
	assert.True(t, rl.Allow("203.0.113.7"))
	assert.False(t, rl.Allow("203.0.113.7"), "burst exhausted")

	// Other clients are unaffected.
	assert.True(t, rl.Allow("198.51.100.9"))
}

func TestRequestIDMiddleware(t *testing.T) {
	var captured string
	handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = GetRequestID(r.Context())
	}))

	// Missing ID gets generated.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, captured)
	assert.Equal(t, captured, rec.Header().Get(RequestIDHeader))

	// Valid upstream ID is preserved.
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set(RequestIDHeader, "upstream-id-42")
	handler.ServeHTTP(httptest.NewRecorder(), r)
	assert.Equal(t, "upstream-id-42", captured)

	// Injection attempts are replaced.
	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set(RequestIDHeader, "bad\r\nid")
	handler.ServeHTTP(httptest.NewRecorder(), r)
	assert.NotEqual(t, "bad\r\nid", captured)
}

func TestHashForLogging(t *testing.T) {
	hash := HashForLogging("gho_supersecret")
	assert.NotContains(t, hash, "supersecret")
	assert.Equal(t, hash, HashForLogging("gho_supersecret"))
	assert.NotEqual(t, hash, HashForLogging("gho_othersecret"))
}

func TestSetSecurityHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	SetSecurityHeaders(rec, "https://broker.example.com")

	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.True(t, strings.Contains(rec.Header().Get("Strict-Transport-Security"), "max-age"))

	rec = httptest.NewRecorder()
	SetSecurityHeaders(rec, "http://localhost:8080")
	assert.Empty(t, rec.Header().Get("Strict-Transport-Security"))
}
