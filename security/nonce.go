package security

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
)

const (
	// stateNonceBytes is the entropy of the handshake CSRF nonce.
	stateNonceBytes = 16

	// sessionIDBytes is the entropy of a session token. 32 bytes keeps the
	// token unguessable for its role as a bearer credential.
	sessionIDBytes = 32
)

// randomToken returns n bytes of crypto/rand entropy as unpadded base64url.
// It panics on RNG failure: a broker that cannot generate unguessable tokens
// must not keep serving.
func randomToken(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("crypto/rand.Read failed: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// GenerateState generates the random anti-CSRF nonce bound to a handshake.
func GenerateState() string {
	return randomToken(stateNonceBytes)
}

// GenerateSessionID generates a fresh opaque session token.
func GenerateSessionID() string {
	return randomToken(sessionIDBytes)
}

// SecureCompare reports whether two strings are equal in constant time.
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
