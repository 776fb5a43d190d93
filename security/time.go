package security

import "time"

// SessionExpired reports whether a session expiry has passed. The boundary
// is inclusive: a session is invalid at exactly its expiry instant. No grace
// period is applied; session TTLs are long enough that clock drift does not
// warrant one, and an inclusive boundary keeps the invariant simple.
func SessionExpired(expiresAt, now time.Time) bool {
	return !now.Before(expiresAt)
}

// ExpiringWithin reports whether expiresAt falls inside the next threshold
// duration. Used by credential caches to stop serving tokens that are about
// to lapse mid-request.
func ExpiringWithin(expiresAt, now time.Time, threshold time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return now.Add(threshold).After(expiresAt)
}
