package broker

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config holds broker configuration. Provider and Store are injected by the
// caller; everything else has working defaults.
type Config struct {
	// PublicBaseURL is the externally reachable base URL of the broker,
	// used to build the callback redirect target (e.g. "https://broker.example.com").
	PublicBaseURL string

	// SessionTTL bounds the lifetime of issued sessions. Defaults to 1 hour.
	SessionTTL time.Duration

	// HandshakeCookieTTL bounds the state and origin cookies set during the
	// handshake. Defaults to 1 hour.
	HandshakeCookieTTL time.Duration

	// SecureCookies marks handshake cookies Secure. Enable whenever the
	// broker is served over HTTPS.
	SecureCookies bool

	// AllowedOrigins lists origins allowed to call the broker cross-site.
	// Matching is exact; an empty list disables CORS headers entirely.
	AllowedOrigins []string

	// AllowedRedirectHosts restricts which hosts a wordpress_site value may
	// point at. Empty means any host is accepted.
	AllowedRedirectHosts []string

	// AllowPrivateOrigins permits wordpress_site values whose host is a
	// loopback, private, or link-local IP literal. Leave off in production;
	// enable for local WordPress development.
	AllowPrivateOrigins bool

	// TrustProxy controls whether X-Forwarded-For is consulted for client
	// IPs. Only enable behind a trusted reverse proxy.
	TrustProxy bool

	// TrustedProxyCount is the number of trusted proxies in front of the
	// broker when TrustProxy is set.
	TrustedProxyCount int

	// HandshakeRateLimit and HandshakeRateBurst bound per-IP handshake
	// starts (requests per second and burst). Zero disables rate limiting.
	HandshakeRateLimit int
	HandshakeRateBurst int

	// EncryptionSecret, when non-empty, enables AES-256-GCM encryption of
	// OAuth tokens at rest. The key is derived with HKDF-SHA256.
	EncryptionSecret string

	// AuditLogging enables structured security audit events.
	AuditLogging bool
}

// DefaultConfig returns a config with safe defaults.
func DefaultConfig() *Config {
	return &Config{
		SessionTTL:         DefaultSessionTTL,
		HandshakeCookieTTL: DefaultHandshakeCookieTTL,
		SecureCookies:      true,
		TrustedProxyCount:  1,
		AuditLogging:       true,
	}
}

// Validate checks the configuration for fail-fast startup errors.
func (c *Config) Validate() error {
	if c.PublicBaseURL != "" {
		u, err := url.Parse(c.PublicBaseURL)
		if err != nil {
			return fmt.Errorf("invalid public base URL: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("public base URL must use http or https, got %q", u.Scheme)
		}
		if u.Scheme == "http" && c.SecureCookies {
			return fmt.Errorf("secure cookies require an https public base URL")
		}
	}

	if c.SessionTTL < 0 {
		return fmt.Errorf("session TTL cannot be negative")
	}
	if c.HandshakeCookieTTL < 0 {
		return fmt.Errorf("handshake cookie TTL cannot be negative")
	}

	for _, origin := range c.AllowedOrigins {
		if origin == "*" {
			return fmt.Errorf("wildcard origin is not allowed; list origins explicitly")
		}
		u, err := url.Parse(origin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid allowed origin %q", origin)
		}
		if strings.HasSuffix(origin, "/") {
			return fmt.Errorf("allowed origin %q must not have a trailing slash", origin)
		}
	}

	if c.EncryptionSecret != "" && len(c.EncryptionSecret) < 16 {
		return fmt.Errorf("encryption secret must be at least 16 characters")
	}

	if c.HandshakeRateLimit < 0 {
		return fmt.Errorf("handshake rate limit cannot be negative")
	}
	if c.HandshakeRateLimit > 0 && c.HandshakeRateBurst <= 0 {
		return fmt.Errorf("handshake rate burst must be positive when rate limiting is enabled")
	}

	return nil
}

// sessionTTL returns the configured session TTL or the default.
func (c *Config) sessionTTL() time.Duration {
	if c.SessionTTL > 0 {
		return c.SessionTTL
	}
	return DefaultSessionTTL
}

// handshakeCookieTTL returns the configured handshake cookie TTL or the default.
func (c *Config) handshakeCookieTTL() time.Duration {
	if c.HandshakeCookieTTL > 0 {
		return c.HandshakeCookieTTL
	}
	return DefaultHandshakeCookieTTL
}
