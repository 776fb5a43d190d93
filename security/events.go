package security

// Event type constants for security audit logging.
const (
	// Handshake lifecycle events

	// EventHandshakeStarted is logged when an authorization handshake is initiated
	EventHandshakeStarted = "handshake_started"

	// EventHandshakeCompleted is logged when a callback completes and a session is created
	EventHandshakeCompleted = "handshake_completed"

	// EventHandshakeRejected is logged when a callback fails state or parameter validation
	EventHandshakeRejected = "handshake_rejected"

	// Session lifecycle events

	// EventSessionCreated is logged when a session record is durably stored
	EventSessionCreated = "session_created"

	// EventSessionResolved is logged when a session token resolves to a credential
	EventSessionResolved = "session_resolved"

	// EventSessionRejected is logged when a session token is missing, unknown, or expired
	EventSessionRejected = "session_rejected"

	// Upstream and violation events

	// EventUpstreamAuthFailure is logged when GitHub rejects an exchange or refresh
	EventUpstreamAuthFailure = "upstream_auth_failure"

	// EventRateLimitExceeded is logged when a rate limit is exceeded
	EventRateLimitExceeded = "rate_limit_exceeded"
)
