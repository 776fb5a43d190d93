package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Auditor handles security event logging with PII protection. Session
// tokens and logins are hashed before logging.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates a new security auditor.
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{logger: logger, enabled: enabled}
}

// Event represents a security audit event.
type Event struct {
	Type         string
	SessionToken string
	Subject      string
	IPAddress    string
	Details      map[string]any
	Timestamp    time.Time
}

// LogEvent logs a security event. Each event gets a unique id so multiple
// log lines for one incident can be correlated downstream.
func (a *Auditor) LogEvent(event Event) {
	if !a.enabled {
		return
	}

	event.Timestamp = time.Now()

	a.logger.Info("security_audit",
		"event_id", uuid.NewString(),
		"event_type", event.Type,
		"session_hash", HashForLogging(event.SessionToken),
		"subject", event.Subject,
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogHandshakeStarted logs the initiation of an authorization handshake.
func (a *Auditor) LogHandshakeStarted(originSite, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventHandshakeStarted,
		IPAddress: ipAddress,
		Details:   map[string]any{"origin_site": originSite},
	})
}

// LogHandshakeRejected logs a callback that failed validation.
func (a *Auditor) LogHandshakeRejected(ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      EventHandshakeRejected,
		IPAddress: ipAddress,
		Details:   map[string]any{"reason": reason},
	})
}

// LogSessionCreated logs a durably stored session.
func (a *Auditor) LogSessionCreated(sessionToken, subject, originSite, mechanism, ipAddress string) {
	a.LogEvent(Event{
		Type:         EventSessionCreated,
		SessionToken: sessionToken,
		Subject:      subject,
		IPAddress:    ipAddress,
		Details: map[string]any{
			"origin_site": originSite,
			"mechanism":   mechanism,
		},
	})
}

// LogSessionRejected logs a session token that failed resolution.
func (a *Auditor) LogSessionRejected(sessionToken, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:         EventSessionRejected,
		SessionToken: sessionToken,
		IPAddress:    ipAddress,
		Details:      map[string]any{"reason": reason},
	})
}

// LogUpstreamAuthFailure logs a rejected exchange or refresh.
func (a *Auditor) LogUpstreamAuthFailure(ipAddress, operation, reason string) {
	a.LogEvent(Event{
		Type:      EventUpstreamAuthFailure,
		IPAddress: ipAddress,
		Details: map[string]any{
			"operation": operation,
			"reason":    reason,
		},
	})
}

// LogRateLimitExceeded logs a rate limit violation.
func (a *Auditor) LogRateLimitExceeded(ipAddress string) {
	a.LogEvent(Event{
		Type:      EventRateLimitExceeded,
		IPAddress: ipAddress,
	})
}

// HashForLogging creates a short SHA256 digest of sensitive data so log
// lines can be correlated without exposing the value.
func HashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
