// Package broker implements a GitHub credential broker for WordPress sites.
// It runs the browser-facing OAuth handshake, issues opaque session tokens,
// and resolves those tokens back into live GitHub credentials on every
// protected request.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jesusuzcategui/oauth-proxy-github/instrumentation"
	"github.com/jesusuzcategui/oauth-proxy-github/internal/helpers"
	"github.com/jesusuzcategui/oauth-proxy-github/providers"
	"github.com/jesusuzcategui/oauth-proxy-github/security"
	"github.com/jesusuzcategui/oauth-proxy-github/storage"
)

// Server is the broker core. It is transport-agnostic; Handler adapts it to
// HTTP.
type Server struct {
	Config   *Config
	Provider providers.Provider
	Store    storage.SessionStore

	// HandshakeRateLimiter bounds per-IP handshake starts (optional)
	HandshakeRateLimiter *security.RateLimiter

	// Auditor records security events (optional)
	Auditor *security.Auditor

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	logger *slog.Logger
	now    func() time.Time
}

// encryptorSetter is implemented by stores that support encryption at rest.
type encryptorSetter interface {
	SetEncryptor(*security.Encryptor)
}

// instrumentationSetter is implemented by stores that expose metrics.
type instrumentationSetter interface {
	SetInstrumentation(*instrumentation.Instrumentation)
}

// NewServer creates a broker server around a provider and a session store.
func NewServer(provider providers.Provider, store storage.SessionStore, cfg *Config) (*Server, error) {
	if provider == nil {
		return nil, fmt.Errorf("provider cannot be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger := slog.Default()
	s := &Server{
		Config:   cfg,
		Provider: provider,
		Store:    store,
		Auditor:  security.NewAuditor(logger, cfg.AuditLogging),
		logger:   logger,
		now:      time.Now,
	}

	if cfg.HandshakeRateLimit > 0 {
		s.HandshakeRateLimiter = security.NewRateLimiter(cfg.HandshakeRateLimit, cfg.HandshakeRateBurst, logger)
	}

	if cfg.EncryptionSecret != "" {
		if setter, ok := store.(encryptorSetter); ok {
			enc, err := security.NewEncryptorFromSecret(cfg.EncryptionSecret)
			if err != nil {
				return nil, fmt.Errorf("failed to initialize encryption: %w", err)
			}
			setter.SetEncryptor(enc)
		} else {
			s.logger.Warn("Encryption secret configured but store does not support encryption at rest")
		}
	}

	return s, nil
}

// SetLogger sets a custom logger for the server and its auditor.
func (s *Server) SetLogger(logger *slog.Logger) {
	s.logger = logger
	s.Auditor = security.NewAuditor(logger, s.Config.AuditLogging)
}

// SetInstrumentation wires OpenTelemetry instrumentation into the server and,
// when supported, its store.
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("broker")
	}
	if setter, ok := s.Store.(instrumentationSetter); ok {
		setter.SetInstrumentation(inst)
	}
}

// Stop releases server resources.
func (s *Server) Stop() {
	if s.HandshakeRateLimiter != nil {
		s.HandshakeRateLimiter.Stop()
	}
}

// BeginHandshake validates the origin site and produces the one-time state
// together with the authorization URL the browser is sent to.
func (s *Server) BeginHandshake(ctx context.Context, originSite string) (state, authURL string, err error) {
	ctx, span := s.startSpan(ctx, "begin_handshake")
	defer span.End()

	if err := s.validateOriginSite(originSite); err != nil {
		instrumentation.RecordError(span, err)
		return "", "", err
	}

	state = security.GenerateState()
	authURL = s.Provider.AuthorizationURL(state)

	instrumentation.SetSpanSuccess(span)
	if s.instrumentation != nil {
		s.instrumentation.Metrics().RecordHandshakeStarted(ctx)
	}
	s.logger.Info("Handshake started",
		"provider", s.Provider.Name(),
		"origin_site", originSite)
	return state, authURL, nil
}

// CallbackInput carries the parameters of a handshake completion attempt.
// State comes from the callback query, CookieState from the browser cookie.
type CallbackInput struct {
	State       string
	CookieState string
	OriginSite  string
	Artifact    providers.Artifact
}

// CompleteHandshake verifies the state, exchanges the callback artifact for a
// grant, persists a session, and returns the redirect URL carrying the new
// session token. No session is persisted unless every step succeeds.
func (s *Server) CompleteHandshake(ctx context.Context, in CallbackInput) (redirectURL string, err error) {
	ctx, span := s.startSpan(ctx, "complete_handshake")
	defer span.End()
	mechanism := "unknown"
	defer func() {
		if s.instrumentation != nil {
			s.instrumentation.Metrics().RecordCallbackProcessed(ctx, mechanism, err == nil)
		}
	}()

	if in.State == "" || in.CookieState == "" {
		err = ErrInvalidHandshake("missing state parameter")
		instrumentation.RecordError(span, err)
		return "", err
	}
	if !security.SecureCompare(in.State, in.CookieState) {
		err = ErrInvalidHandshake("state mismatch")
		instrumentation.RecordError(span, err)
		s.logger.Warn("Handshake state mismatch", "provider", s.Provider.Name())
		return "", err
	}
	if err = s.validateOriginSite(in.OriginSite); err != nil {
		instrumentation.RecordError(span, err)
		return "", err
	}
	if in.Artifact.Code == "" && in.Artifact.InstallationID == 0 {
		err = ErrInvalidHandshake("missing authorization artifact")
		instrumentation.RecordError(span, err)
		return "", err
	}

	grant, exchangeErr := s.Provider.Exchange(ctx, in.Artifact)
	if exchangeErr != nil {
		err = ErrUpstreamAuthFailure("authorization exchange failed")
		instrumentation.RecordError(span, exchangeErr)
		s.logger.Error("Code exchange failed",
			"provider", s.Provider.Name(),
			"error", exchangeErr)
		return "", err
	}
	mechanism = string(grant.Kind)
	if s.instrumentation != nil {
		s.instrumentation.Metrics().RecordCodeExchange(ctx, mechanism)
	}

	// Identity is cosmetic session metadata; a fetch failure must not lose
	// the grant we already hold.
	identity := providers.Identity{}
	if fetched, idErr := s.Provider.FetchIdentity(ctx, grant); idErr != nil {
		s.logger.Warn("Identity fetch failed, continuing with empty identity",
			"provider", s.Provider.Name(),
			"error", idErr)
	} else if fetched != nil {
		identity = *fetched
	}

	sessionID := security.GenerateSessionID()

	now := s.now()
	session := &storage.Session{
		ID:         sessionID,
		Identity:   identity,
		Grant:      *grant,
		OriginSite: in.OriginSite,
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.Config.sessionTTL()),
	}
	if err = s.Store.CreateSession(ctx, session); err != nil {
		instrumentation.RecordError(span, err)
		s.logger.Error("Failed to persist session", "error", err)
		return "", ErrServerError("failed to persist session")
	}

	instrumentation.SetSpanSuccess(span)
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrMechanism, string(grant.Kind)),
		attribute.String(instrumentation.AttrSessionHash, security.HashForLogging(sessionID)))
	if s.Auditor != nil {
		s.Auditor.LogSessionCreated(sessionID, identity.Login, in.OriginSite, string(grant.Kind), "")
	}
	s.logger.Info("Session created",
		"provider", s.Provider.Name(),
		"mechanism", grant.Kind,
		"session_hash", security.HashForLogging(sessionID),
		"login", identity.Login,
		"expires_at", session.ExpiresAt)

	return appendSessionToken(in.OriginSite, sessionID), nil
}

// ResolveSession turns a session token into a live credential. Unknown and
// expired tokens fail identically.
func (s *Server) ResolveSession(ctx context.Context, token string) (rs *ResolvedSession, err error) {
	ctx, span := s.startSpan(ctx, "resolve_session")
	defer span.End()
	outcome := "ok"
	defer func() {
		if s.instrumentation != nil {
			s.instrumentation.Metrics().RecordSessionResolved(ctx, outcome)
		}
	}()

	invalid := ErrUnauthenticated("invalid session token")

	if token == "" {
		err, outcome = invalid, "unauthenticated"
		return nil, err
	}

	session, getErr := s.Store.GetSession(ctx, token)
	if getErr != nil {
		if !errors.Is(getErr, storage.ErrSessionNotFound) {
			s.logger.Error("Session lookup failed", "error", getErr)
			err, outcome = ErrServerError("session lookup failed"), "error"
			instrumentation.RecordError(span, getErr)
			return nil, err
		}
		err, outcome = invalid, "unauthenticated"
		return nil, err
	}

	if session.Expired(s.now()) {
		s.logger.Debug("Rejected expired session",
			"session_hash", security.HashForLogging(token))
		err, outcome = invalid, "unauthenticated"
		return nil, err
	}

	credential, credErr := s.credentialFor(ctx, session)
	if credErr != nil {
		err, outcome = credErr, "upstream_failure"
		instrumentation.RecordError(span, credErr)
		return nil, err
	}

	instrumentation.SetSpanSuccess(span)
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrMechanism, string(session.Grant.Kind)))
	return &ResolvedSession{
		Session:    session,
		Credential: *credential,
		Identity:   session.Identity,
	}, nil
}

// credentialFor materializes a live credential from a session's grant. OAuth
// grants carry a long-lived token; installation grants are refreshed through
// the provider on every resolution.
func (s *Server) credentialFor(ctx context.Context, session *storage.Session) (*providers.Credential, error) {
	switch session.Grant.Kind {
	case providers.GrantOAuth:
		return &providers.Credential{
			Token:     session.Grant.Token,
			ExpiresAt: session.ExpiresAt,
		}, nil
	case providers.GrantInstallation:
		cred, err := s.Provider.Refresh(ctx, session.Grant.InstallationID)
		if err != nil {
			s.logger.Error("Installation token refresh failed",
				"installation_id", session.Grant.InstallationID,
				"error", err)
			if s.Auditor != nil {
				s.Auditor.LogUpstreamAuthFailure("", "refresh_installation_token", err.Error())
			}
			return nil, ErrUpstreamAuthFailure("failed to obtain installation token")
		}
		if s.instrumentation != nil {
			s.instrumentation.Metrics().RecordInstallationTokenMinted(ctx)
		}
		return cred, nil
	default:
		return nil, ErrServerError("unknown grant kind")
	}
}

// validateOriginSite checks that a wordpress_site value is a usable absolute
// URL and, when a host allow-list is configured, that its host is on it.
func (s *Server) validateOriginSite(originSite string) error {
	if originSite == "" {
		return ErrInvalidHandshake("wordpress_site parameter is required")
	}
	u, err := url.Parse(originSite)
	if err != nil || u.Host == "" {
		return ErrInvalidHandshake("wordpress_site must be an absolute URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ErrInvalidHandshake("wordpress_site must use http or https")
	}
	if !s.Config.AllowPrivateOrigins {
		if class := helpers.ClassifyHost(u.Hostname()); class != helpers.IPClassificationPublic {
			return ErrInvalidHandshake("wordpress_site must not point at a " + class.String() + " address")
		}
	}
	if len(s.Config.AllowedRedirectHosts) > 0 {
		allowed := false
		for _, host := range s.Config.AllowedRedirectHosts {
			if strings.EqualFold(u.Host, host) {
				allowed = true
				break
			}
		}
		if !allowed {
			return ErrInvalidHandshake("wordpress_site host is not allowed")
		}
	}
	return nil
}

// appendSessionToken attaches the session token to the origin site URL,
// respecting an existing query string.
func appendSessionToken(originSite, token string) string {
	sep := "?"
	if strings.Contains(originSite, "?") {
		sep = "&"
	}
	return originSite + sep + SessionTokenParam + "=" + url.QueryEscape(token)
}

func (s *Server) startSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return s.tracer.Start(ctx, "broker."+operation)
}
