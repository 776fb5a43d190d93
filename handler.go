package broker

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jesusuzcategui/oauth-proxy-github/internal/helpers"
	"github.com/jesusuzcategui/oauth-proxy-github/providers"
	"github.com/jesusuzcategui/oauth-proxy-github/security"
)

const (
	defaultCORSMaxAge = "3600"
	bearerPrefix      = "Bearer "
	maxValidateBody   = 64 * 1024
)

// Handler adapts a broker Server to HTTP.
type Handler struct {
	server *Server
	logger *slog.Logger
}

// NewHandler creates an HTTP handler around a broker server.
func NewHandler(server *Server) *Handler {
	return &Handler{
		server: server,
		logger: server.logger,
	}
}

// SetLogger sets a custom logger.
func (h *Handler) SetLogger(logger *slog.Logger) {
	h.logger = logger
}

// Routes returns a mux with all broker endpoints registered. Protected
// endpoints are wrapped in the session resolution middleware.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/auth/github", h.wrap(http.HandlerFunc(h.ServeInitiate)))
	mux.Handle("/auth/github/callback", h.wrap(http.HandlerFunc(h.ServeCallback)))
	mux.Handle("/api/user/validate", h.wrap(h.requireSessionToken(h.ResolveSession(http.HandlerFunc(h.ServeValidate)))))
	mux.Handle("/healthz", h.wrap(http.HandlerFunc(h.ServeHealth)))
	return mux
}

// wrap applies the ambient middleware stack: request IDs, security headers,
// CORS, and request metrics.
func (h *Handler) wrap(next http.Handler) http.Handler {
	handler := h.withMetrics(next)
	handler = h.withCORS(handler)
	handler = h.withSecurityHeaders(handler)
	return security.RequestIDMiddleware(handler)
}

// ServeInitiate handles GET /auth/github: it validates the wordpress_site
// parameter, plants the state and origin cookies, and redirects the browser
// to GitHub. No cookies are set when validation fails.
func (h *Handler) ServeInitiate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, ErrorCodeInvalidHandshake, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := security.GetClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)
	if h.server.HandshakeRateLimiter != nil && !h.server.HandshakeRateLimiter.Allow(clientIP) {
		h.logger.Warn("Handshake rate limit exceeded", "ip", clientIP)
		if h.server.Auditor != nil {
			h.server.Auditor.LogRateLimitExceeded(clientIP)
		}
		if h.server.instrumentation != nil {
			h.server.instrumentation.Metrics().RecordRateLimitExceeded(r.Context(), "/auth/github")
		}
		w.Header().Set("Retry-After", "1")
		h.writeError(w, ErrorCodeRateLimitExceeded, "too many handshake attempts", http.StatusTooManyRequests)
		return
	}

	originSite := r.URL.Query().Get(OriginCookieName)
	state, authURL, err := h.server.BeginHandshake(r.Context(), originSite)
	if err != nil {
		if h.server.Auditor != nil {
			h.server.Auditor.LogHandshakeRejected(clientIP, err.Error())
		}
		h.writeBrokerError(w, err)
		return
	}

	if h.server.Auditor != nil {
		h.server.Auditor.LogHandshakeStarted(originSite, clientIP)
	}

	ttl := h.server.Config.handshakeCookieTTL()
	h.setHandshakeCookie(w, StateCookieName, state, ttl)
	h.setHandshakeCookie(w, OriginCookieName, originSite, ttl)

	http.Redirect(w, r, authURL, http.StatusFound)
}

// ServeCallback handles GET /auth/github/callback. The handshake cookies are
// cleared on every outcome so a failed attempt cannot be replayed.
func (h *Handler) ServeCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, ErrorCodeInvalidHandshake, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query()
	in := CallbackInput{
		State:      query.Get("state"),
		OriginSite: h.cookieValue(r, OriginCookieName),
		Artifact: providers.Artifact{
			Code: query.Get("code"),
		},
	}
	if raw := query.Get("installation_id"); raw != "" {
		id, err := parseInstallationID(raw)
		if err != nil {
			h.clearHandshakeCookies(w)
			h.writeError(w, ErrorCodeInvalidHandshake, "invalid installation_id", http.StatusBadRequest)
			return
		}
		in.Artifact.InstallationID = id
	}
	in.CookieState = h.cookieValue(r, StateCookieName)

	h.clearHandshakeCookies(w)

	if errParam := query.Get("error"); errParam != "" {
		h.logger.Warn("Authorization denied upstream",
			"error", errParam,
			"description", query.Get("error_description"))
		h.writeError(w, ErrorCodeUpstreamAuthFailure, "authorization was denied", http.StatusBadGateway)
		return
	}

	redirectURL, err := h.server.CompleteHandshake(r.Context(), in)
	if err != nil {
		clientIP := security.GetClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)
		if h.server.Auditor != nil {
			h.server.Auditor.LogHandshakeRejected(clientIP, err.Error())
		}
		h.writeBrokerError(w, err)
		return
	}

	http.Redirect(w, r, redirectURL, http.StatusFound)
}

// ServeValidate handles POST /api/user/validate. It runs behind the session
// resolution middleware, so reaching it means the token was accepted.
func (h *Handler) ServeValidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, ErrorCodeInvalidHandshake, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rs, ok := ResolvedFromContext(r.Context())
	if !ok {
		h.writeError(w, ErrorCodeUnauthenticated, "invalid session token", http.StatusUnauthorized)
		return
	}

	h.writeJSON(w, http.StatusOK, ValidateResponse{
		Valid:     true,
		User:      rs.Identity,
		ExpiresAt: rs.Session.ExpiresAt,
	})
}

// ServeHealth handles GET /healthz.
func (h *Handler) ServeHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if err := h.server.Provider.HealthCheck(r.Context()); err != nil {
		h.logger.Warn("Provider health check failed", "error", err)
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	h.writeJSON(w, code, map[string]string{"status": status})
}

// ResolveSession is middleware that turns a session token into a live
// credential and attaches it to the request context. The token is looked for
// in the Authorization header first, then the JSON body, then the query
// string. Requests without a valid token get an identical 401 whether the
// token is missing, unknown, or expired.
func (h *Handler) ResolveSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := h.extractSessionToken(r)

		rs, err := h.server.ResolveSession(r.Context(), token)
		if err != nil {
			clientIP := security.GetClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)
			if h.server.Auditor != nil {
				h.server.Auditor.LogSessionRejected(token, clientIP, "invalid session token")
			}
			h.writeBrokerError(w, err)
			return
		}

		next.ServeHTTP(w, r.WithContext(ContextWithResolved(r.Context(), rs)))
	})
}

// requireSessionToken rejects requests carrying no token at all with a 400.
// The resolution middleware treats missing and invalid tokens identically,
// but the explicit validate endpoint reports an absent token as a client
// error. Token extraction restores the request body, so the resolution
// middleware can extract it again downstream.
func (h *Handler) requireSessionToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.extractSessionToken(r) == "" {
			h.writeError(w, ErrorCodeInvalidHandshake, "session_token is required", http.StatusBadRequest)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// extractSessionToken implements the header, body, query precedence. When the
// token comes from a JSON body the body is restored so downstream handlers
// can read it again.
func (h *Handler) extractSessionToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, bearerPrefix) {
		if token := strings.TrimSpace(strings.TrimPrefix(auth, bearerPrefix)); token != "" {
			return token
		}
	}

	if r.Body != nil && strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxValidateBody))
		if err == nil {
			r.Body = io.NopCloser(bytes.NewReader(body))
			var req validateRequest
			if json.Unmarshal(body, &req) == nil && req.SessionToken != "" {
				return req.SessionToken
			}
		}
	}

	return r.URL.Query().Get(SessionTokenParam)
}

// withCORS applies the exact-match origin allow-list. Requests from origins
// not on the list get no CORS headers at all.
func (h *Handler) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && h.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
			w.Header().Set("Access-Control-Max-Age", defaultCORSMaxAge)
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) originAllowed(origin string) bool {
	for _, allowed := range h.server.Config.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

func (h *Handler) withSecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		security.SetSecurityHeaders(w, h.server.Config.PublicBaseURL)
		next.ServeHTTP(w, r)
	})
}

// withMetrics records request count and duration per endpoint.
func (h *Handler) withMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.server.instrumentation == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		durationMs := float64(time.Since(start).Microseconds()) / 1000.0
		h.server.instrumentation.Metrics().RecordHTTPRequest(r.Context(), r.Method, r.URL.Path, recorder.status, durationMs)
	})
}

func parseInstallationID(raw string) (int64, error) {
	return strconv.ParseInt(raw, 10, 64)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (h *Handler) setHandshakeCookie(w http.ResponseWriter, name, value string, ttl time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
		Secure:   h.server.Config.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handler) clearHandshakeCookies(w http.ResponseWriter) {
	for _, name := range []string{StateCookieName, OriginCookieName} {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     "/",
			MaxAge:   -1,
			HttpOnly: true,
			Secure:   h.server.Config.SecureCookies,
			SameSite: http.SameSiteLaxMode,
		})
	}
}

func (h *Handler) cookieValue(r *http.Request, name string) string {
	cookie, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return cookie.Value
}

// writeBrokerError writes a BrokerError as JSON, falling back to a generic
// server error for unexpected error types.
func (h *Handler) writeBrokerError(w http.ResponseWriter, err error) {
	var be *BrokerError
	if errors.As(err, &be) {
		h.writeError(w, be.Code, be.Description, be.Status)
		return
	}
	h.logger.Error("Unexpected error type", "error", helpers.SafeTruncate(err.Error(), 200))
	h.writeError(w, ErrorCodeServerError, "internal server error", http.StatusInternalServerError)
}

func (h *Handler) writeError(w http.ResponseWriter, code, description string, status int) {
	h.writeJSON(w, status, errorResponse{
		Error:            code,
		ErrorDescription: description,
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}
