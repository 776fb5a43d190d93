// Package proxy forwards a small set of GitHub REST calls on behalf of
// authenticated sessions. The broker's session middleware supplies the live
// credential; the WordPress side never sees a GitHub token.
package proxy

import (
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	broker "github.com/jesusuzcategui/oauth-proxy-github"
	"github.com/jesusuzcategui/oauth-proxy-github/instrumentation"
)

const (
	defaultAPIBaseURL     = "https://api.github.com"
	defaultRequestTimeout = 15 * time.Second
	maxResponseBody       = 4 * 1024 * 1024
)

// forwardedQueryParams are the upstream query parameters a caller may set.
// Everything else, session_token included, is stripped before forwarding.
var forwardedQueryParams = []string{"page", "per_page", "sort", "direction", "type"}

// Handler proxies GitHub REST endpoints. It must sit behind the broker's
// session resolution middleware.
type Handler struct {
	httpClient *http.Client
	apiBaseURL string
	logger     *slog.Logger

	instrumentation *instrumentation.Instrumentation
}

// Option configures a Handler.
type Option func(*Handler)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(h *Handler) { h.httpClient = client }
}

// WithAPIBaseURL overrides the GitHub API base URL. Mostly for tests and
// GitHub Enterprise.
func WithAPIBaseURL(baseURL string) Option {
	return func(h *Handler) { h.apiBaseURL = baseURL }
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) { h.logger = logger }
}

// WithInstrumentation wires OpenTelemetry instrumentation.
func WithInstrumentation(inst *instrumentation.Instrumentation) Option {
	return func(h *Handler) { h.instrumentation = inst }
}

// NewHandler creates a GitHub proxy handler.
func NewHandler(opts ...Option) *Handler {
	h := &Handler{
		httpClient: &http.Client{Timeout: defaultRequestTimeout},
		apiBaseURL: defaultAPIBaseURL,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register attaches the proxy routes to a mux. Callers wrap the returned
// paths in the broker's session middleware.
func (h *Handler) Register(mux *http.ServeMux, middleware func(http.Handler) http.Handler) {
	wrap := func(fn http.HandlerFunc) http.Handler {
		if middleware == nil {
			return fn
		}
		return middleware(fn)
	}
	mux.Handle("GET /api/github/user", wrap(h.ServeUser))
	mux.Handle("GET /api/github/orgs", wrap(h.ServeOrgs))
	mux.Handle("GET /api/github/repos/{owner}", wrap(h.ServeRepos))
	mux.Handle("GET /api/github/branches/{owner}/{repo}", wrap(h.ServeBranches))
}

// ServeUser proxies GET /user.
func (h *Handler) ServeUser(w http.ResponseWriter, r *http.Request) {
	h.forward(w, r, "/user")
}

// ServeOrgs proxies GET /user/orgs.
func (h *Handler) ServeOrgs(w http.ResponseWriter, r *http.Request) {
	h.forward(w, r, "/user/orgs")
}

// ServeRepos proxies GET /users/{owner}/repos. Installation sessions see the
// installation's repositories instead.
func (h *Handler) ServeRepos(w http.ResponseWriter, r *http.Request) {
	owner := r.PathValue("owner")
	if owner == "" {
		h.writeError(w, "owner is required", http.StatusBadRequest)
		return
	}
	h.forward(w, r, "/users/"+url.PathEscape(owner)+"/repos")
}

// ServeBranches proxies GET /repos/{owner}/{repo}/branches.
func (h *Handler) ServeBranches(w http.ResponseWriter, r *http.Request) {
	owner := r.PathValue("owner")
	repo := r.PathValue("repo")
	if owner == "" || repo == "" {
		h.writeError(w, "owner and repo are required", http.StatusBadRequest)
		return
	}
	h.forward(w, r, "/repos/"+url.PathEscape(owner)+"/"+url.PathEscape(repo)+"/branches")
}

// forward performs the upstream GitHub call with the session credential and
// streams the response back, preserving status and pagination headers.
func (h *Handler) forward(w http.ResponseWriter, r *http.Request, upstreamPath string) {
	rs, ok := broker.ResolvedFromContext(r.Context())
	if !ok {
		h.writeError(w, "invalid session token", http.StatusUnauthorized)
		return
	}

	upstreamURL := h.apiBaseURL + upstreamPath
	if q := h.forwardedQuery(r); q != "" {
		upstreamURL += "?" + q
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, upstreamURL, nil)
	if err != nil {
		h.writeError(w, "internal server error", http.StatusInternalServerError)
		return
	}
	req.Header.Set("Authorization", "Bearer "+rs.Credential.Token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")

	start := time.Now()
	resp, err := h.httpClient.Do(req)
	if h.instrumentation != nil {
		statusCode := 0
		if resp != nil {
			statusCode = resp.StatusCode
		}
		durationMs := float64(time.Since(start).Microseconds()) / 1000.0
		h.instrumentation.Metrics().RecordProviderAPICall(r.Context(), "github", upstreamPath, statusCode, durationMs, err)
	}
	if err != nil {
		h.logger.Error("Upstream GitHub request failed",
			"path", upstreamPath,
			"error", err)
		h.writeError(w, "upstream request failed", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for _, header := range []string{"Content-Type", "Link", "X-RateLimit-Remaining", "X-RateLimit-Reset"} {
		if v := resp.Header.Get(header); v != "" {
			w.Header().Set(header, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, io.LimitReader(resp.Body, maxResponseBody)); err != nil {
		h.logger.Warn("Failed to stream upstream response", "error", err)
	}
}

// forwardedQuery rebuilds the query string from the allow-listed parameters.
func (h *Handler) forwardedQuery(r *http.Request) string {
	incoming := r.URL.Query()
	outgoing := url.Values{}
	for _, param := range forwardedQueryParams {
		if v := incoming.Get(param); v != "" {
			outgoing.Set(param, v)
		}
	}
	return outgoing.Encode()
}

func (h *Handler) writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + message + `"}`))
}
