package proxy

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	broker "github.com/jesusuzcategui/oauth-proxy-github"
	"github.com/jesusuzcategui/oauth-proxy-github/providers"
	"github.com/jesusuzcategui/oauth-proxy-github/storage"
)

func resolvedRequest(target string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, target, nil)
	rs := &broker.ResolvedSession{
		Session: &storage.Session{
			ID:         "session-token",
			OriginSite: "https://blog.example.com",
			ExpiresAt:  time.Now().Add(time.Hour),
		},
		Credential: providers.Credential{Token: "gho_live", ExpiresAt: time.Now().Add(time.Hour)},
		Identity:   providers.Identity{Login: "octocat"},
	}
	return r.WithContext(broker.ContextWithResolved(r.Context(), rs))
}

func newUpstream(t *testing.T, wantPath string, status int, body string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, wantPath, r.URL.Path)
		assert.Equal(t, "Bearer gho_live", r.Header.Get("Authorization"))
		assert.Equal(t, "application/vnd.github+json", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Link", `<https://api.github.com/x?page=2>; rel="next"`)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
}

func TestServeUser(t *testing.T) {
	ts := newUpstream(t, "/user", http.StatusOK, `{"login":"octocat"}`)
	defer ts.Close()

	h := NewHandler(WithAPIBaseURL(ts.URL))
	rec := httptest.NewRecorder()
	h.ServeUser(rec, resolvedRequest("/api/github/user"))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"login":"octocat"}`, rec.Body.String())
	assert.Contains(t, rec.Header().Get("Link"), "page=2")
}

func TestServeOrgs(t *testing.T) {
	ts := newUpstream(t, "/user/orgs", http.StatusOK, `[]`)
	defer ts.Close()

	h := NewHandler(WithAPIBaseURL(ts.URL))
	rec := httptest.NewRecorder()
	h.ServeOrgs(rec, resolvedRequest("/api/github/orgs"))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestForward_QueryAllowList(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "2", q.Get("page"))
		assert.Equal(t, "50", q.Get("per_page"))
		assert.Empty(t, q.Get("session_token"), "session token must never reach GitHub")
		_, _ = w.Write([]byte(`[]`))
	}))
	defer ts.Close()

	h := NewHandler(WithAPIBaseURL(ts.URL))
	rec := httptest.NewRecorder()
	h.ServeUser(rec, resolvedRequest("/api/github/user?page=2&per_page=50&session_token=leak"))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestForward_UpstreamStatusPreserved(t *testing.T) {
	ts := newUpstream(t, "/user", http.StatusForbidden, `{"message":"rate limited"}`)
	defer ts.Close()

	h := NewHandler(WithAPIBaseURL(ts.URL))
	rec := httptest.NewRecorder()
	h.ServeUser(rec, resolvedRequest("/api/github/user"))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestForward_NoSession(t *testing.T) {
	h := NewHandler()
	rec := httptest.NewRecorder()
	h.ServeUser(rec, httptest.NewRequest(http.MethodGet, "/api/github/user", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRegisterRoutes(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/users/octocat/repos", "/repos/octocat/hello/branches":
			_, _ = w.Write([]byte(`[]`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer ts.Close()

	h := NewHandler(WithAPIBaseURL(ts.URL))
	mux := http.NewServeMux()
	h.Register(mux, func(next http.Handler) http.Handler {
		// Stand-in for the session middleware.
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(broker.ContextWithResolved(r.Context(), mustResolved())))
		})
	})

	for _, target := range []string{"/api/github/repos/octocat", "/api/github/branches/octocat/hello"} {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, target, nil)
		mux.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code, target)
	}
}

func mustResolved() *broker.ResolvedSession {
	return &broker.ResolvedSession{
		Session: &storage.Session{
			ID:         "session-token",
			OriginSite: "https://blog.example.com",
			ExpiresAt:  time.Now().Add(time.Hour),
		},
		Credential: providers.Credential{Token: "gho_live"},
		Identity:   providers.Identity{Login: "octocat"},
	}
}
