package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	broker "github.com/jesusuzcategui/oauth-proxy-github"
	"github.com/jesusuzcategui/oauth-proxy-github/instrumentation"
	"github.com/jesusuzcategui/oauth-proxy-github/internal/helpers"
	"github.com/jesusuzcategui/oauth-proxy-github/providers"
	"github.com/jesusuzcategui/oauth-proxy-github/providers/githubapp"
	"github.com/jesusuzcategui/oauth-proxy-github/providers/oauthapp"
	"github.com/jesusuzcategui/oauth-proxy-github/proxy"
	"github.com/jesusuzcategui/oauth-proxy-github/storage"
	"github.com/jesusuzcategui/oauth-proxy-github/storage/memory"
	"github.com/jesusuzcategui/oauth-proxy-github/storage/postgres"
)

const (
	defaultListenAddr      = ":8080"
	defaultShutdownTimeout = 10 * time.Second
)

func newServeCmd() *cobra.Command {
	var envFile string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the broker HTTP server",
		Long: `Start the broker HTTP server.

Required environment variables depend on GITHUB_STRATEGY:

  GITHUB_STRATEGY=oauth (default)
    GITHUB_CLIENT_ID, GITHUB_CLIENT_SECRET

  GITHUB_STRATEGY=app
    GITHUB_APP_ID, GITHUB_APP_PRIVATE_KEY, GITHUB_APP_SLUG

Common variables:
  LISTEN_ADDR            listen address (default :8080)
  PUBLIC_BASE_URL        externally reachable base URL
  SESSION_TTL_SECONDS    session lifetime (default 3600)
  SESSION_STORE          memory | postgres (default memory)
  DATABASE_URL           PostgreSQL connection string (postgres store)
  ALLOWED_ORIGINS        comma-separated CORS origins
  ALLOWED_REDIRECT_HOSTS comma-separated wordpress_site hosts
  ENCRYPTION_SECRET      enables token encryption at rest
  TRUST_PROXY            true to honor X-Forwarded-For
  RATE_LIMIT_RPS         per-IP handshake rate limit (0 disables)
  RATE_LIMIT_BURST       rate limit burst (default 5)`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), envFile)
		},
	}

	cmd.Flags().StringVar(&envFile, "env-file", ".env", "env file loaded before reading the environment")

	return cmd
}

func runServe(ctx context.Context, envFile string) error {
	if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to load %s: %w", envFile, err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(),
	}))
	slog.SetDefault(logger)

	cfg, err := configFromEnv()
	if err != nil {
		return err
	}

	provider, err := providerFromEnv(cfg.PublicBaseURL)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, stopStore, err := storeFromEnv(ctx)
	if err != nil {
		return err
	}
	defer stopStore()

	inst, err := instrumentation.New(instrumentation.Config{
		ServiceName:    "github-broker",
		ServiceVersion: version,
		Enabled:        envBool("INSTRUMENTATION_ENABLED"),
		LogClientIPs:   envBool("LOG_CLIENT_IPS"),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize instrumentation: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := inst.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Instrumentation shutdown failed", "error", err)
		}
	}()

	server, err := broker.NewServer(provider, store, cfg)
	if err != nil {
		return err
	}
	defer server.Stop()
	server.SetLogger(logger)
	server.SetInstrumentation(inst)

	handler := broker.NewHandler(server)
	mux := handler.Routes()

	githubProxy := proxy.NewHandler(
		proxy.WithLogger(logger),
		proxy.WithInstrumentation(inst),
	)
	githubProxy.Register(mux, handler.ResolveSession)

	addr := envOr("LISTEN_ADDR", defaultListenAddr)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Broker listening",
			"addr", addr,
			"provider", provider.Name(),
			"store", envOr("SESSION_STORE", "memory"))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	return nil
}

func configFromEnv() (*broker.Config, error) {
	cfg := broker.DefaultConfig()
	cfg.PublicBaseURL = os.Getenv("PUBLIC_BASE_URL")
	cfg.SecureCookies = strings.HasPrefix(cfg.PublicBaseURL, "https://")
	cfg.EncryptionSecret = os.Getenv("ENCRYPTION_SECRET")
	cfg.TrustProxy = envBool("TRUST_PROXY")
	cfg.AllowPrivateOrigins = envBool("ALLOW_PRIVATE_ORIGINS")

	if raw := os.Getenv("SESSION_TTL_SECONDS"); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil || seconds <= 0 {
			return nil, fmt.Errorf("invalid SESSION_TTL_SECONDS %q", raw)
		}
		cfg.SessionTTL = time.Duration(seconds) * time.Second
	}

	cfg.AllowedOrigins = splitList(os.Getenv("ALLOWED_ORIGINS"))
	cfg.AllowedRedirectHosts = splitList(os.Getenv("ALLOWED_REDIRECT_HOSTS"))

	if raw := os.Getenv("RATE_LIMIT_RPS"); raw != "" {
		rps, err := strconv.Atoi(raw)
		if err != nil || rps < 0 {
			return nil, fmt.Errorf("invalid RATE_LIMIT_RPS %q", raw)
		}
		cfg.HandshakeRateLimit = rps
		cfg.HandshakeRateBurst = 5
		if burst := os.Getenv("RATE_LIMIT_BURST"); burst != "" {
			b, err := strconv.Atoi(burst)
			if err != nil || b <= 0 {
				return nil, fmt.Errorf("invalid RATE_LIMIT_BURST %q", burst)
			}
			cfg.HandshakeRateBurst = b
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func providerFromEnv(publicBaseURL string) (providers.Provider, error) {
	switch strategy := envOr("GITHUB_STRATEGY", "oauth"); strategy {
	case "oauth":
		return oauthapp.NewProvider(&oauthapp.Config{
			ClientID:     os.Getenv("GITHUB_CLIENT_ID"),
			ClientSecret: os.Getenv("GITHUB_CLIENT_SECRET"),
			RedirectURL:  helpers.NormalizeURL(publicBaseURL) + "/auth/github/callback",
		})
	case "app":
		return githubapp.NewProvider(&githubapp.Config{
			AppID:      os.Getenv("GITHUB_APP_ID"),
			PrivateKey: os.Getenv("GITHUB_APP_PRIVATE_KEY"),
			AppSlug:    os.Getenv("GITHUB_APP_SLUG"),
		})
	default:
		return nil, fmt.Errorf("unknown GITHUB_STRATEGY %q (want oauth or app)", strategy)
	}
}

func storeFromEnv(ctx context.Context) (storage.SessionStore, func(), error) {
	switch kind := envOr("SESSION_STORE", "memory"); kind {
	case "memory":
		store := memory.New()
		return store, store.Stop, nil
	case "postgres":
		connString := os.Getenv("DATABASE_URL")
		if connString == "" {
			return nil, nil, fmt.Errorf("DATABASE_URL is required for the postgres store")
		}
		store, err := postgres.New(ctx, connString)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Stop, nil
	default:
		return nil, nil, fmt.Errorf("unknown SESSION_STORE %q (want memory or postgres)", kind)
	}
}

func logLevel() slog.Level {
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string) bool {
	v, _ := strconv.ParseBool(os.Getenv(key))
	return v
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
