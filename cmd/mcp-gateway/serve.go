package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/ggoodman/mcp-gateway/gateway"
	"github.com/ggoodman/mcp-gateway/internal/config"
	"github.com/ggoodman/mcp-gateway/internal/discovery"
	"github.com/ggoodman/mcp-gateway/internal/jwks"
	"github.com/ggoodman/mcp-gateway/internal/jwtauth"
	"github.com/ggoodman/mcp-gateway/internal/metrics"
	"github.com/ggoodman/mcp-gateway/internal/protected"
	"github.com/ggoodman/mcp-gateway/secrets"
	"github.com/ggoodman/mcp-gateway/secrets/filemirror"
	"github.com/ggoodman/mcp-gateway/secrets/redismirror"
)

const shutdownTimeout = 15 * time.Second

type serveOptions struct {
	configPath string
	logFormat  string
	logLevel   string
	overrides  config.Config
}

func newServeCmd() *cobra.Command {
	o := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		Long: `Runs the gateway HTTP server.

Configuration is layered: flags override the configuration file, which
overrides environment variables (OIDC_ISSUER, OIDC_AUDIENCE, ...), which
override built-in defaults. Without --config the file is searched at
/etc/mcp/oidc.yaml, /config/oidc.yaml and ./oidc.yaml.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			log, err := newLogger(cmd.ErrOrStderr(), o.logFormat, o.logLevel)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), o, log)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&o.configPath, "config", "c", "", "Configuration file (default: search standard locations)")
	f.StringVar(&o.logFormat, "log-format", "text", "Log format: text or json")
	f.StringVar(&o.logLevel, "log-level", "info", "Log level: debug, info, warn or error")

	f.StringVar(&o.overrides.Issuer, "issuer", "", "Upstream OIDC issuer URL")
	f.StringVar(&o.overrides.Audience, "audience", "", "Expected token audience")
	f.StringVar(&o.overrides.JWKSURI, "jwks-uri", "", "Override the discovered JWKS URI")
	f.StringVar(&o.overrides.DCRProxyURL, "dcr-proxy-url", "", "Registration endpoint when the issuer advertises none")
	f.StringVar(&o.overrides.RequiredScope, "scope", "", "Scope every token must carry")
	f.StringVar(&o.overrides.ClientSecretsFile, "client-secrets-file", "", "YAML file with client_secrets")
	f.BoolVar(&o.overrides.WatchSecrets, "watch-secrets", false, "Reload secret files when they change")
	f.DurationVar(&o.overrides.Leeway, "leeway", 0, "Clock skew tolerance for exp and nbf")
	f.DurationVar(&o.overrides.JWKSCacheTTL, "jwks-cache-ttl", 0, "How long fetched keys are served (default 1h)")
	f.StringVar(&o.overrides.Listen, "listen", "", "Listen address (default :3000)")
	f.StringVar(&o.overrides.PublicURL, "public-url", "", "Externally visible base URL")
	f.StringVar(&o.overrides.Realm, "realm", "", "Realm advertised in WWW-Authenticate")
	f.StringSliceVar(&o.overrides.ExcludePaths, "exclude-path", nil, "Gateway-owned path prefix served without authentication, never forwarded upstream (repeatable)")
	f.StringVar(&o.overrides.UpstreamMCPURL, "upstream-mcp-url", "", "MCP server to proxy authenticated requests to")
	f.StringVar(&o.overrides.RedisAddr, "redis-addr", "", "Persist captured secrets in Redis at this address")
	return cmd
}

// server is a fully wired gateway ready to listen.
type server struct {
	cfg     *config.Config
	gateway *gateway.Gateway
	store   *secrets.Store
	log     *slog.Logger
}

func runServe(ctx context.Context, o *serveOptions, log *slog.Logger) error {
	cfg, source, err := config.Load(config.LoadOptions{Path: o.configPath, Overrides: o.overrides})
	if err != nil {
		return err
	}
	if source != "" {
		log.InfoContext(ctx, "config.load.ok", slog.String("path", source))
	}

	srv, err := buildServer(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := srv.store.Close(); err != nil {
			log.Warn("secrets.close.fail", slog.String("err", err.Error()))
		}
	}()

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Listen, err)
	}
	return srv.serve(ctx, ln)
}

// buildServer wires configuration into a gateway: discovery, key cache,
// secret store, verifier and the protected handler.
func buildServer(ctx context.Context, cfg *config.Config, log *slog.Logger) (*server, error) {
	m := metrics.New()

	up, err := gateway.ResolveUpstream(ctx, cfg.ProviderConfig(), log, discovery.WithLogger(log))
	if err != nil {
		return nil, err
	}

	keys, err := jwks.New(up.Provider.JWKSURI,
		jwks.WithTTL(cfg.JWKSCacheTTL),
		jwks.WithLogger(log),
		jwks.WithFetchObserver(m.ObserveKeyFetch),
	)
	if err != nil {
		return nil, err
	}

	mirror, err := newMirror(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	store := secrets.New(
		secrets.WithMirror(mirror),
		secrets.WithLogger(log),
		secrets.WithPersistObserver(m.ObservePersist),
	)
	store.Load(ctx, cfg.SecretSources()...)
	store.AddAll(cfg.ClientSecrets)
	store.LoadMirror(ctx)
	if cfg.WatchSecrets {
		if _, err := store.Watch(ctx, cfg.SecretSources()...); err != nil {
			log.WarnContext(ctx, "secrets.watch.fail", slog.String("err", err.Error()))
		}
	}
	go func() {
		if err := store.Follow(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.WarnContext(ctx, "secrets.follow.fail", slog.String("err", err.Error()))
		}
	}()
	m.TrackSecrets(store.Len)
	log.InfoContext(ctx, "secrets.ready", slog.Int("count", store.Len()))

	verifier, err := jwtauth.NewVerifier(up.Provider, keys,
		jwtauth.WithSecrets(store),
		jwtauth.WithLogger(log),
		jwtauth.WithObserver(m.ObserveVerification),
	)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	handler, err := protectedHandler(cfg, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	gw, err := gateway.New(up.Provider, verifier, handler,
		gateway.WithLogger(log),
		gateway.WithRealm(cfg.Realm),
		gateway.WithPublicURL(cfg.PublicURL),
		gateway.WithExcludePaths(cfg.ExcludePaths...),
		gateway.WithSecretStore(store),
		gateway.WithMetrics(m),
		gateway.WithDiscovery(up.Discovery),
		gateway.WithReadinessCheck(func(ctx context.Context) error {
			_, err := keys.Keys(ctx)
			return err
		}),
	)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return &server{cfg: cfg, gateway: gw, store: store, log: log}, nil
}

func newMirror(ctx context.Context, cfg *config.Config, log *slog.Logger) (secrets.Mirror, error) {
	if cfg.RedisAddr == "" {
		return filemirror.New(cfg.PersistPath()), nil
	}
	rc, err := redismirror.LoadEnvConfig()
	if err != nil {
		return nil, err
	}
	rc.RedisAddr = cfg.RedisAddr
	if cfg.RedisKeyPrefix != "" {
		rc.KeyPrefix = cfg.RedisKeyPrefix
	}
	return redismirror.Dial(ctx, rc, log)
}

func protectedHandler(cfg *config.Config, log *slog.Logger) (http.Handler, error) {
	if cfg.UpstreamMCPURL != "" {
		log.Info("upstream.proxy", slog.String("url", cfg.UpstreamMCPURL))
		return protected.ReverseProxy(cfg.UpstreamMCPURL, log)
	}
	log.Info("upstream.builtin", slog.String("path", protected.MCPPath))
	return protected.MCPServer("mcp-gateway", version, log), nil
}

// serve runs until ctx is canceled, then drains in-flight requests and
// background secret persistence.
func (s *server) serve(ctx context.Context, ln net.Listener) error {
	hs := &http.Server{
		Handler:           s.gateway,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(s.log.Handler(), slog.LevelWarn),
	}

	errc := make(chan error, 1)
	go func() {
		s.log.Info("server.listen", slog.String("addr", ln.Addr().String()))
		errc <- hs.Serve(ln)
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	s.log.Info("server.shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	err := hs.Shutdown(shutdownCtx)
	s.gateway.Wait()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

