// Package gateway assembles the HTTP surface of the MCP authentication
// gateway: OAuth discovery documents, the dynamic client registration
// proxy, health endpoints and the bearer token gate in front of the
// protected MCP handler.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ggoodman/mcp-gateway/auth"
	"github.com/ggoodman/mcp-gateway/internal/discovery"
	"github.com/ggoodman/mcp-gateway/internal/logctx"
	"github.com/ggoodman/mcp-gateway/internal/metrics"
	"github.com/ggoodman/mcp-gateway/secrets"
)

// DefaultRealm is advertised in Bearer challenges when none is configured.
const DefaultRealm = "MCP API"

// DefaultExcludePaths are the gateway-owned prefixes that bypass
// authentication. Requests under them are never forwarded upstream.
var DefaultExcludePaths = []string{"/healthz", "/readyz", "/.well-known/", "/metrics"}

const readinessTimeout = 5 * time.Second

// ReadinessCheck reports whether the gateway can verify tokens.
type ReadinessCheck func(ctx context.Context) error

// Option configures the Gateway.
type Option func(*newConfig)

type newConfig struct {
	logger       *slog.Logger
	realm        string
	publicURL    string
	excludePaths []string
	store        *secrets.Store
	metrics      *metrics.Metrics
	ready        ReadinessCheck
	client       *http.Client
	discovery    *discovery.Resolver
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) { c.logger = l }
}

// WithRealm sets the realm advertised in WWW-Authenticate challenges.
func WithRealm(realm string) Option {
	return func(c *newConfig) { c.realm = strings.TrimSpace(realm) }
}

// WithPublicURL sets the externally visible base URL. It makes the local
// registration endpoint absolute and adds resource_metadata to challenges.
func WithPublicURL(u string) Option {
	return func(c *newConfig) { c.publicURL = strings.TrimRight(strings.TrimSpace(u), "/") }
}

// WithExcludePaths replaces the gateway-owned prefixes that bypass
// authentication.
func WithExcludePaths(paths ...string) Option {
	return func(c *newConfig) { c.excludePaths = append([]string(nil), paths...) }
}

// WithSecretStore sets the store that captures client secrets issued
// through the registration proxy.
func WithSecretStore(s *secrets.Store) Option {
	return func(c *newConfig) { c.store = s }
}

// WithMetrics enables request and registration instrumentation and serves
// /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *newConfig) { c.metrics = m }
}

// WithReadinessCheck sets the check behind /readyz.
func WithReadinessCheck(fn ReadinessCheck) Option {
	return func(c *newConfig) { c.ready = fn }
}

// WithHTTPClient sets the client used for upstream registration calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *newConfig) { c.client = hc }
}

// WithDiscovery supplies the upstream discovery snapshot used for
// authorization server metadata.
func WithDiscovery(r *discovery.Resolver) Option {
	return func(c *newConfig) { c.discovery = r }
}

// Gateway is the root http.Handler.
type Gateway struct {
	mux          *http.ServeMux
	log          *slog.Logger
	metrics      *metrics.Metrics
	metadata     *MetadataPublisher
	registration *RegistrationProxy
	gate         *AuthenticationGate
	ready        ReadinessCheck
}

// New builds the gateway in front of protected. The provider must be fully
// resolved (see ResolveUpstream); registration proxying is enabled when it
// carries a registration endpoint.
func New(provider auth.ProviderConfig, authenticator auth.Authenticator, protected http.Handler, opts ...Option) (*Gateway, error) {
	if authenticator == nil {
		return nil, errors.New("gateway: authenticator is required")
	}
	if protected == nil {
		return nil, errors.New("gateway: protected handler is required")
	}
	provider = provider.Copy()
	provider.Normalize()
	if err := provider.Validate(); err != nil {
		return nil, fmt.Errorf("gateway: %w", err)
	}

	cfg := &newConfig{
		logger:       slog.Default(),
		realm:        DefaultRealm,
		excludePaths: DefaultExcludePaths,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	log := slog.New(logctx.Handler{Handler: cfg.logger.Handler()})

	g := &Gateway{
		log:      log,
		metrics:  cfg.metrics,
		metadata: NewMetadataPublisher(provider, cfg.discovery, cfg.publicURL, log),
		ready:    cfg.ready,
	}
	g.gate = NewAuthenticationGate(authenticator, auth.ChallengeParams{
		Realm:            cfg.realm,
		ResourceMetadata: g.metadata.ResourceMetadataURL(),
	}, cfg.excludePaths, log)

	mux := http.NewServeMux()
	for _, p := range []string{authorizationServerMetadataPath, authorizationServerMetadataPath + "/"} {
		mux.HandleFunc("GET "+p, g.metadata.handleAuthorizationServer)
		mux.HandleFunc("OPTIONS "+p, preflight(metadataMethods))
	}
	for _, p := range []string{protectedResourceMetadataPath, protectedResourceMetadataPath + "/"} {
		mux.HandleFunc("GET "+p, g.metadata.handleProtectedResource)
		mux.HandleFunc("OPTIONS "+p, preflight(metadataMethods))
	}
	if provider.RegistrationEnabled() {
		g.registration = NewRegistrationProxy(provider.RegistrationEndpoint, cfg.client, cfg.store, cfg.metrics, log)
		mux.HandleFunc("POST "+registerPath, func(w http.ResponseWriter, r *http.Request) {
			setCORS(w, "POST, OPTIONS")
			g.registration.ServeHTTP(w, r)
		})
		mux.HandleFunc("OPTIONS "+registerPath, preflight("POST, OPTIONS"))
	}
	mux.HandleFunc("GET /healthz", g.handleHealthz)
	mux.HandleFunc("GET /readyz", g.handleReadyz)
	if cfg.metrics != nil {
		mux.Handle("GET /metrics", cfg.metrics.Handler())
	}
	mux.Handle("/", g.protectedRoute(protected))
	g.mux = mux

	log.Info("gateway.init",
		slog.String("issuer", provider.Issuer),
		slog.String("audience", provider.Audience),
		slog.Bool("registration", provider.RegistrationEnabled()),
		slog.String("required_scope", provider.RequiredScope),
	)
	return g, nil
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})
	r = r.WithContext(ctx)

	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w}
	g.mux.ServeHTTP(rec, r)

	status := rec.status
	if status == 0 {
		status = http.StatusOK
	}
	_, route := g.mux.Handler(r)
	if route == "" {
		route = "unmatched"
	}
	g.metrics.ObserveRequest(route, status)
	g.log.DebugContext(ctx, "http.request",
		slog.String("route", route),
		slog.Int("status", status),
		slog.Duration("elapsed", time.Since(start)),
	)
}

// protectedRoute guards the catch-all route. Excluded prefixes belong to the
// gateway; a request under one that no gateway route matched is answered
// here and never reaches protected.
func (g *Gateway) protectedRoute(protected http.Handler) http.Handler {
	guarded := g.gate.Wrap(protected)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.gate.Skipped(r.URL.Path) {
			g.log.InfoContext(r.Context(), "gateway.route.reserved", slog.String("path", r.URL.Path))
			writeJSONError(w, http.StatusNotFound, errNotFound, "no such gateway endpoint")
			return
		}
		guarded.ServeHTTP(w, r)
	})
}

// Metadata returns the discovery document publisher.
func (g *Gateway) Metadata() *MetadataPublisher { return g.metadata }

// RegistrationEnabled reports whether POST /register is served.
func (g *Gateway) RegistrationEnabled() bool { return g.registration != nil }

// Wait blocks until background work started by registrations has finished.
func (g *Gateway) Wait() {
	if g.registration != nil {
		g.registration.Wait()
	}
}

type healthResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func (g *Gateway) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

func (g *Gateway) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if g.ready == nil {
		writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()
	if err := g.ready(ctx); err != nil {
		g.log.WarnContext(ctx, "readyz.fail", slog.String("err", err.Error()))
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unavailable", Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}
