// Package discovery fetches an upstream OpenID Connect discovery document.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"

	"github.com/ggoodman/mcp-gateway/internal/wellknown"
)

// DefaultTimeout bounds a discovery fetch.
const DefaultTimeout = 10 * time.Second

var (
	// ErrDiscovery wraps every discovery failure.
	ErrDiscovery = errors.New("discovery failed")
	// ErrIssuerMismatch is returned when the document names a different issuer.
	ErrIssuerMismatch = errors.New("issuer mismatch")
)

// Option configures a fetch.
type Option func(*newConfig)

type newConfig struct {
	client  *http.Client
	timeout time.Duration
	log     *slog.Logger
}

// WithHTTPClient sets the client used for the discovery request.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *newConfig) { c.client = hc }
}

// WithTimeout bounds the discovery request.
func WithTimeout(d time.Duration) Option {
	return func(c *newConfig) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets the logger used by Resolver.
func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) { c.log = l }
}

func buildConfig(opts []Option) newConfig {
	cfg := newConfig{client: http.DefaultClient, timeout: DefaultTimeout, log: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.client == nil {
		cfg.client = http.DefaultClient
	}
	if cfg.log == nil {
		cfg.log = slog.Default()
	}
	return cfg
}

// Fetch retrieves {issuer}/.well-known/openid-configuration. The issuer in
// the document must match after trailing slashes are trimmed, and a
// jwks_uri must be present.
func Fetch(ctx context.Context, issuer string, opts ...Option) (*wellknown.OpenIDConfiguration, error) {
	cfg := buildConfig(opts)
	return fetch(ctx, issuer, cfg)
}

func fetch(ctx context.Context, issuer string, cfg newConfig) (*wellknown.OpenIDConfiguration, error) {
	if issuer == "" {
		return nil, fmt.Errorf("%w: issuer required", ErrDiscovery)
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.timeout)
	defer cancel()
	ctx = oidc.ClientContext(ctx, cfg.client)
	// go-oidc compares issuers byte for byte; providers disagree on the
	// trailing slash so the comparison is done below instead.
	ctx = oidc.InsecureIssuerURLContext(ctx, issuer)

	provider, err := oidc.NewProvider(ctx, strings.TrimRight(issuer, "/"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDiscovery, err)
	}
	var doc wellknown.OpenIDConfiguration
	if err := provider.Claims(&doc); err != nil {
		return nil, fmt.Errorf("%w: invalid metadata: %v", ErrDiscovery, err)
	}
	if got, want := strings.TrimRight(doc.Issuer, "/"), strings.TrimRight(issuer, "/"); got != want {
		return nil, fmt.Errorf("%w: %w: expected %q, got %q", ErrDiscovery, ErrIssuerMismatch, want, got)
	}
	if doc.JwksURI == "" {
		return nil, fmt.Errorf("%w: jwks_uri missing", ErrDiscovery)
	}
	return &doc, nil
}

// Resolver holds the discovery snapshot taken at startup. When that attempt
// failed it retries on demand and keeps the first success.
type Resolver struct {
	issuer string
	cfg    newConfig

	mu  sync.Mutex
	doc *wellknown.OpenIDConfiguration
}

// NewResolver wraps an initial snapshot, which may be nil.
func NewResolver(issuer string, initial *wellknown.OpenIDConfiguration, opts ...Option) *Resolver {
	return &Resolver{issuer: issuer, cfg: buildConfig(opts), doc: initial}
}

// Document returns the snapshot, fetching it if none is held yet.
func (r *Resolver) Document(ctx context.Context) (*wellknown.OpenIDConfiguration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.doc != nil {
		return r.doc, nil
	}
	doc, err := fetch(ctx, r.issuer, r.cfg)
	if err != nil {
		r.cfg.log.WarnContext(ctx, "discovery.retry.fail", slog.String("issuer", r.issuer), slog.String("err", err.Error()))
		return nil, err
	}
	r.cfg.log.InfoContext(ctx, "discovery.retry.ok", slog.String("issuer", r.issuer))
	r.doc = doc
	return doc, nil
}

// Cached returns the snapshot without fetching.
func (r *Resolver) Cached() *wellknown.OpenIDConfiguration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc
}
