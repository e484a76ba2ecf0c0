package gateway

import (
	"context"
	"log/slog"

	"github.com/ggoodman/mcp-gateway/auth"
	"github.com/ggoodman/mcp-gateway/internal/discovery"
)

// Upstream is the provider description completed by startup discovery.
type Upstream struct {
	// Provider has JWKSURI and RegistrationEndpoint resolved.
	Provider auth.ProviderConfig
	// Discovery holds the startup snapshot (possibly empty) for metadata publishing.
	Discovery *discovery.Resolver
}

// ResolveUpstream performs discovery against the provider's issuer.
//
// A failed discovery is fatal unless a JWKS URI was configured explicitly.
// The registration endpoint is the discovered one, else the configured DCR
// proxy URL, else empty (registration proxying disabled).
func ResolveUpstream(ctx context.Context, p auth.ProviderConfig, log *slog.Logger, opts ...discovery.Option) (*Upstream, error) {
	if log == nil {
		log = slog.Default()
	}
	p = p.Copy()
	p.Normalize()
	if err := p.Validate(); err != nil {
		return nil, err
	}

	doc, err := discovery.Fetch(ctx, p.Issuer, opts...)
	if err != nil {
		if p.JWKSURI == "" {
			return nil, err
		}
		log.WarnContext(ctx, "discovery.fetch.fail", slog.String("issuer", p.Issuer), slog.String("err", err.Error()))
	}

	jwksURI := p.JWKSURI
	if jwksURI == "" {
		jwksURI = doc.JwksURI
	}
	registration := p.DCRProxyURL
	if doc != nil && doc.RegistrationEndpoint != "" {
		registration = doc.RegistrationEndpoint
	}

	resolved := p.WithJWKSURI(jwksURI).WithRegistrationEndpoint(registration)
	log.InfoContext(ctx, "discovery.resolved",
		slog.String("issuer", resolved.Issuer),
		slog.String("jwks_uri", resolved.JWKSURI),
		slog.String("registration_endpoint", resolved.RegistrationEndpoint),
	)
	return &Upstream{
		Provider:  resolved,
		Discovery: discovery.NewResolver(p.Issuer, doc, append(opts, discovery.WithLogger(log))...),
	}, nil
}
