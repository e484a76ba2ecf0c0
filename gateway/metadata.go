package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/ggoodman/mcp-gateway/auth"
	"github.com/ggoodman/mcp-gateway/internal/discovery"
	"github.com/ggoodman/mcp-gateway/internal/wellknown"
)

const (
	authorizationServerMetadataPath = "/.well-known/oauth-authorization-server"
	protectedResourceMetadataPath   = "/.well-known/oauth-protected-resource"
	registerPath                    = "/register"

	metadataMethods = "GET, OPTIONS"

	metadataDiscoveryTimeout = 5 * time.Second
)

// MetadataPublisher serves the OAuth discovery documents describing the
// upstream provider and the protected resource.
type MetadataPublisher struct {
	provider  auth.ProviderConfig
	discovery *discovery.Resolver
	publicURL string
	log       *slog.Logger
}

// NewMetadataPublisher builds a publisher. resolver may be nil, in which
// case endpoints are always derived from the issuer.
func NewMetadataPublisher(provider auth.ProviderConfig, resolver *discovery.Resolver, publicURL string, log *slog.Logger) *MetadataPublisher {
	if log == nil {
		log = slog.Default()
	}
	return &MetadataPublisher{
		provider:  provider,
		discovery: resolver,
		publicURL: strings.TrimRight(publicURL, "/"),
		log:       log,
	}
}

// AuthorizationServer renders the RFC 8414 document. Endpoints come from
// the discovery snapshot when available, otherwise from the issuer using
// Auth0 or Keycloak conventions.
func (m *MetadataPublisher) AuthorizationServer(ctx context.Context) wellknown.AuthorizationServerMetadata {
	issuer := m.provider.NormalizedIssuer()
	var doc *wellknown.OpenIDConfiguration
	if m.discovery != nil {
		dctx, cancel := context.WithTimeout(ctx, metadataDiscoveryTimeout)
		d, err := m.discovery.Document(dctx)
		cancel()
		if err == nil {
			doc = d
		}
	}

	authz, token := fallbackEndpoints(issuer)
	var challengeMethods []string
	jwksURI := m.provider.JWKSURI
	if doc != nil {
		if doc.AuthorizationEndpoint != "" {
			authz = doc.AuthorizationEndpoint
		}
		if doc.TokenEndpoint != "" {
			token = doc.TokenEndpoint
		}
		if jwksURI == "" {
			jwksURI = doc.JwksURI
		}
		challengeMethods = doc.CodeChallengeMethodsSupported
	}

	md := wellknown.AuthorizationServerMetadata{
		Issuer:                            m.provider.Issuer,
		AuthorizationEndpoint:             authz,
		TokenEndpoint:                     token,
		JwksURI:                           jwksURI,
		ScopesSupported:                   m.asScopes(),
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{"authorization_code", "client_credentials"},
		TokenEndpointAuthMethodsSupported: []string{"client_secret_basic", "client_secret_post"},
		SubjectTypesSupported:             []string{"public"},
		IDTokenSigningAlgValuesSupported:  []string{"RS256"},
		CodeChallengeMethodsSupported:     challengeMethods,
	}
	if m.provider.RegistrationEnabled() {
		md.RegistrationEndpoint = m.absolute(registerPath)
	}
	return md
}

// ProtectedResource renders the RFC 9728 document.
func (m *MetadataPublisher) ProtectedResource() wellknown.ProtectedResourceMetadata {
	scopes := []string{"openid"}
	if m.provider.RequiredScope != "" {
		scopes = []string{m.provider.RequiredScope}
	}
	md := wellknown.ProtectedResourceMetadata{
		Resource:               m.provider.Audience,
		AuthorizationServers:   []string{m.provider.Issuer},
		ScopesSupported:        scopes,
		BearerMethodsSupported: []string{"header"},
	}
	if m.provider.RegistrationEnabled() {
		md.RegistrationEndpoint = m.absolute(registerPath)
	}
	return md
}

// ResourceMetadataURL is advertised in Bearer challenges when a public URL
// is configured.
func (m *MetadataPublisher) ResourceMetadataURL() string {
	if m.publicURL == "" {
		return ""
	}
	return m.publicURL + protectedResourceMetadataPath
}

func (m *MetadataPublisher) handleAuthorizationServer(w http.ResponseWriter, r *http.Request) {
	setCORS(w, metadataMethods)
	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, http.StatusOK, m.AuthorizationServer(r.Context()))
}

func (m *MetadataPublisher) handleProtectedResource(w http.ResponseWriter, r *http.Request) {
	setCORS(w, metadataMethods)
	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, http.StatusOK, m.ProtectedResource())
}

func (m *MetadataPublisher) asScopes() []string {
	scopes := make([]string, 0, 2)
	if m.provider.RequiredScope != "" {
		scopes = append(scopes, m.provider.RequiredScope)
	}
	if !slices.Contains(scopes, "openid") {
		scopes = append(scopes, "openid")
	}
	return scopes
}

func (m *MetadataPublisher) absolute(path string) string {
	if m.publicURL == "" {
		return path
	}
	return m.publicURL + path
}

func fallbackEndpoints(issuer string) (authorization, token string) {
	if strings.Contains(issuer, "auth0.com") {
		return issuer + "/authorize", issuer + "/oauth/token"
	}
	return issuer + "/protocol/openid-connect/auth", issuer + "/protocol/openid-connect/token"
}
