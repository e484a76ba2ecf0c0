package auth

import (
	"errors"
	"strings"
	"time"
)

// ProviderConfig is the immutable description of the upstream identity
// provider that tokens are verified against. It is resolved once at startup
// and passed by value; use the With* methods to derive modified copies.
type ProviderConfig struct {
	// Issuer is the upstream issuer URL. Trailing slashes are ignored when
	// comparing against the "iss" claim.
	Issuer string
	// Audience is the expected "aud" value, typically this gateway's resource identifier.
	Audience string
	// JWKSURI overrides the jwks_uri learned from discovery.
	JWKSURI string
	// DCRProxyURL is the registration endpoint used when the upstream does
	// not advertise one.
	DCRProxyURL string
	// RequiredScope, when non-empty, must appear in the token's scope claim.
	// Empty means no scope check (machine-to-machine tokens).
	RequiredScope string
	// RegistrationEndpoint is the upstream DCR endpoint resolved at startup.
	// Empty disables registration proxying.
	RegistrationEndpoint string

	AllowedAlgs []string      // default: ["RS256", "ES256"]
	Leeway      time.Duration // clock skew tolerance for exp/nbf (default 0)
}

// DefaultAllowedAlgs are the JWS algorithms accepted when none are configured.
var DefaultAllowedAlgs = []string{"RS256", "ES256"}

// Normalize fills defaults in place.
func (c *ProviderConfig) Normalize() {
	if len(c.AllowedAlgs) == 0 {
		c.AllowedAlgs = append([]string(nil), DefaultAllowedAlgs...)
	}
	c.RequiredScope = strings.TrimSpace(c.RequiredScope)
}

// Validate returns an error if required invariants are not met.
func (c ProviderConfig) Validate() error {
	if c.Issuer == "" {
		return errors.New("provider: issuer required")
	}
	if c.Audience == "" {
		return errors.New("provider: audience required")
	}
	for _, a := range c.AllowedAlgs {
		if strings.EqualFold(a, "none") {
			return errors.New("provider: alg none is not allowed")
		}
	}
	return nil
}

// Copy returns a deep copy safe for mutation by the caller.
func (c ProviderConfig) Copy() ProviderConfig {
	dup := c
	dup.AllowedAlgs = append([]string(nil), c.AllowedAlgs...)
	return dup
}

// WithJWKSURI returns a copy with the JWKS URI set.
func (c ProviderConfig) WithJWKSURI(uri string) ProviderConfig {
	dup := c.Copy()
	dup.JWKSURI = uri
	return dup
}

// WithRegistrationEndpoint returns a copy with the upstream registration endpoint set.
func (c ProviderConfig) WithRegistrationEndpoint(endpoint string) ProviderConfig {
	dup := c.Copy()
	dup.RegistrationEndpoint = endpoint
	return dup
}

// RegistrationEnabled reports whether DCR proxying is active.
func (c ProviderConfig) RegistrationEnabled() bool { return c.RegistrationEndpoint != "" }

// NormalizedIssuer returns the issuer without trailing slashes.
func (c ProviderConfig) NormalizedIssuer() string { return strings.TrimRight(c.Issuer, "/") }
