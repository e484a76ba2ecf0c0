package jwtauth

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/ggoodman/mcp-gateway/auth"
)

// ClaimError reports the first claim check a token failed.
type ClaimError struct {
	Kind   auth.ErrorKind
	Detail string
}

func (e *ClaimError) Error() string {
	return fmt.Sprintf("jwtauth: %s: %s", e.Kind, e.Detail)
}

func claimErr(kind auth.ErrorKind, format string, args ...any) *ClaimError {
	return &ClaimError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// ValidateClaims applies the gateway's claim policy to an already
// authenticated claim set. Checks run in a fixed order and stop at the
// first failure:
//
//  1. time: exp must be in the future and nbf not in the future, within
//     cfg.Leeway. Absent exp/nbf are not enforced.
//  2. issuer: equal to cfg.Issuer after trimming trailing slashes from both.
//  3. audience: cfg.Audience equals the aud string or appears in the aud list.
//  4. scope: only when cfg.RequiredScope is set; it must appear in the
//     space-delimited scope string or the scope list.
func ValidateClaims(claims auth.Claims, cfg auth.ProviderConfig, now time.Time) error {
	if exp, ok := claims.ExpiresAt(); ok && !now.Before(exp.Add(cfg.Leeway)) {
		return claimErr(auth.KindExpired, "token expired at %s", exp.UTC().Format(time.RFC3339))
	}
	if nbf, ok := claims.NotBefore(); ok && now.Add(cfg.Leeway).Before(nbf) {
		return claimErr(auth.KindNotYetValid, "token not valid before %s", nbf.UTC().Format(time.RFC3339))
	}

	if got, want := strings.TrimRight(claims.Issuer(), "/"), cfg.NormalizedIssuer(); got == "" || got != want {
		return claimErr(auth.KindIssuerMismatch, "expected %q, got %q", want, got)
	}

	if !slices.Contains(claims.Audience(), cfg.Audience) {
		return claimErr(auth.KindAudienceMismatch, "expected %q in %v", cfg.Audience, claims.Audience())
	}

	if cfg.RequiredScope != "" && !slices.Contains(claims.Scopes(), cfg.RequiredScope) {
		return claimErr(auth.KindScopeMissing, "required scope %q not in %v", cfg.RequiredScope, claims.Scopes())
	}
	return nil
}
