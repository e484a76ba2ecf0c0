package gateway

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ggoodman/mcp-gateway/auth"
	"github.com/ggoodman/mcp-gateway/internal/logctx"
)

const tokenVerificationFailed = "token verification failed"

// AuthenticationGate rejects requests without a valid bearer token.
type AuthenticationGate struct {
	authenticator auth.Authenticator
	params        auth.ChallengeParams
	skip          []string
	log           *slog.Logger
}

// NewAuthenticationGate builds a gate. Requests whose path starts with any
// of skip bypass authentication.
func NewAuthenticationGate(a auth.Authenticator, params auth.ChallengeParams, skip []string, log *slog.Logger) *AuthenticationGate {
	if log == nil {
		log = slog.Default()
	}
	return &AuthenticationGate{
		authenticator: a,
		params:        params,
		skip:          append([]string(nil), skip...),
		log:           log,
	}
}

// Skipped reports whether path bypasses authentication.
func (g *AuthenticationGate) Skipped(path string) bool {
	for _, p := range g.skip {
		if p != "" && strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// Wrap returns next guarded by the gate.
func (g *AuthenticationGate) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.Skipped(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		ctx := r.Context()
		tok, ok := bearerToken(r.Header.Get(authorizationHeader))
		if !ok {
			desc := "missing bearer token"
			if r.Header.Get(authorizationHeader) != "" {
				desc = "authorization header must use the Bearer scheme"
			}
			g.log.InfoContext(ctx, "auth.check.missing", slog.String("path", r.URL.Path))
			g.challenge(w, auth.NewInvalidRequest(g.params, desc))
			return
		}

		ui, err := g.authenticator.CheckAuthentication(ctx, tok)
		if err != nil {
			var ae *auth.Error
			if errors.As(err, &ae) {
				g.log.InfoContext(ctx, "auth.check.fail", slog.String("kind", string(ae.Kind)), slog.String("err", err.Error()))
				g.challenge(w, auth.NewInvalidToken(g.params, tokenVerificationFailed))
				return
			}
			g.log.ErrorContext(ctx, "auth.check.error", slog.String("err", err.Error()))
			writeJSONError(w, http.StatusInternalServerError, errServerError, "internal authentication error")
			return
		}

		ad := &logctx.AuthData{Subject: ui.UserID()}
		if vu, ok := ui.(*auth.VerifiedUser); ok {
			ad.Method = string(vu.Method())
		}
		ctx = auth.WithUserInfo(ctx, ui)
		ctx = logctx.WithAuthData(ctx, ad)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (g *AuthenticationGate) challenge(w http.ResponseWriter, c *auth.AuthenticationChallenge) {
	w.Header().Set(wwwAuthenticateHeader, c.WWWAuthenticate)
	writeJSONError(w, c.Status, c.Error, c.ErrorDescription)
}

// bearerToken extracts the credentials from a "Bearer <token>" header.
// The scheme is matched case-insensitively.
func bearerToken(header string) (string, bool) {
	scheme, tok, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	tok = strings.TrimSpace(tok)
	if tok == "" || strings.ContainsAny(tok, " \t") {
		return "", false
	}
	return tok, true
}
