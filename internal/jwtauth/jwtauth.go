// Package jwtauth verifies bearer tokens presented to the gateway.
//
// Signed tokens (compact JWS) are verified against the upstream key set.
// Encrypted tokens (compact JWE, "alg":"dir") are decrypted with captured
// client secrets. Either way the resulting claims pass through
// ValidateClaims before an identity is returned.
package jwtauth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ggoodman/mcp-gateway/auth"
	"github.com/ggoodman/mcp-gateway/internal/jwe"
	"github.com/ggoodman/mcp-gateway/internal/jwks"
)

// KeySource supplies the current verification key set.
type KeySource interface {
	Keys(ctx context.Context) (*jwks.KeySet, error)
}

// KeyRefresher is implemented by key sources that can refetch early when a
// token names a key the current set lacks.
type KeyRefresher interface {
	Refresh(ctx context.Context, stale *jwks.KeySet) (*jwks.KeySet, error)
}

// SecretSource supplies the client secrets used for JWE decryption.
type SecretSource interface {
	Secrets() []string
}

// Observer is notified of every verification outcome. kind is empty on success.
type Observer func(method auth.Method, kind auth.ErrorKind, elapsed time.Duration)

// Option configures a Verifier.
type Option func(*Verifier)

// WithSecrets enables the decryption path.
func WithSecrets(s SecretSource) Option {
	return func(v *Verifier) { v.secrets = s }
}

// WithDecryptor overrides the JWE decryptor.
func WithDecryptor(d *jwe.Decryptor) Option {
	return func(v *Verifier) { v.decryptor = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(v *Verifier) { v.log = l }
}

// WithClock overrides the time source used for exp/nbf checks.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

// WithObserver registers a verification outcome callback.
func WithObserver(o Observer) Option {
	return func(v *Verifier) { v.observer = o }
}

// Verifier turns a raw bearer token into a verified identity. It is safe
// for concurrent use.
type Verifier struct {
	cfg       auth.ProviderConfig
	keys      KeySource
	secrets   SecretSource
	decryptor *jwe.Decryptor
	parser    *jwt.Parser
	log       *slog.Logger
	now       func() time.Time
	observer  Observer
}

// NewVerifier constructs a Verifier for the given provider.
func NewVerifier(cfg auth.ProviderConfig, keys KeySource, opts ...Option) (*Verifier, error) {
	cfg = cfg.Copy()
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if keys == nil {
		return nil, errors.New("jwtauth: key source required")
	}
	v := &Verifier{
		cfg:  cfg,
		keys: keys,
		log:  slog.Default(),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.log == nil {
		v.log = slog.Default()
	}
	if v.decryptor == nil {
		v.decryptor = jwe.NewDecryptor(jwe.WithLogger(v.log))
	}
	// Time, issuer and audience checks are done by ValidateClaims so each
	// failure maps to a precise kind.
	v.parser = jwt.NewParser(
		jwt.WithValidMethods(cfg.AllowedAlgs),
		jwt.WithoutClaimsValidation(),
	)
	return v, nil
}

// Config returns the provider configuration in effect.
func (v *Verifier) Config() auth.ProviderConfig { return v.cfg.Copy() }

type tokenShape int

const (
	shapeMalformed tokenShape = iota
	shapeJWS
	shapeJWE
)

// classify inspects the compact serialization without verifying anything.
func classify(tok string) tokenShape {
	parts := strings.Split(tok, ".")
	switch len(parts) {
	case 3:
		return shapeJWS
	case 5:
		raw, err := base64.RawURLEncoding.DecodeString(parts[0])
		if err != nil {
			return shapeMalformed
		}
		var hdr struct {
			Enc string `json:"enc"`
		}
		if err := json.Unmarshal(raw, &hdr); err != nil || hdr.Enc == "" {
			return shapeMalformed
		}
		return shapeJWE
	}
	return shapeMalformed
}

// Verify authenticates tok. Failures are *auth.Error values; a canceled ctx
// is returned as is.
func (v *Verifier) Verify(ctx context.Context, tok string) (*auth.VerifiedUser, error) {
	start := time.Now()
	tok = strings.TrimSpace(tok)

	var (
		claims auth.Claims
		method auth.Method
		err    error
	)
	switch classify(tok) {
	case shapeJWE:
		method = auth.MethodDecryption
		claims, err = v.decrypt(tok)
	case shapeJWS:
		method = auth.MethodSignature
		claims, err = v.verifySignature(ctx, tok)
	default:
		method = auth.MethodSignature
		err = auth.Errorf(auth.KindSignatureInvalid, "malformed token")
	}
	if err == nil {
		if cerr := ValidateClaims(claims, v.cfg, v.now()); cerr != nil {
			var ce *ClaimError
			errors.As(cerr, &ce)
			err = auth.NewError(ce.Kind, cerr)
		}
	}

	elapsed := time.Since(start)
	if err != nil {
		kind := auth.KindOf(err)
		if v.observer != nil && kind != "" {
			v.observer(method, kind, elapsed)
		}
		v.log.InfoContext(ctx, "auth.verify.fail",
			slog.String("method", string(method)),
			slog.String("kind", string(kind)),
			slog.String("err", err.Error()),
		)
		return nil, err
	}
	if v.observer != nil {
		v.observer(method, "", elapsed)
	}
	u := auth.NewVerifiedUser(claims, method)
	v.log.DebugContext(ctx, "auth.verify.ok", slog.String("sub", u.UserID()), slog.String("method", string(method)))
	return u, nil
}

// CheckAuthentication implements auth.Authenticator.
func (v *Verifier) CheckAuthentication(ctx context.Context, tok string) (auth.UserInfo, error) {
	u, err := v.Verify(ctx, tok)
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (v *Verifier) verifySignature(ctx context.Context, tok string) (auth.Claims, error) {
	ks, err := v.keys.Keys(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, auth.NewError(auth.KindSignatureInvalid, err)
	}
	if kid, ok := headerKID(tok); ok && !ks.Has(kid) {
		ks = v.refreshKeys(ctx, ks, kid)
	}
	parsed, err := v.parser.Parse(tok, ks.Keyfunc)
	if err != nil {
		return nil, auth.NewError(auth.KindSignatureInvalid, err)
	}
	mc, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, auth.Errorf(auth.KindSignatureInvalid, "unexpected claims type %T", parsed.Claims)
	}
	return auth.Claims(mc), nil
}

// refreshKeys asks the key source for a newer set after a token named an
// unknown kid. The current set is kept when no newer one is available.
func (v *Verifier) refreshKeys(ctx context.Context, ks *jwks.KeySet, kid string) *jwks.KeySet {
	r, ok := v.keys.(KeyRefresher)
	if !ok {
		return ks
	}
	fresh, err := r.Refresh(ctx, ks)
	if err != nil {
		v.log.WarnContext(ctx, "auth.keys.refresh.fail", slog.String("kid", kid), slog.String("err", err.Error()))
		return ks
	}
	return fresh
}

// headerKID returns the kid of a compact JWS header, if present.
func headerKID(tok string) (string, bool) {
	seg, _, ok := strings.Cut(tok, ".")
	if !ok {
		return "", false
	}
	raw, err := base64.RawURLEncoding.DecodeString(seg)
	if err != nil {
		return "", false
	}
	var hdr struct {
		Kid string `json:"kid"`
	}
	if err := json.Unmarshal(raw, &hdr); err != nil || hdr.Kid == "" {
		return "", false
	}
	return hdr.Kid, true
}

func (v *Verifier) decrypt(tok string) (auth.Claims, error) {
	var secrets []string
	if v.secrets != nil {
		secrets = v.secrets.Secrets()
	}
	claims, err := v.decryptor.Decrypt(tok, secrets)
	if err != nil {
		return nil, auth.NewError(auth.KindDecryptionFailed, err)
	}
	return claims, nil
}

var _ auth.Authenticator = (*Verifier)(nil)
