package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestClaimsAudienceShapes(t *testing.T) {
	cases := []struct {
		name string
		aud  any
		want []string
	}{
		{"string", "api://x", []string{"api://x"}},
		{"list", []any{"a", "b", 3}, []string{"a", "b"}},
		{"typed list", []string{"c"}, []string{"c"}},
		{"empty string", "", nil},
		{"missing", nil, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := Claims{}
			if tc.aud != nil {
				c["aud"] = tc.aud
			}
			got := c.Audience()
			if strings.Join(got, ",") != strings.Join(tc.want, ",") {
				t.Fatalf("Audience() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestClaimsScopes(t *testing.T) {
	c := Claims{"scope": "openid  mcp:read\tmcp:write"}
	got := c.Scopes()
	if len(got) != 3 || got[1] != "mcp:read" {
		t.Fatalf("unexpected scopes %v", got)
	}
	c = Claims{"scope": []any{"a", "b"}}
	if got := c.Scopes(); len(got) != 2 {
		t.Fatalf("unexpected list scopes %v", got)
	}
}

func TestClaimsNumericDates(t *testing.T) {
	c := Claims{"exp": float64(1700000000), "nbf": json.Number("1690000000")}
	exp, ok := c.ExpiresAt()
	if !ok || exp.Unix() != 1700000000 {
		t.Fatalf("exp = %v ok=%v", exp, ok)
	}
	nbf, ok := c.NotBefore()
	if !ok || nbf.Unix() != 1690000000 {
		t.Fatalf("nbf = %v ok=%v", nbf, ok)
	}
	if _, ok := (Claims{"exp": "soon"}).ExpiresAt(); ok {
		t.Fatalf("expected string exp to be rejected")
	}
}

func TestErrorMatching(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", Errorf(KindExpired, "exp in past"))
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized match")
	}
	if errors.Is(err, ErrInsufficientScope) {
		t.Fatalf("expired must not match ErrInsufficientScope")
	}
	if KindOf(err) != KindExpired {
		t.Fatalf("KindOf = %q", KindOf(err))
	}
	scope := NewError(KindScopeMissing, nil)
	if !errors.Is(scope, ErrInsufficientScope) || !errors.Is(scope, ErrUnauthorized) {
		t.Fatalf("scope error should match both sentinels")
	}
	if KindOf(errors.New("plain")) != "" {
		t.Fatalf("plain error should have no kind")
	}
}

func TestVerifiedUserClaimsRoundTrip(t *testing.T) {
	u := NewVerifiedUser(Claims{"sub": "user-1", "email": "u@example.com"}, MethodDecryption)
	if u.UserID() != "user-1" {
		t.Fatalf("UserID = %q", u.UserID())
	}
	var out struct {
		Email string `json:"email"`
	}
	if err := u.Claims(&out); err != nil {
		t.Fatalf("Claims: %v", err)
	}
	if out.Email != "u@example.com" {
		t.Fatalf("email = %q", out.Email)
	}
	raw := u.RawClaims()
	raw["sub"] = "mutated"
	if u.UserID() != "user-1" {
		t.Fatalf("RawClaims must return a copy")
	}
	if u.Method() != MethodDecryption {
		t.Fatalf("method = %q", u.Method())
	}
}

func TestUserInfoContext(t *testing.T) {
	if _, ok := UserInfoFromContext(context.Background()); ok {
		t.Fatalf("expected no user on empty context")
	}
	ctx := WithUserInfo(context.Background(), NewVerifiedUser(Claims{"sub": "x"}, MethodSignature))
	ui, ok := UserInfoFromContext(ctx)
	if !ok || ui.UserID() != "x" {
		t.Fatalf("user not recovered from context")
	}
}

func TestBuildBearerChallenge(t *testing.T) {
	got := BuildBearerChallenge(ChallengeParams{Realm: `MCP "API"`, ResourceMetadata: "https://gw/.well-known/oauth-protected-resource"}, ChallengeInvalidToken, "token verification failed")
	want := `Bearer realm="MCP \"API\"", error="invalid_token", error_description="token verification failed", resource_metadata="https://gw/.well-known/oauth-protected-resource"`
	if got != want {
		t.Fatalf("challenge\n got: %s\nwant: %s", got, want)
	}
	if BuildBearerChallenge(ChallengeParams{}, "", "") != "Bearer" {
		t.Fatalf("empty challenge should be bare Bearer")
	}
}

func TestNewInvalidRequest(t *testing.T) {
	ch := NewInvalidRequest(ChallengeParams{Realm: "MCP API"}, "missing bearer token")
	if ch.Status != 401 || ch.Error != ChallengeInvalidRequest {
		t.Fatalf("unexpected challenge %+v", ch)
	}
	if !strings.Contains(ch.WWWAuthenticate, `error="invalid_request"`) {
		t.Fatalf("header missing error code: %s", ch.WWWAuthenticate)
	}
}

func TestProviderConfig(t *testing.T) {
	var c ProviderConfig
	if err := c.Validate(); err == nil {
		t.Fatalf("expected missing issuer error")
	}
	c = ProviderConfig{Issuer: "https://idp.example/", Audience: "api", RequiredScope: "  mcp  "}
	c.Normalize()
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if c.RequiredScope != "mcp" || len(c.AllowedAlgs) != 2 {
		t.Fatalf("Normalize did not apply defaults: %+v", c)
	}
	if c.NormalizedIssuer() != "https://idp.example" {
		t.Fatalf("NormalizedIssuer = %q", c.NormalizedIssuer())
	}
	d := c.WithRegistrationEndpoint("https://idp.example/reg")
	d.AllowedAlgs[0] = "HS256"
	if c.RegistrationEnabled() || !d.RegistrationEnabled() {
		t.Fatalf("WithRegistrationEndpoint must not mutate receiver")
	}
	if c.AllowedAlgs[0] != "RS256" {
		t.Fatalf("Copy must deep-copy AllowedAlgs")
	}
	c.AllowedAlgs = []string{"none"}
	if err := c.Validate(); err == nil {
		t.Fatalf("alg none must be rejected")
	}
}
