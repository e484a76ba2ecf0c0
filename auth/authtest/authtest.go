// Package authtest provides Authenticator doubles for handler tests.
package authtest

import (
	"context"
	"sync"

	"github.com/ggoodman/mcp-gateway/auth"
)

// Static is a test authenticator that accepts a fixed set of tokens. Tokens
// not present in the map fail with KindSignatureInvalid.
type Static struct {
	mu     sync.Mutex
	tokens map[string]auth.Claims
	calls  int
}

// NewStatic creates a Static authenticator from token -> claims pairs.
func NewStatic(tokens map[string]auth.Claims) *Static {
	s := &Static{tokens: make(map[string]auth.Claims, len(tokens))}
	for k, v := range tokens {
		s.tokens[k] = v.Clone()
	}
	return s
}

// Allow registers tok as valid for the given claims.
func (s *Static) Allow(tok string, claims auth.Claims) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[tok] = claims.Clone()
}

func (s *Static) CheckAuthentication(ctx context.Context, tok string) (auth.UserInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	claims, ok := s.tokens[tok]
	if !ok {
		return nil, auth.Errorf(auth.KindSignatureInvalid, "unknown token")
	}
	return auth.NewVerifiedUser(claims, auth.MethodSignature), nil
}

// Calls returns how many times CheckAuthentication was invoked.
func (s *Static) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Failing is an Authenticator that always returns Err.
type Failing struct{ Err error }

func (f Failing) CheckAuthentication(context.Context, string) (auth.UserInfo, error) {
	return nil, f.Err
}

var (
	_ auth.Authenticator = (*Static)(nil)
	_ auth.Authenticator = Failing{}
)
