package auth

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrUnauthorized indicates authentication failed or no valid credentials were supplied.
// Every *Error matches it via errors.Is.
var ErrUnauthorized = errors.New("unauthorized")

// ErrInsufficientScope indicates the caller authenticated but lacks the required scope.
var ErrInsufficientScope = errors.New("insufficient scope")

// UserInfo represents an authenticated principal.
// Implementations should be lightweight and safe for concurrent use.
type UserInfo interface {
	// UserID returns the unique identifier for the user (the "sub" claim).
	UserID() string
	// Claims unmarshalls the user's claims into the provided struct reference.
	Claims(ref any) error
}

// Authenticator validates bearer tokens and returns associated user info.
// It should return an *Error (matching ErrUnauthorized) for invalid credentials.
type Authenticator interface {
	CheckAuthentication(ctx context.Context, tok string) (UserInfo, error)
}

// VerifiedUser is the UserInfo produced by the gateway verifiers. It carries
// the full claim set and the path that established it.
type VerifiedUser struct {
	claims Claims
	method Method
}

// Method names the verification path that produced a VerifiedUser.
type Method string

const (
	// MethodSignature marks identities established by JWS signature verification.
	MethodSignature Method = "jws"
	// MethodDecryption marks identities established by JWE decryption with a client secret.
	MethodDecryption Method = "jwe"
)

// NewVerifiedUser wraps a validated claim set.
func NewVerifiedUser(claims Claims, method Method) *VerifiedUser {
	return &VerifiedUser{claims: claims.Clone(), method: method}
}

func (u *VerifiedUser) UserID() string { return u.claims.Subject() }

func (u *VerifiedUser) Claims(ref any) error {
	b, err := json.Marshal(u.claims)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

// RawClaims returns a copy of the verified claim set.
func (u *VerifiedUser) RawClaims() Claims { return u.claims.Clone() }

// Method reports how the identity was verified.
func (u *VerifiedUser) Method() Method { return u.method }

var _ UserInfo = (*VerifiedUser)(nil)
