package auth

import (
	"fmt"
	"net/http"
	"strings"
)

// Error codes used in Bearer challenges (RFC 6750 §3.1).
const (
	ChallengeInvalidRequest = "invalid_request"
	ChallengeInvalidToken   = "invalid_token"
)

// AuthenticationChallenge describes an HTTP challenge (status + WWW-Authenticate
// header) together with the JSON error body sent alongside it.
type AuthenticationChallenge struct {
	Status           int
	WWWAuthenticate  string
	Error            string
	ErrorDescription string
}

// ChallengeParams are the attributes rendered into a Bearer challenge.
type ChallengeParams struct {
	Realm            string
	ResourceMetadata string
}

// NewInvalidRequest builds a challenge for a missing or malformed Authorization header.
func NewInvalidRequest(p ChallengeParams, description string) *AuthenticationChallenge {
	return newChallenge(p, ChallengeInvalidRequest, description)
}

// NewInvalidToken builds a challenge for a token that failed verification.
func NewInvalidToken(p ChallengeParams, description string) *AuthenticationChallenge {
	return newChallenge(p, ChallengeInvalidToken, description)
}

func newChallenge(p ChallengeParams, code, description string) *AuthenticationChallenge {
	return &AuthenticationChallenge{
		Status:           http.StatusUnauthorized,
		WWWAuthenticate:  BuildBearerChallenge(p, code, description),
		Error:            code,
		ErrorDescription: description,
	}
}

// BuildBearerChallenge renders a standardized Bearer challenge header value:
//
//	Bearer realm="<realm>", error="...", error_description="...", resource_metadata="..."
//
// Empty attributes are omitted. Quoted values are escaped.
func BuildBearerChallenge(p ChallengeParams, code, description string) string {
	esc := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	pieces := make([]string, 0, 4)
	if p.Realm != "" {
		pieces = append(pieces, fmt.Sprintf(`realm="%s"`, esc.Replace(p.Realm)))
	}
	if code != "" {
		pieces = append(pieces, fmt.Sprintf(`error="%s"`, esc.Replace(code)))
	}
	if description != "" {
		pieces = append(pieces, fmt.Sprintf(`error_description="%s"`, esc.Replace(description)))
	}
	if p.ResourceMetadata != "" {
		pieces = append(pieces, fmt.Sprintf(`resource_metadata="%s"`, esc.Replace(p.ResourceMetadata)))
	}
	if len(pieces) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(pieces, ", ")
}
