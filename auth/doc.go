// Package auth holds the authentication primitives shared by the gateway:
// the Authenticator contract, the verified principal (UserInfo), the claim
// set type, classified verification errors and Bearer challenge rendering.
//
// The gateway extracts a bearer token from the Authorization header, hands it
// to an Authenticator and maps failures into RFC 6750 challenges:
//
//	ui, err := authn.CheckAuthentication(r.Context(), bearerToken)
//	switch {
//	case err == nil:
//	    ctx = auth.WithUserInfo(ctx, ui)
//	case errors.Is(err, auth.ErrUnauthorized):
//	    // 401 invalid_token; auth.KindOf(err) says why, for logs only.
//	default:
//	    // 500
//	}
//
// # Errors
//
// Every *Error matches ErrUnauthorized. Errors of KindScopeMissing also match
// ErrInsufficientScope. The kind is never surfaced to clients.
package auth
