package auth

import "context"

type userInfoKey struct{}

// WithUserInfo returns a copy of ctx carrying the authenticated principal.
func WithUserInfo(ctx context.Context, ui UserInfo) context.Context {
	return context.WithValue(ctx, userInfoKey{}, ui)
}

// UserInfoFromContext returns the principal attached by the authentication
// gate, if any.
func UserInfoFromContext(ctx context.Context) (UserInfo, bool) {
	ui, ok := ctx.Value(userInfoKey{}).(UserInfo)
	return ui, ok && ui != nil
}
