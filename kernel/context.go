package kernel

import "context"

type parentTokenKey struct{}

// WithParentToken returns a context whose submissions are linked to the command with the
// given token. Kernel hosts attach it to the context of each command they handle, so
// commands submitted while handling another become its children.
func WithParentToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, parentTokenKey{}, token)
}

// ParentTokenFromContext returns the token set by WithParentToken.
func ParentTokenFromContext(ctx context.Context) (string, bool) {
	token, ok := ctx.Value(parentTokenKey{}).(string)
	return token, ok && token != ""
}
