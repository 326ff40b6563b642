package auth

import "context"

type ctxKey struct{}

// WithIdentity returns a new context with the given identity attached.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// IdentityFromContext extracts the identity from the context.
// The second return is false if no identity is present.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok
}
