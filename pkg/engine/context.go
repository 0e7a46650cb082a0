package engine

import (
	"context"
)

// contextKey is a private type for context keys defined in this package.
// Using a private type prevents collisions with keys defined in other
// packages.
type contextKey int

const (
	// resultKey is the context key for the authentication result.
	resultKey contextKey = iota
)

// ContextWithResult returns a new context carrying the authentication
// result. The HTTP middleware and gRPC interceptors attach the result
// before invoking the wrapped handler.
func ContextWithResult(ctx context.Context, result *AuthResult) context.Context {
	if result == nil {
		return ctx
	}
	return context.WithValue(ctx, resultKey, result)
}

// ResultFromContext extracts the authentication result from the context.
// Returns the result and true if present, nil and false otherwise.
func ResultFromContext(ctx context.Context) (*AuthResult, bool) {
	result, ok := ctx.Value(resultKey).(*AuthResult)
	return result, ok
}

// MustResultFromContext extracts the authentication result from the context,
// panicking if none is present. Use only in handlers that are guaranteed to
// run behind the engine's middleware.
func MustResultFromContext(ctx context.Context) *AuthResult {
	result, ok := ResultFromContext(ctx)
	if !ok {
		panic("engine: no authentication result in context")
	}
	return result
}
