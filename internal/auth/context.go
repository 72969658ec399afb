// ABOUTME: Request-scoped credential context for the caller's bearer token
// ABOUTME: Provides WithToken/TokenFromContext so handlers never read headers twice

package auth

import (
	"context"
)

// Token is the caller's OAuth access token. Its String and GoString methods
// redact the value so it cannot end up in logs via %v or slog attributes.
type Token string

func (t Token) String() string {
	if t == "" {
		return ""
	}
	return "[redacted]"
}

func (t Token) GoString() string {
	return t.String()
}

// Value returns the raw token for handing to Google API clients.
func (t Token) Value() string {
	return string(t)
}

// tokenContextKey is the key type for storing the token in context.Context.
type tokenContextKey struct{}

// WithToken returns a new context carrying the bearer token.
func WithToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenContextKey{}, Token(token))
}

// TokenFromContext retrieves the bearer token, returning false if not present.
func TokenFromContext(ctx context.Context) (Token, bool) {
	val, ok := ctx.Value(tokenContextKey{}).(Token)
	if !ok || val == "" {
		return "", false
	}
	return val, true
}

// MustTokenFromContext retrieves the bearer token, panicking if not present.
// Only handlers mounted behind RequireBearer may call it.
func MustTokenFromContext(ctx context.Context) Token {
	token, ok := TokenFromContext(ctx)
	if !ok {
		panic("auth: bearer token not found in context")
	}
	return token
}
