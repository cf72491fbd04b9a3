// Package requestctx carries the identity of an authenticated chat
// connection through request contexts.
package requestctx

import (
	"context"
	"strings"
)

type userIDContextKey struct{}

type sessionIDContextKey struct{}

// WithUserID stores the authenticated user. Blank ids leave ctx unchanged.
func WithUserID(ctx context.Context, userID string) context.Context {
	return withValue(ctx, userIDContextKey{}, userID)
}

// UserIDFromContext returns the authenticated user, or "" when none is set.
func UserIDFromContext(ctx context.Context) string {
	return valueOf(ctx, userIDContextKey{})
}

// WithSessionID stores the chat session serving the request.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return withValue(ctx, sessionIDContextKey{}, sessionID)
}

// SessionIDFromContext returns the chat session, or "" when none is set.
func SessionIDFromContext(ctx context.Context) string {
	return valueOf(ctx, sessionIDContextKey{})
}

func withValue(ctx context.Context, key any, value string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return ctx
	}
	return context.WithValue(ctx, key, value)
}

func valueOf(ctx context.Context, key any) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(key).(string)
	return value
}
