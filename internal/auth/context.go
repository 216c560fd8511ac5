// Package auth verifies caller identity and carries it through the
// request context.
//
// This package is designed to be imported by both middleware and handler
// packages without causing import cycles.
package auth

import "context"

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const (
	// identityContextKey is the key used to store the caller identity in context.
	identityContextKey contextKey = "identity"
)

// Identity is the verified caller of a request.
type Identity struct {
	UserID string
	Email  string
}

// GetIdentity retrieves the caller identity from the context.
//
// Returns false if the request is unauthenticated.
//
// Usage:
//
//	id, ok := auth.GetIdentity(r.Context())
//	if !ok {
//	    // Handle unauthenticated request
//	}
func GetIdentity(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityContextKey).(Identity)
	if !ok || id.UserID == "" {
		return Identity{}, false
	}
	return id, true
}

// GetUserID returns the caller's user ID, or "" when unauthenticated.
func GetUserID(ctx context.Context) string {
	id, _ := GetIdentity(ctx)
	return id.UserID
}

// SetIdentity stores the caller identity in the context.
//
// This is typically called by the identity middleware after verifying a
// token.
func SetIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, id)
}
