// Package middleware contains HTTP middleware for the EstateGPT API.
//
// Middleware functions follow the standard Go pattern of wrapping http.Handler.
// They are designed to be composed using a middleware stack approach.
package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/DukeRupert/estategpt/internal/auth"
	"github.com/DukeRupert/estategpt/internal/handler"
)

// =============================================================================
// Configuration Constants
// =============================================================================

const (
	// UserIDHeader carries the caller's user ID in header mode. It is only
	// trusted in development, behind a gateway that sets it.
	UserIDHeader = "X-User-Id"

	// UserEmailHeader optionally carries the caller's email in header mode.
	UserEmailHeader = "X-User-Email"

	// maxHeaderUserIDLen matches the longest Firebase UID.
	maxHeaderUserIDLen = 128
)

// Identity modes.
const (
	ModeJWT    = "jwt"
	ModeHeader = "header"
)

// =============================================================================
// Identity Middleware Configuration
// =============================================================================

// IdentityMiddleware resolves the caller of each request.
//
// In jwt mode the Authorization bearer token is verified as a Firebase ID
// token. In header mode the X-User-Id header is trusted as-is.
type IdentityMiddleware struct {
	verifier auth.TokenVerifier
	mode     string
	logger   *slog.Logger
}

// NewIdentityMiddleware creates a new IdentityMiddleware.
//
// Parameters:
// - verifier: Token verifier, required in jwt mode
// - mode: ModeJWT or ModeHeader
// - logger: Structured logger for auth events
func NewIdentityMiddleware(verifier auth.TokenVerifier, mode string, logger *slog.Logger) *IdentityMiddleware {
	if mode == "" {
		mode = ModeJWT
	}
	return &IdentityMiddleware{
		verifier: verifier,
		mode:     mode,
		logger:   logger,
	}
}

// =============================================================================
// WithIdentity Middleware
// =============================================================================

// WithIdentity attempts to resolve the caller and stores the identity in
// the request context. It always continues to the next handler.
//
// The identity can be retrieved in handlers using:
//
//	id, ok := auth.GetIdentity(r.Context())
func (m *IdentityMiddleware) WithIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := m.resolve(r)
		if err != nil {
			if !errors.Is(err, auth.ErrMissingToken) {
				m.logger.Info("identity rejected", "error", err, "path", r.URL.Path)
			}
			next.ServeHTTP(w, r)
			return
		}

		next.ServeHTTP(w, r.WithContext(auth.SetIdentity(r.Context(), id)))
	})
}

func (m *IdentityMiddleware) resolve(r *http.Request) (auth.Identity, error) {
	if m.mode == ModeHeader {
		userID := strings.TrimSpace(r.Header.Get(UserIDHeader))
		if userID == "" {
			return auth.Identity{}, auth.ErrMissingToken
		}
		if len(userID) > maxHeaderUserIDLen {
			return auth.Identity{}, auth.ErrInvalidToken
		}
		return auth.Identity{
			UserID: userID,
			Email:  strings.TrimSpace(r.Header.Get(UserEmailHeader)),
		}, nil
	}

	token, ok := auth.ExtractBearerToken(r.Header.Get("Authorization"))
	if !ok {
		return auth.Identity{}, auth.ErrMissingToken
	}
	if m.verifier == nil {
		return auth.Identity{}, errors.New("no token verifier configured")
	}
	return m.verifier.Verify(token)
}

// =============================================================================
// RequireIdentity Middleware
// =============================================================================

// RequireIdentity answers 401 unless WithIdentity resolved a caller.
//
// IMPORTANT: This middleware must be used AFTER WithIdentity in the chain.
//
// Usage:
//
//	requireUser := Stack(idMw.WithIdentity, idMw.RequireIdentity)
//	mux.Handle("POST /ask", requireUser(askHandler))
func (m *IdentityMiddleware) RequireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := auth.GetIdentity(r.Context()); !ok {
			handler.UnauthorizedResponse(w, r, m.logger)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// =============================================================================
// Middleware Stack Helpers
// =============================================================================

// Stack composes multiple middleware functions into a single middleware.
//
// Middleware is applied in the order provided, meaning the first middleware
// in the slice is the outermost (runs first on request, last on response).
//
// Example:
//
//	stack := Stack(loggingMw, idMw.WithIdentity, idMw.RequireIdentity)
//	mux.Handle("GET /chats", stack(chatsHandler))
func Stack(middlewares ...func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(final http.Handler) http.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}

// Ensure middleware functions have correct signature
var (
	_ func(http.Handler) http.Handler = (&IdentityMiddleware{}).WithIdentity
	_ func(http.Handler) http.Handler = (&IdentityMiddleware{}).RequireIdentity
)
