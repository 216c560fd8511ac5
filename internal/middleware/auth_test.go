package middleware

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DukeRupert/estategpt/internal/auth"
	"github.com/DukeRupert/estategpt/internal/domain"
	"github.com/DukeRupert/estategpt/internal/handler"
)

// =============================================================================
// Mock TokenVerifier Implementation
// =============================================================================

// mockVerifier implements auth.TokenVerifier for testing.
type mockVerifier struct {
	VerifyFunc func(token string) (auth.Identity, error)
	calls      int
}

func (m *mockVerifier) Verify(token string) (auth.Identity, error) {
	m.calls++
	if m.VerifyFunc != nil {
		return m.VerifyFunc(token)
	}
	return auth.Identity{}, auth.ErrInvalidToken
}

// =============================================================================
// Test Helpers
// =============================================================================

// newTestLogger creates a logger that discards output for testing.
func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError, // Only show errors in tests
	}))
}

// captureIdentity returns a handler that records the identity it sees.
func captureIdentity(got *auth.Identity, seen *bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*got, *seen = auth.GetIdentity(r.Context())
		w.WriteHeader(http.StatusOK)
	})
}

// =============================================================================
// WithIdentity Middleware Tests
// =============================================================================

func TestWithIdentity_NoToken_ContinuesWithoutIdentity(t *testing.T) {
	verifier := &mockVerifier{}
	mw := NewIdentityMiddleware(verifier, ModeJWT, newTestLogger())

	var got auth.Identity
	var seen bool
	rec := httptest.NewRecorder()
	mw.WithIdentity(captureIdentity(&got, &seen)).ServeHTTP(rec, httptest.NewRequest("GET", "/chats", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, seen)
	assert.Zero(t, verifier.calls, "verifier should not be called without a token")
}

func TestWithIdentity_ValidToken_SetsIdentity(t *testing.T) {
	verifier := &mockVerifier{
		VerifyFunc: func(token string) (auth.Identity, error) {
			if token != "good-token" {
				t.Errorf("Verify called with %q, want %q", token, "good-token")
			}
			return auth.Identity{UserID: "uid-123", Email: "a@example.com"}, nil
		},
	}
	mw := NewIdentityMiddleware(verifier, ModeJWT, newTestLogger())

	req := httptest.NewRequest("POST", "/ask", nil)
	req.Header.Set("Authorization", "Bearer good-token")

	var got auth.Identity
	var seen bool
	mw.WithIdentity(captureIdentity(&got, &seen)).ServeHTTP(httptest.NewRecorder(), req)

	require.True(t, seen)
	assert.Equal(t, "uid-123", got.UserID)
	assert.Equal(t, "a@example.com", got.Email)
}

func TestWithIdentity_InvalidToken_ContinuesWithoutIdentity(t *testing.T) {
	verifier := &mockVerifier{
		VerifyFunc: func(string) (auth.Identity, error) {
			return auth.Identity{}, errors.New("token is expired")
		},
	}
	mw := NewIdentityMiddleware(verifier, ModeJWT, newTestLogger())

	req := httptest.NewRequest("POST", "/ask", nil)
	req.Header.Set("Authorization", "Bearer expired")

	var got auth.Identity
	var seen bool
	rec := httptest.NewRecorder()
	mw.WithIdentity(captureIdentity(&got, &seen)).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, seen)
	assert.Equal(t, 1, verifier.calls)
}

func TestWithIdentity_NonBearerScheme_Ignored(t *testing.T) {
	verifier := &mockVerifier{}
	mw := NewIdentityMiddleware(verifier, ModeJWT, newTestLogger())

	req := httptest.NewRequest("GET", "/chats", nil)
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")

	var got auth.Identity
	var seen bool
	mw.WithIdentity(captureIdentity(&got, &seen)).ServeHTTP(httptest.NewRecorder(), req)

	assert.False(t, seen)
	assert.Zero(t, verifier.calls)
}

func TestWithIdentity_JWTModeIgnoresUserHeader(t *testing.T) {
	mw := NewIdentityMiddleware(&mockVerifier{}, ModeJWT, newTestLogger())

	req := httptest.NewRequest("GET", "/chats", nil)
	req.Header.Set(UserIDHeader, "spoofed")

	var got auth.Identity
	var seen bool
	mw.WithIdentity(captureIdentity(&got, &seen)).ServeHTTP(httptest.NewRecorder(), req)

	assert.False(t, seen, "X-User-Id must not be trusted in jwt mode")
}

func TestWithIdentity_HeaderMode(t *testing.T) {
	tests := []struct {
		name     string
		userID   string
		email    string
		wantSeen bool
	}{
		{name: "present", userID: "dev-user", email: "dev@example.com", wantSeen: true},
		{name: "trimmed", userID: "  dev-user  ", wantSeen: true},
		{name: "missing", userID: "", wantSeen: false},
		{name: "too long", userID: strings.Repeat("x", maxHeaderUserIDLen+1), wantSeen: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mw := NewIdentityMiddleware(nil, ModeHeader, newTestLogger())

			req := httptest.NewRequest("GET", "/chats", nil)
			if tt.userID != "" {
				req.Header.Set(UserIDHeader, tt.userID)
			}
			if tt.email != "" {
				req.Header.Set(UserEmailHeader, tt.email)
			}

			var got auth.Identity
			var seen bool
			mw.WithIdentity(captureIdentity(&got, &seen)).ServeHTTP(httptest.NewRecorder(), req)

			assert.Equal(t, tt.wantSeen, seen)
			if tt.wantSeen {
				assert.Equal(t, strings.TrimSpace(tt.userID), got.UserID)
				assert.Equal(t, tt.email, got.Email)
			}
		})
	}
}

// =============================================================================
// RequireIdentity Middleware Tests
// =============================================================================

func TestRequireIdentity_WithIdentity_ContinuesToHandler(t *testing.T) {
	mw := NewIdentityMiddleware(nil, ModeHeader, newTestLogger())

	handlerCalled := false
	final := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerCalled = true
		assert.Equal(t, "u1", auth.GetUserID(r.Context()))
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest("POST", "/ask", nil)
	req.Header.Set(UserIDHeader, "u1")
	rec := httptest.NewRecorder()

	Stack(mw.WithIdentity, mw.RequireIdentity)(final).ServeHTTP(rec, req)

	assert.True(t, handlerCalled)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequireIdentity_NoIdentity_Returns401JSON(t *testing.T) {
	mw := NewIdentityMiddleware(&mockVerifier{}, ModeJWT, newTestLogger())

	handlerCalled := false
	final := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerCalled = true
	})

	rec := httptest.NewRecorder()
	Stack(mw.WithIdentity, mw.RequireIdentity)(final).ServeHTTP(rec, httptest.NewRequest("POST", "/ask", nil))

	assert.False(t, handlerCalled, "handler must not run without identity")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body handler.JSONError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, domain.EUNAUTHORIZED, body.Error.Code)
}

func TestStack_Order(t *testing.T) {
	var order []string
	mark := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	final := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		order = append(order, "handler")
	})

	Stack(mark("first"), mark("second"))(final).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))

	assert.Equal(t, []string{"first", "second", "handler"}, order)
}
