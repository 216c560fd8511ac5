package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

// =============================================================================
// Request Logging Middleware Tests
// =============================================================================

func logRequest(t *testing.T, req *http.Request, status int) string {
	t.Helper()
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	mw := NewRequestLoggingMiddleware(logger)
	final := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	})

	mw.Handler(final).ServeHTTP(httptest.NewRecorder(), req)
	return buf.String()
}

func TestRequestLoggingMiddleware_LogsBasicInfo(t *testing.T) {
	req := httptest.NewRequest("GET", "/chats", nil)
	req.RemoteAddr = "192.168.1.1:12345"
	req.Header.Set("User-Agent", "Mozilla/5.0 TestBrowser")

	out := logRequest(t, req, http.StatusOK)

	assert.Contains(t, out, "GET")
	assert.Contains(t, out, "/chats")
	assert.Contains(t, out, "status=200")
	assert.Contains(t, out, "duration_ms")
	assert.Contains(t, out, "192.168.1.1")
	assert.Contains(t, out, "TestBrowser")
	assert.NotContains(t, out, "user_id", "anonymous requests carry no user")
}

func TestRequestLoggingMiddleware_LogsClientIPFromProxy(t *testing.T) {
	req := httptest.NewRequest("GET", "/chats", nil)
	req.RemoteAddr = "10.0.0.1:8080"
	req.Header.Set("X-Forwarded-For", "203.0.113.195")

	assert.Contains(t, logRequest(t, req, http.StatusOK), "203.0.113.195")
}

func TestRequestLoggingMiddleware_LevelByStatus(t *testing.T) {
	tests := []struct {
		status    int
		wantLevel string
	}{
		{http.StatusOK, "level=INFO"},
		{http.StatusPaymentRequired, "level=INFO"},
		{http.StatusInternalServerError, "level=ERROR"},
		{http.StatusBadGateway, "level=ERROR"},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			out := logRequest(t, httptest.NewRequest("POST", "/ask", nil), tt.status)

			assert.Contains(t, out, "status="+strconv.Itoa(tt.status))
			assert.Contains(t, out, tt.wantLevel)
		})
	}
}

func TestRequestLoggingMiddleware_LogsUserID(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	idMw := NewIdentityMiddleware(nil, ModeHeader, newTestLogger())
	logMw := NewRequestLoggingMiddleware(logger)
	h := Stack(idMw.WithIdentity, logMw.Handler)(okHandler())

	req := httptest.NewRequest("POST", "/ask", nil)
	req.Header.Set(UserIDHeader, "uid-42")
	h.ServeHTTP(httptest.NewRecorder(), req)

	assert.Contains(t, buf.String(), "user_id=uid-42")
}

func TestRequestLoggingMiddleware_RedactsSensitiveQueryParams(t *testing.T) {
	tests := []struct {
		name   string
		target string
		secret string
	}{
		{name: "token", target: "/chats?token=secrettoken123", secret: "secrettoken123"},
		{name: "checkout session", target: "/?checkout=success&session_id=cs_test_abc", secret: "cs_test_abc"},
		{name: "mixed case", target: "/chats?API_KEY=sk_live_x", secret: "sk_live_x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := logRequest(t, httptest.NewRequest("GET", tt.target, nil), http.StatusOK)
			assert.NotContains(t, out, tt.secret)
			assert.Contains(t, out, "[REDACTED]")
		})
	}
}

func TestRequestLoggingMiddleware_KeepsHarmlessQueryParams(t *testing.T) {
	out := logRequest(t, httptest.NewRequest("POST", "/chats/abc/export?format=pdf", nil), http.StatusOK)
	assert.Contains(t, out, "format=pdf")
}

func TestRequestLoggingMiddleware_PassesRequestThrough(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	mw := NewRequestLoggingMiddleware(logger)

	final := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Custom", "value")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("response body"))
	})

	rec := httptest.NewRecorder()
	mw.Handler(final).ServeHTTP(rec, httptest.NewRequest("POST", "/upload", nil))

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "value", rec.Header().Get("X-Custom"))
	assert.Equal(t, "response body", rec.Body.String())
}

func TestRequestLoggingMiddleware_ExcludesProbes(t *testing.T) {
	for _, path := range []string{"/health", "/healthz", "/metrics"} {
		t.Run(path, func(t *testing.T) {
			out := logRequest(t, httptest.NewRequest("GET", path, nil), http.StatusOK)
			if strings.Contains(out, path) {
				t.Errorf("%s should not be logged, got: %s", path, out)
			}
		})
	}
}

func TestSanitizePath(t *testing.T) {
	assert.Equal(t, "/chats", sanitizePath("/chats", ""))
	assert.Equal(t, "/chats", sanitizePath("/chats", "novalue"))
	assert.Equal(t, "/x?a=1&code=[REDACTED]", sanitizePath("/x", "a=1&code=zzz"))
}
