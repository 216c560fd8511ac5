package handler

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/DukeRupert/estategpt/internal/ai/mock"
	"github.com/DukeRupert/estategpt/internal/auth"
	"github.com/DukeRupert/estategpt/internal/document"
	"github.com/DukeRupert/estategpt/internal/service"
	"github.com/DukeRupert/estategpt/internal/storage"
	"github.com/DukeRupert/estategpt/internal/store"
)

const testUserHeader = "X-Test-User"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// requireTestUser stands in for the identity middleware: the caller is
// taken from a test header.
func requireTestUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get(testUserHeader)
		if userID == "" {
			UnauthorizedResponse(w, r, discardLogger())
			return
		}
		ctx := auth.SetIdentity(r.Context(), auth.Identity{UserID: userID, Email: userID + "@example.com"})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func passthrough(next http.Handler) http.Handler { return next }

// apiFixture wires the chat endpoints over in-memory backends.
type apiFixture struct {
	mux      *http.ServeMux
	store    *store.Memory
	files    *storage.LocalStorage
	provider *mock.Provider
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	logger := discardLogger()

	mem := store.NewMemory()
	files, err := storage.NewLocalStorage(storage.LocalConfig{
		BasePath: t.TempDir(),
		BaseURL:  "http://localhost:8080/files",
	}, logger)
	require.NoError(t, err)

	provider := mock.New(logger)
	quota := service.NewQuotaService(mem, 3, logger)
	enricher := document.NewEnricher(files, document.Config{}, logger)
	chats := service.NewChatService(mem, quota, enricher, provider, files, service.ChatConfig{
		SystemPrompt:   "You are a real estate assistant.",
		Temperature:    0.4,
		MaxUploadFiles: 10,
	}, logger)

	mux := http.NewServeMux()
	NewChatHandler(chats, ChatHandlerConfig{
		RequestTimeout: 5 * time.Second,
		MaxUploadFiles: 3,
		MaxUploadBytes: 1024,
	}, logger).RegisterRoutes(mux, requireTestUser, passthrough)

	return &apiFixture{mux: mux, store: mem, files: files, provider: provider}
}

// do sends a request as userID ("" for anonymous) and returns the recorder.
func (f *apiFixture) do(t *testing.T, method, target, userID string, body io.Reader, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	if userID != "" {
		req.Header.Set(testUserHeader, userID)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func jsonBody(t *testing.T, v any) io.Reader {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewReader(b)
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}
