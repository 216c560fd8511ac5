package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DukeRupert/estategpt/internal/ai"
	"github.com/DukeRupert/estategpt/internal/ai/mock"
	"github.com/DukeRupert/estategpt/internal/document"
	"github.com/DukeRupert/estategpt/internal/domain"
	"github.com/DukeRupert/estategpt/internal/report"
	"github.com/DukeRupert/estategpt/internal/storage"
	"github.com/DukeRupert/estategpt/internal/store"
)

type chatFixture struct {
	svc      *chatService
	store    *store.Memory
	files    *storage.LocalStorage
	provider *mock.Provider
	clock    *testClock
}

func newChatFixture(t *testing.T) *chatFixture {
	t.Helper()

	clock := newTestClock()
	mem := store.NewMemory(store.WithClock(clock.Now))
	files, err := storage.NewLocalStorage(storage.LocalConfig{
		BasePath: t.TempDir(),
		BaseURL:  "http://localhost:8080/files",
	}, discardLogger())
	require.NoError(t, err)

	provider := mock.New(discardLogger())
	quota := newQuotaService(mem, 3, clock.Now, discardLogger())
	enricher := document.NewEnricher(files, document.Config{}, discardLogger())

	svc := NewChatService(mem, quota, enricher, provider, files, ChatConfig{
		SystemPrompt: "You are a real estate assistant.",
		Temperature:  0.4,
	}, discardLogger()).(*chatService)
	svc.now = clock.Now

	return &chatFixture{svc: svc, store: mem, files: files, provider: provider, clock: clock}
}

// =============================================================================
// Ask
// =============================================================================

func TestChatService_AskQuotaScenario(t *testing.T) {
	ctx := context.Background()
	f := newChatFixture(t)

	for _, want := range []int{2, 1, 0} {
		res, err := f.svc.Ask(ctx, AskParams{UserID: "u1", Question: "Is a home inspection required?"})
		require.NoError(t, err)
		assert.Equal(t, want, res.Quota)
		assert.Equal(t, domain.PlanNone, res.Plan)
		assert.Contains(t, res.Answer, "Is a home inspection required?")
		assert.NotEmpty(t, res.ChatID)
	}

	_, err := f.svc.Ask(ctx, AskParams{UserID: "u1", Question: "One more?"})
	require.Error(t, err)
	assert.Equal(t, domain.EPAYMENT, domain.ErrorCode(err))
	assert.Equal(t, 3, f.provider.Calls(), "rejected requests never reach the model")
}

func TestChatService_AskValidation(t *testing.T) {
	tests := []struct {
		name    string
		params  AskParams
		wantMsg string
	}{
		{"empty question", AskParams{UserID: "u1", Question: "   "}, "Please type a question."},
		{"too long", AskParams{UserID: "u1", Question: strings.Repeat("a", MaxQuestionChars+1)}, "limited to"},
		{"bad chat id", AskParams{UserID: "u1", Question: "hi", ChatID: "../etc"}, "Invalid chat ID."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newChatFixture(t)

			_, err := f.svc.Ask(context.Background(), tt.params)
			require.Error(t, err)
			assert.Equal(t, domain.EINVALID, domain.ErrorCode(err))
			assert.Contains(t, domain.ErrorMessage(err), tt.wantMsg)
			assert.Zero(t, f.provider.Calls())
		})
	}
}

func TestChatService_AskPersistsTurn(t *testing.T) {
	ctx := context.Background()
	f := newChatFixture(t)

	res, err := f.svc.Ask(ctx, AskParams{UserID: "u1", ChatID: "chat-1", Question: "What is escrow?"})
	require.NoError(t, err)
	assert.Equal(t, "chat-1", res.ChatID)

	chat, err := f.store.GetChat(ctx, "chat-1")
	require.NoError(t, err)
	assert.Equal(t, "u1", chat.UserID)
	assert.Equal(t, "What is escrow?", chat.Title)

	msgs, err := f.store.ListMessages(ctx, "chat-1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, domain.RoleUser, msgs[0].Role)
	assert.Equal(t, "What is escrow?", msgs[0].Content)
	assert.Equal(t, domain.RoleAssistant, msgs[1].Role)
	assert.Equal(t, res.Answer, msgs[1].Content)
}

func TestChatService_AskReplaysHistory(t *testing.T) {
	ctx := context.Background()
	f := newChatFixture(t)

	_, err := f.svc.Ask(ctx, AskParams{UserID: "u1", ChatID: "chat-1", Question: "First?"})
	require.NoError(t, err)
	_, err = f.svc.Ask(ctx, AskParams{UserID: "u1", ChatID: "chat-1", Question: "Second?"})
	require.NoError(t, err)

	params := f.provider.LastParams
	require.Len(t, params.Messages, 3)
	assert.Equal(t, ai.RoleUser, params.Messages[0].Role)
	assert.Equal(t, ai.RoleAssistant, params.Messages[1].Role)
	assert.Equal(t, "Second?", params.Messages[2].Content)
	assert.Equal(t, "You are a real estate assistant.", params.SystemPrompt)
	assert.Equal(t, 0.4, params.Temperature)
}

func TestChatService_AskOtherUsersChat(t *testing.T) {
	ctx := context.Background()
	f := newChatFixture(t)

	_, err := f.svc.Ask(ctx, AskParams{UserID: "u1", ChatID: "chat-1", Question: "Mine"})
	require.NoError(t, err)

	_, err = f.svc.Ask(ctx, AskParams{UserID: "u2", ChatID: "chat-1", Question: "Theirs"})
	require.Error(t, err)
	assert.Equal(t, domain.ENOTFOUND, domain.ErrorCode(err))

	ent, err := f.store.GetEntitlement(ctx, "u2")
	if err == nil {
		assert.Equal(t, 3, ent.Quota)
	}
}

func TestChatService_AskProviderFailureNotCharged(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantMsg string
	}{
		{"retryable", ai.EAIUnavailable, "The assistant is temporarily unavailable"},
		{"permanent", ai.EAIInvalidRequest, "Failed to generate an answer"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newChatFixture(t)
			f.provider.CompleteError = tt.err

			_, err := f.svc.Ask(ctx, AskParams{UserID: "u1", ChatID: "chat-1", Question: "Hello?"})
			require.Error(t, err)
			assert.Equal(t, domain.EINTERNAL, domain.ErrorCode(err))
			assert.ErrorIs(t, err, tt.err)
			assert.Contains(t, err.Error(), tt.wantMsg)

			ent, err := f.store.GetEntitlement(ctx, "u1")
			require.NoError(t, err)
			assert.Equal(t, 3, ent.Quota)

			_, err = f.store.GetChat(ctx, "chat-1")
			assert.ErrorIs(t, err, store.ErrNotFound)
		})
	}
}

func TestChatService_AskEmptyAnswer(t *testing.T) {
	f := newChatFixture(t)
	f.provider.CompleteResponse = &ai.ChatResult{Content: "  "}

	res, err := f.svc.Ask(context.Background(), AskParams{UserID: "u1", Question: "Hello?"})
	require.NoError(t, err)
	assert.Equal(t, "I couldn't generate a response.", res.Answer)
}

func TestChatService_AskCanceledAfterAnswer(t *testing.T) {
	f := newChatFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.svc.Ask(ctx, AskParams{UserID: "u1", ChatID: "chat-1", Question: "Hello?"})
	require.Error(t, err)

	_, err = f.store.GetChat(context.Background(), "chat-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

type failingChatStore struct {
	*store.Memory
}

func (failingChatStore) AppendMessages(context.Context, string, ...domain.Message) error {
	return errors.New("write failed")
}

func TestChatService_AskPersistFailureNotCharged(t *testing.T) {
	ctx := context.Background()
	f := newChatFixture(t)
	f.svc.store = failingChatStore{Memory: f.store}

	_, err := f.svc.Ask(ctx, AskParams{UserID: "u1", Question: "Hello?"})
	require.Error(t, err)
	assert.Equal(t, domain.EINTERNAL, domain.ErrorCode(err))

	ent, err := f.store.GetEntitlement(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 3, ent.Quota)
}

func TestChatService_AskWithAttachments(t *testing.T) {
	ctx := context.Background()
	f := newChatFixture(t)

	key := storage.FileKey("u1", "chat-1", "f1", "notes.txt")
	require.NoError(t, f.files.Put(ctx, key, strings.NewReader("Closing date is June 1."), storage.PutOptions{}))

	_, err := f.svc.Ask(ctx, AskParams{
		UserID:   "u1",
		ChatID:   "chat-1",
		Question: "When is closing?",
		Files: []domain.FileRef{
			{Name: "notes.txt", Path: key},
			{Name: "missing.pdf", Path: "users/u1/chats/chat-1/files/nope.pdf"},
			{Name: "theirs.txt", Path: "users/u2/chats/c/files/x.txt"},
		},
	})
	require.NoError(t, err)

	prompt := f.provider.LastParams.Messages[len(f.provider.LastParams.Messages)-1].Content
	assert.Contains(t, prompt, "Closing date is June 1.")
	assert.Contains(t, prompt, "[Could not read missing.pdf: file not found]")
	assert.Contains(t, prompt, "[Could not read theirs.txt: file not found]")
	assert.True(t, strings.HasSuffix(prompt, "Question: When is closing?"))

	// Only the question is stored in the transcript.
	msgs, err := f.store.ListMessages(ctx, "chat-1")
	require.NoError(t, err)
	assert.Equal(t, "When is closing?", msgs[0].Content)
}

func TestChatService_AskConcurrentNeverOverspends(t *testing.T) {
	ctx := context.Background()
	f := newChatFixture(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.svc.Ask(ctx, AskParams{UserID: "u1", Question: "Hello?"})
		}()
	}
	wg.Wait()

	ent, err := f.store.GetEntitlement(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, ent.Quota)
}

// =============================================================================
// Upload
// =============================================================================

func TestChatService_Upload(t *testing.T) {
	ctx := context.Background()
	f := newChatFixture(t)

	res, err := f.svc.Upload(ctx, UploadParams{
		UserID: "u1",
		Files: []UploadedFile{
			{Name: "offer.pdf", MimeType: "application/pdf", Size: 1024},
			{Name: "Notes.TXT", MimeType: "text/plain", Size: 12},
		},
	})
	require.NoError(t, err)
	require.Len(t, res.Files, 2)
	assert.NotEmpty(t, res.ChatID)

	for _, meta := range res.Files {
		assert.NotEmpty(t, meta.ID)
		assert.Equal(t, res.ChatID, meta.ChatID)
		assert.True(t, storage.OwnedBy("u1", meta.StorageKey))
	}
	assert.True(t, strings.HasSuffix(res.Files[1].StorageKey, ".txt"))

	stored, err := f.store.ListFiles(ctx, res.ChatID)
	require.NoError(t, err)
	assert.Len(t, stored, 2)

	chat, err := f.store.GetChat(ctx, res.ChatID)
	require.NoError(t, err)
	assert.Equal(t, "u1", chat.UserID)
}

func TestChatService_UploadLimits(t *testing.T) {
	f := newChatFixture(t)

	_, err := f.svc.Upload(context.Background(), UploadParams{UserID: "u1"})
	assert.Equal(t, domain.EINVALID, domain.ErrorCode(err))

	files := make([]UploadedFile, 11)
	for i := range files {
		files[i] = UploadedFile{Name: "f.txt", Size: 1}
	}
	_, err = f.svc.Upload(context.Background(), UploadParams{UserID: "u1", Files: files})
	assert.Equal(t, domain.EINVALID, domain.ErrorCode(err))
}

func TestChatService_UploadOtherUsersChat(t *testing.T) {
	ctx := context.Background()
	f := newChatFixture(t)

	_, err := f.svc.Upload(ctx, UploadParams{UserID: "u1", ChatID: "chat-1", Files: []UploadedFile{{Name: "a.txt"}}})
	require.NoError(t, err)

	_, err = f.svc.Upload(ctx, UploadParams{UserID: "u2", ChatID: "chat-1", Files: []UploadedFile{{Name: "b.txt"}}})
	assert.Equal(t, domain.ENOTFOUND, domain.ErrorCode(err))
}

// =============================================================================
// History and export
// =============================================================================

func TestChatService_ListAndTranscript(t *testing.T) {
	ctx := context.Background()
	f := newChatFixture(t)

	_, err := f.svc.Ask(ctx, AskParams{UserID: "u1", ChatID: "older", Question: "First chat"})
	require.NoError(t, err)
	f.clock.Advance(1)
	_, err = f.svc.Ask(ctx, AskParams{UserID: "u1", ChatID: "newer", Question: "Second chat"})
	require.NoError(t, err)

	chats, err := f.svc.List(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, chats, 2)
	assert.Equal(t, "newer", chats[0].ID)

	others, err := f.svc.List(ctx, "u2")
	require.NoError(t, err)
	assert.Empty(t, others)

	tr, err := f.svc.Transcript(ctx, "u1", "older")
	require.NoError(t, err)
	assert.Equal(t, "First chat", tr.Chat.Title)
	assert.Len(t, tr.Messages, 2)

	_, err = f.svc.Transcript(ctx, "u2", "older")
	assert.Equal(t, domain.ENOTFOUND, domain.ErrorCode(err))

	_, err = f.svc.Transcript(ctx, "u1", "missing")
	assert.Equal(t, domain.ENOTFOUND, domain.ErrorCode(err))
}

func TestChatService_ExportPDF(t *testing.T) {
	ctx := context.Background()
	f := newChatFixture(t)

	_, err := f.svc.Ask(ctx, AskParams{UserID: "u1", ChatID: "chat-1", Question: "What is escrow?"})
	require.NoError(t, err)

	res, err := f.svc.Export(ctx, "u1", "chat-1", report.FormatPDF)
	require.NoError(t, err)
	assert.Equal(t, report.FormatPDF, res.Format)
	assert.Positive(t, res.Size)
	assert.True(t, strings.HasPrefix(res.Key, "users/u1/exports/chat-1/"))
	assert.True(t, strings.HasSuffix(res.Key, ".pdf"))
	assert.Equal(t, "http://localhost:8080/files/"+res.Key, res.URL)

	data, info, err := storage.ReadAll(ctx, f.files, res.Key, 0)
	require.NoError(t, err)
	assert.Equal(t, res.Size, int64(len(data)))
	assert.Equal(t, "application/pdf", info.ContentType)
}

func TestChatService_ExportErrors(t *testing.T) {
	ctx := context.Background()
	f := newChatFixture(t)

	_, err := f.svc.Export(ctx, "u1", "chat-1", "odt")
	assert.Equal(t, domain.EINVALID, domain.ErrorCode(err))

	_, err = f.svc.Export(ctx, "u1", "missing", report.FormatPDF)
	assert.Equal(t, domain.ENOTFOUND, domain.ErrorCode(err))
}
