// Package service contains the business logic layer.
//
// This file implements the chat service: answering questions under the
// quota, recording uploads and serving or exporting transcripts.
package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/DukeRupert/estategpt/internal/ai"
	"github.com/DukeRupert/estategpt/internal/document"
	"github.com/DukeRupert/estategpt/internal/domain"
	"github.com/DukeRupert/estategpt/internal/metrics"
	"github.com/DukeRupert/estategpt/internal/report"
	"github.com/DukeRupert/estategpt/internal/storage"
	"github.com/DukeRupert/estategpt/internal/store"
)

const (
	// MaxQuestionChars bounds the question length in runes.
	MaxQuestionChars = 8000

	// DefaultChatListLimit is the number of chats returned by List.
	DefaultChatListLimit = 50

	// maxHistoryMessages is how many earlier turns are replayed to the model.
	maxHistoryMessages = 10

	// exportURLExpiry is how long an export download link stays valid.
	exportURLExpiry = 15 * time.Minute

	emptyAnswer = "I couldn't generate a response."
)

// =============================================================================
// Interface Definition
// =============================================================================

// ChatService defines operations on a user's conversations.
type ChatService interface {
	// Ask answers a question. The quota is charged only after the answer
	// has been persisted.
	// Returns domain.EINVALID for a bad question or chat ID.
	// Returns domain.ENOTFOUND if the chat belongs to another user.
	// Returns domain.EPAYMENT when the free quota is exhausted.
	Ask(ctx context.Context, params AskParams) (*AskResult, error)

	// Upload records metadata for files attached to a chat, creating the
	// chat when needed. No file content is stored.
	Upload(ctx context.Context, params UploadParams) (*UploadResult, error)

	// List returns the user's chats, most recently updated first.
	List(ctx context.Context, userID string) ([]domain.Chat, error)

	// Transcript returns a chat with its messages and files.
	// Returns domain.ENOTFOUND if the chat doesn't exist or belongs to
	// another user.
	Transcript(ctx context.Context, userID, chatID string) (*domain.Transcript, error)

	// Export renders the transcript, stores it and returns a download URL.
	Export(ctx context.Context, userID, chatID string, format report.Format) (*ExportResult, error)
}

// AskParams contains the input for Ask.
type AskParams struct {
	UserID   string
	Question string
	ChatID   string // Generated when empty
	Files    []domain.FileRef
}

// AskResult is the answer with the caller's entitlement after the charge.
type AskResult struct {
	Answer  string
	ChatID  string
	Plan    domain.Plan
	Quota   int
	ResetAt time.Time
}

// UploadedFile describes one received file part.
type UploadedFile struct {
	Name     string
	MimeType string
	Size     int64
}

// UploadParams contains the input for Upload.
type UploadParams struct {
	UserID string
	ChatID string // Generated when empty
	Files  []UploadedFile
}

// UploadResult lists the recorded files.
type UploadResult struct {
	ChatID string
	Files  []domain.FileMeta
}

// ExportResult describes a stored transcript export.
type ExportResult struct {
	URL    string
	Key    string
	Format report.Format
	Size   int64
}

// ChatConfig holds the tunables of the chat service.
type ChatConfig struct {
	SystemPrompt   string
	Temperature    float64
	MaxTokens      int
	MaxUploadFiles int
}

// =============================================================================
// Implementation
// =============================================================================

type chatService struct {
	store    store.ChatStore
	quota    QuotaService
	enricher *document.Enricher
	provider ai.ChatProvider
	files    storage.Storage
	config   ChatConfig
	now      func() time.Time
	logger   *slog.Logger
}

// NewChatService creates a new ChatService. files receives transcript
// exports; the enricher reads attachments from the same storage.
func NewChatService(
	st store.ChatStore,
	quota QuotaService,
	enricher *document.Enricher,
	provider ai.ChatProvider,
	files storage.Storage,
	cfg ChatConfig,
	logger *slog.Logger,
) ChatService {
	if cfg.MaxUploadFiles <= 0 {
		cfg.MaxUploadFiles = 10
	}
	return &chatService{
		store:    st,
		quota:    quota,
		enricher: enricher,
		provider: provider,
		files:    files,
		config:   cfg,
		now:      time.Now,
		logger:   logger,
	}
}

// Ask validates, admits, enriches, answers, persists and finally charges.
// Nothing is written and nothing is charged when any step before
// persistence fails.
func (s *chatService) Ask(ctx context.Context, params AskParams) (*AskResult, error) {
	const op = "ChatService.Ask"

	question := strings.TrimSpace(params.Question)
	if question == "" {
		return nil, domain.Invalid(op, "Please type a question.")
	}
	if utf8.RuneCountInString(question) > MaxQuestionChars {
		return nil, domain.InvalidField(op, "question", fmt.Sprintf("Questions are limited to %d characters.", MaxQuestionChars))
	}

	chatID, err := s.resolveChatID(op, params.ChatID)
	if err != nil {
		return nil, err
	}

	// Unknown chat IDs are created under the caller on persist.
	chat, err := s.ownedChat(ctx, op, params.UserID, chatID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	ent, err := s.quota.Admit(ctx, params.UserID)
	if err != nil {
		if domain.ErrorCode(err) == domain.EPAYMENT {
			metrics.AskCompleted(metrics.AskRejected)
		} else {
			metrics.AskCompleted(metrics.AskFailed)
		}
		return nil, err
	}

	prompt := question
	if s.enricher != nil && len(params.Files) > 0 {
		prompt, _ = s.enricher.Enrich(ctx, params.UserID, question, params.Files)
	}

	history, err := s.history(ctx, chat)
	if err != nil {
		metrics.AskCompleted(metrics.AskFailed)
		return nil, domain.Internal(err, op, "Failed to load conversation")
	}

	answer, err := s.complete(ctx, op, params.UserID, append(history, ai.Message{Role: ai.RoleUser, Content: prompt}))
	if err != nil {
		metrics.AskCompleted(metrics.AskFailed)
		return nil, err
	}

	// A client that went away gets nothing persisted and nothing charged.
	if err := ctx.Err(); err != nil {
		metrics.AskCompleted(metrics.AskFailed)
		return nil, err
	}

	if err := s.persistTurn(ctx, params.UserID, chatID, chat, question, answer); err != nil {
		s.logger.Error("failed to persist chat turn", "error", err, "op", op, "user_id", params.UserID, "chat_id", chatID)
		metrics.AskCompleted(metrics.AskFailed)
		return nil, domain.Internal(err, op, "Failed to save the conversation")
	}

	charged, err := s.quota.Consume(ctx, ent)
	if err != nil {
		// The answer is already saved; report the pre-charge entitlement.
		s.logger.Error("failed to charge request", "error", err, "op", op, "user_id", params.UserID)
		charged = ent
	}

	metrics.AskCompleted(metrics.AskAnswered)
	s.logger.Info("question answered",
		"user_id", params.UserID,
		"chat_id", chatID,
		"plan", charged.Plan,
		"quota", charged.Quota,
		"attachments", len(params.Files),
	)

	return &AskResult{
		Answer:  answer,
		ChatID:  chatID,
		Plan:    charged.Plan,
		Quota:   charged.Quota,
		ResetAt: charged.QuotaResetAt,
	}, nil
}

func (s *chatService) resolveChatID(op, chatID string) (string, error) {
	chatID = strings.TrimSpace(chatID)
	if chatID == "" {
		return uuid.NewString(), nil
	}
	if !domain.ValidChatID(chatID) {
		return "", domain.InvalidField(op, "chat_id", "Invalid chat ID.")
	}
	return chatID, nil
}

// ownedChat loads a chat the user owns. A missing chat returns
// (nil, store.ErrNotFound); another user's chat returns a domain NotFound.
func (s *chatService) ownedChat(ctx context.Context, op, userID, chatID string) (*domain.Chat, error) {
	chat, err := s.store.GetChat(ctx, chatID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if err != nil {
		s.logger.Error("failed to get chat", "error", err, "op", op, "chat_id", chatID)
		return nil, domain.Internal(err, op, "Failed to retrieve chat")
	}
	if chat.UserID != userID {
		return nil, domain.NotFound(op, "chat", chatID)
	}
	return chat, nil
}

func (s *chatService) history(ctx context.Context, chat *domain.Chat) ([]ai.Message, error) {
	if chat == nil {
		return nil, nil
	}
	msgs, err := s.store.ListMessages(ctx, chat.ID)
	if err != nil {
		return nil, err
	}
	if len(msgs) > maxHistoryMessages {
		msgs = msgs[len(msgs)-maxHistoryMessages:]
	}

	out := make([]ai.Message, 0, len(msgs)+1)
	for _, m := range msgs {
		role := ai.RoleUser
		if m.Role == domain.RoleAssistant {
			role = ai.RoleAssistant
		}
		out = append(out, ai.Message{Role: role, Content: m.Content})
	}
	return out, nil
}

func (s *chatService) complete(ctx context.Context, op, userID string, messages []ai.Message) (string, error) {
	res, err := s.provider.Complete(ctx, ai.ChatParams{
		SystemPrompt: s.config.SystemPrompt,
		Messages:     messages,
		Temperature:  s.config.Temperature,
		MaxTokens:    s.config.MaxTokens,
		UserID:       userID,
	})
	if err != nil {
		metrics.AICallFailed()
		s.logger.Error("completion failed", "error", err, "op", op, "user_id", userID)
		if ai.IsRetryable(err) {
			return "", domain.Internal(err, op, "The assistant is temporarily unavailable")
		}
		return "", domain.Internal(err, op, "Failed to generate an answer")
	}
	metrics.AICallSucceeded(res.Usage.InputTokens, res.Usage.OutputTokens, res.Usage.Duration)

	answer := strings.TrimSpace(res.Content)
	if answer == "" {
		answer = emptyAnswer
	}
	return answer, nil
}

// persistTurn creates the chat when needed and appends both messages.
func (s *chatService) persistTurn(ctx context.Context, userID, chatID string, chat *domain.Chat, question, answer string) error {
	if chat == nil {
		if err := s.ensureChat(ctx, userID, chatID, domain.ChatTitle(question)); err != nil {
			return err
		}
	}

	now := s.now()
	return s.store.AppendMessages(ctx, chatID,
		domain.Message{
			ID:        uuid.NewString(),
			ChatID:    chatID,
			Role:      domain.RoleUser,
			Content:   question,
			CreatedAt: now,
		},
		domain.Message{
			ID:        uuid.NewString(),
			ChatID:    chatID,
			Role:      domain.RoleAssistant,
			Content:   answer,
			CreatedAt: now,
		},
	)
}

// ensureChat creates the chat and confirms the caller owns whatever is
// stored afterwards, since a concurrent create of the same ID wins.
func (s *chatService) ensureChat(ctx context.Context, userID, chatID, title string) error {
	now := s.now()
	err := s.store.CreateChat(ctx, domain.Chat{
		ID:        chatID,
		UserID:    userID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return err
	}

	chat, err := s.store.GetChat(ctx, chatID)
	if err != nil {
		return err
	}
	if chat.UserID != userID {
		return fmt.Errorf("chat %s is owned by another user", chatID)
	}
	return nil
}

// Upload records file metadata under the chat.
func (s *chatService) Upload(ctx context.Context, params UploadParams) (*UploadResult, error) {
	const op = "ChatService.Upload"

	if len(params.Files) == 0 {
		return nil, domain.Invalid(op, "No files were uploaded.")
	}
	if len(params.Files) > s.config.MaxUploadFiles {
		return nil, domain.Invalid(op, fmt.Sprintf("At most %d files can be uploaded at once.", s.config.MaxUploadFiles))
	}

	chatID, err := s.resolveChatID(op, params.ChatID)
	if err != nil {
		return nil, err
	}

	chat, err := s.ownedChat(ctx, op, params.UserID, chatID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if chat == nil {
		if err := s.ensureChat(ctx, params.UserID, chatID, "Uploaded files"); err != nil {
			s.logger.Error("failed to create chat", "error", err, "op", op, "chat_id", chatID)
			return nil, domain.Internal(err, op, "Failed to create chat")
		}
	}

	now := s.now()
	metas := make([]domain.FileMeta, 0, len(params.Files))
	for _, f := range params.Files {
		name := strings.TrimSpace(f.Name)
		if name == "" {
			name = "file"
		}
		id := uuid.NewString()
		metas = append(metas, domain.FileMeta{
			ID:         id,
			ChatID:     chatID,
			UserID:     params.UserID,
			Name:       name,
			MimeType:   f.MimeType,
			Size:       f.Size,
			StorageKey: storage.FileKey(params.UserID, chatID, id, name),
			CreatedAt:  now,
		})
	}

	if err := s.store.AddFiles(ctx, metas...); err != nil {
		s.logger.Error("failed to record files", "error", err, "op", op, "chat_id", chatID)
		return nil, domain.Internal(err, op, "Failed to record uploaded files")
	}

	metrics.FilesUploaded(len(metas))
	s.logger.Info("files uploaded", "user_id", params.UserID, "chat_id", chatID, "count", len(metas))

	return &UploadResult{ChatID: chatID, Files: metas}, nil
}

// List returns the user's most recent chats.
func (s *chatService) List(ctx context.Context, userID string) ([]domain.Chat, error) {
	const op = "ChatService.List"

	chats, err := s.store.ListChats(ctx, userID, DefaultChatListLimit)
	if err != nil {
		s.logger.Error("failed to list chats", "error", err, "op", op, "user_id", userID)
		return nil, domain.Internal(err, op, "Failed to list chats")
	}
	return chats, nil
}

// Transcript loads a chat the user owns with its messages and files.
func (s *chatService) Transcript(ctx context.Context, userID, chatID string) (*domain.Transcript, error) {
	const op = "ChatService.Transcript"

	if !domain.ValidChatID(chatID) {
		return nil, domain.NotFound(op, "chat", chatID)
	}

	chat, err := s.ownedChat(ctx, op, userID, chatID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, domain.NotFound(op, "chat", chatID)
	}
	if err != nil {
		return nil, err
	}

	msgs, err := s.store.ListMessages(ctx, chatID)
	if err != nil {
		s.logger.Error("failed to list messages", "error", err, "op", op, "chat_id", chatID)
		return nil, domain.Internal(err, op, "Failed to retrieve messages")
	}
	files, err := s.store.ListFiles(ctx, chatID)
	if err != nil {
		s.logger.Error("failed to list files", "error", err, "op", op, "chat_id", chatID)
		return nil, domain.Internal(err, op, "Failed to retrieve files")
	}

	return &domain.Transcript{Chat: *chat, Messages: msgs, Files: files}, nil
}

// Export renders the transcript in format and stores it under the user's
// export prefix.
func (s *chatService) Export(ctx context.Context, userID, chatID string, format report.Format) (*ExportResult, error) {
	const op = "ChatService.Export"

	gen, err := report.NewGenerator(format)
	if err != nil {
		return nil, domain.Invalid(op, "Unsupported export format.")
	}
	if s.files == nil {
		return nil, domain.Unavailable(nil, op, "File storage is not configured.")
	}

	transcript, err := s.Transcript(ctx, userID, chatID)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	size, err := gen.Generate(ctx, transcript, &buf)
	if err != nil {
		s.logger.Error("failed to render transcript", "error", err, "op", op, "chat_id", chatID, "format", format)
		return nil, domain.Internal(err, op, "Failed to render transcript")
	}

	key := storage.ExportKey(userID, chatID, string(format))
	if err := s.files.Put(ctx, key, &buf, storage.PutOptions{ContentType: format.ContentType()}); err != nil {
		s.logger.Error("failed to store transcript", "error", err, "op", op, "key", key)
		return nil, domain.Unavailable(err, op, "Failed to store the export.")
	}

	url, err := s.files.URL(ctx, key, exportURLExpiry)
	if err != nil {
		s.logger.Error("failed to sign export URL", "error", err, "op", op, "key", key)
		return nil, domain.Unavailable(err, op, "Failed to create a download link.")
	}

	metrics.TranscriptExported(string(format))
	s.logger.Info("transcript exported", "user_id", userID, "chat_id", chatID, "format", format, "size", size)

	return &ExportResult{URL: url, Key: key, Format: format, Size: size}, nil
}
