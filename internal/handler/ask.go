// Package handler contains HTTP handlers for the EstateGPT API.
//
// This file implements the question-answering endpoint.
//
// Routes handled (registered by ChatHandler.RegisterRoutes):
//   - POST /ask                  -> Ask
//   - POST /upload               -> Upload
//   - GET  /chats                -> ListChats
//   - GET  /chats/{id}           -> GetChat
//   - POST /chats/{id}/export    -> ExportChat
package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/DukeRupert/estategpt/internal/auth"
	"github.com/DukeRupert/estategpt/internal/domain"
	"github.com/DukeRupert/estategpt/internal/service"
)

const (
	// maxAskBodyBytes bounds the JSON body of an ask request.
	maxAskBodyBytes = 1 << 20

	emptyQuestionMessage = "Please type a question."
)

// ChatHandlerConfig holds request limits for the chat endpoints.
type ChatHandlerConfig struct {
	RequestTimeout time.Duration
	MaxUploadFiles int
	MaxUploadBytes int64
}

// ChatHandler handles ask, upload and chat history requests.
type ChatHandler struct {
	chats  service.ChatService
	config ChatHandlerConfig
	logger *slog.Logger
}

// NewChatHandler creates a new ChatHandler.
func NewChatHandler(chats service.ChatService, cfg ChatHandlerConfig, logger *slog.Logger) *ChatHandler {
	if cfg.MaxUploadFiles <= 0 {
		cfg.MaxUploadFiles = 10
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 20 << 20
	}
	return &ChatHandler{
		chats:  chats,
		config: cfg,
		logger: logger,
	}
}

// RegisterRoutes registers chat routes on the provided mux. askLimit is
// applied to POST /ask only.
func (h *ChatHandler) RegisterRoutes(mux *http.ServeMux, requireUser, askLimit func(http.Handler) http.Handler) {
	mux.Handle("POST /ask", requireUser(askLimit(http.HandlerFunc(h.Ask))))
	mux.Handle("POST /upload", requireUser(http.HandlerFunc(h.Upload)))
	mux.Handle("GET /chats", requireUser(http.HandlerFunc(h.ListChats)))
	mux.Handle("GET /chats/{id}", requireUser(http.HandlerFunc(h.GetChat)))
	mux.Handle("POST /chats/{id}/export", requireUser(http.HandlerFunc(h.ExportChat)))
}

// askRequest is the JSON body of POST /ask.
type askRequest struct {
	Question string        `json:"question"`
	ChatID   string        `json:"chat_id,omitempty"`
	Files    []askFileJSON `json:"files,omitempty"`
}

type askFileJSON struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// askResponse is the JSON body returned by POST /ask.
type askResponse struct {
	Answer  string      `json:"answer"`
	ChatID  string      `json:"chat_id"`
	Plan    domain.Plan `json:"plan"`
	Quota   int         `json:"quota"`
	ResetAt *string     `json:"reset_at"`
}

// Ask answers a question for the authenticated caller.
func (h *ChatHandler) Ask(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.GetIdentity(r.Context())
	if !ok {
		UnauthorizedResponse(w, r, h.logger)
		return
	}

	var req askRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxAskBodyBytes)).Decode(&req); err != nil {
		ErrorResponse(w, r, h.logger, domain.Invalid("ChatHandler.Ask", emptyQuestionMessage))
		return
	}

	files := make([]domain.FileRef, 0, len(req.Files))
	for _, f := range req.Files {
		files = append(files, domain.FileRef{Name: f.Name, Path: f.Path})
	}

	ctx, cancel := h.withTimeout(r.Context())
	defer cancel()

	result, err := h.chats.Ask(ctx, service.AskParams{
		UserID:   id.UserID,
		Question: req.Question,
		ChatID:   req.ChatID,
		Files:    files,
	})
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	resp := askResponse{
		Answer: result.Answer,
		ChatID: result.ChatID,
		Plan:   result.Plan,
		Quota:  result.Quota,
	}
	// Paid plans have no weekly window.
	if !result.Plan.IsPaid() {
		resp.ResetAt = formatTime(result.ResetAt)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *ChatHandler) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if h.config.RequestTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, h.config.RequestTimeout)
}

// formatTime renders t as RFC 3339 in UTC, or nil when unset.
func formatTime(t time.Time) *string {
	if t.IsZero() {
		return nil
	}
	s := timestamp(t)
	return &s
}

// timestamp renders t as RFC 3339 in UTC.
func timestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
