package handler

import (
	"net/http"

	"github.com/DukeRupert/estategpt/internal/auth"
	"github.com/DukeRupert/estategpt/internal/domain"
	"github.com/DukeRupert/estategpt/internal/report"
)

type chatJSON struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

type messageJSON struct {
	ID        string             `json:"id"`
	Role      domain.MessageRole `json:"role"`
	Content   string             `json:"content"`
	CreatedAt string             `json:"created_at"`
}

type fileJSON struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	MimeType  string `json:"mime_type"`
	Size      int64  `json:"size"`
	CreatedAt string `json:"created_at"`
}

type chatListResponse struct {
	Chats []chatJSON `json:"chats"`
}

type transcriptResponse struct {
	Chat     chatJSON      `json:"chat"`
	Messages []messageJSON `json:"messages"`
	Files    []fileJSON    `json:"files"`
}

type exportResponse struct {
	URL    string        `json:"url"`
	Key    string        `json:"key"`
	Format report.Format `json:"format"`
	Size   int64         `json:"size"`
}

// ListChats returns the caller's most recent chats.
func (h *ChatHandler) ListChats(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.GetIdentity(r.Context())
	if !ok {
		UnauthorizedResponse(w, r, h.logger)
		return
	}

	ctx, cancel := h.withTimeout(r.Context())
	defer cancel()

	chats, err := h.chats.List(ctx, id.UserID)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	resp := chatListResponse{Chats: make([]chatJSON, 0, len(chats))}
	for _, c := range chats {
		resp.Chats = append(resp.Chats, toChatJSON(c))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetChat returns one chat with its messages and files.
func (h *ChatHandler) GetChat(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.GetIdentity(r.Context())
	if !ok {
		UnauthorizedResponse(w, r, h.logger)
		return
	}

	ctx, cancel := h.withTimeout(r.Context())
	defer cancel()

	transcript, err := h.chats.Transcript(ctx, id.UserID, r.PathValue("id"))
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	resp := transcriptResponse{
		Chat:     toChatJSON(transcript.Chat),
		Messages: make([]messageJSON, 0, len(transcript.Messages)),
		Files:    make([]fileJSON, 0, len(transcript.Files)),
	}
	for _, m := range transcript.Messages {
		resp.Messages = append(resp.Messages, messageJSON{
			ID:        m.ID,
			Role:      m.Role,
			Content:   m.Content,
			CreatedAt: timestamp(m.CreatedAt),
		})
	}
	for _, f := range transcript.Files {
		resp.Files = append(resp.Files, fileJSON{
			ID:        f.ID,
			Name:      f.Name,
			MimeType:  f.MimeType,
			Size:      f.Size,
			CreatedAt: timestamp(f.CreatedAt),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// ExportChat renders the transcript as PDF or DOCX and returns a
// short-lived download URL.
func (h *ChatHandler) ExportChat(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.GetIdentity(r.Context())
	if !ok {
		UnauthorizedResponse(w, r, h.logger)
		return
	}

	format, err := report.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		ErrorResponse(w, r, h.logger, domain.Invalid("ChatHandler.ExportChat", "Unsupported export format."))
		return
	}

	ctx, cancel := h.withTimeout(r.Context())
	defer cancel()

	result, err := h.chats.Export(ctx, id.UserID, r.PathValue("id"), format)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, exportResponse{
		URL:    result.URL,
		Key:    result.Key,
		Format: result.Format,
		Size:   result.Size,
	})
}

func toChatJSON(c domain.Chat) chatJSON {
	return chatJSON{
		ID:        c.ID,
		Title:     c.Title,
		CreatedAt: timestamp(c.CreatedAt),
		UpdatedAt: timestamp(c.UpdatedAt),
	}
}
