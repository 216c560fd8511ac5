package handler

import (
	"bytes"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/DukeRupert/estategpt/internal/auth"
	"github.com/DukeRupert/estategpt/internal/domain"
	"github.com/DukeRupert/estategpt/internal/service"
	"github.com/DukeRupert/estategpt/internal/storage"
)

const (
	// ChatIDHeader names the chat an upload belongs to.
	ChatIDHeader = "X-Chat-Id"

	uploadField = "files"
	sniffLen    = 512
)

// uploadResponse is the JSON body returned by POST /upload.
type uploadResponse struct {
	ChatID string           `json:"chat_id"`
	Files  []uploadFileJSON `json:"files"`
}

type uploadFileJSON struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`
}

// Upload drains a multipart request and records metadata for each file.
// File bytes are counted and discarded.
func (h *ChatHandler) Upload(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.GetIdentity(r.Context())
	if !ok {
		UnauthorizedResponse(w, r, h.logger)
		return
	}

	reader, err := r.MultipartReader()
	if err != nil {
		ErrorResponse(w, r, h.logger, domain.Invalid("ChatHandler.Upload", "Expected a multipart upload."))
		return
	}

	files, err := h.drainParts(reader)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	ctx, cancel := h.withTimeout(r.Context())
	defer cancel()

	result, err := h.chats.Upload(ctx, service.UploadParams{
		UserID: id.UserID,
		ChatID: strings.TrimSpace(r.Header.Get(ChatIDHeader)),
		Files:  files,
	})
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	resp := uploadResponse{
		ChatID: result.ChatID,
		Files:  make([]uploadFileJSON, 0, len(result.Files)),
	}
	for _, f := range result.Files {
		resp.Files = append(resp.Files, uploadFileJSON{
			ID:       f.ID,
			Name:     f.Name,
			MimeType: f.MimeType,
			Size:     f.Size,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// drainParts reads every part of the stream. Parts other than "files"
// are skipped.
func (h *ChatHandler) drainParts(reader *multipart.Reader) ([]service.UploadedFile, error) {
	const op = "ChatHandler.Upload"

	var files []service.UploadedFile
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, domain.Wrap(err, domain.EINVALID, op, "The upload could not be read.")
		}

		if part.FormName() != uploadField {
			_, _ = io.Copy(io.Discard, part)
			_ = part.Close()
			continue
		}

		if len(files) == h.config.MaxUploadFiles {
			_ = part.Close()
			return nil, domain.Errorf(domain.EINVALID, op, "At most %d files can be uploaded at once.", h.config.MaxUploadFiles)
		}

		file, err := h.drainFile(part)
		_ = part.Close()
		if err != nil {
			return nil, err
		}
		files = append(files, file)
	}
	return files, nil
}

func (h *ChatHandler) drainFile(part *multipart.Part) (service.UploadedFile, error) {
	const op = "ChatHandler.Upload"

	name := filepath.Base(strings.ReplaceAll(part.FileName(), `\`, "/"))
	if name == "." || name == "/" || name == "" {
		name = "file"
	}

	limited := io.LimitReader(part, h.config.MaxUploadBytes+1)

	sniff := make([]byte, sniffLen)
	n, err := io.ReadFull(limited, sniff)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return service.UploadedFile{}, domain.Wrap(err, domain.EINVALID, op, "The upload could not be read.")
	}
	sniff = sniff[:n]

	rest, err := io.Copy(io.Discard, limited)
	if err != nil {
		return service.UploadedFile{}, domain.Wrap(err, domain.EINVALID, op, "The upload could not be read.")
	}

	size := int64(n) + rest
	if size > h.config.MaxUploadBytes {
		return service.UploadedFile{}, domain.Errorf(domain.ETOOLARGE, op,
			"%s exceeds the %d MB upload limit.", name, h.config.MaxUploadBytes>>20)
	}

	return service.UploadedFile{
		Name:     name,
		MimeType: storage.DetectContentType(part.Header.Get("Content-Type"), name, bytes.NewReader(sniff)),
		Size:     size,
	}, nil
}
