package document

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/DukeRupert/estategpt/internal/domain"
	"github.com/DukeRupert/estategpt/internal/metrics"
	"github.com/DukeRupert/estategpt/internal/storage"
)

// Defaults for Enricher limits.
const (
	DefaultMaxFiles     = 3
	DefaultMaxChars     = 6000
	DefaultMaxFileBytes = 20 << 20
)

// Config bounds how much attachment text reaches the prompt.
type Config struct {
	MaxFiles     int   // Attachments beyond this are ignored
	MaxChars     int   // Rune budget per attachment
	MaxFileBytes int64 // Larger objects are not read
}

// Attachment is the text slot produced for one referenced file.
type Attachment struct {
	Name string
	Text string
	Err  error
}

// Enricher reads referenced attachments from storage and prepends their
// text to a question.
type Enricher struct {
	storage storage.Storage
	config  Config
	logger  *slog.Logger
}

// NewEnricher creates an Enricher, filling zero limits with defaults.
func NewEnricher(store storage.Storage, cfg Config, logger *slog.Logger) *Enricher {
	if cfg.MaxFiles <= 0 {
		cfg.MaxFiles = DefaultMaxFiles
	}
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = DefaultMaxChars
	}
	if cfg.MaxFileBytes <= 0 {
		cfg.MaxFileBytes = DefaultMaxFileBytes
	}
	return &Enricher{storage: store, config: cfg, logger: logger}
}

// Enrich builds the user prompt for question. Each of the first MaxFiles
// refs gets a slot holding its text or a "[Could not read ...]" marker;
// one unreadable file never fails the request.
func (e *Enricher) Enrich(ctx context.Context, userID, question string, refs []domain.FileRef) (string, []Attachment) {
	if len(refs) > e.config.MaxFiles {
		e.logger.Debug("ignoring extra attachments", "user_id", userID, "count", len(refs), "max", e.config.MaxFiles)
		refs = refs[:e.config.MaxFiles]
	}

	attachments := make([]Attachment, 0, len(refs))
	for _, ref := range refs {
		if ctx.Err() != nil {
			break
		}
		attachments = append(attachments, e.read(ctx, userID, ref))
	}

	return BuildPrompt(question, attachments), attachments
}

func (e *Enricher) read(ctx context.Context, userID string, ref domain.FileRef) Attachment {
	name := ref.Name
	if name == "" {
		name = ref.Path
	}
	att := Attachment{Name: name}

	if !storage.OwnedBy(userID, ref.Path) {
		att.Err = errors.New("file not found")
		e.logger.Warn("attachment outside user prefix", "user_id", userID, "path", ref.Path)
		return att
	}

	data, info, err := storage.ReadAll(ctx, e.storage, ref.Path, e.config.MaxFileBytes)
	if err != nil {
		att.Err = readError(err)
		e.logger.Info("attachment read failed", "user_id", userID, "path", ref.Path, "error", err)
		return att
	}

	contentType := storage.DetectContentType(info.ContentType, name, nil)
	format := FormatFor(contentType)
	if format == "" {
		format = "other"
	}

	text, err := Extract(contentType, data)
	metrics.AttachmentExtracted(format, err == nil)
	if err != nil {
		att.Err = err
		e.logger.Info("attachment extraction failed", "user_id", userID, "path", ref.Path, "format", format, "error", err)
		return att
	}

	att.Text = Truncate(text, e.config.MaxChars)
	return att
}

// readError turns storage failures into a reason safe to show the model.
func readError(err error) error {
	return errors.New(storage.Reason(err))
}

// BuildPrompt formats attachment slots as a context block followed by
// "Question: <q>". Without attachments the question is returned as is.
func BuildPrompt(question string, attachments []Attachment) string {
	if len(attachments) == 0 {
		return question
	}

	var b strings.Builder
	b.WriteString("Context from attached documents:\n")
	for _, att := range attachments {
		fmt.Fprintf(&b, "\n--- %s ---\n", att.Name)
		if att.Err != nil {
			b.WriteString(Marker(att.Name, att.Err))
		} else {
			b.WriteString(att.Text)
		}
		b.WriteByte('\n')
	}
	b.WriteString("\nQuestion: ")
	b.WriteString(question)
	return b.String()
}

// Marker is the text placed in the slot of a file that could not be read.
func Marker(name string, reason error) string {
	return fmt.Sprintf("[Could not read %s: %v]", name, reason)
}
