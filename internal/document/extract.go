// Package document turns uploaded attachments into plain text for the
// assistant's prompt.
//
// Supported formats:
//   - PDF via ledongthuc/pdf
//   - DOCX via unioffice
//   - text formats (plain, markdown, csv, json) read as UTF-8
//
// Extracted text is normalized to NFC and bounded by a rune budget.
package document

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"github.com/unidoc/unioffice/document"
	"golang.org/x/text/unicode/norm"

	"github.com/DukeRupert/estategpt/internal/storage"
)

// Format names used in metrics and logs.
const (
	FormatPDF  = "pdf"
	FormatDOCX = "docx"
	FormatText = "text"
)

// TruncationMarker is appended when text is cut to the rune budget.
const TruncationMarker = "[truncated]"

var (
	// ErrUnsupportedFormat is returned for content types with no extractor.
	ErrUnsupportedFormat = errors.New("unsupported file type")

	// ErrNoText is returned when a document holds no extractable text,
	// such as a scanned PDF.
	ErrNoText = errors.New("no readable text")
)

var blankLines = regexp.MustCompile(`\n{3,}`)

// FormatFor maps a content type to an extractor format name. It returns
// the empty string for unsupported types.
func FormatFor(contentType string) string {
	switch {
	case storage.IsPDF(contentType):
		return FormatPDF
	case storage.IsDOCX(contentType):
		return FormatDOCX
	case storage.IsText(contentType):
		return FormatText
	default:
		return ""
	}
}

// Extract returns the normalized text content of data.
func Extract(contentType string, data []byte) (string, error) {
	var (
		text string
		err  error
	)
	switch FormatFor(contentType) {
	case FormatPDF:
		text, err = extractPDF(data)
	case FormatDOCX:
		text, err = extractDOCX(data)
	case FormatText:
		text, err = extractText(data)
	default:
		return "", ErrUnsupportedFormat
	}
	if err != nil {
		return "", err
	}

	text = Normalize(text)
	if text == "" {
		return "", ErrNoText
	}
	return text, nil
}

// Normalize converts text to NFC, drops control characters other than
// newlines and tabs, and collapses runs of blank lines.
func Normalize(text string) string {
	text = norm.NFC.String(text)
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) || r == utf8.RuneError {
			return -1
		}
		return r
	}, text)

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRightFunc(line, unicode.IsSpace)
	}
	text = blankLines.ReplaceAllString(strings.Join(lines, "\n"), "\n\n")
	return strings.TrimSpace(text)
}

// Truncate cuts text to at most maxRunes runes and appends
// TruncationMarker when anything was removed. maxRunes <= 0 disables it.
func Truncate(text string, maxRunes int) string {
	if maxRunes <= 0 || utf8.RuneCountInString(text) <= maxRunes {
		return text
	}
	runes := []rune(text)
	return strings.TrimRightFunc(string(runes[:maxRunes]), unicode.IsSpace) + "\n" + TruncationMarker
}

func extractText(data []byte) (string, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	if !utf8.Valid(data) {
		return strings.ToValidUTF8(string(data), ""), nil
	}
	return string(data), nil
}

// extractPDF recovers from parser panics, which malformed PDFs can cause.
func extractPDF(data []byte) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			text, err = "", fmt.Errorf("malformed PDF: %v", r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open PDF: %w", err)
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("read PDF text: %w", err)
	}
	out, err := io.ReadAll(plain)
	if err != nil {
		return "", fmt.Errorf("read PDF text: %w", err)
	}
	return string(out), nil
}

func extractDOCX(data []byte) (string, error) {
	doc, err := document.Read(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open DOCX: %w", err)
	}
	defer doc.Close()

	var b strings.Builder
	writeParagraphs(&b, doc.Paragraphs())
	for _, table := range doc.Tables() {
		for _, row := range table.Rows() {
			cells := make([]string, 0, len(row.Cells()))
			for _, cell := range row.Cells() {
				var cb strings.Builder
				writeParagraphs(&cb, cell.Paragraphs())
				cells = append(cells, strings.TrimSpace(cb.String()))
			}
			b.WriteString(strings.Join(cells, "\t"))
			b.WriteByte('\n')
		}
	}
	return b.String(), nil
}

func writeParagraphs(b *strings.Builder, paragraphs []document.Paragraph) {
	for _, p := range paragraphs {
		for _, run := range p.Runs() {
			b.WriteString(run.Text())
		}
		b.WriteByte('\n')
	}
}
