// Package report renders chat transcripts as PDF and DOCX documents.
//
// This package defines a Generator interface implemented by PDFGenerator and
// DOCXGenerator, along with common helpers for formatting and styling
// exports.
package report

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/DukeRupert/estategpt/internal/domain"
	"github.com/DukeRupert/estategpt/internal/storage"
)

// =============================================================================
// Generator Interface
// =============================================================================

// Format is an export file format.
type Format string

const (
	FormatPDF  Format = "pdf"
	FormatDOCX Format = "docx"
)

// ParseFormat accepts "pdf" and "docx" in any case. Empty means PDF.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "pdf":
		return FormatPDF, nil
	case "docx":
		return FormatDOCX, nil
	default:
		return "", fmt.Errorf("unsupported export format %q", s)
	}
}

// ContentType returns the MIME type of the format.
func (f Format) ContentType() string {
	if f == FormatDOCX {
		return storage.TypeDOCX
	}
	return storage.TypePDF
}

// Generator defines the interface for transcript generators.
// Implementations handle the specifics of each format (PDF, DOCX).
type Generator interface {
	// Generate renders the transcript and writes it to w.
	// Returns the number of bytes written and any error.
	Generate(ctx context.Context, t *domain.Transcript, w io.Writer) (int64, error)

	// Format returns the output format of this generator.
	Format() Format
}

// NewGenerator returns the generator for format.
func NewGenerator(format Format) (Generator, error) {
	switch format {
	case FormatPDF:
		return NewPDFGenerator(), nil
	case FormatDOCX:
		return NewDOCXGenerator(), nil
	default:
		return nil, fmt.Errorf("unsupported export format %q", format)
	}
}

// =============================================================================
// Brand Colors
// =============================================================================

// BrandColors defines the color palette for exports.
var BrandColors = struct {
	Primary    string // Header bar and headings
	Accent     string // Assistant label
	TextDark   string // Primary text
	TextMuted  string // Secondary text
	Border     string // Borders and dividers
	Background string // Light background
}{
	Primary:    "#14532D",
	Accent:     "#B45309",
	TextDark:   "#1F2937",
	TextMuted:  "#6B7280",
	Border:     "#E5E7EB",
	Background: "#F9FAFB",
}

// RoleLabel returns the display name for a message author.
func RoleLabel(role domain.MessageRole) string {
	switch role {
	case domain.RoleUser:
		return "You"
	case domain.RoleAssistant:
		return "EstateGPT"
	default:
		return string(role)
	}
}

// RoleColor returns the label color for a message author.
func RoleColor(role domain.MessageRole) string {
	if role == domain.RoleAssistant {
		return BrandColors.Accent
	}
	return BrandColors.Primary
}

// =============================================================================
// Color Conversion Helpers
// =============================================================================

// HexToRGB converts a hex color string to RGB values.
// Input format: "#RRGGBB" or "RRGGBB"
func HexToRGB(hex string) (r, g, b int) {
	if len(hex) > 0 && hex[0] == '#' {
		hex = hex[1:]
	}
	if len(hex) != 6 {
		return 0, 0, 0
	}

	r = hexToDec(hex[0:2])
	g = hexToDec(hex[2:4])
	b = hexToDec(hex[4:6])
	return
}

// hexToDec converts a 2-character hex string to decimal.
func hexToDec(hex string) int {
	val := 0
	for _, c := range hex {
		val *= 16
		switch {
		case c >= '0' && c <= '9':
			val += int(c - '0')
		case c >= 'a' && c <= 'f':
			val += int(c - 'a' + 10)
		case c >= 'A' && c <= 'F':
			val += int(c - 'A' + 10)
		}
	}
	return val
}

// =============================================================================
// Text Formatting Helpers
// =============================================================================

// Title returns the transcript title, falling back for untitled chats.
func Title(t *domain.Transcript) string {
	if t.Chat.Title != "" {
		return t.Chat.Title
	}
	return "Conversation"
}

// FormatDate formats a date for display in exports.
func FormatDate(t time.Time) string {
	return t.UTC().Format("January 2, 2006")
}

// FormatDateTime formats a datetime for display in exports.
func FormatDateTime(t time.Time) string {
	return t.UTC().Format("January 2, 2006 at 3:04 PM UTC")
}

// Summary is the one-line metadata shown under the title.
func Summary(t *domain.Transcript) string {
	parts := []string{
		"Started " + FormatDate(t.Chat.CreatedAt),
		pluralize(len(t.Messages), "message"),
	}
	if len(t.Files) > 0 {
		parts = append(parts, pluralize(len(t.Files), "attachment"))
	}
	return strings.Join(parts, " · ")
}

func pluralize(n int, noun string) string {
	if n == 1 {
		return "1 " + noun
	}
	return fmt.Sprintf("%d %ss", n, noun)
}
