package report

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/unidoc/unioffice/color"
	"github.com/unidoc/unioffice/document"
	"github.com/unidoc/unioffice/measurement"

	"github.com/DukeRupert/estategpt/internal/domain"
)

// =============================================================================
// DOCX Generator
// =============================================================================

// DOCXGenerator renders transcripts as Word documents.
type DOCXGenerator struct{}

// NewDOCXGenerator creates a new DOCX generator.
func NewDOCXGenerator() *DOCXGenerator {
	return &DOCXGenerator{}
}

// Format returns the output format of this generator.
func (g *DOCXGenerator) Format() Format {
	return FormatDOCX
}

// Generate creates a DOCX transcript and writes it to the provided writer.
func (g *DOCXGenerator) Generate(ctx context.Context, t *domain.Transcript, w io.Writer) (int64, error) {
	doc := document.New()
	defer doc.Close()

	doc.CoreProperties.SetTitle(Title(t))

	g.addTitle(doc, t)
	for _, msg := range t.Messages {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		g.addMessage(doc, msg)
	}
	if len(t.Messages) == 0 {
		g.addTextLine(doc, "This conversation has no messages yet.", true)
	}
	if len(t.Files) > 0 {
		g.addAttachments(doc, t.Files)
	}

	// Write to buffer to count bytes
	var buf bytes.Buffer
	if err := doc.Save(&buf); err != nil {
		return 0, fmt.Errorf("docx save error: %w", err)
	}

	n, err := w.Write(buf.Bytes())
	return int64(n), err
}

// =============================================================================
// Sections
// =============================================================================

func (g *DOCXGenerator) addTitle(doc *document.Document, t *domain.Transcript) {
	title := doc.AddParagraph()
	titleRun := title.AddRun()
	titleRun.Properties().SetBold(true)
	titleRun.Properties().SetSize(22 * measurement.Point)
	titleRun.Properties().SetColor(rgb(BrandColors.Primary))
	titleRun.AddText(Title(t))
	title.Properties().SetSpacing(0, 6*measurement.Point)

	meta := doc.AddParagraph()
	metaRun := meta.AddRun()
	metaRun.Properties().SetSize(10 * measurement.Point)
	metaRun.Properties().SetColor(rgb(BrandColors.TextMuted))
	metaRun.AddText(Summary(t))
	meta.Properties().SetSpacing(0, 18*measurement.Point)
}

func (g *DOCXGenerator) addMessage(doc *document.Document, msg domain.Message) {
	label := doc.AddParagraph()
	labelRun := label.AddRun()
	labelRun.Properties().SetBold(true)
	labelRun.Properties().SetColor(rgb(RoleColor(msg.Role)))
	labelRun.AddText(RoleLabel(msg.Role))

	when := label.AddRun()
	when.Properties().SetSize(8 * measurement.Point)
	when.Properties().SetColor(rgb(BrandColors.TextMuted))
	when.AddText("  " + FormatDateTime(msg.CreatedAt))
	label.Properties().SetSpacing(12*measurement.Point, 4*measurement.Point)

	// One paragraph per line keeps the model's list formatting readable
	for _, line := range strings.Split(msg.Content, "\n") {
		g.addTextLine(doc, line, false)
	}
}

func (g *DOCXGenerator) addAttachments(doc *document.Document, files []domain.FileMeta) {
	header := doc.AddParagraph()
	run := header.AddRun()
	run.Properties().SetBold(true)
	run.Properties().SetSize(12 * measurement.Point)
	run.Properties().SetColor(rgb(BrandColors.Primary))
	run.AddText("Attachments")
	header.Properties().SetSpacing(18*measurement.Point, 6*measurement.Point)

	for _, f := range files {
		g.addTextLine(doc, fmt.Sprintf("%s (%s)", f.Name, FormatSize(f.Size)), false)
	}
}

// =============================================================================
// Helper Methods
// =============================================================================

func (g *DOCXGenerator) addTextLine(doc *document.Document, text string, italic bool) {
	para := doc.AddParagraph()
	run := para.AddRun()
	if italic {
		run.Properties().SetItalic(true)
	}
	run.AddText(text)
}

func rgb(hex string) color.Color {
	r, g, b := HexToRGB(hex)
	return color.RGB(uint8(r), uint8(g), uint8(b))
}
