package report

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/go-pdf/fpdf"

	"github.com/DukeRupert/estategpt/internal/domain"
)

// =============================================================================
// PDF Generator
// =============================================================================

// PDFGenerator renders transcripts as A4 PDFs.
type PDFGenerator struct {
	// Page dimensions (A4 in mm)
	pageWidth  float64
	pageHeight float64
	margin     float64

	// Content area
	contentWidth float64

	now func() time.Time
}

// NewPDFGenerator creates a new PDF generator with default settings.
func NewPDFGenerator() *PDFGenerator {
	margin := 15.0
	pageWidth := 210.0 // A4 width in mm
	return &PDFGenerator{
		pageWidth:    pageWidth,
		pageHeight:   297.0, // A4 height in mm
		margin:       margin,
		contentWidth: pageWidth - (2 * margin),
		now:          time.Now,
	}
}

// Format returns the output format of this generator.
func (g *PDFGenerator) Format() Format {
	return FormatPDF
}

// Generate creates a PDF transcript and writes it to the provided writer.
func (g *PDFGenerator) Generate(ctx context.Context, t *domain.Transcript, w io.Writer) (int64, error) {
	pdf := fpdf.New("P", "mm", "A4", "")
	// Core fonts are cp1252; translate UTF-8 text before drawing it.
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	generatedAt := g.now()

	pdf.SetTitle(Title(t), true)
	pdf.SetCreator("EstateGPT", true)

	// Enable automatic page breaks with footer space
	pdf.SetAutoPageBreak(true, 20)
	pdf.SetFooterFunc(func() {
		g.addFooter(pdf, generatedAt)
	})

	g.addHeader(pdf, tr, t)
	for i, msg := range t.Messages {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		g.addMessage(pdf, tr, msg)
		if i < len(t.Messages)-1 {
			g.addDivider(pdf)
		}
	}
	if len(t.Messages) == 0 {
		pdf.SetFont("Helvetica", "I", 11)
		pdf.Cell(0, 10, "This conversation has no messages yet.")
	}
	if len(t.Files) > 0 {
		g.addAttachments(pdf, tr, t.Files)
	}

	if err := pdf.Error(); err != nil {
		return 0, fmt.Errorf("pdf generation error: %w", err)
	}

	// Write to buffer to count bytes
	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return 0, fmt.Errorf("pdf output error: %w", err)
	}

	n, err := w.Write(buf.Bytes())
	return int64(n), err
}

// =============================================================================
// Sections
// =============================================================================

func (g *PDFGenerator) addHeader(pdf *fpdf.Fpdf, tr func(string) string, t *domain.Transcript) {
	pdf.AddPage()

	// Header bar
	r, gr, b := HexToRGB(BrandColors.Primary)
	pdf.SetFillColor(r, gr, b)
	pdf.Rect(0, 0, g.pageWidth, 40, "F")

	pdf.SetTextColor(255, 255, 255)
	pdf.SetFont("Helvetica", "B", 10)
	pdf.SetXY(g.margin, 10)
	pdf.Cell(0, 6, "ESTATEGPT TRANSCRIPT")

	pdf.SetFont("Helvetica", "B", 18)
	pdf.SetXY(g.margin, 19)
	pdf.CellFormat(g.contentWidth, 10, tr(Title(t)), "", 0, "L", false, 0, "")

	r, gr, b = HexToRGB(BrandColors.TextMuted)
	pdf.SetTextColor(r, gr, b)
	pdf.SetFont("Helvetica", "", 10)
	pdf.SetXY(g.margin, 48)
	pdf.Cell(0, 6, tr(Summary(t)))
	pdf.Ln(14)
}

func (g *PDFGenerator) addMessage(pdf *fpdf.Fpdf, tr func(string) string, msg domain.Message) {
	// Keep the role label with at least a few lines of its message
	if pdf.GetY() > g.pageHeight-50 {
		pdf.AddPage()
	}

	r, gr, b := HexToRGB(RoleColor(msg.Role))
	pdf.SetFillColor(r, gr, b)
	pdf.Rect(g.margin, pdf.GetY()+1, 3, 5, "F")

	pdf.SetX(g.margin + 6)
	pdf.SetTextColor(r, gr, b)
	pdf.SetFont("Helvetica", "B", 11)
	pdf.Cell(40, 7, RoleLabel(msg.Role))

	r, gr, b = HexToRGB(BrandColors.TextMuted)
	pdf.SetTextColor(r, gr, b)
	pdf.SetFont("Helvetica", "", 8)
	pdf.CellFormat(g.contentWidth-46, 7, FormatDateTime(msg.CreatedAt), "", 0, "R", false, 0, "")
	pdf.Ln(9)

	r, gr, b = HexToRGB(BrandColors.TextDark)
	pdf.SetTextColor(r, gr, b)
	pdf.SetFont("Helvetica", "", 10)
	pdf.MultiCell(g.contentWidth, 5, tr(msg.Content), "", "L", false)
}

func (g *PDFGenerator) addDivider(pdf *fpdf.Fpdf) {
	pdf.Ln(5)
	r, gr, b := HexToRGB(BrandColors.Border)
	pdf.SetDrawColor(r, gr, b)
	pdf.Line(g.margin, pdf.GetY(), g.pageWidth-g.margin, pdf.GetY())
	pdf.Ln(5)
}

func (g *PDFGenerator) addAttachments(pdf *fpdf.Fpdf, tr func(string) string, files []domain.FileMeta) {
	pdf.Ln(10)
	r, gr, b := HexToRGB(BrandColors.Primary)
	pdf.SetTextColor(r, gr, b)
	pdf.SetFont("Helvetica", "B", 12)
	pdf.Cell(0, 8, "Attachments")
	pdf.Ln(9)

	r, gr, b = HexToRGB(BrandColors.TextDark)
	pdf.SetTextColor(r, gr, b)
	pdf.SetFont("Helvetica", "", 10)
	for _, f := range files {
		pdf.CellFormat(g.contentWidth, 6, tr(fmt.Sprintf("%s (%s)", f.Name, FormatSize(f.Size))), "", 1, "L", false, 0, "")
	}
}

func (g *PDFGenerator) addFooter(pdf *fpdf.Fpdf, generatedAt time.Time) {
	pdf.SetY(-15)

	// Draw separator line
	r, gr, b := HexToRGB(BrandColors.Border)
	pdf.SetDrawColor(r, gr, b)
	pdf.Line(g.margin, pdf.GetY()-3, g.pageWidth-g.margin, pdf.GetY()-3)

	r, gr, b = HexToRGB(BrandColors.TextMuted)
	pdf.SetTextColor(r, gr, b)
	pdf.SetFont("Helvetica", "", 8)

	// Left: generation date
	pdf.Cell(0, 10, "Generated: "+FormatDateTime(generatedAt))

	// Right: page number
	pdf.SetX(-g.margin - 30)
	pdf.CellFormat(30, 10, fmt.Sprintf("Page %d", pdf.PageNo()), "", 0, "R", false, 0, "")
}

// FormatSize renders a byte count for display.
func FormatSize(n int64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
