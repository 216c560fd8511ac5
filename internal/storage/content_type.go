package storage

import (
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
)

// MIME types of the document formats the assistant can read.
const (
	TypePDF      = "application/pdf"
	TypeDOCX     = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	TypeText     = "text/plain"
	TypeMarkdown = "text/markdown"
	TypeCSV      = "text/csv"
	TypeJSON     = "application/json"
)

// extensionTypes covers extensions mime.TypeByExtension may not know on a
// minimal system.
var extensionTypes = map[string]string{
	".pdf":  TypePDF,
	".docx": TypeDOCX,
	".txt":  TypeText,
	".md":   TypeMarkdown,
	".csv":  TypeCSV,
	".json": TypeJSON,
}

// DetectContentType determines the MIME type of a file.
//
// Detection priority:
// 1. If providedType is non-empty and not the generic binary type, use it
// 2. Known document extensions, then mime.TypeByExtension
// 3. Sniff the first 512 bytes of data (if available)
// 4. Fall back to "application/octet-stream"
func DetectContentType(providedType, filename string, data io.Reader) string {
	if providedType != "" && BaseType(providedType) != "application/octet-stream" {
		return providedType
	}

	ext := strings.ToLower(filepath.Ext(filename))
	if contentType, ok := extensionTypes[ext]; ok {
		return contentType
	}
	if contentType := mime.TypeByExtension(ext); contentType != "" {
		return contentType
	}

	if data != nil {
		buffer := make([]byte, 512)
		n, err := io.ReadFull(data, buffer)
		if err == nil || err == io.EOF || err == io.ErrUnexpectedEOF {
			return http.DetectContentType(buffer[:n])
		}
	}

	return "application/octet-stream"
}

// BaseType strips parameters such as charset and lowercases the type.
func BaseType(contentType string) string {
	baseType := strings.Split(contentType, ";")[0]
	return strings.TrimSpace(strings.ToLower(baseType))
}

// IsPDF returns true if the content type is a PDF document.
func IsPDF(contentType string) bool {
	return BaseType(contentType) == TypePDF
}

// IsDOCX returns true if the content type is a Word (OOXML) document.
func IsDOCX(contentType string) bool {
	return BaseType(contentType) == TypeDOCX
}

// IsText returns true for plain-text formats that need no extraction.
func IsText(contentType string) bool {
	baseType := BaseType(contentType)
	if strings.HasPrefix(baseType, "text/") {
		return true
	}
	return baseType == TypeJSON
}
