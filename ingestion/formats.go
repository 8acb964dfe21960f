// Package ingestion validates uploaded files, extracts their text and splits it into chunks.
package ingestion

import (
	"errors"
	"path/filepath"
	"strings"
)

// DocumentFormat enumerates supported document payload formats.
type DocumentFormat string

const (
	// FormatUnknown represents an unsupported or undetected format.
	FormatUnknown DocumentFormat = ""
	// FormatPDF represents PDF documents.
	FormatPDF DocumentFormat = "pdf"
	// FormatTXT represents plain text documents.
	FormatTXT DocumentFormat = "txt"
	// FormatDOCX represents Office Open XML word processing documents.
	FormatDOCX DocumentFormat = "docx"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported file format")
	ErrFileTooLarge      = errors.New("file too large")
	ErrExtraction        = errors.New("text extraction failed")
)

// SupportedExtensions lists the accepted file extensions in display order.
var SupportedExtensions = []string{".pdf", ".txt", ".docx"}

// DetectFormat infers a document format from the provided path's extension.
func DetectFormat(path string) DocumentFormat {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".pdf":
		return FormatPDF
	case ".txt":
		return FormatTXT
	case ".docx":
		return FormatDOCX
	default:
		return FormatUnknown
	}
}

// Label is the upper-case name used when presenting a format to users.
func (f DocumentFormat) Label() string {
	return strings.ToUpper(string(f))
}

func (f DocumentFormat) Valid() bool {
	switch f {
	case FormatPDF, FormatTXT, FormatDOCX:
		return true
	}
	return false
}
