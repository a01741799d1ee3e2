// Package export renders content blocks to HTML, PDF and DOCX.
package export

import (
	"errors"
	"fmt"
	"strings"

	"omfs/api/internal/store"
)

// Format represents the export output format
type Format string

const (
	FormatHTML Format = "html"
	FormatPDF  Format = "pdf"
	FormatDOCX Format = "docx"
)

// ParseFormat accepts html, pdf and docx; empty means html.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FormatHTML, nil
	case FormatHTML, FormatPDF, FormatDOCX:
		return f, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, s)
	}
}

// Request contains parameters for an export operation
type Request struct {
	Block  store.ContentBlock
	Format Format
	// Clean renders the body as if every pending change were accepted.
	Clean bool
}

// Result contains the export output
type Result struct {
	Data     []byte
	Filename string
	MimeType string
	// ObjectKey is set when the artifact was also uploaded.
	ObjectKey string
}

var (
	ErrUnsupportedFormat = errors.New("unsupported export format")
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
	// ErrDOCXDependencyMissing indicates DOCX export runtime dependencies are unavailable.
	ErrDOCXDependencyMissing = errors.New("export docx dependency missing")
)
