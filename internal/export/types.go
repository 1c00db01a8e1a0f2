// Package export renders a charter draft to PDF or DOCX.
package export

import (
	"errors"
	"time"
)

type Format string

const (
	FormatPDF  Format = "pdf"
	FormatDOCX Format = "docx"
)

func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatPDF, FormatDOCX:
		return Format(s), nil
	default:
		return "", ErrUnsupportedFormat
	}
}

// Request contains parameters for an export operation
type Request struct {
	SessionID string
	Format    Format
}

// Draft is the charter content an export is rendered from. Version is the
// draft's optimistic concurrency token.
type Draft struct {
	Title           string
	Version         int64
	Fields          map[string]any
	UpdatedAt       time.Time
	Locked          map[string]bool
	MissingRequired []string
	Labels          []FieldLabel
}

// FieldLabel names one field in display order.
type FieldLabel struct {
	Path  string
	Label string
}

// Result contains the export output
type Result struct {
	Data     []byte
	Filename string
	MimeType string
	Version  int64
}

var (
	// ErrDraftChanged means the draft kept moving while the export ran.
	ErrDraftChanged = errors.New("draft changed during export")
	// ErrUnsupportedFormat is returned for formats other than pdf and docx.
	ErrUnsupportedFormat = errors.New("unsupported export format")
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
	// ErrDOCXDependencyMissing indicates DOCX export runtime dependencies are unavailable.
	ErrDOCXDependencyMissing = errors.New("export docx dependency missing")
)
