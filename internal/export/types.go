// Package export renders project content as a standalone HTML page or a PDF.
package export

import (
	"errors"
	"time"
)

// Format represents the export output format
type Format string

const (
	FormatPDF  Format = "pdf"
	FormatHTML Format = "html"
)

// ParseFormat maps a query value to a Format; empty means PDF.
func ParseFormat(s string) (Format, bool) {
	switch Format(s) {
	case "", FormatPDF:
		return FormatPDF, true
	case FormatHTML:
		return FormatHTML, true
	}
	return "", false
}

// Document is the content being exported, either the live workspace or a
// saved version.
type Document struct {
	Title       string
	Description string
	VersionName string
	Content     string
	Author      string
	WordCount   int
	UpdatedAt   time.Time
	Stats       Stats
}

// Stats is the contribution summary printed under the title.
type Stats struct {
	HumanContribution float64
	AIContribution    float64
}

// Result contains the export output
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	// ErrUnsupportedFormat is returned for formats other than pdf and html.
	ErrUnsupportedFormat = errors.New("unsupported export format")
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
)
