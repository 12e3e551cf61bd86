package export

import (
	"context"
	"fmt"
	"html/template"
)

// Service renders documents in the requested format.
type Service struct {
	pdf func(ctx context.Context, html string) ([]byte, error)
}

// NewService creates a new export service backed by headless Chrome.
func NewService() *Service {
	return &Service{pdf: printPDF}
}

// Export renders doc as a full HTML page and, for PDF, prints it.
func (s *Service) Export(ctx context.Context, doc Document, format Format) (*Result, error) {
	page, err := RenderDocumentHTML(TemplateData{
		Title:       doc.Title,
		Description: doc.Description,
		VersionName: doc.VersionName,
		ContentHTML: template.HTML(TextToHTML(doc.Content)),
		Author:      doc.Author,
		WordCount:   doc.WordCount,
		UpdatedAt:   doc.UpdatedAt,
		Stats:       doc.Stats,
	})
	if err != nil {
		return nil, fmt.Errorf("render export html: %w", err)
	}

	name := fileSlug(doc.Title)
	if doc.VersionName != "" {
		name = fileSlug(doc.Title + " " + doc.VersionName)
	}

	switch format {
	case FormatHTML:
		return &Result{Data: []byte(page), Filename: name + ".html", MimeType: "text/html; charset=utf-8"}, nil
	case FormatPDF:
		data, err := s.pdf(ctx, page)
		if err != nil {
			return nil, err
		}
		return &Result{Data: data, Filename: name + ".pdf", MimeType: "application/pdf"}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
}
