package export

import (
	"context"
	"fmt"
	"html/template"
	"strings"
	"time"

	"omfs/api/internal/trackchange"
)

// Renderer turns a complete HTML page into another document format.
type Renderer interface {
	Render(ctx context.Context, html string) ([]byte, error)
}

// ArtifactStore keeps a copy of each export.
type ArtifactStore interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) error
}

// Service provides block export functionality
type Service struct {
	pdf       Renderer
	docx      Renderer
	artifacts ArtifactStore
	now       func() time.Time
}

// NewService wires the renderers. artifacts may be nil to skip uploads.
func NewService(pdf, docx Renderer, artifacts ArtifactStore) *Service {
	return &Service{
		pdf:       pdf,
		docx:      docx,
		artifacts: artifacts,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Export generates an export in the requested format
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	block := req.Block
	body := block.Body
	if req.Clean {
		clean, err := trackchange.Preview(body, trackchange.ActionAccept)
		if err != nil {
			return nil, fmt.Errorf("preview accepted changes: %w", err)
		}
		body = clean
	}

	tags := make([]string, 0, len(block.Tags))
	for _, t := range block.Tags {
		tags = append(tags, t.Name)
	}
	pending := 0
	if !req.Clean {
		pending = len(block.TrackedChanges.Pending())
	}

	html, err := RenderBlockHTML(TemplateData{
		Title:          block.Title,
		SectionType:    block.SectionType,
		ContentHTML:    template.HTML(body),
		Author:         block.UpdatedBy,
		UpdatedAt:      block.UpdatedAt,
		Tags:           tags,
		PendingChanges: pending,
	})
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	base := sanitizeFilename(block.Title)
	var result *Result
	switch req.Format {
	case FormatHTML, "":
		result = &Result{Data: []byte(html), Filename: base + ".html", MimeType: "text/html; charset=utf-8"}
	case FormatPDF:
		if s.pdf == nil {
			return nil, fmt.Errorf("%w: no pdf renderer configured", ErrPDFDependencyMissing)
		}
		data, err := s.pdf.Render(ctx, html)
		if err != nil {
			return nil, err
		}
		result = &Result{Data: data, Filename: base + ".pdf", MimeType: "application/pdf"}
	case FormatDOCX:
		if s.docx == nil {
			return nil, fmt.Errorf("%w: no docx renderer configured", ErrDOCXDependencyMissing)
		}
		data, err := s.docx.Render(ctx, html)
		if err != nil {
			return nil, err
		}
		result = &Result{
			Data:     data,
			Filename: base + ".docx",
			MimeType: "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, req.Format)
	}

	if s.artifacts != nil {
		key := fmt.Sprintf("blocks/%s/%s-%s", block.ID, s.now().Format("20060102T150405Z"), result.Filename)
		if err := s.artifacts.Upload(ctx, key, result.Data, result.MimeType); err != nil {
			return nil, err
		}
		result.ObjectKey = key
	}
	return result, nil
}

// sanitizeFilename creates a safe filename from a title
func sanitizeFilename(title string) string {
	var b strings.Builder
	for _, r := range title {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ':
			b.WriteByte('-')
		}
	}
	result := b.String()
	if len(result) > 50 {
		result = result[:50]
	}
	if result == "" {
		result = "block"
	}
	return result
}
