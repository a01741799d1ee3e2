package export

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"omfs/api/internal/store"
	"omfs/api/internal/trackchange"
)

type fakeRenderer struct {
	renderFn func(ctx context.Context, html string) ([]byte, error)
}

func (f fakeRenderer) Render(ctx context.Context, html string) ([]byte, error) {
	return f.renderFn(ctx, html)
}

type fakeArtifacts struct {
	keys  []string
	types []string
	err   error
}

func (f *fakeArtifacts) Upload(_ context.Context, key string, _ []byte, contentType string) error {
	if f.err != nil {
		return f.err
	}
	f.keys = append(f.keys, key)
	f.types = append(f.types, contentType)
	return nil
}

const trackedBody = `<p>We have <mark data-change-id="c1" data-change-type="delete">ten</mark>` +
	`<mark data-change-id="c2" data-change-type="insert">twelve</mark> years of experience.</p>`

func trackedBlock(t *testing.T) store.ContentBlock {
	t.Helper()
	ledger, err := trackchange.DecodeLedger([]byte(`{"changes":[{"id":"c1","kind":"delete"},{"id":"c2","kind":"insert"}]}`))
	require.NoError(t, err)
	return store.ContentBlock{
		ID:                  "blk_1",
		Title:               "Corporate Experience",
		SectionType:         "corporate_experience",
		Body:                trackedBody,
		TrackChangesEnabled: true,
		TrackedChanges:      ledger,
		UpdatedBy:           "ana",
		UpdatedAt:           time.Date(2024, 2, 3, 0, 0, 0, 0, time.UTC),
		Tags:                []store.Tag{{ID: "tag_a", Name: "federal"}},
	}
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"": FormatHTML, "PDF": FormatPDF, " docx ": FormatDOCX, "html": FormatHTML} {
		got, err := ParseFormat(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseFormat("odt")
	require.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestExportHTMLKeepsMarkersByDefault(t *testing.T) {
	svc := NewService(nil, nil, nil)
	res, err := svc.Export(context.Background(), Request{Block: trackedBlock(t), Format: FormatHTML})
	require.NoError(t, err)

	html := string(res.Data)
	assert.Equal(t, "Corporate-Experience.html", res.Filename)
	assert.Contains(t, html, trackedBody)
	assert.Contains(t, html, "2 pending change(s)")
	assert.Contains(t, html, `<span class="tag">federal</span>`)
	assert.Contains(t, html, "Feb 3, 2024")
	assert.Empty(t, res.ObjectKey)
}

func TestExportCleanAcceptsPendingChanges(t *testing.T) {
	svc := NewService(nil, nil, nil)
	res, err := svc.Export(context.Background(), Request{Block: trackedBlock(t), Format: FormatHTML, Clean: true})
	require.NoError(t, err)

	html := string(res.Data)
	assert.Contains(t, html, "<p>We have twelve years of experience.</p>")
	assert.NotContains(t, html, "data-change-id=")
	assert.NotContains(t, html, "pending change")
}

func TestExportPDFUsesRendererAndUploads(t *testing.T) {
	var seen string
	pdf := fakeRenderer{renderFn: func(_ context.Context, html string) ([]byte, error) {
		seen = html
		return []byte("%PDF-1.7"), nil
	}}
	artifacts := &fakeArtifacts{}
	svc := NewService(pdf, nil, artifacts)
	svc.now = func() time.Time { return time.Date(2024, 6, 1, 10, 30, 0, 0, time.UTC) }

	res, err := svc.Export(context.Background(), Request{Block: trackedBlock(t), Format: FormatPDF})
	require.NoError(t, err)
	assert.Equal(t, "application/pdf", res.MimeType)
	assert.Equal(t, []byte("%PDF-1.7"), res.Data)
	assert.Contains(t, seen, "<h1>Corporate Experience</h1>")
	assert.Equal(t, "blocks/blk_1/20240601T103000Z-Corporate-Experience.pdf", res.ObjectKey)
	assert.Equal(t, []string{res.ObjectKey}, artifacts.keys)
	assert.Equal(t, []string{"application/pdf"}, artifacts.types)
}

func TestExportFailures(t *testing.T) {
	block := trackedBlock(t)

	_, err := NewService(nil, nil, nil).Export(context.Background(), Request{Block: block, Format: FormatPDF})
	require.ErrorIs(t, err, ErrPDFDependencyMissing)

	_, err = NewService(nil, nil, nil).Export(context.Background(), Request{Block: block, Format: FormatDOCX})
	require.ErrorIs(t, err, ErrDOCXDependencyMissing)

	_, err = NewService(nil, nil, nil).Export(context.Background(), Request{Block: block, Format: "odt"})
	require.ErrorIs(t, err, ErrUnsupportedFormat)

	boom := errors.New("upload failed")
	_, err = NewService(nil, nil, &fakeArtifacts{err: boom}).Export(context.Background(), Request{Block: block})
	require.ErrorIs(t, err, boom)
}

func TestPandocMissing(t *testing.T) {
	_, err := NewPandocDOCX("definitely-not-pandoc-binary").Render(context.Background(), "<p>x</p>")
	require.ErrorIs(t, err, ErrDOCXDependencyMissing)
}

func TestChromeMissing(t *testing.T) {
	_, err := NewChromePDF("definitely-not-chrome-binary").Render(context.Background(), "<p>x</p>")
	require.ErrorIs(t, err, ErrPDFDependencyMissing)
}

func TestNormalizeEndpoint(t *testing.T) {
	host, secure := normalizeEndpoint("https://minio.example.com/", false)
	assert.Equal(t, "minio.example.com", host)
	assert.True(t, secure)

	host, secure = normalizeEndpoint("localhost:9000", false)
	assert.Equal(t, "localhost:9000", host)
	assert.False(t, secure)
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Hello World", "Hello-World"},
		{"My Section v1.2", "My-Section-v12"},
		{"Special!@#$%Chars", "SpecialChars"},
		{"", "block"},
		{"Very Long Title That Exceeds Fifty Characters Limit", "Very-Long-Title-That-Exceeds-Fifty-Characters-Limi"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := sanitizeFilename(tt.input)
			if result != tt.expected {
				t.Errorf("sanitizeFilename(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestPercentEncodeForDataURL(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"hello world", "hello%20world"},
		{"test+sign", "test%2Bsign"},
		{"special<>", "special%3C%3E"},
		{"normal-text.txt", "normal-text.txt"},
		{"é", "%C3%A9"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := percentEncodeForDataURL(tt.input)
			if result != tt.expected {
				t.Errorf("percentEncodeForDataURL(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestRenderBlockHTMLDoesNotEscapeContent(t *testing.T) {
	html, err := RenderBlockHTML(TemplateData{Title: "T & C", ContentHTML: "<p>body</p>"})
	require.NoError(t, err)
	assert.Contains(t, html, "<p>body</p>")
	assert.Contains(t, html, "T &amp; C")
	assert.False(t, strings.Contains(html, "&lt;p&gt;"))
}
