package export

import (
	"bytes"
	"embed"
	"html/template"
	"time"
)

//go:embed templates/*.html
var templateFS embed.FS

var blockTemplate = template.Must(template.New("block.html").Funcs(template.FuncMap{
	"formatDate": func(t time.Time, layout string) string {
		return t.Format(layout)
	},
}).ParseFS(templateFS, "templates/block.html"))

// TemplateData holds data for block template rendering
type TemplateData struct {
	Title       string
	SectionType string
	// ContentHTML is the stored body; it is trusted markup from the editor.
	ContentHTML    template.HTML
	Author         string
	UpdatedAt      time.Time
	Tags           []string
	PendingChanges int
}

// RenderBlockHTML renders the block template with provided data
func RenderBlockHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := blockTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
