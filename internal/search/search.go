package search

import (
	"strings"
	"time"

	"golang.org/x/net/html"

	"omfs/api/internal/store"
	"omfs/api/internal/trackchange"
)

// Result is a single search hit returned to the caller.
type Result struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Snippet     string `json:"snippet"`
	SectionType string `json:"section_type"`
}

// Query describes a search request.
type Query struct {
	Text        string
	SectionType string // empty = all sections
	Limit       int
	Offset      int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
	Engine  string   `json:"engine"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// BlockRecord is the data we index for a content block.
type BlockRecord struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Text        string   `json:"text"`
	SectionType string   `json:"section_type"`
	Tags        []string `json:"tags"`
	UpdatedAt   int64    `json:"updated_at"`
}

// RecordFromBlock flattens a block for indexing. Pending insertions count as
// text, pending deletions do not.
func RecordFromBlock(b store.ContentBlock) BlockRecord {
	tags := make([]string, 0, len(b.Tags))
	for _, t := range b.Tags {
		tags = append(tags, t.Name)
	}
	body := b.Body
	if clean, err := trackchange.Preview(body, trackchange.ActionAccept); err == nil {
		body = clean
	}
	return BlockRecord{
		ID:          b.ID,
		Title:       b.Title,
		Text:        PlainText(body),
		SectionType: b.SectionType,
		Tags:        tags,
		UpdatedAt:   b.UpdatedAt.UTC().Truncate(time.Second).Unix(),
	}
}

var inline = map[string]bool{
	"a": true, "b": true, "i": true, "u": true, "s": true, "em": true, "strong": true,
	"span": true, "mark": true, "ins": true, "del": true, "sub": true, "sup": true, "code": true,
}

// PlainText strips markup and collapses whitespace.
func PlainText(body string) string {
	z := html.NewTokenizer(strings.NewReader(body))
	var b strings.Builder
	skip := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			return strings.Join(strings.Fields(b.String()), " ")
		case html.StartTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if tag == "script" || tag == "style" {
				skip++
			}
			if !inline[tag] {
				b.WriteByte(' ')
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if (tag == "script" || tag == "style") && skip > 0 {
				skip--
			}
			if !inline[tag] {
				b.WriteByte(' ')
			}
		case html.SelfClosingTagToken:
			b.WriteByte(' ')
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
			}
		}
	}
}
