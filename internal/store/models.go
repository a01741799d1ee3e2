package store

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"omfs/api/internal/trackchange"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate")
)

type ContentBlock struct {
	ID                  string
	Title               string
	Body                string
	SectionType         string
	Metadata            JSONMap
	QualityRating       *int
	TrackChangesEnabled bool
	TrackedChanges      trackchange.Ledger
	IsDeleted           bool
	CreatedBy           string
	UpdatedBy           string
	CreatedAt           time.Time
	UpdatedAt           time.Time
	// Version is the number the next snapshot will receive.
	Version int
	Tags    []Tag
}

// TagIDs returns the ids of the block's associated tags.
func (b ContentBlock) TagIDs() []string {
	ids := make([]string, 0, len(b.Tags))
	for _, tag := range b.Tags {
		ids = append(ids, tag.ID)
	}
	return ids
}

type ContentVersion struct {
	ID                string
	BlockID           string
	VersionNumber     int
	Title             string
	Body              string
	SectionType       string
	Metadata          JSONMap
	TagsSnapshot      []string
	ChangeDescription string
	CreatedBy         string
	CreatedAt         time.Time
}

type Tag struct {
	ID         string
	Name       string
	Category   string
	Color      string
	UsageCount int
	CreatedAt  time.Time
}

type BlockFilter struct {
	SectionType string
	Query       string
	Limit       int
	Offset      int
}

type BlockPage struct {
	Items []ContentBlock
	Total int
}

// JSONMap is a free-form metadata document stored as jsonb.
type JSONMap map[string]any

func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func (m *JSONMap) Scan(value any) error {
	var raw []byte
	switch v := value.(type) {
	case nil:
		*m = JSONMap{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("scan metadata: unsupported type %T", value)
	}
	out := JSONMap{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return fmt.Errorf("scan metadata: %w", err)
		}
	}
	*m = out
	return nil
}

// Clone deep-copies the map so stored snapshots never alias the live block.
// Nested maps and slices are copied; other values are shared.
func (m JSONMap) Clone() JSONMap {
	out := make(JSONMap, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return map[string]any(JSONMap(t).Clone())
	case JSONMap:
		return t.Clone()
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
