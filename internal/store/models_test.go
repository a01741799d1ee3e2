package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJSONMapCloneIsDeep(t *testing.T) {
	src := JSONMap{
		"agency": "DOT",
		"owner":  map[string]any{"name": "ana"},
		"years":  []any{float64(2023), map[string]any{"fy": "2024"}},
		"empty":  nil,
	}

	cp := src.Clone()
	assert.Equal(t, src, cp)

	cp["owner"].(map[string]any)["name"] = "bo"
	cp["years"].([]any)[1].(map[string]any)["fy"] = "2025"
	assert.Equal(t, "ana", src["owner"].(map[string]any)["name"])
	assert.Equal(t, "2024", src["years"].([]any)[1].(map[string]any)["fy"])

	var none JSONMap
	assert.NotNil(t, none.Clone())
	assert.Empty(t, none.Clone())
}
