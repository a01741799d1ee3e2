package util

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewID(t *testing.T) {
	id := NewID("blk")
	assert.True(t, strings.HasPrefix(id, "blk_"))
	assert.Len(t, id, len("blk_")+32)
	assert.NotEqual(t, id, NewID("blk"))
	assert.Len(t, NewID(""), 32)
}
