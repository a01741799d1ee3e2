package trackchange

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRenderRoundTrip(t *testing.T) {
	cases := []string{
		"",
		"plain text only",
		`<p>Hello <mark data-change-id="c1" data-change-type="insert">world</mark></p>`,
		`<div><p>unclosed paragraph<p>second</div>`,
		`<p><b>bold</p>tail</b>`,
		`</span>stray end first`,
		`<!DOCTYPE html><table><tr><td>1</td></tr></table>`,
		`<p>caf&eacute; &lt;tag&gt; <BR/> <IMG SRC="x.png"></p>`,
		`<script>if (a < b) { x = "</p>"; }</script><p>after</p>`,
	}
	for _, body := range cases {
		tree, err := Parse(body)
		require.NoError(t, err)
		assert.Equal(t, body, tree.Render())
	}
}

func TestMarkersRequireBothAttributes(t *testing.T) {
	body := `<mark data-change-id="a">x</mark>` +
		`<mark data-change-type="insert">y</mark>` +
		`<mark data-change-id="b" data-change-type="format">z</mark>` +
		`<span data-change-type="DELETE" data-change-id="c">w</span>`
	tree, err := Parse(body)
	require.NoError(t, err)

	markers := tree.Markers()
	require.Len(t, markers, 1)
	assert.Equal(t, "c", markers[0].ChangeID)
	assert.Equal(t, KindDelete, markers[0].Kind)
	assert.Equal(t, "w", tree.Text(markers[0].Node))
}

func TestUnwrapKeepsSiblingOrder(t *testing.T) {
	tree, err := Parse(`<p>a<span data-change-id="x" data-change-type="insert">b<i>c</i>d</span>e</p>`)
	require.NoError(t, err)

	markers := tree.MarkersFor("x")
	require.Len(t, markers, 1)
	tree.Unwrap(markers[0].Node)
	assert.Equal(t, `<p>ab<i>c</i>de</p>`, tree.Render())

	// A detached node is ignored.
	tree.Remove(markers[0].Node)
	assert.Equal(t, `<p>ab<i>c</i>de</p>`, tree.Render())
}

func TestRemoveDropsSubtree(t *testing.T) {
	tree, err := Parse(`<ul><li>one</li><li data-change-id="r" data-change-type="delete">two</li><li>three</li></ul>`)
	require.NoError(t, err)

	for _, m := range tree.MarkersFor("r") {
		tree.Remove(m.Node)
	}
	assert.Equal(t, `<ul><li>one</li><li>three</li></ul>`, tree.Render())
	assert.Empty(t, tree.Markers())
}
