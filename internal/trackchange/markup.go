package trackchange

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Marker attributes carried by elements wrapping a tracked edit.
const (
	AttrChangeID   = "data-change-id"
	AttrChangeType = "data-change-type"
)

// NodeID indexes a node in a Tree's arena.
type NodeID int32

const noNode NodeID = -1

type nodeKind uint8

const (
	documentNode nodeKind = iota
	elementNode
	textNode
	// rawNode holds markup kept verbatim: comments, doctypes and end tags
	// that close nothing.
	rawNode
)

type node struct {
	kind nodeKind
	tag  string
	open string
	// close is empty for void, self-closing and unterminated elements.
	close string

	changeID   string
	changeKind Kind

	parent     NodeID
	firstChild NodeID
	lastChild  NodeID
	prev       NodeID
	next       NodeID
	detached   bool
}

// Tree is a markup fragment held as an arena of nodes. Every token keeps its
// raw source text, so rendering an untouched tree reproduces the input byte
// for byte.
type Tree struct {
	nodes []node
	root  NodeID
}

// Marker is an element carrying both change attributes.
type Marker struct {
	Node     NodeID
	ChangeID string
	Kind     Kind
}

var voidElements = map[atom.Atom]bool{
	atom.Area: true, atom.Base: true, atom.Br: true, atom.Col: true,
	atom.Embed: true, atom.Hr: true, atom.Img: true, atom.Input: true,
	atom.Link: true, atom.Meta: true, atom.Param: true, atom.Source: true,
	atom.Track: true, atom.Wbr: true,
}

// Parse tokenizes a markup fragment into a Tree. Unbalanced markup is
// tolerated: a stray end tag is kept as a raw node and elements still open at
// the end of input are left without a closing tag.
func Parse(body string) (*Tree, error) {
	t := &Tree{}
	t.root = t.alloc(node{kind: documentNode})

	stack := []NodeID{t.root}
	z := html.NewTokenizer(strings.NewReader(body))
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			if errors.Is(z.Err(), io.EOF) {
				return t, nil
			}
			return nil, fmt.Errorf("tokenize body: %w", z.Err())
		}
		raw := string(z.Raw())
		current := stack[len(stack)-1]

		switch tt {
		case html.TextToken:
			t.appendChild(current, t.alloc(node{kind: textNode, open: raw}))
		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			el := node{kind: elementNode, tag: string(name), open: raw}
			for hasAttr {
				var key, val []byte
				key, val, hasAttr = z.TagAttr()
				switch string(key) {
				case AttrChangeID:
					el.changeID = string(val)
				case AttrChangeType:
					el.changeKind = Kind(strings.ToLower(strings.TrimSpace(string(val))))
				}
			}
			id := t.alloc(el)
			t.appendChild(current, id)
			if tt == html.StartTagToken && !voidElements[atom.Lookup(name)] {
				stack = append(stack, id)
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			idx := openIndex(t, stack, string(name))
			if idx < 0 {
				t.appendChild(current, t.alloc(node{kind: rawNode, open: raw}))
				continue
			}
			t.nodes[stack[idx]].close = raw
			stack = stack[:idx]
		default:
			t.appendChild(current, t.alloc(node{kind: rawNode, open: raw}))
		}
	}
}

// openIndex finds the innermost open element named tag. The document node at
// stack[0] never matches.
func openIndex(t *Tree, stack []NodeID, tag string) int {
	for i := len(stack) - 1; i > 0; i-- {
		if t.nodes[stack[i]].tag == tag {
			return i
		}
	}
	return -1
}

func (t *Tree) alloc(n node) NodeID {
	n.parent, n.firstChild, n.lastChild, n.prev, n.next = noNode, noNode, noNode, noNode, noNode
	t.nodes = append(t.nodes, n)
	return NodeID(len(t.nodes) - 1)
}

func (t *Tree) appendChild(parent, child NodeID) {
	p := &t.nodes[parent]
	c := &t.nodes[child]
	c.parent = parent
	c.prev = p.lastChild
	c.next = noNode
	if p.lastChild != noNode {
		t.nodes[p.lastChild].next = child
	} else {
		p.firstChild = child
	}
	p.lastChild = child
}

// unlink detaches n from its parent and siblings, leaving its own children intact.
func (t *Tree) unlink(n NodeID) {
	nd := &t.nodes[n]
	if nd.prev != noNode {
		t.nodes[nd.prev].next = nd.next
	} else if nd.parent != noNode {
		t.nodes[nd.parent].firstChild = nd.next
	}
	if nd.next != noNode {
		t.nodes[nd.next].prev = nd.prev
	} else if nd.parent != noNode {
		t.nodes[nd.parent].lastChild = nd.prev
	}
	nd.parent, nd.prev, nd.next = noNode, noNode, noNode
	nd.detached = true
}

// attached reports whether n is still reachable from the root.
func (t *Tree) attached(n NodeID) bool {
	for n != noNode {
		if n == t.root {
			return true
		}
		if t.nodes[n].detached {
			return false
		}
		n = t.nodes[n].parent
	}
	return false
}

// Markers returns the attached marker elements in document order.
func (t *Tree) Markers() []Marker {
	markers := make([]Marker, 0)
	t.walk(t.root, func(id NodeID) {
		nd := t.nodes[id]
		if nd.kind == elementNode && nd.changeID != "" && nd.changeKind.Valid() {
			markers = append(markers, Marker{Node: id, ChangeID: nd.changeID, Kind: nd.changeKind})
		}
	})
	return markers
}

// MarkersFor returns every attached marker bearing changeID.
func (t *Tree) MarkersFor(changeID string) []Marker {
	out := make([]Marker, 0)
	for _, m := range t.Markers() {
		if m.ChangeID == changeID {
			out = append(out, m)
		}
	}
	return out
}

// Unwrap replaces n with its children, in place.
func (t *Tree) Unwrap(n NodeID) {
	if n == t.root || !t.attached(n) {
		return
	}
	parent := t.nodes[n].parent
	before := t.nodes[n].next

	children := make([]NodeID, 0)
	for c := t.nodes[n].firstChild; c != noNode; c = t.nodes[c].next {
		children = append(children, c)
	}
	t.unlink(n)
	t.nodes[n].firstChild, t.nodes[n].lastChild = noNode, noNode

	for _, c := range children {
		t.insertBefore(parent, c, before)
	}
}

// Remove deletes n and its whole subtree.
func (t *Tree) Remove(n NodeID) {
	if n == t.root || !t.attached(n) {
		return
	}
	t.unlink(n)
}

func (t *Tree) insertBefore(parent, child, before NodeID) {
	if before == noNode {
		t.appendChild(parent, child)
		return
	}
	c := &t.nodes[child]
	c.parent = parent
	c.detached = false
	c.next = before
	c.prev = t.nodes[before].prev
	if c.prev != noNode {
		t.nodes[c.prev].next = child
	} else {
		t.nodes[parent].firstChild = child
	}
	t.nodes[before].prev = child
}

func (t *Tree) walk(id NodeID, fn func(NodeID)) {
	for c := t.nodes[id].firstChild; c != noNode; c = t.nodes[c].next {
		fn(c)
		t.walk(c, fn)
	}
}

// Render serializes the tree back to markup.
func (t *Tree) Render() string {
	var b strings.Builder
	t.render(&b, t.root)
	return b.String()
}

func (t *Tree) render(b *strings.Builder, id NodeID) {
	nd := t.nodes[id]
	b.WriteString(nd.open)
	for c := nd.firstChild; c != noNode; c = t.nodes[c].next {
		t.render(b, c)
	}
	b.WriteString(nd.close)
}

// Text returns the concatenated raw text content beneath n.
func (t *Tree) Text(n NodeID) string {
	var b strings.Builder
	t.walk(n, func(id NodeID) {
		if t.nodes[id].kind == textNode {
			b.WriteString(t.nodes[id].open)
		}
	})
	return b.String()
}
