// Package doctree is the structured rich-text model of a meeting-notes
// document: a JSON tree of block and inline nodes in the ProseMirror shape.
package doctree

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
)

const (
	TypeDoc         = "doc"
	TypeParagraph   = "paragraph"
	TypeHeading     = "heading"
	TypeBulletList  = "bulletList"
	TypeOrderedList = "orderedList"
	TypeListItem    = "listItem"
	TypeText        = "text"

	MarkBold      = "bold"
	MarkItalic    = "italic"
	MarkUnderline = "underline"
	MarkLink      = "link"
)

// Node is a document, block or text node.
type Node struct {
	Type    string                 `json:"type"`
	Attrs   map[string]interface{} `json:"attrs,omitempty"`
	Content []*Node                `json:"content,omitempty"`
	Text    string                 `json:"text,omitempty"`
	Marks   []Mark                 `json:"marks,omitempty"`
}

// Mark is inline formatting applied to a text node.
type Mark struct {
	Type  string                 `json:"type"`
	Attrs map[string]interface{} `json:"attrs,omitempty"`
}

func NewDoc(blocks ...*Node) *Node {
	return &Node{Type: TypeDoc, Content: blocks}
}

func Paragraph(children ...*Node) *Node {
	return &Node{Type: TypeParagraph, Content: children}
}

func Heading(level int, children ...*Node) *Node {
	return &Node{Type: TypeHeading, Attrs: map[string]interface{}{"level": level}, Content: children}
}

func BulletList(items ...*Node) *Node {
	return &Node{Type: TypeBulletList, Content: items}
}

func ListItem(children ...*Node) *Node {
	return &Node{Type: TypeListItem, Content: children}
}

// Text creates a text node carrying the given mark types.
func Text(s string, marks ...string) *Node {
	n := &Node{Type: TypeText, Text: s}
	for _, m := range marks {
		n.Marks = append(n.Marks, Mark{Type: m})
	}
	return n
}

func Link(s, href string) *Node {
	return &Node{Type: TypeText, Text: s, Marks: []Mark{{Type: MarkLink, Attrs: map[string]interface{}{"href": href}}}}
}

// Parse decodes a serialized state. An empty or null state is an empty doc.
func Parse(raw json.RawMessage) (*Node, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return NewDoc(), nil
	}
	var n Node
	if err := json.Unmarshal(trimmed, &n); err != nil {
		return nil, fmt.Errorf("decode document state: %w", err)
	}
	if n.Type != TypeDoc {
		return nil, fmt.Errorf("document root must be %q, got %q", TypeDoc, n.Type)
	}
	dropNil(&n)
	return &n, nil
}

// Marshal encodes the tree. Map keys are sorted, so equal trees encode to
// equal bytes.
func (n *Node) Marshal() (json.RawMessage, error) {
	return json.Marshal(n)
}

// Equal compares two trees by their encoding.
func Equal(a, b *Node) bool {
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	return errA == nil && errB == nil && bytes.Equal(ab, bb)
}

func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	c := &Node{Type: n.Type, Text: n.Text, Attrs: cloneAttrs(n.Attrs)}
	if n.Content != nil {
		c.Content = make([]*Node, len(n.Content))
		for i, child := range n.Content {
			c.Content[i] = child.Clone()
		}
	}
	c.Marks = cloneMarks(n.Marks)
	return c
}

// Level returns a heading's level, 0 for other nodes. Decoded JSON numbers
// arrive as float64.
func (n *Node) Level() int {
	if n.Type != TypeHeading {
		return 0
	}
	switch v := n.Attrs["level"].(type) {
	case int:
		return v
	case float64:
		return int(v)
	case json.Number:
		i, _ := v.Int64()
		return int(i)
	}
	return 1
}

// IsTextblock reports whether n holds inline content directly.
func (n *Node) IsTextblock() bool {
	return n.Type == TypeParagraph || n.Type == TypeHeading
}

func (n *Node) HasMark(markType string) bool {
	return slices.ContainsFunc(n.Marks, func(m Mark) bool { return m.Type == markType })
}

// Walk visits n and its descendants in pre-order. It stops as soon as fn
// returns false and reports whether the walk ran to completion.
func Walk(n *Node, fn func(*Node) bool) bool {
	if n == nil {
		return true
	}
	if !fn(n) {
		return false
	}
	for _, child := range n.Content {
		if !Walk(child, fn) {
			return false
		}
	}
	return true
}

func dropNil(n *Node) {
	if n.Content == nil {
		return
	}
	n.Content = slices.DeleteFunc(n.Content, func(c *Node) bool { return c == nil })
	for _, c := range n.Content {
		dropNil(c)
	}
}

func cloneAttrs(attrs map[string]interface{}) map[string]interface{} {
	if attrs == nil {
		return nil
	}
	out := make(map[string]interface{}, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}

func cloneMarks(marks []Mark) []Mark {
	if marks == nil {
		return nil
	}
	out := make([]Mark, len(marks))
	for i, m := range marks {
		out[i] = Mark{Type: m.Type, Attrs: cloneAttrs(m.Attrs)}
	}
	return out
}
