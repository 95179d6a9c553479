package doctree

import (
	"fmt"
	"reflect"
	"slices"
	"strings"
	"unicode/utf8"

	"meetnotes/pkg/apperror"
)

type ToolbarState string

const (
	ToolbarHidden  ToolbarState = "hidden"
	ToolbarVisible ToolbarState = "visible"
)

// Selection is a range inside one top-level block, in runes of the block's
// plain text.
type Selection struct {
	Block int `json:"block"`
	Start int `json:"start"`
	End   int `json:"end"`
}

func (s Selection) Collapsed() bool {
	return s.Start == s.End
}

func (s Selection) normalized() Selection {
	if s.Start > s.End {
		s.Start, s.End = s.End, s.Start
	}
	return s
}

// Toolbar is the floating selection toolbar. Any dispatched action hides it.
type Toolbar struct {
	state     ToolbarState
	selection Selection
}

func NewToolbar() *Toolbar {
	return &Toolbar{state: ToolbarHidden}
}

func (t *Toolbar) State() ToolbarState {
	return t.state
}

// Selection returns the active selection while the toolbar is visible.
func (t *Toolbar) Selection() (Selection, bool) {
	return t.selection, t.state == ToolbarVisible
}

func (t *Toolbar) Select(sel Selection) ToolbarState {
	if sel.Collapsed() {
		t.hide()
		return t.state
	}
	t.selection = sel.normalized()
	t.state = ToolbarVisible
	return t.state
}

func (t *Toolbar) Escape() {
	t.hide()
}

// Format toggles mark over the selection: removed when every selected text
// already carries it, added otherwise.
func (t *Toolbar) Format(doc *Node, mark string) error {
	const op = "toolbar.Format"
	sel, err := t.dispatch(op)
	if err != nil {
		return err
	}
	switch mark {
	case MarkBold, MarkItalic, MarkUnderline:
	default:
		return apperror.Validation(op, fmt.Sprintf("unsupported mark %q", mark))
	}
	block, err := blockAt(op, doc, sel.Block)
	if err != nil {
		return err
	}
	length := utf8.RuneCountInString(PlainText(block))
	start, end := min(sel.Start, length), min(sel.End, length)
	if start >= end {
		return apperror.Validation(op, "selection is outside the block")
	}
	toggleMark(block, max(start, 0), end, mark)
	return nil
}

// Pin converts the selection's top-level block into a level-2 heading in
// place and returns its text.
func (t *Toolbar) Pin(doc *Node) (string, error) {
	const op = "toolbar.Pin"
	sel, err := t.dispatch(op)
	if err != nil {
		return "", err
	}
	block, err := blockAt(op, doc, sel.Block)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(PlainText(block)) == "" {
		return "", apperror.Validation(op, "block has no text to pin")
	}
	heading := Heading(2, inlineChildren(block)...)
	doc.Content[sel.Block] = heading
	return strings.TrimSpace(PlainText(heading)), nil
}

func (t *Toolbar) dispatch(op string) (Selection, error) {
	if t.state != ToolbarVisible {
		return Selection{}, apperror.Validation(op, "toolbar is hidden")
	}
	sel := t.selection
	t.hide()
	return sel, nil
}

func (t *Toolbar) hide() {
	t.state = ToolbarHidden
	t.selection = Selection{}
}

func blockAt(op string, doc *Node, index int) (*Node, error) {
	if doc == nil || index < 0 || index >= len(doc.Content) {
		return nil, apperror.Validation(op, fmt.Sprintf("block %d does not exist", index))
	}
	return doc.Content[index], nil
}

// inlineChildren returns the inline content of a block. Nested textblocks
// (list items) are flattened and separated by a space.
func inlineChildren(block *Node) []*Node {
	if block.IsTextblock() {
		return block.Content
	}
	var out []*Node
	var visit func(n *Node)
	visit = func(n *Node) {
		if !n.IsTextblock() {
			for _, c := range n.Content {
				visit(c)
			}
			return
		}
		if len(out) > 0 {
			out = append(out, Text(" "))
		}
		out = append(out, n.Content...)
	}
	visit(block)
	if len(out) == 0 {
		out = append(out, Text(PlainText(block)))
	}
	return out
}

func toggleMark(block *Node, start, end int, mark string) {
	splitAt(block, start)
	splitAt(block, end)

	var selected []*Node
	forEachLeaf(block, func(leaf *Node, pos int) {
		n := utf8.RuneCountInString(leaf.Text)
		if n > 0 && pos >= start && pos+n <= end {
			selected = append(selected, leaf)
		}
	})
	if len(selected) == 0 {
		return
	}

	all := true
	for _, leaf := range selected {
		if !leaf.HasMark(mark) {
			all = false
			break
		}
	}
	for _, leaf := range selected {
		if all {
			leaf.Marks = slices.DeleteFunc(leaf.Marks, func(m Mark) bool { return m.Type == mark })
			if len(leaf.Marks) == 0 {
				leaf.Marks = nil
			}
		} else if !leaf.HasMark(mark) {
			leaf.Marks = append(leaf.Marks, Mark{Type: mark})
		}
	}
	mergeText(block)
}

// forEachLeaf calls fn for every text node under n with its rune offset.
func forEachLeaf(n *Node, fn func(leaf *Node, pos int)) {
	pos := 0
	Walk(n, func(c *Node) bool {
		if c.Type == TypeText {
			fn(c, pos)
			pos += utf8.RuneCountInString(c.Text)
		}
		return true
	})
}

// splitAt makes offset fall on a text node boundary.
func splitAt(n *Node, offset int) {
	pos := 0
	var visit func(parent *Node) bool
	visit = func(parent *Node) bool {
		for i := 0; i < len(parent.Content); i++ {
			child := parent.Content[i]
			if child.Type != TypeText {
				if visit(child) {
					return true
				}
				continue
			}
			runes := []rune(child.Text)
			if offset > pos && offset < pos+len(runes) {
				cut := offset - pos
				left := &Node{Type: TypeText, Text: string(runes[:cut]), Marks: cloneMarks(child.Marks)}
				right := &Node{Type: TypeText, Text: string(runes[cut:]), Marks: cloneMarks(child.Marks)}
				parent.Content = slices.Replace(parent.Content, i, i+1, left, right)
				return true
			}
			pos += len(runes)
		}
		return false
	}
	visit(n)
}

// mergeText joins adjacent sibling text nodes that carry identical marks.
func mergeText(n *Node) {
	if len(n.Content) == 0 {
		return
	}
	merged := n.Content[:0]
	for _, child := range n.Content {
		if last := len(merged) - 1; last >= 0 && child.Type == TypeText && merged[last].Type == TypeText &&
			sameMarks(merged[last].Marks, child.Marks) {
			merged[last].Text += child.Text
			continue
		}
		merged = append(merged, child)
	}
	n.Content = merged
	for _, child := range n.Content {
		if child.Type != TypeText {
			mergeText(child)
		}
	}
}

func sameMarks(a, b []Mark) bool {
	if len(a) != len(b) {
		return false
	}
	for _, m := range a {
		if !slices.ContainsFunc(b, func(o Mark) bool {
			return o.Type == m.Type && reflect.DeepEqual(o.Attrs, m.Attrs)
		}) {
			return false
		}
	}
	return true
}
