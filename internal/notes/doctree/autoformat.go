package doctree

import (
	"regexp"
	"strings"
	"unicode"
)

var headingPrefix = regexp.MustCompile(`^(#{1,3})\s(.+)`)

// Autoformat replaces every paragraph whose first text child starts with
// "# ", "## " or "### " by a heading of that level, stripping the prefix.
// Headings are never inspected, so a second pass is a no-op.
func Autoformat(doc *Node) bool {
	if doc == nil {
		return false
	}
	changed := false
	var visit func(parent *Node)
	visit = func(parent *Node) {
		for i, child := range parent.Content {
			if child.Type == TypeParagraph {
				if heading, ok := headingFromParagraph(child); ok {
					parent.Content[i] = heading
					changed = true
					continue
				}
			}
			visit(child)
		}
	}
	visit(doc)
	return changed
}

func headingFromParagraph(p *Node) (*Node, bool) {
	if len(p.Content) == 0 || p.Content[0].Type != TypeText {
		return nil, false
	}
	first := p.Content[0]
	m := headingPrefix.FindStringSubmatchIndex(first.Text)
	if m == nil {
		return nil, false
	}
	rest := strings.TrimLeftFunc(first.Text[m[4]:], unicode.IsSpace)
	if rest == "" {
		return nil, false
	}
	first.Text = rest
	return Heading(m[3]-m[2], p.Content...), true
}
