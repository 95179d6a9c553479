package doctree

import (
	"fmt"
	"iter"
	"strings"
)

// HeadingInfo is one outline entry. IDs are positional and change whenever
// a heading is inserted above.
type HeadingInfo struct {
	Text  string `json:"text"`
	Level int    `json:"level"`
	ID    string `json:"id"`
}

// Headings yields the document's non-empty headings top to bottom. Each
// range over the sequence walks the tree again.
func Headings(doc *Node) iter.Seq[HeadingInfo] {
	return func(yield func(HeadingInfo) bool) {
		ordinal := 0
		Walk(doc, func(n *Node) bool {
			if n.Type != TypeHeading {
				return true
			}
			text := strings.TrimSpace(PlainText(n))
			if text == "" {
				return true
			}
			info := HeadingInfo{
				Text:  text,
				Level: min(max(n.Level(), 1), 3),
				ID:    fmt.Sprintf("heading-%d", ordinal),
			}
			ordinal++
			return yield(info)
		})
	}
}

// Outline collects Headings into a slice, never nil.
func Outline(doc *Node) []HeadingInfo {
	out := make([]HeadingInfo, 0)
	for h := range Headings(doc) {
		out = append(out, h)
	}
	return out
}
