package doctree

import "strings"

// PlainText concatenates the text of every text node under n.
func PlainText(n *Node) string {
	var sb strings.Builder
	Walk(n, func(c *Node) bool {
		if c.Type == TypeText {
			sb.WriteString(c.Text)
		}
		return true
	})
	return sb.String()
}

// DocumentText renders the document as plain text, one line per textblock.
func DocumentText(doc *Node) string {
	var lines []string
	var visit func(n *Node)
	visit = func(n *Node) {
		switch {
		case n.IsTextblock():
			lines = append(lines, PlainText(n))
		case n.Type == TypeText:
			lines = append(lines, n.Text)
		default:
			for _, c := range n.Content {
				visit(c)
			}
		}
	}
	if doc != nil {
		visit(doc)
	}
	return strings.Join(lines, "\n")
}
