package doctree

import (
	"strings"
	"unicode"
)

const (
	SourceContent = "content"
	SourceIndex   = "index"

	// ContextRadius is how many runes of context surround a content match.
	ContextRadius = 50
)

type SearchResult struct {
	MatchedText string `json:"matchedText"`
	Source      string `json:"source"`
	Context     string `json:"context"`
	Position    int    `json:"position"`
	HeadingID   string `json:"headingId,omitempty"`
}

// Search matches query case-insensitively against the outline (index
// results, first) and every occurrence in the document text (content
// results, in document order). A blank query matches nothing.
func Search(query string, headings []HeadingInfo, doc *Node) []SearchResult {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil
	}
	needle := fold([]rune(query))

	var results []SearchResult
	for i, h := range headings {
		if indexRunes(fold([]rune(h.Text)), needle) >= 0 {
			results = append(results, SearchResult{
				MatchedText: h.Text,
				Source:      SourceIndex,
				Context:     h.Text,
				Position:    i,
				HeadingID:   h.ID,
			})
		}
	}

	text := []rune(DocumentText(doc))
	haystack := fold(text)
	for pos := 0; pos+len(needle) <= len(haystack); {
		idx := indexRunes(haystack[pos:], needle)
		if idx < 0 {
			break
		}
		at := pos + idx
		end := at + len(needle)
		results = append(results, SearchResult{
			MatchedText: string(text[at:end]),
			Source:      SourceContent,
			Context:     string(text[max(0, at-ContextRadius):min(len(text), end+ContextRadius)]),
			Position:    at,
		})
		pos = end
	}
	return results
}

// fold lowercases rune by rune so offsets line up with the original text.
func fold(r []rune) []rune {
	out := make([]rune, len(r))
	for i, c := range r {
		out[i] = unicode.ToLower(c)
	}
	return out
}

func indexRunes(haystack, needle []rune) int {
	if len(needle) == 0 {
		return -1
	}
outer:
	for i := 0; i+len(needle) <= len(haystack); i++ {
		for j, c := range needle {
			if haystack[i+j] != c {
				continue outer
			}
		}
		return i
	}
	return -1
}

// SearchCursor walks a result list circularly.
type SearchCursor struct {
	query   string
	results []SearchResult
	index   int
}

// Reset replaces the query and results and moves to the first match.
func (c *SearchCursor) Reset(query string, results []SearchResult) {
	c.query = strings.TrimSpace(query)
	c.results = results
	c.index = 0
}

// Visible reports whether the search panel is shown.
func (c *SearchCursor) Visible() bool {
	return c.query != ""
}

func (c *SearchCursor) Query() string {
	return c.query
}

func (c *SearchCursor) Results() []SearchResult {
	return c.results
}

// Index is the current position, -1 when there are no results.
func (c *SearchCursor) Index() int {
	if len(c.results) == 0 {
		return -1
	}
	return c.index
}

func (c *SearchCursor) Current() (SearchResult, bool) {
	if len(c.results) == 0 {
		return SearchResult{}, false
	}
	return c.results[c.index], true
}

func (c *SearchCursor) Next() (SearchResult, bool) {
	if len(c.results) == 0 {
		return SearchResult{}, false
	}
	c.index = (c.index + 1) % len(c.results)
	return c.results[c.index], true
}

func (c *SearchCursor) Prev() (SearchResult, bool) {
	if len(c.results) == 0 {
		return SearchResult{}, false
	}
	c.index = (c.index - 1 + len(c.results)) % len(c.results)
	return c.results[c.index], true
}
