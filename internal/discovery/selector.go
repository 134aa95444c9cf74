package discovery

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

// Ancestor walks for selectors and paths stop after this many levels.
const maxAncestorLevels = 10

// testIDAttrs are the test-identifier attributes checked, in order.
var testIDAttrs = []string{"data-testid", "data-test-id", "data-cy"}

// stableIdentifier derives an id stable across re-scans of an unchanged
// DOM: explicit id, then a test identifier, then a name attribute, else
// a synthesized tag/class/text/sibling-index key.
func stableIdentifier(n *html.Node, tag, text string) string {
	if id := attrVal(n, "id"); id != "" {
		return id
	}
	for _, attr := range testIDAttrs {
		if v := attrVal(n, attr); v != "" {
			return v
		}
	}
	if name := attrVal(n, "name"); name != "" {
		return tag + "-" + name
	}

	var parts []string
	parts = append(parts, tag)
	classes := strings.Fields(attrVal(n, "class"))
	if len(classes) > 2 {
		classes = classes[:2]
	}
	parts = append(parts, classes...)
	if text != "" {
		t := strings.ToLower(text)
		if len(t) > 20 {
			t = t[:20]
		}
		parts = append(parts, strings.ReplaceAll(t, " ", "-"))
	}
	parts = append(parts, fmt.Sprintf("%d", siblingIndex(n)))
	return strings.Join(parts, "-")
}

// cssSelector builds a child-combinator selector from the element
// upward, stopping at an id or the ancestor bound.
func cssSelector(n *html.Node) string {
	var segments []string
	cur := n
	for level := 0; cur != nil && cur.Type == html.ElementNode && level < maxAncestorLevels; level++ {
		seg := strings.ToLower(cur.Data)
		if id := attrVal(cur, "id"); id != "" {
			segments = append(segments, seg+"#"+id)
			break
		}
		if classes := strings.Fields(attrVal(cur, "class")); len(classes) > 0 {
			if len(classes) > 2 {
				classes = classes[:2]
			}
			seg += "." + strings.Join(classes, ".")
		} else if idx := siblingIndex(cur); idx > 0 {
			seg += fmt.Sprintf(":nth-of-type(%d)", idx+1)
		}
		segments = append(segments, seg)
		cur = cur.Parent
	}
	reverse(segments)
	return strings.Join(segments, " > ")
}

// domPath builds the structural tag[index] locator, root-first, bounded
// to the ancestor limit.
func domPath(n *html.Node) string {
	var segments []string
	cur := n
	for level := 0; cur != nil && cur.Type == html.ElementNode && level < maxAncestorLevels; level++ {
		segments = append(segments, fmt.Sprintf("%s[%d]", strings.ToLower(cur.Data), siblingIndex(cur)))
		cur = cur.Parent
	}
	reverse(segments)
	return "/" + strings.Join(segments, "/")
}

// siblingIndex counts preceding element siblings with the same tag.
func siblingIndex(n *html.Node) int {
	idx := 0
	for sib := n.PrevSibling; sib != nil; sib = sib.PrevSibling {
		if sib.Type == html.ElementNode && sib.Data == n.Data {
			idx++
		}
	}
	return idx
}

func reverse(s []string) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}
