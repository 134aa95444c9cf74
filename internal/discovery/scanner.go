package discovery

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html"

	"relay-backend/internal/config"
	"relay-backend/internal/model"
)

// Scanner enumerates candidate interactive elements from an HTML
// snapshot. Candidates are buttons, submit/reset inputs, anchors with
// an href, forms, selects, checkboxes/radios, and anything carrying a
// click handler, a button role, or a tab index. Excluded tags and
// elements smaller than the minimum layout size are skipped; output is
// capped at the configured per-page maximum.
type Scanner struct {
	maxElements int
	minSizePx   int
	excluded    map[string]bool
}

func NewScanner(cfg *config.DiscoveryConfig) *Scanner {
	excluded := make(map[string]bool, len(cfg.ExcludedTags))
	for _, t := range cfg.ExcludedTags {
		excluded[strings.ToLower(t)] = true
	}
	return &Scanner{
		maxElements: cfg.MaxElementsPerPage,
		minSizePx:   cfg.MinElementSizePx,
		excluded:    excluded,
	}
}

// Scan parses the HTML snapshot and returns the retained elements in
// document order.
func (s *Scanner) Scan(tenantID, featureSlug, pagePath, htmlSrc string) ([]*model.DiscoveredElement, error) {
	root, err := html.Parse(strings.NewReader(htmlSrc))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	var elements []*model.DiscoveredElement
	byNode := map[*html.Node]*model.DiscoveredElement{}
	now := time.Now().UTC()

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if len(elements) >= s.maxElements {
			return
		}
		if n.Type == html.ElementNode {
			tag := strings.ToLower(n.Data)
			if s.excluded[tag] {
				return
			}
			if isCandidate(n, tag) && s.retain(n) {
				el := s.extract(n, tag, tenantID, featureSlug, pagePath, now)
				if parent := nearestExtracted(n, byNode); parent != nil {
					el.ParentID = parent.ElementID
					parent.ChildIDs = append(parent.ChildIDs, el.ElementID)
				}
				byNode[n] = el
				elements = append(elements, el)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return elements, nil
}

// retain applies the visibility and minimum-size rules. Unknown
// geometry counts as visible.
func (s *Scanner) retain(n *html.Node) bool {
	style := parseStyle(attrVal(n, "style"))
	if style["display"] == "none" || style["visibility"] == "hidden" {
		return false
	}
	w, wok := dimension(n, style, "width")
	h, hok := dimension(n, style, "height")
	if wok && w < s.minSizePx {
		return false
	}
	if hok && h < s.minSizePx {
		return false
	}
	return true
}

func (s *Scanner) extract(n *html.Node, tag, tenantID, featureSlug, pagePath string, now time.Time) *model.DiscoveredElement {
	attrs := attrMap(n)
	style := parseStyle(attrs["style"])
	text := trimmedText(n)

	w, _ := dimension(n, style, "width")
	h, _ := dimension(n, style, "height")
	x, _ := styleInt(style, "left")
	y, _ := styleInt(style, "top")

	el := &model.DiscoveredElement{
		ElementID:     stableIdentifier(n, tag, text),
		TenantID:      tenantID,
		FeatureSlug:   featureSlug,
		PagePath:      pagePath,
		ElementType:   classifyElement(tag, attrs),
		Tag:           tag,
		Selector:      cssSelector(n),
		DOMPath:       domPath(n),
		TextContent:   text,
		Attributes:    attrs,
		X:             x,
		Y:             y,
		Width:         w,
		Height:        h,
		IsVisible:     true,
		IsInteractive: true,
		DiscoveredAt:  now,
	}
	el.Fingerprint = Fingerprint(tag, attrs["id"], attrs["class"], text, attrs)
	return el
}

// isCandidate applies the interactive-element rules.
func isCandidate(n *html.Node, tag string) bool {
	attrs := attrMap(n)
	switch tag {
	case "button", "form", "select", "textarea":
		return true
	case "a":
		return attrs["href"] != ""
	case "input":
		switch strings.ToLower(attrs["type"]) {
		case "submit", "reset", "button", "checkbox", "radio":
			return true
		}
		return false
	}
	if _, ok := attrs["onclick"]; ok {
		return true
	}
	if strings.EqualFold(attrs["role"], "button") {
		return true
	}
	if _, ok := attrs["tabindex"]; ok {
		return true
	}
	return false
}

// classifyElement maps tag, type, and role onto the element type set.
func classifyElement(tag string, attrs map[string]string) string {
	switch tag {
	case "button":
		return model.ElementButton
	case "form":
		return model.ElementForm
	case "a":
		return model.ElementLink
	case "select":
		return model.ElementSelect
	case "input":
		switch strings.ToLower(attrs["type"]) {
		case "submit", "button", "reset":
			return model.ElementButton
		}
		return model.ElementInput
	case "textarea":
		return model.ElementInput
	case "div":
		if strings.EqualFold(attrs["role"], "button") {
			return model.ElementButton
		}
		return model.ElementDiv
	case "span":
		return model.ElementSpan
	}
	if strings.EqualFold(attrs["role"], "button") {
		return model.ElementButton
	}
	return model.ElementOther
}

// nearestExtracted finds the closest ancestor already retained.
func nearestExtracted(n *html.Node, byNode map[*html.Node]*model.DiscoveredElement) *model.DiscoveredElement {
	for p := n.Parent; p != nil; p = p.Parent {
		if el, ok := byNode[p]; ok {
			return el
		}
	}
	return nil
}

// dimension resolves a size in layout pixels from inline style first,
// then the width/height attribute.
func dimension(n *html.Node, style map[string]string, name string) (int, bool) {
	if v, ok := styleInt(style, name); ok {
		return v, true
	}
	if raw := attrVal(n, name); raw != "" {
		if v, err := strconv.Atoi(strings.TrimSuffix(raw, "px")); err == nil {
			return v, true
		}
	}
	return 0, false
}

func styleInt(style map[string]string, name string) (int, bool) {
	raw, ok := style[name]
	if !ok {
		return 0, false
	}
	raw = strings.TrimSuffix(strings.TrimSpace(raw), "px")
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}

// parseStyle splits an inline style attribute into property -> value.
func parseStyle(style string) map[string]string {
	out := map[string]string{}
	for _, decl := range strings.Split(style, ";") {
		parts := strings.SplitN(decl, ":", 2)
		if len(parts) != 2 {
			continue
		}
		out[strings.TrimSpace(strings.ToLower(parts[0]))] = strings.TrimSpace(strings.ToLower(parts[1]))
	}
	return out
}

func attrMap(n *html.Node) map[string]string {
	out := make(map[string]string, len(n.Attr))
	for _, a := range n.Attr {
		out[strings.ToLower(a.Key)] = a.Val
	}
	return out
}

func attrVal(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return a.Val
		}
	}
	return ""
}

// trimmedText collects the element's text content, whitespace-collapsed.
func trimmedText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(b.String()), " ")
}
