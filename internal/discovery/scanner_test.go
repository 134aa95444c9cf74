package discovery

import (
	"fmt"
	"strings"
	"testing"

	"relay-backend/internal/config"
	"relay-backend/internal/model"
)

func testScanner() *Scanner {
	return NewScanner(&config.DiscoveryConfig{
		MaxElementsPerPage: 1000,
		MinElementSizePx:   10,
		ExcludedTags:       []string{"script", "style", "noscript"},
	})
}

func scan(t *testing.T, s *Scanner, htmlSrc string) []*model.DiscoveredElement {
	t.Helper()
	elements, err := s.Scan("t1", "ManageFiles", "/files", htmlSrc)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	return elements
}

func TestScan_ButtonRetainedTinyDivSkipped(t *testing.T) {
	page := `<html><body>
		<button id="upload-btn">Submit</button>
		<div style="width:5px;height:5px" onclick="track()">tiny</div>
	</body></html>`

	elements := scan(t, testScanner(), page)
	if len(elements) != 1 {
		t.Fatalf("expected exactly 1 element, got %d", len(elements))
	}
	el := elements[0]
	if el.ElementID != "upload-btn" {
		t.Fatalf("expected id-based identifier, got %s", el.ElementID)
	}
	if el.ElementType != model.ElementButton {
		t.Fatalf("expected button type, got %s", el.ElementType)
	}
	if el.TextContent != "Submit" {
		t.Fatalf("expected text Submit, got %q", el.TextContent)
	}

	suggestions := SuggestWebhookMappings(elements)
	if len(suggestions) != 1 {
		t.Fatalf("expected 1 suggestion, got %d", len(suggestions))
	}
	if suggestions[0].Confidence < 0.8 {
		t.Fatalf("submit button should score at least 0.8, got %v", suggestions[0].Confidence)
	}
	if suggestions[0].SuggestedMethod != "POST" {
		t.Fatalf("expected POST, got %s", suggestions[0].SuggestedMethod)
	}
}

func TestScan_HiddenElementsExcluded(t *testing.T) {
	page := `<html><body>
		<button style="display:none">A</button>
		<button style="visibility:hidden">B</button>
		<button>C</button>
	</body></html>`

	elements := scan(t, testScanner(), page)
	if len(elements) != 1 {
		t.Fatalf("expected only the visible button, got %d", len(elements))
	}
	if elements[0].TextContent != "C" {
		t.Fatalf("wrong element retained: %q", elements[0].TextContent)
	}
}

func TestScan_UnknownSizeCountsAsVisible(t *testing.T) {
	elements := scan(t, testScanner(), `<button>Go</button>`)
	if len(elements) != 1 {
		t.Fatalf("element without geometry must be retained, got %d", len(elements))
	}
}

func TestScan_SizeFromAttributes(t *testing.T) {
	page := `<html><body>
		<button width="5" height="5">tiny</button>
		<button width="40" height="20">fine</button>
	</body></html>`
	elements := scan(t, testScanner(), page)
	if len(elements) != 1 {
		t.Fatalf("expected 1 element, got %d", len(elements))
	}
	if elements[0].Width != 40 || elements[0].Height != 20 {
		t.Fatalf("dimensions not captured: %dx%d", elements[0].Width, elements[0].Height)
	}
}

func TestScan_CandidateRules(t *testing.T) {
	cases := []struct {
		name     string
		html     string
		count    int
		elemType string
	}{
		{"anchor with href", `<a href="/x">Link</a>`, 1, model.ElementLink},
		{"anchor without href", `<a>Not a link</a>`, 0, ""},
		{"text input", `<input type="text">`, 0, ""},
		{"submit input", `<input type="submit" value="Go">`, 1, model.ElementButton},
		{"checkbox", `<input type="checkbox" name="agree">`, 1, model.ElementInput},
		{"select", `<select name="kind"></select>`, 1, model.ElementSelect},
		{"textarea", `<textarea name="note"></textarea>`, 1, model.ElementInput},
		{"div with role button", `<div role="button">Click</div>`, 1, model.ElementButton},
		{"div with onclick", `<div onclick="go()">Click</div>`, 1, model.ElementDiv},
		{"span with tabindex", `<span tabindex="0">Focusable</span>`, 1, model.ElementSpan},
		{"plain div", `<div>Nothing</div>`, 0, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			elements := scan(t, testScanner(), tc.html)
			if len(elements) != tc.count {
				t.Fatalf("expected %d elements, got %d", tc.count, len(elements))
			}
			if tc.count == 1 && elements[0].ElementType != tc.elemType {
				t.Fatalf("expected type %s, got %s", tc.elemType, elements[0].ElementType)
			}
		})
	}
}

func TestScan_ExcludedTagSkipsSubtree(t *testing.T) {
	s := NewScanner(&config.DiscoveryConfig{
		MaxElementsPerPage: 1000,
		MinElementSizePx:   10,
		ExcludedTags:       []string{"nav"},
	})
	elements := scan(t, s, `<html><body><nav><button>Menu</button></nav><button>Keep</button></body></html>`)
	if len(elements) != 1 || elements[0].TextContent != "Keep" {
		t.Fatalf("excluded subtree leaked: %d elements", len(elements))
	}
}

func TestScan_CapsElementCount(t *testing.T) {
	s := NewScanner(&config.DiscoveryConfig{MaxElementsPerPage: 3, MinElementSizePx: 10})
	var b strings.Builder
	b.WriteString("<html><body>")
	for i := 0; i < 10; i++ {
		fmt.Fprintf(&b, `<button id="b%d">B</button>`, i)
	}
	b.WriteString("</body></html>")

	elements := scan(t, s, b.String())
	if len(elements) != 3 {
		t.Fatalf("expected cap of 3, got %d", len(elements))
	}
}

func TestScan_ParentChildLinks(t *testing.T) {
	page := `<form id="upload-form"><button id="go">Go</button></form>`
	elements := scan(t, testScanner(), page)
	if len(elements) != 2 {
		t.Fatalf("expected form and button, got %d", len(elements))
	}
	form, button := elements[0], elements[1]
	if button.ParentID != form.ElementID {
		t.Fatalf("button parent should be the form, got %q", button.ParentID)
	}
	if len(form.ChildIDs) != 1 || form.ChildIDs[0] != button.ElementID {
		t.Fatalf("form should link its child, got %v", form.ChildIDs)
	}
}

func TestStableIdentifier_PreferenceOrder(t *testing.T) {
	cases := []struct {
		name string
		html string
		want string
	}{
		{"explicit id wins", `<button id="save" data-testid="other">Save</button>`, "save"},
		{"test id next", `<button data-testid="save-btn">Save</button>`, "save-btn"},
		{"cypress id", `<button data-cy="cy-save">Save</button>`, "cy-save"},
		{"name attribute", `<input type="checkbox" name="agree">`, "input-agree"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			elements := scan(t, testScanner(), tc.html)
			if len(elements) != 1 {
				t.Fatalf("expected 1 element, got %d", len(elements))
			}
			if elements[0].ElementID != tc.want {
				t.Fatalf("expected identifier %q, got %q", tc.want, elements[0].ElementID)
			}
		})
	}
}

func TestStableIdentifier_SynthesizedIsRepeatable(t *testing.T) {
	page := `<button class="btn primary">Save changes now</button>`
	first := scan(t, testScanner(), page)
	second := scan(t, testScanner(), page)
	if first[0].ElementID != second[0].ElementID {
		t.Fatalf("synthesized identifier must be stable: %q vs %q", first[0].ElementID, second[0].ElementID)
	}
	if !strings.HasPrefix(first[0].ElementID, "button-btn-primary") {
		t.Fatalf("identifier should carry tag and classes, got %q", first[0].ElementID)
	}
}

func TestCSSSelector_StopsAtID(t *testing.T) {
	page := `<div id="root"><div class="toolbar actions extra"><button class="btn">Go</button></div></div>`
	elements := scan(t, testScanner(), page)
	if len(elements) != 1 {
		t.Fatalf("expected 1 element, got %d", len(elements))
	}
	want := "div#root > div.toolbar.actions > button.btn"
	if elements[0].Selector != want {
		t.Fatalf("selector = %q, want %q", elements[0].Selector, want)
	}
}

func TestDOMPath_Shape(t *testing.T) {
	page := `<html><body><button>A</button><button>B</button></body></html>`
	elements := scan(t, testScanner(), page)
	if len(elements) != 2 {
		t.Fatalf("expected 2 elements, got %d", len(elements))
	}
	if elements[0].DOMPath != "/html[0]/body[0]/button[0]" {
		t.Fatalf("unexpected path for first button: %s", elements[0].DOMPath)
	}
	if elements[1].DOMPath != "/html[0]/body[0]/button[1]" {
		t.Fatalf("sibling index not applied: %s", elements[1].DOMPath)
	}
}
