package discovery

import (
	"testing"

	"relay-backend/internal/model"
)

func element(id, text, fingerprint string) *model.DiscoveredElement {
	return &model.DiscoveredElement{
		ElementID:   id,
		Tag:         "button",
		ElementType: model.ElementButton,
		TextContent: text,
		Fingerprint: fingerprint,
	}
}

func TestCompareElementChanges(t *testing.T) {
	previous := []*model.DiscoveredElement{
		element("keep", "Keep", "fp-keep"),
		element("gone", "Gone", "fp-gone"),
		element("edit", "Old label", "fp-old"),
	}
	current := []*model.DiscoveredElement{
		element("keep", "Keep", "fp-keep"),
		element("edit", "New label", "fp-new"),
		element("fresh", "Fresh", "fp-fresh"),
	}

	diff := CompareElementChanges(previous, current)
	if len(diff.Added) != 1 || diff.Added[0].ElementID != "fresh" {
		t.Fatalf("unexpected added set: %+v", diff.Added)
	}
	if len(diff.Removed) != 1 || diff.Removed[0].ElementID != "gone" {
		t.Fatalf("unexpected removed set: %+v", diff.Removed)
	}
	if len(diff.Unchanged) != 1 || diff.Unchanged[0].ElementID != "keep" {
		t.Fatalf("unexpected unchanged set: %+v", diff.Unchanged)
	}
	if len(diff.Modified) != 1 || diff.Modified[0].ElementID != "edit" {
		t.Fatalf("unexpected modified set: %+v", diff.Modified)
	}

	fields := map[string]model.FieldChange{}
	for _, f := range diff.Modified[0].Fields {
		fields[f.Field] = f
	}
	text, ok := fields["textContent"]
	if !ok || text.Old != "Old label" || text.New != "New label" {
		t.Fatalf("textContent change not reported: %+v", fields)
	}
	if _, ok := fields["fingerprint"]; !ok {
		t.Fatalf("fingerprint change not reported: %+v", fields)
	}
	if _, ok := fields["tag"]; ok {
		t.Fatalf("unchanged field reported: %+v", fields)
	}
}

func TestCompareElementChanges_EmptySides(t *testing.T) {
	onlyNew := CompareElementChanges(nil, []*model.DiscoveredElement{element("a", "A", "fp")})
	if len(onlyNew.Added) != 1 || len(onlyNew.Removed) != 0 {
		t.Fatalf("first scan should report everything added: %+v", onlyNew)
	}

	onlyOld := CompareElementChanges([]*model.DiscoveredElement{element("a", "A", "fp")}, nil)
	if len(onlyOld.Removed) != 1 || len(onlyOld.Added) != 0 {
		t.Fatalf("empty page should report everything removed: %+v", onlyOld)
	}
}

// Re-scanning an unchanged page must diff as fully unchanged, which is
// what makes the identifiers and fingerprints usable across scans.
func TestCompareElementChanges_RescanOfSamePage(t *testing.T) {
	page := `<html><body>
		<form id="upload-form">
			<input type="checkbox" name="agree">
			<button data-testid="upload-go">Upload</button>
		</form>
		<a href="/help">Help</a>
	</body></html>`

	s := testScanner()
	first := scan(t, s, page)
	second := scan(t, s, page)
	if len(first) == 0 {
		t.Fatal("scan returned nothing")
	}

	diff := CompareElementChanges(first, second)
	if len(diff.Added) != 0 || len(diff.Removed) != 0 || len(diff.Modified) != 0 {
		t.Fatalf("identical page must diff clean: added=%d removed=%d modified=%d",
			len(diff.Added), len(diff.Removed), len(diff.Modified))
	}
	if len(diff.Unchanged) != len(first) {
		t.Fatalf("expected %d unchanged, got %d", len(first), len(diff.Unchanged))
	}
}
