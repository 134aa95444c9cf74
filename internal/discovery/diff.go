package discovery

import (
	"relay-backend/internal/model"
)

// fields compared per element when both scans contain it. Fingerprint
// is checked first; only a changed fingerprint triggers the per-field
// walk.
type fieldAccessor struct {
	name string
	get  func(*model.DiscoveredElement) any
}

var comparedFields = []fieldAccessor{
	{"tag", func(e *model.DiscoveredElement) any { return e.Tag }},
	{"elementType", func(e *model.DiscoveredElement) any { return e.ElementType }},
	{"selector", func(e *model.DiscoveredElement) any { return e.Selector }},
	{"domPath", func(e *model.DiscoveredElement) any { return e.DOMPath }},
	{"textContent", func(e *model.DiscoveredElement) any { return e.TextContent }},
	{"isVisible", func(e *model.DiscoveredElement) any { return e.IsVisible }},
	{"isInteractive", func(e *model.DiscoveredElement) any { return e.IsInteractive }},
	{"fingerprint", func(e *model.DiscoveredElement) any { return e.Fingerprint }},
}

// CompareElementChanges diffs a fresh scan against the previously
// registered set by element identifier. Present only in the new scan is
// added; only in the old set is removed; in both with a changed
// fingerprint is modified, with per-field old/new values; otherwise
// unchanged.
func CompareElementChanges(previous, current []*model.DiscoveredElement) *model.ElementDiff {
	prevByID := make(map[string]*model.DiscoveredElement, len(previous))
	for _, el := range previous {
		prevByID[el.ElementID] = el
	}

	diff := &model.ElementDiff{
		Added:     []model.ElementChange{},
		Removed:   []model.ElementChange{},
		Modified:  []model.ElementChange{},
		Unchanged: []model.ElementChange{},
	}

	seen := make(map[string]bool, len(current))
	for _, el := range current {
		seen[el.ElementID] = true
		old, ok := prevByID[el.ElementID]
		if !ok {
			diff.Added = append(diff.Added, model.ElementChange{Type: "added", ElementID: el.ElementID})
			continue
		}
		if old.Fingerprint == el.Fingerprint {
			diff.Unchanged = append(diff.Unchanged, model.ElementChange{Type: "unchanged", ElementID: el.ElementID})
			continue
		}
		diff.Modified = append(diff.Modified, model.ElementChange{
			Type:      "modified",
			ElementID: el.ElementID,
			Fields:    changedFields(old, el),
		})
	}

	for _, el := range previous {
		if !seen[el.ElementID] {
			diff.Removed = append(diff.Removed, model.ElementChange{Type: "removed", ElementID: el.ElementID})
		}
	}
	return diff
}

func changedFields(old, cur *model.DiscoveredElement) []model.FieldChange {
	var changes []model.FieldChange
	for _, f := range comparedFields {
		ov, nv := f.get(old), f.get(cur)
		if ov != nv {
			changes = append(changes, model.FieldChange{Field: f.name, Old: ov, New: nv})
		}
	}
	return changes
}
