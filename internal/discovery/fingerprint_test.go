package discovery

import "testing"

func TestFingerprint_Deterministic(t *testing.T) {
	attrs := map[string]string{"class": "btn", "type": "submit"}
	a := Fingerprint("button", "save", "btn", "Save", attrs)
	b := Fingerprint("button", "save", "btn", "Save", attrs)
	if a != b {
		t.Fatal("identical input must yield an identical fingerprint")
	}
	if len(a) != 64 {
		t.Fatalf("expected sha256 hex digest, got %d chars", len(a))
	}
}

func TestFingerprint_ChangesWithContent(t *testing.T) {
	base := Fingerprint("button", "save", "btn", "Save", map[string]string{"type": "submit"})

	if Fingerprint("a", "save", "btn", "Save", map[string]string{"type": "submit"}) == base {
		t.Fatal("tag change must change the fingerprint")
	}
	if Fingerprint("button", "save", "btn", "Save changes", map[string]string{"type": "submit"}) == base {
		t.Fatal("text change must change the fingerprint")
	}
	if Fingerprint("button", "save", "btn", "Save", map[string]string{"type": "button"}) == base {
		t.Fatal("attribute change must change the fingerprint")
	}
}

func TestFingerprint_IgnoresVolatileStyle(t *testing.T) {
	a := Fingerprint("button", "save", "btn", "Save", map[string]string{"style": "color:red"})
	b := Fingerprint("button", "save", "btn", "Save", map[string]string{"style": "color:blue"})
	if a != b {
		t.Fatal("inline style must not affect the fingerprint")
	}
}

func TestFingerprint_AttributeOrderIrrelevant(t *testing.T) {
	// Map iteration order varies; the digest must not.
	attrs := map[string]string{"a": "1", "b": "2", "c": "3", "d": "4", "e": "5"}
	want := Fingerprint("div", "", "", "", attrs)
	for i := 0; i < 20; i++ {
		if got := Fingerprint("div", "", "", "", attrs); got != want {
			t.Fatal("fingerprint must be independent of attribute iteration order")
		}
	}
}
