package discovery

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// volatileAttrs change between renders without the element meaningfully
// changing, so they are excluded from the fingerprint.
var volatileAttrs = map[string]bool{"style": true}

// Fingerprint hashes the content-bearing parts of an element: tag, id,
// class list, trimmed text, and attribute map. Identical input always
// yields an identical digest, so an unchanged element re-scans to the
// same fingerprint.
func Fingerprint(tag, id, class, text string, attrs map[string]string) string {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		if volatileAttrs[k] {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(tag)
	b.WriteByte('|')
	b.WriteString(id)
	b.WriteByte('|')
	b.WriteString(class)
	b.WriteByte('|')
	b.WriteString(text)
	for _, k := range keys {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(attrs[k])
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
