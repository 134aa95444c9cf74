package gateway

import "strings"

// The engine uses camelCase field names throughout; the database uses
// snake_case columns. This pair of pure functions is the only place the
// translation happens.

// CamelToSnake converts "avgResponseTimeMs" to "avg_response_time_ms".
func CamelToSnake(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 4)
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r - 'A' + 'a')
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// SnakeToCamel converts "avg_response_time_ms" to "avgResponseTimeMs".
func SnakeToCamel(s string) string {
	parts := strings.Split(s, "_")
	var b strings.Builder
	b.Grow(len(s))
	wrote := false
	for _, p := range parts {
		if p == "" {
			continue
		}
		if !wrote {
			b.WriteString(p)
			wrote = true
			continue
		}
		b.WriteString(strings.ToUpper(p[:1]))
		b.WriteString(p[1:])
	}
	return b.String()
}

// ToSnakeRow converts all keys of a row to snake_case column names.
func ToSnakeRow(row map[string]any) map[string]any {
	out := make(map[string]any, len(row))
	for k, v := range row {
		out[CamelToSnake(k)] = v
	}
	return out
}

// ToCamelRow converts all keys of a row to camelCase field names.
func ToCamelRow(row map[string]any) map[string]any {
	out := make(map[string]any, len(row))
	for k, v := range row {
		out[SnakeToCamel(k)] = v
	}
	return out
}
