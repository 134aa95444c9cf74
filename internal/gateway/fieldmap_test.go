package gateway

import "testing"

func TestCamelToSnake(t *testing.T) {
	cases := map[string]string{
		"avgResponseTimeMs": "avg_response_time_ms",
		"tenantId":          "tenant_id",
		"id":                "id",
		"isActive":          "is_active",
		"":                  "",
	}
	for in, want := range cases {
		if got := CamelToSnake(in); got != want {
			t.Fatalf("CamelToSnake(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSnakeToCamel(t *testing.T) {
	cases := map[string]string{
		"avg_response_time_ms": "avgResponseTimeMs",
		"tenant_id":            "tenantId",
		"id":                   "id",
		"__leading":            "leading",
		"":                     "",
	}
	for in, want := range cases {
		if got := SnakeToCamel(in); got != want {
			t.Fatalf("SnakeToCamel(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestFieldMapRoundTrip(t *testing.T) {
	fields := []string{"featureSlug", "rateLimitPerMinute", "x", "createdAt"}
	for _, f := range fields {
		if got := SnakeToCamel(CamelToSnake(f)); got != f {
			t.Fatalf("round trip of %q gave %q", f, got)
		}
	}
}

func TestRowConversion(t *testing.T) {
	snake := ToSnakeRow(map[string]any{"tenantId": "t1", "isActive": true})
	if snake["tenant_id"] != "t1" || snake["is_active"] != true {
		t.Fatalf("unexpected snake row: %v", snake)
	}
	camel := ToCamelRow(map[string]any{"tenant_id": "t1", "total_executions": int64(3)})
	if camel["tenantId"] != "t1" || camel["totalExecutions"] != int64(3) {
		t.Fatalf("unexpected camel row: %v", camel)
	}
}
