package gateway

import (
	"testing"

	"relay-backend/internal/store"
)

func scopeWith(dialect string) *Scope {
	return New(&store.Store{Dialect: store.NewDialect(dialect)}).Tenant("t1")
}

// SQLite returns BOOLEAN columns as integers; the gateway normalizes
// them so repositories always see real bools.
func TestCheckAndConvert_NormalizesSQLiteBooleans(t *testing.T) {
	rows := []map[string]any{{
		"tenant_id":       "t1",
		"is_active":       int64(1),
		"is_visible":      int64(0),
		"error_retryable": int64(1),
		"name":            "hook",
	}}

	out, err := scopeWith("sqlite").checkAndConvert(rows)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if out[0]["isActive"] != true {
		t.Fatalf("is_active=1 should read as true, got %T %v", out[0]["isActive"], out[0]["isActive"])
	}
	if out[0]["isVisible"] != false {
		t.Fatalf("is_visible=0 should read as false, got %v", out[0]["isVisible"])
	}
	if out[0]["errorRetryable"] != true {
		t.Fatalf("error_retryable=1 should read as true, got %v", out[0]["errorRetryable"])
	}
	if out[0]["name"] != "hook" {
		t.Fatalf("non-bool column altered: %v", out[0]["name"])
	}
}

func TestCheckAndConvert_PostgresBooleansUntouched(t *testing.T) {
	rows := []map[string]any{{
		"tenant_id":        "t1",
		"is_active":        true,
		"total_executions": int64(3),
	}}

	out, err := scopeWith("postgres").checkAndConvert(rows)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if out[0]["isActive"] != true {
		t.Fatalf("native bool should pass through, got %v", out[0]["isActive"])
	}
	if out[0]["totalExecutions"] != int64(3) {
		t.Fatalf("integer column must stay an integer, got %v", out[0]["totalExecutions"])
	}
}

func TestCheckAndConvert_ForeignTenantRowFails(t *testing.T) {
	rows := []map[string]any{{"tenant_id": "other", "is_active": int64(1)}}
	if _, err := scopeWith("sqlite").checkAndConvert(rows); err == nil {
		t.Fatal("foreign-tenant row must surface as a security failure")
	}
}
