//go:build integration

package store

import (
	"context"
	"testing"
)

func TestBootstrap_SeedsAdminOnlyOnFirstRun(t *testing.T) {
	ctx := context.Background()
	s, err := NewMemory(ctx)
	if err != nil {
		t.Fatalf("open memory store: %v", err)
	}
	defer s.Close()

	exists, err := s.Dialect.TableExists(ctx, s.DB, "_users")
	if err != nil {
		t.Fatalf("table check: %v", err)
	}
	if exists {
		t.Fatal("_users must not exist before bootstrap")
	}

	if err := s.Bootstrap(ctx); err != nil {
		t.Fatalf("first bootstrap: %v", err)
	}
	if err := s.Bootstrap(ctx); err != nil {
		t.Fatalf("second bootstrap: %v", err)
	}

	exists, err = s.Dialect.TableExists(ctx, s.DB, "_users")
	if err != nil {
		t.Fatalf("table check: %v", err)
	}
	if !exists {
		t.Fatal("_users should exist after bootstrap")
	}

	var admins int
	if err := s.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM _users").Scan(&admins); err != nil {
		t.Fatalf("count users: %v", err)
	}
	if admins != 1 {
		t.Fatalf("expected exactly one seeded admin, got %d", admins)
	}
}
