package store

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// GenerateUUID returns a new random UUID string. All primary keys are
// generated in application code so both dialects behave identically.
func GenerateUUID() string {
	return uuid.New().String()
}

// Bootstrap creates the engine tables idempotently and seeds a default
// admin user on first run.
func (s *Store) Bootstrap(ctx context.Context) error {
	existed, err := s.Dialect.TableExists(ctx, s.DB, "_users")
	if err != nil {
		return fmt.Errorf("inspect schema: %w", err)
	}

	// pgx in extended-protocol mode rejects multi-statement Exec, so the
	// DDL is executed one statement at a time.
	for _, stmt := range strings.Split(s.Dialect.SystemTablesSQL(), ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap system tables: %w", err)
		}
	}

	if !existed {
		if err := s.seedAdminUser(ctx); err != nil {
			return fmt.Errorf("seed admin user: %w", err)
		}
	}
	return nil
}

func (s *Store) seedAdminUser(ctx context.Context) error {
	var count int
	err := s.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM _users").Scan(&count)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	hashBytes, err := bcrypt.GenerateFromPassword([]byte("changeme"), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	userID := GenerateUUID()
	tenantID := GenerateUUID()
	pb := s.Dialect.NewParamBuilder()
	stmt := fmt.Sprintf(
		`INSERT INTO _users (id, email, password_hash, tenant_id, roles) VALUES (%s, %s, %s, %s, %s)`,
		pb.Add(userID), pb.Add("admin@localhost"), pb.Add(string(hashBytes)), pb.Add(tenantID), pb.Add(`["admin"]`))
	if _, err := s.DB.ExecContext(ctx, stmt, pb.Params()...); err != nil {
		return err
	}

	pb = s.Dialect.NewParamBuilder()
	stmt = fmt.Sprintf(
		`INSERT INTO _tenant_members (id, tenant_id, user_id, role, active) VALUES (%s, %s, %s, %s, %s)`,
		pb.Add(GenerateUUID()), pb.Add(tenantID), pb.Add(userID), pb.Add("admin"), pb.Add(true))
	if _, err := s.DB.ExecContext(ctx, stmt, pb.Params()...); err != nil {
		return err
	}

	log.Println("WARNING: Default admin user created (admin@localhost / changeme); change the password immediately.")
	return nil
}
