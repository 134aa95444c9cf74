package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// PostgresDialect implements Dialect for PostgreSQL via pgx/stdlib.
type PostgresDialect struct{}

func (d *PostgresDialect) Name() string       { return "postgres" }
func (d *PostgresDialect) DriverName() string { return "pgx" }

func (d *PostgresDialect) Placeholder(index int) string {
	return fmt.Sprintf("$%d", index)
}

func (d *PostgresDialect) NewParamBuilder() ParamBuilder {
	return &pgParamBuilder{}
}

func (d *PostgresDialect) NowExpr() string   { return "NOW()" }
func (d *PostgresDialect) NeedsBoolFix() bool { return false }

func (d *PostgresDialect) SystemTablesSQL() string {
	return pgSystemTablesSQL
}

func (d *PostgresDialect) TableExists(ctx context.Context, db *sql.DB, tableName string) (bool, error) {
	var exists bool
	err := db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM information_schema.tables WHERE table_name = $1 AND table_schema = 'public')`,
		tableName,
	).Scan(&exists)
	return exists, err
}

func (d *PostgresDialect) InExpr(field string, pb ParamBuilder, values []any) string {
	return fmt.Sprintf("%s = ANY(%s)", field, pb.Add(values))
}

func (d *PostgresDialect) UpsertWindowSQL() string {
	return `INSERT INTO _rate_limit_windows (tenant_id, webhook_id, window_start, request_count)
	 VALUES ($1, $2, $3, 1)
	 ON CONFLICT (tenant_id, webhook_id, window_start)
	 DO UPDATE SET request_count = _rate_limit_windows.request_count + 1
	 RETURNING request_count`
}

func (d *PostgresDialect) UpsertElementSQL(columns []string, pb ParamBuilder, values []any) string {
	placeholders := make([]string, len(values))
	for i, v := range values {
		placeholders[i] = pb.Add(v)
	}
	return fmt.Sprintf(`INSERT INTO _discovered_elements (%s) VALUES (%s)
	 ON CONFLICT (tenant_id, fingerprint, selector) DO UPDATE SET
	   session_id = excluded.session_id,
	   element_id = excluded.element_id,
	   dom_path = excluded.dom_path,
	   x = excluded.x, y = excluded.y, width = excluded.width, height = excluded.height,
	   is_visible = excluded.is_visible,
	   is_interactive = excluded.is_interactive,
	   discovered_at = excluded.discovered_at`,
		strings.Join(columns, ", "), strings.Join(placeholders, ", "))
}

func (d *PostgresDialect) MapError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == "23505" {
			return fmt.Errorf("%w: %s", ErrUniqueViolation, pgErr.ConstraintName)
		}
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

const pgSystemTablesSQL = `
CREATE TABLE IF NOT EXISTS _users (
    id            UUID PRIMARY KEY,
    email         TEXT NOT NULL UNIQUE,
    password_hash TEXT NOT NULL,
    tenant_id     UUID,
    roles         JSONB NOT NULL DEFAULT '[]',
    active        BOOLEAN NOT NULL DEFAULT true,
    created_at    TIMESTAMPTZ DEFAULT NOW(),
    updated_at    TIMESTAMPTZ DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS _tenant_members (
    id         UUID PRIMARY KEY,
    tenant_id  UUID NOT NULL,
    user_id    UUID NOT NULL,
    role       TEXT NOT NULL DEFAULT 'member',
    active     BOOLEAN NOT NULL DEFAULT true,
    created_at TIMESTAMPTZ DEFAULT NOW(),
    UNIQUE (tenant_id, user_id)
);

CREATE TABLE IF NOT EXISTS _webhook_definitions (
    id                     UUID PRIMARY KEY,
    tenant_id              UUID,
    name                   TEXT NOT NULL,
    feature_slug           TEXT NOT NULL DEFAULT '',
    page_path              TEXT NOT NULL DEFAULT '',
    element_id             TEXT NOT NULL DEFAULT '',
    element_type           TEXT NOT NULL DEFAULT '',
    endpoint_url           TEXT NOT NULL,
    http_method            TEXT NOT NULL DEFAULT 'POST',
    headers                JSONB NOT NULL DEFAULT '{}',
    payload_template       TEXT NOT NULL DEFAULT '',
    condition              TEXT NOT NULL DEFAULT '',
    secret                 TEXT NOT NULL DEFAULT '',
    timeout_seconds        INTEGER NOT NULL DEFAULT 30,
    retry_count            INTEGER NOT NULL DEFAULT 3,
    rate_limit_per_minute  INTEGER NOT NULL DEFAULT 60,
    is_active              BOOLEAN NOT NULL DEFAULT true,
    health_status          TEXT NOT NULL DEFAULT 'unknown',
    total_executions       BIGINT NOT NULL DEFAULT 0,
    successful_executions  BIGINT NOT NULL DEFAULT 0,
    failed_executions      BIGINT NOT NULL DEFAULT 0,
    avg_response_time_ms   DOUBLE PRECISION NOT NULL DEFAULT 0,
    last_executed_at       TIMESTAMPTZ,
    created_by             UUID,
    updated_by             UUID,
    created_at             TIMESTAMPTZ DEFAULT NOW(),
    updated_at             TIMESTAMPTZ DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_webhook_definitions_tenant ON _webhook_definitions(tenant_id);

CREATE TABLE IF NOT EXISTS _webhook_assignments (
    id               UUID PRIMARY KEY,
    tenant_id        UUID,
    feature_slug     TEXT NOT NULL,
    page_path        TEXT NOT NULL,
    element_position TEXT NOT NULL,
    webhook_id       UUID NOT NULL REFERENCES _webhook_definitions(id) ON DELETE CASCADE,
    priority         INTEGER NOT NULL DEFAULT 0,
    is_active        BOOLEAN NOT NULL DEFAULT true,
    created_by       UUID,
    created_at       TIMESTAMPTZ DEFAULT NOW(),
    updated_at       TIMESTAMPTZ DEFAULT NOW()
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_assignments_unique_active
    ON _webhook_assignments(COALESCE(tenant_id::text, ''), page_path, element_position)
    WHERE is_active;

CREATE TABLE IF NOT EXISTS _webhook_executions (
    id                  UUID PRIMARY KEY,
    webhook_id          UUID NOT NULL,
    tenant_id           UUID NOT NULL,
    user_id             UUID,
    event_type          TEXT NOT NULL,
    feature_slug        TEXT NOT NULL DEFAULT '',
    page_path           TEXT NOT NULL DEFAULT '',
    element_id          TEXT NOT NULL DEFAULT '',
    status              TEXT NOT NULL,
    status_code         INTEGER,
    response_time_ms    DOUBLE PRECISION NOT NULL DEFAULT 0,
    error_type          TEXT,
    error_message       TEXT,
    error_retryable     BOOLEAN NOT NULL DEFAULT false,
    request_body        TEXT,
    response_body       TEXT,
    attempts            INTEGER NOT NULL DEFAULT 1,
    network_latency_ms  DOUBLE PRECISION NOT NULL DEFAULT 0,
    processing_time_ms  DOUBLE PRECISION NOT NULL DEFAULT 0,
    queue_time_ms       DOUBLE PRECISION NOT NULL DEFAULT 0,
    started_at          TIMESTAMPTZ,
    completed_at        TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_executions_webhook ON _webhook_executions(webhook_id, completed_at);
CREATE INDEX IF NOT EXISTS idx_executions_tenant ON _webhook_executions(tenant_id, completed_at);

CREATE TABLE IF NOT EXISTS _rate_limit_windows (
    tenant_id     UUID NOT NULL,
    webhook_id    UUID NOT NULL,
    window_start  TIMESTAMPTZ NOT NULL,
    request_count INTEGER NOT NULL DEFAULT 1,
    PRIMARY KEY (tenant_id, webhook_id, window_start)
);

CREATE TABLE IF NOT EXISTS _discovered_elements (
    id             UUID PRIMARY KEY,
    element_id     TEXT NOT NULL,
    tenant_id      UUID NOT NULL,
    session_id     UUID,
    feature_slug   TEXT NOT NULL DEFAULT '',
    page_path      TEXT NOT NULL,
    element_type   TEXT NOT NULL DEFAULT '',
    tag            TEXT NOT NULL DEFAULT '',
    selector       TEXT NOT NULL,
    dom_path       TEXT NOT NULL DEFAULT '',
    text_content   TEXT NOT NULL DEFAULT '',
    attributes     JSONB NOT NULL DEFAULT '{}',
    x              INTEGER NOT NULL DEFAULT 0,
    y              INTEGER NOT NULL DEFAULT 0,
    width          INTEGER NOT NULL DEFAULT 0,
    height         INTEGER NOT NULL DEFAULT 0,
    is_visible     BOOLEAN NOT NULL DEFAULT true,
    is_interactive BOOLEAN NOT NULL DEFAULT true,
    fingerprint    TEXT NOT NULL,
    parent_id      TEXT,
    child_ids      JSONB NOT NULL DEFAULT '[]',
    discovered_at  TIMESTAMPTZ DEFAULT NOW(),
    UNIQUE (tenant_id, fingerprint, selector)
);
CREATE INDEX IF NOT EXISTS idx_discovered_elements_page ON _discovered_elements(tenant_id, page_path);

CREATE TABLE IF NOT EXISTS _discovery_sessions (
    id                  UUID PRIMARY KEY,
    tenant_id           UUID NOT NULL,
    feature_slug        TEXT NOT NULL,
    status              TEXT NOT NULL DEFAULT 'active',
    elements_discovered INTEGER NOT NULL DEFAULT 0,
    pages_scanned       INTEGER NOT NULL DEFAULT 0,
    settings            JSONB NOT NULL DEFAULT '{}',
    started_at          TIMESTAMPTZ DEFAULT NOW(),
    completed_at        TIMESTAMPTZ
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_one_active
    ON _discovery_sessions(tenant_id, feature_slug)
    WHERE status = 'active';
`
