package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// SQLiteDialect implements Dialect for SQLite via modernc.org/sqlite.
type SQLiteDialect struct{}

func (d *SQLiteDialect) Name() string       { return "sqlite" }
func (d *SQLiteDialect) DriverName() string { return "sqlite" }

func (d *SQLiteDialect) Placeholder(index int) string {
	return fmt.Sprintf("?%d", index)
}

func (d *SQLiteDialect) NewParamBuilder() ParamBuilder {
	return &sqliteParamBuilder{}
}

func (d *SQLiteDialect) NowExpr() string   { return "CURRENT_TIMESTAMP" }
func (d *SQLiteDialect) NeedsBoolFix() bool { return true }

func (d *SQLiteDialect) SystemTablesSQL() string {
	return sqliteSystemTablesSQL
}

func (d *SQLiteDialect) TableExists(ctx context.Context, db *sql.DB, tableName string) (bool, error) {
	var name string
	err := db.QueryRowContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?1`,
		tableName,
	).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (d *SQLiteDialect) InExpr(field string, pb ParamBuilder, values []any) string {
	placeholders := make([]string, len(values))
	for i, v := range values {
		placeholders[i] = pb.Add(v)
	}
	return fmt.Sprintf("%s IN (%s)", field, strings.Join(placeholders, ", "))
}

func (d *SQLiteDialect) UpsertWindowSQL() string {
	return `INSERT INTO _rate_limit_windows (tenant_id, webhook_id, window_start, request_count)
	 VALUES (?1, ?2, ?3, 1)
	 ON CONFLICT (tenant_id, webhook_id, window_start)
	 DO UPDATE SET request_count = request_count + 1
	 RETURNING request_count`
}

func (d *SQLiteDialect) UpsertElementSQL(columns []string, pb ParamBuilder, values []any) string {
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

func (d *SQLiteDialect) MapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	msg := err.Error()
	if strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed") && strings.Contains(msg, "unique") {
		return fmt.Errorf("%w: %v", ErrUniqueViolation, err)
	}
	return err
}

const sqliteSystemTablesSQL = `
CREATE TABLE IF NOT EXISTS _users (
    id            TEXT PRIMARY KEY,
    email         TEXT NOT NULL UNIQUE,
    password_hash TEXT NOT NULL,
    tenant_id     TEXT,
    roles         TEXT NOT NULL DEFAULT '[]',
    active        BOOLEAN NOT NULL DEFAULT 1,
    created_at    TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at    TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS _tenant_members (
    id         TEXT PRIMARY KEY,
    tenant_id  TEXT NOT NULL,
    user_id    TEXT NOT NULL,
    role       TEXT NOT NULL DEFAULT 'member',
    active     BOOLEAN NOT NULL DEFAULT 1,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    UNIQUE (tenant_id, user_id)
);

CREATE TABLE IF NOT EXISTS _webhook_definitions (
    id                     TEXT PRIMARY KEY,
    tenant_id              TEXT,
    name                   TEXT NOT NULL,
    feature_slug           TEXT NOT NULL DEFAULT '',
    page_path              TEXT NOT NULL DEFAULT '',
    element_id             TEXT NOT NULL DEFAULT '',
    element_type           TEXT NOT NULL DEFAULT '',
    endpoint_url           TEXT NOT NULL,
    http_method            TEXT NOT NULL DEFAULT 'POST',
    headers                TEXT NOT NULL DEFAULT '{}',
    payload_template       TEXT NOT NULL DEFAULT '',
    condition              TEXT NOT NULL DEFAULT '',
    secret                 TEXT NOT NULL DEFAULT '',
    timeout_seconds        INTEGER NOT NULL DEFAULT 30,
    retry_count            INTEGER NOT NULL DEFAULT 3,
    rate_limit_per_minute  INTEGER NOT NULL DEFAULT 60,
    is_active              BOOLEAN NOT NULL DEFAULT 1,
    health_status          TEXT NOT NULL DEFAULT 'unknown',
    total_executions       INTEGER NOT NULL DEFAULT 0,
    successful_executions  INTEGER NOT NULL DEFAULT 0,
    failed_executions      INTEGER NOT NULL DEFAULT 0,
    avg_response_time_ms   REAL NOT NULL DEFAULT 0,
    last_executed_at       TIMESTAMP,
    created_by             TEXT,
    updated_by             TEXT,
    created_at             TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at             TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_webhook_definitions_tenant ON _webhook_definitions(tenant_id);

CREATE TABLE IF NOT EXISTS _webhook_assignments (
    id               TEXT PRIMARY KEY,
    tenant_id        TEXT,
    feature_slug     TEXT NOT NULL,
    page_path        TEXT NOT NULL,
    element_position TEXT NOT NULL,
    webhook_id       TEXT NOT NULL REFERENCES _webhook_definitions(id) ON DELETE CASCADE,
    priority         INTEGER NOT NULL DEFAULT 0,
    is_active        BOOLEAN NOT NULL DEFAULT 1,
    created_by       TEXT,
    created_at       TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at       TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_assignments_unique_active
    ON _webhook_assignments(COALESCE(tenant_id, ''), page_path, element_position)
    WHERE is_active;

CREATE TABLE IF NOT EXISTS _webhook_executions (
    id                  TEXT PRIMARY KEY,
    webhook_id          TEXT NOT NULL,
    tenant_id           TEXT NOT NULL,
    user_id             TEXT,
    event_type          TEXT NOT NULL,
    feature_slug        TEXT NOT NULL DEFAULT '',
    page_path           TEXT NOT NULL DEFAULT '',
    element_id          TEXT NOT NULL DEFAULT '',
    status              TEXT NOT NULL,
    status_code         INTEGER,
    response_time_ms    REAL NOT NULL DEFAULT 0,
    error_type          TEXT,
    error_message       TEXT,
    error_retryable     BOOLEAN NOT NULL DEFAULT 0,
    request_body        TEXT,
    response_body       TEXT,
    attempts            INTEGER NOT NULL DEFAULT 1,
    network_latency_ms  REAL NOT NULL DEFAULT 0,
    processing_time_ms  REAL NOT NULL DEFAULT 0,
    queue_time_ms       REAL NOT NULL DEFAULT 0,
    started_at          TIMESTAMP,
    completed_at        TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_executions_webhook ON _webhook_executions(webhook_id, completed_at);
CREATE INDEX IF NOT EXISTS idx_executions_tenant ON _webhook_executions(tenant_id, completed_at);

CREATE TABLE IF NOT EXISTS _rate_limit_windows (
    tenant_id     TEXT NOT NULL,
    webhook_id    TEXT NOT NULL,
    window_start  TIMESTAMP NOT NULL,
    request_count INTEGER NOT NULL DEFAULT 1,
    PRIMARY KEY (tenant_id, webhook_id, window_start)
);

CREATE TABLE IF NOT EXISTS _discovered_elements (
    id             TEXT PRIMARY KEY,
    element_id     TEXT NOT NULL,
    tenant_id      TEXT NOT NULL,
    session_id     TEXT,
    feature_slug   TEXT NOT NULL DEFAULT '',
    page_path      TEXT NOT NULL,
    element_type   TEXT NOT NULL DEFAULT '',
    tag            TEXT NOT NULL DEFAULT '',
    selector       TEXT NOT NULL,
    dom_path       TEXT NOT NULL DEFAULT '',
    text_content   TEXT NOT NULL DEFAULT '',
    attributes     TEXT NOT NULL DEFAULT '{}',
    x              INTEGER NOT NULL DEFAULT 0,
    y              INTEGER NOT NULL DEFAULT 0,
    width          INTEGER NOT NULL DEFAULT 0,
    height         INTEGER NOT NULL DEFAULT 0,
    is_visible     BOOLEAN NOT NULL DEFAULT 1,
    is_interactive BOOLEAN NOT NULL DEFAULT 1,
    fingerprint    TEXT NOT NULL,
    parent_id      TEXT,
    child_ids      TEXT NOT NULL DEFAULT '[]',
    discovered_at  TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    UNIQUE (tenant_id, fingerprint, selector)
);
CREATE INDEX IF NOT EXISTS idx_discovered_elements_page ON _discovered_elements(tenant_id, page_path);

CREATE TABLE IF NOT EXISTS _discovery_sessions (
    id                  TEXT PRIMARY KEY,
    tenant_id           TEXT NOT NULL,
    feature_slug        TEXT NOT NULL,
    status              TEXT NOT NULL DEFAULT 'active',
    elements_discovered INTEGER NOT NULL DEFAULT 0,
    pages_scanned       INTEGER NOT NULL DEFAULT 0,
    settings            TEXT NOT NULL DEFAULT '{}',
    started_at          TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    completed_at        TIMESTAMP
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_one_active
    ON _discovery_sessions(tenant_id, feature_slug)
    WHERE status = 'active';
`
