package gateway

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"regexp"
	"strings"
	"time"

	"relay-backend/internal/store"
)

// Filter maps "field" or "field.op" (camelCase) to a value. Supported
// operators: eq (default), neq, gt, gte, lt, lte, in, like, null.
type Filter map[string]any

// Order is one sort clause.
type Order struct {
	Field string
	Desc  bool
}

// Page selects a result window. Zero values mean page 1 with the
// default size.
type Page struct {
	Number int
	Size   int
}

const (
	defaultPageSize = 50
	maxPageSize     = 1000

	maxAttempts = 3
)

var identRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Columns declared BOOLEAN in the schema. SQLite hands them back as
// integers; every read path normalizes them here so repositories always
// see real bools.
var boolColumns = []string{"active", "is_active", "is_visible", "is_interactive", "error_retryable"}

// Gateway is the tenant-scoped data access layer. Every operation runs
// through a Scope carrying the caller's tenant id; rows from other
// tenants are a hard UNAUTHORIZED_ACCESS failure. Transient storage
// failures are retried with exponential backoff before surfacing.
type Gateway struct {
	store       *store.Store
	backoffBase time.Duration
}

func New(s *store.Store) *Gateway {
	return &Gateway{store: s, backoffBase: 100 * time.Millisecond}
}

// Store exposes the underlying store for repositories that need raw
// atomic statements (window upserts, counter increments). Those
// statements must still scope by tenant in their WHERE clauses.
func (g *Gateway) Store() *store.Store { return g.store }

// Tenant returns a scope bound to the given tenant id.
func (g *Gateway) Tenant(tenantID string) *Scope {
	return &Scope{g: g, tenantID: tenantID}
}

// Scope is a tenant-bound view of the gateway.
type Scope struct {
	g             *Gateway
	tenantID      string
	includeGlobal bool
}

// WithGlobal widens reads (and targeted updates) to rows whose tenant id
// is NULL. Tenant mismatches remain hard failures.
func (s *Scope) WithGlobal() *Scope {
	return &Scope{g: s.g, tenantID: s.tenantID, includeGlobal: true}
}

// TenantID returns the scope's tenant id.
func (s *Scope) TenantID() string { return s.tenantID }

// Do runs fn under the gateway's retry policy: up to 3 attempts with
// base * 2^attempt + jitter backoff, retrying only transient failures.
func (g *Gateway) Do(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		ne := Normalize(err)
		if !ne.Retryable {
			return ne
		}
		if attempt == maxAttempts-1 {
			break
		}
		backoff := g.backoffBase*time.Duration(1<<attempt) +
			time.Duration(rand.Int63n(int64(g.backoffBase)))
		log.Printf("WARN: transient data access error (attempt %d/%d), retrying in %s: %v",
			attempt+1, maxAttempts, backoff, err)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return Normalize(ctx.Err())
		}
	}
	return Normalize(err)
}

// Query returns rows from table matching the filter, tenant-scoped,
// ordered and paginated. Row keys are camelCase.
func (s *Scope) Query(ctx context.Context, table string, f Filter, order []Order, page Page) ([]map[string]any, error) {
	sqlStr, params, err := s.buildSelect(table, f, order, page)
	if err != nil {
		return nil, err
	}

	var rows []map[string]any
	err = s.g.Do(ctx, func() error {
		var qerr error
		rows, qerr = store.QueryRows(ctx, s.g.store.DB, sqlStr, params...)
		return qerr
	})
	if err != nil {
		return nil, err
	}
	return s.checkAndConvert(rows)
}

// QueryOne returns the first matching row or a NOT_FOUND error.
func (s *Scope) QueryOne(ctx context.Context, table string, f Filter) (map[string]any, error) {
	rows, err := s.Query(ctx, table, f, nil, Page{Number: 1, Size: 1})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, NewError(CodeNotFound, "Record not found")
	}
	return rows[0], nil
}

// Insert writes one row owned by the scope's tenant and returns it.
// A missing id is generated.
func (s *Scope) Insert(ctx context.Context, table string, row map[string]any) (map[string]any, error) {
	return s.insert(ctx, table, row, false)
}

// InsertGlobal writes one row with a NULL tenant id (a global record).
func (s *Scope) InsertGlobal(ctx context.Context, table string, row map[string]any) (map[string]any, error) {
	return s.insert(ctx, table, row, true)
}

func (s *Scope) insert(ctx context.Context, table string, row map[string]any, global bool) (map[string]any, error) {
	if err := checkIdent(table); err != nil {
		return nil, err
	}
	cols := ToSnakeRow(row)
	if _, ok := cols["id"]; !ok {
		cols["id"] = store.GenerateUUID()
	}
	if global {
		cols["tenant_id"] = nil
	} else {
		cols["tenant_id"] = s.tenantID
	}

	pb := s.g.store.Dialect.NewParamBuilder()
	var names, placeholders []string
	for col, val := range cols {
		if err := checkIdent(col); err != nil {
			return nil, err
		}
		names = append(names, col)
		placeholders = append(placeholders, pb.Add(val))
	}
	sqlStr := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING *",
		table, strings.Join(names, ", "), strings.Join(placeholders, ", "))

	var out map[string]any
	err := s.g.Do(ctx, func() error {
		var qerr error
		out, qerr = store.QueryRow(ctx, s.g.store.DB, sqlStr, pb.Params()...)
		return store.MapError(s.g.store.Dialect, qerr)
	})
	if err != nil {
		return nil, err
	}
	return s.convertRow(out), nil
}

// Update patches matching rows within the tenant scope and returns the
// first updated row. NOT_FOUND when nothing matched.
func (s *Scope) Update(ctx context.Context, table string, f Filter, patch map[string]any) (map[string]any, error) {
	if err := checkIdent(table); err != nil {
		return nil, err
	}
	pb := s.g.store.Dialect.NewParamBuilder()

	cols := ToSnakeRow(patch)
	delete(cols, "tenant_id") // ownership never changes through a patch
	var sets []string
	for col, val := range cols {
		if err := checkIdent(col); err != nil {
			return nil, err
		}
		sets = append(sets, fmt.Sprintf("%s = %s", col, pb.Add(val)))
	}
	sets = append(sets, "updated_at = "+s.g.store.Dialect.NowExpr())

	where, err := s.buildWhere(f, pb)
	if err != nil {
		return nil, err
	}
	sqlStr := fmt.Sprintf("UPDATE %s SET %s WHERE %s RETURNING *",
		table, strings.Join(sets, ", "), strings.Join(where, " AND "))

	var out map[string]any
	err = s.g.Do(ctx, func() error {
		var qerr error
		out, qerr = store.QueryRow(ctx, s.g.store.DB, sqlStr, pb.Params()...)
		return store.MapError(s.g.store.Dialect, qerr)
	})
	if err != nil {
		return nil, err
	}
	return s.convertRow(out), nil
}

// Delete removes matching rows within the tenant scope.
func (s *Scope) Delete(ctx context.Context, table string, f Filter) error {
	if err := checkIdent(table); err != nil {
		return err
	}
	pb := s.g.store.Dialect.NewParamBuilder()
	where, err := s.buildWhere(f, pb)
	if err != nil {
		return err
	}
	sqlStr := fmt.Sprintf("DELETE FROM %s WHERE %s", table, strings.Join(where, " AND "))

	return s.g.Do(ctx, func() error {
		n, qerr := store.Exec(ctx, s.g.store.DB, sqlStr, pb.Params()...)
		if qerr != nil {
			return qerr
		}
		if n == 0 {
			return store.ErrNotFound
		}
		return nil
	})
}

// Count returns the number of rows matching the filter in scope.
func (s *Scope) Count(ctx context.Context, table string, f Filter) (int64, error) {
	if err := checkIdent(table); err != nil {
		return 0, err
	}
	pb := s.g.store.Dialect.NewParamBuilder()
	where, err := s.buildWhere(f, pb)
	if err != nil {
		return 0, err
	}
	sqlStr := fmt.Sprintf("SELECT COUNT(*) AS n FROM %s WHERE %s", table, strings.Join(where, " AND "))

	var n int64
	err = s.g.Do(ctx, func() error {
		row, qerr := store.QueryRow(ctx, s.g.store.DB, sqlStr, pb.Params()...)
		if qerr != nil {
			return qerr
		}
		switch v := row["n"].(type) {
		case int64:
			n = v
		case float64:
			n = int64(v)
		}
		return nil
	})
	return n, err
}

func (s *Scope) buildSelect(table string, f Filter, order []Order, page Page) (string, []any, error) {
	if err := checkIdent(table); err != nil {
		return "", nil, err
	}
	pb := s.g.store.Dialect.NewParamBuilder()
	where, err := s.buildWhere(f, pb)
	if err != nil {
		return "", nil, err
	}

	sqlStr := fmt.Sprintf("SELECT * FROM %s WHERE %s", table, strings.Join(where, " AND "))

	if len(order) > 0 {
		var parts []string
		for _, o := range order {
			col := CamelToSnake(o.Field)
			if err := checkIdent(col); err != nil {
				return "", nil, err
			}
			dir := "ASC"
			if o.Desc {
				dir = "DESC"
			}
			parts = append(parts, col+" "+dir)
		}
		sqlStr += " ORDER BY " + strings.Join(parts, ", ")
	}

	size := page.Size
	if size <= 0 {
		size = defaultPageSize
	}
	if size > maxPageSize {
		size = maxPageSize
	}
	number := page.Number
	if number <= 0 {
		number = 1
	}
	sqlStr += fmt.Sprintf(" LIMIT %s OFFSET %s", pb.Add(size), pb.Add((number-1)*size))

	return sqlStr, pb.Params(), nil
}

func (s *Scope) buildWhere(f Filter, pb store.ParamBuilder) ([]string, error) {
	var where []string
	if s.includeGlobal {
		where = append(where, fmt.Sprintf("(tenant_id = %s OR tenant_id IS NULL)", pb.Add(s.tenantID)))
	} else {
		where = append(where, fmt.Sprintf("tenant_id = %s", pb.Add(s.tenantID)))
	}

	for key, val := range f {
		field, op := parseFilterKey(key)
		col := CamelToSnake(field)
		if err := checkIdent(col); err != nil {
			return nil, err
		}
		clause, err := buildClause(s.g.store.Dialect, col, op, val, pb)
		if err != nil {
			return nil, err
		}
		where = append(where, clause)
	}
	return where, nil
}

func buildClause(d store.Dialect, col, op string, val any, pb store.ParamBuilder) (string, error) {
	switch op {
	case "eq", "":
		if val == nil {
			return col + " IS NULL", nil
		}
		return fmt.Sprintf("%s = %s", col, pb.Add(val)), nil
	case "neq":
		return fmt.Sprintf("%s != %s", col, pb.Add(val)), nil
	case "gt":
		return fmt.Sprintf("%s > %s", col, pb.Add(val)), nil
	case "gte":
		return fmt.Sprintf("%s >= %s", col, pb.Add(val)), nil
	case "lt":
		return fmt.Sprintf("%s < %s", col, pb.Add(val)), nil
	case "lte":
		return fmt.Sprintf("%s <= %s", col, pb.Add(val)), nil
	case "like":
		return fmt.Sprintf("%s LIKE %s", col, pb.Add(val)), nil
	case "null":
		if b, ok := val.(bool); ok && !b {
			return col + " IS NOT NULL", nil
		}
		return col + " IS NULL", nil
	case "in":
		vals, ok := val.([]any)
		if !ok {
			return "", NewError(CodeValidation, fmt.Sprintf("Filter %s.in requires a list", col))
		}
		return d.InExpr(col, pb, vals), nil
	default:
		return "", NewError(CodeValidation, fmt.Sprintf("Unknown filter operator: %s", op))
	}
}

// checkAndConvert enforces the tenant boundary on every returned row.
// A row from another tenant is never silently filtered; it means the
// query itself was wrong and is surfaced as a security violation.
func (s *Scope) checkAndConvert(rows []map[string]any) ([]map[string]any, error) {
	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		if t, ok := row["tenant_id"]; ok && t != nil {
			if fmt.Sprintf("%v", t) != s.tenantID {
				log.Printf("ERROR: security event: row for tenant %v returned to tenant %s", t, s.tenantID)
				return nil, UnauthorizedAccess(fmt.Sprintf("row tenant %v, caller tenant %s", t, s.tenantID))
			}
		}
		out = append(out, s.convertRow(row))
	}
	return out, nil
}

// convertRow normalizes dialect quirks and maps columns to camelCase.
func (s *Scope) convertRow(row map[string]any) map[string]any {
	if s.g.store.Dialect.NeedsBoolFix() {
		store.NormalizeBooleans([]map[string]any{row}, boolColumns)
	}
	return ToCamelRow(row)
}

// parseFilterKey splits "responseTime.gte" into ("responseTime", "gte").
func parseFilterKey(key string) (string, string) {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return key, "eq"
}

func checkIdent(name string) error {
	if !identRe.MatchString(strings.TrimPrefix(name, "_")) {
		return NewError(CodeValidation, fmt.Sprintf("Invalid identifier: %s", name))
	}
	return nil
}
