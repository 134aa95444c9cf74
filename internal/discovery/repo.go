package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"relay-backend/internal/gateway"
	"relay-backend/internal/model"
	"relay-backend/internal/store"
)

// ElementRepo persists discovered elements. Writes go through the
// dialect's conflict upsert keyed (tenant, fingerprint, selector) so
// re-scanning an unchanged page refreshes rows instead of duplicating
// them; reads go through the tenant-scoped gateway.
type ElementRepo struct {
	g *gateway.Gateway
}

func NewElementRepo(g *gateway.Gateway) *ElementRepo {
	return &ElementRepo{g: g}
}

var elementColumns = []string{
	"id", "element_id", "tenant_id", "session_id", "feature_slug", "page_path",
	"element_type", "tag", "selector", "dom_path", "text_content", "attributes",
	"x", "y", "width", "height", "is_visible", "is_interactive",
	"fingerprint", "parent_id", "child_ids", "discovered_at",
}

func (r *ElementRepo) Upsert(ctx context.Context, el *model.DiscoveredElement) error {
	attrs, _ := json.Marshal(el.Attributes)
	childIDs, _ := json.Marshal(el.ChildIDs)
	var sessionID, parentID any
	if el.SessionID != "" {
		sessionID = el.SessionID
	}
	if el.ParentID != "" {
		parentID = el.ParentID
	}
	values := []any{
		store.GenerateUUID(), el.ElementID, el.TenantID, sessionID, el.FeatureSlug, el.PagePath,
		el.ElementType, el.Tag, el.Selector, el.DOMPath, el.TextContent, string(attrs),
		el.X, el.Y, el.Width, el.Height, el.IsVisible, el.IsInteractive,
		el.Fingerprint, parentID, string(childIDs), el.DiscoveredAt.UTC(),
	}

	st := r.g.Store()
	pb := st.Dialect.NewParamBuilder()
	sqlStr := st.Dialect.UpsertElementSQL(elementColumns, pb, values)
	return r.g.Do(ctx, func() error {
		_, err := store.Exec(ctx, st.DB, sqlStr, pb.Params()...)
		return store.MapError(st.Dialect, err)
	})
}

func (r *ElementRepo) UpsertAll(ctx context.Context, elements []*model.DiscoveredElement) error {
	for _, el := range elements {
		if err := r.Upsert(ctx, el); err != nil {
			return fmt.Errorf("upsert element %s: %w", el.ElementID, err)
		}
	}
	return nil
}

// ListByPage returns the registered elements for a page.
func (r *ElementRepo) ListByPage(ctx context.Context, tenantID, pagePath string, page gateway.Page) ([]*model.DiscoveredElement, error) {
	f := gateway.Filter{}
	if pagePath != "" {
		f["pagePath"] = pagePath
	}
	rows, err := r.g.Tenant(tenantID).Query(ctx, "_discovered_elements", f,
		[]gateway.Order{{Field: "discoveredAt", Desc: true}}, page)
	if err != nil {
		return nil, err
	}
	out := make([]*model.DiscoveredElement, 0, len(rows))
	for _, row := range rows {
		out = append(out, parseElement(row))
	}
	return out, nil
}

// SessionRepo persists discovery sessions through the gateway. The
// partial unique index enforces one active session per (tenant, scope).
type SessionRepo struct {
	g *gateway.Gateway
}

func NewSessionRepo(g *gateway.Gateway) *SessionRepo {
	return &SessionRepo{g: g}
}

func (r *SessionRepo) Create(ctx context.Context, s *model.DiscoverySession) (*model.DiscoverySession, error) {
	settings, _ := json.Marshal(s.Settings)
	row, err := r.g.Tenant(s.TenantID).Insert(ctx, "_discovery_sessions", map[string]any{
		"id":          s.ID,
		"featureSlug": s.FeatureSlug,
		"status":      model.SessionActive,
		"settings":    string(settings),
	})
	if err != nil {
		return nil, err
	}
	return parseSession(row), nil
}

func (r *SessionRepo) Get(ctx context.Context, tenantID, id string) (*model.DiscoverySession, error) {
	row, err := r.g.Tenant(tenantID).QueryOne(ctx, "_discovery_sessions", gateway.Filter{"id": id})
	if err != nil {
		return nil, err
	}
	return parseSession(row), nil
}

// Complete marks the session completed. Completing an already completed
// session is a no-op returning the current row.
func (r *SessionRepo) Complete(ctx context.Context, tenantID, id string) (*model.DiscoverySession, error) {
	row, err := r.g.Tenant(tenantID).Update(ctx, "_discovery_sessions",
		gateway.Filter{"id": id}, map[string]any{"status": model.SessionCompleted, "completedAt": time.Now().UTC()})
	if err != nil {
		return nil, err
	}
	return parseSession(row), nil
}

// RecordScan folds one page scan into the session counters atomically.
func (r *SessionRepo) RecordScan(ctx context.Context, tenantID, id string, elementCount int) error {
	st := r.g.Store()
	pb := st.Dialect.NewParamBuilder()
	sqlStr := fmt.Sprintf(`UPDATE _discovery_sessions SET
	   elements_discovered = elements_discovered + %s,
	   pages_scanned = pages_scanned + 1
	 WHERE id = %s AND tenant_id = %s AND status = 'active'`,
		pb.Add(elementCount), pb.Add(id), pb.Add(tenantID))
	return r.g.Do(ctx, func() error {
		_, err := store.Exec(ctx, st.DB, sqlStr, pb.Params()...)
		return err
	})
}

func parseElement(row map[string]any) *model.DiscoveredElement {
	el := &model.DiscoveredElement{
		ElementID:     str(row["elementId"]),
		TenantID:      str(row["tenantId"]),
		SessionID:     str(row["sessionId"]),
		FeatureSlug:   str(row["featureSlug"]),
		PagePath:      str(row["pagePath"]),
		ElementType:   str(row["elementType"]),
		Tag:           str(row["tag"]),
		Selector:      str(row["selector"]),
		DOMPath:       str(row["domPath"]),
		TextContent:   str(row["textContent"]),
		X:             integer(row["x"]),
		Y:             integer(row["y"]),
		Width:         integer(row["width"]),
		Height:        integer(row["height"]),
		IsVisible:     row["isVisible"] == true,
		IsInteractive: row["isInteractive"] == true,
		Fingerprint:   str(row["fingerprint"]),
		ParentID:      str(row["parentId"]),
	}
	if t, ok := row["discoveredAt"].(time.Time); ok {
		el.DiscoveredAt = t
	}
	if raw := str(row["attributes"]); raw != "" {
		json.Unmarshal([]byte(raw), &el.Attributes)
	}
	if el.Attributes == nil {
		el.Attributes = map[string]string{}
	}
	if raw := str(row["childIds"]); raw != "" {
		json.Unmarshal([]byte(raw), &el.ChildIDs)
	}
	return el
}

func parseSession(row map[string]any) *model.DiscoverySession {
	s := &model.DiscoverySession{
		ID:                 str(row["id"]),
		TenantID:           str(row["tenantId"]),
		FeatureSlug:        str(row["featureSlug"]),
		Status:             str(row["status"]),
		ElementsDiscovered: integer(row["elementsDiscovered"]),
		PagesScanned:       integer(row["pagesScanned"]),
	}
	if raw := str(row["settings"]); raw != "" {
		json.Unmarshal([]byte(raw), &s.Settings)
	}
	if t, ok := row["startedAt"].(time.Time); ok {
		s.StartedAt = t
	}
	if t, ok := row["completedAt"].(time.Time); ok {
		s.CompletedAt = &t
	}
	return s
}

func str(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func integer(v any) int {
	switch val := v.(type) {
	case int:
		return val
	case int64:
		return int(val)
	case float64:
		return int(val)
	default:
		return 0
	}
}
