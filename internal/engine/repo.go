package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"relay-backend/internal/gateway"
	"relay-backend/internal/model"
	"relay-backend/internal/store"
)

// Repos bundles the typed repositories the engine services run on. All
// generic reads and writes go through the tenant-scoped gateway; the two
// hot-path counters (rate-limit windows, definition counters) use raw
// atomic statements so concurrent dispatchers never lose updates.
type Repos struct {
	Definitions *DefinitionRepo
	Assignments *AssignmentRepo
	Executions  *ExecutionRepo
	Windows     *WindowRepo
	Members     *MemberRepo
}

func NewRepos(g *gateway.Gateway) *Repos {
	return &Repos{
		Definitions: &DefinitionRepo{g: g},
		Assignments: &AssignmentRepo{g: g},
		Executions:  &ExecutionRepo{g: g},
		Windows:     &WindowRepo{g: g},
		Members:     &MemberRepo{g: g},
	}
}

// --- Definitions ---

type DefinitionRepo struct {
	g *gateway.Gateway
}

const tableDefinitions = "_webhook_definitions"

func (r *DefinitionRepo) Get(ctx context.Context, tenantID, id string) (*model.WebhookDefinition, error) {
	row, err := r.g.Tenant(tenantID).WithGlobal().QueryOne(ctx, tableDefinitions, gateway.Filter{"id": id})
	if err != nil {
		return nil, err
	}
	return parseDefinition(row), nil
}

func (r *DefinitionRepo) List(ctx context.Context, tenantID string, f gateway.Filter, page gateway.Page) ([]*model.WebhookDefinition, error) {
	rows, err := r.g.Tenant(tenantID).WithGlobal().Query(ctx, tableDefinitions, f,
		[]gateway.Order{{Field: "createdAt", Desc: true}}, page)
	if err != nil {
		return nil, err
	}
	defs := make([]*model.WebhookDefinition, 0, len(rows))
	for _, row := range rows {
		defs = append(defs, parseDefinition(row))
	}
	return defs, nil
}

// FindActiveByName returns active definitions whose name matches the
// LIKE pattern, tenant-scoped plus global. Used by auto-provisioning.
func (r *DefinitionRepo) FindActiveByName(ctx context.Context, tenantID, pattern string) ([]*model.WebhookDefinition, error) {
	rows, err := r.g.Tenant(tenantID).WithGlobal().Query(ctx, tableDefinitions,
		gateway.Filter{"name.like": pattern, "isActive": true},
		[]gateway.Order{{Field: "createdAt"}}, gateway.Page{Size: 10})
	if err != nil {
		return nil, err
	}
	defs := make([]*model.WebhookDefinition, 0, len(rows))
	for _, row := range rows {
		defs = append(defs, parseDefinition(row))
	}
	return defs, nil
}

func (r *DefinitionRepo) Create(ctx context.Context, tenantID string, def *model.WebhookDefinition) (*model.WebhookDefinition, error) {
	headers, _ := json.Marshal(def.Headers)
	row := map[string]any{
		"id":                 def.ID,
		"name":               def.Name,
		"featureSlug":        def.FeatureSlug,
		"pagePath":           def.PagePath,
		"elementId":          def.ElementID,
		"elementType":        def.ElementType,
		"endpointUrl":        def.EndpointURL,
		"httpMethod":         def.HTTPMethod,
		"headers":            string(headers),
		"payloadTemplate":    def.PayloadTemplate,
		"condition":          def.Condition,
		"secret":             def.Secret,
		"timeoutSeconds":     def.TimeoutSeconds,
		"retryCount":         def.RetryCount,
		"rateLimitPerMinute": def.RateLimitPerMinute,
		"isActive":           def.IsActive,
		"healthStatus":       def.HealthStatus,
		"createdBy":          def.CreatedBy,
		"updatedBy":          def.UpdatedBy,
	}
	var out map[string]any
	var err error
	if def.TenantID == nil {
		out, err = r.g.Tenant(tenantID).InsertGlobal(ctx, tableDefinitions, row)
	} else {
		out, err = r.g.Tenant(tenantID).Insert(ctx, tableDefinitions, row)
	}
	if err != nil {
		return nil, err
	}
	return parseDefinition(out), nil
}

func (r *DefinitionRepo) Update(ctx context.Context, tenantID, id string, patch map[string]any) (*model.WebhookDefinition, error) {
	row, err := r.g.Tenant(tenantID).WithGlobal().Update(ctx, tableDefinitions, gateway.Filter{"id": id}, patch)
	if err != nil {
		return nil, err
	}
	return parseDefinition(row), nil
}

func (r *DefinitionRepo) Delete(ctx context.Context, tenantID, id string) error {
	return r.g.Tenant(tenantID).Delete(ctx, tableDefinitions, gateway.Filter{"id": id})
}

// RecordExecution atomically folds one dispatch outcome into the
// definition's running counters. The average is an incremental
// accumulator; all right-hand sides see the pre-update values.
func (r *DefinitionRepo) RecordExecution(ctx context.Context, id string, success bool, responseTimeMs float64) error {
	st := r.g.Store()
	pb := st.Dialect.NewParamBuilder()
	succ, fail := 0, 1
	if success {
		succ, fail = 1, 0
	}
	sqlStr := fmt.Sprintf(`UPDATE _webhook_definitions SET
	   total_executions = total_executions + 1,
	   successful_executions = successful_executions + %s,
	   failed_executions = failed_executions + %s,
	   avg_response_time_ms = (avg_response_time_ms * total_executions + %s) / (total_executions + 1),
	   last_executed_at = %s,
	   updated_at = %s
	 WHERE id = %s`,
		pb.Add(succ), pb.Add(fail), pb.Add(responseTimeMs),
		st.Dialect.NowExpr(), st.Dialect.NowExpr(), pb.Add(id))

	return r.g.Do(ctx, func() error {
		_, err := store.Exec(ctx, st.DB, sqlStr, pb.Params()...)
		return err
	})
}

// UpdateHealthStatus refreshes the derived health label from the
// definition's counters.
func (r *DefinitionRepo) UpdateHealthStatus(ctx context.Context, id, status string) error {
	st := r.g.Store()
	pb := st.Dialect.NewParamBuilder()
	sqlStr := fmt.Sprintf(`UPDATE _webhook_definitions SET health_status = %s WHERE id = %s AND health_status != %s`,
		pb.Add(status), pb.Add(id), pb.Add(status))
	return r.g.Do(ctx, func() error {
		_, err := store.Exec(ctx, st.DB, sqlStr, pb.Params()...)
		return err
	})
}

// --- Assignments ---

type AssignmentRepo struct {
	g *gateway.Gateway
}

const tableAssignments = "_webhook_assignments"

// FindActive returns the active tenant-scoped assignment for the
// trigger point, or a NOT_FOUND gateway error.
func (r *AssignmentRepo) FindActive(ctx context.Context, tenantID, pagePath, position string) (*model.Assignment, error) {
	row, err := r.g.Tenant(tenantID).QueryOne(ctx, tableAssignments, gateway.Filter{
		"pagePath":        pagePath,
		"elementPosition": position,
		"isActive":        true,
	})
	if err != nil {
		return nil, err
	}
	return parseAssignment(row), nil
}

// FindActiveGlobal returns the active global assignment (tenant id NULL)
// for the trigger point.
func (r *AssignmentRepo) FindActiveGlobal(ctx context.Context, tenantID, pagePath, position string) (*model.Assignment, error) {
	row, err := r.g.Tenant(tenantID).WithGlobal().QueryOne(ctx, tableAssignments, gateway.Filter{
		"tenantId.null":   true,
		"pagePath":        pagePath,
		"elementPosition": position,
		"isActive":        true,
	})
	if err != nil {
		return nil, err
	}
	return parseAssignment(row), nil
}

func (r *AssignmentRepo) Create(ctx context.Context, tenantID string, a *model.Assignment) (*model.Assignment, error) {
	row := map[string]any{
		"id":              a.ID,
		"featureSlug":     a.FeatureSlug,
		"pagePath":        a.PagePath,
		"elementPosition": a.ElementPosition,
		"webhookId":       a.WebhookID,
		"priority":        a.Priority,
		"isActive":        a.IsActive,
		"createdBy":       a.CreatedBy,
	}
	var out map[string]any
	var err error
	if a.TenantID == nil {
		out, err = r.g.Tenant(tenantID).InsertGlobal(ctx, tableAssignments, row)
	} else {
		out, err = r.g.Tenant(tenantID).Insert(ctx, tableAssignments, row)
	}
	if err != nil {
		return nil, err
	}
	return parseAssignment(out), nil
}

func (r *AssignmentRepo) List(ctx context.Context, tenantID string, page gateway.Page) ([]*model.Assignment, error) {
	rows, err := r.g.Tenant(tenantID).WithGlobal().Query(ctx, tableAssignments, nil,
		[]gateway.Order{{Field: "createdAt", Desc: true}}, page)
	if err != nil {
		return nil, err
	}
	out := make([]*model.Assignment, 0, len(rows))
	for _, row := range rows {
		out = append(out, parseAssignment(row))
	}
	return out, nil
}

// Disable soft-disables an assignment; assignments are never deleted or
// silently mutated by executions.
func (r *AssignmentRepo) Disable(ctx context.Context, tenantID, id string) (*model.Assignment, error) {
	row, err := r.g.Tenant(tenantID).WithGlobal().Update(ctx, tableAssignments,
		gateway.Filter{"id": id}, map[string]any{"isActive": false})
	if err != nil {
		return nil, err
	}
	return parseAssignment(row), nil
}

// --- Executions ---

type ExecutionRepo struct {
	g *gateway.Gateway
}

const tableExecutions = "_webhook_executions"

func (r *ExecutionRepo) Insert(ctx context.Context, rec *model.ExecutionRecord) error {
	row := map[string]any{
		"id":               rec.ID,
		"webhookId":        rec.WebhookID,
		"userId":           rec.UserID,
		"eventType":        rec.EventType,
		"featureSlug":      rec.FeatureSlug,
		"pagePath":         rec.PagePath,
		"elementId":        rec.ElementID,
		"status":           rec.Status,
		"statusCode":       rec.StatusCode,
		"responseTimeMs":   rec.ResponseTimeMs,
		"errorType":        rec.ErrorType,
		"errorMessage":     rec.ErrorMessage,
		"errorRetryable":   rec.ErrorRetryable,
		"requestBody":      rec.RequestBody,
		"responseBody":     rec.ResponseBody,
		"attempts":         rec.Attempts,
		"networkLatencyMs": rec.NetworkLatencyMs,
		"processingTimeMs": rec.ProcessingTimeMs,
		"queueTimeMs":      rec.QueueTimeMs,
		"startedAt":        rec.StartedAt,
		"completedAt":      rec.CompletedAt,
	}
	_, err := r.g.Tenant(rec.TenantID).Insert(ctx, tableExecutions, row)
	return err
}

func (r *ExecutionRepo) Get(ctx context.Context, tenantID, id string) (*model.ExecutionRecord, error) {
	row, err := r.g.Tenant(tenantID).QueryOne(ctx, tableExecutions, gateway.Filter{"id": id})
	if err != nil {
		return nil, err
	}
	return parseExecution(row), nil
}

// ListByWebhook returns executions for a webhook completed within
// [from, to], most recent first, capped at the gateway page limit.
func (r *ExecutionRepo) ListByWebhook(ctx context.Context, tenantID, webhookID string, from, to time.Time) ([]*model.ExecutionRecord, error) {
	rows, err := r.g.Tenant(tenantID).Query(ctx, tableExecutions, gateway.Filter{
		"webhookId":       webhookID,
		"completedAt.gte": from,
		"completedAt.lte": to,
	}, []gateway.Order{{Field: "completedAt", Desc: true}}, gateway.Page{Size: 1000})
	if err != nil {
		return nil, err
	}
	out := make([]*model.ExecutionRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, parseExecution(row))
	}
	return out, nil
}

func (r *ExecutionRepo) List(ctx context.Context, tenantID string, f gateway.Filter, page gateway.Page) ([]*model.ExecutionRecord, error) {
	rows, err := r.g.Tenant(tenantID).Query(ctx, tableExecutions, f,
		[]gateway.Order{{Field: "completedAt", Desc: true}}, page)
	if err != nil {
		return nil, err
	}
	out := make([]*model.ExecutionRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, parseExecution(row))
	}
	return out, nil
}

// --- Rate-limit windows ---

type WindowRepo struct {
	g *gateway.Gateway
}

// Increment atomically bumps the (tenant, webhook, bucket) window and
// returns the post-increment count. Insert-or-increment happens in one
// statement so concurrent admitters never under-count.
func (r *WindowRepo) Increment(ctx context.Context, tenantID, webhookID string, windowStart time.Time) (int, error) {
	st := r.g.Store()
	var count int
	err := st.DB.QueryRowContext(ctx, st.Dialect.UpsertWindowSQL(),
		tenantID, webhookID, windowStart.UTC()).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

// PurgeBefore reclaims buckets older than the cutoff across all tenants.
// Called by the maintenance scheduler, not by request paths.
func (r *WindowRepo) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	st := r.g.Store()
	pb := st.Dialect.NewParamBuilder()
	sqlStr := fmt.Sprintf("DELETE FROM _rate_limit_windows WHERE window_start < %s", pb.Add(cutoff.UTC()))
	return store.Exec(ctx, st.DB, sqlStr, pb.Params()...)
}

// --- Tenant membership ---

type MemberRepo struct {
	g *gateway.Gateway
}

func (r *MemberRepo) IsActiveMember(ctx context.Context, tenantID, userID string) (bool, error) {
	n, err := r.g.Tenant(tenantID).Count(ctx, "_tenant_members", gateway.Filter{
		"userId": userID,
		"active": true,
	})
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// --- row parsing helpers ---

func parseDefinition(row map[string]any) *model.WebhookDefinition {
	def := &model.WebhookDefinition{
		ID:                   toStr(row["id"]),
		TenantID:             toStrPtr(row["tenantId"]),
		Name:                 toStr(row["name"]),
		FeatureSlug:          toStr(row["featureSlug"]),
		PagePath:             toStr(row["pagePath"]),
		ElementID:            toStr(row["elementId"]),
		ElementType:          toStr(row["elementType"]),
		EndpointURL:          toStr(row["endpointUrl"]),
		HTTPMethod:           toStr(row["httpMethod"]),
		PayloadTemplate:      toStr(row["payloadTemplate"]),
		Condition:            toStr(row["condition"]),
		Secret:               toStr(row["secret"]),
		TimeoutSeconds:       toInt(row["timeoutSeconds"]),
		RetryCount:           toInt(row["retryCount"]),
		RateLimitPerMinute:   toInt(row["rateLimitPerMinute"]),
		IsActive:             row["isActive"] == true,
		HealthStatus:         toStr(row["healthStatus"]),
		TotalExecutions:      int64(toInt(row["totalExecutions"])),
		SuccessfulExecutions: int64(toInt(row["successfulExecutions"])),
		FailedExecutions:     int64(toInt(row["failedExecutions"])),
		AvgResponseTimeMs:    toFloat(row["avgResponseTimeMs"]),
		LastExecutedAt:       toTimePtr(row["lastExecutedAt"]),
		CreatedBy:            toStrPtr(row["createdBy"]),
		UpdatedBy:            toStrPtr(row["updatedBy"]),
		CreatedAt:            toTime(row["createdAt"]),
		UpdatedAt:            toTime(row["updatedAt"]),
	}
	if h := toStr(row["headers"]); h != "" {
		json.Unmarshal([]byte(h), &def.Headers)
	}
	if def.Headers == nil {
		def.Headers = map[string]string{}
	}
	return def
}

func parseAssignment(row map[string]any) *model.Assignment {
	return &model.Assignment{
		ID:              toStr(row["id"]),
		TenantID:        toStrPtr(row["tenantId"]),
		FeatureSlug:     toStr(row["featureSlug"]),
		PagePath:        toStr(row["pagePath"]),
		ElementPosition: toStr(row["elementPosition"]),
		WebhookID:       toStr(row["webhookId"]),
		Priority:        toInt(row["priority"]),
		IsActive:        row["isActive"] == true,
		CreatedBy:       toStrPtr(row["createdBy"]),
		CreatedAt:       toTime(row["createdAt"]),
		UpdatedAt:       toTime(row["updatedAt"]),
	}
}

func parseExecution(row map[string]any) *model.ExecutionRecord {
	return &model.ExecutionRecord{
		ID:               toStr(row["id"]),
		WebhookID:        toStr(row["webhookId"]),
		TenantID:         toStr(row["tenantId"]),
		UserID:           toStrPtr(row["userId"]),
		EventType:        toStr(row["eventType"]),
		FeatureSlug:      toStr(row["featureSlug"]),
		PagePath:         toStr(row["pagePath"]),
		ElementID:        toStr(row["elementId"]),
		Status:           toStr(row["status"]),
		StatusCode:       toInt(row["statusCode"]),
		ResponseTimeMs:   toFloat(row["responseTimeMs"]),
		ErrorType:        toStr(row["errorType"]),
		ErrorMessage:     toStr(row["errorMessage"]),
		ErrorRetryable:   row["errorRetryable"] == true,
		RequestBody:      toStr(row["requestBody"]),
		ResponseBody:     toStr(row["responseBody"]),
		Attempts:         toInt(row["attempts"]),
		NetworkLatencyMs: toFloat(row["networkLatencyMs"]),
		ProcessingTimeMs: toFloat(row["processingTimeMs"]),
		QueueTimeMs:      toFloat(row["queueTimeMs"]),
		StartedAt:        toTime(row["startedAt"]),
		CompletedAt:      toTime(row["completedAt"]),
	}
}

func toStr(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func toStrPtr(v any) *string {
	if v == nil {
		return nil
	}
	s := toStr(v)
	if s == "" {
		return nil
	}
	return &s
}

func toInt(v any) int {
	switch val := v.(type) {
	case int:
		return val
	case int64:
		return int(val)
	case float64:
		return int(val)
	case json.Number:
		n, _ := val.Int64()
		return int(n)
	default:
		return 0
	}
}

func toFloat(v any) float64 {
	switch val := v.(type) {
	case float64:
		return val
	case int64:
		return float64(val)
	case int:
		return float64(val)
	default:
		return 0
	}
}

func toTime(v any) time.Time {
	if t, ok := v.(time.Time); ok {
		return t
	}
	return time.Time{}
}

func toTimePtr(v any) *time.Time {
	if t, ok := v.(time.Time); ok {
		return &t
	}
	return nil
}
