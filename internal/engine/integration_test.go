//go:build integration

package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"relay-backend/internal/config"
	"relay-backend/internal/gateway"
	"relay-backend/internal/model"
	"relay-backend/internal/store"
)

func testEngineConfig() *config.EngineConfig {
	return &config.EngineConfig{
		MaxConcurrentExecutions: 50,
		DefaultTimeoutSeconds:   30,
		DefaultRateLimit:        60,
		RetryBackoffBaseMs:      1,
		CriticalFlows:           []string{"ManageFiles:upload-section"},
	}
}

type testEnv struct {
	store    *store.Store
	gw       *gateway.Gateway
	repos    *Repos
	webhooks *WebhookService
	resolver *Resolver
	executor *Executor
	limiter  *RateLimiter
	user     *model.UserContext
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	db, err := store.NewMemory(ctx)
	if err != nil {
		t.Fatalf("open memory store: %v", err)
	}
	t.Cleanup(db.Close)
	if err := db.Bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	gw := gateway.New(db)
	repos := NewRepos(gw)
	cfg := testEngineConfig()

	tenantID := store.GenerateUUID()
	userID := store.GenerateUUID()
	if _, err := gw.Tenant(tenantID).Insert(ctx, "_tenant_members", map[string]any{
		"userId": userID, "role": "member", "active": true,
	}); err != nil {
		t.Fatalf("seed member: %v", err)
	}

	webhooks := NewWebhookService(repos.Definitions, cfg)
	resolver := NewResolver(repos.Assignments, repos.Definitions, cfg)
	validator := NewSecurityValidator(repos.Members, false)
	limiter := NewRateLimiter(repos.Windows)
	executor := NewExecutor(cfg, resolver, validator, limiter, repos.Definitions, repos.Executions)

	return &testEnv{
		store:    db,
		gw:       gw,
		repos:    repos,
		webhooks: webhooks,
		resolver: resolver,
		executor: executor,
		limiter:  limiter,
		user:     &model.UserContext{UserID: userID, TenantID: tenantID, Roles: []string{"admin"}},
	}
}

func (e *testEnv) createWebhook(t *testing.T, req *model.WebhookRequest) *model.WebhookDefinition {
	t.Helper()
	def, err := e.webhooks.Create(context.Background(), e.user, req)
	if err != nil {
		t.Fatalf("create webhook: %v", err)
	}
	return def
}

// Creating a definition with out-of-range numeric fields stores the
// clamped values.
func TestCreateWebhook_ClampsOutOfRangeFields(t *testing.T) {
	env := newTestEnv(t)
	def := env.createWebhook(t, &model.WebhookRequest{
		FeatureSlug:        "ManageFiles",
		PagePath:           "/files",
		ElementID:          "upload-button",
		EndpointURL:        "https://hooks.example.com/upload",
		TimeoutSeconds:     intPtr(500),
		RetryCount:         intPtr(99),
		RateLimitPerMinute: intPtr(0),
	})

	if def.TimeoutSeconds != 300 {
		t.Fatalf("timeoutSeconds=500 should store 300, got %d", def.TimeoutSeconds)
	}
	if def.RetryCount != 10 {
		t.Fatalf("retryCount=99 should store 10, got %d", def.RetryCount)
	}
	if def.RateLimitPerMinute != 1 {
		t.Fatalf("rateLimitPerMinute=0 should store 1, got %d", def.RateLimitPerMinute)
	}

	// The stored row reads back clamped too.
	got, err := env.repos.Definitions.Get(context.Background(), env.user.TenantID, def.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.TimeoutSeconds != 300 {
		t.Fatalf("stored timeoutSeconds should be 300, got %d", got.TimeoutSeconds)
	}
}

// The 61st admission in one minute bucket is refused with a reset time
// one minute after the bucket start.
func TestRateLimiter_61stRequestDenied(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	webhookID := store.GenerateUUID()

	var last *model.RateLimitDecision
	for i := 0; i < 61; i++ {
		last = env.limiter.Admit(ctx, env.user.TenantID, webhookID, 60)
	}
	if last.Allowed {
		t.Fatalf("61st request must be denied, count=%d", last.CurrentCount)
	}
	if last.CurrentCount != 61 {
		t.Fatalf("expected count 61, got %d", last.CurrentCount)
	}
	if !last.ResetTime.After(time.Now()) {
		t.Fatalf("reset time should be in the future, got %s", last.ResetTime)
	}
}

// Concurrent admissions against one (tenant, webhook) bucket never lose
// an increment and never admit beyond the limit. Atomicity lives in the
// single upsert-increment statement, so this drives it from many
// goroutines at once.
func TestRateLimiter_ConcurrentAdmissions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	webhookID := store.GenerateUUID()

	const calls = 100
	const limit = 60
	windowTime := time.Date(2026, 3, 1, 10, 0, 30, 0, time.UTC)
	env.limiter.now = func() time.Time { return windowTime }

	var allowed int64
	var wg sync.WaitGroup
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if env.limiter.Admit(ctx, env.user.TenantID, webhookID, limit).Allowed {
				atomic.AddInt64(&allowed, 1)
			}
		}()
	}
	wg.Wait()

	if allowed != limit {
		t.Fatalf("expected exactly %d admissions, got %d", limit, allowed)
	}

	var count int
	err := env.store.DB.QueryRowContext(ctx,
		"SELECT request_count FROM _rate_limit_windows WHERE tenant_id = ?1 AND webhook_id = ?2",
		env.user.TenantID, webhookID).Scan(&count)
	if err != nil {
		t.Fatalf("read window: %v", err)
	}
	if count != calls {
		t.Fatalf("window must count every call, got %d of %d", count, calls)
	}
}

// Resolving a critical flow with no assignment auto-provisions a global
// one; resolution is idempotent afterwards.
func TestResolver_AutoProvisionsCriticalFlow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.createWebhook(t, &model.WebhookRequest{
		FeatureSlug: "ManageFiles",
		PagePath:    "/files",
		ElementID:   "upload-section",
		EndpointURL: "https://hooks.example.com/upload",
	})

	a, err := env.resolver.Resolve(ctx, env.user.TenantID, "ManageFiles", "/files", "upload-section")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if a == nil {
		t.Fatal("critical flow should auto-provision an assignment")
	}
	if a.TenantID != nil {
		t.Fatal("auto-provisioned assignment should be global")
	}

	again, err := env.resolver.Resolve(ctx, env.user.TenantID, "ManageFiles", "/files", "upload-section")
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if again == nil || again.WebhookID != a.WebhookID {
		t.Fatalf("resolution should be idempotent: first=%+v second=%+v", a, again)
	}
}

// A non-critical flow with nothing configured resolves to nil, nil.
func TestResolver_NotConfiguredIsNormal(t *testing.T) {
	env := newTestEnv(t)
	a, err := env.resolver.Resolve(context.Background(), env.user.TenantID, "Chat", "/chat", "send-button")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if a != nil {
		t.Fatalf("expected nil assignment, got %+v", a)
	}
}

// An invalid event type fails before admission: no execution record and
// no rate-limit bucket increment.
func TestExecute_InvalidEventTypeLeavesNoTrace(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	def := env.createWebhook(t, &model.WebhookRequest{
		FeatureSlug: "ManageFiles",
		PagePath:    "/files",
		ElementID:   "upload-button",
		EndpointURL: "https://hooks.example.com/upload",
	})

	_, err := env.executor.Execute(ctx, &model.ExecutionRequest{
		WebhookID:   def.ID,
		EventType:   "unknown",
		UserContext: *env.user,
	})
	if err == nil {
		t.Fatal("expected VALIDATION_ERROR")
	}
	appErr, ok := err.(*AppError)
	if !ok || appErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %v", err)
	}

	records, err := env.repos.Executions.List(ctx, env.user.TenantID, nil, gateway.Page{})
	if err != nil {
		t.Fatalf("list executions: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected zero execution records, got %d", len(records))
	}

	var windows int
	if err := env.store.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM _rate_limit_windows").Scan(&windows); err != nil {
		t.Fatalf("count windows: %v", err)
	}
	if windows != 0 {
		t.Fatalf("expected zero rate-limit windows, got %d", windows)
	}
}

// A successful dispatch writes exactly one record and updates the
// definition counters.
func TestExecute_SuccessPersistsOneRecord(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("expected JSON content type, got %s", r.Header.Get("Content-Type"))
		}
		w.WriteHeader(200)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer target.Close()

	def := env.createWebhook(t, &model.WebhookRequest{
		FeatureSlug: "ManageFiles",
		PagePath:    "/files",
		ElementID:   "upload-button",
		EndpointURL: target.URL,
	})

	result, err := env.executor.Execute(ctx, &model.ExecutionRequest{
		WebhookID:   def.ID,
		EventType:   "click",
		Payload:     map[string]any{"fileId": "f-1"},
		UserContext: *env.user,
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !result.Success || result.StatusCode != 200 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.Metadata.Attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", result.Metadata.Attempts)
	}

	records, err := env.repos.Executions.List(ctx, env.user.TenantID, nil, gateway.Page{})
	if err != nil {
		t.Fatalf("list executions: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected exactly one record, got %d", len(records))
	}
	if records[0].Status != model.ExecStatusSuccess {
		t.Fatalf("expected success record, got %s", records[0].Status)
	}

	got, err := env.repos.Definitions.Get(ctx, env.user.TenantID, def.ID)
	if err != nil {
		t.Fatalf("get definition: %v", err)
	}
	if got.TotalExecutions != 1 || got.SuccessfulExecutions != 1 {
		t.Fatalf("counters not updated: total=%d success=%d", got.TotalExecutions, got.SuccessfulExecutions)
	}
	if got.HealthStatus != model.HealthHealthy {
		t.Fatalf("expected healthy status, got %s", got.HealthStatus)
	}
}

// A failing endpoint exhausts the retry budget inside one record.
func TestExecute_RetriesStayInOneRecord(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var hits int
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(500)
	}))
	defer target.Close()

	def := env.createWebhook(t, &model.WebhookRequest{
		FeatureSlug: "ManageFiles",
		PagePath:    "/files",
		ElementID:   "upload-button",
		EndpointURL: target.URL,
		RetryCount:  intPtr(2),
	})

	result, err := env.executor.Execute(ctx, &model.ExecutionRequest{
		WebhookID:   def.ID,
		EventType:   "click",
		UserContext: *env.user,
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Success {
		t.Fatal("expected failure result")
	}
	if result.Error == nil || result.Error.Type != model.ErrTypeHTTP {
		t.Fatalf("expected HTTP_ERROR, got %+v", result.Error)
	}
	if hits != 3 {
		t.Fatalf("expected 3 attempts (1 + 2 retries), got %d", hits)
	}

	records, _ := env.repos.Executions.List(ctx, env.user.TenantID, nil, gateway.Page{})
	if len(records) != 1 {
		t.Fatalf("all attempts must live in one record, got %d records", len(records))
	}
	if records[0].Attempts != 3 {
		t.Fatalf("record should carry 3 attempts, got %d", records[0].Attempts)
	}
}

// A 4xx response is not retried.
func TestExecute_ClientErrorNotRetried(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var hits int
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(400)
	}))
	defer target.Close()

	def := env.createWebhook(t, &model.WebhookRequest{
		FeatureSlug: "ManageFiles",
		PagePath:    "/files",
		ElementID:   "upload-button",
		EndpointURL: target.URL,
		RetryCount:  intPtr(5),
	})

	result, err := env.executor.Execute(ctx, &model.ExecutionRequest{
		WebhookID:   def.ID,
		EventType:   "click",
		UserContext: *env.user,
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Success {
		t.Fatal("expected failure result")
	}
	if hits != 1 {
		t.Fatalf("4xx must not be retried, got %d attempts", hits)
	}
	if result.Error.Retryable {
		t.Fatal("4xx error must not be marked retryable")
	}
}

// The signature header is present when the definition has a secret.
func TestExecute_SignsPayloadWithSecret(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var gotSig string
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Relay-Signature")
		w.WriteHeader(200)
	}))
	defer target.Close()

	def := env.createWebhook(t, &model.WebhookRequest{
		FeatureSlug: "ManageFiles",
		PagePath:    "/files",
		ElementID:   "upload-button",
		EndpointURL: target.URL,
		Secret:      "s3cret",
	})

	if _, err := env.executor.Execute(ctx, &model.ExecutionRequest{
		WebhookID:   def.ID,
		EventType:   "click",
		UserContext: *env.user,
	}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if gotSig == "" {
		t.Fatal("expected X-Relay-Signature header")
	}
}

// A false condition skips the dispatch and writes no record.
func TestExecute_ConditionFalseSkips(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("endpoint must not be called when the condition is false")
	}))
	defer target.Close()

	def := env.createWebhook(t, &model.WebhookRequest{
		FeatureSlug: "ManageFiles",
		PagePath:    "/files",
		ElementID:   "upload-button",
		EndpointURL: target.URL,
		Condition:   `event == "submit"`,
	})

	result, err := env.executor.Execute(ctx, &model.ExecutionRequest{
		WebhookID:   def.ID,
		EventType:   "click",
		UserContext: *env.user,
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !result.Skipped {
		t.Fatal("expected skipped result")
	}

	records, _ := env.repos.Executions.List(ctx, env.user.TenantID, nil, gateway.Page{})
	if len(records) != 0 {
		t.Fatalf("skipped dispatch must not write a record, got %d", len(records))
	}
}

// Batch execution bounds fan-out and aggregates per-item outcomes.
func TestExecuteBatch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
	}))
	defer target.Close()

	def := env.createWebhook(t, &model.WebhookRequest{
		FeatureSlug: "ManageFiles",
		PagePath:    "/files",
		ElementID:   "upload-button",
		EndpointURL: target.URL,
	})

	reqs := make([]*model.ExecutionRequest, 25)
	for i := range reqs {
		reqs[i] = &model.ExecutionRequest{
			WebhookID:   def.ID,
			EventType:   "click",
			UserContext: *env.user,
		}
	}
	batch, err := env.executor.ExecuteBatch(ctx, reqs)
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if batch.Total != 25 || batch.Succeeded != 25 || batch.Failed != 0 {
		t.Fatalf("unexpected batch stats: %+v", batch)
	}

	over := make([]*model.ExecutionRequest, 101)
	for i := range over {
		over[i] = reqs[0]
	}
	if _, err := env.executor.ExecuteBatch(ctx, over); err == nil {
		t.Fatal("batch over 100 must be rejected")
	}
}

// Cross-tenant webhook access is refused, never silently filtered.
func TestExecute_CrossTenantWebhookRefused(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	def := env.createWebhook(t, &model.WebhookRequest{
		FeatureSlug: "ManageFiles",
		PagePath:    "/files",
		ElementID:   "upload-button",
		EndpointURL: "https://hooks.example.com/upload",
	})

	intruder := &model.UserContext{TenantID: store.GenerateUUID()}
	_, err := env.executor.Execute(ctx, &model.ExecutionRequest{
		WebhookID:   def.ID,
		EventType:   "click",
		UserContext: *intruder,
	})
	if err == nil {
		t.Fatal("cross-tenant access must fail")
	}
	appErr, ok := err.(*AppError)
	if !ok || appErr.Code != "NOT_FOUND" && appErr.Code != "UNAUTHORIZED_ACCESS" {
		t.Fatalf("expected NOT_FOUND or UNAUTHORIZED_ACCESS, got %v", err)
	}
}
