package engine

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"relay-backend/internal/config"
	"relay-backend/internal/model"
	"relay-backend/internal/store"
)

const (
	maxBatchSize = 100
	subBatchSize = 10

	maxResponseBytes = 64 * 1024
)

// registry tracks in-flight executions. Admission is refused once the
// ceiling is reached, never queued.
type registry struct {
	mu     sync.Mutex
	active map[string]struct{}
	limit  int
}

func newRegistry(limit int) *registry {
	return &registry{active: make(map[string]struct{}), limit: limit}
}

func (r *registry) acquire(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.active) >= r.limit {
		return false
	}
	r.active[id] = struct{}{}
	return true
}

func (r *registry) release(id string) {
	r.mu.Lock()
	delete(r.active, id)
	r.mu.Unlock()
}

func (r *registry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// AsyncHandle is the poll/subscribe surface of ExecuteAsync.
type AsyncHandle struct {
	ID     string                 `json:"id"`
	Status string                 `json:"status"` // pending, completed
	Result *model.ExecutionResult `json:"result,omitempty"`
	done   chan struct{}
}

// Done returns a channel closed when the execution completes.
func (h *AsyncHandle) Done() <-chan struct{} { return h.done }

// Executor performs outbound dispatches under the concurrency ceiling,
// per-definition timeout, rate limit, and retry policy. Exactly one
// ExecutionRecord is written per dispatch.
type Executor struct {
	cfg       *config.EngineConfig
	resolver  *Resolver
	validator *SecurityValidator
	limiter   *RateLimiter
	defs      *DefinitionRepo
	execs     *ExecutionRepo
	registry  *registry
	client    *http.Client

	backoffBase time.Duration

	handleMu sync.Mutex
	handles  map[string]*AsyncHandle
}

func NewExecutor(cfg *config.EngineConfig, resolver *Resolver, validator *SecurityValidator,
	limiter *RateLimiter, defs *DefinitionRepo, execs *ExecutionRepo) *Executor {
	return &Executor{
		cfg:         cfg,
		resolver:    resolver,
		validator:   validator,
		limiter:     limiter,
		defs:        defs,
		execs:       execs,
		registry:    newRegistry(cfg.MaxConcurrentExecutions),
		client:      &http.Client{},
		backoffBase: time.Duration(cfg.RetryBackoffBaseMs) * time.Millisecond,
		handles:     make(map[string]*AsyncHandle),
	}
}

// Execute dispatches one webhook call synchronously.
func (e *Executor) Execute(ctx context.Context, req *model.ExecutionRequest) (*model.ExecutionResult, error) {
	received := time.Now()

	if details := validateExecutionRequest(req); len(details) > 0 {
		return nil, ValidationError(details)
	}

	execID := store.GenerateUUID()
	if !e.registry.acquire(execID) {
		return nil, ExecutionLimitError(e.cfg.MaxConcurrentExecutions)
	}
	defer e.registry.release(execID)

	def, assignment, err := e.resolveDefinition(ctx, req)
	if err != nil {
		return nil, err
	}
	if def == nil {
		// Not configured. A normal outcome; the triggering action
		// proceeds without a webhook side effect.
		return &model.ExecutionResult{Success: true, Skipped: true}, nil
	}

	warnings, err := e.validator.Validate(ctx, &req.UserContext, assignment, def)
	if err != nil {
		return nil, err
	}
	for _, w := range warnings {
		log.Printf("WARN: webhook %s: %s", def.ID, w)
	}

	decision := e.limiter.Admit(ctx, req.UserContext.TenantID, def.ID, def.RateLimitPerMinute)
	if !decision.Allowed {
		return nil, RateLimitError(decision.ResetTime)
	}

	fire, err := evaluateCondition(def, req)
	if err != nil {
		log.Printf("ERROR: webhook %s condition evaluation: %v", def.ID, err)
		return nil, &AppError{Code: "EXECUTION_ERROR", Status: 422,
			Message: fmt.Sprintf("Condition evaluation failed: %v", err)}
	}
	if !fire {
		return &model.ExecutionResult{Success: true, Skipped: true, WebhookID: def.ID, Warnings: warnings}, nil
	}

	body, err := RenderPayload(def, req)
	if err != nil {
		return nil, &AppError{Code: "EXECUTION_ERROR", Status: 422,
			Message: fmt.Sprintf("Payload template failed: %v", err)}
	}

	queueTime := float64(time.Since(received)) / float64(time.Millisecond)
	result := e.dispatch(ctx, execID, def, req, body, queueTime)
	result.Warnings = warnings
	return result, nil
}

// ExecuteAsync starts the dispatch in the background and returns a
// handle the caller can poll or wait on.
func (e *Executor) ExecuteAsync(req *model.ExecutionRequest) (*AsyncHandle, error) {
	if details := validateExecutionRequest(req); len(details) > 0 {
		return nil, ValidationError(details)
	}
	h := &AsyncHandle{ID: store.GenerateUUID(), Status: "pending", done: make(chan struct{})}
	e.handleMu.Lock()
	e.handles[h.ID] = h
	e.handleMu.Unlock()

	go func() {
		res, err := e.Execute(context.Background(), req)
		if err != nil {
			res = resultFromError(err)
		}
		e.handleMu.Lock()
		h.Result = res
		h.Status = "completed"
		e.handleMu.Unlock()
		close(h.done)
	}()
	return h, nil
}

// Handle returns a previously issued async handle.
func (e *Executor) Handle(id string) (*AsyncHandle, bool) {
	e.handleMu.Lock()
	defer e.handleMu.Unlock()
	h, ok := e.handles[id]
	return h, ok
}

// ExecuteBatch runs up to 100 requests in sub-batches of 10. Items in a
// sub-batch run concurrently; sub-batches run sequentially, bounding
// peak fan-out regardless of batch size.
func (e *Executor) ExecuteBatch(ctx context.Context, reqs []*model.ExecutionRequest) (*model.BatchResult, error) {
	if len(reqs) == 0 {
		return nil, ValidationError([]ErrorDetail{{Field: "requests", Rule: "required", Message: "requests must not be empty"}})
	}
	if len(reqs) > maxBatchSize {
		return nil, ValidationError([]ErrorDetail{{Field: "requests", Rule: "max",
			Message: fmt.Sprintf("batch size %d exceeds maximum %d", len(reqs), maxBatchSize)}})
	}

	start := time.Now()
	results := make([]*model.ExecutionResult, len(reqs))

	for offset := 0; offset < len(reqs); offset += subBatchSize {
		end := offset + subBatchSize
		if end > len(reqs) {
			end = len(reqs)
		}
		var wg sync.WaitGroup
		for i := offset; i < end; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				res, err := e.Execute(ctx, reqs[i])
				if err != nil {
					res = resultFromError(err)
				}
				results[i] = res
			}(i)
		}
		wg.Wait()
	}

	batch := &model.BatchResult{
		Total:           len(reqs),
		Results:         results,
		TotalWallTimeMs: float64(time.Since(start)) / float64(time.Millisecond),
	}
	var totalRT float64
	var dispatched int
	for _, r := range results {
		if r.Success {
			batch.Succeeded++
		} else {
			batch.Failed++
		}
		if !r.Skipped {
			totalRT += r.ResponseTimeMs
			dispatched++
		}
	}
	if dispatched > 0 {
		batch.AvgResponseTimeMs = totalRT / float64(dispatched)
	}
	return batch, nil
}

// RetryFailedExecution rebuilds the request from a stored record and
// re-dispatches it as a new record.
func (e *Executor) RetryFailedExecution(ctx context.Context, user *model.UserContext, executionID string) (*model.ExecutionResult, error) {
	rec, err := e.execs.Get(ctx, user.TenantID, executionID)
	if err != nil {
		return nil, FromGatewayError(err)
	}
	if rec.Status != model.ExecStatusFailure {
		return nil, ValidationError([]ErrorDetail{{Field: "executionId", Rule: "state",
			Message: "Only failed executions can be retried"}})
	}
	req := &model.ExecutionRequest{
		FeatureSlug: rec.FeatureSlug,
		PagePath:    rec.PagePath,
		ElementID:   rec.ElementID,
		EventType:   rec.EventType,
		WebhookID:   rec.WebhookID,
		UserContext: *user,
	}
	return e.Execute(ctx, req)
}

// ActiveExecutions reports the current in-flight count.
func (e *Executor) ActiveExecutions() int { return e.registry.count() }

// resolveDefinition loads the target definition, either directly by id
// or through assignment resolution. A nil definition means "not
// configured".
func (e *Executor) resolveDefinition(ctx context.Context, req *model.ExecutionRequest) (*model.WebhookDefinition, *model.Assignment, error) {
	if req.WebhookID != "" {
		def, err := e.defs.Get(ctx, req.UserContext.TenantID, req.WebhookID)
		if err != nil {
			return nil, nil, FromGatewayError(err)
		}
		if !def.IsActive {
			return nil, nil, ValidationError([]ErrorDetail{{Field: "webhookId", Rule: "state",
				Message: "Webhook is not active"}})
		}
		return def, nil, nil
	}

	assignment, err := e.resolver.Resolve(ctx, req.UserContext.TenantID, req.FeatureSlug, req.PagePath, req.ElementID)
	if err != nil {
		return nil, nil, err
	}
	if assignment == nil {
		return nil, nil, nil
	}
	def, err := e.defs.Get(ctx, req.UserContext.TenantID, assignment.WebhookID)
	if err != nil {
		if isNotFound(err) {
			log.Printf("WARN: assignment %s references missing webhook %s", assignment.ID, assignment.WebhookID)
			return nil, nil, nil
		}
		return nil, nil, FromGatewayError(err)
	}
	if !def.IsActive {
		return nil, nil, nil
	}
	return def, assignment, nil
}

// dispatch performs the HTTP call with the definition's timeout and
// retry budget. All attempts live inside one ExecutionRecord.
func (e *Executor) dispatch(ctx context.Context, execID string, def *model.WebhookDefinition,
	req *model.ExecutionRequest, body []byte, queueTimeMs float64) *model.ExecutionResult {

	started := time.Now()
	timeout := time.Duration(def.TimeoutSeconds) * time.Second

	var (
		attempts   int
		statusCode int
		respBody   string
		latencyMs  float64
		execErr    *model.ExecutionError
	)

	for attempt := 0; attempt <= def.RetryCount; attempt++ {
		attempts = attempt + 1
		attemptStart := time.Now()
		statusCode, respBody, execErr = e.attempt(ctx, def, body, timeout)
		latencyMs = float64(time.Since(attemptStart)) / float64(time.Millisecond)

		if execErr == nil || !execErr.Retryable || attempt == def.RetryCount {
			break
		}
		backoff := e.backoffBase*time.Duration(1<<attempt) +
			time.Duration(rand.Int63n(int64(e.backoffBase)+1))
		log.Printf("WARN: webhook %s attempt %d/%d failed (%s), retrying in %s",
			def.ID, attempts, def.RetryCount+1, execErr.Type, backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			execErr = &model.ExecutionError{Type: model.ErrTypeTimeout, Message: "Dispatch cancelled", Retryable: true}
			attempt = def.RetryCount
		}
	}

	completed := time.Now()
	totalMs := float64(completed.Sub(started)) / float64(time.Millisecond)
	success := execErr == nil

	result := &model.ExecutionResult{
		Success:        success,
		ExecutionID:    execID,
		WebhookID:      def.ID,
		StatusCode:     statusCode,
		ResponseTimeMs: totalMs,
		ResponseBody:   respBody,
		Error:          execErr,
		Metadata: model.ExecutionMetadata{
			Attempts:         attempts,
			NetworkLatencyMs: latencyMs,
			ProcessingTimeMs: totalMs - latencyMs,
			QueueTimeMs:      queueTimeMs,
		},
	}

	e.persistOutcome(def, req, body, result, started, completed)
	return result
}

// attempt performs exactly one HTTP call.
func (e *Executor) attempt(ctx context.Context, def *model.WebhookDefinition, body []byte, timeout time.Duration) (int, string, *model.ExecutionError) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, def.HTTPMethod, def.EndpointURL, bytes.NewReader(body))
	if err != nil {
		return 0, "", &model.ExecutionError{
			Type: model.ErrTypeExecution, Message: fmt.Sprintf("build request: %v", err),
			SuggestedAction: "Check the webhook endpoint URL and method",
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range def.Headers {
		httpReq.Header.Set(k, v)
	}
	if def.Secret != "" {
		httpReq.Header.Set("X-Relay-Signature", signPayload(def.Secret, body))
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded || errors.Is(err, context.DeadlineExceeded) {
			return 0, "", &model.ExecutionError{
				Type: model.ErrTypeTimeout, Message: fmt.Sprintf("Timed out after %s", timeout),
				Retryable: true, SuggestedAction: "Increase timeoutSeconds or speed up the endpoint",
			}
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return 0, "", &model.ExecutionError{
				Type: model.ErrTypeTimeout, Message: err.Error(), Retryable: true,
			}
		}
		return 0, "", &model.ExecutionError{
			Type: model.ErrTypeNetwork, Message: err.Error(), Retryable: true,
			SuggestedAction: "Verify the endpoint is reachable",
		}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp.StatusCode, string(respBody), nil
	}
	return resp.StatusCode, string(respBody), &model.ExecutionError{
		Type:            model.ErrTypeHTTP,
		Message:         fmt.Sprintf("HTTP %d from endpoint", resp.StatusCode),
		Details:         truncate(string(respBody), 512),
		Retryable:       resp.StatusCode >= 500,
		SuggestedAction: "Inspect the endpoint's error response",
	}
}

// persistOutcome writes the ExecutionRecord and folds the outcome into
// the definition's counters. Persistence failures are logged, never
// surfaced: the dispatch outcome stands.
func (e *Executor) persistOutcome(def *model.WebhookDefinition, req *model.ExecutionRequest,
	body []byte, result *model.ExecutionResult, started, completed time.Time) {

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	status := model.ExecStatusSuccess
	if !result.Success {
		status = model.ExecStatusFailure
	}
	rec := &model.ExecutionRecord{
		ID:               result.ExecutionID,
		WebhookID:        def.ID,
		TenantID:         req.UserContext.TenantID,
		EventType:        req.EventType,
		FeatureSlug:      req.FeatureSlug,
		PagePath:         req.PagePath,
		ElementID:        req.ElementID,
		Status:           status,
		StatusCode:       result.StatusCode,
		ResponseTimeMs:   result.ResponseTimeMs,
		RequestBody:      string(body),
		ResponseBody:     truncate(result.ResponseBody, maxResponseBytes),
		Attempts:         result.Metadata.Attempts,
		NetworkLatencyMs: result.Metadata.NetworkLatencyMs,
		ProcessingTimeMs: result.Metadata.ProcessingTimeMs,
		QueueTimeMs:      result.Metadata.QueueTimeMs,
		StartedAt:        started,
		CompletedAt:      completed,
	}
	if req.UserContext.UserID != "" {
		uid := req.UserContext.UserID
		rec.UserID = &uid
	}
	if result.Error != nil {
		rec.ErrorType = result.Error.Type
		rec.ErrorMessage = result.Error.Message
		rec.ErrorRetryable = result.Error.Retryable
	}
	if err := e.execs.Insert(ctx, rec); err != nil {
		log.Printf("ERROR: failed to persist execution record %s for webhook %s: %v", rec.ID, def.ID, err)
	}

	if err := e.defs.RecordExecution(ctx, def.ID, result.Success, result.ResponseTimeMs); err != nil {
		log.Printf("ERROR: failed to update counters for webhook %s: %v", def.ID, err)
		return
	}
	e.refreshHealth(ctx, def, result.Success)
}

// refreshHealth derives the health label from the post-update counters.
func (e *Executor) refreshHealth(ctx context.Context, def *model.WebhookDefinition, success bool) {
	total := def.TotalExecutions + 1
	succ := def.SuccessfulExecutions
	if success {
		succ++
	}
	status := healthStatusFor(total, succ)
	if err := e.defs.UpdateHealthStatus(ctx, def.ID, status); err != nil {
		log.Printf("ERROR: failed to update health status for webhook %s: %v", def.ID, err)
	}
}

// healthStatusFor maps a success ratio onto the definition health label.
func healthStatusFor(total, successful int64) string {
	if total == 0 {
		return model.HealthUnknown
	}
	rate := float64(successful) / float64(total)
	switch {
	case rate >= 0.9:
		return model.HealthHealthy
	case rate >= 0.5:
		return model.HealthDegraded
	default:
		return model.HealthUnhealthy
	}
}

// Compiled condition programs keyed by source. Definitions are re-read
// from storage per request, so the cache has to outlive them.
var conditionCache sync.Map

func compileCondition(cond string) (*vm.Program, error) {
	if cached, ok := conditionCache.Load(cond); ok {
		return cached.(*vm.Program), nil
	}
	prog, err := expr.Compile(cond, expr.AsBool())
	if err != nil {
		return nil, err
	}
	conditionCache.Store(cond, prog)
	return prog, nil
}

// evaluateCondition runs the definition's optional dispatch condition.
// Empty condition always fires.
func evaluateCondition(def *model.WebhookDefinition, req *model.ExecutionRequest) (bool, error) {
	if def.Condition == "" {
		return true, nil
	}
	env := map[string]any{
		"event":   req.EventType,
		"page":    req.PagePath,
		"element": req.ElementID,
		"feature": req.FeatureSlug,
		"payload": req.Payload,
		"user": map[string]any{
			"id":       req.UserContext.UserID,
			"tenantId": req.UserContext.TenantID,
			"role":     req.UserContext.Role,
		},
	}
	prog, err := compileCondition(def.Condition)
	if err != nil {
		return false, fmt.Errorf("compile condition: %w", err)
	}
	out, err := expr.Run(prog, env)
	if err != nil {
		return false, fmt.Errorf("evaluate condition: %w", err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("condition did not return bool")
	}
	return b, nil
}

// signPayload computes the hex HMAC-SHA256 of the body.
func signPayload(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func validateExecutionRequest(req *model.ExecutionRequest) []ErrorDetail {
	var details []ErrorDetail
	if req.FeatureSlug == "" && req.WebhookID == "" {
		details = append(details, ErrorDetail{Field: "featureSlug", Rule: "required", Message: "featureSlug is required"})
	}
	if req.EventType == "" {
		details = append(details, ErrorDetail{Field: "eventType", Rule: "required", Message: "eventType is required"})
	} else if !model.ValidEventTypes[req.EventType] {
		details = append(details, ErrorDetail{Field: "eventType", Rule: "enum",
			Message: fmt.Sprintf("eventType %q is not one of click, submit, trigger, test", req.EventType)})
	}
	if req.UserContext.TenantID == "" {
		details = append(details, ErrorDetail{Field: "userContext.tenantId", Rule: "required", Message: "tenant id is required"})
	}
	return details
}

// resultFromError shapes an admission or dispatch error as a result for
// batch and async surfaces, which never return partial errors.
func resultFromError(err error) *model.ExecutionResult {
	var ae *AppError
	if errors.As(err, &ae) {
		return &model.ExecutionResult{
			Success: false,
			Error: &model.ExecutionError{
				Type:      ae.Code,
				Message:   ae.Message,
				Retryable: ae.Retryable,
			},
		}
	}
	return &model.ExecutionResult{
		Success: false,
		Error:   &model.ExecutionError{Type: model.ErrTypeExecution, Message: err.Error()},
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
