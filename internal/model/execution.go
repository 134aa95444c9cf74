package model

import "time"

// Event types accepted by the execution engine.
var ValidEventTypes = map[string]bool{
	"click":   true,
	"submit":  true,
	"trigger": true,
	"test":    true,
}

// Execution record status values.
const (
	ExecStatusSuccess = "success"
	ExecStatusFailure = "failure"
)

// Dispatch failure kinds surfaced to callers.
const (
	ErrTypeValidation     = "VALIDATION_ERROR"
	ErrTypeUnauthorized   = "UNAUTHORIZED_ACCESS"
	ErrTypeRateLimited    = "RATE_LIMIT_EXCEEDED"
	ErrTypeExecutionLimit = "EXECUTION_LIMIT_EXCEEDED"
	ErrTypeNetwork        = "NETWORK_ERROR"
	ErrTypeTimeout        = "TIMEOUT"
	ErrTypeHTTP           = "HTTP_ERROR"
	ErrTypeExecution      = "EXECUTION_ERROR"
	ErrTypeNotFound       = "NOT_FOUND"
)

// UserContext identifies the caller: tenant, user, and request metadata.
type UserContext struct {
	UserID    string   `json:"userId"`
	TenantID  string   `json:"tenantId"`
	Roles     []string `json:"roles,omitempty"`
	Role      string   `json:"role,omitempty"`
	UserAgent string   `json:"userAgent,omitempty"`
	IPAddress string   `json:"ipAddress,omitempty"`
	SessionID string   `json:"sessionId,omitempty"`
}

// IsAdmin reports whether the user carries the admin role.
func (u *UserContext) IsAdmin() bool {
	for _, r := range u.Roles {
		if r == "admin" {
			return true
		}
	}
	return false
}

// ExecutionRequest asks the engine to dispatch one webhook call.
type ExecutionRequest struct {
	FeatureSlug       string            `json:"featureSlug"`
	PagePath          string            `json:"pagePath"`
	ElementID         string            `json:"elementId"`
	EventType         string            `json:"eventType"`
	Payload           map[string]any    `json:"payload"`
	UserContext       UserContext       `json:"userContext"`
	TemplateVariables map[string]string `json:"templateVariables,omitempty"`
	WebhookID         string            `json:"webhookId,omitempty"`
}

// ExecutionError is the structured failure attached to a result.
type ExecutionError struct {
	Type            string `json:"type"`
	Message         string `json:"message"`
	Details         string `json:"details,omitempty"`
	Retryable       bool   `json:"retryable"`
	SuggestedAction string `json:"suggestedAction,omitempty"`
}

// ExecutionMetadata carries per-dispatch performance breakdown.
type ExecutionMetadata struct {
	Attempts          int     `json:"attempts"`
	NetworkLatencyMs  float64 `json:"networkLatency"`
	ProcessingTimeMs  float64 `json:"processingTime"`
	QueueTimeMs       float64 `json:"queueTime"`
}

// ExecutionResult is the outcome of one dispatch.
type ExecutionResult struct {
	Success        bool              `json:"success"`
	ExecutionID    string            `json:"executionId"`
	WebhookID      string            `json:"webhookId"`
	StatusCode     int               `json:"statusCode,omitempty"`
	ResponseTimeMs float64           `json:"responseTime"`
	ResponseBody   string            `json:"responseBody,omitempty"`
	Skipped        bool              `json:"skipped,omitempty"`
	Warnings       []string          `json:"warnings,omitempty"`
	Error          *ExecutionError   `json:"error,omitempty"`
	Metadata       ExecutionMetadata `json:"metadata"`
}

// ExecutionRecord is the persisted outcome of one dispatch. Immutable
// after completion; retries within the dispatch are attempts inside it.
type ExecutionRecord struct {
	ID               string     `json:"id"`
	WebhookID        string     `json:"webhookId"`
	TenantID         string     `json:"tenantId"`
	UserID           *string    `json:"userId"`
	EventType        string     `json:"eventType"`
	FeatureSlug      string     `json:"featureSlug"`
	PagePath         string     `json:"pagePath"`
	ElementID        string     `json:"elementId"`
	Status           string     `json:"status"`
	StatusCode       int        `json:"statusCode"`
	ResponseTimeMs   float64    `json:"responseTimeMs"`
	ErrorType        string     `json:"errorType,omitempty"`
	ErrorMessage     string     `json:"errorMessage,omitempty"`
	ErrorRetryable   bool       `json:"errorRetryable"`
	RequestBody      string     `json:"requestBody,omitempty"`
	ResponseBody     string     `json:"responseBody,omitempty"`
	Attempts         int        `json:"attempts"`
	NetworkLatencyMs float64    `json:"networkLatencyMs"`
	ProcessingTimeMs float64    `json:"processingTimeMs"`
	QueueTimeMs      float64    `json:"queueTimeMs"`
	StartedAt        time.Time  `json:"startedAt"`
	CompletedAt      time.Time  `json:"completedAt"`
}

// BatchResult aggregates a batch execution.
type BatchResult struct {
	Total             int                `json:"total"`
	Succeeded         int                `json:"succeeded"`
	Failed            int                `json:"failed"`
	AvgResponseTimeMs float64            `json:"avgResponseTimeMs"`
	TotalWallTimeMs   float64            `json:"totalWallTimeMs"`
	Results           []*ExecutionResult `json:"results"`
}

// RateLimitDecision is the limiter's admission answer.
type RateLimitDecision struct {
	Allowed      bool      `json:"allowed"`
	CurrentCount int       `json:"currentCount"`
	ResetTime    time.Time `json:"resetTime"`
}

// HourlyBucket aggregates executions within one hour.
type HourlyBucket struct {
	Hour              time.Time `json:"hour"`
	Count             int       `json:"count"`
	SuccessRate       float64   `json:"successRate"`
	AvgResponseTimeMs float64   `json:"avgResponseTimeMs"`
}

// ExecutionMetrics summarizes recorded executions over a time range.
type ExecutionMetrics struct {
	WebhookID         string         `json:"webhookId"`
	TotalExecutions   int            `json:"totalExecutions"`
	SuccessRate       float64        `json:"successRate"`
	AvgResponseTimeMs float64        `json:"avgResponseTimeMs"`
	P50ResponseTimeMs float64        `json:"p50ResponseTimeMs"`
	P95ResponseTimeMs float64        `json:"p95ResponseTimeMs"`
	P99ResponseTimeMs float64        `json:"p99ResponseTimeMs"`
	HourlyBuckets     []HourlyBucket `json:"hourlyBuckets"`
}

// WebhookPerformance is the derived 0-100 health summary.
type WebhookPerformance struct {
	WebhookID         string  `json:"webhookId"`
	HealthScore       float64 `json:"healthScore"`
	Health            string  `json:"health"` // excellent, good, poor, critical
	SuccessRate       float64 `json:"successRate"`
	AvgResponseTimeMs float64 `json:"avgResponseTimeMs"`
	TotalExecutions   int64   `json:"totalExecutions"`
}
