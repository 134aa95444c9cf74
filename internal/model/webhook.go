package model

import "time"

// Health status values derived from a definition's running counters.
const (
	HealthUnknown   = "unknown"
	HealthHealthy   = "healthy"
	HealthDegraded  = "degraded"
	HealthUnhealthy = "unhealthy"
)

// Valid ranges for numeric definition fields. Out-of-range values are
// clamped on create/update, not rejected.
const (
	MinTimeoutSeconds = 1
	MaxTimeoutSeconds = 300
	MinRetryCount     = 0
	MaxRetryCount     = 10
	MinRateLimit      = 1
	MaxRateLimit      = 1000
)

// WebhookDefinition is a configured outbound endpoint. TenantID nil means
// the definition is global and visible to every tenant.
type WebhookDefinition struct {
	ID                 string            `json:"id"`
	TenantID           *string           `json:"tenantId"`
	Name               string            `json:"name"`
	FeatureSlug        string            `json:"featureSlug"`
	PagePath           string            `json:"pagePath"`
	ElementID          string            `json:"elementId"`
	ElementType        string            `json:"elementType"`
	EndpointURL        string            `json:"endpointUrl"`
	HTTPMethod         string            `json:"httpMethod"`
	Headers            map[string]string `json:"headers"`
	PayloadTemplate    string            `json:"payloadTemplate"`
	Condition          string            `json:"condition"`
	Secret             string            `json:"-"`
	TimeoutSeconds     int               `json:"timeoutSeconds"`
	RetryCount         int               `json:"retryCount"`
	RateLimitPerMinute int               `json:"rateLimitPerMinute"`
	IsActive           bool              `json:"isActive"`
	HealthStatus       string            `json:"healthStatus"`

	// Running counters, mutated only by the execution engine.
	TotalExecutions       int64      `json:"totalExecutions"`
	SuccessfulExecutions  int64      `json:"successfulExecutions"`
	FailedExecutions      int64      `json:"failedExecutions"`
	AvgResponseTimeMs     float64    `json:"avgResponseTimeMs"`
	LastExecutedAt        *time.Time `json:"lastExecutedAt"`

	CreatedBy *string   `json:"createdBy"`
	UpdatedBy *string   `json:"updatedBy"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// WebhookRequest is the create/update payload. Numeric fields outside
// their valid ranges are clamped server-side.
type WebhookRequest struct {
	FeatureSlug        string            `json:"featureSlug"`
	PagePath           string            `json:"pagePath"`
	ElementID          string            `json:"elementId"`
	ElementType        string            `json:"elementType"`
	DisplayName        string            `json:"displayName"`
	EndpointURL        string            `json:"endpointUrl"`
	HTTPMethod         string            `json:"httpMethod"`
	PayloadTemplate    string            `json:"payloadTemplate"`
	Headers            map[string]string `json:"headers"`
	Condition          string            `json:"condition"`
	Secret             string            `json:"secret"`
	TimeoutSeconds     *int              `json:"timeoutSeconds"`
	RetryCount         *int              `json:"retryCount"`
	RateLimitPerMinute *int              `json:"rateLimitPerMinute"`
	IsActive           *bool             `json:"isActive"`
}

// Assignment binds a (feature, page, position) trigger point to a webhook
// definition, tenant-scoped or global (TenantID nil).
type Assignment struct {
	ID              string    `json:"id"`
	TenantID        *string   `json:"tenantId"`
	FeatureSlug     string    `json:"featureSlug"`
	PagePath        string    `json:"pagePath"`
	ElementPosition string    `json:"elementPosition"`
	WebhookID       string    `json:"webhookId"`
	Priority        int       `json:"priority"`
	IsActive        bool      `json:"isActive"`
	CreatedBy       *string   `json:"createdBy"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// AssignmentRequest creates an explicit assignment.
type AssignmentRequest struct {
	FeatureSlug     string `json:"featureSlug"`
	PagePath        string `json:"pagePath"`
	ElementPosition string `json:"elementPosition"`
	WebhookID       string `json:"webhookId"`
	Priority        int    `json:"priority"`
	Global          bool   `json:"global"`
}

// ClampInt forces v into [min, max].
func ClampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
