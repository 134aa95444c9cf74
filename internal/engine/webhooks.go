package engine

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"

	"relay-backend/internal/config"
	"relay-backend/internal/gateway"
	"relay-backend/internal/model"
	"relay-backend/internal/store"
)

var validHTTPMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true, "PATCH": true,
}

// WebhookService owns definition CRUD. Numeric fields outside their
// valid ranges are clamped, never rejected; the endpoint URL and HTTP
// method are validated hard.
type WebhookService struct {
	defs *DefinitionRepo
	cfg  *config.EngineConfig
}

func NewWebhookService(defs *DefinitionRepo, cfg *config.EngineConfig) *WebhookService {
	return &WebhookService{defs: defs, cfg: cfg}
}

func (s *WebhookService) Create(ctx context.Context, user *model.UserContext, req *model.WebhookRequest) (*model.WebhookDefinition, error) {
	if details := validateWebhookRequest(req, true); len(details) > 0 {
		return nil, ValidationError(details)
	}

	name := req.DisplayName
	if name == "" {
		name = req.FeatureSlug + " " + req.ElementID
	}
	method := strings.ToUpper(req.HTTPMethod)
	if method == "" {
		method = "POST"
	}

	def := &model.WebhookDefinition{
		ID:                 store.GenerateUUID(),
		TenantID:           &user.TenantID,
		Name:               name,
		FeatureSlug:        req.FeatureSlug,
		PagePath:           req.PagePath,
		ElementID:          req.ElementID,
		ElementType:        req.ElementType,
		EndpointURL:        req.EndpointURL,
		HTTPMethod:         method,
		Headers:            req.Headers,
		PayloadTemplate:    req.PayloadTemplate,
		Condition:          req.Condition,
		Secret:             req.Secret,
		TimeoutSeconds:     clampOrDefault(req.TimeoutSeconds, s.cfg.DefaultTimeoutSeconds, model.MinTimeoutSeconds, model.MaxTimeoutSeconds),
		RetryCount:         clampOrDefault(req.RetryCount, 3, model.MinRetryCount, model.MaxRetryCount),
		RateLimitPerMinute: clampOrDefault(req.RateLimitPerMinute, s.cfg.DefaultRateLimit, model.MinRateLimit, model.MaxRateLimit),
		IsActive:           req.IsActive == nil || *req.IsActive,
		HealthStatus:       model.HealthUnknown,
		CreatedBy:          &user.UserID,
		UpdatedBy:          &user.UserID,
	}
	if def.Headers == nil {
		def.Headers = map[string]string{}
	}

	out, err := s.defs.Create(ctx, user.TenantID, def)
	if err != nil {
		return nil, FromGatewayError(err)
	}
	return out, nil
}

func (s *WebhookService) Get(ctx context.Context, user *model.UserContext, id string) (*model.WebhookDefinition, error) {
	def, err := s.defs.Get(ctx, user.TenantID, id)
	if err != nil {
		return nil, FromGatewayError(err)
	}
	return def, nil
}

func (s *WebhookService) List(ctx context.Context, user *model.UserContext, f gateway.Filter, page gateway.Page) ([]*model.WebhookDefinition, error) {
	defs, err := s.defs.List(ctx, user.TenantID, f, page)
	if err != nil {
		return nil, FromGatewayError(err)
	}
	return defs, nil
}

func (s *WebhookService) Update(ctx context.Context, user *model.UserContext, id string, req *model.WebhookRequest) (*model.WebhookDefinition, error) {
	if details := validateWebhookRequest(req, false); len(details) > 0 {
		return nil, ValidationError(details)
	}

	patch := map[string]any{"updatedBy": user.UserID}
	if req.DisplayName != "" {
		patch["name"] = req.DisplayName
	}
	if req.EndpointURL != "" {
		patch["endpointUrl"] = req.EndpointURL
	}
	if req.HTTPMethod != "" {
		patch["httpMethod"] = strings.ToUpper(req.HTTPMethod)
	}
	if req.PayloadTemplate != "" {
		patch["payloadTemplate"] = req.PayloadTemplate
	}
	if req.Condition != "" {
		patch["condition"] = req.Condition
	}
	if req.Secret != "" {
		patch["secret"] = req.Secret
	}
	if req.Headers != nil {
		patch["headers"] = marshalHeaders(req.Headers)
	}
	if req.TimeoutSeconds != nil {
		patch["timeoutSeconds"] = model.ClampInt(*req.TimeoutSeconds, model.MinTimeoutSeconds, model.MaxTimeoutSeconds)
	}
	if req.RetryCount != nil {
		patch["retryCount"] = model.ClampInt(*req.RetryCount, model.MinRetryCount, model.MaxRetryCount)
	}
	if req.RateLimitPerMinute != nil {
		patch["rateLimitPerMinute"] = model.ClampInt(*req.RateLimitPerMinute, model.MinRateLimit, model.MaxRateLimit)
	}
	if req.IsActive != nil {
		patch["isActive"] = *req.IsActive
	}

	def, err := s.defs.Update(ctx, user.TenantID, id, patch)
	if err != nil {
		return nil, FromGatewayError(err)
	}
	return def, nil
}

func (s *WebhookService) Delete(ctx context.Context, user *model.UserContext, id string) error {
	if err := s.defs.Delete(ctx, user.TenantID, id); err != nil {
		return FromGatewayError(err)
	}
	return nil
}

// validateWebhookRequest collects hard validation failures. For create,
// the URL and trigger point are required; for update only supplied
// fields are checked.
func validateWebhookRequest(req *model.WebhookRequest, create bool) []ErrorDetail {
	var details []ErrorDetail
	if create {
		if req.FeatureSlug == "" {
			details = append(details, ErrorDetail{Field: "featureSlug", Rule: "required", Message: "featureSlug is required"})
		}
		if req.PagePath == "" {
			details = append(details, ErrorDetail{Field: "pagePath", Rule: "required", Message: "pagePath is required"})
		}
		if req.ElementID == "" {
			details = append(details, ErrorDetail{Field: "elementId", Rule: "required", Message: "elementId is required"})
		}
		if req.EndpointURL == "" {
			details = append(details, ErrorDetail{Field: "endpointUrl", Rule: "required", Message: "endpointUrl is required"})
		}
	}
	if req.EndpointURL != "" && !isValidHTTPURL(req.EndpointURL) {
		details = append(details, ErrorDetail{Field: "endpointUrl", Rule: "url", Message: "endpointUrl must be a valid http(s) URL"})
	}
	if req.HTTPMethod != "" && !validHTTPMethods[strings.ToUpper(req.HTTPMethod)] {
		details = append(details, ErrorDetail{Field: "httpMethod", Rule: "enum", Message: "httpMethod must be one of GET, POST, PUT, DELETE, PATCH"})
	}
	return details
}

func isValidHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func clampOrDefault(v *int, def, min, max int) int {
	if v == nil {
		return def
	}
	return model.ClampInt(*v, min, max)
}

func marshalHeaders(h map[string]string) string {
	b, _ := json.Marshal(h)
	return string(b)
}
