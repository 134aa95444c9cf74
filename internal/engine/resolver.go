package engine

import (
	"context"
	"errors"
	"log"
	"strings"

	"relay-backend/internal/config"
	"relay-backend/internal/gateway"
	"relay-backend/internal/model"
	"relay-backend/internal/store"
)

// Resolver maps a (tenant, page, position) trigger point to a webhook
// definition. Tenant-scoped assignments win over global ones; for
// configured critical flows a missing assignment is auto-provisioned
// once. A nil result with nil error means "not configured", which
// callers must treat as a normal outcome.
type Resolver struct {
	assignments *AssignmentRepo
	defs        *DefinitionRepo
	critical    map[string]bool // "FeatureSlug:position"
}

func NewResolver(assignments *AssignmentRepo, defs *DefinitionRepo, cfg *config.EngineConfig) *Resolver {
	critical := make(map[string]bool, len(cfg.CriticalFlows))
	for _, f := range cfg.CriticalFlows {
		critical[f] = true
	}
	return &Resolver{assignments: assignments, defs: defs, critical: critical}
}

// Resolve returns the assignment for the trigger point, or nil when
// nothing is configured.
func (r *Resolver) Resolve(ctx context.Context, tenantID, featureSlug, pagePath, position string) (*model.Assignment, error) {
	a, err := r.assignments.FindActive(ctx, tenantID, pagePath, position)
	if err == nil {
		return a, nil
	}
	if !isNotFound(err) {
		return nil, FromGatewayError(err)
	}

	a, err = r.assignments.FindActiveGlobal(ctx, tenantID, pagePath, position)
	if err == nil {
		return a, nil
	}
	if !isNotFound(err) {
		return nil, FromGatewayError(err)
	}

	if r.critical[featureSlug+":"+position] {
		return r.autoProvision(ctx, tenantID, featureSlug, pagePath, position)
	}
	return nil, nil
}

// autoProvision creates a global low-priority assignment for a critical
// flow by picking an active webhook whose name matches the feature.
// Returns nil when no candidate webhook exists.
func (r *Resolver) autoProvision(ctx context.Context, tenantID, featureSlug, pagePath, position string) (*model.Assignment, error) {
	candidates, err := r.defs.FindActiveByName(ctx, tenantID, "%"+featureSlug+"%")
	if err != nil && !isNotFound(err) {
		return nil, FromGatewayError(err)
	}
	var pick *model.WebhookDefinition
	for _, def := range candidates {
		if def.IsActive && matchesName(def.Name, featureSlug) {
			pick = def
			break
		}
	}
	if pick == nil {
		return nil, nil
	}

	a := &model.Assignment{
		ID:              store.GenerateUUID(),
		TenantID:        nil,
		FeatureSlug:     featureSlug,
		PagePath:        pagePath,
		ElementPosition: position,
		WebhookID:       pick.ID,
		Priority:        100,
		IsActive:        true,
	}
	created, err := r.assignments.Create(ctx, tenantID, a)
	if err != nil {
		// Concurrent provisioning races to the same unique slot; the
		// loser re-reads the winner's row.
		ge := gateway.Normalize(err)
		if ge.Code == gateway.CodeConflict {
			existing, rerr := r.assignments.FindActiveGlobal(ctx, tenantID, pagePath, position)
			if rerr == nil {
				return existing, nil
			}
		}
		return nil, FromGatewayError(err)
	}
	log.Printf("INFO: auto-provisioned global assignment %s for critical flow %s:%s -> webhook %s",
		created.ID, featureSlug, position, pick.ID)
	return created, nil
}

// CreateAssignment registers an explicit binding.
func (r *Resolver) CreateAssignment(ctx context.Context, user *model.UserContext, req *model.AssignmentRequest) (*model.Assignment, error) {
	var details []ErrorDetail
	if req.FeatureSlug == "" {
		details = append(details, ErrorDetail{Field: "featureSlug", Rule: "required", Message: "featureSlug is required"})
	}
	if req.PagePath == "" {
		details = append(details, ErrorDetail{Field: "pagePath", Rule: "required", Message: "pagePath is required"})
	}
	if req.ElementPosition == "" {
		details = append(details, ErrorDetail{Field: "elementPosition", Rule: "required", Message: "elementPosition is required"})
	}
	if req.WebhookID == "" {
		details = append(details, ErrorDetail{Field: "webhookId", Rule: "required", Message: "webhookId is required"})
	}
	if len(details) > 0 {
		return nil, ValidationError(details)
	}
	if req.Global && !user.IsAdmin() {
		return nil, ForbiddenError("Only admins can create global assignments")
	}

	// The bound webhook must exist and be visible to the tenant.
	if _, err := r.defs.Get(ctx, user.TenantID, req.WebhookID); err != nil {
		return nil, FromGatewayError(err)
	}

	a := &model.Assignment{
		ID:              store.GenerateUUID(),
		FeatureSlug:     req.FeatureSlug,
		PagePath:        req.PagePath,
		ElementPosition: req.ElementPosition,
		WebhookID:       req.WebhookID,
		Priority:        req.Priority,
		IsActive:        true,
		CreatedBy:       &user.UserID,
	}
	if !req.Global {
		a.TenantID = &user.TenantID
	}
	created, err := r.assignments.Create(ctx, user.TenantID, a)
	if err != nil {
		return nil, FromGatewayError(err)
	}
	return created, nil
}

func (r *Resolver) ListAssignments(ctx context.Context, user *model.UserContext, page gateway.Page) ([]*model.Assignment, error) {
	out, err := r.assignments.List(ctx, user.TenantID, page)
	if err != nil {
		return nil, FromGatewayError(err)
	}
	return out, nil
}

func isNotFound(err error) bool {
	var ge *gateway.Error
	if errors.As(err, &ge) {
		return ge.Code == gateway.CodeNotFound
	}
	return errors.Is(err, store.ErrNotFound)
}

// matchesName is the auto-provisioning name heuristic.
func matchesName(name, featureSlug string) bool {
	return strings.Contains(strings.ToLower(name), strings.ToLower(featureSlug))
}
