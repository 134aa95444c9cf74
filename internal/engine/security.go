package engine

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"strings"

	"relay-backend/internal/model"
)

// MembershipChecker reports whether a user is an active member of a
// tenant. Satisfied by MemberRepo; tests supply fakes.
type MembershipChecker interface {
	IsActiveMember(ctx context.Context, tenantID, userID string) (bool, error)
}

// SecurityValidator enforces the tenant boundary before dispatch.
// Structural violations are hard failures; weak target configuration
// (non-HTTPS, localhost outside development) only produces warnings so
// legitimate low-risk calls proceed.
type SecurityValidator struct {
	members    MembershipChecker
	production bool
}

func NewSecurityValidator(members MembershipChecker, production bool) *SecurityValidator {
	return &SecurityValidator{members: members, production: production}
}

// Validate checks the assignment and caller against the tenant boundary
// and returns configuration warnings for the target URL.
func (v *SecurityValidator) Validate(ctx context.Context, user *model.UserContext, assignment *model.Assignment, def *model.WebhookDefinition) ([]string, error) {
	if assignment != nil && assignment.TenantID != nil && *assignment.TenantID != user.TenantID {
		log.Printf("ERROR: security event: assignment %s tenant %s accessed by tenant %s",
			assignment.ID, *assignment.TenantID, user.TenantID)
		return nil, TenantViolationError("Assignment belongs to a different tenant")
	}
	if def.TenantID != nil && *def.TenantID != user.TenantID {
		log.Printf("ERROR: security event: webhook %s tenant %s accessed by tenant %s",
			def.ID, *def.TenantID, user.TenantID)
		return nil, TenantViolationError("Webhook belongs to a different tenant")
	}

	if user.UserID != "" {
		ok, err := v.members.IsActiveMember(ctx, user.TenantID, user.UserID)
		if err != nil {
			return nil, FromGatewayError(err)
		}
		if !ok {
			log.Printf("ERROR: security event: user %s is not an active member of tenant %s",
				user.UserID, user.TenantID)
			return nil, TenantViolationError("User is not an active member of the tenant")
		}
	}

	return v.inspectTarget(def.EndpointURL), nil
}

// inspectTarget flags weak but permitted target configuration.
func (v *SecurityValidator) inspectTarget(endpoint string) []string {
	var warnings []string
	u, err := url.Parse(endpoint)
	if err != nil {
		return warnings
	}
	if u.Scheme != "https" {
		warnings = append(warnings, fmt.Sprintf("endpoint %s does not use HTTPS", endpoint))
	}
	if v.production && isLocalHost(u.Hostname()) {
		warnings = append(warnings, fmt.Sprintf("endpoint %s targets a local host in production", endpoint))
	}
	return warnings
}

func isLocalHost(host string) bool {
	host = strings.ToLower(host)
	return host == "localhost" || host == "127.0.0.1" || host == "::1" ||
		strings.HasSuffix(host, ".local")
}
