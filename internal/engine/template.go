package engine

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"relay-backend/internal/model"
)

// RenderPayload builds the outbound JSON body. With no template the
// event envelope is sent as-is. A template must be structurally valid
// JSON; every {{token}} in its string values is substituted from the
// variable map, failing closed on unknown tokens so a half-substituted
// body never reaches the target.
func RenderPayload(def *model.WebhookDefinition, req *model.ExecutionRequest) ([]byte, error) {
	vars := builtinVariables(req)
	for k, v := range req.TemplateVariables {
		vars[k] = v
	}

	if def.PayloadTemplate == "" {
		return json.Marshal(defaultEnvelope(req))
	}
	if !gjson.Valid(def.PayloadTemplate) {
		return nil, fmt.Errorf("payload template is not valid JSON")
	}

	rendered := def.PayloadTemplate
	var walkErr error
	gjson.Parse(def.PayloadTemplate).ForEach(func(key, value gjson.Result) bool {
		walkErr = substituteValue(&rendered, key.String(), value, vars)
		return walkErr == nil
	})
	if walkErr != nil {
		return nil, walkErr
	}

	// The raw event payload rides along under a fixed key so templates
	// never need to enumerate it.
	if req.Payload != nil {
		var err error
		rendered, err = sjson.Set(rendered, "payload", req.Payload)
		if err != nil {
			return nil, fmt.Errorf("attach payload: %w", err)
		}
	}
	return []byte(rendered), nil
}

func substituteValue(doc *string, path string, value gjson.Result, vars map[string]string) error {
	switch {
	case value.IsObject() || value.IsArray():
		var walkErr error
		value.ForEach(func(key, child gjson.Result) bool {
			childPath := path + "." + key.String()
			if value.IsArray() {
				childPath = fmt.Sprintf("%s.%d", path, int(key.Int()))
			}
			walkErr = substituteValue(doc, childPath, child, vars)
			return walkErr == nil
		})
		return walkErr
	case value.Type == gjson.String:
		out, err := substituteTokens(value.String(), vars)
		if err != nil {
			return err
		}
		if out != value.String() {
			updated, serr := sjson.Set(*doc, path, out)
			if serr != nil {
				return fmt.Errorf("substitute %s: %w", path, serr)
			}
			*doc = updated
		}
		return nil
	default:
		return nil
	}
}

// substituteTokens replaces every {{name}} in s with its variable value.
// Token scan only, no regex. Unknown tokens are an error.
func substituteTokens(s string, vars map[string]string) (string, error) {
	var b strings.Builder
	for {
		start := strings.Index(s, "{{")
		if start == -1 {
			b.WriteString(s)
			return b.String(), nil
		}
		end := strings.Index(s[start:], "}}")
		if end == -1 {
			b.WriteString(s)
			return b.String(), nil
		}
		end += start
		name := strings.TrimSpace(s[start+2 : end])
		val, ok := vars[name]
		if !ok {
			return "", fmt.Errorf("unknown template token: %s", name)
		}
		b.WriteString(s[:start])
		b.WriteString(val)
		s = s[end+2:]
	}
}

// builtinVariables are always available to templates.
func builtinVariables(req *model.ExecutionRequest) map[string]string {
	return map[string]string{
		"featureSlug": req.FeatureSlug,
		"pagePath":    req.PagePath,
		"elementId":   req.ElementID,
		"eventType":   req.EventType,
		"userId":      req.UserContext.UserID,
		"tenantId":    req.UserContext.TenantID,
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
	}
}

func defaultEnvelope(req *model.ExecutionRequest) map[string]any {
	return map[string]any{
		"event":       req.EventType,
		"featureSlug": req.FeatureSlug,
		"pagePath":    req.PagePath,
		"elementId":   req.ElementID,
		"payload":     req.Payload,
		"user": map[string]any{
			"id":       req.UserContext.UserID,
			"tenantId": req.UserContext.TenantID,
		},
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
}
