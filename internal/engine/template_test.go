package engine

import (
	"encoding/json"
	"strings"
	"testing"

	"relay-backend/internal/model"
)

func execRequest() *model.ExecutionRequest {
	return &model.ExecutionRequest{
		FeatureSlug: "ManageFiles",
		PagePath:    "/files",
		ElementID:   "upload-button",
		EventType:   "click",
		Payload:     map[string]any{"fileId": "f-1"},
		UserContext: model.UserContext{UserID: "u1", TenantID: "t1"},
	}
}

func TestRenderPayload_NoTemplateSendsEnvelope(t *testing.T) {
	def := &model.WebhookDefinition{}
	body, err := RenderPayload(def, execRequest())
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if out["event"] != "click" {
		t.Fatalf("expected event=click, got %v", out["event"])
	}
	if out["elementId"] != "upload-button" {
		t.Fatalf("expected elementId in envelope, got %v", out["elementId"])
	}
}

func TestRenderPayload_SubstitutesTokens(t *testing.T) {
	def := &model.WebhookDefinition{
		PayloadTemplate: `{"action":"{{eventType}}","who":"{{userId}}","nested":{"page":"{{pagePath}}"}}`,
	}
	body, err := RenderPayload(def, execRequest())
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if out["action"] != "click" || out["who"] != "u1" {
		t.Fatalf("tokens not substituted: %v", out)
	}
	nested := out["nested"].(map[string]any)
	if nested["page"] != "/files" {
		t.Fatalf("nested token not substituted: %v", nested)
	}
}

func TestRenderPayload_CallerVariablesWin(t *testing.T) {
	req := execRequest()
	req.TemplateVariables = map[string]string{"userId": "override", "orderId": "o-7"}
	def := &model.WebhookDefinition{
		PayloadTemplate: `{"who":"{{userId}}","order":"{{orderId}}"}`,
	}
	body, err := RenderPayload(def, req)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.Contains(string(body), `"who":"override"`) {
		t.Fatalf("caller variable should win over builtin: %s", body)
	}
	if !strings.Contains(string(body), `"order":"o-7"`) {
		t.Fatalf("caller variable missing: %s", body)
	}
}

func TestRenderPayload_UnknownTokenFailsClosed(t *testing.T) {
	def := &model.WebhookDefinition{
		PayloadTemplate: `{"x":"{{doesNotExist}}"}`,
	}
	if _, err := RenderPayload(def, execRequest()); err == nil {
		t.Fatal("unknown token must fail the render, not pass through")
	}
}

func TestRenderPayload_InvalidTemplateJSON(t *testing.T) {
	def := &model.WebhookDefinition{PayloadTemplate: `{"x": `}
	if _, err := RenderPayload(def, execRequest()); err == nil {
		t.Fatal("structurally invalid template must be rejected")
	}
}

func TestRenderPayload_AttachesRawPayload(t *testing.T) {
	def := &model.WebhookDefinition{PayloadTemplate: `{"action":"{{eventType}}"}`}
	body, err := RenderPayload(def, execRequest())
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	var out map[string]any
	json.Unmarshal(body, &out)
	payload, ok := out["payload"].(map[string]any)
	if !ok || payload["fileId"] != "f-1" {
		t.Fatalf("raw payload should ride along: %v", out)
	}
}

func TestSubstituteTokens_NoTokensPassThrough(t *testing.T) {
	out, err := substituteTokens("plain text", map[string]string{})
	if err != nil || out != "plain text" {
		t.Fatalf("expected pass-through, got %q err=%v", out, err)
	}
}

func TestSubstituteTokens_UnterminatedBraceLeftAlone(t *testing.T) {
	out, err := substituteTokens("broken {{token", map[string]string{"token": "v"})
	if err != nil {
		t.Fatalf("unterminated token should not error: %v", err)
	}
	if out != "broken {{token" {
		t.Fatalf("unterminated token should be left as-is, got %q", out)
	}
}
