package discovery

import (
	"strings"
	"testing"

	"relay-backend/internal/model"
)

func discovered(elemType, text string, interactive bool) *model.DiscoveredElement {
	return &model.DiscoveredElement{
		ElementID:     "el-1",
		ElementType:   elemType,
		TextContent:   text,
		IsInteractive: interactive,
		Attributes:    map[string]string{},
	}
}

func TestSuggest_SubmitButtonScoresHigh(t *testing.T) {
	el := discovered(model.ElementButton, "Submit order", true)
	suggestions := SuggestWebhookMappings([]*model.DiscoveredElement{el})
	if len(suggestions) != 1 {
		t.Fatalf("expected 1 suggestion, got %d", len(suggestions))
	}
	s := suggestions[0]
	// 0.8 button + 0.3 submit + 0.1 interactable, capped at 1.
	if s.Confidence != 1.0 {
		t.Fatalf("expected capped confidence 1.0, got %v", s.Confidence)
	}
	if s.SuggestedEndpoint != "/submit" || s.SuggestedMethod != "POST" {
		t.Fatalf("unexpected suggestion target: %s %s", s.SuggestedMethod, s.SuggestedEndpoint)
	}
	if s.Priority != "high" {
		t.Fatalf("expected high priority, got %s", s.Priority)
	}
	if len(s.Reasoning) != 3 {
		t.Fatalf("expected 3 reasoning entries, got %v", s.Reasoning)
	}
}

func TestSuggest_BelowThresholdDropped(t *testing.T) {
	// Interactable alone is 0.1, under the 0.3 floor.
	el := discovered(model.ElementSpan, "Focusable", true)
	if got := SuggestWebhookMappings([]*model.DiscoveredElement{el}); len(got) != 0 {
		t.Fatalf("0.1 score must be dropped, got %d suggestions", len(got))
	}
}

func TestSuggest_DeleteTextSwitchesMethod(t *testing.T) {
	el := discovered(model.ElementButton, "Delete account", true)
	suggestions := SuggestWebhookMappings([]*model.DiscoveredElement{el})
	if len(suggestions) != 1 {
		t.Fatalf("expected 1 suggestion, got %d", len(suggestions))
	}
	if suggestions[0].SuggestedMethod != "DELETE" || suggestions[0].SuggestedEndpoint != "/delete" {
		t.Fatalf("delete text should suggest DELETE /delete, got %s %s",
			suggestions[0].SuggestedMethod, suggestions[0].SuggestedEndpoint)
	}
}

func TestSuggest_EndpointKeywords(t *testing.T) {
	cases := map[string]string{
		"Save draft":     "/submit",
		"Remove item":    "/delete",
		"Edit profile":   "/update",
		"Add to cart":    "/create",
		"Open dashboard": "/action",
	}
	for text, want := range cases {
		el := discovered(model.ElementButton, text, true)
		got := SuggestWebhookMappings([]*model.DiscoveredElement{el})
		if len(got) != 1 || got[0].SuggestedEndpoint != want {
			t.Fatalf("%q: expected endpoint %s, got %+v", text, want, got)
		}
	}
}

func TestSuggest_TestIDRaisesConfidence(t *testing.T) {
	plain := discovered(model.ElementForm, "", false)
	tagged := discovered(model.ElementForm, "", false)
	tagged.Attributes = map[string]string{"data-testid": "checkout-form"}

	ps := SuggestWebhookMappings([]*model.DiscoveredElement{plain})
	ts := SuggestWebhookMappings([]*model.DiscoveredElement{tagged})
	if len(ps) != 1 || len(ts) != 1 {
		t.Fatalf("both forms should clear the threshold: %d %d", len(ps), len(ts))
	}
	if ts[0].Confidence <= ps[0].Confidence {
		t.Fatalf("test id must add confidence: %v vs %v", ts[0].Confidence, ps[0].Confidence)
	}
}

func TestSuggest_SortedByConfidenceDescending(t *testing.T) {
	weak := discovered(model.ElementLink, "Help", true)
	weak.ElementID = "weak"
	weak.Attributes = map[string]string{"data-testid": "help-link"}
	strong := discovered(model.ElementButton, "Submit", true)
	strong.ElementID = "strong"

	suggestions := SuggestWebhookMappings([]*model.DiscoveredElement{weak, strong})
	if len(suggestions) != 2 {
		t.Fatalf("expected 2 suggestions, got %d", len(suggestions))
	}
	if suggestions[0].ElementID != "strong" {
		t.Fatalf("highest confidence must come first, got %s", suggestions[0].ElementID)
	}
}

func TestSuggest_TemplateCarriesTokens(t *testing.T) {
	el := discovered(model.ElementButton, "Submit", true)
	el.ElementID = "checkout-btn"
	suggestions := SuggestWebhookMappings([]*model.DiscoveredElement{el})
	tpl := suggestions[0].PayloadTemplate
	for _, token := range []string{"{{eventType}}", "{{pagePath}}", "{{userId}}", "{{timestamp}}", "checkout-btn"} {
		if !strings.Contains(tpl, token) {
			t.Fatalf("template missing %s: %s", token, tpl)
		}
	}
}
