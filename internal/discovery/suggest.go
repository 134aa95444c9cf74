package discovery

import (
	"sort"
	"strings"

	"relay-backend/internal/model"
)

const (
	suggestionThreshold = 0.3
	highPriorityScore   = 0.7
)

// scoringRule is one additive confidence signal. Keeping the heuristic
// as a rule table makes each signal independently testable.
type scoringRule struct {
	weight    float64
	reasoning string
	applies   func(*model.DiscoveredElement) bool
}

var scoringRules = []scoringRule{
	{0.8, "element is a button", func(e *model.DiscoveredElement) bool {
		return e.ElementType == model.ElementButton
	}},
	{0.7, "element is a form", func(e *model.DiscoveredElement) bool {
		return e.ElementType == model.ElementForm
	}},
	{0.3, "text mentions submit", func(e *model.DiscoveredElement) bool {
		return containsFold(e.TextContent, "submit")
	}},
	{0.3, "text mentions save", func(e *model.DiscoveredElement) bool {
		return containsFold(e.TextContent, "save")
	}},
	{0.2, "text mentions delete", func(e *model.DiscoveredElement) bool {
		return containsFold(e.TextContent, "delete")
	}},
	{0.2, "element carries a test identifier", func(e *model.DiscoveredElement) bool {
		for _, attr := range testIDAttrs {
			if e.Attributes[attr] != "" {
				return true
			}
		}
		return false
	}},
	{0.1, "element is interactable", func(e *model.DiscoveredElement) bool {
		return e.IsInteractive
	}},
}

// endpointKeywords maps element text keywords onto the suggested
// REST-style endpoint segment, checked in order.
var endpointKeywords = []struct {
	keywords []string
	endpoint string
}{
	{[]string{"submit", "save"}, "submit"},
	{[]string{"delete", "remove"}, "delete"},
	{[]string{"update", "edit"}, "update"},
	{[]string{"create", "add"}, "create"},
}

// SuggestWebhookMappings scores each element against the rule table and
// returns suggestions above the threshold, highest confidence first.
func SuggestWebhookMappings(elements []*model.DiscoveredElement) []*model.WebhookSuggestion {
	var suggestions []*model.WebhookSuggestion
	for _, el := range elements {
		var confidence float64
		var reasoning []string
		for _, rule := range scoringRules {
			if rule.applies(el) {
				confidence += rule.weight
				reasoning = append(reasoning, rule.reasoning)
			}
		}
		if confidence < suggestionThreshold {
			continue
		}
		if confidence > 1 {
			confidence = 1
		}

		endpoint := inferEndpoint(el.TextContent)
		method := "POST"
		if endpoint == "delete" {
			method = "DELETE"
		}
		priority := "low"
		if confidence >= highPriorityScore {
			priority = "high"
		}

		suggestions = append(suggestions, &model.WebhookSuggestion{
			ElementID:         el.ElementID,
			Confidence:        confidence,
			SuggestedEndpoint: "/" + endpoint,
			SuggestedMethod:   method,
			Reasoning:         reasoning,
			PayloadTemplate:   suggestedTemplate(el),
			Priority:          priority,
		})
	}

	sort.SliceStable(suggestions, func(i, j int) bool {
		return suggestions[i].Confidence > suggestions[j].Confidence
	})
	return suggestions
}

func inferEndpoint(text string) string {
	for _, entry := range endpointKeywords {
		for _, kw := range entry.keywords {
			if containsFold(text, kw) {
				return entry.endpoint
			}
		}
	}
	return "action"
}

func suggestedTemplate(el *model.DiscoveredElement) string {
	return `{"event":"{{eventType}}","element":"` + el.ElementID +
		`","page":"{{pagePath}}","user":"{{userId}}","timestamp":"{{timestamp}}"}`
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), sub)
}
