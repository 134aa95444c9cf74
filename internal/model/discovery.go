package model

import "time"

// Element type classifications produced by the scanner.
const (
	ElementButton = "button"
	ElementForm   = "form"
	ElementLink   = "link"
	ElementInput  = "input"
	ElementSelect = "select"
	ElementDiv    = "div"
	ElementSpan   = "span"
	ElementOther  = "other"
)

// Discovery session status values.
const (
	SessionActive    = "active"
	SessionCompleted = "completed"
)

// DiscoveredElement is one interactive element found on a page. ElementID
// is derived and stable across re-scans of an unchanged DOM; persisted
// rows are upserted by (fingerprint, selector).
type DiscoveredElement struct {
	ElementID     string            `json:"elementId"`
	TenantID      string            `json:"tenantId"`
	SessionID     string            `json:"sessionId,omitempty"`
	FeatureSlug   string            `json:"featureSlug"`
	PagePath      string            `json:"pagePath"`
	ElementType   string            `json:"elementType"`
	Tag           string            `json:"tag"`
	Selector      string            `json:"selector"`
	DOMPath       string            `json:"domPath"`
	TextContent   string            `json:"textContent"`
	Attributes    map[string]string `json:"attributes"`
	X             int               `json:"x"`
	Y             int               `json:"y"`
	Width         int               `json:"width"`
	Height        int               `json:"height"`
	IsVisible     bool              `json:"isVisible"`
	IsInteractive bool              `json:"isInteractive"`
	Fingerprint   string            `json:"fingerprint"`
	ParentID      string            `json:"parentId,omitempty"`
	ChildIDs      []string          `json:"childIds,omitempty"`
	DiscoveredAt  time.Time         `json:"discoveredAt"`
}

// DiscoverySession tracks one scanning run for a feature scope. Only one
// session per (tenant, scope) may be active at a time.
type DiscoverySession struct {
	ID                 string         `json:"id"`
	TenantID           string         `json:"tenantId"`
	FeatureSlug        string         `json:"featureSlug"`
	Status             string         `json:"status"`
	ElementsDiscovered int            `json:"elementsDiscovered"`
	PagesScanned       int            `json:"pagesScanned"`
	Settings           map[string]any `json:"settings"`
	StartedAt          time.Time      `json:"startedAt"`
	CompletedAt        *time.Time     `json:"completedAt"`
}

// FieldChange is one per-field difference on a modified element.
type FieldChange struct {
	Field string `json:"field"`
	Old   any    `json:"old"`
	New   any    `json:"new"`
}

// ElementChange classifies one element in a scan comparison.
type ElementChange struct {
	Type      string        `json:"type"` // added, removed, modified, unchanged
	ElementID string        `json:"elementId"`
	Fields    []FieldChange `json:"fields,omitempty"`
}

// ElementDiff is the full result of comparing a fresh scan against the
// previously registered element set.
type ElementDiff struct {
	Added     []ElementChange `json:"added"`
	Removed   []ElementChange `json:"removed"`
	Modified  []ElementChange `json:"modified"`
	Unchanged []ElementChange `json:"unchanged"`
}

// WebhookSuggestion is a scored candidate binding for a discovered element.
type WebhookSuggestion struct {
	ElementID         string   `json:"elementId"`
	Confidence        float64  `json:"confidence"`
	SuggestedEndpoint string   `json:"suggestedEndpoint"`
	SuggestedMethod   string   `json:"suggestedMethod"`
	Reasoning         []string `json:"reasoning"`
	PayloadTemplate   string   `json:"payloadTemplate"`
	Priority          string   `json:"priority"` // high or low
}
