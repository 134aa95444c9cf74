package discovery

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"relay-backend/internal/config"
	"relay-backend/internal/engine"
	"relay-backend/internal/gateway"
	"relay-backend/internal/model"
	"relay-backend/internal/store"
)

const maxSnapshotBytes = 4 * 1024 * 1024

// Service wires the scanner to element and session persistence. A scan
// takes either an HTML snapshot posted by the UI or, when absent,
// fetches the page from the configured base URL.
type Service struct {
	scanner  *Scanner
	elements *ElementRepo
	sessions *SessionRepo
	baseURL  string
	client   *http.Client
}

func NewService(cfg *config.DiscoveryConfig, elements *ElementRepo, sessions *SessionRepo) *Service {
	return &Service{
		scanner:  NewScanner(cfg),
		elements: elements,
		sessions: sessions,
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		client:   &http.Client{Timeout: 15 * time.Second},
	}
}

// ScanRequest is the input of a page scan.
type ScanRequest struct {
	FeatureSlug string `json:"featureSlug"`
	PagePath    string `json:"pagePath"`
	HTML        string `json:"html,omitempty"`
	SessionID   string `json:"sessionId,omitempty"`
}

// ScanPageElements scans one page and registers the retained elements.
func (s *Service) ScanPageElements(ctx context.Context, user *model.UserContext, req *ScanRequest) ([]*model.DiscoveredElement, error) {
	if req.PagePath == "" {
		return nil, engine.ValidationError([]engine.ErrorDetail{
			{Field: "pagePath", Rule: "required", Message: "pagePath is required"}})
	}

	htmlSrc := req.HTML
	if htmlSrc == "" {
		fetched, err := s.fetchPage(ctx, req.PagePath)
		if err != nil {
			return nil, &engine.AppError{Code: "NETWORK_ERROR", Status: 502,
				Message: fmt.Sprintf("Fetch page %s: %v", req.PagePath, err), Retryable: true}
		}
		htmlSrc = fetched
	}

	elements, err := s.scanner.Scan(user.TenantID, req.FeatureSlug, req.PagePath, htmlSrc)
	if err != nil {
		return nil, engine.ValidationError([]engine.ErrorDetail{
			{Field: "html", Rule: "parse", Message: err.Error()}})
	}
	for _, el := range elements {
		el.SessionID = req.SessionID
	}

	if err := s.elements.UpsertAll(ctx, elements); err != nil {
		return nil, engine.FromGatewayError(err)
	}
	if req.SessionID != "" {
		if err := s.sessions.RecordScan(ctx, user.TenantID, req.SessionID, len(elements)); err != nil {
			log.Printf("ERROR: record scan for session %s: %v", req.SessionID, err)
		}
	}
	return elements, nil
}

// Compare diffs a fresh scan of the page against the registered set.
func (s *Service) Compare(ctx context.Context, user *model.UserContext, req *ScanRequest) (*model.ElementDiff, error) {
	previous, err := s.elements.ListByPage(ctx, user.TenantID, req.PagePath, gateway.Page{Size: 1000})
	if err != nil {
		return nil, engine.FromGatewayError(err)
	}

	htmlSrc := req.HTML
	if htmlSrc == "" {
		fetched, ferr := s.fetchPage(ctx, req.PagePath)
		if ferr != nil {
			return nil, &engine.AppError{Code: "NETWORK_ERROR", Status: 502,
				Message: fmt.Sprintf("Fetch page %s: %v", req.PagePath, ferr), Retryable: true}
		}
		htmlSrc = fetched
	}
	current, err := s.scanner.Scan(user.TenantID, req.FeatureSlug, req.PagePath, htmlSrc)
	if err != nil {
		return nil, engine.ValidationError([]engine.ErrorDetail{
			{Field: "html", Rule: "parse", Message: err.Error()}})
	}
	return CompareElementChanges(previous, current), nil
}

// Elements lists the registered elements for a page.
func (s *Service) Elements(ctx context.Context, user *model.UserContext, pagePath string, page gateway.Page) ([]*model.DiscoveredElement, error) {
	out, err := s.elements.ListByPage(ctx, user.TenantID, pagePath, page)
	if err != nil {
		return nil, engine.FromGatewayError(err)
	}
	return out, nil
}

// StartSession opens a discovery session for a feature scope. A second
// active session for the same scope is refused.
func (s *Service) StartSession(ctx context.Context, user *model.UserContext, featureSlug string, settings map[string]any) (*model.DiscoverySession, error) {
	if featureSlug == "" {
		return nil, engine.ValidationError([]engine.ErrorDetail{
			{Field: "featureSlug", Rule: "required", Message: "featureSlug is required"}})
	}
	session, err := s.sessions.Create(ctx, &model.DiscoverySession{
		ID:          store.GenerateUUID(),
		TenantID:    user.TenantID,
		FeatureSlug: featureSlug,
		Settings:    settings,
	})
	if err != nil {
		ge := gateway.Normalize(err)
		if ge.Code == gateway.CodeConflict {
			return nil, &engine.AppError{Code: "CONFLICT", Status: 409,
				Message: fmt.Sprintf("An active discovery session already exists for %s", featureSlug)}
		}
		return nil, engine.FromGatewayError(err)
	}
	return session, nil
}

func (s *Service) CompleteSession(ctx context.Context, user *model.UserContext, id string) (*model.DiscoverySession, error) {
	session, err := s.sessions.Complete(ctx, user.TenantID, id)
	if err != nil {
		return nil, engine.FromGatewayError(err)
	}
	return session, nil
}

// fetchPage pulls the live page HTML from the configured base URL.
func (s *Service) fetchPage(ctx context.Context, pagePath string) (string, error) {
	if !strings.HasPrefix(pagePath, "/") {
		pagePath = "/" + pagePath
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+pagePath, nil)
	if err != nil {
		return "", err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSnapshotBytes))
	if err != nil {
		return "", err
	}
	return string(body), nil
}
