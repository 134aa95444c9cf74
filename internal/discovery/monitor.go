package discovery

import (
	"context"
	"log"
	"sync"
	"time"

	"relay-backend/internal/config"
	"relay-backend/internal/model"
	"relay-backend/internal/store"
)

// Monitor watches one page for structural changes by re-scanning on an
// interval and diffing against the registered set. Change handling is
// deferred to the ticker, never synchronous with a scan. Stop is
// idempotent and safe from any state.
type Monitor struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenantId"`
	FeatureSlug string `json:"featureSlug"`
	PagePath    string `json:"pagePath"`
	AutoApprove bool   `json:"autoApprove"`

	service  *Service
	interval time.Duration
	stopOnce sync.Once
	done     chan struct{}
}

// Stop cancels the watcher.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.done) })
}

func (m *Monitor) run() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			log.Printf("Discovery monitor %s stopped", m.ID)
			return
		case <-ticker.C:
			m.poll()
		}
	}
}

func (m *Monitor) poll() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	user := &model.UserContext{TenantID: m.TenantID}
	req := &ScanRequest{FeatureSlug: m.FeatureSlug, PagePath: m.PagePath}

	diff, err := m.service.Compare(ctx, user, req)
	if err != nil {
		log.Printf("WARN: discovery monitor %s poll failed: %v", m.ID, err)
		return
	}
	if len(diff.Added)+len(diff.Removed)+len(diff.Modified) == 0 {
		return
	}
	log.Printf("Discovery monitor %s: %d added, %d removed, %d modified on %s",
		m.ID, len(diff.Added), len(diff.Removed), len(diff.Modified), m.PagePath)

	if m.AutoApprove && len(diff.Added) > 0 {
		// New interactable elements register through the same path as a
		// manual scan.
		if _, err := m.service.ScanPageElements(ctx, user, req); err != nil {
			log.Printf("ERROR: discovery monitor %s auto-approve scan failed: %v", m.ID, err)
		}
	}
}

// MonitorManager owns the active watchers for this process.
type MonitorManager struct {
	service  *Service
	interval time.Duration

	mu       sync.Mutex
	monitors map[string]*Monitor
}

func NewMonitorManager(service *Service, cfg *config.DiscoveryConfig) *MonitorManager {
	return &MonitorManager{
		service:  service,
		interval: time.Duration(cfg.MonitorIntervalSec) * time.Second,
		monitors: make(map[string]*Monitor),
	}
}

// Start launches a watcher for the page and returns it.
func (mm *MonitorManager) Start(tenantID, featureSlug, pagePath string, autoApprove bool) *Monitor {
	m := &Monitor{
		ID:          store.GenerateUUID(),
		TenantID:    tenantID,
		FeatureSlug: featureSlug,
		PagePath:    pagePath,
		AutoApprove: autoApprove,
		service:     mm.service,
		interval:    mm.interval,
		done:        make(chan struct{}),
	}
	mm.mu.Lock()
	mm.monitors[m.ID] = m
	mm.mu.Unlock()

	go m.run()
	log.Printf("Discovery monitor %s started for %s (%s interval)", m.ID, pagePath, mm.interval)
	return m
}

// Stop cancels and removes a watcher. Unknown ids report false.
func (mm *MonitorManager) Stop(tenantID, id string) bool {
	mm.mu.Lock()
	m, ok := mm.monitors[id]
	if ok && m.TenantID == tenantID {
		delete(mm.monitors, id)
	} else {
		ok = false
	}
	mm.mu.Unlock()
	if ok {
		m.Stop()
	}
	return ok
}

// StopAll cancels every watcher, used at shutdown.
func (mm *MonitorManager) StopAll() {
	mm.mu.Lock()
	monitors := make([]*Monitor, 0, len(mm.monitors))
	for _, m := range mm.monitors {
		monitors = append(monitors, m)
	}
	mm.monitors = make(map[string]*Monitor)
	mm.mu.Unlock()
	for _, m := range monitors {
		m.Stop()
	}
}
