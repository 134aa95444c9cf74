package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"relay-backend/internal/config"
	"relay-backend/internal/store"
)

// MaintenanceScheduler reclaims expired rate-limit windows and closes
// stale discovery sessions on a background interval.
type MaintenanceScheduler struct {
	store    *store.Store
	windows  *WindowRepo
	interval time.Duration
	// windows older than this are reclaimed
	retention time.Duration
	// active discovery sessions idle beyond this are completed
	sessionTTL time.Duration

	ticker *time.Ticker
	done   chan struct{}
}

func NewMaintenanceScheduler(s *store.Store, windows *WindowRepo, cfg *config.Config) *MaintenanceScheduler {
	return &MaintenanceScheduler{
		store:      s,
		windows:    windows,
		interval:   time.Duration(cfg.Engine.MaintenanceIntervalSec) * time.Second,
		retention:  time.Duration(cfg.Engine.WindowRetentionMinutes) * time.Minute,
		sessionTTL: time.Duration(cfg.Discovery.SessionTTLMinutes) * time.Minute,
	}
}

// Start begins the background ticker.
func (ms *MaintenanceScheduler) Start() {
	ms.ticker = time.NewTicker(ms.interval)
	ms.done = make(chan struct{})
	go ms.run()
	log.Printf("Maintenance scheduler started (%s interval)", ms.interval)
}

// Stop halts the background ticker.
func (ms *MaintenanceScheduler) Stop() {
	if ms.ticker != nil {
		ms.ticker.Stop()
	}
	if ms.done != nil {
		close(ms.done)
	}
}

func (ms *MaintenanceScheduler) run() {
	for {
		select {
		case <-ms.done:
			return
		case <-ms.ticker.C:
			ms.sweep()
		}
	}
}

func (ms *MaintenanceScheduler) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if n, err := ms.windows.PurgeBefore(ctx, time.Now().Add(-ms.retention)); err != nil {
		log.Printf("ERROR: rate-limit window purge failed: %v", err)
	} else if n > 0 {
		log.Printf("Purged %d expired rate-limit windows", n)
	}

	ms.completeStaleSessions(ctx)
}

// completeStaleSessions closes active discovery sessions that have not
// started within the TTL.
func (ms *MaintenanceScheduler) completeStaleSessions(ctx context.Context) {
	pb := ms.store.Dialect.NewParamBuilder()
	cutoff := time.Now().Add(-ms.sessionTTL).UTC()
	sqlStr := fmt.Sprintf(`UPDATE _discovery_sessions
	 SET status = 'completed', completed_at = %s
	 WHERE status = 'active' AND started_at < %s`,
		ms.store.Dialect.NowExpr(), pb.Add(cutoff))
	n, err := store.Exec(ctx, ms.store.DB, sqlStr, pb.Params()...)
	if err != nil {
		log.Printf("ERROR: stale discovery session sweep failed: %v", err)
		return
	}
	if n > 0 {
		log.Printf("Completed %d stale discovery sessions", n)
	}
}
