package engine

import (
	"context"
	"log"
	"time"

	"relay-backend/internal/model"
)

// WindowIncrementer atomically bumps a one-minute admission bucket and
// returns the post-increment count. Satisfied by WindowRepo.
type WindowIncrementer interface {
	Increment(ctx context.Context, tenantID, webhookID string, windowStart time.Time) (int, error)
}

// RateLimiter admits requests against fixed one-minute buckets keyed
// (tenant, webhook). The counter lives in storage so limits survive
// restarts and are shared across instances. A limiter storage failure
// fails open: the request is admitted and a warning logged, because the
// limiter must never break the caller's business flow.
type RateLimiter struct {
	windows WindowIncrementer
	now     func() time.Time
}

func NewRateLimiter(windows WindowIncrementer) *RateLimiter {
	return &RateLimiter{windows: windows, now: time.Now}
}

// Admit increments the current bucket and compares against the
// definition's per-minute ceiling.
func (l *RateLimiter) Admit(ctx context.Context, tenantID, webhookID string, limitPerMinute int) *model.RateLimitDecision {
	if limitPerMinute <= 0 {
		limitPerMinute = model.MinRateLimit
	}
	windowStart := l.now().UTC().Truncate(time.Minute)
	resetTime := windowStart.Add(time.Minute)

	count, err := l.windows.Increment(ctx, tenantID, webhookID, windowStart)
	if err != nil {
		log.Printf("WARN: rate limiter storage failure for tenant %s webhook %s, failing open: %v",
			tenantID, webhookID, err)
		return &model.RateLimitDecision{Allowed: true, CurrentCount: 0, ResetTime: resetTime}
	}

	return &model.RateLimitDecision{
		Allowed:      count <= limitPerMinute,
		CurrentCount: count,
		ResetTime:    resetTime,
	}
}
