package engine

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeWindows struct {
	counts map[string]int
	err    error
}

func (f *fakeWindows) Increment(ctx context.Context, tenantID, webhookID string, windowStart time.Time) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	key := tenantID + "|" + webhookID + "|" + windowStart.Format(time.RFC3339)
	f.counts[key]++
	return f.counts[key], nil
}

func TestRateLimiter_AdmitsUpToLimit(t *testing.T) {
	windows := &fakeWindows{counts: map[string]int{}}
	limiter := NewRateLimiter(windows)
	limiter.now = func() time.Time { return time.Date(2026, 3, 1, 10, 30, 15, 0, time.UTC) }

	for i := 1; i <= 60; i++ {
		d := limiter.Admit(context.Background(), "t1", "w1", 60)
		if !d.Allowed {
			t.Fatalf("request %d should be allowed, got denied at count %d", i, d.CurrentCount)
		}
	}

	// 61st request in the same bucket is refused.
	d := limiter.Admit(context.Background(), "t1", "w1", 60)
	if d.Allowed {
		t.Fatalf("61st request should be denied, count=%d", d.CurrentCount)
	}
	if d.CurrentCount != 61 {
		t.Fatalf("expected count 61, got %d", d.CurrentCount)
	}

	wantReset := time.Date(2026, 3, 1, 10, 31, 0, 0, time.UTC)
	if !d.ResetTime.Equal(wantReset) {
		t.Fatalf("expected reset at %s, got %s", wantReset, d.ResetTime)
	}
}

func TestRateLimiter_SeparateBucketsPerWebhook(t *testing.T) {
	windows := &fakeWindows{counts: map[string]int{}}
	limiter := NewRateLimiter(windows)
	limiter.now = func() time.Time { return time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC) }

	if d := limiter.Admit(context.Background(), "t1", "w1", 1); !d.Allowed {
		t.Fatal("first request for w1 should be allowed")
	}
	if d := limiter.Admit(context.Background(), "t1", "w1", 1); d.Allowed {
		t.Fatal("second request for w1 should be denied")
	}
	// A different webhook has its own bucket.
	if d := limiter.Admit(context.Background(), "t1", "w2", 1); !d.Allowed {
		t.Fatal("first request for w2 should be allowed")
	}
}

func TestRateLimiter_NewMinuteResetsBucket(t *testing.T) {
	windows := &fakeWindows{counts: map[string]int{}}
	limiter := NewRateLimiter(windows)

	now := time.Date(2026, 3, 1, 10, 30, 59, 0, time.UTC)
	limiter.now = func() time.Time { return now }
	if d := limiter.Admit(context.Background(), "t1", "w1", 1); !d.Allowed {
		t.Fatal("request in first bucket should be allowed")
	}

	now = now.Add(2 * time.Second) // crosses into 10:31
	if d := limiter.Admit(context.Background(), "t1", "w1", 1); !d.Allowed {
		t.Fatal("request in new bucket should be allowed")
	}
}

func TestRateLimiter_FailsOpenOnStorageError(t *testing.T) {
	windows := &fakeWindows{err: errors.New("connection refused")}
	limiter := NewRateLimiter(windows)

	d := limiter.Admit(context.Background(), "t1", "w1", 60)
	if !d.Allowed {
		t.Fatal("limiter storage failure must fail open")
	}
}
