package engine

import (
	"context"
	"math"
	"sort"
	"time"

	"relay-backend/internal/model"
)

// ExecutionReader supplies recorded executions for analytics. Satisfied
// by ExecutionRepo; tests supply fakes.
type ExecutionReader interface {
	ListByWebhook(ctx context.Context, tenantID, webhookID string, from, to time.Time) ([]*model.ExecutionRecord, error)
}

// DefinitionReader supplies a definition's running counters.
type DefinitionReader interface {
	Get(ctx context.Context, tenantID, id string) (*model.WebhookDefinition, error)
}

// MetricsService derives execution analytics and health summaries from
// recorded executions.
type MetricsService struct {
	execs ExecutionReader
	defs  DefinitionReader
}

func NewMetricsService(execs ExecutionReader, defs DefinitionReader) *MetricsService {
	return &MetricsService{execs: execs, defs: defs}
}

// GetExecutionMetrics summarizes executions for a webhook within the
// time range: success rate, percentile latencies, hourly buckets.
func (s *MetricsService) GetExecutionMetrics(ctx context.Context, user *model.UserContext, webhookID string, from, to time.Time) (*model.ExecutionMetrics, error) {
	if _, err := s.defs.Get(ctx, user.TenantID, webhookID); err != nil {
		return nil, FromGatewayError(err)
	}
	records, err := s.execs.ListByWebhook(ctx, user.TenantID, webhookID, from, to)
	if err != nil {
		return nil, FromGatewayError(err)
	}

	m := &model.ExecutionMetrics{WebhookID: webhookID, TotalExecutions: len(records)}
	if len(records) == 0 {
		return m, nil
	}

	var succeeded int
	var totalRT float64
	times := make([]float64, 0, len(records))
	for _, rec := range records {
		if rec.Status == model.ExecStatusSuccess {
			succeeded++
		}
		totalRT += rec.ResponseTimeMs
		times = append(times, rec.ResponseTimeMs)
	}
	sort.Float64s(times)

	m.SuccessRate = float64(succeeded) / float64(len(records))
	m.AvgResponseTimeMs = totalRT / float64(len(records))
	m.P50ResponseTimeMs = percentile(times, 0.50)
	m.P95ResponseTimeMs = percentile(times, 0.95)
	m.P99ResponseTimeMs = percentile(times, 0.99)
	m.HourlyBuckets = bucketByHour(records)
	return m, nil
}

// GetWebhookPerformance derives the 0-100 health score from the
// definition's running counters.
func (s *MetricsService) GetWebhookPerformance(ctx context.Context, user *model.UserContext, webhookID string) (*model.WebhookPerformance, error) {
	def, err := s.defs.Get(ctx, user.TenantID, webhookID)
	if err != nil {
		return nil, FromGatewayError(err)
	}

	perf := &model.WebhookPerformance{
		WebhookID:         def.ID,
		AvgResponseTimeMs: def.AvgResponseTimeMs,
		TotalExecutions:   def.TotalExecutions,
	}
	if def.TotalExecutions > 0 {
		perf.SuccessRate = float64(def.SuccessfulExecutions) / float64(def.TotalExecutions)
	}
	perf.HealthScore = healthScore(def.TotalExecutions, perf.SuccessRate, def.AvgResponseTimeMs)
	perf.Health = healthLabel(perf.HealthScore)
	return perf, nil
}

// healthScore starts at 100 and penalizes low success rates and slow
// average latency. Zero executions score zero.
func healthScore(total int64, successRate, avgResponseMs float64) float64 {
	if total == 0 {
		return 0
	}
	score := 100.0
	if successRate < 0.95 {
		score -= (0.95 - successRate) * 200
	}
	if avgResponseMs > 5000 {
		score -= (avgResponseMs - 5000) / 100
	}
	return math.Max(0, math.Min(100, score))
}

func healthLabel(score float64) string {
	switch {
	case score >= 90:
		return "excellent"
	case score >= 70:
		return "good"
	case score >= 40:
		return "poor"
	default:
		return "critical"
	}
}

// percentile picks sorted[floor(n*p)], clamped to the last element.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Floor(float64(len(sorted)) * p))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// bucketByHour aggregates count, success rate, and average response
// time per hour, oldest first.
func bucketByHour(records []*model.ExecutionRecord) []model.HourlyBucket {
	type agg struct {
		count   int
		succ    int
		totalRT float64
	}
	byHour := map[time.Time]*agg{}
	for _, rec := range records {
		hour := rec.CompletedAt.UTC().Truncate(time.Hour)
		a := byHour[hour]
		if a == nil {
			a = &agg{}
			byHour[hour] = a
		}
		a.count++
		if rec.Status == model.ExecStatusSuccess {
			a.succ++
		}
		a.totalRT += rec.ResponseTimeMs
	}

	hours := make([]time.Time, 0, len(byHour))
	for h := range byHour {
		hours = append(hours, h)
	}
	sort.Slice(hours, func(i, j int) bool { return hours[i].Before(hours[j]) })

	buckets := make([]model.HourlyBucket, 0, len(hours))
	for _, h := range hours {
		a := byHour[h]
		buckets = append(buckets, model.HourlyBucket{
			Hour:              h,
			Count:             a.count,
			SuccessRate:       float64(a.succ) / float64(a.count),
			AvgResponseTimeMs: a.totalRT / float64(a.count),
		})
	}
	return buckets
}
