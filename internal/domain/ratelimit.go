package domain

import (
	"context"
	"time"
)

type RateLimitDecision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RetryAfter is the wait until the caller's window resets, padded by a second.
func (d RateLimitDecision) RetryAfter(now time.Time) time.Duration {
	if d.Allowed || !d.ResetAt.After(now) {
		return 0
	}
	return d.ResetAt.Sub(now).Round(time.Second) + time.Second
}

// RateLimiter meters ingestion per tenant and producer.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (RateLimitDecision, error)
}

func IngestRateKey(tenantID, producer string) string {
	if producer == "" {
		producer = "_"
	}
	return "sealog:ingest:" + tenantID + ":" + producer
}
