package domain

import "time"

// Tenant is the explicit handle threaded through every core call.
type Tenant struct {
	ID   string
	Slug string

	SignInterval     time.Duration
	BatchSize        int
	DedupWindow      time.Duration
	EncryptAtRest    bool
	CanonicalVersion int
	// TSAPolicy names the rego policy used to filter backends; empty means all enabled backends.
	TSAPolicy string

	Frozen       bool
	FrozenReason string
	FrozenAt     *time.Time
}

const (
	DefaultSignInterval = 60 * time.Second
	DefaultBatchSize    = 100
	DefaultDedupWindow  = 5 * time.Minute
)

func (t Tenant) EffectiveBatchSize() int {
	if t.BatchSize <= 0 {
		return DefaultBatchSize
	}
	return t.BatchSize
}

// EffectiveDedupWindow applies the default to an unset window; a negative window disables
// deduplication.
func (t Tenant) EffectiveDedupWindow() time.Duration {
	switch {
	case t.DedupWindow < 0:
		return 0
	case t.DedupWindow == 0:
		return DefaultDedupWindow
	}
	return t.DedupWindow
}

func (t Tenant) EffectiveSignInterval() time.Duration {
	if t.SignInterval <= 0 {
		return DefaultSignInterval
	}
	return t.SignInterval
}

func (t Tenant) EffectiveCanonicalVersion() int {
	if t.CanonicalVersion == 2 {
		return 2
	}
	return 1
}
