package ratelimit

import (
	"sync"
	"time"
)

// Outcome is the tri-state admission result. DegradedAllowed is kept
// distinct from Allowed so operators and tests can tell normal operation
// from store-outage fallback.
type Outcome int

const (
	// Allowed means every tier passed and the request was recorded
	Allowed Outcome = iota
	// Denied means a tier rejected the request
	Denied
	// DegradedAllowed means the store was unreachable and the limiter
	// failed open without recording anything
	DegradedAllowed
)

// String returns the outcome name
func (o Outcome) String() string {
	switch o {
	case Allowed:
		return "allowed"
	case Denied:
		return "denied"
	case DegradedAllowed:
		return "degraded_allowed"
	default:
		return "unknown"
	}
}

// Tier names, in evaluation order. The first violated tier names the denial.
const (
	TierUserMinute       = "user_minute"
	TierUserHour         = "user_hour"
	TierUserDay          = "user_day"
	TierGlobalHour       = "global_hour"
	TierUserDailyCost    = "user_daily_cost"
	TierGlobalDailyCost  = "global_daily_cost"
	TierGlobalConcurrent = "global_concurrent"
)

// tierByIndex maps script tier indexes to names
var tierByIndex = map[int64]string{
	1: TierUserMinute,
	2: TierUserHour,
	3: TierUserDay,
	4: TierGlobalHour,
	5: TierUserDailyCost,
	6: TierGlobalDailyCost,
	7: TierGlobalConcurrent,
}

// Decision is the result of an admission check
type Decision struct {
	Outcome Outcome
	// Tier is the violated tier when Outcome is Denied
	Tier string
	// RetryAfter is how long the client should wait before retrying
	RetryAfter time.Duration

	release     func()
	releaseOnce sync.Once
}

// Admitted reports whether the request may proceed
func (d *Decision) Admitted() bool {
	return d.Outcome == Allowed || d.Outcome == DegradedAllowed
}

// Release returns the concurrency slot taken at admission. It is safe to
// call on every exit path; only the first call decrements, and denied or
// degraded decisions make it a no-op.
func (d *Decision) Release() {
	d.releaseOnce.Do(func() {
		if d.release != nil {
			d.release()
		}
	})
}
