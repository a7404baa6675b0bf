// Package ratelimit implements sliding-window admission control over the
// shared store: per-subject and global request windows, calendar-day cost
// ledgers, and a global concurrency slot. Evaluation and recording happen
// in a single Lua script, and the limiter fails open when the store is
// unreachable.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/answerstack/raggate/pkg/observability"
	"github.com/answerstack/raggate/pkg/store"
)

// ErrEmptySubject is returned when admit is called without a subject
var ErrEmptySubject = errors.New("rate limit subject must not be empty")

// Limiter is the admission controller. Safe for concurrent use; all state
// lives in the shared store so correctness holds across instances.
type Limiter struct {
	store   *store.ResilientClient
	config  Config
	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewLimiter creates a limiter over the shared store
func NewLimiter(st *store.ResilientClient, config Config, logger observability.Logger, metrics observability.MetricsClient) (*Limiter, error) {
	if st == nil {
		return nil, fmt.Errorf("store client is required")
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "rl"
	}
	if config.SlotTTL <= 0 {
		config.SlotTTL = 2 * time.Minute
	}

	return &Limiter{
		store:   st,
		config:  config,
		logger:  logger,
		metrics: metrics,
	}, nil
}

// Admit evaluates every tier for subject and, if all pass, records the
// request and takes a concurrency slot, all in one atomic step. costHint is an
// optional estimate in USD checked against the remaining daily budget;
// actual spend is settled later via RecordCost.
//
// When the store is unreachable the limiter fails open: the decision is
// DegradedAllowed, nothing is recorded, and Release is a no-op.
func (l *Limiter) Admit(ctx context.Context, subject string, costHint float64) (*Decision, error) {
	if subject == "" {
		return nil, ErrEmptySubject
	}

	ctx, span := observability.StartSpan(ctx, "ratelimit.admit")
	defer span.End()
	span.SetAttribute("subject", subject)

	now := time.Now().UTC()
	member := uuid.NewString()

	keys := make([]string, 0, 7)
	for _, w := range l.config.windows() {
		keys = append(keys, l.windowKey(w, subject))
	}
	keys = append(keys, l.costKey(subject, now), l.costKey("global", now), l.slotKey())

	args := make([]interface{}, 0, 16)
	args = append(args, now.UnixMilli(), member)
	for _, w := range l.config.windows() {
		args = append(args, w.limit)
	}
	for _, w := range l.config.windows() {
		args = append(args, w.length.Milliseconds())
	}
	args = append(args,
		formatUSD(l.config.PerUserDailyCostUSD),
		formatUSD(l.config.GlobalDailyCostUSD),
		formatUSD(costHint),
		msUntilNextUTCDay(now),
		l.config.MaxConcurrent,
		l.config.SlotTTL.Milliseconds(),
	)

	reply, err := l.store.Eval(ctx, admitScript, keys, args...)
	if err != nil {
		if store.IsUnavailable(err) {
			l.logger.Warn("store unreachable, admitting degraded", map[string]interface{}{
				"subject": subject,
				"error":   err.Error(),
			})
			l.metrics.IncrementCounterWithLabels("ratelimit.decision", 1, map[string]string{
				"status": DegradedAllowed.String(),
			})
			return &Decision{Outcome: DegradedAllowed}, nil
		}
		return nil, fmt.Errorf("admission check failed: %w", err)
	}

	decision, err := l.parseAdmitReply(reply)
	if err != nil {
		return nil, err
	}

	l.metrics.IncrementCounterWithLabels("ratelimit.decision", 1, map[string]string{
		"status": decision.Outcome.String(),
		"tier":   decision.Tier,
	})

	if decision.Outcome == Allowed && l.config.MaxConcurrent > 0 {
		decision.release = l.releaseSlot
	}
	return decision, nil
}

// RecordCost settles the actual cost of a completed request against the
// subject's and the global daily ledgers. Post-hoc by design: it can only
// influence future admissions. Store failures are absorbed.
func (l *Limiter) RecordCost(ctx context.Context, subject string, costUSD float64) {
	if subject == "" || costUSD <= 0 {
		return
	}

	now := time.Now().UTC()
	// Keep the ledger an hour past the day boundary for late finalizers.
	ttl := msUntilNextUTCDay(now) + time.Hour.Milliseconds()

	keys := []string{l.costKey(subject, now), l.costKey("global", now)}
	if _, err := l.store.Eval(ctx, recordCostScript, keys, formatUSD(costUSD), ttl); err != nil {
		l.logger.Warn("failed to record cost", map[string]interface{}{
			"subject": subject,
			"cost":    costUSD,
			"error":   err.Error(),
		})
		l.metrics.IncrementCounter("ratelimit.cost_record_failures", 1)
		return
	}

	l.metrics.RecordHistogram("ratelimit.cost_usd", costUSD, map[string]string{"subject": subject})
}

// InFlight returns the current concurrency slot value, for health checks
// and tests
func (l *Limiter) InFlight(ctx context.Context) (int, error) {
	raw, err := l.store.Get(ctx, l.slotKey())
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(string(raw))
	if err != nil {
		return 0, fmt.Errorf("malformed slot counter: %w", err)
	}
	return n, nil
}

// DailySpend returns the subject's cost ledger value for today (UTC)
func (l *Limiter) DailySpend(ctx context.Context, subject string) (float64, error) {
	raw, err := l.store.Get(ctx, l.costKey(subject, time.Now().UTC()))
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(string(raw), 64)
	if err != nil {
		return 0, fmt.Errorf("malformed cost ledger: %w", err)
	}
	return v, nil
}

func (l *Limiter) releaseSlot() {
	// Release must succeed independently of the request's own lifecycle,
	// including cancellation, so it runs under its own short deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := l.store.Eval(ctx, releaseScript, []string{l.slotKey()}); err != nil {
		l.logger.Warn("failed to release concurrency slot", map[string]interface{}{
			"error": err.Error(),
		})
		l.metrics.IncrementCounter("ratelimit.slot_release_failures", 1)
	}
}

func (l *Limiter) parseAdmitReply(reply interface{}) (*Decision, error) {
	values, ok := reply.([]interface{})
	if !ok || len(values) == 0 {
		return nil, fmt.Errorf("unexpected admit reply type: %T", reply)
	}

	status, ok := values[0].(int64)
	if !ok {
		return nil, fmt.Errorf("unexpected admit status type: %T", values[0])
	}

	if status == 1 {
		return &Decision{Outcome: Allowed}, nil
	}

	if len(values) < 3 {
		return nil, fmt.Errorf("short denial reply: %v", values)
	}
	tierIdx, _ := values[1].(int64)
	retryMs, _ := values[2].(int64)

	tier := tierByIndex[tierIdx]
	if tier == "" {
		tier = "unknown"
	}
	return &Decision{
		Outcome:    Denied,
		Tier:       tier,
		RetryAfter: time.Duration(retryMs) * time.Millisecond,
	}, nil
}

func (l *Limiter) windowKey(w window, subject string) string {
	scope := subject
	if w.global {
		scope = "global"
	}
	return fmt.Sprintf("%s:win:%s:%s", l.config.KeyPrefix, w.tier, scope)
}

func (l *Limiter) costKey(subject string, now time.Time) string {
	return fmt.Sprintf("%s:cost:%s:%s", l.config.KeyPrefix, subject, now.Format("2006-01-02"))
}

func (l *Limiter) slotKey() string {
	return l.config.KeyPrefix + ":slot:inflight"
}

func formatUSD(v float64) string {
	return strconv.FormatFloat(v, 'f', 6, 64)
}

func msUntilNextUTCDay(now time.Time) int64 {
	next := now.Truncate(24 * time.Hour).Add(24 * time.Hour)
	return next.Sub(now).Milliseconds()
}
