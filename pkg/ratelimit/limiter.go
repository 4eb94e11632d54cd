package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/logger"
	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/metrics"
	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/model"
)

// Counter counts hits per key over sliding windows. Acquire returns the count
// within each window ending at now and, when every count is below its maximum,
// records the hit. Counting and recording must be atomic per key. Release
// gives back one hit recorded at the given time.
type Counter interface {
	Acquire(ctx context.Context, key string, windows []time.Duration, limits []int64, now time.Time) ([]int64, bool, error)
	Release(ctx context.Context, key string, at time.Time) error
}

// ViolationRecorder persists rejected attempts.
type ViolationRecorder interface {
	RecordViolation(ctx context.Context, v *model.RateLimitViolation) error
}

// Decision is the outcome of a rate-limit check.
type Decision struct {
	Allowed   bool
	Counts    map[model.WindowPeriod]int64
	Violation *model.RateLimitViolation
}

// Limiter enforces the rate-limit windows configured on an endpoint.
type Limiter struct {
	counter    Counter
	violations ViolationRecorder
	logger     logger.Logger
	metrics    *metrics.Metrics
}

// New creates a limiter.
func New(counter Counter, violations ViolationRecorder, log logger.Logger, m *metrics.Metrics) *Limiter {
	if log == nil {
		log = logger.Nop()
	}
	return &Limiter{counter: counter, violations: violations, logger: log, metrics: m}
}

// Allow checks every enabled window of the endpoint. An allowed attempt is
// counted against all windows; a rejected one is not counted and is persisted
// as a violation.
func (l *Limiter) Allow(ctx context.Context, e *model.Endpoint, now time.Time) (*Decision, error) {
	windows := activeWindows(e)
	if len(windows) == 0 {
		return &Decision{Allowed: true}, nil
	}

	durations := make([]time.Duration, len(windows))
	maxes := make([]int64, len(windows))
	for i, w := range windows {
		durations[i] = w.Period.Duration()
		maxes[i] = int64(w.MaxRequests)
	}

	counts, ok, err := l.counter.Acquire(ctx, Key(e.ID), durations, maxes, now)
	if err != nil {
		return nil, fmt.Errorf("count rate limit windows: %w", err)
	}

	d := &Decision{Allowed: ok, Counts: make(map[model.WindowPeriod]int64, len(windows))}
	for i, w := range windows {
		d.Counts[w.Period] = counts[i]
	}
	if ok {
		return d, nil
	}

	worst := mostRestrictive(windows, counts)
	d.Violation = &model.RateLimitViolation{
		EndpointID:  e.ID,
		Period:      windows[worst].Period,
		Limit:       windows[worst].MaxRequests,
		Count:       counts[worst],
		AttemptedAt: now.UTC(),
	}
	if err := l.violations.RecordViolation(ctx, d.Violation); err != nil {
		return nil, fmt.Errorf("record rate limit violation: %w", err)
	}
	l.metrics.RateLimited(string(d.Violation.Period))
	l.logger.Warn("rate limit exceeded",
		"endpoint_id", e.ID,
		"period", d.Violation.Period,
		"limit", d.Violation.Limit,
		"count", d.Violation.Count,
	)
	return d, nil
}

// Release returns the slot an allowed attempt at now took when the attempt
// never reached the network.
func (l *Limiter) Release(ctx context.Context, e *model.Endpoint, now time.Time) error {
	if len(activeWindows(e)) == 0 {
		return nil
	}
	if err := l.counter.Release(ctx, Key(e.ID), now); err != nil {
		return fmt.Errorf("release rate limit slot: %w", err)
	}
	return nil
}

func activeWindows(e *model.Endpoint) []model.RateLimitWindow {
	var windows []model.RateLimitWindow
	for _, w := range e.RateLimits {
		if w.Enabled && w.Period.Duration() > 0 {
			windows = append(windows, w)
		}
	}
	return windows
}

// mostRestrictive returns the index of the violated window with the least
// remaining headroom, preferring the shorter period on ties.
func mostRestrictive(windows []model.RateLimitWindow, counts []int64) int {
	best := -1
	for i, w := range windows {
		if counts[i] < int64(w.MaxRequests) {
			continue
		}
		if best < 0 {
			best = i
			continue
		}
		headroom := int64(w.MaxRequests) - counts[i]
		bestHeadroom := int64(windows[best].MaxRequests) - counts[best]
		if headroom < bestHeadroom ||
			(headroom == bestHeadroom && w.Period.Duration() < windows[best].Period.Duration()) {
			best = i
		}
	}
	return best
}

// Key is the counter key for an endpoint.
func Key(endpointID string) string {
	return "endpoint:" + endpointID
}
