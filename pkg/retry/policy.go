package retry

import (
	"math"
	"time"

	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/model"
)

// Policy is an exponential backoff: BaseDelay * Multiplier^(attempt-1), capped at MaxDelay.
type Policy struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
}

// DefaultPolicy waits 30s, 1m, 2m, ... up to one hour.
func DefaultPolicy() Policy {
	return Policy{BaseDelay: 30 * time.Second, MaxDelay: time.Hour, Multiplier: 2}
}

// Backoff returns the delay before the retry that follows the given attempt.
// The result never decreases as attempt grows.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	delay := float64(p.BaseDelay) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 && (delay > float64(p.MaxDelay) || math.IsInf(delay, 1)) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// NextRetry schedules another attempt while retries are enabled and attempts remain.
func (p Policy) NextRetry(d *model.Delivery, e *model.Endpoint, now time.Time) (time.Time, bool) {
	if !e.Retry.Enabled || d.AttemptCount >= d.MaxAttempts {
		return time.Time{}, false
	}
	return now.Add(p.Backoff(d.AttemptCount)), true
}
