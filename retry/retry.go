// Package retry implements the retry policy engine: per-failure-category
// policies with bounded, deterministic schedules.
//
// Everything here is a pure function of (category, attempt number, now).
// Jitter, where wanted, is applied by the caller as a separate explicitly
// seeded layer so the core stays deterministic and testable.
package retry

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// ErrInvalidPolicy is returned for malformed custom policies.
var ErrInvalidPolicy = errors.New("rebill: invalid retry policy")

// Category classifies a payment failure. The set is closed: gateway code
// mapping produces exactly one of these, and unknown codes map to
// CategoryNonRetriable.
type Category string

const (
	// CategoryRetriable marks transient failures (network errors, gateway
	// timeouts) retried on a short exponential backoff.
	CategoryRetriable Category = "retriable"

	// CategoryDelayedRetry marks failures worth retrying after a long fixed
	// delay, such as insufficient funds.
	CategoryDelayedRetry Category = "delayed_retry"

	// CategoryNonRetriable marks permanent failures (declined or invalid
	// cards). No retry is ever scheduled.
	CategoryNonRetriable Category = "non_retriable"
)

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	switch c {
	case CategoryRetriable, CategoryDelayedRetry, CategoryNonRetriable:
		return true
	}
	return false
}

// Retriable reports whether the category permits any retry at all.
func (c Category) Retriable() bool {
	return c == CategoryRetriable || c == CategoryDelayedRetry
}

// Strategy selects how the delay grows with the attempt number.
type Strategy string

const (
	// StrategyLinear delays base × n for attempt n.
	StrategyLinear Strategy = "linear"

	// StrategyExponentialBackoff delays base × multiplier^(n-1) for attempt n.
	StrategyExponentialBackoff Strategy = "exponential_backoff"

	// StrategyFixedInterval delays base for every attempt.
	StrategyFixedInterval Strategy = "fixed_interval"
)

// Policy is a bounded retry schedule. The zero MaxAttempts policy never
// retries.
type Policy struct {
	Strategy    Strategy      `json:"strategy"`
	BaseDelay   time.Duration `json:"base_delay"`
	Multiplier  float64       `json:"multiplier,omitempty"` // exponential only
	MaxDelay    time.Duration `json:"max_delay"`
	MaxAttempts int           `json:"max_attempts"`
}

// PolicyFor returns the fixed policy for a failure category:
//
//	retriable     → exponential backoff, base 5m, ×2, cap 60m, max 5 attempts
//	delayed_retry → fixed interval, base 60m, cap 24h, max 3 attempts
//	non_retriable → no retry
//
// Unknown categories get the non-retriable policy.
func PolicyFor(c Category) Policy {
	switch c {
	case CategoryRetriable:
		return Policy{
			Strategy:    StrategyExponentialBackoff,
			BaseDelay:   5 * time.Minute,
			Multiplier:  2,
			MaxDelay:    60 * time.Minute,
			MaxAttempts: 5,
		}
	case CategoryDelayedRetry:
		return Policy{
			Strategy:    StrategyFixedInterval,
			BaseDelay:   60 * time.Minute,
			MaxDelay:    1440 * time.Minute,
			MaxAttempts: 3,
		}
	default:
		return Policy{Strategy: StrategyFixedInterval, MaxAttempts: 0}
	}
}

// Validate checks a custom policy. The fixed policies from PolicyFor are
// always valid.
func (p Policy) Validate() error {
	if p.MaxAttempts < 0 {
		return fmt.Errorf("%w: negative max attempts %d", ErrInvalidPolicy, p.MaxAttempts)
	}
	if p.MaxAttempts == 0 {
		return nil
	}
	switch p.Strategy {
	case StrategyLinear, StrategyFixedInterval:
	case StrategyExponentialBackoff:
		if p.Multiplier < 1 {
			return fmt.Errorf("%w: exponential multiplier %v < 1", ErrInvalidPolicy, p.Multiplier)
		}
	default:
		return fmt.Errorf("%w: unknown strategy %q", ErrInvalidPolicy, p.Strategy)
	}
	if p.BaseDelay <= 0 {
		return fmt.Errorf("%w: base delay %v must be positive", ErrInvalidPolicy, p.BaseDelay)
	}
	if p.MaxDelay < p.BaseDelay {
		return fmt.Errorf("%w: max delay %v below base delay %v", ErrInvalidPolicy, p.MaxDelay, p.BaseDelay)
	}
	return nil
}

// Delay returns the delay before attempt n (1-based), clamped to MaxDelay.
func (p Policy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	var d time.Duration
	switch p.Strategy {
	case StrategyLinear:
		d = p.BaseDelay * time.Duration(n)
	case StrategyExponentialBackoff:
		d = time.Duration(float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(n-1)))
	default:
		d = p.BaseDelay
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// ShouldRetry reports whether another attempt is permitted after the given
// number of completed attempts.
func (p Policy) ShouldRetry(attempts int) bool {
	return attempts < p.MaxAttempts
}

// NextRetryAt returns when the attempt after the given number of completed
// attempts should run. ok is false when the policy permits no further
// attempt; the returned time is then the zero value.
func (p Policy) NextRetryAt(attempts int, now time.Time) (at time.Time, ok bool) {
	if !p.ShouldRetry(attempts) {
		return time.Time{}, false
	}
	return now.Add(p.Delay(attempts + 1)), true
}

// Decision is the outcome of consulting the policy engine after a failure.
type Decision struct {
	Allowed     bool      `json:"allowed"`
	Attempt     int       `json:"attempt,omitempty"` // attempt number when allowed
	NextRetryAt time.Time `json:"next_retry_at,omitempty"`
	Category    Category  `json:"category"`
	Policy      Policy    `json:"policy"`
}

// Decide consults the fixed policy for the category after a failure at the
// given completed-attempt count.
func Decide(c Category, attempts int, now time.Time) Decision {
	return DecideWith(PolicyFor(c), c, attempts, now)
}

// DecideWith is Decide with a caller-supplied policy, used when the engine
// carries per-category overrides.
func DecideWith(p Policy, c Category, attempts int, now time.Time) Decision {
	d := Decision{Category: c, Policy: p}
	at, ok := p.NextRetryAt(attempts, now)
	if !ok {
		return d
	}
	d.Allowed = true
	d.Attempt = attempts + 1
	d.NextRetryAt = at
	return d
}

// Jitter spreads a delay by ±fraction using the given source, keeping the
// result positive. Pass the source seeded explicitly; the policy engine
// itself never jitters.
func Jitter(d time.Duration, fraction float64, rng *rand.Rand) time.Duration {
	if fraction <= 0 || d <= 0 {
		return d
	}
	spread := (rng.Float64()*2 - 1) * fraction // [-fraction, +fraction)
	j := time.Duration(float64(d) * (1 + spread))
	if j <= 0 {
		return d
	}
	return j
}
