// Package backoff provides exponential backoff with jitter for retry loops.
package backoff

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	// InitialMs is the initial backoff duration in milliseconds.
	InitialMs float64
	// MaxMs is the maximum backoff duration in milliseconds.
	MaxMs float64
	// Factor is the exponential factor applied per attempt.
	Factor float64
	// Jitter is the randomization factor (0.0 to 1.0) added to the backoff.
	Jitter float64
}

// DefaultPolicy returns the policy used for provider retries.
// Initial: 500ms, Max: 30s, Factor: 2, Jitter: 10%.
func DefaultPolicy() Policy {
	return Policy{
		InitialMs: 500,
		MaxMs:     30000,
		Factor:    2,
		Jitter:    0.1,
	}
}

// Compute calculates the backoff duration for a given attempt number.
// base = InitialMs * Factor^(attempt-1); the result is base plus jitter,
// clamped to MaxMs. Attempt numbers start at 1.
func Compute(policy Policy, attempt int) time.Duration {
	return ComputeWithRand(policy, attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// ComputeWithRand calculates the backoff duration using a provided random
// value in [0.0, 1.0). Useful for deterministic tests.
func ComputeWithRand(policy Policy, attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := policy.InitialMs * math.Pow(policy.Factor, exp)
	total := math.Min(policy.MaxMs, base+base*policy.Jitter*randomValue)
	return time.Duration(math.Round(total)) * time.Millisecond
}

// Sleep blocks for the given duration, respecting context cancellation.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// SleepAttempt computes the backoff for the given attempt and sleeps.
func SleepAttempt(ctx context.Context, policy Policy, attempt int) error {
	return Sleep(ctx, Compute(policy, attempt))
}
