// Package backoff provides bounded exponential backoff with jitter for
// per-channel reconnection scheduling.
package backoff

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy defines the parameters for exponential backoff calculation.
// Backoff tuning is per channel; platforms with aggressive rate limits get a
// conservative policy while local transports can retry quickly.
type Policy struct {
	// Initial is the delay before the first retry.
	Initial time.Duration
	// Max caps the computed delay.
	Max time.Duration
	// Factor is the exponential multiplier applied per attempt.
	Factor float64
	// Jitter is the randomization fraction (0.0 to 1.0) added to the delay.
	Jitter float64
}

// DefaultPolicy returns a baseline policy: 2s initial, 30s cap, factor 2,
// 10% jitter.
func DefaultPolicy() Policy {
	return Policy{
		Initial: 2 * time.Second,
		Max:     30 * time.Second,
		Factor:  2,
		Jitter:  0.1,
	}
}

// Compute calculates the delay for a given attempt number. Attempts start
// at 1.
func (p Policy) Compute(attempt int) time.Duration {
	return p.ComputeWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// ComputeWithRand calculates the delay using a provided random value in
// [0.0, 1.0), for deterministic tests.
func (p Policy) ComputeWithRand(attempt int, randomValue float64) time.Duration {
	policy := p.normalized()

	exp := math.Max(float64(attempt-1), 0)
	base := float64(policy.Initial) * math.Pow(policy.Factor, exp)
	jitter := base * policy.Jitter * randomValue

	total := math.Min(float64(policy.Max), base+jitter)
	return time.Duration(total)
}

// Sleep waits for the computed delay of the given attempt, respecting
// context cancellation. Returns ctx.Err() if cancelled first.
func (p Policy) Sleep(ctx context.Context, attempt int) error {
	delay := p.Compute(attempt)
	if delay <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (p Policy) normalized() Policy {
	def := DefaultPolicy()
	if p.Initial <= 0 {
		p.Initial = def.Initial
	}
	if p.Max <= 0 {
		p.Max = def.Max
	}
	if p.Factor <= 0 {
		p.Factor = def.Factor
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	return p
}
