package resilience

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultBackoffBase = 1 * time.Second
	DefaultBackoffCap  = 30 * time.Second

	jitterMin = 0.8
	jitterMax = 1.2
)

// BackoffPolicy configures exponential backoff. The zero value uses the defaults.
type BackoffPolicy struct {
	Base time.Duration
	Cap  time.Duration
}

// Delay returns the wait before retry n (0-based).
func (p BackoffPolicy) Delay(n int) time.Duration {
	base, limit := p.Base, p.Cap
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if limit <= 0 {
		limit = DefaultBackoffCap
	}
	return Backoff(n, base, limit)
}

// Backoff computes min(base * 2^n * jitter, cap), jitter uniform in [0.8, 1.2].
// It keeps no state and is safe for concurrent use.
func Backoff(n int, base, limit time.Duration) time.Duration {
	if n < 0 {
		n = 0
	}
	jitter := jitterMin + rand.Float64()*(jitterMax-jitterMin)
	delay := float64(base) * math.Pow(2, float64(n)) * jitter
	if delay > float64(limit) {
		return limit
	}
	return time.Duration(delay)
}

// BackOff returns a fresh backoff.BackOff that yields Delay(0), Delay(1), ...
// It has no retry limit of its own; wrap it with backoff.WithMaxRetries.
func (p BackoffPolicy) BackOff() backoff.BackOff {
	return &policyBackOff{policy: p}
}

type policyBackOff struct {
	policy BackoffPolicy
	n      int
}

func (b *policyBackOff) NextBackOff() time.Duration {
	d := b.policy.Delay(b.n)
	b.n++
	return d
}

func (b *policyBackOff) Reset() { b.n = 0 }
