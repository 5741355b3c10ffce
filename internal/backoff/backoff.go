// Package backoff implements the exponential reconnect backoff used by the
// Agent's Mapping maintainer: min=1s, max=30s, factor=2, jitter=±20%,
// reusable across callers instead of being an inline field on one
// supervisor.
package backoff

import (
	"math/rand"
	"time"
)

// Policy configures a backoff sequence.
type Policy struct {
	Min    time.Duration
	Max    time.Duration
	Factor float64
	Jitter float64 // fraction, e.g. 0.2 for ±20%
}

// Default is the policy mandated by §5.
var Default = Policy{Min: time.Second, Max: 30 * time.Second, Factor: 2, Jitter: 0.2}

// Backoff tracks the current delay of a retry sequence. Not safe for
// concurrent use; each retrying goroutine owns one.
type Backoff struct {
	policy Policy
	cur    time.Duration
	rng    *rand.Rand
}

// New creates a Backoff at the policy's minimum delay.
func New(p Policy) *Backoff {
	if p.Min <= 0 {
		p.Min = time.Second
	}
	if p.Max <= 0 {
		p.Max = 30 * time.Second
	}
	if p.Factor <= 1 {
		p.Factor = 2
	}
	return &Backoff{policy: p, cur: p.Min, rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// Next returns the delay to wait before the next attempt and advances the
// internal state toward the policy's maximum.
func (b *Backoff) Next() time.Duration {
	d := b.cur
	b.cur = time.Duration(float64(b.cur) * b.policy.Factor)
	if b.cur > b.policy.Max {
		b.cur = b.policy.Max
	}
	if b.policy.Jitter > 0 {
		delta := float64(d) * b.policy.Jitter
		d = d + time.Duration((b.rng.Float64()*2-1)*delta)
		if d < 0 {
			d = 0
		}
	}
	return d
}

// Reset returns the sequence to the policy's minimum delay, used after a
// successful attempt.
func (b *Backoff) Reset() {
	b.cur = b.policy.Min
}
