package notify

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Breaker is a hard ceiling on gateway calls per sliding minute. Once the
// ceiling is hit the circuit opens for a cooldown and every attempt is
// refused. It exists so a notification feedback loop (escalation → message
// → more notifications) fails safe instead of melting the gateway quota.
//
// State is process-local and resets on restart; the ceiling is a cost
// guard, not a correctness mechanism.
type Breaker struct {
	clock    clock.Clock
	ceiling  int
	cooldown time.Duration

	mu        sync.Mutex
	window    []time.Time
	openUntil time.Time
	opens     int64
}

const breakerWindow = time.Minute

// NewBreaker creates a Breaker allowing at most ceiling calls per minute,
// opening for cooldown once exceeded.
func NewBreaker(ceiling int, cooldown time.Duration, clk clock.Clock) *Breaker {
	if clk == nil {
		clk = clock.New()
	}
	return &Breaker{
		clock:    clk,
		ceiling:  ceiling,
		cooldown: cooldown,
	}
}

// Allow reports whether one external send may proceed now, recording the
// attempt if so.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	b.evict(now)

	if now.Before(b.openUntil) {
		return false
	}
	if len(b.window) >= b.ceiling {
		b.openUntil = now.Add(b.cooldown)
		b.opens++
		return false
	}
	b.window = append(b.window, now)
	return true
}

// Open reports whether the circuit is currently open.
func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.clock.Now().Before(b.openUntil)
}

// Opens returns how many times the circuit has opened.
func (b *Breaker) Opens() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.opens
}

// evict drops window entries older than one minute. Callers hold b.mu.
func (b *Breaker) evict(now time.Time) {
	cutoff := now.Add(-breakerWindow)
	keep := b.window[:0]
	for _, t := range b.window {
		if t.After(cutoff) {
			keep = append(keep, t)
		}
	}
	b.window = keep
}
