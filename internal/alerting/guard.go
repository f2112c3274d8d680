package alerting

import (
	"sync"
	"time"
)

// FailureGuard counts consecutive failed cycles and decides when an alert
// should go out. A success resets the streak.
type FailureGuard struct {
	threshold int
	cooldown  time.Duration

	mu       sync.Mutex
	streak   int
	lastSent time.Time
}

// NewFailureGuard returns a guard; threshold <= 0 means alert on every failure.
func NewFailureGuard(threshold int, cooldown time.Duration) *FailureGuard {
	if threshold <= 0 {
		threshold = 1
	}
	return &FailureGuard{threshold: threshold, cooldown: cooldown}
}

// Success resets the failure streak.
func (g *FailureGuard) Success() {
	g.mu.Lock()
	g.streak = 0
	g.mu.Unlock()
}

// Failure records a failed cycle at now and reports the current streak and
// whether an alert is due.
func (g *FailureGuard) Failure(now time.Time) (int, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.streak++
	if g.streak < g.threshold {
		return g.streak, false
	}
	if !g.lastSent.IsZero() && now.Sub(g.lastSent) < g.cooldown {
		return g.streak, false
	}
	g.lastSent = now
	return g.streak, true
}
