package ratelimit

import (
	"sync"
	"time"

	"ping-upload-coordinator/internal/clock"
)

// Defaults for ping uploads: at most 15 attempts per minute
const (
	DefaultInterval = 60 * time.Second
	DefaultMaxCount = 15
)

// RateLimiter admits at most maxCount acquisitions per fixed window
type RateLimiter struct {
	mu          sync.Mutex
	clock       clock.Clock
	interval    time.Duration
	maxCount    int
	count       int
	windowStart time.Time
	started     bool
}

// New creates a new RateLimiter. Non-positive values fall back to the defaults.
func New(interval time.Duration, maxCount int, clk clock.Clock) *RateLimiter {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if maxCount <= 0 {
		maxCount = DefaultMaxCount
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &RateLimiter{
		clock:    clk,
		interval: interval,
		maxCount: maxCount,
	}
}

// TryAcquire consumes a slot in the current window. When the window is
// exhausted it returns false and the time left until the window resets,
// rounded up to a whole millisecond.
func (rl *RateLimiter) TryAcquire() (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()

	// Start a new window if the current one has elapsed
	if !rl.started || now.Sub(rl.windowStart) >= rl.interval {
		rl.count = 0
		rl.windowStart = now
		rl.started = true
	}

	if rl.count < rl.maxCount {
		rl.count++
		return true, 0
	}

	remaining := rl.windowStart.Add(rl.interval).Sub(now)
	return false, ceilMillis(remaining)
}

// Interval returns the window length
func (rl *RateLimiter) Interval() time.Duration {
	return rl.interval
}

func ceilMillis(d time.Duration) time.Duration {
	if rem := d % time.Millisecond; rem != 0 {
		d += time.Millisecond - rem
	}
	return d
}
