// Package clock provides the time source used by hub liveness and failover timing.
package clock

import (
	"sync"
	"time"
)

// Clock is a minimal time source. Tests substitute a Simulated clock.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Real returns the wall clock.
func Real() Clock {
	return realClock{}
}

// Simulated only moves when Advance or Set is called.
type Simulated struct {
	mu      sync.Mutex
	current time.Time
}

func NewSimulated(start time.Time) *Simulated {
	return &Simulated{current: start}
}

func (c *Simulated) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Advance moves the clock forward. Negative durations are ignored.
func (c *Simulated) Advance(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	c.current = c.current.Add(d)
	c.mu.Unlock()
}

// Millis returns Now as Unix milliseconds.
func Millis(c Clock) int64 {
	return c.Now().UnixMilli()
}
