// Package nettime implements the group-wide logical clock. Every member advances
// its own copy on a local tick and merges the values it hears from peers by taking
// the maximum, so the value observed by any member only moves forward.
package nettime

import (
	"sync"
	"time"
)

// Clock is a monotonic, loosely synchronized millisecond counter.
type Clock struct {
	mu  sync.Mutex
	now uint64
}

func New() *Clock {
	return &Clock{}
}

// Now returns the current NetTime value.
func (c *Clock) Now() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by elapsed, at least one unit per call.
func (c *Clock) Advance(elapsed time.Duration) uint64 {
	step := uint64(1)
	if ms := elapsed.Milliseconds(); ms > 1 {
		step = uint64(ms)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += step
	return c.now
}

// Merge adopts max(local, received) and reports the resulting value.
func (c *Clock) Merge(received uint64) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if received > c.now {
		c.now = received
	}
	return c.now
}
