// Package testutil holds deterministic time and id sources for tests and
// the scenario harness.
package testutil

import "sync"

// ManualClock is a millisecond clock that only moves when told to.
//
// Unlike a wall clock, the same scenario run twice observes identical
// timestamps, so event logs and traces compare byte for byte.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type ManualClock struct {
	mu    sync.Mutex
	start int64
	now   int64
}

// NewManualClock creates a clock reading startMillis (unix milliseconds).
func NewManualClock(startMillis int64) *ManualClock {
	return &ManualClock{start: startMillis, now: startMillis}
}

// NowMillis returns the current time in unix milliseconds.
func (c *ManualClock) NowMillis() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by ms. Negative values are ignored:
// the clock never goes backwards.
func (c *ManualClock) Advance(ms int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ms > 0 {
		c.now += ms
	}
	return c.now
}

// Reset returns the clock to its start time.
//
// Used for test reuse.
func (c *ManualClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.start
}
