package testutil

import (
	"sync"
	"time"
)

// FakeClock is a wall clock whose time only moves when the test says so.
//
// Satisfies hlc.WallClock and the devices sweeper's clock. Safe for
// concurrent use.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock creates a fake clock frozen at start.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

// NewFakeClockMS creates a fake clock frozen at the given unix millisecond.
func NewFakeClockMS(ms int64) *FakeClock {
	return NewFakeClock(time.UnixMilli(ms))
}

// Now returns the frozen time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set moves the clock to t. Going backwards is allowed, which is how tests
// simulate wall-clock skew.
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}
