package hlc

import (
	"sync"
	"time"
)

/*
LEARNING: HYBRID LOGICAL CLOCKS

Devices never agree on wall-clock time. A phone can be two seconds ahead of
the TV it hands playback to. An HLC timestamp is:

  (physical_ms, logical, device_id)

- physical_ms tracks wall time, but never goes backwards
- logical breaks ties inside the same millisecond
- device_id makes the order total, so two devices can never tie

When a device receives a timestamp from the future it "jumps ahead" to it,
so anything it does afterwards sorts after what it has seen.
*/

// Timestamp is a totally ordered HLC timestamp.
type Timestamp struct {
	PhysicalMS uint64 `json:"physical_ms"`
	Logical    uint32 `json:"logical"`
	DeviceID   string `json:"device_id"`
}

// Compare returns -1, 0 or 1. Order: physical, then logical, then device id.
func Compare(a, b Timestamp) int {
	switch {
	case a.PhysicalMS < b.PhysicalMS:
		return -1
	case a.PhysicalMS > b.PhysicalMS:
		return 1
	case a.Logical < b.Logical:
		return -1
	case a.Logical > b.Logical:
		return 1
	case a.DeviceID < b.DeviceID:
		return -1
	case a.DeviceID > b.DeviceID:
		return 1
	}
	return 0
}

// After reports whether t sorts strictly after other.
func (t Timestamp) After(other Timestamp) bool {
	return Compare(t, other) > 0
}

// Before reports whether t sorts strictly before other.
func (t Timestamp) Before(other Timestamp) bool {
	return Compare(t, other) < 0
}

// IsZero reports whether the timestamp was never set.
func (t Timestamp) IsZero() bool {
	return t.PhysicalMS == 0 && t.Logical == 0 && t.DeviceID == ""
}

// Time returns the physical component as a time.Time.
func (t Timestamp) Time() time.Time {
	return time.UnixMilli(int64(t.PhysicalMS))
}

// WallClock is the source of physical time. Production code uses SystemClock;
// tests inject a fake so timestamps are deterministic.
type WallClock interface {
	Now() time.Time
}

// SystemClock reads time.Now.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Clock issues timestamps for a single device.
// Safe for concurrent use; the mutex serializes issuance.
type Clock struct {
	mu       sync.Mutex
	deviceID string
	wall     WallClock
	physical uint64
	logical  uint32
}

// NewClock creates a clock for deviceID. A nil wall clock means SystemClock.
func NewClock(deviceID string, wall WallClock) *Clock {
	if wall == nil {
		wall = SystemClock{}
	}
	return &Clock{deviceID: deviceID, wall: wall}
}

// DeviceID returns the device this clock stamps for.
func (c *Clock) DeviceID() string {
	return c.deviceID
}

// Now issues the next timestamp. Never returns a value lower than or equal to
// a previous issuance from this clock.
func (c *Clock) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	wall := wallMS(c.wall)
	if wall > c.physical {
		c.physical = wall
		c.logical = 0
	} else {
		c.logical++
	}

	return Timestamp{PhysicalMS: c.physical, Logical: c.logical, DeviceID: c.deviceID}
}

// Update folds a timestamp received from another device into the clock.
// Remote timestamps older than the local state are ignored (clock skew is
// absorbed, never reported).
func (c *Clock) Update(remote Timestamp) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if remote.PhysicalMS < c.physical {
		return
	}

	wall := wallMS(c.wall)
	next := remote.PhysicalMS
	if wall > next {
		next = wall
	}

	switch {
	case next == c.physical && next == remote.PhysicalMS:
		// local and remote share the millisecond; never move logical backwards
		logical := c.logical
		if remote.Logical > logical {
			logical = remote.Logical
		}
		c.logical = logical + 1
	case next == remote.PhysicalMS:
		c.logical = remote.Logical + 1
	default:
		c.logical = 0
	}
	c.physical = next
}

// Last returns the most recent state of the clock without advancing it.
func (c *Clock) Last() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Timestamp{PhysicalMS: c.physical, Logical: c.logical, DeviceID: c.deviceID}
}

func wallMS(w WallClock) uint64 {
	ms := w.Now().UnixMilli()
	if ms < 0 {
		return 0
	}
	return uint64(ms)
}
