package hlc

import "sync"

// ClockSet hands out one Clock per device for a gateway process that stamps
// mutations on behalf of many devices.
//
// Every remote timestamp the process receives is recorded with Observe.
// Now folds the highest observed timestamp into the device's clock before
// issuing, so anything stamped after a receipt sorts after it.
type ClockSet struct {
	wall   WallClock
	clocks sync.Map // deviceID -> *Clock

	mu       sync.RWMutex
	observed Timestamp
}

// NewClockSet creates an empty set sharing one wall clock.
func NewClockSet(wall WallClock) *ClockSet {
	if wall == nil {
		wall = SystemClock{}
	}
	return &ClockSet{wall: wall}
}

// For returns the clock for deviceID, creating it on first use.
func (s *ClockSet) For(deviceID string) *Clock {
	if c, ok := s.clocks.Load(deviceID); ok {
		return c.(*Clock)
	}
	c, _ := s.clocks.LoadOrStore(deviceID, NewClock(deviceID, s.wall))
	return c.(*Clock)
}

// Now issues the next timestamp for deviceID.
func (s *ClockSet) Now(deviceID string) Timestamp {
	c := s.For(deviceID)

	s.mu.RLock()
	observed := s.observed
	s.mu.RUnlock()

	if !observed.IsZero() {
		c.Update(observed)
	}
	return c.Now()
}

// Observe records a timestamp received from another process or device.
func (s *ClockSet) Observe(remote Timestamp) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if remote.After(s.observed) {
		s.observed = remote
	}
}

// Observed returns the highest remote timestamp seen so far.
func (s *ClockSet) Observed() Timestamp {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.observed
}
