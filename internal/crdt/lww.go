package crdt

import (
	"fmt"
	"sort"
	"strings"

	"media-sync/internal/hlc"
)

// PlaybackState is the player state carried with a progress update.
type PlaybackState string

const (
	StatePlaying PlaybackState = "playing"
	StatePaused  PlaybackState = "paused"
	StateStopped PlaybackState = "stopped"
)

// ParsePlaybackState accepts any casing; empty input means paused.
func ParsePlaybackState(s string) (PlaybackState, error) {
	switch PlaybackState(strings.ToLower(strings.TrimSpace(s))) {
	case StatePlaying:
		return StatePlaying, nil
	case StatePaused, "":
		return StatePaused, nil
	case StateStopped:
		return StateStopped, nil
	}
	return "", fmt.Errorf("invalid playback state: %q", s)
}

// Valid reports whether the state is one of the known values.
func (s PlaybackState) Valid() bool {
	return s == StatePlaying || s == StatePaused || s == StateStopped
}

// PlaybackPosition is the last-writer-wins register for one (user, content).
// The winning record replaces the loser in full; fields are never merged.
type PlaybackPosition struct {
	ContentID       string        `json:"content_id"`
	PositionSeconds uint32        `json:"position_seconds"`
	DurationSeconds uint32        `json:"duration_seconds"`
	State           PlaybackState `json:"state"`
	Timestamp       hlc.Timestamp `json:"timestamp"`
	DeviceID        string        `json:"device_id"`
}

// NewProgress builds a candidate record for Resolve.
func NewProgress(contentID string, position, duration uint32, state PlaybackState, ts hlc.Timestamp, deviceID string) PlaybackPosition {
	return PlaybackPosition{
		ContentID:       contentID,
		PositionSeconds: position,
		DurationSeconds: duration,
		State:           state,
		Timestamp:       ts,
		DeviceID:        deviceID,
	}
}

// CompletionPercent is position/duration*100, capped at 100. Zero duration
// means nothing is known about the length, so 0.
func (p PlaybackPosition) CompletionPercent() float32 {
	if p.DurationSeconds == 0 {
		return 0
	}
	pct := float32(p.PositionSeconds) / float32(p.DurationSeconds) * 100
	if pct > 100 {
		return 100
	}
	return pct
}

// IsComplete reports whether the position reached the completion threshold
// (percent, e.g. 95).
func (p PlaybackPosition) IsComplete(threshold float32) bool {
	return p.CompletionPercent() >= threshold
}

// Resolve is the only conflict rule for progress: the candidate wins iff
// there is no existing record or its timestamp is strictly greater.
func Resolve(existing *PlaybackPosition, candidate PlaybackPosition) PlaybackPosition {
	if existing == nil || candidate.Timestamp.After(existing.Timestamp) {
		return candidate
	}
	return *existing
}

// ProgressMap holds one register per content id. Not safe for concurrent use.
type ProgressMap struct {
	positions map[string]PlaybackPosition
}

// NewProgressMap creates an empty map.
func NewProgressMap() *ProgressMap {
	return &ProgressMap{positions: make(map[string]PlaybackPosition)}
}

// Apply resolves candidate against the current register and stores the
// winner. Returns the winner and whether the candidate won.
func (m *ProgressMap) Apply(candidate PlaybackPosition) (PlaybackPosition, bool) {
	var existing *PlaybackPosition
	if cur, ok := m.positions[candidate.ContentID]; ok {
		existing = &cur
	}
	winner := Resolve(existing, candidate)
	m.positions[candidate.ContentID] = winner
	won := existing == nil || candidate.Timestamp.After(existing.Timestamp)
	return winner, won
}

// Get returns the register for contentID.
func (m *ProgressMap) Get(contentID string) (PlaybackPosition, bool) {
	p, ok := m.positions[contentID]
	return p, ok
}

// Delete drops the register for contentID.
func (m *ProgressMap) Delete(contentID string) {
	delete(m.positions, contentID)
}

// Merge applies every register from other.
func (m *ProgressMap) Merge(other *ProgressMap) {
	if other == nil {
		return
	}
	for _, p := range other.positions {
		m.Apply(p)
	}
}

// Len returns the number of registers.
func (m *ProgressMap) Len() int {
	return len(m.positions)
}

// All returns every register, most recently written first.
func (m *ProgressMap) All() []PlaybackPosition {
	out := make([]PlaybackPosition, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out
}

// Clone returns a copy.
func (m *ProgressMap) Clone() *ProgressMap {
	c := NewProgressMap()
	for k, v := range m.positions {
		c.positions[k] = v
	}
	return c
}
