package crdt

import (
	"testing"

	"media-sync/internal/hlc"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve_NoExistingTakesCandidate(t *testing.T) {
	candidate := NewProgress("content-1", 10, 100, StatePlaying, ts(1000, "phone"), "phone")
	assert.Equal(t, candidate, Resolve(nil, candidate))
}

func TestResolve_GreaterTimestampWinsRegardlessOfOrder(t *testing.T) {
	tests := []struct {
		name   string
		a, b   hlc.Timestamp
		winner string
	}{
		{"later physical", ts(2000, "tv"), ts(1000, "phone"), "tv"},
		{"same ms higher logical", hlc.Timestamp{PhysicalMS: 1000, Logical: 3, DeviceID: "a"}, hlc.Timestamp{PhysicalMS: 1000, Logical: 1, DeviceID: "z"}, "a"},
		{"full tie broken by device", ts(1000, "tv"), ts(1000, "phone"), "tv"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewProgress("content-1", 1, 100, StatePlaying, tt.a, tt.a.DeviceID)
			b := NewProgress("content-1", 2, 100, StatePaused, tt.b, tt.b.DeviceID)

			assert.Equal(t, tt.winner, Resolve(&a, b).DeviceID)
			assert.Equal(t, tt.winner, Resolve(&b, a).DeviceID)
		})
	}
}

func TestResolve_EqualTimestampKeepsExisting(t *testing.T) {
	existing := NewProgress("content-1", 50, 100, StatePlaying, ts(1000, "tv"), "tv")
	same := existing
	same.PositionSeconds = 99

	assert.Equal(t, uint32(50), Resolve(&existing, same).PositionSeconds)
}

func TestResolve_ProgressConflictScenario(t *testing.T) {
	a := NewProgress("content-1", 100, 3600, StatePlaying, ts(1000, "device-a"), "device-a")
	b := NewProgress("content-1", 500, 3600, StatePaused, ts(2000, "device-b"), "device-b")

	m := NewProgressMap()
	m.Apply(b)
	m.Apply(a)

	got, ok := m.Get("content-1")
	require.True(t, ok)
	assert.Equal(t, uint32(500), got.PositionSeconds)
	assert.Equal(t, "device-b", got.DeviceID)
	assert.Equal(t, StatePaused, got.State, "the whole winning record replaces the loser")
}

func TestProgressMap_ApplyReportsWin(t *testing.T) {
	m := NewProgressMap()
	older := NewProgress("content-1", 10, 100, StatePlaying, ts(10, "a"), "a")
	newer := NewProgress("content-1", 20, 100, StatePlaying, ts(20, "b"), "b")

	_, won := m.Apply(older)
	assert.True(t, won)
	_, won = m.Apply(newer)
	assert.True(t, won)
	winner, won := m.Apply(older)
	assert.False(t, won)
	assert.Equal(t, newer, winner)
}

func TestProgressMap_MergeIsOrderIndependent(t *testing.T) {
	p1 := NewProgress("content-1", 10, 100, StatePlaying, ts(10, "a"), "a")
	p2 := NewProgress("content-1", 20, 100, StatePlaying, ts(20, "b"), "b")
	p3 := NewProgress("content-2", 30, 100, StateStopped, ts(5, "c"), "c")

	left := NewProgressMap()
	left.Apply(p1)
	left.Apply(p3)
	right := NewProgressMap()
	right.Apply(p2)

	lr := left.Clone()
	lr.Merge(right)
	rl := right.Clone()
	rl.Merge(left)

	assert.ElementsMatch(t, lr.All(), rl.All())
	got, _ := lr.Get("content-1")
	assert.Equal(t, p2, got)
}

func TestCompletionPercent(t *testing.T) {
	tests := []struct {
		name     string
		pos, dur uint32
		want     float32
	}{
		{"half", 1800, 3600, 50},
		{"zero duration", 10, 0, 0},
		{"overshoot capped", 4000, 3600, 100},
		{"start", 0, 3600, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewProgress("c", tt.pos, tt.dur, StatePlaying, ts(1, "a"), "a")
			assert.InDelta(t, tt.want, p.CompletionPercent(), 0.001)
		})
	}

	done := NewProgress("c", 3420, 3600, StatePlaying, ts(1, "a"), "a")
	assert.True(t, done.IsComplete(95))
	assert.False(t, done.IsComplete(96))
}

func TestParsePlaybackState(t *testing.T) {
	for in, want := range map[string]PlaybackState{
		"playing": StatePlaying,
		"Paused":  StatePaused,
		"STOPPED": StateStopped,
		"":        StatePaused,
	} {
		got, err := ParsePlaybackState(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}

	_, err := ParsePlaybackState("rewinding")
	assert.Error(t, err)
}
