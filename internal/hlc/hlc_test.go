package hlc_test

import (
	"sync"
	"testing"
	"time"

	"media-sync/internal/hlc"
	"media-sync/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompare_TotalOrder(t *testing.T) {
	tests := []struct {
		name string
		a, b hlc.Timestamp
		want int
	}{
		{"physical wins", hlc.Timestamp{PhysicalMS: 2}, hlc.Timestamp{PhysicalMS: 1, Logical: 9}, 1},
		{"logical breaks physical tie", hlc.Timestamp{PhysicalMS: 1, Logical: 1}, hlc.Timestamp{PhysicalMS: 1, Logical: 2}, -1},
		{"device breaks full tie", hlc.Timestamp{PhysicalMS: 1, Logical: 1, DeviceID: "b"}, hlc.Timestamp{PhysicalMS: 1, Logical: 1, DeviceID: "a"}, 1},
		{"equal", hlc.Timestamp{PhysicalMS: 5, Logical: 3, DeviceID: "tv"}, hlc.Timestamp{PhysicalMS: 5, Logical: 3, DeviceID: "tv"}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, hlc.Compare(tt.a, tt.b))
			assert.Equal(t, -tt.want, hlc.Compare(tt.b, tt.a))
		})
	}
}

func TestClock_NowAdvancesWithWallClock(t *testing.T) {
	wall := testutil.NewFakeClockMS(1000)
	c := hlc.NewClock("phone", wall)

	first := c.Now()
	assert.Equal(t, hlc.Timestamp{PhysicalMS: 1000, Logical: 0, DeviceID: "phone"}, first)

	wall.Advance(5 * time.Millisecond)
	second := c.Now()
	assert.Equal(t, uint64(1005), second.PhysicalMS)
	assert.Equal(t, uint32(0), second.Logical)
}

func TestClock_SameMillisecondIncrementsLogical(t *testing.T) {
	wall := testutil.NewFakeClockMS(1000)
	c := hlc.NewClock("phone", wall)

	a := c.Now()
	b := c.Now()
	d := c.Now()

	assert.True(t, b.After(a))
	assert.True(t, d.After(b))
	assert.Equal(t, uint32(2), d.Logical)
}

func TestClock_WallClockGoingBackwardsStaysMonotonic(t *testing.T) {
	wall := testutil.NewFakeClockMS(5000)
	c := hlc.NewClock("tv", wall)

	before := c.Now()
	wall.Set(time.UnixMilli(1000))
	after := c.Now()

	assert.True(t, after.After(before))
	assert.Equal(t, uint64(5000), after.PhysicalMS)
}

func TestClock_UpdateJumpsAheadOfRemote(t *testing.T) {
	wall := testutil.NewFakeClockMS(1000)
	c := hlc.NewClock("tv", wall)
	c.Now()

	remote := hlc.Timestamp{PhysicalMS: 9000, Logical: 4, DeviceID: "phone"}
	c.Update(remote)

	next := c.Now()
	assert.True(t, next.After(remote), "event after receipt must sort after the remote event")
	assert.Equal(t, uint64(9000), next.PhysicalMS)
}

func TestClock_UpdateWithOlderRemoteIsIgnored(t *testing.T) {
	wall := testutil.NewFakeClockMS(5000)
	c := hlc.NewClock("tv", wall)
	local := c.Now()

	c.Update(hlc.Timestamp{PhysicalMS: 10, Logical: 99, DeviceID: "phone"})

	assert.Equal(t, local, c.Last())
}

func TestClock_UpdateSameMillisecondNeverLowersLogical(t *testing.T) {
	wall := testutil.NewFakeClockMS(1000)
	c := hlc.NewClock("tv", wall)
	for i := 0; i < 10; i++ {
		c.Now()
	}
	before := c.Last()

	c.Update(hlc.Timestamp{PhysicalMS: 1000, Logical: 1, DeviceID: "phone"})

	assert.True(t, c.Last().After(before))
	assert.True(t, c.Now().After(before))
}

func TestClock_UpdateWhenWallAheadOfRemote(t *testing.T) {
	wall := testutil.NewFakeClockMS(1000)
	c := hlc.NewClock("tv", wall)
	c.Now()
	wall.Set(time.UnixMilli(8000))

	remote := hlc.Timestamp{PhysicalMS: 3000, Logical: 7, DeviceID: "phone"}
	c.Update(remote)

	next := c.Now()
	assert.True(t, next.After(remote))
	assert.Equal(t, uint64(8000), next.PhysicalMS)
}

func TestClock_ConcurrentNowIsUnique(t *testing.T) {
	c := hlc.NewClock("browser", testutil.NewFakeClockMS(42))
	const goroutines = 50
	const perGoroutine = 100

	var wg sync.WaitGroup
	out := make(chan hlc.Timestamp, goroutines*perGoroutine)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				out <- c.Now()
			}
		}()
	}
	wg.Wait()
	close(out)

	seen := make(map[hlc.Timestamp]bool)
	for ts := range out {
		require.False(t, seen[ts], "timestamp %+v issued twice", ts)
		seen[ts] = true
	}
	assert.Len(t, seen, goroutines*perGoroutine)
}

func TestClockSet_NowIsCausallyAfterObserved(t *testing.T) {
	set := hlc.NewClockSet(testutil.NewFakeClockMS(1000))

	remote := hlc.Timestamp{PhysicalMS: 50_000, Logical: 3, DeviceID: "phone"}
	set.Observe(remote)

	ts := set.Now("tv")
	assert.Equal(t, "tv", ts.DeviceID)
	assert.True(t, ts.After(remote))
}

func TestClockSet_ObserveKeepsHighest(t *testing.T) {
	set := hlc.NewClockSet(testutil.NewFakeClockMS(1))
	high := hlc.Timestamp{PhysicalMS: 900, DeviceID: "a"}

	set.Observe(high)
	set.Observe(hlc.Timestamp{PhysicalMS: 100, DeviceID: "b"})

	assert.Equal(t, high, set.Observed())
}

func TestClockSet_ForReturnsSameClock(t *testing.T) {
	set := hlc.NewClockSet(nil)
	assert.Same(t, set.For("tv"), set.For("tv"))
	assert.NotSame(t, set.For("tv"), set.For("phone"))
}
