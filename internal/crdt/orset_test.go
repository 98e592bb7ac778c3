package crdt

import (
	"encoding/json"
	"math/rand"
	"testing"

	"media-sync/internal/hlc"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ts(ms uint64, device string) hlc.Timestamp {
	return hlc.Timestamp{PhysicalMS: ms, DeviceID: device}
}

// op is a replayable watchlist delta: an add of entry, or a remove of tag.
type op struct {
	add    *Entry
	remove uuid.UUID
}

func (o op) apply(s *ORSet) {
	if o.add != nil {
		s.Insert(*o.add)
		return
	}
	s.RemoveByTag(o.remove)
}

func addOp(e Entry) op          { return op{add: &e} }
func removeOp(tag uuid.UUID) op { return op{remove: tag} }

func TestORSet_AddContainsLen(t *testing.T) {
	s := NewORSet()
	assert.False(t, s.Contains("content-1"))
	assert.Equal(t, 0, s.Len())

	e := s.Add("content-1", ts(100, "phone"), "phone")
	s.Add("content-1", ts(101, "tv"), "tv")
	s.Add("content-2", ts(102, "tv"), "tv")

	assert.NotEqual(t, uuid.Nil, e.Tag)
	assert.True(t, s.Contains("content-1"))
	assert.Equal(t, 2, s.Len(), "len counts distinct live content ids")
	assert.Equal(t, []string{"content-1", "content-2"}, s.Items())
}

func TestORSet_InsertSameTagTwiceIsNoop(t *testing.T) {
	e := NewEntry("content-1", ts(100, "phone"), "phone")

	once := NewORSet()
	once.Insert(e)

	twice := NewORSet()
	assert.True(t, twice.Insert(e))
	assert.False(t, twice.Insert(e))

	assert.True(t, once.Equal(twice))
}

func TestORSet_RemoveByTagIdempotent(t *testing.T) {
	s := NewORSet()
	e := s.Add("content-1", ts(100, "phone"), "phone")

	s.RemoveByTag(e.Tag)
	afterOne := s.Clone()
	s.RemoveByTag(e.Tag)

	assert.False(t, s.Contains("content-1"))
	assert.True(t, afterOne.Equal(s))
}

func TestORSet_RemoveUnknownTagIsSilent(t *testing.T) {
	s := NewORSet()
	s.Add("content-1", ts(100, "phone"), "phone")

	assert.NotPanics(t, func() { s.RemoveByTag(uuid.New()) })
	assert.True(t, s.Contains("content-1"))
	assert.Equal(t, 1, s.Len())
}

func TestORSet_TombstoneRejectsLateDuplicateAdd(t *testing.T) {
	s := NewORSet()
	e := s.Add("content-1", ts(100, "phone"), "phone")
	s.RemoveByTag(e.Tag)

	assert.False(t, s.Insert(e), "a delayed duplicate add must not resurrect the entry")
	assert.False(t, s.Contains("content-1"))
}

func TestORSet_RemoveAllForContent(t *testing.T) {
	s := NewORSet()
	a := s.Add("content-1", ts(100, "phone"), "phone")
	b := s.Add("content-1", ts(101, "tv"), "tv")
	s.Add("content-2", ts(102, "tv"), "tv")

	removed := s.RemoveAllForContent("content-1")

	assert.ElementsMatch(t, []uuid.UUID{a.Tag, b.Tag}, removed)
	assert.False(t, s.Contains("content-1"))
	assert.True(t, s.Contains("content-2"))
	assert.Empty(t, s.RemoveAllForContent("content-1"), "nothing live is left to remove")
}

func TestORSet_ResurrectionAfterConcurrentReAdd(t *testing.T) {
	first := NewEntry("content-1", ts(100, "phone"), "phone")
	second := NewEntry("content-1", ts(200, "tv"), "tv")
	ops := []op{addOp(first), removeOp(first.Tag), addOp(second)}

	for _, perm := range permutations(len(ops)) {
		s := NewORSet()
		for _, i := range perm {
			ops[i].apply(s)
		}
		assert.True(t, s.Contains("content-1"), "order %v lost the re-add", perm)
		assert.Equal(t, []uuid.UUID{second.Tag}, s.LiveTags("content-1"))
	}
}

func TestORSet_CommutativityOfPairs(t *testing.T) {
	e1 := NewEntry("content-1", ts(100, "phone"), "phone")
	e2 := NewEntry("content-1", ts(150, "tv"), "tv")
	e3 := NewEntry("content-2", ts(160, "tv"), "tv")
	candidates := []op{addOp(e1), addOp(e2), addOp(e3), removeOp(e1.Tag), removeOp(e3.Tag), removeOp(uuid.New())}

	for i, a := range candidates {
		for j, b := range candidates {
			ab := NewORSet()
			a.apply(ab)
			b.apply(ab)

			ba := NewORSet()
			b.apply(ba)
			a.apply(ba)

			assert.True(t, ab.Equal(ba), "ops %d and %d do not commute", i, j)
			assert.Equal(t, ab.Items(), ba.Items())
		}
	}
}

func TestORSet_MergeLaws(t *testing.T) {
	a := NewORSet()
	x := a.Add("content-1", ts(1, "phone"), "phone")
	a.Add("content-2", ts(2, "phone"), "phone")

	b := NewORSet()
	b.Insert(x)
	b.RemoveByTag(x.Tag)
	b.Add("content-3", ts(3, "tv"), "tv")

	c := NewORSet()
	c.Add("content-1", ts(4, "browser"), "browser")

	// commutative
	ab := a.Clone()
	ab.Merge(b)
	ba := b.Clone()
	ba.Merge(a)
	assert.True(t, ab.Equal(ba))

	// associative
	left := a.Clone()
	left.Merge(b)
	left.Merge(c)
	bc := b.Clone()
	bc.Merge(c)
	right := a.Clone()
	right.Merge(bc)
	assert.True(t, left.Equal(right))

	// idempotent
	again := ab.Clone()
	again.Merge(ab)
	assert.True(t, again.Equal(ab))

	assert.Equal(t, []string{"content-1", "content-2", "content-3"}, left.Items())
	assert.Equal(t, 1, len(left.LiveTags("content-1")))
}

func TestORSet_ConvergenceUnderLossAndDuplication(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	var history []op
	var live []Entry
	for i := 0; i < 40; i++ {
		if len(live) > 0 && rng.Intn(3) == 0 {
			k := rng.Intn(len(live))
			history = append(history, removeOp(live[k].Tag))
			live = append(live[:k], live[k+1:]...)
			continue
		}
		e := NewEntry(contentName(rng.Intn(5)), ts(uint64(i+1), "d"), "d")
		history = append(history, addOp(e))
		live = append(live, e)
	}

	reference := NewORSet()
	for _, o := range history {
		o.apply(reference)
	}

	for round := 0; round < 25; round++ {
		// a lossy, duplicated, shuffled delivery...
		var delivered []op
		for _, o := range history {
			copies := rng.Intn(3)
			for c := 0; c < copies; c++ {
				delivered = append(delivered, o)
			}
		}
		rng.Shuffle(len(delivered), func(i, j int) { delivered[i], delivered[j] = delivered[j], delivered[i] })

		partial := NewORSet()
		for _, o := range delivered {
			o.apply(partial)
		}

		// ...plus a full-state reconcile always converges to the reference.
		partial.Merge(reference)
		require.True(t, partial.Equal(reference), "round %d diverged", round)

		// and a replica built from the partial delivery alone never holds
		// anything the reference does not.
		lossy := NewORSet()
		for _, o := range delivered {
			o.apply(lossy)
		}
		for _, item := range lossy.Items() {
			for _, tag := range lossy.LiveTags(item) {
				assert.False(t, reference.IsRemoved(tag) && containsTag(delivered, tag), "round %d: removed tag %s is live", round, tag)
			}
		}
	}
}

func TestORSet_FullDeliveryInAnyOrderConverges(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	e1 := NewEntry("content-1", ts(10, "phone"), "phone")
	e2 := NewEntry("content-1", ts(20, "tv"), "tv")
	e3 := NewEntry("content-2", ts(30, "tv"), "tv")
	history := []op{addOp(e1), addOp(e2), removeOp(e1.Tag), addOp(e3), removeOp(e3.Tag)}

	reference := NewORSet()
	for _, o := range history {
		o.apply(reference)
	}

	for round := 0; round < 50; round++ {
		delivered := append([]op{}, history...)
		delivered = append(delivered, history[rng.Intn(len(history))])
		rng.Shuffle(len(delivered), func(i, j int) { delivered[i], delivered[j] = delivered[j], delivered[i] })

		replica := NewORSet()
		for _, o := range delivered {
			o.apply(replica)
		}
		require.True(t, replica.Equal(reference), "round %d diverged", round)
	}
	assert.Equal(t, []string{"content-1"}, reference.Items())
}

func TestORSet_JSONRoundTripKeepsTombstones(t *testing.T) {
	s := NewORSet()
	a := s.Add("content-1", ts(100, "phone"), "phone")
	s.Add("content-2", ts(101, "tv"), "tv")
	s.RemoveByTag(a.Tag)

	data, err := json.Marshal(s)
	require.NoError(t, err)

	decoded := NewORSet()
	require.NoError(t, json.Unmarshal(data, decoded))

	assert.True(t, decoded.Equal(s))
	assert.False(t, decoded.Insert(a), "tombstone must survive serialization")
	assert.False(t, decoded.Contains("content-1"))
}

func contentName(i int) string {
	return []string{"content-a", "content-b", "content-c", "content-d", "content-e"}[i]
}

func containsTag(ops []op, tag uuid.UUID) bool {
	for _, o := range ops {
		if o.add == nil && o.remove == tag {
			return true
		}
	}
	return false
}

func permutations(n int) [][]int {
	var out [][]int
	var rec func(prefix []int, used []bool)
	rec = func(prefix []int, used []bool) {
		if len(prefix) == n {
			out = append(out, append([]int{}, prefix...))
			return
		}
		for i := 0; i < n; i++ {
			if used[i] {
				continue
			}
			used[i] = true
			rec(append(prefix, i), used)
			used[i] = false
		}
	}
	rec(nil, make([]bool, n))
	return out
}
