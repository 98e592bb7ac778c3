package crdt

import (
	"encoding/json"
	"fmt"
	"sort"

	"media-sync/internal/hlc"

	"github.com/google/uuid"
)

/*
LEARNING: OBSERVED-REMOVE SET (OR-SET)

The watchlist is a set that many devices edit at once.

A naive set breaks when a phone removes "content-1" while a TV re-adds it:
whichever message arrives last wins, and a stale remove can silently delete
the fresh add.

The OR-Set fixes this by giving every add its own random tag:

  add("content-1")    -> entry{tag: A}
  remove("content-1") -> tombstone{A}      (removes only what it observed)
  add("content-1")    -> entry{tag: B}     (new tag, untouched by the remove)

Membership: content is present iff at least one of its tags is not
tombstoned. Merge is a plain union of entries and of tombstones, so it is
commutative, associative and idempotent. Replicas converge no matter how
messages are ordered, duplicated or delayed.
*/

// Entry is one observed add. Entries are never mutated, only tombstoned.
type Entry struct {
	ContentID string        `json:"content_id"`
	Tag       uuid.UUID     `json:"unique_tag"`
	Timestamp hlc.Timestamp `json:"timestamp"`
	DeviceID  string        `json:"device_id"`
}

// ORSet is the watchlist CRDT. Not safe for concurrent use; callers own the
// locking (see the coordinator's per-user replica).
type ORSet struct {
	entries    map[uuid.UUID]Entry
	tombstones map[uuid.UUID]struct{}
}

// NewORSet creates an empty set.
func NewORSet() *ORSet {
	return &ORSet{
		entries:    make(map[uuid.UUID]Entry),
		tombstones: make(map[uuid.UUID]struct{}),
	}
}

// NewEntry builds an add with a fresh random tag without inserting it.
// Used when the add has to be made durable before it is applied.
func NewEntry(contentID string, ts hlc.Timestamp, deviceID string) Entry {
	return Entry{
		ContentID: contentID,
		Tag:       uuid.New(),
		Timestamp: ts,
		DeviceID:  deviceID,
	}
}

// Add creates a new entry for contentID with a fresh tag and inserts it.
func (s *ORSet) Add(contentID string, ts hlc.Timestamp, deviceID string) Entry {
	entry := NewEntry(contentID, ts, deviceID)
	s.Insert(entry)
	return entry
}

// Insert applies an add produced elsewhere. Returns true only when the add
// made a new entry live. A duplicate tag is a no-op; a tombstoned tag is
// recorded (so replicas hold identical state) but stays removed.
func (s *ORSet) Insert(entry Entry) bool {
	if _, exists := s.entries[entry.Tag]; exists {
		return false
	}
	s.entries[entry.Tag] = entry
	_, removed := s.tombstones[entry.Tag]
	return !removed
}

// RemoveByTag tombstones a single tag. Unknown tags are remembered as well so
// an add that arrives later cannot bring them back; nothing is reported.
func (s *ORSet) RemoveByTag(tag uuid.UUID) {
	s.tombstones[tag] = struct{}{}
}

// RemoveAllForContent tombstones every live entry for contentID and returns
// the removed tags, sorted, so each can be broadcast on its own.
func (s *ORSet) RemoveAllForContent(contentID string) []uuid.UUID {
	tags := s.LiveTags(contentID)
	for _, tag := range tags {
		s.tombstones[tag] = struct{}{}
	}
	return tags
}

// LiveTags returns the sorted tags of live entries for contentID.
func (s *ORSet) LiveTags(contentID string) []uuid.UUID {
	var tags []uuid.UUID
	for tag, entry := range s.entries {
		if entry.ContentID != contentID {
			continue
		}
		if _, removed := s.tombstones[tag]; removed {
			continue
		}
		tags = append(tags, tag)
	}
	sortTags(tags)
	return tags
}

// Contains reports whether contentID has at least one live entry.
func (s *ORSet) Contains(contentID string) bool {
	for tag, entry := range s.entries {
		if entry.ContentID != contentID {
			continue
		}
		if _, removed := s.tombstones[tag]; !removed {
			return true
		}
	}
	return false
}

// Len returns the number of distinct live content ids.
func (s *ORSet) Len() int {
	return len(s.liveContent())
}

// Items returns the live content ids, sorted.
func (s *ORSet) Items() []string {
	live := s.liveContent()
	items := make([]string, 0, len(live))
	for id := range live {
		items = append(items, id)
	}
	sort.Strings(items)
	return items
}

// Entries returns every live entry ordered by timestamp, oldest first.
func (s *ORSet) Entries() []Entry {
	out := make([]Entry, 0, len(s.entries))
	for tag, entry := range s.entries {
		if _, removed := s.tombstones[tag]; removed {
			continue
		}
		out = append(out, entry)
	}
	sortEntries(out)
	return out
}

// AllEntries returns every entry ever observed, including tombstoned ones.
func (s *ORSet) AllEntries() []Entry {
	out := make([]Entry, 0, len(s.entries))
	for _, entry := range s.entries {
		out = append(out, entry)
	}
	sortEntries(out)
	return out
}

// Tombstones returns every removed tag, sorted.
func (s *ORSet) Tombstones() []uuid.UUID {
	tags := make([]uuid.UUID, 0, len(s.tombstones))
	for tag := range s.tombstones {
		tags = append(tags, tag)
	}
	sortTags(tags)
	return tags
}

// IsRemoved reports whether tag has been tombstoned.
func (s *ORSet) IsRemoved(tag uuid.UUID) bool {
	_, removed := s.tombstones[tag]
	return removed
}

// Merge folds other into s: union of entries keyed by tag, union of
// tombstones. Commutative, associative and idempotent.
func (s *ORSet) Merge(other *ORSet) {
	if other == nil {
		return
	}
	for tag, entry := range other.entries {
		if _, exists := s.entries[tag]; !exists {
			s.entries[tag] = entry
		}
	}
	for tag := range other.tombstones {
		s.tombstones[tag] = struct{}{}
	}
}

// Clone returns a deep copy.
func (s *ORSet) Clone() *ORSet {
	c := NewORSet()
	c.Merge(s)
	return c
}

// Equal reports whether both sets hold the same entries and tombstones.
func (s *ORSet) Equal(other *ORSet) bool {
	if len(s.entries) != len(other.entries) || len(s.tombstones) != len(other.tombstones) {
		return false
	}
	for tag, entry := range s.entries {
		if o, ok := other.entries[tag]; !ok || o != entry {
			return false
		}
	}
	for tag := range s.tombstones {
		if _, ok := other.tombstones[tag]; !ok {
			return false
		}
	}
	return true
}

func (s *ORSet) liveContent() map[string]struct{} {
	live := make(map[string]struct{})
	for tag, entry := range s.entries {
		if _, removed := s.tombstones[tag]; !removed {
			live[entry.ContentID] = struct{}{}
		}
	}
	return live
}

type orSetJSON struct {
	Entries    []Entry     `json:"entries"`
	Tombstones []uuid.UUID `json:"tombstones"`
}

// MarshalJSON serializes the full state, tombstones included.
func (s *ORSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(orSetJSON{
		Entries:    s.AllEntries(),
		Tombstones: s.Tombstones(),
	})
}

// UnmarshalJSON replaces s with the decoded state.
func (s *ORSet) UnmarshalJSON(data []byte) error {
	var raw orSetJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to decode or-set: %w", err)
	}
	s.entries = make(map[uuid.UUID]Entry, len(raw.Entries))
	s.tombstones = make(map[uuid.UUID]struct{}, len(raw.Tombstones))
	for _, entry := range raw.Entries {
		s.entries[entry.Tag] = entry
	}
	for _, tag := range raw.Tombstones {
		s.tombstones[tag] = struct{}{}
	}
	return nil
}

func sortTags(tags []uuid.UUID) {
	sort.Slice(tags, func(i, j int) bool { return tags[i].String() < tags[j].String() })
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if c := hlc.Compare(entries[i].Timestamp, entries[j].Timestamp); c != 0 {
			return c < 0
		}
		return entries[i].Tag.String() < entries[j].Tag.String()
	})
}
