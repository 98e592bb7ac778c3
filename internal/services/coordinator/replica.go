package coordinator

import (
	"sync"

	"media-sync/internal/crdt"

	"github.com/google/uuid"
)

// Replica is the in-memory copy of one user's CRDT state held by this
// gateway. The repository stays the owner of record; the replica is what
// remote deltas are merged into while the user is connected here.
type Replica struct {
	mu        sync.RWMutex
	watchlist *crdt.ORSet
	progress  *crdt.ProgressMap
}

func newReplica() *Replica {
	return &Replica{watchlist: crdt.NewORSet(), progress: crdt.NewProgressMap()}
}

// Merge folds durable state into the replica.
func (r *Replica) Merge(set *crdt.ORSet, positions []crdt.PlaybackPosition) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if set != nil {
		r.watchlist.Merge(set)
	}
	for _, p := range positions {
		r.progress.Apply(p)
	}
}

// InsertEntry applies an add.
func (r *Replica) InsertEntry(entry crdt.Entry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.watchlist.Insert(entry)
}

// RemoveTag applies a remove.
func (r *Replica) RemoveTag(tag uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.watchlist.RemoveByTag(tag)
}

// ApplyProgress runs a candidate through the LWW register.
func (r *Replica) ApplyProgress(p crdt.PlaybackPosition) (crdt.PlaybackPosition, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.progress.Apply(p)
}

// Snapshot returns copies safe to read without the lock.
func (r *Replica) Snapshot() (*crdt.ORSet, *crdt.ProgressMap) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.watchlist.Clone(), r.progress.Clone()
}

// ReplicaCache holds one replica per user.
type ReplicaCache struct {
	replicas sync.Map // user id -> *Replica
}

// NewReplicaCache creates an empty cache.
func NewReplicaCache() *ReplicaCache {
	return &ReplicaCache{}
}

// Get returns the user's replica if one was loaded.
func (c *ReplicaCache) Get(userID string) (*Replica, bool) {
	v, ok := c.replicas.Load(userID)
	if !ok {
		return nil, false
	}
	return v.(*Replica), true
}

// GetOrCreate returns the user's replica, creating an empty one.
func (c *ReplicaCache) GetOrCreate(userID string) *Replica {
	if r, ok := c.Get(userID); ok {
		return r
	}
	v, _ := c.replicas.LoadOrStore(userID, newReplica())
	return v.(*Replica)
}

// Drop forgets the user's replica.
func (c *ReplicaCache) Drop(userID string) {
	c.replicas.Delete(userID)
}

// Len counts cached replicas.
func (c *ReplicaCache) Len() int {
	n := 0
	c.replicas.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
