package realtime

import (
	"log"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

/*
LEARNING: A SHARDED CONNECTION REGISTRY

Every connection handler registers, unregisters and broadcasts concurrently.
One map behind one mutex would make a broadcast to alice wait for bob's
unregister. The registry is split into 32 shards, each with its own lock,
and a user always lands in the same shard:

  shard = xxhash(user_id) % 32

Two users only contend when they hash to the same shard. A second index,
connection_id → connection, lives in a sync.Map so Unregister(id) does not
need to know the user up front.
*/

const shardCount = 32

// Filter selects the connections a message is delivered to.
type Filter func(c *Connection) bool

// ExceptDevice skips the device a message came from.
func ExceptDevice(deviceID string) Filter {
	return func(c *Connection) bool { return deviceID == "" || c.DeviceID != deviceID }
}

// OnlyDevice targets a single device.
func OnlyDevice(deviceID string) Filter {
	return func(c *Connection) bool { return c.DeviceID == deviceID }
}

type shard struct {
	mu    sync.RWMutex
	users map[string]map[string]*Connection // user -> connection id -> conn
}

// ConnectionRegistry maps users to their live connections.
type ConnectionRegistry struct {
	shards [shardCount]*shard
	index  sync.Map // connection id -> *Connection
	count  atomic.Int64
}

// NewConnectionRegistry creates an empty registry.
func NewConnectionRegistry() *ConnectionRegistry {
	r := &ConnectionRegistry{}
	for i := range r.shards {
		r.shards[i] = &shard{users: make(map[string]map[string]*Connection)}
	}
	return r
}

func (r *ConnectionRegistry) shardFor(userID string) *shard {
	return r.shards[xxhash.Sum64String(userID)%shardCount]
}

// Register adds c under its user and returns its connection id.
func (r *ConnectionRegistry) Register(c *Connection) string {
	s := r.shardFor(c.UserID)

	s.mu.Lock()
	conns := s.users[c.UserID]
	if conns == nil {
		conns = make(map[string]*Connection)
		s.users[c.UserID] = conns
	}
	if _, exists := conns[c.ID]; !exists {
		conns[c.ID] = c
		r.count.Add(1)
	}
	s.mu.Unlock()

	r.index.Store(c.ID, c)
	return c.ID
}

// Unregister removes a connection from both indexes. The user entry goes
// away with its last connection.
func (r *ConnectionRegistry) Unregister(connectionID string) (*Connection, bool) {
	v, ok := r.index.LoadAndDelete(connectionID)
	if !ok {
		return nil, false
	}
	c := v.(*Connection)
	s := r.shardFor(c.UserID)

	s.mu.Lock()
	if conns, ok := s.users[c.UserID]; ok {
		if _, ok := conns[connectionID]; ok {
			delete(conns, connectionID)
			r.count.Add(-1)
		}
		if len(conns) == 0 {
			delete(s.users, c.UserID)
		}
	}
	s.mu.Unlock()

	return c, true
}

// Get returns a connection by id.
func (r *ConnectionRegistry) Get(connectionID string) (*Connection, bool) {
	v, ok := r.index.Load(connectionID)
	if !ok {
		return nil, false
	}
	return v.(*Connection), true
}

// SendToUser queues payload on every connection of userID that passes
// filter (nil means all) and returns how many accepted it. It never waits
// on a connection: one whose queue is full misses the message and is closed
// so the device reconnects and reloads full state.
func (r *ConnectionRegistry) SendToUser(userID string, payload []byte, filter Filter) int {
	s := r.shardFor(userID)

	delivered := 0
	var slow []*Connection

	s.mu.RLock()
	for _, c := range s.users[userID] {
		if filter != nil && !filter(c) {
			continue
		}
		if c.Enqueue(payload) {
			delivered++
		} else {
			slow = append(slow, c)
		}
	}
	s.mu.RUnlock()

	for _, c := range slow {
		log.Printf("⚠️  Connection %s (device %s) queue full, closing", c.ID, c.DeviceID)
		r.Unregister(c.ID)
		c.Close()
	}
	return delivered
}

// ConnectionsForUser returns a snapshot of the user's connections.
func (r *ConnectionRegistry) ConnectionsForUser(userID string) []*Connection {
	s := r.shardFor(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	conns := make([]*Connection, 0, len(s.users[userID]))
	for _, c := range s.users[userID] {
		conns = append(conns, c)
	}
	sort.Slice(conns, func(i, j int) bool { return conns[i].ID < conns[j].ID })
	return conns
}

// DeviceConnected reports whether deviceID has at least one live connection.
func (r *ConnectionRegistry) DeviceConnected(userID, deviceID string) bool {
	s := r.shardFor(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, c := range s.users[userID] {
		if c.DeviceID == deviceID {
			return true
		}
	}
	return false
}

// Count is the number of live connections.
func (r *ConnectionRegistry) Count() int {
	return int(r.count.Load())
}

// Users lists users with at least one connection.
func (r *ConnectionRegistry) Users() []string {
	var users []string
	for _, s := range r.shards {
		s.mu.RLock()
		for u := range s.users {
			users = append(users, u)
		}
		s.mu.RUnlock()
	}
	sort.Strings(users)
	return users
}

// CloseAll closes and forgets every connection.
func (r *ConnectionRegistry) CloseAll() {
	r.index.Range(func(key, _ any) bool {
		if c, ok := r.Unregister(key.(string)); ok {
			c.Close()
		}
		return true
	})
}
