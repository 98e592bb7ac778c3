package realtime

import (
	"fmt"
	"sync"
	"testing"

	"media-sync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConn(userID, deviceID string, buffer int) *Connection {
	return NewConnection(models.NewConnectionInfo(userID, deviceID), nil, buffer)
}

func drain(c *Connection) [][]byte {
	var out [][]byte
	for {
		select {
		case p := <-c.Outbound():
			out = append(out, p)
		default:
			return out
		}
	}
}

func TestConnectionRegistry_RegisterUnregister(t *testing.T) {
	reg := NewConnectionRegistry()
	phone := newTestConn("alice", "phone", 4)
	tv := newTestConn("alice", "tv", 4)

	reg.Register(phone)
	reg.Register(tv)
	reg.Register(tv) // re-register is a no-op

	assert.Equal(t, 2, reg.Count())
	assert.Equal(t, []string{"alice"}, reg.Users())
	assert.Len(t, reg.ConnectionsForUser("alice"), 2)
	assert.True(t, reg.DeviceConnected("alice", "tv"))

	got, ok := reg.Unregister(tv.ID)
	require.True(t, ok)
	assert.Same(t, tv, got)
	assert.False(t, reg.DeviceConnected("alice", "tv"))

	_, ok = reg.Unregister(tv.ID)
	assert.False(t, ok)

	reg.Unregister(phone.ID)
	assert.Equal(t, 0, reg.Count())
	assert.Empty(t, reg.Users(), "user entry is removed with its last connection")
}

func TestConnectionRegistry_SendToUserFilters(t *testing.T) {
	reg := NewConnectionRegistry()
	phone := newTestConn("alice", "phone", 4)
	tv := newTestConn("alice", "tv", 4)
	bobTV := newTestConn("bob", "tv", 4)
	for _, c := range []*Connection{phone, tv, bobTV} {
		reg.Register(c)
	}

	n := reg.SendToUser("alice", []byte(`all`), nil)
	assert.Equal(t, 2, n)

	n = reg.SendToUser("alice", []byte(`not-phone`), ExceptDevice("phone"))
	assert.Equal(t, 1, n)

	n = reg.SendToUser("alice", []byte(`tv-only`), OnlyDevice("tv"))
	assert.Equal(t, 1, n)

	assert.Equal(t, [][]byte{[]byte(`all`)}, drain(phone))
	assert.Equal(t, [][]byte{[]byte(`all`), []byte(`not-phone`), []byte(`tv-only`)}, drain(tv))
	assert.Empty(t, drain(bobTV), "users are isolated")

	assert.Equal(t, 0, reg.SendToUser("nobody", []byte(`x`), nil))
}

func TestConnectionRegistry_SlowConnectionDoesNotBlockSiblings(t *testing.T) {
	reg := NewConnectionRegistry()
	slow := newTestConn("alice", "old-tablet", 1)
	fast := newTestConn("alice", "phone", 8)
	reg.Register(slow)
	reg.Register(fast)

	assert.Equal(t, 2, reg.SendToUser("alice", []byte(`1`), nil))
	// slow's single slot is taken; it is dropped and closed, fast still gets it
	assert.Equal(t, 1, reg.SendToUser("alice", []byte(`2`), nil))

	select {
	case <-slow.Done():
	default:
		t.Fatal("slow connection was not closed")
	}
	assert.Equal(t, 1, reg.Count())
	assert.Equal(t, [][]byte{[]byte(`1`), []byte(`2`)}, drain(fast))
}

func TestConnectionRegistry_ConcurrentUsers(t *testing.T) {
	reg := NewConnectionRegistry()

	var wg sync.WaitGroup
	for u := 0; u < 20; u++ {
		wg.Add(1)
		go func(u int) {
			defer wg.Done()
			user := fmt.Sprintf("user-%d", u)
			for i := 0; i < 50; i++ {
				c := newTestConn(user, fmt.Sprintf("dev-%d", i), 2)
				reg.Register(c)
				reg.SendToUser(user, []byte(`x`), nil)
				reg.Unregister(c.ID)
			}
		}(u)
	}
	wg.Wait()

	assert.Equal(t, 0, reg.Count())
	assert.Empty(t, reg.Users())
}

func TestConnection_HoldKeepsFirstFrameFirst(t *testing.T) {
	c := newTestConn("alice", "phone", 4)
	c.Hold()

	assert.True(t, c.Enqueue([]byte(`delta`)))
	assert.Empty(t, drain(c), "held frames are parked")

	assert.True(t, c.Release([]byte(`state`)))
	assert.Equal(t, [][]byte{[]byte(`state`), []byte(`delta`)}, drain(c))
}

func TestConnection_CloseRejectsFrames(t *testing.T) {
	c := newTestConn("alice", "phone", 4)
	c.Close()
	c.Close()

	assert.False(t, c.Enqueue([]byte(`x`)))
}

func TestConnectionRegistry_CloseAll(t *testing.T) {
	reg := NewConnectionRegistry()
	a := newTestConn("alice", "phone", 1)
	b := newTestConn("bob", "tv", 1)
	reg.Register(a)
	reg.Register(b)

	reg.CloseAll()

	assert.Equal(t, 0, reg.Count())
	for _, c := range []*Connection{a, b} {
		select {
		case <-c.Done():
		default:
			t.Fatalf("connection %s still open", c.ID)
		}
	}
}
