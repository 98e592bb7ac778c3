package realtime

import (
	"context"
	"log"
	"sync"
	"time"

	"media-sync/internal/middleware"
	"media-sync/internal/models"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 64 * 1024
)

// FrameHandler processes one frame sent by a client.
type FrameHandler interface {
	HandleFrame(ctx context.Context, c *Connection, data []byte) error
}

// Connection is one device's WebSocket. Outbound frames go through a
// bounded queue drained by WritePump, so a slow device never blocks the
// goroutine that fans a message out to its siblings.
type Connection struct {
	*models.ConnectionInfo
	ws *websocket.Conn

	mu      sync.Mutex
	send    chan []byte
	pending [][]byte
	held    bool
	closed  bool
	done    chan struct{}
}

// NewConnection wraps ws. ws may be nil in tests; frames then stay in the
// queue and can be read from Outbound.
func NewConnection(info *models.ConnectionInfo, ws *websocket.Conn, buffer int) *Connection {
	if buffer <= 0 {
		buffer = 1
	}
	return &Connection{
		ConnectionInfo: info,
		ws:             ws,
		send:           make(chan []byte, buffer),
		done:           make(chan struct{}),
	}
}

// Hold parks frames in a side buffer until Release is called. The
// WebSocket handler holds a new connection while it loads full state, so
// the sync_state frame goes out before any delta relayed meanwhile.
func (c *Connection) Hold() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.held = true
}

// Release queues first (if any) and then everything parked during Hold.
func (c *Connection) Release(first []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.held = false
	ok := true
	if first != nil {
		ok = c.enqueueLocked(first)
	}
	for _, p := range c.pending {
		if !c.enqueueLocked(p) {
			ok = false
		}
	}
	c.pending = nil
	return ok
}

// Enqueue queues payload without blocking. False means the queue was full
// or the connection is closed.
func (c *Connection) Enqueue(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.held {
		if c.closed || len(c.pending) >= cap(c.send) {
			return false
		}
		c.pending = append(c.pending, payload)
		return true
	}
	return c.enqueueLocked(payload)
}

func (c *Connection) enqueueLocked(payload []byte) bool {
	if c.closed {
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// Outbound exposes the queue.
func (c *Connection) Outbound() <-chan []byte {
	return c.send
}

// Done is closed once the connection is closed.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Close stops the pumps and closes the socket. Safe to call repeatedly.
func (c *Connection) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
	if c.ws != nil {
		c.ws.Close()
	}
}

func (c *Connection) touch() {
	c.mu.Lock()
	c.LastActiveAt = time.Now()
	c.mu.Unlock()
}

// ReadPump reads client frames until the socket fails, then calls onClose.
// Learning: each connection has its own reader goroutine; gorilla allows
// one concurrent reader and one concurrent writer per connection.
func (c *Connection) ReadPump(ctx context.Context, handler FrameHandler, onClose func()) {
	defer func() {
		c.Close()
		if onClose != nil {
			onClose()
		}
	}()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		c.touch()
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("⚠️  WebSocket %s read error: %v", c.ID, err)
			}
			return
		}
		c.touch()

		frameCtx, span := middleware.StartSpan(ctx, "WebSocket.Frame",
			attribute.String("connection.id", c.ID),
			attribute.String("device.id", c.DeviceID),
			attribute.Int("frame.size", len(data)),
		)
		if err := handler.HandleFrame(frameCtx, c, data); err != nil {
			middleware.AddSpanError(frameCtx, err)
		}
		span.End()
	}
}

// WritePump drains the queue onto the socket and keeps it alive with pings.
func (c *Connection) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case payload := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			// Learning: one JSON object per text frame, never batched
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
