package realtime

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"media-sync/internal/middleware"
	"media-sync/internal/models"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Identity is checked by IdentityMiddleware before the upgrade
	CheckOrigin: func(r *http.Request) bool { return true },
}

// SyncService is what a connection needs from the coordinator.
type SyncService interface {
	LoadState(ctx context.Context, userID string) (*models.SyncState, error)
	HandleClientMessage(ctx context.Context, userID, deviceID string, data []byte) error
	Heartbeat(ctx context.Context, userID, deviceID string, caps *models.Capabilities) (time.Time, error)
	Disconnect(ctx context.Context, userID, deviceID string) error
}

// WebSocketHandler serves /ws.
type WebSocketHandler struct {
	registry   *ConnectionRegistry
	relay      *Relay
	service    SyncService
	sendBuffer int
}

// NewWebSocketHandler creates the handler. sendBuffer bounds each
// connection's outbound queue.
func NewWebSocketHandler(registry *ConnectionRegistry, relay *Relay, service SyncService, sendBuffer int) *WebSocketHandler {
	return &WebSocketHandler{
		registry:   registry,
		relay:      relay,
		service:    service,
		sendBuffer: sendBuffer,
	}
}

// HandleConnection upgrades the request and runs the connection:
//
//  1. register the connection, holding outbound frames
//  2. acquire the user's relay subscription
//  3. heartbeat the device (online, presence broadcast)
//  4. load full state and send it as the first frame
//  5. start the pumps
func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())
	deviceID := middleware.DeviceID(r.Context())
	if deviceID == "" {
		http.Error(w, "device_id is required", http.StatusBadRequest)
		return
	}

	ctx, span := middleware.StartSpan(r.Context(), "WebSocket.Connect",
		attribute.String("user.id", userID),
		attribute.String("device.id", deviceID),
	)
	defer span.End()

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("⚠️  Failed to upgrade WebSocket: %v", err)
		middleware.AddSpanError(ctx, err)
		return
	}

	conn := NewConnection(models.NewConnectionInfo(userID, deviceID), ws, h.sendBuffer)
	conn.Hold()
	h.registry.Register(conn)
	h.relay.Acquire(ctx, userID)

	if _, err := h.service.Heartbeat(ctx, userID, deviceID, nil); err != nil {
		log.Printf("⚠️  Heartbeat on connect failed for device %s: %v", deviceID, err)
	}

	conn.Release(h.initialFrame(ctx, userID))

	// Learning: the request context ends when this handler returns, so the
	// pumps run on their own context
	go conn.WritePump()
	go conn.ReadPump(context.Background(), h, func() { h.disconnect(conn) })

	log.Printf("✓ WebSocket connected: user %s device %s (%s)", userID, deviceID, conn.ID)
}

func (h *WebSocketHandler) initialFrame(ctx context.Context, userID string) []byte {
	var frame interface{}
	state, err := h.service.LoadState(ctx, userID)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		log.Printf("⚠️  Failed to load state for user %s: %v", userID, err)
		frame = models.NewErrorFrame(err)
	} else {
		frame = state
	}

	data, err := json.Marshal(frame)
	if err != nil {
		log.Printf("⚠️  Failed to encode initial frame: %v", err)
		return nil
	}
	return data
}

// HandleFrame passes a client frame to the coordinator and answers
// rejected frames with an error frame on the same connection.
func (h *WebSocketHandler) HandleFrame(ctx context.Context, c *Connection, data []byte) error {
	err := h.service.HandleClientMessage(ctx, c.UserID, c.DeviceID, data)
	if err != nil {
		if payload, encErr := json.Marshal(models.NewErrorFrame(err)); encErr == nil {
			c.Enqueue(payload)
		}
	}
	return err
}

func (h *WebSocketHandler) disconnect(c *Connection) {
	h.registry.Unregister(c.ID)
	h.relay.Release(c.UserID)

	if !h.registry.DeviceConnected(c.UserID, c.DeviceID) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.service.Disconnect(ctx, c.UserID, c.DeviceID); err != nil {
			log.Printf("⚠️  Failed to mark device %s offline: %v", c.DeviceID, err)
		}
	}
	log.Printf("  WebSocket closed: user %s device %s (%s)", c.UserID, c.DeviceID, c.ID)
}
