package models

import (
	"time"

	"github.com/segmentio/ksuid"
)

// ConnectionInfo describes one live WebSocket connection of a device.
type ConnectionInfo struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	DeviceID     string    `json:"device_id"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

// NewConnectionInfo stamps a fresh connection id.
// Learning: KSUIDs sort by creation time, handy when reading logs.
func NewConnectionInfo(userID, deviceID string) *ConnectionInfo {
	now := time.Now()
	return &ConnectionInfo{
		ID:           ksuid.New().String(),
		UserID:       userID,
		DeviceID:     deviceID,
		ConnectedAt:  now,
		LastActiveAt: now,
	}
}
