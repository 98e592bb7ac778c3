package api

import (
	"context"
	"time"

	"media-sync/internal/crdt"
	"media-sync/internal/models"
	"media-sync/internal/services/coordinator"
	"media-sync/internal/services/publisher"
	"media-sync/internal/services/realtime"
)

/*
LEARNING: CONSUMER-DRIVEN INTERFACES (Go Idiom)

The api package is the CONSUMER of the coordinator, the repository and the
relay, so the interfaces it needs are declared HERE and list only the
methods handlers call. Tests hand the router small fakes instead of a real
database and bus.
*/

// SyncService is what handlers need from the coordinator.
type SyncService interface {
	AddToWatchlist(ctx context.Context, userID, deviceID, contentID string) (crdt.Entry, error)
	RemoveFromWatchlist(ctx context.Context, userID, deviceID, contentID string) (*coordinator.Removal, error)
	UpdateProgress(ctx context.Context, userID, deviceID, contentID string, position, duration uint32, state crdt.PlaybackState) (crdt.PlaybackPosition, error)
	ContinueWatching(ctx context.Context, userID string) ([]crdt.PlaybackPosition, error)
	LoadState(ctx context.Context, userID string) (*models.SyncState, error)
	Handoff(ctx context.Context, userID, sourceDeviceID, targetDeviceID, contentID string) (*models.DeviceHandoff, error)
	SendCommand(ctx context.Context, userID, sourceDeviceID, targetDeviceID string, cmd models.Command) (*models.DeviceCommand, error)
	RegisterDevice(ctx context.Context, userID string, info *models.DeviceInfo) (*models.DeviceInfo, error)
	Heartbeat(ctx context.Context, userID, deviceID string, caps *models.Capabilities) (time.Time, error)
}

// StateReader serves the read-only sync endpoints straight from storage.
type StateReader interface {
	LoadWatchlist(ctx context.Context, userID string) (*crdt.ORSet, error)
	LoadProgress(ctx context.Context, userID string) ([]crdt.PlaybackPosition, error)
}

// DeviceDirectory lists and forgets devices.
type DeviceDirectory interface {
	List(ctx context.Context, userID string) ([]*models.DeviceInfo, error)
	Delete(ctx context.Context, userID, deviceID string) error
}

// RelayStatter reports relay counters.
type RelayStatter interface {
	Stats() realtime.RelayStats
}

// PublisherStatter reports publisher counters.
type PublisherStatter interface {
	Stats() publisher.Stats
}

// Pinger is a dependency the health check probes.
type Pinger interface {
	Ping(ctx context.Context) error
}
