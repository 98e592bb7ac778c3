package devices

import (
	"context"
	"errors"
	"fmt"
	"time"

	"media-sync/internal/models"
	"media-sync/internal/repository"
)

/*
LEARNING: DEVICE LIFECYCLE

  Unregistered ──register / first heartbeat──▶ Online
  Online ──no heartbeat for HEARTBEAT_TTL (sweep)──▶ Offline
  Online ──explicit disconnect──▶ Offline
  Offline ──heartbeat──▶ Online
  any ──delete──▶ Removed

Records are never removed because of age. An offline TV stays listed so
the user can still pick it as a handoff target once it wakes up.

Each device is written only by itself, so there is no merge here: plain
upserts against the repository.
*/

// ErrInvalidDevice is returned for a registration without a device id.
var ErrInvalidDevice = errors.New("invalid device")

// Store is what the registry needs from the State Repository.
type Store interface {
	SaveDevice(ctx context.Context, device *models.DeviceInfo) error
	LoadDevices(ctx context.Context, userID string) ([]*models.DeviceInfo, error)
	GetDevice(ctx context.Context, userID, deviceID string) (*models.DeviceInfo, error)
	DeleteDevice(ctx context.Context, userID, deviceID string) error
	UpdateDeviceHeartbeat(ctx context.Context, userID, deviceID string) (time.Time, error)
	MarkDeviceOffline(ctx context.Context, userID, deviceID string) error
	MarkStaleDevicesOffline(ctx context.Context, cutoff time.Time) (int64, error)
}

// Registry tracks device capability and liveness records.
type Registry struct {
	store Store
	ttl   time.Duration
	now   func() time.Time
}

// NewRegistry creates a registry. A device not heard from for ttl counts
// as offline.
func NewRegistry(store Store, ttl time.Duration) *Registry {
	return &Registry{store: store, ttl: ttl, now: time.Now}
}

// WithClock overrides the wall clock.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

// TTL is the heartbeat timeout.
func (r *Registry) TTL() time.Duration {
	return r.ttl
}

// Register upserts info for userID and marks it online.
func (r *Registry) Register(ctx context.Context, userID string, info *models.DeviceInfo) (*models.DeviceInfo, error) {
	if info == nil || info.DeviceID == "" {
		return nil, fmt.Errorf("%w: device_id is required", ErrInvalidDevice)
	}

	info.UserID = userID
	info.LastSeen = r.now().UTC()
	info.IsOnline = true

	if err := r.store.SaveDevice(ctx, info); err != nil {
		return nil, fmt.Errorf("failed to register device %s: %w", info.DeviceID, err)
	}
	return info, nil
}

// Heartbeat refreshes last_seen and brings the device back online. The
// first heartbeat of an unknown device registers it. When caps is set the
// stored capabilities are replaced.
func (r *Registry) Heartbeat(ctx context.Context, userID, deviceID string, caps *models.Capabilities) (time.Time, error) {
	if deviceID == "" {
		return time.Time{}, fmt.Errorf("%w: device_id is required", ErrInvalidDevice)
	}

	if caps == nil {
		seen, err := r.store.UpdateDeviceHeartbeat(ctx, userID, deviceID)
		if err == nil {
			return seen, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return time.Time{}, fmt.Errorf("failed to record heartbeat: %w", err)
		}
	}

	device, err := r.store.GetDevice(ctx, userID, deviceID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		device = &models.DeviceInfo{DeviceID: deviceID}
	case err != nil:
		return time.Time{}, fmt.Errorf("failed to record heartbeat: %w", err)
	}
	if caps != nil {
		device.Capabilities = *caps
	}

	saved, err := r.Register(ctx, userID, device)
	if err != nil {
		return time.Time{}, err
	}
	return saved.LastSeen, nil
}

// Disconnect marks a device offline at its own request.
func (r *Registry) Disconnect(ctx context.Context, userID, deviceID string) error {
	if err := r.store.MarkDeviceOffline(ctx, userID, deviceID); err != nil {
		return fmt.Errorf("failed to disconnect device %s: %w", deviceID, err)
	}
	return nil
}

// List returns the user's devices, most recently seen first.
func (r *Registry) List(ctx context.Context, userID string) ([]*models.DeviceInfo, error) {
	devices, err := r.store.LoadDevices(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, d := range devices {
		d.IsOnline = r.live(d)
	}
	return devices, nil
}

// Get returns one device, or repository.ErrNotFound.
func (r *Registry) Get(ctx context.Context, userID, deviceID string) (*models.DeviceInfo, error) {
	device, err := r.store.GetDevice(ctx, userID, deviceID)
	if err != nil {
		return nil, err
	}
	device.IsOnline = r.live(device)
	return device, nil
}

// Delete removes a device record, or returns repository.ErrNotFound.
func (r *Registry) Delete(ctx context.Context, userID, deviceID string) error {
	return r.store.DeleteDevice(ctx, userID, deviceID)
}

// IsOnline reports whether the device is registered and alive. Unknown
// devices are offline, not an error.
func (r *Registry) IsOnline(ctx context.Context, userID, deviceID string) (bool, error) {
	device, err := r.Get(ctx, userID, deviceID)
	if errors.Is(err, repository.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return device.IsOnline, nil
}

// Sweep marks every device whose last heartbeat is older than the TTL as
// offline. Returns how many devices changed.
func (r *Registry) Sweep(ctx context.Context) (int64, error) {
	cutoff := r.now().Add(-r.ttl)
	n, err := r.store.MarkStaleDevicesOffline(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep devices: %w", err)
	}
	return n, nil
}

// live applies the TTL on read, so a device whose heartbeats stopped is
// offline even before the next sweep runs.
func (r *Registry) live(d *models.DeviceInfo) bool {
	if !d.IsOnline {
		return false
	}
	if r.ttl <= 0 {
		return true
	}
	return r.now().Sub(d.LastSeen) <= r.ttl
}
