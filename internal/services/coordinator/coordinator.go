package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"media-sync/internal/crdt"
	"media-sync/internal/hlc"
	"media-sync/internal/middleware"
	"media-sync/internal/models"
	"media-sync/internal/repository"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

/*
LEARNING: THE MUTATION PATH

Every mutation runs the same five steps, in this order:

  1. stamp       ClockSet.Now(device)      fresh HLC timestamp
  2. delta       crdt.NewEntry / NewProgress
  3. persist     repository upsert          the record of truth
  4. replica     apply to the local copy    only after 3 succeeded
  5. publish     enqueue on the publisher   best effort

If step 3 fails nothing else happens and the error goes back to the caller,
so the replica never holds something the repository does not. If step 5
fails the write still stands: other devices pick it up on their next
reconnect, which reloads full state.
*/

var (
	// ErrTargetDeviceOffline rejects a handoff or command to a device that
	// is unknown or not online.
	ErrTargetDeviceOffline = errors.New("target device offline")
	// ErrInvalidRequest rejects malformed or incomplete requests.
	ErrInvalidRequest = errors.New("invalid request")
)

// Repository is what the coordinator needs from the State Repository.
type Repository interface {
	AddWatchlistItem(ctx context.Context, userID string, entry crdt.Entry) error
	RemoveWatchlistItem(ctx context.Context, userID string, tag uuid.UUID) error
	LoadWatchlist(ctx context.Context, userID string) (*crdt.ORSet, error)
	SaveProgress(ctx context.Context, userID string, p crdt.PlaybackPosition) (bool, error)
	LoadProgress(ctx context.Context, userID string) ([]crdt.PlaybackPosition, error)
	GetProgress(ctx context.Context, userID, contentID string) (*crdt.PlaybackPosition, error)
}

// DeviceRegistry is what the coordinator needs from the Device Registry.
type DeviceRegistry interface {
	Register(ctx context.Context, userID string, info *models.DeviceInfo) (*models.DeviceInfo, error)
	Heartbeat(ctx context.Context, userID, deviceID string, caps *models.Capabilities) (time.Time, error)
	Disconnect(ctx context.Context, userID, deviceID string) error
	List(ctx context.Context, userID string) ([]*models.DeviceInfo, error)
	IsOnline(ctx context.Context, userID, deviceID string) (bool, error)
}

// Publisher queues messages for the bus.
type Publisher interface {
	Enqueue(ctx context.Context, userID string, msg models.SyncMessage) error
}

// Options tunes the coordinator.
type Options struct {
	// ContinueWatchingThreshold is the completion percent at which a title
	// leaves the continue-watching list.
	ContinueWatchingThreshold float32
}

// Coordinator orchestrates mutations, handoffs and state loads.
type Coordinator struct {
	repo      Repository
	devices   DeviceRegistry
	publisher Publisher
	clocks    *hlc.ClockSet
	replicas  *ReplicaCache
	threshold float32
}

// New creates a coordinator.
func New(repo Repository, devices DeviceRegistry, publisher Publisher, clocks *hlc.ClockSet, opts Options) *Coordinator {
	if opts.ContinueWatchingThreshold <= 0 {
		opts.ContinueWatchingThreshold = 95
	}
	return &Coordinator{
		repo:      repo,
		devices:   devices,
		publisher: publisher,
		clocks:    clocks,
		replicas:  NewReplicaCache(),
		threshold: opts.ContinueWatchingThreshold,
	}
}

// Replicas exposes the replica cache.
func (c *Coordinator) Replicas() *ReplicaCache {
	return c.replicas
}

// Watchlist

// AddToWatchlist adds contentID with a fresh tag issued for deviceID.
func (c *Coordinator) AddToWatchlist(ctx context.Context, userID, deviceID, contentID string) (crdt.Entry, error) {
	if err := require(userID, deviceID, "content_id", contentID); err != nil {
		return crdt.Entry{}, err
	}

	ctx, span := middleware.StartSpan(ctx, "Coordinator.AddToWatchlist",
		attribute.String("user.id", userID),
		attribute.String("content.id", contentID),
	)
	defer span.End()

	entry := crdt.NewEntry(contentID, c.clocks.Now(deviceID), deviceID)

	if err := c.repo.AddWatchlistItem(ctx, userID, entry); err != nil {
		middleware.AddSpanError(ctx, err)
		return crdt.Entry{}, fmt.Errorf("failed to add %s to watchlist: %w", contentID, err)
	}

	if r, ok := c.replicas.Get(userID); ok {
		r.InsertEntry(entry)
	}
	c.publish(ctx, userID, models.NewWatchlistAdd(entry))

	return entry, nil
}

// Removal is the result of removing a title from the watchlist.
type Removal struct {
	ContentID string
	Tags      []uuid.UUID
	Timestamp hlc.Timestamp
}

// RemoveFromWatchlist tombstones every tag of contentID this gateway can
// observe, durable rows included, and publishes one remove per tag.
// Removing content that is not present is a no-op with no tags.
func (c *Coordinator) RemoveFromWatchlist(ctx context.Context, userID, deviceID, contentID string) (*Removal, error) {
	if err := require(userID, deviceID, "content_id", contentID); err != nil {
		return nil, err
	}

	ctx, span := middleware.StartSpan(ctx, "Coordinator.RemoveFromWatchlist",
		attribute.String("user.id", userID),
		attribute.String("content.id", contentID),
	)
	defer span.End()

	durable, err := c.repo.LoadWatchlist(ctx, userID)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return nil, fmt.Errorf("failed to remove %s from watchlist: %w", contentID, err)
	}

	replica, cached := c.replicas.Get(userID)
	if cached {
		replica.Merge(durable, nil)
		durable, _ = replica.Snapshot()
	}

	removal := &Removal{ContentID: contentID, Tags: durable.LiveTags(contentID)}
	if len(removal.Tags) == 0 {
		removal.Tags = []uuid.UUID{}
		return removal, nil
	}

	removal.Timestamp = c.clocks.Now(deviceID)
	for _, tag := range removal.Tags {
		if err := c.repo.RemoveWatchlistItem(ctx, userID, tag); err != nil {
			middleware.AddSpanError(ctx, err)
			return nil, fmt.Errorf("failed to remove %s from watchlist: %w", contentID, err)
		}
		if cached {
			replica.RemoveTag(tag)
		}
		c.publish(ctx, userID, models.NewWatchlistRemove(contentID, tag, removal.Timestamp, deviceID))
	}

	span.SetAttributes(attribute.Int("watchlist.removed_tags", len(removal.Tags)))
	return removal, nil
}

// RemoveWatchlistTag tombstones a single tag. Unknown tags are recorded
// as tombstones too, so a late add of the same tag stays removed.
func (c *Coordinator) RemoveWatchlistTag(ctx context.Context, userID, deviceID, contentID string, tag uuid.UUID) error {
	var tagValue string
	if tag != uuid.Nil {
		tagValue = tag.String()
	}
	if err := require(userID, deviceID, "unique_tag", tagValue); err != nil {
		return err
	}

	ctx, span := middleware.StartSpan(ctx, "Coordinator.RemoveWatchlistTag",
		attribute.String("user.id", userID),
		attribute.String("watchlist.tag", tag.String()),
	)
	defer span.End()

	ts := c.clocks.Now(deviceID)
	if err := c.repo.RemoveWatchlistItem(ctx, userID, tag); err != nil {
		middleware.AddSpanError(ctx, err)
		return fmt.Errorf("failed to remove watchlist tag %s: %w", tag, err)
	}

	if r, ok := c.replicas.Get(userID); ok {
		r.RemoveTag(tag)
	}
	c.publish(ctx, userID, models.NewWatchlistRemove(contentID, tag, ts, deviceID))
	return nil
}

// Progress

// UpdateProgress writes a new playback position for contentID.
func (c *Coordinator) UpdateProgress(ctx context.Context, userID, deviceID, contentID string, position, duration uint32, state crdt.PlaybackState) (crdt.PlaybackPosition, error) {
	if err := require(userID, deviceID, "content_id", contentID); err != nil {
		return crdt.PlaybackPosition{}, err
	}
	if state == "" {
		state = crdt.StatePaused
	}
	if !state.Valid() {
		return crdt.PlaybackPosition{}, fmt.Errorf("%w: invalid state %q", ErrInvalidRequest, state)
	}

	ctx, span := middleware.StartSpan(ctx, "Coordinator.UpdateProgress",
		attribute.String("user.id", userID),
		attribute.String("content.id", contentID),
		attribute.Int64("progress.position", int64(position)),
	)
	defer span.End()

	candidate := crdt.NewProgress(contentID, position, duration, state, c.clocks.Now(deviceID), deviceID)

	applied, err := c.repo.SaveProgress(ctx, userID, candidate)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return crdt.PlaybackPosition{}, fmt.Errorf("failed to save progress for %s: %w", contentID, err)
	}

	winner := candidate
	if !applied {
		// A newer write from another device is already stored; that row is
		// the result and the candidate is discarded.
		middleware.AddSpanEvent(ctx, "progress.superseded")
		stored, err := c.repo.GetProgress(ctx, userID, contentID)
		if err != nil {
			middleware.AddSpanError(ctx, err)
			return crdt.PlaybackPosition{}, fmt.Errorf("failed to read stored progress for %s: %w", contentID, err)
		}
		winner = *stored
		c.clocks.Observe(winner.Timestamp)
	}

	if r, ok := c.replicas.Get(userID); ok {
		r.ApplyProgress(winner)
	}
	if applied {
		c.publish(ctx, userID, models.NewProgressUpdate(candidate))
	}

	return winner, nil
}

// ContinueWatching lists started titles below the completion threshold,
// most recently updated first.
func (c *Coordinator) ContinueWatching(ctx context.Context, userID string) ([]crdt.PlaybackPosition, error) {
	positions, err := c.repo.LoadProgress(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load progress: %w", err)
	}

	items := make([]crdt.PlaybackPosition, 0, len(positions))
	for _, p := range positions {
		if p.PositionSeconds == 0 || p.IsComplete(c.threshold) {
			continue
		}
		items = append(items, p)
	}
	return items, nil
}

// Handoff

// Handoff moves playback of contentID from sourceDeviceID to
// targetDeviceID. The resume point is the stored position (0 when none).
// The target must be registered and online, otherwise
// ErrTargetDeviceOffline is returned and nothing is published.
//
// The handoff is source-authoritative: the resume point is written as a
// fresh progress candidate stamped by the source device, so it wins over
// anything the target stamped earlier.
func (c *Coordinator) Handoff(ctx context.Context, userID, sourceDeviceID, targetDeviceID, contentID string) (*models.DeviceHandoff, error) {
	if err := require(userID, sourceDeviceID, "content_id", contentID); err != nil {
		return nil, err
	}
	if targetDeviceID == "" {
		return nil, fmt.Errorf("%w: target_device_id is required", ErrInvalidRequest)
	}
	if targetDeviceID == sourceDeviceID {
		return nil, fmt.Errorf("%w: cannot hand off to the same device", ErrInvalidRequest)
	}

	ctx, span := middleware.StartSpan(ctx, "Coordinator.Handoff",
		attribute.String("user.id", userID),
		attribute.String("handoff.source", sourceDeviceID),
		attribute.String("handoff.target", targetDeviceID),
		attribute.String("content.id", contentID),
	)
	defer span.End()

	var position, duration uint32
	current, err := c.repo.GetProgress(ctx, userID, contentID)
	switch {
	case err == nil:
		position, duration = current.PositionSeconds, current.DurationSeconds
	case errors.Is(err, repository.ErrNotFound):
	default:
		middleware.AddSpanError(ctx, err)
		return nil, fmt.Errorf("failed to read resume point: %w", err)
	}

	online, err := c.devices.IsOnline(ctx, userID, targetDeviceID)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return nil, fmt.Errorf("failed to check target device: %w", err)
	}
	if !online {
		middleware.AddSpanError(ctx, ErrTargetDeviceOffline)
		return nil, fmt.Errorf("%w: %s", ErrTargetDeviceOffline, targetDeviceID)
	}

	// The register stays paused until the target reports its own playback
	candidate := crdt.NewProgress(contentID, position, duration, crdt.StatePaused, c.clocks.Now(sourceDeviceID), sourceDeviceID)
	if _, err := c.repo.SaveProgress(ctx, userID, candidate); err != nil {
		middleware.AddSpanError(ctx, err)
		return nil, fmt.Errorf("failed to save handoff position: %w", err)
	}

	if r, ok := c.replicas.Get(userID); ok {
		r.ApplyProgress(candidate)
	}

	// The publisher owns the message it is given, so the caller gets its own copy
	c.publish(ctx, userID, models.NewDeviceHandoff(sourceDeviceID, targetDeviceID, candidate))

	log.Printf("🔄 Handoff %s: %s → %s at %ds", contentID, sourceDeviceID, targetDeviceID, position)
	return models.NewDeviceHandoff(sourceDeviceID, targetDeviceID, candidate), nil
}

// SendCommand relays a remote-control command to an online device.
func (c *Coordinator) SendCommand(ctx context.Context, userID, sourceDeviceID, targetDeviceID string, cmd models.Command) (*models.DeviceCommand, error) {
	if err := require(userID, sourceDeviceID, "target_device_id", targetDeviceID); err != nil {
		return nil, err
	}
	if err := cmd.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	online, err := c.devices.IsOnline(ctx, userID, targetDeviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to check target device: %w", err)
	}
	if !online {
		return nil, fmt.Errorf("%w: %s", ErrTargetDeviceOffline, targetDeviceID)
	}

	ts := c.clocks.Now(sourceDeviceID)
	c.publish(ctx, userID, models.NewDeviceCommand(sourceDeviceID, targetDeviceID, cmd, ts))
	return models.NewDeviceCommand(sourceDeviceID, targetDeviceID, cmd, ts), nil
}

// Devices

// RegisterDevice upserts a device and announces it to the user's others.
func (c *Coordinator) RegisterDevice(ctx context.Context, userID string, info *models.DeviceInfo) (*models.DeviceInfo, error) {
	if info == nil || info.DeviceID == "" {
		return nil, fmt.Errorf("%w: device_id is required", ErrInvalidRequest)
	}
	device, err := c.devices.Register(ctx, userID, info)
	if err != nil {
		return nil, err
	}
	caps := device.Capabilities
	c.publish(ctx, userID, models.NewDeviceHeartbeat(device.DeviceID, &caps, c.clocks.Now(device.DeviceID)))
	return device, nil
}

// Heartbeat records liveness for deviceID and announces it.
func (c *Coordinator) Heartbeat(ctx context.Context, userID, deviceID string, caps *models.Capabilities) (time.Time, error) {
	if userID == "" || deviceID == "" {
		return time.Time{}, fmt.Errorf("%w: user and device are required", ErrInvalidRequest)
	}
	seen, err := c.devices.Heartbeat(ctx, userID, deviceID, caps)
	if err != nil {
		return time.Time{}, err
	}
	c.publish(ctx, userID, models.NewDeviceHeartbeat(deviceID, caps, c.clocks.Now(deviceID)))
	return seen, nil
}

// Disconnect marks deviceID offline.
func (c *Coordinator) Disconnect(ctx context.Context, userID, deviceID string) error {
	return c.devices.Disconnect(ctx, userID, deviceID)
}

// State

// LoadState reads the user's full state from the repository, merges it
// into the replica and returns the merged result. The three reads run in
// parallel.
func (c *Coordinator) LoadState(ctx context.Context, userID string) (*models.SyncState, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user is required", ErrInvalidRequest)
	}

	ctx, span := middleware.StartSpan(ctx, "Coordinator.LoadState", attribute.String("user.id", userID))
	defer span.End()

	var (
		watchlist *crdt.ORSet
		positions []crdt.PlaybackPosition
		devices   []*models.DeviceInfo
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		watchlist, err = c.repo.LoadWatchlist(gctx, userID)
		return err
	})
	g.Go(func() error {
		var err error
		positions, err = c.repo.LoadProgress(gctx, userID)
		return err
	})
	g.Go(func() error {
		var err error
		devices, err = c.devices.List(gctx, userID)
		return err
	})
	if err := g.Wait(); err != nil {
		middleware.AddSpanError(ctx, err)
		return nil, fmt.Errorf("failed to load state for %s: %w", userID, err)
	}

	c.observeState(watchlist, positions)

	replica := c.replicas.GetOrCreate(userID)
	replica.Merge(watchlist, positions)
	set, progress := replica.Snapshot()

	return models.NewSyncState(userID, set, progress, devices, c.clocks.Observed()), nil
}

// observeState feeds loaded timestamps to the clock set so the next stamp
// sorts after everything already stored.
func (c *Coordinator) observeState(set *crdt.ORSet, positions []crdt.PlaybackPosition) {
	for _, e := range set.AllEntries() {
		c.clocks.Observe(e.Timestamp)
	}
	for _, p := range positions {
		c.clocks.Observe(p.Timestamp)
	}
}

// ApplyRemote merges a message received from the bus into the user's
// replica. Users without a replica on this gateway are skipped; their next
// LoadState reads everything from the repository.
func (c *Coordinator) ApplyRemote(ctx context.Context, userID string, msg models.SyncMessage) error {
	if !msg.Stamp().IsZero() {
		c.clocks.Observe(msg.Stamp())
	}

	replica, ok := c.replicas.Get(userID)
	if !ok {
		return nil
	}

	switch m := msg.(type) {
	case *models.WatchlistUpdate:
		// Remote deltas name exactly one tag; a content-wide remove would
		// delete adds this gateway has seen and the sender has not.
		if m.UniqueTag == uuid.Nil {
			return fmt.Errorf("%w: watchlist %s without unique_tag", models.ErrMalformedMessage, m.Operation)
		}
		switch m.Operation {
		case models.OperationAdd:
			replica.InsertEntry(m.Entry())
		case models.OperationRemove:
			replica.RemoveTag(m.UniqueTag)
		}
	case *models.ProgressUpdate:
		replica.ApplyProgress(m.Position())
	case *models.DeviceHandoff:
		replica.ApplyProgress(m.Position())
	case *models.DeviceHeartbeat, *models.DeviceCommand:
		// presence and control traffic carry no CRDT state
	default:
		return fmt.Errorf("%w: unexpected %s", models.ErrMalformedMessage, msg.Kind())
	}
	return nil
}

// HandleClientMessage runs a frame sent by a connected device. The device
// may only speak for itself; timestamps it sends are observed but the
// gateway stamps the mutation itself.
func (c *Coordinator) HandleClientMessage(ctx context.Context, userID, deviceID string, data []byte) error {
	msg, err := models.DecodeFrom(data, deviceID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if origin := msg.Origin(); origin != "" && origin != deviceID {
		return fmt.Errorf("%w: device %s cannot send as %s", ErrInvalidRequest, deviceID, origin)
	}
	if !msg.Stamp().IsZero() {
		c.clocks.Observe(msg.Stamp())
	}

	switch m := msg.(type) {
	case *models.WatchlistUpdate:
		if m.Operation == models.OperationAdd {
			_, err = c.AddToWatchlist(ctx, userID, deviceID, m.ContentID)
		} else if m.UniqueTag != uuid.Nil {
			err = c.RemoveWatchlistTag(ctx, userID, deviceID, m.ContentID, m.UniqueTag)
		} else {
			_, err = c.RemoveFromWatchlist(ctx, userID, deviceID, m.ContentID)
		}
	case *models.ProgressUpdate:
		p := m.Position()
		_, err = c.UpdateProgress(ctx, userID, deviceID, p.ContentID, p.PositionSeconds, p.DurationSeconds, p.State)
	case *models.DeviceHandoff:
		_, err = c.Handoff(ctx, userID, deviceID, m.TargetDeviceID, m.ContentID)
	case *models.DeviceHeartbeat:
		_, err = c.Heartbeat(ctx, userID, deviceID, m.Capabilities)
	case *models.DeviceCommand:
		_, err = c.SendCommand(ctx, userID, deviceID, m.TargetDeviceID, m.Command)
	default:
		err = fmt.Errorf("%w: unsupported %s", ErrInvalidRequest, msg.Kind())
	}
	return err
}

// publish hands msg to the publisher. Failures are logged only: the
// durable write already happened.
func (c *Coordinator) publish(ctx context.Context, userID string, msg models.SyncMessage) {
	if c.publisher == nil {
		return
	}
	if err := c.publisher.Enqueue(ctx, userID, msg); err != nil {
		middleware.AddSpanEvent(ctx, "publish.failed", attribute.String("error", err.Error()))
		log.Printf("⚠️  Failed to publish %s for user %s: %v", msg.Kind(), userID, err)
	}
}

func require(userID, deviceID, field, value string) error {
	switch {
	case userID == "":
		return fmt.Errorf("%w: user is required", ErrInvalidRequest)
	case deviceID == "":
		return fmt.Errorf("%w: device is required", ErrInvalidRequest)
	case value == "":
		return fmt.Errorf("%w: %s is required", ErrInvalidRequest, field)
	}
	return nil
}
