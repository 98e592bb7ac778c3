package coordinator_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"media-sync/internal/crdt"
	"media-sync/internal/hlc"
	"media-sync/internal/models"
	"media-sync/internal/repository"
	"media-sync/internal/services/coordinator"
	"media-sync/internal/services/devices"
	"media-sync/internal/testutil"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []models.SyncMessage
	err  error
}

func (p *recordingPublisher) Enqueue(ctx context.Context, userID string, msg models.SyncMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, msg)
	return nil
}

func (p *recordingPublisher) kinds() []models.MessageType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.MessageType, 0, len(p.msgs))
	for _, m := range p.msgs {
		out = append(out, m.Kind())
	}
	return out
}

func (p *recordingPublisher) last() models.SyncMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.msgs) == 0 {
		return nil
	}
	return p.msgs[len(p.msgs)-1]
}

func (p *recordingPublisher) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = nil
}

type fixture struct {
	coord    *coordinator.Coordinator
	repo     *repository.StateRepositoryImpl
	registry *devices.Registry
	pub      *recordingPublisher
	clock    *testutil.FakeClock
	db       *gorm.DB
}

func newFixtureWithDB(t *testing.T, gdb *gorm.DB) *fixture {
	clock := testutil.NewFakeClock(time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC))
	repo := repository.NewStateRepository(gdb).WithClock(clock.Now)
	registry := devices.NewRegistry(repo, 90*time.Second).WithClock(clock.Now)
	pub := &recordingPublisher{}
	coord := coordinator.New(repo, registry, pub, hlc.NewClockSet(clock), coordinator.Options{ContinueWatchingThreshold: 95})
	return &fixture{coord: coord, repo: repo, registry: registry, pub: pub, clock: clock, db: gdb}
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWithDB(t, testutil.NewTestDB(t))
}

func (f *fixture) online(t *testing.T, userID string, deviceIDs ...string) {
	t.Helper()
	for _, id := range deviceIDs {
		_, err := f.registry.Register(context.Background(), userID, &models.DeviceInfo{DeviceID: id})
		require.NoError(t, err)
	}
}

func TestCoordinator_WatchlistRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	entry, err := f.coord.AddToWatchlist(ctx, "alice", "phone", "movie-1")
	require.NoError(t, err)
	assert.Equal(t, "movie-1", entry.ContentID)
	assert.Equal(t, "phone", entry.DeviceID)

	state, err := f.coord.LoadState(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"movie-1"}, state.Items)

	removal, err := f.coord.RemoveFromWatchlist(ctx, "alice", "tv", "movie-1")
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{entry.Tag}, removal.Tags)
	assert.True(t, removal.Timestamp.After(entry.Timestamp))

	state, err = f.coord.LoadState(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, state.Items)

	assert.Equal(t, []models.MessageType{models.TypeWatchlistUpdate, models.TypeWatchlistUpdate}, f.pub.kinds())
	remove := f.pub.last().(*models.WatchlistUpdate)
	assert.Equal(t, models.OperationRemove, remove.Operation)
	assert.Equal(t, entry.Tag, remove.UniqueTag)
	assert.Equal(t, "tv", remove.DeviceID)
}

func TestCoordinator_RemoveMissingContentIsNoop(t *testing.T) {
	f := newFixture(t)

	removal, err := f.coord.RemoveFromWatchlist(context.Background(), "alice", "phone", "nothing")
	require.NoError(t, err)
	assert.Empty(t, removal.Tags)
	assert.Empty(t, f.pub.kinds())
}

func TestCoordinator_ConcurrentAddSurvivesRemoveOfObservedTag(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.coord.LoadState(ctx, "alice")
	require.NoError(t, err)

	first, err := f.coord.AddToWatchlist(ctx, "alice", "phone", "movie-1")
	require.NoError(t, err)

	// tv only ever saw the first tag
	require.NoError(t, f.coord.RemoveWatchlistTag(ctx, "alice", "tv", "movie-1", first.Tag))

	// a concurrent add from the laptop reaches the replica through the bus
	concurrent := crdt.NewEntry("movie-1", hlc.Timestamp{PhysicalMS: 1, DeviceID: "laptop"}, "laptop")
	require.NoError(t, f.coord.ApplyRemote(ctx, "alice", models.NewWatchlistAdd(concurrent)))

	set, _ := f.coord.Replicas().GetOrCreate("alice").Snapshot()
	assert.True(t, set.Contains("movie-1"), "add wins over a remove that did not observe it")
	assert.Equal(t, []uuid.UUID{concurrent.Tag}, set.LiveTags("movie-1"))
}

func TestCoordinator_ProgressLastWriterWins(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.clock.Set(time.UnixMilli(1000))
	_, err := f.coord.UpdateProgress(ctx, "alice", "phone", "movie-1", 1000, 7200, crdt.StatePlaying)
	require.NoError(t, err)

	f.clock.Set(time.UnixMilli(2000))
	_, err = f.coord.UpdateProgress(ctx, "alice", "tv", "movie-1", 500, 7200, crdt.StatePaused)
	require.NoError(t, err)

	got, err := f.repo.GetProgress(ctx, "alice", "movie-1")
	require.NoError(t, err)
	assert.Equal(t, uint32(500), got.PositionSeconds)
	assert.Equal(t, "tv", got.DeviceID)

	// A stale write arriving late is rejected and not published
	stale := crdt.NewProgress("movie-1", 1500, 7200, crdt.StatePlaying, hlc.Timestamp{PhysicalMS: 1500, DeviceID: "laptop"}, "laptop")
	applied, err := f.repo.SaveProgress(ctx, "alice", stale)
	require.NoError(t, err)
	assert.False(t, applied)

	got, err = f.repo.GetProgress(ctx, "alice", "movie-1")
	require.NoError(t, err)
	assert.Equal(t, uint32(500), got.PositionSeconds)
}

func TestCoordinator_SupersededProgressReturnsStoredWinner(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.coord.LoadState(ctx, "alice")
	require.NoError(t, err)

	// another gateway already stored a newer write from the tv
	newer := crdt.NewProgress("movie-1", 900, 7200, crdt.StatePlaying, hlc.Timestamp{PhysicalMS: 99_999_999_999_999, DeviceID: "tv"}, "tv")
	applied, err := f.repo.SaveProgress(ctx, "alice", newer)
	require.NoError(t, err)
	require.True(t, applied)

	got, err := f.coord.UpdateProgress(ctx, "alice", "phone", "movie-1", 10, 7200, crdt.StatePlaying)
	require.NoError(t, err)
	assert.Equal(t, uint32(900), got.PositionSeconds)
	assert.Equal(t, "tv", got.DeviceID)

	_, progress := f.coord.Replicas().GetOrCreate("alice").Snapshot()
	held, ok := progress.Get("movie-1")
	require.True(t, ok)
	assert.Equal(t, uint32(900), held.PositionSeconds)
	assert.Equal(t, "tv", held.DeviceID)

	assert.Empty(t, f.pub.kinds(), "a superseded write is not published")
}

func TestCoordinator_ProgressDefaultsAndValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	p, err := f.coord.UpdateProgress(ctx, "alice", "phone", "movie-1", 10, 100, "")
	require.NoError(t, err)
	assert.Equal(t, crdt.StatePaused, p.State)

	_, err = f.coord.UpdateProgress(ctx, "alice", "phone", "movie-1", 10, 100, crdt.PlaybackState("rewinding"))
	assert.ErrorIs(t, err, coordinator.ErrInvalidRequest)

	_, err = f.coord.UpdateProgress(ctx, "alice", "phone", "", 10, 100, crdt.StatePlaying)
	assert.ErrorIs(t, err, coordinator.ErrInvalidRequest)
}

func TestCoordinator_HandoffToOfflineTargetPublishesNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.online(t, "alice", "phone", "tv")

	_, err := f.coord.UpdateProgress(ctx, "alice", "phone", "movie-1", 1800, 7200, crdt.StatePlaying)
	require.NoError(t, err)
	f.pub.reset()

	// unknown device
	_, err = f.coord.Handoff(ctx, "alice", "phone", "car", "movie-1")
	assert.ErrorIs(t, err, coordinator.ErrTargetDeviceOffline)

	// registered but gone quiet
	f.clock.Advance(5 * time.Minute)
	_, err = f.coord.Handoff(ctx, "alice", "phone", "tv", "movie-1")
	assert.ErrorIs(t, err, coordinator.ErrTargetDeviceOffline)

	assert.Empty(t, f.pub.kinds())

	got, err := f.repo.GetProgress(ctx, "alice", "movie-1")
	require.NoError(t, err)
	assert.Equal(t, crdt.StatePlaying, got.State, "a rejected handoff leaves progress alone")
}

func TestCoordinator_HandoffToOnlineTarget(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.online(t, "alice", "phone", "tv")
	_, err := f.coord.LoadState(ctx, "alice")
	require.NoError(t, err)

	_, err = f.coord.UpdateProgress(ctx, "alice", "phone", "movie-1", 1800, 7200, crdt.StatePlaying)
	require.NoError(t, err)

	handoff, err := f.coord.Handoff(ctx, "alice", "phone", "tv", "movie-1")
	require.NoError(t, err)
	require.NotNil(t, handoff.PositionSeconds)
	assert.Equal(t, uint32(1800), *handoff.PositionSeconds)
	assert.Equal(t, "tv", handoff.TargetDeviceID)

	published, ok := f.pub.last().(*models.DeviceHandoff)
	require.True(t, ok)
	assert.Equal(t, "phone", published.SourceDeviceID)

	got, err := f.repo.GetProgress(ctx, "alice", "movie-1")
	require.NoError(t, err)
	assert.Equal(t, crdt.StatePaused, got.State)
	assert.Equal(t, uint32(1800), got.PositionSeconds)

	// Re-applying the same handoff (bus redelivery) changes nothing
	_, before := f.coord.Replicas().GetOrCreate("alice").Snapshot()
	require.NoError(t, f.coord.ApplyRemote(ctx, "alice", handoff))
	require.NoError(t, f.coord.ApplyRemote(ctx, "alice", handoff))
	_, after := f.coord.Replicas().GetOrCreate("alice").Snapshot()
	assert.Equal(t, before.All(), after.All())
}

func TestCoordinator_HandoffWithoutProgressStartsAtZero(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.online(t, "alice", "phone", "tv")

	handoff, err := f.coord.Handoff(ctx, "alice", "phone", "tv", "movie-9")
	require.NoError(t, err)
	assert.Equal(t, uint32(0), *handoff.PositionSeconds)

	_, err = f.coord.Handoff(ctx, "alice", "phone", "phone", "movie-9")
	assert.ErrorIs(t, err, coordinator.ErrInvalidRequest)
}

func TestCoordinator_RepositoryUnavailableLeavesReplicaUnchanged(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.coord.AddToWatchlist(ctx, "alice", "phone", "movie-1")
	require.NoError(t, err)
	_, err = f.coord.LoadState(ctx, "alice")
	require.NoError(t, err)
	before, _ := f.coord.Replicas().GetOrCreate("alice").Snapshot()
	f.pub.reset()

	sqlDB, err := f.db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	_, err = f.coord.AddToWatchlist(ctx, "alice", "phone", "movie-2")
	require.Error(t, err)
	_, err = f.coord.UpdateProgress(ctx, "alice", "phone", "movie-1", 5, 10, crdt.StatePlaying)
	require.Error(t, err)

	after, progress := f.coord.Replicas().GetOrCreate("alice").Snapshot()
	assert.True(t, before.Equal(after))
	assert.Equal(t, 0, progress.Len())
	assert.Empty(t, f.pub.kinds(), "failed writes are never published")
}

func TestCoordinator_PublishFailureDoesNotFailWrite(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.pub.err = errors.New("bus down")

	_, err := f.coord.AddToWatchlist(ctx, "alice", "phone", "movie-1")
	require.NoError(t, err)

	set, err := f.repo.LoadWatchlist(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, set.Contains("movie-1"))
}

func TestCoordinator_StateSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "restart.db")

	first := newFixtureWithDB(t, testutil.OpenTestDB(t, path))
	_, err := first.coord.AddToWatchlist(ctx, "alice", "phone", "movie-1")
	require.NoError(t, err)
	_, err = first.coord.AddToWatchlist(ctx, "alice", "phone", "show-2")
	require.NoError(t, err)
	_, err = first.coord.RemoveFromWatchlist(ctx, "alice", "phone", "show-2")
	require.NoError(t, err)
	_, err = first.coord.UpdateProgress(ctx, "alice", "phone", "movie-1", 3600, 7200, crdt.StatePlaying)
	require.NoError(t, err)

	second := newFixtureWithDB(t, testutil.OpenTestDB(t, path))
	state, err := second.coord.LoadState(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"movie-1"}, state.Items)
	require.Len(t, state.Progress, 1)
	assert.Equal(t, uint32(3600), state.Progress[0].PositionSeconds)

	// New stamps sort after everything reloaded
	p, err := second.coord.UpdateProgress(ctx, "alice", "tv", "movie-1", 10, 7200, crdt.StatePlaying)
	require.NoError(t, err)
	assert.True(t, p.Timestamp.After(state.Progress[0].Timestamp))
}

func TestCoordinator_UsersAreIsolated(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	var wg sync.WaitGroup
	for u := 0; u < 8; u++ {
		wg.Add(1)
		go func(u int) {
			defer wg.Done()
			user := fmt.Sprintf("user-%d", u)
			for i := 0; i < 5; i++ {
				_, err := f.coord.AddToWatchlist(ctx, user, "phone", fmt.Sprintf("%s-title-%d", user, i))
				assert.NoError(t, err)
			}
		}(u)
	}
	wg.Wait()

	for u := 0; u < 8; u++ {
		user := fmt.Sprintf("user-%d", u)
		state, err := f.coord.LoadState(ctx, user)
		require.NoError(t, err)
		require.Len(t, state.Items, 5)
		for _, item := range state.Items {
			assert.Contains(t, item, user+"-")
		}
	}
}

func TestCoordinator_HandleClientMessage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.online(t, "alice", "phone", "tv")

	tests := []struct {
		name    string
		frame   string
		wantErr error
		check   func(t *testing.T)
	}{
		{
			name:  "watchlist add",
			frame: `{"type":"watchlist_update","operation":"add","content_id":"movie-1"}`,
			check: func(t *testing.T) {
				set, err := f.repo.LoadWatchlist(ctx, "alice")
				require.NoError(t, err)
				assert.True(t, set.Contains("movie-1"))
			},
		},
		{
			name:  "progress",
			frame: `{"type":"progress_update","content_id":"movie-1","position_seconds":60,"duration_seconds":7200,"state":"playing"}`,
			check: func(t *testing.T) {
				got, err := f.repo.GetProgress(ctx, "alice", "movie-1")
				require.NoError(t, err)
				assert.Equal(t, uint32(60), got.PositionSeconds)
				assert.Equal(t, "phone", got.DeviceID)
			},
		},
		{
			name:  "watchlist remove by content",
			frame: `{"type":"watchlist_update","operation":"remove","content_id":"movie-1"}`,
			check: func(t *testing.T) {
				set, err := f.repo.LoadWatchlist(ctx, "alice")
				require.NoError(t, err)
				assert.False(t, set.Contains("movie-1"))
			},
		},
		{
			name:  "handoff",
			frame: `{"type":"device_handoff","target_device_id":"tv","content_id":"movie-1"}`,
			check: func(t *testing.T) {
				assert.Equal(t, models.TypeDeviceHandoff, f.pub.last().Kind())
			},
		},
		{
			name:  "command",
			frame: `{"type":"device_command","target_device_id":"tv","command":{"kind":"pause"}}`,
			check: func(t *testing.T) {
				assert.Equal(t, models.TypeDeviceCommand, f.pub.last().Kind())
			},
		},
		{
			name:    "spoofed origin",
			frame:   `{"type":"progress_update","device_id":"tv","content_id":"movie-1","position_seconds":1,"duration_seconds":2,"state":"paused"}`,
			wantErr: coordinator.ErrInvalidRequest,
		},
		{
			name:    "malformed",
			frame:   `{"type":"progress_update"`,
			wantErr: coordinator.ErrInvalidRequest,
		},
		{
			name:    "unknown type",
			frame:   `{"type":"chat","text":"hi"}`,
			wantErr: coordinator.ErrInvalidRequest,
		},
		{
			name:    "command to offline device",
			frame:   `{"type":"device_command","target_device_id":"car","command":{"kind":"play"}}`,
			wantErr: coordinator.ErrTargetDeviceOffline,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.coord.HandleClientMessage(ctx, "alice", "phone", []byte(tt.frame))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			tt.check(t)
		})
	}
}

func TestCoordinator_ApplyRemoteWithoutReplicaIsSkipped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	entry := crdt.NewEntry("movie-1", hlc.Timestamp{PhysicalMS: 99_999_999_999_999, DeviceID: "laptop"}, "laptop")
	require.NoError(t, f.coord.ApplyRemote(ctx, "alice", models.NewWatchlistAdd(entry)))

	_, ok := f.coord.Replicas().Get("alice")
	assert.False(t, ok)

	// The remote stamp is still observed
	p, err := f.coord.UpdateProgress(ctx, "alice", "phone", "movie-1", 1, 2, crdt.StatePlaying)
	require.NoError(t, err)
	assert.True(t, p.Timestamp.After(entry.Timestamp))
}

func TestCoordinator_ApplyRemoteRequiresTag(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.coord.AddToWatchlist(ctx, "alice", "phone", "movie-1")
	require.NoError(t, err)
	_, err = f.coord.LoadState(ctx, "alice")
	require.NoError(t, err)

	ts := hlc.Timestamp{PhysicalMS: 99_999_999_999_999, DeviceID: "laptop"}
	wildcard := models.NewWatchlistRemove("movie-1", uuid.Nil, ts, "laptop")
	assert.ErrorIs(t, f.coord.ApplyRemote(ctx, "alice", wildcard), models.ErrMalformedMessage)

	set, _ := f.coord.Replicas().GetOrCreate("alice").Snapshot()
	assert.True(t, set.Contains("movie-1"), "an untagged remote remove must not delete by content id")
}

func TestCoordinator_ContinueWatching(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	updates := []struct {
		content  string
		position uint32
	}{
		{"started", 600},
		{"finished", 7000},
		{"untouched", 0},
		{"recent", 100},
	}
	for _, u := range updates {
		f.clock.Advance(time.Second)
		_, err := f.coord.UpdateProgress(ctx, "alice", "phone", u.content, u.position, 7200, crdt.StatePaused)
		require.NoError(t, err)
	}

	items, err := f.coord.ContinueWatching(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "recent", items[0].ContentID)
	assert.Equal(t, "started", items[1].ContentID)
}

func TestCoordinator_SendCommand(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.online(t, "alice", "phone", "tv")

	pos := uint32(120)
	cmd, err := f.coord.SendCommand(ctx, "alice", "phone", "tv", models.Command{Kind: models.CommandSeek, PositionSeconds: &pos})
	require.NoError(t, err)
	assert.Equal(t, "tv", cmd.TargetDeviceID)

	_, err = f.coord.SendCommand(ctx, "alice", "phone", "tv", models.Command{Kind: models.CommandSeek})
	assert.ErrorIs(t, err, coordinator.ErrInvalidRequest)

	_, err = f.coord.SendCommand(ctx, "alice", "phone", "car", models.Command{Kind: models.CommandPlay})
	assert.ErrorIs(t, err, coordinator.ErrTargetDeviceOffline)
}

func TestCoordinator_HeartbeatAnnouncesDevice(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	seen, err := f.coord.Heartbeat(ctx, "alice", "tv", &models.Capabilities{MaxResolution: "4k"})
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now().UTC(), seen.UTC())

	hb, ok := f.pub.last().(*models.DeviceHeartbeat)
	require.True(t, ok)
	assert.Equal(t, "tv", hb.DeviceID)

	online, err := f.registry.IsOnline(ctx, "alice", "tv")
	require.NoError(t, err)
	assert.True(t, online)

	require.NoError(t, f.coord.Disconnect(ctx, "alice", "tv"))
	online, err = f.registry.IsOnline(ctx, "alice", "tv")
	require.NoError(t, err)
	assert.False(t, online)
}
