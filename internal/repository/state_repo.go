package repository

import (
	"context"
	"fmt"
	"log"
	"time"

	"media-sync/internal/crdt"
	"media-sync/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

/*
LEARNING: CRDT PERSISTENCE WITHOUT A REPLAY LOG

The store is the record of truth. Every write is an atomic upsert, so two
gateway instances writing for the same user never need a read-modify-write:

  watchlist add     INSERT ... ON CONFLICT (user_id, tag) DO NOTHING*
  watchlist remove  INSERT tombstone ... ON CONFLICT DO UPDATE SET removed = true
  progress          INSERT ... ON CONFLICT DO UPDATE ... WHERE <incoming HLC is greater>

  * except that an add fills in a bare tombstone written before it arrived

Loading rebuilds exactly the in-memory CRDT: each row is an entry, each
removed row a tombstone. A fresh process calling Load* gets the state the
previous one had.
*/

var userTagColumns = []clause.Column{{Name: "user_id"}, {Name: "tag"}}

// StateRepositoryImpl persists watchlists, playback progress and devices.
type StateRepositoryImpl struct {
	db  *gorm.DB
	now func() time.Time
}

// NewStateRepository creates a new state repository
func NewStateRepository(db *gorm.DB) *StateRepositoryImpl {
	return &StateRepositoryImpl{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source used for tombstones and heartbeats.
func (r *StateRepositoryImpl) WithClock(now func() time.Time) *StateRepositoryImpl {
	r.now = func() time.Time { return now().UTC() }
	return r
}

// Ping checks that the store is reachable.
func (r *StateRepositoryImpl) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return wrapErr("get sql handle", err)
	}
	return wrapErr("ping database", sqlDB.PingContext(ctx))
}

// Watchlist

// AddWatchlistItem durably records one OR-Set add. Idempotent.
func (r *StateRepositoryImpl) AddWatchlistItem(ctx context.Context, userID string, entry crdt.Entry) error {
	record := models.NewWatchlistRecord(userID, entry)
	return wrapErr("add watchlist item", r.addEntry(r.db.WithContext(ctx), record))
}

// RemoveWatchlistItem durably tombstones one tag, known or not. Idempotent.
func (r *StateRepositoryImpl) RemoveWatchlistItem(ctx context.Context, userID string, tag uuid.UUID) error {
	record := models.NewTombstoneRecord(userID, tag, r.now())
	return wrapErr("remove watchlist item", r.tombstone(r.db.WithContext(ctx), record))
}

// SaveWatchlist writes a whole snapshot in one transaction. It merges into
// what is stored rather than replacing it, so a concurrent writer's entries
// survive.
func (r *StateRepositoryImpl) SaveWatchlist(ctx context.Context, userID string, set *crdt.ORSet) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, entry := range set.AllEntries() {
			if err := r.addEntry(tx, models.NewWatchlistRecord(userID, entry)); err != nil {
				return err
			}
		}
		now := r.now()
		for _, tag := range set.Tombstones() {
			if err := r.tombstone(tx, models.NewTombstoneRecord(userID, tag, now)); err != nil {
				return err
			}
		}
		return nil
	})
	return wrapErr("save watchlist", err)
}

// LoadWatchlist rebuilds the user's OR-Set, tombstones included.
func (r *StateRepositoryImpl) LoadWatchlist(ctx context.Context, userID string) (*crdt.ORSet, error) {
	var rows []*models.WatchlistEntryRecord

	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("physical_ms ASC, logical ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapErr("load watchlist", err)
	}

	set := crdt.NewORSet()
	for _, row := range rows {
		tag, err := row.TagUUID()
		if err != nil {
			log.Printf("⚠️  Skipping watchlist row with bad tag %q for user %s", row.Tag, userID)
			continue
		}
		if row.HasEntry() {
			entry, _ := row.Entry()
			set.Insert(entry)
		}
		if row.Removed {
			set.RemoveByTag(tag)
		}
	}

	return set, nil
}

func (r *StateRepositoryImpl) addEntry(tx *gorm.DB, record *models.WatchlistEntryRecord) error {
	return tx.Clauses(clause.OnConflict{
		Columns:   userTagColumns,
		DoUpdates: clause.AssignmentColumns([]string{"content_id", "physical_ms", "logical", "ts_device_id", "device_id"}),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Expr{SQL: "watchlist_entries.content_id = ''"},
		}},
	}).Create(record).Error
}

func (r *StateRepositoryImpl) tombstone(tx *gorm.DB, record *models.WatchlistEntryRecord) error {
	return tx.Clauses(clause.OnConflict{
		Columns:   userTagColumns,
		DoUpdates: clause.AssignmentColumns([]string{"removed", "removed_at"}),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Expr{SQL: "watchlist_entries.removed = ?", Vars: []interface{}{false}},
		}},
	}).Create(record).Error
}

// Progress

// SaveProgress stores p if it wins against the stored register. The
// comparison runs inside the upsert, so concurrent writers cannot interleave.
// Returns whether p was written.
func (r *StateRepositoryImpl) SaveProgress(ctx context.Context, userID string, p crdt.PlaybackPosition) (bool, error) {
	record := models.NewProgressRecord(userID, p)

	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "content_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"position_seconds", "duration_seconds", "state",
			"physical_ms", "logical", "ts_device_id", "device_id", "updated_at",
		}),
		Where: clause.Where{Exprs: []clause.Expression{clause.Expr{SQL: r.lwwCondition()}}},
	}).Create(record)

	if result.Error != nil {
		return false, wrapErr("save progress", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// lwwCondition is the HLC total order in SQL: physical, then logical, then
// device id compared bytewise.
func (r *StateRepositoryImpl) lwwCondition() string {
	collate := ""
	if r.db.Dialector.Name() == "postgres" {
		collate = ` COLLATE "C"`
	}
	return fmt.Sprintf(`excluded.physical_ms > playback_positions.physical_ms
		OR (excluded.physical_ms = playback_positions.physical_ms AND excluded.logical > playback_positions.logical)
		OR (excluded.physical_ms = playback_positions.physical_ms AND excluded.logical = playback_positions.logical
			AND excluded.ts_device_id%s > playback_positions.ts_device_id%s)`, collate, collate)
}

// LoadProgress returns every register for the user, most recent first.
func (r *StateRepositoryImpl) LoadProgress(ctx context.Context, userID string) ([]crdt.PlaybackPosition, error) {
	var rows []*models.ProgressRecord

	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("physical_ms DESC, logical DESC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapErr("load progress", err)
	}

	positions := make([]crdt.PlaybackPosition, 0, len(rows))
	for _, row := range rows {
		positions = append(positions, row.Position())
	}
	return positions, nil
}

// GetProgress returns the register for one content id, or ErrNotFound.
func (r *StateRepositoryImpl) GetProgress(ctx context.Context, userID, contentID string) (*crdt.PlaybackPosition, error) {
	var row models.ProgressRecord

	err := r.db.WithContext(ctx).
		Where("user_id = ? AND content_id = ?", userID, contentID).
		First(&row).Error
	if err != nil {
		return nil, wrapErr("get progress", err)
	}

	p := row.Position()
	return &p, nil
}

// DeleteProgress drops the register for one content id.
func (r *StateRepositoryImpl) DeleteProgress(ctx context.Context, userID, contentID string) error {
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND content_id = ?", userID, contentID).
		Delete(&models.ProgressRecord{}).Error
	return wrapErr("delete progress", err)
}

// Devices

// SaveDevice upserts a device record.
func (r *StateRepositoryImpl) SaveDevice(ctx context.Context, device *models.DeviceInfo) error {
	device.Normalize()

	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "device_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"device_name", "device_type", "platform",
			"max_resolution", "hdr_formats", "audio_codecs", "can_cast", "remote_controllable",
			"last_seen", "is_online", "updated_at",
		}),
	}).Create(device).Error
	return wrapErr("save device", err)
}

// LoadDevices lists the user's devices, most recently seen first.
func (r *StateRepositoryImpl) LoadDevices(ctx context.Context, userID string) ([]*models.DeviceInfo, error) {
	var devices []*models.DeviceInfo

	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("last_seen DESC, device_id ASC").
		Find(&devices).Error
	if err != nil {
		return nil, wrapErr("load devices", err)
	}
	return devices, nil
}

// GetDevice returns one device, or ErrNotFound.
func (r *StateRepositoryImpl) GetDevice(ctx context.Context, userID, deviceID string) (*models.DeviceInfo, error) {
	var device models.DeviceInfo

	err := r.db.WithContext(ctx).
		Where("user_id = ? AND device_id = ?", userID, deviceID).
		First(&device).Error
	if err != nil {
		return nil, wrapErr("get device", err)
	}
	return &device, nil
}

// DeleteDevice removes a device record. ErrNotFound if there was none.
func (r *StateRepositoryImpl) DeleteDevice(ctx context.Context, userID, deviceID string) error {
	result := r.db.WithContext(ctx).
		Where("user_id = ? AND device_id = ?", userID, deviceID).
		Delete(&models.DeviceInfo{})
	if result.Error != nil {
		return wrapErr("delete device", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateDeviceHeartbeat refreshes last_seen and marks the device online.
// ErrNotFound if the device was never registered.
func (r *StateRepositoryImpl) UpdateDeviceHeartbeat(ctx context.Context, userID, deviceID string) (time.Time, error) {
	seen := r.now()
	result := r.db.WithContext(ctx).
		Model(&models.DeviceInfo{}).
		Where("user_id = ? AND device_id = ?", userID, deviceID).
		Updates(map[string]interface{}{"last_seen": seen, "is_online": true})
	if result.Error != nil {
		return time.Time{}, wrapErr("update device heartbeat", result.Error)
	}
	if result.RowsAffected == 0 {
		return time.Time{}, ErrNotFound
	}
	return seen, nil
}

// MarkDeviceOffline flips one device offline (explicit disconnect).
func (r *StateRepositoryImpl) MarkDeviceOffline(ctx context.Context, userID, deviceID string) error {
	err := r.db.WithContext(ctx).
		Model(&models.DeviceInfo{}).
		Where("user_id = ? AND device_id = ?", userID, deviceID).
		Update("is_online", false).Error
	return wrapErr("mark device offline", err)
}

// MarkStaleDevicesOffline flips every online device last seen before cutoff,
// across all users, in one statement. Returns the number of devices changed.
func (r *StateRepositoryImpl) MarkStaleDevicesOffline(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&models.DeviceInfo{}).
		Where("is_online = ? AND last_seen < ?", true, cutoff.UTC()).
		Update("is_online", false)
	if result.Error != nil {
		return 0, wrapErr("mark stale devices offline", result.Error)
	}
	return result.RowsAffected, nil
}
