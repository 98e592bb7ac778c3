package models

import (
	"time"

	"media-sync/internal/crdt"
	"media-sync/internal/hlc"

	"github.com/google/uuid"
)

/*
LEARNING: PERSISTING AN OR-SET ROW BY ROW

The watchlist CRDT is stored as one row per tag, never as one row per
content id:

  (user, tag A, content-1, removed=false)   <- live add
  (user, tag B, content-1, removed=true)    <- tombstoned add

Keying by (user_id, tag) makes every write an idempotent upsert:
  - a duplicate add hits the primary key and does nothing
  - a remove flips `removed` and can never be undone by a late add

A remove that arrives before its add is stored as a bare tombstone
(content_id empty). When the add shows up later it fills in the entry
columns but the row stays removed.
*/

// WatchlistEntryRecord is one observed add (or tombstone) of a user's watchlist.
type WatchlistEntryRecord struct {
	UserID     string     `gorm:"type:varchar(128);primaryKey" json:"user_id"`
	Tag        string     `gorm:"type:varchar(36);primaryKey" json:"unique_tag"`
	ContentID  string     `gorm:"type:varchar(255);not null;index:idx_watchlist_user_content" json:"content_id"`
	PhysicalMS int64      `gorm:"column:physical_ms;not null" json:"physical_ms"`
	Logical    int64      `gorm:"not null" json:"logical"`
	TsDeviceID string     `gorm:"column:ts_device_id;type:varchar(128);not null" json:"ts_device_id"`
	DeviceID   string     `gorm:"type:varchar(128);not null" json:"device_id"`
	Removed    bool       `gorm:"not null;index" json:"removed"`
	RemovedAt  *time.Time `json:"removed_at,omitempty"`
	CreatedAt  time.Time  `gorm:"autoCreateTime" json:"created_at"`
}

// TableName override
func (WatchlistEntryRecord) TableName() string {
	return "watchlist_entries"
}

// NewWatchlistRecord builds the row for a live add.
func NewWatchlistRecord(userID string, entry crdt.Entry) *WatchlistEntryRecord {
	return &WatchlistEntryRecord{
		UserID:     userID,
		Tag:        entry.Tag.String(),
		ContentID:  entry.ContentID,
		PhysicalMS: int64(entry.Timestamp.PhysicalMS),
		Logical:    int64(entry.Timestamp.Logical),
		TsDeviceID: entry.Timestamp.DeviceID,
		DeviceID:   entry.DeviceID,
	}
}

// NewTombstoneRecord builds the row for a remove of tag.
func NewTombstoneRecord(userID string, tag uuid.UUID, at time.Time) *WatchlistEntryRecord {
	return &WatchlistEntryRecord{
		UserID:    userID,
		Tag:       tag.String(),
		Removed:   true,
		RemovedAt: &at,
	}
}

// HasEntry reports whether the row carries add data (false for a bare tombstone).
func (r *WatchlistEntryRecord) HasEntry() bool {
	return r.ContentID != ""
}

// TagUUID parses the stored tag.
func (r *WatchlistEntryRecord) TagUUID() (uuid.UUID, error) {
	return uuid.Parse(r.Tag)
}

// Entry converts the row back into an OR-Set entry.
func (r *WatchlistEntryRecord) Entry() (crdt.Entry, error) {
	tag, err := r.TagUUID()
	if err != nil {
		return crdt.Entry{}, err
	}
	return crdt.Entry{
		ContentID: r.ContentID,
		Tag:       tag,
		Timestamp: hlc.Timestamp{
			PhysicalMS: uint64(r.PhysicalMS),
			Logical:    uint32(r.Logical),
			DeviceID:   r.TsDeviceID,
		},
		DeviceID: r.DeviceID,
	}, nil
}
