package models

import (
	"time"

	"media-sync/internal/crdt"
	"media-sync/internal/hlc"
)

// ProgressRecord is the durable LWW register for one (user, content).
// The HLC is split into sortable columns so the store itself can compare
// an incoming write against the stored one.
type ProgressRecord struct {
	UserID          string    `gorm:"type:varchar(128);primaryKey" json:"user_id"`
	ContentID       string    `gorm:"type:varchar(255);primaryKey" json:"content_id"`
	PositionSeconds int64     `gorm:"not null" json:"position_seconds"`
	DurationSeconds int64     `gorm:"not null" json:"duration_seconds"`
	State           string    `gorm:"type:varchar(16);not null" json:"state"`
	PhysicalMS      int64     `gorm:"column:physical_ms;not null" json:"physical_ms"`
	Logical         int64     `gorm:"not null" json:"logical"`
	TsDeviceID      string    `gorm:"column:ts_device_id;type:varchar(128);not null" json:"ts_device_id"`
	DeviceID        string    `gorm:"type:varchar(128);not null" json:"device_id"`
	UpdatedAt       time.Time `gorm:"index" json:"updated_at"`
}

// TableName override
func (ProgressRecord) TableName() string {
	return "playback_positions"
}

// NewProgressRecord builds the row for a register value.
func NewProgressRecord(userID string, p crdt.PlaybackPosition) *ProgressRecord {
	return &ProgressRecord{
		UserID:          userID,
		ContentID:       p.ContentID,
		PositionSeconds: int64(p.PositionSeconds),
		DurationSeconds: int64(p.DurationSeconds),
		State:           string(p.State),
		PhysicalMS:      int64(p.Timestamp.PhysicalMS),
		Logical:         int64(p.Timestamp.Logical),
		TsDeviceID:      p.Timestamp.DeviceID,
		DeviceID:        p.DeviceID,
	}
}

// Position converts the row back into the register value.
func (r *ProgressRecord) Position() crdt.PlaybackPosition {
	state, err := crdt.ParsePlaybackState(r.State)
	if err != nil {
		state = crdt.StatePaused
	}
	return crdt.PlaybackPosition{
		ContentID:       r.ContentID,
		PositionSeconds: uint32(r.PositionSeconds),
		DurationSeconds: uint32(r.DurationSeconds),
		State:           state,
		Timestamp: hlc.Timestamp{
			PhysicalMS: uint64(r.PhysicalMS),
			Logical:    uint32(r.Logical),
			DeviceID:   r.TsDeviceID,
		},
		DeviceID: r.DeviceID,
	}
}
