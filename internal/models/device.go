package models

import (
	"database/sql/driver"
	"time"

	"github.com/lib/pq"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

type DeviceType string

const (
	DeviceTypePhone   DeviceType = "phone"
	DeviceTypeTablet  DeviceType = "tablet"
	DeviceTypeTV      DeviceType = "tv"
	DeviceTypeBrowser DeviceType = "browser"
	DeviceTypeDesktop DeviceType = "desktop"
	DeviceTypeConsole DeviceType = "console"
	DeviceTypeOther   DeviceType = "other"
)

// Capabilities describes what a device can play and whether it accepts
// remote commands.
type Capabilities struct {
	MaxResolution      string     `json:"max_resolution" gorm:"column:max_resolution;type:varchar(32)"`
	HDRFormats         StringList `json:"hdr_formats" gorm:"column:hdr_formats"`
	AudioCodecs        StringList `json:"audio_codecs" gorm:"column:audio_codecs"`
	CanCast            bool       `json:"can_cast" gorm:"column:can_cast;not null"`
	RemoteControllable bool       `json:"remote_controllable" gorm:"column:remote_controllable;not null"`
}

// DeviceInfo is both the persisted device record and its API shape.
// Learning: single writer per device, so plain CRUD, no merge rules.
type DeviceInfo struct {
	UserID       string       `json:"-" gorm:"type:varchar(128);primaryKey"`
	DeviceID     string       `json:"device_id" gorm:"type:varchar(128);primaryKey"`
	DeviceName   string       `json:"device_name" gorm:"type:varchar(255)"`
	DeviceType   DeviceType   `json:"device_type" gorm:"type:varchar(32);not null"`
	Platform     string       `json:"platform" gorm:"type:varchar(64)"`
	Capabilities Capabilities `json:"capabilities" gorm:"embedded"`
	LastSeen     time.Time    `json:"last_seen" gorm:"not null;index"`
	IsOnline     bool         `json:"is_online" gorm:"not null;index"`
	CreatedAt    time.Time    `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt    time.Time    `json:"updated_at" gorm:"autoUpdateTime"`
}

// TableName override
func (DeviceInfo) TableName() string {
	return "devices"
}

// Normalize fills defaults for fields a client may leave out.
func (d *DeviceInfo) Normalize() {
	if d.DeviceType == "" {
		d.DeviceType = DeviceTypeOther
	}
	if d.DeviceName == "" {
		d.DeviceName = d.DeviceID
	}
	if d.Capabilities.HDRFormats == nil {
		d.Capabilities.HDRFormats = StringList{}
	}
	if d.Capabilities.AudioCodecs == nil {
		d.Capabilities.AudioCodecs = StringList{}
	}
}

// StringList stores a []string as a Postgres text[] (lib/pq array encoding).
// Other dialects keep the same encoded literal in a text column.
type StringList []string

// Value implements driver.Valuer.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return pq.StringArray{}.Value()
	}
	return pq.StringArray(l).Value()
}

// Scan implements sql.Scanner.
func (l *StringList) Scan(src interface{}) error {
	var arr pq.StringArray
	if err := arr.Scan(src); err != nil {
		return err
	}
	*l = StringList(arr)
	return nil
}

// GormDBDataType picks the column type per dialect.
func (StringList) GormDBDataType(db *gorm.DB, field *schema.Field) string {
	if db.Dialector.Name() == "postgres" {
		return "text[]"
	}
	return "text"
}
