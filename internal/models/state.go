package models

import (
	"media-sync/internal/crdt"
	"media-sync/internal/hlc"
)

// SyncState is a user's full state. It is the first frame on every new
// connection and the body of GET /api/v1/sync/state; a device merges it
// into its replica to recover anything it missed while offline.
type SyncState struct {
	Type      MessageType             `json:"type"`
	UserID    string                  `json:"user_id"`
	Watchlist *crdt.ORSet             `json:"watchlist"`
	Items     []string                `json:"items"`
	Progress  []crdt.PlaybackPosition `json:"progress"`
	Devices   []*DeviceInfo           `json:"devices"`
	Clock     hlc.Timestamp           `json:"clock"`
}

// NewSyncState assembles a full-state frame.
func NewSyncState(userID string, watchlist *crdt.ORSet, progress *crdt.ProgressMap, devices []*DeviceInfo, clock hlc.Timestamp) *SyncState {
	if devices == nil {
		devices = []*DeviceInfo{}
	}
	return &SyncState{
		Type:      TypeSyncState,
		UserID:    userID,
		Watchlist: watchlist,
		Items:     watchlist.Items(),
		Progress:  progress.All(),
		Devices:   devices,
		Clock:     clock,
	}
}

// ErrorFrame reports a rejected client frame back to the sending connection.
type ErrorFrame struct {
	Type  MessageType `json:"type"`
	Error string      `json:"error"`
}

// NewErrorFrame builds an error frame.
func NewErrorFrame(err error) *ErrorFrame {
	return &ErrorFrame{Type: TypeError, Error: err.Error()}
}
