package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"media-sync/internal/crdt"
	"media-sync/internal/hlc"

	"github.com/google/uuid"
)

/*
LEARNING: A CLOSED SUM TYPE IN GO

Every payload on a user's channel is one of five message kinds. Go has no
enums with data, so the set is closed with an unexported interface method:

  type SyncMessage interface { ...; header() *Header }

Only types in this package can implement header(), so a type switch over
SyncMessage lists every possible case. Anything that does not decode into
one of them is ErrMalformedMessage, the single fallback.

On the wire each message is a flat JSON object tagged by "type":

  {"type":"progress_update","content_id":"c1","position_seconds":42,...}
*/

// ErrMalformedMessage is returned for payloads that are not a valid sync message.
var ErrMalformedMessage = errors.New("malformed sync message")

// MessageType tags the JSON union.
type MessageType string

const (
	TypeWatchlistUpdate MessageType = "watchlist_update"
	TypeProgressUpdate  MessageType = "progress_update"
	TypeDeviceHandoff   MessageType = "device_handoff"
	TypeDeviceHeartbeat MessageType = "device_heartbeat"
	TypeDeviceCommand   MessageType = "device_command"

	// Server-to-client frames that never travel on the bus
	TypeSyncState MessageType = "sync_state"
	TypeError     MessageType = "error"
)

// Header is embedded in every message.
type Header struct {
	Type          MessageType `json:"type"`
	PublishedAtMS int64       `json:"published_at,omitempty"`
}

// SetPublishedAt records when the message was handed to the bus.
func (h *Header) SetPublishedAt(t time.Time) {
	h.PublishedAtMS = t.UnixMilli()
}

// PublishedAt returns the publish time, if the publisher stamped one.
func (h *Header) PublishedAt() (time.Time, bool) {
	if h.PublishedAtMS == 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(h.PublishedAtMS), true
}

// SyncMessage is one of WatchlistUpdate, ProgressUpdate, DeviceHandoff,
// DeviceHeartbeat or DeviceCommand.
type SyncMessage interface {
	Kind() MessageType
	// Origin is the device that issued the message.
	Origin() string
	Stamp() hlc.Timestamp
	Validate() error
	SetPublishedAt(t time.Time)
	PublishedAt() (time.Time, bool)

	header() *Header
	defaultOrigin(deviceID string)
}

// Watchlist operations

type WatchlistOperation string

const (
	OperationAdd    WatchlistOperation = "add"
	OperationRemove WatchlistOperation = "remove"
)

// WatchlistUpdate carries a single OR-Set delta: one add or one tag removal.
type WatchlistUpdate struct {
	Header
	Operation WatchlistOperation `json:"operation"`
	ContentID string             `json:"content_id"`
	UniqueTag uuid.UUID          `json:"unique_tag"`
	Timestamp hlc.Timestamp      `json:"timestamp"`
	DeviceID  string             `json:"device_id"`
}

// NewWatchlistAdd wraps an OR-Set add.
func NewWatchlistAdd(entry crdt.Entry) *WatchlistUpdate {
	return &WatchlistUpdate{
		Header:    Header{Type: TypeWatchlistUpdate},
		Operation: OperationAdd,
		ContentID: entry.ContentID,
		UniqueTag: entry.Tag,
		Timestamp: entry.Timestamp,
		DeviceID:  entry.DeviceID,
	}
}

// NewWatchlistRemove wraps the removal of one tag.
func NewWatchlistRemove(contentID string, tag uuid.UUID, ts hlc.Timestamp, deviceID string) *WatchlistUpdate {
	return &WatchlistUpdate{
		Header:    Header{Type: TypeWatchlistUpdate},
		Operation: OperationRemove,
		ContentID: contentID,
		UniqueTag: tag,
		Timestamp: ts,
		DeviceID:  deviceID,
	}
}

// Entry returns the OR-Set entry described by an add.
func (m *WatchlistUpdate) Entry() crdt.Entry {
	return crdt.Entry{
		ContentID: m.ContentID,
		Tag:       m.UniqueTag,
		Timestamp: m.Timestamp,
		DeviceID:  m.DeviceID,
	}
}

func (m *WatchlistUpdate) Kind() MessageType       { return TypeWatchlistUpdate }
func (m *WatchlistUpdate) Origin() string          { return m.DeviceID }
func (m *WatchlistUpdate) Stamp() hlc.Timestamp    { return m.Timestamp }
func (m *WatchlistUpdate) header() *Header         { return &m.Header }
func (m *WatchlistUpdate) defaultOrigin(id string) { setIfEmpty(&m.DeviceID, id) }

// Validate checks the fields a receiver needs. Devices may send a remove by
// content id alone; the server resolves it into tags.
func (m *WatchlistUpdate) Validate() error {
	switch m.Operation {
	case OperationAdd:
		if m.ContentID == "" {
			return errors.New("content_id is required")
		}
	case OperationRemove:
		if m.ContentID == "" && m.UniqueTag == uuid.Nil {
			return errors.New("content_id or unique_tag is required")
		}
	default:
		return fmt.Errorf("unknown operation %q", m.Operation)
	}
	return nil
}

// ProgressUpdate carries a full LWW register value.
type ProgressUpdate struct {
	Header
	ContentID       string             `json:"content_id"`
	PositionSeconds uint32             `json:"position_seconds"`
	DurationSeconds uint32             `json:"duration_seconds"`
	State           crdt.PlaybackState `json:"state,omitempty"`
	Timestamp       hlc.Timestamp      `json:"timestamp"`
	DeviceID        string             `json:"device_id"`
}

// NewProgressUpdate wraps a register value.
func NewProgressUpdate(p crdt.PlaybackPosition) *ProgressUpdate {
	return &ProgressUpdate{
		Header:          Header{Type: TypeProgressUpdate},
		ContentID:       p.ContentID,
		PositionSeconds: p.PositionSeconds,
		DurationSeconds: p.DurationSeconds,
		State:           p.State,
		Timestamp:       p.Timestamp,
		DeviceID:        p.DeviceID,
	}
}

// Position converts the message into a register candidate. A missing state
// means paused.
func (m *ProgressUpdate) Position() crdt.PlaybackPosition {
	state, err := crdt.ParsePlaybackState(string(m.State))
	if err != nil {
		state = crdt.StatePaused
	}
	return crdt.NewProgress(m.ContentID, m.PositionSeconds, m.DurationSeconds, state, m.Timestamp, m.DeviceID)
}

func (m *ProgressUpdate) Kind() MessageType       { return TypeProgressUpdate }
func (m *ProgressUpdate) Origin() string          { return m.DeviceID }
func (m *ProgressUpdate) Stamp() hlc.Timestamp    { return m.Timestamp }
func (m *ProgressUpdate) header() *Header         { return &m.Header }
func (m *ProgressUpdate) defaultOrigin(id string) { setIfEmpty(&m.DeviceID, id) }

func (m *ProgressUpdate) Validate() error {
	if m.ContentID == "" {
		return errors.New("content_id is required")
	}
	if _, err := crdt.ParsePlaybackState(string(m.State)); err != nil {
		return err
	}
	return nil
}

// DeviceHandoff asks the target device to resume content at a position.
type DeviceHandoff struct {
	Header
	SourceDeviceID  string        `json:"source_device_id,omitempty"`
	TargetDeviceID  string        `json:"target_device_id"`
	ContentID       string        `json:"content_id"`
	PositionSeconds *uint32       `json:"position_seconds,omitempty"`
	DurationSeconds uint32        `json:"duration_seconds,omitempty"`
	Timestamp       hlc.Timestamp `json:"timestamp"`
}

// NewDeviceHandoff builds a handoff carrying the resume point p.
func NewDeviceHandoff(source, target string, p crdt.PlaybackPosition) *DeviceHandoff {
	pos := p.PositionSeconds
	return &DeviceHandoff{
		Header:          Header{Type: TypeDeviceHandoff},
		SourceDeviceID:  source,
		TargetDeviceID:  target,
		ContentID:       p.ContentID,
		PositionSeconds: &pos,
		DurationSeconds: p.DurationSeconds,
		Timestamp:       p.Timestamp,
	}
}

// Position returns the embedded resume point as a register candidate
// stamped by the issuing device.
func (m *DeviceHandoff) Position() crdt.PlaybackPosition {
	var pos uint32
	if m.PositionSeconds != nil {
		pos = *m.PositionSeconds
	}
	issuer := m.SourceDeviceID
	if issuer == "" {
		issuer = m.Timestamp.DeviceID
	}
	return crdt.NewProgress(m.ContentID, pos, m.DurationSeconds, crdt.StatePaused, m.Timestamp, issuer)
}

func (m *DeviceHandoff) Kind() MessageType    { return TypeDeviceHandoff }
func (m *DeviceHandoff) Stamp() hlc.Timestamp { return m.Timestamp }
func (m *DeviceHandoff) header() *Header      { return &m.Header }

func (m *DeviceHandoff) Origin() string {
	if m.SourceDeviceID != "" {
		return m.SourceDeviceID
	}
	return m.Timestamp.DeviceID
}

func (m *DeviceHandoff) defaultOrigin(id string) { setIfEmpty(&m.SourceDeviceID, id) }

func (m *DeviceHandoff) Validate() error {
	if m.TargetDeviceID == "" {
		return errors.New("target_device_id is required")
	}
	if m.ContentID == "" {
		return errors.New("content_id is required")
	}
	return nil
}

// DeviceHeartbeat announces liveness and, optionally, updated capabilities.
type DeviceHeartbeat struct {
	Header
	DeviceID     string        `json:"device_id"`
	Capabilities *Capabilities `json:"capabilities,omitempty"`
	Timestamp    hlc.Timestamp `json:"timestamp"`
}

// NewDeviceHeartbeat builds a heartbeat announcement.
func NewDeviceHeartbeat(deviceID string, caps *Capabilities, ts hlc.Timestamp) *DeviceHeartbeat {
	return &DeviceHeartbeat{
		Header:       Header{Type: TypeDeviceHeartbeat},
		DeviceID:     deviceID,
		Capabilities: caps,
		Timestamp:    ts,
	}
}

func (m *DeviceHeartbeat) Kind() MessageType       { return TypeDeviceHeartbeat }
func (m *DeviceHeartbeat) Origin() string          { return m.DeviceID }
func (m *DeviceHeartbeat) Stamp() hlc.Timestamp    { return m.Timestamp }
func (m *DeviceHeartbeat) header() *Header         { return &m.Header }
func (m *DeviceHeartbeat) defaultOrigin(id string) { setIfEmpty(&m.DeviceID, id) }

func (m *DeviceHeartbeat) Validate() error {
	if m.DeviceID == "" {
		return errors.New("device_id is required")
	}
	return nil
}

// Remote control commands

type CommandKind string

const (
	CommandPlay  CommandKind = "play"
	CommandPause CommandKind = "pause"
	CommandSeek  CommandKind = "seek"
	CommandCast  CommandKind = "cast"
)

// Command is play, pause, seek{position_seconds} or cast{content_id}.
type Command struct {
	Kind            CommandKind `json:"kind"`
	PositionSeconds *uint32     `json:"position_seconds,omitempty"`
	ContentID       string      `json:"content_id,omitempty"`
}

// UnmarshalJSON also accepts the bare string form, e.g. "play".
func (c *Command) UnmarshalJSON(data []byte) error {
	var kind string
	if err := json.Unmarshal(data, &kind); err == nil {
		*c = Command{Kind: CommandKind(kind)}
		return nil
	}
	type plain Command
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*c = Command(p)
	return nil
}

// Validate checks the kind and its argument.
func (c Command) Validate() error {
	switch c.Kind {
	case CommandPlay, CommandPause:
		return nil
	case CommandSeek:
		if c.PositionSeconds == nil {
			return errors.New("seek requires position_seconds")
		}
		return nil
	case CommandCast:
		if c.ContentID == "" {
			return errors.New("cast requires content_id")
		}
		return nil
	}
	return fmt.Errorf("unknown command %q", c.Kind)
}

// DeviceCommand is a remote-control instruction for one device.
type DeviceCommand struct {
	Header
	SourceDeviceID string        `json:"source_device_id,omitempty"`
	TargetDeviceID string        `json:"target_device_id"`
	Command        Command       `json:"command"`
	Timestamp      hlc.Timestamp `json:"timestamp"`
}

// NewDeviceCommand builds a command for target.
func NewDeviceCommand(source, target string, cmd Command, ts hlc.Timestamp) *DeviceCommand {
	return &DeviceCommand{
		Header:         Header{Type: TypeDeviceCommand},
		SourceDeviceID: source,
		TargetDeviceID: target,
		Command:        cmd,
		Timestamp:      ts,
	}
}

func (m *DeviceCommand) Kind() MessageType       { return TypeDeviceCommand }
func (m *DeviceCommand) Origin() string          { return m.SourceDeviceID }
func (m *DeviceCommand) Stamp() hlc.Timestamp    { return m.Timestamp }
func (m *DeviceCommand) header() *Header         { return &m.Header }
func (m *DeviceCommand) defaultOrigin(id string) { setIfEmpty(&m.SourceDeviceID, id) }

func (m *DeviceCommand) Validate() error {
	if m.TargetDeviceID == "" {
		return errors.New("target_device_id is required")
	}
	return m.Command.Validate()
}

// EncodeMessage serializes msg with its type tag set.
func EncodeMessage(msg SyncMessage) ([]byte, error) {
	if msg == nil {
		return nil, errors.New("failed to encode message: nil message")
	}
	msg.header().Type = msg.Kind()
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", msg.Kind(), err)
	}
	return data, nil
}

// DecodeMessage parses a bus payload. Anything that is not exactly one of
// the known kinds with its required fields yields ErrMalformedMessage.
func DecodeMessage(data []byte) (SyncMessage, error) {
	return decode(data, "")
}

// DecodeFrom parses a frame sent by a connected device. Origin fields the
// device left out are filled with deviceID before validation.
func DecodeFrom(data []byte, deviceID string) (SyncMessage, error) {
	return decode(data, deviceID)
}

func decode(data []byte, deviceID string) (SyncMessage, error) {
	var head Header
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	var msg SyncMessage
	switch head.Type {
	case TypeWatchlistUpdate:
		msg = &WatchlistUpdate{}
	case TypeProgressUpdate:
		msg = &ProgressUpdate{}
	case TypeDeviceHandoff:
		msg = &DeviceHandoff{}
	case TypeDeviceHeartbeat:
		msg = &DeviceHeartbeat{}
	case TypeDeviceCommand:
		msg = &DeviceCommand{}
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedMessage, head.Type)
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedMessage, head.Type, err)
	}
	if deviceID != "" {
		msg.defaultOrigin(deviceID)
	}
	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedMessage, head.Type, err)
	}
	// Deltas on the bus were resolved by the gateway that issued them, so
	// they always name the tag they add or remove.
	if deviceID == "" {
		if w, ok := msg.(*WatchlistUpdate); ok && w.UniqueTag == uuid.Nil {
			return nil, fmt.Errorf("%w: %s: unique_tag is required", ErrMalformedMessage, head.Type)
		}
	}
	return msg, nil
}

func setIfEmpty(field *string, value string) {
	if *field == "" {
		*field = value
	}
}
