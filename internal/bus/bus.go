package bus

import (
	"errors"
	"strings"
)

/*
LEARNING: PER-USER CHANNELS

Every user has two channels on the bus:

  user.{user_id}.sync      watchlist, progress and handoff deltas
  user.{user_id}.devices   heartbeats and remote-control commands

A gateway instance only subscribes to the channels of users that have a
connection open on it, so fan-out work scales with connected users, not
with total users.
*/

// ErrTransportUnavailable is returned when the bus cannot publish or subscribe.
var ErrTransportUnavailable = errors.New("transport unavailable")

const (
	channelPrefix  = "user."
	syncSuffix     = ".sync"
	devicesSuffix  = ".devices"
	defaultBacklog = 256
)

// Message is one payload received on a channel.
type Message struct {
	Channel string
	Payload []byte
}

// Subscription delivers messages until closed.
type Subscription interface {
	Messages() <-chan Message
	Close() error
}

// SyncChannel is the channel carrying a user's CRDT deltas.
func SyncChannel(userID string) string {
	return channelPrefix + userID + syncSuffix
}

// DevicesChannel is the channel carrying a user's device traffic.
func DevicesChannel(userID string) string {
	return channelPrefix + userID + devicesSuffix
}

// UserChannels returns both channels of a user.
func UserChannels(userID string) []string {
	return []string{SyncChannel(userID), DevicesChannel(userID)}
}

// UserFromChannel extracts the user id from a channel name.
func UserFromChannel(channel string) (string, bool) {
	if !strings.HasPrefix(channel, channelPrefix) {
		return "", false
	}
	rest := strings.TrimPrefix(channel, channelPrefix)
	for _, suffix := range []string{syncSuffix, devicesSuffix} {
		if strings.HasSuffix(rest, suffix) {
			user := strings.TrimSuffix(rest, suffix)
			return user, user != ""
		}
	}
	return "", false
}
