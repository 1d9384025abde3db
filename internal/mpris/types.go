// Package mpris tracks media players that implement the MPRIS D-Bus
// interface and offers playback controls for them.
package mpris

import (
	"strings"

	"github.com/godbus/dbus/v5"
)

// D-Bus names used by MPRIS players.
const (
	NamePrefix      = "org.mpris.MediaPlayer2."
	ObjectPath      = dbus.ObjectPath("/org/mpris/MediaPlayer2")
	RootInterface   = "org.mpris.MediaPlayer2"
	PlayerInterface = "org.mpris.MediaPlayer2.Player"

	// playerctld proxies other players and would show up twice.
	playerctldName = "org.mpris.MediaPlayer2.playerctld"
)

const microsecond = 1_000_000

// IsPlayerName reports whether name is a player this package tracks.
func IsPlayerName(name string) bool {
	return strings.HasPrefix(name, NamePrefix) && name != playerctldName
}

// PlayerInfo is a snapshot of a player. Length and Position are in whole
// seconds and are -1 when unknown.
type PlayerInfo struct {
	Name           string  `json:"name"`
	Identity       string  `json:"identity"`
	DesktopEntry   string  `json:"desktop_entry"`
	PlaybackStatus string  `json:"playback_status"`
	LoopStatus     string  `json:"loop_status"`
	Shuffle        bool    `json:"shuffle"`
	Volume         float64 `json:"volume"`
	CanControl     bool    `json:"can_control"`
	CanGoNext      bool    `json:"can_go_next"`
	CanGoPrevious  bool    `json:"can_go_previous"`
	CanPlay        bool    `json:"can_play"`
	CanPause       bool    `json:"can_pause"`
	CanSeek        bool    `json:"can_seek"`
	TrackID        string  `json:"track_id"`
	Title          string  `json:"title"`
	Album          string  `json:"album"`
	Artist         string  `json:"artist"`
	URL            string  `json:"url"`
	Length         int64   `json:"length"`
	ArtURL         string  `json:"art_url"`
	Position       int64   `json:"position"`
}

// EventType identifies an MPRIS event.
type EventType int

const (
	EventPlayerAdded EventType = iota
	EventPlayerChanged
	EventPlayerRemoved
	EventPositionChanged
)

func (t EventType) String() string {
	switch t {
	case EventPlayerAdded:
		return "player_added"
	case EventPlayerChanged:
		return "player_changed"
	case EventPlayerRemoved:
		return "player_removed"
	case EventPositionChanged:
		return "position_changed"
	}
	return "unknown"
}

// Event describes a change to the set of players or to one player.
type Event struct {
	Type   EventType
	Player PlayerInfo
}

// Observer receives MPRIS events on the loop.
type Observer interface {
	OnEvent(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }
