// Package recorder records the screen through the xdg-desktop-portal
// ScreenCast interface.
package recorder

import (
	"errors"

	"github.com/godbus/dbus/v5"
)

// Portal names.
const (
	PortalBusName    = "org.freedesktop.portal.Desktop"
	PortalPath       = dbus.ObjectPath("/org/freedesktop/portal/desktop")
	ScreenCastIface  = "org.freedesktop.portal.ScreenCast"
	SessionInterface = "org.freedesktop.portal.Session"
)

// Source types requested from SelectSources: monitors and windows.
const (
	sourceMonitor uint32 = 1
	sourceWindow  uint32 = 2
)

// DefaultBitrate is the x264 bitrate in kbit/s.
const DefaultBitrate = 8000

// ErrBusy is returned by Start while a recording is being negotiated or
// running.
var ErrBusy = errors.New("recorder is busy")

// State is the recorder state.
type State int

const (
	StateIdle State = iota
	StateSessionCreated
	StateSourcesSelected
	StateStarted
	StateStreaming
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSessionCreated:
		return "session_created"
	case StateSourcesSelected:
		return "sources_selected"
	case StateStarted:
		return "started"
	case StateStreaming:
		return "streaming"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Options configures one recording.
type Options struct {
	// File is the output path. Empty picks a timestamped file in the
	// videos directory.
	File    string
	Bitrate int
	Audio   bool
}

// EventType identifies a recorder event.
type EventType int

const (
	EventStateChanged EventType = iota
	EventStarted
	EventStopped
	EventFailed
)

func (t EventType) String() string {
	switch t {
	case EventStateChanged:
		return "state_changed"
	case EventStarted:
		return "started"
	case EventStopped:
		return "stopped"
	case EventFailed:
		return "failed"
	}
	return "unknown"
}

// Event describes a recorder change. Err is set for EventFailed.
type Event struct {
	Type  EventType
	State State
	File  string
	Err   error
}

// Observer receives recorder events on the loop.
type Observer interface {
	OnEvent(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }

// portalStream is one (ua{sv}) entry of the streams result of Start.
type portalStream struct {
	NodeID     uint32
	Properties map[string]dbus.Variant
}
