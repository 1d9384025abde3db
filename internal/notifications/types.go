// Package notifications implements the org.freedesktop.Notifications
// server: it receives notifications from applications, keeps a persisted
// history, and tracks which of them are currently shown as popups.
package notifications

import (
	"time"

	"github.com/godbus/dbus/v5"
)

// D-Bus names of the notification server.
const (
	BusName    = "org.freedesktop.Notifications"
	ObjectPath = dbus.ObjectPath("/org/freedesktop/Notifications")
	Interface  = "org.freedesktop.Notifications"
)

// Server identity reported by GetServerInformation.
const (
	ServerName    = "lst"
	ServerVendor  = "linkfrg"
	ServerVersion = "1.0"
	SpecVersion   = "1.2"
)

// Capabilities reported by GetCapabilities.
var Capabilities = []string{"actions", "body", "icon-static", "persistence"}

// CloseReason is the reason argument of NotificationClosed.
type CloseReason uint32

const (
	ReasonExpired   CloseReason = 1
	ReasonDismissed CloseReason = 2
	ReasonClosed    CloseReason = 3
	ReasonUndefined CloseReason = 4
)

// Urgency levels carried in the "urgency" hint.
const (
	UrgencyLow      byte = 0
	UrgencyNormal   byte = 1
	UrgencyCritical byte = 2
)

// Action is a button offered by a notification.
type Action struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// Notification is one received notification.
type Notification struct {
	ID      uint32    `json:"id"`
	AppName string    `json:"app_name"`
	Icon    string    `json:"icon"`
	Summary string    `json:"summary"`
	Body    string    `json:"body"`
	Actions []Action  `json:"actions"`
	Urgency byte      `json:"urgency"`
	Timeout int32     `json:"timeout"`
	Time    time.Time `json:"time"`
}

// EventType identifies a notification service event.
type EventType int

const (
	EventNotified EventType = iota
	EventReplaced
	EventClosed
	EventPopupShown
	EventPopupDismissed
	EventActionInvoked
	EventDNDChanged
)

func (t EventType) String() string {
	switch t {
	case EventNotified:
		return "notified"
	case EventReplaced:
		return "replaced"
	case EventClosed:
		return "closed"
	case EventPopupShown:
		return "popup_shown"
	case EventPopupDismissed:
		return "popup_dismissed"
	case EventActionInvoked:
		return "action_invoked"
	case EventDNDChanged:
		return "dnd_changed"
	}
	return "unknown"
}

// Event describes a change. Notification is a copy taken when the event
// was raised.
type Event struct {
	Type         EventType
	Notification Notification
	Reason       CloseReason
	Action       string
	DND          bool
}

// Observer receives notification events on the loop. It must not block.
type Observer interface {
	OnEvent(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }

// historyFile is the persisted form of the service state.
type historyFile struct {
	ID            uint32          `json:"id"`
	Notifications []*Notification `json:"notifications"`
	DND           bool            `json:"dnd"`
}
