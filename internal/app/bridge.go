package app

import (
	"github.com/linkfrg/lst/internal/events"
	"github.com/linkfrg/lst/internal/mpris"
	"github.com/linkfrg/lst/internal/notifications"
	"github.com/linkfrg/lst/internal/recorder"
	"github.com/linkfrg/lst/internal/tray"
)

// Event sources on the renderer stream.
const (
	sourceWindows       = "windows"
	sourceNotifications = "notifications"
	sourceTray          = "tray"
	sourceMPRIS         = "mpris"
	sourceRecorder      = "recorder"
	sourceApps          = "apps"
)

type notificationEvent struct {
	Notification notifications.Notification `json:"notification"`
	Reason       notifications.CloseReason  `json:"reason,omitempty"`
	Action       string                     `json:"action,omitempty"`
	DND          bool                       `json:"dnd"`
}

type recorderState struct {
	State string `json:"state"`
	File  string `json:"file,omitempty"`
	Error string `json:"error,omitempty"`
}

type notificationState struct {
	List   []notifications.Notification `json:"list"`
	Popups []notifications.Notification `json:"popups"`
	DND    bool                         `json:"dnd"`
}

// snapshot is the full state a renderer receives on connect.
type snapshot struct {
	State         string             `json:"state"`
	Version       string             `json:"version,omitempty"`
	Windows       []Window           `json:"windows"`
	Notifications *notificationState `json:"notifications,omitempty"`
	Tray          []tray.ItemInfo    `json:"tray,omitempty"`
	Players       []mpris.PlayerInfo `json:"players,omitempty"`
	Recorder      *recorderState     `json:"recorder,omitempty"`
	Pinned        []string           `json:"pinned,omitempty"`
}

// snapshot collects the state of every running service. Loop only.
func (c *Controller) snapshot() any {
	s := snapshot{
		State:   c.state.String(),
		Version: c.opts.Version,
		Windows: c.windows.List(),
	}
	if c.notifications != nil {
		s.Notifications = &notificationState{
			List:   c.notifications.List(),
			Popups: c.notifications.Popups(),
			DND:    c.notifications.DND(),
		}
	}
	if c.tray != nil {
		s.Tray = c.tray.Items()
	}
	if c.players != nil {
		s.Players = c.players.Players()
	}
	if c.recorder != nil {
		rs := &recorderState{State: c.recorder.State().String(), File: c.recorder.File()}
		if err := c.recorder.LastError(); err != nil {
			rs.Error = err.Error()
		}
		s.Recorder = rs
	}
	if c.pinned != nil {
		s.Pinned = c.pinned.List()
	}
	return s
}

func (c *Controller) publish(source, typ string, data any) {
	if c.hub == nil {
		return
	}
	c.hub.Publish(events.Message{Type: typ, Source: source, Data: data})
}

func (c *Controller) onWindowEvent(e WindowEvent) {
	c.publish(sourceWindows, e.Type.String(), e.Window)
}

func (c *Controller) onNotificationEvent(e notifications.Event) {
	c.publish(sourceNotifications, e.Type.String(), notificationEvent{
		Notification: e.Notification,
		Reason:       e.Reason,
		Action:       e.Action,
		DND:          e.DND,
	})
}

func (c *Controller) onTrayEvent(e tray.Event) {
	c.publish(sourceTray, e.Type.String(), e.Item)
}

func (c *Controller) onPlayerEvent(e mpris.Event) {
	c.publish(sourceMPRIS, e.Type.String(), e.Player)
}

func (c *Controller) onRecorderEvent(e recorder.Event) {
	rs := recorderState{State: e.State.String(), File: e.File}
	if e.Err != nil {
		rs.Error = e.Err.Error()
	}
	c.publish(sourceRecorder, e.Type.String(), rs)
}

func (c *Controller) onPinnedChanged(ids []string) {
	c.publish(sourceApps, "pinned_changed", ids)
}
