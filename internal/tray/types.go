// Package tray implements the StatusNotifierWatcher and tracks the
// StatusNotifierItems that register with it.
package tray

import "github.com/godbus/dbus/v5"

// D-Bus names of the watcher and of items.
const (
	WatcherBusName   = "org.kde.StatusNotifierWatcher"
	WatcherPath      = dbus.ObjectPath("/StatusNotifierWatcher")
	WatcherInterface = "org.kde.StatusNotifierWatcher"

	ItemInterface   = "org.kde.StatusNotifierItem"
	DefaultItemPath = dbus.ObjectPath("/StatusNotifierItem")

	ProtocolVersion int32 = 0

	// MissingIcon is used when an item offers neither icon names nor
	// pixmaps.
	MissingIcon = "image-missing"
)

// itemSignals trigger a resync of the item's properties.
var itemSignals = []string{
	"NewTitle",
	"NewIcon",
	"NewAttentionIcon",
	"NewOverlayIcon",
	"NewToolTip",
	"NewStatus",
}

// Pixmap is an icon image in RGBA byte order.
type Pixmap struct {
	Width  int32  `json:"width"`
	Height int32  `json:"height"`
	RGBA   []byte `json:"rgba"`
}

// ItemInfo is a snapshot of an item's properties.
type ItemInfo struct {
	Key        string          `json:"key"`
	Service    string          `json:"service"`
	Path       dbus.ObjectPath `json:"path"`
	ID         string          `json:"id"`
	Category   string          `json:"category"`
	Title      string          `json:"title"`
	Status     string          `json:"status"`
	WindowID   uint32          `json:"window_id"`
	IconName   string          `json:"icon_name,omitempty"`
	IconPixmap *Pixmap         `json:"icon_pixmap,omitempty"`
	Tooltip    string          `json:"tooltip"`
	ItemIsMenu bool            `json:"item_is_menu"`
	Menu       dbus.ObjectPath `json:"menu,omitempty"`
}

// EventType identifies a tray event.
type EventType int

const (
	EventItemAdded EventType = iota
	EventItemChanged
	EventItemRemoved
)

func (t EventType) String() string {
	switch t {
	case EventItemAdded:
		return "item_added"
	case EventItemChanged:
		return "item_changed"
	case EventItemRemoved:
		return "item_removed"
	}
	return "unknown"
}

// Event describes a change to the set of items or to one item.
type Event struct {
	Type EventType
	Item ItemInfo
}

// Observer receives tray events on the loop.
type Observer interface {
	OnEvent(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }

// pixmapData is one (iiay) entry of an icon pixmap array. Data is ARGB32
// in network byte order.
type pixmapData struct {
	Width  int32
	Height int32
	Data   []byte
}

// toolTip is the (sa(iiay)ss) ToolTip property.
type toolTip struct {
	IconName    string
	Pixmaps     []pixmapData
	Title       string
	Description string
}
