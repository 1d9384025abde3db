package tray

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/linkfrg/lst/internal/bus"
)

const syncTimeout = 5 * time.Second

// Item is a registered StatusNotifierItem. Its snapshot is updated on the
// loop; actions may be called from any goroutine.
type Item struct {
	key   string
	proxy *bus.Proxy

	// syncMu serialises property refreshes so results reach the loop in
	// the order they were read.
	syncMu  sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	changed func(*Item)
	removed func(*Item)

	closed atomic.Bool

	// loop-only
	info ItemInfo
	gone bool
}

// itemKey returns the identifier under which an item is registered:
// the service name followed by the object path.
func itemKey(service string, path dbus.ObjectPath) string {
	return service + string(path)
}

// newItem connects to the item at service and path, reads its properties
// and starts following its update signals. It blocks and must not run on
// the loop. changed and removed are called on the loop.
func newItem(ctx context.Context, conn *bus.Conn, service string, path dbus.ObjectPath, changed, removed func(*Item)) (*Item, error) {
	itemCtx, cancel := context.WithCancel(context.Background())
	it := &Item{
		key:     itemKey(service, path),
		proxy:   conn.NewProxy(service, path, ItemInterface),
		ctx:     itemCtx,
		cancel:  cancel,
		changed: changed,
		removed: removed,
	}
	it.info = it.read(ctx)

	for _, member := range itemSignals {
		if _, err := it.proxy.Subscribe(ctx, member, it.onSignal); err != nil {
			it.Close()
			return nil, fmt.Errorf("item %s: %w", it.key, err)
		}
	}
	if _, err := it.proxy.WatchName(ctx, nil, it.onVanished); err != nil {
		it.Close()
		return nil, fmt.Errorf("item %s: %w", it.key, err)
	}
	return it, nil
}

// Key returns the registration identifier.
func (it *Item) Key() string { return it.key }

// Info returns the current snapshot. Loop only.
func (it *Item) Info() ItemInfo { return it.info }

// Close releases the item's subscriptions and name watch. Loop or
// constructor only.
func (it *Item) Close() {
	it.closed.Store(true)
	it.cancel()
	it.proxy.Close()
}

// Activate asks the item for its primary action at screen position x, y.
func (it *Item) Activate(ctx context.Context, x, y int32) error {
	_, err := it.proxy.Call(ctx, "Activate", x, y)
	return err
}

// SecondaryActivate asks the item for its secondary action.
func (it *Item) SecondaryActivate(ctx context.Context, x, y int32) error {
	_, err := it.proxy.Call(ctx, "SecondaryActivate", x, y)
	return err
}

// ContextMenu asks the item to show its own context menu.
func (it *Item) ContextMenu(ctx context.Context, x, y int32) error {
	_, err := it.proxy.Call(ctx, "ContextMenu", x, y)
	return err
}

// Scroll sends a scroll of delta steps; orientation is "horizontal" or
// "vertical".
func (it *Item) Scroll(ctx context.Context, delta int32, orientation string) error {
	_, err := it.proxy.Call(ctx, "Scroll", delta, orientation)
	return err
}

func (it *Item) onSignal(*dbus.Signal) {
	if it.closed.Load() {
		return
	}
	go it.resync()
}

func (it *Item) resync() {
	it.syncMu.Lock()
	defer it.syncMu.Unlock()

	ctx, cancel := context.WithTimeout(it.ctx, syncTimeout)
	defer cancel()
	info := it.read(ctx)
	if it.ctx.Err() != nil {
		return
	}
	it.proxy.Conn().Loop().Post(func() {
		if it.closed.Load() {
			return
		}
		it.info = info
		it.changed(it)
	})
}

func (it *Item) onVanished() {
	if it.closed.Load() {
		return
	}
	it.gone = true
	slog.Debug("tray item vanished", "item", it.key)
	it.removed(it)
}

// read fetches every property. Missing properties leave their zero value.
func (it *Item) read(ctx context.Context) ItemInfo {
	info := ItemInfo{
		Key:     it.key,
		Service: it.proxy.Dest(),
		Path:    it.proxy.Path(),
	}
	props, ok := it.proxy.GetAllProperties(ctx)
	if !ok {
		// Some items do not implement GetAll.
		props = make(map[string]dbus.Variant)
		for _, name := range []string{
			"Id", "Category", "Title", "Status", "WindowId", "IconName",
			"AttentionIconName", "IconPixmap", "AttentionIconPixmap",
			"ToolTip", "ItemIsMenu", "Menu",
		} {
			if v, ok := it.proxy.GetProperty(ctx, name); ok {
				props[name] = v
			}
		}
	}

	storeProp(props, "Id", &info.ID)
	storeProp(props, "Category", &info.Category)
	storeProp(props, "Title", &info.Title)
	storeProp(props, "Status", &info.Status)
	storeProp(props, "WindowId", &info.WindowID)
	storeProp(props, "ItemIsMenu", &info.ItemIsMenu)
	storeProp(props, "Menu", &info.Menu)

	var iconName, attentionName string
	var icon, attention []pixmapData
	storeProp(props, "IconName", &iconName)
	storeProp(props, "AttentionIconName", &attentionName)
	storeProp(props, "IconPixmap", &icon)
	storeProp(props, "AttentionIconPixmap", &attention)
	info.IconName, info.IconPixmap = chooseIcon(iconName, attentionName, icon, attention)

	var tip toolTip
	storeProp(props, "ToolTip", &tip)
	info.Tooltip = tip.Title
	if info.Tooltip == "" {
		info.Tooltip = info.Title
	}
	return info
}

func storeProp(props map[string]dbus.Variant, name string, dst any) {
	v, ok := props[name]
	if !ok {
		return
	}
	if err := v.Store(dst); err != nil {
		slog.Debug("ignoring malformed item property", "property", name, "error", err)
	}
}

// chooseIcon applies the icon precedence: icon name, attention icon name,
// icon pixmap, attention pixmap, then MissingIcon.
func chooseIcon(name, attentionName string, pixmaps, attentionPixmaps []pixmapData) (string, *Pixmap) {
	switch {
	case name != "":
		return name, nil
	case attentionName != "":
		return attentionName, nil
	}
	if p := largestPixmap(pixmaps); p != nil {
		return "", p
	}
	if p := largestPixmap(attentionPixmaps); p != nil {
		return "", p
	}
	return MissingIcon, nil
}

// largestPixmap picks the widest valid pixmap and converts it to RGBA.
func largestPixmap(pixmaps []pixmapData) *Pixmap {
	valid := slices.DeleteFunc(slices.Clone(pixmaps), func(p pixmapData) bool {
		return p.Width <= 0 || p.Height <= 0 || len(p.Data) < int(p.Width)*int(p.Height)*4
	})
	if len(valid) == 0 {
		return nil
	}
	best := slices.MaxFunc(valid, func(a, b pixmapData) int { return int(a.Width) - int(b.Width) })
	return &Pixmap{Width: best.Width, Height: best.Height, RGBA: argbToRGBA(best.Data[:best.Width*best.Height*4])}
}

func argbToRGBA(argb []byte) []byte {
	out := make([]byte, len(argb))
	for i := 0; i+3 < len(argb); i += 4 {
		out[i] = argb[i+1]
		out[i+1] = argb[i+2]
		out[i+2] = argb[i+3]
		out[i+3] = argb[i]
	}
	return out
}
