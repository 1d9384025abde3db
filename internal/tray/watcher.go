package tray

import (
	"context"
	"log/slog"
	"slices"
	"strings"

	"github.com/godbus/dbus/v5"

	"github.com/linkfrg/lst/internal/bus"
	"github.com/linkfrg/lst/internal/loop"
)

// Watcher is the StatusNotifierWatcher. lst is its own host, so
// IsStatusNotifierHostRegistered is always true.
type Watcher struct {
	conn *bus.Conn
	loop *loop.Loop
	exp  *bus.Exporter

	// loop-only
	items     map[string]*Item
	order     []string
	hosts     map[string]*bus.NameWatch
	observers loop.Observers[Observer]
}

// NewWatcher prepares the watcher object. Nothing is exported until Start.
func NewWatcher(conn *bus.Conn) *Watcher {
	w := &Watcher{
		conn:  conn,
		loop:  conn.Loop(),
		items: make(map[string]*Item),
		hosts: make(map[string]*bus.NameWatch),
	}

	w.exp = bus.NewExporter(conn, WatcherBusName, WatcherPath, WatcherInterface)
	w.exp.MustRegisterMethod("RegisterStatusNotifierItem", w.handleRegisterItem)
	w.exp.MustRegisterMethod("RegisterStatusNotifierHost", w.handleRegisterHost)
	bus.RegisterProperty(w.exp, "RegisteredStatusNotifierItems", w.registeredItems)
	bus.RegisterProperty(w.exp, "IsStatusNotifierHostRegistered", func() bool { return true })
	bus.RegisterProperty(w.exp, "ProtocolVersion", func() int32 { return ProtocolVersion })
	w.exp.DeclareSignal("StatusNotifierItemRegistered", "")
	w.exp.DeclareSignal("StatusNotifierItemUnregistered", "")
	w.exp.DeclareSignal("StatusNotifierHostRegistered")
	return w
}

// Start requests the watcher name.
func (w *Watcher) Start(ctx context.Context) {
	w.exp.OwnName(ctx, func() {
		slog.Info("system tray ready", "bus_name", WatcherBusName)
		if err := w.exp.EmitSignal("StatusNotifierHostRegistered"); err != nil {
			slog.Debug("emit StatusNotifierHostRegistered failed", "error", err)
		}
	}, func(err error) {
		slog.Warn("another system tray is already running", "error", err)
	})
}

// Close releases every item, host watch and the bus name. Loop only.
func (w *Watcher) Close() {
	for _, key := range w.order {
		w.items[key].Close()
	}
	w.items = make(map[string]*Item)
	w.order = nil
	for name, watch := range w.hosts {
		watch.Close()
		delete(w.hosts, name)
	}
	w.exp.Close()
}

// Subscribe registers o for events. The returned function removes it.
func (w *Watcher) Subscribe(o Observer) (unsubscribe func()) { return w.observers.Add(o) }

// Items returns snapshots of the registered items in registration order.
// Loop only.
func (w *Watcher) Items() []ItemInfo {
	out := make([]ItemInfo, 0, len(w.order))
	for _, key := range w.order {
		out = append(out, w.items[key].Info())
	}
	return out
}

// Item returns the live item registered under key. Loop only.
func (w *Watcher) Item(key string) (*Item, bool) {
	it, ok := w.items[key]
	return it, ok
}

func (w *Watcher) registeredItems() []string {
	return slices.Clone(w.order)
}

func (w *Watcher) handleRegisterItem(inv *bus.Invocation, service string) *dbus.Error {
	// Items register either a bus name (object at the default path) or an
	// object path on the calling connection.
	dest, path := service, DefaultItemPath
	if strings.HasPrefix(service, "/") {
		if !dbus.ObjectPath(service).IsValid() {
			return bus.InvalidArgs("invalid object path %q", service)
		}
		dest, path = inv.Sender, dbus.ObjectPath(service)
	}
	key := itemKey(dest, path)

	known, err := loop.Get(inv.Context(), w.loop, func() bool {
		_, ok := w.items[key]
		return ok
	})
	if err != nil {
		return bus.Failed("register item: %v", err)
	}
	if known {
		return nil
	}

	it, err := newItem(inv.Context(), w.conn, dest, path, w.itemChanged, w.removeItem)
	if err != nil {
		slog.Warn("tray item registration failed", "item", key, "error", err)
		return bus.Failed("register item: %v", err)
	}

	err = w.loop.Call(inv.Context(), func() {
		if _, ok := w.items[key]; ok || it.gone {
			// A duplicate won the race, or the item already left the bus.
			it.Close()
			return
		}
		w.addItem(it)
	})
	if err != nil {
		it.Close()
		return bus.Failed("register item: %v", err)
	}
	return nil
}

func (w *Watcher) handleRegisterHost(inv *bus.Invocation, service string) *dbus.Error {
	name := service
	if strings.HasPrefix(service, "/") {
		name = inv.Sender
	}

	gone := false // loop-only
	watch, err := w.conn.WatchName(inv.Context(), name, nil, func() {
		gone = true
		w.removeHost(name)
	})
	if err != nil {
		return bus.Failed("register host: %v", err)
	}

	err = w.loop.Call(inv.Context(), func() {
		if _, ok := w.hosts[name]; ok || gone {
			watch.Close()
			return
		}
		w.hosts[name] = watch
		if err := w.exp.EmitSignal("StatusNotifierHostRegistered"); err != nil {
			slog.Debug("emit StatusNotifierHostRegistered failed", "error", err)
		}
	})
	if err != nil {
		watch.Close()
		return bus.Failed("register host: %v", err)
	}
	return nil
}

func (w *Watcher) addItem(it *Item) {
	w.items[it.Key()] = it
	w.order = append(w.order, it.Key())
	slog.Debug("tray item registered", "item", it.Key())

	if err := w.exp.EmitSignal("StatusNotifierItemRegistered", it.Key()); err != nil {
		slog.Debug("emit StatusNotifierItemRegistered failed", "error", err)
	}
	w.propertiesChanged()
	w.notify(Event{Type: EventItemAdded, Item: it.Info()})
}

func (w *Watcher) removeItem(it *Item) {
	if w.items[it.Key()] != it {
		return
	}
	delete(w.items, it.Key())
	w.order = slices.DeleteFunc(w.order, func(k string) bool { return k == it.Key() })
	it.Close()

	if err := w.exp.EmitSignal("StatusNotifierItemUnregistered", it.Key()); err != nil {
		slog.Debug("emit StatusNotifierItemUnregistered failed", "error", err)
	}
	w.propertiesChanged()
	w.notify(Event{Type: EventItemRemoved, Item: it.Info()})
}

func (w *Watcher) itemChanged(it *Item) {
	if w.items[it.Key()] != it {
		return
	}
	w.notify(Event{Type: EventItemChanged, Item: it.Info()})
}

func (w *Watcher) removeHost(name string) {
	if watch, ok := w.hosts[name]; ok {
		watch.Close()
		delete(w.hosts, name)
	}
}

func (w *Watcher) propertiesChanged() {
	if err := w.exp.EmitPropertiesChanged("RegisteredStatusNotifierItems"); err != nil {
		slog.Debug("emit PropertiesChanged failed", "error", err)
	}
}

func (w *Watcher) notify(e Event) {
	w.observers.Each(func(o Observer) { o.OnEvent(e) })
}
