package tray

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/prop"

	"github.com/linkfrg/lst/internal/bus"
	"github.com/linkfrg/lst/internal/loop"
	"github.com/linkfrg/lst/internal/testutil"
)

// fakeItem is a StatusNotifierItem on its own connection.
type fakeItem struct {
	conn      *dbus.Conn
	props     *prop.Properties
	path      dbus.ObjectPath
	activated chan [2]int32
}

func (f *fakeItem) Activate(x, y int32) *dbus.Error {
	f.activated <- [2]int32{x, y}
	return nil
}

func startFakeItem(t *testing.T, addr string, path dbus.ObjectPath, props map[string]*prop.Prop) *fakeItem {
	t.Helper()
	f := &fakeItem{conn: testutil.Dial(t, addr), path: path, activated: make(chan [2]int32, 1)}
	if err := f.conn.Export(f, path, ItemInterface); err != nil {
		t.Fatalf("Export: %v", err)
	}
	p, err := prop.Export(f.conn, path, prop.Map{ItemInterface: props})
	if err != nil {
		t.Fatalf("prop.Export: %v", err)
	}
	f.props = p
	return f
}

func (f *fakeItem) set(t *testing.T, name string, v any, signal string) {
	t.Helper()
	f.props.SetMust(ItemInterface, name, v)
	if err := f.conn.Emit(f.path, ItemInterface+"."+signal); err != nil {
		t.Fatalf("Emit %s: %v", signal, err)
	}
}

func (f *fakeItem) register(t *testing.T, service string) {
	t.Helper()
	call := f.conn.Object(WatcherBusName, WatcherPath).Call(WatcherInterface+".RegisterStatusNotifierItem", 0, service)
	if call.Err != nil {
		t.Fatalf("RegisterStatusNotifierItem: %v", call.Err)
	}
}

func basicProps(title string) map[string]*prop.Prop {
	return map[string]*prop.Prop{
		"Id":       {Value: "fake"},
		"Title":    {Value: title},
		"Status":   {Value: "Active"},
		"IconName": {Value: "fake-icon"},
		"Menu":     {Value: dbus.ObjectPath("/MenuBar")},
	}
}

type fixture struct {
	addr    string
	loop    *loop.Loop
	watcher *Watcher
	events  chan Event
}

func startWatcher(t *testing.T) *fixture {
	t.Helper()
	addr := testutil.StartBus(t)
	l := testutil.StartLoop(t)
	conn, err := bus.Connect(addr, l)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	f := &fixture{addr: addr, loop: l, watcher: NewWatcher(conn), events: make(chan Event, 32)}
	l.Call(context.Background(), func() {
		f.watcher.Subscribe(ObserverFunc(func(e Event) { f.events <- e }))
		f.watcher.Start(context.Background())
	})
	t.Cleanup(func() { l.Call(context.Background(), f.watcher.Close) })
	testutil.WaitForName(t, addr, WatcherBusName)
	return f
}

func (f *fixture) next(t *testing.T, want EventType) Event {
	t.Helper()
	for {
		select {
		case e := <-f.events:
			if e.Type == want {
				return e
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("no %v event", want)
			return Event{}
		}
	}
}

func (f *fixture) items(t *testing.T) []ItemInfo {
	t.Helper()
	items, err := loop.Get(context.Background(), f.loop, f.watcher.Items)
	if err != nil {
		t.Fatalf("Items: %v", err)
	}
	return items
}

func TestRegisterByPath(t *testing.T) {
	f := startWatcher(t)
	item := startFakeItem(t, f.addr, "/org/ayatana/NotificationItem/fake", basicProps("Fake"))
	item.register(t, "/org/ayatana/NotificationItem/fake")

	e := f.next(t, EventItemAdded)
	wantKey := item.conn.Names()[0] + "/org/ayatana/NotificationItem/fake"
	if e.Item.Key != wantKey {
		t.Errorf("key = %q, want %q", e.Item.Key, wantKey)
	}
	if e.Item.Title != "Fake" || e.Item.IconName != "fake-icon" || e.Item.Menu != "/MenuBar" {
		t.Errorf("item = %+v", e.Item)
	}
	if e.Item.Tooltip != "Fake" {
		t.Errorf("tooltip = %q, want title fallback", e.Item.Tooltip)
	}

	// A second registration of the same object is ignored.
	item.register(t, "/org/ayatana/NotificationItem/fake")
	if n := len(f.items(t)); n != 1 {
		t.Errorf("len(Items) = %d after duplicate, want 1", n)
	}

	var registered []string
	v, err := item.conn.Object(WatcherBusName, WatcherPath).GetProperty(WatcherInterface + ".RegisteredStatusNotifierItems")
	if err != nil {
		t.Fatalf("GetProperty: %v", err)
	}
	if err := v.Store(&registered); err != nil || len(registered) != 1 || registered[0] != wantKey {
		t.Errorf("RegisteredStatusNotifierItems = %v (%v)", registered, err)
	}
}

func TestRegisterByBusName(t *testing.T) {
	f := startWatcher(t)
	item := startFakeItem(t, f.addr, DefaultItemPath, basicProps("Named"))
	if _, err := item.conn.RequestName("org.kde.StatusNotifierItem-1-1", dbus.NameFlagDoNotQueue); err != nil {
		t.Fatalf("RequestName: %v", err)
	}
	item.register(t, "org.kde.StatusNotifierItem-1-1")

	e := f.next(t, EventItemAdded)
	if e.Item.Key != "org.kde.StatusNotifierItem-1-1/StatusNotifierItem" {
		t.Errorf("key = %q", e.Item.Key)
	}
}

func TestItemResyncAndRemoval(t *testing.T) {
	f := startWatcher(t)
	item := startFakeItem(t, f.addr, DefaultItemPath, basicProps("Before"))
	item.register(t, item.conn.Names()[0])
	f.next(t, EventItemAdded)

	item.set(t, "Title", "After", "NewTitle")
	e := f.next(t, EventItemChanged)
	if e.Item.Title != "After" {
		t.Errorf("title = %q after NewTitle, want %q", e.Item.Title, "After")
	}

	item.conn.Close()
	e = f.next(t, EventItemRemoved)
	if e.Item.Title != "After" {
		t.Errorf("removed item = %+v", e.Item)
	}
	if n := len(f.items(t)); n != 0 {
		t.Errorf("len(Items) = %d after vanish, want 0", n)
	}
}

func TestItemActivate(t *testing.T) {
	f := startWatcher(t)
	item := startFakeItem(t, f.addr, DefaultItemPath, basicProps("Click"))
	item.register(t, item.conn.Names()[0])
	e := f.next(t, EventItemAdded)

	it, _ := loop.Get(context.Background(), f.loop, func() *Item {
		it, _ := f.watcher.Item(e.Item.Key)
		return it
	})
	if it == nil {
		t.Fatal("item not found")
	}
	if err := it.Activate(context.Background(), 10, 20); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if got := <-item.activated; got != [2]int32{10, 20} {
		t.Errorf("Activate args = %v", got)
	}
	if err := it.Scroll(context.Background(), 1, "vertical"); err == nil {
		t.Error("Scroll on an item without Scroll succeeded")
	}
}

func TestChooseIcon(t *testing.T) {
	small := pixmapData{Width: 1, Height: 1, Data: []byte{0xff, 1, 2, 3}}
	large := pixmapData{Width: 2, Height: 1, Data: []byte{0x80, 4, 5, 6, 0x80, 7, 8, 9}}

	tests := []struct {
		name                string
		iconName, attention string
		pixmaps, attPixmaps []pixmapData
		wantName            string
		wantRGBA            []byte
	}{
		{name: "icon name wins", iconName: "a", attention: "b", pixmaps: []pixmapData{small}, wantName: "a"},
		{name: "attention name", attention: "b", pixmaps: []pixmapData{small}, wantName: "b"},
		{name: "largest pixmap", pixmaps: []pixmapData{small, large}, wantRGBA: []byte{4, 5, 6, 0x80, 7, 8, 9, 0x80}},
		{name: "attention pixmap", attPixmaps: []pixmapData{small}, wantRGBA: []byte{1, 2, 3, 0xff}},
		{name: "truncated pixmap skipped", pixmaps: []pixmapData{{Width: 4, Height: 4, Data: []byte{1}}}, wantName: MissingIcon},
		{name: "nothing", wantName: MissingIcon},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			name, pix := chooseIcon(tt.iconName, tt.attention, tt.pixmaps, tt.attPixmaps)
			if name != tt.wantName {
				t.Errorf("name = %q, want %q", name, tt.wantName)
			}
			if tt.wantRGBA == nil {
				if pix != nil {
					t.Errorf("pixmap = %+v, want nil", pix)
				}
				return
			}
			if pix == nil || !bytes.Equal(pix.RGBA, tt.wantRGBA) {
				t.Errorf("pixmap = %+v, want RGBA %v", pix, tt.wantRGBA)
			}
		})
	}
}
