package mpris

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/prop"

	"github.com/linkfrg/lst/internal/bus"
	"github.com/linkfrg/lst/internal/loop"
	"github.com/linkfrg/lst/internal/testutil"
)

const fakeName = "org.mpris.MediaPlayer2.fake"

type fakePlayer struct {
	conn  *dbus.Conn
	props *prop.Properties
	calls chan []any
}

func (f *fakePlayer) Next() *dbus.Error {
	f.calls <- []any{"Next"}
	return nil
}

func (f *fakePlayer) Seek(offset int64) *dbus.Error {
	f.calls <- []any{"Seek", offset}
	return nil
}

func (f *fakePlayer) SetPosition(track dbus.ObjectPath, position int64) *dbus.Error {
	f.calls <- []any{"SetPosition", track, position}
	return nil
}

func startFakePlayer(t *testing.T, addr, name string) *fakePlayer {
	t.Helper()
	f := &fakePlayer{conn: testutil.Dial(t, addr), calls: make(chan []any, 4)}
	if err := f.conn.Export(f, ObjectPath, PlayerInterface); err != nil {
		t.Fatalf("Export: %v", err)
	}
	metadata := map[string]dbus.Variant{
		"mpris:trackid": dbus.MakeVariant(dbus.ObjectPath("/track/1")),
		"mpris:length":  dbus.MakeVariant(int64(180 * microsecond)),
		"xesam:title":   dbus.MakeVariant("Song"),
		"xesam:album":   dbus.MakeVariant("Album"),
		"xesam:artist":  dbus.MakeVariant([]string{"A", "B"}),
	}
	p, err := prop.Export(f.conn, ObjectPath, prop.Map{
		RootInterface: {
			"Identity":     {Value: "Fake Player"},
			"DesktopEntry": {Value: "fake"},
		},
		PlayerInterface: {
			"PlaybackStatus": {Value: "Playing", Emit: prop.EmitTrue},
			"LoopStatus":     {Value: "None", Emit: prop.EmitTrue},
			"Shuffle":        {Value: false, Emit: prop.EmitTrue},
			"Volume":         {Value: 0.5, Emit: prop.EmitTrue},
			"CanControl":     {Value: true},
			"CanGoNext":      {Value: true},
			"CanSeek":        {Value: true},
			"Metadata":       {Value: metadata, Emit: prop.EmitTrue},
			"Position":       {Value: int64(0)},
		},
	})
	if err != nil {
		t.Fatalf("prop.Export: %v", err)
	}
	f.props = p
	if reply, err := f.conn.RequestName(name, dbus.NameFlagDoNotQueue); err != nil || reply != dbus.RequestNameReplyPrimaryOwner {
		t.Fatalf("RequestName(%s) = %v, %v", name, reply, err)
	}
	return f
}

type fixture struct {
	loop   *loop.Loop
	svc    *Service
	events chan Event
}

func startService(t *testing.T, addr string, opts Options) *fixture {
	t.Helper()
	l := testutil.StartLoop(t)
	conn, err := bus.Connect(addr, l)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	f := &fixture{loop: l, svc: New(conn, opts), events: make(chan Event, 64)}
	l.Call(context.Background(), func() {
		f.svc.Subscribe(ObserverFunc(func(e Event) {
			select {
			case f.events <- e:
			default:
			}
		}))
		f.svc.Start(context.Background())
	})
	t.Cleanup(func() { l.Call(context.Background(), f.svc.Close) })
	return f
}

func (f *fixture) next(t *testing.T, want EventType, cond func(PlayerInfo) bool) PlayerInfo {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case e := <-f.events:
			if e.Type == want && (cond == nil || cond(e.Player)) {
				return e.Player
			}
		case <-deadline:
			t.Fatalf("no matching %v event", want)
			return PlayerInfo{}
		}
	}
}

func TestDiscoverRunningPlayer(t *testing.T) {
	addr := testutil.StartBus(t)
	startFakePlayer(t, addr, fakeName)
	f := startService(t, addr, Options{})

	p := f.next(t, EventPlayerAdded, nil)
	if p.Name != fakeName || p.Identity != "Fake Player" || p.DesktopEntry != "fake" {
		t.Errorf("player = %+v", p)
	}
	if p.Title != "Song" || p.Album != "Album" || p.Artist != "A, B" {
		t.Errorf("metadata = %q %q %q", p.Title, p.Album, p.Artist)
	}
	if p.Length != 180 || p.TrackID != "/track/1" {
		t.Errorf("length = %d track = %q", p.Length, p.TrackID)
	}
	if p.PlaybackStatus != "Playing" || p.Volume != 0.5 || !p.CanGoNext {
		t.Errorf("status = %+v", p)
	}
}

func TestPlayerAppearsChangesAndVanishes(t *testing.T) {
	addr := testutil.StartBus(t)
	f := startService(t, addr, Options{})
	// Let the initial ListNames finish before the player shows up.
	time.Sleep(100 * time.Millisecond)

	fake := startFakePlayer(t, addr, fakeName)
	f.next(t, EventPlayerAdded, nil)

	fake.props.SetMust(PlayerInterface, "PlaybackStatus", "Paused")
	f.next(t, EventPlayerChanged, func(p PlayerInfo) bool { return p.PlaybackStatus == "Paused" })

	fake.conn.Close()
	f.next(t, EventPlayerRemoved, nil)
	players, _ := loop.Get(context.Background(), f.loop, f.svc.Players)
	if len(players) != 0 {
		t.Errorf("players after vanish = %+v", players)
	}
}

func TestPlayerctldIgnored(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"org.mpris.MediaPlayer2.spotify", true},
		{"org.mpris.MediaPlayer2.firefox.instance_1_2", true},
		{"org.mpris.MediaPlayer2.playerctld", false},
		{"org.mpris.MediaPlayer2", false},
		{"org.freedesktop.Notifications", false},
	}
	for _, tt := range tests {
		if got := IsPlayerName(tt.name); got != tt.want {
			t.Errorf("IsPlayerName(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestControls(t *testing.T) {
	addr := testutil.StartBus(t)
	fake := startFakePlayer(t, addr, fakeName)
	f := startService(t, addr, Options{})
	f.next(t, EventPlayerAdded, nil)

	p, _ := loop.Get(context.Background(), f.loop, func() *Player {
		p, _ := f.svc.Player(fakeName)
		return p
	})
	if p == nil {
		t.Fatal("player not tracked")
	}

	ctx := context.Background()
	if err := p.Next(ctx); err != nil {
		t.Fatalf("Next: %v", err)
	}
	if got := <-fake.calls; got[0] != "Next" {
		t.Errorf("call = %v", got)
	}
	if err := p.Seek(ctx, 10); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	if got := <-fake.calls; got[1] != int64(10*microsecond) {
		t.Errorf("Seek offset = %v", got[1])
	}
	if err := p.SetPosition(ctx, 30); err != nil {
		t.Fatalf("SetPosition: %v", err)
	}
	if got := <-fake.calls; got[1] != dbus.ObjectPath("/track/1") || got[2] != int64(30*microsecond) {
		t.Errorf("SetPosition args = %v", got)
	}
	if err := p.Pause(ctx); err == nil {
		t.Error("Pause on a player without Pause succeeded")
	}
}

func TestPositionPolling(t *testing.T) {
	addr := testutil.StartBus(t)
	fake := startFakePlayer(t, addr, fakeName)
	f := startService(t, addr, Options{PollInterval: 20 * time.Millisecond})
	f.next(t, EventPlayerAdded, nil)

	fake.props.SetMust(PlayerInterface, "Position", int64(42*microsecond))
	p := f.next(t, EventPositionChanged, func(p PlayerInfo) bool { return p.Position == 42 })
	if p.Name != fakeName {
		t.Errorf("position event for %q", p.Name)
	}
}

func TestArtCacheFile(t *testing.T) {
	src := filepath.Join(t.TempDir(), "cover.png")
	if err := os.WriteFile(src, []byte("png"), 0o600); err != nil {
		t.Fatal(err)
	}
	cache := NewArtCache(t.TempDir(), nil)

	got, err := cache.Fetch(context.Background(), "file://"+src)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if filepath.Base(got) != "cover.png" {
		t.Errorf("cached path = %q", got)
	}
	if data, _ := os.ReadFile(got); string(data) != "png" {
		t.Errorf("cached content = %q", data)
	}
}

func TestArtCacheHTTP(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path == "/missing.jpg" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("jpeg"))
	}))
	defer srv.Close()

	cache := NewArtCache(t.TempDir(), srv.Client())
	ctx := context.Background()

	got, err := cache.Fetch(ctx, srv.URL+"/art/abc.jpg")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if data, _ := os.ReadFile(got); string(data) != "jpeg" {
		t.Errorf("cached content = %q", data)
	}
	if _, err := cache.Fetch(ctx, srv.URL+"/art/abc.jpg"); err != nil {
		t.Fatalf("second Fetch: %v", err)
	}
	if n := hits.Load(); n != 1 {
		t.Errorf("server hits = %d, want 1 (second fetch cached)", n)
	}

	if _, err := cache.Fetch(ctx, srv.URL+"/missing.jpg"); err == nil {
		t.Error("Fetch of a 404 succeeded")
	}
	if _, err := cache.Fetch(ctx, "ftp://example.com/a.jpg"); err == nil {
		t.Error("Fetch of an ftp url succeeded")
	}
}
