package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/godbus/dbus/v5"

	"github.com/linkfrg/lst/internal/config"
	"github.com/linkfrg/lst/internal/events"
	"github.com/linkfrg/lst/internal/logging"
	"github.com/linkfrg/lst/internal/loop"
	"github.com/linkfrg/lst/internal/testutil"
)

func disabled() *bool {
	b := false
	return &b
}

// quietConfig declares windows and turns off every service that needs more
// than the bus.
func quietConfig(windows ...config.WindowConfig) *config.Config {
	cfg := &config.Config{Windows: windows}
	cfg.Services.Tray.Enabled = disabled()
	cfg.Services.MPRIS.Enabled = disabled()
	cfg.Services.Recorder.Enabled = disabled()
	cfg.Events.Enabled = disabled()
	return cfg
}

type running struct {
	c    *Controller
	addr string
	done chan struct{}
	err  error
}

func (r *running) wait(t *testing.T) error {
	t.Helper()
	select {
	case <-r.done:
		return r.err
	case <-time.After(5 * time.Second):
		t.Fatal("controller did not stop")
		return nil
	}
}

func startOn(t *testing.T, addr string, cfg *config.Config, configure func(*Controller)) *running {
	t.Helper()
	c, err := New(Options{
		BusAddress: addr,
		Config:     cfg,
		Version:    "test",
		Args:       []string{"lst", "--config", "x.yaml"},
		StateDir:   t.TempDir(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if configure != nil {
		configure(c)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &running{c: c, addr: addr, done: make(chan struct{})}
	go func() {
		defer close(r.done)
		r.err = c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-r.done:
		case <-time.After(5 * time.Second):
			t.Error("controller did not stop")
		}
	})
	return r
}

func start(t *testing.T, cfg *config.Config, configure func(*Controller)) *running {
	t.Helper()
	r := startOn(t, testutil.StartBus(t), cfg, configure)
	select {
	case <-r.c.Ready():
	case <-r.done:
		t.Fatalf("Run: %v", r.err)
	case <-time.After(5 * time.Second):
		t.Fatal("controller never became ready")
	}
	return r
}

func (r *running) client(t *testing.T) dbus.BusObject {
	t.Helper()
	return testutil.Dial(t, r.addr).Object(BusName, ObjectPath)
}

func (r *running) windows(t *testing.T) []Window {
	t.Helper()
	ws, err := loop.Get(context.Background(), r.c.loop, r.c.windows.List)
	if err != nil {
		t.Fatalf("windows: %v", err)
	}
	return ws
}

func TestToggleWindowFromSecondProcess(t *testing.T) {
	r := start(t, quietConfig(config.WindowConfig{Name: "main"}, config.WindowConfig{Name: "bar", Visible: true}), nil)
	obj := r.client(t)

	var visible bool
	if err := obj.Call(Interface+".ToggleWindow", 0, "main").Store(&visible); err != nil {
		t.Fatalf("ToggleWindow: %v", err)
	}
	if !visible {
		t.Error("ToggleWindow(main) = false, want true")
	}
	if ws := r.windows(t); !ws[0].Visible {
		t.Errorf("registry = %+v, want main visible", ws)
	}

	var names []string
	if err := obj.Call(Interface+".ListWindows", 0).Store(&names); err != nil {
		t.Fatalf("ListWindows: %v", err)
	}
	if !slices.Equal(names, []string{"main", "bar"}) {
		t.Errorf("ListWindows = %v", names)
	}

	if err := obj.Call(Interface+".CloseWindow", 0, "bar").Err; err != nil {
		t.Fatalf("CloseWindow: %v", err)
	}
	if err := obj.Call(Interface+".OpenWindow", 0, "main").Err; err != nil {
		t.Fatalf("OpenWindow: %v", err)
	}
	want := []Window{{Name: "main", Visible: true}, {Name: "bar", Visible: false}}
	if ws := r.windows(t); !slices.Equal(ws, want) {
		t.Errorf("registry = %+v, want %+v", ws, want)
	}

	state, err := obj.GetProperty(Interface + ".State")
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if s, _ := state.Value().(string); s != "owning" {
		t.Errorf("State = %q, want owning", s)
	}
}

func TestUnknownWindowIsSoftFailure(t *testing.T) {
	r := start(t, quietConfig(), nil)
	obj := r.client(t)

	if err := obj.Call(Interface+".OpenWindow", 0, "nope").Err; err != nil {
		t.Errorf("OpenWindow(nope) = %v, want nil", err)
	}
	if err := obj.Call(Interface+".CloseWindow", 0, "nope").Err; err != nil {
		t.Errorf("CloseWindow(nope) = %v, want nil", err)
	}
	var visible bool
	if err := obj.Call(Interface+".ToggleWindow", 0, "nope").Store(&visible); err != nil {
		t.Fatalf("ToggleWindow(nope): %v", err)
	}
	if visible {
		t.Error("ToggleWindow(nope) = true")
	}
	if ws := r.windows(t); len(ws) != 0 {
		t.Errorf("unknown window was created: %+v", ws)
	}
}

func TestSecondInstanceAlreadyRunning(t *testing.T) {
	first := start(t, quietConfig(), nil)
	second := startOn(t, first.addr, quietConfig(), nil)
	if err := second.wait(t); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Run = %v, want ErrAlreadyRunning", err)
	}

	// The first instance keeps serving.
	var names []string
	if err := first.client(t).Call(Interface+".ListWindows", 0).Store(&names); err != nil {
		t.Errorf("first instance stopped answering: %v", err)
	}
}

func TestRunPythonEvaluatesScript(t *testing.T) {
	cfg := quietConfig()
	r := start(t, cfg, nil)
	obj := r.client(t)

	code := `
window launcher
window osd true
toggle launcher
notify "Build finished" "all green"
dnd on
pin firefox
log hello from script
`
	if err := obj.Call(Interface+".RunPython", 0, code).Err; err != nil {
		t.Fatalf("RunPython: %v", err)
	}

	want := []Window{{Name: "launcher", Visible: true}, {Name: "osd", Visible: true}}
	if ws := r.windows(t); !slices.Equal(ws, want) {
		t.Errorf("windows = %+v, want %+v", ws, want)
	}

	type state struct {
		summaries []string
		dnd       bool
		pinned    []string
	}
	got, err := loop.Get(context.Background(), r.c.loop, func() state {
		var s state
		for _, n := range r.c.notifications.List() {
			s.summaries = append(s.summaries, n.Summary)
		}
		s.dnd = r.c.notifications.DND()
		s.pinned = r.c.pinned.List()
		return s
	})
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(got.summaries, []string{"Build finished"}) {
		t.Errorf("notifications = %v", got.summaries)
	}
	if !got.dnd {
		t.Error("dnd not enabled")
	}
	if !slices.Equal(got.pinned, []string{"firefox"}) {
		t.Errorf("pinned = %v", got.pinned)
	}
}

func TestNotificationCommands(t *testing.T) {
	r := start(t, quietConfig(), nil)
	obj := r.client(t)

	code := `
notify first
notify second
notify third
notification close 1
notification dismiss 2
`
	if err := obj.Call(Interface+".RunPython", 0, code).Err; err != nil {
		t.Fatalf("RunPython: %v", err)
	}

	type state struct {
		ids    []uint32
		popups []uint32
	}
	snap := func() state {
		t.Helper()
		got, err := loop.Get(context.Background(), r.c.loop, func() state {
			var s state
			for _, n := range r.c.notifications.List() {
				s.ids = append(s.ids, n.ID)
			}
			for _, n := range r.c.notifications.Popups() {
				s.popups = append(s.popups, n.ID)
			}
			return s
		})
		if err != nil {
			t.Fatal(err)
		}
		slices.Sort(got.ids)
		slices.Sort(got.popups)
		return got
	}

	got := snap()
	if !slices.Equal(got.ids, []uint32{2, 3}) {
		t.Errorf("ids = %v, want [2 3]", got.ids)
	}
	if !slices.Equal(got.popups, []uint32{3}) {
		t.Errorf("popups = %v, want [3]", got.popups)
	}

	for _, bad := range []string{"notification close 99", "notification action 3 open", "notification bogus"} {
		if err := obj.Call(Interface+".RunPython", 0, bad).Err; err == nil {
			t.Errorf("%q succeeded", bad)
		}
	}

	if err := obj.Call(Interface+".RunPython", 0, "notification clear").Err; err != nil {
		t.Fatalf("clear: %v", err)
	}
	if got := snap(); len(got.ids) != 0 {
		t.Errorf("ids after clear = %v", got.ids)
	}
}

func TestRunPythonReportsErrors(t *testing.T) {
	r := start(t, quietConfig(), nil)
	obj := r.client(t)

	tests := []struct {
		name string
		code string
		want string
	}{
		{name: "unknown command", code: "frobnicate", want: "unknown command"},
		{name: "usage", code: "open", want: "wrong number of arguments"},
		{name: "disabled service", code: "record start", want: "disabled"},
		{name: "bad bool", code: "window w maybe", want: "visible"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := obj.Call(Interface+".RunPython", 0, tt.code).Err
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("RunPython(%q) = %v, want error containing %q", tt.code, err, tt.want)
			}
		})
	}
}

func TestRunFile(t *testing.T) {
	r := start(t, quietConfig(), nil)
	path := filepath.Join(t.TempDir(), "bar.lst")
	if err := os.WriteFile(path, []byte("window bar true\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := r.client(t).Call(Interface+".RunFile", 0, path).Err; err != nil {
		t.Fatalf("RunFile: %v", err)
	}
	if ws := r.windows(t); len(ws) != 1 || ws[0].Name != "bar" || !ws[0].Visible {
		t.Errorf("windows = %+v", ws)
	}
}

func TestStartupScript(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "startup.lst"), []byte("window dock\nopen dock\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg := quietConfig()
	cfg.Script = "startup.lst"
	cfg.WatchConfig = disabled()

	r := start(t, cfg, func(c *Controller) { c.opts.ConfigPath = filepath.Join(dir, "config.yaml") })
	testutil.Eventually(t, 5*time.Second, func() bool {
		ws := r.windows(t)
		return len(ws) == 1 && ws[0].Visible
	}, "startup script did not open dock")
}

func TestQuit(t *testing.T) {
	r := start(t, quietConfig(), nil)
	// The reply can race the connection closing; the outcome is what counts.
	r.client(t).Call(Interface+".Quit", 0)

	if err := r.wait(t); err != nil {
		t.Errorf("Run after Quit = %v, want nil", err)
	}
	testutil.WaitForNameGone(t, r.addr, BusName)
}

func TestReloadReexecutes(t *testing.T) {
	var mu sync.Mutex
	var execArgs []string
	r := start(t, quietConfig(), func(c *Controller) {
		c.exec = func(args []string) error {
			mu.Lock()
			defer mu.Unlock()
			execArgs = args
			return nil
		}
	})
	if err := r.client(t).Call(Interface+".Reload", 0).Err; err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if err := r.wait(t); err != nil {
		t.Fatalf("Run after Reload = %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if !slices.Equal(execArgs, []string{"lst", "--config", "x.yaml"}) {
		t.Errorf("exec args = %v", execArgs)
	}
}

func TestInspectorTogglesDebugLogging(t *testing.T) {
	prev := logging.Level.Level()
	t.Cleanup(func() { logging.Level.Set(prev) })
	logging.Level.Set(slog.LevelWarn)

	r := start(t, quietConfig(), nil)
	obj := r.client(t)

	if err := obj.Call(Interface+".Inspector", 0).Err; err != nil {
		t.Fatalf("Inspector: %v", err)
	}
	if got := logging.Level.Level(); got != slog.LevelDebug {
		t.Errorf("level = %v, want debug", got)
	}
	if err := obj.Call(Interface+".Inspector", 0).Err; err != nil {
		t.Fatalf("Inspector: %v", err)
	}
	if got := logging.Level.Level(); got != slog.LevelWarn {
		t.Errorf("level = %v, want warn restored", got)
	}
}

func TestEventStreamCarriesWindowEvents(t *testing.T) {
	cfg := quietConfig(config.WindowConfig{Name: "main"})
	sock := filepath.Join(t.TempDir(), "events.sock")
	cfg.Events = config.EventsConfig{Socket: sock}
	r := start(t, cfg, nil)

	httpClient := &http.Client{Transport: &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", sock)
		},
	}}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, "ws://lst/events", &websocket.DialOptions{HTTPClient: httpClient})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer ws.CloseNow()

	read := func() events.Message {
		t.Helper()
		_, data, err := ws.Read(ctx)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		var msg events.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return msg
	}

	snap := read()
	if snap.Type != "snapshot" {
		t.Fatalf("first message = %q, want snapshot", snap.Type)
	}
	body, _ := json.Marshal(snap.Data)
	if !strings.Contains(string(body), `"name":"main"`) {
		t.Errorf("snapshot = %s", body)
	}

	obj := r.client(t)
	var toggled atomic.Bool
	go func() {
		obj.Call(Interface+".ToggleWindow", 0, "main")
		toggled.Store(true)
	}()
	msg := read()
	if msg.Type != "window_shown" || msg.Source != "windows" {
		t.Errorf("event = %+v, want window_shown from windows", msg)
	}
	testutil.Eventually(t, 5*time.Second, toggled.Load, "ToggleWindow did not return")
}

func TestConfigWatcherDebounces(t *testing.T) {
	dir := t.TempDir()
	var calls atomic.Int32
	w, err := newConfigWatcher(dir, func() { calls.Add(1) })
	if err != nil {
		t.Fatalf("newConfigWatcher: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	time.Sleep(3 * reloadDebounce)
	if n := calls.Load(); n != 0 {
		t.Fatalf("unwatched file triggered %d reloads", n)
	}

	for _, name := range []string{"config.yaml", "style.css", "startup.lst"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	testutil.Eventually(t, 5*time.Second, func() bool { return calls.Load() > 0 }, "no reload after config change")
	time.Sleep(3 * reloadDebounce)
	if n := calls.Load(); n != 1 {
		t.Errorf("reloads = %d, want 1", n)
	}
}

func TestWindowsRegistry(t *testing.T) {
	w := NewWindows()
	var got []string
	unsubscribe := w.Subscribe(WindowObserverFunc(func(e WindowEvent) {
		got = append(got, e.Type.String()+":"+e.Window.Name)
	}))

	if !w.Add("bar", false) {
		t.Fatal("Add(bar) = false")
	}
	if w.Add("bar", true) {
		t.Error("second Add(bar) = true")
	}
	if visible, ok := w.Toggle("bar"); !ok || !visible {
		t.Errorf("Toggle(bar) = %v, %v", visible, ok)
	}
	w.Open("bar") // already visible, no event
	w.Close("bar")
	if _, ok := w.Toggle("missing"); ok {
		t.Error("Toggle(missing) reported ok")
	}

	want := []string{"window_added:bar", "window_shown:bar", "window_hidden:bar"}
	if !slices.Equal(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}

	unsubscribe()
	w.Open("bar")
	if len(got) != len(want) {
		t.Errorf("events after unsubscribe = %v", got)
	}
}

func TestSdNotifyReady(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notify.sock")
	ln, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: path, Net: "unixgram"})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	t.Setenv("NOTIFY_SOCKET", path)

	start(t, quietConfig(), nil)

	ln.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 64)
	n, err := ln.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got := string(buf[:n]); got != "READY=1" {
		t.Errorf("notification = %q, want READY=1", got)
	}
}
