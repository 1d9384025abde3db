// Package app is the single-instance shell controller. The process that
// owns the control name runs the desktop services and answers control
// calls; every later process is a client of it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"
	"golang.org/x/sys/unix"

	"github.com/linkfrg/lst/internal/apps"
	"github.com/linkfrg/lst/internal/bus"
	"github.com/linkfrg/lst/internal/config"
	"github.com/linkfrg/lst/internal/events"
	"github.com/linkfrg/lst/internal/logging"
	"github.com/linkfrg/lst/internal/loop"
	"github.com/linkfrg/lst/internal/mpris"
	"github.com/linkfrg/lst/internal/notifications"
	"github.com/linkfrg/lst/internal/recorder"
	"github.com/linkfrg/lst/internal/script"
	"github.com/linkfrg/lst/internal/store"
	"github.com/linkfrg/lst/internal/tray"
)

// Control protocol names.
const (
	BusName    = "com.github.linkfrg.lst"
	ObjectPath = dbus.ObjectPath("/com/github/linkfrg/lst")
	Interface  = "com.github.linkfrg.lst"
)

// ErrAlreadyRunning is returned by Run when another process owns the
// control name.
var ErrAlreadyRunning = errors.New("lst is already running")

// State is the controller lifecycle state.
type State int

const (
	StateStarting State = iota
	StateOwning
	StateQuitting
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateOwning:
		return "owning"
	case StateQuitting:
		return "quitting"
	case StateTerminated:
		return "terminated"
	}
	return "unknown"
}

// Options configures a Controller.
type Options struct {
	// BusAddress is the session bus address. Empty means the default
	// session bus; tests point it at a private dbus-daemon.
	BusAddress string

	Config *config.Config
	// ConfigPath locates the config directory for relative script paths
	// and the reload watcher.
	ConfigPath string

	Version string

	// Args is the argv used when re-executing on reload. Defaults to
	// os.Args.
	Args []string

	// StateDir holds notification history, pinned apps and cached art.
	// Defaults to $XDG_CACHE_HOME/lst.
	StateDir string

	// Streamer overrides the recorder's GStreamer backend.
	Streamer recorder.Streamer
}

// Controller owns the control name and every service of the shell.
type Controller struct {
	opts   Options
	cfg    *config.Config
	loop   *loop.Loop
	conn   *bus.Conn
	exp    *bus.Exporter
	interp *script.Interpreter
	exec   func(args []string) error
	ready  chan struct{}

	// Owned by the loop.
	ctx           context.Context
	cancel        context.CancelFunc
	state         State
	result        error
	reload        bool
	inspecting    bool
	savedLevel    slog.Level
	windows       *Windows
	notifications *notifications.Service
	tray          *tray.Watcher
	players       *mpris.Service
	recorder      *recorder.Recorder
	pinned        *apps.Pinned
	hub           *events.Hub
	eventServer   *events.Server
}

// New prepares a controller. Nothing touches the bus until Run.
func New(opts Options) (*Controller, error) {
	if opts.Config == nil {
		opts.Config = &config.Config{}
	}
	if len(opts.Args) == 0 {
		opts.Args = os.Args
	}
	if opts.StateDir == "" {
		dir, err := store.CacheDir()
		if err != nil {
			return nil, err
		}
		opts.StateDir = dir
	}

	c := &Controller{
		opts:    opts,
		cfg:     opts.Config,
		loop:    loop.New(),
		interp:  script.New(),
		exec:    reexec,
		ready:   make(chan struct{}),
		windows: NewWindows(),
	}
	c.registerCommands()
	c.windows.Subscribe(WindowObserverFunc(c.onWindowEvent))
	return c, nil
}

// Ready is closed once the controller owns the control name.
func (c *Controller) Ready() <-chan struct{} { return c.ready }

// Run owns the control name, starts the services and blocks until Quit,
// Reload or ctx cancellation. It returns ErrAlreadyRunning when another
// instance holds the name. On Reload it replaces the process and only
// returns if that fails.
func (c *Controller) Run(ctx context.Context) error {
	conn, err := bus.Connect(c.opts.BusAddress, c.loop)
	if err != nil {
		return err
	}
	c.conn = conn

	c.exp = bus.NewExporter(conn, BusName, ObjectPath, Interface)
	c.exp.MustRegisterMethod("OpenWindow", c.handleOpenWindow)
	c.exp.MustRegisterMethod("CloseWindow", c.handleCloseWindow)
	c.exp.MustRegisterMethod("ToggleWindow", c.handleToggleWindow)
	c.exp.MustRegisterMethod("ListWindows", c.handleListWindows)
	c.exp.MustRegisterMethod("RunPython", c.handleRunPython)
	c.exp.MustRegisterMethod("RunFile", c.handleRunFile)
	c.exp.MustRegisterMethod("Reload", c.handleReload)
	c.exp.MustRegisterMethod("Quit", c.handleQuit)
	c.exp.MustRegisterMethod("Inspector", c.handleInspector)
	bus.RegisterProperty(c.exp, "State", func() string { return c.state.String() })
	bus.RegisterProperty(c.exp, "Version", func() string { return c.opts.Version })

	c.ctx, c.cancel = context.WithCancel(ctx)
	defer c.cancel()
	c.exp.OwnName(c.ctx, c.onAcquired, c.onLost)

	stop := context.AfterFunc(ctx, func() { c.loop.Post(c.quit) })
	defer stop()

	c.loop.Run(context.Background()) //nolint:errcheck

	if c.eventServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := c.eventServer.Shutdown(shutdownCtx); err != nil {
			slog.Debug("event server shutdown", "error", err)
		}
		cancel()
	}
	conn.Close()

	if c.reload {
		return c.exec(c.opts.Args)
	}
	return c.result
}

func (c *Controller) onAcquired() {
	if c.state != StateStarting {
		return
	}
	c.state = StateOwning
	slog.Info("lst started", "bus_name", BusName, "version", c.opts.Version)

	for _, w := range c.cfg.Windows {
		c.windows.Add(w.Name, w.Visible)
	}
	c.startServices()
	c.startEvents()
	c.watchConfig()

	sdNotify("READY=1")
	close(c.ready)

	if c.cfg.Script != "" {
		path := c.resolve(c.cfg.Script)
		go func() {
			if err := c.interp.EvalFile(c.ctx, path); err != nil {
				slog.Error("startup script failed", "error", err)
			}
		}()
	}
}

func (c *Controller) onLost(err error) {
	if errors.Is(err, bus.ErrNameTaken) {
		c.result = ErrAlreadyRunning
	} else {
		c.result = fmt.Errorf("own %s: %w", BusName, err)
	}
	c.state = StateTerminated
	c.loop.Stop()
}

// quit closes every service and stops the loop. Loop only.
func (c *Controller) quit() {
	if c.state == StateQuitting || c.state == StateTerminated {
		return
	}
	c.state = StateQuitting
	slog.Info("lst shutting down")

	c.stopServices()
	c.exp.Close()
	c.cancel()

	c.state = StateTerminated
	c.loop.Stop()
}

// restart quits and has Run re-execute the binary. Loop only.
func (c *Controller) restart() {
	if c.state != StateOwning {
		return
	}
	c.reload = true
	c.quit()
}

func (c *Controller) startServices() {
	svc := c.cfg.Services

	if config.Enabled(svc.Notifications.Enabled) {
		n, err := notifications.New(c.conn, notifications.Options{
			Dir:          filepath.Join(c.opts.StateDir, "notifications"),
			PopupTimeout: svc.Notifications.PopupTimeout.Or(notifications.DefaultPopupTimeout),
			MaxPopups:    svc.Notifications.MaxPopups,
		})
		if err != nil {
			slog.Error("notification daemon disabled", "error", err)
		} else {
			n.Subscribe(notifications.ObserverFunc(c.onNotificationEvent))
			n.Start(c.ctx)
			c.notifications = n
		}
	}

	if config.Enabled(svc.Tray.Enabled) {
		c.tray = tray.NewWatcher(c.conn)
		c.tray.Subscribe(tray.ObserverFunc(c.onTrayEvent))
		c.tray.Start(c.ctx)
	}

	if config.Enabled(svc.MPRIS.Enabled) {
		c.players = mpris.New(c.conn, mpris.Options{
			ArtDir:       filepath.Join(c.opts.StateDir, "art_url"),
			PollInterval: svc.MPRIS.PollInterval.Or(mpris.DefaultPollInterval),
		})
		c.players.Subscribe(mpris.ObserverFunc(c.onPlayerEvent))
		c.players.Start(c.ctx)
	}

	if config.Enabled(svc.Recorder.Enabled) {
		c.recorder = recorder.New(c.conn, c.opts.Streamer)
		if svc.Recorder.Directory != "" {
			c.recorder.SetVideosDir(svc.Recorder.Directory)
		}
		c.recorder.Subscribe(recorder.ObserverFunc(c.onRecorderEvent))
	}

	pinned, err := apps.Load(filepath.Join(c.opts.StateDir, "apps.json"))
	if err != nil {
		slog.Error("pinned apps unavailable", "error", err)
	} else {
		pinned.OnChange = c.onPinnedChanged
		c.pinned = pinned
	}
}

func (c *Controller) stopServices() {
	if c.recorder != nil {
		c.recorder.Stop()
		c.recorder = nil
	}
	if c.players != nil {
		c.players.Close()
		c.players = nil
	}
	if c.tray != nil {
		c.tray.Close()
		c.tray = nil
	}
	if c.notifications != nil {
		c.notifications.Close()
		c.notifications = nil
	}
	if c.hub != nil {
		c.hub.CloseAll()
	}
}

func (c *Controller) startEvents() {
	cfg := c.cfg.Events
	if !config.Enabled(cfg.Enabled) {
		return
	}
	path := cfg.Socket
	if path == "" {
		path = events.DefaultSocketPath()
	}
	hub := events.NewHub(c.loop, c.snapshot)
	srv, err := events.Listen(path, hub)
	if err != nil {
		slog.Error("event stream disabled", "socket", path, "error", err)
		return
	}
	srv.Start()
	c.hub = hub
	c.eventServer = srv
	slog.Info("event stream listening", "socket", path)
}

func (c *Controller) watchConfig() {
	if c.opts.ConfigPath == "" || !config.Enabled(c.cfg.WatchConfig) {
		return
	}
	dir := filepath.Dir(c.opts.ConfigPath)
	w, err := newConfigWatcher(dir, func() {
		c.loop.Post(func() {
			slog.Info("configuration changed, reloading", "dir", dir)
			c.restart()
		})
	})
	if err != nil {
		slog.Debug("not watching config directory", "dir", dir, "error", err)
		return
	}
	go w.Run(c.ctx)
}

// resolve makes a script path relative to the config directory absolute.
func (c *Controller) resolve(path string) string {
	if filepath.IsAbs(path) || c.opts.ConfigPath == "" {
		return path
	}
	return filepath.Join(filepath.Dir(c.opts.ConfigPath), path)
}

func (c *Controller) openWindow(name string) {
	if !c.windows.Open(name) {
		slog.Warn("unknown window", "name", name)
	}
}

func (c *Controller) closeWindow(name string) {
	if !c.windows.Close(name) {
		slog.Warn("unknown window", "name", name)
	}
}

func (c *Controller) toggleWindow(name string) bool {
	visible, ok := c.windows.Toggle(name)
	if !ok {
		slog.Warn("unknown window", "name", name)
	}
	return visible
}

func (c *Controller) toggleInspector() {
	c.inspecting = !c.inspecting
	if c.inspecting {
		c.savedLevel = logging.Level.Level()
		logging.Level.Set(slog.LevelDebug)
	} else {
		logging.Level.Set(c.savedLevel)
	}
	slog.Info("inspector", "enabled", c.inspecting, "snapshot", c.snapshot())
}

// do runs fn on the loop and returns its error.
func (c *Controller) do(ctx context.Context, fn func() error) error {
	var err error
	if cerr := c.loop.Call(ctx, func() { err = fn() }); cerr != nil {
		return cerr
	}
	return err
}

func (c *Controller) handleOpenWindow(inv *bus.Invocation, name string) *dbus.Error {
	if err := c.loop.Call(inv.Context(), func() { c.openWindow(name) }); err != nil {
		return bus.Failed("open window: %v", err)
	}
	return nil
}

func (c *Controller) handleCloseWindow(inv *bus.Invocation, name string) *dbus.Error {
	if err := c.loop.Call(inv.Context(), func() { c.closeWindow(name) }); err != nil {
		return bus.Failed("close window: %v", err)
	}
	return nil
}

func (c *Controller) handleToggleWindow(inv *bus.Invocation, name string) (bool, *dbus.Error) {
	visible, err := loop.Get(inv.Context(), c.loop, func() bool { return c.toggleWindow(name) })
	if err != nil {
		return false, bus.Failed("toggle window: %v", err)
	}
	return visible, nil
}

func (c *Controller) handleListWindows(inv *bus.Invocation) ([]string, *dbus.Error) {
	names, err := loop.Get(inv.Context(), c.loop, c.windows.Names)
	if err != nil {
		return nil, bus.Failed("list windows: %v", err)
	}
	return names, nil
}

func (c *Controller) handleRunPython(inv *bus.Invocation, code string) *dbus.Error {
	logCaller(inv)
	if err := c.interp.Eval(inv.Context(), code); err != nil {
		return bus.Failed("%v", err)
	}
	return nil
}

func (c *Controller) handleRunFile(inv *bus.Invocation, path string) *dbus.Error {
	logCaller(inv, "file", path)
	if err := c.interp.EvalFile(inv.Context(), path); err != nil {
		return bus.Failed("%v", err)
	}
	return nil
}

func (c *Controller) handleReload(inv *bus.Invocation) *dbus.Error {
	inv.Return()
	c.loop.Post(c.restart)
	return nil
}

func (c *Controller) handleQuit(inv *bus.Invocation) *dbus.Error {
	inv.Return()
	c.loop.Post(c.quit)
	return nil
}

func (c *Controller) handleInspector(inv *bus.Invocation) *dbus.Error {
	if err := c.loop.Call(inv.Context(), c.toggleInspector); err != nil {
		return bus.Failed("inspector: %v", err)
	}
	return nil
}

// logCaller records who asked for code to be evaluated.
func logCaller(inv *bus.Invocation, attrs ...any) {
	info := inv.SenderInfo()
	chain := make([]string, 0, len(info.ProcessChain))
	for _, p := range info.ProcessChain {
		chain = append(chain, fmt.Sprintf("%s[%d]", p.Name, p.PID))
	}
	args := append([]any{
		"method", inv.Member,
		"sender", info.Sender,
		"pid", info.PID,
		"invoker", info.Invoker,
		"chain", strings.Join(chain, " <- "),
	}, attrs...)
	slog.Info("evaluating script", args...)
}

func reexec(args []string) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("reload: %w", err)
	}
	slog.Info("re-executing", "exe", exe)
	if err := unix.Exec(exe, args, os.Environ()); err != nil {
		return fmt.Errorf("reload: exec %s: %w", exe, err)
	}
	return nil
}
