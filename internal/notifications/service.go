package notifications

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/linkfrg/lst/internal/bus"
	"github.com/linkfrg/lst/internal/loop"
	"github.com/linkfrg/lst/internal/store"
)

// Defaults for Options.
const (
	DefaultPopupTimeout = 5 * time.Second
	DefaultMaxPopups    = 3
)

// Options configures a Service.
type Options struct {
	// Dir holds notifications.json and the images/ directory.
	Dir          string
	PopupTimeout time.Duration
	MaxPopups    int
}

// DefaultDir returns $XDG_CACHE_HOME/lst/notifications.
func DefaultDir() (string, error) {
	dir, err := store.CacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "notifications"), nil
}

// Service is the notification server. Every method except the bus handlers
// and New must be called on the loop.
type Service struct {
	conn *bus.Conn
	loop *loop.Loop
	exp  *bus.Exporter
	opts Options

	lastID        uint32
	dnd           bool
	notifications map[uint32]*Notification
	popups        []uint32 // oldest first
	timers        map[uint32]*time.Timer
	observers     loop.Observers[Observer]
}

// New loads the persisted history and prepares the bus object. Nothing is
// exported until Start.
func New(conn *bus.Conn, opts Options) (*Service, error) {
	if opts.PopupTimeout <= 0 {
		opts.PopupTimeout = DefaultPopupTimeout
	}
	if opts.MaxPopups <= 0 {
		opts.MaxPopups = DefaultMaxPopups
	}

	s := &Service{
		conn:          conn,
		loop:          conn.Loop(),
		opts:          opts,
		notifications: make(map[uint32]*Notification),
		timers:        make(map[uint32]*time.Timer),
	}
	if err := s.load(); err != nil {
		return nil, err
	}

	s.exp = bus.NewExporter(conn, BusName, ObjectPath, Interface)
	s.exp.MustRegisterMethod("Notify", s.handleNotify)
	s.exp.MustRegisterMethod("CloseNotification", s.handleCloseNotification)
	s.exp.MustRegisterMethod("GetCapabilities", s.handleGetCapabilities)
	s.exp.MustRegisterMethod("GetServerInformation", s.handleGetServerInformation)
	s.exp.DeclareSignal("NotificationClosed", uint32(0), uint32(0))
	s.exp.DeclareSignal("ActionInvoked", uint32(0), "")
	return s, nil
}

// Start requests the notification server name. Another running daemon is
// logged and leaves the service inert.
func (s *Service) Start(ctx context.Context) {
	s.exp.OwnName(ctx, func() {
		slog.Info("notification daemon ready", "bus_name", BusName)
	}, func(err error) {
		slog.Warn("another notification daemon is already running", "error", err)
	})
}

// Close stops popup timers and releases the bus name.
func (s *Service) Close() {
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.exp.Close()
}

// Subscribe registers o for events. The returned function removes it.
func (s *Service) Subscribe(o Observer) (unsubscribe func()) { return s.observers.Add(o) }

// List returns all notifications, newest first.
func (s *Service) List() []Notification {
	out := make([]Notification, 0, len(s.notifications))
	for _, n := range s.notifications {
		out = append(out, *n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out
}

// Popups returns the notifications currently shown as popups, newest first.
func (s *Service) Popups() []Notification {
	out := make([]Notification, 0, len(s.popups))
	for i := len(s.popups) - 1; i >= 0; i-- {
		if n := s.notifications[s.popups[i]]; n != nil {
			out = append(out, *n)
		}
	}
	return out
}

// Get returns the notification with id.
func (s *Service) Get(id uint32) (Notification, bool) {
	n, ok := s.notifications[id]
	if !ok {
		return Notification{}, false
	}
	return *n, true
}

// DND reports whether do-not-disturb is on.
func (s *Service) DND() bool { return s.dnd }

// SetDND switches do-not-disturb. New notifications are not shown as popups
// while it is on.
func (s *Service) SetDND(on bool) {
	if s.dnd == on {
		return
	}
	s.dnd = on
	s.sync()
	s.notify(Event{Type: EventDNDChanged, DND: on})
}

// ToggleDND flips do-not-disturb and returns the new value.
func (s *Service) ToggleDND() bool {
	s.SetDND(!s.dnd)
	return s.dnd
}

// Notify adds or replaces a notification and returns its id. This is the
// body of the bus method, also used by scripts.
func (s *Service) Notify(n Notification, replacesID uint32) uint32 {
	replaced := false
	if replacesID != 0 {
		if _, ok := s.notifications[replacesID]; ok {
			replaced = true
		}
		n.ID = replacesID
		if replacesID > s.lastID {
			s.lastID = replacesID
		}
	} else {
		s.lastID++
		n.ID = s.lastID
	}
	if n.Time.IsZero() {
		n.Time = time.Now()
	}

	stored := n
	s.notifications[n.ID] = &stored

	if !s.dnd {
		s.showPopup(n.ID)
	}
	s.sync()

	if replaced {
		s.notify(Event{Type: EventReplaced, Notification: stored})
	} else {
		s.notify(Event{Type: EventNotified, Notification: stored})
	}
	return n.ID
}

// Remove closes a notification on the user's behalf.
func (s *Service) Remove(id uint32) bool {
	return s.close(id, ReasonDismissed)
}

// ClearAll closes every notification.
func (s *Service) ClearAll() {
	for _, n := range s.List() {
		s.close(n.ID, ReasonDismissed)
	}
}

// Dismiss hides the popup for id but keeps it in the history.
func (s *Service) Dismiss(id uint32) {
	i := slices.Index(s.popups, id)
	if i < 0 {
		return
	}
	s.popups = slices.Delete(s.popups, i, i+1)
	if t := s.timers[id]; t != nil {
		t.Stop()
		delete(s.timers, id)
	}
	if n := s.notifications[id]; n != nil {
		s.notify(Event{Type: EventPopupDismissed, Notification: *n})
	}
}

// InvokeAction reports to the sending application that action was chosen.
func (s *Service) InvokeAction(id uint32, action string) error {
	n, ok := s.notifications[id]
	if !ok {
		return fmt.Errorf("no notification %d", id)
	}
	if !slices.ContainsFunc(n.Actions, func(a Action) bool { return a.ID == action }) {
		return fmt.Errorf("notification %d has no action %q", id, action)
	}
	if err := s.exp.EmitSignal("ActionInvoked", id, action); err != nil {
		slog.Debug("emit ActionInvoked failed", "id", id, "error", err)
	}
	s.notify(Event{Type: EventActionInvoked, Notification: *n, Action: action})
	return nil
}

func (s *Service) close(id uint32, reason CloseReason) bool {
	n, ok := s.notifications[id]
	if !ok {
		return false
	}
	s.Dismiss(id)
	delete(s.notifications, id)
	s.sync()

	if err := s.exp.EmitSignal("NotificationClosed", id, uint32(reason)); err != nil {
		slog.Debug("emit NotificationClosed failed", "id", id, "error", err)
	}
	s.notify(Event{Type: EventClosed, Notification: *n, Reason: reason})
	return true
}

func (s *Service) showPopup(id uint32) {
	if i := slices.Index(s.popups, id); i >= 0 {
		// A replaced notification moves to the newest slot.
		s.popups = slices.Delete(s.popups, i, i+1)
	}
	for len(s.popups) >= s.opts.MaxPopups {
		s.Dismiss(s.popups[0])
	}
	s.popups = append(s.popups, id)

	if t := s.timers[id]; t != nil {
		t.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(s.opts.PopupTimeout, func() {
		s.loop.Post(func() {
			// A replacement may have restarted the timer.
			if s.timers[id] == timer {
				s.Dismiss(id)
			}
		})
	})
	s.timers[id] = timer

	s.notify(Event{Type: EventPopupShown, Notification: *s.notifications[id]})
}

func (s *Service) notify(e Event) {
	s.observers.Each(func(o Observer) { o.OnEvent(e) })
}

func (s *Service) historyPath() string {
	return filepath.Join(s.opts.Dir, "notifications.json")
}

func (s *Service) imagePath(id uint32) string {
	return filepath.Join(s.opts.Dir, "images", strconv.FormatUint(uint64(id), 10)+".png")
}

func (s *Service) load() error {
	h, err := store.ReadJSON(s.historyPath(), historyFile{Notifications: []*Notification{}})
	if err != nil {
		return fmt.Errorf("load notification history: %w", err)
	}
	s.lastID = h.ID
	s.dnd = h.DND
	for _, n := range h.Notifications {
		if n == nil {
			continue
		}
		s.notifications[n.ID] = n
		if n.ID > s.lastID {
			s.lastID = n.ID
		}
	}
	return nil
}

func (s *Service) sync() {
	h := historyFile{ID: s.lastID, DND: s.dnd, Notifications: []*Notification{}}
	for _, n := range s.List() {
		h.Notifications = append(h.Notifications, &n)
	}
	if err := store.WriteJSON(s.historyPath(), h); err != nil {
		slog.Error("failed to save notification history", "error", err)
	}
}

// Bus handlers. They run on worker goroutines and hop onto the loop for
// state changes.

func (s *Service) handleNotify(inv *bus.Invocation, appName string, replacesID uint32, appIcon, summary, body string,
	actions []string, hints map[string]dbus.Variant, expireTimeout int32) (uint32, *dbus.Error) {
	n := Notification{
		AppName: appName,
		Icon:    appIcon,
		Summary: summary,
		Body:    body,
		Urgency: UrgencyNormal,
		Timeout: expireTimeout,
		Actions: []Action{},
	}
	for i := 0; i+1 < len(actions); i += 2 {
		n.Actions = append(n.Actions, Action{ID: actions[i], Label: actions[i+1]})
	}
	if v, ok := hints["urgency"]; ok {
		n.Urgency = urgencyOf(v)
	}
	if v, ok := hints["image-path"]; ok {
		if p, ok := v.Value().(string); ok && p != "" {
			n.Icon = p
		}
	}

	img := hints["image-data"]
	if img.Signature().Empty() {
		img = hints["image_data"]
	}

	id, err := loop.Get(inv.Context(), s.loop, func() uint32 {
		if !img.Signature().Empty() {
			// The id is needed for the file name before the notification
			// is published.
			target := replacesID
			if target == 0 {
				target = s.lastID + 1
			}
			if path, err := s.saveImage(target, img); err != nil {
				slog.Warn("ignoring image-data hint", "app", appName, "error", err)
			} else {
				n.Icon = path
			}
		}
		return s.Notify(n, replacesID)
	})
	if err != nil {
		return 0, bus.Failed("notify: %v", err)
	}
	return id, nil
}

func (s *Service) saveImage(id uint32, v dbus.Variant) (string, error) {
	img, err := decodeImageData(v)
	if err != nil {
		return "", err
	}
	path := s.imagePath(id)
	if err := savePNG(path, img); err != nil {
		return "", err
	}
	return path, nil
}

func (s *Service) handleCloseNotification(inv *bus.Invocation, id uint32) *dbus.Error {
	if err := s.loop.Call(inv.Context(), func() { s.close(id, ReasonClosed) }); err != nil {
		return bus.Failed("close notification: %v", err)
	}
	return nil
}

func (s *Service) handleGetCapabilities(inv *bus.Invocation) ([]string, *dbus.Error) {
	return Capabilities, nil
}

func (s *Service) handleGetServerInformation(inv *bus.Invocation) (string, string, string, string, *dbus.Error) {
	return ServerName, ServerVendor, ServerVersion, SpecVersion, nil
}

func urgencyOf(v dbus.Variant) byte {
	switch u := v.Value().(type) {
	case byte:
		return u
	case int32:
		return byte(u)
	case uint32:
		return byte(u)
	case int64:
		return byte(u)
	}
	return UrgencyNormal
}
