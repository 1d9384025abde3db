package app

import (
	"slices"

	"github.com/linkfrg/lst/internal/loop"
)

// Window is the logical visibility record of a shell window. Drawing it is
// the renderer's job.
type Window struct {
	Name    string `json:"name"`
	Visible bool   `json:"visible"`
}

// WindowEventType identifies a window registry event.
type WindowEventType int

const (
	EventWindowAdded WindowEventType = iota
	EventWindowShown
	EventWindowHidden
)

func (t WindowEventType) String() string {
	switch t {
	case EventWindowAdded:
		return "window_added"
	case EventWindowShown:
		return "window_shown"
	case EventWindowHidden:
		return "window_hidden"
	}
	return "unknown"
}

// WindowEvent describes a change to one window.
type WindowEvent struct {
	Type   WindowEventType
	Window Window
}

// WindowObserver receives window events on the loop.
type WindowObserver interface {
	OnWindowEvent(WindowEvent)
}

// WindowObserverFunc adapts a function to WindowObserver.
type WindowObserverFunc func(WindowEvent)

func (f WindowObserverFunc) OnWindowEvent(e WindowEvent) { f(e) }

// Windows is the name to window table. It is owned by the loop.
type Windows struct {
	windows   map[string]*Window
	order     []string
	observers loop.Observers[WindowObserver]
}

// NewWindows returns an empty registry.
func NewWindows() *Windows {
	return &Windows{
		windows: make(map[string]*Window),
	}
}

// Subscribe registers o for events. The returned function removes it.
func (w *Windows) Subscribe(o WindowObserver) (unsubscribe func()) { return w.observers.Add(o) }

// Add declares a window. It reports false if name is already known, in
// which case the existing window is left alone.
func (w *Windows) Add(name string, visible bool) bool {
	if _, ok := w.windows[name]; ok {
		return false
	}
	win := &Window{Name: name, Visible: visible}
	w.windows[name] = win
	w.order = append(w.order, name)
	w.notify(WindowEvent{Type: EventWindowAdded, Window: *win})
	return true
}

// Get returns a copy of the named window.
func (w *Windows) Get(name string) (Window, bool) {
	win, ok := w.windows[name]
	if !ok {
		return Window{}, false
	}
	return *win, true
}

// Names returns window names in declaration order.
func (w *Windows) Names() []string {
	return slices.Clone(w.order)
}

// List returns copies of every window in declaration order.
func (w *Windows) List() []Window {
	out := make([]Window, 0, len(w.order))
	for _, name := range w.order {
		out = append(out, *w.windows[name])
	}
	return out
}

// Open shows the named window. It reports false for unknown names.
func (w *Windows) Open(name string) bool {
	return w.set(name, true)
}

// Close hides the named window. It reports false for unknown names.
func (w *Windows) Close(name string) bool {
	return w.set(name, false)
}

// Toggle flips visibility and returns the new state. ok is false for
// unknown names.
func (w *Windows) Toggle(name string) (visible, ok bool) {
	win, ok := w.windows[name]
	if !ok {
		return false, false
	}
	w.set(name, !win.Visible)
	return win.Visible, true
}

func (w *Windows) set(name string, visible bool) bool {
	win, ok := w.windows[name]
	if !ok {
		return false
	}
	if win.Visible == visible {
		return true
	}
	win.Visible = visible
	t := EventWindowHidden
	if visible {
		t = EventWindowShown
	}
	w.notify(WindowEvent{Type: t, Window: *win})
	return true
}

func (w *Windows) notify(e WindowEvent) {
	w.observers.Each(func(o WindowObserver) { o.OnWindowEvent(e) })
}
