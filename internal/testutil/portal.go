package testutil

import (
	"fmt"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
)

// Screen-cast portal names.
const (
	PortalBusName   = "org.freedesktop.portal.Desktop"
	PortalPath      = dbus.ObjectPath("/org/freedesktop/portal/desktop")
	ScreenCastIface = "org.freedesktop.portal.ScreenCast"
	RequestIface    = "org.freedesktop.portal.Request"
	SessionIface    = "org.freedesktop.portal.Session"

	sessionRoot = dbus.ObjectPath("/org/freedesktop/portal/desktop/session")
)

// PortalStream is one stream returned by a successful Start.
type PortalStream struct {
	NodeID     uint32
	Properties map[string]dbus.Variant
}

// MockPortal is a fake org.freedesktop.portal.ScreenCast. Every request
// emits its Response signal before the method reply, which is the worst
// case ordering a client has to cope with.
type MockPortal struct {
	conn *dbus.Conn

	mu      sync.Mutex
	codes   map[string]uint32
	calls   []string
	options map[string]map[string]dbus.Variant
	streams []PortalStream
	nextID  int
	closed  int
}

// portalSession answers org.freedesktop.portal.Session calls for every
// session the portal hands out.
type portalSession struct{ p *MockPortal }

// Close implements org.freedesktop.portal.Session.Close.
func (s portalSession) Close() *dbus.Error {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	s.p.closed++
	return nil
}

// NewMockPortal creates a portal that answers every step with success and a
// single stream with node id 42.
func NewMockPortal() *MockPortal {
	return &MockPortal{
		codes:   make(map[string]uint32),
		options: make(map[string]map[string]dbus.Variant),
		streams: []PortalStream{{NodeID: 42, Properties: map[string]dbus.Variant{}}},
	}
}

// SetResponse makes method answer with code (0 success, 1 cancelled,
// 2 other).
func (p *MockPortal) SetResponse(method string, code uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.codes[method] = code
}

// SetStreams replaces the streams returned by Start.
func (p *MockPortal) SetStreams(streams []PortalStream) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.streams = streams
}

// Calls returns the methods called so far, in order.
func (p *MockPortal) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

// SessionCloses returns how many times a session was closed.
func (p *MockPortal) SessionCloses() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Options returns the options dictionary of the last call to method.
func (p *MockPortal) Options(method string) map[string]dbus.Variant {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.options[method]
}

// Register exports the portal on conn and takes the portal bus name.
func (p *MockPortal) Register(conn *dbus.Conn) error {
	p.conn = conn

	if err := conn.Export(p, PortalPath, ScreenCastIface); err != nil {
		return fmt.Errorf("export ScreenCast: %w", err)
	}
	if err := conn.ExportSubtree(portalSession{p}, sessionRoot, SessionIface); err != nil {
		return fmt.Errorf("export Session: %w", err)
	}

	reply, err := conn.RequestName(PortalBusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("request name: %w", err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("not primary owner (reply=%d)", reply)
	}
	return nil
}

// CreateSession implements org.freedesktop.portal.ScreenCast.CreateSession.
func (p *MockPortal) CreateSession(sender dbus.Sender, options map[string]dbus.Variant) (dbus.ObjectPath, *dbus.Error) {
	token, _ := options["session_handle_token"].Value().(string)
	if token == "" {
		token = "session"
	}
	session := dbus.ObjectPath(string(sessionRoot) + "/" + escapeSender(string(sender)) + "/" + token)
	return p.respond(sender, "CreateSession", options, map[string]dbus.Variant{
		"session_handle": dbus.MakeVariant(string(session)),
	})
}

// SelectSources implements org.freedesktop.portal.ScreenCast.SelectSources.
func (p *MockPortal) SelectSources(sender dbus.Sender, session dbus.ObjectPath, options map[string]dbus.Variant) (dbus.ObjectPath, *dbus.Error) {
	return p.respond(sender, "SelectSources", options, map[string]dbus.Variant{})
}

// Start implements org.freedesktop.portal.ScreenCast.Start.
func (p *MockPortal) Start(sender dbus.Sender, session dbus.ObjectPath, parentWindow string, options map[string]dbus.Variant) (dbus.ObjectPath, *dbus.Error) {
	p.mu.Lock()
	streams := append([]PortalStream(nil), p.streams...)
	p.mu.Unlock()

	return p.respond(sender, "Start", options, map[string]dbus.Variant{
		"streams": dbus.MakeVariant(streams),
	})
}

func (p *MockPortal) respond(sender dbus.Sender, method string, options map[string]dbus.Variant, results map[string]dbus.Variant) (dbus.ObjectPath, *dbus.Error) {
	p.mu.Lock()
	p.calls = append(p.calls, method)
	p.options[method] = options
	code := p.codes[method]
	p.nextID++
	id := p.nextID
	p.mu.Unlock()

	token, _ := options["handle_token"].Value().(string)
	if token == "" {
		token = fmt.Sprintf("mock%d", id)
	}
	handle := dbus.ObjectPath("/org/freedesktop/portal/desktop/request/" + escapeSender(string(sender)) + "/" + token)

	if code != 0 {
		results = map[string]dbus.Variant{}
	}
	if err := p.conn.Emit(handle, RequestIface+".Response", code, results); err != nil {
		return "", dbus.MakeFailedError(err)
	}
	return handle, nil
}

func escapeSender(sender string) string {
	return strings.ReplaceAll(strings.TrimPrefix(sender, ":"), ".", "_")
}
