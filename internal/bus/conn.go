// Package bus is the session-bus layer shared by every shell service:
// exported objects with per-call worker dispatch, proxies with signal
// subscriptions and name watches, and portal request chains.
//
// All callbacks registered through this package (signal handlers, name
// watch transitions, acquisition results, property getters) run on the
// owning loop.Loop.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/linkfrg/lst/internal/loop"
)

const (
	busName      = "org.freedesktop.DBus"
	busPath      = dbus.ObjectPath("/org/freedesktop/DBus")
	busInterface = "org.freedesktop.DBus"
)

// Conn is a bus connection with a signal router that dispatches matching
// signals to subscriptions on the loop.
type Conn struct {
	conn *dbus.Conn
	loop *loop.Loop

	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	owners map[string]string // well-known name -> unique owner
	calls  clientCalls

	signals   chan *dbus.Signal
	done      chan struct{}
	closeOnce sync.Once
}

// Connect opens a connection to the bus at addr. An empty addr selects the
// session bus.
func Connect(addr string, l *loop.Loop) (*Conn, error) {
	var conn *dbus.Conn
	var err error
	if addr == "" {
		conn, err = dbus.ConnectSessionBus()
	} else {
		conn, err = dbus.Connect(addr)
	}
	if err != nil {
		return nil, fmt.Errorf("connect to D-Bus: %w", err)
	}
	c, err := newConn(conn, l)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

func newConn(conn *dbus.Conn, l *loop.Loop) (*Conn, error) {
	c := &Conn{
		conn:    conn,
		loop:    l,
		subs:    make(map[*Subscription]struct{}),
		owners:  make(map[string]string),
		signals: make(chan *dbus.Signal, 256),
		done:    make(chan struct{}),
	}

	// Owner tracking needs every NameOwnerChanged, not just the ones a
	// subscription asked for.
	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface(busInterface),
		dbus.WithMatchMember("NameOwnerChanged"),
		dbus.WithMatchSender(busName),
	); err != nil {
		return nil, fmt.Errorf("subscribe to NameOwnerChanged: %w", err)
	}

	conn.Signal(c.signals)
	go c.route()

	return c, nil
}

// Raw returns the underlying godbus connection.
func (c *Conn) Raw() *dbus.Conn { return c.conn }

// Loop returns the loop callbacks are dispatched on.
func (c *Conn) Loop() *loop.Loop { return c.loop }

// UniqueName returns the connection's unique bus name (":1.42").
func (c *Conn) UniqueName() string {
	names := c.conn.Names()
	if len(names) == 0 {
		return ""
	}
	return names[0]
}

// NameHasOwner reports whether name currently has an owner on the bus.
func (c *Conn) NameHasOwner(ctx context.Context, name string) (bool, error) {
	var has bool
	err := c.conn.BusObject().CallWithContext(ctx, busInterface+".NameHasOwner", 0, name).Store(&has)
	if err != nil {
		return false, newRemoteError(busName, "NameHasOwner", err)
	}
	return has, nil
}

// GetNameOwner returns the unique name owning name, or "" if it has none.
func (c *Conn) GetNameOwner(ctx context.Context, name string) (string, error) {
	if strings.HasPrefix(name, ":") || name == busName {
		return name, nil
	}
	var owner string
	err := c.conn.BusObject().CallWithContext(ctx, busInterface+".GetNameOwner", 0, name).Store(&owner)
	if err != nil {
		if isNameHasNoOwner(err) {
			return "", nil
		}
		return "", newRemoteError(busName, "GetNameOwner", err)
	}
	return owner, nil
}

// ListNames returns every name currently on the bus.
func (c *Conn) ListNames(ctx context.Context) ([]string, error) {
	var names []string
	err := c.conn.BusObject().CallWithContext(ctx, busInterface+".ListNames", 0).Store(&names)
	if err != nil {
		return nil, newRemoteError(busName, "ListNames", err)
	}
	return names, nil
}

// Close stops the router and closes the connection.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.RemoveSignal(c.signals)

		c.mu.Lock()
		for s := range c.subs {
			s.closed.Store(true)
		}
		c.subs = nil
		c.mu.Unlock()

		err = c.conn.Close()
	})
	return err
}

func isNameHasNoOwner(err error) bool {
	re := newRemoteError(busName, "", err)
	return re.Name == "org.freedesktop.DBus.Error.NameHasNoOwner"
}

// resolveOwner primes the owner cache for a well-known name so that signals
// from its current owner match before the next NameOwnerChanged.
func (c *Conn) resolveOwner(ctx context.Context, name string) {
	if name == "" || strings.HasPrefix(name, ":") || name == busName {
		return
	}
	owner, err := c.GetNameOwner(ctx, name)
	if err != nil {
		slog.Debug("failed to resolve name owner", "name", name, "error", err)
		return
	}
	c.mu.Lock()
	if owner == "" {
		delete(c.owners, name)
	} else {
		c.owners[name] = owner
	}
	c.mu.Unlock()
}

func (c *Conn) register(s *Subscription) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subs == nil {
		return false
	}
	c.subs[s] = struct{}{}
	return true
}

func (c *Conn) unregister(s *Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, s)
}

// route reads the transport's signal channel and posts matching callbacks
// to the loop. One goroutine keeps per-subscription delivery in transport
// order.
func (c *Conn) route() {
	for {
		select {
		case <-c.done:
			return
		case sig, ok := <-c.signals:
			if !ok {
				// Channel closed by the D-Bus library when the connection closes.
				return
			}
			c.trackOwner(sig)
			c.dispatch(sig)
		}
	}
}

func (c *Conn) trackOwner(sig *dbus.Signal) {
	if sig.Name != busInterface+".NameOwnerChanged" || len(sig.Body) != 3 {
		return
	}
	name, ok1 := sig.Body[0].(string)
	oldOwner, _ := sig.Body[1].(string)
	newOwner, ok2 := sig.Body[2].(string)
	if !ok1 || !ok2 {
		return
	}

	// A unique name losing its owner means the client disconnected.
	if strings.HasPrefix(name, ":") {
		if oldOwner != "" && newOwner == "" {
			c.clientDisconnected(name)
		}
		return
	}

	c.mu.Lock()
	if newOwner == "" {
		delete(c.owners, name)
	} else {
		c.owners[name] = newOwner
	}
	c.mu.Unlock()
}

func (c *Conn) dispatch(sig *dbus.Signal) {
	c.mu.RLock()
	var matched []*Subscription
	for s := range c.subs {
		if s.matches(sig, c.owners) {
			matched = append(matched, s)
		}
	}
	c.mu.RUnlock()

	// Map iteration order is random; keep delivery stable across
	// subscriptions by creation order.
	sortSubscriptions(matched)

	for _, s := range matched {
		s.deliver(sig)
	}
}
