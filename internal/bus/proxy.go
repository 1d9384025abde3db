package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
)

// DefaultCallTimeout bounds outbound calls whose context has no deadline.
const DefaultCallTimeout = 25 * time.Second

const propertiesInterface = "org.freedesktop.DBus.Properties"

// Reply holds the body of a method return.
type Reply []any

// Store decodes the reply body into ptrs.
func (r Reply) Store(ptrs ...any) error {
	return dbus.Store(r, ptrs...)
}

// Proxy is a client-side handle on a remote object. Subscriptions and
// watches created through a proxy are released by Proxy.Close.
type Proxy struct {
	conn  *Conn
	dest  string
	path  dbus.ObjectPath
	iface string
	obj   dbus.BusObject

	mu      sync.Mutex
	subs    map[*Subscription]struct{}
	watches map[*NameWatch]struct{}
	closed  bool
}

// NewProxy creates a proxy for iface on the object dest:path. No bus traffic
// happens until the first call.
func (c *Conn) NewProxy(dest string, path dbus.ObjectPath, iface string) *Proxy {
	return &Proxy{
		conn:    c,
		dest:    dest,
		path:    path,
		iface:   iface,
		obj:     c.conn.Object(dest, path),
		subs:    make(map[*Subscription]struct{}),
		watches: make(map[*NameWatch]struct{}),
	}
}

// Dest returns the destination bus name.
func (p *Proxy) Dest() string { return p.dest }

// Path returns the object path.
func (p *Proxy) Path() dbus.ObjectPath { return p.path }

// Interface returns the default interface.
func (p *Proxy) Interface() string { return p.iface }

// Conn returns the connection the proxy was created on.
func (p *Proxy) Conn() *Conn { return p.conn }

// Call invokes method on the proxy's interface and waits for the reply.
// A method name containing a dot is used as-is.
func (p *Proxy) Call(ctx context.Context, method string, args ...any) (Reply, error) {
	return p.CallInterface(ctx, p.iface, method, args...)
}

// CallInterface invokes method on an explicit interface.
func (p *Proxy) CallInterface(ctx context.Context, iface, method string, args ...any) (Reply, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultCallTimeout)
		defer cancel()
	}

	call := p.obj.CallWithContext(ctx, iface+"."+method, 0, args...)
	if call.Err != nil {
		return nil, newRemoteError(p.dest, method, call.Err)
	}
	return Reply(call.Body), nil
}

// GetProperty reads one property. Any failure, including a missing
// property, is reported as absent rather than as an error.
func (p *Proxy) GetProperty(ctx context.Context, name string) (dbus.Variant, bool) {
	reply, err := p.CallInterface(ctx, propertiesInterface, "Get", p.iface, name)
	if err != nil {
		slog.Debug("property read failed", "dest", p.dest, "property", name, "error", err)
		return dbus.Variant{}, false
	}
	var v dbus.Variant
	if err := reply.Store(&v); err != nil {
		return dbus.Variant{}, false
	}
	return v, true
}

// GetAllProperties reads every property of the proxy's interface with the
// same soft-failure policy as GetProperty.
func (p *Proxy) GetAllProperties(ctx context.Context) (map[string]dbus.Variant, bool) {
	reply, err := p.CallInterface(ctx, propertiesInterface, "GetAll", p.iface)
	if err != nil {
		slog.Debug("property read failed", "dest", p.dest, "interface", p.iface, "error", err)
		return nil, false
	}
	var props map[string]dbus.Variant
	if err := reply.Store(&props); err != nil {
		return nil, false
	}
	return props, true
}

// SetProperty writes one property.
func (p *Proxy) SetProperty(ctx context.Context, name string, value any) error {
	_, err := p.CallInterface(ctx, propertiesInterface, "Set", p.iface, name, dbus.MakeVariant(value))
	return err
}

// Subscribe registers handler for member emitted by the proxy's object.
// The sender, interface and path default to the proxy's own and can be
// overridden with opts.
func (p *Proxy) Subscribe(ctx context.Context, member string, handler SignalHandler, opts ...SubscribeOption) (*Subscription, error) {
	f := filter{
		sender: p.dest,
		iface:  p.iface,
		member: member,
		path:   p.path,
	}
	for _, opt := range opts {
		opt(&f)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	p.mu.Unlock()

	s, err := p.conn.subscribe(ctx, f, handler, true)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s.%s: %w", f.iface, member, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		s.Close()
		return nil, ErrClosed
	}
	p.subs[s] = struct{}{}
	s.onClose = p.forgetSubscription
	return s, nil
}

// WatchName watches the proxy's destination name.
func (p *Proxy) WatchName(ctx context.Context, appeared func(owner string), vanished func()) (*NameWatch, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	p.mu.Unlock()

	w, err := p.conn.WatchName(ctx, p.dest, appeared, vanished)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		w.Close()
		return nil, ErrClosed
	}
	p.watches[w] = struct{}{}
	w.onClose = p.forgetWatch
	return w, nil
}

// Close releases every subscription and watch created through the proxy.
// Safe to call more than once.
func (p *Proxy) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	subs := p.subs
	watches := p.watches
	p.subs = nil
	p.watches = nil
	p.mu.Unlock()

	for s := range subs {
		s.Close()
	}
	for w := range watches {
		w.Close()
	}
}

func (p *Proxy) forgetSubscription(s *Subscription) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.subs, s)
}

func (p *Proxy) forgetWatch(w *NameWatch) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.watches, w)
}
