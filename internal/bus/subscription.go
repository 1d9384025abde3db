package bus

import (
	"context"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/godbus/dbus/v5"
)

// SignalHandler receives a matched signal on the loop.
type SignalHandler func(sig *dbus.Signal)

// SubscribeOption overrides one filter of a subscription. Passing an empty
// value matches anything.
type SubscribeOption func(*filter)

// WithSender filters on the signal sender. Well-known names are resolved to
// their current owner.
func WithSender(sender string) SubscribeOption {
	return func(f *filter) { f.sender = sender }
}

// WithInterface filters on the signal interface.
func WithInterface(iface string) SubscribeOption {
	return func(f *filter) { f.iface = iface }
}

// WithPath filters on the emitting object path.
func WithPath(path dbus.ObjectPath) SubscribeOption {
	return func(f *filter) { f.path = path }
}

// WithArg0 filters on the first string argument.
func WithArg0(value string) SubscribeOption {
	return func(f *filter) { f.arg0 = value }
}

type filter struct {
	sender string
	iface  string
	member string
	path   dbus.ObjectPath
	arg0   string
}

func (f filter) matchOptions() []dbus.MatchOption {
	var opts []dbus.MatchOption
	if f.sender != "" {
		opts = append(opts, dbus.WithMatchSender(f.sender))
	}
	if f.iface != "" {
		opts = append(opts, dbus.WithMatchInterface(f.iface))
	}
	if f.member != "" {
		opts = append(opts, dbus.WithMatchMember(f.member))
	}
	if f.path != "" {
		opts = append(opts, dbus.WithMatchObjectPath(f.path))
	}
	if f.arg0 != "" {
		opts = append(opts, dbus.WithMatchArg(0, f.arg0))
	}
	return opts
}

var subscriptionSeq atomic.Uint64

// Subscription is an active signal subscription. Its handler runs on the
// loop until Close; a signal already queued when Close is called is dropped.
type Subscription struct {
	conn    *Conn
	filter  filter
	handler SignalHandler
	seq     uint64
	// matchRule is false for subscriptions served by the connection's
	// built-in NameOwnerChanged rule.
	matchRule bool

	closed    atomic.Bool
	closeOnce sync.Once
	onClose   func(*Subscription)
}

// Subscribe registers handler for signals matching member and opts. The bus
// match rule is installed before Subscribe returns, so a signal emitted by a
// call made afterwards cannot be missed.
func (c *Conn) Subscribe(ctx context.Context, member string, handler SignalHandler, opts ...SubscribeOption) (*Subscription, error) {
	f := filter{member: member}
	for _, opt := range opts {
		opt(&f)
	}
	return c.subscribe(ctx, f, handler, true)
}

func (c *Conn) subscribe(ctx context.Context, f filter, handler SignalHandler, matchRule bool) (*Subscription, error) {
	s := &Subscription{
		conn:      c,
		filter:    f,
		handler:   handler,
		seq:       subscriptionSeq.Add(1),
		matchRule: matchRule,
	}

	if matchRule {
		if err := c.conn.AddMatchSignalContext(ctx, f.matchOptions()...); err != nil {
			return nil, newRemoteError(busName, "AddMatch", err)
		}
	}
	c.resolveOwner(ctx, f.sender)

	if !c.register(s) {
		if matchRule {
			c.conn.RemoveMatchSignal(f.matchOptions()...)
		}
		return nil, ErrClosed
	}
	return s, nil
}

// Close removes the subscription. Safe to call more than once and from any
// goroutine.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.conn.unregister(s)
		if s.matchRule {
			// Fails harmlessly once the connection is gone.
			s.conn.conn.RemoveMatchSignal(s.filter.matchOptions()...)
		}
		if s.onClose != nil {
			s.onClose(s)
		}
	})
}

// Closed reports whether Close has been called.
func (s *Subscription) Closed() bool { return s.closed.Load() }

func (s *Subscription) deliver(sig *dbus.Signal) {
	s.conn.loop.Post(func() {
		if s.closed.Load() {
			return
		}
		s.handler(sig)
	})
}

// matches is called with the connection's read lock held.
func (s *Subscription) matches(sig *dbus.Signal, owners map[string]string) bool {
	if s.closed.Load() {
		return false
	}
	f := s.filter

	if f.sender != "" && f.sender != sig.Sender {
		if strings.HasPrefix(f.sender, ":") || owners[f.sender] != sig.Sender {
			return false
		}
	}
	if f.path != "" && f.path != sig.Path {
		return false
	}

	i := strings.LastIndex(sig.Name, ".")
	if i < 0 {
		return false
	}
	if f.iface != "" && f.iface != sig.Name[:i] {
		return false
	}
	if f.member != "" && f.member != sig.Name[i+1:] {
		return false
	}
	if f.arg0 != "" {
		if len(sig.Body) == 0 {
			return false
		}
		if v, ok := sig.Body[0].(string); !ok || v != f.arg0 {
			return false
		}
	}
	return true
}

func sortSubscriptions(subs []*Subscription) {
	slices.SortFunc(subs, func(a, b *Subscription) int {
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}
		return 0
	})
}
