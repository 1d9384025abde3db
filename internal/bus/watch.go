package bus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/godbus/dbus/v5"
)

// NameWatch follows the ownership of a bus name. Appeared and vanished are
// called on the loop, at most once per transition.
type NameWatch struct {
	name     string
	appeared func(owner string)
	vanished func()

	sub       *Subscription
	closeOnce sync.Once
	onClose   func(*NameWatch)

	// loop-only state
	known bool
	owner string
}

// WatchName starts watching name. Exactly one of appeared or vanished fires
// for the initial state, then one per ownership change. Either callback may
// be nil.
func (c *Conn) WatchName(ctx context.Context, name string, appeared func(owner string), vanished func()) (*NameWatch, error) {
	w := &NameWatch{
		name:     name,
		appeared: appeared,
		vanished: vanished,
	}

	sub, err := c.subscribe(ctx, filter{
		sender: busName,
		iface:  busInterface,
		member: "NameOwnerChanged",
		arg0:   name,
	}, w.onOwnerChanged, false)
	if err != nil {
		return nil, err
	}
	w.sub = sub

	// The subscription is live, so a change racing with this query is
	// delivered after it and wins.
	owner, err := c.GetNameOwner(ctx, name)
	if err != nil {
		slog.Debug("initial owner query failed", "name", name, "error", err)
	}
	c.loop.Post(func() {
		if w.sub.Closed() || w.known {
			return
		}
		w.transition(owner)
	})
	return w, nil
}

// Name returns the watched name.
func (w *NameWatch) Name() string { return w.name }

// Close stops the watch. Safe to call more than once.
func (w *NameWatch) Close() {
	w.closeOnce.Do(func() {
		w.sub.Close()
		if w.onClose != nil {
			w.onClose(w)
		}
	})
}

func (w *NameWatch) onOwnerChanged(sig *dbus.Signal) {
	if len(sig.Body) != 3 {
		return
	}
	newOwner, _ := sig.Body[2].(string)
	w.transition(newOwner)
}

func (w *NameWatch) transition(owner string) {
	first := !w.known
	w.known = true
	hadOwner := w.owner != ""
	w.owner = owner

	switch {
	case owner != "" && (first || !hadOwner):
		if w.appeared != nil {
			w.appeared(owner)
		}
	case owner == "" && (first || hadOwner):
		if w.vanished != nil {
			w.vanished()
		}
	case owner != "" && hadOwner:
		// Ownership moved straight to another connection: report the
		// old owner gone before the new one appears.
		if w.vanished != nil {
			w.vanished()
		}
		if w.sub.Closed() {
			return
		}
		if w.appeared != nil {
			w.appeared(owner)
		}
	}
}
