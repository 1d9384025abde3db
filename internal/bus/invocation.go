package bus

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"
)

// Invocation is one inbound method call. It carries exactly one reply
// slot: the first of Return, ReturnError or the handler's own return values
// is sent, anything after that is dropped.
type Invocation struct {
	ID     string
	Member string
	Sender string
	Args   []any

	ctx    context.Context
	conn   *Conn
	out    []reflect.Type
	reply  chan []reflect.Value
	sent   atomic.Bool
	cancel context.CancelFunc

	senderOnce sync.Once
	senderInfo SenderInfo
}

func newInvocation(c *Conn, member, sender string, args []reflect.Value, out []reflect.Type) *Invocation {
	inv := &Invocation{
		ID:     uuid.New().String(),
		Member: member,
		Sender: sender,
		Args:   make([]any, len(args)),
		conn:   c,
		out:    out,
		reply:  make(chan []reflect.Value, 1),
	}
	for i, a := range args {
		inv.Args[i] = a.Interface()
	}
	inv.ctx, inv.cancel = c.contextForSender(sender)
	return inv
}

// Context is cancelled when the caller disconnects from the bus or once
// the handler has returned.
func (inv *Invocation) Context() context.Context { return inv.ctx }

// Conn returns the connection the call arrived on.
func (inv *Invocation) Conn() *Conn { return inv.conn }

// Return replies with values, which must match the handler's result types.
// It reports whether this call produced the reply.
func (inv *Invocation) Return(values ...any) bool {
	if len(values) != len(inv.out)-1 {
		slog.Error("reply value count mismatch",
			"member", inv.Member, "got", len(values), "want", len(inv.out)-1)
		return inv.send(inv.errorValues(Failed("internal error")), true)
	}

	res := make([]reflect.Value, len(inv.out))
	for i, v := range values {
		t := inv.out[i]
		rv := reflect.ValueOf(v)
		switch {
		case !rv.IsValid():
			rv = reflect.Zero(t)
		case rv.Type().AssignableTo(t):
		case rv.Type().ConvertibleTo(t):
			rv = rv.Convert(t)
		default:
			slog.Error("reply value type mismatch",
				"member", inv.Member, "index", i, "got", rv.Type().String(), "want", t.String())
			return inv.send(inv.errorValues(Failed("internal error")), true)
		}
		res[i] = rv
	}
	res[len(res)-1] = reflect.Zero(errorType)
	return inv.send(res, true)
}

// ReturnError replies with err.
func (inv *Invocation) ReturnError(err *dbus.Error) bool {
	if err == nil {
		err = Failed("unknown error")
	}
	return inv.send(inv.errorValues(err), true)
}

// Replied reports whether a reply has been sent.
func (inv *Invocation) Replied() bool { return inv.sent.Load() }

// SenderInfo resolves the caller's process. The lookup runs once and is
// cached.
func (inv *Invocation) SenderInfo() SenderInfo {
	inv.senderOnce.Do(func() {
		inv.senderInfo = inv.conn.ResolveSender(inv.ctx, inv.Sender)
	})
	return inv.senderInfo
}

func (inv *Invocation) errorValues(err *dbus.Error) []reflect.Value {
	res := make([]reflect.Value, len(inv.out))
	for i := 0; i < len(res)-1; i++ {
		res[i] = reflect.Zero(inv.out[i])
	}
	res[len(res)-1] = reflect.ValueOf(err)
	return res
}

func (inv *Invocation) send(values []reflect.Value, explicit bool) bool {
	if !inv.sent.CompareAndSwap(false, true) {
		if explicit {
			slog.Warn("dropping second reply", "member", inv.Member, "invocation", inv.ID)
		}
		return false
	}
	inv.reply <- values
	return true
}

// run calls the handler on the current goroutine. Its results are the
// fallback reply when the handler did not reply itself.
func (inv *Invocation) run(fn reflect.Value, args []reflect.Value) {
	defer inv.cancel()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("method handler panicked", "member", inv.Member, "panic", fmt.Sprint(r))
			inv.send(inv.errorValues(Failed("internal error")), false)
		}
	}()

	in := make([]reflect.Value, 0, len(args)+1)
	in = append(in, reflect.ValueOf(inv))
	in = append(in, args...)
	out := fn.Call(in)

	if errV := out[len(out)-1]; !errV.IsNil() {
		inv.send(inv.errorValues(errV.Interface().(*dbus.Error)), false)
		return
	}
	inv.send(out, false)
}

type clientCalls struct {
	mu      sync.Mutex
	next    uint64
	cancels map[string]map[uint64]context.CancelFunc
}

// contextForSender returns a context that is cancelled when sender
// disconnects or the returned cancel func is called.
func (c *Conn) contextForSender(sender string) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	cc := &c.calls
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if cc.cancels == nil {
		cc.cancels = make(map[string]map[uint64]context.CancelFunc)
	}
	cc.next++
	id := cc.next
	if cc.cancels[sender] == nil {
		cc.cancels[sender] = make(map[uint64]context.CancelFunc)
	}
	cc.cancels[sender][id] = cancel

	return ctx, func() {
		cancel()
		cc.mu.Lock()
		defer cc.mu.Unlock()
		delete(cc.cancels[sender], id)
		if len(cc.cancels[sender]) == 0 {
			delete(cc.cancels, sender)
		}
	}
}

// clientDisconnected cancels every in-flight call from sender.
func (c *Conn) clientDisconnected(sender string) {
	cc := &c.calls
	cc.mu.Lock()
	defer cc.mu.Unlock()
	for _, cancel := range cc.cancels[sender] {
		cancel()
	}
	delete(cc.cancels, sender)
}
