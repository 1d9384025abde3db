package bus

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/godbus/dbus/v5"
)

const (
	requestInterface  = "org.freedesktop.portal.Request"
	requestPathPrefix = "/org/freedesktop/portal/desktop/request/"
)

// Response codes of org.freedesktop.portal.Request.Response.
const (
	ResponseSuccess   uint32 = 0
	ResponseCancelled uint32 = 1
	ResponseOther     uint32 = 2
)

var tokenCounter atomic.Uint64

// NextToken returns a process-wide unique handle token.
func NextToken() string {
	return "u" + strconv.FormatUint(tokenCounter.Add(1), 10)
}

// RequestPath returns the object path a portal uses for the request with
// token made by the connection named sender.
func RequestPath(sender, token string) dbus.ObjectPath {
	s := strings.TrimPrefix(sender, ":")
	s = strings.ReplaceAll(s, ".", "_")
	return dbus.ObjectPath(requestPathPrefix + s + "/" + token)
}

// Response is the outcome of one portal request.
type Response struct {
	Code    uint32
	Results map[string]dbus.Variant
}

// OK reports whether the request succeeded.
func (r Response) OK() bool { return r.Code == ResponseSuccess }

// Requester issues portal-style calls whose result arrives later as a
// Response signal on a per-request object.
type Requester struct {
	proxy *Proxy
}

// NewRequester creates a requester for the portal behind proxy.
func NewRequester(proxy *Proxy) *Requester {
	return &Requester{proxy: proxy}
}

// Request calls method with args followed by options, after subscribing to
// the Response signal of the request object. options gains a handle_token
// entry. onResponse runs once on the loop; the subscription is released
// before it is called.
//
// The Response signal may arrive before the method reply; subscribing first
// makes that safe.
func (r *Requester) Request(ctx context.Context, method string, args []any, options map[string]dbus.Variant, onResponse func(Response)) (dbus.ObjectPath, error) {
	token := NextToken()
	conn := r.proxy.Conn()
	path := RequestPath(conn.UniqueName(), token)

	var current atomic.Pointer[Subscription]
	var fired atomic.Bool
	handler := func(sig *dbus.Signal) {
		if !fired.CompareAndSwap(false, true) {
			return
		}
		if s := current.Load(); s != nil {
			s.Close()
		}
		resp := Response{Code: ResponseOther}
		if len(sig.Body) == 2 {
			if code, ok := sig.Body[0].(uint32); ok {
				resp.Code = code
			}
			if results, ok := sig.Body[1].(map[string]dbus.Variant); ok {
				resp.Results = results
			}
		}
		if onResponse != nil {
			onResponse(resp)
		}
	}

	sub, err := conn.Subscribe(ctx, "Response", handler,
		WithSender(r.proxy.Dest()),
		WithInterface(requestInterface),
		WithPath(path))
	if err != nil {
		return "", fmt.Errorf("%s: %w", method, err)
	}
	current.Store(sub)
	if fired.Load() {
		sub.Close()
	}

	opts := make(map[string]dbus.Variant, len(options)+1)
	for k, v := range options {
		opts[k] = v
	}
	opts["handle_token"] = dbus.MakeVariant(token)

	callArgs := make([]any, 0, len(args)+1)
	callArgs = append(callArgs, args...)
	callArgs = append(callArgs, opts)

	reply, err := r.proxy.Call(ctx, method, callArgs...)
	if err != nil {
		sub.Close()
		return "", err
	}

	var handle dbus.ObjectPath
	if err := reply.Store(&handle); err != nil {
		sub.Close()
		return "", fmt.Errorf("%s: decode request handle: %w", method, err)
	}
	if handle != path {
		// Old portals ignore handle_token. The Response will be emitted on
		// the returned handle, so follow it.
		sub.Close()
		sub, err = conn.Subscribe(ctx, "Response", handler,
			WithSender(r.proxy.Dest()),
			WithInterface(requestInterface),
			WithPath(handle))
		if err != nil {
			return "", fmt.Errorf("%s: %w", method, err)
		}
		current.Store(sub)
		if fired.Load() {
			sub.Close()
		}
	}
	return handle, nil
}
