package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/godbus/dbus/v5/prop"

	"github.com/linkfrg/lst/internal/logging"
	"github.com/linkfrg/lst/internal/loop"
)

// PropertyTimeout bounds how long a property read waits for the loop.
const PropertyTimeout = time.Second

// ErrNameTaken is reported to OnLost when another connection owns the name.
var ErrNameTaken = errors.New("name already owned by another connection")

var (
	errorType      = reflect.TypeOf((*dbus.Error)(nil))
	invocationType = reflect.TypeOf((*Invocation)(nil))
	senderType     = reflect.TypeOf(dbus.Sender(""))
)

type exportState int

const (
	stateIdle exportState = iota
	stateRequesting
	stateExported
	stateLost
	stateClosed
)

// Exporter publishes one interface at one object path under a well-known
// name. Methods, properties and signals are registered before OwnName;
// the object is exported only once the name is acquired.
type Exporter struct {
	conn  *Conn
	name  string
	path  dbus.ObjectPath
	iface string
	audit *logging.Logger

	mu         sync.Mutex
	methods    map[string]*method
	properties map[string]*property
	signals    []introspect.Signal
	state      exportState
	ownsName   bool
}

type method struct {
	name string
	fn   reflect.Value
	in   []reflect.Type // without the *Invocation
	out  []reflect.Type // including the trailing *dbus.Error
}

type property struct {
	name string
	sig  dbus.Signature
	get  func() any
}

// NewExporter creates an exporter for iface at path, to be owned as name.
// An empty name exports on the connection's unique name.
func NewExporter(c *Conn, name string, path dbus.ObjectPath, iface string) *Exporter {
	return &Exporter{
		conn:       c,
		name:       name,
		path:       path,
		iface:      iface,
		audit:      logging.New(iface),
		methods:    make(map[string]*method),
		properties: make(map[string]*property),
	}
}

// Name returns the well-known name.
func (e *Exporter) Name() string { return e.name }

// Path returns the object path.
func (e *Exporter) Path() dbus.ObjectPath { return e.path }

// Interface returns the exported interface name.
func (e *Exporter) Interface() string { return e.iface }

// RegisterMethod adds a method handler. fn must be a function whose first
// parameter is *Invocation and whose last result is *dbus.Error; the other
// parameters and results define the method's bus signature.
//
// The handler runs on its own worker goroutine, one per call. Handlers that
// touch loop-owned state must go through loop.Call.
func (e *Exporter) RegisterMethod(name string, fn any) (err error) {
	v := reflect.ValueOf(fn)
	t := v.Type()
	if t.Kind() != reflect.Func {
		return fmt.Errorf("method %s: handler is %s, not a func", name, t.Kind())
	}
	if t.NumIn() == 0 || t.In(0) != invocationType {
		return fmt.Errorf("method %s: first parameter must be *bus.Invocation", name)
	}
	if t.NumOut() == 0 || t.Out(t.NumOut()-1) != errorType {
		return fmt.Errorf("method %s: last result must be *dbus.Error", name)
	}

	m := &method{name: name, fn: v}
	for i := 1; i < t.NumIn(); i++ {
		m.in = append(m.in, t.In(i))
	}
	for i := 0; i < t.NumOut(); i++ {
		m.out = append(m.out, t.Out(i))
	}

	// SignatureOfType panics on types with no bus representation.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("method %s: %v", name, r)
		}
	}()
	for _, typ := range m.in {
		dbus.SignatureOfType(typ)
	}
	for _, typ := range m.out[:len(m.out)-1] {
		dbus.SignatureOfType(typ)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != stateIdle {
		return fmt.Errorf("method %s: exporter already started", name)
	}
	e.methods[name] = m
	return nil
}

// MustRegisterMethod is RegisterMethod for handler tables fixed at compile
// time. It panics on error.
func (e *Exporter) MustRegisterMethod(name string, fn any) {
	if err := e.RegisterMethod(name, fn); err != nil {
		panic(err)
	}
}

// RegisterProperty adds a read-only property whose value is produced by get
// on the loop.
func RegisterProperty[T any](e *Exporter, name string, get func() T) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.properties[name] = &property{
		name: name,
		sig:  dbus.SignatureOfType(reflect.TypeFor[T]()),
		get:  func() any { return get() },
	}
}

// DeclareSignal documents a signal in the introspection data. args are
// sample values that define the signal's signature.
func (e *Exporter) DeclareSignal(name string, args ...any) {
	sig := introspect.Signal{Name: name}
	for i, a := range args {
		sig.Args = append(sig.Args, introspect.Arg{
			Name: fmt.Sprintf("arg_%d", i),
			Type: dbus.SignatureOf(a).String(),
		})
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.signals = append(e.signals, sig)
}

// OwnName requests the exporter's name without queueing. The request runs on
// a worker goroutine; exactly one of onAcquired or onLost is then called on
// the loop. Losing the race for the name is not fatal to the caller.
func (e *Exporter) OwnName(ctx context.Context, onAcquired func(), onLost func(error)) {
	e.mu.Lock()
	if e.state != stateIdle {
		e.mu.Unlock()
		e.post(func() {
			if onLost != nil {
				onLost(fmt.Errorf("own %s: exporter already started", e.name))
			}
		})
		return
	}
	e.state = stateRequesting
	e.mu.Unlock()

	go func() {
		err := e.acquire(ctx)
		e.post(func() {
			if err != nil {
				if onLost != nil {
					onLost(err)
				}
				return
			}
			if onAcquired != nil {
				onAcquired()
			}
		})
	}()
}

func (e *Exporter) acquire(ctx context.Context) error {
	if e.name != "" {
		if err := ctx.Err(); err != nil {
			e.setState(stateLost)
			return err
		}
		reply, err := e.conn.conn.RequestName(e.name, dbus.NameFlagDoNotQueue)
		if err != nil {
			e.setState(stateLost)
			return fmt.Errorf("request name %q: %w", e.name, err)
		}
		if reply != dbus.RequestNameReplyPrimaryOwner && reply != dbus.RequestNameReplyAlreadyOwner {
			e.setState(stateLost)
			return fmt.Errorf("request name %q: %w", e.name, ErrNameTaken)
		}
	}

	e.mu.Lock()
	if e.state == stateClosed {
		e.mu.Unlock()
		if e.name != "" {
			e.conn.conn.ReleaseName(e.name)
		}
		return fmt.Errorf("own %s: exporter closed", e.name)
	}
	e.ownsName = e.name != ""
	e.mu.Unlock()

	if err := e.export(); err != nil {
		e.Close()
		return err
	}
	e.setState(stateExported)
	slog.Debug("exported object", "name", e.name, "path", e.path, "interface", e.iface)
	return nil
}

// Export publishes the object on the connection without owning a name.
func (e *Exporter) Export() error {
	e.mu.Lock()
	if e.state != stateIdle {
		e.mu.Unlock()
		return fmt.Errorf("export %s: exporter already started", e.path)
	}
	e.state = stateRequesting
	e.mu.Unlock()

	if err := e.export(); err != nil {
		e.setState(stateLost)
		return err
	}
	e.setState(stateExported)
	return nil
}

func (e *Exporter) export() error {
	raw := e.conn.conn

	e.mu.Lock()
	table := make(map[string]any, len(e.methods))
	for name, m := range e.methods {
		table[name] = e.wrap(m)
	}
	node := e.introspectNode()
	e.mu.Unlock()

	if err := raw.ExportMethodTable(table, e.path, e.iface); err != nil {
		return fmt.Errorf("export %s: %w", e.iface, err)
	}
	props := map[string]any{
		"Get":    e.propGet,
		"GetAll": e.propGetAll,
		"Set":    e.propSet,
	}
	if err := raw.ExportMethodTable(props, e.path, propertiesInterface); err != nil {
		return fmt.Errorf("export properties: %w", err)
	}
	// Always export Introspectable; without it busctl introspect gives opaque errors.
	if err := raw.Export(introspect.NewIntrospectable(node), e.path, "org.freedesktop.DBus.Introspectable"); err != nil {
		return fmt.Errorf("export introspectable: %w", err)
	}
	return nil
}

// Exported reports whether the object is currently on the bus.
func (e *Exporter) Exported() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == stateExported
}

// EmitSignal emits member on the exported interface. It does not wait for
// delivery.
func (e *Exporter) EmitSignal(member string, args ...any) error {
	if !e.Exported() {
		return ErrNotExported
	}
	return e.conn.conn.Emit(e.path, e.iface+"."+member, args...)
}

// EmitPropertiesChanged emits org.freedesktop.DBus.Properties.PropertiesChanged
// with the current values of names. It calls the getters directly and must
// run on the loop.
func (e *Exporter) EmitPropertiesChanged(names ...string) error {
	if !e.Exported() {
		return ErrNotExported
	}
	changed := make(map[string]dbus.Variant, len(names))
	for _, name := range names {
		e.mu.Lock()
		p := e.properties[name]
		e.mu.Unlock()
		if p == nil {
			return fmt.Errorf("unknown property %q", name)
		}
		changed[name] = dbus.MakeVariantWithSignature(p.get(), p.sig)
	}
	return e.conn.conn.Emit(e.path, propertiesInterface+".PropertiesChanged", e.iface, changed, []string{})
}

// Close unexports the object and releases the name. Safe to call more than
// once.
func (e *Exporter) Close() {
	e.mu.Lock()
	if e.state == stateClosed {
		e.mu.Unlock()
		return
	}
	wasExported := e.state == stateExported || e.state == stateRequesting
	e.state = stateClosed
	owns := e.ownsName
	e.ownsName = false
	e.mu.Unlock()

	raw := e.conn.conn
	if wasExported {
		raw.Export(nil, e.path, e.iface)
		raw.Export(nil, e.path, propertiesInterface)
		raw.Export(nil, e.path, "org.freedesktop.DBus.Introspectable")
	}
	if owns {
		if _, err := raw.ReleaseName(e.name); err != nil && !errors.Is(err, dbus.ErrClosed) {
			slog.Debug("release name failed", "name", e.name, "error", err)
		}
	}
}

func (e *Exporter) setState(s exportState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != stateClosed {
		e.state = s
	}
}

func (e *Exporter) post(fn func()) {
	if !e.conn.loop.Post(fn) {
		slog.Debug("loop stopped, dropping callback", "name", e.name)
	}
}

// wrap builds the function godbus calls for m: the same parameters with a
// leading dbus.Sender and no *Invocation. The wrapper hands the call to a
// worker goroutine and returns whichever reply is produced first.
func (e *Exporter) wrap(m *method) any {
	in := append([]reflect.Type{senderType}, m.in...)
	ft := reflect.FuncOf(in, m.out, false)

	return reflect.MakeFunc(ft, func(args []reflect.Value) []reflect.Value {
		sender := args[0].String()
		params := args[1:]

		inv := newInvocation(e.conn, m.name, sender, params, m.out)
		go inv.run(m.fn, params)
		res := <-inv.reply

		result := "ok"
		var callErr error
		if errV := res[len(res)-1]; !errV.IsNil() {
			result = "error"
			callErr = errV.Interface().(*dbus.Error)
		}
		e.audit.LogMethod(context.Background(), m.name, map[string]any{
			"sender":     sender,
			"invocation": inv.ID,
		}, result, callErr)
		return res
	}).Interface()
}

func (e *Exporter) lookupProperty(iface, name string) (*property, *dbus.Error) {
	if iface != e.iface {
		return nil, NewError(ErrNameUnknownInterface, fmt.Sprintf("unknown interface %q", iface))
	}
	e.mu.Lock()
	p := e.properties[name]
	e.mu.Unlock()
	if p == nil {
		return nil, NewError(ErrNameUnknownProperty, fmt.Sprintf("unknown property %q", name))
	}
	return p, nil
}

func (e *Exporter) propGet(iface, name string) (dbus.Variant, *dbus.Error) {
	p, dErr := e.lookupProperty(iface, name)
	if dErr != nil {
		return dbus.Variant{}, dErr
	}
	ctx, cancel := context.WithTimeout(context.Background(), PropertyTimeout)
	defer cancel()
	v, err := loop.Get(ctx, e.conn.loop, p.get)
	if err != nil {
		return dbus.Variant{}, NewError(ErrNameTimeout, fmt.Sprintf("property %q: %v", name, err))
	}
	return dbus.MakeVariantWithSignature(v, p.sig), nil
}

func (e *Exporter) propGetAll(iface string) (map[string]dbus.Variant, *dbus.Error) {
	if iface != e.iface {
		return nil, NewError(ErrNameUnknownInterface, fmt.Sprintf("unknown interface %q", iface))
	}
	e.mu.Lock()
	props := make([]*property, 0, len(e.properties))
	for _, p := range e.properties {
		props = append(props, p)
	}
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), PropertyTimeout)
	defer cancel()
	values, err := loop.Get(ctx, e.conn.loop, func() []any {
		out := make([]any, len(props))
		for i, p := range props {
			out[i] = p.get()
		}
		return out
	})
	if err != nil {
		return nil, NewError(ErrNameTimeout, fmt.Sprintf("properties: %v", err))
	}

	all := make(map[string]dbus.Variant, len(props))
	for i, p := range props {
		all[p.name] = dbus.MakeVariantWithSignature(values[i], p.sig)
	}
	return all, nil
}

func (e *Exporter) propSet(iface, name string, _ dbus.Variant) *dbus.Error {
	if _, dErr := e.lookupProperty(iface, name); dErr != nil {
		return dErr
	}
	return NewError(ErrNamePropertyReadOnly, fmt.Sprintf("property %q is read-only", name))
}

// introspectNode is called with e.mu held.
func (e *Exporter) introspectNode() *introspect.Node {
	iface := introspect.Interface{Name: e.iface, Signals: e.signals}

	names := make([]string, 0, len(e.methods))
	for name := range e.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		m := e.methods[name]
		im := introspect.Method{Name: name}
		for i, t := range m.in {
			im.Args = append(im.Args, introspect.Arg{
				Name:      fmt.Sprintf("in_%d", i),
				Type:      dbus.SignatureOfType(t).String(),
				Direction: "in",
			})
		}
		for i, t := range m.out[:len(m.out)-1] {
			im.Args = append(im.Args, introspect.Arg{
				Name:      fmt.Sprintf("out_%d", i),
				Type:      dbus.SignatureOfType(t).String(),
				Direction: "out",
			})
		}
		iface.Methods = append(iface.Methods, im)
	}

	propNames := make([]string, 0, len(e.properties))
	for name := range e.properties {
		propNames = append(propNames, name)
	}
	sort.Strings(propNames)
	for _, name := range propNames {
		iface.Properties = append(iface.Properties, introspect.Property{
			Name:   name,
			Type:   e.properties[name].sig.String(),
			Access: "read",
		})
	}

	return &introspect.Node{
		Name: string(e.path),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			prop.IntrospectData,
			iface,
		},
	}
}
