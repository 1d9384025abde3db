// Package cli is the control client used when another lst process already
// owns the control name.
package cli

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/linkfrg/lst/internal/app"
	"github.com/linkfrg/lst/internal/bus"
	"github.com/linkfrg/lst/internal/loop"
)

// DefaultTimeout bounds a single control call.
const DefaultTimeout = 30 * time.Second

// Client calls the control surface of a running instance.
type Client struct {
	conn    *bus.Conn
	proxy   *bus.Proxy
	timeout time.Duration
	stop    context.CancelFunc
}

// Dial connects to the bus at addr (empty for the session bus).
func Dial(addr string) (*Client, error) {
	l := loop.New()
	ctx, stop := context.WithCancel(context.Background())
	go l.Run(ctx) //nolint:errcheck

	conn, err := bus.Connect(addr, l)
	if err != nil {
		stop()
		return nil, err
	}
	return &Client{
		conn:    conn,
		proxy:   conn.NewProxy(app.BusName, app.ObjectPath, app.Interface),
		timeout: DefaultTimeout,
		stop:    stop,
	}, nil
}

// Close releases the connection.
func (c *Client) Close() error {
	c.proxy.Close()
	err := c.conn.Close()
	c.stop()
	return err
}

// Running reports whether an instance owns the control name.
func (c *Client) Running(ctx context.Context) (bool, error) {
	return c.conn.NameHasOwner(ctx, app.BusName)
}

// OpenWindow shows the named window.
func (c *Client) OpenWindow(ctx context.Context, name string) error {
	return c.call(ctx, "OpenWindow", nil, name)
}

// CloseWindow hides the named window.
func (c *Client) CloseWindow(ctx context.Context, name string) error {
	return c.call(ctx, "CloseWindow", nil, name)
}

// ToggleWindow flips the named window and returns its new visibility.
func (c *Client) ToggleWindow(ctx context.Context, name string) (bool, error) {
	var visible bool
	err := c.call(ctx, "ToggleWindow", []any{&visible}, name)
	return visible, err
}

// ListWindows returns the known window names.
func (c *Client) ListWindows(ctx context.Context) ([]string, error) {
	var names []string
	err := c.call(ctx, "ListWindows", []any{&names})
	return names, err
}

// RunPython evaluates code in the running instance.
func (c *Client) RunPython(ctx context.Context, code string) error {
	return c.call(ctx, "RunPython", nil, code)
}

// RunFile evaluates the file at path. Relative paths are resolved here,
// since the instance has its own working directory.
func (c *Client) RunFile(ctx context.Context, path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	return c.call(ctx, "RunFile", nil, abs)
}

// Reload restarts the running instance.
func (c *Client) Reload(ctx context.Context) error {
	return c.call(ctx, "Reload", nil)
}

// Quit stops the running instance.
func (c *Client) Quit(ctx context.Context) error {
	return c.call(ctx, "Quit", nil)
}

// Inspector toggles debug logging in the running instance.
func (c *Client) Inspector(ctx context.Context) error {
	return c.call(ctx, "Inspector", nil)
}

// State returns the controller state of the running instance.
func (c *Client) State(ctx context.Context) string {
	v, ok := c.proxy.GetProperty(ctx, "State")
	if !ok {
		return ""
	}
	s, _ := v.Value().(string)
	return s
}

func (c *Client) call(ctx context.Context, method string, out []any, args ...any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	reply, err := c.proxy.Call(ctx, method, args...)
	if err != nil {
		return err
	}
	if len(out) == 0 {
		return nil
	}
	if err := reply.Store(out...); err != nil {
		return fmt.Errorf("%s: decode reply: %w", method, err)
	}
	return nil
}
