// Package testutil provides private buses and fake bus services for tests.
package testutil

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/linkfrg/lst/internal/loop"
)

// StartBus starts a private session dbus-daemon and returns its address.
// Uses filesystem sockets (not abstract) to avoid cross-test collisions.
// The test is skipped when dbus-daemon is not installed.
func StartBus(t *testing.T) string {
	t.Helper()

	if _, err := exec.LookPath("dbus-daemon"); err != nil {
		t.Skip("dbus-daemon not available")
	}

	sockPath := filepath.Join(t.TempDir(), "bus.sock")
	addr := "unix:path=" + sockPath

	cmd := exec.Command("dbus-daemon", "--session", "--nofork", "--address="+addr)
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		t.Fatalf("start dbus-daemon: %v", err)
	}
	t.Cleanup(func() {
		cmd.Process.Kill() //nolint:errcheck
		cmd.Wait()         //nolint:errcheck
	})

	// Wait for socket file to appear (50 * 100ms = 5s max).
	for range 50 {
		if _, err := os.Stat(sockPath); err == nil {
			return addr
		}
		time.Sleep(100 * time.Millisecond)
	}

	t.Fatal("dbus-daemon socket not created in time")
	return ""
}

// Dial opens a raw connection to addr that is closed when the test ends.
func Dial(t *testing.T, addr string) *dbus.Conn {
	t.Helper()
	conn, err := dbus.Connect(addr)
	if err != nil {
		t.Fatalf("connect to test bus: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// StartLoop runs a loop until the test ends.
func StartLoop(t *testing.T) *loop.Loop {
	t.Helper()
	l := loop.New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		l.Run(ctx) //nolint:errcheck
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return l
}

// WaitForName polls until name has an owner on the bus at addr.
func WaitForName(t *testing.T, addr, name string) {
	t.Helper()
	if !pollName(addr, name, true) {
		t.Fatalf("bus name %q not registered in time", name)
	}
}

// WaitForNameGone polls until name has no owner on the bus at addr.
func WaitForNameGone(t *testing.T, addr, name string) {
	t.Helper()
	if !pollName(addr, name, false) {
		t.Fatalf("bus name %q still owned", name)
	}
}

func pollName(addr, name string, want bool) bool {
	conn, err := dbus.Connect(addr)
	if err != nil {
		return false
	}
	defer conn.Close()

	for range 50 {
		var has bool
		err := conn.BusObject().Call("org.freedesktop.DBus.NameHasOwner", 0, name).Store(&has)
		if err == nil && has == want {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return false
}

// Eventually polls cond until it returns true or the timeout expires.
func Eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out: %s", msg)
}
