package events

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/linkfrg/lst/internal/testutil"
)

func startServer(t *testing.T, snapshot SnapshotFunc) (*Hub, string) {
	t.Helper()
	l := testutil.StartLoop(t)
	hub := NewHub(l, snapshot)
	path := filepath.Join(t.TempDir(), "events.sock")
	srv, err := Listen(path, hub)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	srv.Start()
	t.Cleanup(func() {
		hub.CloseAll()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx) //nolint:errcheck
	})
	return hub, path
}

func dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	client := &http.Client{Transport: &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", path)
		},
	}}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws://lst/events", &websocket.DialOptions{HTTPClient: client})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return msg
}

func TestSnapshotThenEvents(t *testing.T) {
	hub, path := startServer(t, func() any {
		return map[string][]string{"windows": {"bar"}}
	})
	conn := dial(t, path)

	snap := read(t, conn)
	if snap.Type != "snapshot" {
		t.Fatalf("first message type = %q, want snapshot", snap.Type)
	}
	data, _ := snap.Data.(map[string]any)
	if windows, _ := data["windows"].([]any); len(windows) != 1 || windows[0] != "bar" {
		t.Errorf("snapshot data = %v", snap.Data)
	}

	testutil.Eventually(t, 5*time.Second, func() bool { return hub.Clients() == 1 }, "client not registered")
	hub.Publish(Message{Type: "window_opened", Source: "windows", Data: "bar"})

	msg := read(t, conn)
	if msg.Type != "window_opened" || msg.Source != "windows" || msg.Data != "bar" {
		t.Errorf("event = %+v", msg)
	}
}

func TestClientDisconnectUnregisters(t *testing.T) {
	hub, path := startServer(t, func() any { return nil })
	conn := dial(t, path)
	read(t, conn)
	testutil.Eventually(t, 5*time.Second, func() bool { return hub.Clients() == 1 }, "client not registered")

	conn.Close(websocket.StatusNormalClosure, "")
	testutil.Eventually(t, 5*time.Second, func() bool { return hub.Clients() == 0 }, "client still registered")

	// Publishing with no clients is a no-op.
	hub.Publish(Message{Type: "noop"})
}

func TestPublishNeverBlocks(t *testing.T) {
	hub, path := startServer(t, func() any { return nil })
	conn := dial(t, path)
	read(t, conn)
	testutil.Eventually(t, 5*time.Second, func() bool { return hub.Clients() == 1 }, "client not registered")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 4*sendBuffer; i++ {
			hub.Publish(Message{Type: "tick", Data: i})
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Publish blocked on a slow client")
	}
}

func TestDefaultSocketPath(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", "/run/user/1000")
	if got := DefaultSocketPath(); got != "/run/user/1000/lst/events.sock" {
		t.Errorf("DefaultSocketPath() = %q", got)
	}
}
