// Package events streams shell state to external renderers over a
// WebSocket on a Unix socket.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/linkfrg/lst/internal/loop"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Send pings to peer with this period.
	pingPeriod = 30 * time.Second

	// Renderers send nothing but control frames.
	maxMessageSize = 512

	sendBuffer = 256
)

// Message is one JSON message on the stream. Source names the service
// ("windows", "notifications", "tray", "mpris", "recorder", "shell").
type Message struct {
	Type   string `json:"type"`
	Source string `json:"source,omitempty"`
	Data   any    `json:"data,omitempty"`
}

// SnapshotFunc returns the full state sent to a renderer when it connects.
// It runs on the loop.
type SnapshotFunc func() any

// Hub fans messages out to connected renderers.
type Hub struct {
	loop     *loop.Loop
	snapshot SnapshotFunc

	connsMu sync.RWMutex
	conns   map[*wsConnection]struct{}
}

// NewHub creates a hub taking snapshots on l.
func NewHub(l *loop.Loop, snapshot SnapshotFunc) *Hub {
	return &Hub{
		loop:     l,
		snapshot: snapshot,
		conns:    make(map[*wsConnection]struct{}),
	}
}

// wsConnection represents a single renderer connection.
type wsConnection struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

// Publish sends msg to every renderer. It never blocks: a renderer whose
// buffer is full misses the message.
func (h *Hub) Publish(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("failed to marshal event", "type", msg.Type, "error", err)
		return
	}

	h.connsMu.RLock()
	defer h.connsMu.RUnlock()
	for wsc := range h.conns {
		select {
		case wsc.send <- data:
		default:
			slog.Warn("event buffer full, dropping message", "type", msg.Type)
		}
	}
}

// Clients returns the number of connected renderers.
func (h *Hub) Clients() int {
	h.connsMu.RLock()
	defer h.connsMu.RUnlock()
	return len(h.conns)
}

// ServeHTTP upgrades the request and streams events until the renderer
// goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Only local processes reach the socket; browsers never do.
		InsecureSkipVerify: true,
	})
	if err != nil {
		slog.Error("WebSocket accept failed", "error", err)
		return
	}
	conn.SetReadLimit(maxMessageSize)

	// The connection outlives the HTTP request.
	ctx, cancel := context.WithCancel(context.Background())
	wsc := &wsConnection{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		ctx:    ctx,
		cancel: cancel,
	}

	// Register before the snapshot so nothing published after it is lost.
	h.connsMu.Lock()
	h.conns[wsc] = struct{}{}
	h.connsMu.Unlock()

	if err := wsc.sendSnapshot(); err != nil {
		slog.Error("failed to send snapshot", "error", err)
		wsc.close()
		return
	}

	go wsc.writePump()
	go wsc.readPump()
}

// CloseAll disconnects every renderer.
func (h *Hub) CloseAll() {
	h.connsMu.RLock()
	conns := make([]*wsConnection, 0, len(h.conns))
	for wsc := range h.conns {
		conns = append(conns, wsc)
	}
	h.connsMu.RUnlock()
	for _, wsc := range conns {
		wsc.close()
	}
}

// sendSnapshot writes the snapshot directly, ahead of queued messages.
func (wsc *wsConnection) sendSnapshot() error {
	ctx, cancel := context.WithTimeout(wsc.ctx, writeWait)
	defer cancel()

	state, err := loop.Get(ctx, wsc.hub.loop, wsc.hub.snapshot)
	if err != nil {
		return err
	}
	data, err := json.Marshal(Message{Type: "snapshot", Data: state})
	if err != nil {
		return err
	}
	return wsc.conn.Write(ctx, websocket.MessageText, data)
}

// writePump pumps messages from the send channel to the WebSocket connection.
func (wsc *wsConnection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		wsc.close()
	}()

	for {
		select {
		case <-wsc.ctx.Done():
			return

		case message := <-wsc.send:
			ctx, cancel := context.WithTimeout(wsc.ctx, writeWait)
			err := wsc.conn.Write(ctx, websocket.MessageText, message)
			cancel()
			if err != nil {
				slog.Debug("WebSocket write failed", "error", err)
				return
			}

		case <-ticker.C:
			ctx, cancel := context.WithTimeout(wsc.ctx, writeWait)
			err := wsc.conn.Ping(ctx)
			cancel()
			if err != nil {
				slog.Debug("WebSocket ping failed", "error", err)
				return
			}
		}
	}
}

// readPump only detects the renderer closing the connection.
func (wsc *wsConnection) readPump() {
	defer wsc.close()
	for {
		if _, _, err := wsc.conn.Read(wsc.ctx); err != nil {
			return
		}
	}
}

func (wsc *wsConnection) close() {
	wsc.once.Do(func() {
		wsc.cancel()

		wsc.hub.connsMu.Lock()
		delete(wsc.hub.conns, wsc)
		wsc.hub.connsMu.Unlock()

		wsc.conn.Close(websocket.StatusNormalClosure, "")
	})
}
