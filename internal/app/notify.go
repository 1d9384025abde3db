package app

import (
	"log/slog"
	"net"
	"os"
)

// sdNotify tells the service manager about the controller. lst.service is
// Type=notify, so systemd treats the shell as started only after READY=1,
// which is sent once the control name is owned. Without NOTIFY_SOCKET this
// is a no-op; errors are logged.
func sdNotify(state string) {
	socket := os.Getenv("NOTIFY_SOCKET")
	if socket == "" {
		return
	}
	conn, err := net.Dial("unixgram", socket)
	if err != nil {
		slog.Warn("sd-notify dial failed", "socket", socket, "state", state, "error", err)
		return
	}
	defer conn.Close()
	if _, err := conn.Write([]byte(state)); err != nil {
		slog.Warn("sd-notify write failed", "socket", socket, "state", state, "error", err)
	}
}
