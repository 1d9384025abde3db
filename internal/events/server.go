package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// DefaultSocketPath returns $XDG_RUNTIME_DIR/lst/events.sock.
func DefaultSocketPath() string {
	dir := os.Getenv("XDG_RUNTIME_DIR")
	if dir == "" {
		dir = filepath.Join(os.TempDir(), fmt.Sprintf("lst-%d", os.Getuid()))
	}
	return filepath.Join(dir, "lst", "events.sock")
}

// Server serves the hub on a Unix socket. Only processes of the same user
// may connect.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
	path       string
}

// Listen creates the socket at path, replacing a stale one.
func Listen(path string, hub *Hub) (*Server, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}
	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(path, 0600); err != nil {
		listener.Close()
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/events", requireSameUser(hub))

	return &Server{
		httpServer: &http.Server{Handler: mux, ConnContext: connContext},
		listener:   listener,
		path:       path,
	}, nil
}

// Start begins serving. This is non-blocking.
func (s *Server) Start() {
	go func() {
		if err := s.httpServer.Serve(s.listener); err != nil && err != http.ErrServerClosed {
			slog.Error("event server error", "error", err)
		}
	}()
}

// Path returns the socket path.
func (s *Server) Path() string { return s.path }

// Shutdown stops the server and removes the socket.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	os.Remove(s.path)
	return err
}

type connContextKey struct{}

// connContext stores the net.Conn in the request context so handlers can
// read the peer credentials.
func connContext(ctx context.Context, c net.Conn) context.Context {
	return context.WithValue(ctx, connContextKey{}, c)
}

// peerCred returns the SO_PEERCRED credentials of the connection behind ctx.
func peerCred(ctx context.Context) (*unix.Ucred, error) {
	uc, ok := ctx.Value(connContextKey{}).(*net.UnixConn)
	if !ok {
		return nil, errors.New("not a unix socket connection")
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return nil, err
	}
	var cred *unix.Ucred
	var credErr error
	if err := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return nil, err
	}
	return cred, credErr
}

func requireSameUser(next http.Handler) http.Handler {
	uid := uint32(os.Getuid())
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cred, err := peerCred(r.Context())
		if err != nil {
			slog.Warn("rejecting event client without credentials", "error", err)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		if cred.Uid != uid {
			slog.Warn("rejecting event client of another user", "uid", cred.Uid, "pid", cred.Pid)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		slog.Debug("event client connected", "pid", cred.Pid)
		next.ServeHTTP(w, r)
	})
}
