package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/linkfrg/lst/internal/bus"
	"github.com/linkfrg/lst/internal/loop"
)

const stepTimeout = 30 * time.Second

// Recorder negotiates a screen-cast session with the portal and hands the
// resulting PipeWire stream to a Streamer. All methods must be called on
// the loop.
type Recorder struct {
	conn      *bus.Conn
	loop      *loop.Loop
	portal    *bus.Proxy
	requester *bus.Requester
	streamer  Streamer
	videosDir string

	// loop-only
	state       State
	negotiating bool   // CreateSession issued, no answer yet; state is still idle or failed
	run         uint64 // incremented per Start; stale callbacks compare against it
	opts        Options
	session     dbus.ObjectPath
	stream      Stream
	lastErr     error
	observers   loop.Observers[Observer]
	sessions    uint64
}

// New creates a recorder using conn for the portal. A nil streamer uses
// GstStreamer.
func New(conn *bus.Conn, streamer Streamer) *Recorder {
	if streamer == nil {
		streamer = GstStreamer{}
	}
	portal := conn.NewProxy(PortalBusName, PortalPath, ScreenCastIface)
	return &Recorder{
		conn:      conn,
		loop:      conn.Loop(),
		portal:    portal,
		requester: bus.NewRequester(portal),
		streamer:  streamer,
	}
}

// SetVideosDir overrides the directory for default file names.
func (r *Recorder) SetVideosDir(dir string) { r.videosDir = dir }

// State returns the current state.
func (r *Recorder) State() State { return r.state }

// Recording reports whether a stream is being written.
func (r *Recorder) Recording() bool { return r.state == StateStreaming }

// File returns the output file of the current or last recording.
func (r *Recorder) File() string { return r.opts.File }

// LastError returns why the last negotiation failed.
func (r *Recorder) LastError() error { return r.lastErr }

// Subscribe registers o for events. The returned function removes it.
func (r *Recorder) Subscribe(o Observer) (unsubscribe func()) { return r.observers.Add(o) }

// Start begins negotiating a recording. It returns once the first portal
// request is issued; progress is reported through events. Start is only
// accepted from idle or failed.
func (r *Recorder) Start(opts Options) error {
	if r.negotiating || (r.state != StateIdle && r.state != StateFailed) {
		return ErrBusy
	}
	if opts.Bitrate <= 0 {
		opts.Bitrate = DefaultBitrate
	}
	if opts.File == "" {
		opts.File = r.defaultFile()
	}

	r.run++
	r.negotiating = true
	r.opts = opts
	r.session = ""
	r.lastErr = nil
	r.sessions++
	sessionToken := fmt.Sprintf("lst%d", r.sessions)

	r.step(r.run, "CreateSession", nil, map[string]dbus.Variant{
		"session_handle_token": dbus.MakeVariant(sessionToken),
	}, r.onSessionCreated)
	return nil
}

// Stop ends the recording or aborts a negotiation in progress.
func (r *Recorder) Stop() {
	if r.negotiating {
		// A session handle that still arrives is closed by step.
		r.run++
		r.negotiating = false
		r.notify(Event{Type: EventStopped, State: r.state, File: r.opts.File})
		return
	}
	switch r.state {
	case StateIdle, StateFailed:
		return
	case StateStreaming:
		stream := r.stream
		r.stream = nil
		go func() {
			if err := stream.Stop(); err != nil {
				slog.Warn("stop recording pipeline", "error", err)
			}
		}()
		r.closeSession()
		r.setState(StateIdle)
		r.notify(Event{Type: EventStopped, State: r.state, File: r.opts.File})
	default:
		r.run++
		r.closeSession()
		r.setState(StateIdle)
		r.notify(Event{Type: EventStopped, State: r.state, File: r.opts.File})
	}
}

// step issues one portal request on a worker goroutine. next runs on the
// loop with the response unless the run was superseded.
func (r *Recorder) step(run uint64, method string, args []any, options map[string]dbus.Variant, next func(bus.Response)) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), stepTimeout)
		defer cancel()
		_, err := r.requester.Request(ctx, method, args, options, func(resp bus.Response) {
			if run != r.run {
				if handle := sessionHandle(resp); resp.OK() && handle != "" {
					r.closeHandle(handle)
				}
				return
			}
			if !resp.OK() {
				r.fail(fmt.Errorf("%s: portal response %d", method, resp.Code))
				return
			}
			next(resp)
		})
		if err != nil {
			r.loop.Post(func() {
				if run == r.run {
					r.fail(err)
				}
			})
		}
	}()
}

// sessionHandle returns the session_handle result of a CreateSession
// response, or "" for any other response.
func sessionHandle(resp bus.Response) dbus.ObjectPath {
	v, ok := resp.Results["session_handle"]
	if !ok {
		return ""
	}
	switch h := v.Value().(type) {
	case string:
		return dbus.ObjectPath(h)
	case dbus.ObjectPath:
		return h
	}
	return ""
}

func (r *Recorder) onSessionCreated(resp bus.Response) {
	r.negotiating = false
	handle := sessionHandle(resp)
	if handle == "" {
		r.fail(errors.New("CreateSession: no session handle"))
		return
	}
	r.session = handle
	r.setState(StateSessionCreated)

	r.step(r.run, "SelectSources", []any{r.session}, map[string]dbus.Variant{
		"multiple": dbus.MakeVariant(false),
		"types":    dbus.MakeVariant(sourceMonitor | sourceWindow),
	}, r.onSourcesSelected)
}

func (r *Recorder) onSourcesSelected(bus.Response) {
	r.setState(StateSourcesSelected)
	r.step(r.run, "Start", []any{r.session, ""}, map[string]dbus.Variant{}, r.onStarted)
}

func (r *Recorder) onStarted(resp bus.Response) {
	var streams []portalStream
	if v, ok := resp.Results["streams"]; ok {
		if err := v.Store(&streams); err != nil {
			r.fail(fmt.Errorf("Start: decode streams: %w", err))
			return
		}
	}
	if len(streams) == 0 {
		r.fail(errors.New("Start: portal returned no streams"))
		return
	}
	r.setState(StateStarted)

	run, opts, node := r.run, r.opts, streams[0].NodeID
	go func() {
		stream, err := r.streamer.Start(context.Background(), node, opts)
		ok := r.loop.Post(func() {
			if run != r.run {
				if stream != nil {
					stream.Stop()
				}
				return
			}
			if err != nil {
				r.fail(err)
				return
			}
			r.stream = stream
			r.setState(StateStreaming)
			r.notify(Event{Type: EventStarted, State: r.state, File: opts.File})
			go r.watchStream(run, stream)
		})
		if !ok && stream != nil {
			stream.Stop()
		}
	}()
}

func (r *Recorder) watchStream(run uint64, stream Stream) {
	<-stream.Done()
	r.loop.Post(func() {
		if run != r.run || r.stream != stream {
			return
		}
		r.stream = nil
		r.closeSession()
		if err := stream.Err(); err != nil {
			r.lastErr = err
			slog.Warn("recording ended with error", "error", err)
		}
		r.setState(StateIdle)
		r.notify(Event{Type: EventStopped, State: r.state, File: r.opts.File})
	})
}

func (r *Recorder) fail(err error) {
	slog.Warn("screen recording failed", "state", r.state, "error", err)
	r.run++
	r.negotiating = false
	r.lastErr = err
	r.closeSession()
	r.setState(StateFailed)
	r.notify(Event{Type: EventFailed, State: r.state, File: r.opts.File, Err: err})
}

// closeSession closes the portal session, if any, in the background.
func (r *Recorder) closeSession() {
	if r.session == "" {
		return
	}
	r.closeHandle(r.session)
	r.session = ""
}

func (r *Recorder) closeHandle(handle dbus.ObjectPath) {
	session := r.conn.NewProxy(PortalBusName, handle, SessionInterface)
	go func() {
		defer session.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := session.Call(ctx, "Close"); err != nil {
			slog.Debug("close portal session", "error", err)
		}
	}()
}

func (r *Recorder) setState(s State) {
	if r.state == s {
		return
	}
	r.state = s
	r.notify(Event{Type: EventStateChanged, State: s})
}

func (r *Recorder) notify(e Event) {
	r.observers.Each(func(o Observer) { o.OnEvent(e) })
}

func (r *Recorder) defaultFile() string {
	dir := r.videosDir
	if dir == "" {
		dir = VideosDir()
	}
	return filepath.Join(dir, time.Now().Format("2006-01-02_15-04-05")+".mp4")
}

// VideosDir returns $XDG_VIDEOS_DIR, falling back to ~/Videos.
func VideosDir() string {
	if dir := os.Getenv("XDG_VIDEOS_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, "Videos")
}
