package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"syscall"
)

// Stream is a running capture of a PipeWire node.
type Stream interface {
	// Stop asks the stream to finish the file and exit.
	Stop() error
	// Done is closed when the stream ended; Err is valid afterwards.
	Done() <-chan struct{}
	Err() error
}

// Streamer turns a PipeWire node into a recording.
type Streamer interface {
	Start(ctx context.Context, nodeID uint32, opts Options) (Stream, error)
}

// GstStreamer runs gst-launch-1.0.
type GstStreamer struct {
	// Binary defaults to gst-launch-1.0 from PATH.
	Binary string
}

// Start launches the pipeline. The context only bounds process start-up.
func (g GstStreamer) Start(_ context.Context, nodeID uint32, opts Options) (Stream, error) {
	bin := g.Binary
	if bin == "" {
		bin = "gst-launch-1.0"
	}
	args := append([]string{"-e"}, pipeline(nodeID, opts, threads())...)
	cmd := exec.Command(bin, args...)
	cmd.Stdout = nil
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", bin, err)
	}
	slog.Debug("recording pipeline started", "pid", cmd.Process.Pid, "node_id", nodeID, "file", opts.File)

	s := &gstStream{cmd: cmd, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		s.mu.Lock()
		if err != nil && !s.stopping {
			s.err = fmt.Errorf("recording pipeline exited: %w", err)
		}
		s.mu.Unlock()
		close(s.done)
	}()
	return s, nil
}

type gstStream struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu       sync.Mutex
	stopping bool
	err      error
}

// Stop interrupts gst-launch; with -e it sends EOS so the mp4 is finalised.
func (s *gstStream) Stop() error {
	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()
	err := s.cmd.Process.Signal(syscall.SIGINT)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func (s *gstStream) Done() <-chan struct{} { return s.done }

func (s *gstStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func threads() int {
	return min(max(1, runtime.NumCPU()), 64)
}

// pipeline returns the gst-launch arguments: PipeWire video through x264
// into a fragmented mp4, with an optional opus audio branch. Each element
// property is one argument, so the file name needs no quoting.
func pipeline(nodeID uint32, opts Options, n int) []string {
	bitrate := opts.Bitrate
	if bitrate <= 0 {
		bitrate = DefaultBitrate
	}
	video := fmt.Sprintf(
		"pipewiresrc path=%d do-timestamp=true keepalive-time=1000 resend-last=true ! "+
			"videoconvert chroma-mode=none dither=none matrix-mode=output-only n-threads=%d ! "+
			"queue ! x264enc bitrate=%d threads=%d ! queue ! h264parse ! "+
			"mp4mux fragment-duration=500 fragment-mode=first-moov-then-finalise name=mux ! "+
			"filesink",
		nodeID, n, bitrate, n)
	args := append(strings.Fields(video), "location="+opts.File)
	if opts.Audio {
		args = append(args, strings.Fields("autoaudiosrc ! queue ! audioconvert ! audioresample ! opusenc ! mux.")...)
	}
	return args
}
