// Package loop provides the single-threaded cooperative loop that owns all
// shell state. Bus callbacks, timers and property getters are posted here and
// run one at a time in FIFO order.
package loop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
)

// ErrStopped is returned when a callback is posted to a loop that has stopped.
var ErrStopped = errors.New("loop stopped")

// Loop is an unbounded FIFO of callbacks drained by a single goroutine.
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	stopped bool

	notify   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// New creates a loop. Callbacks posted before Run are queued.
func New() *Loop {
	return &Loop{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Post enqueues fn. It never blocks and may be called from the loop itself.
// Returns false if the loop has stopped and fn was discarded.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.notify <- struct{}{}:
	default:
	}
	return true
}

// Call posts fn and waits for it to finish. It must not be called from the
// loop goroutine.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrStopped
	}
	select {
	case <-finished:
		return nil
	case <-l.done:
		// The callback may still have run right before the loop stopped.
		select {
		case <-finished:
			return nil
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Get runs fn on the loop and returns its result.
func Get[T any](ctx context.Context, l *Loop, fn func() T) (T, error) {
	var v T
	err := l.Call(ctx, func() { v = fn() })
	return v, err
}

// Run drains the queue until ctx is cancelled or Stop is called. Callbacks
// still queued at that point are dropped.
func (l *Loop) Run(ctx context.Context) error {
	for {
		batch := l.take()
		for _, fn := range batch {
			l.invoke(fn)
			if l.isStopped() {
				return nil
			}
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			l.Stop()
			return ctx.Err()
		case <-l.done:
			return nil
		case <-l.notify:
		}
	}
}

// Stop ends Run after the current callback. Safe to call more than once.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		l.mu.Lock()
		l.stopped = true
		l.queue = nil
		l.mu.Unlock()
		close(l.done)
	})
}

// Done is closed once the loop stops.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

func (l *Loop) take() []func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	batch := l.queue
	l.queue = nil
	return batch
}

func (l *Loop) isStopped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopped
}

func (l *Loop) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("loop callback panicked",
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()))
		}
	}()
	fn()
}
