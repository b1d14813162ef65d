// Package reactor provides the broker's single-threaded cooperative
// event loop. Watcher callbacks and submitted functions all execute
// on the goroutine running Run, so reactor-owned state needs no
// locking.
package reactor

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrStopped is returned by Submit after the reactor has shut down
var ErrStopped = errors.New("reactor stopped")

// Reactor dispatches submitted functions and watcher callbacks on a
// single goroutine.
type Reactor struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	stopped chan struct{}
	stop    sync.Once
	now     atomic.Int64 // nanoseconds, updated per dispatch
}

// New creates a reactor. Run must be called to dispatch work.
func New() *Reactor {
	r := &Reactor{
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
	r.now.Store(time.Now().UnixNano())
	return r
}

// Now returns the reactor's notion of the current time, refreshed
// before each dispatched callback.
func (r *Reactor) Now() time.Time {
	return time.Unix(0, r.now.Load())
}

// Submit queues f for execution on the reactor goroutine. Safe to
// call from any goroutine, including from inside a callback.
func (r *Reactor) Submit(f func()) error {
	select {
	case <-r.stopped:
		return ErrStopped
	default:
	}
	r.mu.Lock()
	r.queue = append(r.queue, f)
	r.mu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
	return nil
}

// Run dispatches until Stop is called. It drains the pending queue
// before returning.
func (r *Reactor) Run() {
	for {
		r.drain()
		select {
		case <-r.wake:
		case <-r.stopped:
			r.drain()
			return
		}
	}
}

// Stop ends the dispatch loop. Idempotent.
func (r *Reactor) Stop() {
	r.stop.Do(func() { close(r.stopped) })
}

// Done reports reactor shutdown to watcher goroutines
func (r *Reactor) Done() <-chan struct{} {
	return r.stopped
}

func (r *Reactor) drain() {
	for {
		r.mu.Lock()
		if len(r.queue) == 0 {
			r.mu.Unlock()
			return
		}
		f := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()
		r.now.Store(time.Now().UnixNano())
		f()
	}
}
