package reactor

import "sync"

// Watcher invokes a callback on the reactor goroutine whenever a
// readable channel pulses. The callback runs to completion before the
// watcher re-arms, so a slow callback exerts backpressure instead of
// piling up dispatches.
type Watcher struct {
	r        *Reactor
	readable <-chan struct{}
	cb       func()

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewWatcher creates a watcher for readable. The watcher is created
// stopped; call Start to arm it.
func (r *Reactor) NewWatcher(readable <-chan struct{}, cb func()) *Watcher {
	return &Watcher{r: r, readable: readable, cb: cb}
}

// Start arms the watcher. Idempotent.
func (w *Watcher) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return
	}
	w.started = true
	w.stopCh = make(chan struct{})
	w.wg.Add(1)
	go w.watch(w.stopCh)
}

// Stop disarms the watcher and waits for its relay to exit. A
// callback already dispatched may still run. Idempotent.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return
	}
	w.started = false
	close(w.stopCh)
	w.mu.Unlock()
	w.wg.Wait()
}

func (w *Watcher) watch(stopCh chan struct{}) {
	defer w.wg.Done()
	for {
		select {
		case <-stopCh:
			return
		case <-w.r.Done():
			return
		case <-w.readable:
		}
		done := make(chan struct{})
		if err := w.r.Submit(func() {
			defer close(done)
			// A dispatch may still be queued when the watcher is
			// stopped; skip the callback rather than touch state
			// the owner is tearing down.
			select {
			case <-stopCh:
				return
			default:
			}
			w.cb()
		}); err != nil {
			return
		}
		select {
		case <-done:
		case <-stopCh:
			return
		case <-w.r.Done():
			return
		}
	}
}
