package handle

import (
	"sync"

	"github.com/cuemby/burrow/pkg/errnum"
	"github.com/cuemby/burrow/pkg/message"
)

// Future is the result slot of an asynchronous RPC. It is fulfilled
// exactly once, either with the response message or with a transport
// error. Continuations registered with Then run on the goroutine that
// fulfills the future, which for broker-side handles is the reactor.
type Future struct {
	mu    sync.Mutex
	done  chan struct{}
	msg   *message.Message
	err   error
	conts []func(*Future)
	ready bool
}

// NewFuture creates an unfulfilled future
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Fulfill resolves the future and runs any registered continuations.
// A second fulfillment is ignored.
func (f *Future) Fulfill(msg *message.Message, err error) {
	f.mu.Lock()
	if f.ready {
		f.mu.Unlock()
		return
	}
	f.ready = true
	f.msg = msg
	f.err = err
	conts := f.conts
	f.conts = nil
	close(f.done)
	f.mu.Unlock()
	for _, cont := range conts {
		cont(f)
	}
}

// Then registers a continuation. If the future is already fulfilled
// the continuation runs immediately on the calling goroutine.
func (f *Future) Then(cont func(*Future)) {
	f.mu.Lock()
	if !f.ready {
		f.conts = append(f.conts, cont)
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()
	cont(f)
}

// IsReady reports whether the future has been fulfilled
func (f *Future) IsReady() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

// Done returns a channel closed on fulfillment
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until fulfillment, then behaves like Get
func (f *Future) Wait() (*message.Message, error) {
	<-f.done
	return f.Get()
}

// Get returns the response message, or an error if the transport
// failed or the response carries a nonzero error number.
func (f *Future) Get() (*message.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.ready {
		return nil, errnum.ErrInProgress
	}
	if f.err != nil {
		return nil, f.err
	}
	if f.msg != nil && f.msg.Errnum != 0 {
		return f.msg, errnum.ToError(f.msg.Errnum)
	}
	return f.msg, nil
}

// Errnum returns the wire error number of the result: 0 on success,
// the response errnum on a remote failure, or the mapped number of a
// transport error.
func (f *Future) Errnum() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.ready {
		return errnum.InProgress
	}
	if f.err != nil {
		return errnum.FromError(f.err)
	}
	if f.msg != nil {
		return f.msg.Errnum
	}
	return errnum.OK
}
