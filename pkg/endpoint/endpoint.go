// Package endpoint implements the point-to-point in-process message
// channel connecting the broker side of a module connection to the
// module side. Each side carries an unbounded FIFO of inbound
// messages and a readable signal the reactor can watch. Sides are not
// thread-shared: the broker side is touched only from the reactor
// goroutine, the module side only from the module worker.
package endpoint

import (
	"errors"
	"sync"

	"github.com/cuemby/burrow/pkg/message"
)

var (
	// ErrClosed is returned when sending to a side whose peer has
	// been torn down, or when receiving from a closed side whose
	// queue is drained.
	ErrClosed = errors.New("endpoint closed")

	// ErrWouldBlock is returned by TryRecv when no message is queued
	ErrWouldBlock = errors.New("operation would block")
)

// Endpoint is a bidirectional channel with a broker side and a module
// side. The broker side is bound first; the module side attaches by
// URI through a Registry.
type Endpoint struct {
	uri    string
	broker *Side
	module *Side
}

// Side is one end of an endpoint. Send enqueues onto the peer;
// Recv/TryRecv dequeue locally.
type Side struct {
	mu       sync.Mutex
	peer     *Side
	queue    []*message.Message
	readable chan struct{}
	closed   bool
}

func newSide() *Side {
	return &Side{readable: make(chan struct{}, 1)}
}

// New creates an endpoint with both sides wired together
func New(uri string) *Endpoint {
	ep := &Endpoint{
		uri:    uri,
		broker: newSide(),
		module: newSide(),
	}
	ep.broker.peer = ep.module
	ep.module.peer = ep.broker
	return ep
}

// URI returns the bind name of the endpoint
func (ep *Endpoint) URI() string {
	return ep.uri
}

// BrokerSide returns the side owned by the broker reactor
func (ep *Endpoint) BrokerSide() *Side {
	return ep.broker
}

// ModuleSide returns the side owned by the module worker
func (ep *Endpoint) ModuleSide() *Side {
	return ep.module
}

// Close tears down both sides
func (ep *Endpoint) Close() {
	ep.broker.Close()
	ep.module.Close()
}

// Send enqueues msg on the peer side. Message order is FIFO per
// direction. Fails with ErrClosed once the peer is torn down, so a
// message can never be delivered into a closed side.
func (s *Side) Send(msg *message.Message) error {
	p := s.peer
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.queue = append(p.queue, msg)
	p.signal()
	return nil
}

// TryRecv dequeues the next inbound message without blocking.
// Returns ErrWouldBlock if the queue is empty, ErrClosed if the side
// is closed and drained.
func (s *Side) TryRecv() (*message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		if s.closed {
			return nil, ErrClosed
		}
		return nil, ErrWouldBlock
	}
	msg := s.queue[0]
	s.queue = s.queue[1:]
	if len(s.queue) > 0 {
		s.signal()
	}
	return msg, nil
}

// Recv dequeues the next inbound message, blocking until one arrives
// or the side is closed.
func (s *Side) Recv() (*message.Message, error) {
	for {
		msg, err := s.TryRecv()
		if err == nil {
			return msg, nil
		}
		if errors.Is(err, ErrClosed) {
			return nil, err
		}
		<-s.readable
	}
}

// Readable returns the channel the reactor watches for inbound
// traffic. A receive on it means at least one message may be queued;
// the watcher callback drains via TryRecv.
func (s *Side) Readable() <-chan struct{} {
	return s.readable
}

// Pending returns the number of queued inbound messages
func (s *Side) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Close marks the side closed and wakes any blocked receiver.
// Queued messages remain readable until drained.
func (s *Side) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.signal()
}

// signal pulses the readable channel; callers hold s.mu
func (s *Side) signal() {
	select {
	case s.readable <- struct{}{}:
	default:
	}
}
