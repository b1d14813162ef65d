// Package handle implements the connection abstraction to the
// broker's message plane. A handle wraps one side of an in-process
// endpoint and layers on typed send/receive with match filters,
// asynchronous RPC with futures, event subscription, and per-topic
// request handlers with a serve loop.
//
// A handle is owned by a single goroutine: the module worker for
// module-side handles, the reactor for broker- or router-side
// handles attached with AttachReactor.
package handle

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/cuemby/burrow/pkg/attrs"
	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/endpoint"
	"github.com/cuemby/burrow/pkg/errnum"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/message"
	"github.com/cuemby/burrow/pkg/reactor"
)

// RequestHandler services one matched message
type RequestHandler func(h *Handle, msg *message.Message)

type service struct {
	match message.Match
	fn    RequestHandler
}

// Handle is a connection to the message plane
type Handle struct {
	side    *endpoint.Side
	uri     string
	logger  zerolog.Logger
	appname string
	rank    int
	conf    *config.Config
	attrs   *attrs.Cache

	nextTag  uint32
	pending  map[uint32]*Future
	backlog  []*message.Message
	services []service
	stopped  bool
}

// Open connects to the endpoint bound at uri in the registry
func Open(reg *endpoint.Registry, uri string) (*Handle, error) {
	side, err := reg.Connect(uri)
	if err != nil {
		return nil, fmt.Errorf("failed to open handle: %w", err)
	}
	h := NewFromSide(side)
	h.uri = uri
	return h, nil
}

// NewFromSide wraps an endpoint side directly
func NewFromSide(side *endpoint.Side) *Handle {
	return &Handle{
		side:    side,
		logger:  log.WithComponent("handle"),
		attrs:   attrs.New(),
		pending: make(map[uint32]*Future),
	}
}

// Close releases the handle's side of the endpoint
func (h *Handle) Close() {
	h.side.Close()
}

// SetAppname names the connection for logging
func (h *Handle) SetAppname(name string) {
	h.appname = name
	h.logger = log.WithAppname(name)
}

// Appname returns the connection's log name
func (h *Handle) Appname() string {
	return h.appname
}

// Logger returns the handle's logger
func (h *Handle) Logger() zerolog.Logger {
	return h.logger
}

// SetConf attaches a configuration snapshot
func (h *Handle) SetConf(conf *config.Config) {
	h.conf = conf
}

// Conf returns the attached configuration snapshot
func (h *Handle) Conf() *config.Config {
	return h.conf
}

// SetRank records the broker's node identifier
func (h *Handle) SetRank(rank int) {
	h.rank = rank
}

// Rank returns the broker's node identifier
func (h *Handle) Rank() int {
	return h.rank
}

// Attrs returns the handle-local attribute cache
func (h *Handle) Attrs() *attrs.Cache {
	return h.attrs
}

// Pending returns the number of inbound messages not yet consumed,
// counting both the endpoint queue and the replay backlog.
func (h *Handle) Pending() int {
	return h.side.Pending() + len(h.backlog)
}

// Send writes a copy of msg to the peer
func (h *Handle) Send(msg *message.Message) error {
	return h.side.Send(msg.Copy())
}

// Recv returns the next inbound message accepted by match, blocking
// until one arrives. Non-matching traffic is set aside and replayed
// to later receives in arrival order.
func (h *Handle) Recv(match message.Match) (*message.Message, error) {
	if msg := h.fromBacklog(match); msg != nil {
		return msg, nil
	}
	for {
		msg, err := h.side.Recv()
		if err != nil {
			return nil, err
		}
		if match.Accepts(msg) {
			return msg, nil
		}
		h.backlog = append(h.backlog, msg)
	}
}

// TryRecv is Recv without blocking; endpoint.ErrWouldBlock means no
// matching message is available.
func (h *Handle) TryRecv(match message.Match) (*message.Message, error) {
	if msg := h.fromBacklog(match); msg != nil {
		return msg, nil
	}
	for {
		msg, err := h.side.TryRecv()
		if err != nil {
			return nil, err
		}
		if match.Accepts(msg) {
			return msg, nil
		}
		h.backlog = append(h.backlog, msg)
	}
}

func (h *Handle) fromBacklog(match message.Match) *message.Message {
	for i, msg := range h.backlog {
		if match.Accepts(msg) {
			h.backlog = append(h.backlog[:i], h.backlog[i+1:]...)
			return msg
		}
	}
	return nil
}

func (h *Handle) allocMatchtag() uint32 {
	h.nextTag++
	if h.nextTag == message.MatchtagNone {
		h.nextTag++
	}
	return h.nextTag
}

// RPC sends a request and returns a future for its response. The
// future is fulfilled when a dispatch (Run, Dispatch, or an attached
// reactor) sees the matching response.
func (h *Handle) RPC(topic string, payload interface{}) (*Future, error) {
	msg, err := message.NewRequest(topic, payload)
	if err != nil {
		return nil, err
	}
	msg.Matchtag = h.allocMatchtag()
	f := NewFuture()
	h.pending[msg.Matchtag] = f
	if err := h.Send(msg); err != nil {
		delete(h.pending, msg.Matchtag)
		return nil, err
	}
	return f, nil
}

// RPCNoResponse sends a request for which no response is expected
func (h *Handle) RPCNoResponse(topic string, payload interface{}) error {
	msg, err := message.NewRequest(topic, payload)
	if err != nil {
		return err
	}
	return h.Send(msg)
}

// RPCSync sends a request and blocks until its response arrives.
// Non-matching traffic received while waiting is set aside for later
// receives.
func (h *Handle) RPCSync(topic string, payload interface{}) (*message.Message, error) {
	msg, err := message.NewRequest(topic, payload)
	if err != nil {
		return nil, err
	}
	msg.Matchtag = h.allocMatchtag()
	if err := h.Send(msg); err != nil {
		return nil, err
	}
	match := message.Match{TypeMask: message.TypeResponse, Matchtag: msg.Matchtag}
	resp, err := h.Recv(match)
	if err != nil {
		return nil, err
	}
	if resp.Errnum != 0 {
		return resp, errnum.ToError(resp.Errnum)
	}
	return resp, nil
}

// Respond replies to a request with the given error number and
// optional payload.
func (h *Handle) Respond(req *message.Message, num int, payload interface{}) error {
	resp, err := message.NewResponse(req, num, payload)
	if err != nil {
		return err
	}
	return h.Send(resp)
}

// RegisterService installs a request handler for topics matching
// glob. Handlers are consulted in registration order by the serve
// loop and Dispatch.
func (h *Handle) RegisterService(glob string, fn RequestHandler) {
	h.services = append(h.services, service{
		match: message.Match{TypeMask: message.TypeRequest, TopicGlob: glob},
		fn:    fn,
	})
}

// RegisterEventHandler installs a handler for events matching glob
func (h *Handle) RegisterEventHandler(glob string, fn RequestHandler) {
	h.services = append(h.services, service{
		match: message.Match{TypeMask: message.TypeEvent, TopicGlob: glob},
		fn:    fn,
	})
}

// EventSubscribe asks the broker to deliver events whose topic has
// the given prefix.
func (h *Handle) EventSubscribe(topic string) error {
	_, err := h.RPCSync("event.subscribe", map[string]string{"topic": topic})
	return err
}

// EventUnsubscribe removes one matching subscription
func (h *Handle) EventUnsubscribe(topic string) error {
	_, err := h.RPCSync("event.unsubscribe", map[string]string{"topic": topic})
	return err
}

// EventPublish sends an event for broker-wide fan-out
func (h *Handle) EventPublish(topic string, payload interface{}) error {
	msg, err := message.NewEvent(topic, payload)
	if err != nil {
		return err
	}
	return h.Send(msg)
}

// ServiceRegister asynchronously registers a service name with the
// upstream broker.
func (h *Handle) ServiceRegister(name string) *Future {
	f, err := h.RPC("service.add", map[string]string{"service": name})
	if err != nil {
		f = NewFuture()
		f.Fulfill(nil, err)
	}
	return f
}

// ServiceUnregister asynchronously removes an upstream service
// registration.
func (h *Handle) ServiceUnregister(name string) *Future {
	f, err := h.RPC("service.remove", map[string]string{"service": name})
	if err != nil {
		f = NewFuture()
		f.Fulfill(nil, err)
	}
	return f
}

// Dispatch drains inbound traffic without blocking, fulfilling RPC
// futures and invoking matching handlers. Unmatched requests are
// answered with a no-service error so callers never hang on a topic
// nobody serves.
func (h *Handle) Dispatch() {
	for len(h.backlog) > 0 {
		msg := h.backlog[0]
		h.backlog = h.backlog[1:]
		h.dispatchMsg(msg)
	}
	for {
		msg, err := h.side.TryRecv()
		if err != nil {
			return
		}
		h.dispatchMsg(msg)
	}
}

// Run serves inbound traffic until Stop is called from a handler or
// the endpoint closes. Most module entry points end with Run.
func (h *Handle) Run() error {
	h.stopped = false
	for !h.stopped {
		var msg *message.Message
		if len(h.backlog) > 0 {
			msg = h.backlog[0]
			h.backlog = h.backlog[1:]
		} else {
			var err error
			if msg, err = h.side.Recv(); err != nil {
				if h.stopped {
					return nil
				}
				return err
			}
		}
		h.dispatchMsg(msg)
	}
	return nil
}

// Stop ends a Run loop after the current message is handled
func (h *Handle) Stop() {
	h.stopped = true
}

func (h *Handle) dispatchMsg(msg *message.Message) {
	if msg.Type == message.TypeResponse {
		if f, ok := h.pending[msg.Matchtag]; ok {
			delete(h.pending, msg.Matchtag)
			f.Fulfill(msg, nil)
			return
		}
	}
	for _, svc := range h.services {
		if svc.match.Accepts(msg) {
			svc.fn(h, msg)
			return
		}
	}
	if msg.Type == message.TypeRequest {
		if err := h.Respond(msg, errnum.NoService, nil); err != nil {
			h.logger.Error().Err(err).Str("topic", msg.Topic).
				Msg("failed to respond to unhandled request")
		}
	}
}

// AttachReactor installs a readable watcher that dispatches this
// handle's traffic on the reactor. The caller starts and stops the
// returned watcher.
func (h *Handle) AttachReactor(r *reactor.Reactor) *reactor.Watcher {
	return r.NewWatcher(h.side.Readable(), h.Dispatch)
}
