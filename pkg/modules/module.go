package modules

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/burrow/pkg/attrs"
	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/endpoint"
	"github.com/cuemby/burrow/pkg/errnum"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/message"
	"github.com/cuemby/burrow/pkg/reactor"
)

// PollerFunc is called on the reactor when a module's broker-side
// endpoint becomes readable.
type PollerFunc func(m *Module)

// StatusFunc is called on every lifecycle transition with the
// previous status.
type StatusFunc func(m *Module, prev Status)

// Module is the broker-side record of one loaded module: the plugin
// image, the broker side of the endpoint, the worker, credential
// defaults, subscriptions, and the pending insmod/rmmod requests.
type Module struct {
	uuid       string
	parentUUID string
	name       string
	path       string
	args       []string

	image *Image
	main  MainFunc

	registry *endpoint.Registry
	ep       *endpoint.Endpoint
	sock     *endpoint.Side // broker end
	watcher  *reactor.Watcher
	reactor  *reactor.Reactor

	rank  int
	attrs *attrs.Cache
	conf  *config.Config
	cred  message.Credentials

	logger   zerolog.Logger
	lastseen time.Time
	status   Status
	errnum   int
	muted    bool

	subs   []string
	rmmod  []*message.Message
	insmod *message.Message

	disconnect *Disconnect

	pollerCb PollerFunc
	statusCb StatusFunc

	wg      sync.WaitGroup
	started bool
}

// CreateOptions carries the broker context a module record needs
type CreateOptions struct {
	ParentUUID string
	Name       string // optional; derived from Path when empty
	Path       string
	Rank       int
	Attrs      *attrs.Cache
	Conf       *config.Config
	Args       []string
	Registry   *endpoint.Registry
	Reactor    *reactor.Reactor
}

// Create loads the plugin image, resolves its entry point, binds the
// broker side of the endpoint under a fresh UUID, and installs a
// reactor watcher (created stopped). On any failure every partially
// acquired resource is released.
func Create(opts CreateOptions) (*Module, error) {
	if opts.Path == "" || opts.ParentUUID == "" || opts.Registry == nil || opts.Reactor == nil {
		return nil, errnum.ErrInvalid
	}
	image, err := LoadImage(opts.Path)
	if err != nil {
		return nil, err
	}
	name := opts.Name
	if name == "" {
		name = NameFromPath(opts.Path)
	}
	// Legacy ModName symbol, if present, must agree with the
	// resolved canonical name.
	if image.legacyName != "" && image.legacyName != name {
		image.Close()
		return nil, fmt.Errorf("mod name %s != name %s: %w",
			image.legacyName, name, errnum.ErrInvalid)
	}

	m := &Module{
		uuid:       uuid.New().String(),
		parentUUID: opts.ParentUUID,
		name:       name,
		path:       opts.Path,
		args:       append([]string(nil), opts.Args...),
		image:      image,
		main:       image.main,
		registry:   opts.Registry,
		reactor:    opts.Reactor,
		rank:       opts.Rank,
		attrs:      opts.Attrs,
		conf:       opts.Conf,
		status:     StatusInit,
	}
	m.logger = log.WithComponent("module").With().Str("name", name).Logger()

	// Broker end of the endpoint is bound here; the worker connects
	// to the same URI at thread startup.
	ep, err := m.registry.Bind(endpoint.URI(m.uuid))
	if err != nil {
		image.Close()
		return nil, fmt.Errorf("failed to bind endpoint for %s: %w", name, err)
	}
	m.ep = ep
	m.sock = ep.BrokerSide()
	m.watcher = m.reactor.NewWatcher(m.sock.Readable(), m.pollReadable)

	// Point to point connection between broker threads: credentials
	// are always those of the instance owner.
	m.cred = message.Credentials{
		UserID:   os.Getuid(),
		RoleMask: message.RoleOwner | message.RoleLocal,
	}
	return m, nil
}

func (m *Module) pollReadable() {
	m.lastseen = m.reactor.Now()
	if m.pollerCb != nil {
		m.pollerCb(m)
	}
}

// UUID returns the record's routing identity
func (m *Module) UUID() string { return m.uuid }

// Name returns the canonical module name
func (m *Module) Name() string { return m.name }

// Path returns the plugin path the module was loaded from
func (m *Module) Path() string { return m.path }

// Lastseen returns the time of the last readable event
func (m *Module) Lastseen() time.Time { return m.lastseen }

// Status returns the lifecycle status
func (m *Module) Status() Status { return m.status }

// Errnum returns the saved terminal error number
func (m *Module) Errnum() int { return m.errnum }

// SetErrnum saves the terminal error number reported at EXITED
func (m *Module) SetErrnum(num int) { m.errnum = num }

// SetPollerCb registers the readable callback
func (m *Module) SetPollerCb(cb PollerFunc) { m.pollerCb = cb }

// SetStatusCb registers the status transition callback
func (m *Module) SetStatusCb(cb StatusFunc) { m.statusCb = cb }

// SetStatus transitions the lifecycle state and fires the status
// callback with the previous status. Transitions into INIT or out of
// EXITED are forbidden.
func (m *Module) SetStatus(status Status) {
	if status == StatusInit {
		panic("module: illegal transition to init")
	}
	if m.status == StatusExited {
		panic("module: illegal transition out of exited")
	}
	prev := m.status
	m.status = status
	if m.statusCb != nil {
		m.statusCb(m, prev)
	}
}

// Start arms the reactor watcher and spawns the worker
func (m *Module) Start() error {
	m.watcher.Start()
	m.wg.Add(1)
	m.started = true
	go m.run()
	return nil
}

// Stop sends a fire-and-forget <name>.shutdown request to the module
func (m *Module) Stop() error {
	msg, err := message.NewRequest(m.name+".shutdown", nil)
	if err != nil {
		return err
	}
	msg.Creds = m.cred
	return m.Sendmsg(msg)
}

// Cancel requests worker termination by closing the module side of
// the endpoint, unblocking any receive the worker is parked in. The
// absence of a live worker is not an error.
func (m *Module) Cancel() {
	m.ep.ModuleSide().Close()
}

// Mute marks the module as shutting down. From here on only
// responses to broker.module-status may be sent to it. Irreversible.
func (m *Module) Mute() {
	m.muted = true
}

// Muted reports whether the module has been muted
func (m *Module) Muted() bool {
	return m.muted
}

// Recvmsg reads one message from the broker end and normalizes it:
// responses lose their last routing hop (the module was the
// responder), requests and events gain the module UUID so the reply
// path can find it. Credentials left unset by the module are repaired
// from the record defaults.
func (m *Module) Recvmsg() (*message.Message, error) {
	msg, err := m.sock.TryRecv()
	if err != nil {
		return nil, err
	}
	switch msg.Type {
	case message.TypeResponse:
		if err := msg.RouteDeleteLast(); err != nil {
			return nil, err
		}
	case message.TypeRequest, message.TypeEvent:
		msg.RoutePush(m.uuid)
	}
	// Only the OWNER-roled intra-broker connection may stamp
	// credentials on behalf of other users.
	if m.cred.RoleMask&message.RoleOwner == 0 {
		panic("module: connection lacks owner role")
	}
	if msg.Creds.UserID == message.UserIDUnknown {
		msg.Creds.UserID = m.cred.UserID
	}
	if msg.Creds.RoleMask == message.RoleNone {
		msg.Creds.RoleMask = m.cred.RoleMask
	}
	return msg, nil
}

// Sendmsg writes one message to the module. A muted module accepts
// only responses to broker.module-status. Requests gain the parent
// UUID on the routing stack (client-style routed send); responses
// lose their last hop (router-style send).
func (m *Module) Sendmsg(msg *message.Message) error {
	if msg == nil {
		return nil
	}
	if m.muted {
		if msg.Type != message.TypeResponse || msg.Topic != "broker.module-status" {
			return errnum.ErrNoService
		}
	}
	switch msg.Type {
	case message.TypeRequest:
		cpy := msg.Copy()
		cpy.RoutePush(m.parentUUID)
		return m.sock.Send(cpy)
	case message.TypeResponse:
		cpy := msg.Copy()
		if err := cpy.RouteDeleteLast(); err != nil {
			return err
		}
		return m.sock.Send(cpy)
	default:
		return m.sock.Send(msg.Copy())
	}
}

// EventCast delivers an event iff some subscription is a prefix of
// its topic. Non-matching events are dropped silently.
func (m *Module) EventCast(msg *message.Message) error {
	if m.matchSub(msg.Topic) {
		return m.Sendmsg(msg)
	}
	return nil
}

func (m *Module) matchSub(topic string) bool {
	for _, sub := range m.subs {
		if strings.HasPrefix(topic, sub) {
			return true
		}
	}
	return false
}

// Subscribe adds a topic prefix to the subscription list. Duplicates
// accumulate; unsubscribe removes one at a time.
func (m *Module) Subscribe(topic string) {
	m.subs = append(m.subs, topic)
}

// Unsubscribe removes the first exact match from the subscription
// list.
func (m *Module) Unsubscribe(topic string) {
	for i, sub := range m.subs {
		if sub == topic {
			m.subs = append(m.subs[:i], m.subs[i+1:]...)
			return
		}
	}
}

// Subscriptions returns the current subscription list
func (m *Module) Subscriptions() []string {
	return append([]string(nil), m.subs...)
}

// PushRmmod queues a remove-module request to be answered once the
// module terminates.
func (m *Module) PushRmmod(msg *message.Message) {
	m.rmmod = append(m.rmmod, msg.Copy())
}

// PopRmmod dequeues the oldest pending remove-module request
func (m *Module) PopRmmod() *message.Message {
	if len(m.rmmod) == 0 {
		return nil
	}
	msg := m.rmmod[0]
	m.rmmod = m.rmmod[1:]
	return msg
}

// PushInsmod saves the pending load-module request. There can be
// only one; a second push displaces the first.
func (m *Module) PushInsmod(msg *message.Message) {
	m.insmod = msg.Copy()
}

// PopInsmod takes the pending load-module request, leaving the slot
// empty.
func (m *Module) PopInsmod() *message.Message {
	msg := m.insmod
	m.insmod = nil
	return msg
}

// DisconnectArm records the destination of an outbound request so a
// synthetic disconnect can be sent to it when this module is
// destroyed.
func (m *Module) DisconnectArm(msg *message.Message, send SendFunc) error {
	if m.disconnect == nil {
		m.disconnect = NewDisconnect(send)
	}
	return m.disconnect.Arm(msg)
}

// Destroy joins the worker, forces the EXITED transition if it was
// not reached (running the status callback so the broker drops this
// module's service registrations before anything else lets go of the
// record), fires the disconnect sweep, and releases the watcher,
// endpoint, and image.
func (m *Module) Destroy() {
	if m.started {
		m.wg.Wait()
		if m.status != StatusExited {
			m.SetStatus(StatusExited)
		}
	}
	if m.disconnect != nil {
		m.disconnect.Destroy()
	}
	m.watcher.Stop()
	m.registry.Unbind(endpoint.URI(m.uuid))
	m.image.Close()
	m.rmmod = nil
	m.insmod = nil
	m.subs = nil
}
