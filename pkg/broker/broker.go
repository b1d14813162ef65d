// Package broker implements the burrow broker core: the reactor, the
// module host, the broker service table, and the routing of every
// message between modules and broker services. The broker runs a
// single reactor goroutine; each loaded module runs exactly one
// worker goroutine, and the only state shared between them is the
// message endpoint.
package broker

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/burrow/pkg/attrs"
	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/endpoint"
	"github.com/cuemby/burrow/pkg/errnum"
	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/message"
	"github.com/cuemby/burrow/pkg/modules"
	"github.com/cuemby/burrow/pkg/reactor"
)

// Broker is the message-plane core of a burrow node
type Broker struct {
	logger   zerolog.Logger
	uuid     string
	rank     int
	conf     *config.Config
	attrs    *attrs.Cache
	registry *endpoint.Registry
	reactor  *reactor.Reactor
	host     *modules.Host
	bus      *events.Broker

	// services maps a registered service name to the owning module
	services map[string]*modules.Module

	shuttingDown bool
}

// New creates a broker from a configuration snapshot
func New(conf *config.Config) *Broker {
	if conf == nil {
		conf = config.Default()
	}
	b := &Broker{
		logger:   log.WithComponent("broker"),
		uuid:     uuid.New().String(),
		rank:     conf.Rank,
		conf:     conf,
		attrs:    attrs.New(),
		registry: endpoint.NewRegistry(),
		reactor:  reactor.New(),
		bus:      events.NewBroker(),
		services: make(map[string]*modules.Module),
	}
	for name, value := range conf.Attrs {
		_ = b.attrs.Set(name, value)
	}
	_ = b.attrs.SetImmutable("rank", strconv.Itoa(b.rank))
	_ = b.attrs.SetImmutable("instance.uuid", b.uuid)
	b.host = modules.NewHost(modules.HostOptions{
		BrokerUUID: b.uuid,
		Rank:       b.rank,
		Attrs:      b.attrs,
		Conf:       conf,
		Registry:   b.registry,
		Reactor:    b.reactor,
	})
	b.host.SetPollerCb(b.moduleRecv)
	b.host.SetStatusCb(b.moduleStatusChange)
	return b
}

// UUID returns the broker's routing identity
func (b *Broker) UUID() string { return b.uuid }

// Rank returns the broker's node identifier
func (b *Broker) Rank() int { return b.rank }

// Attrs returns the broker attribute cache
func (b *Broker) Attrs() *attrs.Cache { return b.attrs }

// Bus returns the out-of-band lifecycle event bus
func (b *Broker) Bus() *events.Broker { return b.bus }

// Reactor returns the broker reactor
func (b *Broker) Reactor() *reactor.Reactor { return b.reactor }

// Host returns the module host
func (b *Broker) Host() *modules.Host { return b.host }

// Run starts the event bus and dispatches the reactor until Shutdown
func (b *Broker) Run() {
	b.bus.Start()
	b.reactor.Run()
	// Stragglers can no longer complete the FINALIZING barrier once
	// the reactor is gone; cancel them so the joining destroy below
	// cannot block forever.
	for _, m := range b.host.List() {
		m.Cancel()
	}
	b.host.Destroy()
	b.bus.Stop()
}

// Submit queues f on the reactor from another goroutine
func (b *Broker) Submit(f func()) error {
	return b.reactor.Submit(f)
}

// Shutdown asks every module to stop and ends the reactor once the
// last one has exited. Must run on the reactor.
func (b *Broker) Shutdown() {
	b.shuttingDown = true
	mods := b.host.List()
	if len(mods) == 0 {
		b.reactor.Stop()
		return
	}
	for _, m := range mods {
		if err := m.Stop(); err != nil {
			b.logger.Error().Err(err).Str("name", m.Name()).
				Msg("failed to send shutdown request")
		}
	}
}

// LoadModule loads and starts a module. Must run on the reactor.
func (b *Broker) LoadModule(name, path string, args []string) (*modules.Module, error) {
	m, err := b.host.Load(name, path, args)
	if err != nil {
		return nil, err
	}
	if err := m.Start(); err != nil {
		b.host.Remove(m)
		return nil, err
	}
	// The module name doubles as its primary service name so peers
	// can address <name>.<method> immediately.
	b.services[m.Name()] = m
	b.bus.Publish(&events.Event{
		Type:    events.EventModuleLoaded,
		Message: fmt.Sprintf("module %s loaded from %s", m.Name(), path),
		Metadata: map[string]string{
			"module": m.Name(),
			"uuid":   m.UUID(),
		},
	})
	return m, nil
}

// PublishEvent fans an event out to every module whose subscription
// list prefix-matches its topic.
func (b *Broker) PublishEvent(msg *message.Message) {
	b.host.EventCast(msg)
}

// moduleRecv is the per-module poller callback: it drains the
// broker-side endpoint and routes each message.
func (b *Broker) moduleRecv(m *modules.Module) {
	for {
		msg, err := m.Recvmsg()
		if err != nil {
			if !errors.Is(err, endpoint.ErrWouldBlock) && !errors.Is(err, endpoint.ErrClosed) {
				b.logger.Error().Err(err).Str("name", m.Name()).Msg("recvmsg error")
			}
			return
		}
		b.route(m, msg)
	}
}

func (b *Broker) route(m *modules.Module, msg *message.Message) {
	switch msg.Type {
	case message.TypeRequest:
		b.routeRequest(m, msg)
	case message.TypeResponse:
		b.routeResponse(msg)
	case message.TypeEvent:
		b.PublishEvent(msg)
	default:
		b.logger.Debug().Str("topic", msg.Topic).Msg("dropping control message")
	}
}

// routeRequest delivers a request from module m to its destination
// service: a broker-internal handler or another module.
func (b *Broker) routeRequest(m *modules.Module, msg *message.Message) {
	if handler := b.internalHandler(msg.Topic); handler != nil {
		handler(m, msg)
		return
	}
	owner := b.services[message.ServiceName(msg.Topic)]
	if owner == nil {
		b.respondError(msg, errnum.NoService)
		return
	}
	// Remember the destination so a synthetic disconnect reaches it
	// if the sender is torn down.
	if m != nil {
		if err := m.DisconnectArm(msg, b.sendDisconnect); err != nil {
			b.logger.Error().Err(err).Msg("failed to arm disconnect")
		}
	}
	if err := owner.Sendmsg(msg); err != nil {
		b.respondError(msg, errnum.FromError(err))
	}
}

// sendDisconnect delivers a synthesized disconnect request during a
// module teardown sweep.
func (b *Broker) sendDisconnect(msg *message.Message) error {
	owner := b.services[message.ServiceName(msg.Topic)]
	if owner == nil {
		return errnum.ErrNotFound
	}
	return owner.Sendmsg(msg)
}

// routeResponse forwards a response toward the top of its routing
// stack.
func (b *Broker) routeResponse(msg *message.Message) {
	dest, err := msg.RouteLast()
	if err != nil {
		b.logger.Debug().Str("topic", msg.Topic).Msg("dropping unroutable response")
		return
	}
	if dest == b.uuid {
		// Response to a fire-and-forget broker request; nothing waits.
		return
	}
	m := b.host.LookupByUUID(dest)
	if m == nil {
		b.logger.Debug().Str("topic", msg.Topic).Str("dest", dest).
			Msg("dropping response for unknown peer")
		return
	}
	if err := m.Sendmsg(msg); err != nil {
		b.logger.Error().Err(err).Str("topic", msg.Topic).Str("name", m.Name()).
			Msg("failed to deliver response")
	}
}

// respondTo answers a previously retained request
func (b *Broker) respondTo(req *message.Message, num int, payload interface{}) {
	resp, err := message.NewResponse(req, num, payload)
	if err != nil {
		b.logger.Error().Err(err).Str("topic", req.Topic).Msg("failed to build response")
		return
	}
	b.routeResponse(resp)
}

func (b *Broker) respondError(req *message.Message, num int) {
	if req.Matchtag == message.MatchtagNone {
		return // no response expected
	}
	b.respondTo(req, num, nil)
}
