package broker

import (
	"fmt"
	"time"

	"github.com/cuemby/burrow/pkg/errnum"
	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/message"
	"github.com/cuemby/burrow/pkg/modules"
)

type internalHandlerFunc func(m *modules.Module, msg *message.Message)

// internalHandler resolves a broker-internal request topic
func (b *Broker) internalHandler(topic string) internalHandlerFunc {
	switch topic {
	case "broker.module-status":
		return b.handleModuleStatus
	case "broker.ping":
		return b.handlePing
	case "broker.info":
		return b.handleInfo
	case "broker.lsmod":
		return b.handleLsmod
	case "broker.insmod":
		return b.handleInsmod
	case "broker.rmmod":
		return b.handleRmmod
	case "event.subscribe":
		return b.handleSubscribe
	case "event.unsubscribe":
		return b.handleUnsubscribe
	case "service.add":
		return b.handleServiceAdd
	case "service.remove":
		return b.handleServiceRemove
	}
	return nil
}

// handleModuleStatus drives the sender's lifecycle state machine.
// FINALIZING mutes the module before the reply is sent, which is the
// barrier guaranteeing no further traffic reaches the module before
// it closes its handle. EXITED records the terminal errnum; the
// status callback takes care of service names and pending requests.
func (b *Broker) handleModuleStatus(m *modules.Module, msg *message.Message) {
	if m == nil {
		return
	}
	var payload modules.StatusPayload
	if err := msg.GetPayload(&payload); err != nil {
		b.respondError(msg, errnum.Invalid)
		return
	}
	status := modules.Status(payload.Status)
	switch status {
	case modules.StatusRunning, modules.StatusFinalizing, modules.StatusExited:
	default:
		b.respondError(msg, errnum.Invalid)
		return
	}
	if status == modules.StatusFinalizing {
		m.Mute()
	}
	if status == modules.StatusExited {
		m.SetErrnum(payload.Errnum)
	}
	m.SetStatus(status)
	if msg.Matchtag != message.MatchtagNone {
		b.respondTo(msg, 0, nil)
	}
}

func (b *Broker) handlePing(m *modules.Module, msg *message.Message) {
	resp, err := message.NewResponse(msg, 0, nil)
	if err != nil {
		return
	}
	resp.Payload = msg.Payload
	b.routeResponse(resp)
}

func (b *Broker) handleInfo(m *modules.Module, msg *message.Message) {
	b.respondTo(msg, 0, map[string]interface{}{
		"rank": b.rank,
		"uuid": b.uuid,
	})
}

// lsmodEntry is one row of a broker.lsmod response
type lsmodEntry struct {
	Name   string `json:"name"`
	Path   string `json:"path"`
	UUID   string `json:"uuid"`
	Status string `json:"status"`
	Idle   int64  `json:"idle"` // seconds since last traffic
}

func (b *Broker) handleLsmod(m *modules.Module, msg *message.Message) {
	now := b.reactor.Now()
	mods := make([]lsmodEntry, 0, b.host.Count())
	for _, rec := range b.host.List() {
		idle := int64(0)
		if !rec.Lastseen().IsZero() {
			idle = int64(now.Sub(rec.Lastseen()) / time.Second)
		}
		mods = append(mods, lsmodEntry{
			Name:   rec.Name(),
			Path:   rec.Path(),
			UUID:   rec.UUID(),
			Status: rec.Status().String(),
			Idle:   idle,
		})
	}
	b.respondTo(msg, 0, map[string]interface{}{"mods": mods})
}

type insmodRequest struct {
	Name string   `json:"name,omitempty"`
	Path string   `json:"path"`
	Args []string `json:"args,omitempty"`
}

// handleInsmod loads and starts a module. The reply is deferred
// until the module reaches RUNNING; the request is parked in the
// record's single pending-insmod slot.
func (b *Broker) handleInsmod(m *modules.Module, msg *message.Message) {
	var req insmodRequest
	if err := msg.GetPayload(&req); err != nil {
		b.respondError(msg, errnum.Invalid)
		return
	}
	rec, err := b.LoadModule(req.Name, req.Path, req.Args)
	if err != nil {
		b.respondError(msg, errnum.FromError(err))
		return
	}
	rec.PushInsmod(msg)
}

type rmmodRequest struct {
	Name string `json:"name"`
}

// handleRmmod sends the module a shutdown request and parks the
// reply on the record's rmmod queue until it reaches EXITED.
func (b *Broker) handleRmmod(m *modules.Module, msg *message.Message) {
	var req rmmodRequest
	if err := msg.GetPayload(&req); err != nil {
		b.respondError(msg, errnum.Invalid)
		return
	}
	rec := b.host.LookupByName(req.Name)
	if rec == nil {
		b.respondError(msg, errnum.NotFound)
		return
	}
	rec.PushRmmod(msg)
	if err := rec.Stop(); err != nil {
		b.logger.Error().Err(err).Str("name", req.Name).
			Msg("failed to send shutdown request")
	}
}

type subscribeRequest struct {
	Topic string `json:"topic"`
}

func (b *Broker) handleSubscribe(m *modules.Module, msg *message.Message) {
	if m == nil {
		b.respondError(msg, errnum.Invalid)
		return
	}
	var req subscribeRequest
	if err := msg.GetPayload(&req); err != nil {
		b.respondError(msg, errnum.Invalid)
		return
	}
	m.Subscribe(req.Topic)
	b.respondTo(msg, 0, nil)
}

func (b *Broker) handleUnsubscribe(m *modules.Module, msg *message.Message) {
	if m == nil {
		b.respondError(msg, errnum.Invalid)
		return
	}
	var req subscribeRequest
	if err := msg.GetPayload(&req); err != nil {
		b.respondError(msg, errnum.Invalid)
		return
	}
	m.Unsubscribe(req.Topic)
	b.respondTo(msg, 0, nil)
}

type serviceRequest struct {
	Service string `json:"service"`
}

// handleServiceAdd registers a dynamic service name owned by the
// sending module.
func (b *Broker) handleServiceAdd(m *modules.Module, msg *message.Message) {
	if m == nil {
		b.respondError(msg, errnum.Invalid)
		return
	}
	var req serviceRequest
	if err := msg.GetPayload(&req); err != nil || req.Service == "" {
		b.respondError(msg, errnum.Invalid)
		return
	}
	if _, ok := b.services[req.Service]; ok {
		b.respondError(msg, errnum.Exists)
		return
	}
	b.services[req.Service] = m
	b.respondTo(msg, 0, nil)
	b.bus.Publish(&events.Event{
		Type:     events.EventServiceAdded,
		Message:  fmt.Sprintf("service %s registered by %s", req.Service, m.Name()),
		Metadata: map[string]string{"service": req.Service, "module": m.Name()},
	})
}

func (b *Broker) handleServiceRemove(m *modules.Module, msg *message.Message) {
	if m == nil {
		b.respondError(msg, errnum.Invalid)
		return
	}
	var req serviceRequest
	if err := msg.GetPayload(&req); err != nil || req.Service == "" {
		b.respondError(msg, errnum.Invalid)
		return
	}
	owner, ok := b.services[req.Service]
	if !ok || owner != m {
		b.respondError(msg, errnum.NotFound)
		return
	}
	delete(b.services, req.Service)
	b.respondTo(msg, 0, nil)
	b.bus.Publish(&events.Event{
		Type:     events.EventServiceRemoved,
		Message:  fmt.Sprintf("service %s unregistered", req.Service),
		Metadata: map[string]string{"service": req.Service, "module": m.Name()},
	})
}

// removeServicesOwnedBy drops every dynamic service registration
// owned by m. Runs inside the EXITED transition so disconnect
// requests issued by later teardowns cannot resolve to a dead module.
func (b *Broker) removeServicesOwnedBy(m *modules.Module) {
	for name, owner := range b.services {
		if owner == m {
			delete(b.services, name)
			if name == m.Name() {
				continue // primary name, registered without an event
			}
			b.bus.Publish(&events.Event{
				Type:     events.EventServiceRemoved,
				Message:  fmt.Sprintf("service %s unregistered", name),
				Metadata: map[string]string{"service": name, "module": m.Name()},
			})
		}
	}
}

// moduleStatusChange is the host status callback
func (b *Broker) moduleStatusChange(m *modules.Module, prev modules.Status) {
	status := m.Status()
	b.logger.Debug().Str("name", m.Name()).
		Str("from", prev.String()).Str("to", status.String()).
		Msg("module status change")
	switch status {
	case modules.StatusRunning:
		if req := m.PopInsmod(); req != nil {
			b.respondTo(req, 0, nil)
		}
		b.bus.Publish(&events.Event{
			Type:     events.EventModuleRunning,
			Message:  fmt.Sprintf("module %s running", m.Name()),
			Metadata: map[string]string{"module": m.Name()},
		})
	case modules.StatusExited:
		// Service names go first so nothing can route new traffic
		// or disconnects to this module.
		b.removeServicesOwnedBy(m)
		for {
			req := m.PopRmmod()
			if req == nil {
				break
			}
			b.respondTo(req, 0, nil)
		}
		b.bus.Publish(&events.Event{
			Type:     events.EventModuleExited,
			Message:  fmt.Sprintf("module %s exited (errnum %d)", m.Name(), m.Errnum()),
			Metadata: map[string]string{"module": m.Name()},
		})
		// Destroy joins the worker and frees the record unless the
		// transition was forced from inside a destroy already in
		// flight, in which case the host no longer knows the UUID.
		if b.host.LookupByUUID(m.UUID()) != nil {
			b.host.Remove(m)
		}
		if b.shuttingDown && b.host.Count() == 0 {
			b.reactor.Stop()
		}
	}
}
