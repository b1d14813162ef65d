package modules

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

// Host is the broker-side collection of module records, keyed by
// plugin path with secondary lookups by name and UUID. All three
// keys are stable for a record's lifetime. The host is reactor-local;
// none of its methods are safe for concurrent use.
type Host struct {
	logger     zerolog.Logger
	registry   *endpoint.Registry
	reactor    *reactor.Reactor
	brokerUUID string
	rank       int
	attrs      *attrs.Cache
	conf       *config.Config

	byPath map[string]*Module
	byName map[string]*Module
	byUUID map[string]*Module

	pollerCb PollerFunc
	statusCb StatusFunc
}

// HostOptions carries the broker context shared by all records
type HostOptions struct {
	BrokerUUID string
	Rank       int
	Attrs      *attrs.Cache
	Conf       *config.Config
	Registry   *endpoint.Registry
	Reactor    *reactor.Reactor
}

// NewHost creates an empty module host
func NewHost(opts HostOptions) *Host {
	return &Host{
		logger:     log.WithComponent("modhost"),
		registry:   opts.Registry,
		reactor:    opts.Reactor,
		brokerUUID: opts.BrokerUUID,
		rank:       opts.Rank,
		attrs:      opts.Attrs,
		conf:       opts.Conf,
		byPath:     make(map[string]*Module),
		byName:     make(map[string]*Module),
		byUUID:     make(map[string]*Module),
	}
}

// SetPollerCb registers the callback run on the reactor whenever a
// module's endpoint becomes readable. Applies to modules loaded
// afterward.
func (mh *Host) SetPollerCb(cb PollerFunc) {
	mh.pollerCb = cb
}

// SetStatusCb registers the callback run on every module status
// transition. Applies to modules loaded afterward.
func (mh *Host) SetStatusCb(cb StatusFunc) {
	mh.statusCb = cb
}

// Load creates a module record for path and registers it under its
// path, name, and UUID. Duplicate path or name fails with an exists
// error. The record is not started.
func (mh *Host) Load(name, path string, args []string) (*Module, error) {
	if _, ok := mh.byPath[path]; ok {
		return nil, fmt.Errorf("module path %s: %w", path, errnum.ErrExists)
	}
	m, err := Create(CreateOptions{
		ParentUUID: mh.brokerUUID,
		Name:       name,
		Path:       path,
		Rank:       mh.rank,
		Attrs:      mh.attrs,
		Conf:       mh.conf,
		Args:       args,
		Registry:   mh.registry,
		Reactor:    mh.reactor,
	})
	if err != nil {
		return nil, err
	}
	if _, ok := mh.byName[m.Name()]; ok {
		m.Destroy()
		return nil, fmt.Errorf("module name %s: %w", m.Name(), errnum.ErrExists)
	}
	m.SetPollerCb(mh.pollerCb)
	m.SetStatusCb(mh.statusCb)
	mh.byPath[m.Path()] = m
	mh.byName[m.Name()] = m
	mh.byUUID[m.UUID()] = m
	mh.logger.Info().Str("name", m.Name()).Str("path", path).
		Str("uuid", m.UUID()).Msg("module loaded")
	return m, nil
}

// Remove destroys a record and drops it from all lookup tables
func (mh *Host) Remove(m *Module) {
	delete(mh.byPath, m.Path())
	delete(mh.byName, m.Name())
	delete(mh.byUUID, m.UUID())
	m.Destroy()
	mh.logger.Info().Str("name", m.Name()).Msg("module removed")
}

// Lookup finds a record by plugin path
func (mh *Host) Lookup(path string) *Module {
	return mh.byPath[path]
}

// LookupByName finds a record by canonical name
func (mh *Host) LookupByName(name string) *Module {
	return mh.byName[name]
}

// LookupByUUID finds a record by routing identity
func (mh *Host) LookupByUUID(uuid string) *Module {
	return mh.byUUID[uuid]
}

// Count returns the number of loaded modules
func (mh *Host) Count() int {
	return len(mh.byPath)
}

// List returns every loaded record. Iteration order is unspecified;
// callers must not depend on cross-module ordering.
func (mh *Host) List() []*Module {
	list := make([]*Module, 0, len(mh.byPath))
	for _, m := range mh.byPath {
		list = append(list, m)
	}
	return list
}

// EventCast offers an event to every module, delivering to those
// whose subscription list prefix-matches the topic.
func (mh *Host) EventCast(msg *message.Message) {
	for _, m := range mh.byPath {
		if err := m.EventCast(msg); err != nil {
			mh.logger.Error().Err(err).Str("name", m.Name()).
				Str("topic", msg.Topic).Msg("event cast failed")
		}
	}
}

// Destroy removes every module record. Each destroy joins that
// module's worker.
func (mh *Host) Destroy() {
	for _, m := range mh.List() {
		mh.Remove(m)
	}
}
