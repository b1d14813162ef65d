package servhash

import (
	"github.com/rs/zerolog"

	"github.com/cuemby/burrow/pkg/errnum"
	"github.com/cuemby/burrow/pkg/handle"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/message"
)

// Upstream is the slice of the handle interface servhash uses to
// manage registrations with the upstream broker.
type Upstream interface {
	ServiceRegister(name string) *handle.Future
	ServiceUnregister(name string) *handle.Future
}

// RespondFunc delivers the deferred reply for a saved add or remove
// request to the owning client.
type RespondFunc func(req *message.Message, owner string, errnum int)

type entry struct {
	name          string
	owner         string // client uuid
	match         message.Match
	sh            *Servhash
	addRequest    *message.Message
	removeRequest *message.Message
	addF          *handle.Future
	removeF       *handle.Future
	live          bool
}

// needsUnregister reports whether destroying the entry would leave an
// upstream registration behind without it.
func (e *entry) needsUnregister() bool {
	if !e.live && e.addF != nil && !e.addF.IsReady() {
		return true // pending service.add request
	}
	if e.live && e.removeF == nil {
		return true // service.add successful, service.remove not sent
	}
	return false
}

// destroy cleans the entry up, sending an open-loop upstream
// unregister if one is owed. The future of that unregister is
// discarded.
func (e *entry) destroy() {
	if e.needsUnregister() {
		e.sh.upstream.ServiceUnregister(e.name)
	}
}

// Servhash is the local service registration table, keyed by service
// name. It is reactor-local; none of its methods are safe for
// concurrent use.
type Servhash struct {
	logger   zerolog.Logger
	upstream Upstream
	services map[string]*entry
	respond  RespondFunc
}

// New creates an empty table forwarding upstream through u
func New(u Upstream) (*Servhash, error) {
	if u == nil {
		return nil, errnum.ErrInvalid
	}
	return &Servhash{
		logger:   log.WithComponent("servhash"),
		upstream: u,
		services: make(map[string]*entry),
	}, nil
}

// SetRespond registers the deferred reply callback
func (sh *Servhash) SetRespond(cb RespondFunc) {
	sh.respond = cb
}

// Count returns the number of table entries
func (sh *Servhash) Count() int {
	return len(sh.services)
}

// Add registers name on behalf of owner. The request message is
// retained and answered when the upstream registration completes:
// errnum 0 and a live entry on success, the upstream errnum and no
// entry on failure.
func (sh *Servhash) Add(name, owner string, req *message.Message) error {
	if name == "" || owner == "" || req == nil {
		return errnum.ErrInvalid
	}
	if _, ok := sh.services[name]; ok {
		return errnum.ErrExists
	}
	e := &entry{
		name:       name,
		owner:      owner,
		match:      message.Match{TypeMask: message.TypeRequest, TopicGlob: name + ".*"},
		sh:         sh,
		addRequest: req,
	}
	e.addF = sh.upstream.ServiceRegister(name)
	e.addF.Then(func(f *handle.Future) { sh.addContinuation(e, f) })
	sh.services[name] = e
	return nil
}

func (sh *Servhash) addContinuation(e *entry, f *handle.Future) {
	if sh.services[e.name] != e {
		return // entry already destroyed, e.g. by disconnect
	}
	num := f.Errnum()
	if num == 0 {
		e.live = true
	}
	if sh.respond != nil {
		sh.respond(e.addRequest, e.owner, num)
	}
	if num != 0 {
		sh.delete(e.name)
	}
}

// Remove unregisters name on behalf of owner. Fails with a no-entry
// error if name is absent, owned by someone else, or already has a
// remove in flight. The request message is retained and answered with
// the upstream errnum when the unregistration completes; the entry is
// deleted unconditionally at that point.
func (sh *Servhash) Remove(name, owner string, req *message.Message) error {
	if name == "" || owner == "" || req == nil {
		return errnum.ErrInvalid
	}
	e, ok := sh.services[name]
	if !ok || e.owner != owner || e.removeF != nil {
		return errnum.ErrNotFound
	}
	e.removeRequest = req
	e.removeF = sh.upstream.ServiceUnregister(name)
	e.removeF.Then(func(f *handle.Future) { sh.removeContinuation(e, f) })
	return nil
}

func (sh *Servhash) removeContinuation(e *entry, f *handle.Future) {
	if sh.services[e.name] != e {
		return // entry already destroyed, e.g. by disconnect
	}
	num := f.Errnum()
	if num == 0 {
		e.live = false
	}
	if sh.respond != nil {
		sh.respond(e.removeRequest, e.owner, num)
	}
	sh.delete(e.name)
}

// Match finds the owner of the first entry whose topic match accepts
// msg. Returns a not-found error when no entry matches.
func (sh *Servhash) Match(msg *message.Message) (string, error) {
	if msg == nil {
		return "", errnum.ErrInvalid
	}
	for _, e := range sh.services {
		if e.match.Accepts(msg) {
			return e.owner, nil
		}
	}
	return "", errnum.ErrNotFound
}

// Disconnect deletes every entry owned by owner. No responses are
// sent; each deleted entry settles upstream via its destructor.
func (sh *Servhash) Disconnect(owner string) {
	for name, e := range sh.services {
		if e.owner == owner {
			sh.delete(name)
		}
	}
}

// Destroy drops the whole table, each entry settling upstream as
// needed.
func (sh *Servhash) Destroy() {
	for name := range sh.services {
		sh.delete(name)
	}
}

func (sh *Servhash) delete(name string) {
	e, ok := sh.services[name]
	if !ok {
		return
	}
	delete(sh.services, name)
	e.destroy()
}
