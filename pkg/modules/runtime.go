package modules

import (
	"errors"

	"github.com/cuemby/burrow/pkg/endpoint"
	"github.com/cuemby/burrow/pkg/errnum"
	"github.com/cuemby/burrow/pkg/handle"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/message"
)

// run is the module worker. It opens a handle on the module side of
// the endpoint, primes caches, installs the builtin services, invokes
// the plugin entry point, then walks the shutdown protocol: a
// synchronous FINALIZING barrier, a post-shutdown request drain, and
// a fire-and-forget EXITED publish.
func (m *Module) run() {
	defer m.wg.Done()

	logger := log.WithAppname(m.name)

	uri := endpoint.URI(m.uuid)
	h, err := handle.Open(m.registry, uri)
	if err != nil {
		logger.Error().Err(err).Str("uri", uri).Msg("failed to open handle")
		return
	}
	defer h.Close()

	// Prime the attribute cache so attribute lookups inside the
	// module are served locally.
	h.Attrs().PrimeImmutables(m.attrs)
	h.SetAppname(m.name)
	h.SetRank(m.rank)

	// Attach a private copy of the broker's config snapshot so the
	// module's configuration lookups always succeed.
	if m.conf != nil {
		h.SetConf(m.conf.Copy())
	}

	m.registerBuiltinServices(h)

	// Announce RUNNING before handing control to the module.
	if err := h.RPCNoResponse("broker.module-status",
		StatusPayload{Status: int(StatusRunning)}); err != nil {
		logger.Error().Err(err).Msg("broker.module-status RUNNING error")
	}

	mainErrnum := 0
	if err := m.main(h, m.args); err != nil {
		mainErrnum = errnum.FromErrorDefault(err, errnum.ConnReset)
		logger.Error().Err(err).Msg("module exiting abnormally")
	}

	// Before processing unhandled requests, synchronize FINALIZING
	// with the broker so it stops feeding messages to this module
	// before the handle is closed.
	if _, err := h.RPCSync("broker.module-status",
		StatusPayload{Status: int(StatusFinalizing)}); err != nil {
		logger.Error().Err(err).Msg("broker.module-status FINALIZING error")
	}

	// Respond to any unhandled requests received during shutdown.
	for {
		msg, err := h.TryRecv(message.MatchRequest)
		if err != nil {
			if !errors.Is(err, endpoint.ErrWouldBlock) && !errors.Is(err, endpoint.ErrClosed) {
				logger.Error().Err(err).Msg("post-shutdown drain error")
			}
			break
		}
		logger.Debug().Str("topic", msg.Topic).Msg("responding to post-shutdown request")
		if err := h.Respond(msg, errnum.NoService, nil); err != nil {
			logger.Error().Err(err).Str("topic", msg.Topic).
				Msg("failed to respond to post-shutdown request")
		}
	}

	if err := h.RPCNoResponse("broker.module-status",
		StatusPayload{Status: int(StatusExited), Errnum: mainErrnum}); err != nil {
		logger.Error().Err(err).Msg("broker.module-status EXITED error")
	}
}

// registerBuiltinServices installs the per-module services every
// module answers regardless of its entry point: shutdown, ping, and
// stats.
func (m *Module) registerBuiltinServices(h *handle.Handle) {
	h.RegisterService(m.name+".shutdown", func(h *handle.Handle, msg *message.Message) {
		h.Stop()
	})
	h.RegisterService(m.name+".ping", func(h *handle.Handle, msg *message.Message) {
		resp, err := message.NewResponse(msg, 0, nil)
		if err == nil {
			resp.Payload = msg.Payload
			err = h.Send(resp)
		}
		if err != nil {
			logger := h.Logger()
			logger.Error().Err(err).Msg("failed to respond to ping")
		}
	})
	h.RegisterService(m.name+".stats-get", func(h *handle.Handle, msg *message.Message) {
		stats := map[string]interface{}{
			"name":    m.name,
			"pending": h.Pending(),
		}
		if err := h.Respond(msg, 0, stats); err != nil {
			logger := h.Logger()
			logger.Error().Err(err).Msg("failed to respond to stats-get")
		}
	})
}
