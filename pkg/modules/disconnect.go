package modules

import (
	"github.com/rs/zerolog"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/message"
)

// SendFunc delivers a synthesized disconnect request
type SendFunc func(msg *message.Message) error

// Disconnect records which peer services a holder has contacted so
// that on its termination a synthetic disconnect request can be sent
// to each, preventing orphaned server-side state.
type Disconnect struct {
	send    SendFunc
	logger  zerolog.Logger
	entries map[string]*message.Message
}

// NewDisconnect creates a tracker that delivers through send
func NewDisconnect(send SendFunc) *Disconnect {
	return &Disconnect{
		send:    send,
		logger:  log.WithComponent("disconnect"),
		entries: make(map[string]*message.Message),
	}
}

// Arm records the (service, sender) tuple of an outbound request and
// prepares the disconnect message to send on destruction. Duplicate
// tuples are recorded once.
func (d *Disconnect) Arm(msg *message.Message) error {
	service := message.ServiceName(msg.Topic)
	sender := ""
	if len(msg.Routes) > 0 {
		sender = msg.Routes[0]
	}
	key := service + "\x00" + sender
	if _, ok := d.entries[key]; ok {
		return nil
	}
	req, err := message.NewRequest(service+".disconnect", nil)
	if err != nil {
		return err
	}
	req.Routes = append([]string(nil), msg.Routes...)
	req.Creds = msg.Creds
	d.entries[key] = req
	return nil
}

// Count returns the number of armed disconnect targets
func (d *Disconnect) Count() int {
	return len(d.entries)
}

// Destroy sends every armed disconnect request. Individual send
// failures are logged and do not halt the sweep. Idempotent.
func (d *Disconnect) Destroy() {
	for key, req := range d.entries {
		if err := d.send(req); err != nil {
			d.logger.Warn().Err(err).Str("topic", req.Topic).
				Msg("failed to send disconnect request")
		}
		delete(d.entries, key)
	}
}
