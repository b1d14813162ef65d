package broker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/errnum"
	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/handle"
	"github.com/cuemby/burrow/pkg/message"
	"github.com/cuemby/burrow/pkg/modules"
)

// testBroker runs a broker's reactor for the duration of a test
type testBroker struct {
	t   *testing.T
	b   *Broker
	ran chan struct{}
}

func newTestBroker(t *testing.T) *testBroker {
	t.Helper()
	tb := &testBroker{
		t:   t,
		b:   New(config.Default()),
		ran: make(chan struct{}),
	}
	go func() {
		tb.b.Run()
		close(tb.ran)
	}()
	t.Cleanup(tb.shutdown)
	return tb
}

func (tb *testBroker) shutdown() {
	_ = tb.b.Submit(tb.b.Shutdown)
	select {
	case <-tb.ran:
	case <-time.After(10 * time.Second):
		tb.t.Fatal("broker did not shut down")
	}
}

// do runs f on the reactor and waits for it
func (tb *testBroker) do(f func()) {
	done := make(chan struct{})
	require.NoError(tb.t, tb.b.Submit(func() {
		defer close(done)
		f()
	}))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		tb.t.Fatal("reactor did not run submitted function")
	}
}

func (tb *testBroker) load(name, path string) *modules.Module {
	var m *modules.Module
	var err error
	tb.do(func() { m, err = tb.b.LoadModule(name, path, nil) })
	require.NoError(tb.t, err)
	return m
}

func registerTestModule(t *testing.T, name string, main modules.MainFunc) string {
	t.Helper()
	path := "modules/" + t.Name() + "/" + name + ".so"
	modules.RegisterBuiltin(path, main, "")
	t.Cleanup(func() { modules.UnregisterBuiltin(path) })
	return path
}

func waitEvent(t *testing.T, sub events.Subscriber, typ events.EventType) *events.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case event := <-sub:
			if event.Type == typ {
				return event
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", typ)
			return nil
		}
	}
}

func TestModuleLifeThroughBroker(t *testing.T) {
	subscribed := make(chan struct{})
	got := make(chan string, 1)
	path := registerTestModule(t, "watcher", func(h *handle.Handle, args []string) error {
		if err := h.EventSubscribe("x."); err != nil {
			return err
		}
		close(subscribed)
		msg, err := h.Recv(message.MatchEvent)
		if err != nil {
			return err
		}
		got <- msg.Topic
		return nil
	})

	tb := newTestBroker(t)
	sub := tb.b.Bus().SubscribeTypes(events.EventModuleExited)
	defer tb.b.Bus().Unsubscribe(sub)

	tb.load("", path)
	select {
	case <-subscribed:
	case <-time.After(5 * time.Second):
		t.Fatal("module never subscribed")
	}

	ev, err := message.NewEvent("x.y", nil)
	require.NoError(t, err)
	tb.do(func() { tb.b.PublishEvent(ev) })

	waitEvent(t, sub, events.EventModuleExited)
	assert.Equal(t, "x.y", <-got)

	// the exited module is destroyed and its service name is gone
	tb.do(func() {
		assert.Equal(t, 0, tb.b.Host().Count())
		assert.Empty(t, tb.b.services)
	})
}

func TestRmmodThroughPeerModule(t *testing.T) {
	sleeperPath := registerTestModule(t, "sleeper", func(h *handle.Handle, args []string) error {
		return h.Run() // served entirely by the builtin shutdown handler
	})

	rmmodErr := make(chan error, 1)
	requesterPath := registerTestModule(t, "requester", func(h *handle.Handle, args []string) error {
		_, err := h.RPCSync("broker.rmmod", map[string]string{"name": "sleeper"})
		rmmodErr <- err
		return nil
	})

	tb := newTestBroker(t)
	sub := tb.b.Bus().SubscribeTypes(events.EventModuleExited)
	defer tb.b.Bus().Unsubscribe(sub)

	tb.load("", sleeperPath)
	tb.load("", requesterPath)

	require.NoError(t, <-rmmodErr, "rmmod reply arrives after the module exits")

	ev := waitEvent(t, sub, events.EventModuleExited)
	assert.Equal(t, "sleeper", ev.Metadata["module"])
	waitEvent(t, sub, events.EventModuleExited) // requester

	tb.do(func() {
		assert.Nil(t, tb.b.Host().LookupByName("sleeper"))
	})
}

func TestInsmodAndModuleToModuleRPC(t *testing.T) {
	targetPath := registerTestModule(t, "target", func(h *handle.Handle, args []string) error {
		h.RegisterService("target.greet", func(h *handle.Handle, msg *message.Message) {
			_ = h.Respond(msg, 0, map[string]string{"greeting": "hello"})
		})
		return h.Run()
	})

	type result struct {
		insmodErr error
		greeting  string
		greetErr  error
		mods      int
	}
	results := make(chan result, 1)
	requesterPath := registerTestModule(t, "requester", func(h *handle.Handle, args []string) error {
		var res result
		_, res.insmodErr = h.RPCSync("broker.insmod", map[string]interface{}{
			"path": targetPath,
		})
		resp, err := h.RPCSync("target.greet", nil)
		res.greetErr = err
		if err == nil {
			var payload map[string]string
			if err := resp.GetPayload(&payload); err == nil {
				res.greeting = payload["greeting"]
			}
		}
		if resp, err := h.RPCSync("broker.lsmod", nil); err == nil {
			var payload struct {
				Mods []lsmodEntry `json:"mods"`
			}
			if err := resp.GetPayload(&payload); err == nil {
				res.mods = len(payload.Mods)
			}
		}
		results <- res
		return nil
	})

	tb := newTestBroker(t)
	tb.load("", requesterPath)

	res := <-results
	require.NoError(t, res.insmodErr, "insmod reply deferred until the module runs")
	require.NoError(t, res.greetErr)
	assert.Equal(t, "hello", res.greeting)
	assert.Equal(t, 2, res.mods)
}

func TestUnknownServiceRejected(t *testing.T) {
	gotErr := make(chan error, 1)
	path := registerTestModule(t, "asker", func(h *handle.Handle, args []string) error {
		_, err := h.RPCSync("nosuch.op", nil)
		gotErr <- err
		return nil
	})

	tb := newTestBroker(t)
	tb.load("", path)

	assert.ErrorIs(t, <-gotErr, errnum.ErrNoService)
}

func TestDynamicServiceAddRemove(t *testing.T) {
	addErrs := make(chan error, 3)
	path := registerTestModule(t, "dyn", func(h *handle.Handle, args []string) error {
		_, err := h.RPCSync("service.add", map[string]string{"service": "content"})
		addErrs <- err

		// duplicate registration must be refused
		_, err = h.RPCSync("service.add", map[string]string{"service": "content"})
		addErrs <- err

		_, err = h.RPCSync("service.remove", map[string]string{"service": "content"})
		addErrs <- err
		return nil
	})

	tb := newTestBroker(t)
	tb.load("", path)

	assert.NoError(t, <-addErrs)
	assert.ErrorIs(t, <-addErrs, errnum.ErrExists)
	assert.NoError(t, <-addErrs)
}

func TestBrokerInfoAndPing(t *testing.T) {
	type result struct {
		rank    int
		pingErr error
	}
	results := make(chan result, 1)
	path := registerTestModule(t, "inspector", func(h *handle.Handle, args []string) error {
		var res result
		if resp, err := h.RPCSync("broker.info", nil); err == nil {
			var payload struct {
				Rank int `json:"rank"`
			}
			if err := resp.GetPayload(&payload); err == nil {
				res.rank = payload.Rank
			}
		}
		_, res.pingErr = h.RPCSync("broker.ping", map[string]string{"seq": "1"})
		results <- res
		return nil
	})

	cfg := config.Default()
	cfg.Rank = 5
	tb := &testBroker{t: t, b: New(cfg), ran: make(chan struct{})}
	go func() {
		tb.b.Run()
		close(tb.ran)
	}()
	t.Cleanup(tb.shutdown)

	tb.load("", path)

	res := <-results
	assert.Equal(t, 5, res.rank)
	assert.NoError(t, res.pingErr)
}

func TestShutdownStopsAllModules(t *testing.T) {
	p1 := registerTestModule(t, "svc1", func(h *handle.Handle, args []string) error {
		return h.Run()
	})
	p2 := registerTestModule(t, "svc2", func(h *handle.Handle, args []string) error {
		return h.Run()
	})

	tb := newTestBroker(t)
	tb.load("", p1)
	tb.load("", p2)

	tb.shutdown()
	assert.Equal(t, 0, tb.b.Host().Count())
}
