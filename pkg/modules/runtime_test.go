package modules

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/burrow/pkg/attrs"
	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/endpoint"
	"github.com/cuemby/burrow/pkg/errnum"
	"github.com/cuemby/burrow/pkg/handle"
	"github.com/cuemby/burrow/pkg/message"
	"github.com/cuemby/burrow/pkg/reactor"
)

// fakeBroker services one module record the way the real broker
// does: it answers broker.module-status and event.subscribe, records
// the status trajectory, and collects responses the module sends.
type fakeBroker struct {
	t *testing.T
	r *reactor.Reactor
	m *Module

	mu            sync.Mutex
	trajectory    []Status
	responses     []*message.Message
	exitErrnum    int
	orderViolated bool

	// requests injected just before the FINALIZING ack
	drainBefore []string

	// trackExited controls whether the EXITED publish transitions
	// the record; leaving it false simulates a broker that never saw
	// the publish, so Destroy must force the transition.
	trackExited bool

	finalized chan struct{}
	exited    chan struct{}
}

func newFakeBroker(t *testing.T, main MainFunc) *fakeBroker {
	t.Helper()
	path := "modules/" + t.Name() + ".so"
	RegisterBuiltin(path, main, "")
	t.Cleanup(func() { UnregisterBuiltin(path) })

	fb := &fakeBroker{
		t:           t,
		r:           reactor.New(),
		trackExited: true,
		finalized:   make(chan struct{}),
		exited:      make(chan struct{}),
	}
	go fb.r.Run()
	t.Cleanup(fb.r.Stop)

	m, err := Create(CreateOptions{
		ParentUUID: testParentUUID,
		Path:       path,
		Rank:       7,
		Attrs:      attrs.New(),
		Conf:       config.Default(),
		Registry:   endpoint.NewRegistry(),
		Reactor:    fb.r,
	})
	require.NoError(t, err)
	fb.m = m
	m.SetPollerCb(fb.poll)
	m.SetStatusCb(fb.statusChange)
	return fb
}

func (fb *fakeBroker) statusChange(m *Module, prev Status) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.trajectory = append(fb.trajectory, m.Status())
}

func (fb *fakeBroker) poll(m *Module) {
	for {
		msg, err := m.Recvmsg()
		if err != nil {
			return
		}
		switch {
		case msg.Type == message.TypeResponse:
			fb.mu.Lock()
			fb.responses = append(fb.responses, msg)
			fb.mu.Unlock()
		case msg.Type == message.TypeRequest && msg.Topic == "broker.module-status":
			fb.handleStatus(m, msg)
		case msg.Type == message.TypeRequest && msg.Topic == "event.subscribe":
			var req struct {
				Topic string `json:"topic"`
			}
			if err := msg.GetPayload(&req); err == nil {
				m.Subscribe(req.Topic)
			}
			fb.respond(m, msg, 0)
		}
	}
}

func (fb *fakeBroker) handleStatus(m *Module, msg *message.Message) {
	var payload StatusPayload
	require.NoError(fb.t, msg.GetPayload(&payload))
	switch Status(payload.Status) {
	case StatusRunning:
		m.SetStatus(StatusRunning)
	case StatusFinalizing:
		for _, topic := range fb.drainBefore {
			req := message.New(message.TypeRequest, topic)
			req.Matchtag = 1000
			if err := m.Sendmsg(req); err != nil {
				fb.t.Errorf("drain inject %s: %v", topic, err)
			}
		}
		m.Mute()
		m.SetStatus(StatusFinalizing)
		fb.respond(m, msg, 0)
		close(fb.finalized)
	case StatusExited:
		select {
		case <-fb.finalized:
		default:
			fb.mu.Lock()
			fb.orderViolated = true
			fb.mu.Unlock()
		}
		fb.mu.Lock()
		fb.exitErrnum = payload.Errnum
		fb.mu.Unlock()
		if fb.trackExited {
			m.SetErrnum(payload.Errnum)
			m.SetStatus(StatusExited)
		}
		close(fb.exited)
	}
}

func (fb *fakeBroker) respond(m *Module, req *message.Message, num int) {
	resp, err := message.NewResponse(req, num, nil)
	require.NoError(fb.t, err)
	// the route pushed by Recvmsg leads back to this module
	if err := m.Sendmsg(resp); err != nil {
		fb.t.Errorf("respond %s: %v", req.Topic, err)
	}
}

func (fb *fakeBroker) waitExited() {
	select {
	case <-fb.exited:
	case <-time.After(5 * time.Second):
		fb.t.Fatal("module did not reach exited")
	}
}

// destroy runs the record teardown on the reactor, as the broker
// would.
func (fb *fakeBroker) destroy() {
	done := make(chan struct{})
	require.NoError(fb.t, fb.r.Submit(func() {
		fb.m.Destroy()
		close(done)
	}))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		fb.t.Fatal("destroy did not complete")
	}
}

func (fb *fakeBroker) snapshot() ([]Status, []*message.Message, int, bool) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return append([]Status(nil), fb.trajectory...),
		append([]*message.Message(nil), fb.responses...),
		fb.exitErrnum, fb.orderViolated
}

func TestModuleLifecycleHappy(t *testing.T) {
	subscribed := make(chan struct{})
	gotEvents := make(chan string, 10)

	fb := newFakeBroker(t, func(h *handle.Handle, args []string) error {
		if err := h.EventSubscribe("x."); err != nil {
			return err
		}
		close(subscribed)
		msg, err := h.Recv(message.MatchEvent)
		if err != nil {
			return err
		}
		gotEvents <- msg.Topic
		return nil
	})

	require.NoError(t, fb.m.Start())

	select {
	case <-subscribed:
	case <-time.After(5 * time.Second):
		t.Fatal("module never subscribed")
	}

	// one matching event, one that must be dropped silently
	require.NoError(t, fb.r.Submit(func() {
		if err := fb.m.EventCast(message.New(message.TypeEvent, "z.q")); err != nil {
			t.Error(err)
		}
		if err := fb.m.EventCast(message.New(message.TypeEvent, "x.y")); err != nil {
			t.Error(err)
		}
	}))

	fb.waitExited()
	fb.destroy()

	trajectory, _, exitErrnum, orderViolated := fb.snapshot()
	assert.Equal(t, []Status{StatusRunning, StatusFinalizing, StatusExited}, trajectory)
	assert.False(t, orderViolated, "EXITED published before FINALIZING was acked")
	assert.Equal(t, 0, exitErrnum)

	assert.Equal(t, "x.y", <-gotEvents)
	select {
	case topic := <-gotEvents:
		t.Fatalf("unexpected extra event %s", topic)
	default:
	}
}

func TestModuleLifecycleAbnormalExit(t *testing.T) {
	fb := newFakeBroker(t, func(h *handle.Handle, args []string) error {
		return errnum.ErrInvalid
	})

	require.NoError(t, fb.m.Start())
	fb.waitExited()
	fb.destroy()

	trajectory, _, exitErrnum, _ := fb.snapshot()
	assert.Equal(t, []Status{StatusRunning, StatusFinalizing, StatusExited}, trajectory)
	assert.Equal(t, errnum.Invalid, exitErrnum)
}

func TestModuleExitErrnumDefaultsToConnReset(t *testing.T) {
	fb := newFakeBroker(t, func(h *handle.Handle, args []string) error {
		return errors.New("something went sideways")
	})

	require.NoError(t, fb.m.Start())
	fb.waitExited()
	fb.destroy()

	_, _, exitErrnum, _ := fb.snapshot()
	assert.Equal(t, errnum.ConnReset, exitErrnum)
}

func TestPostShutdownDrain(t *testing.T) {
	fb := newFakeBroker(t, func(h *handle.Handle, args []string) error {
		return nil
	})
	fb.drainBefore = []string{"a", "b"}

	require.NoError(t, fb.m.Start())
	fb.waitExited()
	fb.destroy()

	_, responses, _, _ := fb.snapshot()
	require.Len(t, responses, 2)
	assert.Equal(t, "a", responses[0].Topic)
	assert.Equal(t, "b", responses[1].Topic)
	for _, resp := range responses {
		assert.Equal(t, errnum.NoService, resp.Errnum)
	}
}

func TestDestroyForcesExited(t *testing.T) {
	fb := newFakeBroker(t, func(h *handle.Handle, args []string) error {
		return nil
	})
	fb.trackExited = false

	require.NoError(t, fb.m.Start())
	fb.waitExited() // the publish was seen, but the record was not transitioned
	fb.destroy()

	trajectory, _, _, _ := fb.snapshot()
	assert.Equal(t, []Status{StatusRunning, StatusFinalizing, StatusExited}, trajectory,
		"destroy must force the EXITED transition so the status callback runs")
	assert.Equal(t, StatusExited, fb.m.Status())
}

func TestModuleArgsReachEntryPoint(t *testing.T) {
	gotArgs := make(chan []string, 1)
	path := "modules/args.so"
	RegisterBuiltin(path, func(h *handle.Handle, args []string) error {
		gotArgs <- args
		return nil
	}, "")
	t.Cleanup(func() { UnregisterBuiltin(path) })

	r := reactor.New()
	go r.Run()
	t.Cleanup(r.Stop)

	m, err := Create(CreateOptions{
		ParentUUID: testParentUUID,
		Path:       path,
		Args:       []string{"verbose", "limit=8"},
		Attrs:      attrs.New(),
		Conf:       config.Default(),
		Registry:   endpoint.NewRegistry(),
		Reactor:    r,
	})
	require.NoError(t, err)

	// No poller is wired: the worker's shutdown protocol cannot
	// complete, so cancel before destroying.
	require.NoError(t, m.Start())
	assert.Equal(t, []string{"verbose", "limit=8"}, <-gotArgs)
	m.Cancel()
	done := make(chan struct{})
	require.NoError(t, r.Submit(func() {
		m.Destroy()
		close(done)
	}))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("destroy did not complete")
	}
}
