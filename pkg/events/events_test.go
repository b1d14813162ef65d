package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recvEvent(t *testing.T, sub Subscriber) *Event {
	t.Helper()
	select {
	case event := <-sub:
		return event
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
		return nil
	}
}

func TestPublishReachesSubscriber(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	b.Publish(&Event{Type: EventModuleRunning, Message: "module kvs running"})

	event := recvEvent(t, sub)
	assert.Equal(t, EventModuleRunning, event.Type)
	assert.False(t, event.Timestamp.IsZero(), "timestamp is stamped on publish")
}

func TestSubscribeTypesFilters(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.SubscribeTypes(EventModuleExited)
	defer b.Unsubscribe(sub)

	b.Publish(&Event{Type: EventModuleRunning})
	b.Publish(&Event{Type: EventServiceAdded})
	b.Publish(&Event{Type: EventModuleExited})

	event := recvEvent(t, sub)
	require.Equal(t, EventModuleExited, event.Type)

	select {
	case event := <-sub:
		t.Fatalf("unexpected event %s", event.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscriberCount(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	s1 := b.Subscribe()
	s2 := b.SubscribeTypes(EventServiceAdded)
	assert.Equal(t, 2, b.SubscriberCount())

	b.Unsubscribe(s1)
	b.Unsubscribe(s2)
	assert.Equal(t, 0, b.SubscriberCount())
}
